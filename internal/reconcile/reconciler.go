package reconcile

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/adv-inn/Deckify/internal/core"
)

const (
	// VolumeDebounce suppresses poll-sourced volume after a local volume
	// command so the slider does not fight the user's drag. Tunable; the
	// optimistic update self-corrects once the window elapses.
	VolumeDebounce = 500 * time.Millisecond

	// CommandQuiet protects a command's optimistic play state from a poll
	// response that raced it.
	CommandQuiet = 500 * time.Millisecond
)

// Reconciler folds three asynchronous sources into one PlaybackSnapshot:
// agent events (authoritative for play transitions), remote polls
// (authoritative for devices and off-host transfers), and optimistic user
// commands. Snapshots are rebuilt on read; internal state is never handed out.
type Reconciler struct {
	hub    *Hub
	logger *zap.Logger
	now    func() time.Time

	mu             sync.RWMutex
	authenticated  bool
	needsReauth    bool
	agentRunning   bool
	autoRestarting bool

	isPlaying  bool
	trackID    string
	durationMs int
	positionMs int
	positionAt time.Time
	track      *core.TrackMetadata

	devices        []core.Device
	activeDevice   *core.Device
	targetDeviceID string

	volume        int
	lastVolumeCmd time.Time
	lastCommand   time.Time
}

func NewReconciler(hub *Hub, logger *zap.Logger) *Reconciler {
	return &Reconciler{
		hub:    hub,
		logger: logger,
		now:    time.Now,
		volume: -1,
	}
}

// ApplyAgentEvent folds one agent event into the state. Events must be applied
// in the order received.
func (r *Reconciler) ApplyAgentEvent(ev core.AgentEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	switch ev.Kind {
	case core.EventPlaying:
		r.isPlaying = true
		r.anchorLocked(ev, now)
	case core.EventPaused:
		r.isPlaying = false
		r.anchorLocked(ev, now)
	case core.EventStopped:
		r.isPlaying = false
		r.positionMs = 0
		r.positionAt = now
		r.trackID = ""
		r.track = nil
		r.durationMs = 0
	case core.EventChanged:
		if ev.TrackID != "" && ev.TrackID != r.trackID {
			r.trackID = ev.TrackID
			r.track = nil
		}
		r.positionMs = 0
		r.positionAt = now
		if ev.DurationMs > 0 {
			r.durationMs = ev.DurationMs
		}
	case core.EventVolumeSet:
		// The agent reports its own state; unlike poll data this is not
		// debounced against user input.
		r.volume = clampVolume(ev.Volume)
	case core.EventPreloading, core.EventUnavailable:
		// No snapshot change.
	}

	r.hub.Publish(core.Notification{Type: core.NotifyAgentEvent, Payload: ev})
}

func (r *Reconciler) anchorLocked(ev core.AgentEvent, now time.Time) {
	if ev.TrackID != "" && ev.TrackID != r.trackID {
		r.trackID = ev.TrackID
		r.track = nil
	}
	r.positionMs = ev.PositionMs
	r.positionAt = now
	if ev.DurationMs > 0 {
		r.durationMs = ev.DurationMs
	}
}

// ApplyPlayerState folds one remote poll result into the state. A poll that
// lands inside the quiet window after a user command must not overwrite the
// command's optimistic play state or position.
func (r *Reconciler) ApplyPlayerState(ps *core.PlayerState) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if ps == nil || !ps.Present {
		if now.Sub(r.lastCommand) >= CommandQuiet {
			r.isPlaying = false
		}
		return
	}

	quiet := now.Sub(r.lastCommand) < CommandQuiet
	if !quiet {
		r.isPlaying = ps.Playing
		r.positionMs = ps.ProgressMs
		r.positionAt = now
	}

	if ps.Track != nil {
		if r.trackID != ps.Track.TrackID {
			r.trackID = ps.Track.TrackID
		}
		if r.track == nil || r.track.TrackID != ps.Track.TrackID {
			meta := *ps.Track
			r.track = &meta
			r.hub.Publish(core.Notification{Type: core.NotifyTrackMetadata, Payload: meta})
		}
		if ps.Track.DurationMs > 0 {
			r.durationMs = ps.Track.DurationMs
		}
	}

	if ps.Device != nil && ps.Device.ID != "" {
		prev := ""
		if r.activeDevice != nil {
			prev = r.activeDevice.ID
		}
		dev := *ps.Device
		r.activeDevice = &dev
		if dev.ID != prev {
			r.hub.Publish(core.Notification{Type: core.NotifyDeviceChanged, Payload: dev})
		}
		if now.Sub(r.lastVolumeCmd) >= VolumeDebounce {
			r.volume = clampVolume(dev.VolumePercent)
		}
	}
}

// ApplyCommand records a play/pause/next/previous command optimistically.
// A confirmation poll is expected to correct any mismatch shortly after.
func (r *Reconciler) ApplyCommand(action string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	switch action {
	case "play":
		r.positionMs = r.extrapolateLocked(now)
		r.positionAt = now
		r.isPlaying = true
	case "pause":
		r.positionMs = r.extrapolateLocked(now)
		r.positionAt = now
		r.isPlaying = false
	case "next", "previous":
		r.positionMs = 0
		r.positionAt = now
		r.isPlaying = true
	}
	r.lastCommand = now
}

// ApplyVolumeCommand records a user volume change and opens the debounce
// window against poll-sourced volume.
func (r *Reconciler) ApplyVolumeCommand(percent int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.volume = clampVolume(percent)
	r.lastVolumeCmd = r.now()
	r.lastCommand = r.lastVolumeCmd
}

// ApplySeek re-anchors the position after a user seek.
func (r *Reconciler) ApplySeek(positionMs int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	r.positionMs = positionMs
	r.positionAt = now
	r.lastCommand = now
}

// SetAuth updates the authentication flags shown in the snapshot.
func (r *Reconciler) SetAuth(authenticated, needsReauth bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.authenticated = authenticated
	r.needsReauth = needsReauth
}

// SetAgentState mirrors the supervisor's running flags into the snapshot.
func (r *Reconciler) SetAgentState(st core.AgentState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agentRunning = st.Running
	r.autoRestarting = st.AutoRestarting
}

// SetDevices replaces the device list wholesale.
func (r *Reconciler) SetDevices(devices []core.Device) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.devices = make([]core.Device, len(devices))
	copy(r.devices, devices)
	for i := range r.devices {
		if r.devices[i].Active {
			dev := r.devices[i]
			r.activeDevice = &dev
			return
		}
	}
}

// Devices returns a copy of the latest device list.
func (r *Reconciler) Devices() []core.Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]core.Device, len(r.devices))
	copy(out, r.devices)
	return out
}

// SetTargetDevice records the id the user targets; it is a weak reference and
// may point at a device missing from the next list fetch.
func (r *Reconciler) SetTargetDevice(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.targetDeviceID = id
}

// TargetDevice returns the currently targeted device id.
func (r *Reconciler) TargetDevice() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.targetDeviceID
}

// PendingTrackID reports a track id that is missing its metadata, so the
// poller can fetch it.
func (r *Reconciler) PendingTrackID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.trackID != "" && (r.track == nil || r.track.TrackID != r.trackID) {
		return r.trackID
	}
	return ""
}

// SetTrackMetadata installs fetched metadata if it still matches the current
// track; a stale fetch for a superseded track is dropped.
func (r *Reconciler) SetTrackMetadata(meta *core.TrackMetadata) {
	if meta == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.trackID != "" && meta.TrackID != r.trackID {
		return
	}
	m := *meta
	r.track = &m
	if m.DurationMs > 0 {
		r.durationMs = m.DurationMs
	}
	r.hub.Publish(core.Notification{Type: core.NotifyTrackMetadata, Payload: m})
}

// Snapshot builds the reconciled view. Position is extrapolated from the
// anchor while playing and clamped to the track duration.
func (r *Reconciler) Snapshot() core.PlaybackSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := r.now()
	snap := core.PlaybackSnapshot{
		Authenticated:      r.authenticated,
		NeedsReauth:        r.needsReauth,
		AgentRunning:       r.agentRunning,
		AutoRestarting:     r.autoRestarting,
		IsPlaying:          r.isPlaying,
		PositionMs:         r.extrapolateLocked(now),
		PositionCapturedAt: now,
		Volume:             r.volume,
	}
	if r.track != nil {
		meta := *r.track
		snap.Track = &meta
	}
	if r.activeDevice != nil {
		dev := *r.activeDevice
		snap.ActiveDevice = &dev
	}
	return snap
}

// extrapolateLocked returns the current position: the anchor plus wall time
// elapsed while playing, clamped to [0, duration].
func (r *Reconciler) extrapolateLocked(now time.Time) int {
	pos := r.positionMs
	if r.isPlaying && !r.positionAt.IsZero() {
		pos += int(now.Sub(r.positionAt).Milliseconds())
	}
	if pos < 0 {
		pos = 0
	}
	if r.durationMs > 0 && pos > r.durationMs {
		pos = r.durationMs
	}
	return pos
}

func clampVolume(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
