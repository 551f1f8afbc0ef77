package reconcile

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/adv-inn/Deckify/internal/core"
)

// testClock drives the reconciler's time seam.
type testClock struct {
	now time.Time
}

func (c *testClock) advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestReconciler() (*Reconciler, *testClock) {
	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	r := NewReconciler(NewHub(), zap.NewNop())
	r.now = func() time.Time { return clock.now }
	return r, clock
}

func TestPauseFreezesPosition(t *testing.T) {
	r, clock := newTestReconciler()

	r.ApplyAgentEvent(core.AgentEvent{Kind: core.EventChanged, TrackID: "A", DurationMs: 300000})
	r.ApplyAgentEvent(core.AgentEvent{Kind: core.EventPlaying, TrackID: "A", PositionMs: 5000, DurationMs: 300000})

	clock.advance(10 * time.Second)
	r.ApplyAgentEvent(core.AgentEvent{Kind: core.EventPaused, TrackID: "A", PositionMs: 15000})

	clock.advance(5 * time.Second)
	snap := r.Snapshot()
	if snap.IsPlaying {
		t.Error("snapshot must report paused")
	}
	if snap.PositionMs != 15000 {
		t.Errorf("position = %d, must stay frozen at 15000 while paused", snap.PositionMs)
	}

	clock.advance(time.Hour)
	if got := r.Snapshot().PositionMs; got != 15000 {
		t.Errorf("position = %d after an hour paused, want 15000", got)
	}
}

func TestPositionExtrapolatesWhilePlaying(t *testing.T) {
	r, clock := newTestReconciler()

	r.ApplyAgentEvent(core.AgentEvent{Kind: core.EventPlaying, TrackID: "A", PositionMs: 1000, DurationMs: 200000})
	clock.advance(4 * time.Second)

	if got := r.Snapshot().PositionMs; got != 5000 {
		t.Errorf("position = %d, want 5000 after 4s of playback", got)
	}
}

func TestPositionClampsToDuration(t *testing.T) {
	r, clock := newTestReconciler()

	r.ApplyAgentEvent(core.AgentEvent{Kind: core.EventPlaying, TrackID: "A", PositionMs: 900, DurationMs: 1000})
	clock.advance(time.Minute)

	if got := r.Snapshot().PositionMs; got != 1000 {
		t.Errorf("position = %d, must clamp to duration 1000", got)
	}
}

func TestVolumeDebounceSuppressesPoll(t *testing.T) {
	r, clock := newTestReconciler()

	r.ApplyVolumeCommand(30)

	poll := &core.PlayerState{
		Present: true,
		Playing: true,
		Track:   &core.TrackMetadata{TrackID: "A", DurationMs: 1000},
		Device:  &core.Device{ID: "d1", Name: "Deck", VolumePercent: 77},
	}

	clock.advance(200 * time.Millisecond)
	r.ApplyPlayerState(poll)
	if got := r.Snapshot().Volume; got != 30 {
		t.Errorf("volume = %d inside the debounce window, want 30", got)
	}

	clock.advance(VolumeDebounce)
	r.ApplyPlayerState(poll)
	if got := r.Snapshot().Volume; got != 77 {
		t.Errorf("volume = %d after the window elapsed, want 77", got)
	}
}

func TestAgentVolumeIsNotDebounced(t *testing.T) {
	r, _ := newTestReconciler()

	r.ApplyVolumeCommand(30)
	// The agent reports its own applied state, which wins immediately.
	r.ApplyAgentEvent(core.AgentEvent{Kind: core.EventVolumeSet, Volume: 64})

	if got := r.Snapshot().Volume; got != 64 {
		t.Errorf("volume = %d, want the agent-reported 64", got)
	}
}

func TestQuietWindowProtectsOptimisticState(t *testing.T) {
	r, clock := newTestReconciler()

	r.ApplyAgentEvent(core.AgentEvent{Kind: core.EventPlaying, TrackID: "A", PositionMs: 1000, DurationMs: 100000})
	r.ApplyCommand("pause")

	// A poll that raced the pause still reports playing.
	stale := &core.PlayerState{Present: true, Playing: true, ProgressMs: 1100}
	clock.advance(100 * time.Millisecond)
	r.ApplyPlayerState(stale)

	if r.Snapshot().IsPlaying {
		t.Error("stale poll inside the quiet window must not override the pause")
	}

	clock.advance(CommandQuiet)
	r.ApplyPlayerState(stale)
	if !r.Snapshot().IsPlaying {
		t.Error("poll after the quiet window is authoritative again")
	}
}

func TestSkipResetsPosition(t *testing.T) {
	r, clock := newTestReconciler()

	r.ApplyAgentEvent(core.AgentEvent{Kind: core.EventPlaying, TrackID: "A", PositionMs: 30000, DurationMs: 100000})
	r.ApplyCommand("next")
	clock.advance(time.Second)

	if got := r.Snapshot().PositionMs; got != 1000 {
		// One second elapsed while playing since the reset anchor.
		t.Errorf("position = %d, want 1000 one second after a skip", got)
	}
}

func TestStoppedClearsTrack(t *testing.T) {
	r, _ := newTestReconciler()

	r.ApplyAgentEvent(core.AgentEvent{Kind: core.EventPlaying, TrackID: "A", PositionMs: 100, DurationMs: 1000})
	r.SetTrackMetadata(&core.TrackMetadata{TrackID: "A", Name: "Song", DurationMs: 1000})
	r.ApplyAgentEvent(core.AgentEvent{Kind: core.EventStopped})

	snap := r.Snapshot()
	if snap.Track != nil || snap.IsPlaying || snap.PositionMs != 0 {
		t.Errorf("snapshot after stop = %+v, want cleared", snap)
	}
}

func TestPendingTrackMetadataFlow(t *testing.T) {
	r, _ := newTestReconciler()

	r.ApplyAgentEvent(core.AgentEvent{Kind: core.EventChanged, TrackID: "B", DurationMs: 2000})
	if got := r.PendingTrackID(); got != "B" {
		t.Fatalf("pending track = %q, want B", got)
	}

	// A stale fetch for a superseded track is dropped.
	r.ApplyAgentEvent(core.AgentEvent{Kind: core.EventChanged, TrackID: "C"})
	r.SetTrackMetadata(&core.TrackMetadata{TrackID: "B", Name: "Old"})
	if snap := r.Snapshot(); snap.Track != nil {
		t.Errorf("stale metadata must be dropped, got %+v", snap.Track)
	}

	r.SetTrackMetadata(&core.TrackMetadata{TrackID: "C", Name: "Current", DurationMs: 90000})
	snap := r.Snapshot()
	if snap.Track == nil || snap.Track.Name != "Current" {
		t.Errorf("track = %+v, want the fetched metadata", snap.Track)
	}
	if r.PendingTrackID() != "" {
		t.Error("no fetch must be pending once metadata is installed")
	}
}

func TestDeviceListReplacedWholesale(t *testing.T) {
	r, _ := newTestReconciler()

	r.SetDevices([]core.Device{
		{ID: "d1", Name: "Deck", Active: false},
		{ID: "d2", Name: "Phone", Active: true},
	})
	r.SetDevices([]core.Device{{ID: "d3", Name: "Laptop", Active: true}})

	devices := r.Devices()
	if len(devices) != 1 || devices[0].ID != "d3" {
		t.Errorf("devices = %+v, want the latest list only", devices)
	}
	if snap := r.Snapshot(); snap.ActiveDevice == nil || snap.ActiveDevice.ID != "d3" {
		t.Errorf("active device = %+v, want d3", r.Snapshot().ActiveDevice)
	}
}

func TestHubDeliversAndDropsWhenSlow(t *testing.T) {
	hub := NewHub()
	ch, cancel := hub.Subscribe()
	defer cancel()

	hub.Publish(core.Notification{Type: core.NotifyAgentEvent})
	select {
	case n := <-ch:
		if n.Type != core.NotifyAgentEvent {
			t.Errorf("notification type = %q", n.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("notification not delivered")
	}

	// Flooding a full buffer must not block the publisher.
	for i := 0; i < 100; i++ {
		hub.Publish(core.Notification{Type: core.NotifyAgentStatus})
	}

	cancel()
	if _, open := <-ch; open {
		// Buffered entries drain first; the channel still closes.
		for range ch {
		}
	}
}
