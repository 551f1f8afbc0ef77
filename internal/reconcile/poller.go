package reconcile

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/adv-inn/Deckify/internal/core"
)

const (
	statusInterval  = 3 * time.Second
	devicesInterval = 30 * time.Second
	// confirmDelay is how long after a command the confirmation poll runs to
	// correct any optimistic mismatch.
	confirmDelay = 500 * time.Millisecond
)

// AuthReader reports authentication state without touching the network.
type AuthReader interface {
	AuthStatus() (authenticated, needsReauth bool)
}

// AgentReader reports the supervisor's process state.
type AgentReader interface {
	Status() core.AgentState
}

// Poller drives the reconciler: it drains the agent event stream, polls the
// remote player every few seconds, refreshes the device list on a slower
// cadence, and fetches track metadata when the current track changes.
type Poller struct {
	api    core.SpotifyAPI
	rec    *Reconciler
	auth   AuthReader
	agent  AgentReader
	events <-chan core.AgentEvent
	nudge  chan struct{}
	logger *zap.Logger
}

func NewPoller(api core.SpotifyAPI, rec *Reconciler, auth AuthReader, agent AgentReader, events <-chan core.AgentEvent, logger *zap.Logger) *Poller {
	return &Poller{
		api:    api,
		rec:    rec,
		auth:   auth,
		agent:  agent,
		events: events,
		nudge:  make(chan struct{}, 1),
		logger: logger,
	}
}

// ConfirmSoon schedules a confirmation poll shortly after a command. Multiple
// commands inside the window coalesce into one poll.
func (p *Poller) ConfirmSoon() {
	go func() {
		time.Sleep(confirmDelay)
		select {
		case p.nudge <- struct{}{}:
		default:
		}
	}()
}

// Run blocks until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	statusTicker := time.NewTicker(statusInterval)
	defer statusTicker.Stop()
	devicesTicker := time.NewTicker(devicesInterval)
	defer devicesTicker.Stop()

	// Prime state once at startup rather than waiting a full tick.
	p.pollStatus(ctx)
	p.pollDevices(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-p.events:
			if !ok {
				return nil
			}
			p.rec.ApplyAgentEvent(ev)
			p.fetchPendingMetadata(ctx)
		case <-statusTicker.C:
			p.pollStatus(ctx)
		case <-devicesTicker.C:
			p.pollDevices(ctx)
		case <-p.nudge:
			p.pollStatus(ctx)
		}
	}
}

func (p *Poller) pollStatus(ctx context.Context) {
	authenticated, needsReauth := p.auth.AuthStatus()
	p.rec.SetAuth(authenticated, needsReauth)
	if p.agent != nil {
		p.rec.SetAgentState(p.agent.Status())
	}
	if !authenticated {
		return
	}

	state, err := p.api.PlayerState(ctx)
	if err != nil {
		p.logWarn("Player state poll failed", err)
		return
	}
	p.rec.ApplyPlayerState(state)
	p.fetchPendingMetadata(ctx)
}

func (p *Poller) pollDevices(ctx context.Context) {
	if authenticated, _ := p.auth.AuthStatus(); !authenticated {
		return
	}

	devices, err := p.api.Devices(ctx)
	if err != nil {
		p.logWarn("Device list poll failed", err)
		return
	}
	p.rec.SetDevices(devices)
}

func (p *Poller) fetchPendingMetadata(ctx context.Context) {
	trackID := p.rec.PendingTrackID()
	if trackID == "" {
		return
	}
	meta, err := p.api.TrackMetadata(ctx, trackID)
	if err != nil {
		p.logWarn("Track metadata fetch failed", err)
		return
	}
	p.rec.SetTrackMetadata(meta)
}

// logWarn keeps transient poll failures advisory; context cancellation during
// shutdown is not worth a log line.
func (p *Poller) logWarn(msg string, err error) {
	if errors.Is(err, context.Canceled) || errors.Is(err, core.ErrNotAuthenticated) {
		return
	}
	p.logger.Warn(msg, zap.Error(err))
}
