package agent

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/adv-inn/Deckify/internal/core"
	"github.com/adv-inn/Deckify/internal/store"
)

const (
	// maxCrashes within crashWindow stops the auto-restart loop.
	maxCrashes  = 5
	crashWindow = 10 * time.Minute
	// stableThreshold of uninterrupted uptime resets the crash counter.
	stableThreshold = 60 * time.Second
	restartDelayCap = 30 * time.Second
	stopGrace       = 5 * time.Second
)

type procState int

const (
	stateStopped procState = iota
	stateStarting
	stateRunning
	stateCrashed
	stateRestarting
)

// Notifier delivers agent status notifications to UI consumers.
type Notifier interface {
	Publish(n core.Notification)
}

// TokenProvider supplies the access token passed to the agent at launch.
type TokenProvider interface {
	Token(ctx context.Context) (*oauth2.Token, error)
}

// Supervisor owns the agent process handle. All process state is mutated only
// here; everyone else reads copies via Status.
type Supervisor struct {
	cfg      *core.AgentConfig
	settings *store.SettingsStore
	tokens   TokenProvider
	hub      Notifier
	logger   *zap.Logger

	events chan core.AgentEvent

	mu             sync.Mutex
	state          procState
	cmd            *exec.Cmd
	pid            int
	stopRequested  bool
	autoRestarting bool
	restartNeeded  bool
	lastEvent      *core.AgentEvent
	lastError      string
	crashTimes     []time.Time
	stableSince    time.Time
	waitDone       chan struct{}
}

func NewSupervisor(cfg *core.AgentConfig, settings *store.SettingsStore, tokens TokenProvider, hub Notifier, logger *zap.Logger) *Supervisor {
	return &Supervisor{
		cfg:      cfg,
		settings: settings,
		tokens:   tokens,
		hub:      hub,
		logger:   logger,
		events:   make(chan core.AgentEvent, 64),
	}
}

// Events returns the ordered stream of parsed agent events.
func (s *Supervisor) Events() <-chan core.AgentEvent {
	return s.events
}

// Status returns a copy of the current process state.
func (s *Supervisor) Status() core.AgentState {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := core.AgentState{
		PID:            s.pid,
		Running:        s.state == stateRunning,
		BinaryFound:    fileExists(s.cfg.BinaryPath),
		AutoRestarting: s.autoRestarting,
		RestartNeeded:  s.restartNeeded,
		LastError:      s.lastError,
	}
	if s.lastEvent != nil {
		ev := *s.lastEvent
		state.LastEvent = &ev
	}
	return state
}

// Start launches the agent. A missing binary is reported as ErrBinaryNotFound
// and left as a persistent status flag; a live process yields
// ErrAgentAlreadyRunning.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == stateRunning || s.state == stateStarting {
		return core.ErrAgentAlreadyRunning
	}
	s.stopRequested = false
	s.crashTimes = nil
	return s.startLocked(ctx)
}

func (s *Supervisor) startLocked(ctx context.Context) error {
	s.killStale()

	if !fileExists(s.cfg.BinaryPath) {
		s.lastError = fmt.Sprintf("librespot binary not found at %s", s.cfg.BinaryPath)
		s.state = stateStopped
		s.logger.Error("Agent binary missing", zap.String("path", s.cfg.BinaryPath))
		s.publishStatus()
		return core.ErrBinaryNotFound
	}

	if err := os.MkdirAll(s.cfg.CacheDir, 0755); err != nil {
		return fmt.Errorf("failed to create cache dir: %w", err)
	}

	settings := s.settings.Get()
	args := []string{
		"--name", settings.DeviceName,
		"--device-type", "computer",
		"--bitrate", strconv.Itoa(settings.Bitrate),
		"--backend", s.cfg.Backend,
		"--system-cache", s.cfg.CacheDir,
		"--emit-json-events",
	}
	if s.tokens != nil {
		if tok, err := s.tokens.Token(ctx); err == nil && tok.AccessToken != "" {
			args = append(args, "--access-token", tok.AccessToken)
		}
	}

	cmd := exec.Command(s.cfg.BinaryPath, args...)
	cmd.Env = append(os.Environ(), "PULSE_SERVER="+s.cfg.PulseServer)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to open agent stdout: %w", err)
	}

	s.state = stateStarting
	s.logger.Info("Starting agent",
		zap.String("binary", s.cfg.BinaryPath),
		zap.String("device_name", settings.DeviceName),
		zap.Int("bitrate", settings.Bitrate))

	if err := cmd.Start(); err != nil {
		s.state = stateStopped
		s.lastError = fmt.Sprintf("failed to start librespot: %v", err)
		s.publishStatus()
		return fmt.Errorf("failed to start agent: %w", err)
	}

	s.cmd = cmd
	s.pid = cmd.Process.Pid
	s.lastError = ""
	s.state = stateRunning
	s.autoRestarting = false
	s.stableSince = time.Now()
	s.waitDone = make(chan struct{})
	s.writePID(s.pid)

	go s.readEvents(stdout)
	go s.waitForExit(cmd, s.waitDone)

	s.publishStatus()
	s.logger.Info("Agent started", zap.Int("pid", s.pid))
	return nil
}

// Stop terminates the agent. Stopping an already-stopped agent is a no-op.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	s.stopRequested = true
	s.restartNeeded = false
	s.lastEvent = nil
	cmd := s.cmd
	done := s.waitDone
	s.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		s.mu.Lock()
		s.state = stateStopped
		s.autoRestarting = false
		s.publishStatus()
		s.mu.Unlock()
		return nil
	}

	s.logger.Info("Stopping agent", zap.Int("pid", cmd.Process.Pid))
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		// Already gone.
		s.logger.Debug("SIGTERM failed", zap.Error(err))
	}

	select {
	case <-done:
	case <-time.After(stopGrace):
		s.logger.Warn("Agent did not exit, sending SIGKILL")
		_ = cmd.Process.Kill()
		<-done
	}
	return nil
}

// Restart applies pending setting changes by stopping and starting the agent.
// The operator must trigger this explicitly since it interrupts playback.
func (s *Supervisor) Restart(ctx context.Context) error {
	if err := s.Stop(); err != nil {
		return err
	}
	return s.Start(ctx)
}

// MarkRestartNeeded flags that device name or bitrate changed. The agent keeps
// running until the operator confirms the restart.
func (s *Supervisor) MarkRestartNeeded() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == stateRunning {
		s.restartNeeded = true
	}
}

func (s *Supervisor) readEvents(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		line := scanner.Text()
		ev, err := ParseEvent(line)
		if err != nil {
			if strings.TrimSpace(line) != "" {
				s.logger.Debug("Discarding unparseable event line", zap.String("line", line), zap.Error(err))
			}
			continue
		}

		s.mu.Lock()
		s.lastEvent = ev
		s.mu.Unlock()

		// Blocking send preserves event order; the channel is drained by the
		// reconciler bridge for the life of the process.
		s.events <- *ev
	}
}

func (s *Supervisor) waitForExit(cmd *exec.Cmd, done chan struct{}) {
	err := cmd.Wait()
	close(done)

	s.mu.Lock()
	if s.cmd != cmd {
		s.mu.Unlock()
		return
	}
	s.cmd = nil
	s.pid = 0
	s.clearPID()

	if s.stopRequested {
		s.state = stateStopped
		s.autoRestarting = false
		s.publishStatus()
		s.mu.Unlock()
		s.logger.Info("Agent stopped")
		return
	}

	rc := cmd.ProcessState.ExitCode()
	s.logger.Error("Agent exited unexpectedly", zap.Int("code", rc), zap.Error(err))

	now := time.Now()
	if now.Sub(s.stableSince) >= stableThreshold {
		s.crashTimes = nil
	}
	recent := s.crashTimes[:0]
	for _, t := range s.crashTimes {
		if now.Sub(t) < crashWindow {
			recent = append(recent, t)
		}
	}
	s.crashTimes = recent

	if len(s.crashTimes) >= maxCrashes {
		s.state = stateCrashed
		s.autoRestarting = false
		s.lastError = fmt.Sprintf("crashed (code %d), auto-restart limit reached, restart manually", rc)
		s.publishStatus()
		s.mu.Unlock()
		s.logger.Error("Auto-restart limit reached")
		return
	}

	s.crashTimes = append(s.crashTimes, now)
	attempt := len(s.crashTimes)
	delay := backoffDelay(attempt)

	s.state = stateRestarting
	s.autoRestarting = true
	s.lastError = fmt.Sprintf("crashed (code %d), restarting in %s", rc, delay)
	s.publishStatus()
	s.mu.Unlock()

	s.logger.Info("Scheduling agent restart",
		zap.Int("attempt", attempt),
		zap.Int("max", maxCrashes),
		zap.Duration("delay", delay))
	time.Sleep(delay)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopRequested {
		s.state = stateStopped
		s.autoRestarting = false
		return
	}
	// A manual Start during the backoff window owns the process now; the
	// pending restart is obsolete and must not touch it.
	if s.state != stateRestarting || s.cmd != nil {
		return
	}
	if err := s.startLocked(context.Background()); err != nil {
		s.state = stateCrashed
		s.autoRestarting = false
		s.lastError = fmt.Sprintf("auto-restart failed: %v", err)
		s.publishStatus()
		s.logger.Error("Auto-restart failed", zap.Error(err))
	}
}

func backoffDelay(attempt int) time.Duration {
	delay := time.Duration(1<<uint(attempt)) * time.Second
	if delay > restartDelayCap {
		delay = restartDelayCap
	}
	return delay
}

// publishStatus must be called with the mutex held.
func (s *Supervisor) publishStatus() {
	if s.hub == nil {
		return
	}
	state := core.AgentState{
		PID:            s.pid,
		Running:        s.state == stateRunning,
		BinaryFound:    fileExists(s.cfg.BinaryPath),
		AutoRestarting: s.autoRestarting,
		RestartNeeded:  s.restartNeeded,
		LastError:      s.lastError,
	}
	if s.lastEvent != nil {
		ev := *s.lastEvent
		state.LastEvent = &ev
	}
	s.hub.Publish(core.Notification{Type: core.NotifyAgentStatus, Payload: state})
}

// killStale terminates an orphan agent left by a previous run via the PID file.
func (s *Supervisor) killStale() {
	data, err := os.ReadFile(s.cfg.PIDFile)
	if err != nil {
		return
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		s.clearPID()
		return
	}
	if err := syscall.Kill(pid, 0); err != nil {
		s.clearPID()
		return
	}
	s.logger.Info("Killing stale agent", zap.Int("pid", pid))
	_ = syscall.Kill(pid, syscall.SIGTERM)
	s.clearPID()
}

func (s *Supervisor) writePID(pid int) {
	if err := os.WriteFile(s.cfg.PIDFile, []byte(strconv.Itoa(pid)), 0644); err != nil {
		s.logger.Warn("Failed to write PID file", zap.Error(err))
	}
}

func (s *Supervisor) clearPID() {
	if err := os.Remove(s.cfg.PIDFile); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("Failed to remove PID file", zap.Error(err))
	}
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
