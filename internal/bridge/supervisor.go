// Package bridge supervises the worker process that drains the spool and
// talks to the chat platform. The supervisor treats the worker as opaque:
// it starts it, polls its health endpoint, and restarts it with backoff
// when it dies or goes unhealthy.
package bridge

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"os/exec"
	"sync"
	"time"

	bk "github.com/okrause/bridgekeeper"
)

// State is the supervisor's view of the worker.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateUnhealthy State = "unhealthy"
	StateFailed   State = "failed"
)

// Status is a point-in-time view for the bridge-status resource.
type Status struct {
	State        State     `json:"state"`
	PID          int       `json:"pid,omitempty"`
	StartedAt    time.Time `json:"started_at,omitempty"`
	Restarts     int       `json:"restarts"`
	LastExitCode int       `json:"last_exit_code,omitempty"`
	LastError    string    `json:"last_error,omitempty"`
}

// Config tunes the supervisor.
type Config struct {
	Command        []string      // argv; Command[0] is the binary
	HealthURL      string        // polled once the process is up; empty skips polling
	StartupTimeout time.Duration // deadline for the first healthy poll (default 30s)
	HealthInterval time.Duration // poll period (default 15s)
	RestartBase    time.Duration // restart backoff base (default 1s)
	RestartMax     time.Duration // restart backoff cap (default 1m)
	MaxRestarts    int           // restarts within RestartWindow before tripping the circuit (default 5)
	RestartWindow  time.Duration // (default 5m)
}

func (c Config) withDefaults() Config {
	if c.StartupTimeout <= 0 {
		c.StartupTimeout = 30 * time.Second
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = 15 * time.Second
	}
	if c.RestartBase <= 0 {
		c.RestartBase = time.Second
	}
	if c.RestartMax <= 0 {
		c.RestartMax = time.Minute
	}
	if c.MaxRestarts <= 0 {
		c.MaxRestarts = 5
	}
	if c.RestartWindow <= 0 {
		c.RestartWindow = 5 * time.Minute
	}
	return c
}

// CircuitName is the shared breaker key the supervisor trips when restarts
// churn; the dispatch path consults the same breaker before spooling work
// the worker cannot drain.
const CircuitName = "bridge"

// Supervisor owns the worker process lifecycle.
type Supervisor struct {
	cfg      Config
	breakers *bk.BreakerSet
	hub      *bk.Hub
	logger   *slog.Logger
	client   *http.Client

	// OnFailure receives the fault each time a health cycle finds the
	// worker down or unhealthy. When set, Monitor routes faults here and
	// leaves restarts to the callback; when nil it restarts directly.
	OnFailure func(ctx context.Context, cause *bk.Error)

	mu        sync.Mutex
	state     State
	cmd       *exec.Cmd
	startedAt time.Time
	restarts  []time.Time
	total     int
	lastExit  int
	lastErr   string
	waitDone  chan struct{}
}

// New creates a stopped supervisor.
func New(cfg Config, breakers *bk.BreakerSet, hub *bk.Hub, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if hub == nil {
		hub = bk.NewHub(0, 0)
	}
	return &Supervisor{
		cfg:      cfg.withDefaults(),
		breakers: breakers,
		hub:      hub,
		logger:   logger,
		client:   &http.Client{Timeout: 5 * time.Second},
		state:    StateStopped,
	}
}

// Status returns the current view.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		State:        s.state,
		StartedAt:    s.startedAt,
		Restarts:     s.total,
		LastExitCode: s.lastExit,
		LastError:    s.lastErr,
	}
	if s.cmd != nil && s.cmd.Process != nil {
		st.PID = s.cmd.Process.Pid
	}
	return st
}

// Start launches the worker and waits for it to report healthy within the
// startup deadline. Starting an already-running worker is a no-op.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateRunning || s.state == StateStarting {
		s.mu.Unlock()
		return nil
	}
	if len(s.cfg.Command) == 0 {
		s.mu.Unlock()
		return bk.Errf(bk.CodeConfigInvalid, "bridge.command is not configured")
	}
	s.state = StateStarting
	s.mu.Unlock()

	return s.launch(ctx)
}

func (s *Supervisor) launch(ctx context.Context) error {
	cmd := exec.Command(s.cfg.Command[0], s.cfg.Command[1:]...)
	if err := cmd.Start(); err != nil {
		s.setFailed(err.Error())
		return bk.Errf(bk.CodeBridgeNotRunning, "start bridge worker").
			WithCause(err).
			WithOperation("bridge", "start")
	}

	done := make(chan struct{})
	s.mu.Lock()
	s.cmd = cmd
	s.startedAt = time.Now()
	s.waitDone = done
	s.mu.Unlock()

	go func() {
		err := cmd.Wait()
		s.mu.Lock()
		s.lastExit = cmd.ProcessState.ExitCode()
		if err != nil {
			s.lastErr = err.Error()
		}
		if s.state != StateStopped {
			s.state = StateFailed
		}
		s.mu.Unlock()
		close(done)
	}()

	if err := s.awaitHealthy(ctx, done); err != nil {
		s.stopProcess()
		return err
	}

	s.mu.Lock()
	s.state = StateRunning
	s.mu.Unlock()
	s.logger.Info("bridge worker running", "pid", cmd.Process.Pid)
	return nil
}

// awaitHealthy polls the health URL until it answers 200, the process dies,
// or the startup deadline passes.
func (s *Supervisor) awaitHealthy(ctx context.Context, procDone <-chan struct{}) error {
	if s.cfg.HealthURL == "" {
		return nil
	}
	deadline := time.After(s.cfg.StartupTimeout)
	tick := time.NewTicker(500 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-procDone:
			return bk.Errf(bk.CodeBridgeNotRunning, "bridge worker exited during startup").
				Severe(bk.SeverityHigh).
				WithOperation("bridge", "start")
		case <-deadline:
			return bk.Errf(bk.CodeStartupTimeout, "bridge worker not healthy after %s", s.cfg.StartupTimeout).
				Severe(bk.SeverityHigh).
				WithOperation("bridge", "start")
		case <-tick.C:
			if s.probe(ctx) == nil {
				return nil
			}
		}
	}
}

func (s *Supervisor) probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.HealthURL, nil)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return bk.Errf(bk.CodeBridgeUnhealthy, "health probe returned %d", resp.StatusCode)
	}
	return nil
}

// Stop terminates the worker and waits for it to exit.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.state = StateStopped
	done := s.waitDone
	s.mu.Unlock()
	s.stopProcess()
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (s *Supervisor) stopProcess() {
	s.mu.Lock()
	cmd := s.cmd
	s.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return
	}
	_ = cmd.Process.Signal(os.Interrupt)
	killAt := time.AfterFunc(5*time.Second, func() { _ = cmd.Process.Kill() })
	defer killAt.Stop()
	s.mu.Lock()
	done := s.waitDone
	s.mu.Unlock()
	if done != nil {
		<-done
	}
}

// Restart stops the worker if needed and starts it again with jittered
// backoff. Crossing MaxRestarts within RestartWindow trips the shared
// bridge circuit and fails instead of thrashing.
func (s *Supervisor) Restart(ctx context.Context) error {
	s.mu.Lock()
	now := time.Now()
	cutoff := now.Add(-s.cfg.RestartWindow)
	kept := s.restarts[:0]
	for _, t := range s.restarts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	s.restarts = append(kept, now)
	s.total++
	recent := len(s.restarts)
	s.mu.Unlock()

	if recent > s.cfg.MaxRestarts {
		if s.breakers != nil {
			s.breakers.Get(CircuitName).ForceOpen(s.cfg.RestartMax)
		}
		return bk.Errf(bk.CodeBridgeNotRunning, "%d restarts in %s, giving up", recent, s.cfg.RestartWindow).
			Severe(bk.SeverityCritical).
			WithOperation("bridge", "restart")
	}

	if err := s.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Warn("stopping bridge before restart", "error", err)
	}

	backoff := s.cfg.RestartBase * time.Duration(1<<uint(min(recent-1, 6)))
	if backoff > s.cfg.RestartMax {
		backoff = s.cfg.RestartMax
	}
	backoff += time.Duration(rand.Int63n(int64(backoff)/2 + 1))
	s.logger.Info("restarting bridge worker", "attempt", recent, "backoff", backoff)
	timer := time.NewTimer(backoff)
	select {
	case <-ctx.Done():
		timer.Stop()
		return ctx.Err()
	case <-timer.C:
	}

	s.hub.Inc(bk.MetricBridgeRestarts)
	s.mu.Lock()
	s.state = StateStarting
	s.mu.Unlock()
	return s.launch(ctx)
}

// EnsureRunning starts the worker when it is not running, restarts it when
// it is unhealthy, and is a no-op otherwise.
func (s *Supervisor) EnsureRunning(ctx context.Context) error {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()
	switch state {
	case StateRunning:
		if s.cfg.HealthURL == "" {
			return nil
		}
		if err := s.probe(ctx); err == nil {
			return nil
		}
		s.mu.Lock()
		s.state = StateUnhealthy
		s.mu.Unlock()
		return s.Restart(ctx)
	case StateStarting:
		return nil
	case StateFailed, StateUnhealthy:
		return s.Restart(ctx)
	default:
		return s.Start(ctx)
	}
}

// Check probes the worker without side effects beyond marking a running
// worker unhealthy when its probe fails. It returns nil when the worker is
// healthy or mid-start, and the fault otherwise.
func (s *Supervisor) Check(ctx context.Context) *bk.Error {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()
	switch state {
	case StateStarting:
		return nil
	case StateRunning:
		if s.cfg.HealthURL == "" {
			return nil
		}
		if err := s.probe(ctx); err != nil {
			s.mu.Lock()
			s.state = StateUnhealthy
			s.mu.Unlock()
			return bk.Errf(bk.CodeBridgeUnhealthy, "health probe failed").
				WithCause(err).
				Transient(0).
				WithOperation("bridge", "monitor")
		}
		return nil
	case StateUnhealthy:
		return bk.Errf(bk.CodeBridgeUnhealthy, "bridge worker unhealthy").
			Transient(0).
			WithOperation("bridge", "monitor")
	default: // stopped, failed
		return bk.Errf(bk.CodeBridgeNotRunning, "bridge worker not running").
			Transient(0).
			WithOperation("bridge", "monitor")
	}
}

// Monitor polls health until ctx ends. Faults go to OnFailure when set,
// otherwise the supervisor restarts the worker itself.
func (s *Supervisor) Monitor(ctx context.Context) error {
	tick := time.NewTicker(s.cfg.HealthInterval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
			cause := s.Check(ctx)
			if cause == nil {
				continue
			}
			if s.OnFailure != nil {
				s.OnFailure(ctx, cause)
				continue
			}
			if err := s.EnsureRunning(ctx); err != nil {
				s.logger.Error("bridge worker not recoverable", "error", err)
			}
		}
	}
}

func (s *Supervisor) setFailed(msg string) {
	s.mu.Lock()
	s.state = StateFailed
	s.lastErr = msg
	s.mu.Unlock()
}
