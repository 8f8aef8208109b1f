package bridgekeeper

import (
	"context"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"time"
)

// StepStatus tracks one plan step through its lifecycle.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// ExecutionStatus is the overall outcome of one plan execution.
type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
	ExecutionRejected  ExecutionStatus = "rejected"
)

// NextAction decides what the plan does after a step finishes.
type NextAction string

const (
	NextContinue NextAction = "continue"
	NextStop     NextAction = "stop"
	NextEscalate NextAction = "escalate"
	NextComplete NextAction = "complete"
)

// PlanStep is one strategy application inside a plan.
type PlanStep struct {
	Name        string
	Strategy    Strategy
	Timeout     time.Duration // per attempt; 0 = plan deadline only
	MaxAttempts int           // default 1
	BaseDelay   time.Duration // between attempts, default 500ms
	MaxDelay    time.Duration // default 30s
	Params      map[string]string
	OnSuccess   NextAction // default continue
	OnFailure   NextAction // default continue
}

// Plan maps a class of errors to an ordered list of steps.
type Plan struct {
	Name        string
	Priority    int // higher wins
	Specificity int // tie-break; higher is more specific
	Deadline    time.Duration
	Match       func(Classification, *Error) bool
	Steps       []PlanStep
}

// StepResult is the recorded outcome of one step.
type StepResult struct {
	Name     string        `json:"name"`
	Strategy Strategy      `json:"strategy"`
	Status   StepStatus    `json:"status"`
	Attempts int           `json:"attempts"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// Execution is the record of one plan run.
type Execution struct {
	ID         string          `json:"id"`
	Plan       string          `json:"plan"`
	Status     ExecutionStatus `json:"status"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at,omitempty"`
	Escalated  bool            `json:"escalated,omitempty"`
	Steps      []StepResult    `json:"steps"`
}

// HandlerInput carries everything a strategy handler may need: the error
// being recovered, the step parameters, and the original operation for
// strategies that re-run it.
type HandlerInput struct {
	Cause *Error
	Step  PlanStep
	// Retry re-invokes the failed operation; nil when the caller did not
	// provide one.
	Retry func(context.Context) error
}

// StrategyHandler applies one recovery strategy.
type StrategyHandler func(context.Context, HandlerInput) error

// Degrader is the graceful-degradation registry: low-priority event types
// can be paused under resource pressure and resumed once it clears.
type Degrader struct {
	mu     sync.RWMutex
	paused map[EventType]bool
}

// NewDegrader creates an empty registry.
func NewDegrader() *Degrader {
	return &Degrader{paused: make(map[EventType]bool)}
}

// Pause suppresses the given event types.
func (d *Degrader) Pause(types ...EventType) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, t := range types {
		d.paused[t] = true
	}
}

// Resume lifts the suppression; with no arguments it lifts everything.
func (d *Degrader) Resume(types ...EventType) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(types) == 0 {
		d.paused = make(map[EventType]bool)
		return
	}
	for _, t := range types {
		delete(d.paused, t)
	}
}

// Paused reports whether t is currently suppressed. Nil-safe.
func (d *Degrader) Paused(t EventType) bool {
	if d == nil {
		return false
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.paused[t]
}

// Suppressed lists the paused event types, sorted.
func (d *Degrader) Suppressed() []EventType {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]EventType, 0, len(d.paused))
	for t := range d.paused {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

const (
	defaultMaxActiveRecoveries = 3
	historyCap                 = 128
)

// Orchestrator selects and runs recovery plans. At most maxActive plans run
// concurrently; further requests are rejected immediately instead of queueing.
type Orchestrator struct {
	mu       sync.Mutex
	plans    []Plan
	handlers map[Strategy]StrategyHandler
	active   int
	history  []Execution

	maxActive  int
	classifier *Classifier
	hub        *Hub
	logger     *slog.Logger
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithMaxActive bounds concurrent plan executions.
func WithMaxActive(n int) OrchestratorOption {
	return func(o *Orchestrator) { o.maxActive = n }
}

// WithOrchestratorLogger sets the structured logger.
func WithOrchestratorLogger(l *slog.Logger) OrchestratorOption {
	return func(o *Orchestrator) { o.logger = l }
}

// NewOrchestrator builds an orchestrator feeding outcomes into the
// classifier's strategy statistics and the metrics hub.
func NewOrchestrator(classifier *Classifier, hub *Hub, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		handlers:   make(map[Strategy]StrategyHandler),
		maxActive:  defaultMaxActiveRecoveries,
		classifier: classifier,
		hub:        hub,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = nopLogger
	}
	if o.hub == nil {
		o.hub = NewHub(0, 0)
	}
	o.handlers[StrategyIgnore] = func(context.Context, HandlerInput) error { return nil }
	o.handlers[StrategyManual] = func(context.Context, HandlerInput) error { return nil }
	o.handlers[StrategyRetry] = func(ctx context.Context, in HandlerInput) error {
		if in.Retry == nil {
			return Errf(CodeProcessing, "no operation to retry for %s", in.Cause.Code)
		}
		return in.Retry(ctx)
	}
	return o
}

// RegisterHandler installs or replaces the handler for a strategy.
func (o *Orchestrator) RegisterHandler(s Strategy, h StrategyHandler) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.handlers[s] = h
}

// RegisterPlan adds a plan to the registry.
func (o *Orchestrator) RegisterPlan(p Plan) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.plans = append(o.plans, p)
}

// History returns recent executions, newest last.
func (o *Orchestrator) History() []Execution {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Execution, len(o.history))
	copy(out, o.history)
	return out
}

// Active returns the number of plans currently executing.
func (o *Orchestrator) Active() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.active
}

// selectPlan picks the matching plan with the highest priority, breaking
// ties on specificity, then registration order.
func (o *Orchestrator) selectPlan(cl Classification, cause *Error) *Plan {
	o.mu.Lock()
	defer o.mu.Unlock()
	var best *Plan
	for i := range o.plans {
		p := &o.plans[i]
		if p.Match != nil && !p.Match(cl, cause) {
			continue
		}
		if best == nil ||
			p.Priority > best.Priority ||
			(p.Priority == best.Priority && p.Specificity > best.Specificity) {
			best = p
		}
	}
	return best
}

// Recover classifies has already happened: cl names the strategy to lean on
// when no registered plan matches. op, when non-nil, is the failed operation
// for retry-style steps. A full orchestrator rejects immediately with
// CONCURRENT_LIMIT.
func (o *Orchestrator) Recover(ctx context.Context, cause *Error, cl Classification, op func(context.Context) error) (Execution, error) {
	o.mu.Lock()
	if o.active >= o.maxActive {
		exec := Execution{ID: NewID(), Status: ExecutionRejected, StartedAt: time.Now(), FinishedAt: time.Now()}
		o.remember(exec)
		o.mu.Unlock()
		o.hub.Inc(MetricRecoveryRejected)
		return exec, Errf(CodeConcurrentLimit, "recovery limit reached (%d active)", o.maxActive).
			Severe(SeverityHigh).
			WithOperation("recovery", "recover")
	}
	o.active++
	o.mu.Unlock()
	o.hub.Gauge(MetricActiveRecoveries, float64(o.activeNow()))
	defer func() {
		o.mu.Lock()
		o.active--
		o.mu.Unlock()
		o.hub.Gauge(MetricActiveRecoveries, float64(o.activeNow()))
	}()

	plan := o.selectPlan(cl, cause)
	if plan == nil {
		plan = o.fallbackPlan(cl)
	}

	start := time.Now()
	o.hub.Inc(MetricRecoveryRuns)
	defer o.hub.ObserveSince(MetricRecoveryDuration, start)

	if plan.Deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, plan.Deadline)
		defer cancel()
	}

	exec := Execution{
		ID:        NewID(),
		Plan:      plan.Name,
		Status:    ExecutionRunning,
		StartedAt: start,
		Steps:     make([]StepResult, 0, len(plan.Steps)),
	}

	stop := false
	for _, step := range plan.Steps {
		if stop || ctx.Err() != nil {
			exec.Steps = append(exec.Steps, StepResult{Name: step.Name, Strategy: step.Strategy, Status: StepSkipped})
			continue
		}
		res, next := o.runStep(ctx, step, cause, op)
		exec.Steps = append(exec.Steps, res)

		switch next {
		case NextComplete:
			stop = true
		case NextStop:
			stop = true
			if res.Status == StepFailed {
				exec.Status = ExecutionFailed
			}
		case NextEscalate:
			// Escalation marks the execution but keeps advancing so a
			// trailing notification step still runs.
			exec.Escalated = true
			exec.Status = ExecutionFailed
		}
	}

	exec.FinishedAt = time.Now()
	switch {
	case ctx.Err() != nil && exec.Status == ExecutionRunning:
		exec.Status = ExecutionCancelled
	case exec.Status == ExecutionRunning && lastRanFailed(exec.Steps):
		exec.Status = ExecutionFailed
	case exec.Status == ExecutionRunning:
		exec.Status = ExecutionCompleted
	}

	o.logger.Info("recovery finished",
		"plan", plan.Name,
		"status", string(exec.Status),
		"steps", len(exec.Steps),
		"duration_ms", time.Since(start).Milliseconds())

	o.mu.Lock()
	o.remember(exec)
	o.mu.Unlock()

	if exec.Status == ExecutionCompleted {
		return exec, nil
	}
	return exec, Errf(CodeProcessing, "recovery plan %q ended %s", plan.Name, exec.Status).
		WithCause(cause).
		WithOperation("recovery", plan.Name)
}

func (o *Orchestrator) activeNow() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.active
}

// remember appends to the bounded history ring. Caller holds o.mu.
func (o *Orchestrator) remember(exec Execution) {
	o.history = append(o.history, exec)
	if len(o.history) > historyCap {
		o.history = o.history[len(o.history)-historyCap:]
	}
}

// fallbackPlan wraps the classifier's suggested strategy in a one-step plan.
func (o *Orchestrator) fallbackPlan(cl Classification) *Plan {
	attempts := cl.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	return &Plan{
		Name: "default/" + string(cl.Strategy),
		Steps: []PlanStep{{
			Name:        string(cl.Strategy),
			Strategy:    cl.Strategy,
			MaxAttempts: attempts,
		}},
	}
}

// runStep applies one step with per-attempt timeout and jittered backoff,
// recording the attempt history onto the cause and the outcome into the
// classifier statistics.
func (o *Orchestrator) runStep(ctx context.Context, step PlanStep, cause *Error, op func(context.Context) error) (StepResult, NextAction) {
	res := StepResult{Name: step.Name, Strategy: step.Strategy, Status: StepRunning}
	start := time.Now()

	o.mu.Lock()
	handler := o.handlers[step.Strategy]
	o.mu.Unlock()
	if handler == nil {
		res.Status = StepSkipped
		res.Error = "no handler for strategy " + string(step.Strategy)
		res.Duration = time.Since(start)
		return res, orDefault(step.OnFailure, NextContinue)
	}

	maxAttempts := step.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	base := step.BaseDelay
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	maxDelay := step.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}

	var last error
	for i := 0; i < maxAttempts; i++ {
		attemptStart := time.Now()
		err := func() error {
			actx := ctx
			if step.Timeout > 0 {
				var cancel context.CancelFunc
				actx, cancel = context.WithTimeout(ctx, step.Timeout)
				defer cancel()
			}
			return handler(actx, HandlerInput{Cause: cause, Step: step, Retry: op})
		}()
		res.Attempts = i + 1
		cause.RecordAttempt(Attempt{
			Strategy:  step.Strategy,
			At:        attemptStart,
			Duration:  time.Since(attemptStart),
			Succeeded: err == nil,
			Detail:    detailOf(err),
		})
		if err == nil {
			res.Status = StepCompleted
			res.Duration = time.Since(start)
			o.recordOutcome(step.Strategy, true)
			return res, orDefault(step.OnSuccess, NextContinue)
		}
		last = err
		if ctx.Err() != nil || i == maxAttempts-1 {
			break
		}
		delay := base * time.Duration(1<<uint(i))
		if delay > maxDelay {
			delay = maxDelay
		}
		delay += time.Duration(rand.Int63n(int64(delay)/2 + 1))
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
		case <-timer.C:
		}
	}

	res.Status = StepFailed
	res.Error = detailOf(last)
	res.Duration = time.Since(start)
	o.recordOutcome(step.Strategy, false)
	o.logger.Warn("recovery step failed",
		"step", step.Name,
		"strategy", string(step.Strategy),
		"attempts", res.Attempts,
		"error", last)
	return res, orDefault(step.OnFailure, NextContinue)
}

func (o *Orchestrator) recordOutcome(s Strategy, ok bool) {
	if o.classifier != nil {
		o.classifier.RecordOutcome(s, ok)
	}
}

// lastRanFailed reports whether the last step that actually ran ended
// failed; with continue semantics that means the plan ran out of options.
func lastRanFailed(steps []StepResult) bool {
	for i := len(steps) - 1; i >= 0; i-- {
		if steps[i].Status == StepSkipped {
			continue
		}
		return steps[i].Status == StepFailed
	}
	return false
}

func orDefault(a, def NextAction) NextAction {
	if a == "" {
		return def
	}
	return a
}

func detailOf(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
