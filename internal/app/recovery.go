package app

import (
	"context"
	"log/slog"
	"time"

	bk "github.com/okrause/bridgekeeper"
	"github.com/okrause/bridgekeeper/internal/bridge"
)

// registerStrategies binds the concrete handlers the orchestrator drives.
// retry, ignore, and manual are built in; the rest act on real components.
func registerStrategies(
	orch *bk.Orchestrator,
	sup *bridge.Supervisor,
	breakers *bk.BreakerSet,
	degrader *bk.Degrader,
	pipeline *bk.Pipeline,
	logger *slog.Logger,
) {
	orch.RegisterHandler(bk.StrategyRestart, func(ctx context.Context, in bk.HandlerInput) error {
		return sup.Restart(ctx)
	})

	orch.RegisterHandler(bk.StrategyCircuitBreaker, func(ctx context.Context, in bk.HandlerInput) error {
		name := in.Step.Params["circuit"]
		if name == "" {
			name = in.Cause.Context.Operation
		}
		if name == "" {
			return bk.Errf(bk.CodeProcessing, "no circuit named for breaker strategy")
		}
		cooldown, _ := time.ParseDuration(in.Step.Params["cooldown"])
		breakers.Get(name).ForceOpen(cooldown)
		return nil
	})

	orch.RegisterHandler(bk.StrategyGracefulDegradation, func(ctx context.Context, in bk.HandlerInput) error {
		degrader.Pause(lowPriorityTypes...)
		logger.Warn("degradation engaged, low-priority events paused",
			"paused", len(lowPriorityTypes))
		return nil
	})

	orch.RegisterHandler(bk.StrategyFallback, func(ctx context.Context, in bk.HandlerInput) error {
		// Fallback keeps the record durable without chat delivery; the
		// spool already has it, so there is nothing further to lose.
		logger.Warn("fallback: event retained in spool without delivery",
			"correlation_id", in.Cause.Context.CorrelationID)
		return nil
	})

	orch.RegisterHandler(bk.StrategyEscalate, func(ctx context.Context, in bk.HandlerInput) error {
		_, err := pipeline.SendEvent(ctx, bk.Event{
			Type:        bk.EventErrorOccurred,
			Title:       "Needs attention: " + in.Cause.Code,
			Description: in.Cause.Message,
			Data:        bk.EventData{Severity: in.Cause.Severity.String()},
		})
		return err
	})
}

// lowPriorityTypes are paused first under resource pressure; approvals and
// failures always get through.
var lowPriorityTypes = []bk.EventType{
	bk.EventTaskProgress,
	bk.EventFileChanged,
	bk.EventInfoMessage,
	bk.EventLintPassed,
	bk.EventTestStarted,
	bk.EventBuildStarted,
	bk.EventSubtaskStarted,
	bk.EventTodoUpdated,
}

// registerPlans installs the built-in recovery plans. Order within a plan
// is execution order; selection is priority then specificity.
func registerPlans(orch *bk.Orchestrator) {
	orch.RegisterPlan(bk.Plan{
		Name:        "bridge_restart",
		Priority:    10,
		Specificity: 2,
		Deadline:    5 * time.Minute,
		Match: func(cl bk.Classification, e *bk.Error) bool {
			return e.Category == bk.CategoryBridge
		},
		Steps: []bk.PlanStep{
			{Name: "retry", Strategy: bk.StrategyRetry, MaxAttempts: 2,
				BaseDelay: time.Second, OnSuccess: bk.NextComplete},
			{Name: "restart", Strategy: bk.StrategyRestart, MaxAttempts: 3,
				BaseDelay: 2 * time.Second, Timeout: time.Minute, OnSuccess: bk.NextComplete},
			{Name: "escalate", Strategy: bk.StrategyEscalate, OnSuccess: bk.NextEscalate},
		},
	})

	orch.RegisterPlan(bk.Plan{
		Name:        "chat_backoff",
		Priority:    5,
		Specificity: 1,
		Deadline:    2 * time.Minute,
		Match: func(cl bk.Classification, e *bk.Error) bool {
			return e.Category == bk.CategoryChat && e.Retryable
		},
		Steps: []bk.PlanStep{
			{Name: "retry", Strategy: bk.StrategyRetry, MaxAttempts: 3,
				BaseDelay: 2 * time.Second, OnSuccess: bk.NextComplete},
			{Name: "open_circuit", Strategy: bk.StrategyCircuitBreaker,
				Params: map[string]string{"circuit": "chat.send", "cooldown": "30s"}},
		},
	})

	orch.RegisterPlan(bk.Plan{
		Name:        "resource_pressure",
		Priority:    8,
		Specificity: 1,
		Deadline:    time.Minute,
		Match: func(cl bk.Classification, e *bk.Error) bool {
			return e.Category == bk.CategoryResource
		},
		Steps: []bk.PlanStep{
			{Name: "degrade", Strategy: bk.StrategyGracefulDegradation},
			{Name: "escalate", Strategy: bk.StrategyEscalate, OnSuccess: bk.NextEscalate},
		},
	})

	orch.RegisterPlan(bk.Plan{
		Name:        "spool_corruption",
		Priority:    9,
		Specificity: 2,
		Deadline:    time.Minute,
		Match: func(cl bk.Classification, e *bk.Error) bool {
			return e.Code == bk.CodeIntegrity
		},
		Steps: []bk.PlanStep{
			{Name: "fallback", Strategy: bk.StrategyFallback},
			{Name: "escalate", Strategy: bk.StrategyEscalate, OnSuccess: bk.NextEscalate},
		},
	})
}
