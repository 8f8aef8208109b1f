package tools

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	bk "github.com/okrause/bridgekeeper"
	"github.com/okrause/bridgekeeper/internal/bridge"
	"github.com/okrause/bridgekeeper/mcp"
	"github.com/okrause/bridgekeeper/spool"
)

type chatStub struct{}

func (chatStub) SendEvent(context.Context, string, bk.Event) error { return nil }
func (chatStub) SendText(context.Context, string, string) error    { return nil }

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	sp, err := spool.Open(spool.Config{Dir: t.TempDir()}, nil)
	if err != nil {
		t.Fatalf("open spool: %v", err)
	}
	hub := bk.NewHub(0, 0)
	breakers := bk.NewBreakerSet(bk.BreakerConfig{FailureThreshold: 100, Cooldown: time.Minute})
	mw := bk.NewMiddleware(breakers, hub, bk.WithRetryPolicy(bk.RetryPolicy{MaxAttempts: 1, BaseDelay: time.Millisecond}))
	p := bk.NewPipeline(
		bk.PipelineConfig{Source: "test", DefaultTarget: "room"},
		sp, sp, mw, hub,
		bk.WithChat(chatStub{}),
		bk.WithLimiter(bk.NewKeyedLimiter(bk.LimiterConfig{Rate: 1000, Burst: 1000})),
	)
	return &Registry{
		Pipeline:   p,
		Supervisor: bridge.New(bridge.Config{}, breakers, hub, nil),
		Spool:      sp,
		Health:     bk.NewHealthRegistry(),
		Hub:        hub,
	}
}

// --- Registration tests ---

func TestRegisterInstallsEveryTool(t *testing.T) {
	r := newTestRegistry(t)
	srv := mcp.New("bridgekeeper", "test", nil)
	if err := r.Register(srv); err != nil {
		t.Fatalf("register: %v", err)
	}
	// A second pass collides on every name.
	if err := r.Register(srv); err == nil {
		t.Error("duplicate registration accepted")
	}
}

// --- Handler tests ---

func TestSendEventToolDispatches(t *testing.T) {
	r := newTestRegistry(t)
	out, err := r.sendEvent().Handler(context.Background(),
		json.RawMessage(`{"type":"task_completed","task_id":"t-1","title":"done"}`))
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	res := out.(okResult)
	if !res.Success || res.EventID == "" {
		t.Errorf("result = %+v", res)
	}
	events, _, _ := r.Spool.Iterate(context.Background(), "", 0)
	if len(events) != 1 || events[0].TaskID != "t-1" {
		t.Errorf("spooled = %v", events)
	}
}

func TestSendEventToolRejectsUnknownType(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.sendEvent().Handler(context.Background(),
		json.RawMessage(`{"type":"bogus","title":"x"}`))
	var typed *bk.Error
	if !errors.As(err, &typed) || typed.Code != bk.CodeValidationFailed {
		t.Errorf("err = %v", err)
	}
}

func TestGetTaskStatusFiltersByTask(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	r.Pipeline.SendEvent(ctx, bk.Event{Type: bk.EventTaskStarted, TaskID: "a", Title: "start a"})
	r.Pipeline.SendEvent(ctx, bk.Event{Type: bk.EventTaskStarted, TaskID: "b", Title: "start b"})
	r.Pipeline.RecordResponse(ctx, bk.NewResponse("approve_a", 1, "u", "U", time.Now(), ""))

	out, err := r.getTaskStatus().Handler(ctx, json.RawMessage(`{"task_id":"a"}`))
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	payload := out.(okResult).Payload.(map[string]any)
	if len(payload["events"].([]bk.Event)) != 1 {
		t.Errorf("events = %v", payload["events"])
	}
	if len(payload["responses"].([]bk.Response)) != 1 {
		t.Errorf("responses = %v", payload["responses"])
	}
}

func TestGetTaskStatusRequiresTaskID(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.getTaskStatus().Handler(context.Background(), json.RawMessage(`{}`))
	var typed *bk.Error
	if !errors.As(err, &typed) || typed.Code != bk.CodeValidationFailed {
		t.Errorf("err = %v", err)
	}
}

func TestTodoToolTracksCompletion(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	args := `{"task_id":"t","items":[
		{"content":"write","status":"completed"},
		{"content":"review","status":"completed"}]}`
	if _, err := r.todo().Handler(ctx, json.RawMessage(args)); err != nil {
		t.Fatalf("handler: %v", err)
	}
	events, _, _ := r.Spool.Iterate(ctx, "", 0)
	if len(events) != 1 || events[0].Type != bk.EventTodoUpdated {
		t.Fatalf("events = %v", events)
	}
	if events[0].Data.Status != "completed" {
		t.Errorf("status = %q", events[0].Data.Status)
	}
	if _, ok := events[0].Data.Extra["todo_items"]; !ok {
		t.Error("todo items not carried")
	}
}

func TestGetBridgeStatusTool(t *testing.T) {
	r := newTestRegistry(t)
	out, err := r.getBridgeStatus().Handler(context.Background(), nil)
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	st := out.(okResult).Payload.(bridge.Status)
	if st.State != bridge.StateStopped {
		t.Errorf("state = %s", st.State)
	}
}

func TestProcessPendingResponsesRejectsBadSince(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.processPendingResponses().Handler(context.Background(),
		json.RawMessage(`{"since":"yesterday"}`))
	var typed *bk.Error
	if !errors.As(err, &typed) || typed.Code != bk.CodeValidationFailed {
		t.Errorf("err = %v", err)
	}
}

func TestSeverityOf(t *testing.T) {
	cases := map[string]bk.Severity{
		"low":      bk.SeverityLow,
		"medium":   bk.SeverityMedium,
		"high":     bk.SeverityHigh,
		"critical": bk.SeverityCritical,
		"":         bk.SeverityMedium,
	}
	for in, want := range cases {
		if got := severityOf(in); got != want {
			t.Errorf("severityOf(%q) = %v, want %v", in, got, want)
		}
	}
}
