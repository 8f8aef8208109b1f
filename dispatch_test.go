package bridgekeeper

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"
)

// --- Test doubles ---

type memSink struct {
	mu     sync.Mutex
	events []Event
	fail   *Error
}

func (s *memSink) AppendEvent(_ context.Context, ev Event) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return "", s.fail
	}
	s.events = append(s.events, ev)
	return ev.ID, nil
}

func (s *memSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

type memStore struct {
	mu        sync.Mutex
	responses []Response
}

func (s *memStore) AppendResponse(_ context.Context, r Response) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses = append(s.responses, r)
	return r.ID, nil
}

func (s *memStore) Responses(_ context.Context, limit int) ([]Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]Response(nil), s.responses...)
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) ResponsesSince(_ context.Context, since time.Time) ([]Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Response
	for _, r := range s.responses {
		if !r.Timestamp.Before(since) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *memStore) PruneResponses(_ context.Context, olderThan time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().Add(-olderThan)
	kept := s.responses[:0]
	removed := 0
	for _, r := range s.responses {
		if r.Timestamp.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, r)
	}
	s.responses = kept
	return removed, nil
}

type memChat struct {
	mu      sync.Mutex
	sent    []Event
	texts   []string
	targets []string
	fail    *Error
}

func (c *memChat) SendEvent(_ context.Context, target string, ev Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail != nil {
		return c.fail
	}
	c.sent = append(c.sent, ev)
	c.targets = append(c.targets, target)
	return nil
}

func (c *memChat) setFail(e *Error) {
	c.mu.Lock()
	c.fail = e
	c.mu.Unlock()
}

func (c *memChat) sentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func (c *memChat) SendText(_ context.Context, target, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail != nil {
		return c.fail
	}
	c.texts = append(c.texts, text)
	c.targets = append(c.targets, target)
	return nil
}

func newTestPipeline(opts ...PipelineOption) (*Pipeline, *memSink, *memStore, *memChat, *Hub) {
	sink := &memSink{}
	store := &memStore{}
	chat := &memChat{}
	hub := NewHub(0, 0)
	mw := NewMiddleware(
		NewBreakerSet(BreakerConfig{FailureThreshold: 100, Cooldown: time.Minute}),
		hub,
		WithRetryPolicy(RetryPolicy{MaxAttempts: 1, BaseDelay: time.Millisecond}),
	)
	base := []PipelineOption{WithChat(chat), WithLimiter(NewKeyedLimiter(LimiterConfig{Rate: 1000, Burst: 1000}))}
	p := NewPipeline(PipelineConfig{Source: "test", DefaultTarget: "room"}, sink, store, mw, hub, append(base, opts...)...)
	return p, sink, store, chat, hub
}

// --- SendEvent path tests ---

func TestSendEventFillsDefaultsAndSpools(t *testing.T) {
	p, sink, _, chat, hub := newTestPipeline()
	id, err := p.SendEvent(context.Background(), Event{Type: EventTaskCompleted, Title: "done"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if id == "" {
		t.Error("no id returned")
	}
	if sink.count() != 1 {
		t.Fatalf("spooled = %d", sink.count())
	}
	ev := sink.events[0]
	if ev.ID == "" || ev.Source != "test" || ev.Timestamp.IsZero() {
		t.Errorf("defaults not filled: %+v", ev)
	}
	if len(chat.sent) != 1 || chat.targets[0] != "room" {
		t.Errorf("chat delivery = %d to %v", len(chat.sent), chat.targets)
	}
	if hub.CounterValue(MetricEventsAccepted) != 1 || hub.CounterValue(MetricEventsSent) != 1 {
		t.Error("counters not recorded")
	}
}

func TestSendEventRejectsInvalidBeforeSideEffects(t *testing.T) {
	p, sink, _, chat, hub := newTestPipeline()
	_, err := p.SendEvent(context.Background(), Event{Type: "bogus"})
	if codeOf(err) != CodeValidationFailed {
		t.Fatalf("err = %v", err)
	}
	if sink.count() != 0 || len(chat.sent) != 0 {
		t.Error("side effects despite validation failure")
	}
	if hub.CounterValue(MetricEventsFailed) != 1 {
		t.Error("failure not counted")
	}
}

func TestSendEventSurvivesChatFailureAfterSpool(t *testing.T) {
	p, sink, _, chat, _ := newTestPipeline()
	chat.fail = Errf(CodeRemote, "telegram down")

	id, err := p.SendEvent(context.Background(), Event{Type: EventTaskFailed, Title: "x"})
	if err == nil {
		t.Fatal("chat failure should surface")
	}
	if id == "" {
		t.Error("id should still be returned once spooled")
	}
	if sink.count() != 1 {
		t.Error("event not durable despite chat failure")
	}
}

func TestSendEventDegradationDrops(t *testing.T) {
	d := NewDegrader()
	p, sink, _, chat, hub := newTestPipeline(WithDegrader(d))
	d.Pause(EventTaskProgress)

	id, err := p.SendEvent(context.Background(), Event{Type: EventTaskProgress, Title: "tick"})
	if err != nil {
		t.Fatalf("suppressed send should not error: %v", err)
	}
	if id == "" {
		t.Error("suppressed event still gets an id")
	}
	if sink.count() != 0 || len(chat.sent) != 0 {
		t.Error("suppressed event had side effects")
	}
	if hub.CounterValue(MetricEventsDropped) != 1 {
		t.Error("drop not counted")
	}
}

func TestSendEventTargetFromExtra(t *testing.T) {
	p, _, _, chat, _ := newTestPipeline()
	ev := Event{Type: EventInfoMessage, Title: "hi"}
	ev.Data.Extra = map[string]json.RawMessage{"chat_target": json.RawMessage(`"ops-channel"`)}
	if _, err := p.SendEvent(context.Background(), ev); err != nil {
		t.Fatalf("send: %v", err)
	}
	if chat.targets[0] != "ops-channel" {
		t.Errorf("target = %q", chat.targets[0])
	}
}

func TestChatFailureRunsRecoveryPlan(t *testing.T) {
	classifier := NewClassifier(DefaultPatterns())
	orch := NewOrchestrator(classifier, NewHub(0, 0))
	orch.RegisterPlan(Plan{
		Name: "redeliver", Priority: 10,
		Match: func(_ Classification, e *Error) bool { return e.Code == CodeRemote },
		Steps: []PlanStep{{
			Name: "retry", Strategy: StrategyRetry,
			MaxAttempts: 5, BaseDelay: 5 * time.Millisecond,
			OnSuccess: NextComplete,
		}},
	})
	p, _, _, chat, _ := newTestPipeline(WithRecovery(classifier, orch))
	chat.setFail(Errf(CodeRemote, "bad gateway").Transient(0))

	_, err := p.SendEvent(context.Background(), Event{Type: EventTaskFailed, Title: "deploy"})
	if err == nil {
		t.Fatal("chat failure should surface to the caller")
	}
	// The frontend comes back; the recovery retry redelivers the event.
	chat.setFail(nil)

	deadline := time.Now().Add(2 * time.Second)
	for chat.sentCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("recovery never redelivered the event")
		}
		time.Sleep(5 * time.Millisecond)
	}
	for _, exec := range orch.History() {
		if exec.Plan == "redeliver" && exec.Status == ExecutionCompleted {
			return
		}
	}
	t.Error("no completed redeliver execution in history")
}

func TestRecoveryEscalationDoesNotRecurse(t *testing.T) {
	classifier := NewClassifier(DefaultPatterns())
	orch := NewOrchestrator(classifier, NewHub(0, 0))
	p, _, _, chat, _ := newTestPipeline(WithRecovery(classifier, orch))
	// The escalation step sends through the still-broken pipeline; the
	// nested failure must not start a second execution.
	orch.RegisterHandler(StrategyEscalate, func(ctx context.Context, in HandlerInput) error {
		_, err := p.SendEvent(ctx, Event{Type: EventErrorOccurred, Title: "needs attention"})
		return err
	})
	orch.RegisterPlan(Plan{
		Name: "escalate_only", Priority: 10,
		Match: func(_ Classification, e *Error) bool { return e.Code == CodeRemote },
		Steps: []PlanStep{{Name: "escalate", Strategy: StrategyEscalate, MaxAttempts: 1}},
	})
	chat.setFail(Errf(CodeRemote, "bad gateway").Transient(0))

	if _, err := p.SendEvent(context.Background(), Event{Type: EventTaskFailed, Title: "x"}); err == nil {
		t.Fatal("chat failure should surface")
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(orch.History()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("recovery never ran")
		}
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	if n := len(orch.History()); n != 1 {
		t.Errorf("executions = %d, nested failure spawned recovery", n)
	}
}

// --- Fan-out tests ---

func TestFanoutDeliversToSubscribers(t *testing.T) {
	p, _, _, _, _ := newTestPipeline()
	ch := p.Subscribe("session-1")
	defer p.Unsubscribe(ch)

	p.SendEvent(context.Background(), Event{Type: EventBuildCompleted, Title: "ok"})
	select {
	case ev := <-ch:
		if ev.Type != EventBuildCompleted {
			t.Errorf("type = %s", ev.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("fanout delivered nothing")
	}
	if p.Sessions() != 1 {
		t.Errorf("sessions = %d", p.Sessions())
	}
}

// --- Convenience sender tests ---

func TestSendApprovalRequestDefaultsOptions(t *testing.T) {
	p, sink, _, _, _ := newTestPipeline()
	_, err := p.SendApprovalRequest(context.Background(), "t-1", "Deploy?", "prod push", nil, 30)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	opts := sink.events[0].Data.Options
	if len(opts) != 2 || opts[0] != "Approve" || opts[1] != "Deny" {
		t.Errorf("options = %v", opts)
	}
	if sink.events[0].Data.TimeoutMinutes != 30 {
		t.Errorf("timeout = %d", sink.events[0].Data.TimeoutMinutes)
	}
}

func TestSendMessageValidation(t *testing.T) {
	p, _, _, chat, _ := newTestPipeline()
	if err := p.SendMessage(context.Background(), "   "); codeOf(err) != CodeValidationFailed {
		t.Errorf("blank message: %v", err)
	}
	if err := p.SendMessage(context.Background(), "hello"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(chat.texts) != 1 || chat.texts[0] != "hello" {
		t.Errorf("texts = %v", chat.texts)
	}
}

// --- Response path tests ---

func TestRecordResponseStoresAndFansOut(t *testing.T) {
	p, _, store, _, _ := newTestPipeline()
	ch := p.Subscribe("session")
	defer p.Unsubscribe(ch)

	r := NewResponse("approve_task-7", 42, "sam", "Sam", time.Now(), "")
	if err := p.RecordResponse(context.Background(), r); err != nil {
		t.Fatalf("record: %v", err)
	}
	if len(store.responses) != 1 {
		t.Fatal("response not stored")
	}
	select {
	case ev := <-ch:
		if ev.Type != EventApprovalReceived || ev.TaskID != "task-7" {
			t.Errorf("fanout event = %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("response not fanned out")
	}
}

func TestGetResponsesNewestFirst(t *testing.T) {
	p, _, _, _, _ := newTestPipeline()
	base := time.Now()
	for i := 0; i < 3; i++ {
		p.RecordResponse(context.Background(), Response{
			ID: NewID(), Action: ActionApprove, TaskID: "t",
			CallbackData: "approve_t", Timestamp: base.Add(time.Duration(i) * time.Second),
		})
	}
	got, err := p.GetResponses(context.Background(), 2)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d responses", len(got))
	}
	if got[0].Timestamp.Before(got[1].Timestamp) {
		t.Error("responses not newest first")
	}
}

func TestClearOldResponses(t *testing.T) {
	p, _, store, _, _ := newTestPipeline()
	store.responses = []Response{
		{ID: "old", Timestamp: time.Now().Add(-48 * time.Hour)},
		{ID: "new", Timestamp: time.Now()},
	}
	n, err := p.ClearOldResponses(context.Background(), 24*time.Hour)
	if err != nil {
		t.Fatalf("clear: %v", err)
	}
	if n != 1 || len(store.responses) != 1 || store.responses[0].ID != "new" {
		t.Errorf("removed=%d kept=%v", n, store.responses)
	}
}

func TestAcknowledgeUsesAckCircuit(t *testing.T) {
	p, _, _, chat, hub := newTestPipeline()
	if err := p.Acknowledge(context.Background(), "", "got it"); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if len(chat.texts) != 1 || chat.targets[0] != "room" {
		t.Errorf("ack delivery = %v to %v", chat.texts, chat.targets)
	}
	if hub.CounterValue(MetricAcksSent) != 1 {
		t.Error("ack not counted")
	}
}
