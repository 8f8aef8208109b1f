package bridgekeeper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// EventSink persists accepted events. Satisfied by spool.Spool.
type EventSink interface {
	AppendEvent(ctx context.Context, ev Event) (string, error)
}

// ResponseStore persists and queries user responses. Satisfied by spool.Spool.
type ResponseStore interface {
	AppendResponse(ctx context.Context, r Response) (string, error)
	Responses(ctx context.Context, limit int) ([]Response, error)
	ResponsesSince(ctx context.Context, since time.Time) ([]Response, error)
	PruneResponses(ctx context.Context, olderThan time.Duration) (int, error)
}

// ChatSender delivers formatted notifications to the chat frontend.
type ChatSender interface {
	// SendEvent renders and delivers one event, including response options
	// as inline choices when present.
	SendEvent(ctx context.Context, target string, ev Event) error
	// SendText delivers a plain message.
	SendText(ctx context.Context, target, text string) error
}

// PipelineConfig tunes the dispatch pipeline.
type PipelineConfig struct {
	Source        string        // default event source (default "bridgekeeper")
	DefaultTarget string        // chat target when the event names none
	MaxEventBytes int           // serialized size cap (default DefaultMaxEvent)
	SubscriberBuf int           // per-session buffer (default 16)
	MaxLag        int64         // drops before a session is evicted (default 256)
	ResponseTTL   time.Duration // ClearOldResponses default (default 24h)
}

func (c PipelineConfig) withDefaults() PipelineConfig {
	if c.Source == "" {
		c.Source = "bridgekeeper"
	}
	if c.MaxEventBytes <= 0 {
		c.MaxEventBytes = DefaultMaxEvent
	}
	if c.SubscriberBuf <= 0 {
		c.SubscriberBuf = 16
	}
	if c.MaxLag <= 0 {
		c.MaxLag = 256
	}
	if c.ResponseTTL <= 0 {
		c.ResponseTTL = 24 * time.Hour
	}
	return c
}

// Pipeline is the outbound path: validate, fill defaults, spool, deliver to
// chat under the resilience middleware and per-target rate limit, then fan
// out to session subscribers. It also owns the inbound response queries.
type Pipeline struct {
	cfg      PipelineConfig
	sink     EventSink
	store    ResponseStore
	chat     ChatSender
	mw       *Middleware
	limiter  *KeyedLimiter
	degrader *Degrader
	hub      *Hub
	logger   *slog.Logger

	classifier *Classifier
	orch       *Orchestrator

	fanout *Bus[Event]
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithChat sets the chat frontend; without one events are spooled only.
func WithChat(c ChatSender) PipelineOption {
	return func(p *Pipeline) { p.chat = c }
}

// WithDegrader wires the graceful-degradation registry.
func WithDegrader(d *Degrader) PipelineOption {
	return func(p *Pipeline) { p.degrader = d }
}

// WithPipelineLogger sets the structured logger.
func WithPipelineLogger(l *slog.Logger) PipelineOption {
	return func(p *Pipeline) { p.logger = l }
}

// WithLimiter overrides the per-target rate limiter.
func WithLimiter(k *KeyedLimiter) PipelineOption {
	return func(p *Pipeline) { p.limiter = k }
}

// WithRecovery routes delivery failures through the classifier and the
// recovery orchestrator; without it failures only surface to the caller.
func WithRecovery(c *Classifier, o *Orchestrator) PipelineOption {
	return func(p *Pipeline) {
		p.classifier = c
		p.orch = o
	}
}

// NewPipeline builds the pipeline around the spool, the resilience
// middleware, and the metrics hub.
func NewPipeline(cfg PipelineConfig, sink EventSink, store ResponseStore, mw *Middleware, hub *Hub, opts ...PipelineOption) *Pipeline {
	cfg = cfg.withDefaults()
	p := &Pipeline{
		cfg:    cfg,
		sink:   sink,
		store:  store,
		mw:     mw,
		hub:    hub,
		fanout: NewBus[Event](cfg.MaxLag),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = nopLogger
	}
	if p.hub == nil {
		p.hub = NewHub(0, 0)
	}
	if p.limiter == nil {
		p.limiter = NewKeyedLimiter(LimiterConfig{})
	}
	p.fanout.OnLagged = func(name string) {
		p.hub.Inc(MetricFanoutLagged)
		p.logger.Warn("session subscriber evicted for lagging", "session", name)
	}
	return p
}

// Subscribe registers a session for event fan-out. Slow sessions lose the
// oldest events; persistent laggards are evicted and see a closed channel.
func (p *Pipeline) Subscribe(sessionID string) <-chan Event {
	return p.fanout.Subscribe(sessionID, p.cfg.SubscriberBuf)
}

// Unsubscribe removes a session subscription.
func (p *Pipeline) Unsubscribe(ch <-chan Event) {
	p.fanout.Unsubscribe(ch)
}

// SendEvent runs the full outbound path for one event. Validation failures
// and oversize events reject before any side effect; chat delivery failures
// surface after the event is safely spooled.
func (p *Pipeline) SendEvent(ctx context.Context, ev Event) (string, error) {
	start := time.Now()
	defer p.hub.ObserveSince(MetricDispatchLatency, start)

	if ev.ID == "" {
		ev.ID = NewID()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if ev.Source == "" {
		ev.Source = p.cfg.Source
	}
	if verr := ev.Validate(p.cfg.MaxEventBytes); verr != nil {
		p.hub.Inc(MetricEventsFailed)
		return "", verr.WithCorrelation(ev.ID)
	}

	if p.degrader.Paused(ev.Type) {
		p.hub.Inc(MetricEventsDropped)
		p.logger.Info("event suppressed by degradation", "type", string(ev.Type), "id", ev.ID)
		return ev.ID, nil
	}

	target := p.targetOf(ev)
	if err := p.limiter.Wait(ctx, target); err != nil {
		p.hub.Inc(MetricEventsFailed)
		return "", err
	}

	if _, err := p.sink.AppendEvent(ctx, ev); err != nil {
		p.hub.Inc(MetricEventsFailed)
		return "", err
	}
	p.hub.Inc(MetricEventsAccepted)

	if p.chat != nil {
		err := p.mw.Do(ctx, "chat.send", func(ctx context.Context) error {
			return p.chat.SendEvent(ctx, target, ev)
		})
		if err != nil {
			p.hub.Inc(MetricEventsFailed)
			p.dispatchRecovery(ctx, err, func(rctx context.Context) error {
				return p.chat.SendEvent(rctx, target, ev)
			})
			return ev.ID, err
		}
		p.hub.Inc(MetricEventsSent)
	}

	p.fanout.Publish(ev)
	p.hub.Inc(MetricFanoutDelivered)
	p.hub.Gauge(MetricQueueDepth, float64(p.limiter.Waiting(target)))
	return ev.ID, nil
}

// SendMessage delivers a plain notification without spooling an event.
func (p *Pipeline) SendMessage(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return Errf(CodeValidationFailed, "message text is empty").WithOperation("dispatch", "send_message")
	}
	if p.chat == nil {
		return Errf(CodeProcessing, "no chat frontend configured").WithOperation("dispatch", "send_message")
	}
	return p.mw.Do(ctx, "chat.send", func(ctx context.Context) error {
		return p.chat.SendText(ctx, p.cfg.DefaultTarget, text)
	})
}

// SendTaskCompletion reports a finished task.
func (p *Pipeline) SendTaskCompletion(ctx context.Context, taskID, title, detail string, durationMS int64) (string, error) {
	return p.SendEvent(ctx, Event{
		Type:        EventTaskCompleted,
		TaskID:      taskID,
		Title:       title,
		Description: detail,
		Data:        EventData{Status: "completed", DurationMS: durationMS},
	})
}

// SendPerformanceAlert reports a threshold crossing.
func (p *Pipeline) SendPerformanceAlert(ctx context.Context, title string, current, threshold float64, severity Severity) (string, error) {
	return p.SendEvent(ctx, Event{
		Type:  EventPerformanceAlert,
		Title: title,
		Data: EventData{
			Severity:  severity.String(),
			Current:   current,
			Threshold: threshold,
		},
	})
}

// SendApprovalRequest asks the user to choose; options become callback
// buttons on the chat side.
func (p *Pipeline) SendApprovalRequest(ctx context.Context, taskID, title, description string, options []string, timeoutMinutes int) (string, error) {
	if len(options) == 0 {
		options = []string{"Approve", "Deny"}
	}
	return p.SendEvent(ctx, Event{
		Type:        EventApprovalRequest,
		TaskID:      taskID,
		Title:       title,
		Description: description,
		Data: EventData{
			Options:        options,
			TimeoutMinutes: timeoutMinutes,
		},
	})
}

// RecordResponse stores an inbound user response and fans it out to session
// subscribers as a response-received event.
func (p *Pipeline) RecordResponse(ctx context.Context, r Response) error {
	if r.ID == "" {
		r.ID = NewID()
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now().UTC()
	}
	if _, err := p.store.AppendResponse(ctx, r); err != nil {
		return err
	}
	p.hub.Inc(MetricResponsesStored)
	p.fanout.Publish(Event{
		ID:        NewID(),
		Type:      EventApprovalReceived,
		Source:    p.cfg.Source,
		Timestamp: r.Timestamp,
		TaskID:    r.TaskID,
		Title:     fmt.Sprintf("response: %s", r.Action),
	})
	return nil
}

// Acknowledge sends a best-effort chat confirmation for a processed response.
func (p *Pipeline) Acknowledge(ctx context.Context, target, text string) error {
	if p.chat == nil {
		return Errf(CodeProcessing, "no chat frontend configured").WithOperation("dispatch", "acknowledge")
	}
	if target == "" {
		target = p.cfg.DefaultTarget
	}
	err := p.mw.Do(ctx, "chat.ack", func(ctx context.Context) error {
		return p.chat.SendText(ctx, target, text)
	})
	if err == nil {
		p.hub.Inc(MetricAcksSent)
	}
	return err
}

// GetResponses returns the newest stored responses, most recent first.
func (p *Pipeline) GetResponses(ctx context.Context, limit int) ([]Response, error) {
	if limit <= 0 {
		limit = 10
	}
	return p.store.Responses(ctx, limit)
}

// ProcessPendingResponses returns responses received at or after since.
func (p *Pipeline) ProcessPendingResponses(ctx context.Context, since time.Time) ([]Response, error) {
	return p.store.ResponsesSince(ctx, since)
}

// ClearOldResponses removes responses older than olderThan (the configured
// TTL when zero) and returns the number removed.
func (p *Pipeline) ClearOldResponses(ctx context.Context, olderThan time.Duration) (int, error) {
	if olderThan <= 0 {
		olderThan = p.cfg.ResponseTTL
	}
	return p.store.PruneResponses(ctx, olderThan)
}

// Sessions returns the number of active fan-out subscribers.
func (p *Pipeline) Sessions() int { return p.fanout.SubscriberCount() }

// recoveryMarker tags contexts belonging to a recovery run so failures
// inside one (an escalation event, a redelivery) never spawn another.
type recoveryMarker struct{}

func inRecovery(ctx context.Context) bool {
	on, _ := ctx.Value(recoveryMarker{}).(bool)
	return on
}

// dispatchRecovery hands a delivery failure to the orchestrator. The run is
// detached from the request: the caller already has its error, and the plan
// may outlive the request deadline. op re-invokes the failed delivery for
// retry-style steps.
func (p *Pipeline) dispatchRecovery(ctx context.Context, err error, op func(context.Context) error) {
	if p.orch == nil || p.classifier == nil || inRecovery(ctx) {
		return
	}
	var cause *Error
	if !errors.As(err, &cause) {
		cause = NewError(CodeProcessing, CategoryUnknown, err.Error())
	}
	cl := p.classifier.Classify(cause, cause.Context)
	go func() {
		rctx := context.WithValue(context.Background(), recoveryMarker{}, true)
		rctx, cancel := context.WithTimeout(rctx, 5*time.Minute)
		defer cancel()
		if _, rerr := p.orch.Recover(rctx, cause, cl, op); rerr != nil {
			p.logger.Warn("recovery did not restore delivery",
				"code", cause.Code,
				"strategy", string(cl.Strategy),
				"error", rerr)
		}
	}()
}

// targetOf picks the chat target for an event.
func (p *Pipeline) targetOf(ev Event) string {
	if t, ok := ev.Data.Extra["chat_target"]; ok {
		var s string
		if err := json.Unmarshal(t, &s); err == nil && s != "" {
			return s
		}
	}
	if p.cfg.DefaultTarget != "" {
		return p.cfg.DefaultTarget
	}
	return "default"
}
