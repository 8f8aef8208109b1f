// Package bridgekeeper connects a local AI coding assistant to a chat bot:
// events flow out to the user, approval decisions flow back in.
//
// It provides the building blocks the binary under cmd/bridgekeeper wires
// together: the event model and its validation, a typed error taxonomy with
// a pattern classifier, retry and circuit-breaker resilience, a recovery
// orchestrator driven by pluggable plans, a non-blocking fan-out bus, keyed
// rate limiting, a health registry, a metrics hub, and a memory monitor.
//
// # Quick Start
//
// Build the outbound pipeline around a spool and a chat frontend:
//
//	hub := bridgekeeper.NewHub(0, 0)
//	mw := bridgekeeper.NewMiddleware(
//		bridgekeeper.NewBreakerSet(bridgekeeper.BreakerConfig{}),
//		hub,
//	)
//	pipe := bridgekeeper.NewPipeline(
//		bridgekeeper.PipelineConfig{DefaultTarget: chatID},
//		spool, spool, mw, hub,
//		bridgekeeper.WithChat(frontend),
//	)
//
//	id, err := pipe.SendApprovalRequest(ctx, taskID,
//		"Deploy to production?", "All checks passed.",
//		nil, 30)
//
// # Core Types
//
// The root package defines the contracts the subpackages implement:
//
//   - [Event], [EventType] — the canonical record sent to the user
//   - [Response], [Action] — the parsed decision coming back
//   - [Error] — the typed error value carried across components
//   - [Classifier] — weighted pattern matching over errors
//   - [Orchestrator] — recovery plan selection and execution
//   - [Middleware] — retry plus circuit breaker around outbound calls
//   - [Pipeline] — validate, spool, deliver, fan out
//   - [EventSink], [ResponseStore] — persistence, satisfied by spool.Spool
//   - [ChatSender] — the chat frontend abstraction
//
// Persistence lives in the spool package, the tool protocol in mcp, the
// HTTP callback surface in internal/webhook, and process supervision in
// internal/bridge.
package bridgekeeper
