package bridgekeeper

import (
	"encoding/json"
	"time"
)

// EventType tags an event with its meaning. The set is closed except for
// EventTypeExtension, which carries forward-compatible tags the enum does
// not know yet.
type EventType string

const (
	// Task lifecycle.
	EventTaskStarted    EventType = "task_started"
	EventTaskProgress   EventType = "task_progress"
	EventTaskCompleted  EventType = "task_completed"
	EventTaskFailed     EventType = "task_failed"
	EventTaskCancelled  EventType = "task_cancelled"
	EventTaskPaused     EventType = "task_paused"
	EventTaskResumed    EventType = "task_resumed"
	EventSubtaskStarted EventType = "subtask_started"
	EventSubtaskDone    EventType = "subtask_completed"

	// Build and test outcomes.
	EventBuildStarted   EventType = "build_started"
	EventBuildCompleted EventType = "build_completed"
	EventBuildFailed    EventType = "build_failed"
	EventTestStarted    EventType = "test_started"
	EventTestPassed     EventType = "test_passed"
	EventTestFailed     EventType = "test_failed"
	EventLintPassed     EventType = "lint_passed"
	EventLintFailed     EventType = "lint_failed"
	EventDeployStarted  EventType = "deploy_started"
	EventDeployDone     EventType = "deploy_completed"
	EventDeployFailed   EventType = "deploy_failed"

	// Source changes.
	EventFileChanged   EventType = "file_changed"
	EventCommitCreated EventType = "commit_created"
	EventBranchCreated EventType = "branch_created"
	EventMergeConflict EventType = "merge_conflict"
	EventPROpened      EventType = "pr_opened"
	EventPRMerged      EventType = "pr_merged"

	// Human-in-the-loop.
	EventApprovalRequest   EventType = "approval_request"
	EventApprovalReceived  EventType = "approval_received"
	EventQuestionAsked     EventType = "question_asked"
	EventQuestionAnswered  EventType = "question_answered"
	EventReviewRequested   EventType = "review_requested"
	EventDecisionRequired  EventType = "decision_required"
	EventTimeoutWarning    EventType = "timeout_warning"
	EventSessionStarted    EventType = "session_started"
	EventSessionEnded      EventType = "session_ended"
	EventTodoUpdated       EventType = "todo_updated"

	// Operations.
	EventPerformanceAlert EventType = "performance_alert"
	EventResourceAlert    EventType = "resource_alert"
	EventSecurityAlert    EventType = "security_alert"
	EventErrorOccurred    EventType = "error_occurred"
	EventInfoMessage      EventType = "info_message"

	// Forward compatibility: unknown tags survive round trips under this
	// type with the original tag preserved in Data.Extra["extension_type"].
	EventTypeExtension EventType = "extension"
)

// eventTypes is the closed set used for validation.
var eventTypes = map[EventType]struct{}{
	EventTaskStarted: {}, EventTaskProgress: {}, EventTaskCompleted: {},
	EventTaskFailed: {}, EventTaskCancelled: {}, EventTaskPaused: {},
	EventTaskResumed: {}, EventSubtaskStarted: {}, EventSubtaskDone: {},
	EventBuildStarted: {}, EventBuildCompleted: {}, EventBuildFailed: {},
	EventTestStarted: {}, EventTestPassed: {}, EventTestFailed: {},
	EventLintPassed: {}, EventLintFailed: {}, EventDeployStarted: {},
	EventDeployDone: {}, EventDeployFailed: {}, EventFileChanged: {},
	EventCommitCreated: {}, EventBranchCreated: {}, EventMergeConflict: {},
	EventPROpened: {}, EventPRMerged: {}, EventApprovalRequest: {},
	EventApprovalReceived: {}, EventQuestionAsked: {}, EventQuestionAnswered: {},
	EventReviewRequested: {}, EventDecisionRequired: {}, EventTimeoutWarning: {},
	EventSessionStarted: {}, EventSessionEnded: {}, EventTodoUpdated: {},
	EventPerformanceAlert: {}, EventResourceAlert: {}, EventSecurityAlert: {},
	EventErrorOccurred: {}, EventInfoMessage: {}, EventTypeExtension: {},
}

// ValidEventType reports whether t belongs to the closed enum.
func ValidEventType(t EventType) bool {
	_, ok := eventTypes[t]
	return ok
}

// EventTypes returns the closed enum in stable order, for the event-types
// resource and the list_event_types tool.
func EventTypes() []EventType {
	out := make([]EventType, 0, len(eventTypes))
	for t := range eventTypes {
		out = append(out, t)
	}
	sortEventTypes(out)
	return out
}

func sortEventTypes(ts []EventType) {
	for i := 1; i < len(ts); i++ {
		for j := i; j > 0 && ts[j] < ts[j-1]; j-- {
			ts[j], ts[j-1] = ts[j-1], ts[j]
		}
	}
}

// EventData is the typed attribute bag attached to an event. Fields the
// schema does not know are preserved in Extra across unmarshal/marshal.
type EventData struct {
	Status         string   `json:"status,omitempty"`
	Severity       string   `json:"severity,omitempty"` // low|medium|high|critical
	Current        float64  `json:"current,omitempty"`
	Threshold      float64  `json:"threshold,omitempty"`
	Options        []string `json:"response_options,omitempty"`
	TimeoutMinutes int      `json:"timeout_minutes,omitempty"`
	AffectedFiles  []string `json:"affected_files,omitempty"`
	DurationMS     int64    `json:"duration_ms,omitempty"`
	ExitCode       *int     `json:"exit_code,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

// knownDataFields mirrors the json tags above; anything else lands in Extra.
var knownDataFields = map[string]struct{}{
	"status": {}, "severity": {}, "current": {}, "threshold": {},
	"response_options": {}, "timeout_minutes": {}, "affected_files": {},
	"duration_ms": {}, "exit_code": {},
}

func (d *EventData) UnmarshalJSON(data []byte) error {
	type alias EventData
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for k := range raw {
		if _, known := knownDataFields[k]; known {
			delete(raw, k)
		}
	}
	if len(raw) > 0 {
		a.Extra = raw
	}
	*d = EventData(a)
	return nil
}

func (d EventData) MarshalJSON() ([]byte, error) {
	type alias EventData
	base, err := json.Marshal(alias(d))
	if err != nil {
		return nil, err
	}
	if len(d.Extra) == 0 {
		return base, nil
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for k, v := range d.Extra {
		if _, known := knownDataFields[k]; !known {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// Event is the canonical record produced by the tool layer and consumed by
// the bridge worker.
type Event struct {
	ID          string    `json:"id"`
	Type        EventType `json:"type"`
	Source      string    `json:"source"`
	Timestamp   time.Time `json:"timestamp"`
	TaskID      string    `json:"task_id,omitempty"`
	Title       string    `json:"title,omitempty"`
	Description string    `json:"description,omitempty"`
	Data        EventData `json:"data,omitempty"`
}

// Bounds applied during validation.
const (
	MaxTitleLen       = 256
	MaxDescriptionLen = 8192
	DefaultMaxEvent   = 64 << 10 // serialized size cap, bytes
)

// Validate checks the event against structural invariants. size limits are
// enforced against the serialized form with maxBytes (0 = DefaultMaxEvent).
func (e *Event) Validate(maxBytes int) *Error {
	if !ValidEventType(e.Type) {
		return Errf(CodeValidationFailed, "unknown event type %q", e.Type)
	}
	if e.Source == "" {
		return Errf(CodeValidationFailed, "event source is required")
	}
	if len(e.Title) > MaxTitleLen {
		return Errf(CodeSizeLimit, "title exceeds %d bytes", MaxTitleLen)
	}
	if len(e.Description) > MaxDescriptionLen {
		return Errf(CodeSizeLimit, "description exceeds %d bytes", MaxDescriptionLen)
	}
	if sev := e.Data.Severity; sev != "" {
		switch sev {
		case "low", "medium", "high", "critical":
		default:
			return Errf(CodeValidationFailed, "invalid severity %q", sev)
		}
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxEvent
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return Errf(CodeValidationFailed, "event not serializable").WithCause(err)
	}
	if len(raw) > maxBytes {
		return Errf(CodeSizeLimit, "event is %d bytes, limit %d", len(raw), maxBytes)
	}
	return nil
}
