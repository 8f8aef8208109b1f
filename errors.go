package bridgekeeper

import (
	"fmt"
	"strings"
	"time"
)

// Category groups errors by the subsystem that produced them.
type Category string

const (
	CategoryBridge        Category = "bridge"
	CategoryNetwork       Category = "network"
	CategoryChat          Category = "chat"
	CategoryFilesystem    Category = "filesystem"
	CategoryResource      Category = "resource"
	CategoryValidation    Category = "validation"
	CategorySecurity      Category = "security"
	CategoryConfiguration Category = "configuration"
	CategorySystem        Category = "system"
	CategoryUnknown       Category = "unknown"
)

// Severity orders errors by operational impact.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Strategy names a recovery approach a plan step can apply.
type Strategy string

const (
	StrategyRetry               Strategy = "retry"
	StrategyCircuitBreaker      Strategy = "circuit_breaker"
	StrategyFallback            Strategy = "fallback"
	StrategyRestart             Strategy = "restart"
	StrategyGracefulDegradation Strategy = "graceful_degradation"
	StrategyEscalate            Strategy = "escalate"
	StrategyIgnore              Strategy = "ignore"
	StrategyManual              Strategy = "manual"
)

// Stable error codes surfaced to tool callers and webhook clients.
const (
	CodeValidationFailed  = "VALIDATION_FAILED"
	CodeSizeLimit         = "SIZE_LIMIT_EXCEEDED"
	CodeBackpressure      = "BACKPRESSURE"
	CodeRateLimited       = "RATE_LIMITED"
	CodeCircuitOpen       = "CIRCUIT_OPEN"
	CodeTimeout           = "TIMEOUT"
	CodeConnection        = "CONNECTION_FAILED"
	CodeRemote            = "REMOTE_ERROR"
	CodeAuthFailed        = "AUTH_FAILED"
	CodeForbidden         = "FORBIDDEN"
	CodeIntegrity         = "INTEGRITY_FAILURE"
	CodeFSPermission      = "FS_PERMISSION"
	CodeFSMissing         = "FS_MISSING"
	CodeFSSpace           = "FS_SPACE"
	CodeResourceExhausted = "RESOURCE_EXHAUSTED"
	CodeBridgeNotRunning  = "BRIDGE_NOT_RUNNING"
	CodeBridgeUnhealthy   = "BRIDGE_HEALTH_FAILED"
	CodeStartupTimeout    = "STARTUP_TIMEOUT"
	CodeConfigInvalid     = "CONFIG_INVALID"
	CodeSecurityPolicy    = "SECURITY_POLICY"
	CodeConcurrentLimit   = "CONCURRENT_LIMIT"
	CodeProcessing        = "PROCESSING_ERROR"
	CodeUnknown           = "UNKNOWN"
)

// ErrorContext records where an error happened.
type ErrorContext struct {
	Operation     string            `json:"operation,omitempty"`
	Component     string            `json:"component,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// Attempt is one recovery attempt recorded against an error.
type Attempt struct {
	Strategy  Strategy      `json:"strategy"`
	At        time.Time     `json:"at"`
	Duration  time.Duration `json:"duration"`
	Succeeded bool          `json:"succeeded"`
	Detail    string        `json:"detail,omitempty"`
}

// Error is the typed error value carried across component boundaries.
// It is a tagged record, not a hierarchy: code + category + optional
// metadata, with the recovery-attempt history appended in place.
type Error struct {
	Code       string        `json:"code"`
	Category   Category      `json:"category"`
	Severity   Severity      `json:"-"`
	Retryable  bool          `json:"retryable"`
	Message    string        `json:"message"`
	RetryAfter time.Duration `json:"-"` // server-suggested delay, zero if none
	Hints      []Strategy    `json:"hints,omitempty"`
	Context    ErrorContext  `json:"context,omitempty"`
	Attempts   []Attempt     `json:"attempts,omitempty"`

	cause error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Code)
	if e.Context.Operation != "" {
		b.WriteString(" [")
		b.WriteString(e.Context.Operation)
		b.WriteString("]")
	}
	b.WriteString(": ")
	b.WriteString(e.Message)
	if e.cause != nil {
		fmt.Fprintf(&b, ": %v", e.cause)
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.cause }

// WithCause attaches an underlying error and returns e for chaining.
func (e *Error) WithCause(err error) *Error {
	e.cause = err
	return e
}

// WithOperation fills the context operation and component.
func (e *Error) WithOperation(component, operation string) *Error {
	e.Context.Component = component
	e.Context.Operation = operation
	return e
}

// WithCorrelation sets the correlation id used to tie an error to an event.
func (e *Error) WithCorrelation(id string) *Error {
	e.Context.CorrelationID = id
	return e
}

// WithMeta adds one metadata key. Metadata must never carry secrets; the
// webhook and tool layers include it verbatim in user-visible responses.
func (e *Error) WithMeta(key, value string) *Error {
	if e.Context.Metadata == nil {
		e.Context.Metadata = make(map[string]string)
	}
	e.Context.Metadata[key] = value
	return e
}

// RecordAttempt appends a recovery attempt to the error history.
func (e *Error) RecordAttempt(a Attempt) {
	e.Attempts = append(e.Attempts, a)
}

// Normalize enforces the invariant that non-retryable errors never hint at
// retry or circuit-breaker strategies.
func (e *Error) Normalize() *Error {
	if e.Retryable {
		return e
	}
	kept := e.Hints[:0]
	for _, h := range e.Hints {
		if h != StrategyRetry && h != StrategyCircuitBreaker {
			kept = append(kept, h)
		}
	}
	e.Hints = kept
	return e
}

// NewError creates a typed error. Severity defaults to medium and the error
// is non-retryable unless marked with Transient.
func NewError(code string, category Category, message string) *Error {
	return &Error{
		Code:     code,
		Category: category,
		Severity: SeverityMedium,
		Message:  message,
	}
}

// Transient marks the error retryable with an optional server-suggested delay.
func (e *Error) Transient(retryAfter time.Duration) *Error {
	e.Retryable = true
	e.RetryAfter = retryAfter
	return e
}

// Severe sets the severity.
func (e *Error) Severe(s Severity) *Error {
	e.Severity = s
	return e
}

// defaultCategory maps a code to its home category, for errors built without
// an explicit category.
func defaultCategory(code string) Category {
	switch code {
	case CodeValidationFailed, CodeSizeLimit:
		return CategoryValidation
	case CodeTimeout, CodeConnection, CodeRemote:
		return CategoryNetwork
	case CodeRateLimited:
		return CategoryChat
	case CodeFSPermission, CodeFSMissing, CodeFSSpace, CodeIntegrity:
		return CategoryFilesystem
	case CodeBackpressure, CodeResourceExhausted, CodeConcurrentLimit:
		return CategoryResource
	case CodeBridgeNotRunning, CodeBridgeUnhealthy, CodeStartupTimeout, CodeCircuitOpen:
		return CategoryBridge
	case CodeAuthFailed, CodeForbidden, CodeSecurityPolicy:
		return CategorySecurity
	case CodeConfigInvalid:
		return CategoryConfiguration
	default:
		return CategoryUnknown
	}
}

// Errf is shorthand for a typed error whose category is derived from the code.
func Errf(code, format string, args ...any) *Error {
	return NewError(code, defaultCategory(code), fmt.Sprintf(format, args...))
}
