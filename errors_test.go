package bridgekeeper

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

// --- Typed error construction tests ---

func TestErrfDerivesCategory(t *testing.T) {
	cases := []struct {
		code string
		want Category
	}{
		{CodeValidationFailed, CategoryValidation},
		{CodeSizeLimit, CategoryValidation},
		{CodeTimeout, CategoryNetwork},
		{CodeRateLimited, CategoryChat},
		{CodeFSSpace, CategoryFilesystem},
		{CodeIntegrity, CategoryFilesystem},
		{CodeBackpressure, CategoryResource},
		{CodeBridgeNotRunning, CategoryBridge},
		{CodeAuthFailed, CategorySecurity},
		{CodeConfigInvalid, CategoryConfiguration},
		{"SOMETHING_ELSE", CategoryUnknown},
	}
	for _, c := range cases {
		e := Errf(c.code, "boom")
		if e.Category != c.want {
			t.Errorf("%s: category %s, want %s", c.code, e.Category, c.want)
		}
	}
}

func TestErrorStringIncludesOperationAndCause(t *testing.T) {
	inner := errors.New("socket closed")
	e := Errf(CodeConnection, "send failed").
		WithOperation("telegram", "chat.send").
		WithCause(inner)

	msg := e.Error()
	if !strings.Contains(msg, CodeConnection) {
		t.Errorf("missing code in %q", msg)
	}
	if !strings.Contains(msg, "chat.send") {
		t.Errorf("missing operation in %q", msg)
	}
	if !strings.Contains(msg, "socket closed") {
		t.Errorf("missing cause in %q", msg)
	}
	if !errors.Is(e, inner) {
		t.Error("Unwrap chain should reach the cause")
	}
}

func TestErrorsAsThroughWrapping(t *testing.T) {
	e := Errf(CodeRateLimited, "slow down").Transient(2 * time.Second)
	wrapped := fmt.Errorf("outer: %w", e)

	var typed *Error
	if !errors.As(wrapped, &typed) {
		t.Fatal("errors.As should find the typed error")
	}
	if typed.RetryAfter != 2*time.Second {
		t.Errorf("RetryAfter = %v, want 2s", typed.RetryAfter)
	}
	if !IsTransient(wrapped) {
		t.Error("wrapped transient error should stay transient")
	}
}

// --- Invariant tests ---

func TestNormalizeStripsRetryHintsFromPermanentErrors(t *testing.T) {
	e := Errf(CodeAuthFailed, "token rejected")
	e.Hints = []Strategy{StrategyRetry, StrategyManual, StrategyCircuitBreaker}
	e.Normalize()

	for _, h := range e.Hints {
		if h == StrategyRetry || h == StrategyCircuitBreaker {
			t.Errorf("non-retryable error still hints %s", h)
		}
	}
	if len(e.Hints) != 1 || e.Hints[0] != StrategyManual {
		t.Errorf("hints = %v, want [manual]", e.Hints)
	}
}

func TestNormalizeKeepsHintsForTransientErrors(t *testing.T) {
	e := Errf(CodeTimeout, "slow").Transient(0)
	e.Hints = []Strategy{StrategyRetry}
	e.Normalize()
	if len(e.Hints) != 1 {
		t.Errorf("transient error hints trimmed: %v", e.Hints)
	}
}

func TestRecordAttemptAppendsInOrder(t *testing.T) {
	e := Errf(CodeRemote, "503")
	e.RecordAttempt(Attempt{Strategy: StrategyRetry, Succeeded: false})
	e.RecordAttempt(Attempt{Strategy: StrategyRestart, Succeeded: true})

	if len(e.Attempts) != 2 {
		t.Fatalf("attempts = %d, want 2", len(e.Attempts))
	}
	if e.Attempts[0].Strategy != StrategyRetry || e.Attempts[1].Strategy != StrategyRestart {
		t.Errorf("attempt order wrong: %v", e.Attempts)
	}
}

func TestWithMetaDoesNotClobber(t *testing.T) {
	e := Errf(CodeRateLimited, "429").WithMeta("retry_after", "5").WithMeta("endpoint", "sendMessage")
	if e.Context.Metadata["retry_after"] != "5" || e.Context.Metadata["endpoint"] != "sendMessage" {
		t.Errorf("metadata = %v", e.Context.Metadata)
	}
}

func TestSeverityString(t *testing.T) {
	if SeverityCritical.String() != "critical" || SeverityLow.String() != "low" {
		t.Error("severity strings wrong")
	}
	if Severity(42).String() != "unknown" {
		t.Error("out-of-range severity should read unknown")
	}
}
