package bridgekeeper

import (
	"errors"
	"testing"
)

// --- Pattern matching tests ---

func TestClassifyByCode(t *testing.T) {
	c := NewClassifier(DefaultPatterns())
	cl := c.Classify(Errf(CodeRateLimited, "too many requests").Transient(0), ErrorContext{})

	if cl.Pattern != "chat_rate_limited" {
		t.Errorf("pattern = %q", cl.Pattern)
	}
	if cl.Category != CategoryChat || !cl.Retryable || cl.Strategy != StrategyRetry {
		t.Errorf("classification = %+v", cl)
	}
}

func TestClassifyBySubstring(t *testing.T) {
	c := NewClassifier(DefaultPatterns())
	cl := c.Classify(errors.New("dial tcp: connection refused"), ErrorContext{})
	if cl.Pattern != "network_refused" {
		t.Errorf("pattern = %q", cl.Pattern)
	}
}

func TestClassifyHighestScoreWins(t *testing.T) {
	patterns := []Pattern{
		{
			Name:     "weak",
			Matchers: []Matcher{{Substring: "fail", Weight: 0.3}},
			Category: CategoryUnknown, Strategy: StrategyIgnore,
		},
		{
			Name:     "strong",
			Matchers: []Matcher{{Substring: "fail", Weight: 0.3}, {Code: CodeRemote, Weight: 1.0}},
			Category: CategoryChat, Strategy: StrategyRetry, Retryable: true,
		},
	}
	c := NewClassifier(patterns)
	cl := c.Classify(Errf(CodeRemote, "remote fail").Transient(0), ErrorContext{})
	if cl.Pattern != "strong" {
		t.Errorf("pattern = %q, want strong", cl.Pattern)
	}
}

func TestClassifyFallsBackToDeclaredFields(t *testing.T) {
	c := NewClassifier(nil)
	e := Errf("CUSTOM_CODE", "no pattern for this")
	e.Category = CategoryResource
	e.Severity = SeverityHigh
	cl := c.Classify(e, ErrorContext{})

	if cl.Pattern != "" {
		t.Errorf("no pattern should match, got %q", cl.Pattern)
	}
	if cl.Category != CategoryResource || cl.Severity != SeverityHigh {
		t.Errorf("declared fields not used: %+v", cl)
	}
	if cl.Confidence != defaultConfidence {
		t.Errorf("confidence = %v, want %v", cl.Confidence, defaultConfidence)
	}
}

func TestClassifyNonRetryableNeverGetsRetryStrategy(t *testing.T) {
	patterns := []Pattern{{
		Name:     "broken_rule",
		Matchers: []Matcher{{Code: CodeAuthFailed, Weight: 1.0}},
		Category: CategorySecurity,
		// Deliberately inconsistent: not retryable but strategy says retry.
		Retryable: false, Strategy: StrategyRetry,
	}}
	c := NewClassifier(patterns)
	cl := c.Classify(Errf(CodeAuthFailed, "bad token"), ErrorContext{})
	if cl.Strategy == StrategyRetry || cl.Strategy == StrategyCircuitBreaker {
		t.Errorf("non-retryable classification carries %s", cl.Strategy)
	}
}

func TestClassifyContextFieldMatcher(t *testing.T) {
	patterns := []Pattern{{
		Name:     "spool_writes",
		Matchers: []Matcher{{ContextField: "component", ContextValue: "spool", Weight: 1.0}},
		Category: CategoryFilesystem, Strategy: StrategyFallback,
	}}
	c := NewClassifier(patterns)
	cl := c.Classify(errors.New("whatever"), ErrorContext{Component: "spool"})
	if cl.Pattern != "spool_writes" {
		t.Errorf("pattern = %q", cl.Pattern)
	}
}

// --- Severity adjustment tests ---

func TestRarePatternPromotedToHigh(t *testing.T) {
	c := NewClassifier(DefaultPatterns())
	// First few firings of a medium pattern are "rare" in the window.
	cl := c.Classify(Errf(CodeTimeout, "deadline exceeded").Transient(0), ErrorContext{})
	if cl.Pattern != "network_timeout" {
		t.Fatalf("pattern = %q", cl.Pattern)
	}
	if cl.Severity != SeverityHigh {
		t.Errorf("severity = %s, rare medium pattern should promote to high", cl.Severity)
	}
}

func TestNoisyPatternDemoted(t *testing.T) {
	c := NewClassifier(DefaultPatterns())
	var last Classification
	for i := 0; i < adjustNoisyAbove+2; i++ {
		last = c.Classify(Errf(CodeTimeout, "deadline exceeded").Transient(0), ErrorContext{})
	}
	// Base severity for network_timeout is medium; noisy demotes one level.
	if last.Severity != SeverityLow {
		t.Errorf("severity = %s after %d firings, want low", last.Severity, adjustNoisyAbove+2)
	}
}

// --- Statistics tests ---

func TestStatsCountByCategoryAndPattern(t *testing.T) {
	c := NewClassifier(DefaultPatterns())
	c.Classify(Errf(CodeRateLimited, "429").Transient(0), ErrorContext{})
	c.Classify(Errf(CodeRateLimited, "429").Transient(0), ErrorContext{})
	c.Classify(Errf(CodeFSSpace, "no space left"), ErrorContext{})

	st := c.Stats()
	if st.Total != 3 {
		t.Errorf("total = %d", st.Total)
	}
	if st.ByPattern["chat_rate_limited"] != 2 {
		t.Errorf("chat_rate_limited = %d", st.ByPattern["chat_rate_limited"])
	}
	if st.ByCategory[CategoryFilesystem] != 1 {
		t.Errorf("filesystem = %d", st.ByCategory[CategoryFilesystem])
	}
	if len(st.Trend) == 0 {
		t.Error("trend bucket missing")
	}
}

func TestRecordOutcomeEWMA(t *testing.T) {
	c := NewClassifier(nil)
	c.RecordOutcome(StrategyRestart, true)
	if got := c.Stats().StrategySuccess[StrategyRestart]; got != 1.0 {
		t.Errorf("seeded rate = %v, want 1.0", got)
	}
	c.RecordOutcome(StrategyRestart, false)
	got := c.Stats().StrategySuccess[StrategyRestart]
	if got <= 0 || got >= 1 {
		t.Errorf("smoothed rate = %v, want strictly between 0 and 1", got)
	}
}
