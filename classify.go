package bridgekeeper

import (
	"errors"
	"regexp"
	"strings"
	"sync"
	"time"
)

// Matcher scores one facet of an error. Weight contributes to the pattern
// score when the facet matches; unset facets are skipped.
type Matcher struct {
	Code          string // exact code match
	Substring     string // case-insensitive message substring
	Regex         string // message regex
	MetadataKey   string // presence of a metadata key
	ContextField  string // "operation" or "component"
	ContextValue  string
	Weight        float64

	re *regexp.Regexp
}

// Pattern is one classification rule: matchers plus the classification to
// adopt when the rule wins. Rules live in a table, not in subtypes.
type Pattern struct {
	Name        string
	Matchers    []Matcher
	Category    Category
	Severity    Severity
	Retryable   bool
	Strategy    Strategy
	MaxAttempts int
}

// Classification is the outcome of classifying one error.
type Classification struct {
	Pattern     string   `json:"pattern,omitempty"`
	Category    Category `json:"category"`
	Severity    Severity `json:"severity"`
	Retryable   bool     `json:"retryable"`
	Strategy    Strategy `json:"strategy"`
	MaxAttempts int      `json:"max_attempts"`
	Confidence  float64  `json:"confidence"`
}

// Frequency-based severity adjustment thresholds (per pattern, per window).
const (
	adjustWindow        = time.Hour
	adjustNoisyAbove    = 100 // noisy patterns drop one severity level
	adjustRareBelow     = 5   // rare medium patterns are promoted to high
	trendRetention      = 7 * 24 * time.Hour
	strategyEWMAAlpha   = 0.2
	defaultConfidence   = 0.5
)

// ClassifierStats is a point-in-time view of classification statistics.
type ClassifierStats struct {
	Total      uint64                  `json:"total"`
	ByCategory map[Category]uint64     `json:"by_category"`
	BySeverity map[string]uint64       `json:"by_severity"`
	ByPattern  map[string]uint64       `json:"by_pattern"`
	// Trend maps unix-hour buckets to classification counts over the last
	// seven days.
	Trend map[int64]uint64 `json:"trend"`
	// StrategySuccess is the exponentially smoothed success rate per
	// recovery strategy, 0..1.
	StrategySuccess map[Strategy]float64 `json:"strategy_success"`
}

// Classifier owns the rule table and running statistics.
type Classifier struct {
	mu       sync.Mutex
	patterns []Pattern

	total      uint64
	byCategory map[Category]uint64
	bySeverity map[Severity]uint64
	byPattern  map[string]uint64
	fires      map[string][]time.Time // per-pattern fire times within adjustWindow
	trend      map[int64]uint64       // unix hour -> count
	strategy   map[Strategy]float64   // EWMA success rate
	seeded     map[Strategy]bool
}

// NewClassifier compiles the rule set. Invalid regexes disable only the
// matcher that carries them.
func NewClassifier(patterns []Pattern) *Classifier {
	for i := range patterns {
		for j := range patterns[i].Matchers {
			m := &patterns[i].Matchers[j]
			if m.Regex != "" {
				if re, err := regexp.Compile(m.Regex); err == nil {
					m.re = re
				}
			}
		}
	}
	return &Classifier{
		patterns:   patterns,
		byCategory: make(map[Category]uint64),
		bySeverity: make(map[Severity]uint64),
		byPattern:  make(map[string]uint64),
		fires:      make(map[string][]time.Time),
		trend:      make(map[int64]uint64),
		strategy:   make(map[Strategy]float64),
		seeded:     make(map[Strategy]bool),
	}
}

// Classify scores err against every pattern and returns the winning
// classification, falling back to the error's own declared fields at
// confidence 0.5 when nothing matches.
func (c *Classifier) Classify(err error, ctx ErrorContext) Classification {
	var typed *Error
	errors.As(err, &typed)

	best, bestScore := -1, 0.0
	for i := range c.patterns {
		score := c.score(&c.patterns[i], err, typed, ctx)
		if score > bestScore {
			best, bestScore = i, score
		}
	}

	var out Classification
	if best >= 0 {
		p := &c.patterns[best]
		out = Classification{
			Pattern:     p.Name,
			Category:    p.Category,
			Severity:    p.Severity,
			Retryable:   p.Retryable,
			Strategy:    p.Strategy,
			MaxAttempts: p.MaxAttempts,
			Confidence:  bestScore,
		}
	} else {
		out = c.synthesize(err, typed)
	}
	if !out.Retryable && (out.Strategy == StrategyRetry || out.Strategy == StrategyCircuitBreaker) {
		out.Strategy = StrategyEscalate
	}

	c.mu.Lock()
	if out.Pattern != "" {
		out.Severity = c.adjustSeverityLocked(out.Pattern, out.Severity)
	}
	c.recordLocked(out)
	c.mu.Unlock()
	return out
}

func (c *Classifier) score(p *Pattern, err error, typed *Error, ctx ErrorContext) float64 {
	msg := err.Error()
	var total float64
	for i := range p.Matchers {
		m := &p.Matchers[i]
		matched := false
		switch {
		case m.Code != "":
			matched = typed != nil && typed.Code == m.Code
		case m.Substring != "":
			matched = strings.Contains(strings.ToLower(msg), strings.ToLower(m.Substring))
		case m.re != nil:
			matched = m.re.MatchString(msg)
		case m.MetadataKey != "":
			if typed != nil {
				_, matched = typed.Context.Metadata[m.MetadataKey]
			}
			if !matched && ctx.Metadata != nil {
				_, matched = ctx.Metadata[m.MetadataKey]
			}
		case m.ContextField != "":
			switch m.ContextField {
			case "operation":
				matched = ctx.Operation == m.ContextValue
			case "component":
				matched = ctx.Component == m.ContextValue
			}
		}
		if matched {
			total += m.Weight
		}
	}
	return total
}

// synthesize builds a classification from the error's own declared fields.
func (c *Classifier) synthesize(err error, typed *Error) Classification {
	out := Classification{
		Category:    CategoryUnknown,
		Severity:    SeverityMedium,
		Strategy:    StrategyEscalate,
		MaxAttempts: 1,
		Confidence:  defaultConfidence,
	}
	if typed != nil {
		out.Category = typed.Category
		out.Severity = typed.Severity
		out.Retryable = typed.Retryable
		if typed.Retryable {
			out.Strategy = StrategyRetry
			out.MaxAttempts = 3
		}
		if len(typed.Hints) > 0 {
			out.Strategy = typed.Hints[0]
		}
	}
	return out
}

// adjustSeverityLocked applies the frequency rule: patterns firing more
// than adjustNoisyAbove times in the window lose one level; medium-severity
// patterns firing fewer than adjustRareBelow times are promoted to high.
func (c *Classifier) adjustSeverityLocked(pattern string, base Severity) Severity {
	now := time.Now()
	cutoff := now.Add(-adjustWindow)
	kept := c.fires[pattern][:0]
	for _, t := range c.fires[pattern] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	c.fires[pattern] = kept

	n := len(kept)
	switch {
	case n > adjustNoisyAbove && base > SeverityLow:
		return base - 1
	case n < adjustRareBelow && base == SeverityMedium:
		return SeverityHigh
	default:
		return base
	}
}

func (c *Classifier) recordLocked(cl Classification) {
	c.total++
	c.byCategory[cl.Category]++
	c.bySeverity[cl.Severity]++
	if cl.Pattern != "" {
		c.byPattern[cl.Pattern]++
	}
	hour := time.Now().Truncate(time.Hour).Unix()
	c.trend[hour]++
	cutoff := time.Now().Add(-trendRetention).Unix()
	for h := range c.trend {
		if h < cutoff {
			delete(c.trend, h)
		}
	}
}

// RecordOutcome folds a recovery outcome into the per-strategy smoothed
// success rate.
func (c *Classifier) RecordOutcome(s Strategy, success bool) {
	v := 0.0
	if success {
		v = 1.0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.seeded[s] {
		c.strategy[s] = v
		c.seeded[s] = true
		return
	}
	c.strategy[s] = strategyEWMAAlpha*v + (1-strategyEWMAAlpha)*c.strategy[s]
}

// Stats returns a copy of the running statistics.
func (c *Classifier) Stats() ClassifierStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := ClassifierStats{
		Total:           c.total,
		ByCategory:      make(map[Category]uint64, len(c.byCategory)),
		BySeverity:      make(map[string]uint64, len(c.bySeverity)),
		ByPattern:       make(map[string]uint64, len(c.byPattern)),
		Trend:           make(map[int64]uint64, len(c.trend)),
		StrategySuccess: make(map[Strategy]float64, len(c.strategy)),
	}
	for k, v := range c.byCategory {
		out.ByCategory[k] = v
	}
	for k, v := range c.bySeverity {
		out.BySeverity[k.String()] = v
	}
	for k, v := range c.byPattern {
		out.ByPattern[k] = v
	}
	for k, v := range c.trend {
		out.Trend[k] = v
	}
	for k, v := range c.strategy {
		out.StrategySuccess[k] = v
	}
	return out
}

// DefaultPatterns is the built-in rule table covering the error taxonomy.
func DefaultPatterns() []Pattern {
	return []Pattern{
		{
			Name: "chat_rate_limited",
			Matchers: []Matcher{
				{Code: CodeRateLimited, Weight: 1.0},
				{Substring: "too many requests", Weight: 0.6},
				{Substring: "retry after", Weight: 0.4},
			},
			Category: CategoryChat, Severity: SeverityLow,
			Retryable: true, Strategy: StrategyRetry, MaxAttempts: 5,
		},
		{
			Name: "network_timeout",
			Matchers: []Matcher{
				{Code: CodeTimeout, Weight: 1.0},
				{Substring: "deadline exceeded", Weight: 0.8},
				{Substring: "i/o timeout", Weight: 0.8},
			},
			Category: CategoryNetwork, Severity: SeverityMedium,
			Retryable: true, Strategy: StrategyRetry, MaxAttempts: 3,
		},
		{
			Name: "network_refused",
			Matchers: []Matcher{
				{Code: CodeConnection, Weight: 1.0},
				{Substring: "connection refused", Weight: 0.9},
				{Substring: "connection reset", Weight: 0.8},
			},
			Category: CategoryNetwork, Severity: SeverityMedium,
			Retryable: true, Strategy: StrategyCircuitBreaker, MaxAttempts: 3,
		},
		{
			Name: "remote_5xx",
			Matchers: []Matcher{
				{Code: CodeRemote, Weight: 1.0},
				{Regex: `\b5\d\d\b`, Weight: 0.5},
			},
			Category: CategoryChat, Severity: SeverityMedium,
			Retryable: true, Strategy: StrategyRetry, MaxAttempts: 3,
		},
		{
			Name: "bridge_down",
			Matchers: []Matcher{
				{Code: CodeBridgeNotRunning, Weight: 1.0},
				{Code: CodeBridgeUnhealthy, Weight: 0.9},
				{Substring: "bridge process", Weight: 0.5},
			},
			Category: CategoryBridge, Severity: SeverityHigh,
			Retryable: true, Strategy: StrategyRestart, MaxAttempts: 3,
		},
		{
			Name: "fs_permission",
			Matchers: []Matcher{
				{Code: CodeFSPermission, Weight: 1.0},
				{Substring: "permission denied", Weight: 0.9},
			},
			Category: CategoryFilesystem, Severity: SeverityHigh,
			Retryable: false, Strategy: StrategyEscalate, MaxAttempts: 1,
		},
		{
			Name: "fs_space",
			Matchers: []Matcher{
				{Code: CodeFSSpace, Weight: 1.0},
				{Substring: "no space left", Weight: 0.9},
			},
			Category: CategoryFilesystem, Severity: SeverityCritical,
			Retryable: false, Strategy: StrategyGracefulDegradation, MaxAttempts: 1,
		},
		{
			Name: "spool_integrity",
			Matchers: []Matcher{
				{Code: CodeIntegrity, Weight: 1.0},
				{Substring: "checksum mismatch", Weight: 0.9},
			},
			Category: CategoryFilesystem, Severity: SeverityHigh,
			Retryable: false, Strategy: StrategyFallback, MaxAttempts: 1,
		},
		{
			Name: "auth_rejected",
			Matchers: []Matcher{
				{Code: CodeAuthFailed, Weight: 1.0},
				{Code: CodeForbidden, Weight: 0.9},
				{Substring: "unauthorized", Weight: 0.7},
			},
			Category: CategorySecurity, Severity: SeverityHigh,
			Retryable: false, Strategy: StrategyManual, MaxAttempts: 1,
		},
		{
			Name: "resource_exhausted",
			Matchers: []Matcher{
				{Code: CodeResourceExhausted, Weight: 1.0},
				{Code: CodeBackpressure, Weight: 0.9},
				{Substring: "out of memory", Weight: 0.8},
			},
			Category: CategoryResource, Severity: SeverityHigh,
			Retryable: false, Strategy: StrategyGracefulDegradation, MaxAttempts: 1,
		},
		{
			Name: "validation_rejected",
			Matchers: []Matcher{
				{Code: CodeValidationFailed, Weight: 1.0},
				{Code: CodeSizeLimit, Weight: 1.0},
			},
			Category: CategoryValidation, Severity: SeverityLow,
			Retryable: false, Strategy: StrategyIgnore, MaxAttempts: 1,
		},
		{
			Name: "config_invalid",
			Matchers: []Matcher{
				{Code: CodeConfigInvalid, Weight: 1.0},
				{Substring: "invalid configuration", Weight: 0.8},
			},
			Category: CategoryConfiguration, Severity: SeverityHigh,
			Retryable: false, Strategy: StrategyManual, MaxAttempts: 1,
		},
	}
}
