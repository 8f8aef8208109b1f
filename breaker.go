package bridgekeeper

import (
	"sync"
	"time"
)

// CircuitState is the per-endpoint failure-isolation state.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// BreakerConfig tunes one circuit breaker.
type BreakerConfig struct {
	FailureThreshold int           // consecutive failures in window before opening (default 5)
	FailureWindow    time.Duration // window for counting failures (default 60s)
	Cooldown         time.Duration // open duration before a half-open probe (default 30s)
	MaxCooldown      time.Duration // cap on cooldown doubling after failed probes (default 10m)
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.FailureWindow <= 0 {
		c.FailureWindow = time.Minute
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
	if c.MaxCooldown <= 0 {
		c.MaxCooldown = 10 * time.Minute
	}
	return c
}

// CircuitSnapshot is a read-only view of a breaker for status reporting.
type CircuitSnapshot struct {
	Name          string       `json:"name"`
	State         CircuitState `json:"state"`
	Failures      int          `json:"failures"`
	Successes     int          `json:"successes"`
	LastTransition time.Time   `json:"last_transition"`
	Cooldown      time.Duration `json:"cooldown"`
}

// Breaker is one circuit state machine. Closed admits all calls and counts
// failures within a sliding window; the threshold opens it. After the
// cooldown a single half-open probe is admitted: success closes, failure
// reopens for twice the previous cooldown, capped.
type Breaker struct {
	mu sync.Mutex

	name     string
	cfg      BreakerConfig
	state    CircuitState
	failures []time.Time
	successes int
	openedAt time.Time
	cooldown time.Duration
	probing  bool
	last     time.Time

	onTransition func(name string, from, to CircuitState)
}

// NewBreaker creates a closed breaker.
func NewBreaker(name string, cfg BreakerConfig) *Breaker {
	cfg = cfg.withDefaults()
	return &Breaker{
		name:     name,
		cfg:      cfg,
		state:    CircuitClosed,
		cooldown: cfg.Cooldown,
		last:     time.Now(),
	}
}

// Allow reports whether a call may proceed. In the open state it flips to
// half-open once the cooldown has elapsed and admits exactly one probe.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case CircuitClosed:
		return true
	case CircuitOpen:
		if time.Since(b.openedAt) < b.cooldown {
			return false
		}
		b.transition(CircuitHalfOpen)
		b.probing = true
		return true
	case CircuitHalfOpen:
		if b.probing {
			return false // a probe is already in flight
		}
		b.probing = true
		return true
	}
	return false
}

// Success records a successful call. A half-open success closes the circuit
// and resets the cooldown to its configured base.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.successes++
	switch b.state {
	case CircuitHalfOpen:
		b.probing = false
		b.cooldown = b.cfg.Cooldown
		b.failures = b.failures[:0]
		b.transition(CircuitClosed)
	case CircuitClosed:
		// Successes shrink the failure window organically; nothing to do.
	}
}

// Failure records a failed call. In the closed state, reaching the
// threshold within the window opens the circuit. A half-open failure
// reopens with doubled cooldown, capped at MaxCooldown.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	switch b.state {
	case CircuitClosed:
		cutoff := now.Add(-b.cfg.FailureWindow)
		kept := b.failures[:0]
		for _, t := range b.failures {
			if t.After(cutoff) {
				kept = append(kept, t)
			}
		}
		b.failures = append(kept, now)
		if len(b.failures) >= b.cfg.FailureThreshold {
			b.openedAt = now
			b.transition(CircuitOpen)
		}
	case CircuitHalfOpen:
		b.probing = false
		b.cooldown = min(2*b.cooldown, b.cfg.MaxCooldown)
		b.openedAt = now
		b.transition(CircuitOpen)
	}
}

// ForceOpen opens the circuit for the given cooldown regardless of counts.
// Used by the circuit_breaker recovery strategy.
func (b *Breaker) ForceOpen(cooldown time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cooldown <= 0 {
		cooldown = b.cfg.Cooldown
	}
	b.cooldown = cooldown
	b.openedAt = time.Now()
	b.probing = false
	if b.state != CircuitOpen {
		b.transition(CircuitOpen)
	}
}

// State returns the current state without the half-open probe side effect.
func (b *Breaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns a copy of the breaker's observable state.
func (b *Breaker) Snapshot() CircuitSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return CircuitSnapshot{
		Name:           b.name,
		State:          b.state,
		Failures:       len(b.failures),
		Successes:      b.successes,
		LastTransition: b.last,
		Cooldown:       b.cooldown,
	}
}

func (b *Breaker) transition(to CircuitState) {
	from := b.state
	b.state = to
	b.last = time.Now()
	if b.onTransition != nil && from != to {
		go b.onTransition(b.name, from, to)
	}
}

// BreakerSet owns one breaker per named endpoint. Each key has a single
// writer (the breaker's own mutex); lookups share a read lock.
type BreakerSet struct {
	mu       sync.RWMutex
	cfg      BreakerConfig
	breakers map[string]*Breaker

	// OnTransition, when set before first use, is invoked asynchronously for
	// every state change on any breaker in the set.
	OnTransition func(name string, from, to CircuitState)
}

// NewBreakerSet creates an empty set sharing one config.
func NewBreakerSet(cfg BreakerConfig) *BreakerSet {
	return &BreakerSet{cfg: cfg.withDefaults(), breakers: make(map[string]*Breaker)}
}

// Get returns the breaker for name, creating it on first use.
func (s *BreakerSet) Get(name string) *Breaker {
	s.mu.RLock()
	b, ok := s.breakers[name]
	s.mu.RUnlock()
	if ok {
		return b
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok = s.breakers[name]; ok {
		return b
	}
	b = NewBreaker(name, s.cfg)
	b.onTransition = s.OnTransition
	s.breakers[name] = b
	return b
}

// Snapshots returns the state of every breaker in the set.
func (s *BreakerSet) Snapshots() []CircuitSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]CircuitSnapshot, 0, len(s.breakers))
	for _, b := range s.breakers {
		out = append(out, b.Snapshot())
	}
	return out
}
