package bridgekeeper

import (
	"testing"
	"time"
)

// --- Circuit breaker state machine tests ---

func newTestBreaker() *Breaker {
	return NewBreaker("test", BreakerConfig{
		FailureThreshold: 3,
		FailureWindow:    time.Minute,
		Cooldown:         30 * time.Millisecond,
		MaxCooldown:      200 * time.Millisecond,
	})
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	b := newTestBreaker()
	b.Failure()
	b.Failure()
	if b.State() != CircuitClosed {
		t.Fatal("opened below threshold")
	}
	b.Failure()
	if b.State() != CircuitOpen {
		t.Fatal("did not open at threshold")
	}
	if b.Allow() {
		t.Error("open circuit admitted a call before cooldown")
	}
}

func TestBreakerHalfOpenSingleProbe(t *testing.T) {
	b := newTestBreaker()
	for i := 0; i < 3; i++ {
		b.Failure()
	}
	time.Sleep(40 * time.Millisecond) // past cooldown

	if !b.Allow() {
		t.Fatal("probe not admitted after cooldown")
	}
	if b.State() != CircuitHalfOpen {
		t.Fatalf("state = %s, want half_open", b.State())
	}
	if b.Allow() {
		t.Error("second probe admitted while first in flight")
	}
}

func TestBreakerProbeSuccessCloses(t *testing.T) {
	b := newTestBreaker()
	for i := 0; i < 3; i++ {
		b.Failure()
	}
	time.Sleep(40 * time.Millisecond)
	b.Allow()
	b.Success()
	if b.State() != CircuitClosed {
		t.Fatalf("state = %s after probe success", b.State())
	}
	if !b.Allow() {
		t.Error("closed circuit should admit calls")
	}
}

func TestBreakerProbeFailureDoublesCooldown(t *testing.T) {
	b := newTestBreaker()
	for i := 0; i < 3; i++ {
		b.Failure()
	}
	time.Sleep(40 * time.Millisecond)
	b.Allow()
	b.Failure() // failed probe: reopen, cooldown 60ms

	if b.State() != CircuitOpen {
		t.Fatalf("state = %s after probe failure", b.State())
	}
	if b.Allow() {
		t.Error("admitted immediately after failed probe")
	}
	snap := b.Snapshot()
	if snap.Cooldown != 60*time.Millisecond {
		t.Errorf("cooldown = %v, want doubled 60ms", snap.Cooldown)
	}
}

func TestBreakerCooldownCapped(t *testing.T) {
	b := newTestBreaker()
	for i := 0; i < 3; i++ {
		b.Failure()
	}
	// Fail enough probes to exceed the cap if uncapped.
	for i := 0; i < 5; i++ {
		time.Sleep(b.Snapshot().Cooldown + 10*time.Millisecond)
		if !b.Allow() {
			t.Fatal("probe not admitted")
		}
		b.Failure()
	}
	if c := b.Snapshot().Cooldown; c > 200*time.Millisecond {
		t.Errorf("cooldown %v exceeds cap", c)
	}
}

func TestBreakerForceOpen(t *testing.T) {
	b := newTestBreaker()
	b.ForceOpen(time.Hour)
	if b.State() != CircuitOpen {
		t.Fatal("ForceOpen did not open")
	}
	if b.Allow() {
		t.Error("forced-open circuit admitted a call")
	}
}

func TestBreakerWindowExpiresOldFailures(t *testing.T) {
	b := NewBreaker("w", BreakerConfig{
		FailureThreshold: 3,
		FailureWindow:    30 * time.Millisecond,
		Cooldown:         time.Minute,
	})
	b.Failure()
	b.Failure()
	time.Sleep(40 * time.Millisecond) // both fall out of the window
	b.Failure()
	if b.State() != CircuitClosed {
		t.Error("stale failures counted toward the threshold")
	}
}

// --- BreakerSet tests ---

func TestBreakerSetIsolatesNames(t *testing.T) {
	s := NewBreakerSet(BreakerConfig{FailureThreshold: 1, Cooldown: time.Minute})
	s.Get("a").Failure()
	if s.Get("a").State() != CircuitOpen {
		t.Fatal("a should be open")
	}
	if s.Get("b").State() != CircuitClosed {
		t.Error("b should be unaffected")
	}
	if len(s.Snapshots()) != 2 {
		t.Errorf("snapshots = %d, want 2", len(s.Snapshots()))
	}
}

func TestBreakerSetTransitionCallback(t *testing.T) {
	s := NewBreakerSet(BreakerConfig{FailureThreshold: 1, Cooldown: time.Minute})
	got := make(chan string, 1)
	s.OnTransition = func(name string, from, to CircuitState) {
		if to == CircuitOpen {
			got <- name
		}
	}
	s.Get("chat.send").Failure()
	select {
	case name := <-got:
		if name != "chat.send" {
			t.Errorf("callback name = %s", name)
		}
	case <-time.After(time.Second):
		t.Fatal("transition callback never fired")
	}
}
