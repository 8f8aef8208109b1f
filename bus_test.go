package bridgekeeper

import (
	"testing"
	"time"
)

// --- Broadcast bus tests ---

func TestBusDeliversInOrder(t *testing.T) {
	b := NewBus[int](0)
	ch := b.Subscribe("s1", 8)
	for i := 0; i < 5; i++ {
		b.Publish(i)
	}
	for i := 0; i < 5; i++ {
		select {
		case v := <-ch:
			if v != i {
				t.Fatalf("got %d at position %d", v, i)
			}
		case <-time.After(time.Second):
			t.Fatal("delivery stalled")
		}
	}
}

func TestBusPublishNeverBlocks(t *testing.T) {
	b := NewBus[int](0)
	b.Subscribe("slow", 2) // never drained

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.Publish(i)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}
}

func TestBusDropsOldestWhenFull(t *testing.T) {
	b := NewBus[int](0)
	ch := b.Subscribe("s", 2)
	b.Publish(1)
	b.Publish(2)
	b.Publish(3) // drops 1

	if v := <-ch; v != 2 {
		t.Errorf("first = %d, want 2 (oldest dropped)", v)
	}
	if v := <-ch; v != 3 {
		t.Errorf("second = %d, want 3", v)
	}
	if lag := b.Lag(ch); lag != 1 {
		t.Errorf("lag = %d, want 1", lag)
	}
}

func TestBusEvictsPersistentLaggard(t *testing.T) {
	b := NewBus[int](3)
	lagged := make(chan string, 1)
	b.OnLagged = func(name string) { lagged <- name }

	ch := b.Subscribe("laggard", 1)
	for i := 0; i < 10; i++ {
		b.Publish(i)
	}

	select {
	case name := <-lagged:
		if name != "laggard" {
			t.Errorf("evicted %q", name)
		}
	case <-time.After(time.Second):
		t.Fatal("laggard never evicted")
	}

	// Eviction closes the channel once queued items drain.
	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				if b.SubscriberCount() != 0 {
					t.Errorf("subscriber count = %d after eviction", b.SubscriberCount())
				}
				return
			}
		case <-deadline:
			t.Fatal("channel never closed after eviction")
		}
	}
}

func TestBusUnsubscribeClosesChannel(t *testing.T) {
	b := NewBus[string](0)
	ch := b.Subscribe("s", 4)
	b.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Error("channel open after Unsubscribe")
	}
	b.Publish("after") // must not panic on the removed subscriber
}

func TestBusNilSafePublish(t *testing.T) {
	var b *Bus[int]
	b.Publish(1) // no-op
	if b.SubscriberCount() != 0 {
		t.Error("nil bus has subscribers?")
	}
}
