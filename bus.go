package bridgekeeper

import (
	"sync"
)

// Bus is a non-blocking broadcast bus with bounded per-subscriber buffers.
// Publishing never blocks: when a subscriber's buffer is full the oldest
// queued item is dropped to make room and the subscriber's lag counter is
// incremented. Subscribers whose lag passes MaxLag are unsubscribed and
// receive a closed channel — the ConsumerLagged signal. Delivery is ordered
// per subscriber; no cross-subscriber ordering is guaranteed.
//
// The subscription registry is copy-on-write: Publish walks an immutable
// slice, so updates (rare) never contend with the hot path.
type Bus[T any] struct {
	mu     sync.Mutex
	subs   []*subscriber[T] // copy-on-write
	maxLag int64

	// OnLagged, if set, is called (asynchronously) with the subscriber name
	// when it is evicted for lagging.
	OnLagged func(name string)
}

type subscriber[T any] struct {
	name string
	ch   chan T

	mu     sync.Mutex
	lag    int64
	closed bool
}

// NewBus creates a bus. maxLag bounds how many drops a subscriber may
// accumulate before eviction; 0 means never evict.
func NewBus[T any](maxLag int64) *Bus[T] {
	return &Bus[T]{maxLag: maxLag}
}

// Subscribe registers a named subscriber with the given buffer size and
// returns its receive channel. The channel is closed on Unsubscribe or
// eviction.
func (b *Bus[T]) Subscribe(name string, buf int) <-chan T {
	if buf <= 0 {
		buf = 16
	}
	s := &subscriber[T]{name: name, ch: make(chan T, buf)}
	b.mu.Lock()
	next := make([]*subscriber[T], len(b.subs), len(b.subs)+1)
	copy(next, b.subs)
	b.subs = append(next, s)
	b.mu.Unlock()
	return s.ch
}

// Unsubscribe removes the subscriber owning ch and closes it. Unknown
// channels are a no-op.
func (b *Bus[T]) Unsubscribe(ch <-chan T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.ch == ch {
			b.removeLocked(i)
			return
		}
	}
}

func (b *Bus[T]) removeLocked(i int) {
	s := b.subs[i]
	next := make([]*subscriber[T], 0, len(b.subs)-1)
	next = append(next, b.subs[:i]...)
	next = append(next, b.subs[i+1:]...)
	b.subs = next
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	s.mu.Unlock()
}

// Publish delivers v to every subscriber. Safe to call on a nil bus.
func (b *Bus[T]) Publish(v T) {
	if b == nil {
		return
	}
	b.mu.Lock()
	subs := b.subs
	b.mu.Unlock()

	var evict []*subscriber[T]
	for _, s := range subs {
		if !s.send(v) {
			continue
		}
		s.mu.Lock()
		lagged := b.maxLag > 0 && s.lag >= b.maxLag
		s.mu.Unlock()
		if lagged {
			evict = append(evict, s)
		}
	}
	for _, s := range evict {
		b.evict(s)
	}
}

// send enqueues v, dropping the oldest queued item if the buffer is full.
// Returns true if a drop occurred.
func (s *subscriber[T]) send(v T) (dropped bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- v:
		return false
	default:
	}
	// Full: make room by discarding the oldest, then enqueue.
	select {
	case <-s.ch:
		s.lag++
		dropped = true
	default:
	}
	select {
	case s.ch <- v:
	default:
	}
	return dropped
}

func (b *Bus[T]) evict(s *subscriber[T]) {
	b.mu.Lock()
	for i, cur := range b.subs {
		if cur == s {
			b.removeLocked(i)
			break
		}
	}
	b.mu.Unlock()
	if b.OnLagged != nil {
		go b.OnLagged(s.name)
	}
}

// Lag returns the drop count for the subscriber owning ch, or 0.
func (b *Bus[T]) Lag(ch <-chan T) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.subs {
		if s.ch == ch {
			s.mu.Lock()
			defer s.mu.Unlock()
			return s.lag
		}
	}
	return 0
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus[T]) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
