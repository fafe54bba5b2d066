package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var ErrBusClosed = errors.New("bus closed")

// LaggedError is returned by recv when a subscriber fell behind the ring
// and Skipped values were overwritten before it could read them. The
// subscription remains usable.
type LaggedError struct {
	Skipped uint64
}

func (e *LaggedError) Error() string {
	return fmt.Sprintf("subscriber lagged, skipped %d", e.Skipped)
}

// bus is a broadcast channel. Every value published is seen once by every
// subscriber that existed at publish time, unless that subscriber lags
// more than the ring's capacity behind. Publishing never blocks.
type bus[T any] struct {
	name string

	mu          sync.Mutex // Protects everything below
	ring        []T
	head        uint64        // Sequence number of the next publish
	wake        chan struct{} // Closed and replaced on every publish
	subscribers int
	closed      bool
}

type subscription[T any] struct {
	b      *bus[T]
	next   uint64
	closed bool
}

func newBus[T any](name string, capacity int) *bus[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &bus[T]{
		name: name,
		ring: make([]T, capacity),
		wake: make(chan struct{}),
	}
}

// publish stores v and wakes subscribers. It returns the number of
// subscribers that will see v; with none, v is dropped.
func (b *bus[T]) publish(v T) int {
	b.mu.Lock()
	if b.closed || b.subscribers == 0 {
		b.mu.Unlock()
		mark("bus."+b.name+".drops", 1)
		return 0
	}
	b.ring[b.head%uint64(len(b.ring))] = v
	b.head++
	close(b.wake)
	b.wake = make(chan struct{})
	n := b.subscribers
	b.mu.Unlock()
	incr("bus."+b.name+".published", 1)
	return n
}

// subscribe returns a subscription starting after the latest publish.
func (b *bus[T]) subscribe() *subscription[T] {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers++
	return &subscription[T]{b: b, next: b.head}
}

func (b *bus[T]) receivers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.subscribers
}

// close stops publication. Subscribers drain what is retained, then get
// ErrBusClosed.
func (b *bus[T]) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.wake)
}

// recv waits for the next value.
func (s *subscription[T]) recv(ctx context.Context) (T, error) {
	var zero T
	b := s.b
	size := uint64(len(b.ring))
	for {
		b.mu.Lock()
		if s.closed {
			b.mu.Unlock()
			return zero, ErrBusClosed
		}
		if s.next < b.head {
			if b.head-s.next > size {
				oldest := b.head - size
				skipped := oldest - s.next
				s.next = oldest
				b.mu.Unlock()
				incr("bus."+b.name+".lagged", int64(skipped))
				return zero, &LaggedError{Skipped: skipped}
			}
			v := b.ring[s.next%size]
			s.next++
			b.mu.Unlock()
			return v, nil
		}
		if b.closed {
			b.mu.Unlock()
			return zero, ErrBusClosed
		}
		wake := b.wake
		b.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}

// close unsubscribes. Safe to call more than once.
func (s *subscription[T]) close() {
	b := s.b
	b.mu.Lock()
	defer b.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	b.subscribers--
}
