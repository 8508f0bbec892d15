// Package stream provides in-process subscription streams. A Feed fans every
// published value out to all of its subscribers; each subscriber buffers
// without bound so a slow reader never blocks the publisher.
package stream

import (
	"context"
	"matrix-client/errors"
	"sync"
)

type Feed[T any] struct {
	mu          sync.Mutex
	subscribers []*Subscription[T]
	closed      bool
}

func NewFeed[T any]() *Feed[T] {
	return &Feed[T]{}
}

// Subscribe returns a subscription receiving every value published after
// the call. Subscribing to a closed feed yields an already closed stream.
func (f *Feed[T]) Subscribe() *Subscription[T] {
	sub := newSubscription[T]()
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		sub.close()
		return sub
	}
	f.subscribers = append(f.subscribers, sub)
	return sub
}

func (f *Feed[T]) Publish(value T) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	for _, sub := range f.subscribers {
		sub.push(value)
	}
}

// Close ends every subscription once its buffered values are drained.
func (f *Feed[T]) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for _, sub := range f.subscribers {
		sub.close()
	}
	f.subscribers = nil
}

// Subscription is a single reader's view of a Feed.
// It is not safe for concurrent use by multiple readers.
type Subscription[T any] struct {
	mu     sync.Mutex
	queue  []T
	closed bool
	signal chan struct{}
}

func newSubscription[T any]() *Subscription[T] {
	return &Subscription[T]{signal: make(chan struct{}, 1)}
}

// Next blocks until a value is available, the feed is closed and drained
// (errors.ErrStreamClosed) or ctx is done.
func (s *Subscription[T]) Next(ctx context.Context) (T, error) {
	var zero T
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			value := s.queue[0]
			s.queue[0] = zero
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return value, nil
		}
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return zero, errors.ErrStreamClosed
		}

		select {
		case <-s.signal:
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}

// Len returns the number of buffered values.
func (s *Subscription[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *Subscription[T]) push(value T) {
	s.mu.Lock()
	s.queue = append(s.queue, value)
	s.mu.Unlock()
	s.wake()
}

func (s *Subscription[T]) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.wake()
}

func (s *Subscription[T]) wake() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}
