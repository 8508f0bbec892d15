// Package inbox is the bounded multi-producer, single-consumer queue between
// the listeners and the controller.
//
// Producers hold a *Sender each. Senders are cloned from an existing sender
// and released by their owner once it stops producing; when the last one is
// released the queue is closed and the consumer drains what is left. The
// consumer may close its end at any time: every pending or future Send then
// fails with errors.ErrInboxClosed, which is how producers learn to stop.
package inbox

import (
	"context"
	"matrix-client/domain/event"
	"matrix-client/errors"
	"sync"
)

// DefaultCapacity absorbs the burst of events produced by an initial sync.
const DefaultCapacity = 1024

type queue struct {
	events    chan event.Event
	closed    chan struct{}
	closeOnce sync.Once
	mu        sync.Mutex
	senders   int

	// sending is read-held for the whole of a Send and write-held while the
	// events channel is closed, so a Send never races the last Release.
	sending sync.RWMutex
}

// New returns the root sender and the only receiver of a queue holding up to
// capacity pending events.
func New(capacity int) (*Sender, *Receiver) {
	if capacity < 0 {
		capacity = 0
	}
	q := &queue{
		events:  make(chan event.Event, capacity),
		closed:  make(chan struct{}),
		senders: 1,
	}
	return &Sender{queue: q}, &Receiver{queue: q}
}

// Sender is one producer handle. It must be used by a single goroutine and
// released by that goroutine after its last Send.
type Sender struct {
	queue    *queue
	released bool
}

// Clone returns a new independent producer handle on the same queue.
func (s *Sender) Clone() (*Sender, error) {
	s.queue.mu.Lock()
	defer s.queue.mu.Unlock()
	if s.released {
		return nil, errors.ErrSenderReleased
	}
	s.queue.senders++
	return &Sender{queue: s.queue}, nil
}

// Send enqueues evt, blocking while the queue is full.
func (s *Sender) Send(ctx context.Context, evt event.Event) error {
	s.queue.sending.RLock()
	defer s.queue.sending.RUnlock()

	s.queue.mu.Lock()
	released := s.released
	s.queue.mu.Unlock()
	if released {
		return errors.ErrSenderReleased
	}

	// A closed consumer wins over free capacity.
	select {
	case <-s.queue.closed:
		return errors.ErrInboxClosed
	default:
	}

	select {
	case s.queue.events <- evt:
		return nil
	case <-s.queue.closed:
		return errors.ErrInboxClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release drops this handle. Releasing twice is a no-op.
// The last release waits for any in-flight Send before closing the queue.
func (s *Sender) Release() {
	s.queue.mu.Lock()
	if s.released {
		s.queue.mu.Unlock()
		return
	}
	s.released = true
	s.queue.senders--
	last := s.queue.senders == 0
	s.queue.mu.Unlock()

	if last {
		s.queue.sending.Lock()
		close(s.queue.events)
		s.queue.sending.Unlock()
	}
}

// Receiver is the consumer end.
type Receiver struct {
	queue *queue
}

// Recv returns the next event in enqueue order. ok is false once every
// sender is released and the queue is drained, or when ctx is done.
func (r *Receiver) Recv(ctx context.Context) (evt event.Event, ok bool) {
	select {
	case evt, ok = <-r.queue.events:
		return evt, ok
	case <-ctx.Done():
		return nil, false
	}
}

// Close tells every producer to stop. Events still queued stay readable.
func (r *Receiver) Close() {
	r.queue.closeOnce.Do(func() { close(r.queue.closed) })
}

// Closed is closed once the consumer has closed its end.
func (r *Receiver) Closed() <-chan struct{} {
	return r.queue.closed
}

func (r *Receiver) Len() int { return len(r.queue.events) }

func (r *Receiver) Cap() int { return cap(r.queue.events) }
