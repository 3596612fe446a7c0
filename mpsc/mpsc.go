// Package mpsc implements a bounded multi-producer single-consumer queue.
//
// A channel created by [Create] has many senders (obtained by calling
// [Sender.Clone]) and exactly one receiver. Values flow in FIFO order within
// the submissions of a single sender; no ordering is promised between
// distinct senders beyond whatever interleaving the underlying wakeup
// discipline happens to produce.
package mpsc

import (
	"context"
	"errors"
	"sync"
	"time"

	"wmp/internal/gate"
)

// ErrTimeout is returned by the *Timeout operations when the bound elapses
// before the operation could complete.
var ErrTimeout = errors.New("mpsc: timed out")

// core is the state shared by every sender and the receiver of a channel.
type core[T any] struct {
	mu sync.Mutex

	nonfull  gate.Gate // signaled when the queue has room for a new value
	nonempty gate.Gate // signaled when the queue has a value to take

	buf      []T
	capacity int
}

// Sender is the producing handle of an MPSC channel. A Sender may be cloned
// to give additional producers access to the same channel.
type Sender[T any] struct {
	c *core[T]
}

// Receiver is the consuming handle of an MPSC channel. There is exactly one
// receiver per channel; it is never cloned.
type Receiver[T any] struct {
	c *core[T]
}

// Create constructs a new bounded MPSC channel with the given capacity and
// returns its sender and receiver. Create panics if capacity < 1.
func Create[T any](capacity int) (*Sender[T], *Receiver[T]) {
	if capacity < 1 {
		panic("mpsc: capacity must be at least 1")
	}
	c := &core[T]{capacity: capacity}
	return &Sender[T]{c: c}, &Receiver[T]{c: c}
}

// Clone returns a new sender sharing s's underlying channel. Senders
// obtained this way submit independently; FIFO order is only guaranteed
// within the values sent by a single Sender.
func (s *Sender[T]) Clone() *Sender[T] { return &Sender[T]{c: s.c} }

// Send blocks until the queue has room for v, then appends it and returns
// nil. Send never fails other than by blocking forever if the receiver never
// makes room; use [Sender.SendTimeout] or [Sender.SendContext] for a bounded
// wait.
func (s *Sender[T]) Send(v T) error {
	c := s.c
	c.mu.Lock()
	for len(c.buf) >= c.capacity {
		ch := c.nonfull.Chan()
		c.mu.Unlock()
		<-ch
		c.mu.Lock()
	}
	c.buf = append(c.buf, v)
	c.nonempty.Broadcast()
	c.mu.Unlock()
	return nil
}

// SendTimeout behaves like [Sender.Send], but reports [ErrTimeout] if d
// elapses before the queue has room. If SendTimeout reports a nil error, v
// has been enqueued.
func (s *Sender[T]) SendTimeout(v T, d time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return s.sendWait(ctx, v, ErrTimeout)
}

// SendContext behaves like [Sender.Send], but returns ctx.Err() if ctx ends
// before the queue has room.
func (s *Sender[T]) SendContext(ctx context.Context, v T) error {
	return s.sendWait(ctx, v, nil)
}

// sendWait waits for room, bounded by ctx. timeoutErr, if non-nil, is
// reported instead of ctx.Err() when ctx ends (used by SendTimeout to report
// the package's own ErrTimeout rather than a raw context error).
func (s *Sender[T]) sendWait(ctx context.Context, v T, timeoutErr error) error {
	c := s.c
	c.mu.Lock()
	for len(c.buf) >= c.capacity {
		ch := c.nonfull.Chan()
		c.mu.Unlock()

		select {
		case <-ch:
			c.mu.Lock()
		case <-ctx.Done():
			if timeoutErr != nil {
				return timeoutErr
			}
			return ctx.Err()
		}
	}
	c.buf = append(c.buf, v)
	c.nonempty.Broadcast()
	c.mu.Unlock()
	return nil
}

// TrySend appends v without blocking, and reports whether it did so. TrySend
// never modifies the queue when it reports false.
func (s *Sender[T]) TrySend(v T) bool {
	c := s.c
	c.mu.Lock()
	if len(c.buf) >= c.capacity {
		c.mu.Unlock()
		return false
	}
	c.buf = append(c.buf, v)
	c.nonempty.Broadcast()
	c.mu.Unlock()
	return true
}

// Recv blocks until the queue is nonempty, then returns and removes the
// front value.
func (r *Receiver[T]) Recv() T {
	c := r.c
	c.mu.Lock()
	for len(c.buf) == 0 {
		ch := c.nonempty.Chan()
		c.mu.Unlock()
		<-ch
		c.mu.Lock()
	}
	v := c.buf[0]
	c.buf = c.buf[1:]
	c.nonfull.Broadcast()
	c.mu.Unlock()
	return v
}

// RecvTimeout behaves like [Receiver.Recv], but reports ok == false if d
// elapses before a value is available.
func (r *Receiver[T]) RecvTimeout(d time.Duration) (v T, ok bool) {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return r.recvWait(ctx)
}

// RecvContext behaves like [Receiver.Recv], but reports ok == false if ctx
// ends before a value is available.
func (r *Receiver[T]) RecvContext(ctx context.Context) (v T, ok bool) {
	return r.recvWait(ctx)
}

func (r *Receiver[T]) recvWait(ctx context.Context) (v T, ok bool) {
	c := r.c
	c.mu.Lock()
	for len(c.buf) == 0 {
		ch := c.nonempty.Chan()
		c.mu.Unlock()

		select {
		case <-ch:
			c.mu.Lock()
		case <-ctx.Done():
			return v, false
		}
	}
	v = c.buf[0]
	c.buf = c.buf[1:]
	c.nonfull.Broadcast()
	c.mu.Unlock()
	return v, true
}

// TryRecv returns the front value if one is present, without blocking.
func (r *Receiver[T]) TryRecv() (v T, ok bool) {
	c := r.c
	c.mu.Lock()
	if len(c.buf) == 0 {
		c.mu.Unlock()
		return v, false
	}
	v = c.buf[0]
	c.buf = c.buf[1:]
	c.nonfull.Broadcast()
	c.mu.Unlock()
	return v, true
}

// Len returns the number of values currently queued. It is a snapshot and
// may be stale by the time the caller observes it.
func (r *Receiver[T]) Len() int {
	c := r.c
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buf)
}
