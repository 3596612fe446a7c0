// Package watch implements a single-cell, latest-value broadcast channel: one
// sender publishes successive values, and any number of receivers observe a
// coalesced, order-preserving prefix of what was published.
//
// Closure is asymmetric, matching the ownership model this package is ported
// from: the sender holds only a weak reference to the shared state, so it
// never keeps it alive once every receiver is gone. Because the weak reference
// only clears after a garbage collection, the state also counts live receiver
// handles, so an explicit [Receiver.Close] of the last one is seen at once.
// Going the other way — the sender giving up — is signaled by a sticky bit
// packed into the low bit of the version counter.
package watch

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"weak"

	"wmp/internal/gate"
)

// ErrClosed is returned by Broadcast once every receiver has gone, or by the
// sender's own side once it has closed itself.
var ErrClosed = errors.New("watch: channel is closed")

// closedBit is bit 0 of the version counter: sticky once set by the sender's
// own Close, never cleared. Published versions always leave it unset and
// advance in steps of 2, so masking it off with &^ (never a bitwise negation)
// recovers the version a receiver should compare against.
const closedBit = uint64(1)

type core[T any] struct {
	rw    sync.RWMutex
	value T

	// version packs the sender's sticky close bit (bit 0) with a monotone
	// publish counter (every other bit). It lives in its own atomic word;
	// writers update it while holding rw exclusively, and Recv and TryRecv
	// load it while holding rw's read lock, so a receiver reads the version
	// and the value it belongs to together.
	version atomic.Uint64

	update  gate.Gate // broadcast by Broadcast and by the sender's Close
	allGone gate.Gate // broadcast once the last receiver handle is gone

	liveReceivers atomic.Int32
}

// Sender is the single producing handle of a watch channel. Unlike MPSC and
// ONESHOT's senders, Sender holds only a weak reference to the channel's
// state: it never keeps the channel alive on its own.
type Sender[T any] struct {
	ref weak.Pointer[core[T]]
}

// Receiver is a consuming handle of a watch channel. Receivers may be
// cloned; a clone inherits its parent's view, so it does not spuriously
// observe updates its parent had already seen.
type Receiver[T any] struct {
	c *core[T]

	seenVersion atomic.Uint64
	cleanup     runtime.Cleanup
	closed      atomic.Bool
}

// Borrowed is a scoped read-only view of a watch channel's current value,
// obtained from [Receiver.Borrow]. It holds the channel's read lock until
// Release is called; failing to call Release leaks that lock, blocking the
// sender's next Broadcast indefinitely.
type Borrowed[T any] struct {
	value   T
	release func()
}

// Value returns the borrowed value.
func (b *Borrowed[T]) Value() T { return b.value }

// Release releases the read lock held by this borrow. Release is idempotent;
// calling it more than once has no additional effect.
func (b *Borrowed[T]) Release() {
	if b.release != nil {
		b.release()
		b.release = nil
	}
}

// Create constructs a new watch channel holding init, and returns its sender
// and receiver. The initial published version is 2; a freshly-created
// receiver's seen version is 0, so its first Recv immediately observes init.
func Create[T any](init T) (*Sender[T], *Receiver[T]) {
	c := &core[T]{value: init}
	c.version.Store(2)
	c.liveReceivers.Store(1)
	// Eagerly materialize both gates' channels while no receiver can yet
	// observe c, so later Chan() calls made under a shared RLock never race
	// against the lazy-init write Gate would otherwise need to do.
	c.update.Chan()
	c.allGone.Chan()

	r := &Receiver[T]{c: c}
	r.cleanup = runtime.AddCleanup(r, receiverDropped[T], c)
	return &Sender[T]{ref: weak.Make(c)}, r
}

func receiverDropped[T any](c *core[T]) {
	if c.liveReceivers.Add(-1) == 0 {
		c.rw.Lock()
		c.allGone.Broadcast()
		c.rw.Unlock()
	}
}

// Broadcast publishes v to every receiver. It reports [ErrClosed] if every
// receiver has already gone, or if the sender itself has already closed.
func (s *Sender[T]) Broadcast(v T) error {
	c := s.ref.Value()
	if c == nil || c.liveReceivers.Load() == 0 {
		return ErrClosed
	}

	c.rw.Lock()
	cur := c.version.Load()
	if cur&closedBit != 0 {
		c.rw.Unlock()
		return ErrClosed
	}
	c.value = v
	c.version.Store((cur &^ closedBit) + 2)
	c.update.Broadcast()
	c.rw.Unlock()
	return nil
}

// Closed reports whether every receiver handle has gone: either explicitly
// closed, or (once the garbage collector has caught up) simply dropped.
func (s *Sender[T]) Closed() bool {
	c := s.ref.Value()
	return c == nil || c.liveReceivers.Load() == 0
}

// Close closes the sending side: it sets the channel's sticky closed bit and
// wakes every receiver currently blocked in Recv, each of which will observe
// the closure after delivering any update it had not yet seen. Close is a
// no-op if the channel's receivers are already all gone.
func (s *Sender[T]) Close() {
	c := s.ref.Value()
	if c == nil {
		return
	}
	c.rw.Lock()
	c.version.Store(c.version.Load() | closedBit)
	c.update.Broadcast()
	c.rw.Unlock()
}

// WaitClosed blocks until every receiver handle has gone, or until ctx ends.
func (s *Sender[T]) WaitClosed(ctx context.Context) error {
	for {
		c := s.ref.Value()
		if c == nil {
			return nil
		}

		// Check the count under the read lock: receiverDropped broadcasts
		// allGone under the exclusive lock, so it cannot slip in between
		// this check and the Chan call.
		c.rw.RLock()
		if c.liveReceivers.Load() == 0 {
			c.rw.RUnlock()
			return nil
		}
		ch := c.allGone.Chan()
		c.rw.RUnlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Clone returns a new receiver sharing r's channel. The clone's seen version
// starts equal to r's current seen version, so it does not immediately
// report an update for a value r has already observed.
func (r *Receiver[T]) Clone() *Receiver[T] {
	r.c.liveReceivers.Add(1)
	nr := &Receiver[T]{c: r.c}
	nr.seenVersion.Store(r.seenVersion.Load())
	nr.cleanup = runtime.AddCleanup(nr, receiverDropped[T], r.c)
	return nr
}

// Borrow returns a scoped view of the current value, holding the channel's
// read lock until the returned [Borrowed] is released. Multiple concurrent
// borrows may coexist; an outstanding borrow blocks the sender's next
// Broadcast.
func (r *Receiver[T]) Borrow() *Borrowed[T] {
	r.c.rw.RLock()
	v := r.c.value
	return &Borrowed[T]{value: v, release: r.c.rw.RUnlock}
}

// BorrowFunc invokes fn with the current value under the channel's read
// lock, releasing it automatically before BorrowFunc returns. Prefer this
// over [Receiver.Borrow] when the scope of use is a single call, since it
// cannot be forgotten.
func (r *Receiver[T]) BorrowFunc(fn func(T)) {
	r.c.rw.RLock()
	defer r.c.rw.RUnlock()
	fn(r.c.value)
}

// Recv blocks until a value more recent than the last one this receiver
// observed is published, or the channel closes, and returns it. If an
// update became available in the same moment the channel was also closed,
// Recv still delivers that update; the closure itself is reported on the
// receiver's next call.
func (r *Receiver[T]) Recv() (T, bool) {
	return r.recv(context.Background())
}

// RecvContext behaves like [Receiver.Recv], but also returns (zero, false)
// if ctx ends before an update is available.
func (r *Receiver[T]) RecvContext(ctx context.Context) (T, bool) {
	return r.recv(ctx)
}

func (r *Receiver[T]) recv(ctx context.Context) (out T, ok bool) {
	c := r.c
	for {
		c.rw.RLock()
		pub := c.version.Load()
		seen := r.seenVersion.Load()

		if pub&^closedBit != seen {
			out = c.value
			newSeen := pub &^ closedBit
			c.rw.RUnlock()
			r.seenVersion.Store(newSeen)
			return out, true
		}
		if pub&closedBit != 0 {
			c.rw.RUnlock()
			return out, false
		}

		ch := c.update.Chan()
		c.rw.RUnlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return out, false
		}
	}
}

// TryRecv returns an update more recent than the one this receiver last
// observed, without blocking. It reports ok == false both when nothing new
// has been published and when the channel has closed with nothing left to
// deliver; callers that need to tell those apart should use [Receiver.Recv].
func (r *Receiver[T]) TryRecv() (out T, ok bool) {
	c := r.c
	c.rw.RLock()
	defer c.rw.RUnlock()

	pub := c.version.Load()
	seen := r.seenVersion.Load()
	if pub&^closedBit == seen {
		return out, false
	}
	out = c.value
	r.seenVersion.Store(pub &^ closedBit)
	return out, true
}

// Close explicitly closes this receiver handle, dropping its share of the
// channel. Once every receiver handle has been closed (or collected),
// [Sender.Broadcast] reports [ErrClosed] and [Sender.Closed] reports true.
// Close is idempotent.
func (r *Receiver[T]) Close() {
	if !r.closed.CompareAndSwap(false, true) {
		return
	}
	r.cleanup.Stop()
	receiverDropped(r.c)
}
