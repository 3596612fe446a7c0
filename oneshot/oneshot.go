// Package oneshot implements a single-shot rendezvous channel: exactly one
// value flows from one sender to one receiver, after which the channel is
// terminally closed.
//
// The channel is driven by a six-state machine (see [state]) ported from the
// reference C++ implementation this module is based on, corrected per two
// bugs documented in its design notes: Close never overwrites a state in
// which a value has already been consumed, and the receiver's wait loop
// checks the state the receiver itself sets, not the state the sender sets
// on the complementary path.
package oneshot

import (
	"context"
	"errors"
	"sync"

	"wmp/internal/gate"
)

// ErrClosed is returned by send operations once the channel has reached a
// terminal state: closed by either side, or its one value already consumed.
// A SendSync that reports ErrClosed did not deliver its value.
var ErrClosed = errors.New("oneshot: channel is closed")

// state is the core's six-value state machine. Transitions happen only
// under the core's mutex.
type state int

const (
	stateInit       state = iota // nothing sent, no one waiting
	stateSent                    // value present, receiver hasn't taken it; sender didn't block
	stateWaitRecv                // sender left a value and is blocked in SendSync
	stateWaitSend                // receiver is blocked awaiting a value
	stateClosed                  // closed without a value being consumed
	stateClosedRecv              // value was successfully consumed
)

func isClosed(s state) bool { return s == stateClosed || s == stateClosedRecv }

// senderBlocked reports whether a sender is currently parked waiting for
// SendSync to complete: either the WAIT_RECV sub-state (synchronous send
// arrived before the receiver), or a SENT value that a synchronous send
// deposited after a receiver was already waiting (pendingSync).
func senderBlocked(s state, pendingSync bool) bool {
	return s == stateWaitRecv || (s == stateSent && pendingSync)
}

type core[T any] struct {
	mu sync.Mutex

	txReady gate.Gate // woken by the receiver: SendSync's completion signal
	rxReady gate.Gate // woken by the sender: a value, or closure, became available

	state state
	value *T

	// pendingSync is true while state == stateSent and the sender that
	// deposited the current value is a SendSync call still blocked waiting
	// for it to be taken (the WAIT_SEND -> SENT transition, where the
	// receiver was already waiting when a synchronous send arrived). It is
	// what lets the receiver's take distinguish that case from an ordinary
	// SendAsync deposit, which never blocks and so never needs a tx_cv wake.
	pendingSync bool
}

// Sender is the single producing handle of a oneshot channel.
type Sender[T any] struct {
	c *core[T]
}

// Receiver is the single consuming handle of a oneshot channel.
type Receiver[T any] struct {
	c *core[T]
}

// Create constructs a new oneshot channel and returns its sender and
// receiver.
func Create[T any]() (*Sender[T], *Receiver[T]) {
	c := &core[T]{}
	return &Sender[T]{c: c}, &Receiver[T]{c: c}
}

// SendAsync deposits value for the receiver and returns immediately,
// without waiting for the receiver to take any action. It reports
// [ErrClosed] if the channel has already been closed by either side.
func (s *Sender[T]) SendAsync(value T) error {
	c := s.c
	c.mu.Lock()
	if isClosed(c.state) {
		c.mu.Unlock()
		return ErrClosed
	}
	c.value = &value
	wasWaiting := c.state == stateWaitSend
	c.state = stateSent
	if wasWaiting {
		c.rxReady.Broadcast()
	}
	c.mu.Unlock()
	return nil
}

// SendSync deposits value for the receiver and blocks until the receiver
// takes it or either side closes the channel. It reports nil only if the
// receiver successfully extracted the value; otherwise it reports
// [ErrClosed].
func (s *Sender[T]) SendSync(value T) error {
	ctx := context.Background()
	return s.sendSync(ctx, value)
}

// SendSyncContext behaves like [Sender.SendSync], but also returns ctx.Err()
// if ctx ends before the receiver takes the value. A context timeout does
// not close the channel; the value remains available (or pending) for a
// later receive.
func (s *Sender[T]) SendSyncContext(ctx context.Context, value T) error {
	return s.sendSync(ctx, value)
}

func (s *Sender[T]) sendSync(ctx context.Context, value T) error {
	c := s.c
	c.mu.Lock()
	if isClosed(c.state) {
		c.mu.Unlock()
		return ErrClosed
	}

	if c.state == stateWaitSend {
		// receiver already waiting on recv(); hand off directly, but this
		// sender still blocks until the receiver actually takes the value.
		c.value = &value
		c.state = stateSent
		c.pendingSync = true
		c.rxReady.Broadcast()
	} else {
		// receiver not yet waiting; leave the value and wait for completion
		c.value = &value
		c.state = stateWaitRecv
	}

	for senderBlocked(c.state, c.pendingSync) {
		ch := c.txReady.Chan()
		c.mu.Unlock()

		select {
		case <-ch:
			c.mu.Lock()
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	final := c.state
	c.mu.Unlock()

	if final == stateClosedRecv {
		return nil
	}
	return ErrClosed
}

// Close explicitly closes the sending side. Once closed, all pending and
// future sends report [ErrClosed]. Close is a no-op if the channel has
// already reached a terminal state (closed, or a value already consumed).
// Close is idempotent and safe to call more than once.
func (s *Sender[T]) Close() {
	c := s.c
	c.mu.Lock()
	if isClosed(c.state) {
		c.mu.Unlock()
		return
	}
	wasReceiverWaiting := c.state == stateWaitSend
	wasSenderBlocked := senderBlocked(c.state, c.pendingSync)
	c.state = stateClosed
	c.pendingSync = false
	if wasReceiverWaiting {
		c.rxReady.Broadcast()
	}
	if wasSenderBlocked {
		c.txReady.Broadcast()
	}
	c.mu.Unlock()
}

// Recv blocks until a value is available or the channel closes, and reports
// the value and true, or the zero value and false.
func (r *Receiver[T]) Recv() (T, bool) {
	ctx := context.Background()
	return r.recv(ctx)
}

// RecvContext behaves like [Receiver.Recv], but also returns (zero, false)
// if ctx ends before a value becomes available. Giving up this way does not
// close the channel.
func (r *Receiver[T]) RecvContext(ctx context.Context) (T, bool) {
	return r.recv(ctx)
}

func (r *Receiver[T]) recv(ctx context.Context) (out T, ok bool) {
	c := r.c
	c.mu.Lock()

	if isClosed(c.state) {
		c.mu.Unlock()
		return out, false
	}

	if c.state == stateSent || c.state == stateWaitRecv {
		out, ok = r.takeLocked()
		c.mu.Unlock()
		return out, ok
	}

	// Nothing ready yet: mark ourselves waiting and block for the sender.
	c.state = stateWaitSend
	for c.state == stateWaitSend {
		ch := c.rxReady.Chan()
		c.mu.Unlock()

		select {
		case <-ch:
			c.mu.Lock()
		case <-ctx.Done():
			// Giving up does not close the channel: the state stays
			// WAIT_SEND so a later Recv call (or the sender, observing it)
			// can still complete the handoff normally.
			return out, false
		}
	}

	if isClosed(c.state) {
		c.mu.Unlock()
		return out, false
	}
	out, ok = r.takeLocked()
	c.mu.Unlock()
	return out, ok
}

// TryRecv returns the value if one is currently available, without
// blocking.
func (r *Receiver[T]) TryRecv() (out T, ok bool) {
	c := r.c
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != stateSent && c.state != stateWaitRecv {
		return out, false
	}
	return r.takeLocked()
}

// takeLocked extracts the pending value and transitions to closedRecv. The
// caller must hold c.mu.
func (r *Receiver[T]) takeLocked() (T, bool) {
	c := r.c
	v := *c.value
	c.value = nil
	wasSenderBlocked := senderBlocked(c.state, c.pendingSync)
	c.state = stateClosedRecv
	c.pendingSync = false
	if wasSenderBlocked {
		c.txReady.Broadcast()
	}
	return v, true
}

// Close explicitly closes the receiving side. Once closed, the sender's
// pending or future sends report [ErrClosed]; SendSync, if blocked, wakes
// and returns that error. Close is a no-op once a value has already been
// consumed or the channel is already closed, and is safe to call more than
// once.
func (r *Receiver[T]) Close() {
	c := r.c
	c.mu.Lock()
	if isClosed(c.state) {
		c.mu.Unlock()
		return
	}
	wasSenderBlocked := senderBlocked(c.state, c.pendingSync)
	wasOwnWait := c.state == stateWaitSend
	c.state = stateClosed
	c.value = nil
	c.pendingSync = false
	if wasSenderBlocked {
		c.txReady.Broadcast()
	}
	if wasOwnWait {
		// A concurrent call closed the channel out from under a blocked Recv
		// on this same receiver; wake it so it observes the closed state.
		c.rxReady.Broadcast()
	}
	c.mu.Unlock()
}
