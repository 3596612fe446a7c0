package watch_test

import (
	"context"
	"runtime"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"

	"wmp/watch"
)

func TestInitialRecvObservesInit(t *testing.T) {
	_, rx := watch.Create(1)
	v, ok := rx.Recv()
	if !ok || v != 1 {
		t.Fatalf("Recv: got (%v, %v), want (1, true)", v, ok)
	}
}

func TestRecvCoalescesToLatest(t *testing.T) {
	// E7-style: two broadcasts land before the receiver ever calls recv; it
	// should observe only the most recent one, not an intermediate value.
	tx, rx := watch.Create(0)
	rx.Recv() // consume the initial value

	tx.Broadcast(1)
	tx.Broadcast(2)

	v, ok := rx.Recv()
	if !ok || v != 2 {
		t.Fatalf("Recv: got (%v, %v), want (2, true)", v, ok)
	}
	if _, ok := rx.TryRecv(); ok {
		t.Error("TryRecv reported a value with nothing new published")
	}
}

func TestSenderCloseThenRecv(t *testing.T) {
	// E7: drop sender; receiver recv -> nothing.
	tx, rx := watch.Create(0)
	rx.Recv() // consume init so the closure, not the initial value, is what's left

	tx.Close()
	if _, ok := rx.Recv(); ok {
		t.Error("Recv reported a value after sender closed")
	}
}

func TestCloseDeliversPendingUpdateFirst(t *testing.T) {
	// An update racing with Close is still delivered; closure is reported on
	// the following call, not this one.
	tx, rx := watch.Create(0)
	rx.Recv()

	tx.Broadcast(5)
	tx.Close()

	v, ok := rx.Recv()
	if !ok || v != 5 {
		t.Fatalf("Recv: got (%v, %v), want (5, true)", v, ok)
	}
	if _, ok := rx.Recv(); ok {
		t.Error("second Recv reported a value after closure")
	}
}

func TestAllReceiversGoneClosesSender(t *testing.T) {
	// E8: create, drop all receivers (via explicit Close, the deterministic
	// path); sender's broadcast returns failure and closed() reports true.
	tx, rx := watch.Create(0)
	rx.Close()

	if !tx.Closed() {
		t.Error("Closed: got false, want true after the only receiver closed")
	}
	if err := tx.Broadcast(1); err != watch.ErrClosed {
		t.Errorf("Broadcast: got %v, want ErrClosed", err)
	}
}

func TestCloneInheritsSeenVersion(t *testing.T) {
	tx, rx := watch.Create(0)
	rx.Recv() // seen version now matches the initial publish

	tx.Broadcast(1)
	clone := rx.Clone()

	// The clone was created after the broadcast, so its seen version already
	// reflects the parent's, and it must still observe 1 (it hasn't taken it
	// yet) while the parent, having not recv'd since, also still can.
	v, ok := clone.Recv()
	if !ok || v != 1 {
		t.Fatalf("clone.Recv: got (%v, %v), want (1, true)", v, ok)
	}
	v, ok = rx.Recv()
	if !ok || v != 1 {
		t.Fatalf("rx.Recv: got (%v, %v), want (1, true)", v, ok)
	}
}

func TestCloneDoesNotCloseChannelOnParentClose(t *testing.T) {
	tx, rx := watch.Create(0)
	clone := rx.Clone()
	rx.Close()

	if tx.Closed() {
		t.Error("Closed: got true, want false while the clone is still live")
	}
	clone.Close()
	if !tx.Closed() {
		t.Error("Closed: got false, want true once every receiver has closed")
	}
}

func TestBorrowReflectsCurrentValueWithoutConsuming(t *testing.T) {
	tx, rx := watch.Create("a")

	b := rx.Borrow()
	if b.Value() != "a" {
		t.Fatalf("Borrow: got %q, want %q", b.Value(), "a")
	}
	b.Release()

	tx.Broadcast("b")
	b = rx.Borrow()
	defer b.Release()
	if b.Value() != "b" {
		t.Fatalf("Borrow after update: got %q, want %q", b.Value(), "b")
	}

	// Borrowing does not advance the seen version; recv still reports the
	// same update as new.
	b.Release()
	v, ok := rx.Recv()
	if !ok || v != "b" {
		t.Fatalf("Recv after Borrow: got (%v, %v), want (b, true)", v, ok)
	}
}

func TestBorrowFuncReleasesAutomatically(t *testing.T) {
	tx, rx := watch.Create(1)
	var seen int
	rx.BorrowFunc(func(v int) { seen = v })
	if seen != 1 {
		t.Fatalf("BorrowFunc: got %d, want 1", seen)
	}

	done := make(chan struct{})
	go func() {
		tx.Broadcast(2) // would deadlock if BorrowFunc leaked the read lock
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Broadcast blocked after BorrowFunc returned")
	}
}

func TestRecvBlocksUntilBroadcast(t *testing.T) {
	defer leaktest.Check(t)()

	tx, rx := watch.Create(0)
	rx.Recv() // consume init

	done := make(chan int, 1)
	go func() {
		v, _ := rx.Recv()
		done <- v
	}()

	time.AfterFunc(10*time.Millisecond, func() { tx.Broadcast(42) })

	select {
	case v := <-done:
		if v != 42 {
			t.Errorf("Recv: got %d, want 42", v)
		}
	case <-time.After(time.Second):
		t.Fatal("Recv did not wake on Broadcast")
	}
}

func TestRecvContextTimeout(t *testing.T) {
	defer leaktest.Check(t)()

	_, rx := watch.Create(0)
	rx.Recv() // consume init so this call would otherwise block

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, ok := rx.RecvContext(ctx); ok {
		t.Error("RecvContext reported a value with nothing new published")
	}
}

func TestRecvContextTimeoutThenLaterBroadcastStillWorks(t *testing.T) {
	defer leaktest.Check(t)()

	tx, rx := watch.Create(0)
	rx.Recv()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, ok := rx.RecvContext(ctx); ok {
		t.Fatal("RecvContext reported a value before any broadcast")
	}

	tx.Broadcast(9)
	v, ok := rx.Recv()
	if !ok || v != 9 {
		t.Fatalf("Recv: got (%v, %v), want (9, true)", v, ok)
	}
}

func TestWaitClosedReturnsImmediatelyIfAlreadyClosed(t *testing.T) {
	tx, rx := watch.Create(0)
	rx.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := tx.WaitClosed(ctx); err != nil {
		t.Errorf("WaitClosed: got %v, want nil", err)
	}
}

func TestWaitClosedWakesWhenLastReceiverCloses(t *testing.T) {
	defer leaktest.Check(t)()

	tx, rx := watch.Create(0)
	clone := rx.Clone()

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		done <- tx.WaitClosed(ctx)
	}()

	time.Sleep(10 * time.Millisecond)
	rx.Close()
	time.Sleep(10 * time.Millisecond)
	clone.Close()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("WaitClosed: got %v, want nil", err)
		}
	case <-time.After(time.Second):
		t.Fatal("WaitClosed did not wake once every receiver closed")
	}
}

func TestWaitClosedContextTimeout(t *testing.T) {
	defer leaktest.Check(t)()

	tx, _ := watch.Create(0)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := tx.WaitClosed(ctx); err != context.DeadlineExceeded {
		t.Errorf("WaitClosed: got %v, want context.DeadlineExceeded", err)
	}
}

func TestSenderClosedAfterReceiverHandleCollected(t *testing.T) {
	// Without an explicit Close, closure is still eventually observed once
	// the garbage collector reclaims the only receiver handle.
	tx, rx := watch.Create(0)
	_ = rx
	rx = nil

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		runtime.GC()
		if tx.Closed() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("sender never observed closure after the receiver handle was collected")
}
