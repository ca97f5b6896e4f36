package queue

import (
	"testing"
	"time"
)

func TestPushPopFIFO(t *testing.T) {
	q := NewBounded[int](8)
	for i := 1; i <= 5; i++ {
		if !q.Push(i) {
			t.Fatalf("push %d reported eviction on non-full queue", i)
		}
	}
	if q.Len() != 5 {
		t.Fatalf("len: got %d, want 5", q.Len())
	}
	for i := 1; i <= 5; i++ {
		v, ok := q.TryPop()
		if !ok || v != i {
			t.Fatalf("pop %d: got (%d, %v)", i, v, ok)
		}
	}
	if _, ok := q.TryPop(); ok {
		t.Fatal("pop on empty queue succeeded")
	}
}

func TestOverflowEvictsOldest(t *testing.T) {
	q := NewBounded[int](4)
	for i := 0; i < 10; i++ {
		ok := q.Push(i)
		if i < 4 && !ok {
			t.Fatalf("push %d evicted before the queue was full", i)
		}
		if i >= 4 && ok {
			t.Fatalf("push %d on full queue reported no eviction", i)
		}
	}

	if got := q.Dropped(); got != 6 {
		t.Fatalf("dropped: got %d, want 6", got)
	}
	if q.Len() != 4 {
		t.Fatalf("len after burst: got %d, want 4", q.Len())
	}

	// The survivors are the newest four, still in order.
	for want := 6; want <= 9; want++ {
		v, ok := q.TryPop()
		if !ok || v != want {
			t.Fatalf("survivor: got (%d, %v), want %d", v, ok, want)
		}
	}
}

func TestDroppedCounterIsMonotonic(t *testing.T) {
	q := NewBounded[int](2)
	for i := 0; i < 3; i++ {
		q.Push(i)
	}
	first := q.Dropped()
	q.TryPop()
	q.TryPop()
	if q.Dropped() != first {
		t.Fatalf("dropped changed on pop: %d -> %d", first, q.Dropped())
	}
	q.Push(10)
	q.Push(11)
	q.Push(12)
	if q.Dropped() != first+1 {
		t.Fatalf("dropped after second overflow: got %d, want %d", q.Dropped(), first+1)
	}
}

func TestReadyPulsesOnPush(t *testing.T) {
	q := NewBounded[int](4)
	select {
	case <-q.Ready():
		t.Fatal("ready pulse before any push")
	default:
	}

	q.Push(1)
	select {
	case <-q.Ready():
	case <-time.After(time.Second):
		t.Fatal("no ready pulse after push")
	}

	// Pulses coalesce: one wake may cover several pushes, so the consumer
	// must drain with TryPop until empty.
	q.Push(2)
	q.Push(3)
	<-q.Ready()
	for want := 1; want <= 3; want++ {
		v, ok := q.TryPop()
		if !ok || v != want {
			t.Fatalf("drain after wake: got (%d, %v), want %d", v, ok, want)
		}
	}
}

func TestReadyWakesParkedConsumer(t *testing.T) {
	q := NewBounded[int](4)
	go func() {
		time.Sleep(10 * time.Millisecond)
		q.Push(42)
	}()
	select {
	case <-q.Ready():
	case <-time.After(time.Second):
		t.Fatal("parked consumer was not woken")
	}
	if v, ok := q.TryPop(); !ok || v != 42 {
		t.Fatalf("after wake: got (%d, %v), want (42, true)", v, ok)
	}
}
