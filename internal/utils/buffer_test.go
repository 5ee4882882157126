package utils

import (
	"sync"
	"testing"
)

func TestNewQueue(t *testing.T) {
	q := NewQueue[int](5)
	if q.capacity != 5 {
		t.Errorf("expected capacity 5, got %d", q.capacity)
	}
	if q.Len() != 0 {
		t.Errorf("expected empty queue, got len %d", q.Len())
	}
}

func TestNewSanitizesNonPositiveCapacity(t *testing.T) {
	for _, capacity := range []int{0, -5} {
		q := New[int](capacity)
		if q.capacity != 1 {
			t.Fatalf("expected sanitized capacity 1 for input %d, got %d", capacity, q.capacity)
		}

		q.Push(1)
		q.Push(2) // overwrites, capacity is 1
		if q.Len() != 1 {
			t.Fatalf("expected len 1 for sanitized queue, got %d", q.Len())
		}

		val, ok := q.Pop()
		if !ok || val != 2 {
			t.Fatalf("expected (2, true) after overwrite, got (%d, %v)", val, ok)
		}
	}
}

func TestPushPop(t *testing.T) {
	q := NewQueue[int](3)

	q.Push(1)
	q.Push(2)
	q.Push(3)

	if q.Len() != 3 {
		t.Errorf("expected len 3, got %d", q.Len())
	}

	for _, want := range []int{1, 2, 3} {
		val, ok := q.Pop()
		if !ok || val != want {
			t.Errorf("expected (%d, true), got (%d, %v)", want, val, ok)
		}
	}

	if _, ok := q.Pop(); ok {
		t.Error("expected pop on drained queue to return false")
	}
}

func TestPushDropsOldest(t *testing.T) {
	q := NewQueue[int](3)

	q.Push(1)
	q.Push(2)
	q.Push(3)
	q.Push(4) // should drop 1

	if q.Len() != 3 {
		t.Errorf("expected len 3, got %d", q.Len())
	}

	for _, want := range []int{2, 3, 4} {
		val, ok := q.Pop()
		if !ok || val != want {
			t.Errorf("expected (%d, true), got (%d, %v)", want, val, ok)
		}
	}
}

func TestPeek(t *testing.T) {
	q := NewQueue[string](2)

	if _, ok := q.Peek(); ok {
		t.Error("expected Peek on empty queue to return false")
	}

	q.Push("a")
	q.Push("b")

	val, ok := q.Peek()
	if !ok || val != "a" {
		t.Errorf("expected (a, true), got (%s, %v)", val, ok)
	}

	if q.Len() != 2 {
		t.Errorf("Peek should not modify queue, len is %d", q.Len())
	}
}

func TestIsEmpty(t *testing.T) {
	q := NewQueue[int](2)

	if !q.IsEmpty() {
		t.Error("new queue should be empty")
	}

	q.Push(1)
	if q.IsEmpty() {
		t.Error("queue with item should not be empty")
	}

	q.Pop()
	if !q.IsEmpty() {
		t.Error("queue after pop should be empty")
	}
}

func TestCapacityOne(t *testing.T) {
	q := NewQueue[int](1)

	q.Push(1)
	q.Push(2) // drops 1

	if q.Len() != 1 {
		t.Errorf("expected len 1, got %d", q.Len())
	}

	val, ok := q.Pop()
	if !ok || val != 2 {
		t.Errorf("expected (2, true), got (%d, %v)", val, ok)
	}
}

func TestManuallyConstructedZeroCapacityQueueDropsSilently(t *testing.T) {
	q := &Queue[int]{}

	q.Push(1)
	q.Push(2)

	if q.Len() != 0 {
		t.Errorf("expected len 0, got %d", q.Len())
	}
	if _, ok := q.Pop(); ok {
		t.Error("expected pop on zero-capacity queue to return false")
	}
}

func TestSnapshot(t *testing.T) {
	q := NewQueue[int](3)
	q.Push(1)
	q.Push(2)
	q.Push(3)
	q.Push(4) // drops 1

	got := q.Snapshot()
	want := []int{2, 3, 4}
	if len(got) != len(want) {
		t.Fatalf("Snapshot() len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Snapshot()[%d] = %d, want %d", i, got[i], want[i])
		}
	}

	// Snapshot is a copy; mutating it must not affect the queue.
	got[0] = 999
	if v, _ := q.Peek(); v == 999 {
		t.Error("Snapshot() should return a copy, not a live view")
	}
}

func TestConcurrentAccess(t *testing.T) {
	q := NewQueue[int](100)
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				q.Push(n*20 + j)
			}
		}(i)
	}

	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				q.Pop()
			}
		}()
	}

	wg.Wait()

	_ = q.Len()
	_ = q.IsEmpty()
}
