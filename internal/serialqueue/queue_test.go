package serialqueue

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestTasksRunInPostOrder(t *testing.T) {
	q := New(16)
	var order []int
	done := make(chan struct{})

	for i := 0; i < 5; i++ {
		i := i
		if !q.Post(func() { order = append(order, i) }) {
			t.Fatalf("Post %d failed", i)
		}
	}
	q.Post(func() { close(done) })

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("tasks did not complete")
	}

	for i, got := range order {
		if got != i {
			t.Fatalf("order[%d] = %d, want %d", i, got, i)
		}
	}
}

func TestPostAfterShutdownReturnsFalse(t *testing.T) {
	q := New(1)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	q.Shutdown(ctx)

	if q.Post(func() {}) {
		t.Fatal("Post after Shutdown should return false")
	}
}

func TestPostDelayedFires(t *testing.T) {
	q := New(4)
	var fired atomic.Bool
	done := make(chan struct{})

	q.PostDelayed(10*time.Millisecond, func() {
		fired.Store(true)
		close(done)
	})

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("delayed task never ran")
	}
	if !fired.Load() {
		t.Fatal("delayed task did not run")
	}
}

func TestQueueFullReturnsFalse(t *testing.T) {
	q := New(1)
	blocker := make(chan struct{})
	q.Post(func() { <-blocker })

	time.Sleep(10 * time.Millisecond) // let the worker pick up the first task
	q.Post(func() {})                 // fills the buffer (size 1)

	if q.Post(func() {}) {
		t.Fatal("Post should return false when the buffer is full")
	}

	close(blocker)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	q.Shutdown(ctx)
}

func TestShutdownRunsQueuedTasks(t *testing.T) {
	q := New(16)
	var count atomic.Int32
	for i := 0; i < 5; i++ {
		q.Post(func() { count.Add(1) })
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	q.Shutdown(ctx)

	if got := count.Load(); got != 5 {
		t.Fatalf("count = %d, want 5", got)
	}
}
