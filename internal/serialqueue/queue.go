package serialqueue

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/guestops/guest-pkgd/internal/logging"
)

var log = logging.L("serialqueue")

// Task is a unit of work posted to the queue.
type Task func()

// Queue runs every posted task on a single goroutine, in post order. State
// touched only from tasks therefore needs no locking; this is the execution
// context all package-service transactions run on.
type Queue struct {
	tasks     chan Task
	wg        sync.WaitGroup
	accepting atomic.Bool
	stopOnce  sync.Once
	closeOnce sync.Once
	stopChan  chan struct{}
}

// New creates a queue with a task buffer of queueSize and starts its worker.
func New(queueSize int) *Queue {
	if queueSize < 1 {
		queueSize = 1
	}

	q := &Queue{
		tasks:    make(chan Task, queueSize),
		stopChan: make(chan struct{}),
	}
	q.accepting.Store(true)

	go q.worker()
	return q
}

// Post enqueues a task. Returns false if the queue is stopped or full.
// wg.Add is called here (before enqueue) to prevent a race with Shutdown.
func (q *Queue) Post(task Task) bool {
	if !q.accepting.Load() {
		return false
	}

	q.wg.Add(1)
	select {
	case q.tasks <- task:
		return true
	default:
		q.wg.Done() // undo the Add since task was not enqueued
		log.Warn("task queue full, task rejected")
		return false
	}
}

// PostDelayed posts the task after the given delay. The task is silently
// dropped if the queue has stopped by the time the delay elapses.
func (q *Queue) PostDelayed(delay time.Duration, task Task) {
	if !q.accepting.Load() {
		return
	}
	time.AfterFunc(delay, func() {
		q.Post(task)
	})
}

// Shutdown stops accepting tasks and waits for in-flight and queued tasks to
// complete, respecting the context deadline. After Shutdown returns, the
// worker goroutine has exited or will exit once its current task finishes.
func (q *Queue) Shutdown(ctx context.Context) {
	q.accepting.Store(false)

	q.stopOnce.Do(func() {
		close(q.stopChan)
	})

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("task queue drained")
	case <-ctx.Done():
		log.Warn("task queue drain timed out")
	}

	q.closeOnce.Do(func() {
		close(q.tasks)
	})
}

func (q *Queue) worker() {
	for {
		select {
		case task, ok := <-q.tasks:
			if !ok {
				return
			}
			q.runTask(task)
		case <-q.stopChan:
			// Drain remaining queued tasks
			for {
				select {
				case task, ok := <-q.tasks:
					if !ok {
						return
					}
					q.runTask(task)
				default:
					return
				}
			}
		}
	}
}

// runTask executes a single task with panic recovery. wg.Done is called here
// to match the wg.Add in Post.
func (q *Queue) runTask(task Task) {
	defer q.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			log.Error("task panicked", "panic", r, "stack", string(debug.Stack()))
		}
	}()
	task()
}
