// Package shutdownqueue is a process-wide LIFO queue of teardown tasks.
// The entrypoint registers resources as it opens them (HTTP server, store
// connection) and drains the queue once at the end of main, so the last
// thing opened is the first thing closed:
//
//	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
//	defer cancel()
//	defer shutdownqueue.Shutdown(ctx)
//
// Tasks run once, in reverse registration order, with panics recovered.
// Shutdown is idempotent; task errors come back joined via errors.Join.
package shutdownqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Task is one teardown step. It must honor ctx and report an error when it
// cannot finish.
type Task func(ctx context.Context) error

type queue struct {
	mu     sync.Mutex
	tasks  []Task
	closed bool
}

var (
	q         *queue
	onceSetup sync.Once
)

func init() {
	onceSetup.Do(func() {
		q = &queue{tasks: make([]Task, 0, 8)}
	})
}

// Add registers a task to run on Shutdown, in LIFO order. Safe from any
// goroutine. A nil task, or an Add after shutdown has begun, is a no-op.
func Add(t Task) {
	if t == nil {
		return
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}

	q.tasks = append(q.tasks, t)
}

// Shutdown drains the registered tasks in LIFO order. Only the first call
// does work; later calls are no-ops. When ctx ends mid-drain, Shutdown
// stops early and the returned error joins the context error with any task
// errors collected so far.
func Shutdown(ctx context.Context) error {
	// Take ownership of the task list and mark the queue closed in one
	// critical section.
	q.mu.Lock()

	if q.closed && len(q.tasks) == 0 {
		q.mu.Unlock()

		return nil
	}

	q.closed = true

	tasks := q.tasks

	q.tasks = nil

	q.mu.Unlock()

	var errs []error

	for i := len(tasks) - 1; i >= 0; i-- {
		select {
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("shutdown canceled: %w", ctx.Err()))

			return errors.Join(errs...)
		default:
		}

		// A panicking task must not take the rest of the drain down.
		func(t Task) {
			defer func() {
				r := recover()
				if r != nil {
					errs = append(errs, fmt.Errorf("panic in shutdown task: %v", r))
				}
			}()

			err := t(ctx)
			if err != nil {
				errs = append(errs, err)
			}
		}(tasks[i])
	}

	return errors.Join(errs...)
}
