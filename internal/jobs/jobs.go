// Package jobs wraps the engine's long-running, chunked operations
// (backfill, cascade, repair, bundle import/export) in a single
// cooperative-cancellation shape: a context, a pause/cancel flag the task
// polls between chunks, and a bounded progress channel that drops the
// oldest pending update rather than blocking the worker when a slow
// subscriber falls behind. Built on golang.org/x/sync/errgroup for the
// cancellation propagation itself.
package jobs

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// Status is a job's terminal state.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
)

// Result is returned by Run once the task function returns.
type Result struct {
	Status Status
	Err    error
}

// Handle lets a caller watch and cancel a running job.
type Handle struct {
	cancelFlag *atomic.Bool
	progress   chan any
	done       chan Result
}

// Cancel raises the cooperative cancellation flag. The task observes it at
// its next chunk boundary; Cancel does not interrupt an in-flight chunk.
func (h *Handle) Cancel() { h.cancelFlag.Store(true) }

// Progress returns the channel the task publishes progress updates on. It is
// closed when the task finishes. Capacity is bounded: if the subscriber
// falls behind, the oldest unread update is dropped to make room for the
// newest one, so a stalled reader never backpressures the worker.
func (h *Handle) Progress() <-chan any { return h.progress }

// Wait blocks until the task finishes and returns its Result. Wait may be
// called only once.
func (h *Handle) Wait() Result { return <-h.done }

// TaskFunc is a long-running operation's body. cancelled reports whether the
// caller has asked to stop; emit publishes a progress value, subject to the
// drop-oldest bound described on Handle.Progress.
type TaskFunc func(ctx context.Context, cancelled func() bool, emit func(any)) error

// progressBufferSize bounds how many unread progress updates Run will queue
// before dropping the oldest to admit a new one.
const progressBufferSize = 8

// Run starts fn on its own goroutine and returns a Handle to observe or
// cancel it. The group's context is cancelled if fn returns a non-nil error,
// matching errgroup's fail-fast semantics; a cooperative Cancel is a
// different, non-erroring path: fn must check cancelled() and return nil
// (not an error) to report a clean StatusCancelled.
func Run(ctx context.Context, fn TaskFunc) *Handle {
	h := &Handle{
		cancelFlag: &atomic.Bool{},
		progress:   make(chan any, progressBufferSize),
		done:       make(chan Result, 1),
	}

	g, gctx := errgroup.WithContext(ctx)
	cancelledByCaller := false

	g.Go(func() error {
		err := fn(gctx, h.cancelFlag.Load, func(v any) {
			select {
			case h.progress <- v:
			default:
				select {
				case <-h.progress:
				default:
				}
				select {
				case h.progress <- v:
				default:
				}
			}
		})
		if err == nil && h.cancelFlag.Load() {
			cancelledByCaller = true
		}
		return err
	})

	go func() {
		err := g.Wait()
		close(h.progress)
		switch {
		case err != nil:
			h.done <- Result{Status: StatusFailed, Err: err}
		case cancelledByCaller:
			h.done <- Result{Status: StatusCancelled}
		default:
			h.done <- Result{Status: StatusCompleted}
		}
		close(h.done)
	}()

	return h
}
