package dl

import (
	"context"
	"sync"
	"sync/atomic"
)

// Task is one unit of work for the scheduler.
type Task struct {
	Item       MediaItem
	TargetPath string
}

// Handle tracks a submitted task until it reaches a terminal outcome:
// Complete, Failed, Paused, or left Queued by a shutdown.
type Handle struct {
	Task Task

	ctx       context.Context
	cancel    context.CancelFunc
	cancelled atomic.Bool
	done      chan struct{}

	mu     sync.Mutex
	record *DownloadRecord
	err    error
}

func newHandle(parent context.Context, task Task) *Handle {
	ctx, cancel := context.WithCancel(parent)
	return &Handle{
		Task:   task,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Key identifies the item this handle downloads.
func (h *Handle) Key() Key {
	return h.Task.Item.Key
}

// Cancel asks the worker to stop after the current chunk and leave the
// record Paused. Cancelling a finished task has no effect.
func (h *Handle) Cancel() {
	h.cancelled.Store(true)
	h.cancel()
}

// Done is closed once the task has a result.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Result returns the final record and error. Both are nil until Done is closed.
func (h *Handle) Result() (*DownloadRecord, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.record, h.err
}

// Wait blocks until the task finishes or ctx ends.
func (h *Handle) Wait(ctx context.Context) (*DownloadRecord, error) {
	select {
	case <-h.done:
		return h.Result()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (h *Handle) resolve(rec *DownloadRecord, err error) {
	h.mu.Lock()
	h.record = rec
	h.err = err
	h.mu.Unlock()
	h.cancel()
	close(h.done)
}
