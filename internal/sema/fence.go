package sema

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/msageha/devq/internal/model"
)

// Fence reports the result of one dispatch to its submitter. It can be attached to at
// most one outstanding dispatch at a time and is reusable across cycles.
type Fence struct {
	id string

	mu       sync.Mutex
	signaled bool
	attached bool
	result   error
	done     chan struct{}
}

func NewFence() *Fence {
	return &Fence{
		id:   model.MustGenerateID(model.IDTypeFence),
		done: make(chan struct{}),
	}
}

func (f *Fence) ID() string { return f.id }

// Reset clears the previous cycle's result.
func (f *Fence) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resetLocked()
}

func (f *Fence) resetLocked() {
	if f.signaled {
		f.done = make(chan struct{})
	}
	f.signaled = false
	f.result = nil
}

// Attach reserves the fence for a new dispatch. The previous cycle's result stays
// visible until the dispatch is admitted and the fence is Reset.
func (f *Fence) Attach() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.attached {
		return fmt.Errorf("fence %s: %w", f.id, ErrFenceInUse)
	}
	f.attached = true
	return nil
}

// Detach releases a fence whose dispatch was rejected before it was queued.
func (f *Fence) Detach() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attached = false
}

// Signal records the dispatch result. It may be called once per cycle.
func (f *Fence) Signal(result error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.signaled {
		return fmt.Errorf("fence %s: %w", f.id, ErrAlreadyTerminal)
	}
	f.signaled = true
	f.attached = false
	f.result = result
	close(f.done)
	return nil
}

func (f *Fence) Signaled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.signaled
}

// Result is nil until signaled, then the dispatch result.
func (f *Fence) Result() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.result
}

func (f *Fence) Done() <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.done
}

// Wait blocks until the fence is signaled and returns the dispatch result, or ctx.Err().
func (f *Fence) Wait(ctx context.Context) error {
	select {
	case <-f.Done():
		return f.Result()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryWait waits at most timeout. A timeout <= 0 polls.
func (f *Fence) TryWait(timeout time.Duration) (model.WaitResult, error) {
	done := f.Done()
	if timeout <= 0 {
		select {
		case <-done:
			return f.outcome()
		default:
			return model.WaitTimeout, ErrTimeout
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return f.outcome()
	case <-timer.C:
		return model.WaitTimeout, ErrTimeout
	}
}

func (f *Fence) outcome() (model.WaitResult, error) {
	if err := f.Result(); err != nil {
		return model.WaitError, err
	}
	return model.WaitSuccess, nil
}
