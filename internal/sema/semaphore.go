// Package sema provides the signal primitives dispatches are ordered by: binary
// semaphores shared between producer and consumer dispatches, and fences owned by
// the submitter of a single dispatch.
package sema

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/msageha/devq/internal/model"
)

var (
	// ErrTerminated marks a semaphore (or anything waiting on one) whose producer failed
	// or was cancelled.
	ErrTerminated = errors.New("terminated")
	// ErrAlreadyTerminal is returned when signalling a semaphore or fence twice.
	ErrAlreadyTerminal = errors.New("already in terminal state")
	// ErrFenceInUse is returned when a fence is attached to a second outstanding dispatch.
	ErrFenceInUse = errors.New("fence attached to an outstanding dispatch")
	// ErrTimeout is returned by bounded waits that expire.
	ErrTimeout = errors.New("wait timed out")
)

// Semaphore is a binary signal: unsignaled → signaled, or unsignaled → terminated.
// Terminal states are sticky until the owner calls Reset.
type Semaphore struct {
	id string

	mu        sync.Mutex
	state     model.SemaphoreState
	cause     error
	done      chan struct{}
	listeners map[any]func()
}

// New creates an unsignaled semaphore.
func New() *Semaphore {
	return &Semaphore{
		id:    model.MustGenerateID(model.IDTypeSemaphore),
		state: model.SemaphoreUnsignaled,
		done:  make(chan struct{}),
	}
}

func (s *Semaphore) ID() string { return s.id }

func (s *Semaphore) State() model.SemaphoreState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Semaphore) IsSignaled() bool { return s.State() == model.SemaphoreSignaled }

func (s *Semaphore) IsTerminated() bool { return s.State() == model.SemaphoreTerminated }

// Cause returns nil unless the semaphore is terminated, in which case the returned
// error wraps ErrTerminated.
func (s *Semaphore) Cause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cause
}

// Done is closed once the semaphore reaches a terminal state.
func (s *Semaphore) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

func (s *Semaphore) Signal() error {
	return s.finish(model.SemaphoreSignaled, nil)
}

// Terminate marks the semaphore as failed. cause may be nil.
func (s *Semaphore) Terminate(cause error) error {
	err := ErrTerminated
	switch {
	case cause == nil:
	case errors.Is(cause, ErrTerminated):
		err = cause
	default:
		err = fmt.Errorf("%w: %w", ErrTerminated, cause)
	}
	return s.finish(model.SemaphoreTerminated, err)
}

func (s *Semaphore) finish(to model.SemaphoreState, cause error) error {
	s.mu.Lock()
	if err := model.ValidateSemaphoreTransition(s.state, to); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("semaphore %s: %w: %v", s.id, ErrAlreadyTerminal, err)
	}
	s.state = to
	s.cause = cause
	close(s.done)
	listeners := s.listeners
	s.listeners = nil
	s.mu.Unlock()

	// Listeners take their own locks; never call them under s.mu.
	for _, fn := range listeners {
		fn()
	}
	return nil
}

// Subscribe registers fn to run once when the semaphore reaches a terminal state.
// Registrations are deduplicated by key. It returns false, without registering, when
// the semaphore is already terminal.
func (s *Semaphore) Subscribe(key any, fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if model.IsSemaphoreTerminal(s.state) {
		return false
	}
	if s.listeners == nil {
		s.listeners = make(map[any]func())
	}
	if _, ok := s.listeners[key]; !ok {
		s.listeners[key] = fn
	}
	return true
}

// Wait blocks until the semaphore is terminal or ctx is done.
func (s *Semaphore) Wait(ctx context.Context) error {
	select {
	case <-s.Done():
		return s.Cause()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reset returns the semaphore to unsignaled for a new cycle. The caller must hold
// exclusive access: no outstanding dispatch may reference it.
func (s *Semaphore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if model.IsSemaphoreTerminal(s.state) {
		s.done = make(chan struct{})
	}
	s.state = model.SemaphoreUnsignaled
	s.cause = nil
	s.listeners = nil
}
