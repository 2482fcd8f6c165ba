// Package queue implements the device queue: an out-of-order scheduler that runs each
// submitted command sequence once every semaphore it waits on has reached a terminal
// state.
//
// Each Queue owns one scheduling goroutine. The goroutine never blocks on a semaphore.
// It rescans the pending list whenever something changes, so a stalled dispatch cannot
// starve unrelated ones. Failures propagate downstream as semaphore termination, and
// dispatches waiting on a terminated semaphore are retired without being executed.
package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/msageha/devq/internal/events"
	"github.com/msageha/devq/internal/lock"
	"github.com/msageha/devq/internal/model"
	"github.com/msageha/devq/internal/pool"
	"github.com/msageha/devq/internal/sema"
)

var (
	// ErrOutOfMemory is returned by Dispatch when the pending list is at capacity.
	ErrOutOfMemory = errors.New("out of memory: pending dispatch limit reached")
	// ErrExecutionFailure wraps the error returned by a failed command sequence.
	ErrExecutionFailure = errors.New("execution failure")
	// ErrQueueClosed is returned by Dispatch after Shutdown, and delivered to dispatches
	// that were still pending when the shutdown deadline expired.
	ErrQueueClosed = errors.New("queue closed")
	// ErrInvalidDispatch is returned when a dispatch fails validation.
	ErrInvalidDispatch = errors.New("invalid dispatch")
)

// Sequence is a recorded unit of device work. Execute is never called concurrently for
// the same sequence ID.
type Sequence interface {
	ID() string
	// Validate reports whether the sequence can be executed. It must not block.
	Validate() error
	Execute(p *pool.Pool) error
}

// Callback receives the dispatch result: nil on success, an error wrapping
// ErrExecutionFailure, sema.ErrTerminated or ErrQueueClosed otherwise.
type Callback func(result error, userData any)

type dispatch struct {
	id        string
	seq       Sequence
	waits     []*sema.Semaphore
	signals   []*sema.Semaphore
	fence     *sema.Fence
	cb        Callback
	userData  any
	state     model.DispatchState
	submitted time.Time
}

// Stats is a point-in-time snapshot of a queue.
type Stats struct {
	Name       string `json:"name" yaml:"name"`
	Pending    int    `json:"pending" yaml:"pending"`
	Running    bool   `json:"running" yaml:"running"`
	Submitted  int64  `json:"submitted" yaml:"submitted"`
	Executed   int64  `json:"executed" yaml:"executed"`
	Failed     int64  `json:"failed" yaml:"failed"`
	Terminated int64  `json:"terminated" yaml:"terminated"`
}

// Queue is one device queue.
//
// Lock order: a sequence lock is always taken before q.mu. q.mu is never held while a
// sequence executes, a callback runs, or a semaphore is signalled, because semaphore
// listeners take q.mu.
type Queue struct {
	name     string
	pool     *pool.Pool
	seqLocks *lock.MutexMap
	limits   model.QueueConfig
	logger   *log.Logger
	logLevel model.LogLevel
	eventBus atomic.Pointer[events.Bus]

	mu        sync.Mutex
	cond      *sync.Cond
	pending   []*dispatch
	running   bool
	closed    bool
	terminate bool
	loopDone  chan struct{}

	submitted  atomic.Int64
	executed   atomic.Int64
	failed     atomic.Int64
	terminated atomic.Int64
}

// New creates a queue and starts its scheduling goroutine. seqLocks may be shared
// between queues so a sequence dispatched on several queues never runs twice at once.
func New(name string, p *pool.Pool, seqLocks *lock.MutexMap, limits model.QueueConfig, logger *log.Logger, logLevel model.LogLevel) *Queue {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if seqLocks == nil {
		seqLocks = lock.NewMutexMap()
	}
	q := &Queue{
		name:     name,
		pool:     p,
		seqLocks: seqLocks,
		limits:   limits,
		logger:   logger,
		logLevel: logLevel,
		loopDone: make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)
	go q.loop()
	return q
}

func (q *Queue) Name() string { return q.name }

// SetEventBus sets the bus dispatch lifecycle events are published on.
func (q *Queue) SetEventBus(bus *events.Bus) {
	q.eventBus.Store(bus)
}

// Dispatch submits seq for execution once every semaphore in waits is terminal. The
// semaphores in signals and the optional fence are signalled with the result. It never
// blocks on other dispatches and returns the new dispatch ID.
func (q *Queue) Dispatch(seq Sequence, waits, signals []*sema.Semaphore, fence *sema.Fence, cb Callback, userData any) (string, error) {
	if seq == nil {
		return "", fmt.Errorf("queue %s: %w: nil sequence", q.name, ErrInvalidDispatch)
	}
	for i, s := range waits {
		if s == nil {
			return "", fmt.Errorf("queue %s: %w: wait semaphore %d is nil", q.name, ErrInvalidDispatch, i)
		}
	}
	for i, s := range signals {
		if s == nil {
			return "", fmt.Errorf("queue %s: %w: signal semaphore %d is nil", q.name, ErrInvalidDispatch, i)
		}
	}

	if fence != nil {
		if err := fence.Attach(); err != nil {
			return "", fmt.Errorf("queue %s: %w", q.name, err)
		}
	}

	d := &dispatch{
		seq:       seq,
		waits:     append([]*sema.Semaphore(nil), waits...),
		signals:   append([]*sema.Semaphore(nil), signals...),
		fence:     fence,
		cb:        cb,
		userData:  userData,
		state:     model.DispatchPending,
		submitted: time.Now(),
	}
	id, err := model.GenerateID(model.IDTypeDispatch)
	if err != nil {
		q.reject(d)
		return "", fmt.Errorf("queue %s: %w: %v", q.name, ErrOutOfMemory, err)
	}
	d.id = id

	q.mu.Lock()
	if err := q.admitLocked(d); err != nil {
		q.mu.Unlock()
		q.reject(d)
		return "", err
	}
	if d.fence != nil {
		d.fence.Reset()
	}
	q.pending = append(q.pending, d)
	for _, s := range d.waits {
		// A terminal semaphore is picked up by the next scan.
		s.Subscribe(q, q.wake)
	}
	q.cond.Broadcast()
	q.mu.Unlock()

	q.submitted.Add(1)
	q.log(model.LogLevelDebug, "dispatch_submitted queue=%s dispatch=%s sequence=%s waits=%d signals=%d",
		q.name, d.id, seq.ID(), len(d.waits), len(d.signals))
	q.publish(events.EventDispatchSubmitted, d, nil, 0)
	return d.id, nil
}

func (q *Queue) admitLocked(d *dispatch) error {
	if q.closed {
		return fmt.Errorf("queue %s: %w", q.name, ErrQueueClosed)
	}
	if q.limits.MaxPending > 0 && len(q.pending) >= q.limits.MaxPending {
		return fmt.Errorf("queue %s: %w (%d)", q.name, ErrOutOfMemory, q.limits.MaxPending)
	}
	if err := d.seq.Validate(); err != nil {
		return fmt.Errorf("queue %s: %w: sequence %s: %w", q.name, ErrInvalidDispatch, d.seq.ID(), err)
	}
	return nil
}

func (q *Queue) reject(d *dispatch) {
	if d.fence != nil {
		d.fence.Detach()
	}
}

func (q *Queue) wake() {
	q.mu.Lock()
	q.cond.Broadcast()
	q.mu.Unlock()
}

func (q *Queue) loop() {
	defer close(q.loopDone)

	q.mu.Lock()
	for {
		d := q.selectLocked()
		if d == nil {
			if q.terminate {
				q.mu.Unlock()
				return
			}
			q.cond.Wait()
			continue
		}
		q.running = true
		q.mu.Unlock()

		q.process(d)

		q.mu.Lock()
		q.running = false
		q.cond.Broadcast()
	}
}

// selectLocked removes and returns the first ready pending dispatch. Dispatches that
// are not ready keep their position.
func (q *Queue) selectLocked() *dispatch {
	for i, d := range q.pending {
		if !ready(d.waits) {
			continue
		}
		copy(q.pending[i:], q.pending[i+1:])
		q.pending[len(q.pending)-1] = nil
		q.pending = q.pending[:len(q.pending)-1]
		return d
	}
	return nil
}

// ready reports whether every wait is terminal. A single Terminated wait makes the
// dispatch ready at once, since it will be retired without executing.
func ready(waits []*sema.Semaphore) bool {
	all := true
	for _, s := range waits {
		switch s.State() {
		case model.SemaphoreTerminated:
			return true
		case model.SemaphoreUnsignaled:
			all = false
		}
	}
	return all
}

func terminatedCause(waits []*sema.Semaphore) error {
	for _, s := range waits {
		if s.IsTerminated() {
			return s.Cause()
		}
	}
	return nil
}

func (q *Queue) process(d *dispatch) {
	q.transition(d, model.DispatchSelected)

	var result error
	event := events.EventDispatchCompleted
	if cause := terminatedCause(d.waits); cause != nil {
		result = fmt.Errorf("dispatch %s: %w", d.id, cause)
		event = events.EventDispatchTerminated
		q.terminated.Add(1)
		q.transition(d, model.DispatchTerminated)
		q.log(model.LogLevelInfo, "dispatch_terminated queue=%s dispatch=%s cause=%v", q.name, d.id, cause)
	} else {
		result = q.execute(d)
		q.transition(d, model.DispatchExecuted)
		if result != nil {
			event = events.EventDispatchFailed
			q.failed.Add(1)
			q.log(model.LogLevelWarn, "dispatch_failed queue=%s dispatch=%s error=%v", q.name, d.id, result)
		} else {
			q.executed.Add(1)
		}
	}

	q.callback(d, result)
	q.signal(d, result)

	if d.state == model.DispatchExecuted {
		if result != nil {
			q.transition(d, model.DispatchTerminated)
		} else {
			q.transition(d, model.DispatchSignaled)
		}
	}
	q.transition(d, model.DispatchRetired)
	q.publish(event, d, result, time.Since(d.submitted))
}

func (q *Queue) execute(d *dispatch) (err error) {
	seqID := d.seq.ID()
	q.seqLocks.Lock(seqID)
	defer q.seqLocks.Unlock(seqID)

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: dispatch %s: panic: %v", ErrExecutionFailure, d.id, r)
		}
	}()

	start := time.Now()
	if err := d.seq.Execute(q.pool); err != nil {
		return fmt.Errorf("%w: dispatch %s: %w", ErrExecutionFailure, d.id, err)
	}
	q.log(model.LogLevelDebug, "dispatch_executed queue=%s dispatch=%s sequence=%s elapsed=%s",
		q.name, d.id, seqID, time.Since(start))
	return nil
}

func (q *Queue) callback(d *dispatch, result error) {
	if d.cb == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			q.log(model.LogLevelError, "callback_panic queue=%s dispatch=%s panic=%v", q.name, d.id, r)
		}
	}()
	d.cb(result, d.userData)
}

// signal moves every signal semaphore to Signaled, or to Terminated when result is
// non-nil, and then signals the fence.
func (q *Queue) signal(d *dispatch, result error) {
	for _, s := range d.signals {
		var err error
		if result == nil {
			err = s.Signal()
		} else {
			err = s.Terminate(result)
		}
		if err != nil {
			q.log(model.LogLevelWarn, "signal_skipped queue=%s dispatch=%s semaphore=%s error=%v", q.name, d.id, s.ID(), err)
		}
	}
	if d.fence != nil {
		if err := d.fence.Signal(result); err != nil {
			q.log(model.LogLevelWarn, "fence_skipped queue=%s dispatch=%s fence=%s error=%v", q.name, d.id, d.fence.ID(), err)
		}
	}
}

func (q *Queue) transition(d *dispatch, to model.DispatchState) {
	if err := model.ValidateDispatchTransition(d.state, to); err != nil {
		q.log(model.LogLevelError, "invalid_transition queue=%s dispatch=%s error=%v", q.name, d.id, err)
	}
	d.state = to
}

func (q *Queue) publish(t events.EventType, d *dispatch, result error, elapsed time.Duration) {
	bus := q.eventBus.Load()
	if bus == nil {
		return
	}
	data := map[string]any{
		"dispatch_id": d.id,
		"queue":       q.name,
		"sequence_id": d.seq.ID(),
	}
	if result != nil {
		data["error"] = result.Error()
	}
	if elapsed > 0 {
		data["duration_ms"] = elapsed.Milliseconds()
	}
	bus.Publish(t, data)
}

func (q *Queue) idleLocked() bool {
	return len(q.pending) == 0 && !q.running
}

// WaitAll blocks until no dispatch is pending or running.
func (q *Queue) WaitAll() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for !q.idleLocked() {
		q.cond.Wait()
	}
}

// WaitAllContext is WaitAll bounded by ctx. It returns ctx.Err() if ctx ends first.
func (q *Queue) WaitAllContext(ctx context.Context) error {
	stop := context.AfterFunc(ctx, q.wake)
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()
	for !q.idleLocked() {
		if err := ctx.Err(); err != nil {
			return err
		}
		q.cond.Wait()
	}
	return nil
}

// TryWait waits at most timeout for fence. It does not affect queue state.
func (q *Queue) TryWait(fence *sema.Fence, timeout time.Duration) (model.WaitResult, error) {
	if fence == nil {
		return model.WaitError, fmt.Errorf("queue %s: %w: nil fence", q.name, ErrInvalidDispatch)
	}
	return fence.TryWait(timeout)
}

// Shutdown stops accepting dispatches and waits for the pending list to drain. If ctx
// ends first, every dispatch still pending is terminated with ErrQueueClosed. The
// scheduling goroutine exits once it is idle.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	drainErr := q.WaitAllContext(ctx)
	if drainErr != nil {
		q.mu.Lock()
		remaining := q.pending
		q.pending = nil
		q.mu.Unlock()

		for _, d := range remaining {
			q.abandon(d)
		}
		if len(remaining) > 0 {
			q.log(model.LogLevelWarn, "shutdown_terminated queue=%s dispatches=%d", q.name, len(remaining))
		}
	}

	q.mu.Lock()
	q.terminate = true
	running := q.running
	q.cond.Broadcast()
	q.mu.Unlock()

	if drainErr != nil && running {
		// The loop exits after the running dispatch returns.
		return fmt.Errorf("queue %s: shutdown with a dispatch still running: %w", q.name, drainErr)
	}
	<-q.loopDone
	q.log(model.LogLevelInfo, "queue_stopped queue=%s", q.name)
	if drainErr != nil {
		return fmt.Errorf("queue %s: drain: %w", q.name, drainErr)
	}
	return nil
}

func (q *Queue) abandon(d *dispatch) {
	result := fmt.Errorf("dispatch %s: %w", d.id, ErrQueueClosed)
	q.transition(d, model.DispatchSelected)
	q.transition(d, model.DispatchTerminated)
	q.terminated.Add(1)
	q.callback(d, result)
	q.signal(d, result)
	q.transition(d, model.DispatchRetired)
	q.publish(events.EventDispatchTerminated, d, result, time.Since(d.submitted))
}

func (q *Queue) Stats() Stats {
	q.mu.Lock()
	pending, running := len(q.pending), q.running
	q.mu.Unlock()
	return Stats{
		Name:       q.name,
		Pending:    pending,
		Running:    running,
		Submitted:  q.submitted.Load(),
		Executed:   q.executed.Load(),
		Failed:     q.failed.Load(),
		Terminated: q.terminated.Load(),
	}
}

func (q *Queue) log(level model.LogLevel, format string, args ...any) {
	if level < q.logLevel {
		return
	}
	msg := fmt.Sprintf(format, args...)
	q.logger.Printf("%s %s queue: %s", time.Now().Format(time.RFC3339), level, msg)
}
