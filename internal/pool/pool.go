// Package pool implements the worker pool command sequences fan their slices out on.
//
// The pool is a fixed set of worker goroutines draining a bounded ring buffer of work
// items. A full ring blocks producers (backpressure) instead of growing. Waiting for a
// completion flag or countdown first makes the waiting goroutine execute queued items
// itself, then falls back to a blocking wait, so progress does not depend on any worker
// being free.
package pool

import (
	"fmt"
	"io"
	"log"
	"os"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/msageha/devq/internal/model"
)

const (
	// RingCapacity is the number of work items that can be queued at once.
	RingCapacity = 4096
	// DefaultMaxWorkers caps the worker count when pool.max_workers is unset.
	DefaultMaxWorkers = 64
	// EnvMaxWorkers lowers the worker cap below pool.max_workers. It never raises it.
	EnvMaxWorkers = "DEVQ_MAX_WORKERS"

	minWorkers = 2
)

// Func is the body of a work item.
type Func func(ctx0, ctx1, ctx2 any, index int)

// Flag is set by the pool once the work item it was enqueued with has run.
type Flag struct {
	v atomic.Bool
}

func (f *Flag) IsSet() bool { return f.v.Load() }

// Counter counts outstanding work items enqueued with it. It reaches zero only after
// every one of them has run.
type Counter struct {
	n atomic.Int64
}

func (c *Counter) Load() int64 { return c.n.Load() }

type item struct {
	fn      Func
	ctx     [3]any
	index   int
	flag    *Flag
	counter *Counter
}

// Stats is a point-in-time snapshot of pool activity.
type Stats struct {
	Workers  int   `json:"workers" yaml:"workers"`
	Capacity int   `json:"capacity" yaml:"capacity"`
	Queued   int   `json:"queued" yaml:"queued"`
	Enqueued int64 `json:"enqueued" yaml:"enqueued"`
	Executed int64 `json:"executed" yaml:"executed"`
	Helped   int64 `json:"helped" yaml:"helped"`
	Inline   int64 `json:"inline" yaml:"inline"`
}

// Pool is a bounded MPMC worker pool.
type Pool struct {
	mu       sync.Mutex
	newWork  *sync.Cond
	doneWork *sync.Cond
	allDone  *sync.Cond

	ring      []item
	head      int
	count     int
	stayAlive bool

	workers   int
	wg        sync.WaitGroup
	closeOnce sync.Once

	logger   *log.Logger
	logLevel model.LogLevel

	enqueued atomic.Int64
	executed atomic.Int64
	helped   atomic.Int64
	inline   atomic.Int64
}

// WorkerCount resolves the number of workers for cfg: cfg.Workers when set, otherwise
// NumCPU - reserved with a floor of two. The result never exceeds the cap, which is
// pool.max_workers (default DefaultMaxWorkers) lowered by DEVQ_MAX_WORKERS.
func WorkerCount(cfg model.PoolConfig) int {
	maxWorkers := cfg.MaxWorkers
	if maxWorkers <= 0 {
		maxWorkers = DefaultMaxWorkers
	}
	if v := os.Getenv(EnvMaxWorkers); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n < maxWorkers {
			maxWorkers = n
		}
	}
	if cfg.Workers > 0 {
		return clamp(cfg.Workers, 1, maxWorkers)
	}
	return clamp(runtime.NumCPU()-cfg.ReservedThreads, minWorkers, maxWorkers)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		v = lo
	}
	if v > hi {
		v = hi
	}
	return v
}

// New starts a pool sized by WorkerCount(cfg) with a RingCapacity ring.
func New(cfg model.PoolConfig, logger *log.Logger, logLevel model.LogLevel) *Pool {
	return newPool(WorkerCount(cfg), RingCapacity, logger, logLevel)
}

func newPool(workers, capacity int, logger *log.Logger, logLevel model.LogLevel) *Pool {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if capacity <= 0 {
		capacity = RingCapacity
	}
	p := &Pool{
		ring:      make([]item, capacity),
		stayAlive: true,
		workers:   workers,
		logger:    logger,
		logLevel:  logLevel,
	}
	p.newWork = sync.NewCond(&p.mu)
	p.doneWork = sync.NewCond(&p.mu)
	p.allDone = sync.NewCond(&p.mu)

	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker(i)
	}
	p.log(model.LogLevelInfo, "pool_started workers=%d capacity=%d", workers, capacity)
	return p
}

// Workers returns the number of worker goroutines.
func (p *Pool) Workers() int { return p.workers }

// Enqueue queues fn(ctx0, ctx1, ctx2, index). counter is incremented and then flag is
// cleared before the item is visible to any worker. Either may be nil. When the ring is
// full the caller blocks until a slot frees. After Close the item runs on the caller.
func (p *Pool) Enqueue(fn Func, ctx0, ctx1, ctx2 any, index int, flag *Flag, counter *Counter) {
	it := item{fn: fn, ctx: [3]any{ctx0, ctx1, ctx2}, index: index, flag: flag, counter: counter}

	p.mu.Lock()
	if counter != nil {
		counter.n.Add(1)
	}
	if flag != nil {
		flag.v.Store(false)
	}
	for p.stayAlive && p.count == len(p.ring) {
		p.newWork.Signal()
		p.doneWork.Wait()
	}
	if !p.stayAlive {
		p.mu.Unlock()
		p.inline.Add(1)
		p.execute(it)
		return
	}
	p.ring[(p.head+p.count)%len(p.ring)] = it
	p.count++
	p.enqueued.Add(1)
	p.newWork.Signal()
	p.mu.Unlock()
}

// dequeueLocked removes the oldest item. p.mu must be held and p.count > 0.
func (p *Pool) dequeueLocked() item {
	it := p.ring[p.head]
	p.ring[p.head] = item{}
	p.head = (p.head + 1) % len(p.ring)
	p.count--
	// A slot is free: wake producers blocked on a full ring.
	p.doneWork.Broadcast()
	return it
}

// tryHelp runs one queued item on the calling goroutine. It never blocks on an empty
// ring and reports whether an item was run.
func (p *Pool) tryHelp() bool {
	p.mu.Lock()
	if p.count == 0 {
		p.mu.Unlock()
		return false
	}
	it := p.dequeueLocked()
	p.mu.Unlock()

	p.helped.Add(1)
	p.execute(it)
	return true
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	p.log(model.LogLevelDebug, "worker_started id=%d", id)

	for {
		p.mu.Lock()
		for p.count == 0 && p.stayAlive {
			p.newWork.Wait()
		}
		if p.count == 0 {
			p.mu.Unlock()
			p.log(model.LogLevelDebug, "worker_stopped id=%d", id)
			return
		}
		it := p.dequeueLocked()
		p.mu.Unlock()

		p.execute(it)
	}
}

// execute runs the item body and then publishes its completion.
func (p *Pool) execute(it item) {
	p.invoke(it)

	p.mu.Lock()
	if it.flag != nil {
		it.flag.v.Store(true)
	}
	if it.counter != nil && it.counter.n.Add(-1) == 0 {
		p.allDone.Broadcast()
	}
	p.doneWork.Broadcast()
	p.mu.Unlock()

	p.executed.Add(1)
}

func (p *Pool) invoke(it item) {
	defer func() {
		if r := recover(); r != nil {
			p.log(model.LogLevelError, "work_item_panic index=%d panic=%v", it.index, r)
		}
	}()
	it.fn(it.ctx[0], it.ctx[1], it.ctx[2], it.index)
}

// WaitCounter returns once counter reaches zero. While it is positive the caller first
// executes queued items itself, then blocks until the last item completes.
func (p *Pool) WaitCounter(counter *Counter) {
	if counter == nil {
		return
	}
	for counter.Load() > 0 && p.tryHelp() {
	}

	p.mu.Lock()
	for counter.Load() > 0 {
		p.allDone.Wait()
	}
	p.mu.Unlock()
}

// WaitFlag returns once flag is set, helping drain the ring first like WaitCounter.
func (p *Pool) WaitFlag(flag *Flag) {
	if flag == nil {
		return
	}
	for !flag.IsSet() && p.tryHelp() {
	}

	p.mu.Lock()
	for !flag.IsSet() {
		p.doneWork.Wait()
	}
	p.mu.Unlock()
}

// ParallelFor runs fn(i) for every i in [0, n) on the pool and waits for all of them.
func (p *Pool) ParallelFor(n int, fn func(i int)) {
	if n <= 0 {
		return
	}
	var counter Counter
	for i := 0; i < n; i++ {
		p.Enqueue(parallelForItem, fn, nil, nil, i, nil, &counter)
	}
	p.WaitCounter(&counter)
}

func parallelForItem(ctx0, _, _ any, index int) {
	ctx0.(func(int))(index)
}

// Close stops the workers after they drain the ring and waits for them to exit.
// Calling Close multiple times is safe.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		start := time.Now()
		p.mu.Lock()
		p.stayAlive = false
		p.newWork.Broadcast()
		p.doneWork.Broadcast()
		p.mu.Unlock()

		p.wg.Wait()
		// Only reachable with items left when the pool has no workers.
		for p.tryHelp() {
		}
		p.log(model.LogLevelInfo, "pool_stopped executed=%d elapsed=%s", p.executed.Load(), time.Since(start))
	})
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	queued := p.count
	p.mu.Unlock()
	return Stats{
		Workers:  p.workers,
		Capacity: len(p.ring),
		Queued:   queued,
		Enqueued: p.enqueued.Load(),
		Executed: p.executed.Load(),
		Helped:   p.helped.Load(),
		Inline:   p.inline.Load(),
	}
}

func (p *Pool) log(level model.LogLevel, format string, args ...any) {
	if level < p.logLevel {
		return
	}
	msg := fmt.Sprintf(format, args...)
	p.logger.Printf("%s %s pool: %s", time.Now().Format(time.RFC3339), level, msg)
}
