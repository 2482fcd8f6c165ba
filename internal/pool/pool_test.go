package pool

import (
	"io"
	"log"
	"math/rand"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/devq/internal/model"
)

func newTestPool(t *testing.T, workers, capacity int) *Pool {
	t.Helper()
	p := newPool(workers, capacity, log.New(io.Discard, "", 0), model.LogLevelDebug)
	t.Cleanup(p.Close)
	return p
}

func addItem(ctx0, _, _ any, index int) {
	ctx0.(*atomic.Int64).Add(int64(index))
}

func TestWorkerCount(t *testing.T) {
	cpus := runtime.NumCPU()

	t.Run("auto detect clamps to at least two", func(t *testing.T) {
		got := WorkerCount(model.PoolConfig{ReservedThreads: cpus + 8})
		assert.Equal(t, 2, got)
	})
	t.Run("auto detect respects max", func(t *testing.T) {
		got := WorkerCount(model.PoolConfig{MaxWorkers: 2})
		assert.Equal(t, 2, got)
	})
	t.Run("config override", func(t *testing.T) {
		assert.Equal(t, 1, WorkerCount(model.PoolConfig{Workers: 1}))
		assert.Equal(t, 8, WorkerCount(model.PoolConfig{Workers: 100, MaxWorkers: 8}))
	})
	t.Run("environment caps config", func(t *testing.T) {
		t.Setenv(EnvMaxWorkers, "3")
		assert.Equal(t, 3, WorkerCount(model.PoolConfig{Workers: 7}))
		assert.Equal(t, 2, WorkerCount(model.PoolConfig{Workers: 2}), "a cap never raises the count")
		assert.LessOrEqual(t, WorkerCount(model.PoolConfig{}), 3)
	})
	t.Run("environment never raises config max", func(t *testing.T) {
		t.Setenv(EnvMaxWorkers, "50")
		assert.Equal(t, 4, WorkerCount(model.PoolConfig{Workers: 10, MaxWorkers: 4}))
	})
	t.Run("environment cap below the auto floor", func(t *testing.T) {
		t.Setenv(EnvMaxWorkers, "1")
		assert.Equal(t, 1, WorkerCount(model.PoolConfig{}))
	})
	t.Run("invalid environment ignored", func(t *testing.T) {
		t.Setenv(EnvMaxWorkers, "lots")
		assert.Equal(t, 5, WorkerCount(model.PoolConfig{Workers: 5}))
	})
}

func TestPool_EnqueueAndWaitCounter(t *testing.T) {
	p := newTestPool(t, 4, 64)

	var sum atomic.Int64
	var counter Counter
	for i := 1; i <= 1000; i++ {
		p.Enqueue(addItem, &sum, nil, nil, i, nil, &counter)
	}
	p.WaitCounter(&counter)

	assert.Equal(t, int64(0), counter.Load())
	assert.Equal(t, int64(1000*1001/2), sum.Load())
}

func TestPool_CounterVisibleBeforeItemRuns(t *testing.T) {
	p := newTestPool(t, 2, 8)

	var counter Counter
	var observed atomic.Int64
	p.Enqueue(func(ctx0, _, _ any, _ int) {
		observed.Store(ctx0.(*Counter).Load())
	}, &counter, nil, nil, 0, nil, &counter)
	p.WaitCounter(&counter)

	assert.Equal(t, int64(1), observed.Load(), "counter must be incremented before the item is visible")
}

func TestPool_WaitFlag(t *testing.T) {
	p := newTestPool(t, 2, 8)

	var flag Flag
	var ran atomic.Bool
	p.Enqueue(func(_, _, _ any, _ int) {
		time.Sleep(5 * time.Millisecond)
		ran.Store(true)
	}, nil, nil, nil, 0, &flag, nil)
	p.WaitFlag(&flag)

	assert.True(t, flag.IsSet())
	assert.True(t, ran.Load())
}

func TestPool_EnqueueClearsFlag(t *testing.T) {
	p := newTestPool(t, 0, 8)

	var flag Flag
	flag.v.Store(true)
	p.Enqueue(func(_, _, _ any, _ int) {}, nil, nil, nil, 0, &flag, nil)
	assert.False(t, flag.IsSet(), "flag must be cleared before the item is queued")

	p.WaitFlag(&flag)
	assert.True(t, flag.IsSet())
}

// Many producers sharing one pool, each waiting on its own countdown, never hang.
func TestPool_NoLostWakeups(t *testing.T) {
	p := newTestPool(t, 3, 16)

	const producers = 8
	const rounds = 50
	var wg sync.WaitGroup
	for w := 0; w < producers; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for r := 0; r < rounds; r++ {
				var counter Counter
				var sum atomic.Int64
				n := 1 + rng.Intn(40)
				for i := 0; i < n; i++ {
					p.Enqueue(func(ctx0, _, _ any, index int) {
						if index%7 == 0 {
							runtime.Gosched()
						}
						ctx0.(*atomic.Int64).Add(1)
					}, &sum, nil, nil, i, nil, &counter)
				}
				p.WaitCounter(&counter)
				if sum.Load() != int64(n) {
					t.Errorf("round %d: ran %d items, want %d", r, sum.Load(), n)
					return
				}
			}
		}(int64(w))
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		t.Fatal("producers did not finish: lost wakeup")
	}
}

// A full ring blocks the producer until one slot is drained.
func TestPool_Backpressure(t *testing.T) {
	const capacity = 4
	p := newTestPool(t, 0, capacity)

	var counter Counter
	noop := func(_, _, _ any, _ int) {}
	for i := 0; i < capacity; i++ {
		p.Enqueue(noop, nil, nil, nil, i, nil, &counter)
	}

	unblocked := make(chan struct{})
	go func() {
		p.Enqueue(noop, nil, nil, nil, capacity, nil, &counter)
		close(unblocked)
	}()

	select {
	case <-unblocked:
		t.Fatal("enqueue into a full ring must block")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, capacity, p.Stats().Queued, "ring must not grow past its capacity")

	require.True(t, p.tryHelp())
	select {
	case <-unblocked:
	case <-time.After(5 * time.Second):
		t.Fatal("producer did not unblock after a slot was drained")
	}
	assert.Equal(t, capacity, p.Stats().Queued)

	p.WaitCounter(&counter)
	assert.Equal(t, int64(0), counter.Load())
}

// With the only worker parked, the waiter drains its own items.
func TestPool_SelfHelpLiveness(t *testing.T) {
	p := newTestPool(t, 1, 16)

	parked := make(chan struct{})
	release := make(chan struct{})
	var parkFlag Flag
	p.Enqueue(func(_, _, _ any, _ int) {
		close(parked)
		<-release
	}, nil, nil, nil, 0, &parkFlag, nil)
	<-parked

	var counter Counter
	var sum atomic.Int64
	for i := 1; i <= 5; i++ {
		p.Enqueue(addItem, &sum, nil, nil, i, nil, &counter)
	}

	done := make(chan struct{})
	go func() {
		p.WaitCounter(&counter)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("wait did not complete while the sole worker was parked")
	}
	assert.Equal(t, int64(15), sum.Load())
	assert.Equal(t, int64(5), p.Stats().Helped)

	close(release)
	p.WaitFlag(&parkFlag)
}

func TestPool_PanicDoesNotLoseCompletion(t *testing.T) {
	p := newTestPool(t, 2, 8)

	var counter Counter
	var flag Flag
	p.Enqueue(func(_, _, _ any, _ int) { panic("kernel bug") }, nil, nil, nil, 0, &flag, &counter)
	p.WaitCounter(&counter)

	assert.True(t, flag.IsSet())
	assert.Equal(t, int64(0), counter.Load())
}

func TestPool_EnqueueAfterCloseRunsInline(t *testing.T) {
	p := newPool(2, 8, log.New(io.Discard, "", 0), model.LogLevelInfo)
	p.Close()
	p.Close()

	var sum atomic.Int64
	var counter Counter
	p.Enqueue(addItem, &sum, nil, nil, 9, nil, &counter)

	assert.Equal(t, int64(9), sum.Load())
	assert.Equal(t, int64(0), counter.Load())
	assert.Equal(t, int64(1), p.Stats().Inline)
}

func TestPool_CloseDrainsQueuedItems(t *testing.T) {
	p := newPool(0, 8, log.New(io.Discard, "", 0), model.LogLevelInfo)

	var sum atomic.Int64
	for i := 1; i <= 4; i++ {
		p.Enqueue(addItem, &sum, nil, nil, i, nil, nil)
	}
	p.Close()
	assert.Equal(t, int64(10), sum.Load())
}

func TestPool_ParallelFor(t *testing.T) {
	p := newTestPool(t, 4, 8)

	const n = 100
	hits := make([]atomic.Int32, n)
	p.ParallelFor(n, func(i int) { hits[i].Add(1) })

	for i := range hits {
		assert.Equal(t, int32(1), hits[i].Load(), "index %d", i)
	}
	p.ParallelFor(0, func(int) { t.Fatal("must not run") })
}

func TestPool_NestedWaitFromWorker(t *testing.T) {
	p := newTestPool(t, 2, 64)

	var outer Counter
	var sum atomic.Int64
	for i := 0; i < 4; i++ {
		p.Enqueue(func(_, _, _ any, _ int) {
			var inner Counter
			for j := 0; j < 4; j++ {
				p.Enqueue(func(_, _, _ any, _ int) { sum.Add(1) }, nil, nil, nil, j, nil, &inner)
			}
			p.WaitCounter(&inner)
		}, nil, nil, nil, i, nil, &outer)
	}

	done := make(chan struct{})
	go func() {
		p.WaitCounter(&outer)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("nested waits deadlocked")
	}
	assert.Equal(t, int64(16), sum.Load())
}
