package cmdseq

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/devq/internal/model"
	"github.com/msageha/devq/internal/pool"
)

func newTestPool(t *testing.T) *pool.Pool {
	t.Helper()
	p := pool.New(model.PoolConfig{Workers: 3}, nil, model.LogLevelError)
	t.Cleanup(p.Close)
	return p
}

func TestSequence_RecordAndExecute(t *testing.T) {
	p := newTestPool(t)
	seq := New("fill")

	var hits [8]atomic.Int32
	require.NoError(t, seq.RecordFunc("mark", 8, func(slice, slices int) error {
		assert.Equal(t, 8, slices)
		hits[slice].Add(1)
		return nil
	}))
	require.NoError(t, seq.Record(Command{Kernel: "noop", Slices: 2}))
	require.NoError(t, seq.Finalize())
	require.NoError(t, seq.Validate())

	require.NoError(t, seq.Execute(p))
	require.NoError(t, seq.Execute(p))

	for i := range hits {
		assert.Equal(t, int32(2), hits[i].Load(), "slice %d", i)
	}
	assert.Equal(t, int64(2), seq.Executions())
	assert.Equal(t, 2, seq.Len())
	assert.True(t, model.ValidateID(seq.ID()))
}

func TestSequence_CommandsRunInOrder(t *testing.T) {
	p := newTestPool(t)
	seq := New("ordered")

	var mu sync.Mutex
	var order []string
	mark := func(name string) KernelFunc {
		return func(int, int) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
	}
	require.NoError(t, seq.RecordFunc("first", 4, mark("first")))
	require.NoError(t, seq.RecordFunc("second", 1, mark("second")))
	require.NoError(t, seq.Finalize())
	require.NoError(t, seq.Execute(p))

	assert.Equal(t, []string{"first", "first", "first", "first", "second"}, order)
}

func TestSequence_FailureStopsLaterCommands(t *testing.T) {
	p := newTestPool(t)
	seq := New("broken")

	var after atomic.Int32
	require.NoError(t, seq.Record(Command{Kernel: "fail", Slices: 3, Args: Args{"message": "bad tile"}}))
	require.NoError(t, seq.RecordFunc("after", 1, func(int, int) error {
		after.Add(1)
		return nil
	}))
	require.NoError(t, seq.Finalize())

	err := seq.Execute(p)
	require.Error(t, err)
	assert.ErrorContains(t, err, "bad tile")
	assert.ErrorContains(t, err, "command 0 (fail)")
	assert.Zero(t, after.Load())
}

func TestSequence_SlicePanicIsReported(t *testing.T) {
	p := newTestPool(t)
	seq := New("panics")
	require.NoError(t, seq.RecordFunc("boom", 2, func(slice, _ int) error {
		if slice == 1 {
			panic("out of bounds")
		}
		return nil
	}))
	require.NoError(t, seq.Finalize())

	err := seq.Execute(p)
	assert.ErrorContains(t, err, "out of bounds")
}

func TestSequence_Lifecycle(t *testing.T) {
	seq := New("life")
	assert.ErrorIs(t, seq.Validate(), ErrNotFinalized)
	assert.ErrorIs(t, seq.Execute(nil), ErrNotFinalized)

	require.NoError(t, seq.Finalize())
	assert.ErrorIs(t, seq.Finalize(), ErrFinalized)
	assert.ErrorIs(t, seq.Record(Command{Kernel: "noop"}), ErrFinalized)
}

func TestSequence_RecordErrors(t *testing.T) {
	seq := New("errs")
	assert.ErrorIs(t, seq.Record(Command{Kernel: "does-not-exist"}), ErrUnknownKernel)
	assert.ErrorIs(t, seq.Record(Command{Kernel: "sleep", Args: Args{"duration_ms": "soon"}}), ErrInvalidArgs)
	assert.ErrorIs(t, seq.Record(Command{Kernel: "axpy", Args: Args{"n": 0}}), ErrInvalidArgs)
	assert.ErrorIs(t, seq.RecordFunc("big", MaxSlices+1, func(int, int) error { return nil }), ErrInvalidArgs)
	assert.ErrorIs(t, seq.RecordFunc("nil", 1, nil), ErrInvalidArgs)
	assert.Zero(t, seq.Len())
}

func TestAxpy_Sliced(t *testing.T) {
	p := newTestPool(t)
	const n = 1001
	x := make([]float64, n)
	y := make([]float64, n)
	for i := range x {
		x[i] = float64(i)
		y[i] = 1
	}

	seq := New("axpy")
	require.NoError(t, seq.RecordFunc("axpy", 7, Axpy(3, x, y)))
	require.NoError(t, seq.Finalize())
	require.NoError(t, seq.Execute(p))

	for i := range y {
		require.Equal(t, 3*float64(i)+1, y[i], "index %d", i)
	}
}

func TestSliceRange_CoversAllElements(t *testing.T) {
	for _, tc := range []struct{ n, slices int }{{10, 3}, {3, 8}, {1024, 4}, {1, 1}} {
		next := 0
		for i := 0; i < tc.slices; i++ {
			lo, hi := sliceRange(tc.n, i, tc.slices)
			assert.Equal(t, next, lo, "n=%d slices=%d i=%d", tc.n, tc.slices, i)
			assert.GreaterOrEqual(t, hi, lo)
			next = hi
		}
		assert.Equal(t, tc.n, next)
	}
}

func TestCatalog(t *testing.T) {
	for _, name := range []string{"noop", "sleep", "fail", "spin", "axpy"} {
		_, ok := Lookup(name)
		assert.True(t, ok, name)
	}

	Register("test-custom", func(args Args) (KernelFunc, error) {
		msg, err := args.String("msg", "")
		if err != nil {
			return nil, err
		}
		return func(int, int) error { return errors.New(msg) }, nil
	})
	assert.Contains(t, Kernels(), "test-custom")

	seq := New("custom")
	require.NoError(t, seq.Record(Command{Kernel: "test-custom", Args: Args{"msg": "custom"}}))
	require.NoError(t, seq.Record(Command{Kernel: "spin", Slices: 4, Args: Args{"iterations": 100}}))
	require.NoError(t, seq.Finalize())
	assert.ErrorContains(t, seq.Execute(newTestPool(t)), "custom")
}

func TestArgs(t *testing.T) {
	args := Args{"i": 3, "f": 2.5, "whole": 4.0, "s": "x"}

	v, err := args.Int("i", 0)
	require.NoError(t, err)
	assert.Equal(t, 3, v)

	v, err = args.Int("whole", 0)
	require.NoError(t, err)
	assert.Equal(t, 4, v)

	_, err = args.Int("f", 0)
	assert.ErrorIs(t, err, ErrInvalidArgs)

	v, err = args.Int("missing", 7)
	require.NoError(t, err)
	assert.Equal(t, 7, v)

	f, err := args.Float("i", 0)
	require.NoError(t, err)
	assert.Equal(t, 3.0, f)

	s, err := args.String("s", "")
	require.NoError(t, err)
	assert.Equal(t, "x", s)

	_, err = args.String("i", "")
	assert.ErrorIs(t, err, ErrInvalidArgs)
}
