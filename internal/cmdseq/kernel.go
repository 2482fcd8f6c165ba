package cmdseq

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// KernelFunc runs one slice of a command. slices is the total slice count.
type KernelFunc func(slice, slices int) error

// Factory builds a kernel from its manifest arguments.
type Factory func(args Args) (KernelFunc, error)

// Args are the arguments of one recorded command.
type Args map[string]any

// Int returns args[key] as an int, or def when absent.
func (a Args) Int(key string, def int) (int, error) {
	v, ok := a[key]
	if !ok {
		return def, nil
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case uint64:
		return int(n), nil
	case float64:
		if n != float64(int(n)) {
			return 0, fmt.Errorf("%w: %s=%v is not an integer", ErrInvalidArgs, key, v)
		}
		return int(n), nil
	default:
		return 0, fmt.Errorf("%w: %s=%v is not a number", ErrInvalidArgs, key, v)
	}
}

// Float returns args[key] as a float64, or def when absent.
func (a Args) Float(key string, def float64) (float64, error) {
	v, ok := a[key]
	if !ok {
		return def, nil
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("%w: %s=%v is not a number", ErrInvalidArgs, key, v)
	}
}

// String returns args[key] as a string, or def when absent.
func (a Args) String(key, def string) (string, error) {
	v, ok := a[key]
	if !ok {
		return def, nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%w: %s=%v is not a string", ErrInvalidArgs, key, v)
	}
	return s, nil
}

var (
	catalogMu sync.RWMutex
	catalog   = map[string]Factory{}
)

func init() {
	Register("noop", noopKernel)
	Register("sleep", sleepKernel)
	Register("fail", failKernel)
	Register("spin", spinKernel)
	Register("axpy", axpyKernel)
}

// Register adds or replaces a named kernel.
func Register(name string, f Factory) {
	catalogMu.Lock()
	defer catalogMu.Unlock()
	catalog[name] = f
}

func Lookup(name string) (Factory, bool) {
	catalogMu.RLock()
	defer catalogMu.RUnlock()
	f, ok := catalog[name]
	return f, ok
}

// Kernels returns the registered kernel names, sorted.
func Kernels() []string {
	catalogMu.RLock()
	defer catalogMu.RUnlock()
	names := make([]string, 0, len(catalog))
	for name := range catalog {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func noopKernel(Args) (KernelFunc, error) {
	return func(int, int) error { return nil }, nil
}

func sleepKernel(args Args) (KernelFunc, error) {
	ms, err := args.Int("duration_ms", 1)
	if err != nil {
		return nil, err
	}
	if ms < 0 {
		return nil, fmt.Errorf("%w: duration_ms must be >= 0", ErrInvalidArgs)
	}
	d := time.Duration(ms) * time.Millisecond
	return func(int, int) error {
		time.Sleep(d)
		return nil
	}, nil
}

func failKernel(args Args) (KernelFunc, error) {
	msg, err := args.String("message", "kernel failed")
	if err != nil {
		return nil, err
	}
	return func(slice, _ int) error {
		return fmt.Errorf("slice %d: %w", slice, errors.New(msg))
	}, nil
}

func spinKernel(args Args) (KernelFunc, error) {
	iterations, err := args.Int("iterations", 1000)
	if err != nil {
		return nil, err
	}
	if iterations < 0 {
		return nil, fmt.Errorf("%w: iterations must be >= 0", ErrInvalidArgs)
	}
	return func(slice, _ int) error {
		x := uint64(slice) + 1
		for i := 0; i < iterations; i++ {
			x ^= x << 13
			x ^= x >> 7
			x ^= x << 17
		}
		spinSink.Store(x)
		return nil
	}, nil
}

func axpyKernel(args Args) (KernelFunc, error) {
	n, err := args.Int("n", 1024)
	if err != nil {
		return nil, err
	}
	if n <= 0 {
		return nil, fmt.Errorf("%w: n must be > 0", ErrInvalidArgs)
	}
	a, err := args.Float("a", 2)
	if err != nil {
		return nil, err
	}
	x := make([]float64, n)
	y := make([]float64, n)
	for i := range x {
		x[i] = float64(i)
		y[i] = 1
	}
	return Axpy(a, x, y), nil
}

// Axpy returns a kernel computing y = a*x + y. Each slice updates a contiguous range.
func Axpy(a float64, x, y []float64) KernelFunc {
	return func(slice, slices int) error {
		if len(x) != len(y) {
			return fmt.Errorf("%w: axpy length mismatch %d != %d", ErrInvalidArgs, len(x), len(y))
		}
		lo, hi := sliceRange(len(y), slice, slices)
		for i := lo; i < hi; i++ {
			y[i] += a * x[i]
		}
		return nil
	}
}

// sliceRange splits n elements into slices contiguous ranges and returns the bounds of
// slice i.
func sliceRange(n, i, slices int) (int, int) {
	per := n / slices
	rem := n % slices
	lo := i*per + min(i, rem)
	hi := lo + per
	if i < rem {
		hi++
	}
	return lo, hi
}
