// Package cmdseq provides recorded command sequences: ordered lists of kernel commands
// that a device queue executes, each command fanned out over the worker pool in slices.
package cmdseq

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/msageha/devq/internal/model"
	"github.com/msageha/devq/internal/pool"
)

// MaxSlices bounds the slices of one command so a single command cannot saturate the
// worker pool ring.
const MaxSlices = pool.RingCapacity

var (
	ErrUnknownKernel = errors.New("unknown kernel")
	ErrInvalidArgs   = errors.New("invalid kernel arguments")
	ErrFinalized     = errors.New("sequence already finalized")
	ErrNotFinalized  = errors.New("sequence not finalized")
)

var spinSink atomic.Uint64

// Command is one kernel invocation recorded into a sequence.
type Command struct {
	Kernel string `yaml:"kernel"`
	Slices int    `yaml:"slices,omitempty"`
	Args   Args   `yaml:"args,omitempty"`
}

type recorded struct {
	name   string
	slices int
	run    KernelFunc
}

// Sequence is recorded once and may then be executed any number of times. Execute must
// not be called concurrently; device queues serialize it per sequence ID.
type Sequence struct {
	id   string
	name string

	mu        sync.Mutex
	commands  []recorded
	finalized bool

	executions atomic.Int64
}

func New(name string) *Sequence {
	return &Sequence{
		id:   model.MustGenerateID(model.IDTypeSequence),
		name: name,
	}
}

func (s *Sequence) ID() string   { return s.id }
func (s *Sequence) Name() string { return s.name }

// Len returns the number of recorded commands.
func (s *Sequence) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.commands)
}

// Executions returns how many times Execute has run.
func (s *Sequence) Executions() int64 { return s.executions.Load() }

// Record appends a catalog kernel.
func (s *Sequence) Record(cmd Command) error {
	factory, ok := Lookup(cmd.Kernel)
	if !ok {
		return fmt.Errorf("sequence %s: %w: %q", s.name, ErrUnknownKernel, cmd.Kernel)
	}
	run, err := factory(cmd.Args)
	if err != nil {
		return fmt.Errorf("sequence %s: kernel %s: %w", s.name, cmd.Kernel, err)
	}
	return s.RecordFunc(cmd.Kernel, cmd.Slices, run)
}

// RecordFunc appends a kernel given as a function. slices <= 0 means one slice.
func (s *Sequence) RecordFunc(name string, slices int, run KernelFunc) error {
	if run == nil {
		return fmt.Errorf("sequence %s: %w: nil kernel %s", s.name, ErrInvalidArgs, name)
	}
	if slices <= 0 {
		slices = 1
	}
	if slices > MaxSlices {
		return fmt.Errorf("sequence %s: %w: %d slices exceeds %d", s.name, ErrInvalidArgs, slices, MaxSlices)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finalized {
		return fmt.Errorf("sequence %s: %w", s.name, ErrFinalized)
	}
	s.commands = append(s.commands, recorded{name: name, slices: slices, run: run})
	return nil
}

// Finalize ends recording. Only finalized sequences can be dispatched.
func (s *Sequence) Finalize() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finalized {
		return fmt.Errorf("sequence %s: %w", s.name, ErrFinalized)
	}
	s.finalized = true
	return nil
}

func (s *Sequence) Validate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.finalized {
		return fmt.Errorf("sequence %s: %w", s.name, ErrNotFinalized)
	}
	return nil
}

// Execute runs the commands in recorded order. The slices of each command run on p and
// the caller helps drain them. The first failing slice fails the sequence and later
// commands are skipped.
func (s *Sequence) Execute(p *pool.Pool) error {
	if err := s.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	commands := s.commands
	s.mu.Unlock()

	s.executions.Add(1)
	for i := range commands {
		if err := runCommand(p, &commands[i]); err != nil {
			return fmt.Errorf("sequence %s: command %d (%s): %w", s.name, i, commands[i].name, err)
		}
	}
	return nil
}

func runCommand(p *pool.Pool, cmd *recorded) error {
	errs := make([]error, cmd.slices)
	var counter pool.Counter
	for i := 0; i < cmd.slices; i++ {
		p.Enqueue(runSlice, cmd, errs, nil, i, nil, &counter)
	}
	p.WaitCounter(&counter)
	return errors.Join(errs...)
}

func runSlice(ctx0, ctx1, _ any, index int) {
	cmd := ctx0.(*recorded)
	errs := ctx1.([]error)
	defer func() {
		if r := recover(); r != nil {
			errs[index] = fmt.Errorf("slice %d: panic: %v", index, r)
		}
	}()
	errs[index] = cmd.run(index, cmd.slices)
}
