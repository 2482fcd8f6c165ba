package model

import "fmt"

type SemaphoreState string

const (
	SemaphoreUnsignaled SemaphoreState = "unsignaled"
	SemaphoreSignaled   SemaphoreState = "signaled"
	SemaphoreTerminated SemaphoreState = "terminated"
)

type DispatchState string

const (
	DispatchPending    DispatchState = "pending"
	DispatchSelected   DispatchState = "selected"
	DispatchExecuted   DispatchState = "executed"
	DispatchSignaled   DispatchState = "signaled"
	DispatchTerminated DispatchState = "terminated"
	DispatchRetired    DispatchState = "retired"
)

type WaitResult string

const (
	WaitSuccess WaitResult = "success"
	WaitTimeout WaitResult = "timeout"
	WaitError   WaitResult = "error"
)

var terminalSemaphoreStates = map[SemaphoreState]bool{
	SemaphoreSignaled:   true,
	SemaphoreTerminated: true,
}

var validSemaphoreTransitions = map[SemaphoreState]map[SemaphoreState]bool{
	SemaphoreUnsignaled: {
		SemaphoreSignaled:   true,
		SemaphoreTerminated: true,
	},
}

// Dispatch lifecycle: pending → selected → {executed → signaled|terminated | terminated} → retired.
// A skipped dispatch never leaves pending.
var validDispatchTransitions = map[DispatchState]map[DispatchState]bool{
	DispatchPending: {
		DispatchSelected:   true,
		DispatchTerminated: true, // queue shutdown before selection
	},
	DispatchSelected: {
		DispatchExecuted:   true,
		DispatchTerminated: true, // upstream dependency terminated
	},
	DispatchExecuted: {
		DispatchSignaled:   true,
		DispatchTerminated: true, // execution failed
	},
	DispatchSignaled: {
		DispatchRetired: true,
	},
	DispatchTerminated: {
		DispatchRetired: true,
	},
}

func IsSemaphoreTerminal(s SemaphoreState) bool {
	return terminalSemaphoreStates[s]
}

// IsDispatchFinished reports whether a dispatch has reached a terminal result.
func IsDispatchFinished(s DispatchState) bool {
	return s == DispatchSignaled || s == DispatchTerminated || s == DispatchRetired
}

func ValidateSemaphoreTransition(from, to SemaphoreState) error {
	if IsSemaphoreTerminal(from) {
		return fmt.Errorf("cannot transition from terminal semaphore state %q", from)
	}
	allowed, ok := validSemaphoreTransitions[from]
	if !ok {
		return fmt.Errorf("unknown semaphore state %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid semaphore transition: %q → %q", from, to)
	}
	return nil
}

func ValidateDispatchTransition(from, to DispatchState) error {
	if from == DispatchRetired {
		return fmt.Errorf("cannot transition from retired dispatch")
	}
	allowed, ok := validDispatchTransitions[from]
	if !ok {
		return fmt.Errorf("unknown dispatch state %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid dispatch transition: %q → %q", from, to)
	}
	return nil
}
