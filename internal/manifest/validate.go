package manifest

import (
	"fmt"
	"sort"
	"strings"

	"github.com/msageha/devq/internal/cmdseq"
	yamlutil "github.com/msageha/devq/internal/yaml"
)

type ValidationError struct {
	FieldPath string
	Message   string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.FieldPath, e.Message)
}

// ValidationErrors collects every problem found in a manifest. It wraps
// ErrInvalidManifest.
type ValidationErrors struct {
	Errors []ValidationError
}

func (ve *ValidationErrors) Add(fieldPath, format string, args ...any) {
	ve.Errors = append(ve.Errors, ValidationError{FieldPath: fieldPath, Message: fmt.Sprintf(format, args...)})
}

func (ve *ValidationErrors) HasErrors() bool {
	return len(ve.Errors) > 0
}

func (ve *ValidationErrors) Error() string {
	msgs := make([]string, 0, len(ve.Errors))
	for _, e := range ve.Errors {
		msgs = append(msgs, e.Error())
	}
	return fmt.Sprintf("%s: %s", ErrInvalidManifest, strings.Join(msgs, "; "))
}

func (ve *ValidationErrors) Unwrap() error { return ErrInvalidManifest }

// FormatStderr renders one error per line for the CLI.
func (ve *ValidationErrors) FormatStderr() string {
	var sb strings.Builder
	for _, e := range ve.Errors {
		fmt.Fprintf(&sb, "error: %s: %s\n", e.FieldPath, e.Message)
	}
	return sb.String()
}

// Validate checks the manifest for unknown references, duplicates, unknown kernels,
// semaphores that would never be signalled and dependency cycles. It returns nil when
// the manifest is valid.
func (m *Manifest) Validate() *ValidationErrors {
	errs := &ValidationErrors{}

	if err := m.SchemaHeader.Validate(yamlutil.FileTypeDispatchManifest); err != nil {
		errs.Add("header", "%v", err)
	}

	sems := make(map[string]bool, len(m.Semaphores))
	for i, name := range m.Semaphores {
		path := fmt.Sprintf("semaphores[%d]", i)
		switch {
		case name == "":
			errs.Add(path, "name is required")
		case sems[name]:
			errs.Add(path, "duplicate semaphore %q", name)
		}
		sems[name] = true
	}

	validateSequences(m.Sequences, errs)

	if len(m.Dispatches) == 0 {
		errs.Add("dispatches", "at least one dispatch is required")
	}

	labels := make(map[string]bool, len(m.Dispatches))
	signaledBy := make(map[string]string)
	for i, d := range m.Dispatches {
		path := fmt.Sprintf("dispatches[%d]", i)
		switch {
		case d.Label == "":
			errs.Add(path+".label", "label is required")
		case labels[d.Label]:
			errs.Add(path+".label", "duplicate label %q", d.Label)
		}
		labels[d.Label] = true

		if _, ok := m.Sequences[d.Sequence]; !ok {
			errs.Add(path+".sequence", "unknown sequence %q", d.Sequence)
		}
		if d.Queue < 0 {
			errs.Add(path+".queue", "queue must be >= 0")
		}
		for j, w := range d.Waits {
			if !sems[w] {
				errs.Add(fmt.Sprintf("%s.waits[%d]", path, j), "unknown semaphore %q", w)
			}
		}
		for j, s := range d.Signals {
			if !sems[s] {
				errs.Add(fmt.Sprintf("%s.signals[%d]", path, j), "unknown semaphore %q", s)
				continue
			}
			if prev, ok := signaledBy[s]; ok {
				errs.Add(fmt.Sprintf("%s.signals[%d]", path, j), "semaphore %q already signaled by %q", s, prev)
				continue
			}
			signaledBy[s] = d.Label
		}
	}

	for i, d := range m.Dispatches {
		for j, w := range d.Waits {
			if sems[w] && signaledBy[w] == "" {
				errs.Add(fmt.Sprintf("dispatches[%d].waits[%d]", i, j), "semaphore %q is never signaled", w)
			}
		}
	}

	if !errs.HasErrors() {
		if err := m.validateDAG(signaledBy); err != nil {
			errs.Add("dispatches", "%v", err)
		}
	}

	if errs.HasErrors() {
		return errs
	}
	return nil
}

func validateSequences(seqs map[string][]cmdseq.Command, errs *ValidationErrors) {
	if len(seqs) == 0 {
		errs.Add("sequences", "at least one sequence is required")
	}
	names := make([]string, 0, len(seqs))
	for name := range seqs {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		for i, cmd := range seqs[name] {
			path := fmt.Sprintf("sequences.%s[%d]", name, i)
			factory, ok := cmdseq.Lookup(cmd.Kernel)
			if !ok {
				errs.Add(path+".kernel", "unknown kernel %q (known: %s)", cmd.Kernel, strings.Join(cmdseq.Kernels(), ", "))
				continue
			}
			if cmd.Slices < 0 || cmd.Slices > cmdseq.MaxSlices {
				errs.Add(path+".slices", "slices must be in [0, %d]", cmdseq.MaxSlices)
			}
			if _, err := factory(cmd.Args); err != nil {
				errs.Add(path+".args", "%v", err)
			}
		}
	}
}

// validateDAG orders dispatches by their semaphore edges with Kahn's algorithm and
// reports the labels left over when the edges form a cycle.
func (m *Manifest) validateDAG(signaledBy map[string]string) error {
	inDegree := make(map[string]int, len(m.Dispatches))
	forward := make(map[string][]string)
	for _, d := range m.Dispatches {
		for _, w := range d.Waits {
			producer := signaledBy[w]
			inDegree[d.Label]++
			forward[producer] = append(forward[producer], d.Label)
		}
	}

	var ready []string
	for _, d := range m.Dispatches {
		if inDegree[d.Label] == 0 {
			ready = append(ready, d.Label)
		}
	}
	visited := 0
	for len(ready) > 0 {
		label := ready[0]
		ready = ready[1:]
		visited++
		for _, dependent := range forward[label] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				ready = append(ready, dependent)
			}
		}
	}
	if visited == len(m.Dispatches) {
		return nil
	}

	var stuck []string
	for _, d := range m.Dispatches {
		if inDegree[d.Label] > 0 {
			stuck = append(stuck, d.Label)
		}
	}
	return fmt.Errorf("circular dependency between %s", strings.Join(stuck, ", "))
}
