package manifest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/msageha/devq/internal/cmdseq"
	"github.com/msageha/devq/internal/device"
	"github.com/msageha/devq/internal/model"
	"github.com/msageha/devq/internal/queue"
	"github.com/msageha/devq/internal/sema"
	yamlutil "github.com/msageha/devq/internal/yaml"
)

// Dispatch outcomes recorded in reports.
const (
	StatusSucceeded  = "succeeded"
	StatusFailed     = "failed"
	StatusTerminated = "terminated"
	StatusRejected   = "rejected"
	StatusPending    = "pending"
)

// Run outcomes.
const (
	RunCompleted  = "completed"
	RunFailed     = "failed"
	RunIncomplete = "incomplete"
)

type Report struct {
	yamlutil.SchemaHeader `yaml:",inline"`
	RunID                 string           `yaml:"run_id" json:"run_id"`
	Manifest              string           `yaml:"manifest" json:"manifest"`
	Device                string           `yaml:"device" json:"device"`
	Status                string           `yaml:"status" json:"status"`
	StartedAt             string           `yaml:"started_at" json:"started_at"`
	FinishedAt            string           `yaml:"finished_at" json:"finished_at"`
	Counts                Counts           `yaml:"counts" json:"counts"`
	Dispatches            []DispatchReport `yaml:"dispatches" json:"dispatches"`
}

type Counts struct {
	Total      int `yaml:"total" json:"total"`
	Succeeded  int `yaml:"succeeded" json:"succeeded"`
	Failed     int `yaml:"failed" json:"failed"`
	Terminated int `yaml:"terminated" json:"terminated"`
	Rejected   int `yaml:"rejected" json:"rejected"`
	Pending    int `yaml:"pending" json:"pending"`
}

type DispatchReport struct {
	Label      string `yaml:"label" json:"label"`
	DispatchID string `yaml:"dispatch_id,omitempty" json:"dispatch_id,omitempty"`
	Queue      string `yaml:"queue" json:"queue"`
	Status     string `yaml:"status" json:"status"`
	Error      string `yaml:"error,omitempty" json:"error,omitempty"`
	DurationMS int64  `yaml:"duration_ms" json:"duration_ms"`
	Fence      string `yaml:"fence,omitempty" json:"fence,omitempty"`
}

type entry struct {
	label      string
	queue      *queue.Queue
	queueName  string
	dispatchID string
	fence      *sema.Fence
	submitted  time.Time
	finished   time.Time
	status     string
	err        error
}

// Run tracks the dispatches of one submitted manifest.
type Run struct {
	ID       string
	manifest string
	device   string
	started  time.Time

	mu        sync.Mutex
	entries   []*entry
	remaining int
	done      chan struct{}
}

// Submit builds the manifest's semaphores and sequences and dispatches them on dev in
// manifest order. A dispatch the queue rejects is recorded as rejected and its signal
// semaphores are terminated so dependents do not wait forever.
func Submit(dev *device.Device, m *Manifest) (*Run, error) {
	if errs := m.Validate(); errs != nil {
		return nil, errs
	}
	queues := make([]*queue.Queue, len(m.Dispatches))
	for i, d := range m.Dispatches {
		q, err := dev.Queue(d.Queue)
		if err != nil {
			return nil, fmt.Errorf("%w: dispatches[%d].queue: %w", ErrInvalidManifest, i, err)
		}
		queues[i] = q
	}
	seqs, err := m.Build()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidManifest, err)
	}

	sems := make(map[string]*sema.Semaphore, len(m.Semaphores))
	for _, name := range m.Semaphores {
		sems[name] = sema.New()
	}

	r := &Run{
		ID:        uuid.NewString(),
		manifest:  m.Name,
		device:    dev.Name(),
		started:   time.Now(),
		remaining: len(m.Dispatches),
		done:      make(chan struct{}),
	}
	for i, d := range m.Dispatches {
		e := &entry{label: d.Label, queue: queues[i], queueName: queues[i].Name(), status: StatusPending}
		if d.Fence {
			e.fence = sema.NewFence()
		}
		r.entries = append(r.entries, e)
	}

	for i, d := range m.Dispatches {
		e := r.entries[i]
		waits := lookup(sems, d.Waits)
		signals := lookup(sems, d.Signals)

		e.submitted = time.Now()
		id, err := e.queue.Dispatch(seqs[d.Sequence], waits, signals, e.fence, r.complete, e)
		if err != nil {
			for _, s := range signals {
				_ = s.Terminate(err)
			}
			r.finish(e, StatusRejected, err)
			continue
		}
		r.mu.Lock()
		e.dispatchID = id
		r.mu.Unlock()
	}
	return r, nil
}

func lookup(sems map[string]*sema.Semaphore, names []string) []*sema.Semaphore {
	out := make([]*sema.Semaphore, 0, len(names))
	for _, n := range names {
		out = append(out, sems[n])
	}
	return out
}

func (r *Run) complete(result error, userData any) {
	r.finish(userData.(*entry), classify(result), result)
}

func classify(result error) string {
	switch {
	case result == nil:
		return StatusSucceeded
	case errors.Is(result, sema.ErrTerminated), errors.Is(result, queue.ErrQueueClosed):
		return StatusTerminated
	default:
		return StatusFailed
	}
}

func (r *Run) finish(e *entry, status string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e.status != StatusPending {
		return
	}
	e.status = status
	e.err = err
	e.finished = time.Now()
	r.remaining--
	if r.remaining == 0 {
		close(r.done)
	}
}

// Done is closed once every dispatch of the run has finished.
func (r *Run) Done() <-chan struct{} { return r.done }

// Wait blocks until every dispatch has finished and its fence is signaled, or ctx ends,
// and returns the report. On ctx expiry the report is marked incomplete and ctx.Err()
// is returned with it.
func (r *Run) Wait(ctx context.Context) (*Report, error) {
	select {
	case <-r.done:
	case <-ctx.Done():
		return r.Report(), ctx.Err()
	}

	// Callbacks run before fences are signaled.
	for _, f := range r.fences() {
		select {
		case <-f.Done():
		case <-ctx.Done():
			return r.Report(), ctx.Err()
		}
	}
	return r.Report(), nil
}

func (r *Run) fences() []*sema.Fence {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*sema.Fence
	for _, e := range r.entries {
		if e.fence != nil && e.status != StatusRejected {
			out = append(out, e.fence)
		}
	}
	return out
}

// Report snapshots the run.
func (r *Run) Report() *Report {
	r.mu.Lock()
	defer r.mu.Unlock()

	rep := &Report{
		SchemaHeader: yamlutil.NewHeader(yamlutil.FileTypeDispatchReport),
		RunID:        r.ID,
		Manifest:     r.manifest,
		Device:       r.device,
		StartedAt:    r.started.UTC().Format(time.RFC3339),
		FinishedAt:   time.Now().UTC().Format(time.RFC3339),
	}
	for _, e := range r.entries {
		dr := DispatchReport{
			Label:      e.label,
			DispatchID: e.dispatchID,
			Queue:      e.queueName,
			Status:     e.status,
		}
		if e.err != nil {
			dr.Error = e.err.Error()
		}
		if !e.finished.IsZero() {
			dr.DurationMS = e.finished.Sub(e.submitted).Milliseconds()
		}
		if e.fence != nil {
			res, _ := e.queue.TryWait(e.fence, 0)
			dr.Fence = string(res)
		}
		rep.Dispatches = append(rep.Dispatches, dr)
		rep.Counts.add(e.status)
	}

	switch {
	case rep.Counts.Pending > 0:
		rep.Status = RunIncomplete
	case rep.Counts.Succeeded == rep.Counts.Total:
		rep.Status = RunCompleted
	default:
		rep.Status = RunFailed
	}
	return rep
}

func (c *Counts) add(status string) {
	c.Total++
	switch status {
	case StatusSucceeded:
		c.Succeeded++
	case StatusFailed:
		c.Failed++
	case StatusTerminated:
		c.Terminated++
	case StatusRejected:
		c.Rejected++
	default:
		c.Pending++
	}
}

// WriteReport writes r to path atomically.
func WriteReport(path string, r *Report) error {
	if err := yamlutil.AtomicWrite(path, r); err != nil {
		return fmt.Errorf("write report %s: %w", path, err)
	}
	return nil
}

// ReadReport reads a report, falling back to the previous version when the file is
// corrupt.
func ReadReport(path string) (*Report, error) {
	var r Report
	err := yamlutil.ReadStrict(path, &r)
	if err != nil {
		if restoreErr := yamlutil.RestoreFromBackup(path); restoreErr != nil {
			return nil, fmt.Errorf("read report: %w", err)
		}
		r = Report{}
		if err := yamlutil.ReadStrict(path, &r); err != nil {
			return nil, fmt.Errorf("read restored report: %w", err)
		}
	}
	if err := r.SchemaHeader.Validate(yamlutil.FileTypeDispatchReport); err != nil {
		return nil, fmt.Errorf("read report: %w", err)
	}
	for _, d := range r.Dispatches {
		if d.DispatchID == "" {
			continue
		}
		if t, err := model.ParseIDType(d.DispatchID); err != nil || t != model.IDTypeDispatch {
			return nil, fmt.Errorf("read report: dispatch %s: bad dispatch_id %q", d.Label, d.DispatchID)
		}
	}
	return &r, nil
}

// Execute submits m on dev, waits for it and returns the report. The error is non-nil
// when the run could not be submitted, did not finish in time, or had any dispatch
// that did not succeed.
func Execute(ctx context.Context, dev *device.Device, m *Manifest) (*Report, error) {
	run, err := Submit(dev, m)
	if err != nil {
		return nil, err
	}
	rep, err := run.Wait(ctx)
	if err != nil {
		return rep, fmt.Errorf("run %s: %w", run.ID, err)
	}
	if rep.Status != RunCompleted {
		return rep, fmt.Errorf("run %s: %d of %d dispatches did not succeed", run.ID,
			rep.Counts.Total-rep.Counts.Succeeded, rep.Counts.Total)
	}
	return rep, nil
}

var _ queue.Sequence = (*cmdseq.Sequence)(nil)
