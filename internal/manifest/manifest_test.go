package manifest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/devq/internal/device"
	"github.com/msageha/devq/internal/model"
	yamlutil "github.com/msageha/devq/internal/yaml"
)

const chainManifest = `schema_version: 1
file_type: dispatch_manifest
name: chain
semaphores: [s1, s2]
sequences:
  produce:
    - kernel: axpy
      slices: 4
      args: {n: 256, a: 3}
  consume:
    - kernel: spin
      slices: 2
      args: {iterations: 100}
    - kernel: sleep
      args: {duration_ms: 1}
dispatches:
  - label: last
    sequence: consume
    queue: 1
    waits: [s2]
    fence: true
  - label: middle
    sequence: consume
    waits: [s1]
    signals: [s2]
  - label: first
    sequence: produce
    signals: [s1]
`

const failingManifest = `schema_version: 1
file_type: dispatch_manifest
semaphores: [s1]
sequences:
  bad:
    - kernel: fail
      args: {message: tile overflow}
  good:
    - kernel: noop
dispatches:
  - label: broken
    sequence: bad
    signals: [s1]
  - label: downstream
    sequence: good
    waits: [s1]
    fence: true
  - label: unrelated
    sequence: good
`

func newTestDevice(t *testing.T, queues int) *device.Device {
	t.Helper()
	cfg := model.DefaultConfig()
	cfg.Device.Queues = queues
	cfg.Pool.Workers = 2
	cfg.Logging.Level = "error"
	d := device.New(cfg, nil)
	t.Cleanup(func() { _ = d.Shutdown(context.Background()) })
	return d
}

func TestParse_Valid(t *testing.T) {
	m, err := Parse([]byte(chainManifest))
	require.NoError(t, err)
	assert.Equal(t, "chain", m.Name)
	assert.Len(t, m.Dispatches, 3)
	assert.Equal(t, 1, m.Dispatches[0].Queue)
	assert.True(t, m.Dispatches[0].Fence)
	assert.Equal(t, 4, m.Sequences["produce"][0].Slices)
}

func TestLoad_NameFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nightly.yaml")
	content := []byte("schema_version: 1\nfile_type: dispatch_manifest\nsequences:\n  s:\n    - kernel: noop\ndispatches:\n  - label: a\n    sequence: s\n")
	require.NoError(t, os.WriteFile(path, content, 0644))

	m, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "nightly", m.Name)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrInvalidManifest))
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{
			name:    "wrong file type",
			content: "schema_version: 1\nfile_type: dispatch_report\n",
			want:    "file_type mismatch",
		},
		{
			name:    "unknown field",
			content: "schema_version: 1\nfile_type: dispatch_manifest\npriority: 3\n",
			want:    "priority",
		},
		{
			name: "unknown references",
			content: `schema_version: 1
file_type: dispatch_manifest
sequences:
  s: [{kernel: noop}]
dispatches:
  - {label: a, sequence: missing, waits: [ghost]}
`,
			want: `unknown sequence "missing"`,
		},
		{
			name: "duplicate label",
			content: `schema_version: 1
file_type: dispatch_manifest
sequences:
  s: [{kernel: noop}]
dispatches:
  - {label: a, sequence: s}
  - {label: a, sequence: s}
`,
			want: `duplicate label "a"`,
		},
		{
			name: "unknown kernel",
			content: `schema_version: 1
file_type: dispatch_manifest
sequences:
  s: [{kernel: fft}]
dispatches:
  - {label: a, sequence: s}
`,
			want: `unknown kernel "fft"`,
		},
		{
			name: "bad kernel args",
			content: `schema_version: 1
file_type: dispatch_manifest
sequences:
  s: [{kernel: sleep, args: {duration_ms: -1}}]
dispatches:
  - {label: a, sequence: s}
`,
			want: "duration_ms",
		},
		{
			name: "never signaled",
			content: `schema_version: 1
file_type: dispatch_manifest
semaphores: [s1]
sequences:
  s: [{kernel: noop}]
dispatches:
  - {label: a, sequence: s, waits: [s1]}
`,
			want: `semaphore "s1" is never signaled`,
		},
		{
			name: "double signal",
			content: `schema_version: 1
file_type: dispatch_manifest
semaphores: [s1]
sequences:
  s: [{kernel: noop}]
dispatches:
  - {label: a, sequence: s, signals: [s1]}
  - {label: b, sequence: s, signals: [s1]}
`,
			want: `already signaled by "a"`,
		},
		{
			name: "cycle",
			content: `schema_version: 1
file_type: dispatch_manifest
semaphores: [s1, s2]
sequences:
  s: [{kernel: noop}]
dispatches:
  - {label: a, sequence: s, waits: [s2], signals: [s1]}
  - {label: b, sequence: s, waits: [s1], signals: [s2]}
  - {label: c, sequence: s}
`,
			want: "circular dependency between a, b",
		},
		{
			name:    "no dispatches",
			content: "schema_version: 1\nfile_type: dispatch_manifest\nsequences:\n  s: [{kernel: noop}]\n",
			want:    "at least one dispatch",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.content))
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidManifest)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidationErrors_FormatStderr(t *testing.T) {
	errs := &ValidationErrors{}
	errs.Add("dispatches[0].label", "label is required")
	errs.Add("sequences.s[0].kernel", "unknown kernel %q", "fft")
	assert.Equal(t, "error: dispatches[0].label: label is required\nerror: sequences.s[0].kernel: unknown kernel \"fft\"\n", errs.FormatStderr())
}

func TestSubmit_Chain(t *testing.T) {
	dev := newTestDevice(t, 2)
	m, err := Parse([]byte(chainManifest))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	rep, err := Execute(ctx, dev, m)
	require.NoError(t, err)

	assert.Equal(t, RunCompleted, rep.Status)
	assert.Equal(t, Counts{Total: 3, Succeeded: 3}, rep.Counts)
	assert.Equal(t, "dispatch_report", rep.FileType)
	assert.NotEmpty(t, rep.RunID)
	require.Len(t, rep.Dispatches, 3)
	assert.Equal(t, "last", rep.Dispatches[0].Label)
	assert.Equal(t, "cpu0/q1", rep.Dispatches[0].Queue)
	assert.Equal(t, string(model.WaitSuccess), rep.Dispatches[0].Fence)
	for _, d := range rep.Dispatches {
		assert.True(t, model.ValidateID(d.DispatchID), d.DispatchID)
	}
}

func TestSubmit_FailurePropagates(t *testing.T) {
	dev := newTestDevice(t, 1)
	m, err := Parse([]byte(failingManifest))
	require.NoError(t, err)

	run, err := Submit(dev, m)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	rep, err := run.Wait(ctx)
	require.NoError(t, err)

	assert.Equal(t, RunFailed, rep.Status)
	assert.Equal(t, Counts{Total: 3, Succeeded: 1, Failed: 1, Terminated: 1}, rep.Counts)

	byLabel := map[string]DispatchReport{}
	for _, d := range rep.Dispatches {
		byLabel[d.Label] = d
	}
	assert.Equal(t, StatusFailed, byLabel["broken"].Status)
	assert.Contains(t, byLabel["broken"].Error, "tile overflow")
	assert.Equal(t, StatusTerminated, byLabel["downstream"].Status)
	assert.Equal(t, string(model.WaitError), byLabel["downstream"].Fence)
	assert.Equal(t, StatusSucceeded, byLabel["unrelated"].Status)

	_, err = Execute(ctx, dev, m)
	assert.ErrorContains(t, err, "2 of 3 dispatches did not succeed")
}

func TestSubmit_UnknownQueue(t *testing.T) {
	dev := newTestDevice(t, 1)
	m, err := Parse([]byte(chainManifest))
	require.NoError(t, err)

	_, err = Submit(dev, m)
	assert.ErrorIs(t, err, ErrInvalidManifest)
	assert.ErrorIs(t, err, device.ErrNoSuchQueue)
}

func TestSubmit_RejectedDispatchTerminatesDependents(t *testing.T) {
	dev := newTestDevice(t, 1)
	m, err := Parse([]byte(chainManifest))
	require.NoError(t, err)
	for i := range m.Dispatches {
		m.Dispatches[i].Queue = 0
	}

	q, err := dev.Queue(0)
	require.NoError(t, err)
	require.NoError(t, q.Shutdown(context.Background()))

	run, err := Submit(dev, m)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rep, err := run.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, rep.Counts.Rejected)
	assert.Equal(t, RunFailed, rep.Status)
}

func TestRun_WaitTimeoutReportsIncomplete(t *testing.T) {
	dev := newTestDevice(t, 1)
	m, err := Parse([]byte(`schema_version: 1
file_type: dispatch_manifest
sequences:
  slow: [{kernel: sleep, args: {duration_ms: 200}}]
dispatches:
  - {label: slow, sequence: slow}
`))
	require.NoError(t, err)

	run, err := Submit(dev, m)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	rep, err := run.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, RunIncomplete, rep.Status)
	assert.Equal(t, 1, rep.Counts.Pending)

	<-run.Done()
}

func TestReport_WriteRead(t *testing.T) {
	dev := newTestDevice(t, 2)
	m, err := Parse([]byte(chainManifest))
	require.NoError(t, err)
	rep, err := Execute(context.Background(), dev, m)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "reports", "chain.yaml")
	require.NoError(t, WriteReport(path, rep))
	got, err := ReadReport(path)
	require.NoError(t, err)
	assert.Equal(t, rep, got)

	// A corrupt report falls back to the previous version.
	require.NoError(t, WriteReport(path, rep))
	require.NoError(t, os.WriteFile(path, []byte("run_id: [\n"), 0644))
	got, err = ReadReport(path)
	require.NoError(t, err)
	assert.Equal(t, rep.RunID, got.RunID)
}

func TestReadReport_RejectsForeignDispatchID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reports", "bad.yaml")
	rep := &Report{
		SchemaHeader: yamlutil.NewHeader(yamlutil.FileTypeDispatchReport),
		RunID:        "run-1",
		Dispatches: []DispatchReport{
			{Label: "ok", DispatchID: model.MustGenerateID(model.IDTypeDispatch)},
			{Label: "wrong", DispatchID: model.MustGenerateID(model.IDTypeFence)},
		},
	}
	require.NoError(t, WriteReport(path, rep))

	_, err := ReadReport(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dispatch wrong")
}
