package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/msageha/devq/internal/events"
	"github.com/msageha/devq/internal/manifest"
	"github.com/msageha/devq/internal/model"
	yamlutil "github.com/msageha/devq/internal/yaml"
)

// HandleFileEvent claims a manifest written to the submit directory.
func (d *Daemon) HandleFileEvent(path string) {
	if !isManifestFile(path) {
		return
	}
	// fsnotify and the periodic scan can race on the same file.
	_, _, _ = d.claims.Do(path, func() (any, error) {
		d.claim(path)
		return nil, nil
	})
}

// PeriodicScan claims every manifest left in the submit directory. It covers events
// missed by the watcher, including files present at startup.
func (d *Daemon) PeriodicScan() {
	entries, err := os.ReadDir(filepath.Join(d.dir, SubmitDir))
	if err != nil {
		d.log(model.LogLevelWarn, "scan_submit error=%v", err)
		return
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		d.HandleFileEvent(filepath.Join(d.dir, SubmitDir, e.Name()))
	}
}

func isManifestFile(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") {
		return false
	}
	ext := filepath.Ext(base)
	return ext == ".yaml" || ext == ".yml"
}

// claim moves path into accepted/, loads it and submits it to the device. Invalid
// manifests are quarantined.
func (d *Daemon) claim(path string) {
	if d.ctx.Err() != nil {
		return
	}
	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	accepted := filepath.Join(d.dir, AcceptedDir, fmt.Sprintf("%s-%s.yaml", stem, uuid.NewString()[:8]))
	if err := os.Rename(path, accepted); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			d.log(model.LogLevelWarn, "claim_failed file=%s error=%v", path, err)
		}
		return
	}

	m, err := manifest.Load(accepted)
	if err == nil {
		// Unnamed manifests take the submitted file name, not the claimed one.
		if m.Name == strings.TrimSuffix(filepath.Base(accepted), filepath.Ext(accepted)) {
			m.Name = stem
		}
	}
	var run *manifest.Run
	if err == nil {
		run, err = manifest.Submit(d.device, m)
	}
	if err != nil {
		d.reject(accepted, err)
		return
	}

	d.accepted.Add(1)
	d.beginRun()
	d.log(model.LogLevelInfo, "run_accepted run_id=%s manifest=%s dispatches=%d", run.ID, m.Name, len(m.Dispatches))

	go d.awaitRun(run, m.Name, stem)
}

func (d *Daemon) reject(path string, err error) {
	if !errors.Is(err, manifest.ErrInvalidManifest) {
		d.log(model.LogLevelError, "run_submit_failed file=%s error=%v", path, err)
		return
	}
	dst, qerr := yamlutil.Quarantine(d.dir, path, err)
	if qerr != nil {
		d.log(model.LogLevelError, "quarantine_failed file=%s error=%v", path, qerr)
		return
	}
	d.quarantined.Add(1)
	d.log(model.LogLevelWarn, "manifest_quarantined file=%s dest=%s error=%v", filepath.Base(path), dst, err)
}

func (d *Daemon) awaitRun(run *manifest.Run, name, stem string) {
	defer d.endRun()

	ctx := context.Background()
	if d.config.Daemon.RunTimeoutSec > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(d.config.Daemon.RunTimeoutSec)*time.Second)
		defer cancel()
	}

	rep, err := run.Wait(ctx)
	if err != nil {
		d.log(model.LogLevelWarn, "run_wait run_id=%s error=%v", run.ID, err)
	}

	reportPath := filepath.Join(d.dir, ReportsDir, stem+".yaml")
	if err := manifest.WriteReport(reportPath, rep); err != nil {
		d.log(model.LogLevelError, "report_write_failed run_id=%s error=%v", run.ID, err)
	}
	d.completed.Add(1)

	if d.bus != nil {
		d.bus.Publish(events.EventRunCompleted, map[string]any{
			"run_id":    run.ID,
			"manifest":  name,
			"status":    rep.Status,
			"total":     rep.Counts.Total,
			"succeeded": rep.Counts.Succeeded,
		})
	}
	d.log(model.LogLevelInfo, "run_completed run_id=%s manifest=%s status=%s succeeded=%d/%d report=%s",
		run.ID, name, rep.Status, rep.Counts.Succeeded, rep.Counts.Total, reportPath)
}
