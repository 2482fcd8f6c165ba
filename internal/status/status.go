// Package status renders the state of a devq serve directory: the live daemon
// statistics when it is running, and the submissions and reports found on disk.
package status

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/msageha/devq/internal/daemon"
	"github.com/msageha/devq/internal/manifest"
	"github.com/msageha/devq/internal/model"
	"github.com/msageha/devq/internal/uds"
	yamlutil "github.com/msageha/devq/internal/yaml"
)

type DirStatus struct {
	Daemon  DaemonStatus      `json:"daemon"`
	Waiting []WaitingManifest `json:"waiting,omitempty"`
	Reports []ReportSummary   `json:"reports,omitempty"`
}

// WaitingManifest is an unclaimed file in submit/. Invalid is set when its header
// would get it quarantined.
type WaitingManifest struct {
	Name    string `json:"name"`
	Invalid string `json:"invalid,omitempty"`
}

type DaemonStatus struct {
	Running bool           `json:"running"`
	Stats   *daemon.Status `json:"stats,omitempty"`
}

type ReportSummary struct {
	Name       string `json:"name"`
	RunID      string `json:"run_id"`
	Status     string `json:"status"`
	Succeeded  int    `json:"succeeded"`
	Total      int    `json:"total"`
	FinishedAt string `json:"finished_at"`

	// FirstDispatchAt is the creation time of the earliest dispatch, taken from its ID.
	FirstDispatchAt string `json:"first_dispatch_at,omitempty"`
}

// Run collects the status of dir and writes it to w.
func Run(dir string, jsonOutput bool, w io.Writer) error {
	status := Collect(dir)

	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(status)
	}

	printStatus(w, status)
	return nil
}

func Collect(dir string) DirStatus {
	return DirStatus{
		Daemon:  checkDaemon(filepath.Join(dir, uds.DefaultSocketName)),
		Waiting: getWaiting(dir),
		Reports: getReports(dir),
	}
}

func checkDaemon(sockPath string) DaemonStatus {
	var st daemon.Status
	if err := uds.NewClient(sockPath).Call(uds.CmdStats, nil, &st); err != nil {
		return DaemonStatus{Running: false}
	}
	return DaemonStatus{Running: true, Stats: &st}
}

// getWaiting lists manifests in submit/ that no daemon has claimed yet.
func getWaiting(dir string) []WaitingManifest {
	submitDir := filepath.Join(dir, daemon.SubmitDir)
	entries, err := os.ReadDir(submitDir)
	if err != nil {
		return nil
	}
	var waiting []WaitingManifest
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") || !strings.HasSuffix(e.Name(), ".yaml") {
			continue
		}
		wm := WaitingManifest{Name: e.Name()}
		if err := yamlutil.ValidateSchemaHeader(filepath.Join(submitDir, e.Name()), yamlutil.FileTypeDispatchManifest); err != nil {
			wm.Invalid = err.Error()
		}
		waiting = append(waiting, wm)
	}
	return waiting
}

// firstDispatchAt returns the earliest timestamp encoded in the report's dispatch IDs.
func firstDispatchAt(rep *manifest.Report) string {
	var first time.Time
	for _, d := range rep.Dispatches {
		if d.DispatchID == "" {
			continue
		}
		ts, err := model.ParseIDTimestamp(d.DispatchID)
		if err != nil {
			continue
		}
		if first.IsZero() || ts.Before(first) {
			first = ts
		}
	}
	if first.IsZero() {
		return ""
	}
	return first.UTC().Format(time.RFC3339)
}

func getReports(dir string) []ReportSummary {
	reportDir := filepath.Join(dir, daemon.ReportsDir)
	entries, err := os.ReadDir(reportDir)
	if err != nil {
		return nil
	}

	var reports []ReportSummary
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".yaml") {
			continue
		}
		rep, err := manifest.ReadReport(filepath.Join(reportDir, entry.Name()))
		if err != nil {
			log.Printf("status: skip %s: %v", entry.Name(), err)
			continue
		}
		reports = append(reports, ReportSummary{
			Name:       strings.TrimSuffix(entry.Name(), ".yaml"),
			RunID:      rep.RunID,
			Status:     rep.Status,
			Succeeded:  rep.Counts.Succeeded,
			Total:      rep.Counts.Total,
			FinishedAt: rep.FinishedAt,

			FirstDispatchAt: firstDispatchAt(rep),
		})
	}
	sort.Slice(reports, func(i, j int) bool { return reports[i].FinishedAt > reports[j].FinishedAt })
	return reports
}

func printStatus(w io.Writer, s DirStatus) {
	if s.Daemon.Running && s.Daemon.Stats != nil {
		st := s.Daemon.Stats
		fmt.Fprintf(w, "Daemon: running (pid %d)\n", st.PID)
		fmt.Fprintf(w, "\nDevice %s:\n", st.Device.Device)
		fmt.Fprintf(w, "  pool  workers=%d queued=%d/%d executed=%d helped=%d inline=%d\n",
			st.Device.Pool.Workers, st.Device.Pool.Queued, st.Device.Pool.Capacity,
			st.Device.Pool.Executed, st.Device.Pool.Helped, st.Device.Pool.Inline)
		fmt.Fprintf(w, "  %-10s  %7s  %7s  %9s  %8s  %6s  %10s\n",
			"QUEUE", "PENDING", "RUNNING", "SUBMITTED", "EXECUTED", "FAILED", "TERMINATED")
		for _, q := range st.Device.Queues {
			fmt.Fprintf(w, "  %-10s  %7d  %7t  %9d  %8d  %6d  %10d\n",
				q.Name, q.Pending, q.Running, q.Submitted, q.Executed, q.Failed, q.Terminated)
		}
		fmt.Fprintf(w, "  runs  accepted=%d active=%d completed=%d quarantined=%d\n",
			st.Accepted, st.ActiveRuns, st.Completed, st.Quarantined)
		if st.EventsDropped > 0 {
			fmt.Fprintf(w, "  events dropped: %d\n", st.EventsDropped)
		}
	} else {
		fmt.Fprintln(w, "Daemon: stopped")
	}

	if len(s.Waiting) > 0 {
		fmt.Fprintf(w, "\nWaiting in %s/:\n", daemon.SubmitDir)
		for _, wm := range s.Waiting {
			if wm.Invalid != "" {
				fmt.Fprintf(w, "  %s (invalid: %s)\n", wm.Name, wm.Invalid)
				continue
			}
			fmt.Fprintf(w, "  %s\n", wm.Name)
		}
	}

	if len(s.Reports) > 0 {
		fmt.Fprintln(w, "\nReports:")
		fmt.Fprintf(w, "  %-20s  %-10s  %9s  %-20s  %s\n", "NAME", "STATUS", "SUCCEEDED", "FIRST DISPATCH", "FINISHED")
		for _, r := range s.Reports {
			first := r.FirstDispatchAt
			if first == "" {
				first = "-"
			}
			fmt.Fprintf(w, "  %-20s  %-10s  %4d/%-4d  %-20s  %s\n", r.Name, r.Status, r.Succeeded, r.Total, first, r.FinishedAt)
		}
	}
}
