// Package daemon implements `devq serve`: a long-running device that executes dispatch
// manifests dropped into a watched directory and answers CLI requests over a Unix
// domain socket.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/singleflight"

	"github.com/msageha/devq/internal/device"
	"github.com/msageha/devq/internal/events"
	"github.com/msageha/devq/internal/lock"
	"github.com/msageha/devq/internal/model"
	"github.com/msageha/devq/internal/uds"
)

// Directory layout under the serve directory.
const (
	SubmitDir   = "submit"
	AcceptedDir = "accepted"
	ReportsDir  = "reports"
	LogsDir     = "logs"
	LocksDir    = "locks"
)

// Daemon is the devq serve process.
type Daemon struct {
	dir      string
	config   model.Config
	logLevel model.LogLevel
	logger   *log.Logger
	logFile  io.Closer

	fileLock *lock.FileLock
	server   *uds.Server
	watcher  *fsnotify.Watcher
	ticker   *time.Ticker

	device      *device.Device
	bus         *events.Bus
	audit       *events.AuditLogger
	detachAudit func()

	claims singleflight.Group

	// runsIdle is closed whenever activeRuns is zero.
	runsMu     sync.Mutex
	activeRuns int
	runsIdle   chan struct{}

	accepted    atomic.Int64
	completed   atomic.Int64
	quarantined atomic.Int64

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	shutdown sync.Once
	stopped  chan struct{}
}

// Status is the payload of the stats command.
type Status struct {
	PID           int          `json:"pid" yaml:"pid"`
	Device        device.Stats `json:"device" yaml:"device"`
	Accepted      int64        `json:"accepted" yaml:"accepted"`
	Completed     int64        `json:"completed" yaml:"completed"`
	Quarantined   int64        `json:"quarantined" yaml:"quarantined"`
	ActiveRuns    int64        `json:"active_runs" yaml:"active_runs"`
	EventsDropped int64        `json:"events_dropped" yaml:"events_dropped"`
}

// New creates a daemon rooted at dir, logging to dir/logs/daemon.log.
func New(dir string, cfg model.Config) (*Daemon, error) {
	logPath := filepath.Join(dir, LogsDir, "daemon.log")
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open daemon log: %w", err)
	}
	return newDaemon(dir, cfg, logFile, logFile)
}

func newDaemon(dir string, cfg model.Config, w io.Writer, closer io.Closer) (*Daemon, error) {
	ctx, cancel := context.WithCancel(context.Background())

	level := model.ParseLogLevel(cfg.Logging.Level)
	logger := log.New(w, "", 0)

	scanInterval := cfg.Daemon.ScanIntervalSec
	if scanInterval <= 0 {
		scanInterval = 10
	}

	server := uds.NewServer(filepath.Join(dir, uds.DefaultSocketName), logger, level)
	if cfg.Daemon.RunTimeoutSec > 0 {
		server.SetConnTimeout(time.Duration(cfg.Daemon.RunTimeoutSec) * time.Second)
	}

	idle := make(chan struct{})
	close(idle)

	return &Daemon{
		dir:      dir,
		config:   cfg,
		logLevel: level,
		logger:   logger,
		logFile:  closer,
		fileLock: lock.NewFileLock(filepath.Join(dir, LocksDir, "daemon.lock")),
		server:   server,
		ticker:   time.NewTicker(time.Duration(scanInterval) * time.Second),
		ctx:      ctx,
		cancel:   cancel,
		stopped:  make(chan struct{}),
		runsIdle: idle,
	}, nil
}

// Run starts the daemon and blocks until it has shut down, either on SIGINT/SIGTERM or
// on a shutdown request.
func (d *Daemon) Run() error {
	if err := d.Start(); err != nil {
		return err
	}
	d.waitSignals()
	<-d.stopped
	return nil
}

// Start acquires the daemon lock and starts the device, the socket server and the
// submit directory watchers.
func (d *Daemon) Start() error {
	if err := d.fileLock.TryLock(); err != nil {
		return fmt.Errorf("daemon lock: %w", err)
	}
	d.log(model.LogLevelInfo, "daemon starting pid=%d dir=%s", os.Getpid(), d.dir)

	for _, sub := range []string{SubmitDir, AcceptedDir, ReportsDir} {
		if err := os.MkdirAll(filepath.Join(d.dir, sub), 0755); err != nil {
			d.Shutdown()
			return fmt.Errorf("ensure dir %s: %w", sub, err)
		}
	}

	audit, err := events.NewAuditLogger(filepath.Join(d.dir, LogsDir, "events.jsonl"), d.config.Events.AuditMaxBytes)
	if err != nil {
		d.Shutdown()
		return fmt.Errorf("open audit log: %w", err)
	}
	d.audit = audit
	d.bus = events.NewBus(d.config.Events.BufferSize)
	auditTypes := append([]events.EventType{events.EventRunCompleted}, events.DispatchEventTypes...)
	d.detachAudit = audit.Attach(d.bus, func(err error) {
		d.log(model.LogLevelWarn, "audit_write_failed error=%v", err)
	}, auditTypes...)

	d.device = device.New(d.config, d.logger)
	d.device.SetEventBus(d.bus)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		d.Shutdown()
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	d.watcher = watcher
	if err := watcher.Add(filepath.Join(d.dir, SubmitDir)); err != nil {
		d.Shutdown()
		return fmt.Errorf("watch %s: %w", SubmitDir, err)
	}

	d.registerHandlers()
	if err := d.server.Start(); err != nil {
		d.Shutdown()
		return fmt.Errorf("start UDS server: %w", err)
	}
	d.log(model.LogLevelInfo, "uds listening socket=%s", filepath.Join(d.dir, uds.DefaultSocketName))

	d.wg.Add(2)
	go d.fsnotifyLoop()
	go d.tickerLoop()

	d.PeriodicScan()
	d.log(model.LogLevelInfo, "daemon ready device=%s queues=%d", d.device.Name(), len(d.device.Queues()))
	return nil
}

// Stopped is closed once shutdown has completed.
func (d *Daemon) Stopped() <-chan struct{} { return d.stopped }

func (d *Daemon) registerHandlers() {
	d.server.Handle(uds.CmdPing, func(context.Context, *uds.Request) *uds.Response {
		return uds.SuccessResponse(map[string]any{"status": "ok", "pid": os.Getpid(), "device": d.device.Name()})
	})

	d.server.Handle(uds.CmdStats, func(context.Context, *uds.Request) *uds.Response {
		return uds.SuccessResponse(d.Status())
	})

	d.server.Handle(uds.CmdWaitAll, d.handleWaitAll)

	d.server.Handle(uds.CmdShutdown, func(context.Context, *uds.Request) *uds.Response {
		d.log(model.LogLevelInfo, "shutdown requested via UDS")
		go d.Shutdown()
		return uds.SuccessResponse(map[string]string{"status": "shutdown_accepted"})
	})
}

func (d *Daemon) handleWaitAll(ctx context.Context, req *uds.Request) *uds.Response {
	var params uds.WaitAllParams
	if err := req.DecodeParams(&params); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}
	if params.TimeoutMS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(params.TimeoutMS)*time.Millisecond)
		defer cancel()
	}

	start := time.Now()
	if err := d.WaitIdle(ctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return uds.ErrorResponse(uds.ErrCodeTimeout, err.Error())
		}
		return uds.ErrorResponse(uds.ErrCodeShuttingDown, err.Error())
	}
	return uds.SuccessResponse(map[string]any{"idle": true, "waited_ms": time.Since(start).Milliseconds()})
}

// WaitIdle blocks until no manifest run is active and every queue is drained.
func (d *Daemon) WaitIdle(ctx context.Context) error {
	select {
	case <-d.runsDone():
	case <-ctx.Done():
		return ctx.Err()
	}
	return d.device.WaitAllContext(ctx)
}

func (d *Daemon) beginRun() {
	d.runsMu.Lock()
	defer d.runsMu.Unlock()
	if d.activeRuns == 0 {
		d.runsIdle = make(chan struct{})
	}
	d.activeRuns++
}

func (d *Daemon) endRun() {
	d.runsMu.Lock()
	defer d.runsMu.Unlock()
	d.activeRuns--
	if d.activeRuns == 0 {
		close(d.runsIdle)
	}
}

// runsDone returns a channel closed once no run is active.
func (d *Daemon) runsDone() <-chan struct{} {
	d.runsMu.Lock()
	defer d.runsMu.Unlock()
	return d.runsIdle
}

func (d *Daemon) activeRunCount() int64 {
	d.runsMu.Lock()
	defer d.runsMu.Unlock()
	return int64(d.activeRuns)
}

func (d *Daemon) Status() Status {
	return Status{
		PID:           os.Getpid(),
		Device:        d.device.Stats(),
		Accepted:      d.accepted.Load(),
		Completed:     d.completed.Load(),
		Quarantined:   d.quarantined.Load(),
		ActiveRuns:    d.activeRunCount(),
		EventsDropped: d.bus.Dropped(),
	}
}

func (d *Daemon) fsnotifyLoop() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return
		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				d.log(model.LogLevelDebug, "fsnotify event=%s file=%s", event.Op, event.Name)
				d.HandleFileEvent(event.Name)
			}
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.log(model.LogLevelError, "fsnotify error=%v", err)
		}
	}
}

func (d *Daemon) tickerLoop() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-d.ticker.C:
			d.log(model.LogLevelDebug, "periodic scan triggered")
			d.PeriodicScan()
		}
	}
}

// waitSignals blocks until a shutdown signal arrives or shutdown starts by other means.
func (d *Daemon) waitSignals() {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		d.log(model.LogLevelInfo, "received signal=%s, initiating graceful shutdown", sig)
	case <-d.ctx.Done():
		return
	}

	go func() {
		<-sigCh
		d.log(model.LogLevelWarn, "received second signal, forcing exit")
		os.Exit(1)
	}()

	d.Shutdown()
}

// Shutdown stops intake, drains the device within daemon.shutdown_timeout_sec, writes
// the reports of runs that finished, and releases the lock. It is idempotent.
func (d *Daemon) Shutdown() {
	d.shutdown.Do(func() {
		d.log(model.LogLevelInfo, "shutdown started")

		d.cancel()
		d.ticker.Stop()
		if d.watcher != nil {
			_ = d.watcher.Close()
		}
		if d.server != nil {
			_ = d.server.Stop()
		}
		d.wg.Wait()

		timeout := d.config.Daemon.ShutdownTimeoutSec
		if timeout <= 0 {
			timeout = 30
		}
		ctx, cancel := context.WithTimeout(context.Background(), time.Duration(timeout)*time.Second)
		defer cancel()

		if d.device != nil {
			if err := d.device.Shutdown(ctx); err != nil {
				d.log(model.LogLevelWarn, "device shutdown error=%v", err)
			}
		}

		select {
		case <-d.runsDone():
			d.log(model.LogLevelInfo, "all runs drained")
		case <-ctx.Done():
			d.log(model.LogLevelWarn, "shutdown timeout after %ds, some reports may be missing", timeout)
		}

		d.log(model.LogLevelInfo, "daemon stopped")
		d.cleanup()
		close(d.stopped)
	})
}

func (d *Daemon) cleanup() {
	if d.detachAudit != nil {
		d.detachAudit()
	}
	if d.bus != nil {
		d.bus.Close()
	}
	if d.audit != nil {
		if err := d.audit.Close(); err != nil {
			d.log(model.LogLevelWarn, "audit close error=%v", err)
		}
	}
	_ = os.Remove(filepath.Join(d.dir, uds.DefaultSocketName))
	_ = d.fileLock.Unlock()
	if d.logFile != nil {
		_ = d.logFile.Close()
	}
}

func (d *Daemon) log(level model.LogLevel, format string, args ...any) {
	if level < d.logLevel {
		return
	}
	msg := fmt.Sprintf(format, args...)
	d.logger.Printf("%s %s daemon: %s", time.Now().Format(time.RFC3339), level, msg)
}
