// Package device owns the worker pool and device queues of one compute device and
// shuts them down together.
package device

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/msageha/devq/internal/events"
	"github.com/msageha/devq/internal/lock"
	"github.com/msageha/devq/internal/model"
	"github.com/msageha/devq/internal/pool"
	"github.com/msageha/devq/internal/queue"
)

var ErrNoSuchQueue = errors.New("no such queue")

// Stats is a point-in-time snapshot of the device.
type Stats struct {
	Device string        `json:"device" yaml:"device"`
	Pool   pool.Stats    `json:"pool" yaml:"pool"`
	Queues []queue.Stats `json:"queues" yaml:"queues"`
}

type Device struct {
	name     string
	config   model.Config
	pool     *pool.Pool
	seqLocks *lock.MutexMap
	queues   []*queue.Queue
	logger   *log.Logger
	logLevel model.LogLevel

	shutdownOnce sync.Once
	shutdownErr  error
}

// New creates the pool and cfg.Device.Queues queues (at least one).
func New(cfg model.Config, logger *log.Logger) *Device {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	name := cfg.Device.Name
	if name == "" {
		name = "cpu0"
	}
	n := cfg.Device.Queues
	if n <= 0 {
		n = 1
	}
	level := model.ParseLogLevel(cfg.Logging.Level)

	d := &Device{
		name:     name,
		config:   cfg,
		pool:     pool.New(cfg.Pool, logger, level),
		seqLocks: lock.NewMutexMap(),
		logger:   logger,
		logLevel: level,
	}
	for i := 0; i < n; i++ {
		qname := fmt.Sprintf("%s/q%d", name, i)
		d.queues = append(d.queues, queue.New(qname, d.pool, d.seqLocks, cfg.Queue, logger, level))
	}
	d.log(model.LogLevelInfo, "device_ready device=%s queues=%d workers=%d", name, n, d.pool.Workers())
	return d
}

func (d *Device) Name() string { return d.name }

func (d *Device) Pool() *pool.Pool { return d.pool }

// Queue returns queue i.
func (d *Device) Queue(i int) (*queue.Queue, error) {
	if i < 0 || i >= len(d.queues) {
		return nil, fmt.Errorf("device %s: %w: %d (have %d)", d.name, ErrNoSuchQueue, i, len(d.queues))
	}
	return d.queues[i], nil
}

func (d *Device) Queues() []*queue.Queue {
	return append([]*queue.Queue(nil), d.queues...)
}

// SetEventBus sets the bus every queue publishes dispatch events on.
func (d *Device) SetEventBus(bus *events.Bus) {
	for _, q := range d.queues {
		q.SetEventBus(bus)
	}
}

// WaitAll waits until every queue is idle.
func (d *Device) WaitAll() {
	for _, q := range d.queues {
		q.WaitAll()
	}
}

// WaitAllContext is WaitAll bounded by ctx.
func (d *Device) WaitAllContext(ctx context.Context) error {
	for _, q := range d.queues {
		if err := q.WaitAllContext(ctx); err != nil {
			return fmt.Errorf("device %s: wait %s: %w", d.name, q.Name(), err)
		}
	}
	return nil
}

func (d *Device) Stats() Stats {
	s := Stats{Device: d.name, Pool: d.pool.Stats()}
	for _, q := range d.queues {
		s.Queues = append(s.Queues, q.Stats())
	}
	return s
}

// Shutdown shuts every queue down in parallel and then closes the pool. If ctx has no
// deadline, queue.shutdown_drain_sec bounds the drain. Only the first call does work.
func (d *Device) Shutdown(ctx context.Context) error {
	d.shutdownOnce.Do(func() {
		if _, ok := ctx.Deadline(); !ok && d.config.Queue.ShutdownDrainSec > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, time.Duration(d.config.Queue.ShutdownDrainSec)*time.Second)
			defer cancel()
		}

		g, gctx := errgroup.WithContext(ctx)
		for _, q := range d.queues {
			q := q
			g.Go(func() error {
				return q.Shutdown(gctx)
			})
		}
		d.shutdownErr = g.Wait()

		d.pool.Close()
		if d.shutdownErr != nil {
			d.log(model.LogLevelWarn, "device_shutdown device=%s error=%v", d.name, d.shutdownErr)
		} else {
			d.log(model.LogLevelInfo, "device_shutdown device=%s", d.name)
		}
	})
	return d.shutdownErr
}

func (d *Device) log(level model.LogLevel, format string, args ...any) {
	if level < d.logLevel {
		return
	}
	msg := fmt.Sprintf(format, args...)
	d.logger.Printf("%s %s device: %s", time.Now().Format(time.RFC3339), level, msg)
}
