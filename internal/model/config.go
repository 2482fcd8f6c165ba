// Package model defines the shared vocabulary of devq: configuration, signal and
// dispatch states, wait results and identifiers.
package model

type Config struct {
	Device  DeviceConfig  `yaml:"device"`
	Pool    PoolConfig    `yaml:"pool"`
	Queue   QueueConfig   `yaml:"queue"`
	Daemon  DaemonConfig  `yaml:"daemon"`
	Events  EventsConfig  `yaml:"events"`
	Logging LoggingConfig `yaml:"logging"`
}

type DeviceConfig struct {
	Name   string `yaml:"name"`
	Queues int    `yaml:"queues"`
}

type PoolConfig struct {
	// Workers overrides the detected worker count when > 0.
	Workers int `yaml:"workers"`
	// ReservedThreads is subtracted from the CPU count before clamping.
	ReservedThreads int `yaml:"reserved_threads"`
	MaxWorkers      int `yaml:"max_workers"`
}

type QueueConfig struct {
	// MaxPending bounds the pending dispatch list; 0 means unbounded.
	MaxPending int `yaml:"max_pending"`
	// ShutdownDrainSec is how long Shutdown waits for pending dispatches to drain.
	ShutdownDrainSec int `yaml:"shutdown_drain_sec"`
}

type DaemonConfig struct {
	ScanIntervalSec    int `yaml:"scan_interval_sec"`
	ShutdownTimeoutSec int `yaml:"shutdown_timeout_sec"`
	RunTimeoutSec      int `yaml:"run_timeout_sec"`
}

type EventsConfig struct {
	BufferSize    int   `yaml:"buffer_size"`
	AuditMaxBytes int64 `yaml:"audit_max_bytes"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// DefaultConfig returns the configuration written by `devq serve` when no config.yaml exists.
func DefaultConfig() Config {
	return Config{
		Device: DeviceConfig{Name: "cpu0", Queues: 1},
		Queue: QueueConfig{
			MaxPending:       4096,
			ShutdownDrainSec: 10,
		},
		Daemon: DaemonConfig{
			ScanIntervalSec:    10,
			ShutdownTimeoutSec: 30,
			RunTimeoutSec:      300,
		},
		Events:  EventsConfig{BufferSize: 256},
		Logging: LoggingConfig{Level: "info"},
	}
}
