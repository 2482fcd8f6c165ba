package events

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	// DefaultMaxLogSize is the size at which the log is rotated (100MB).
	DefaultMaxLogSize = 100 * 1024 * 1024
	LogFileExtension  = ".jsonl"
	ArchiveDir        = "archive"
)

// LogEntry is one JSONL line of the audit log.
type LogEntry struct {
	Timestamp  time.Time      `json:"timestamp"`
	EventType  string         `json:"event_type"`
	DispatchID string         `json:"dispatch_id,omitempty"`
	Queue      string         `json:"queue,omitempty"`
	SequenceID string         `json:"sequence_id,omitempty"`
	RunID      string         `json:"run_id,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
}

// AuditLogger appends events to a JSONL file, rotating it into archive/ at maxSize.
type AuditLogger struct {
	mu              sync.Mutex
	file            *os.File
	currentSize     int64
	maxSize         int64
	logPath         string
	rotationCounter int
}

func NewAuditLogger(logPath string, maxSize int64) (*AuditLogger, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxLogSize
	}

	logger := &AuditLogger{
		logPath: logPath,
		maxSize: maxSize,
	}

	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("create audit log dir: %w", err)
	}
	if err := logger.openLogFile(); err != nil {
		return nil, err
	}
	return logger, nil
}

func (l *AuditLogger) openLogFile() error {
	file, err := os.OpenFile(l.logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("stat audit log: %w", err)
	}

	l.file = file
	l.currentSize = stat.Size()
	return nil
}

// Record converts a bus event into a log entry and writes it.
func (l *AuditLogger) Record(event Event) error {
	entry := LogEntry{
		Timestamp: event.Timestamp,
		EventType: string(event.Type),
		Details:   make(map[string]any, len(event.Data)),
	}
	for k, v := range event.Data {
		switch k {
		case "dispatch_id":
			entry.DispatchID, _ = v.(string)
		case "queue":
			entry.Queue, _ = v.(string)
		case "sequence_id":
			entry.SequenceID, _ = v.(string)
		case "run_id":
			entry.RunID, _ = v.(string)
		default:
			if err, ok := v.(error); ok {
				v = err.Error()
			}
			entry.Details[k] = v
		}
	}
	if len(entry.Details) == 0 {
		entry.Details = nil
	}
	return l.WriteEntry(&entry)
}

// Attach subscribes the logger to eventTypes on bus. Write errors are passed to onErr.
func (l *AuditLogger) Attach(bus *Bus, onErr func(error), eventTypes ...EventType) func() {
	return bus.SubscribeAll(func(e Event) {
		if err := l.Record(e); err != nil && onErr != nil {
			onErr(err)
		}
	}, eventTypes...)
}

func (l *AuditLogger) WriteEntry(entry *LogEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return fmt.Errorf("audit log closed")
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal log entry: %w", err)
	}
	data = append(data, '\n')

	if l.currentSize+int64(len(data)) > l.maxSize {
		if err := l.rotate(); err != nil {
			return fmt.Errorf("rotate audit log: %w", err)
		}
	}

	n, err := l.file.Write(data)
	if err != nil {
		return fmt.Errorf("write log entry: %w", err)
	}
	l.currentSize += int64(n)
	return nil
}

func (l *AuditLogger) rotate() error {
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("close current log file: %w", err)
	}

	archiveDir := filepath.Join(filepath.Dir(l.logPath), ArchiveDir)
	if err := os.MkdirAll(archiveDir, 0755); err != nil {
		return fmt.Errorf("create archive dir: %w", err)
	}

	l.rotationCounter++
	base := filepath.Base(l.logPath)
	archiveName := fmt.Sprintf("%s.%s.%d%s",
		base[:len(base)-len(filepath.Ext(base))],
		time.Now().Format("20060102_150405"),
		l.rotationCounter,
		LogFileExtension)

	if err := os.Rename(l.logPath, filepath.Join(archiveDir, archiveName)); err != nil {
		return fmt.Errorf("archive log file: %w", err)
	}
	return l.openLogFile()
}

// ReadEntries parses every well-formed entry of a JSONL audit log.
func ReadEntries(logPath string) ([]LogEntry, error) {
	file, err := os.Open(logPath)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	defer file.Close()

	var entries []LogEntry
	decoder := json.NewDecoder(file)
	for decoder.More() {
		var entry LogEntry
		if err := decoder.Decode(&entry); err != nil {
			return entries, fmt.Errorf("decode audit log: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (l *AuditLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	syncErr := l.file.Sync()
	closeErr := l.file.Close()
	l.file = nil
	if syncErr != nil {
		return syncErr
	}
	return closeErr
}

func (l *AuditLogger) Size() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.currentSize
}
