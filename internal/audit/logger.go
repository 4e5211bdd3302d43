// Package audit appends session messages to per-session NDJSON files
// through a bounded background queue, so persistence of the session record
// never waits on diagnostic logging.
package audit

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/agentpilot/agentpilot/internal/domain"
)

// Config controls the audit logger.
type Config struct {
	Enabled   bool
	Dir       string
	QueueSize int
}

// Entry is one audit record: a message plus where it came from.
type Entry struct {
	SessionID string             `json:"session_id"`
	Direction string             `json:"direction"` // "sent" or "received"
	Type      domain.MessageType `json:"type"`
	Content   string             `json:"content"`
	Timestamp time.Time          `json:"timestamp"`
}

// Logger writes audit entries asynchronously. When the queue is full,
// entries are dropped with a warning rather than blocking the caller.
type Logger struct {
	cfg    Config
	logger *slog.Logger
	queue  chan Entry
	done   chan struct{}
	once   sync.Once
}

// New creates an audit logger. A disabled config yields a logger whose
// Record is a no-op.
func New(cfg Config, logger *slog.Logger) (*Logger, error) {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Logger{cfg: cfg, logger: logger}
	if !cfg.Enabled {
		return l, nil
	}

	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("create audit log directory: %w", err)
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}

	l.cfg = cfg
	l.queue = make(chan Entry, cfg.QueueSize)
	l.done = make(chan struct{})
	go l.drain()
	return l, nil
}

// Record enqueues a message for audit logging.
func (l *Logger) Record(sessionID, direction string, msg *domain.Message) {
	if !l.cfg.Enabled {
		return
	}

	entry := Entry{
		SessionID: sessionID,
		Direction: direction,
		Type:      msg.Type,
		Content:   msg.Content,
		Timestamp: msg.Timestamp,
	}

	select {
	case l.queue <- entry:
	default:
		l.logger.Warn("Audit log queue full, dropping entry", "session_id", sessionID)
	}
}

func (l *Logger) drain() {
	defer close(l.done)
	for entry := range l.queue {
		if err := l.append(entry); err != nil {
			l.logger.Warn("Failed to write audit entry", "session_id", entry.SessionID, "error", err)
		}
	}
}

func (l *Logger) append(entry Entry) error {
	path := filepath.Join(l.cfg.Dir, entry.SessionID+".ndjson")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open audit file: %w", err)
	}
	defer f.Close()

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}

// Close flushes queued entries and stops the writer.
func (l *Logger) Close() error {
	if !l.cfg.Enabled {
		return nil
	}
	l.once.Do(func() {
		close(l.queue)
	})
	<-l.done
	return nil
}
