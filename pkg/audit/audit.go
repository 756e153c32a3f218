// Package audit provides the fire-and-forget audit trail the core writes
// administrative and lifecycle actions to.
//
// Audit entries are part of the permanent record: ephemeral retention
// never touches them.
package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Entry is one audit record.
type Entry struct {
	// ID is the unique entry identifier.
	ID string `json:"id"`

	// TenantID scopes the entry.
	TenantID string `json:"tenant_id"`

	// Action names what happened ("event.evaluated", "session.wiped", ...).
	Action string `json:"action"`

	// ResourceType and ResourceID identify the affected entity.
	ResourceType string `json:"resource_type"`
	ResourceID   string `json:"resource_id"`

	// Metadata carries action-specific details.
	Metadata map[string]any `json:"metadata,omitempty"`

	// Timestamp is when the action occurred.
	Timestamp time.Time `json:"timestamp"`
}

// Sink persists audit entries.
type Sink interface {
	WriteAudit(ctx context.Context, entry *Entry) error
}

// Trail accepts audit entries and writes them asynchronously.
// Record never blocks the caller and never surfaces sink failures;
// a full buffer drops the entry with a warning.
type Trail struct {
	sink    Sink
	entryCh chan *Entry
	done    chan struct{}
	wg      sync.WaitGroup
	logger  *slog.Logger

	closeOnce sync.Once
}

// NewTrail creates an audit trail with the given sink and buffer size.
func NewTrail(sink Sink, buffer int) *Trail {
	if buffer <= 0 {
		buffer = 1024
	}

	t := &Trail{
		sink:    sink,
		entryCh: make(chan *Entry, buffer),
		done:    make(chan struct{}),
		logger:  slog.Default().With("component", "audit"),
	}

	t.wg.Add(1)
	go t.worker()

	return t
}

// Record enqueues one audit entry. Fire-and-forget.
func (t *Trail) Record(tenantID, action, resourceType, resourceID string, metadata map[string]any) {
	entry := &Entry{
		ID:           uuid.NewString(),
		TenantID:     tenantID,
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Metadata:     metadata,
		Timestamp:    time.Now().UTC(),
	}

	select {
	case t.entryCh <- entry:
	default:
		t.logger.Warn("audit buffer full, dropping entry",
			"action", action,
			"resource_type", resourceType,
			"resource_id", resourceID,
		)
	}
}

func (t *Trail) worker() {
	defer t.wg.Done()

	for {
		select {
		case entry := <-t.entryCh:
			t.write(entry)
		case <-t.done:
			// Drain what is already buffered before exiting.
			for {
				select {
				case entry := <-t.entryCh:
					t.write(entry)
				default:
					return
				}
			}
		}
	}
}

func (t *Trail) write(entry *Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := t.sink.WriteAudit(ctx, entry); err != nil {
		t.logger.Error("audit write failed",
			"action", entry.Action,
			"resource_id", entry.ResourceID,
			"error", err,
		)
	}
}

// Close stops the worker after draining buffered entries.
func (t *Trail) Close() {
	t.closeOnce.Do(func() {
		close(t.done)
	})
	t.wg.Wait()
}

// LogSink writes audit entries to the structured log. It is the fallback
// sink when no persistent sink is configured.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a log-backed audit sink.
func NewLogSink() *LogSink {
	return &LogSink{logger: slog.Default().With("component", "audit.log")}
}

// WriteAudit implements Sink.
func (s *LogSink) WriteAudit(ctx context.Context, entry *Entry) error {
	s.logger.Info("audit",
		"tenant_id", entry.TenantID,
		"action", entry.Action,
		"resource_type", entry.ResourceType,
		"resource_id", entry.ResourceID,
	)
	return nil
}
