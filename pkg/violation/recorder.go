package violation

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"sentinel-hq/arbiter/pkg/bus"
)

// Store is the persistence surface the recorder and service need.
// The storage package's backends implement it.
type Store interface {
	PutViolation(ctx context.Context, v *Violation) error
	GetViolation(ctx context.Context, tenantID, id string) (*Violation, error)
	UpdateViolation(ctx context.Context, v *Violation) error
}

// Recorder persists violations asynchronously so the ingestion path
// never waits on storage. Failures are logged, never surfaced.
type Recorder struct {
	store     Store
	publisher bus.Publisher
	recordCh  chan *Violation
	done      chan struct{}
	wg        sync.WaitGroup
	logger    *slog.Logger

	closeOnce sync.Once
}

// NewRecorder creates a recorder with the given buffer size and starts
// its background worker. The publisher may be nil.
func NewRecorder(store Store, publisher bus.Publisher, buffer int) *Recorder {
	if buffer <= 0 {
		buffer = 1000
	}

	r := &Recorder{
		store:     store,
		publisher: publisher,
		recordCh:  make(chan *Violation, buffer),
		done:      make(chan struct{}),
		logger:    slog.Default().With("component", "violation.recorder"),
	}

	r.wg.Add(1)
	go r.worker()

	return r
}

// Record enqueues one violation for async persistence. Fire-and-forget:
// it returns immediately and a full buffer drops with a warning.
func (r *Recorder) Record(v *Violation) {
	select {
	case r.recordCh <- v:
	default:
		r.logger.Warn("violation buffer full, dropping record",
			"violation_id", v.ID,
			"event_id", v.EventID,
			"rule_id", v.RuleID,
		)
	}
}

func (r *Recorder) worker() {
	defer r.wg.Done()

	for {
		select {
		case v := <-r.recordCh:
			r.persist(v)
		case <-r.done:
			for {
				select {
				case v := <-r.recordCh:
					r.persist(v)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) persist(v *Violation) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := r.store.PutViolation(ctx, v); err != nil {
		r.logger.Error("violation write failed",
			"violation_id", v.ID,
			"event_id", v.EventID,
			"error", err,
		)
		return
	}

	if r.publisher != nil {
		r.publisher.Publish(ctx, bus.Message{
			Topic:    bus.ViolationTopic(v.TenantID),
			Type:     "violation.created",
			TenantID: v.TenantID,
			Payload:  v,
		})
	}
}

// Close stops the worker after draining buffered violations.
func (r *Recorder) Close() {
	r.closeOnce.Do(func() {
		close(r.done)
	})
	r.wg.Wait()
}

// Service exposes the synchronous violation operations.
type Service struct {
	store     Store
	publisher bus.Publisher
	logger    *slog.Logger
}

// NewService creates a violation service. The publisher may be nil.
func NewService(store Store, publisher bus.Publisher) *Service {
	return &Service{
		store:     store,
		publisher: publisher,
		logger:    slog.Default().With("component", "violation.service"),
	}
}

// Get returns one violation.
func (s *Service) Get(ctx context.Context, tenantID, id string) (*Violation, error) {
	return s.store.GetViolation(ctx, tenantID, id)
}

// Resolve resolves a violation exactly once. A second call returns
// ErrAlreadyResolved with the first resolution left intact.
func (s *Service) Resolve(ctx context.Context, tenantID, id, resolvedBy, note string) (*Violation, error) {
	v, err := s.store.GetViolation(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}

	if err := v.Resolve(resolvedBy, note); err != nil {
		return nil, err
	}
	if err := s.store.UpdateViolation(ctx, v); err != nil {
		return nil, err
	}

	s.logger.Info("violation resolved",
		"violation_id", v.ID,
		"tenant_id", v.TenantID,
		"resolved_by", resolvedBy,
	)

	if s.publisher != nil {
		s.publisher.Publish(ctx, bus.Message{
			Topic:    bus.ViolationTopic(v.TenantID),
			Type:     "violation.resolved",
			TenantID: v.TenantID,
			Payload:  v,
		})
	}

	return v, nil
}
