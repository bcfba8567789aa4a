// Package audit adapts the write-only audit contract onto the durable store
// and the structured log.
package audit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/complyflow/model"
)

// Sink accepts audit records. Implementations must be append-only.
type Sink interface {
	Write(ctx context.Context, records ...model.AuditRecord) error
}

// Appender is the store capability the StoreSink writes through.
type Appender interface {
	AppendAudit(ctx context.Context, records ...model.AuditRecord) error
}

// NewRecord builds an audit record with a fresh id.
func NewRecord(tenantID, entityType, entityID, action, actor string, now time.Time) model.AuditRecord {
	if actor == "" {
		actor = model.SystemActor
	}
	return model.AuditRecord{
		ID:         uuid.New().String(),
		TenantID:   tenantID,
		EntityType: entityType,
		EntityID:   entityID,
		Action:     action,
		Actor:      actor,
		Timestamp:  now.UTC(),
	}
}

// StoreSink writes audit records to the durable store.
type StoreSink struct {
	store Appender
}

// NewStoreSink creates a sink backed by the given store.
func NewStoreSink(store Appender) *StoreSink {
	return &StoreSink{store: store}
}

// Write appends the records.
func (s *StoreSink) Write(ctx context.Context, records ...model.AuditRecord) error {
	if len(records) == 0 {
		return nil
	}
	return s.store.AppendAudit(ctx, records...)
}

// LogSink mirrors audit records into the structured log.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a sink that logs each record at info level.
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger.Named("audit")}
}

// Write logs the records. It never fails.
func (s *LogSink) Write(_ context.Context, records ...model.AuditRecord) error {
	for _, r := range records {
		s.logger.Info(r.Action,
			zap.String("audit_id", r.ID),
			zap.String("tenant_id", r.TenantID),
			zap.String("entity_type", r.EntityType),
			zap.String("entity_id", r.EntityID),
			zap.String("execution_id", r.ExecutionID),
			zap.String("actor", r.Actor),
			zap.String("old_state", r.OldState),
			zap.String("new_state", r.NewState),
			zap.Any("data", r.Data),
			zap.Time("timestamp", r.Timestamp),
		)
	}
	return nil
}

// MultiSink writes to every sink and joins their errors.
type MultiSink []Sink

// Write fans the records out to each sink.
func (m MultiSink) Write(ctx context.Context, records ...model.AuditRecord) error {
	var errs []error
	for _, s := range m {
		if err := s.Write(ctx, records...); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// MemorySink keeps records in memory. For testing.
type MemorySink struct {
	mu      sync.Mutex
	records []model.AuditRecord
}

// Write appends to the in-memory slice.
func (m *MemorySink) Write(_ context.Context, records ...model.AuditRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, records...)
	return nil
}

// Records returns the records written so far.
func (m *MemorySink) Records() []model.AuditRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.AuditRecord(nil), m.records...)
}
