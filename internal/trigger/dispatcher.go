package trigger

import (
	"context"
	"encoding/json"
	"errors"
	"maps"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pitabwire/complyflow/internal/config"
	"github.com/pitabwire/complyflow/internal/observability"
	"github.com/pitabwire/complyflow/model"
)

// Context keys the dispatcher writes into the seed of regulatory-change
// executions.
const (
	ImpactStatusKey         = "impact_assessment_status"
	ImpactStatusProvided    = "provided"
	ImpactStatusAttached    = "attached"
	ImpactStatusUnavailable = "unavailable"
)

// Starter creates executions.
type Starter interface {
	StartExecution(ctx context.Context, req model.ExecutionRequest) (*model.WorkflowExecution, error)
}

// Assessor produces the impact assessment for a regulatory change. The
// result is opaque to the engine. Implementations retry internally.
type Assessor interface {
	Assess(ctx context.Context, tenantID string, change map[string]any) (json.RawMessage, error)
}

// Dispatcher runs execution requests on a bounded worker pool.
type Dispatcher struct {
	starter  Starter
	assessor Assessor
	queue    chan model.ExecutionRequest
	workers  int
	retry    config.RetryConfig
	metrics  *observability.Metrics
	logger   *zap.Logger
}

// NewDispatcher creates a dispatcher. assessor may be nil, in which case
// regulatory-change executions without an assessment on the event start
// with the assessment marked unavailable.
func NewDispatcher(starter Starter, assessor Assessor, cfg config.EngineConfig, metrics *observability.Metrics, logger *zap.Logger) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = cfg.Workers
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry.MaxAttempts = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		starter:  starter,
		assessor: assessor,
		queue:    make(chan model.ExecutionRequest, cfg.QueueSize),
		workers:  cfg.Workers,
		retry:    cfg.Retry,
		metrics:  metrics,
		logger:   logger.Named("dispatcher"),
	}
}

// Submit enqueues requests, blocking while the queue is full.
func (d *Dispatcher) Submit(ctx context.Context, reqs ...model.ExecutionRequest) error {
	for _, req := range reqs {
		select {
		case d.queue <- req:
			d.metrics.SetDispatchQueueDepth(len(d.queue))
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Run processes queued requests until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < d.workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case req := <-d.queue:
					d.metrics.SetDispatchQueueDepth(len(d.queue))
					if _, err := d.Dispatch(ctx, req); err != nil && ctx.Err() == nil {
						d.logger.Error("execution request dropped",
							zap.String("tenant_id", req.TenantID),
							zap.String("definition_id", req.DefinitionID),
							zap.String("trigger_id", req.TriggerID),
							zap.String("event_id", req.EventID),
							zap.Error(err),
						)
					}
				}
			}
		})
	}
	return g.Wait()
}

// Dispatch attaches the impact assessment where one applies and starts the
// execution, retrying transient failures.
func (d *Dispatcher) Dispatch(ctx context.Context, req model.ExecutionRequest) (*model.WorkflowExecution, error) {
	req = d.attachImpact(ctx, req)

	var exec *model.WorkflowExecution
	err := withRetry(ctx, d.retry, d.metrics, "dispatch", func() error {
		var err error
		exec, err = d.starter.StartExecution(ctx, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	return exec, nil
}

func (d *Dispatcher) attachImpact(ctx context.Context, req model.ExecutionRequest) model.ExecutionRequest {
	if req.TriggerType != model.TriggerRegulatoryChange {
		return req
	}
	seed := make(map[string]any, len(req.SeedContext)+1)
	maps.Copy(seed, req.SeedContext)
	req.SeedContext = seed

	if len(req.ImpactAssessment) > 0 {
		seed[ImpactStatusKey] = ImpactStatusProvided
		return req
	}
	if d.assessor == nil {
		seed[ImpactStatusKey] = ImpactStatusUnavailable
		return req
	}

	// The assessor owns its retry and breaker policy.
	change, _ := seed["event"].(map[string]any)
	assessment, err := d.assessor.Assess(ctx, req.TenantID, change)
	if err != nil {
		d.logger.Warn("impact assessor unavailable, starting without assessment",
			zap.String("tenant_id", req.TenantID),
			zap.String("definition_id", req.DefinitionID),
			zap.String("event_id", req.EventID),
			zap.Error(err),
		)
		seed[ImpactStatusKey] = ImpactStatusUnavailable
		return req
	}
	req.ImpactAssessment = assessment
	seed[ImpactStatusKey] = ImpactStatusAttached
	return req
}

// withRetry runs fn with bounded exponential backoff, retrying only
// transient errors.
func withRetry(ctx context.Context, cfg config.RetryConfig, metrics *observability.Metrics, op string, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	if cfg.BackoffInitial > 0 {
		b.InitialInterval = cfg.BackoffInitial
	}
	if cfg.BackoffMultiplier > 0 {
		b.Multiplier = cfg.BackoffMultiplier
	}
	if cfg.BackoffMax > 0 {
		b.MaxInterval = cfg.BackoffMax
	}
	b.MaxElapsedTime = 0

	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	operation := func() error {
		err := fn()
		if err == nil {
			return nil
		}
		if errors.Is(err, context.Canceled) || !model.IsTransient(err) {
			return backoff.Permanent(err)
		}
		metrics.RecordStoreRetry(op)
		return err
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx)
	return backoff.Retry(operation, policy)
}
