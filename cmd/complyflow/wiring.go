package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/pitabwire/complyflow/internal/config"
	"github.com/pitabwire/complyflow/internal/database"
	"github.com/pitabwire/complyflow/internal/definition"
	"github.com/pitabwire/complyflow/internal/idempotency"
	"github.com/pitabwire/complyflow/internal/observability"
	"github.com/pitabwire/complyflow/internal/trigger"
	"github.com/pitabwire/complyflow/internal/workflow"
)

type stores struct {
	definitions definition.Store
	triggers    definition.TriggerStore
	executions  workflow.Store
	pool        *pgxpool.Pool
}

func (s *stores) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func buildStores(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*stores, error) {
	if cfg.Store.Driver != "postgres" {
		defs := definition.NewMemoryStore()
		return &stores{
			definitions: defs,
			triggers:    defs,
			executions:  workflow.NewMemoryStore(),
		}, nil
	}

	pool, err := database.Connect(ctx, cfg.Store, logger)
	if err != nil {
		return nil, err
	}
	defs := definition.NewPgStore(pool)
	return &stores{
		definitions: defs,
		triggers:    defs,
		executions:  workflow.NewPgStore(pool),
		pool:        pool,
	}, nil
}

// buildRedis connects to Redis when any component is configured to use it.
// It returns nil when none is.
func buildRedis(ctx context.Context, cfg *config.Config) (*redis.Client, error) {
	if cfg.Idempotency.Driver != "redis" && cfg.Events.Driver != "redis" {
		return nil, nil
	}
	addr := os.Getenv(cfg.Redis.AddrEnv)
	if addr == "" {
		return nil, fmt.Errorf("redis address not set: %s is empty", cfg.Redis.AddrEnv)
	}

	client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.Redis.DB})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

func buildIdempotencyStore(cfg config.IdempotencyConfig, client *redis.Client, logger *zap.Logger) idempotency.Store {
	if cfg.Driver == "redis" && client != nil {
		logger.Info("idempotency store initialized", zap.String("driver", "redis"))
		return idempotency.NewRedisStore(client)
	}
	logger.Info("idempotency store initialized", zap.String("driver", "memory"))
	return idempotency.NewMemoryStore()
}

func healthChecker(v any) observability.HealthChecker {
	if hc, ok := v.(observability.HealthChecker); ok {
		return hc
	}
	return nil
}

// seedDefinitions loads definition files, rejects the whole set if any file
// is invalid and registers the workflows that changed since the last boot.
func seedDefinitions(ctx context.Context, registry *definition.Registry, dirs []string, logger *zap.Logger) (int, error) {
	files, err := definition.NewLoader().LoadAll(dirs)
	if err != nil {
		return 0, err
	}

	validator := definition.NewValidator()
	var errs []string
	for _, file := range files {
		for _, ve := range validator.ValidateFile(file) {
			errs = append(errs, ve.Error())
		}
	}
	if len(errs) > 0 {
		return 0, errors.New("definition validation failed:\n  " + strings.Join(errs, "\n  "))
	}

	if err := definition.Seed(ctx, registry, files, logger); err != nil {
		return 0, err
	}
	return len(files), nil
}

// newJobs schedules the periodic trigger tick and the expiry sweep. Runs
// that overlap a still-running job are skipped.
func newJobs(
	ctx context.Context,
	cfg config.EngineConfig,
	scheduler *workflow.Scheduler,
	scheduled *trigger.ScheduledSource,
	logger *zap.Logger,
) (*cron.Cron, error) {
	cronLogger := cronLogger{logger.Named("cron").Sugar()}
	c := cron.New(
		cron.WithLogger(cronLogger),
		cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
	)

	if _, err := c.AddFunc(cfg.TriggerTick, func() {
		fired, err := scheduled.Tick(ctx)
		if err != nil {
			logger.Error("scheduled trigger tick failed", zap.Error(err))
			return
		}
		if fired > 0 {
			logger.Info("scheduled triggers fired", zap.Int("count", fired))
		}
	}); err != nil {
		return nil, fmt.Errorf("trigger tick %q: %w", cfg.TriggerTick, err)
	}

	sweep := "@every " + cfg.SweepInterval.String()
	if _, err := c.AddFunc(sweep, func() {
		expired, err := scheduler.ProcessExpirations(ctx)
		if err != nil {
			logger.Error("expiry sweep failed", zap.Error(err))
		}
		overdue, err := scheduler.ProcessOverdue(ctx)
		if err != nil {
			logger.Error("overdue sweep failed", zap.Error(err))
		}
		if expired > 0 || overdue > 0 {
			logger.Info("sweep completed", zap.Int("expired", expired), zap.Int("overdue", overdue))
		}
	}); err != nil {
		return nil, fmt.Errorf("sweep %q: %w", sweep, err)
	}
	return c, nil
}

// cronLogger adapts zap to the cron.Logger interface.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
