package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/complyflow/internal/observability"
	"github.com/pitabwire/complyflow/model"
)

// RedisPublisher publishes state changes as JSON on a per-tenant Redis
// pub/sub channel named "{prefix}:{tenant_id}".
type RedisPublisher struct {
	client  redis.UniversalClient
	prefix  string
	metrics *observability.Metrics
}

// NewRedisPublisher creates a publisher over client. metrics may be nil.
func NewRedisPublisher(client redis.UniversalClient, prefix string, metrics *observability.Metrics) *RedisPublisher {
	if prefix == "" {
		prefix = "complyflow"
	}
	return &RedisPublisher{client: client, prefix: prefix, metrics: metrics}
}

// Channel returns the channel changes for tenantID are published on.
func (p *RedisPublisher) Channel(tenantID string) string {
	return fmt.Sprintf("%s:%s", p.prefix, tenantID)
}

// Publish sends the changes in a single pipeline.
func (p *RedisPublisher) Publish(ctx context.Context, changes ...model.StateChange) error {
	if len(changes) == 0 {
		return nil
	}

	pipe := p.client.Pipeline()
	for _, c := range changes {
		data, err := json.Marshal(c)
		if err != nil {
			return fmt.Errorf("marshal state change %s: %w", c.ID, err)
		}
		pipe.Publish(ctx, p.Channel(c.TenantID), data)
	}
	_, err := pipe.Exec(ctx)
	for _, c := range changes {
		p.metrics.RecordEventPublished(c.Type, err)
	}
	if err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// HealthCheck pings Redis.
func (p *RedisPublisher) HealthCheck(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}
