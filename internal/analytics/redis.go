package analytics

import (
	"context"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"rsirunner/internal/domain"
)

// RedisSink keeps daily run-outcome counters in Redis. Counters are
// best-effort: a Redis outage never affects run processing.
type RedisSink struct {
	client *redis.Client
}

func NewRedisSink(client *redis.Client) *RedisSink {
	return &RedisSink{client: client}
}

// Record increments the daily counter for the workflow's outcome. Errors are
// logged and swallowed.
func (s *RedisSink) Record(ctx context.Context, workflow string, status domain.RunStatus, at time.Time, config domain.AnalyticsConfig) {
	if !config.Enabled {
		return
	}

	key := buildKey(workflow, status, at)

	pipe := s.client.Pipeline()
	pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, config.Retention)

	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("analytics: redis pipeline for %s: %v", key, err)
	}
}

func buildKey(workflow string, status domain.RunStatus, t time.Time) string {
	return "wf:" + workflow + ":" + string(status) + ":" + t.UTC().Format("20060102")
}
