// Package analytics keeps per-project event counters in Redis.
package analytics

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/djlord-it/easy-gitops/internal/domain"
)

// Defaults for NewRedisSink.
const (
	DefaultWindow    = time.Hour
	DefaultRetention = 7 * 24 * time.Hour
)

// RedisSink counts handled events per project, type and outcome in
// time-bucketed keys that expire after the retention period.
type RedisSink struct {
	client    *redis.Client
	window    time.Duration
	retention time.Duration
}

func NewRedisSink(client *redis.Client) *RedisSink {
	return &RedisSink{
		client:    client,
		window:    DefaultWindow,
		retention: DefaultRetention,
	}
}

// WithWindow sets the bucket width. Supported: 1m, 5m, 1h, 24h.
func (s *RedisSink) WithWindow(d time.Duration) *RedisSink {
	s.window = d
	return s
}

func (s *RedisSink) WithRetention(d time.Duration) *RedisSink {
	if d > 0 {
		s.retention = d
	}
	return s
}

// Record implements dispatcher.AnalyticsSink. Failures are logged and
// dropped.
func (s *RedisSink) Record(ctx context.Context, event domain.Event, status domain.EventStatus) {
	if err := s.Write(ctx, event, status); err != nil {
		log.Printf("analytics: event=%s project=%s write failed: %v", event.ID, event.Project, err)
	}
}

func (s *RedisSink) Write(ctx context.Context, event domain.Event, status domain.EventStatus) error {
	key := buildKey(event.Project, string(event.Type), string(status), event.ReceivedAt, s.window)

	pipe := s.client.Pipeline()
	pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, s.retention)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline: %w", err)
	}
	return nil
}

// Count returns the counter for one bucket; a missing key counts as zero.
func (s *RedisSink) Count(ctx context.Context, project string, eventType domain.EventType, status domain.EventStatus, at time.Time) (int64, error) {
	key := buildKey(project, string(eventType), string(status), at, s.window)
	n, err := s.client.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis get: %w", err)
	}
	return n, nil
}

func buildKey(project, eventType, status string, t time.Time, window time.Duration) string {
	return fmt.Sprintf("gitops:p:%s:t:%s:s:%s:%s", project, eventType, status, truncateToBucket(t, window))
}

func truncateToBucket(t time.Time, window time.Duration) string {
	t = t.UTC()
	switch window {
	case time.Minute:
		return t.Format("200601021504")
	case 5 * time.Minute:
		minute := (t.Minute() / 5) * 5
		return t.Format("2006010215") + fmt.Sprintf("%02d", minute)
	case time.Hour:
		return t.Format("2006010215")
	case 24 * time.Hour:
		return t.Format("20060102")
	default:
		return t.Format("2006010215")
	}
}
