package stats

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"agentgate/pkg/types"
)

// RedisStore writes counters to Redis hashes:
//
//	{prefix}:total                  allowed / denied, never expires
//	{prefix}:limiter                "{limiter}:allowed" / "{limiter}:denied"
//	{prefix}:minute:200601021504    per-minute bucket, expires after ttl
//	{prefix}:key:{key}              per-key counters when key tracking is on
type RedisStore struct {
	rdb *redis.Client

	prefix    string
	ttl       time.Duration
	trackKeys bool
}

// RedisOption configures a RedisStore
type RedisOption func(*RedisStore)

// WithRedisPrefix sets the key prefix. Surrounding colons are trimmed.
func WithRedisPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		if p := strings.Trim(prefix, ":"); p != "" {
			s.prefix = p
		}
	}
}

// WithRedisTTL sets the expiry of minute buckets and per-key hashes
func WithRedisTTL(d time.Duration) RedisOption {
	return func(s *RedisStore) { s.ttl = d }
}

// WithRedisTrackKeys enables per-key hashes
func WithRedisTrackKeys(track bool) RedisOption {
	return func(s *RedisStore) { s.trackKeys = track }
}

// NewRedisStore wraps an existing client. A nil client makes Record a no-op.
func NewRedisStore(rdb *redis.Client, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		rdb:    rdb,
		prefix: "agentgate:stats",
		ttl:    2 * time.Hour,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Prefix returns the configured key prefix
func (s *RedisStore) Prefix() string { return s.prefix }

// Record pipelines the counter increments for one decision
func (s *RedisStore) Record(ctx context.Context, d types.Decision) error {
	if s == nil || s.rdb == nil {
		return nil
	}

	at := d.At
	if at.IsZero() {
		at = time.Now()
	}

	field := "denied"
	if d.Allowed {
		field = "allowed"
	}

	pipe := s.rdb.Pipeline()
	pipe.HIncrBy(ctx, s.prefix+":total", field, 1)

	if d.Limiter != "" {
		pipe.HIncrBy(ctx, s.prefix+":limiter", d.Limiter+":"+field, 1)
	}

	bucketKey := BucketKey(s.prefix, at)
	pipe.HIncrBy(ctx, bucketKey, field, 1)
	if s.ttl > 0 {
		pipe.Expire(ctx, bucketKey, s.ttl)
	}

	if s.trackKeys {
		if k := strings.TrimSpace(d.Key); k != "" {
			keyKey := s.prefix + ":key:" + k
			pipe.HIncrBy(ctx, keyKey, field, 1)
			if s.ttl > 0 {
				pipe.Expire(ctx, keyKey, s.ttl)
			}
		}
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("stats pipeline: %w", err)
	}
	return nil
}

// BucketKey is the minute bucket hash holding decisions made at t
func BucketKey(prefix string, t time.Time) string {
	return fmt.Sprintf("%s:minute:%s", prefix, t.UTC().Format("200601021504"))
}
