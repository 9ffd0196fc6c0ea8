package stats

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/redis/go-redis/v9"

	"agentgate/pkg/interfaces"
	"agentgate/pkg/types"
)

// Backend names accepted by New
const (
	BackendNone   = "none"
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Options selects and configures a backend
type Options struct {
	Backend       string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	KeyPrefix     string
	TTL           time.Duration
	TrackKeys     bool
}

// Recorder is a StatsRecorder plus the resources it owns
type Recorder struct {
	interfaces.StatsRecorder
	client *redis.Client
}

// New builds the recorder for opts.Backend. The redis backend does not dial
// until the first Record.
func New(opts Options) (*Recorder, error) {
	switch opts.Backend {
	case BackendNone, "":
		return &Recorder{StatsRecorder: Nop{}}, nil
	case BackendMemory:
		return &Recorder{StatsRecorder: NewMemoryStore(WithMemoryTrackKeys(opts.TrackKeys))}, nil
	case BackendRedis:
		if opts.RedisAddr == "" {
			return nil, fmt.Errorf("redis stats backend requires an address")
		}
		client := redis.NewClient(&redis.Options{
			Addr:     opts.RedisAddr,
			Password: opts.RedisPassword,
			DB:       opts.RedisDB,
		})
		store := NewRedisStore(client,
			WithRedisPrefix(opts.KeyPrefix),
			WithRedisTTL(opts.TTL),
			WithRedisTrackKeys(opts.TrackKeys),
		)
		return &Recorder{StatsRecorder: store, client: client}, nil
	default:
		return nil, fmt.Errorf("unknown stats backend %q", opts.Backend)
	}
}

// Close releases the redis client, if any
func (r *Recorder) Close() error {
	if r.client == nil {
		return nil
	}
	return r.client.Close()
}

// Nop discards every decision
type Nop struct{}

// Record implements interfaces.StatsRecorder
func (Nop) Record(context.Context, types.Decision) error { return nil }

// RecordBestEffort records d and logs, never returns, a failure
func RecordBestEffort(ctx context.Context, rec interfaces.StatsRecorder, logger hclog.Logger, d types.Decision) {
	if rec == nil {
		return
	}
	if err := rec.Record(ctx, d); err != nil && logger != nil {
		logger.Debug("stats record failed", "limiter", d.Limiter, "error", err)
	}
}
