package stats

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentgate/pkg/types"
)

func TestMemoryStore_CountsPerLimiter(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.Record(ctx, types.Decision{Limiter: types.LimiterAuth, Key: "default:1.2.3.4", Allowed: true}))
	require.NoError(t, s.Record(ctx, types.Decision{Limiter: types.LimiterAuth, Key: "default:1.2.3.4", Allowed: false}))
	require.NoError(t, s.Record(ctx, types.Decision{Limiter: types.LimiterFrame, Allowed: true}))

	assert.Equal(t, Counters{Allowed: 2, Denied: 1}, s.Total())
	by := s.ByLimiter()
	assert.Equal(t, Counters{Allowed: 1, Denied: 1}, by[types.LimiterAuth])
	assert.Equal(t, Counters{Allowed: 1}, by[types.LimiterFrame])
	assert.Empty(t, s.ByKey(), "keys are not tracked by default")
}

func TestMemoryStore_TrackKeys(t *testing.T) {
	s := NewMemoryStore(WithMemoryTrackKeys(true))
	ctx := context.Background()

	_ = s.Record(ctx, types.Decision{Limiter: types.LimiterHTTP, Key: "10.0.0.1", Allowed: false})
	_ = s.Record(ctx, types.Decision{Limiter: types.LimiterHTTP, Key: "", Allowed: false})

	keys := s.ByKey()
	assert.Len(t, keys, 1)
	assert.Equal(t, Counters{Denied: 1}, keys["10.0.0.1"])
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	_ = s.Record(context.Background(), types.Decision{Limiter: types.LimiterAuth, Allowed: true})

	by := s.ByLimiter()
	by[types.LimiterAuth] = Counters{Allowed: 99}
	assert.Equal(t, int64(1), s.ByLimiter()[types.LimiterAuth].Allowed)
}

func TestMemoryStore_Concurrent(t *testing.T) {
	s := NewMemoryStore()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_ = s.Record(context.Background(), types.Decision{Limiter: types.LimiterFrame, Allowed: j%2 == 0})
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, Counters{Allowed: 500, Denied: 500}, s.Total())
}

func TestRedisStore_NilClientIsNoop(t *testing.T) {
	s := NewRedisStore(nil)
	assert.NoError(t, s.Record(context.Background(), types.Decision{Limiter: types.LimiterAuth}))

	var nilStore *RedisStore
	assert.NoError(t, nilStore.Record(context.Background(), types.Decision{}))
}

func TestRedisStore_Options(t *testing.T) {
	s := NewRedisStore(nil, WithRedisPrefix(":gw:stats:"), WithRedisTTL(time.Minute), WithRedisTrackKeys(true))
	assert.Equal(t, "gw:stats", s.Prefix())
	assert.Equal(t, time.Minute, s.ttl)
	assert.True(t, s.trackKeys)

	s = NewRedisStore(nil, WithRedisPrefix("::"))
	assert.Equal(t, "agentgate:stats", s.Prefix(), "empty prefix keeps default")
}

func TestRedisStore_UnreachableServerReturnsError(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer func() { _ = client.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := NewRedisStore(client).Record(ctx, types.Decision{Limiter: types.LimiterAuth, Allowed: true})
	assert.Error(t, err)
}

func TestBucketKey(t *testing.T) {
	at := time.Date(2024, 3, 9, 14, 5, 59, 0, time.UTC)
	assert.Equal(t, "p:minute:202403091405", BucketKey("p", at))
}

func TestNew_Backends(t *testing.T) {
	r, err := New(Options{Backend: BackendNone})
	require.NoError(t, err)
	assert.IsType(t, Nop{}, r.StatsRecorder)
	assert.NoError(t, r.Close())

	r, err = New(Options{Backend: BackendMemory})
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, r.StatsRecorder)

	r, err = New(Options{Backend: BackendRedis, RedisAddr: "127.0.0.1:6379", KeyPrefix: "x"})
	require.NoError(t, err)
	assert.IsType(t, &RedisStore{}, r.StatsRecorder)
	assert.NoError(t, r.Close())

	_, err = New(Options{Backend: BackendRedis})
	assert.Error(t, err)

	_, err = New(Options{Backend: "kafka"})
	assert.Error(t, err)
}

type failingRecorder struct{ calls int }

func (f *failingRecorder) Record(context.Context, types.Decision) error {
	f.calls++
	return errors.New("down")
}

func TestRecordBestEffort_SwallowsErrors(t *testing.T) {
	rec := &failingRecorder{}
	RecordBestEffort(context.Background(), rec, hclog.NewNullLogger(), types.Decision{Limiter: types.LimiterAuth})
	assert.Equal(t, 1, rec.calls)

	RecordBestEffort(context.Background(), nil, nil, types.Decision{})
}
