package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *RedisMetrics) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})
	t.Cleanup(func() { _ = client.Close() })

	return mr, NewRedisMetrics(client)
}

func TestNewRedisMetrics(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
	})

	rm := NewRedisMetrics(client)

	assert.NotNil(t, rm)
	assert.Equal(t, client, rm.client)
	assert.Equal(t, int64(0), rm.hits)
	assert.Equal(t, int64(0), rm.misses)
	assert.Equal(t, client, rm.Client())
}

func TestRedisMetricsResetStats(t *testing.T) {
	_, rm := newTestRedis(t)

	rm.hits = 100
	rm.misses = 50

	rm.ResetStats()

	assert.Equal(t, int64(0), rm.hits)
	assert.Equal(t, int64(0), rm.misses)
}

func TestRedisMetricsUpdateHitRate(t *testing.T) {
	_, rm := newTestRedis(t)

	cases := []struct {
		name   string
		hits   int64
		misses int64
	}{
		{name: "no traffic", hits: 0, misses: 0},
		{name: "mixed", hits: 80, misses: 20},
		{name: "all hits", hits: 100, misses: 0},
		{name: "all misses", hits: 0, misses: 100},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rm.hits = tc.hits
			rm.misses = tc.misses
			assert.NotPanics(t, func() {
				rm.updateHitRate()
			})
		})
	}
}

func TestRedisMetricsGet(t *testing.T) {
	mr, rm := newTestRedis(t)
	ctx := context.Background()

	// Cache miss
	_, err := rm.Get(ctx, "breaker:state")
	assert.ErrorIs(t, err, redis.Nil)
	assert.Equal(t, int64(0), rm.hits)
	assert.Equal(t, int64(1), rm.misses)

	require.NoError(t, mr.Set("breaker:state", "ENGAGED"))
	rm.ResetStats()

	// Cache hit
	val, err := rm.Get(ctx, "breaker:state")
	assert.NoError(t, err)
	assert.Equal(t, "ENGAGED", val)
	assert.Equal(t, int64(1), rm.hits)
	assert.Equal(t, int64(0), rm.misses)
}

func TestRedisMetricsSet(t *testing.T) {
	mr, rm := newTestRedis(t)
	ctx := context.Background()

	err := rm.Set(ctx, "breaker:state", "CLEAR", time.Minute)
	assert.NoError(t, err)

	val, err := mr.Get("breaker:state")
	assert.NoError(t, err)
	assert.Equal(t, "CLEAR", val)
}

func TestRedisMetricsDel(t *testing.T) {
	mr, rm := newTestRedis(t)
	ctx := context.Background()

	require.NoError(t, mr.Set("breaker:state", "ENGAGED"))

	err := rm.Del(ctx, "breaker:state")
	assert.NoError(t, err)
	assert.False(t, mr.Exists("breaker:state"))
}

func TestRedisMetricsExists(t *testing.T) {
	mr, rm := newTestRedis(t)
	ctx := context.Background()

	count, err := rm.Exists(ctx, "breaker:state")
	assert.NoError(t, err)
	assert.Equal(t, int64(0), count)

	require.NoError(t, mr.Set("breaker:state", "ENGAGED"))

	count, err = rm.Exists(ctx, "breaker:state")
	assert.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestRedisMetricsExpire(t *testing.T) {
	mr, rm := newTestRedis(t)
	ctx := context.Background()

	require.NoError(t, mr.Set("breaker:state", "ENGAGED"))

	err := rm.Expire(ctx, "breaker:state", time.Second)
	assert.NoError(t, err)

	mr.FastForward(2 * time.Second)
	assert.False(t, mr.Exists("breaker:state"))
}

func TestRedisMetricsHitRateCalculation(t *testing.T) {
	mr, rm := newTestRedis(t)
	ctx := context.Background()

	require.NoError(t, mr.Set("breaker:state", "ENGAGED"))
	rm.ResetStats()

	// Two hits, one miss
	_, _ = rm.Get(ctx, "breaker:state")
	_, _ = rm.Get(ctx, "breaker:state")
	_, _ = rm.Get(ctx, "breaker:missing")

	assert.Equal(t, int64(2), rm.hits)
	assert.Equal(t, int64(1), rm.misses)
}

func TestRedisMetricsPubSub(t *testing.T) {
	_, rm := newTestRedis(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sub := rm.Subscribe(ctx, "mt5crs:breaker")
	defer sub.Close()

	// Wait for the subscription to be confirmed before publishing
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	err = rm.Publish(ctx, "mt5crs:breaker", `{"event":"ENGAGE","reason":"manual"}`)
	require.NoError(t, err)

	msg, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)
	assert.Equal(t, "mt5crs:breaker", msg.Channel)
	assert.Contains(t, msg.Payload, "ENGAGE")
}
