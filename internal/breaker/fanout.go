package breaker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mt5-crs/executor/internal/config"
	"github.com/mt5-crs/executor/internal/metrics"
)

// fanoutOpTimeout bounds every Redis operation so a slow or absent Redis can
// never delay an engagement. The file is the source of truth; the fan-out is
// best effort.
const fanoutOpTimeout = 500 * time.Millisecond

// Fanout broadcasts breaker engagements to peer hosts through Redis. Engage
// publishes the snapshot on a channel and mirrors it into a key so hosts that
// were offline during the broadcast still see the halt on their next check.
type Fanout struct {
	client  *redis.Client
	channel string
	key     string
	logger  zerolog.Logger
}

// NewFanout connects the fan-out client. The connection is verified with a
// ping so a misconfigured address surfaces at startup rather than at the
// first engagement.
func NewFanout(cfg config.FanoutConfig) (*Fanout, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect breaker fan-out to redis at %s: %w", cfg.Addr, err)
	}

	return &Fanout{
		client:  client,
		channel: cfg.Channel,
		key:     cfg.Key,
		logger:  log.With().Str("component", "breaker-fanout").Logger(),
	}, nil
}

// Announce broadcasts an engagement. Failures are logged and swallowed: a
// dead Redis must not turn one host's halt into a process error.
func (f *Fanout) Announce(snap Snapshot) {
	payload, err := json.Marshal(snap)
	if err != nil {
		f.logger.Error().Err(err).Msg("Failed to marshal breaker snapshot for fan-out")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), fanoutOpTimeout)
	defer cancel()

	if err := f.client.Set(ctx, f.key, payload, 0).Err(); err != nil {
		f.logger.Warn().Err(err).Msg("Breaker fan-out SET failed")
	}
	metrics.RecordRedisOperation("set")

	if err := f.client.Publish(ctx, f.channel, payload).Err(); err != nil {
		f.logger.Warn().Err(err).Msg("Breaker fan-out PUBLISH failed")
	}
	metrics.RecordRedisOperation("publish")

	f.logger.Info().
		Str("channel", f.channel).
		Str("reason", snap.Reason).
		Msg("Breaker engagement announced to peers")
}

// AnnounceClear removes the mirrored engagement key and publishes a SAFE
// snapshot after an operator disengage.
func (f *Fanout) AnnounceClear() {
	ctx, cancel := context.WithTimeout(context.Background(), fanoutOpTimeout)
	defer cancel()

	if err := f.client.Del(ctx, f.key).Err(); err != nil {
		f.logger.Warn().Err(err).Msg("Breaker fan-out DEL failed")
	}
	metrics.RecordRedisOperation("del")

	payload, err := json.Marshal(Snapshot{State: StateSafe})
	if err != nil {
		return
	}
	if err := f.client.Publish(ctx, f.channel, payload).Err(); err != nil {
		f.logger.Warn().Err(err).Msg("Breaker fan-out clear PUBLISH failed")
	}
	metrics.RecordRedisOperation("publish")
}

// Peek returns the engagement mirrored in Redis, if any. Used at startup to
// catch a peer halt broadcast while this host was down.
func (f *Fanout) Peek(ctx context.Context) (*Snapshot, error) {
	opCtx, cancel := context.WithTimeout(ctx, fanoutOpTimeout)
	defer cancel()

	data, err := f.client.Get(opCtx, f.key).Bytes()
	metrics.RecordRedisOperation("get")
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read breaker fan-out key: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to decode breaker fan-out payload: %w", err)
	}
	return &snap, nil
}

// Watch subscribes to peer engagements and invokes handler for every ENGAGED
// snapshot received. Blocks until ctx is done. SAFE broadcasts are ignored:
// a peer's disengage never silently re-enables this host.
func (f *Fanout) Watch(ctx context.Context, handler func(Snapshot)) error {
	sub := f.client.Subscribe(ctx, f.channel)
	defer sub.Close()

	// Catch an engagement that was announced before this subscriber existed.
	if snap, err := f.Peek(ctx); err == nil && snap != nil && snap.State == StateEngaged {
		handler(*snap)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("breaker fan-out subscription closed")
			}
			var snap Snapshot
			if err := json.Unmarshal([]byte(msg.Payload), &snap); err != nil {
				f.logger.Warn().Err(err).Msg("Ignoring undecodable fan-out payload")
				continue
			}
			if snap.State != StateEngaged {
				continue
			}
			f.logger.Error().
				Str("reason", snap.Reason).
				Msg("Peer host engaged its breaker")
			handler(snap)
		}
	}
}

// Close releases the Redis connection.
func (f *Fanout) Close() error {
	return f.client.Close()
}
