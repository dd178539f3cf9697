package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mt5-crs/executor/internal/metrics"
)

// HeartbeatMessage is the liveness beacon the engine publishes so the
// platform's supervisors can tell a halted executor from a dead one.
type HeartbeatMessage struct {
	Instance  string    `json:"instance"`
	Mode      string    `json:"mode"`
	Status    string    `json:"status"`
	Breaker   string    `json:"breaker"`
	Timestamp time.Time `json:"timestamp"`
}

// Heartbeat publishes periodic liveness messages over NATS. The status
// callback is polled at publish time so the beacon reflects the engine's
// current view without any coupling back into it.
type Heartbeat struct {
	nc       *nats.Conn
	topic    string
	interval time.Duration
	instance string
	mode     string
	status   func() (status, breakerState string)
	logger   zerolog.Logger
}

// NewHeartbeat dials NATS and returns a publisher. The caller owns the
// returned Heartbeat and must Close it after Run exits.
func NewHeartbeat(url, topic string, interval time.Duration, instance, mode string, status func() (string, string)) (*Heartbeat, error) {
	nc, err := nats.Connect(
		url,
		nats.Name("mt5crs-executor-heartbeat"),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, err
	}
	return &Heartbeat{
		nc:       nc,
		topic:    topic,
		interval: interval,
		instance: instance,
		mode:     mode,
		status:   status,
		logger:   log.With().Str("component", "heartbeat").Logger(),
	}, nil
}

// Run publishes immediately, then at the configured interval until ctx is
// done.
func (h *Heartbeat) Run(ctx context.Context) error {
	h.logger.Info().
		Str("topic", h.topic).
		Dur("interval", h.interval).
		Msg("Heartbeat publishing started")

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.publish()
	for {
		select {
		case <-ctx.Done():
			h.logger.Info().Str("topic", h.topic).Msg("Heartbeat publishing stopped")
			return nil
		case <-ticker.C:
			h.publish()
		}
	}
}

func (h *Heartbeat) publish() {
	status, breakerState := h.status()
	msg := HeartbeatMessage{
		Instance:  h.instance,
		Mode:      h.mode,
		Status:    status,
		Breaker:   breakerState,
		Timestamp: time.Now().UTC(),
	}

	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to marshal heartbeat")
		metrics.RecordHeartbeat(err)
		return
	}
	if err := h.nc.Publish(h.topic, data); err != nil {
		h.logger.Error().Err(err).Msg("Failed to publish heartbeat")
		metrics.RecordHeartbeat(err)
		return
	}
	metrics.RecordHeartbeat(nil)
	h.logger.Debug().Str("topic", h.topic).Str("status", status).Msg("Heartbeat published")
}

// Close drains the heartbeat connection.
func (h *Heartbeat) Close() {
	if h.nc != nil && !h.nc.IsClosed() {
		h.nc.Close()
	}
}
