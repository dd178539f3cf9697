package risk

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mt5-crs/executor/internal/config"
	"github.com/mt5-crs/executor/internal/metrics"
	"github.com/mt5-crs/executor/internal/stats"
)

// LatencySensor watches the signal-to-dispatch latency tail. It keeps a
// rolling window of the most recent samples, computes exact P95/P99 on every
// observation, and counts spikes (samples above the critical threshold)
// still inside the window. Reaching the spike limit engages the breaker.
//
// Spikes are per-sample; the warning threshold applies to P95 so a single
// slow evaluation does not page anyone.
type LatencySensor struct {
	cfg    config.LatencySensorConfig
	engage EngageFunc
	logger zerolog.Logger

	mu      sync.Mutex
	window  []float64 // milliseconds, ring
	next    int
	size    int
	spikes  int // samples above critical currently in window
	p95     float64
	p99     float64
	warned  bool
	tripped bool
}

// NewLatencySensor creates a latency sensor. engage may be nil.
func NewLatencySensor(cfg config.LatencySensorConfig, engage EngageFunc) *LatencySensor {
	if cfg.Window <= 0 {
		cfg.Window = 100
	}
	if cfg.CriticalMs <= 0 {
		cfg.CriticalMs = 100
	}
	if cfg.WarningMs <= 0 {
		cfg.WarningMs = 50
	}
	if cfg.SpikeLimit <= 0 {
		cfg.SpikeLimit = 3
	}
	return &LatencySensor{
		cfg:    cfg,
		engage: engage,
		logger: log.With().Str("component", "latency_sensor").Logger(),
		window: make([]float64, cfg.Window),
	}
}

// Observe records one signal-processing latency sample.
func (s *LatencySensor) Observe(d time.Duration) {
	ms := float64(d) / float64(time.Millisecond)
	if ms < 0 || !stats.IsFinite(ms) {
		s.logger.Warn().Float64("latency_ms", ms).Msg("Rejected invalid latency sample")
		metrics.RecordError("invalid_latency", "latency_sensor")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.size == len(s.window) {
		if s.window[s.next] > s.cfg.CriticalMs {
			s.spikes--
		}
	} else {
		s.size++
	}
	s.window[s.next] = ms
	s.next = (s.next + 1) % len(s.window)

	if ms > s.cfg.CriticalMs {
		s.spikes++
		metrics.RecordLatencySpike()
		s.logger.Warn().
			Float64("latency_ms", ms).
			Float64("critical_ms", s.cfg.CriticalMs).
			Int("spikes_in_window", s.spikes).
			Msg("Critical latency spike")
	}

	// Exact percentiles on the live window. The window is non-empty here so
	// Percentile cannot fail.
	samples := s.window[:s.size]
	s.p95, _ = stats.Percentile(samples, 95)
	s.p99, _ = stats.Percentile(samples, 99)
	metrics.UpdateLatencyPercentiles(s.p95, s.p99)

	switch {
	case s.p95 >= s.cfg.WarningMs:
		if !s.warned {
			s.warned = true
			s.logger.Warn().
				Float64("p95_ms", s.p95).
				Float64("warning_ms", s.cfg.WarningMs).
				Msg("Latency P95 above warning threshold")
			metrics.RecordRiskWarning("latency")
		}
	default:
		s.warned = false
	}

	if s.tripped || s.spikes < s.cfg.SpikeLimit {
		return
	}
	s.tripped = true
	s.logger.Error().
		Int("spikes", s.spikes).
		Int("limit", s.cfg.SpikeLimit).
		Float64("p99_ms", s.p99).
		Msg("Latency spike limit reached, engaging circuit breaker")
	if s.engage == nil {
		return
	}
	err := s.engage(ReasonLatencySpikes, map[string]string{
		"detail":      fmt.Sprintf("%d latency spikes above %.0fms within window", s.spikes, s.cfg.CriticalMs),
		"spikes":      fmt.Sprintf("%d", s.spikes),
		"p99_ms":      fmt.Sprintf("%.3f", s.p99),
		"critical_ms": fmt.Sprintf("%.0f", s.cfg.CriticalMs),
	})
	if err != nil {
		s.logger.Error().Err(err).Msg("Breaker engagement failed")
	}
}

// Stats returns the current P95/P99 estimates in milliseconds and the number
// of critical spikes inside the window.
func (s *LatencySensor) Stats() (p95, p99 float64, spikes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.p95, s.p99, s.spikes
}

// Tripped reports whether the sensor has engaged this session.
func (s *LatencySensor) Tripped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tripped
}
