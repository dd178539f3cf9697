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

// driftClasses are the signal classes {-1, 0, +1} bucketed by index signal+1.
const driftClasses = 3

// DriftSensor detects regime change in one symbol's signal distribution. The
// reference window is frozen from the first N signals of the session; the
// current window rolls over the last N. PSI between the two class
// distributions crossing the threshold emits a drift event (edge-triggered,
// one event per excursion), and too many events inside the rolling event
// window engage the breaker.
//
// Event timestamps come from the observed tuples, not the wall clock, so
// replayed sessions produce identical event sequences.
type DriftSensor struct {
	symbol string
	cfg    config.DriftSensorConfig
	engage EngageFunc
	logger zerolog.Logger

	mu        sync.Mutex
	refCounts [driftClasses]int
	refSize   int
	ring      []int // class indexes, rolling
	curCounts [driftClasses]int
	next      int
	curSize   int
	psi       float64
	above     bool
	events    []time.Time
	tripped   bool
}

// NewDriftSensor creates a drift sensor scoped to one symbol. engage may be
// nil.
func NewDriftSensor(symbol string, cfg config.DriftSensorConfig, engage EngageFunc) *DriftSensor {
	if cfg.Window <= 0 {
		cfg.Window = 500
	}
	if cfg.PSIThreshold <= 0 {
		cfg.PSIThreshold = 0.25
	}
	if cfg.EventLimit <= 0 {
		cfg.EventLimit = 5
	}
	if cfg.EventWindow <= 0 {
		cfg.EventWindow = 24 * time.Hour
	}
	return &DriftSensor{
		symbol: symbol,
		cfg:    cfg,
		engage: engage,
		logger: log.With().Str("component", "drift_sensor").Str("symbol", symbol).Logger(),
		ring:   make([]int, cfg.Window),
	}
}

// Observe ingests one (timestamp, signal, confidence) tuple.
func (s *DriftSensor) Observe(ts time.Time, signal int, confidence float64) {
	if signal < -1 || signal > 1 {
		s.logger.Warn().Int("signal", signal).Msg("Rejected out-of-range signal class")
		metrics.RecordError("invalid_signal", "drift_sensor")
		return
	}
	if !stats.IsFinite(confidence) || confidence < 0 || confidence > 1 {
		s.logger.Warn().Float64("confidence", confidence).Msg("Rejected out-of-range confidence")
		metrics.RecordError("invalid_confidence", "drift_sensor")
		return
	}
	idx := signal + 1

	s.mu.Lock()
	defer s.mu.Unlock()

	// The first Window signals of the session freeze the reference.
	if s.refSize < s.cfg.Window {
		s.refCounts[idx]++
		s.refSize++
	}

	if s.curSize == len(s.ring) {
		s.curCounts[s.ring[s.next]]--
	} else {
		s.curSize++
	}
	s.ring[s.next] = idx
	s.curCounts[idx]++
	s.next = (s.next + 1) % len(s.ring)

	if s.refSize < s.cfg.Window || s.curSize < len(s.ring) {
		return
	}

	psi, err := stats.PSI(s.curCounts[:], s.refCounts[:])
	if err != nil {
		// Both windows are full here, so this is unreachable short of a bug.
		s.logger.Error().Err(err).Msg("PSI computation failed")
		return
	}
	s.psi = psi
	metrics.UpdateSignalPSI(s.symbol, psi)

	if psi < s.cfg.PSIThreshold {
		s.above = false
		return
	}
	if s.above {
		return
	}
	s.above = true

	cutoff := ts.Add(-s.cfg.EventWindow)
	kept := s.events[:0]
	for _, e := range s.events {
		if e.After(cutoff) {
			kept = append(kept, e)
		}
	}
	s.events = append(kept, ts)
	metrics.RecordDriftEvent(s.symbol)
	s.logger.Warn().
		Float64("psi", psi).
		Float64("threshold", s.cfg.PSIThreshold).
		Int("events_in_window", len(s.events)).
		Msg("Signal distribution drift detected")

	if s.tripped || len(s.events) <= s.cfg.EventLimit {
		return
	}
	s.tripped = true
	s.logger.Error().
		Int("events", len(s.events)).
		Int("limit", s.cfg.EventLimit).
		Msg("Drift event limit exceeded, engaging circuit breaker")
	if s.engage == nil {
		return
	}
	engageErr := s.engage(ReasonSignalDrift, map[string]string{
		"detail": fmt.Sprintf("%d drift events within %s", len(s.events), s.cfg.EventWindow),
		"symbol": s.symbol,
		"events": fmt.Sprintf("%d", len(s.events)),
		"psi":    fmt.Sprintf("%.4f", psi),
	})
	if engageErr != nil {
		s.logger.Error().Err(engageErr).Msg("Breaker engagement failed")
	}
}

// PSI returns the most recently computed stability index.
func (s *DriftSensor) PSI() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.psi
}

// Events returns the number of drift events inside the rolling event window
// as of the last observation.
func (s *DriftSensor) Events() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

// Tripped reports whether the sensor has engaged this session.
func (s *DriftSensor) Tripped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tripped
}
