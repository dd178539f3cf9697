// Package shadow is the append-only record of every signal evaluated in
// shadow mode. Records are NDJSON, one line per evaluation, written by a
// single goroutine fed from a bounded queue and flushed on a size or time
// threshold. Files rotate by UTC day. The admission engine replays these
// files to decide whether a model generation may trade.
package shadow

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mt5-crs/executor/internal/config"
	"github.com/mt5-crs/executor/internal/metrics"
)

// ErrRecorderClosed is returned by Append and Flush after Close.
var ErrRecorderClosed = errors.New("shadow recorder is closed")

// Record is one signal evaluation. Timestamps are epoch seconds; the
// difference timestamp_log - timestamp_signal is the processing latency the
// admission engine audits.
type Record struct {
	ID              int64   `json:"id"`
	TimestampSignal float64 `json:"timestamp_signal"`
	TimestampLog    float64 `json:"timestamp_log"`
	Symbol          string  `json:"symbol"`
	Signal          int     `json:"signal"`
	Price           float64 `json:"price"`
	Confidence      float64 `json:"confidence"`
	TickRef         string  `json:"tick_ref"`
}

// Latency returns timestamp_log - timestamp_signal.
func (r Record) Latency() time.Duration {
	return time.Duration((r.TimestampLog - r.TimestampSignal) * float64(time.Second))
}

// LogTime returns the log timestamp as a time.Time in UTC.
func (r Record) LogTime() time.Time {
	sec := int64(r.TimestampLog)
	nsec := int64((r.TimestampLog - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).UTC()
}

// fileName renders the rotation name for a UTC day.
func fileName(day string) string {
	return "shadow-" + day + ".ndjson"
}

// Recorder appends records durably. Append blocks when the queue is full
// rather than dropping: every signal evaluated in shadow mode must end up in
// exactly one record, so backpressure is the writer's problem, not data loss.
type Recorder struct {
	cfg    config.ShadowConfig
	logger zerolog.Logger

	nextID atomic.Int64

	mu     sync.RWMutex
	closed bool

	queue    chan Record
	flushReq chan chan error
	done     chan struct{}
	closeErr error

	// Writer-goroutine state. Never touched outside run().
	file    *os.File
	w       *bufio.Writer
	day     string
	pending int
}

// NewRecorder creates the shadow directory if needed and starts the writer.
func NewRecorder(cfg config.ShadowConfig) (*Recorder, error) {
	if cfg.FlushRecords <= 0 {
		cfg.FlushRecords = 1000
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 4096
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create shadow directory %s: %w", cfg.Dir, err)
	}

	r := &Recorder{
		cfg:      cfg,
		logger:   log.With().Str("component", "shadow").Logger(),
		queue:    make(chan Record, cfg.QueueSize),
		flushReq: make(chan chan error),
		done:     make(chan struct{}),
	}
	go r.run()

	r.logger.Info().
		Str("dir", cfg.Dir).
		Int("flush_records", cfg.FlushRecords).
		Dur("flush_interval", cfg.FlushInterval).
		Msg("Shadow recorder started")
	return r, nil
}

// Append queues one record and returns its assigned id. The recorder owns id
// assignment; a zero timestamp_log is stamped with the current time.
func (r *Recorder) Append(rec Record) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		metrics.ShadowDrops.Inc()
		return 0, ErrRecorderClosed
	}

	rec.ID = r.nextID.Add(1)
	if rec.TimestampLog == 0 {
		rec.TimestampLog = float64(time.Now().UnixNano()) / float64(time.Second)
	}

	r.queue <- rec
	metrics.ShadowRecords.Inc()
	metrics.ShadowQueueDepth.Set(float64(len(r.queue)))
	return rec.ID, nil
}

// Flush forces buffered records to disk and blocks until done.
func (r *Recorder) Flush() error {
	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		return ErrRecorderClosed
	}
	reply := make(chan error, 1)
	r.flushReq <- reply
	r.mu.RUnlock()
	return <-reply
}

// Close drains the queue, flushes, and closes the current file. Safe to call
// twice.
func (r *Recorder) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		<-r.done
		return r.closeErr
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()

	<-r.done
	return r.closeErr
}

// run is the single writer goroutine.
func (r *Recorder) run() {
	defer close(r.done)

	ticker := time.NewTicker(r.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case rec, ok := <-r.queue:
			if !ok {
				r.closeErr = r.shutdown()
				return
			}
			metrics.ShadowQueueDepth.Set(float64(len(r.queue)))
			r.write(rec)
			if r.pending >= r.cfg.FlushRecords {
				r.flush("size")
			}
		case <-ticker.C:
			if r.pending > 0 {
				r.flush("interval")
			}
		case reply := <-r.flushReq:
			open := r.drain()
			reply <- r.flush("manual")
			if !open {
				r.closeErr = r.shutdown()
				return
			}
		}
	}
}

// drain writes everything already queued so Flush acts as a barrier for
// records appended before the call. Returns false when the queue was closed
// mid-drain.
func (r *Recorder) drain() bool {
	for {
		select {
		case rec, ok := <-r.queue:
			if !ok {
				return false
			}
			r.write(rec)
			if r.pending >= r.cfg.FlushRecords {
				r.flush("size")
			}
		default:
			metrics.ShadowQueueDepth.Set(float64(len(r.queue)))
			return true
		}
	}
}

// write appends one record, rotating to the record's UTC day first.
func (r *Recorder) write(rec Record) {
	day := rec.LogTime().Format("20060102")
	if r.file == nil || day != r.day {
		if err := r.rotate(day); err != nil {
			r.logger.Error().Err(err).Str("day", day).Msg("Shadow rotation failed, record lost")
			metrics.RecordError("rotation", "shadow")
			return
		}
	}

	line, err := json.Marshal(rec)
	if err != nil {
		r.logger.Error().Err(err).Int64("id", rec.ID).Msg("Shadow record marshal failed")
		metrics.RecordError("marshal", "shadow")
		return
	}
	line = append(line, '\n')
	if _, err := r.w.Write(line); err != nil {
		r.logger.Error().Err(err).Int64("id", rec.ID).Msg("Shadow write failed")
		metrics.RecordError("write", "shadow")
		// The bufio error sticks; drop the file so the next record reopens.
		r.file.Close()
		r.file = nil
		r.w = nil
		r.pending = 0
		return
	}
	r.pending++
}

// rotate flushes and closes the current file, then opens the day's file
// append-only.
func (r *Recorder) rotate(day string) error {
	if r.file != nil {
		r.flush("rotation")
		if err := r.file.Close(); err != nil {
			r.logger.Warn().Err(err).Msg("Closing rotated shadow file failed")
		}
		metrics.ShadowRotations.Inc()
	}

	path := filepath.Join(r.cfg.Dir, fileName(day))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		r.file = nil
		r.w = nil
		return fmt.Errorf("failed to open shadow file %s: %w", path, err)
	}
	r.file = f
	r.w = bufio.NewWriter(f)
	r.day = day
	r.pending = 0
	r.logger.Info().Str("file", path).Msg("Shadow file opened")
	return nil
}

// flush pushes buffered lines to the OS and syncs for durability.
func (r *Recorder) flush(trigger string) error {
	if r.w == nil {
		return nil
	}
	if err := r.w.Flush(); err != nil {
		r.logger.Error().Err(err).Msg("Shadow flush failed")
		metrics.RecordError("flush", "shadow")
		return err
	}
	if err := r.file.Sync(); err != nil {
		r.logger.Error().Err(err).Msg("Shadow fsync failed")
		metrics.RecordError("fsync", "shadow")
		return err
	}
	r.pending = 0
	metrics.RecordShadowFlush(trigger)
	return nil
}

// shutdown performs the final flush and close after the queue is drained.
func (r *Recorder) shutdown() error {
	err := r.flush("close")
	if r.file != nil {
		if cerr := r.file.Close(); cerr != nil && err == nil {
			err = cerr
		}
		r.file = nil
		r.w = nil
	}
	r.logger.Info().Msg("Shadow recorder closed")
	return err
}
