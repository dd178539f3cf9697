// Package breaker implements the durable trading halt: a host-local file
// whose presence means ENGAGED. Engagement is sticky for the session; only an
// explicit administrative disengage removes the file. If the file cannot be
// read or written the breaker falls closed and reports ENGAGED.
package breaker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mt5-crs/executor/internal/metrics"
)

// State is the breaker position.
type State string

const (
	// StateSafe means order submission is permitted.
	StateSafe State = "SAFE"
	// StateEngaged means no order may leave the process.
	StateEngaged State = "ENGAGED"
)

// ReasonPeer marks an engagement mirrored from another host via the fan-out.
const ReasonPeer = "PEER_ENGAGED"

// ReasonStorage marks a fail-closed engagement caused by an unusable
// persistence path rather than a risk condition.
const ReasonStorage = "BREAKER_STORAGE_ERROR"

// Snapshot is an immutable view of the breaker at one instant.
type Snapshot struct {
	State     State             `json:"state"`
	EngagedAt time.Time         `json:"engaged_at,omitempty"`
	Reason    string            `json:"reason,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// fileState is the persisted representation. Presence of the file is the
// ENGAGED signal; the contents exist for the operator reading them.
type fileState struct {
	EngagedAt time.Time         `json:"engaged_at"`
	Reason    string            `json:"reason"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// TransitionListener is notified after every observed state transition,
// including transitions made by another process and seen by the watcher.
type TransitionListener func(old, new Snapshot)

// Breaker is the process handle on the durable halt flag. State reads come
// from an atomically swapped snapshot; the file is only touched by Engage,
// Disengage, and the watcher.
type Breaker struct {
	path   string
	logger zerolog.Logger
	fanout *Fanout

	current atomic.Pointer[Snapshot]

	mu        sync.Mutex // serializes engage/disengage/refresh
	listeners []TransitionListener
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithFanout attaches a Redis fan-out that announces engagements to peer
// hosts. The file stays authoritative; fan-out failures are tolerated.
func WithFanout(f *Fanout) Option {
	return func(b *Breaker) { b.fanout = f }
}

// New opens the breaker at path. If the file already exists the breaker
// starts ENGAGED with the persisted reason; a crash cannot silently resume
// trading. An unreadable path also starts ENGAGED (fail closed).
func New(path string, opts ...Option) (*Breaker, error) {
	if path == "" {
		return nil, fmt.Errorf("breaker path must not be empty")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create breaker directory %s: %w", dir, err)
		}
	}

	b := &Breaker{
		path:   path,
		logger: log.With().Str("component", "breaker").Logger(),
	}
	for _, opt := range opts {
		opt(b)
	}

	snap := b.readState()
	b.current.Store(&snap)
	metrics.SetBreakerEngaged(snap.State == StateEngaged)

	if snap.State == StateEngaged {
		b.logger.Warn().
			Str("reason", snap.Reason).
			Time("engaged_at", snap.EngagedAt).
			Msg("Breaker file present at startup, trading remains halted")
	}

	return b, nil
}

// Path returns the location of the persistent breaker file.
func (b *Breaker) Path() string {
	return b.path
}

// OnTransition registers a listener invoked after each state transition.
// Listeners run on the transitioning goroutine and must not block.
func (b *Breaker) OnTransition(fn TransitionListener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, fn)
}

// State returns the current breaker position without touching the disk.
func (b *Breaker) State() State {
	return b.current.Load().State
}

// ShouldHalt reports whether order submission must stop.
func (b *Breaker) ShouldHalt() bool {
	return b.State() == StateEngaged
}

// Snapshot returns a copy of the current breaker view.
func (b *Breaker) Snapshot() Snapshot {
	snap := *b.current.Load()
	if snap.Metadata != nil {
		md := make(map[string]string, len(snap.Metadata))
		for k, v := range snap.Metadata {
			md[k] = v
		}
		snap.Metadata = md
	}
	return snap
}

// Engage transitions SAFE to ENGAGED and persists the transition. It is
// idempotent: engaging an already engaged breaker is a no-op. Two processes
// racing on the same file both end up ENGAGED; the loser adopts the winner's
// persisted reason.
func (b *Breaker) Engage(reason string, metadata map[string]string) error {
	b.mu.Lock()

	old := *b.current.Load()
	if old.State == StateEngaged {
		b.mu.Unlock()
		return nil
	}

	now := time.Now().UTC()
	state := fileState{EngagedAt: now, Reason: reason, Metadata: metadata}

	persisted, err := b.persistEngage(state)
	if err != nil {
		// Fall closed: the disk refused the engagement, so the in-memory
		// state still flips to ENGAGED and a fatal alert is raised.
		snap := Snapshot{State: StateEngaged, EngagedAt: now, Reason: reason, Metadata: metadata}
		b.current.Store(&snap)
		b.mu.Unlock()

		metrics.SetBreakerEngaged(true)
		metrics.RecordEngagement(reason)
		b.logger.WithLevel(zerolog.FatalLevel).
			Err(err).
			Str("path", b.path).
			Str("reason", reason).
			Msg("FATAL ALERT: breaker engagement could not be persisted, failing closed")
		b.notify(old, snap)
		return fmt.Errorf("failed to persist breaker engagement: %w", err)
	}

	snap := Snapshot{
		State:     StateEngaged,
		EngagedAt: persisted.EngagedAt,
		Reason:    persisted.Reason,
		Metadata:  persisted.Metadata,
	}
	b.current.Store(&snap)
	b.mu.Unlock()

	metrics.SetBreakerEngaged(true)
	metrics.RecordEngagement(snap.Reason)
	b.logger.Error().
		Str("reason", snap.Reason).
		Time("engaged_at", snap.EngagedAt).
		Msg("CIRCUIT BREAKER ENGAGED: all order submission halted")

	// Peer engagements are not re-announced; the origin host already did.
	if b.fanout != nil && reason != ReasonPeer {
		b.fanout.Announce(snap)
	}

	b.notify(old, snap)
	return nil
}

// persistEngage writes the breaker file with create-exclusive semantics.
// If another engager won the race, the winner's state is adopted.
func (b *Breaker) persistEngage(state fileState) (fileState, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return state, fmt.Errorf("failed to marshal breaker state: %w", err)
	}

	f, err := os.OpenFile(b.path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			if winner, rerr := b.readFile(); rerr == nil {
				return winner, nil
			}
			// Present but unreadable still means ENGAGED.
			return state, nil
		}
		return state, err
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		return state, fmt.Errorf("failed to write breaker file: %w", err)
	}
	if err := f.Close(); err != nil {
		return state, fmt.Errorf("failed to close breaker file: %w", err)
	}
	return state, nil
}

// Disengage removes the persistent halt. This is an administrative action:
// the admin surface validates the operator token before this is reachable.
func (b *Breaker) Disengage() error {
	b.mu.Lock()

	old := *b.current.Load()
	if err := os.Remove(b.path); err != nil && !os.IsNotExist(err) {
		b.mu.Unlock()
		return fmt.Errorf("failed to remove breaker file: %w", err)
	}

	snap := Snapshot{State: StateSafe}
	b.current.Store(&snap)
	b.mu.Unlock()

	metrics.SetBreakerEngaged(false)
	b.logger.Warn().
		Str("previous_reason", old.Reason).
		Msg("Circuit breaker disengaged by operator")

	if b.fanout != nil {
		b.fanout.AnnounceClear()
	}

	if old.State == StateEngaged {
		b.notify(old, snap)
	}
	return nil
}

// Watch polls the breaker file so out-of-process transitions (an operator
// touching or removing the file, a peer-triggered engage on this host) are
// observed. Blocks until ctx is done.
func (b *Breaker) Watch(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.Refresh()
		}
	}
}

// Refresh re-reads the persistent state and applies any transition it finds.
func (b *Breaker) Refresh() Snapshot {
	b.mu.Lock()
	old := *b.current.Load()
	snap := b.readState()

	if snap.State == old.State {
		b.mu.Unlock()
		return snap
	}

	b.current.Store(&snap)
	b.mu.Unlock()

	metrics.SetBreakerEngaged(snap.State == StateEngaged)
	if snap.State == StateEngaged {
		metrics.RecordEngagement(snap.Reason)
		b.logger.Error().
			Str("reason", snap.Reason).
			Msg("CIRCUIT BREAKER ENGAGED externally: halt observed on disk")
	} else {
		b.logger.Warn().Msg("Breaker file removed externally, trading re-enabled")
	}

	b.notify(old, snap)
	return snap
}

// readState derives the current snapshot from the filesystem. Errors other
// than absence read as ENGAGED.
func (b *Breaker) readState() Snapshot {
	if _, err := os.Stat(b.path); err != nil {
		if os.IsNotExist(err) {
			return Snapshot{State: StateSafe}
		}
		b.logger.WithLevel(zerolog.FatalLevel).
			Err(err).
			Str("path", b.path).
			Msg("FATAL ALERT: breaker file unreadable, failing closed")
		return Snapshot{
			State:     StateEngaged,
			EngagedAt: time.Now().UTC(),
			Reason:    ReasonStorage,
		}
	}

	state, err := b.readFile()
	if err != nil {
		// The file exists, so the halt stands even if the contents are gone.
		b.logger.Error().Err(err).Msg("Breaker file present but undecodable, treating as engaged")
		return Snapshot{
			State:     StateEngaged,
			EngagedAt: time.Now().UTC(),
			Reason:    ReasonStorage,
		}
	}

	return Snapshot{
		State:     StateEngaged,
		EngagedAt: state.EngagedAt,
		Reason:    state.Reason,
		Metadata:  state.Metadata,
	}
}

func (b *Breaker) readFile() (fileState, error) {
	var state fileState
	data, err := os.ReadFile(b.path)
	if err != nil {
		return state, fmt.Errorf("failed to read breaker file: %w", err)
	}
	if err := json.Unmarshal(data, &state); err != nil {
		return state, fmt.Errorf("failed to decode breaker file: %w", err)
	}
	return state, nil
}

func (b *Breaker) notify(old, new Snapshot) {
	b.mu.Lock()
	listeners := make([]TransitionListener, len(b.listeners))
	copy(listeners, b.listeners)
	b.mu.Unlock()

	for _, fn := range listeners {
		fn(old, new)
	}
}
