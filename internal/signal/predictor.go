// Package signal turns feature snapshots into ternary trade signals and
// sized order intents. Evaluate is pure: no I/O, no clocks, and the same
// inputs always produce the same outputs. Model loading happens once at
// construction time.
package signal

import (
	"fmt"
	"sync"

	"github.com/mt5-crs/executor/internal/config"
)

// Predictor scores a feature vector into [0, 1]. 0.5 is neutral, above
// leans long, below leans short. Implementations must be deterministic.
type Predictor interface {
	Predict(features []float64) float64
}

// NewPredictor builds the configured Predictor.
func NewPredictor(cfg config.PredictorConfig) (Predictor, error) {
	switch cfg.Kind {
	case "linear":
		return LoadLinearModel(cfg.ModelPath)
	case "heuristic", "":
		return NewHeuristic(cfg.RSIPeriod), nil
	default:
		return nil, fmt.Errorf("unknown predictor kind %q", cfg.Kind)
	}
}

// Replayer replays a recorded score sequence, one score per Predict call.
// Used by the replay tooling and tests; once the recording is exhausted it
// returns neutral.
type Replayer struct {
	mu     sync.Mutex
	scores []float64
	next   int
}

// NewReplayer creates a Replayer over a recorded score sequence.
func NewReplayer(scores []float64) *Replayer {
	return &Replayer{scores: scores}
}

// Predict returns the next recorded score. Features are ignored.
func (r *Replayer) Predict(_ []float64) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.next >= len(r.scores) {
		return 0.5
	}
	score := r.scores[r.next]
	r.next++
	return score
}

// Remaining returns how many recorded scores are left to play.
func (r *Replayer) Remaining() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.scores) - r.next
}
