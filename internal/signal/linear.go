package signal

import (
	"encoding/json"
	"fmt"
	"math"
	"os"

	"github.com/rs/zerolog/log"
)

// modelArtifact is the JSON shape of an exported logistic model.
type modelArtifact struct {
	Name    string    `json:"name"`
	Version string    `json:"version"`
	Bias    float64   `json:"bias"`
	Weights []float64 `json:"weights"`
}

// LinearModel scores features with a logistic regression whose weights were
// exported by the research pipeline. The artifact is read once at load time;
// Predict itself does no I/O.
type LinearModel struct {
	name    string
	version string
	bias    float64
	weights []float64
}

// LoadLinearModel reads and validates a model artifact from disk.
func LoadLinearModel(path string) (*LinearModel, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read model artifact %s: %w", path, err)
	}

	var artifact modelArtifact
	if err := json.Unmarshal(raw, &artifact); err != nil {
		return nil, fmt.Errorf("failed to parse model artifact %s: %w", path, err)
	}
	if len(artifact.Weights) == 0 {
		return nil, fmt.Errorf("model artifact %s has no weights", path)
	}

	log.Info().
		Str("component", "signal").
		Str("model", artifact.Name).
		Str("version", artifact.Version).
		Int("features", len(artifact.Weights)).
		Msg("Linear model loaded")

	return &LinearModel{
		name:    artifact.Name,
		version: artifact.Version,
		bias:    artifact.Bias,
		weights: artifact.Weights,
	}, nil
}

// Name returns the artifact's model name.
func (m *LinearModel) Name() string { return m.name }

// Version returns the artifact's model version.
func (m *LinearModel) Version() string { return m.version }

// Predict applies the logistic model. A feature vector whose length does not
// match the trained weights scores neutral rather than guessing.
func (m *LinearModel) Predict(features []float64) float64 {
	if len(features) != len(m.weights) {
		return 0.5
	}
	z := m.bias
	for i, w := range m.weights {
		z += w * features[i]
	}
	return 1 / (1 + math.Exp(-z))
}
