package admission

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/mt5-crs/executor/internal/stats"
)

// ComparisonReport is the model-comparison half of the admission evidence,
// produced upstream by the evaluation pipeline.
type ComparisonReport struct {
	BaselineF1      float64 `json:"baseline_f1"`
	ChallengerF1    float64 `json:"challenger_f1"`
	DiversityIndex  float64 `json:"diversity_index"`
	ConsistencyRate float64 `json:"consistency_rate"`
}

// Validate checks that every figure is a sane rate.
func (r *ComparisonReport) Validate() error {
	for name, v := range map[string]float64{
		"baseline_f1":      r.BaselineF1,
		"challenger_f1":    r.ChallengerF1,
		"diversity_index":  r.DiversityIndex,
		"consistency_rate": r.ConsistencyRate,
	} {
		if !stats.IsFinite(v) || v < 0 || v > 1 {
			return fmt.Errorf("%s %v out of [0, 1]", name, v)
		}
	}
	return nil
}

// LoadComparisonReport reads and validates a report file.
func LoadComparisonReport(path string) (*ComparisonReport, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read comparison report %s: %w", path, err)
	}
	var report ComparisonReport
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, fmt.Errorf("failed to parse comparison report %s: %w", path, err)
	}
	if err := report.Validate(); err != nil {
		return nil, fmt.Errorf("comparison report %s: %w", path, err)
	}
	return &report, nil
}
