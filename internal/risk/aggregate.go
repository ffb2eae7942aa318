package risk

import (
	"fmt"
	"math"
	"sort"
)

// AggregateCategory combines sub-scores with the configuration's weights:
// value = clamp(Σ weight·value, 0, 100). It fails with a ConfigurationError
// when the weights do not sum to 1 (±WeightEpsilon) and with a
// MissingInputError when a configured sub-score is absent. Absent inputs
// are never treated as zero. Sub-scores that are not configured are
// ignored. The returned slice is ordered by name and carries the
// configured weights.
func AggregateCategory(cfg *CategoryConfig, subScores map[string]SubScore) (float64, []SubScore, error) {
	if cfg == nil {
		return 0, nil, fmt.Errorf("aggregate: nil configuration")
	}

	var sum float64
	for _, spec := range cfg.SubScores {
		sum += spec.Weight
	}
	if len(cfg.SubScores) == 0 || math.Abs(sum-1) > WeightEpsilon {
		return 0, nil, &ConfigurationError{
			Category: cfg.Category,
			Problems: []string{fmt.Sprintf("sub-score weights sum to %.4f, want 1.0 (±%.3f)", sum, WeightEpsilon)},
		}
	}

	names := cfg.SubScoreNames()
	used := make([]SubScore, 0, len(names))
	var total float64
	for _, name := range names {
		ss, ok := subScores[name]
		if !ok {
			return 0, nil, &MissingInputError{Category: cfg.Category, SubScore: name}
		}
		ss.Name = name
		ss.Weight = cfg.SubScores[name].Weight
		total += ss.Weight * clamp(ss.Value)
		used = append(used, ss)
	}
	sort.Slice(used, func(i, j int) bool { return used[i].Name < used[j].Name })

	return roundScore(clamp(total)), used, nil
}
