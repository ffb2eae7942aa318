package risk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func botConfig() *CategoryConfig {
	rule := map[string]ParameterRule{"x": {Kind: RuleLinear, Weight: 1, Min: 0, Max: 100}}
	return &CategoryConfig{
		Category:  CategoryBot,
		Version:   1,
		VersionID: VersionLabel(CategoryBot, 1),
		SubScores: map[string]SubScoreSpec{
			"rapidBetting":       {Weight: 0.3, Parameters: rule},
			"patternRecognition": {Weight: 0.25, Parameters: rule},
			"sessionDuration":    {Weight: 0.2, Parameters: rule},
			"timeConsistency":    {Weight: 0.25, Parameters: rule},
		},
		Thresholds: ThresholdConfig{Review: 50, Flag: 70, AutoBlock: 85},
	}
}

func TestAggregateCategory_WeightedSum(t *testing.T) {
	cfg := botConfig()
	subs := map[string]SubScore{
		"rapidBetting":       {Name: "rapidBetting", Value: 80},
		"patternRecognition": {Name: "patternRecognition", Value: 60},
		"sessionDuration":    {Name: "sessionDuration", Value: 40},
		"timeConsistency":    {Name: "timeConsistency", Value: 50},
	}

	value, used, err := AggregateCategory(cfg, subs)
	require.NoError(t, err)
	assert.InDelta(t, 59.5, value, 1e-9)
	require.Len(t, used, 4)
	assert.Equal(t, "patternRecognition", used[0].Name)
	assert.InDelta(t, 0.25, used[0].Weight, 1e-12)
}

func TestAggregateCategory_Idempotent(t *testing.T) {
	cfg := botConfig()
	subs := map[string]SubScore{
		"rapidBetting":       {Value: 33.3},
		"patternRecognition": {Value: 71.1},
		"sessionDuration":    {Value: 12.9},
		"timeConsistency":    {Value: 99.99},
	}
	a, _, err := AggregateCategory(cfg, subs)
	require.NoError(t, err)
	b, _, err := AggregateCategory(cfg, subs)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestAggregateCategory_BadWeights(t *testing.T) {
	cfg := botConfig()
	spec := cfg.SubScores["sessionDuration"]
	spec.Weight = 0.17 // sum = 0.97
	cfg.SubScores["sessionDuration"] = spec

	_, _, err := AggregateCategory(cfg, map[string]SubScore{})
	require.Error(t, err)
	assert.True(t, IsConfigurationError(err))
}

func TestAggregateCategory_MissingSubScoreIsNotZero(t *testing.T) {
	cfg := botConfig()
	subs := map[string]SubScore{
		"rapidBetting":       {Value: 80},
		"patternRecognition": {Value: 60},
		"sessionDuration":    {Value: 40},
	}

	_, _, err := AggregateCategory(cfg, subs)
	require.Error(t, err)
	var me *MissingInputError
	require.ErrorAs(t, err, &me)
	assert.Equal(t, "timeConsistency", me.SubScore)
}

func TestAggregateCategory_IgnoresUnconfiguredAndClamps(t *testing.T) {
	cfg := botConfig()
	subs := map[string]SubScore{
		"rapidBetting":       {Value: 100},
		"patternRecognition": {Value: 100},
		"sessionDuration":    {Value: 100},
		"timeConsistency":    {Value: 100},
		"somethingElse":      {Value: 5},
	}
	value, used, err := AggregateCategory(cfg, subs)
	require.NoError(t, err)
	assert.LessOrEqual(t, value, 100.0)
	assert.InDelta(t, 100, value, 1e-9)
	assert.Len(t, used, 4)
}
