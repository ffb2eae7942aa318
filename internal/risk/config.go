package risk

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/expr-lang/expr"
)

// WeightEpsilon is the tolerance on the sum of sub-score weights (0.1%).
const WeightEpsilon = 0.001

// TenPointScale marks thresholds submitted on the legacy 0-10 scale.
const TenPointScale = 10.0

// RuleKind selects the normalization function for a parameter.
type RuleKind string

const (
	RuleLinear     RuleKind = "linear"     // number: clamp (v-min)/(max-min)
	RulePercentile RuleKind = "percentile" // number: share of breakpoints <= v
	RuleBoolean    RuleKind = "boolean"    // boolean: points when true
	RuleLookup     RuleKind = "lookup"     // string: table lookup
	RuleRecency    RuleKind = "recency"    // timestamp: newer is riskier
	RuleExpression RuleKind = "expression" // any: expr program over value
)

// Accepts reports which value kind a rule normalizes. Expression rules
// accept every kind.
func (k RuleKind) Accepts(v ValueKind) bool {
	switch k {
	case RuleLinear, RulePercentile:
		return v == KindNumber
	case RuleBoolean:
		return v == KindBoolean
	case RuleLookup:
		return v == KindString
	case RuleRecency:
		return v == KindTimestamp
	case RuleExpression:
		return true
	}
	return false
}

// ParameterRule maps one named parameter onto 0-100.
type ParameterRule struct {
	Kind        RuleKind           `json:"kind" yaml:"kind"`
	Weight      float64            `json:"weight" yaml:"weight"`
	Min         float64            `json:"min,omitempty" yaml:"min,omitempty"`
	Max         float64            `json:"max,omitempty" yaml:"max,omitempty"`
	Invert      bool               `json:"invert,omitempty" yaml:"invert,omitempty"`
	Points      float64            `json:"points,omitempty" yaml:"points,omitempty"`
	Table       map[string]float64 `json:"table,omitempty" yaml:"table,omitempty"`
	Default     *float64           `json:"default,omitempty" yaml:"default,omitempty"`
	Breakpoints []float64          `json:"breakpoints,omitempty" yaml:"breakpoints,omitempty"`
	Expression  string             `json:"expression,omitempty" yaml:"expression,omitempty"`
}

// SubScoreSpec configures one sub-score within a category.
type SubScoreSpec struct {
	Weight     float64                  `json:"weight" yaml:"weight"`
	Parameters map[string]ParameterRule `json:"parameters" yaml:"parameters"`
}

// ThresholdConfig holds the review/flag/block cut points on the 0-100 scale.
type ThresholdConfig struct {
	Review    float64 `json:"reviewThreshold" yaml:"review"`
	Flag      float64 `json:"flagThreshold" yaml:"flag"`
	AutoBlock float64 `json:"autoBlockThreshold" yaml:"autoBlock"`
}

// FromScale converts thresholds given on a 0..scale range to 0-100.
// A zero scale means the values are already on 0-100.
func (t ThresholdConfig) FromScale(scale float64) ThresholdConfig {
	if scale == 0 || scale == 100 {
		return t
	}
	f := 100 / scale
	return ThresholdConfig{Review: t.Review * f, Flag: t.Flag * f, AutoBlock: t.AutoBlock * f}
}

// ToScale converts 0-100 thresholds for display on a 0..scale range.
func (t ThresholdConfig) ToScale(scale float64) ThresholdConfig {
	if scale == 0 || scale == 100 {
		return t
	}
	f := scale / 100
	return ThresholdConfig{Review: t.Review * f, Flag: t.Flag * f, AutoBlock: t.AutoBlock * f}
}

func (t ThresholdConfig) problems() []string {
	var out []string
	for _, b := range []struct {
		name string
		v    float64
	}{{"reviewThreshold", t.Review}, {"flagThreshold", t.Flag}, {"autoBlockThreshold", t.AutoBlock}} {
		if math.IsNaN(b.v) || b.v < 0 || b.v > 100 {
			out = append(out, fmt.Sprintf("%s %v outside [0,100]", b.name, b.v))
		}
	}
	if !(t.Review <= t.Flag && t.Flag <= t.AutoBlock) {
		out = append(out, fmt.Sprintf("thresholds must satisfy review <= flag <= autoBlock (got %v, %v, %v)",
			t.Review, t.Flag, t.AutoBlock))
	}
	return out
}

// Validate enforces the non-decreasing ordering and bounds.
func (t ThresholdConfig) Validate(category Category) error {
	if p := t.problems(); len(p) > 0 {
		return &ConfigurationError{Category: category, Problems: p}
	}
	return nil
}

// CategoryConfig is one immutable configuration version for a category.
// VersionID is what scores and transitions carry for attribution.
type CategoryConfig struct {
	Category   Category                `json:"category" yaml:"category"`
	Version    int64                   `json:"version" yaml:"-"`
	VersionID  string                  `json:"versionId" yaml:"-"`
	SubScores  map[string]SubScoreSpec `json:"subScores" yaml:"subScores"`
	Thresholds ThresholdConfig         `json:"thresholds" yaml:"thresholds"`
	CreatedBy  string                  `json:"createdBy,omitempty" yaml:"-"`
	Comment    string                  `json:"comment,omitempty" yaml:"comment,omitempty"`
	CreatedAt  time.Time               `json:"createdAt" yaml:"-"`
}

// VersionLabel formats the attribution id for a category version.
func VersionLabel(c Category, version int64) string {
	return fmt.Sprintf("%s-v%d", c, version)
}

// Weights returns the sub-score weights keyed by name.
func (c *CategoryConfig) Weights() map[string]float64 {
	w := make(map[string]float64, len(c.SubScores))
	for name, spec := range c.SubScores {
		w[name] = spec.Weight
	}
	return w
}

// SubScoreNames returns the configured sub-score names, sorted.
func (c *CategoryConfig) SubScoreNames() []string {
	names := make([]string, 0, len(c.SubScores))
	for name := range c.SubScores {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate checks everything activation requires. All problems are
// reported at once.
func (c *CategoryConfig) Validate() error {
	var problems []string
	if !c.Category.Valid() {
		problems = append(problems, fmt.Sprintf("invalid category %q", c.Category))
	}
	if len(c.SubScores) == 0 {
		problems = append(problems, "at least one sub-score is required")
	}

	var sum float64
	for _, name := range c.SubScoreNames() {
		spec := c.SubScores[name]
		if spec.Weight < 0 || spec.Weight > 1 || math.IsNaN(spec.Weight) {
			problems = append(problems, fmt.Sprintf("sub-score %q weight %v outside [0,1]", name, spec.Weight))
		}
		sum += spec.Weight
		if len(spec.Parameters) == 0 {
			problems = append(problems, fmt.Sprintf("sub-score %q has no parameter rules", name))
		}
		for param, rule := range spec.Parameters {
			for _, p := range rule.problems() {
				problems = append(problems, fmt.Sprintf("sub-score %q parameter %q: %s", name, param, p))
			}
		}
	}
	if len(c.SubScores) > 0 && math.Abs(sum-1) > WeightEpsilon {
		problems = append(problems, fmt.Sprintf("sub-score weights sum to %.4f, want 1.0 (±%.3f)", sum, WeightEpsilon))
	}
	problems = append(problems, c.Thresholds.problems()...)

	if len(problems) > 0 {
		sort.Strings(problems)
		return &ConfigurationError{Category: c.Category, Problems: problems}
	}
	return nil
}

func (r ParameterRule) problems() []string {
	var out []string
	if r.Weight <= 0 || math.IsNaN(r.Weight) {
		out = append(out, "weight must be positive")
	}
	switch r.Kind {
	case RuleLinear:
		if r.Max <= r.Min {
			out = append(out, "linear rule needs min < max")
		}
	case RuleRecency:
		if r.Max <= r.Min || r.Min < 0 {
			out = append(out, "recency rule needs 0 <= min < max (hours)")
		}
	case RulePercentile:
		if len(r.Breakpoints) == 0 {
			out = append(out, "percentile rule needs breakpoints")
		} else if !sort.Float64sAreSorted(r.Breakpoints) {
			out = append(out, "percentile breakpoints must be sorted")
		}
	case RuleBoolean:
		if r.Points <= 0 || r.Points > 100 {
			out = append(out, "boolean rule needs points in (0,100]")
		}
	case RuleLookup:
		if len(r.Table) == 0 {
			out = append(out, "lookup rule needs a table")
		}
		for k, v := range r.Table {
			if v < 0 || v > 100 {
				out = append(out, fmt.Sprintf("lookup entry %q value %v outside [0,100]", k, v))
			}
		}
		if r.Default != nil && (*r.Default < 0 || *r.Default > 100) {
			out = append(out, "lookup default outside [0,100]")
		}
	case RuleExpression:
		if r.Expression == "" {
			out = append(out, "expression rule needs an expression")
		} else if _, err := expr.Compile(r.Expression); err != nil {
			out = append(out, fmt.Sprintf("expression does not compile: %v", err))
		}
	default:
		out = append(out, fmt.Sprintf("unknown rule kind %q", r.Kind))
	}
	return out
}
