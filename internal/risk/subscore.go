package risk

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// SubScoreInput is the complete input to one sub-score computation: the
// latest parameter batch for (user, category, sub-score).
type SubScoreInput struct {
	Name       string
	BatchID    string
	ObservedAt time.Time
	Parameters []RawParameter
}

// SubScorer computes sub-scores. It caches compiled expression programs and
// is safe for concurrent use.
type SubScorer struct {
	programs sync.Map // expression -> *vm.Program
}

// NewSubScorer creates a sub-score aggregator.
func NewSubScorer() *SubScorer {
	return &SubScorer{}
}

// Compute normalizes each recognized parameter through its rule and returns
// the rule-weighted mean, clamped to [0,100]. Parameters without a rule, or
// whose value type the rule cannot normalize, are skipped and reported in
// SubScore.Ignored. Later parameters with the same name supersede earlier
// ones. The result depends only on the inputs.
func (s *SubScorer) Compute(category Category, spec SubScoreSpec, in SubScoreInput) (SubScore, error) {
	latest := make(map[string]int, len(in.Parameters))
	for i, p := range in.Parameters {
		latest[p.Name] = i
	}

	var (
		snapshot  []RawParameter
		ignored   []string
		weighted  float64
		weightSum float64
	)
	for i, p := range in.Parameters {
		if latest[p.Name] != i {
			continue // superseded within the batch
		}
		snapshot = append(snapshot, p)

		rule, ok := spec.Parameters[p.Name]
		if !ok {
			ignored = append(ignored, p.Name)
			continue
		}
		n, ok := s.normalize(rule, p.Value, in.ObservedAt)
		if !ok {
			ignored = append(ignored, p.Name)
			continue
		}
		weighted += rule.Weight * n
		weightSum += rule.Weight
	}
	sort.Strings(ignored)

	if weightSum == 0 {
		return SubScore{}, &MissingInputError{
			Category: category,
			SubScore: in.Name,
			Reason:   "no recognized parameters",
		}
	}

	return SubScore{
		ID:         in.BatchID,
		Name:       in.Name,
		Value:      roundScore(clamp(weighted / weightSum)),
		Weight:     spec.Weight,
		Parameters: snapshot,
		Ignored:    ignored,
	}, nil
}

// normalize maps a value to [0,100]. The second result is false when the
// rule cannot normalize the value.
func (s *SubScorer) normalize(rule ParameterRule, v Value, observedAt time.Time) (float64, bool) {
	if !rule.Kind.Accepts(v.Kind()) {
		return 0, false
	}
	var n float64
	switch rule.Kind {
	case RuleLinear:
		x, _ := v.Number()
		n = linear(x, rule.Min, rule.Max)
	case RulePercentile:
		x, _ := v.Number()
		n = percentile(x, rule.Breakpoints)
	case RuleBoolean:
		if b, _ := v.Bool(); b {
			n = rule.Points
		}
	case RuleLookup:
		key, _ := v.Str()
		score, ok := rule.Table[key]
		switch {
		case ok:
			n = score
		case rule.Default != nil:
			n = *rule.Default
		default:
			return 0, false
		}
	case RuleRecency:
		t, _ := v.Timestamp()
		age := observedAt.Sub(t).Hours()
		// Newer events score higher: min hours -> 100, max hours -> 0.
		n = 100 - linear(age, rule.Min, rule.Max)
	case RuleExpression:
		out, ok := s.evaluate(rule.Expression, v, observedAt)
		if !ok {
			return 0, false
		}
		n = out
	default:
		return 0, false
	}
	if rule.Invert {
		n = 100 - n
	}
	return clamp(n), true
}

func (s *SubScorer) evaluate(code string, v Value, observedAt time.Time) (float64, bool) {
	program, err := s.program(code)
	if err != nil {
		return 0, false
	}
	env := map[string]any{
		"value": v.Interface(),
		"kind":  string(v.Kind()),
	}
	if t, ok := v.Timestamp(); ok {
		env["ageHours"] = observedAt.Sub(t).Hours()
	}
	out, err := expr.Run(program, env)
	if err != nil {
		return 0, false
	}
	switch r := out.(type) {
	case float64:
		return r, !math.IsNaN(r)
	case int:
		return float64(r), true
	case int64:
		return float64(r), true
	case bool:
		if r {
			return 100, true
		}
		return 0, true
	}
	return 0, false
}

func (s *SubScorer) program(code string) (*vm.Program, error) {
	if p, ok := s.programs.Load(code); ok {
		return p.(*vm.Program), nil
	}
	p, err := expr.Compile(code)
	if err != nil {
		return nil, fmt.Errorf("compile expression: %w", err)
	}
	s.programs.Store(code, p)
	return p, nil
}

func linear(x, lo, hi float64) float64 {
	if hi <= lo {
		return 0
	}
	return clamp((x - lo) / (hi - lo) * 100)
}

func percentile(x float64, breakpoints []float64) float64 {
	if len(breakpoints) == 0 {
		return 0
	}
	below := sort.Search(len(breakpoints), func(i int) bool { return breakpoints[i] > x })
	return float64(below) / float64(len(breakpoints)) * 100
}

func clamp(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 100:
		return 100
	}
	return v
}

// roundScore trims float noise so identical inputs print identically.
func roundScore(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}
