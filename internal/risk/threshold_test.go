package risk

import "testing"

func TestEvaluate(t *testing.T) {
	th := ThresholdConfig{Review: 50, Flag: 70, AutoBlock: 85}
	tests := []struct {
		score float64
		want  Action
	}{
		{0, ActionNone},
		{49.999, ActionNone},
		{50, ActionReview},
		{59.5, ActionReview},
		{70, ActionFlag},
		{84.9, ActionFlag},
		{85, ActionBlock},
		{90, ActionBlock},
		{100, ActionBlock},
	}
	for _, tt := range tests {
		if got := Evaluate(tt.score, th); got != tt.want {
			t.Errorf("Evaluate(%v) = %s, want %s", tt.score, got, tt.want)
		}
	}
}

func TestEvaluate_SeverityWinsOnOverlap(t *testing.T) {
	// Misconfigured: every band collapses onto 60.
	th := ThresholdConfig{Review: 60, Flag: 60, AutoBlock: 60}
	if got := Evaluate(60, th); got != ActionBlock {
		t.Errorf("expected block on overlapping bands, got %s", got)
	}
	// Inverted bands still block once the block threshold is crossed.
	inverted := ThresholdConfig{Review: 90, Flag: 80, AutoBlock: 40}
	for _, s := range []float64{40, 75, 95} {
		if got := Evaluate(s, inverted); got != ActionBlock {
			t.Errorf("Evaluate(%v) with inverted bands = %s, want block", s, got)
		}
	}
}

func TestThresholdConfig_Validate(t *testing.T) {
	if err := (ThresholdConfig{Review: 50, Flag: 70, AutoBlock: 85}).Validate(CategoryBot); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := (ThresholdConfig{Review: 50, Flag: 50, AutoBlock: 50}).Validate(CategoryBot); err != nil {
		t.Fatalf("equal thresholds are non-decreasing: %v", err)
	}
	if err := (ThresholdConfig{Review: 70, Flag: 50, AutoBlock: 85}).Validate(CategoryBot); !IsConfigurationError(err) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if err := (ThresholdConfig{Review: 50, Flag: 70, AutoBlock: 120}).Validate(CategoryBot); !IsConfigurationError(err) {
		t.Fatalf("expected configuration error for out of range, got %v", err)
	}
}

func TestThresholdConfig_TenPointScale(t *testing.T) {
	got := ThresholdConfig{Review: 5, Flag: 7, AutoBlock: 8.5}.FromScale(TenPointScale)
	want := ThresholdConfig{Review: 50, Flag: 70, AutoBlock: 85}
	if got != want {
		t.Errorf("FromScale(10) = %+v, want %+v", got, want)
	}
	if back := got.ToScale(TenPointScale); back.AutoBlock != 8.5 {
		t.Errorf("ToScale(10) autoBlock = %v, want 8.5", back.AutoBlock)
	}
}
