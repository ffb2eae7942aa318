package risk

// Evaluate returns the action for the highest threshold crossed. Bands are
// inclusive at their lower bound. Block is checked first, so a score at or
// above the block threshold always blocks even if the bands overlap.
func Evaluate(score float64, t ThresholdConfig) Action {
	switch {
	case score >= t.AutoBlock:
		return ActionBlock
	case score >= t.Flag:
		return ActionFlag
	case score >= t.Review:
		return ActionReview
	default:
		return ActionNone
	}
}
