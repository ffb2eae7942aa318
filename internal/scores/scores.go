// Package scores records every computed CategoryScore together with the
// configuration version that produced it.
package scores

import (
	"context"

	"github.com/mbd888/riskengine/internal/risk"
)

// Store persists category score computations.
type Store interface {
	// Record appends a computed score.
	Record(ctx context.Context, score *risk.CategoryScore) error

	// Latest returns the most recent score or risk.ErrScoreNotFound.
	Latest(ctx context.Context, userID string, category risk.Category) (*risk.CategoryScore, error)

	// ListByKey returns up to limit scores, most recent first.
	ListByKey(ctx context.Context, userID string, category risk.Category, limit int) ([]*risk.CategoryScore, error)
}

func clone(s *risk.CategoryScore) *risk.CategoryScore {
	cp := *s
	cp.SubScores = make([]risk.SubScore, len(s.SubScores))
	for i, sub := range s.SubScores {
		sub.Parameters = append([]risk.RawParameter(nil), sub.Parameters...)
		sub.Ignored = append([]string(nil), sub.Ignored...)
		cp.SubScores[i] = sub
	}
	return &cp
}
