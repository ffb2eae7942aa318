package engine

import (
	"context"

	"github.com/mbd888/riskengine/internal/audit"
	"github.com/mbd888/riskengine/internal/pagination"
	"github.com/mbd888/riskengine/internal/params"
	"github.com/mbd888/riskengine/internal/risk"
)

// GetCategoryScore returns the most recently computed score.
func (e *Engine) GetCategoryScore(ctx context.Context, userID string, category risk.Category) (*risk.CategoryScore, error) {
	return e.scores.Latest(ctx, userID, category)
}

// ScoreHistory returns up to limit recorded scores, newest first.
func (e *Engine) ScoreHistory(ctx context.Context, userID string, category risk.Category, limit int) ([]*risk.CategoryScore, error) {
	return e.scores.ListByKey(ctx, userID, category, limit)
}

// GetProfile returns the current profile.
func (e *Engine) GetProfile(ctx context.Context, userID string, category risk.Category) (*risk.Profile, error) {
	return e.profiles.Get(ctx, userID, category)
}

// GetHistory returns one page of a user's transitions, newest first. An
// empty category spans all categories.
func (e *Engine) GetHistory(ctx context.Context, userID string, category risk.Category, page pagination.Params) ([]*risk.StateTransition, pagination.Meta, error) {
	page = page.Normalize()
	entries, total, err := e.audit.List(ctx, audit.Query{UserID: userID, Category: category, Page: page})
	if err != nil {
		return nil, pagination.Meta{}, err
	}
	return entries, pagination.NewMeta(page, total), nil
}

// Signals returns recent parameter batches for one sub-score, newest first.
func (e *Engine) Signals(ctx context.Context, userID string, category risk.Category, subScore string, limit int) ([]*params.Batch, error) {
	return e.params.History(ctx, userID, category, subScore, limit)
}

// Summary counts a category's profiles per status.
func (e *Engine) Summary(ctx context.Context, category risk.Category) (map[risk.Status]int, error) {
	return e.profiles.CountByStatus(ctx, category)
}
