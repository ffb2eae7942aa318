// Package params is the Parameter Store: append-only batches of raw
// measurements keyed by (user, category, sub-score). The latest batch for a
// sub-score is the complete input to that sub-score's computation.
package params

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/riskengine/internal/risk"
)

// MaxParametersPerBatch bounds a single batch.
const MaxParametersPerBatch = 256

var (
	ErrEmptyBatch   = errors.New("params: batch has no parameters")
	ErrInvalidBatch = errors.New("params: invalid batch")
)

// Batch is one collector submission. It replaces, rather than extends, the
// previous batch for the same sub-score.
type Batch struct {
	ID         string              `json:"id"`
	UserID     string              `json:"userId"`
	Category   risk.Category       `json:"category"`
	SubScore   string              `json:"subScore"`
	Parameters []risk.RawParameter `json:"parameters"`
	ObservedAt time.Time           `json:"observedAt"`
	ReceivedAt time.Time           `json:"receivedAt"`
}

// Key returns the profile key the batch feeds.
func (b *Batch) Key() risk.Key {
	return risk.Key{UserID: b.UserID, Category: b.Category}
}

// Validate checks the batch shape. Parameter names are not checked against
// configuration here; unknown names are ignored at scoring time.
func (b *Batch) Validate() error {
	switch {
	case b.UserID == "":
		return fmt.Errorf("%w: userId is required", ErrInvalidBatch)
	case !b.Category.Valid():
		return fmt.Errorf("%w: invalid category %q", ErrInvalidBatch, b.Category)
	case b.SubScore == "":
		return fmt.Errorf("%w: subScore is required", ErrInvalidBatch)
	case len(b.Parameters) == 0:
		return ErrEmptyBatch
	case len(b.Parameters) > MaxParametersPerBatch:
		return fmt.Errorf("%w: %d parameters exceeds limit of %d", ErrInvalidBatch, len(b.Parameters), MaxParametersPerBatch)
	}
	for i, p := range b.Parameters {
		if p.Name == "" {
			return fmt.Errorf("%w: parameter %d has no name", ErrInvalidBatch, i)
		}
		if err := p.Value.Validate(); err != nil {
			return fmt.Errorf("%w: parameter %q: %v", ErrInvalidBatch, p.Name, err)
		}
	}
	return nil
}

// Input converts the batch to sub-score aggregator input.
func (b *Batch) Input() risk.SubScoreInput {
	return risk.SubScoreInput{
		Name:       b.SubScore,
		BatchID:    b.ID,
		ObservedAt: b.ObservedAt,
		Parameters: b.Parameters,
	}
}

func (b *Batch) clone() *Batch {
	cp := *b
	cp.Parameters = append([]risk.RawParameter(nil), b.Parameters...)
	return &cp
}

// Store persists parameter batches.
type Store interface {
	// Append records a batch. Batches are never updated.
	Append(ctx context.Context, b *Batch) error

	// Latest returns the most recent batch per sub-score for a profile key,
	// keyed by sub-score name. Recency is observedAt, then arrival order.
	Latest(ctx context.Context, userID string, category risk.Category) (map[string]*Batch, error)

	// History returns up to limit batches for one sub-score, newest first.
	History(ctx context.Context, userID string, category risk.Category, subScore string, limit int) ([]*Batch, error)
}
