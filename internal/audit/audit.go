// Package audit is the append-only ledger of profile state transitions.
// Entries get a monotonically increasing sequence at write time; reads are
// newest first, ordered by timestamp with the sequence breaking ties.
package audit

import (
	"context"
	"sort"

	"github.com/mbd888/riskengine/internal/pagination"
	"github.com/mbd888/riskengine/internal/risk"
)

// Query selects a user's history. An empty Category spans all categories.
type Query struct {
	UserID   string
	Category risk.Category
	Page     pagination.Params
}

// Log stores state transitions. There is no update or delete.
type Log interface {
	// Append assigns Sequence (and ID/Timestamp when empty) and records t.
	Append(ctx context.Context, t *risk.StateTransition) error

	// List returns one page of matching transitions, newest first, and the
	// total number of matches.
	List(ctx context.Context, q Query) ([]*risk.StateTransition, int, error)
}

// newestFirst sorts by timestamp then sequence, both descending.
func newestFirst(entries []*risk.StateTransition) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.After(b.Timestamp)
		}
		return a.Sequence > b.Sequence
	})
}
