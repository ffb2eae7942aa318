// Package profile stores UserRiskProfiles. Writes are guarded by an
// optimistic revision check, and a write that carries a state transition
// appends it to the audit log in the same step.
package profile

import (
	"context"
	"errors"
	"time"

	"github.com/mbd888/riskengine/internal/risk"
)

// ErrProfileExists is returned by Create when the key is taken.
var ErrProfileExists = errors.New("profile: already exists")

// Store persists risk profiles.
type Store interface {
	// Get returns the profile or risk.ErrProfileNotFound.
	Get(ctx context.Context, userID string, category risk.Category) (*risk.Profile, error)

	// Create inserts a new profile at revision 1.
	Create(ctx context.Context, p *risk.Profile) error

	// Update writes p if the stored revision still equals expectedRevision,
	// otherwise returns risk.ErrConcurrentModification. A non-nil transition
	// is appended to the audit log atomically with the write. On success
	// p.Revision is expectedRevision+1.
	Update(ctx context.Context, p *risk.Profile, expectedRevision int64, t *risk.StateTransition) error

	// ListKeys returns every profile key in a category.
	ListKeys(ctx context.Context, category risk.Category) ([]risk.Key, error)

	// ListExpiredWhitelists returns whitelisted profiles whose expiry is at
	// or before now.
	ListExpiredWhitelists(ctx context.Context, now time.Time, limit int) ([]risk.Key, error)

	// CountByStatus counts the profiles of a category per status.
	CountByStatus(ctx context.Context, category risk.Category) (map[risk.Status]int, error)
}
