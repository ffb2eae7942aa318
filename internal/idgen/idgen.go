// Package idgen generates identifiers for scores, batches, and transitions.
package idgen

import (
	"strings"

	"github.com/google/uuid"
)

// New returns a random (v4) UUID string.
func New() string {
	return uuid.NewString()
}

// WithPrefix returns prefix followed by 24 hex chars of a random UUID
// (e.g. "score_", "batch_", "cfg_").
func WithPrefix(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
}

// Ordered returns a time-ordered (v7) UUID string so ids sort by creation.
func Ordered() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
