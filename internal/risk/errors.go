package risk

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrConcurrentModification means a profile's revision moved between
	// read and write. Callers re-read and retry at most once.
	ErrConcurrentModification = errors.New("concurrent modification")

	ErrProfileNotFound = errors.New("risk profile not found")
	ErrScoreNotFound   = errors.New("category score not found")
	ErrConfigNotFound  = errors.New("no active configuration for category")
)

// ConfigurationError rejects a configuration before it becomes active:
// weights not summing to 1, non-monotonic thresholds, bad rules.
type ConfigurationError struct {
	Category Category
	Problems []string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error for %s: %s", e.Category, strings.Join(e.Problems, "; "))
}

// MissingInputError means a required sub-score (or all of its parameters)
// is absent. The category score is not computed.
type MissingInputError struct {
	Category Category
	SubScore string
	Reason   string
}

func (e *MissingInputError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("missing input for %s: sub-score %q", e.Category, e.SubScore)
	}
	return fmt.Sprintf("missing input for %s: sub-score %q: %s", e.Category, e.SubScore, e.Reason)
}

// IllegalTransitionError rejects an operator action that does not apply to
// the profile's current status. No state changes, nothing is audited.
type IllegalTransitionError struct {
	From   Status
	Action ManualAction
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("cannot %s a profile that is %s", e.Action, e.From)
}

// IsConfigurationError reports whether err wraps a *ConfigurationError.
func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

// IsMissingInput reports whether err wraps a *MissingInputError.
func IsMissingInput(err error) bool {
	var me *MissingInputError
	return errors.As(err, &me)
}

// IsIllegalTransition reports whether err wraps an *IllegalTransitionError.
func IsIllegalTransition(err error) bool {
	var ie *IllegalTransitionError
	return errors.As(err, &ie)
}
