// Package risk holds the risk scoring domain: typed parameter values, the
// sub-score and category aggregators, the threshold evaluator and the
// transition rules of the per-user action state machine.
//
// Scores live on a single 0-100 scale. Higher is riskier. Everything in this
// package is pure: no I/O, no clocks, no randomness.
package risk

import (
	"fmt"
	"regexp"
	"time"
)

// Category names a risk category (bot, dumping, ...). The set is open:
// any lowercase identifier with an active configuration is scoreable.
type Category string

const (
	CategoryBot       Category = "bot"
	CategoryDumping   Category = "dumping"
	CategoryCollusion Category = "collusion"
	CategoryGhosting  Category = "ghosting"
	CategorySplash    Category = "splash"
	CategoryRTA       Category = "rta"
)

// KnownCategories lists the built-in categories.
var KnownCategories = []Category{
	CategoryBot,
	CategoryDumping,
	CategoryCollusion,
	CategoryGhosting,
	CategorySplash,
	CategoryRTA,
}

var categoryPattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,31}$`)

// Valid reports whether c is a syntactically valid category name.
func (c Category) Valid() bool {
	return categoryPattern.MatchString(string(c))
}

// ParseCategory validates and converts s.
func ParseCategory(s string) (Category, error) {
	c := Category(s)
	if !c.Valid() {
		return "", fmt.Errorf("invalid category %q", s)
	}
	return c, nil
}

// Status is the authoritative per-(user, category) status.
type Status string

const (
	StatusActive      Status = "active"
	StatusUnderReview Status = "underReview"
	StatusFlagged     Status = "flagged"
	StatusBlocked     Status = "blocked"
	StatusWhitelisted Status = "whitelisted"
)

// AllStatuses lists every status in severity order, whitelisted last.
var AllStatuses = []Status{StatusActive, StatusUnderReview, StatusFlagged, StatusBlocked, StatusWhitelisted}

// Severity orders statuses for escalation detection. Whitelisted ranks with
// active: it is an exemption, not a risk level.
func (s Status) Severity() int {
	switch s {
	case StatusUnderReview:
		return 1
	case StatusFlagged:
		return 2
	case StatusBlocked:
		return 3
	default:
		return 0
	}
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	for _, st := range AllStatuses {
		if st == s {
			return true
		}
	}
	return false
}

// Escalates reports whether moving from prev to next increases severity.
func Escalates(prev, next Status) bool {
	return next.Severity() > prev.Severity()
}

// Action is the recommendation produced by the threshold evaluator.
type Action string

const (
	ActionNone   Action = "none"
	ActionReview Action = "review"
	ActionFlag   Action = "flag"
	ActionBlock  Action = "block"
)

// Impact is the optional severity hint attached to a raw parameter.
type Impact string

const (
	ImpactHigh   Impact = "high"
	ImpactMedium Impact = "medium"
	ImpactLow    Impact = "low"
)

// ChangedBySystem marks automatic transitions in the audit log.
const ChangedBySystem = "system"

// RawParameter is one measured signal. It is never mutated once recorded;
// a later measurement with the same name supersedes it.
type RawParameter struct {
	ID          string `json:"id,omitempty"`
	Name        string `json:"name"`
	Value       Value  `json:"value"`
	Impact      Impact `json:"impact,omitempty"`
	Description string `json:"description,omitempty"`
}

// SubScore aggregates the parameters of one behavioral dimension.
// ID is the parameter batch the value was computed from.
type SubScore struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Value      float64        `json:"value"`
	Weight     float64        `json:"weight"`
	Parameters []RawParameter `json:"parameters"`
	Ignored    []string       `json:"ignored,omitempty"`
}

// CategoryScore is the weighted aggregate of a category's sub-scores,
// attributed to the configuration version that produced it.
type CategoryScore struct {
	ID            string     `json:"id"`
	UserID        string     `json:"userId"`
	Category      Category   `json:"category"`
	Value         float64    `json:"value"`
	Recommended   Action     `json:"recommendedAction"`
	SubScores     []SubScore `json:"subScores"`
	Timestamp     time.Time  `json:"timestamp"`
	ConfigVersion string     `json:"configVersion"`
}

// Profile is the UserRiskProfile for one (user, category) pair. Only the
// engine's state machine mutates it; Revision guards concurrent writers.
type Profile struct {
	UserID             string     `json:"userId"`
	Category           Category   `json:"category"`
	CurrentStatus      Status     `json:"currentStatus"`
	CurrentScore       float64    `json:"currentScore"`
	StatusSince        time.Time  `json:"statusSince"`
	Whitelisted        bool       `json:"whitelisted"`
	WhitelistNotes     string     `json:"whitelistNotes,omitempty"`
	WhitelistExpiresAt *time.Time `json:"whitelistExpiresAt,omitempty"`
	ConfigVersion      string     `json:"configVersion"`
	LastScoredAt       time.Time  `json:"lastScoredAt"`
	Revision           int64      `json:"revision"`
	CreatedAt          time.Time  `json:"createdAt"`
	UpdatedAt          time.Time  `json:"updatedAt"`
}

// Clone returns a deep copy of p.
func (p *Profile) Clone() *Profile {
	if p == nil {
		return nil
	}
	cp := *p
	if p.WhitelistExpiresAt != nil {
		t := *p.WhitelistExpiresAt
		cp.WhitelistExpiresAt = &t
	}
	return &cp
}

// Key identifies a profile.
type Key struct {
	UserID   string   `json:"userId"`
	Category Category `json:"category"`
}

// String renders the key as "user/category".
func (k Key) String() string {
	return k.UserID + "/" + string(k.Category)
}

// StateTransition is one immutable audit record. Sequence is assigned by the
// audit log at write time and breaks timestamp ties.
type StateTransition struct {
	ID              string    `json:"id"`
	Sequence        int64     `json:"sequence"`
	UserID          string    `json:"userId"`
	Category        Category  `json:"category"`
	PreviousStatus  Status    `json:"previousStatus"`
	NewStatus       Status    `json:"newStatus"`
	Event           string    `json:"event"`
	TriggeringScore *float64  `json:"triggeringScore"`
	ChangedBy       string    `json:"changedBy"`
	Comment         string    `json:"comment,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
	ConfigVersion   string    `json:"configVersion"`
}

// Automatic reports whether the transition was applied by the system.
func (t *StateTransition) Automatic() bool {
	return t.ChangedBy == ChangedBySystem
}

// Clone returns a deep copy of t.
func (t *StateTransition) Clone() *StateTransition {
	cp := *t
	if t.TriggeringScore != nil {
		v := *t.TriggeringScore
		cp.TriggeringScore = &v
	}
	return &cp
}
