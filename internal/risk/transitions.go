package risk

// ManualAction is an operator-initiated state machine event.
type ManualAction string

const (
	ManualClear           ManualAction = "clear"
	ManualUnflag          ManualAction = "unflag"
	ManualUnblock         ManualAction = "unblock"
	ManualWhitelist       ManualAction = "whitelist"
	ManualRemoveWhitelist ManualAction = "removeWhitelist"
)

// ManualActions lists every operator action.
var ManualActions = []ManualAction{ManualClear, ManualUnflag, ManualUnblock, ManualWhitelist, ManualRemoveWhitelist}

// Valid reports whether a is a known operator action.
func (a ManualAction) Valid() bool {
	for _, m := range ManualActions {
		if m == a {
			return true
		}
	}
	return false
}

// EventWhitelistExpired is the timer-driven whitelist removal.
const EventWhitelistExpired = "whitelistExpired"

// manualTransitions maps action -> from -> to.
var manualTransitions = map[ManualAction]map[Status]Status{
	ManualClear: {
		StatusUnderReview: StatusActive,
		StatusFlagged:     StatusActive,
	},
	ManualUnflag: {
		StatusFlagged: StatusActive,
	},
	ManualUnblock: {
		StatusBlocked: StatusActive,
	},
	ManualWhitelist: {
		StatusActive:      StatusWhitelisted,
		StatusUnderReview: StatusWhitelisted,
		StatusFlagged:     StatusWhitelisted,
		StatusBlocked:     StatusWhitelisted,
	},
	ManualRemoveWhitelist: {
		StatusWhitelisted: StatusActive,
	},
}

// NextManual applies an operator action to the current status.
func NextManual(current Status, action ManualAction) (Status, error) {
	to, ok := manualTransitions[action][current]
	if !ok {
		return current, &IllegalTransitionError{From: current, Action: action}
	}
	return to, nil
}

// NextAutomatic applies a recommendation to the current status. The second
// result is false when the status stays as is: blocked and whitelisted
// profiles are never moved automatically, and recommendations never
// de-escalate.
func NextAutomatic(current Status, rec Action) (Status, bool) {
	switch current {
	case StatusBlocked, StatusWhitelisted:
		return current, false
	}
	var target Status
	switch rec {
	case ActionBlock:
		target = StatusBlocked
	case ActionFlag:
		target = StatusFlagged
	case ActionReview:
		target = StatusUnderReview
	default:
		return current, false
	}
	if target.Severity() <= current.Severity() {
		return current, false
	}
	return target, true
}

// SuppressedByPolicy reports whether automatic recomputation can never move
// a profile in this status.
func SuppressedByPolicy(s Status) bool {
	return s == StatusBlocked || s == StatusWhitelisted
}
