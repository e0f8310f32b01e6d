package flakiness

import (
	"slices"
	"time"

	"github.com/vietddude/flakeguard/internal/core/domain"
)

// State is an alias for domain.StabilityState for internal use.
type State = domain.StabilityState

// Reasons attached to transitions.
const (
	ReasonOutcome        = "outcome"
	ReasonAutoQuarantine = "auto-quarantine"
	ReasonReleased       = "released"
	ReasonManual         = "manual"
)

// ValidTransitions defines allowed state transitions.
// Key is the current state, value is the list of valid next states.
// Entering quarantine from a stable state is only possible manually.
var ValidTransitions = map[State][]State{
	domain.StateUnknown: {
		domain.StateStablePass,
		domain.StateStableFail,
		domain.StateFlaky,
		domain.StateQuarantined,
	},
	domain.StateStablePass: {domain.StateStableFail, domain.StateFlaky, domain.StateQuarantined},
	domain.StateStableFail: {domain.StateStablePass, domain.StateFlaky, domain.StateQuarantined},
	domain.StateFlaky:      {domain.StateStablePass, domain.StateStableFail, domain.StateQuarantined},
	domain.StateQuarantined: {
		domain.StateStablePass,
		domain.StateStableFail,
		domain.StateFlaky,
		domain.StateUnknown,
	},
}

// CanTransition checks if a transition from one state to another is valid.
func CanTransition(from, to State) bool {
	return slices.Contains(ValidTransitions[from], to)
}

// Transition represents a state change with metadata.
type Transition struct {
	From      State
	To        State
	Reason    string
	Timestamp time.Time
}

// Changed reports whether the transition moved to a different state.
func (t Transition) Changed() bool {
	return t.From != t.To
}

// IsValid returns true if this transition is allowed by the state machine.
func (t Transition) IsValid() bool {
	return !t.Changed() || CanTransition(t.From, t.To)
}

// StateDescription returns a human-readable description of a state.
func StateDescription(s State) string {
	switch s {
	case domain.StateUnknown:
		return "Unknown - not enough runs recorded yet"
	case domain.StateStablePass:
		return "Stable pass - every run in the window passed"
	case domain.StateStableFail:
		return "Stable fail - every run in the window failed"
	case domain.StateFlaky:
		return "Flaky - mixed outcomes in the window"
	case domain.StateQuarantined:
		return "Quarantined - failures are not blocking until the test recovers"
	default:
		return "Unknown state"
	}
}
