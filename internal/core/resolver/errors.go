package resolver

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vietddude/flakeguard/internal/core/domain"
)

// ErrBudgetExhausted marks descriptors that were never tried because the budget ran out.
var ErrBudgetExhausted = errors.New("resolution budget exhausted")

// StrategyAttempt records one descriptor tried during a resolve call.
type StrategyAttempt struct {
	Index      int
	Descriptor domain.LocatorDescriptor
	Elapsed    time.Duration
	Err        error
}

// ElementNotFoundError is returned when no descriptor in a chain resolved within the budget.
type ElementNotFoundError struct {
	Chain    string
	Attempts []StrategyAttempt
	Budget   time.Duration
	Elapsed  time.Duration
	// Skipped counts descriptors left untried once the budget ran out.
	Skipped int
}

func (e *ElementNotFoundError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "element %q not found after %d strategies in %s (budget %s)",
		e.Chain, len(e.Attempts), e.Elapsed.Round(time.Millisecond), e.Budget)
	for _, a := range e.Attempts {
		fmt.Fprintf(&b, "\n  [%d] %s: %s", a.Index, a.Descriptor, a.Elapsed.Round(time.Millisecond))
		if a.Err != nil {
			fmt.Fprintf(&b, " (%v)", a.Err)
		}
	}
	if e.Skipped > 0 {
		fmt.Fprintf(&b, "\n  %d strategies skipped: %v", e.Skipped, ErrBudgetExhausted)
	}
	return b.String()
}

// HealingDisallowedError is returned under the strict healing policy when a fallback was needed.
type HealingDisallowedError struct {
	Event HealingEvent
}

func (e *HealingDisallowedError) Error() string {
	return fmt.Sprintf("element %q healed under strict policy: primary %s failed, fallback %s matched",
		e.Event.Chain, e.Event.Primary, e.Event.Fallback)
}
