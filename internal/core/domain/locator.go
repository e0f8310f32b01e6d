package domain

import (
	"errors"
	"fmt"
	"strconv"
	"time"
)

type LocatorKind string

const (
	LocatorKindCSS    LocatorKind = "css"
	LocatorKindRole   LocatorKind = "role"
	LocatorKindText   LocatorKind = "text"
	LocatorKindTestID LocatorKind = "testId"
)

// LocatorKinds lists every supported kind in declaration order.
var LocatorKinds = []LocatorKind{
	LocatorKindCSS,
	LocatorKindRole,
	LocatorKindText,
	LocatorKindTestID,
}

// Valid reports whether k is one of the closed set of locator kinds.
func (k LocatorKind) Valid() bool {
	for _, known := range LocatorKinds {
		if k == known {
			return true
		}
	}
	return false
}

// RoleOptions narrows a role locator by accessible name.
type RoleOptions struct {
	Name  string `json:"name,omitempty"  yaml:"name"`
	Exact bool   `json:"exact,omitempty" yaml:"exact"`
}

// LocatorDescriptor describes one way of finding a UI element.
type LocatorDescriptor struct {
	Kind  LocatorKind  `json:"kind"           yaml:"kind"`
	Value string       `json:"value"          yaml:"value"`
	Role  *RoleOptions `json:"role,omitempty" yaml:"role,omitempty"`
}

// CSS builds a css descriptor.
func CSS(selector string) LocatorDescriptor {
	return LocatorDescriptor{Kind: LocatorKindCSS, Value: selector}
}

// Role builds a role descriptor. An empty name matches any element with the role.
func Role(role, name string, exact bool) LocatorDescriptor {
	d := LocatorDescriptor{Kind: LocatorKindRole, Value: role}
	if name != "" {
		d.Role = &RoleOptions{Name: name, Exact: exact}
	}
	return d
}

// Text builds a visible-text descriptor.
func Text(text string) LocatorDescriptor {
	return LocatorDescriptor{Kind: LocatorKindText, Value: text}
}

// TestID builds a test-id attribute descriptor.
func TestID(id string) LocatorDescriptor {
	return LocatorDescriptor{Kind: LocatorKindTestID, Value: id}
}

// String renders the descriptor as selector text, e.g. role=button[name="Save"].
func (d LocatorDescriptor) String() string {
	s := fmt.Sprintf("%s=%s", d.Kind, d.Value)
	if d.Kind == LocatorKindRole && d.Role != nil && d.Role.Name != "" {
		s += "[name=" + strconv.Quote(d.Role.Name)
		if d.Role.Exact {
			s += " exact"
		}
		s += "]"
	}
	return s
}

var (
	ErrEmptyDescriptor = errors.New("locator descriptor has no value")
	ErrUnknownKind     = errors.New("unknown locator kind")
)

// Validate checks that the descriptor can be dispatched.
func (d LocatorDescriptor) Validate() error {
	if !d.Kind.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownKind, d.Kind)
	}
	if d.Value == "" {
		return ErrEmptyDescriptor
	}
	return nil
}

// StrategyChain is the ordered primary+fallback descriptor list for one logical element.
// Chains are built once per page object and must not be mutated afterwards.
type StrategyChain struct {
	Name               string              `json:"name"                 yaml:"name"`
	Primary            LocatorDescriptor   `json:"primary"              yaml:"primary"`
	Fallbacks          []LocatorDescriptor `json:"fallbacks,omitempty"  yaml:"fallbacks"`
	PerStrategyTimeout time.Duration       `json:"per_strategy_timeout" yaml:"per_strategy_timeout"`
	TotalBudget        time.Duration       `json:"total_budget"         yaml:"total_budget"`
}

// NewStrategyChain builds a chain with zero timeouts, which resolvers fill from their defaults.
func NewStrategyChain(name string, primary LocatorDescriptor, fallbacks ...LocatorDescriptor) StrategyChain {
	fb := make([]LocatorDescriptor, len(fallbacks))
	copy(fb, fallbacks)
	return StrategyChain{Name: name, Primary: primary, Fallbacks: fb}
}

// WithTimeouts returns a copy of the chain with explicit timeouts.
func (c StrategyChain) WithTimeouts(perStrategy, total time.Duration) StrategyChain {
	c.Fallbacks = append([]LocatorDescriptor(nil), c.Fallbacks...)
	c.PerStrategyTimeout = perStrategy
	c.TotalBudget = total
	return c
}

// Descriptors returns primary followed by fallbacks. The slice is a copy.
func (c StrategyChain) Descriptors() []LocatorDescriptor {
	out := make([]LocatorDescriptor, 0, 1+len(c.Fallbacks))
	out = append(out, c.Primary)
	return append(out, c.Fallbacks...)
}

// Validate rejects chains that cannot be resolved.
func (c StrategyChain) Validate() error {
	for i, d := range c.Descriptors() {
		if err := d.Validate(); err != nil {
			return fmt.Errorf("chain %q descriptor %d: %w", c.Name, i, err)
		}
	}
	if c.PerStrategyTimeout < 0 || c.TotalBudget < 0 {
		return fmt.Errorf("chain %q: negative timeout", c.Name)
	}
	return nil
}

// ResolutionResult reports which descriptor of a chain found the element.
type ResolutionResult struct {
	Handle            any
	StrategyIndexUsed int
	Healed            bool
	Elapsed           time.Duration
	Descriptor        LocatorDescriptor
}
