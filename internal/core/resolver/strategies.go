package resolver

import (
	"context"
	"time"

	"github.com/vietddude/flakeguard/internal/core/domain"
)

// Probe waits for one located element to become visible.
type Probe interface {
	// WaitVisible blocks until the element is visible, the timeout passes or ctx is done.
	// It returns a driver-specific element handle.
	WaitVisible(ctx context.Context, timeout time.Duration) (any, error)
}

// Driver exposes the locate primitives of the UI driver, one per locator kind.
type Driver interface {
	ByCSS(selector string) Probe
	ByRole(role string, opts *domain.RoleOptions) Probe
	ByText(text string) Probe
	ByTestID(id string) Probe
}

type probeFunc func(Driver, domain.LocatorDescriptor) Probe

// strategies maps each locator kind to the driver primitive that resolves it.
var strategies = map[domain.LocatorKind]probeFunc{
	domain.LocatorKindCSS: func(d Driver, l domain.LocatorDescriptor) Probe {
		return d.ByCSS(l.Value)
	},
	domain.LocatorKindRole: func(d Driver, l domain.LocatorDescriptor) Probe {
		return d.ByRole(l.Value, l.Role)
	},
	domain.LocatorKindText: func(d Driver, l domain.LocatorDescriptor) Probe {
		return d.ByText(l.Value)
	},
	domain.LocatorKindTestID: func(d Driver, l domain.LocatorDescriptor) Probe {
		return d.ByTestID(l.Value)
	},
}
