package browser

import (
	"context"
	"errors"
	"time"

	"github.com/playwright-community/playwright-go"

	"github.com/vietddude/flakeguard/internal/core/domain"
	"github.com/vietddude/flakeguard/internal/core/resolver"
)

var errNoTime = errors.New("no time left to wait for element")

// Driver implements resolver.Driver on a playwright page.
type Driver struct {
	page playwright.Page
}

var _ resolver.Driver = (*Driver)(nil)

// NewDriver wraps page.
func NewDriver(page playwright.Page) *Driver {
	return &Driver{page: page}
}

func (d *Driver) ByCSS(selector string) resolver.Probe {
	return locatorProbe{loc: d.page.Locator(selector)}
}

func (d *Driver) ByRole(role string, opts *domain.RoleOptions) resolver.Probe {
	var o playwright.PageGetByRoleOptions
	if opts != nil && opts.Name != "" {
		o.Name = opts.Name
		o.Exact = playwright.Bool(opts.Exact)
	}
	return locatorProbe{loc: d.page.GetByRole(playwright.AriaRole(role), o)}
}

func (d *Driver) ByText(text string) resolver.Probe {
	return locatorProbe{loc: d.page.GetByText(text)}
}

func (d *Driver) ByTestID(id string) resolver.Probe {
	return locatorProbe{loc: d.page.GetByTestId(id)}
}

// locatorProbe waits for the first element matched by a locator.
type locatorProbe struct {
	loc playwright.Locator
}

// WaitVisible returns the matched playwright.Locator once it is visible.
func (p locatorProbe) WaitVisible(ctx context.Context, timeout time.Duration) (any, error) {
	if timeout <= 0 {
		return nil, errNoTime
	}
	// Playwright treats a zero timeout as unbounded.
	ms := max(float64(timeout.Milliseconds()), 1)

	first := p.loc.First()
	done := make(chan error, 1)
	go func() {
		done <- first.WaitFor(playwright.LocatorWaitForOptions{
			State:   playwright.WaitForSelectorStateVisible,
			Timeout: playwright.Float(ms),
		})
	}()

	select {
	case err := <-done:
		if err != nil {
			return nil, err
		}
		return first, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
