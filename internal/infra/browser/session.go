// Package browser adapts playwright-go to the resolver and diagnostics interfaces.
package browser

import (
	"errors"
	"fmt"
	"time"

	"github.com/playwright-community/playwright-go"
)

// Config holds playwright launch settings.
type Config struct {
	BaseURL  string
	Headless bool
	SlowMo   int
	Timeout  time.Duration
	// Install downloads the driver and browsers before starting.
	Install bool
}

// Session owns one playwright process, browser, context and page.
type Session struct {
	pw       *playwright.Playwright
	browser  playwright.Browser
	context  playwright.BrowserContext
	page     playwright.Page
	driver   *Driver
	capturer *Capturer
}

// Launch starts playwright and opens a Chromium page.
func Launch(cfg Config) (*Session, error) {
	if cfg.Install {
		if err := playwright.Install(); err != nil {
			return nil, fmt.Errorf("could not install playwright browsers: %w", err)
		}
	}
	pw, err := playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("could not start playwright: %w", err)
	}
	s := &Session{pw: pw}

	s.browser, err = pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(cfg.Headless),
		SlowMo:   playwright.Float(float64(cfg.SlowMo)),
	})
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("could not launch browser: %w", err)
	}

	opts := playwright.BrowserNewContextOptions{
		Viewport: &playwright.Size{Width: 1280, Height: 720},
	}
	if cfg.BaseURL != "" {
		opts.BaseURL = playwright.String(cfg.BaseURL)
	}
	s.context, err = s.browser.NewContext(opts)
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("could not create context: %w", err)
	}

	s.page, err = s.context.NewPage()
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("could not create page: %w", err)
	}
	if cfg.Timeout > 0 {
		s.page.SetDefaultTimeout(float64(cfg.Timeout.Milliseconds()))
	}

	s.driver = NewDriver(s.page)
	s.capturer = NewCapturer(s.page, defaultConsoleLines)
	return s, nil
}

// Page returns the underlying page for interactions.
func (s *Session) Page() playwright.Page { return s.page }

// Driver returns the locate primitives for the resolver.
func (s *Session) Driver() *Driver { return s.driver }

// Capturer returns the diagnostics capturer attached to the page.
func (s *Session) Capturer() *Capturer { return s.capturer }

// Goto navigates to url, resolved against the base URL when relative.
func (s *Session) Goto(url string) error {
	if _, err := s.page.Goto(url); err != nil {
		return fmt.Errorf("navigate to %s: %w", url, err)
	}
	return nil
}

// Close releases every playwright resource that was opened.
func (s *Session) Close() error {
	var errs []error
	if s.page != nil {
		errs = append(errs, s.page.Close())
	}
	if s.context != nil {
		errs = append(errs, s.context.Close())
	}
	if s.browser != nil {
		errs = append(errs, s.browser.Close())
	}
	if s.pw != nil {
		errs = append(errs, s.pw.Stop())
	}
	return errors.Join(errs...)
}
