package browser

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"

	"github.com/vietddude/flakeguard/internal/core/diagnostics"
)

const defaultConsoleLines = 500

// Capturer implements diagnostics.Capturer for a page. It buffers console output and
// page errors from the moment it is attached.
type Capturer struct {
	page    playwright.Page
	console *consoleBuffer
}

var _ diagnostics.Capturer = (*Capturer)(nil)

// NewCapturer attaches to page and keeps the last maxLines console lines.
func NewCapturer(page playwright.Page, maxLines int) *Capturer {
	c := &Capturer{page: page, console: newConsoleBuffer(maxLines)}
	page.OnConsole(func(msg playwright.ConsoleMessage) {
		c.console.add(msg.Type(), msg.Text())
	})
	page.OnPageError(func(err error) {
		c.console.add("pageerror", err.Error())
	})
	return c
}

// Screenshot captures the full page as PNG.
func (c *Capturer) Screenshot(ctx context.Context) ([]byte, error) {
	type result struct {
		body []byte
		err  error
	}
	done := make(chan result, 1)
	go func() {
		body, err := c.page.Screenshot(playwright.PageScreenshotOptions{
			FullPage: playwright.Bool(true),
			Type:     playwright.ScreenshotTypePng,
		})
		done <- result{body, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, fmt.Errorf("screenshot failed: %w", r.err)
		}
		return r.body, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// LogSnapshot returns the page URL and the buffered console output.
func (c *Capturer) LogSnapshot(_ context.Context) ([]byte, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "url: %s\n", c.page.URL())
	for _, line := range c.console.lines() {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return []byte(b.String()), nil
}

// Reset clears the console buffer, typically before the next attempt starts.
func (c *Capturer) Reset() {
	c.console.reset()
}

// consoleBuffer is a bounded ring of console lines.
type consoleBuffer struct {
	mu    sync.Mutex
	max   int
	buf   []string
	now   func() time.Time
	total int
}

func newConsoleBuffer(limit int) *consoleBuffer {
	if limit <= 0 {
		limit = defaultConsoleLines
	}
	return &consoleBuffer{max: limit, now: time.Now}
}

func (b *consoleBuffer) add(kind, text string) {
	line := fmt.Sprintf("%s [%s] %s", b.now().UTC().Format("15:04:05.000"), kind, text)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.total++
	if len(b.buf) == b.max {
		copy(b.buf, b.buf[1:])
		b.buf[len(b.buf)-1] = line
		return
	}
	b.buf = append(b.buf, line)
}

func (b *consoleBuffer) lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.buf)+1)
	if dropped := b.total - len(b.buf); dropped > 0 {
		out = append(out, fmt.Sprintf("... %d earlier lines dropped", dropped))
	}
	return append(out, b.buf...)
}

func (b *consoleBuffer) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = b.buf[:0]
	b.total = 0
}
