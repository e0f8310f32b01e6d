//go:build e2e

package e2e

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/flakeguard/internal/core/diagnostics"
	"github.com/vietddude/flakeguard/internal/core/domain"
	"github.com/vietddude/flakeguard/internal/core/flakiness"
	"github.com/vietddude/flakeguard/internal/core/resolver"
	"github.com/vietddude/flakeguard/internal/infra/browser"
	"github.com/vietddude/flakeguard/internal/infra/storage/memory"
	"github.com/vietddude/flakeguard/internal/runner"
)

const loginPage = `<html><body>
<form>
  <input data-testid="email" placeholder="Email">
  <button type="submit" data-testid="submit">Sign in</button>
</form>
<script>console.log("login form rendered")</script>
</body></html>`

func launch(t *testing.T) *browser.Session {
	t.Helper()
	if os.Getenv("E2E_LIVE") == "" {
		t.Skip("Skipping live browser test. Set E2E_LIVE=1 to run.")
	}
	s, err := browser.Launch(browser.Config{Headless: true, Timeout: 5 * time.Second, Install: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Page().SetContent(loginPage))
	return s
}

func TestResolve_Live(t *testing.T) {
	s := launch(t)
	ctx := context.Background()
	engine := resolver.NewEngine(resolver.Config{PerStrategyTimeout: time.Second, TotalBudget: 5 * time.Second})
	events := resolver.NewChannelSink(4)

	chain := domain.NewStrategyChain("submit",
		domain.CSS("#login-submit"),
		domain.Role("button", "Sign in", true),
		domain.TestID("submit"),
	)
	res, err := engine.Resolve(ctx, chain, s.Driver(), events)
	require.NoError(t, err)
	assert.True(t, res.Healed)
	assert.Equal(t, 1, res.StrategyIndexUsed)

	select {
	case ev := <-events.C:
		assert.Equal(t, "submit", ev.Chain)
		assert.Equal(t, 1, ev.Index)
	default:
		t.Fatal("no healing event for a fallback match")
	}

	_, err = engine.Resolve(ctx, domain.NewStrategyChain("missing", domain.CSS("#nope"), domain.Text("Forgot password")), s.Driver(), nil)
	var notFound *resolver.ElementNotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Len(t, notFound.Attempts, 2)
}

func TestRunner_CapturesBrowserDiagnostics(t *testing.T) {
	s := launch(t)
	ctx := context.Background()
	dir := t.TempDir()

	collector := diagnostics.NewCollector(diagnostics.Config{Ceiling: 10 * time.Second, WorkerID: "w1"},
		diagnostics.DirSink{Dir: dir}, nil)
	tracker := flakiness.NewTracker(flakiness.DefaultConfig, memory.NewHistoryRepo(), nil)
	r := runner.New(runner.RetryConfig{MaxAttempts: 2, InitialDelay: 10 * time.Millisecond}, collector, tracker, tracker, nil)

	res := r.Run(ctx, runner.TestCase{ID: "login-banner", Title: "Login banner"}, s.Capturer(), func(context.Context, int) error {
		return errors.New("welcome banner never appeared")
	})
	assert.Equal(t, domain.OutcomeFailed, res.Outcome)
	assert.True(t, res.Blocking)

	for _, name := range []string{"Login_banner_1_w1.png", "Login_banner_1_w1.log", "Login_banner_2_w1.png"} {
		info, err := os.Stat(filepath.Join(dir, name))
		require.NoError(t, err, name)
		assert.Positive(t, info.Size())
	}
	log, err := os.ReadFile(filepath.Join(dir, "Login_banner_1_w1.log"))
	require.NoError(t, err)
	assert.Contains(t, string(log), "login form rendered")
}
