// Package resolver resolves strategy chains to live elements within a time budget.
//
// Descriptors are probed one at a time in declared order: primary first, then the
// fallbacks. Probing is never parallel, since a second probe racing the first can
// trigger duplicate side effects on dynamic pages. The first visible match wins.
//
//	engine := resolver.NewEngine(resolver.Config{PerStrategyTimeout: 2 * time.Second, TotalBudget: 5 * time.Second})
//	chain := domain.NewStrategyChain("login.submit",
//	    domain.CSS("#login-btn"),
//	    domain.Role("button", "Sign in", true),
//	)
//	res, err := engine.Resolve(ctx, chain, driver, resolver.LogSink{})
package resolver

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/vietddude/flakeguard/internal/core/domain"
	"github.com/vietddude/flakeguard/internal/metrics"
)

// HealingPolicy decides whether a healed resolution is acceptable.
type HealingPolicy string

const (
	// PolicyReport accepts healed resolutions and only emits the healing event.
	PolicyReport HealingPolicy = "report"
	// PolicyStrict fails the interaction when anything other than the primary matched.
	PolicyStrict HealingPolicy = "strict"
)

// Config holds the defaults applied to chains without explicit timeouts.
type Config struct {
	PerStrategyTimeout time.Duration
	TotalBudget        time.Duration
	Policy             HealingPolicy
}

// DefaultConfig provides sensible defaults.
var DefaultConfig = Config{
	PerStrategyTimeout: 2 * time.Second,
	TotalBudget:        10 * time.Second,
	Policy:             PolicyReport,
}

// Engine resolves strategy chains. It holds no per-call state and is safe for concurrent use.
type Engine struct {
	cfg Config
	now func() time.Time
	log *slog.Logger
}

// NewEngine creates an engine, filling zero config values from DefaultConfig.
func NewEngine(cfg Config) *Engine {
	if cfg.PerStrategyTimeout <= 0 {
		cfg.PerStrategyTimeout = DefaultConfig.PerStrategyTimeout
	}
	if cfg.TotalBudget <= 0 {
		cfg.TotalBudget = DefaultConfig.TotalBudget
	}
	if cfg.Policy == "" {
		cfg.Policy = DefaultConfig.Policy
	}
	return &Engine{
		cfg: cfg,
		now: time.Now,
		log: slog.Default(),
	}
}

// WithLogger sets the logger used for debug output.
func (e *Engine) WithLogger(log *slog.Logger) *Engine {
	if log != nil {
		e.log = log
	}
	return e
}

// Config returns the effective engine configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

func (e *Engine) timeouts(chain domain.StrategyChain) (perStrategy, budget time.Duration) {
	perStrategy = chain.PerStrategyTimeout
	if perStrategy <= 0 {
		perStrategy = e.cfg.PerStrategyTimeout
	}
	budget = chain.TotalBudget
	if budget <= 0 {
		budget = e.cfg.TotalBudget
	}
	return perStrategy, budget
}

// Resolve finds the element described by chain using driver.
//
// Each descriptor waits at most min(per-strategy timeout, remaining budget). When a
// fallback matches, a HealingEvent is sent to sink (which may be nil). If the parent
// context is cancelled the in-flight wait is abandoned and the context error is returned.
// When every descriptor fails, or the budget runs out, the error is *ElementNotFoundError.
func (e *Engine) Resolve(
	ctx context.Context,
	chain domain.StrategyChain,
	driver Driver,
	sink EventSink,
) (*domain.ResolutionResult, error) {
	if err := chain.Validate(); err != nil {
		return nil, err
	}
	perStrategy, budget := e.timeouts(chain)
	descriptors := chain.Descriptors()

	start := e.now()
	notFound := &ElementNotFoundError{Chain: chain.Name, Budget: budget}

	for i, d := range descriptors {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("resolve %q: %w", chain.Name, err)
		}

		remaining := budget - e.now().Sub(start)
		if remaining <= 0 {
			notFound.Skipped = len(descriptors) - i
			break
		}
		wait := min(perStrategy, remaining)

		attemptStart := e.now()
		handle, err := e.probe(ctx, driver, d, wait)
		attemptElapsed := e.now().Sub(attemptStart)

		if err == nil {
			res := &domain.ResolutionResult{
				Handle:            handle,
				StrategyIndexUsed: i,
				Healed:            i > 0,
				Elapsed:           e.now().Sub(start),
				Descriptor:        d,
			}
			e.observe(chain.Name, strconv.Itoa(i), "found", res.Elapsed)
			if !res.Healed {
				return res, nil
			}
			ev := HealingEvent{
				Chain:    chain.Name,
				Primary:  descriptors[0].String(),
				Fallback: d.String(),
				Index:    i,
				Elapsed:  res.Elapsed,
				At:       e.now(),
			}
			if sink != nil {
				sink.OnHealing(ev)
			}
			if e.cfg.Policy == PolicyStrict {
				return nil, &HealingDisallowedError{Event: ev}
			}
			return res, nil
		}

		// Parent cancellation is not a selector failure.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("resolve %q: %w", chain.Name, ctxErr)
		}

		e.log.Debug("Locator strategy failed",
			"chain", chain.Name, "index", i, "locator", d.String(),
			"elapsed", attemptElapsed, "error", err)
		notFound.Attempts = append(notFound.Attempts, StrategyAttempt{
			Index:      i,
			Descriptor: d,
			Elapsed:    attemptElapsed,
			Err:        err,
		})
	}

	notFound.Elapsed = e.now().Sub(start)
	e.observe(chain.Name, "none", "not_found", notFound.Elapsed)
	return nil, notFound
}

func (e *Engine) probe(
	ctx context.Context,
	driver Driver,
	d domain.LocatorDescriptor,
	wait time.Duration,
) (any, error) {
	waitCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	p := strategies[d.Kind](driver, d)
	if p == nil {
		return nil, fmt.Errorf("driver returned no probe for %s", d)
	}
	return p.WaitVisible(waitCtx, wait)
}

func (e *Engine) observe(chain, index, result string, elapsed time.Duration) {
	metrics.ResolutionsTotal.WithLabelValues(chain, index, result).Inc()
	metrics.ResolutionLatency.WithLabelValues(chain, result).Observe(elapsed.Seconds())
}
