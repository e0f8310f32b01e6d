// Package diagnostics captures best-effort artifacts for failed test attempts.
//
// Capture never fails the test: every error inside the collector is logged as a
// warning and swallowed, and the whole capture is abandoned once the ceiling passes.
package diagnostics

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/vietddude/flakeguard/internal/core/domain"
	"github.com/vietddude/flakeguard/internal/metrics"
)

// Capturer takes diagnostics from the UI driver of the failed attempt.
type Capturer interface {
	Screenshot(ctx context.Context) ([]byte, error)
	LogSnapshot(ctx context.Context) ([]byte, error)
}

// CaptureError describes a swallowed failure inside the collector.
type CaptureError struct {
	Step    string
	TestID  string
	Attempt int
	Err     error
}

func (e *CaptureError) Error() string {
	return fmt.Sprintf("diagnostics %s for %s attempt %d: %v", e.Step, e.TestID, e.Attempt, e.Err)
}

func (e *CaptureError) Unwrap() error { return e.Err }

// Config controls capture behaviour.
type Config struct {
	// Ceiling bounds the whole capture; zero means DefaultCeiling.
	Ceiling time.Duration
	// WorkerID disambiguates artifact names across parallel workers.
	// When empty a nanosecond timestamp is used instead.
	WorkerID           string
	DisableScreenshots bool
}

// DefaultCeiling keeps capture from holding up test teardown.
const DefaultCeiling = 2 * time.Second

// Collector attaches diagnostics for failed attempts to a report sink.
type Collector struct {
	cfg  Config
	sink ReportSink
	log  *slog.Logger
	now  func() time.Time
}

// NewCollector creates a collector writing to sink.
func NewCollector(cfg Config, sink ReportSink, log *slog.Logger) *Collector {
	if cfg.Ceiling <= 0 {
		cfg.Ceiling = DefaultCeiling
	}
	if log == nil {
		log = slog.Default()
	}
	return &Collector{cfg: cfg, sink: sink, log: log, now: time.Now}
}

type captureStep struct {
	name        string
	ext         string
	contentType string
	capture     func(ctx context.Context) ([]byte, error)
}

// OnAttemptFailure captures a screenshot and a log snapshot for rec and appends the
// attached artifacts to rec.Artifacts. It never returns an error and never touches
// rec.Outcome or rec.Error. capturer may be nil, in which case only the attempt log
// is attached.
func (c *Collector) OnAttemptFailure(ctx context.Context, rec *domain.AttemptRecord, capturer Capturer) {
	if rec == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.warn(&CaptureError{Step: "collector", TestID: rec.TestID, Attempt: rec.AttemptNumber, Err: fmt.Errorf("panic: %v", r)})
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Ceiling)
	defer cancel()

	// The capture goroutine may outlive this call, so it works on a copy.
	snap := *rec
	snap.Artifacts = nil
	base := ArtifactBaseName(snap.DisplayTitle(), snap.AttemptNumber, c.disambiguator())
	steps := c.steps(&snap, capturer)
	results := make(chan domain.ArtifactRef, len(steps))
	done := make(chan struct{})

	go func() {
		defer close(done)
		defer func() {
			if r := recover(); r != nil {
				c.warn(&CaptureError{Step: "capture", TestID: snap.TestID, Attempt: snap.AttemptNumber, Err: fmt.Errorf("panic: %v", r)})
			}
		}()
		for _, s := range steps {
			if ctx.Err() != nil {
				return
			}
			ref, err := c.run(ctx, s, base)
			if err != nil {
				c.warn(&CaptureError{Step: s.name, TestID: snap.TestID, Attempt: snap.AttemptNumber, Err: err})
				continue
			}
			results <- ref
		}
	}()

	select {
	case <-done:
	case <-ctx.Done():
		c.warn(&CaptureError{Step: "ceiling", TestID: rec.TestID, Attempt: rec.AttemptNumber, Err: ctx.Err()})
	}

	for {
		select {
		case ref := <-results:
			rec.Artifacts = append(rec.Artifacts, ref)
		default:
			return
		}
	}
}

func (c *Collector) run(ctx context.Context, s captureStep, base string) (domain.ArtifactRef, error) {
	body, err := s.capture(ctx)
	if err != nil {
		return domain.ArtifactRef{}, err
	}
	// A capturer that ignores ctx may return after the ceiling; its result is dropped.
	if err := ctx.Err(); err != nil {
		return domain.ArtifactRef{}, fmt.Errorf("abandoned after ceiling: %w", err)
	}
	name := base + s.ext
	if err := c.sink.Attach(name, Attachment{Body: body, ContentType: s.contentType}); err != nil {
		return domain.ArtifactRef{}, fmt.Errorf("attach %s: %w", name, err)
	}
	return domain.ArtifactRef{Name: name, ContentType: s.contentType}, nil
}

func (c *Collector) steps(rec *domain.AttemptRecord, capturer Capturer) []captureStep {
	var steps []captureStep
	if capturer != nil && !c.cfg.DisableScreenshots {
		steps = append(steps, captureStep{
			name:        "screenshot",
			ext:         ".png",
			contentType: ContentTypePNG,
			capture:     capturer.Screenshot,
		})
	}
	steps = append(steps, captureStep{
		name:        "log",
		ext:         ".log",
		contentType: ContentTypeText,
		capture: func(ctx context.Context) ([]byte, error) {
			return attemptLog(ctx, rec, capturer)
		},
	})
	return steps
}

// attemptLog renders the attempt header followed by the driver's log snapshot.
// A failing snapshot still yields the header so the attempt error is never lost.
func attemptLog(ctx context.Context, rec *domain.AttemptRecord, capturer Capturer) ([]byte, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "test: %s\n", rec.TestID)
	if rec.Title != "" {
		fmt.Fprintf(&b, "title: %s\n", rec.Title)
	}
	fmt.Fprintf(&b, "attempt: %d\n", rec.AttemptNumber)
	if !rec.StartedAt.IsZero() {
		fmt.Fprintf(&b, "started: %s\n", rec.StartedAt.Format(time.RFC3339Nano))
	}
	if rec.Error != nil {
		fmt.Fprintf(&b, "error: %v\n", rec.Error)
	}
	if capturer == nil {
		return []byte(b.String()), nil
	}
	snapshot, err := capturer.LogSnapshot(ctx)
	if err != nil {
		fmt.Fprintf(&b, "\nlog snapshot unavailable: %v\n", err)
		return []byte(b.String()), nil
	}
	b.WriteString("\n")
	b.Write(snapshot)
	return []byte(b.String()), nil
}

func (c *Collector) disambiguator() string {
	if c.cfg.WorkerID != "" {
		return c.cfg.WorkerID
	}
	return strconv.FormatInt(c.now().UnixNano(), 10)
}

func (c *Collector) warn(err *CaptureError) {
	metrics.DiagnosticsFailuresTotal.WithLabelValues(err.Step).Inc()
	c.log.Warn("Diagnostics capture failed", "test_id", err.TestID, "attempt", err.Attempt, "step", err.Step, "error", err.Err)
}

var unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

const maxTitleLen = 80

// ArtifactBaseName builds {title}_{attempt}_{disambiguator} with filesystem-safe characters.
func ArtifactBaseName(title string, attempt int, disambiguator string) string {
	safe := strings.Trim(unsafeNameChars.ReplaceAllString(title, "_"), "_")
	if len(safe) > maxTitleLen {
		safe = safe[:maxTitleLen]
	}
	if safe == "" {
		safe = "test"
	}
	return fmt.Sprintf("%s_%d_%s", safe, attempt, unsafeNameChars.ReplaceAllString(disambiguator, "_"))
}
