package domain

import (
	"fmt"
	"time"
)

type Outcome string

const (
	OutcomePassed Outcome = "passed"
	OutcomeFailed Outcome = "failed"
)

// ParseOutcome accepts the canonical names plus the short pass/fail forms.
func ParseOutcome(s string) (Outcome, error) {
	switch s {
	case "passed", "pass":
		return OutcomePassed, nil
	case "failed", "fail":
		return OutcomeFailed, nil
	default:
		return "", fmt.Errorf("invalid outcome %q: want passed or failed", s)
	}
}

// ArtifactRef names a diagnostic artifact attached to the report.
type ArtifactRef struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type"`
}

// AttemptRecord is the outcome and artifacts of one execution attempt of a test.
// It lives for the duration of the run only.
type AttemptRecord struct {
	TestID        string        `json:"test_id"`
	Title         string        `json:"title,omitempty"`
	AttemptNumber int           `json:"attempt_number"` // 1-based
	Outcome       Outcome       `json:"outcome"`
	Error         error         `json:"-"`
	Artifacts     []ArtifactRef `json:"artifacts,omitempty"`
	StartedAt     time.Time     `json:"started_at"`
	Duration      time.Duration `json:"duration"`
}

// DisplayTitle falls back to the test id when no title is set.
func (r *AttemptRecord) DisplayTitle() string {
	if r.Title != "" {
		return r.Title
	}
	return r.TestID
}
