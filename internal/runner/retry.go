package runner

import (
	"errors"
	"math"
	"time"
)

// RetryConfig defines attempt and backoff behavior.
type RetryConfig struct {
	MaxAttempts     int
	InitialDelay    time.Duration
	MaxDelay        time.Duration
	BackoffMultiple float64
}

// DefaultRetryConfig runs a test at most three times.
var DefaultRetryConfig = RetryConfig{
	MaxAttempts:     3,
	InitialDelay:    500 * time.Millisecond,
	MaxDelay:        10 * time.Second,
	BackoffMultiple: 2.0,
}

// ErrorAction determines how to handle a failed attempt.
type ErrorAction int

const (
	ActionRetry ErrorAction = iota
	ActionFatal
)

type fatalError struct{ err error }

func (e *fatalError) Error() string { return e.err.Error() }
func (e *fatalError) Unwrap() error { return e.err }

// Fatal marks err as not worth retrying, e.g. a broken fixture or invalid test data.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &fatalError{err: err}
}

// ClassifyError determines the action for the error of a failed attempt.
func ClassifyError(err error) ErrorAction {
	var fatal *fatalError
	if errors.As(err, &fatal) {
		return ActionFatal
	}
	return ActionRetry
}

func calculateBackoff(attempt int, config RetryConfig) time.Duration {
	delay := float64(config.InitialDelay) * math.Pow(config.BackoffMultiple, float64(attempt))
	if config.MaxDelay > 0 && delay > float64(config.MaxDelay) {
		delay = float64(config.MaxDelay)
	}
	return time.Duration(delay)
}
