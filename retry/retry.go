package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"
)

// ErrExhausted wraps the last error once all attempts have failed.
var ErrExhausted = errors.New("retry attempts exhausted")

// Class tells the executor what to do with a failed attempt.
type Class int

const (
	// Unknown failures are retried conservatively.
	Unknown Class = iota
	Transient
	Fatal
)

func (c Class) String() string {
	switch c {
	case Transient:
		return "transient"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Classifier maps an error to a Class.
type Classifier func(error) Class

// Policy configures exponential backoff.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	Classify    Classifier
	Logger      *slog.Logger
	// Sleep waits between attempts; nil uses a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultPolicy returns 3 attempts starting at 500ms and doubling.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		Multiplier:  2.0,
		Classify:    ClassifyHTTP,
	}
}

// Delay returns the wait before the attempt following attempt (1-based).
func (p Policy) Delay(attempt int) time.Duration {
	d := float64(p.BaseDelay)
	for i := 1; i < attempt; i++ {
		d *= p.Multiplier
	}
	return time.Duration(d)
}

// Do runs fn until it succeeds, fails fatally, or MaxAttempts is reached.
func Do(ctx context.Context, p Policy, op string, fn func() error) error {
	_, err := DoValue(ctx, p, op, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// DoValue is Do for operations returning a value.
func DoValue[T any](ctx context.Context, p Policy, op string, fn func() (T, error)) (T, error) {
	var zero T
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	classify := p.Classify
	if classify == nil {
		classify = ClassifyHTTP
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepContext
	}

	for attempt := 1; ; attempt++ {
		v, err := fn()
		if err == nil {
			return v, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return zero, fmt.Errorf("%s: %w", op, err)
		}

		class := classify(err)
		if class == Fatal {
			return zero, fmt.Errorf("%s: %w", op, err)
		}
		if attempt >= attempts {
			return zero, fmt.Errorf("%s: %w after %d attempts: %w", op, ErrExhausted, attempt, err)
		}

		delay := p.Delay(attempt)
		if p.Logger != nil {
			p.Logger.Warn("retrying after failure",
				"op", op,
				"class", class.String(),
				"status", StatusCode(err),
				"delay", delay,
				"attempt", attempt,
				"maxAttempts", attempts,
				"err", err,
			)
		}
		if err := sleep(ctx, delay); err != nil {
			return zero, fmt.Errorf("%s: %w", op, err)
		}
	}
}

// ClassifyHTTP classifies Google API and OAuth errors by HTTP status: 429 and
// 5xx are transient, every other status is fatal. Errors without a status are
// Unknown, except context cancellation which is fatal.
func ClassifyHTTP(err error) Class {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Fatal
	}
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		return Fatal
	}
	status := StatusCode(err)
	switch {
	case status == 0:
		var netErr net.Error
		if errors.As(err, &netErr) {
			return Transient
		}
		return Unknown
	case status == 429 || status >= 500 && status < 600:
		return Transient
	default:
		return Fatal
	}
}

// StatusCode extracts an HTTP status from err, or 0.
func StatusCode(err error) int {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	var coder interface{ StatusCode() int }
	if errors.As(err, &coder) {
		return coder.StatusCode()
	}
	return 0
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
