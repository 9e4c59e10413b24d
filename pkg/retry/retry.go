// Package retry provides bounded retry with explicit failure classification.
//
// Components own their own Policy: the classifier decides per error whether
// another attempt is worthwhile, so "is this retryable" lives in one pure
// function per caller instead of string checks scattered around call sites.
package retry

import (
	"context"
	"fmt"
	"time"
)

// Class is the outcome of classifying an observed failure.
type Class int

const (
	// Retryable failures are worth another attempt within the policy budget.
	Retryable Class = iota
	// Fatal failures abort immediately regardless of remaining attempts.
	Fatal
)

// Policy describes a bounded retry budget with multiplicative backoff.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int
	// BaseDelay is the sleep after the first failed attempt.
	BaseDelay time.Duration
	// Multiplier scales the delay after each failed attempt. Values below 1
	// are treated as 1 (constant delay).
	Multiplier float64
	// Classify maps an observed error to Retryable or Fatal. A nil Classify
	// treats every error as Retryable.
	Classify func(error) Class
}

// Do runs op until it succeeds, fails fatally, exhausts the attempt budget,
// or ctx is cancelled. The returned error is the last error observed.
func Do(ctx context.Context, p Policy, op func() error) error {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}

	delay := p.BaseDelay
	var err error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err = op(); err == nil {
			return nil
		}
		if p.Classify != nil && p.Classify(err) == Fatal {
			return err
		}
		if attempt == p.MaxAttempts {
			break
		}
		if serr := Sleep(ctx, delay); serr != nil {
			return serr
		}
		delay = time.Duration(float64(delay) * mult)
	}
	return fmt.Errorf("after %d attempts: %w", p.MaxAttempts, err)
}

// Sleep blocks for d or until ctx is cancelled, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
