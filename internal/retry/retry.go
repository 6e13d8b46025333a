// Package retry runs an action until it succeeds or a strategy gives up.
package retry

import (
	"context"
	"errors"
	"math"
	"time"
)

// Action is a function to be performed in a retriable manner.
type Action func() error

// Strategy decides whether another attempt should be made. Strategies may
// sleep.
type Strategy func(attempts uint, err error) bool

// Retry executes action until it returns nil or one of the strategies
// returns false. It returns the number of attempts made and the last error.
//
// Strategies run in order, so strategies that sleep should come last.
func Retry(action Action, strategies ...Strategy) (uint, error) {
	for i := uint(1); ; i++ {
		err := action()
		if err == nil {
			return i, nil
		}

		for _, s := range strategies {
			if !s(i, err) {
				return i, err
			}
		}
	}
}

// Limit caps the total number of attempts.
func Limit(maxAttempts uint) Strategy {
	return func(attempts uint, _ error) bool {
		return attempts < maxAttempts
	}
}

// NonRetriableErrors stops on any of the given errors.
func NonRetriableErrors(nonRetriable ...error) Strategy {
	return func(_ uint, err error) bool {
		for _, e := range nonRetriable {
			if errors.Is(err, e) {
				return false
			}
		}
		return true
	}
}

// Backoff sleeps baseDelay * 2^(attempts-1), capped at maxDelay. It gives up
// early when ctx is done.
func Backoff(ctx context.Context, baseDelay, maxDelay time.Duration) Strategy {
	return func(attempts uint, _ error) bool {
		delay := time.Duration(float64(baseDelay) * math.Pow(2, float64(attempts-1)))
		if delay <= 0 || delay > maxDelay {
			delay = maxDelay
		}
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return false
		case <-t.C:
			return true
		}
	}
}
