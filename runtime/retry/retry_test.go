package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestIsRetryableProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("nil error is not retryable", prop.ForAll(
		func(_ int) bool {
			return !IsRetryable(nil)
		},
		gen.Int(),
	))

	properties.Property("context.Canceled is not retryable", prop.ForAll(
		func(_ int) bool {
			return !IsRetryable(context.Canceled)
		},
		gen.Int(),
	))

	properties.Property("context.DeadlineExceeded is retryable", prop.ForAll(
		func(_ int) bool {
			return IsRetryable(context.DeadlineExceeded)
		},
		gen.Int(),
	))

	properties.Property("wrapped ErrTransient is retryable", prop.ForAll(
		func(msg string) bool {
			return IsRetryable(fmt.Errorf("%w: %s", ErrTransient, msg))
		},
		gen.AlphaString(),
	))

	properties.Property("plain errors are not retryable", prop.ForAll(
		func(msg string) bool {
			return !IsRetryable(errors.New("failure " + msg))
		},
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}

func TestRetryDoProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("successful operation returns nil", prop.ForAll(
		func(maxAttempts int) bool {
			cfg := Config{
				MaxAttempts:       maxAttempts,
				InitialBackoff:    time.Millisecond,
				MaxBackoff:        10 * time.Millisecond,
				BackoffMultiplier: 2.0,
			}

			err := Do(context.Background(), cfg, func(_ context.Context) error {
				return nil
			})

			return err == nil
		},
		gen.IntRange(1, 10),
	))

	properties.Property("non-retryable error returns immediately", prop.ForAll(
		func(maxAttempts int) bool {
			cfg := Config{
				MaxAttempts:       maxAttempts,
				InitialBackoff:    time.Millisecond,
				MaxBackoff:        10 * time.Millisecond,
				BackoffMultiplier: 2.0,
			}

			calls := 0
			fatal := errors.New("fatal")
			err := Do(context.Background(), cfg, func(_ context.Context) error {
				calls++
				return fatal
			})

			return errors.Is(err, fatal) && calls == 1
		},
		gen.IntRange(2, 10),
	))

	properties.Property("transient errors retry until exhausted", prop.ForAll(
		func(maxAttempts int) bool {
			cfg := Config{
				MaxAttempts:       maxAttempts,
				InitialBackoff:    time.Millisecond,
				MaxBackoff:        5 * time.Millisecond,
				BackoffMultiplier: 2.0,
			}

			calls := 0
			err := Do(context.Background(), cfg, func(_ context.Context) error {
				calls++
				return fmt.Errorf("%w: still busy", ErrTransient)
			})

			var exhausted *ExhaustedError
			return errors.As(err, &exhausted) && calls == maxAttempts && exhausted.Attempts == maxAttempts
		},
		gen.IntRange(1, 6),
	))

	properties.TestingRun(t)
}

func TestDoHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	cfg := Config{
		MaxAttempts:       5,
		InitialBackoff:    time.Hour,
		MaxBackoff:        time.Hour,
		BackoffMultiplier: 2.0,
	}

	done := make(chan error, 1)
	go func() {
		done <- Do(ctx, cfg, func(_ context.Context) error {
			return fmt.Errorf("%w: busy", ErrTransient)
		})
	}()

	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Do did not return after context cancellation")
	}
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	cfg := Config{
		MaxAttempts:       10,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        time.Second,
		BackoffMultiplier: 2.0,
	}

	prev := time.Duration(0)
	for attempt := 1; attempt <= 6; attempt++ {
		b := calculateBackoff(cfg, attempt)
		if b > cfg.MaxBackoff {
			t.Fatalf("attempt %d: backoff %v exceeds cap %v", attempt, b, cfg.MaxBackoff)
		}
		if attempt <= 4 && b <= prev {
			t.Fatalf("attempt %d: backoff %v did not grow from %v", attempt, b, prev)
		}
		prev = b
	}
}
