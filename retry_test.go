package refdqcore

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func fastRetryConfig(maxRetries int) *RetryConfig {
	return &RetryConfig{
		MaxRetries:   maxRetries,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{name: "nil", err: nil, expected: false},
		{name: "transient infrastructure", err: &InfrastructureError{Stage: "impact", Transient: true, Err: errors.New("x")}, expected: true},
		{name: "permanent infrastructure", err: &InfrastructureError{Stage: "impact", Err: errors.New("x")}, expected: false},
		{name: "deadline exceeded", err: context.DeadlineExceeded, expected: true},
		{name: "cancellation", err: context.Canceled, expected: false},
		{name: "connection refused", err: errors.New("dial tcp 10.0.0.1:5432: connection refused"), expected: true},
		{name: "broken pipe", err: fmt.Errorf("write: %w", errors.New("broken pipe")), expected: true},
		{name: "syntax error", err: errors.New(`syntax error at or near "selec"`), expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.expected {
				t.Errorf("IsTransient(%v) = %v, expected %v", tt.err, got, tt.expected)
			}
		})
	}
}

func TestRetryTransientSucceedsAfterRetry(t *testing.T) {
	attempts := 0
	err := RetryTransient(context.Background(), fastRetryConfig(2), func() error {
		attempts++
		if attempts < 3 {
			return errors.New("connection reset by peer")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("RetryTransient() failed: %v", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, expected 3", attempts)
	}
}

func TestRetryTransientExhaustsBudget(t *testing.T) {
	attempts := 0
	transient := errors.New("i/o timeout")
	err := RetryTransient(context.Background(), fastRetryConfig(2), func() error {
		attempts++
		return transient
	})
	if !errors.Is(err, transient) {
		t.Errorf("RetryTransient() = %v, expected the last transient error", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, expected initial call plus 2 retries", attempts)
	}
}

func TestRetryTransientDoesNotRetryPermanentErrors(t *testing.T) {
	attempts := 0
	permanent := errors.New("relation does not exist")
	err := RetryTransient(context.Background(), fastRetryConfig(5), func() error {
		attempts++
		return permanent
	})
	if !errors.Is(err, permanent) {
		t.Errorf("RetryTransient() = %v, expected the permanent error", err)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, expected no retries", attempts)
	}
}

func TestRetryTransientRespectsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	attempts := 0
	err := RetryTransient(ctx, &RetryConfig{MaxRetries: 5, InitialDelay: time.Hour, MaxDelay: time.Hour, Multiplier: 1}, func() error {
		attempts++
		cancel()
		return errors.New("connection refused")
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("RetryTransient() = %v, expected context.Canceled", err)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, expected the backoff wait to abort", attempts)
	}
}

func TestRetryTransientNilConfigUsesDefaults(t *testing.T) {
	err := RetryTransient(context.Background(), nil, func() error { return nil })
	if err != nil {
		t.Errorf("RetryTransient() failed: %v", err)
	}
}
