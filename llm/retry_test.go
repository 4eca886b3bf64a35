// ABOUTME: Tests for retry policy math and the Retry wrapper's retryability handling.
// ABOUTME: Uses zero delays so the suite stays fast.

package llm

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastPolicy(maxRetries int) RetryPolicy {
	return RetryPolicy{
		MaxRetries:        maxRetries,
		BaseDelay:         time.Millisecond,
		MaxDelay:          5 * time.Millisecond,
		BackoffMultiplier: 2.0,
	}
}

func TestCalculateDelayCapped(t *testing.T) {
	p := fastPolicy(5)
	if d := p.CalculateDelay(0); d != time.Millisecond {
		t.Errorf("attempt 0 delay = %v", d)
	}
	if d := p.CalculateDelay(10); d != 5*time.Millisecond {
		t.Errorf("capped delay = %v", d)
	}
}

func TestCalculateDelayJitterBounded(t *testing.T) {
	p := fastPolicy(5)
	p.Jitter = true
	for i := 0; i < 50; i++ {
		if d := p.CalculateDelay(2); d < 0 || d > 4*time.Millisecond {
			t.Fatalf("jittered delay %v out of range", d)
		}
	}
}

func TestShouldRetry(t *testing.T) {
	p := fastPolicy(2)

	retryable := &ServerError{ProviderError{SDKError: SDKError{Message: "boom"}}}
	if !p.ShouldRetry(retryable, 0) {
		t.Error("server errors should retry")
	}
	if p.ShouldRetry(retryable, 2) {
		t.Error("must stop at MaxRetries")
	}

	timeout := &TimeoutError{SDKError{Message: "call exceeded 30s"}}
	if !p.ShouldRetry(timeout, 0) {
		t.Error("per-call timeouts should retry")
	}

	fatal := &InvalidRequestError{ProviderError{SDKError: SDKError{Message: "bad"}}}
	if p.ShouldRetry(fatal, 0) {
		t.Error("invalid requests must not retry")
	}
	if p.ShouldRetry(errors.New("plain"), 0) {
		t.Error("plain errors must not retry")
	}
	if p.ShouldRetry(nil, 0) {
		t.Error("nil error must not retry")
	}
}

func TestRetryStopsOnSuccess(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastPolicy(3), func() error {
		calls++
		if calls < 3 {
			return &RateLimitError{ProviderError{SDKError: SDKError{Message: "429"}}}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d", calls)
	}
}

func TestRetryGivesUpAfterBudget(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastPolicy(2), func() error {
		calls++
		return &ServerError{ProviderError{SDKError: SDKError{Message: "500"}}}
	})
	if err == nil {
		t.Fatal("expected final error")
	}
	if calls != 3 {
		t.Errorf("calls = %d, want initial + 2 retries", calls)
	}
}

func TestRetryHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := Retry(ctx, fastPolicy(5), func() error {
		calls++
		return &ServerError{ProviderError{SDKError: SDKError{Message: "500"}}}
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("calls = %d, cancelled context must stop retries", calls)
	}
}

func TestRetryAfterHintRaisesDelay(t *testing.T) {
	hint := 0.002 // seconds
	err := &RateLimitError{ProviderError{
		SDKError:   SDKError{Message: "429"},
		RetryAfter: &hint,
	}}
	d := applyRetryAfter(err, time.Millisecond)
	if d != 2*time.Millisecond {
		t.Errorf("delay = %v", d)
	}
}
