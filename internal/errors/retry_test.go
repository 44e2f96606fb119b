package errors

import (
	"context"
	"testing"
	"time"
)

func TestRetryStopsOnPermanentError(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), DefaultRetryConfig(), nil, func(ctx context.Context) error {
		calls++
		return New(KindValidation, "schema mismatch")
	})
	if err == nil {
		t.Fatalf("expected error")
	}
	if calls != 1 {
		t.Fatalf("permanent errors must not be retried, got %d calls", calls)
	}
}

func TestRetryWithResultRecoversTransient(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, Factor: 2, JitterFactor: 0}
	calls := 0
	got, err := RetryWithResult(context.Background(), cfg, nil, func(ctx context.Context) (string, error) {
		calls++
		if calls < 2 {
			return "", &Error{Kind: KindTool, Message: "flaky", Transient: true}
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "ok" || calls != 2 {
		t.Fatalf("expected success on attempt 2, got %q after %d calls", got, calls)
	}
}

func TestRetryBoundedByMaxAttempts(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 4, BaseDelay: time.Millisecond, Factor: 1, JitterFactor: 0}
	calls := 0
	err := Retry(context.Background(), cfg, nil, func(ctx context.Context) error {
		calls++
		return New(KindTimeout, "still slow")
	})
	if err == nil {
		t.Fatalf("expected terminal error")
	}
	if calls != 4 {
		t.Fatalf("expected exactly MaxAttempts calls, got %d", calls)
	}
}

func TestRetryHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Retry(ctx, DefaultRetryConfig(), nil, func(ctx context.Context) error {
		t.Fatalf("fn must not run after cancellation")
		return nil
	})
	if KindOf(err) != KindCancelled {
		t.Fatalf("expected Cancelled, got %v", err)
	}
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	cfg := RetryConfig{BaseDelay: 10 * time.Millisecond, Factor: 2, MaxDelay: 35 * time.Millisecond, JitterFactor: 0}
	if d := cfg.Backoff(1); d != 10*time.Millisecond {
		t.Fatalf("attempt 1 delay = %v", d)
	}
	if d := cfg.Backoff(2); d != 20*time.Millisecond {
		t.Fatalf("attempt 2 delay = %v", d)
	}
	if d := cfg.Backoff(4); d != 35*time.Millisecond {
		t.Fatalf("delay should cap at MaxDelay, got %v", d)
	}
}

func TestShouldRetryHonorsRetryOnList(t *testing.T) {
	cfg := RetryConfig{RetryOn: []Kind{KindTool}}
	if !cfg.ShouldRetry(&Error{Kind: KindTool, Message: "listed", Transient: true}) {
		t.Fatalf("listed kind should retry")
	}
	if cfg.ShouldRetry(New(KindTimeout, "not listed")) {
		t.Fatalf("unlisted kind should not retry")
	}
}
