package errs

import (
	"errors"
	"testing"
	"time"
)

func TestBackoffWithinBounds(t *testing.T) {
	policy := DefaultRetryPolicy()
	for attempt := 0; attempt < 5; attempt++ {
		d := Backoff(attempt, policy)
		base := float64(policy.InitialBackoffMs) * pow(policy.BackoffMultiplier, attempt)
		min := time.Duration(base) * time.Millisecond
		max := time.Duration(minFloat(float64(policy.MaxBackoffMs), base*1.2)) * time.Millisecond
		if d < min || d > max+time.Millisecond {
			t.Fatalf("attempt %d: backoff %v out of bounds [%v, %v]", attempt, d, min, max)
		}
	}
}

func pow(base float64, exp int) float64 {
	result := 1.0
	for i := 0; i < exp; i++ {
		result *= base
	}
	return result
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func TestWithRetryRetriesRetryableErrors(t *testing.T) {
	calls := 0
	fn := func() (string, error) {
		calls++
		if calls < 3 {
			return "", &NetworkError{Message: "flaky", Retryable: true}
		}
		return "ok", nil
	}

	result, err := WithRetry(fn, RetryOptions{
		Policy: RetryPolicy{MaxRetries: 3, InitialBackoffMs: 1, MaxBackoffMs: 10, BackoffMultiplier: 2},
		Sleep:  func(time.Duration) {},
	})
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if result != "ok" {
		t.Fatalf("expected ok, got %q", result)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestWithRetryExhaustsAttempts(t *testing.T) {
	calls := 0
	fn := func() (string, error) {
		calls++
		return "", &NetworkError{Message: "flaky", Retryable: true}
	}

	_, err := WithRetry(fn, RetryOptions{
		Policy: RetryPolicy{MaxRetries: 1, InitialBackoffMs: 1, MaxBackoffMs: 10, BackoffMultiplier: 2},
		Sleep:  func(time.Duration) {},
	})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if calls != 2 {
		t.Fatalf("expected 2 total attempts, got %d", calls)
	}
}

func TestWithRetryDoesNotRetryNonRetryableErrors(t *testing.T) {
	calls := 0
	boom := errors.New("boom")
	fn := func() (string, error) {
		calls++
		return "", boom
	}

	_, err := WithRetry(fn, RetryOptions{
		Policy: RetryPolicy{MaxRetries: 3, InitialBackoffMs: 1, MaxBackoffMs: 10, BackoffMultiplier: 2},
		Sleep:  func(time.Duration) {},
	})
	if err != boom {
		t.Fatalf("expected boom, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected exactly 1 call, got %d", calls)
	}
}

func TestIsRetryableSubstringMatch(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{errors.New("request timeout"), true},
		{errors.New("ECONNRESET"), true},
		{errors.New("got 503 from upstream"), true},
		{errors.New("totally unrelated"), false},
		{&NetworkError{Retryable: false}, false},
		{&AgentCrashError{ExitCode: 1}, true},
	}
	for _, c := range cases {
		if got := IsRetryable(c.err); got != c.want {
			t.Errorf("IsRetryable(%v) = %v, want %v", c.err, got, c.want)
		}
	}
}
