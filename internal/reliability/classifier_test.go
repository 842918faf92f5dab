package reliability

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"
	"time"
)

func TestIsRetryableHTTPStatus(t *testing.T) {
	cases := []struct {
		code int
		want bool
	}{
		{200, false},
		{400, false},
		{404, false},
		{429, true},
		{500, true},
		{503, true},
	}
	for _, tc := range cases {
		got := IsRetryableHTTPStatus(tc.code)
		if got != tc.want {
			t.Fatalf("IsRetryableHTTPStatus(%d) = %v, want %v", tc.code, got, tc.want)
		}
	}
}

func TestIsRetryableNetError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"refused", fmt.Errorf("get /json: %w", syscall.ECONNREFUSED), true},
		{"dial", &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("no route")}, true},
		{"read", &net.OpError{Op: "read", Net: "tcp", Err: errors.New("garbage")}, false},
		{"cancelled", fmt.Errorf("get: %w", context.Canceled), false},
		{"plain", errors.New("bad json"), false},
	}
	for _, tc := range cases {
		if got := IsRetryableNetError(tc.err); got != tc.want {
			t.Fatalf("%s: IsRetryableNetError = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestExponentialBackoffCap(t *testing.T) {
	base := 100 * time.Millisecond
	capDur := 700 * time.Millisecond
	if got := ExponentialBackoff(0, base, capDur); got != base {
		t.Fatalf("attempt 0 = %v, want %v", got, base)
	}
	if got := ExponentialBackoff(2, base, capDur); got != 400*time.Millisecond {
		t.Fatalf("attempt 2 = %v, want 400ms", got)
	}
	if got := ExponentialBackoff(10, base, capDur); got != capDur {
		t.Fatalf("attempt 10 = %v, want %v", got, capDur)
	}
}

func TestRetry(t *testing.T) {
	policy := RetryPolicy{Attempts: 4, Base: time.Millisecond, Cap: 2 * time.Millisecond}

	calls := 0
	err := Retry(context.Background(), policy, func(int) error {
		calls++
		if calls < 3 {
			return errors.New("not yet")
		}
		return nil
	})
	if err != nil || calls != 3 {
		t.Fatalf("Retry = %v after %d calls, want nil after 3", err, calls)
	}

	calls = 0
	fatal := errors.New("fatal")
	err = Retry(context.Background(), policy, func(int) error {
		calls++
		return Permanent(fatal)
	})
	if err != fatal || calls != 1 {
		t.Fatalf("Retry = %v after %d calls, want fatal after 1", err, calls)
	}

	calls = 0
	err = Retry(context.Background(), policy, func(attempt int) error {
		calls++
		return fmt.Errorf("attempt %d", attempt)
	})
	if err == nil || err.Error() != "attempt 3" || calls != 4 {
		t.Fatalf("Retry = %v after %d calls, want last error after 4", err, calls)
	}
}

func TestRetryStopsOnContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Retry(ctx, RetryPolicy{Attempts: 5, Base: time.Hour, Cap: time.Hour}, func(int) error {
		return errors.New("down")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Retry = %v, want context.Canceled", err)
	}
}
