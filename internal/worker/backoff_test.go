package worker

import (
	"testing"
	"time"
)

func TestRetryBackoffDoublesAndCaps(t *testing.T) {
	t.Parallel()
	base := 5 * time.Second
	limit := 2 * time.Minute
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 5 * time.Second},
		{2, 10 * time.Second},
		{3, 20 * time.Second},
		{4, 40 * time.Second},
		{5, 80 * time.Second},
		{6, 2 * time.Minute},
		{20, 2 * time.Minute},
	}
	for _, tc := range cases {
		if got := retryBackoff(base, limit, tc.attempt); got != tc.want {
			t.Fatalf("attempt %d: expected %s, got %s", tc.attempt, tc.want, got)
		}
	}
}

func TestRetryBackoffDefaults(t *testing.T) {
	t.Parallel()
	if got := retryBackoff(0, 0, 1); got != time.Second {
		t.Fatalf("zero base should fall back to one second, got %s", got)
	}
	if got := retryBackoff(time.Second, 0, 0); got != time.Second {
		t.Fatalf("attempt below one clamps to one, got %s", got)
	}
	// No cap means unbounded doubling.
	if got := retryBackoff(time.Second, 0, 4); got != 8*time.Second {
		t.Fatalf("uncapped backoff: expected 8s, got %s", got)
	}
}
