package queue

import (
	"testing"
	"time"
)

func TestRetryDelay(t *testing.T) {
	base := 60 * time.Second
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 60 * time.Second},
		{2, 120 * time.Second},
		{3, 240 * time.Second},
		{4, 480 * time.Second},
	}
	for _, tc := range cases {
		if got := RetryDelay(base, tc.attempt); got != tc.want {
			t.Errorf("RetryDelay(attempt=%d) = %s, want %s", tc.attempt, got, tc.want)
		}
	}
}

func TestRetryDelayDefaultsAndCaps(t *testing.T) {
	if got := RetryDelay(0, 1); got != DefaultBackoffBase {
		t.Errorf("zero base: got %s, want %s", got, DefaultBackoffBase)
	}
	if got := RetryDelay(time.Second, 0); got != time.Second {
		t.Errorf("attempt 0: got %s, want base", got)
	}
	// Huge attempt counts must not overflow into negative delays.
	if got := RetryDelay(time.Second, 100); got <= 0 {
		t.Errorf("attempt 100: got %s, want positive", got)
	}
}
