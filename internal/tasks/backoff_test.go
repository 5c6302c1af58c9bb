package tasks_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/okatech-org/sgg.ga-sub007/internal/tasks"
)

func TestBackoffDoublesAndCaps(t *testing.T) {
	b := tasks.Backoff(time.Second, 5*time.Minute)
	cases := map[int]time.Duration{
		0:  time.Second,
		1:  time.Second,
		2:  2 * time.Second,
		3:  4 * time.Second,
		9:  256 * time.Second,
		10: 5 * time.Minute,
		64: 5 * time.Minute,
	}
	for attempt, want := range cases {
		assert.Equal(t, want, b(attempt), "attempt %d", attempt)
	}
}

func TestBackoffIsMonotone(t *testing.T) {
	for _, b := range []tasks.BackoffFunc{
		tasks.Backoff(time.Second, 5*time.Minute),
		tasks.Backoff(3*time.Millisecond, time.Hour),
		tasks.Backoff(time.Hour, time.Minute),
	} {
		prev := time.Duration(0)
		for attempt := 1; attempt < 200; attempt++ {
			d := b(attempt)
			assert.GreaterOrEqual(t, d, prev, "attempt %d", attempt)
			assert.Greater(t, d, time.Duration(0))
			prev = d
		}
	}
}
