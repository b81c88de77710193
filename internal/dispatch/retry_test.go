package dispatch

import (
	"math/rand"
	"testing"
	"time"

	"github.com/you/jtd/internal/domain"
)

func TestShouldRetry(t *testing.T) {
	p := RetryPolicy{}
	cases := []struct {
		retryCount, maxRetries int
		want                   bool
	}{
		{0, 3, true},
		{2, 3, true},
		{3, 3, false},
		{0, 0, false},
	}
	for _, c := range cases {
		e := domain.Event{RetryCount: c.retryCount, MaxRetries: c.maxRetries}
		if got := p.ShouldRetry(e); got != c.want {
			t.Errorf("ShouldRetry(rc=%d max=%d) = %v, want %v", c.retryCount, c.maxRetries, got, c.want)
		}
	}
}

func TestDelayDoublesThenCaps(t *testing.T) {
	p := RetryPolicy{Base: 30 * time.Second, Cap: 15 * time.Minute}
	cases := []struct {
		retryCount int
		want       time.Duration
	}{
		{0, 30 * time.Second},
		{1, time.Minute},
		{2, 2 * time.Minute},
		{3, 4 * time.Minute},
		{4, 8 * time.Minute},
		{5, 15 * time.Minute}, // 16m capped
		{10, 15 * time.Minute},
		{100, 15 * time.Minute}, // shift guard
		{-1, 30 * time.Second},
	}
	for _, c := range cases {
		if got := p.Delay(c.retryCount); got != c.want {
			t.Errorf("Delay(%d) = %v, want %v", c.retryCount, got, c.want)
		}
	}
}

func TestDelayZeroValueDefaults(t *testing.T) {
	var p RetryPolicy
	if got := p.Delay(0); got != 30*time.Second {
		t.Errorf("zero policy Delay(0) = %v, want 30s", got)
	}
	if got := p.Delay(20); got != 15*time.Minute {
		t.Errorf("zero policy Delay(20) = %v, want 15m cap", got)
	}
}

func TestNextAttemptAtJitterBounds(t *testing.T) {
	p := RetryPolicy{Base: 30 * time.Second, Cap: 15 * time.Minute}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 200; i++ {
		at := p.NextAttemptAt(now, 2, rng)
		d := at.Sub(now)
		if d < time.Minute || d > 2*time.Minute {
			t.Fatalf("jittered delay %v outside [1m, 2m]", d)
		}
	}
}

func TestNextAttemptAtNilRngIsDeterministic(t *testing.T) {
	p := RetryPolicy{Base: 30 * time.Second, Cap: 15 * time.Minute}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if got := p.NextAttemptAt(now, 1, nil); !got.Equal(now.Add(time.Minute)) {
		t.Errorf("NextAttemptAt without rng = %v, want now+1m", got)
	}
}
