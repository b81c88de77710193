package domain

import "testing"

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to Status
		want     bool
	}{
		{Scheduled, Queued, true},
		{Scheduled, Cancelled, true},
		{Queued, Processing, true},
		{Queued, NoCredits, true},
		{Queued, Cancelled, true},
		{Processing, Sent, true},
		{Processing, Failed, true},
		{Processing, Queued, true}, // stuck reclaim
		{Failed, Queued, true},
		{Failed, DeadLetter, true},
		{NoCredits, Queued, true},
		{DeadLetter, Queued, true},
		{DeadLetter, Sent, true}, // operator force-complete

		{Processing, Cancelled, false},
		{Sent, Queued, false},
		{Sent, Failed, false},
		{Cancelled, Queued, false},
		{Queued, DeadLetter, false},
		{Scheduled, Processing, false},
		{NoCredits, DeadLetter, false},
		{Queued, Queued, false},
	}
	for _, c := range cases {
		if got := CanTransition(c.from, c.to); got != c.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestCancellable(t *testing.T) {
	for _, s := range []Status{Scheduled, Queued, Failed} {
		if !Cancellable(s) {
			t.Errorf("expected %s to be cancellable", s)
		}
	}
	for _, s := range []Status{Processing, Sent, NoCredits, Cancelled, DeadLetter} {
		if Cancellable(s) {
			t.Errorf("expected %s to not be cancellable", s)
		}
	}
}

func TestTerminal(t *testing.T) {
	if !Sent.Terminal() || !Cancelled.Terminal() {
		t.Error("sent and cancelled are terminal")
	}
	for _, s := range []Status{Scheduled, Queued, Processing, Failed, NoCredits, DeadLetter} {
		if s.Terminal() {
			t.Errorf("%s is not terminal", s)
		}
	}
}
