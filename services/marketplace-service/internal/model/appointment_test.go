package model

import (
	"testing"
	"time"
)

func TestNextStatus_FromPending(t *testing.T) {
	cases := []struct {
		kind TransitionKind
		want Status
	}{
		{TransitionAccept, StatusAccepted},
		{TransitionRefuse, StatusRefused},
		{TransitionCancel, StatusCancelled},
	}
	for _, c := range cases {
		got, ok := NextStatus(StatusPending, c.kind)
		if !ok || got != c.want {
			t.Fatalf("pending + %s: got (%s, %v), want (%s, true)", c.kind, got, ok, c.want)
		}
	}
	for _, kind := range []TransitionKind{TransitionComplete, TransitionNoShow} {
		if _, ok := NextStatus(StatusPending, kind); ok {
			t.Fatalf("pending must not allow %s", kind)
		}
	}
}

func TestNextStatus_FromAccepted(t *testing.T) {
	cases := []struct {
		kind TransitionKind
		want Status
	}{
		{TransitionCancel, StatusCancelled},
		{TransitionComplete, StatusCompleted},
		{TransitionNoShow, StatusNoShow},
	}
	for _, c := range cases {
		got, ok := NextStatus(StatusAccepted, c.kind)
		if !ok || got != c.want {
			t.Fatalf("accepted + %s: got (%s, %v), want (%s, true)", c.kind, got, ok, c.want)
		}
	}
	for _, kind := range []TransitionKind{TransitionAccept, TransitionRefuse} {
		if _, ok := NextStatus(StatusAccepted, kind); ok {
			t.Fatalf("accepted must not allow %s", kind)
		}
	}
}

func TestNextStatus_TerminalsAllowNothing(t *testing.T) {
	terminals := []Status{StatusRefused, StatusCancelled, StatusCompleted, StatusNoShow}
	kinds := []TransitionKind{TransitionAccept, TransitionRefuse, TransitionCancel, TransitionComplete, TransitionNoShow}
	for _, s := range terminals {
		if !IsTerminal(s) {
			t.Fatalf("%s should be terminal", s)
		}
		for _, k := range kinds {
			if _, ok := NextStatus(s, k); ok {
				t.Fatalf("%s must not allow %s", s, k)
			}
		}
	}
	if IsTerminal(StatusPending) || IsTerminal(StatusAccepted) {
		t.Fatal("pending and accepted are not terminal")
	}
}

func TestCanBeCancelled(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	a := Appointment{Status: StatusAccepted, StartAt: now.Add(time.Hour)}
	if !a.CanBeCancelled(now) {
		t.Fatal("future accepted appointment should be cancellable")
	}

	a.StartAt = now.Add(-time.Minute)
	if a.CanBeCancelled(now) {
		t.Fatal("started appointment must not be cancellable")
	}

	a = Appointment{Status: StatusCompleted, StartAt: now.Add(time.Hour)}
	if a.CanBeCancelled(now) {
		t.Fatal("terminal appointment must not be cancellable")
	}
}
