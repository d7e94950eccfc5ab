package model

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestOccurrenceAt(t *testing.T) {
	t.Parallel()

	at := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)

	one := Notification{EventType: OneTime, EventAt: at, NextOccurrenceAt: at.Add(time.Hour)}
	if got, ok := one.OccurrenceAt(); !ok || !got.Equal(at) {
		t.Fatalf("one_time: got %v %v", got, ok)
	}

	rec := Notification{EventType: Recurring, EventAt: at, NextOccurrenceAt: at.Add(time.Hour)}
	if got, ok := rec.OccurrenceAt(); !ok || !got.Equal(at.Add(time.Hour)) {
		t.Fatalf("recurring: got %v %v", got, ok)
	}

	empty := Notification{EventType: Recurring, EventAt: at}
	if _, ok := empty.OccurrenceAt(); ok {
		t.Fatalf("recurring without next occurrence should have none")
	}
}

func TestSentForComparesInstants(t *testing.T) {
	t.Parallel()

	at := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	n := Notification{LastSentEventAt: at.In(time.FixedZone("x", 3600))}
	if !n.SentFor(at) {
		t.Fatalf("same instant in another zone should match")
	}
	if n.SentFor(at.Add(time.Second)) {
		t.Fatalf("different instant should not match")
	}
	if (&Reminder{}).SentFor(at) {
		t.Fatalf("zero marker never matches")
	}
}

func TestMessageText(t *testing.T) {
	t.Parallel()

	cases := []struct {
		n    Notification
		want string
	}{
		{Notification{Title: "t", Description: "body"}, "body"},
		{Notification{Title: "t", Description: "  "}, "t"},
		{Notification{}, DefaultMessage},
	}
	for _, tc := range cases {
		if got := tc.n.MessageText(); got != tc.want {
			t.Fatalf("got %q want %q", got, tc.want)
		}
	}
}

func TestNotificationValidate(t *testing.T) {
	t.Parallel()

	at := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	ok := Notification{UserID: 1, Title: "x", EventType: OneTime, EventAt: at}
	if err := ok.Validate(); err != nil {
		t.Fatalf("valid notification rejected: %v", err)
	}

	missing := Notification{EventType: OneTime, EventAt: at}
	err := missing.Validate()
	if err == nil || !strings.Contains(err.Error(), "user_id") {
		t.Fatalf("expected user_id error, got %v", err)
	}

	rec := Notification{UserID: 1, Title: "x", EventType: Recurring, NextOccurrenceAt: at, Interval: Interval{0, "week"}}
	err = rec.Validate()
	if !errors.Is(err, ErrUnknownUnit) {
		t.Fatalf("expected ErrUnknownUnit, got %v", err)
	}
	if !strings.Contains(err.Error(), "interval.value") {
		t.Fatalf("expected interval.value error, got %v", err)
	}

	yearly := Notification{
		UserID: 1, Title: "x", EventType: OneTime, EventAt: at,
		Reminders: []Reminder{{Offset: Interval{1, UnitYear}}},
	}
	if err := yearly.Validate(); !errors.Is(err, ErrUnknownUnit) {
		t.Fatalf("year reminder offset should be rejected, got %v", err)
	}
}

func TestValidateUser(t *testing.T) {
	t.Parallel()

	if err := ValidateUser(&User{Username: "alice", ChatHandle: "123"}); err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	if err := ValidateUser(&User{}); err == nil {
		t.Fatalf("expected username required error")
	}
}
