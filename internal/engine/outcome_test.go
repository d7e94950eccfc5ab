package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"notifyd/internal/model"
	"notifyd/internal/storage"
)

func TestDecide(t *testing.T) {
	t.Parallel()
	now := t0.Add(5 * time.Second)
	hourly := model.Interval{Value: 1, Unit: model.UnitHour}

	type want struct {
		status     model.Status // "" = untouched
		retry      int          // -1 = untouched
		lastSent   bool
		next       time.Time // zero = untouched
		reminder   bool
		reschedErr bool
	}
	cases := []struct {
		name    string
		n       model.Notification
		kind    model.ItemKind
		outcome model.Outcome
		want    want
	}{
		{
			name: "reminder sent marks reminder",
			n:    oneTime(1, t0, reminder(10, 5, model.UnitMinute)), kind: model.KindReminder, outcome: model.OutcomeSent,
			want: want{retry: -1, reminder: true},
		},
		{
			name: "reminder failed changes nothing",
			n:    oneTime(1, t0, reminder(10, 5, model.UnitMinute)), kind: model.KindReminder, outcome: model.OutcomeFailed,
			want: want{retry: -1},
		},
		{
			name: "one-time sent finishes",
			n:    func() model.Notification { n := oneTime(1, t0); n.RetryCount = 2; return n }(),
			kind: model.KindEvent, outcome: model.OutcomeSent,
			want: want{status: model.StatusSuccess, retry: 0, lastSent: true},
		},
		{
			name: "recurring sent advances from confirmation time",
			n:    recurring(1, t0, hourly), kind: model.KindEvent, outcome: model.OutcomeSent,
			want: want{retry: 0, lastSent: true, next: now.Add(time.Hour)},
		},
		{
			name: "recurring zero value treated as one",
			n:    recurring(1, t0, model.Interval{Value: 0, Unit: model.UnitDay}), kind: model.KindEvent, outcome: model.OutcomeSent,
			want: want{retry: 0, lastSent: true, next: now.Add(24 * time.Hour)},
		},
		{
			name: "recurring unknown unit stalls",
			n:    recurring(1, t0, model.Interval{Value: 1, Unit: "fortnight"}), kind: model.KindEvent, outcome: model.OutcomeSent,
			want: want{retry: 0, lastSent: true, reschedErr: true},
		},
		{
			name: "failure consumes retry",
			n:    oneTime(1, t0), kind: model.KindEvent, outcome: model.OutcomeFailed,
			want: want{retry: 1},
		},
		{
			name: "failure below max consumes retry",
			n:    func() model.Notification { n := recurring(1, t0, hourly); n.RetryCount = 1; return n }(),
			kind: model.KindEvent, outcome: model.OutcomeFailed,
			want: want{retry: 2},
		},
		{
			name: "failure at max is terminal",
			n:    func() model.Notification { n := recurring(1, t0, hourly); n.RetryCount = 2; return n }(),
			kind: model.KindEvent, outcome: model.OutcomeFailed,
			want: want{status: model.StatusFailure, retry: -1},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			n := tc.n
			item := model.DueItem{Notification: &n, Kind: tc.kind, OccurrenceAt: t0, FireAt: t0}
			if tc.kind == model.KindReminder {
				item.Reminder = &n.Reminders[0]
			}
			d := Decide(item, tc.outcome, now, 2)
			u := d.Notification

			if got := u.Status; (got == nil) != (tc.want.status == "") || (got != nil && *got != tc.want.status) {
				t.Errorf("status = %v, want %q", got, tc.want.status)
			}
			if tc.want.retry < 0 && u.RetryCount != nil {
				t.Errorf("retry_count touched: %d", *u.RetryCount)
			}
			if tc.want.retry >= 0 && (u.RetryCount == nil || *u.RetryCount != tc.want.retry) {
				t.Errorf("retry_count = %v, want %d", u.RetryCount, tc.want.retry)
			}
			if tc.want.lastSent != (u.LastSentEventAt != nil) || (u.LastSentEventAt != nil && !u.LastSentEventAt.Equal(t0)) {
				t.Errorf("last_sent = %v, want set=%v", u.LastSentEventAt, tc.want.lastSent)
			}
			if tc.want.next.IsZero() != (u.NextOccurrenceAt == nil) || (u.NextOccurrenceAt != nil && !u.NextOccurrenceAt.Equal(tc.want.next)) {
				t.Errorf("next = %v, want %v", u.NextOccurrenceAt, tc.want.next)
			}
			if tc.want.reminder != (d.ReminderID != 0) {
				t.Errorf("reminder id = %d", d.ReminderID)
			}
			if tc.want.reschedErr != (d.RescheduleErr != nil) {
				t.Errorf("reschedule err = %v", d.RescheduleErr)
			}
			if tc.want.reschedErr && !errors.Is(d.RescheduleErr, model.ErrUnknownUnit) {
				t.Errorf("reschedule err = %v, want ErrUnknownUnit", d.RescheduleErr)
			}
		})
	}
}

func TestDecisionMirror(t *testing.T) {
	t.Parallel()
	n := recurring(1, t0, model.Interval{Value: 1, Unit: model.UnitHour}, reminder(10, 5, model.UnitMinute))
	n.RetryCount = 1

	rem := model.DueItem{Notification: &n, Reminder: &n.Reminders[0], Kind: model.KindReminder, OccurrenceAt: t0}
	Decide(rem, model.OutcomeSent, t0, 2).Mirror(rem)
	if !n.Reminders[0].LastSentEventAt.Equal(t0) {
		t.Fatalf("reminder marker = %v", n.Reminders[0].LastSentEventAt)
	}

	ev := model.DueItem{Notification: &n, Kind: model.KindEvent, OccurrenceAt: t0}
	Decide(ev, model.OutcomeSent, t0, 2).Mirror(ev)
	if n.RetryCount != 0 || !n.LastSentEventAt.Equal(t0) || !n.NextOccurrenceAt.Equal(t0.Add(time.Hour)) || n.Status != model.StatusPending {
		t.Fatalf("mirrored state = %+v", n)
	}
}

func TestOutcomeHandlerApplyWritesAttempt(t *testing.T) {
	t.Parallel()
	ctx := withCycleID(context.Background(), "cycle-1")
	st := storage.NewMemory()
	n := seed(t, st, oneTime(0, t0))

	h := NewOutcomeHandler(2, nopLog())
	item := model.DueItem{Notification: &n, Kind: model.KindEvent, OccurrenceAt: n.EventAt, FireAt: n.EventAt}
	res := Result{Outcome: model.OutcomeFailed, Err: errors.New("boom"), Took: 15 * time.Millisecond}
	err := st.InTx(ctx, func(tx storage.Tx) error {
		_, err := h.Apply(ctx, tx, item, res, t0)
		return err
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}

	got, err := st.GetNotification(ctx, n.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.RetryCount != 1 || got.Status != model.StatusPending {
		t.Fatalf("stored = %+v", got)
	}
	as, err := st.ListAttempts(ctx, n.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(as) != 1 {
		t.Fatalf("attempts = %d", len(as))
	}
	a := as[0]
	if a.CycleID != "cycle-1" || a.Kind != "event" || a.Outcome != "failed" || a.Error != "boom" || a.TookMS != 15 {
		t.Fatalf("attempt = %+v", a)
	}
}

func TestOutcomeHandlerApplyRollsBackOnMissingRow(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := storage.NewMemory()
	n := seed(t, st, oneTime(0, t0, reminder(0, 5, model.UnitMinute)))

	ghost := n
	ghost.Reminders = []model.Reminder{{ID: 999, Offset: n.Reminders[0].Offset}}
	item := model.DueItem{Notification: &ghost, Reminder: &ghost.Reminders[0], Kind: model.KindReminder, OccurrenceAt: n.EventAt}

	h := NewOutcomeHandler(2, nopLog())
	err := st.InTx(ctx, func(tx storage.Tx) error {
		_, err := h.Apply(ctx, tx, item, Result{Outcome: model.OutcomeSent}, t0)
		return err
	})
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	as, _ := st.ListAttempts(ctx, n.ID, 0)
	if len(as) != 0 {
		t.Fatalf("attempt committed despite rollback: %+v", as)
	}
}
