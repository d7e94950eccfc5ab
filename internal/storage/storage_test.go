package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"notifyd/internal/model"
	"notifyd/pkg/logx"
)

func openTestStores(t *testing.T) map[string]Store {
	t.Helper()
	sq, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "n.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = sq.Close() })
	return map[string]Store{"memory": NewMemory(), "sqlite": sq}
}

func seed(t *testing.T, ctx context.Context, s Store) (model.User, []model.Notification) {
	t.Helper()
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	u := model.User{Username: "alice", ChatHandle: "1001"}
	if err := s.CreateUser(ctx, &u); err != nil {
		t.Fatalf("create user: %v", err)
	}
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	ns := []model.Notification{
		{
			UserID: u.ID, Title: "old", EventType: model.OneTime, EventAt: base.Add(time.Hour),
			CreatedAt: base.Add(-2 * time.Hour),
			Reminders: []model.Reminder{{Offset: model.Interval{Value: 10, Unit: model.UnitMinute}}},
		},
		{
			UserID: u.ID, Title: "new", EventType: model.Recurring, NextOccurrenceAt: base,
			Interval: model.Interval{Value: 1, Unit: model.UnitDay}, CreatedAt: base.Add(-time.Hour),
			Reminders: []model.Reminder{
				{Offset: model.Interval{Value: 1, Unit: model.UnitHour}},
				{Offset: model.Interval{Value: 5, Unit: model.UnitMinute}},
			},
		},
		{
			UserID: u.ID, Title: "done", EventType: model.OneTime, EventAt: base,
			Status: model.StatusSuccess, CreatedAt: base,
		},
	}
	for i := range ns {
		if err := s.CreateNotification(ctx, &ns[i]); err != nil {
			t.Fatalf("create notification %d: %v", i, err)
		}
	}
	return u, ns
}

func TestListPendingNewestFirstWithRelations(t *testing.T) {
	t.Parallel()

	for name, s := range openTestStores(t) {
		s := s
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			u, ns := seed(t, ctx, s)

			got, err := s.ListPending(ctx)
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if len(got) != 2 {
				t.Fatalf("want 2 pending, got %d", len(got))
			}
			if got[0].ID != ns[1].ID || got[1].ID != ns[0].ID {
				t.Fatalf("order: got %d,%d", got[0].ID, got[1].ID)
			}
			rec := got[0]
			if rec.Owner == nil || rec.Owner.ChatHandle != u.ChatHandle {
				t.Fatalf("owner not loaded: %+v", rec.Owner)
			}
			if len(rec.Reminders) != 2 || rec.Reminders[0].Offset.Unit != model.UnitHour {
				t.Fatalf("reminders not loaded in order: %+v", rec.Reminders)
			}
			if rec.Interval != (model.Interval{Value: 1, Unit: model.UnitDay}) {
				t.Fatalf("interval = %+v", rec.Interval)
			}
			if !rec.NextOccurrenceAt.Equal(ns[1].NextOccurrenceAt) {
				t.Fatalf("next occurrence = %v", rec.NextOccurrenceAt)
			}
			if !got[1].LastSentEventAt.IsZero() {
				t.Fatalf("absent marker should read back as zero time")
			}
		})
	}
}

func TestInTxCommitsAndRollsBack(t *testing.T) {
	t.Parallel()

	for name, s := range openTestStores(t) {
		s := s
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, ns := seed(t, ctx, s)
			target := ns[0]
			occ := target.EventAt

			boom := errors.New("boom")
			err := s.InTx(ctx, func(tx Tx) error {
				retry := 1
				if err := tx.UpdateNotification(ctx, target.ID, NotificationUpdate{RetryCount: &retry}); err != nil {
					return err
				}
				return boom
			})
			if !errors.Is(err, boom) {
				t.Fatalf("expected boom, got %v", err)
			}
			n, err := s.GetNotification(ctx, target.ID)
			if err != nil {
				t.Fatal(err)
			}
			if n.RetryCount != 0 {
				t.Fatalf("rolled back update leaked: retry=%d", n.RetryCount)
			}

			status := model.StatusSuccess
			zero := 0
			err = s.InTx(ctx, func(tx Tx) error {
				if err := tx.UpdateReminder(ctx, target.Reminders[0].ID, ReminderUpdate{LastSentEventAt: occ}); err != nil {
					return err
				}
				if err := tx.UpdateNotification(ctx, target.ID, NotificationUpdate{
					Status: &status, RetryCount: &zero, LastSentEventAt: &occ,
				}); err != nil {
					return err
				}
				return tx.AppendAttempt(ctx, Attempt{
					CycleID: "c1", NotificationID: target.ID, Kind: "event",
					OccurrenceAt: occ, Outcome: "sent", TookMS: 12,
				})
			})
			if err != nil {
				t.Fatalf("commit: %v", err)
			}

			n, err = s.GetNotification(ctx, target.ID)
			if err != nil {
				t.Fatal(err)
			}
			if n.Status != model.StatusSuccess || !n.LastSentEventAt.Equal(occ) {
				t.Fatalf("update not applied: %+v", n)
			}
			if !n.Reminders[0].LastSentEventAt.Equal(occ) {
				t.Fatalf("reminder marker not applied")
			}
			if !n.EventAt.Equal(target.EventAt) || n.Title != "old" {
				t.Fatalf("untouched fields changed: %+v", n)
			}

			atts, err := s.ListAttempts(ctx, target.ID, 10)
			if err != nil {
				t.Fatal(err)
			}
			if len(atts) != 1 || atts[0].Outcome != "sent" || atts[0].ReminderID != 0 || !atts[0].OccurrenceAt.Equal(occ) {
				t.Fatalf("attempts = %+v", atts)
			}

			pending, err := s.ListPending(ctx)
			if err != nil {
				t.Fatal(err)
			}
			if len(pending) != 1 {
				t.Fatalf("success must leave the pending set, got %d", len(pending))
			}
		})
	}
}

func TestInTxPanicRollsBackAndReleases(t *testing.T) {
	t.Parallel()

	for name, s := range openTestStores(t) {
		s := s
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, ns := seed(t, ctx, s)
			target := ns[0]

			func() {
				defer func() {
					if recover() == nil {
						t.Fatal("panic swallowed")
					}
				}()
				_ = s.InTx(ctx, func(tx Tx) error {
					retry := 1
					if err := tx.UpdateNotification(ctx, target.ID, NotificationUpdate{RetryCount: &retry}); err != nil {
						return err
					}
					panic("mid-transaction")
				})
			}()

			done := make(chan error, 1)
			go func() {
				done <- s.InTx(ctx, func(tx Tx) error {
					retry := 2
					return tx.UpdateNotification(ctx, target.ID, NotificationUpdate{RetryCount: &retry})
				})
			}()
			select {
			case err := <-done:
				if err != nil {
					t.Fatal(err)
				}
			case <-time.After(5 * time.Second):
				t.Fatal("store still held by the panicked transaction")
			}
			n, err := s.GetNotification(ctx, target.ID)
			if err != nil {
				t.Fatal(err)
			}
			if n.RetryCount != 2 {
				t.Fatalf("retry = %d, want 2", n.RetryCount)
			}
		})
	}
}

func TestUpdateMissingRow(t *testing.T) {
	t.Parallel()

	for name, s := range openTestStores(t) {
		s := s
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			seed(t, ctx, s)
			err := s.InTx(ctx, func(tx Tx) error {
				return tx.UpdateReminder(ctx, 9999, ReminderUpdate{LastSentEventAt: time.Now()})
			})
			if !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}
			if _, err := s.GetNotification(ctx, 9999); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestCreateNotificationValidates(t *testing.T) {
	t.Parallel()

	s := NewMemory()
	ctx := context.Background()
	u := model.User{Username: "bob"}
	if err := s.CreateUser(ctx, &u); err != nil {
		t.Fatal(err)
	}
	bad := model.Notification{UserID: u.ID, Title: "x", EventType: model.Recurring, NextOccurrenceAt: time.Now()}
	if err := s.CreateNotification(ctx, &bad); err == nil {
		t.Fatalf("recurring without interval must be rejected")
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()

	if _, err := Open(Config{Driver: "mongo"}, logx.Nop()); !errors.Is(err, ErrUnknownDriver) {
		t.Fatalf("expected ErrUnknownDriver, got %v", err)
	}
}

func TestPostgresRowConversion(t *testing.T) {
	t.Parallel()

	at := time.Date(2026, 5, 1, 8, 30, 0, 0, time.UTC)
	n := model.Notification{
		UserID: 7, Title: "t", EventType: model.Recurring, NextOccurrenceAt: at,
		Interval: model.Interval{Value: 2, Unit: model.UnitHour}, Status: model.StatusPending,
		Reminders: []model.Reminder{{Offset: model.Interval{Value: 15, Unit: model.UnitMinute}}},
		CreatedAt: at,
	}
	row := notificationRowFrom(&n)
	if row.EventAt != nil || row.LastSentEventAt != nil {
		t.Fatalf("zero times must map to NULL")
	}
	row.User = userRow{ID: 7, Username: "u", ChatHandle: "@chan"}
	back := row.model()
	if back.Interval != n.Interval || !back.NextOccurrenceAt.Equal(at) {
		t.Fatalf("round trip mismatch: %+v", back)
	}
	if back.Owner == nil || back.Owner.ChatHandle != "@chan" {
		t.Fatalf("owner = %+v", back.Owner)
	}
	if len(back.Reminders) != 1 || back.Reminders[0].Offset.Value != 15 {
		t.Fatalf("reminders = %+v", back.Reminders)
	}
}
