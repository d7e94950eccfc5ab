package engine

import (
	"context"
	"time"

	"notifyd/internal/model"
	"notifyd/internal/storage"
	"notifyd/pkg/logx"
)

// Decision is the state change for one outcome. A zero Decision changes nothing.
type Decision struct {
	NotificationID int64
	Notification   storage.NotificationUpdate

	ReminderID int64 // 0 when no reminder is touched
	Reminder   storage.ReminderUpdate

	// RescheduleErr is set when a recurring series could not be advanced.
	// The event is still recorded as sent; the series stalls.
	RescheduleErr error
}

// Decide maps an item's outcome to its state change.
//
//   - reminder sent: mark the reminder for this occurrence
//   - reminder failed: nothing; it is due again next cycle
//   - event sent: mark the occurrence, reset retries, then finish a one-time
//     notification or advance a recurring one to now + interval
//   - event failed: consume a retry, or mark failure once maxRetry is reached
func Decide(item model.DueItem, outcome model.Outcome, now time.Time, maxRetry int) Decision {
	n := item.Notification
	d := Decision{NotificationID: n.ID}

	if item.Kind == model.KindReminder {
		if outcome == model.OutcomeSent && item.Reminder != nil {
			d.ReminderID = item.Reminder.ID
			d.Reminder = storage.ReminderUpdate{LastSentEventAt: item.OccurrenceAt}
		}
		return d
	}

	if outcome == model.OutcomeSent {
		occ, zero := item.OccurrenceAt, 0
		d.Notification.LastSentEventAt = &occ
		d.Notification.RetryCount = &zero
		switch n.EventType {
		case model.Recurring:
			iv := n.Interval
			if iv.Value <= 0 {
				iv.Value = 1
			}
			step, err := iv.Duration()
			if err != nil {
				d.RescheduleErr = err
				break
			}
			next := now.Add(step)
			d.Notification.NextOccurrenceAt = &next
		default:
			st := model.StatusSuccess
			d.Notification.Status = &st
		}
		return d
	}

	if n.RetryCount < maxRetry {
		rc := n.RetryCount + 1
		d.Notification.RetryCount = &rc
		return d
	}
	st := model.StatusFailure
	d.Notification.Status = &st
	return d
}

// Mirror copies the decision onto the in-memory item so later items of the
// same cycle see committed state.
func (d Decision) Mirror(item model.DueItem) {
	d.Notification.Apply(item.Notification)
	if d.ReminderID != 0 && item.Reminder != nil && item.Reminder.ID == d.ReminderID {
		item.Reminder.LastSentEventAt = d.Reminder.LastSentEventAt
	}
}

// OutcomeHandler persists decisions together with an attempt record.
type OutcomeHandler struct {
	maxRetry int
	log      logx.Logger
}

func NewOutcomeHandler(maxRetry int, log logx.Logger) *OutcomeHandler {
	if maxRetry < 0 {
		maxRetry = 0
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &OutcomeHandler{maxRetry: maxRetry, log: log}
}

// Apply writes the decision for res inside tx. The caller owns commit and rollback.
func (h *OutcomeHandler) Apply(ctx context.Context, tx storage.Tx, item model.DueItem, res Result, now time.Time) (Decision, error) {
	d := Decide(item, res.Outcome, now, h.maxRetry)
	if d.RescheduleErr != nil {
		h.log.Error("recurring series stalled",
			logx.Int64("notification_id", d.NotificationID),
			logx.String("interval", item.Notification.Interval.String()),
			logx.Err(d.RescheduleErr),
		)
	}
	if d.ReminderID != 0 {
		if err := tx.UpdateReminder(ctx, d.ReminderID, d.Reminder); err != nil {
			return d, err
		}
	}
	if !d.Notification.IsZero() {
		if err := tx.UpdateNotification(ctx, d.NotificationID, d.Notification); err != nil {
			return d, err
		}
	}
	a := storage.Attempt{
		At:             now,
		CycleID:        cycleIDFrom(ctx),
		NotificationID: item.Notification.ID,
		Kind:           item.Kind.String(),
		OccurrenceAt:   item.OccurrenceAt,
		Outcome:        res.Outcome.String(),
		TookMS:         res.Took.Milliseconds(),
	}
	if item.Reminder != nil {
		a.ReminderID = item.Reminder.ID
	}
	if res.Err != nil {
		a.Error = res.Err.Error()
	}
	return d, tx.AppendAttempt(ctx, a)
}

type cycleIDKey struct{}

func withCycleID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, cycleIDKey{}, id)
}

func cycleIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(cycleIDKey{}).(string)
	return id
}
