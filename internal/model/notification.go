package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// DefaultMessage is sent when a notification has neither description nor title.
const DefaultMessage = "📢 You have a new notification"

type EventType string

const (
	OneTime   EventType = "one_time"
	Recurring EventType = "recurring"
)

func (t EventType) Valid() bool { return t == OneTime || t == Recurring }

// Status of a notification. Success and Failure are sinks; only an external
// edit moves a notification back to Pending.
type Status string

const (
	StatusPending Status = "pending"
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
)

func (s Status) Valid() bool {
	return s == StatusPending || s == StatusSuccess || s == StatusFailure
}

// User owns notifications. ChatHandle is the opaque channel address
// (a Telegram chat id or @channel name).
type User struct {
	ID         int64  `json:"id"`
	Username   string `json:"username" validate:"required,max=150"`
	ChatHandle string `json:"chat_handle" validate:"max=64"`
}

// Notification is a schedulable alert.
//
// Absent timestamps are zero time.Time values. EventAt is only meaningful for
// OneTime, NextOccurrenceAt and Interval only for Recurring.
type Notification struct {
	ID          int64     `json:"id"`
	UserID      int64     `json:"user_id" validate:"required"`
	Title       string    `json:"title" validate:"required"`
	Description string    `json:"description,omitempty"`
	Attachment  string    `json:"attachment,omitempty"`
	EventType   EventType `json:"event_type"`

	EventAt          time.Time `json:"event_at,omitempty"`
	NextOccurrenceAt time.Time `json:"next_occurrence_at,omitempty"`
	Interval         Interval  `json:"interval,omitempty"`

	Status          Status    `json:"status"`
	RetryCount      int       `json:"retry_count" validate:"gte=0"`
	LastSentEventAt time.Time `json:"last_sent_event_at,omitempty"`
	CreatedAt       time.Time `json:"created_at"`

	Reminders []Reminder `json:"reminders,omitempty" validate:"dive"`
	Owner     *User      `json:"owner,omitempty"`
}

// Reminder is a pre-event alert tied to one notification. Its dedup marker is
// independent of the parent's.
type Reminder struct {
	ID              int64     `json:"id"`
	NotificationID  int64     `json:"notification_id"`
	Offset          Interval  `json:"offset"`
	LastSentEventAt time.Time `json:"last_sent_event_at,omitempty"`
}

// OccurrenceAt returns the timestamp of the pending occurrence.
func (n *Notification) OccurrenceAt() (time.Time, bool) {
	var at time.Time
	switch n.EventType {
	case OneTime:
		at = n.EventAt
	case Recurring:
		at = n.NextOccurrenceAt
	}
	return at, !at.IsZero()
}

// SentFor reports whether the main event of occurrence occ was confirmed sent.
func (n *Notification) SentFor(occ time.Time) bool {
	return !n.LastSentEventAt.IsZero() && n.LastSentEventAt.Equal(occ)
}

// SentFor reports whether this reminder already fired for occurrence occ.
func (r *Reminder) SentFor(occ time.Time) bool {
	return !r.LastSentEventAt.IsZero() && r.LastSentEventAt.Equal(occ)
}

// MessageText is the body delivered for the main event.
func (n *Notification) MessageText() string {
	if s := strings.TrimSpace(n.Description); s != "" {
		return s
	}
	if s := strings.TrimSpace(n.Title); s != "" {
		return s
	}
	return DefaultMessage
}

// Validate checks a notification before it is persisted. The engine itself
// tolerates records that would fail here (see the resolver's degraded paths).
func (n *Notification) Validate() error {
	if err := validate.Struct(n); err != nil {
		return fmt.Errorf("notification: %w", err)
	}
	var errs []error
	if !n.EventType.Valid() {
		errs = append(errs, fmt.Errorf("event_type: invalid %q", n.EventType))
	}
	if n.Status != "" && !n.Status.Valid() {
		errs = append(errs, fmt.Errorf("status: invalid %q", n.Status))
	}
	switch n.EventType {
	case OneTime:
		if n.EventAt.IsZero() {
			errs = append(errs, errors.New("event_at: required for one_time"))
		}
	case Recurring:
		if n.NextOccurrenceAt.IsZero() {
			errs = append(errs, errors.New("next_occurrence_at: required for recurring"))
		}
		if !n.Interval.Unit.Valid() {
			errs = append(errs, fmt.Errorf("interval.unit: %w: %q", ErrUnknownUnit, n.Interval.Unit))
		}
		if n.Interval.Value <= 0 {
			errs = append(errs, errors.New("interval.value: must be > 0"))
		}
	}
	for i := range n.Reminders {
		if err := n.Reminders[i].Validate(); err != nil {
			errs = append(errs, fmt.Errorf("reminders[%d]: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

// Validate rejects year offsets and negative values.
func (r *Reminder) Validate() error {
	if r.Offset.Value < 0 {
		return errors.New("offset.value: must be >= 0")
	}
	switch r.Offset.Unit {
	case UnitMinute, UnitHour, UnitDay, UnitMonth:
		return nil
	default:
		return fmt.Errorf("offset.unit: %w: %q", ErrUnknownUnit, r.Offset.Unit)
	}
}
