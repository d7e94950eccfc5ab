package storage

import (
	"context"
	"errors"
	"time"

	"notifyd/internal/model"
)

var (
	ErrNotFound      = errors.New("storage: not found")
	ErrUnknownDriver = errors.New("storage: unknown driver")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file at Path (default driver)
//   - "postgres": PostgreSQL through DSN
//   - "memory": process-local maps, lost on exit (tests, dry runs)
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means 5s
}

// Store is the persistence API used by the delivery engine.
type Store interface {
	// ListPending returns every notification with status pending, newest
	// created first, with reminders and owner loaded.
	ListPending(ctx context.Context) ([]model.Notification, error)
	// InTx runs fn in one transaction; a non-nil error rolls everything back.
	InTx(ctx context.Context, fn func(tx Tx) error) error

	CreateUser(ctx context.Context, u *model.User) error
	// CreateNotification inserts n and its reminders, filling in ids.
	CreateNotification(ctx context.Context, n *model.Notification) error
	GetNotification(ctx context.Context, id int64) (model.Notification, error)
	// ListAttempts returns the newest attempts for one notification first.
	ListAttempts(ctx context.Context, notificationID int64, limit int) ([]Attempt, error)

	Migrate(ctx context.Context) error
	Close() error
}

// Tx is the write side of one outcome.
type Tx interface {
	UpdateNotification(ctx context.Context, id int64, u NotificationUpdate) error
	UpdateReminder(ctx context.Context, id int64, u ReminderUpdate) error
	AppendAttempt(ctx context.Context, a Attempt) error
}

// NotificationUpdate is a partial update; nil fields are left untouched.
type NotificationUpdate struct {
	Status           *model.Status
	RetryCount       *int
	LastSentEventAt  *time.Time
	NextOccurrenceAt *time.Time
}

func (u NotificationUpdate) IsZero() bool {
	return u.Status == nil && u.RetryCount == nil && u.LastSentEventAt == nil && u.NextOccurrenceAt == nil
}

// Apply copies the set fields onto n.
func (u NotificationUpdate) Apply(n *model.Notification) {
	if u.Status != nil {
		n.Status = *u.Status
	}
	if u.RetryCount != nil {
		n.RetryCount = *u.RetryCount
	}
	if u.LastSentEventAt != nil {
		n.LastSentEventAt = *u.LastSentEventAt
	}
	if u.NextOccurrenceAt != nil {
		n.NextOccurrenceAt = *u.NextOccurrenceAt
	}
}

type ReminderUpdate struct {
	LastSentEventAt time.Time
}

// Attempt records one dispatch and its outcome. Keep it compact and
// schema-stable.
type Attempt struct {
	ID             int64
	At             time.Time
	CycleID        string
	NotificationID int64
	ReminderID     int64 // 0 for the main event
	Kind           string
	OccurrenceAt   time.Time
	Outcome        string
	Error          string
	TookMS         int64
}
