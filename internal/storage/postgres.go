package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"notifyd/internal/model"
	"notifyd/pkg/logx"
)

type userRow struct {
	ID         int64  `gorm:"primaryKey"`
	Username   string `gorm:"size:150;not null;uniqueIndex"`
	ChatHandle string `gorm:"size:64;not null;default:''"`
}

func (userRow) TableName() string { return "users" }

type notificationRow struct {
	ID               int64  `gorm:"primaryKey"`
	UserID           int64  `gorm:"not null;index"`
	Title            string `gorm:"size:255;not null"`
	Description      string `gorm:"not null;default:''"`
	Attachment       string `gorm:"size:512;not null;default:''"`
	EventType        string `gorm:"size:16;not null"`
	EventAt          *time.Time
	NextOccurrenceAt *time.Time
	IntervalValue    *int
	IntervalUnit     *string `gorm:"size:16"`
	Status           string  `gorm:"size:16;not null;default:pending;index:idx_notifications_status_created,priority:1"`
	RetryCount       int     `gorm:"not null;default:0"`
	LastSentEventAt  *time.Time
	CreatedAt        time.Time `gorm:"not null;index:idx_notifications_status_created,priority:2,sort:desc"`

	User      userRow       `gorm:"foreignKey:UserID;constraint:OnDelete:CASCADE"`
	Reminders []reminderRow `gorm:"foreignKey:NotificationID;constraint:OnDelete:CASCADE"`
}

func (notificationRow) TableName() string { return "notifications" }

type reminderRow struct {
	ID              int64  `gorm:"primaryKey"`
	NotificationID  int64  `gorm:"not null;index"`
	OffsetValue     int    `gorm:"not null"`
	OffsetUnit      string `gorm:"size:16;not null"`
	LastSentEventAt *time.Time
}

func (reminderRow) TableName() string { return "reminders" }

type attemptRow struct {
	ID             int64     `gorm:"primaryKey"`
	At             time.Time `gorm:"not null"`
	CycleID        string    `gorm:"size:36;not null;default:''"`
	NotificationID int64     `gorm:"not null;index:idx_attempts_notification"`
	ReminderID     *int64
	Kind           string `gorm:"size:16;not null"`
	OccurrenceAt   *time.Time
	Outcome        string `gorm:"size:16;not null"`
	Err            *string
	TookMS         int64 `gorm:"column:took_ms;not null;default:0"`
}

func (attemptRow) TableName() string { return "delivery_attempts" }

type postgresStore struct {
	db  *gorm.DB
	log logx.Logger
}

func openPostgres(cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: %w", err)
	}
	log.Debug("postgres opened")
	return &postgresStore{db: db, log: log}, nil
}

func (s *postgresStore) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&userRow{}, &notificationRow{}, &reminderRow{}, &attemptRow{})
}

func (s *postgresStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *postgresStore) ListPending(ctx context.Context) ([]model.Notification, error) {
	var rows []notificationRow
	err := s.db.WithContext(ctx).
		Preload("User").
		Preload("Reminders", func(db *gorm.DB) *gorm.DB { return db.Order("id") }).
		Where("status = ?", string(model.StatusPending)).
		Order("created_at DESC, id DESC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	out := make([]model.Notification, len(rows))
	for i := range rows {
		out[i] = rows[i].model()
	}
	return out, nil
}

func (s *postgresStore) GetNotification(ctx context.Context, id int64) (model.Notification, error) {
	var row notificationRow
	err := s.db.WithContext(ctx).
		Preload("User").
		Preload("Reminders", func(db *gorm.DB) *gorm.DB { return db.Order("id") }).
		First(&row, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.Notification{}, fmt.Errorf("notification %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.Notification{}, err
	}
	return row.model(), nil
}

func (s *postgresStore) CreateUser(ctx context.Context, u *model.User) error {
	if err := model.ValidateUser(u); err != nil {
		return err
	}
	row := userRow{Username: u.Username, ChatHandle: u.ChatHandle}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	u.ID = row.ID
	return nil
}

func (s *postgresStore) CreateNotification(ctx context.Context, n *model.Notification) error {
	if err := validateNew(n); err != nil {
		return err
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}
	n.CreatedAt = stamp(n.CreatedAt)
	row := notificationRowFrom(n)
	// Omit the association so gorm does not upsert the owner.
	if err := s.db.WithContext(ctx).Omit("User").Create(&row).Error; err != nil {
		return fmt.Errorf("create notification: %w", err)
	}
	n.ID = row.ID
	for i := range n.Reminders {
		n.Reminders[i].ID = row.Reminders[i].ID
		n.Reminders[i].NotificationID = row.ID
	}
	return nil
}

func (s *postgresStore) ListAttempts(ctx context.Context, notificationID int64, limit int) ([]Attempt, error) {
	q := s.db.WithContext(ctx).Where("notification_id = ?", notificationID).Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []attemptRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]Attempt, len(rows))
	for i, r := range rows {
		out[i] = Attempt{
			ID:             r.ID,
			At:             r.At.UTC(),
			CycleID:        r.CycleID,
			NotificationID: r.NotificationID,
			ReminderID:     deref(r.ReminderID),
			Kind:           r.Kind,
			OccurrenceAt:   fromPtr(r.OccurrenceAt),
			Outcome:        r.Outcome,
			Error:          deref(r.Err),
			TookMS:         r.TookMS,
		}
	}
	return out, nil
}

func (s *postgresStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(gormTx{db: tx})
	})
}

type gormTx struct {
	db *gorm.DB
}

func (t gormTx) UpdateNotification(ctx context.Context, id int64, u NotificationUpdate) error {
	if u.IsZero() {
		return nil
	}
	set := map[string]any{}
	if u.Status != nil {
		set["status"] = string(*u.Status)
	}
	if u.RetryCount != nil {
		set["retry_count"] = *u.RetryCount
	}
	if u.LastSentEventAt != nil {
		set["last_sent_event_at"] = toPtr(*u.LastSentEventAt)
	}
	if u.NextOccurrenceAt != nil {
		set["next_occurrence_at"] = toPtr(*u.NextOccurrenceAt)
	}
	res := t.db.WithContext(ctx).Model(&notificationRow{}).Where("id = ?", id).Updates(set)
	if res.Error != nil {
		return fmt.Errorf("update notification %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("notification %d: %w", id, ErrNotFound)
	}
	return nil
}

func (t gormTx) UpdateReminder(ctx context.Context, id int64, u ReminderUpdate) error {
	res := t.db.WithContext(ctx).Model(&reminderRow{}).Where("id = ?", id).
		Update("last_sent_event_at", toPtr(u.LastSentEventAt))
	if res.Error != nil {
		return fmt.Errorf("update reminder %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("reminder %d: %w", id, ErrNotFound)
	}
	return nil
}

func (t gormTx) AppendAttempt(ctx context.Context, a Attempt) error {
	if a.At.IsZero() {
		a.At = time.Now()
	}
	row := attemptRow{
		At:             stamp(a.At),
		CycleID:        a.CycleID,
		NotificationID: a.NotificationID,
		Kind:           a.Kind,
		OccurrenceAt:   toPtr(a.OccurrenceAt),
		Outcome:        a.Outcome,
		TookMS:         a.TookMS,
	}
	if a.ReminderID != 0 {
		row.ReminderID = &a.ReminderID
	}
	if a.Error != "" {
		row.Err = &a.Error
	}
	return t.db.WithContext(ctx).Create(&row).Error
}

func (r *notificationRow) model() model.Notification {
	n := model.Notification{
		ID:               r.ID,
		UserID:           r.UserID,
		Title:            r.Title,
		Description:      r.Description,
		Attachment:       r.Attachment,
		EventType:        model.EventType(r.EventType),
		EventAt:          fromPtr(r.EventAt),
		NextOccurrenceAt: fromPtr(r.NextOccurrenceAt),
		Interval:         model.Interval{Value: deref(r.IntervalValue), Unit: model.Unit(deref(r.IntervalUnit))},
		Status:           model.Status(r.Status),
		RetryCount:       r.RetryCount,
		LastSentEventAt:  fromPtr(r.LastSentEventAt),
		CreatedAt:        r.CreatedAt.UTC(),
	}
	if r.User.ID != 0 {
		n.Owner = &model.User{ID: r.User.ID, Username: r.User.Username, ChatHandle: r.User.ChatHandle}
	}
	for _, rem := range r.Reminders {
		n.Reminders = append(n.Reminders, model.Reminder{
			ID:              rem.ID,
			NotificationID:  rem.NotificationID,
			Offset:          model.Interval{Value: rem.OffsetValue, Unit: model.Unit(rem.OffsetUnit)},
			LastSentEventAt: fromPtr(rem.LastSentEventAt),
		})
	}
	return n
}

func notificationRowFrom(n *model.Notification) notificationRow {
	row := notificationRow{
		UserID:           n.UserID,
		Title:            n.Title,
		Description:      n.Description,
		Attachment:       n.Attachment,
		EventType:        string(n.EventType),
		EventAt:          toPtr(n.EventAt),
		NextOccurrenceAt: toPtr(n.NextOccurrenceAt),
		Status:           string(n.Status),
		RetryCount:       n.RetryCount,
		LastSentEventAt:  toPtr(n.LastSentEventAt),
		CreatedAt:        n.CreatedAt,
	}
	if n.EventType == model.Recurring {
		v, u := n.Interval.Value, string(n.Interval.Unit)
		row.IntervalValue, row.IntervalUnit = &v, &u
	}
	for _, r := range n.Reminders {
		row.Reminders = append(row.Reminders, reminderRow{
			OffsetValue:     r.Offset.Value,
			OffsetUnit:      string(r.Offset.Unit),
			LastSentEventAt: toPtr(r.LastSentEventAt),
		})
	}
	return row
}

func toPtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	v := stamp(t)
	return &v
}

func fromPtr(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.UTC()
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}
