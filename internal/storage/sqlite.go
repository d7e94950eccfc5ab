package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"notifyd/internal/model"
	"notifyd/pkg/logx"
)

//go:embed schema_sqlite.sql
var sqliteSchema string

type sqliteStore struct {
	db  *sqlx.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection: SQLite serializes writers anyway and pragmas are per-connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	for _, p := range []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite %q: %w", p, err)
		}
	}
	log.Debug("sqlite opened", logx.String("path", path))
	return &sqliteStore{db: db, log: log}, nil
}

func (s *sqliteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteSchema)
	return err
}

func (s *sqliteStore) Close() error { return s.db.Close() }

type notificationRecord struct {
	ID               int64          `db:"id"`
	UserID           int64          `db:"user_id"`
	Title            string         `db:"title"`
	Description      string         `db:"description"`
	Attachment       string         `db:"attachment"`
	EventType        string         `db:"event_type"`
	EventAt          sql.NullInt64  `db:"event_at"`
	NextOccurrenceAt sql.NullInt64  `db:"next_occurrence_at"`
	IntervalValue    sql.NullInt64  `db:"interval_value"`
	IntervalUnit     sql.NullString `db:"interval_unit"`
	Status           string         `db:"status"`
	RetryCount       int            `db:"retry_count"`
	LastSentEventAt  sql.NullInt64  `db:"last_sent_event_at"`
	CreatedAt        int64          `db:"created_at"`
}

func (r notificationRecord) model() model.Notification {
	return model.Notification{
		ID:               r.ID,
		UserID:           r.UserID,
		Title:            r.Title,
		Description:      r.Description,
		Attachment:       r.Attachment,
		EventType:        model.EventType(r.EventType),
		EventAt:          fromMillis(r.EventAt),
		NextOccurrenceAt: fromMillis(r.NextOccurrenceAt),
		Interval:         model.Interval{Value: int(r.IntervalValue.Int64), Unit: model.Unit(r.IntervalUnit.String)},
		Status:           model.Status(r.Status),
		RetryCount:       r.RetryCount,
		LastSentEventAt:  fromMillis(r.LastSentEventAt),
		CreatedAt:        time.UnixMilli(r.CreatedAt).UTC(),
	}
}

type reminderRecord struct {
	ID              int64         `db:"id"`
	NotificationID  int64         `db:"notification_id"`
	OffsetValue     int           `db:"offset_value"`
	OffsetUnit      string        `db:"offset_unit"`
	LastSentEventAt sql.NullInt64 `db:"last_sent_event_at"`
}

type userRecord struct {
	ID         int64  `db:"id"`
	Username   string `db:"username"`
	ChatHandle string `db:"chat_handle"`
}

type attemptRecord struct {
	ID             int64          `db:"id"`
	At             int64          `db:"at"`
	CycleID        string         `db:"cycle_id"`
	NotificationID int64          `db:"notification_id"`
	ReminderID     sql.NullInt64  `db:"reminder_id"`
	Kind           string         `db:"kind"`
	OccurrenceAt   sql.NullInt64  `db:"occurrence_at"`
	Outcome        string         `db:"outcome"`
	Err            sql.NullString `db:"err"`
	TookMS         int64          `db:"took_ms"`
}

const notificationColumns = `id, user_id, title, description, attachment, event_type, event_at,
	next_occurrence_at, interval_value, interval_unit, status, retry_count, last_sent_event_at, created_at`

func (s *sqliteStore) ListPending(ctx context.Context) ([]model.Notification, error) {
	var recs []notificationRecord
	err := s.db.SelectContext(ctx, &recs,
		`SELECT `+notificationColumns+` FROM notifications
		 WHERE status = ? ORDER BY created_at DESC, id DESC`, string(model.StatusPending))
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	out := make([]model.Notification, len(recs))
	for i, r := range recs {
		out[i] = r.model()
	}
	if err := s.attach(ctx, s.db, out); err != nil {
		return nil, err
	}
	return out, nil
}

// attach loads reminders and owners for ns in two queries.
func (s *sqliteStore) attach(ctx context.Context, q sqlx.QueryerContext, ns []model.Notification) error {
	if len(ns) == 0 {
		return nil
	}
	ids := make([]int64, 0, len(ns))
	userIDs := make([]int64, 0, len(ns))
	index := make(map[int64]int, len(ns))
	for i, n := range ns {
		ids = append(ids, n.ID)
		userIDs = append(userIDs, n.UserID)
		index[n.ID] = i
	}

	query, args, err := sqlx.In(`SELECT id, notification_id, offset_value, offset_unit, last_sent_event_at
		FROM reminders WHERE notification_id IN (?) ORDER BY id`, ids)
	if err != nil {
		return err
	}
	var rems []reminderRecord
	if err := sqlx.SelectContext(ctx, q, &rems, s.db.Rebind(query), args...); err != nil {
		return fmt.Errorf("load reminders: %w", err)
	}
	for _, r := range rems {
		n := &ns[index[r.NotificationID]]
		n.Reminders = append(n.Reminders, model.Reminder{
			ID:              r.ID,
			NotificationID:  r.NotificationID,
			Offset:          model.Interval{Value: r.OffsetValue, Unit: model.Unit(r.OffsetUnit)},
			LastSentEventAt: fromMillis(r.LastSentEventAt),
		})
	}

	query, args, err = sqlx.In(`SELECT id, username, chat_handle FROM users WHERE id IN (?)`, userIDs)
	if err != nil {
		return err
	}
	var users []userRecord
	if err := sqlx.SelectContext(ctx, q, &users, s.db.Rebind(query), args...); err != nil {
		return fmt.Errorf("load owners: %w", err)
	}
	byID := make(map[int64]model.User, len(users))
	for _, u := range users {
		byID[u.ID] = model.User{ID: u.ID, Username: u.Username, ChatHandle: u.ChatHandle}
	}
	for i := range ns {
		if u, ok := byID[ns[i].UserID]; ok {
			ns[i].Owner = &u
		}
	}
	return nil
}

func (s *sqliteStore) GetNotification(ctx context.Context, id int64) (model.Notification, error) {
	var rec notificationRecord
	err := s.db.GetContext(ctx, &rec, `SELECT `+notificationColumns+` FROM notifications WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Notification{}, fmt.Errorf("notification %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.Notification{}, err
	}
	out := []model.Notification{rec.model()}
	if err := s.attach(ctx, s.db, out); err != nil {
		return model.Notification{}, err
	}
	return out[0], nil
}

func (s *sqliteStore) CreateUser(ctx context.Context, u *model.User) error {
	if err := model.ValidateUser(u); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `INSERT INTO users(username, chat_handle) VALUES(?, ?)`, u.Username, u.ChatHandle)
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	u.ID, err = res.LastInsertId()
	return err
}

func (s *sqliteStore) CreateNotification(ctx context.Context, n *model.Notification) error {
	if err := validateNew(n); err != nil {
		return err
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}
	n.CreatedAt = stamp(n.CreatedAt)

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var unit sql.NullString
	var value sql.NullInt64
	if n.EventType == model.Recurring {
		unit = sql.NullString{String: string(n.Interval.Unit), Valid: true}
		value = sql.NullInt64{Int64: int64(n.Interval.Value), Valid: true}
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO notifications(user_id, title, description, attachment, event_type,
		event_at, next_occurrence_at, interval_value, interval_unit, status, retry_count, last_sent_event_at, created_at)
		VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		n.UserID, n.Title, n.Description, n.Attachment, string(n.EventType),
		toMillis(n.EventAt), toMillis(n.NextOccurrenceAt), value, unit,
		string(n.Status), n.RetryCount, toMillis(n.LastSentEventAt), n.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("create notification: %w", err)
	}
	if n.ID, err = res.LastInsertId(); err != nil {
		return err
	}
	for i := range n.Reminders {
		r := &n.Reminders[i]
		r.NotificationID = n.ID
		res, err := tx.ExecContext(ctx, `INSERT INTO reminders(notification_id, offset_value, offset_unit, last_sent_event_at)
			VALUES(?,?,?,?)`, n.ID, r.Offset.Value, string(r.Offset.Unit), toMillis(r.LastSentEventAt))
		if err != nil {
			return fmt.Errorf("create reminder: %w", err)
		}
		if r.ID, err = res.LastInsertId(); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) ListAttempts(ctx context.Context, notificationID int64, limit int) ([]Attempt, error) {
	if limit <= 0 {
		limit = -1
	}
	var recs []attemptRecord
	err := s.db.SelectContext(ctx, &recs, `SELECT id, at, cycle_id, notification_id, reminder_id, kind,
		occurrence_at, outcome, err, took_ms FROM delivery_attempts
		WHERE notification_id = ? ORDER BY id DESC LIMIT ?`, notificationID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]Attempt, len(recs))
	for i, r := range recs {
		out[i] = Attempt{
			ID:             r.ID,
			At:             time.UnixMilli(r.At).UTC(),
			CycleID:        r.CycleID,
			NotificationID: r.NotificationID,
			ReminderID:     r.ReminderID.Int64,
			Kind:           r.Kind,
			OccurrenceAt:   fromMillis(r.OccurrenceAt),
			Outcome:        r.Outcome,
			Error:          r.Err.String,
			TookMS:         r.TookMS,
		}
	}
	return out, nil
}

func (s *sqliteStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	// The pool holds one connection; a panicking fn must not keep it.
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(sqliteTx{tx: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.log.Warn("sqlite rollback failed", logx.Err(rbErr))
		}
		return err
	}
	return tx.Commit()
}

type sqliteTx struct {
	tx *sqlx.Tx
}

func (t sqliteTx) UpdateNotification(ctx context.Context, id int64, u NotificationUpdate) error {
	if u.IsZero() {
		return nil
	}
	var (
		sets []string
		args []any
	)
	if u.Status != nil {
		sets, args = append(sets, "status = ?"), append(args, string(*u.Status))
	}
	if u.RetryCount != nil {
		sets, args = append(sets, "retry_count = ?"), append(args, *u.RetryCount)
	}
	if u.LastSentEventAt != nil {
		sets, args = append(sets, "last_sent_event_at = ?"), append(args, toMillis(*u.LastSentEventAt))
	}
	if u.NextOccurrenceAt != nil {
		sets, args = append(sets, "next_occurrence_at = ?"), append(args, toMillis(*u.NextOccurrenceAt))
	}
	args = append(args, id)
	res, err := t.tx.ExecContext(ctx, `UPDATE notifications SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("update notification %d: %w", id, err)
	}
	return expectRow(res, "notification", id)
}

func (t sqliteTx) UpdateReminder(ctx context.Context, id int64, u ReminderUpdate) error {
	res, err := t.tx.ExecContext(ctx, `UPDATE reminders SET last_sent_event_at = ? WHERE id = ?`,
		toMillis(u.LastSentEventAt), id)
	if err != nil {
		return fmt.Errorf("update reminder %d: %w", id, err)
	}
	return expectRow(res, "reminder", id)
}

func (t sqliteTx) AppendAttempt(ctx context.Context, a Attempt) error {
	if a.At.IsZero() {
		a.At = time.Now()
	}
	var reminderID sql.NullInt64
	if a.ReminderID != 0 {
		reminderID = sql.NullInt64{Int64: a.ReminderID, Valid: true}
	}
	_, err := t.tx.ExecContext(ctx, `INSERT INTO delivery_attempts(at, cycle_id, notification_id, reminder_id, kind,
		occurrence_at, outcome, err, took_ms) VALUES(?,?,?,?,?,?,?,?,?)`,
		a.At.UnixMilli(), a.CycleID, a.NotificationID, reminderID, a.Kind,
		toMillis(a.OccurrenceAt), a.Outcome, nullStr(a.Error), a.TookMS,
	)
	return err
}

func expectRow(res sql.Result, what string, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s %d: %w", what, id, ErrNotFound)
	}
	return nil
}

func toMillis(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromMillis(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return time.UnixMilli(v.Int64).UTC()
}

func nullStr(v string) sql.NullString {
	if strings.TrimSpace(v) == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}
