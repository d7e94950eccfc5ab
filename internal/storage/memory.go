package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"notifyd/internal/model"
)

// Memory is a process-local Store. Transactions hold the store lock and
// stage their writes; nothing is visible until fn returns nil.
type Memory struct {
	mu            sync.Mutex
	seq           int64
	users         map[int64]model.User
	notifications map[int64]model.Notification
	reminders     map[int64]model.Reminder
	attempts      []Attempt
}

func NewMemory() *Memory {
	return &Memory{
		users:         map[int64]model.User{},
		notifications: map[int64]model.Notification{},
		reminders:     map[int64]model.Reminder{},
	}
}

func (m *Memory) Migrate(context.Context) error { return nil }
func (m *Memory) Close() error                  { return nil }

func (m *Memory) nextID() int64 {
	m.seq++
	return m.seq
}

func (m *Memory) CreateUser(_ context.Context, u *model.User) error {
	if err := model.ValidateUser(u); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.users {
		if existing.Username == u.Username {
			return fmt.Errorf("user %q already exists", u.Username)
		}
	}
	u.ID = m.nextID()
	m.users[u.ID] = *u
	return nil
}

func (m *Memory) CreateNotification(_ context.Context, n *model.Notification) error {
	if err := validateNew(n); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[n.UserID]; !ok {
		return fmt.Errorf("user %d: %w", n.UserID, ErrNotFound)
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}
	n.CreatedAt = stamp(n.CreatedAt)
	n.EventAt = stamp(n.EventAt)
	n.NextOccurrenceAt = stamp(n.NextOccurrenceAt)
	n.LastSentEventAt = stamp(n.LastSentEventAt)
	n.ID = m.nextID()
	for i := range n.Reminders {
		r := &n.Reminders[i]
		r.ID = m.nextID()
		r.NotificationID = n.ID
		r.LastSentEventAt = stamp(r.LastSentEventAt)
		m.reminders[r.ID] = *r
	}
	stored := *n
	stored.Reminders = nil
	stored.Owner = nil
	m.notifications[n.ID] = stored
	return nil
}

// load assembles one notification with its reminders and owner. Callers hold mu.
func (m *Memory) load(id int64) (model.Notification, bool) {
	n, ok := m.notifications[id]
	if !ok {
		return model.Notification{}, false
	}
	n.Reminders = nil
	for _, r := range m.reminders {
		if r.NotificationID == id {
			n.Reminders = append(n.Reminders, r)
		}
	}
	sort.Slice(n.Reminders, func(i, j int) bool { return n.Reminders[i].ID < n.Reminders[j].ID })
	if u, ok := m.users[n.UserID]; ok {
		n.Owner = &u
	}
	return n, true
}

func (m *Memory) GetNotification(_ context.Context, id int64) (model.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.load(id)
	if !ok {
		return model.Notification{}, fmt.Errorf("notification %d: %w", id, ErrNotFound)
	}
	return n, nil
}

func (m *Memory) ListPending(ctx context.Context) ([]model.Notification, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Notification, 0, len(m.notifications))
	for id, n := range m.notifications {
		if n.Status != model.StatusPending {
			continue
		}
		full, _ := m.load(id)
		out = append(out, full)
	}
	sortNewestFirst(out)
	return out, nil
}

func sortNewestFirst(ns []model.Notification) {
	sort.SliceStable(ns, func(i, j int) bool {
		if !ns[i].CreatedAt.Equal(ns[j].CreatedAt) {
			return ns[i].CreatedAt.After(ns[j].CreatedAt)
		}
		return ns[i].ID > ns[j].ID
	})
}

func (m *Memory) ListAttempts(_ context.Context, notificationID int64, limit int) ([]Attempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Attempt
	for i := len(m.attempts) - 1; i >= 0; i-- {
		if m.attempts[i].NotificationID != notificationID {
			continue
		}
		out = append(out, m.attempts[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) InTx(ctx context.Context, fn func(tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx := &memTx{m: m}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, op := range tx.ops {
		op()
	}
	return nil
}

type memTx struct {
	m   *Memory
	ops []func()
}

func (t *memTx) UpdateNotification(_ context.Context, id int64, u NotificationUpdate) error {
	if _, ok := t.m.notifications[id]; !ok {
		return fmt.Errorf("notification %d: %w", id, ErrNotFound)
	}
	if u.LastSentEventAt != nil {
		v := stamp(*u.LastSentEventAt)
		u.LastSentEventAt = &v
	}
	if u.NextOccurrenceAt != nil {
		v := stamp(*u.NextOccurrenceAt)
		u.NextOccurrenceAt = &v
	}
	t.ops = append(t.ops, func() {
		n := t.m.notifications[id]
		u.Apply(&n)
		t.m.notifications[id] = n
	})
	return nil
}

func (t *memTx) UpdateReminder(_ context.Context, id int64, u ReminderUpdate) error {
	if _, ok := t.m.reminders[id]; !ok {
		return fmt.Errorf("reminder %d: %w", id, ErrNotFound)
	}
	t.ops = append(t.ops, func() {
		r := t.m.reminders[id]
		r.LastSentEventAt = stamp(u.LastSentEventAt)
		t.m.reminders[id] = r
	})
	return nil
}

func (t *memTx) AppendAttempt(_ context.Context, a Attempt) error {
	if a.At.IsZero() {
		a.At = time.Now()
	}
	t.ops = append(t.ops, func() {
		a.ID = t.m.nextID()
		a.At = stamp(a.At)
		a.OccurrenceAt = stamp(a.OccurrenceAt)
		t.m.attempts = append(t.m.attempts, a)
	})
	return nil
}

// stamp normalizes a timestamp to UTC milliseconds, matching the SQL drivers.
func stamp(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return t.UTC().Truncate(time.Millisecond)
}
