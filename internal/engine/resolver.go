package engine

import (
	"sort"
	"time"

	"notifyd/internal/model"
)

// Malformed describes a reminder the resolver had to skip.
type Malformed struct {
	NotificationID int64
	ReminderID     int64
	Err            error
}

// Resolve returns the items due at now. Items are grouped by notification in
// input order; within a group they are sorted by fire time with reminders
// ahead of the event at equal times.
//
// Resolve does not modify ns; the returned items point into it.
func Resolve(now time.Time, ns []model.Notification) []model.DueItem {
	items, _ := resolve(now, ns)
	return items
}

func resolve(now time.Time, ns []model.Notification) ([]model.DueItem, []Malformed) {
	var (
		items []model.DueItem
		bad   []Malformed
	)
	for i := range ns {
		n := &ns[i]
		if n.Status != model.StatusPending {
			continue
		}
		occ, ok := n.OccurrenceAt()
		if !ok || n.SentFor(occ) {
			continue
		}
		group := len(items)
		for j := range n.Reminders {
			r := &n.Reminders[j]
			if r.SentFor(occ) {
				continue
			}
			lead, err := r.Offset.Duration()
			if err != nil {
				bad = append(bad, Malformed{NotificationID: n.ID, ReminderID: r.ID, Err: err})
				continue
			}
			fireAt := occ.Add(-lead)
			if fireAt.After(now) {
				continue
			}
			items = append(items, model.DueItem{
				Notification: n,
				Reminder:     r,
				Kind:         model.KindReminder,
				OccurrenceAt: occ,
				FireAt:       fireAt,
			})
		}
		if !occ.After(now) {
			items = append(items, model.DueItem{
				Notification: n,
				Kind:         model.KindEvent,
				OccurrenceAt: occ,
				FireAt:       occ,
			})
		}
		g := items[group:]
		sort.SliceStable(g, func(a, b int) bool {
			if !g[a].FireAt.Equal(g[b].FireAt) {
				return g[a].FireAt.Before(g[b].FireAt)
			}
			return g[a].Kind < g[b].Kind
		})
	}
	return items, bad
}
