package model

import "time"

// ItemKind orders due items of the same fire time: reminders go first.
type ItemKind int

const (
	KindReminder ItemKind = iota
	KindEvent
)

func (k ItemKind) String() string {
	switch k {
	case KindReminder:
		return "reminder"
	case KindEvent:
		return "event"
	default:
		return "unknown"
	}
}

// DueItem is computed every cycle and never persisted.
//
// OccurrenceAt is shared by a notification's reminders and its main event
// within one cycle; FireAt is when the item became due.
type DueItem struct {
	Notification *Notification
	Reminder     *Reminder // nil for KindEvent
	Kind         ItemKind
	OccurrenceAt time.Time
	FireAt       time.Time
}

// Outcome of one dispatch.
type Outcome int

const (
	OutcomeSent Outcome = iota
	OutcomeFailed
)

func (o Outcome) String() string {
	if o == OutcomeSent {
		return "sent"
	}
	return "failed"
}
