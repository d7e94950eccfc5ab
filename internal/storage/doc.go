// Package storage persists users, notifications, reminders and delivery
// attempts.
//
// The engine reads pending notifications once per cycle and writes each
// item's outcome (partial field updates plus one attempt row) in a single
// transaction. Timestamps are stored in UTC at millisecond precision.
package storage
