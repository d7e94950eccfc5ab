// Package engine resolves due reminders and events from pending
// notifications, delivers them through a channel and records the outcome.
//
// A Runner executes one cycle at a time; a Ticker drives it on a fixed
// cadence. Within a cycle each item's dispatch and outcome write form one
// unit: a failing or panicking item never stops the items after it.
package engine
