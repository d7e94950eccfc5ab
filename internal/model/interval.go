package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrUnknownUnit is returned when an interval carries a unit outside Unit's set.
var ErrUnknownUnit = errors.New("unknown interval unit")

// Unit is the closed set of calendar-ish units used by recurring intervals and
// reminder offsets.
type Unit string

const (
	UnitMinute Unit = "minute"
	UnitHour   Unit = "hour"
	UnitDay    Unit = "day"
	UnitMonth  Unit = "month"
	UnitYear   Unit = "year"
)

// Month and year are fixed-length approximations, not calendar arithmetic.
// Long-running monthly or yearly series drift against the calendar.
const (
	Month = 30 * 24 * time.Hour
	Year  = 365 * 24 * time.Hour
)

// ParseUnit accepts the stored unit names (case-insensitive, optional plural "s").
func ParseUnit(s string) (Unit, error) {
	u := Unit(strings.TrimSuffix(strings.ToLower(strings.TrimSpace(s)), "s"))
	if !u.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownUnit, s)
	}
	return u, nil
}

func (u Unit) Valid() bool {
	switch u {
	case UnitMinute, UnitHour, UnitDay, UnitMonth, UnitYear:
		return true
	}
	return false
}

// Base returns the length of one unit.
func (u Unit) Base() (time.Duration, error) {
	switch u {
	case UnitMinute:
		return time.Minute, nil
	case UnitHour:
		return time.Hour, nil
	case UnitDay:
		return 24 * time.Hour, nil
	case UnitMonth:
		return Month, nil
	case UnitYear:
		return Year, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownUnit, string(u))
	}
}

// Interval is a (value, unit) offset. It is used both as the repeat period of a
// recurring notification and as the lead time of a reminder.
type Interval struct {
	Value int  `json:"value"`
	Unit  Unit `json:"unit"`
}

func (iv Interval) IsZero() bool { return iv.Value == 0 && iv.Unit == "" }

// Duration converts the interval into a time.Duration.
func (iv Interval) Duration() (time.Duration, error) {
	base, err := iv.Unit.Base()
	if err != nil {
		return 0, err
	}
	return time.Duration(iv.Value) * base, nil
}

func (iv Interval) String() string {
	if iv.Value == 1 {
		return fmt.Sprintf("1 %s", iv.Unit)
	}
	return fmt.Sprintf("%d %ss", iv.Value, iv.Unit)
}
