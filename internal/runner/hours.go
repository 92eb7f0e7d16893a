package runner

import (
	"time"

	"github.com/yanun0323/logs"
)

const defaultTimezone = "America/New_York"

// TradingHours gates new entries to the regular session, weekdays only.
// Open, Close and ExitCutoff are offsets from local midnight.
type TradingHours struct {
	Location   *time.Location
	Open       time.Duration
	Close      time.Duration
	ExitCutoff time.Duration
}

// DefaultTradingHours is 09:30-16:00 New York with a 15:55 exit cutoff.
func DefaultTradingHours() TradingHours {
	return TradingHours{
		Location:   LoadLocation(defaultTimezone),
		Open:       9*time.Hour + 30*time.Minute,
		Close:      16 * time.Hour,
		ExitCutoff: 15*time.Hour + 55*time.Minute,
	}
}

// LoadLocation falls back to UTC when the zone database lacks name.
func LoadLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		logs.Errorf("load timezone %s, fallback to UTC, err: %+v", name, err)
		return time.UTC
	}
	return loc
}

func (h TradingHours) location() *time.Location {
	if h.Location == nil {
		return time.UTC
	}
	return h.Location
}

// Day returns local midnight of the trading day t falls in.
func (h TradingHours) Day(t time.Time) time.Time {
	local := t.In(h.location())
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, h.location())
}

func (h TradingHours) at(t time.Time, offset time.Duration) time.Time {
	return h.Day(t).Add(offset)
}

// TradingDay reports whether t falls on a weekday.
func (h TradingHours) TradingDay(t time.Time) bool {
	switch t.In(h.location()).Weekday() {
	case time.Saturday, time.Sunday:
		return false
	default:
		return true
	}
}

// IsOpen reports whether the regular session is open at t.
func (h TradingHours) IsOpen(t time.Time) bool {
	if !h.TradingDay(t) {
		return false
	}
	return !t.Before(h.at(t, h.Open)) && t.Before(h.at(t, h.Close))
}

// EntryOpen reports whether new positions may be opened at t: the session is
// open and the exit cutoff has not passed.
func (h TradingHours) EntryOpen(t time.Time) bool {
	return h.IsOpen(t) && t.Before(h.Cutoff(t))
}

// Cutoff returns the exit cutoff of t's trading day.
func (h TradingHours) Cutoff(t time.Time) time.Time {
	if h.ExitCutoff <= 0 {
		return h.at(t, h.Close)
	}
	return h.at(t, h.ExitCutoff)
}
