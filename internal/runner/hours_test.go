package runner

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTradingHours(t *testing.T) {
	h := DefaultTradingHours()
	ny := h.Location
	// Monday
	at := func(hour, minute int) time.Time { return time.Date(2026, 3, 2, hour, minute, 0, 0, ny) }

	assert.False(t, h.IsOpen(at(9, 29)))
	assert.True(t, h.IsOpen(at(9, 30)))
	assert.True(t, h.EntryOpen(at(15, 54)))
	assert.False(t, h.EntryOpen(at(15, 55)))
	assert.True(t, h.IsOpen(at(15, 59)))
	assert.False(t, h.IsOpen(at(16, 0)))
	assert.Equal(t, at(15, 55), h.Cutoff(at(10, 0)))

	saturday := time.Date(2026, 3, 7, 11, 0, 0, 0, ny)
	assert.False(t, h.TradingDay(saturday))
	assert.False(t, h.IsOpen(saturday))
}

func TestTradingHoursDayUsesLocation(t *testing.T) {
	h := TradingHours{Location: time.FixedZone("ET", -5*3600), Open: 9 * time.Hour, Close: 16 * time.Hour}
	// 02:00 UTC Tuesday is still Monday evening in ET
	utc := time.Date(2026, 3, 3, 2, 0, 0, 0, time.UTC)
	day := h.Day(utc)
	assert.Equal(t, 2, day.Day())
	assert.Equal(t, 16*time.Hour, h.Cutoff(utc).Sub(day), "cutoff falls back to close")

	var zero TradingHours
	assert.Equal(t, time.UTC, zero.Day(utc).Location())
}
