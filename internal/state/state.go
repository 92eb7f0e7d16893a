package state

import (
	"context"
	"time"

	"optrader/internal/og"
	"optrader/internal/risk"
)

const dayLayout = "2006-01-02"

// DayState is everything needed to resume a trading day after a restart.
type DayState struct {
	Day     string        `json:"day"`
	Ledger  risk.Snapshot `json:"ledger"`
	Trades  []og.Snapshot `json:"trades"`
	SavedAt time.Time     `json:"savedAt"`
}

// Store persists day state.
type Store interface {
	Save(ctx context.Context, st DayState) error
	// Latest returns the most recently saved state. ok is false when nothing was saved yet.
	Latest(ctx context.Context) (st DayState, ok bool, err error)
}

// DayOf formats t as a trading day key.
func DayOf(t time.Time) string {
	return t.Format(dayLayout)
}

// OpenTrades keeps the trades that still hold a position or have an entry
// order out at the venue.
func OpenTrades(trades []og.Snapshot) []og.Snapshot {
	out := make([]og.Snapshot, 0, len(trades))
	for _, t := range trades {
		if t.State.HoldsPosition() || t.State.Pending() {
			out = append(out, t)
		}
	}
	return out
}
