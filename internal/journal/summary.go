package journal

import (
	"github.com/shopspring/decimal"

	"optrader/internal/schema"
)

// StateClosed is the state name of a trade that held and then exited a position.
const StateClosed = "Closed"

// Summary aggregates the trades of one day.
type Summary struct {
	Day      string
	Trades   int
	Closed   int
	Failed   int
	Wins     int
	Losses   int
	Degraded int
	PnL      decimal.Decimal
	ByReason map[schema.ExitReason]int
	ByStrat  map[string]decimal.Decimal
}

// Summarize folds entries into a Summary. Only closed trades count towards
// wins, losses and exit reasons.
func Summarize(day string, entries []Entry) Summary {
	s := Summary{
		Day:      day,
		PnL:      decimal.Zero,
		ByReason: make(map[schema.ExitReason]int),
		ByStrat:  make(map[string]decimal.Decimal),
	}
	for _, e := range entries {
		if e.Day != day {
			continue
		}
		s.Trades++
		if e.Degraded {
			s.Degraded++
		}
		if e.State != StateClosed {
			s.Failed++
			continue
		}
		s.Closed++
		s.ByReason[e.ExitReason]++
		s.PnL = s.PnL.Add(e.PnL)
		s.ByStrat[e.StrategyID] = s.ByStrat[e.StrategyID].Add(e.PnL)
		switch {
		case e.PnL.IsPositive():
			s.Wins++
		case e.PnL.IsNegative():
			s.Losses++
		}
	}
	return s
}

// WinRate is the share of closed trades that made money.
func (s Summary) WinRate() decimal.Decimal {
	if s.Closed == 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(int64(s.Wins)).Div(decimal.NewFromInt(int64(s.Closed))).Round(4)
}
