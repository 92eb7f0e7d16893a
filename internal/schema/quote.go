package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

// Quote is a top-of-book snapshot for one instrument.
type Quote struct {
	Instrument Instrument      `json:"instrument"`
	Bid        decimal.Decimal `json:"bid"`
	Ask        decimal.Decimal `json:"ask"`
	Last       decimal.Decimal `json:"last"`
	Volume     int64           `json:"volume"`
	Time       time.Time       `json:"time"`
}

// Age returns how old the quote is at now.
func (q Quote) Age(now time.Time) time.Duration {
	return now.Sub(q.Time)
}

// Mark returns the last trade price, or the mid when there is no last.
func (q Quote) Mark() decimal.Decimal {
	if q.Last.IsPositive() {
		return q.Last
	}
	if q.Bid.IsPositive() && q.Ask.IsPositive() {
		return q.Bid.Add(q.Ask).Div(decimal.NewFromInt(2))
	}
	return decimal.Zero
}
