package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

// TradeIntent is a strategy's request to open a position. Consumed once.
type TradeIntent struct {
	ID               string          `json:"id"`
	StrategyID       string          `json:"strategyId"`
	Instrument       Instrument      `json:"instrument"`
	Direction        Direction       `json:"direction"`
	Qty              int64           `json:"qty"`
	Price            decimal.Decimal `json:"price"`
	StopMultiplier   decimal.Decimal `json:"stopMultiplier"`
	TargetMultiplier decimal.Decimal `json:"targetMultiplier"`
	OrderType        OrderType       `json:"orderType"`
	Deadline         time.Time       `json:"deadline"`
	RequestedAt      time.Time       `json:"requestedAt"`
	Reason           string          `json:"reason,omitempty"`
}

// Capital is the premium committed by the intent: price × qty × multiplier.
func (t TradeIntent) Capital() decimal.Decimal {
	return t.Price.
		Mul(decimal.NewFromInt(t.Qty)).
		Mul(decimal.NewFromInt(t.Instrument.ContractMultiplier()))
}
