package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

// PositionStatus is the coarse lifecycle of a position.
type PositionStatus uint8

const (
	PositionStatusUnknown PositionStatus = iota
	PositionStatusOpen
	PositionStatusBracketed
	PositionStatusClosing
	PositionStatusClosed
)

func (s PositionStatus) String() string {
	switch s {
	case PositionStatusOpen:
		return "open"
	case PositionStatusBracketed:
		return "bracketed"
	case PositionStatusClosing:
		return "closing"
	case PositionStatusClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ExitReason records why a position was closed.
type ExitReason string

const (
	ExitNone           ExitReason = ""
	ExitStopped        ExitReason = "stopped"
	ExitTargetHit      ExitReason = "target-hit"
	ExitTimed          ExitReason = "timed-exit"
	ExitManual         ExitReason = "manual"
	ExitStrategy       ExitReason = "strategy-exit"
	ExitShutdown       ExitReason = "shutdown"
	ExitPartialUnwound ExitReason = "partial-unwound"
	ExitExternal       ExitReason = "closed-externally"
)

// Position is one live trade of a strategy on an instrument.
type Position struct {
	ID                 string          `json:"id"`
	StrategyID         string          `json:"strategyId"`
	ReservationID      string          `json:"reservationId"`
	Instrument         Instrument      `json:"instrument"`
	Direction          Direction       `json:"direction"`
	EntryOrderIDs      []string        `json:"entryOrderIds"`
	ProtectiveOrderIDs []string        `json:"protectiveOrderIds"`
	Qty                int64           `json:"qty"`
	EntryPrice         decimal.Decimal `json:"entryPrice"`
	StopPrice          decimal.Decimal `json:"stopPrice"`
	TargetPrice        decimal.Decimal `json:"targetPrice"`
	Capital            decimal.Decimal `json:"capital"`
	ExitPrice          decimal.Decimal `json:"exitPrice"`
	OpenedAt           time.Time       `json:"openedAt"`
	ClosedAt           time.Time       `json:"closedAt"`
	Deadline           time.Time       `json:"deadline"`
	Status             PositionStatus  `json:"status"`
	Degraded           bool            `json:"degraded"`
	ExitReason         ExitReason      `json:"exitReason,omitempty"`
}

// PnL returns the realized profit of a closed position.
func (p Position) PnL() decimal.Decimal {
	if p.ExitPrice.IsZero() || p.Qty == 0 {
		return decimal.Zero
	}
	diff := p.ExitPrice.Sub(p.EntryPrice)
	if p.Direction == DirectionSell {
		diff = diff.Neg()
	}
	return diff.Mul(decimal.NewFromInt(p.Qty)).Mul(decimal.NewFromInt(p.Instrument.ContractMultiplier()))
}
