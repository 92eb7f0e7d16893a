package og

import (
	"time"

	"optrader/internal/schema"
)

// TradeState is the lifecycle state of one trade attempt.
type TradeState uint16

const (
	StateIntent TradeState = iota
	StateSubmitting
	StateWorking
	StateFilled
	StateBracketed
	StateStopped
	StateTargetHit
	StateTimedExit
	StateManuallyClosed
	StateUnwinding
	StateClosed
	StateRejected
	StateCancelledBeforeFill
	StateEntryFailed
)

func (s TradeState) String() string {
	switch s {
	case StateIntent:
		return "Intent"
	case StateSubmitting:
		return "Submitting"
	case StateWorking:
		return "Working"
	case StateFilled:
		return "Filled"
	case StateBracketed:
		return "Bracketed"
	case StateStopped:
		return "Stopped"
	case StateTargetHit:
		return "TargetHit"
	case StateTimedExit:
		return "TimedExit"
	case StateManuallyClosed:
		return "ManuallyClosed"
	case StateUnwinding:
		return "Unwinding"
	case StateClosed:
		return "Closed"
	case StateRejected:
		return "Rejected"
	case StateCancelledBeforeFill:
		return "CancelledBeforeFill"
	case StateEntryFailed:
		return "EntryFailed"
	default:
		return "Unknown"
	}
}

// Terminal reports whether the trade is finished.
func (s TradeState) Terminal() bool {
	switch s {
	case StateClosed, StateRejected, StateCancelledBeforeFill, StateEntryFailed:
		return true
	default:
		return false
	}
}

// Exiting reports whether the trade is unwinding its position.
func (s TradeState) Exiting() bool {
	switch s {
	case StateStopped, StateTargetHit, StateTimedExit, StateManuallyClosed, StateUnwinding:
		return true
	default:
		return false
	}
}

// Pending reports whether the entry order is still being worked.
func (s TradeState) Pending() bool {
	return s == StateSubmitting || s == StateWorking
}

// HoldsPosition reports whether the trade has an open position.
func (s TradeState) HoldsPosition() bool {
	return s == StateFilled || s == StateBracketed || s.Exiting()
}

func (s TradeState) positionStatus() schema.PositionStatus {
	switch {
	case s == StateBracketed:
		return schema.PositionStatusBracketed
	case s == StateClosed:
		return schema.PositionStatusClosed
	case s.Exiting():
		return schema.PositionStatusClosing
	default:
		return schema.PositionStatusOpen
	}
}

// Transition is emitted for every state change.
type Transition struct {
	TradeID    string
	StrategyID string
	From       TradeState
	To         TradeState
	Reason     string
	Position   schema.Position
	At         time.Time
}
