package schema

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// AssetClass describes what kind of contract an instrument is.
type AssetClass uint8

const (
	AssetClassUnknown AssetClass = iota
	AssetClassEquity
	AssetClassOption
	AssetClassFuture
)

func (c AssetClass) String() string {
	switch c {
	case AssetClassEquity:
		return "equity"
	case AssetClassOption:
		return "option"
	case AssetClassFuture:
		return "future"
	default:
		return "unknown"
	}
}

// OptionRight is the call/put flag of an option contract.
type OptionRight uint8

const (
	RightNone OptionRight = iota
	RightCall
	RightPut
)

func (r OptionRight) String() string {
	switch r {
	case RightCall:
		return "C"
	case RightPut:
		return "P"
	default:
		return ""
	}
}

const expiryLayout = "20060102"

// Instrument is a resolved tradable contract. Immutable once resolved.
type Instrument struct {
	Symbol     string          `json:"symbol"`
	Class      AssetClass      `json:"class"`
	Right      OptionRight     `json:"right,omitempty"`
	Strike     decimal.Decimal `json:"strike"`
	Expiry     time.Time       `json:"expiry"`
	Multiplier int64           `json:"multiplier,omitempty"`
}

// Equity returns the equity instrument for a ticker.
func Equity(symbol string) Instrument {
	return Instrument{
		Symbol:     strings.ToUpper(symbol),
		Class:      AssetClassEquity,
		Multiplier: 1,
	}
}

// Option returns an option contract on the underlying symbol.
func Option(symbol string, right OptionRight, strike decimal.Decimal, expiry time.Time) Instrument {
	return Instrument{
		Symbol:     strings.ToUpper(symbol),
		Class:      AssetClassOption,
		Right:      right,
		Strike:     strike,
		Expiry:     expiry,
		Multiplier: 100,
	}
}

// Key identifies the instrument in caches, subscriptions and the risk ledger.
func (i Instrument) Key() string {
	switch i.Class {
	case AssetClassOption:
		return fmt.Sprintf("%s %s %s %s", i.Symbol, i.Expiry.Format(expiryLayout), i.Right, i.Strike.String())
	case AssetClassFuture:
		return fmt.Sprintf("%s %s FUT", i.Symbol, i.Expiry.Format(expiryLayout))
	default:
		return i.Symbol
	}
}

// ContractMultiplier returns the multiplier, falling back to the asset class default.
func (i Instrument) ContractMultiplier() int64 {
	if i.Multiplier > 0 {
		return i.Multiplier
	}
	if i.Class == AssetClassOption {
		return 100
	}
	return 1
}

// ExpiresOn reports whether the contract expires on the calendar day of t.
func (i Instrument) ExpiresOn(t time.Time) bool {
	if i.Expiry.IsZero() {
		return false
	}
	return i.Expiry.Format(expiryLayout) == t.Format(expiryLayout)
}

func (i Instrument) String() string {
	return i.Key()
}
