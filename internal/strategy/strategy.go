// Package strategy defines the contract every trading strategy implements and
// the static registry the runner builds them from.
package strategy

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"optrader/internal/marketdata"
	"optrader/internal/risk"
	"optrader/internal/schema"
)

// MarketView is the read-only market data a strategy scans.
type MarketView interface {
	GetQuote(instrument schema.Instrument, maxAge time.Duration) (schema.Quote, marketdata.Status)
}

// Strategy is driven by the runner: OnTick then Scan on every interval, Decide
// for each emitted intent, OnFill when an entry fills and ShouldExit while a
// position is open.
type Strategy interface {
	ID() string
	Settings() Settings
	// Instruments lists the quotes the strategy needs subscribed.
	Instruments() []schema.Instrument
	Scan(ctx context.Context, view MarketView) ([]schema.TradeIntent, error)
	// Decide may resize the intent to the budget or drop it.
	Decide(intent schema.TradeIntent, budget risk.RiskBudget) (schema.TradeIntent, bool)
	OnFill(position schema.Position)
	OnTick(ctx context.Context, now time.Time)
	// ShouldExit asks for an early close of a bracketed position. The quote is
	// of the position's underlying.
	ShouldExit(position schema.Position, quote schema.Quote) bool
}

// RejectionAware strategies are told why their intents were not executed.
type RejectionAware interface {
	OnReject(intent schema.TradeIntent, err error)
}

// Settings is the per-strategy configuration.
type Settings struct {
	Tickers          []string
	ScanInterval     time.Duration
	MaxQuoteAge      time.Duration
	StopMultiplier   decimal.Decimal
	TargetMultiplier decimal.Decimal
	RiskPerTrade     decimal.Decimal
	Params           map[string]string
}

// Base carries the id and settings and supplies default behavior.
type Base struct {
	id       string
	settings Settings
}

func NewBase(id string, settings Settings) Base {
	return Base{id: id, settings: settings}
}

func (b Base) ID() string {
	return b.id
}

func (b Base) Settings() Settings {
	return b.settings
}

// Instruments subscribes the underlying of every configured ticker.
func (b Base) Instruments() []schema.Instrument {
	out := make([]schema.Instrument, 0, len(b.settings.Tickers))
	for _, ticker := range b.settings.Tickers {
		out = append(out, schema.Equity(ticker))
	}
	return out
}

// Decide shrinks the intent to what the budget still allows.
func (b Base) Decide(intent schema.TradeIntent, budget risk.RiskBudget) (schema.TradeIntent, bool) {
	if budget.Halted {
		return intent, false
	}
	qty := SizeToRisk(intent.Price, intent.Instrument.ContractMultiplier(), budget.Remaining())
	if qty == 0 {
		return intent, false
	}
	if qty < intent.Qty {
		intent.Qty = qty
	}
	return intent, true
}

func (Base) OnFill(schema.Position) {}

func (Base) OnTick(context.Context, time.Time) {}

func (Base) ShouldExit(schema.Position, schema.Quote) bool {
	return false
}

// SizeToRisk returns the largest quantity whose premium stays within risk, or
// zero when not even one contract fits.
func SizeToRisk(premium decimal.Decimal, multiplier int64, risk decimal.Decimal) int64 {
	if !premium.IsPositive() || multiplier <= 0 || !risk.IsPositive() {
		return 0
	}
	perContract := premium.Mul(decimal.NewFromInt(multiplier))
	return risk.Div(perContract).Floor().IntPart()
}
