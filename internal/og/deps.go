package og

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"optrader/internal/risk"
	"optrader/internal/schema"
)

// Gateway is the order surface of the gateway session.
type Gateway interface {
	PlaceOrder(ctx context.Context, req schema.OrderRequest) (string, error)
	CancelOrder(ctx context.Context, clientOrderID string) error
	OrderStatus(ctx context.Context, clientOrderID string) (schema.OrderReport, error)
}

// Ledger is the part of the risk ledger a trade settles against.
type Ledger interface {
	Consume(res risk.Reservation, positionID string) error
	Release(res risk.Reservation) error
	RecordFill(position schema.Position) error
}

// Listener observes a trade. Calls happen on the goroutine applying the
// trade's messages and must not block.
type Listener interface {
	// OrderCreated is called before an order is submitted.
	OrderCreated(tradeID, clientOrderID string)
	Transitioned(tr Transition)
	// Degraded is called when the position loses a protective leg.
	Degraded(position schema.Position, err error)
	// Repaired is called when a degraded position is protected again or closed.
	Repaired(position schema.Position)
}

// NopListener ignores every notification.
type NopListener struct{}

func (NopListener) OrderCreated(string, string)     {}
func (NopListener) Transitioned(Transition)         {}
func (NopListener) Degraded(schema.Position, error) {}
func (NopListener) Repaired(schema.Position)        {}

// Config controls order handling of every trade.
type Config struct {
	// CompletenessThreshold is the filled fraction of an interrupted entry at or
	// above which the partial position is bracketed instead of flattened.
	CompletenessThreshold decimal.Decimal
	// OrderTimeout bounds every gateway call.
	OrderTimeout time.Duration
	// EntryFillTimeout cancels a working entry that has not completed in time.
	// Zero disables it.
	EntryFillTimeout time.Duration
	// PriceDecimals rounds protective prices.
	PriceDecimals int32
	// MailboxSize is the capacity of a trade's message queue.
	MailboxSize int
	// Clock stamps transitions. Defaults to time.Now.
	Clock func() time.Time
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		CompletenessThreshold: decimal.NewFromFloat(0.5),
		OrderTimeout:          10 * time.Second,
		EntryFillTimeout:      2 * time.Minute,
		PriceDecimals:         2,
		MailboxSize:           1024,
		Clock:                 time.Now,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.CompletenessThreshold.IsNegative() || c.CompletenessThreshold.GreaterThan(decimal.NewFromInt(1)) {
		c.CompletenessThreshold = def.CompletenessThreshold
	}
	if c.OrderTimeout <= 0 {
		c.OrderTimeout = def.OrderTimeout
	}
	if c.PriceDecimals <= 0 {
		c.PriceDecimals = def.PriceDecimals
	}
	if c.MailboxSize <= 0 {
		c.MailboxSize = def.MailboxSize
	}
	if c.Clock == nil {
		c.Clock = def.Clock
	}
	return c
}
