package strategy

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"optrader/internal/marketdata"
	"optrader/internal/schema"
	"optrader/pkg/exception"
)

const KindBreakout = "breakout"

const (
	paramVolumeMultiplier = "volume_multiplier"
	paramPremiumRate      = "premium_rate"
	paramRangeDuration    = "range_duration"
)

var (
	defaultVolumeMultiplier = decimal.NewFromFloat(1.2)
	defaultPremiumRate      = decimal.NewFromFloat(0.015)
	defaultRangeDuration    = 15 * time.Minute
)

type openingRange struct {
	start       time.Time
	high        decimal.Decimal
	low         decimal.Decimal
	rangeVolume int64
	lastVolume  int64
	formed      bool
	traded      bool
}

// Breakout buys a same-day call when the underlying breaks above its opening
// range on rising volume, and a put when it breaks below.
type Breakout struct {
	Base
	volumeMultiplier decimal.Decimal
	premiumRate      decimal.Decimal
	rangeDuration    time.Duration

	mu     sync.Mutex
	now    time.Time
	day    string
	ranges map[string]*openingRange
}

// NewBreakout is the breakout factory.
func NewBreakout(id string, settings Settings) (Strategy, error) {
	if len(settings.Tickers) == 0 {
		return nil, errors.Wrap(exception.ErrInvalidArgument, "no tickers")
	}
	b := &Breakout{
		Base:             NewBase(id, settings),
		volumeMultiplier: defaultVolumeMultiplier,
		premiumRate:      defaultPremiumRate,
		rangeDuration:    defaultRangeDuration,
		ranges:           make(map[string]*openingRange),
	}
	if v, ok := settings.Params[paramVolumeMultiplier]; ok {
		d, err := decimal.NewFromString(v)
		if err != nil || !d.IsPositive() {
			return nil, errors.Wrapf(exception.ErrInvalidArgument, "%s %q", paramVolumeMultiplier, v)
		}
		b.volumeMultiplier = d
	}
	if v, ok := settings.Params[paramPremiumRate]; ok {
		d, err := decimal.NewFromString(v)
		if err != nil || !d.IsPositive() {
			return nil, errors.Wrapf(exception.ErrInvalidArgument, "%s %q", paramPremiumRate, v)
		}
		b.premiumRate = d
	}
	if v, ok := settings.Params[paramRangeDuration]; ok {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return nil, errors.Wrapf(exception.ErrInvalidArgument, "%s %q", paramRangeDuration, v)
		}
		b.rangeDuration = d
	}
	return b, nil
}

// OnTick advances the strategy clock and forgets the ranges on a new day.
func (b *Breakout) OnTick(_ context.Context, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
	if day := now.Format("2006-01-02"); day != b.day {
		b.day = day
		b.ranges = make(map[string]*openingRange)
	}
}

// Scan builds the opening range from the first quotes of the day, then emits
// at most one intent per ticker per day. Tickers without a fresh quote are skipped.
func (b *Breakout) Scan(ctx context.Context, view MarketView) ([]schema.TradeIntent, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	settings := b.Settings()
	var intents []schema.TradeIntent
	for _, ticker := range settings.Tickers {
		if err := ctx.Err(); err != nil {
			return intents, err
		}
		q, status := view.GetQuote(schema.Equity(ticker), settings.MaxQuoteAge)
		if status != marketdata.StatusFresh {
			logs.Warnf("strategy %s skipped %s, quote %s", b.ID(), ticker, status)
			continue
		}
		if intent, ok := b.observe(ticker, q); ok {
			intents = append(intents, intent)
		}
	}
	return intents, nil
}

func (b *Breakout) observe(ticker string, q schema.Quote) (schema.TradeIntent, bool) {
	price := q.Mark()
	if !price.IsPositive() {
		return schema.TradeIntent{}, false
	}
	r, ok := b.ranges[ticker]
	if !ok {
		r = &openingRange{start: b.now, high: price, low: price, lastVolume: q.Volume}
		b.ranges[ticker] = r
		return schema.TradeIntent{}, false
	}
	interval := q.Volume - r.lastVolume
	if interval < 0 {
		interval = 0
	}
	r.lastVolume = q.Volume

	if !r.formed {
		if b.now.Sub(r.start) < b.rangeDuration {
			r.high = decimal.Max(r.high, price)
			r.low = decimal.Min(r.low, price)
			r.rangeVolume = max(r.rangeVolume, interval)
			return schema.TradeIntent{}, false
		}
		r.formed = true
		logs.Infof("strategy %s opening range %s: high %s, low %s, volume %d", b.ID(), ticker, r.high, r.low, r.rangeVolume)
	}
	if r.traded {
		return schema.TradeIntent{}, false
	}

	threshold := decimal.NewFromInt(r.rangeVolume).Mul(b.volumeMultiplier)
	if !decimal.NewFromInt(interval).GreaterThan(threshold) {
		return schema.TradeIntent{}, false
	}
	var right schema.OptionRight
	switch {
	case price.GreaterThan(r.high):
		right = schema.RightCall
	case price.LessThan(r.low):
		right = schema.RightPut
	default:
		return schema.TradeIntent{}, false
	}
	intent, ok := b.intent(ticker, right, price, interval)
	r.traded = ok
	return intent, ok
}

func (b *Breakout) intent(ticker string, right schema.OptionRight, price decimal.Decimal, volume int64) (schema.TradeIntent, bool) {
	settings := b.Settings()
	premium := price.Mul(b.premiumRate).Round(2)
	expiry := time.Date(b.now.Year(), b.now.Month(), b.now.Day(), 0, 0, 0, 0, b.now.Location())
	option := schema.Option(ticker, right, price.Round(0), expiry)
	qty := SizeToRisk(premium, option.ContractMultiplier(), settings.RiskPerTrade)
	if qty == 0 {
		logs.Warnf("strategy %s cannot size %s: premium %s over risk %s", b.ID(), option.Key(), premium, settings.RiskPerTrade)
		return schema.TradeIntent{}, false
	}
	return schema.TradeIntent{
		ID:               fmt.Sprintf("%s-%s-%s-%d", b.ID(), strings.ToLower(ticker), right, b.now.Unix()),
		StrategyID:       b.ID(),
		Instrument:       option,
		Direction:        schema.DirectionBuy,
		Qty:              qty,
		Price:            premium,
		StopMultiplier:   settings.StopMultiplier,
		TargetMultiplier: settings.TargetMultiplier,
		OrderType:        schema.OrderTypeLimit,
		RequestedAt:      b.now,
		Reason:           fmt.Sprintf("breakout %s at %s on volume %d", right, price, volume),
	}, true
}

// OnFill logs the entry; the ticker was already marked when the intent was emitted.
func (b *Breakout) OnFill(position schema.Position) {
	logs.Infof("strategy %s entered %s x%d @ %s", b.ID(), position.Instrument.Key(), position.Qty, position.EntryPrice)
}

// ShouldExit closes when the underlying falls back through the opposite side
// of the opening range.
func (b *Breakout) ShouldExit(position schema.Position, quote schema.Quote) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.ranges[position.Instrument.Symbol]
	if !ok || !r.formed {
		return false
	}
	price := quote.Mark()
	if !price.IsPositive() {
		return false
	}
	switch position.Instrument.Right {
	case schema.RightCall:
		return price.LessThan(r.low)
	case schema.RightPut:
		return price.GreaterThan(r.high)
	}
	return false
}

// OnReject lets the ticker signal again on a later scan.
func (b *Breakout) OnReject(intent schema.TradeIntent, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	logs.Infof("strategy %s intent %s not executed: %v", b.ID(), intent.ID, err)
	if r, ok := b.ranges[intent.Instrument.Symbol]; ok {
		r.traded = false
	}
}
