package risk

import (
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"optrader/internal/schema"
	"optrader/pkg/exception"
)

var expiry = time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

func dec(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func call(symbol string) schema.Instrument {
	return schema.Option(symbol, schema.RightCall, dec("500"), expiry)
}

func intent(strategy, symbol string, qty int64, premium string) schema.TradeIntent {
	return schema.TradeIntent{
		ID:         fmt.Sprintf("%s-%s-%d", strategy, symbol, qty),
		StrategyID: strategy,
		Instrument: call(symbol),
		Direction:  schema.DirectionBuy,
		Qty:        qty,
		Price:      dec(premium),
	}
}

func newLedger(t *testing.T, maxCapital string, budgets map[string]Budget) *Ledger {
	t.Helper()
	l, err := NewLedger(Config{MaxCapital: dec(maxCapital), Strategies: budgets})
	require.NoError(t, err)
	return l
}

func requireReason(t *testing.T, err error, reason Reason) {
	t.Helper()
	require.ErrorIs(t, err, exception.ErrRiskRejected)
	var rej *Rejection
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, reason, rej.Reason)
}

func TestConfigValidate(t *testing.T) {
	testCases := []struct {
		desc string
		cfg  Config
		ok   bool
	}{
		{"zero capital", Config{}, false},
		{"no strategies", Config{MaxCapital: dec("1000")}, true},
		{"zero ceiling", Config{MaxCapital: dec("1000"), Strategies: map[string]Budget{"a": {MaxDailyTrades: 1}}}, false},
		{"zero trades", Config{MaxCapital: dec("1000"), Strategies: map[string]Budget{"a": {RiskPerTrade: dec("1")}}}, false},
		{"valid", Config{MaxCapital: dec("1000"), Strategies: map[string]Budget{"a": {RiskPerTrade: dec("1"), MaxDailyTrades: 1}}}, true},
	}
	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			err := tc.cfg.Validate()
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, exception.ErrInvalidRiskConfig)
			}
		})
	}
}

func TestTryReserveReasons(t *testing.T) {
	l := newLedger(t, "1000", map[string]Budget{
		"a": {RiskPerTrade: dec("300"), MaxDailyTrades: 2},
		"b": {RiskPerTrade: dec("900"), MaxDailyTrades: 5, Allocation: dec("500")},
	})

	_, err := l.TryReserve(intent("x", "SPY", 1, "1"))
	requireReason(t, err, ReasonUnknownStrategy)

	_, err = l.TryReserve(intent("a", "SPY", 0, "1"))
	requireReason(t, err, ReasonInvalidIntent)

	_, err = l.TryReserve(intent("a", "SPY", 4, "1"))
	requireReason(t, err, ReasonRiskCeilingExceeded)

	_, err = l.TryReserve(intent("b", "SPY", 6, "1"))
	requireReason(t, err, ReasonAllocationExceeded)

	_, err = l.TryReserve(intent("a", "SPY", 3, "1"))
	require.NoError(t, err)
	_, err = l.TryReserve(intent("a", "SPY", 1, "1"))
	requireReason(t, err, ReasonDuplicatePosition)

	_, err = l.TryReserve(intent("b", "QQQ", 5, "1"))
	require.NoError(t, err)
	_, err = l.TryReserve(intent("b", "IWM", 3, "1"))
	requireReason(t, err, ReasonCapitalExceeded)

	_, err = l.TryReserve(intent("a", "QQQ", 1, "1"))
	require.NoError(t, err)
	_, err = l.TryReserve(intent("a", "IWM", 1, "1"))
	requireReason(t, err, ReasonDailyLimitReached)

	assert.True(t, l.Committed().Equal(dec("900")))
}

func TestHaltBlocksNewEntries(t *testing.T) {
	l := newLedger(t, "1000", map[string]Budget{"a": {RiskPerTrade: dec("300"), MaxDailyTrades: 5}})

	require.NoError(t, l.Halt("a", "degraded protection on p-1"))
	_, err := l.TryReserve(intent("a", "SPY", 1, "1"))
	requireReason(t, err, ReasonStrategyHalted)

	b, err := l.Budget("a")
	require.NoError(t, err)
	assert.True(t, b.Halted)

	require.NoError(t, l.Resume("a"))
	_, err = l.TryReserve(intent("a", "SPY", 1, "1"))
	require.NoError(t, err)

	require.ErrorIs(t, l.Halt("zzz", "x"), exception.ErrUnknownStrategy)
}

func TestReleaseRefundsCapitalAndSlot(t *testing.T) {
	l := newLedger(t, "1000", map[string]Budget{"a": {RiskPerTrade: dec("300"), MaxDailyTrades: 1}})

	res, err := l.TryReserve(intent("a", "SPY", 2, "1"))
	require.NoError(t, err)
	require.NoError(t, l.Release(res))
	require.ErrorIs(t, l.Release(res), exception.ErrReservationSettled)

	b, err := l.Budget("a")
	require.NoError(t, err)
	assert.Equal(t, 0, b.TradesToday)
	assert.True(t, b.Committed.IsZero())

	_, err = l.TryReserve(intent("a", "SPY", 2, "1"))
	require.NoError(t, err)
}

func TestRecordFillSettlesExactlyOnce(t *testing.T) {
	l := newLedger(t, "1000", map[string]Budget{"a": {RiskPerTrade: dec("300"), MaxDailyTrades: 3}})

	res, err := l.TryReserve(intent("a", "SPY", 2, "1.5"))
	require.NoError(t, err)

	pos := schema.Position{ID: "p-1", StrategyID: "a", ReservationID: res.ID, Instrument: call("SPY"), Qty: 2}
	require.ErrorIs(t, l.RecordFill(pos), exception.ErrReservationUnconsumed)

	require.NoError(t, l.Consume(res, "p-1"))
	require.NoError(t, l.Consume(res, "p-1"))
	require.Error(t, l.Consume(res, "p-2"))

	require.NoError(t, l.RecordFill(pos))
	require.ErrorIs(t, l.RecordFill(pos), exception.ErrReservationSettled)
	require.ErrorIs(t, l.Release(res), exception.ErrReservationSettled)

	b, err := l.Budget("a")
	require.NoError(t, err)
	assert.Equal(t, 1, b.TradesToday)
	assert.True(t, l.Committed().IsZero())

	_, err = l.TryReserve(intent("a", "SPY", 2, "1.5"))
	require.NoError(t, err)
}

func TestDailyResetKeepsCommittedCapital(t *testing.T) {
	l := newLedger(t, "1000", map[string]Budget{"a": {RiskPerTrade: dec("300"), MaxDailyTrades: 1}})
	_, err := l.TryReserve(intent("a", "SPY", 1, "1"))
	require.NoError(t, err)

	next := time.Date(2026, 3, 3, 9, 0, 0, 0, time.UTC)
	l.DailyReset(next)
	assert.Equal(t, "2026-03-03", l.Day())

	b, err := l.Budget("a")
	require.NoError(t, err)
	assert.Equal(t, 0, b.TradesToday)
	assert.True(t, b.Committed.Equal(dec("100")))

	_, err = l.TryReserve(intent("a", "SPY", 1, "1"))
	requireReason(t, err, ReasonDuplicatePosition)
}

func TestSnapshotRestoreSameDayOnly(t *testing.T) {
	budgets := map[string]Budget{"a": {RiskPerTrade: dec("300"), MaxDailyTrades: 3}}
	day := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	l := newLedger(t, "1000", budgets)
	l.DailyReset(day)
	_, err := l.TryReserve(intent("a", "SPY", 1, "1"))
	require.NoError(t, err)
	require.NoError(t, l.Halt("a", "degraded"))
	snap := l.Snapshot()

	same := newLedger(t, "1000", budgets)
	assert.True(t, same.Restore(snap, day))
	b, _ := same.Budget("a")
	assert.Equal(t, 1, b.TradesToday)
	assert.True(t, b.Halted)

	other := newLedger(t, "1000", budgets)
	assert.False(t, other.Restore(snap, day.AddDate(0, 0, 1)))
	b, _ = other.Budget("a")
	assert.Equal(t, 0, b.TradesToday)
}

func TestAdoptRegistersLivePosition(t *testing.T) {
	l := newLedger(t, "1000", map[string]Budget{"a": {RiskPerTrade: dec("300"), MaxDailyTrades: 3}})
	pos := schema.Position{ID: "p-1", StrategyID: "a", ReservationID: "r-1", Instrument: call("SPY"), Qty: 1, Capital: dec("120")}

	res, err := l.Adopt(pos)
	require.NoError(t, err)
	assert.Equal(t, "r-1", res.ID)
	assert.True(t, l.Committed().Equal(dec("120")))

	b, _ := l.Budget("a")
	assert.Equal(t, 0, b.TradesToday)

	_, err = l.TryReserve(intent("a", "SPY", 1, "1"))
	requireReason(t, err, ReasonDuplicatePosition)

	require.NoError(t, l.RecordFill(pos))
	assert.True(t, l.Committed().IsZero())
}

// Two strategies that jointly exceed the account limit: exactly one wins.
func TestConcurrentJointOvercommit(t *testing.T) {
	for range 50 {
		l := newLedger(t, "300", map[string]Budget{
			"a": {RiskPerTrade: dec("200"), MaxDailyTrades: 5},
			"b": {RiskPerTrade: dec("200"), MaxDailyTrades: 5},
		})

		var wg sync.WaitGroup
		errs := make([]error, 2)
		start := make(chan struct{})
		for i, id := range []string{"a", "b"} {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				_, errs[i] = l.TryReserve(intent(id, "SPY", 2, "1"))
			}()
		}
		close(start)
		wg.Wait()

		var ok, rejected int
		for _, err := range errs {
			if err == nil {
				ok++
				continue
			}
			requireReason(t, err, ReasonCapitalExceeded)
			rejected++
		}
		assert.Equal(t, 1, ok)
		assert.Equal(t, 1, rejected)
	}
}

func TestConcurrentReservationsNeverOvercommit(t *testing.T) {
	const maxCapital = 2000
	budgets := map[string]Budget{}
	for i := range 6 {
		budgets[fmt.Sprintf("s%d", i)] = Budget{RiskPerTrade: dec("400"), MaxDailyTrades: 3 + i}
	}
	l := newLedger(t, fmt.Sprint(maxCapital), budgets)
	symbols := []string{"SPY", "QQQ", "IWM", "AAPL", "TSLA", "NVDA", "AMD", "MSFT"}

	var (
		mu       sync.Mutex
		accepted []Reservation
		wg       sync.WaitGroup
	)
	for w := range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rng := rand.New(rand.NewSource(int64(w)))
			for range 200 {
				in := intent(
					fmt.Sprintf("s%d", rng.Intn(6)),
					symbols[rng.Intn(len(symbols))],
					int64(1+rng.Intn(3)),
					fmt.Sprintf("%d.%02d", rng.Intn(2), rng.Intn(100)),
				)
				res, err := l.TryReserve(in)
				if err != nil {
					require.ErrorIs(t, err, exception.ErrRiskRejected)
					continue
				}
				mu.Lock()
				accepted = append(accepted, res)
				mu.Unlock()

				assert.False(t, l.Committed().GreaterThan(dec(fmt.Sprint(maxCapital))))
				if rng.Intn(2) == 0 {
					require.NoError(t, l.Release(res))
				}
			}
		}()
	}
	wg.Wait()

	assert.False(t, l.Committed().GreaterThan(dec(fmt.Sprint(maxCapital))))
	for id, b := range budgets {
		got, err := l.Budget(id)
		require.NoError(t, err)
		assert.LessOrEqual(t, got.TradesToday, b.MaxDailyTrades)
	}
	assert.NotEmpty(t, accepted)
}
