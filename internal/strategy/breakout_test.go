package strategy

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"optrader/internal/marketdata"
	"optrader/internal/risk"
	"optrader/internal/schema"
	"optrader/pkg/exception"
)

func dec(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

type fakeView struct {
	quotes map[string]schema.Quote
	status marketdata.Status
}

func (v *fakeView) GetQuote(inst schema.Instrument, _ time.Duration) (schema.Quote, marketdata.Status) {
	q, ok := v.quotes[inst.Key()]
	if !ok {
		return schema.Quote{}, marketdata.StatusUnknown
	}
	return q, v.status
}

func (v *fakeView) set(symbol, last string, volume int64) {
	v.quotes[schema.Equity(symbol).Key()] = schema.Quote{Instrument: schema.Equity(symbol), Last: dec(last), Volume: volume}
}

func testSettings() Settings {
	return Settings{
		Tickers:          []string{"XYZ"},
		ScanInterval:     time.Minute,
		MaxQuoteAge:      5 * time.Second,
		StopMultiplier:   dec("0.6"),
		TargetMultiplier: dec("1.2"),
		RiskPerTrade:     dec("100"),
		Params:           map[string]string{"range_duration": "10m"},
	}
}

func TestSizeToRisk(t *testing.T) {
	testCases := []struct {
		desc     string
		premium  string
		risk     string
		expected int64
	}{
		{"exact fit", "0.75", "150", 2},
		{"one contract", "1.5", "150", 1},
		{"rounds down", "0.77", "100", 1},
		{"too expensive", "2", "150", 0},
		{"zero premium", "0", "150", 0},
		{"zero risk", "1", "0", 0},
	}
	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			assert.Equal(t, tc.expected, SizeToRisk(dec(tc.premium), 100, dec(tc.risk)))
		})
	}
}

func TestRegistry(t *testing.T) {
	assert.Equal(t, []string{KindBreakout}, Kinds())

	s, err := New(KindBreakout, "orb", testSettings())
	require.NoError(t, err)
	assert.Equal(t, "orb", s.ID())
	assert.Equal(t, []schema.Instrument{schema.Equity("XYZ")}, s.Instruments())

	_, err = New("martingale", "m", testSettings())
	require.ErrorIs(t, err, exception.ErrUnknownStrategy)

	bad := testSettings()
	bad.Params = map[string]string{"volume_multiplier": "lots"}
	_, err = New(KindBreakout, "orb", bad)
	require.ErrorIs(t, err, exception.ErrInvalidArgument)
}

func TestBaseDecideFitsBudget(t *testing.T) {
	base := NewBase("a", testSettings())
	intent := schema.TradeIntent{
		Instrument: schema.Option("XYZ", schema.RightCall, dec("50"), time.Now()),
		Qty:        5,
		Price:      dec("0.5"),
	}

	got, ok := base.Decide(intent, risk.RiskBudget{RiskPerTrade: dec("150")})
	require.True(t, ok)
	assert.Equal(t, int64(3), got.Qty)

	got, ok = base.Decide(intent, risk.RiskBudget{RiskPerTrade: dec("1000"), Allocation: dec("300"), Committed: dec("200")})
	require.True(t, ok)
	assert.Equal(t, int64(2), got.Qty)

	_, ok = base.Decide(intent, risk.RiskBudget{RiskPerTrade: dec("40")})
	assert.False(t, ok)

	_, ok = base.Decide(intent, risk.RiskBudget{RiskPerTrade: dec("1000"), Halted: true})
	assert.False(t, ok)
}

func TestBreakoutEmitsCallAfterRange(t *testing.T) {
	s, err := NewBreakout("orb", testSettings())
	require.NoError(t, err)
	view := &fakeView{quotes: map[string]schema.Quote{}, status: marketdata.StatusFresh}
	open := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)

	scan := func(at time.Time, last string, volume int64) []schema.TradeIntent {
		t.Helper()
		s.OnTick(t.Context(), at)
		view.set("XYZ", last, volume)
		intents, err := s.Scan(t.Context(), view)
		require.NoError(t, err)
		return intents
	}

	assert.Empty(t, scan(open, "50", 1000))
	assert.Empty(t, scan(open.Add(5*time.Minute), "50.5", 2000))
	assert.Empty(t, scan(open.Add(10*time.Minute), "50.2", 2500))
	assert.Empty(t, scan(open.Add(11*time.Minute), "51", 3000), "volume below threshold")

	intents := scan(open.Add(12*time.Minute), "51", 4300)
	require.Len(t, intents, 1)
	in := intents[0]
	assert.Equal(t, "orb", in.StrategyID)
	assert.Equal(t, schema.RightCall, in.Instrument.Right)
	assert.True(t, in.Instrument.Strike.Equal(dec("51")))
	assert.True(t, in.Price.Equal(dec("0.77")), in.Price.String())
	assert.Equal(t, int64(1), in.Qty)
	assert.True(t, in.StopMultiplier.Equal(dec("0.6")))
	assert.True(t, in.TargetMultiplier.Equal(dec("1.2")))
	assert.Equal(t, open.Year(), in.Instrument.Expiry.Year())
	assert.Equal(t, open.YearDay(), in.Instrument.Expiry.YearDay())

	assert.Empty(t, scan(open.Add(13*time.Minute), "52", 6000), "one attempt per ticker")

	s.(RejectionAware).OnReject(in, exception.ErrRiskRejected)
	intents = scan(open.Add(14*time.Minute), "52", 8000)
	require.Len(t, intents, 1)

	pos := schema.Position{Instrument: in.Instrument, Qty: 1}
	assert.False(t, s.ShouldExit(pos, schema.Quote{Last: dec("50.1")}))
	assert.True(t, s.ShouldExit(pos, schema.Quote{Last: dec("49.9")}))
}

func TestBreakoutEmitsPutBelowRange(t *testing.T) {
	s, err := NewBreakout("orb", testSettings())
	require.NoError(t, err)
	view := &fakeView{quotes: map[string]schema.Quote{}, status: marketdata.StatusFresh}
	open := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)

	for i, step := range []struct {
		last   string
		volume int64
	}{{"50", 1000}, {"49.8", 2000}, {"50.1", 2100}, {"49", 4000}} {
		s.OnTick(t.Context(), open.Add(time.Duration(i)*5*time.Minute))
		view.set("XYZ", step.last, step.volume)
		intents, err := s.Scan(t.Context(), view)
		require.NoError(t, err)
		if i < 3 {
			assert.Empty(t, intents)
			continue
		}
		require.Len(t, intents, 1)
		assert.Equal(t, schema.RightPut, intents[0].Instrument.Right)
	}
}

// A stale quote yields no intent for that cycle.
func TestBreakoutIgnoresStaleQuotes(t *testing.T) {
	s, err := NewBreakout("orb", testSettings())
	require.NoError(t, err)
	view := &fakeView{quotes: map[string]schema.Quote{}, status: marketdata.StatusFresh}
	open := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)

	for i, step := range []struct {
		last   string
		volume int64
	}{{"50", 1000}, {"50.5", 2000}, {"50.2", 2500}} {
		s.OnTick(t.Context(), open.Add(time.Duration(i)*5*time.Minute))
		view.set("XYZ", step.last, step.volume)
		_, err := s.Scan(t.Context(), view)
		require.NoError(t, err)
	}

	view.status = marketdata.StatusStale
	s.OnTick(t.Context(), open.Add(16*time.Minute))
	view.set("XYZ", "55", 9000)
	intents, err := s.Scan(t.Context(), view)
	require.NoError(t, err)
	assert.Empty(t, intents)
}

func TestBreakoutResetsOnNewDay(t *testing.T) {
	s, err := NewBreakout("orb", testSettings())
	require.NoError(t, err)
	b := s.(*Breakout)
	view := &fakeView{quotes: map[string]schema.Quote{}, status: marketdata.StatusFresh}
	day := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)

	s.OnTick(t.Context(), day)
	view.set("XYZ", "50", 1000)
	_, err = s.Scan(t.Context(), view)
	require.NoError(t, err)
	assert.Len(t, b.ranges, 1)

	s.OnTick(t.Context(), day.AddDate(0, 0, 1))
	assert.Empty(t, b.ranges)
}
