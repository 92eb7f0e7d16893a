package state

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"optrader/internal/og"
	"optrader/internal/risk"
	"optrader/internal/schema"
	"optrader/pkg/exception"
)

var (
	testExpiry = time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	testOption = schema.Option("XYZ", schema.RightCall, decimal.NewFromInt(50), testExpiry)
)

func bracketedTrade(id string, stopStatus, targetStatus schema.OrderStatus) og.Snapshot {
	return og.Snapshot{
		ID:    id,
		State: og.StateBracketed,
		Position: schema.Position{
			ID:         id,
			StrategyID: "A",
			Instrument: testOption,
			Direction:  schema.DirectionBuy,
			Qty:        2,
			EntryPrice: decimal.RequireFromString("0.75"),
			Capital:    decimal.NewFromInt(150),
			Status:     schema.PositionStatusBracketed,
		},
		Orders: []schema.Order{
			{ClientOrderID: id + "-e", Role: schema.OrderRoleEntry, Direction: schema.DirectionBuy, Qty: 2, FilledQty: 2, Status: schema.OrderStatusFilled},
			{ClientOrderID: id + "-s", Role: schema.OrderRoleStop, Direction: schema.DirectionSell, Qty: 2, Status: stopStatus},
			{ClientOrderID: id + "-t", Role: schema.OrderRoleTarget, Direction: schema.DirectionSell, Qty: 2, Status: targetStatus},
		},
	}
}

func workingTrade(id string) og.Snapshot {
	return og.Snapshot{
		ID:    id,
		State: og.StateWorking,
		Position: schema.Position{
			ID:         id,
			StrategyID: "A",
			Instrument: testOption,
			Direction:  schema.DirectionBuy,
			Capital:    decimal.NewFromInt(150),
			Status:     schema.PositionStatusOpen,
		},
		Orders: []schema.Order{
			{ClientOrderID: id + "-e", Role: schema.OrderRoleEntry, Direction: schema.DirectionBuy, Qty: 2, Status: schema.OrderStatusWorking},
		},
	}
}

func liveReports(ids ...string) map[string]schema.OrderReport {
	reports := make(map[string]schema.OrderReport, len(ids))
	for _, id := range ids {
		reports[id] = schema.OrderReport{ClientOrderID: id, Status: schema.OrderStatusWorking, Qty: 2}
	}
	return reports
}

func TestFileStore(t *testing.T) {
	ctx := context.Background()
	store := NewFileStore(filepath.Join(t.TempDir(), "nested"))

	_, ok, err := store.Latest(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	saved := DayState{
		Day:     "2026-03-02",
		Ledger:  risk.Snapshot{Day: "2026-03-02", Committed: "150"},
		Trades:  []og.Snapshot{bracketedTrade("p1", schema.OrderStatusWorking, schema.OrderStatusWorking)},
		SavedAt: time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC),
	}
	require.NoError(t, store.Save(ctx, saved))

	loaded, ok, err := store.Latest(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, saved.Day, loaded.Day)
	assert.Equal(t, saved.Ledger.Committed, loaded.Ledger.Committed)
	require.Len(t, loaded.Trades, 1)
	assert.Equal(t, og.StateBracketed, loaded.Trades[0].State)
	assert.True(t, loaded.Trades[0].Position.EntryPrice.Equal(decimal.RequireFromString("0.75")))
	assert.Equal(t, testOption.Key(), loaded.Trades[0].Position.Instrument.Key())

	entries, err := os.ReadDir(filepath.Dir(store.Path()))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp file left behind")
}

func TestFileStoreCorrupt(t *testing.T) {
	store := NewFileStore(t.TempDir())
	require.NoError(t, os.WriteFile(store.Path(), []byte("{"), 0o644))
	_, _, err := store.Latest(context.Background())
	assert.Error(t, err)
}

func TestSQLiteStore(t *testing.T) {
	ctx := context.Background()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "db", "state.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	_, ok, err := store.Latest(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	first := DayState{Day: "2026-03-02", Ledger: risk.Snapshot{Day: "2026-03-02", Committed: "0"}, SavedAt: time.Now()}
	require.NoError(t, store.Save(ctx, first))
	second := DayState{
		Day:     "2026-03-03",
		Ledger:  risk.Snapshot{Day: "2026-03-03", Committed: "150"},
		Trades:  []og.Snapshot{bracketedTrade("p1", schema.OrderStatusWorking, schema.OrderStatusWorking)},
		SavedAt: time.Now(),
	}
	require.NoError(t, store.Save(ctx, second))
	second.Ledger.Committed = "75"
	require.NoError(t, store.Save(ctx, second))

	loaded, ok, err := store.Latest(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "2026-03-03", loaded.Day)
	assert.Equal(t, "75", loaded.Ledger.Committed)
	require.Len(t, loaded.Trades, 1)
	assert.Equal(t, "p1", loaded.Trades[0].ID)
}

func TestPGOptionConnString(t *testing.T) {
	assert.Equal(t, "host=localhost port=5432 sslmode=disable", PGOption{}.connString())
	assert.Equal(t, "host=db port=6543 user=trader password='p w\\'s' dbname=engine sslmode=require application_name=optrader connect_timeout=5",
		PGOption{
			Host:     "db",
			Port:     6543,
			User:     "trader",
			Password: `p w's`,
			Database: "engine",
			SSLMode:  "require",
			Params:   map[string]string{"connect_timeout": "5", "application_name": "optrader"},
		}.connString())
	assert.Equal(t, "postgres://x", PGOption{ConnString: "postgres://x", Host: "db"}.connString())
}

func TestPGOptionValidate(t *testing.T) {
	require.NoError(t, PGOption{}.Validate())
	require.NoError(t, PGOption{ConnString: "postgres://x", Port: -1}.Validate())

	for name, opt := range map[string]PGOption{
		"port":     {Port: 70000},
		"sslmode":  {SSLMode: "maybe"},
		"empty":    {Params: map[string]string{"": "x"}},
		"reserved": {Params: map[string]string{"sslmode": "require"}},
	} {
		t.Run(name, func(t *testing.T) {
			require.ErrorIs(t, opt.Validate(), exception.ErrInvalidArgument)
		})
	}
	_, err := NewPGStore(PGOption{SSLMode: "maybe"})
	require.ErrorIs(t, err, exception.ErrInvalidArgument)
}

func TestDayStateRow(t *testing.T) {
	st := DayState{Day: "2026-03-02", Trades: []og.Snapshot{bracketedTrade("p1", schema.OrderStatusWorking, schema.OrderStatusWorking)}}
	row, err := encodeRow(st)
	require.NoError(t, err)
	assert.Equal(t, "2026-03-02", row.Day)

	back, err := decodeRow(row)
	require.NoError(t, err)
	require.Len(t, back.Trades, 1)
	assert.Equal(t, "p1", back.Trades[0].ID)

	_, err = decodeRow(dayStateRow{Day: "x", Payload: "nope"})
	assert.Error(t, err)
}

func TestReconcileBracketed(t *testing.T) {
	saved := bracketedTrade("p1", schema.OrderStatusWorking, schema.OrderStatusWorking)
	rec := Reconcile([]og.Snapshot{saved}, liveReports("p1-s", "p1-t"),
		[]schema.Holding{{Instrument: testOption, Qty: 2}})

	require.Len(t, rec.Dispositions, 1)
	d := rec.Dispositions[0]
	assert.Equal(t, ActionAdopt, d.Action)
	assert.False(t, d.Degraded)
	assert.Equal(t, og.StateBracketed, d.Trade.State)
	assert.Empty(t, rec.Unclaimed)
}

func TestReconcileMissingLeg(t *testing.T) {
	saved := bracketedTrade("p1", schema.OrderStatusWorking, schema.OrderStatusWorking)
	rec := Reconcile([]og.Snapshot{saved}, liveReports("p1-s"),
		[]schema.Holding{{Instrument: testOption, Qty: 2}})

	require.Len(t, rec.Dispositions, 1)
	d := rec.Dispositions[0]
	assert.Equal(t, ActionAdopt, d.Action)
	assert.True(t, d.Degraded)
	assert.Equal(t, og.StateFilled, d.Trade.State)
	assert.Equal(t, schema.OrderStatusCancelled, d.Trade.Orders[2].Status)
	// the saved snapshot is untouched
	assert.Equal(t, schema.OrderStatusWorking, saved.Orders[2].Status)
}

func TestReconcileNoHolding(t *testing.T) {
	saved := bracketedTrade("p1", schema.OrderStatusWorking, schema.OrderStatusWorking)
	reports := map[string]schema.OrderReport{
		"p1-s": {ClientOrderID: "p1-s", Status: schema.OrderStatusFilled, Qty: 2, FilledQty: 2, AvgFillPrice: decimal.RequireFromString("0.53")},
		"p1-t": {ClientOrderID: "p1-t", Status: schema.OrderStatusCancelled, Qty: 2},
	}
	rec := Reconcile([]og.Snapshot{saved}, reports, nil)

	require.Len(t, rec.Dispositions, 1)
	assert.Equal(t, ActionArchive, rec.Dispositions[0].Action)
	assert.Equal(t, int64(2), rec.Dispositions[0].Trade.Orders[1].FilledQty)
}

func TestReconcileSharesHoldings(t *testing.T) {
	a := bracketedTrade("a", schema.OrderStatusWorking, schema.OrderStatusWorking)
	b := bracketedTrade("b", schema.OrderStatusWorking, schema.OrderStatusWorking)
	b.Position.StrategyID = "B"
	closed := bracketedTrade("c", schema.OrderStatusCancelled, schema.OrderStatusFilled)
	closed.State = og.StateClosed
	other := schema.Equity("QQQ")

	rec := Reconcile([]og.Snapshot{a, b, closed}, liveReports("a-s", "a-t", "b-s", "b-t"),
		[]schema.Holding{{Instrument: testOption, Qty: 3}, {Instrument: other, Qty: -10}})

	require.Len(t, rec.Dispositions, 2, "closed trades are not restored")
	assert.Equal(t, ActionAdopt, rec.Dispositions[0].Action)
	assert.Equal(t, int64(2), rec.Dispositions[0].Trade.Position.Qty)
	assert.Equal(t, ActionAdopt, rec.Dispositions[1].Action)
	assert.Equal(t, int64(1), rec.Dispositions[1].Trade.Position.Qty, "clamped to what is left")

	require.Len(t, rec.Unclaimed, 1)
	assert.Equal(t, other.Key(), rec.Unclaimed[0].Instrument.Key())
	assert.Equal(t, int64(-10), rec.Unclaimed[0].Qty)
}

func TestReconcileEntryFilledOffline(t *testing.T) {
	saved := workingTrade("w")
	reports := map[string]schema.OrderReport{
		"w-e": {ClientOrderID: "w-e", Status: schema.OrderStatusFilled, Qty: 2, FilledQty: 2, AvgFillPrice: decimal.RequireFromString("0.75")},
	}
	rec := Reconcile([]og.Snapshot{saved}, reports, []schema.Holding{{Instrument: testOption, Qty: 2}})

	require.Len(t, rec.Dispositions, 1)
	d := rec.Dispositions[0]
	assert.Equal(t, ActionAdopt, d.Action)
	assert.True(t, d.Degraded)
	assert.Empty(t, d.Cancel)
	assert.Equal(t, int64(2), d.Trade.Position.Qty)
	assert.Equal(t, schema.OrderStatusFilled, d.Trade.Orders[0].Status)
	assert.Empty(t, rec.Unclaimed)
}

func TestReconcilePartialEntryCancelsRemainder(t *testing.T) {
	saved := workingTrade("w")
	reports := map[string]schema.OrderReport{
		"w-e": {ClientOrderID: "w-e", Status: schema.OrderStatusPartiallyFilled, Qty: 2, FilledQty: 1, AvgFillPrice: decimal.RequireFromString("0.75")},
	}
	rec := Reconcile([]og.Snapshot{saved}, reports, []schema.Holding{{Instrument: testOption, Qty: 1}})

	require.Len(t, rec.Dispositions, 1)
	d := rec.Dispositions[0]
	assert.Equal(t, ActionAdopt, d.Action)
	assert.Equal(t, []string{"w-e"}, d.Cancel)
	assert.Equal(t, int64(1), d.Trade.Position.Qty)
	assert.Equal(t, schema.OrderStatusCancelled, d.Trade.Orders[0].Status)
	assert.Equal(t, schema.OrderStatusWorking, saved.Orders[0].Status)
}

func TestReconcileUnfilledEntryArchived(t *testing.T) {
	rec := Reconcile([]og.Snapshot{workingTrade("w")}, liveReports("w-e"),
		[]schema.Holding{{Instrument: testOption, Qty: 1}})

	require.Len(t, rec.Dispositions, 1)
	d := rec.Dispositions[0]
	assert.Equal(t, ActionArchive, d.Action)
	assert.Equal(t, "entry not filled", d.Reason)
	assert.True(t, d.Trade.Orders[0].Status.Live(), "left live for the caller to cancel")
	require.Len(t, rec.Unclaimed, 1)
	assert.Equal(t, int64(1), rec.Unclaimed[0].Qty)
}

func TestReconcileUnclaimedWithoutTrades(t *testing.T) {
	rec := Reconcile(nil, nil, []schema.Holding{{Instrument: testOption, Qty: -2}})
	assert.Empty(t, rec.Dispositions)
	require.Len(t, rec.Unclaimed, 1)
	assert.Equal(t, int64(-2), rec.Unclaimed[0].Qty)
}

func TestOpenTradesAndDay(t *testing.T) {
	open := bracketedTrade("a", schema.OrderStatusWorking, schema.OrderStatusWorking)
	working := workingTrade("w")
	intent := og.Snapshot{ID: "i", State: og.StateIntent}
	rejected := og.Snapshot{ID: "r", State: og.StateRejected}
	assert.Len(t, OpenTrades([]og.Snapshot{open, working, intent, rejected}), 2)
	assert.Equal(t, "2026-03-02", DayOf(testExpiry))
}
