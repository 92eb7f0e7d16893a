package state

import (
	"github.com/yanun0323/logs"

	"optrader/internal/og"
	"optrader/internal/schema"
)

// Action is what a restarted engine does with a saved trade.
type Action uint8

const (
	// ActionArchive drops the trade: the account no longer holds its position.
	ActionArchive Action = iota + 1
	// ActionAdopt resumes management of the trade.
	ActionAdopt
)

func (a Action) String() string {
	switch a {
	case ActionArchive:
		return "archive"
	case ActionAdopt:
		return "adopt"
	default:
		return "unknown"
	}
}

// Disposition is the reconciled form of one saved trade.
type Disposition struct {
	Trade    og.Snapshot
	Action   Action
	Degraded bool
	Reason   string
	// Cancel lists orders to cancel before an adopted trade resumes. Trade
	// already records them as cancelled.
	Cancel []string
}

// Recovery is the outcome of reconciling saved trades with the account.
type Recovery struct {
	Dispositions []Disposition
	// Unclaimed holds account positions no saved trade accounts for.
	Unclaimed []schema.Holding
}

// Reconcile matches saved trades against the gateway's order reports and
// holdings. Reports are keyed by client order id; a saved live order with no
// report is treated as cancelled. Holdings are shared out between trades on
// the same instrument in saved order.
//
// A trade saved before its entry completed is adopted only for the quantity
// the entry filled; the rest of a live entry is cancelled. An entry with no
// fill is archived and its order cancelled.
func Reconcile(saved []og.Snapshot, reports map[string]schema.OrderReport, holdings []schema.Holding) Recovery {
	available := make(map[string]int64, len(holdings))
	byKey := make(map[string]schema.Holding, len(holdings))
	for _, h := range holdings {
		key := h.Instrument.Key()
		available[key] += abs(h.Qty)
		byKey[key] = h
	}

	var rec Recovery
	for _, snap := range OpenTrades(saved) {
		snap = applyReports(snap, reports)
		if snap.State.Pending() {
			filled := entryFilled(snap)
			if filled == 0 {
				logs.Infof("restore archive, strategy: %s, position: %s, state: %s, entry not filled",
					snap.Position.StrategyID, snap.ID, snap.State)
				rec.Dispositions = append(rec.Dispositions, Disposition{
					Trade:  snap,
					Action: ActionArchive,
					Reason: "entry not filled",
				})
				continue
			}
			snap.Position.Qty = filled
		}
		key := snap.Position.Instrument.Key()
		open := openQty(snap)
		held := available[key]

		if held == 0 || open == 0 {
			logs.Infof("restore archive, strategy: %s, position: %s, instrument: %s, open: %d, held: %d",
				snap.Position.StrategyID, snap.ID, key, open, held)
			rec.Dispositions = append(rec.Dispositions, Disposition{
				Trade:  snap,
				Action: ActionArchive,
				Reason: "no holding",
			})
			continue
		}

		if held < open {
			logs.Warnf("restore holding short of position, strategy: %s, position: %s, open: %d, held: %d",
				snap.Position.StrategyID, snap.ID, open, held)
			snap.Position.Qty -= open - held
			open = held
		}
		available[key] = held - open

		d := Disposition{Trade: snap, Action: ActionAdopt, Reason: "holding confirmed"}
		if snap.State.Pending() {
			d.Cancel = stopEntry(d.Trade.Orders)
			d.Degraded = true
			d.Reason = "entry filled while offline"
			rec.Dispositions = append(rec.Dispositions, d)
			continue
		}
		if !bracketLive(snap) && !snap.State.Exiting() {
			d.Degraded = true
			d.Reason = "protective order missing"
			if snap.State == og.StateBracketed {
				d.Trade.State = og.StateFilled
			}
		}
		rec.Dispositions = append(rec.Dispositions, d)
	}

	for key, left := range available {
		if left > 0 {
			h := byKey[key]
			h.Qty = sign(h.Qty) * left
			rec.Unclaimed = append(rec.Unclaimed, h)
		}
	}
	return rec
}

func applyReports(snap og.Snapshot, reports map[string]schema.OrderReport) og.Snapshot {
	orders := make([]schema.Order, len(snap.Orders))
	copy(orders, snap.Orders)
	for i, o := range orders {
		if o.Status.Terminal() {
			continue
		}
		r, ok := reports[o.ClientOrderID]
		if !ok {
			orders[i].Status = schema.OrderStatusCancelled
			continue
		}
		orders[i].Status = r.Status
		if r.FilledQty > o.FilledQty {
			orders[i].FilledQty = r.FilledQty
			orders[i].AvgFillPrice = r.AvgFillPrice
		}
		if r.VenueOrderID != "" {
			orders[i].VenueOrderID = r.VenueOrderID
		}
	}
	snap.Orders = orders
	return snap
}

func entryFilled(snap og.Snapshot) int64 {
	var filled int64
	for _, o := range snap.Orders {
		if o.Role == schema.OrderRoleEntry {
			filled += o.FilledQty
		}
	}
	return filled
}

// stopEntry marks live entry orders cancelled and returns their ids.
func stopEntry(orders []schema.Order) []string {
	var ids []string
	for i, o := range orders {
		if o.Role == schema.OrderRoleEntry && o.Status.Live() {
			orders[i].Status = schema.OrderStatusCancelled
			ids = append(ids, o.ClientOrderID)
		}
	}
	return ids
}

func openQty(snap og.Snapshot) int64 {
	open := snap.Position.Qty
	for _, o := range snap.Orders {
		if o.Role != schema.OrderRoleEntry {
			open -= o.FilledQty
		}
	}
	if open < 0 {
		return 0
	}
	return open
}

func bracketLive(snap og.Snapshot) bool {
	var stop, target bool
	for _, o := range snap.Orders {
		if !o.Status.Live() {
			continue
		}
		switch o.Role {
		case schema.OrderRoleStop:
			stop = true
		case schema.OrderRoleTarget:
			target = true
		}
	}
	return stop && target
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

func sign(v int64) int64 {
	if v < 0 {
		return -1
	}
	return 1
}
