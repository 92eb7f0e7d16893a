package og

import (
	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"optrader/internal/bus"
	"optrader/internal/schema"
	"optrader/pkg/exception"
)

// Restore rebuilds a trade that held a position before a restart. Order
// statuses in snap should already reflect the gateway; a Bracketed trade with
// a missing leg comes back Filled and degraded. A Submitting or Working trade
// is accepted once its entry filled and stopped working: it comes back Filled
// and degraded, or Unwinding when the fill is below the completeness
// threshold.
func Restore(snap Snapshot, gw Gateway, ledger Ledger, listener Listener, cfg Config) (*Trade, error) {
	if gw == nil || ledger == nil {
		return nil, exception.ErrNilInstance
	}
	if !snap.State.HoldsPosition() && !snap.State.Pending() {
		return nil, errors.Wrapf(exception.ErrInvalidTransition, "restore trade in %s", snap.State)
	}
	if listener == nil {
		listener = NopListener{}
	}
	cfg = cfg.withDefaults()
	pos := snap.Position
	intent := snap.Intent
	if intent.StrategyID == "" {
		intent = schema.TradeIntent{
			ID:         pos.ID,
			StrategyID: pos.StrategyID,
			Instrument: pos.Instrument,
			Direction:  pos.Direction,
			Qty:        pos.Qty,
			Price:      pos.EntryPrice,
			Deadline:   pos.Deadline,
		}
	}
	t := &Trade{
		id:         snap.ID,
		cfg:        cfg,
		gw:         gw,
		ledger:     ledger,
		listener:   listener,
		intent:     intent,
		res:        snap.Reservation,
		state:      snap.State,
		position:   pos,
		book:       newOrderBook(),
		cancelling: make(map[string]bool),
		mailbox:    bus.NewQueue[message](cfg.MailboxSize),
		done:       make(chan struct{}),
	}
	for _, o := range snap.Orders {
		added, err := t.book.add(o)
		if err != nil {
			return nil, errors.Wrap(err, "restore order "+o.ClientOrderID)
		}
		listener.OrderCreated(t.id, added.ClientOrderID)
		switch added.Role {
		case schema.OrderRoleEntry:
			t.entryID = added.ClientOrderID
		case schema.OrderRoleStop:
			t.stopID = added.ClientOrderID
		case schema.OrderRoleTarget:
			t.targetID = added.ClientOrderID
		case schema.OrderRoleExit:
			t.exitID = added.ClientOrderID
		}
		if added.Role != schema.OrderRoleEntry && added.FilledQty > 0 {
			t.closedQty += added.FilledQty
			t.closeNotional = t.closeNotional.Add(added.AvgFillPrice.Mul(decimal.NewFromInt(added.FilledQty)))
		}
	}

	if t.state.Pending() {
		if err := t.adoptEntryFill(); err != nil {
			return nil, err
		}
	}
	if t.state == StateBracketed && !(t.legLive(t.stopID) && t.legLive(t.targetID)) {
		t.state = StateFilled
	}
	t.position.Status = t.state.positionStatus()
	if t.state == StateFilled {
		t.position.Degraded = true
		t.degraded = true
		err := errors.Wrapf(exception.ErrDegradedProtection, "position %s restored without full bracket", t.id)
		logs.Errorf("trade degraded protection, strategy: %s, position: %s, err: %+v", pos.StrategyID, t.id, err)
		listener.Degraded(t.position, err)
	}
	logs.Infof("trade restored, strategy: %s, position: %s, state: %s, qty: %d, closed: %d",
		pos.StrategyID, t.id, t.state, t.position.Qty, t.closedQty)
	t.publish()
	return t, nil
}

// adoptEntryFill turns a pending trade whose entry filled while the engine was
// down into an open position. The bracket is placed by the next tick.
func (t *Trade) adoptEntryFill() error {
	o, ok := t.book.get(t.entryID)
	switch {
	case !ok || o.FilledQty <= 0:
		return errors.Wrapf(exception.ErrInvalidTransition, "restore %s trade %s without entry fill", t.state, t.id)
	case o.Status.Live():
		return errors.Wrapf(exception.ErrInvalidTransition, "restore %s trade %s with entry %s still live", t.state, t.id, o.ClientOrderID)
	case !t.intent.StopMultiplier.IsPositive() || !t.intent.TargetMultiplier.IsPositive():
		return errors.Wrapf(exception.ErrInvalidIntent, "restore trade %s without bracket multipliers", t.id)
	}
	if t.position.Qty <= 0 || t.position.Qty > o.FilledQty {
		t.position.Qty = o.FilledQty
	}
	if o.AvgFillPrice.IsPositive() {
		t.position.EntryPrice = o.AvgFillPrice
	}
	if t.position.OpenedAt.IsZero() {
		t.position.OpenedAt = t.cfg.Clock()
	}
	t.setBracketLevels()

	if o.FilledQty < o.Qty {
		ratio := decimal.NewFromInt(o.FilledQty).Div(decimal.NewFromInt(o.Qty))
		if ratio.LessThan(t.cfg.CompletenessThreshold) {
			t.position.ExitReason = schema.ExitPartialUnwound
			t.state = StateUnwinding
			logs.Warnf("trade entry filled %d/%d while offline, below threshold %s, unwinding, position: %s",
				o.FilledQty, o.Qty, t.cfg.CompletenessThreshold, t.id)
			return nil
		}
	}
	t.state = StateFilled
	logs.Infof("trade entry filled %d/%d @ %s while offline, position: %s",
		o.FilledQty, o.Qty, o.AvgFillPrice, t.id)
	return nil
}
