package og

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"optrader/internal/bus"
	"optrader/internal/gateway"
	"optrader/internal/risk"
	"optrader/internal/schema"
	"optrader/pkg/exception"
)

// Trade is the order state machine of one trade attempt: entry, bracket and
// exit. Its methods are not safe for concurrent use; Run serializes them
// through the trade's mailbox.
type Trade struct {
	id       string
	cfg      Config
	gw       Gateway
	ledger   Ledger
	listener Listener

	intent   schema.TradeIntent
	res      risk.Reservation
	state    TradeState
	position schema.Position
	book     *orderBook

	entryID      string
	stopID       string
	targetID     string
	exitID       string
	cancelling   map[string]bool
	pendingClose schema.ExitReason
	workingSince time.Time

	closedQty     int64
	closeNotional decimal.Decimal
	settled       bool
	degraded      bool

	mailbox  *bus.Queue[message]
	snap     atomic.Pointer[Snapshot]
	done     chan struct{}
	doneOnce sync.Once
}

// NewTrade builds a trade in the Intent state for an admitted intent.
func NewTrade(intent schema.TradeIntent, res risk.Reservation, gw Gateway, ledger Ledger, listener Listener, cfg Config) (*Trade, error) {
	if gw == nil || ledger == nil {
		return nil, exception.ErrNilInstance
	}
	if err := validateIntent(intent); err != nil {
		return nil, err
	}
	if listener == nil {
		listener = NopListener{}
	}
	cfg = cfg.withDefaults()
	id := uuid.NewString()
	t := &Trade{
		id:         id,
		cfg:        cfg,
		gw:         gw,
		ledger:     ledger,
		listener:   listener,
		intent:     intent,
		res:        res,
		state:      StateIntent,
		book:       newOrderBook(),
		cancelling: make(map[string]bool),
		mailbox:    bus.NewQueue[message](cfg.MailboxSize),
		done:       make(chan struct{}),
		position: schema.Position{
			ID:            id,
			StrategyID:    intent.StrategyID,
			ReservationID: res.ID,
			Instrument:    intent.Instrument,
			Direction:     intent.Direction,
			Capital:       res.Capital,
			Deadline:      intent.Deadline,
			Status:        schema.PositionStatusOpen,
		},
	}
	t.publish()
	return t, nil
}

func validateIntent(intent schema.TradeIntent) error {
	one := decimal.NewFromInt(1)
	switch {
	case intent.StrategyID == "":
		return errors.Wrap(exception.ErrInvalidIntent, "missing strategy")
	case intent.Qty <= 0:
		return errors.Wrapf(exception.ErrInvalidIntent, "qty %d", intent.Qty)
	case intent.Direction != schema.DirectionBuy && intent.Direction != schema.DirectionSell:
		return errors.Wrap(exception.ErrInvalidIntent, "direction")
	case intent.OrderType != schema.OrderTypeMarket && !intent.Price.IsPositive():
		return errors.Wrapf(exception.ErrInvalidIntent, "price %s", intent.Price)
	case !intent.StopMultiplier.IsPositive() || !intent.StopMultiplier.LessThan(one):
		return errors.Wrapf(exception.ErrInvalidIntent, "stop multiplier %s", intent.StopMultiplier)
	case !intent.TargetMultiplier.GreaterThan(one):
		return errors.Wrapf(exception.ErrInvalidIntent, "target multiplier %s", intent.TargetMultiplier)
	}
	return nil
}

// ID returns the trade id, which is also its position id.
func (t *Trade) ID() string {
	return t.id
}

// StrategyID returns the owning strategy.
func (t *Trade) StrategyID() string {
	return t.intent.StrategyID
}

// Done is closed once the trade reaches a terminal state.
func (t *Trade) Done() <-chan struct{} {
	return t.done
}

// Open consumes the reservation and submits the entry order. Gateway
// unavailability, transport errors and timeouts release the reservation and
// end in EntryFailed; a venue rejection ends in Rejected.
func (t *Trade) Open(ctx context.Context) error {
	defer t.publish()
	if t.state != StateIntent {
		return errors.Wrapf(exception.ErrInvalidTransition, "open in %s", t.state)
	}
	if err := t.ledger.Consume(t.res, t.id); err != nil {
		t.transition(StateEntryFailed, "reservation: "+err.Error())
		return errors.Wrap(exception.ErrEntryFailed, err.Error())
	}
	t.transition(StateSubmitting, "")

	entryType := t.intent.OrderType
	if entryType == schema.OrderTypeUnknown {
		entryType = schema.OrderTypeLimit
	}
	entry, err := t.newOrder(schema.OrderRoleEntry, t.intent.Direction, entryType, t.intent.Price, t.intent.Qty)
	if err != nil {
		t.release()
		t.transition(StateEntryFailed, err.Error())
		return errors.Wrap(exception.ErrEntryFailed, err.Error())
	}
	t.entryID = entry.ClientOrderID
	t.position.EntryOrderIDs = []string{entry.ClientOrderID}

	if err := t.place(ctx, entry); err != nil {
		if stderrors.Is(err, exception.ErrOrderRejected) {
			entry.Status = schema.OrderStatusRejected
			t.release()
			t.transition(StateRejected, err.Error())
			return err
		}
		if !stderrors.Is(err, exception.ErrGatewayUnavailable) {
			t.cancel(ctx, entry.ClientOrderID)
		}
		entry.Status = schema.OrderStatusCancelled
		t.release()
		t.transition(StateEntryFailed, err.Error())
		return errors.Wrap(exception.ErrEntryFailed, err.Error())
	}
	t.workingSince = t.cfg.Clock()
	t.transition(StateWorking, "entry accepted")
	return nil
}

// OnEvent applies a gateway order update or fill. Duplicate fills and events
// for finished orders are ignored.
func (t *Trade) OnEvent(ctx context.Context, ev gateway.Event) {
	defer t.publish()
	var (
		o    *schema.Order
		exec execution
		err  error
	)
	switch ev.Kind {
	case gateway.EventFill:
		o, exec, err = t.book.applyFill(ev.Fill)
	case gateway.EventOrderUpdate:
		o, exec, err = t.book.applyUpdate(ev.Update)
	default:
		return
	}
	if err != nil {
		switch {
		case stderrors.Is(err, exception.ErrUnknownOrder):
			logs.Warnf("trade %s ignored %s for unknown order %s", t.id, ev.Kind, ev.ClientOrderID())
		case stderrors.Is(err, errMissingExecID):
			logs.Errorf("trade %s dropped fill without exec id, order: %s, qty: %d", t.id, ev.ClientOrderID(), ev.Fill.Qty)
		}
		return
	}
	t.onOrder(ctx, o, exec)
}

// Tick drives time based behavior: entry fill timeout, the position deadline,
// and retries of missing protective legs, cancels and exits.
func (t *Trade) Tick(ctx context.Context, now time.Time) {
	defer t.publish()
	switch {
	case t.state == StateWorking:
		expired := t.cfg.EntryFillTimeout > 0 && now.Sub(t.workingSince) >= t.cfg.EntryFillTimeout
		pastDeadline := !t.position.Deadline.IsZero() && !now.Before(t.position.Deadline)
		if (expired || pastDeadline || t.pendingClose != schema.ExitNone) && !t.cancelling[t.entryID] {
			t.cancel(ctx, t.entryID)
		}
	case t.state == StateFilled || t.state == StateBracketed:
		if !t.position.Deadline.IsZero() && !now.Before(t.position.Deadline) {
			t.beginExit(ctx, StateTimedExit, schema.ExitTimed, "deadline "+t.position.Deadline.Format(time.RFC3339))
			return
		}
		if t.degraded {
			t.repairBracket(ctx)
		}
	case t.state.Exiting():
		t.progressExit(ctx)
	}
}

// Close requests an operator or strategy close. Protective orders are
// cancelled before the remaining quantity is flattened at market.
func (t *Trade) Close(ctx context.Context, reason schema.ExitReason) error {
	defer t.publish()
	if reason == schema.ExitNone {
		reason = schema.ExitManual
	}
	switch {
	case t.state.Terminal():
		return errors.Wrap(exception.ErrTradeTerminal, t.state.String())
	case t.state == StateIntent:
		t.release()
		t.transition(StateCancelledBeforeFill, string(reason))
	case t.state == StateSubmitting || t.state == StateWorking:
		t.pendingClose = reason
		t.cancel(ctx, t.entryID)
	case t.state == StateFilled || t.state == StateBracketed:
		t.beginExit(ctx, StateManuallyClosed, reason, string(reason))
	default:
		// already exiting
	}
	return nil
}

// Reconcile queries every live order and applies the gateway's view, so the
// trade follows fills and cancels that happened while disconnected.
func (t *Trade) Reconcile(ctx context.Context) error {
	defer t.publish()
	var errs []error
	for _, id := range t.book.live() {
		reqCtx, cancel := context.WithTimeout(ctx, t.cfg.OrderTimeout)
		report, err := t.gw.OrderStatus(reqCtx, id)
		cancel()
		if err != nil {
			errs = append(errs, errors.Wrap(err, "status "+id))
			continue
		}
		o, exec, err := t.book.applyUpdate(schema.OrderUpdate{
			ClientOrderID: id,
			VenueOrderID:  report.VenueOrderID,
			Status:        report.Status,
			FilledQty:     report.FilledQty,
			AvgFillPrice:  report.AvgFillPrice,
			Reason:        "reconcile",
		})
		if err != nil {
			continue
		}
		if exec.Qty > 0 || o.Status.Terminal() {
			logs.Infof("trade reconciled, position: %s, order: %s, status: %s, filled: %d/%d",
				t.id, id, o.Status, o.FilledQty, o.Qty)
		}
		t.onOrder(ctx, o, exec)
	}
	if t.state.Exiting() {
		t.progressExit(ctx)
	}
	return stderrors.Join(errs...)
}

func (t *Trade) onOrder(ctx context.Context, o *schema.Order, exec execution) {
	switch o.Role {
	case schema.OrderRoleEntry:
		t.onEntry(ctx, o, exec)
	case schema.OrderRoleStop, schema.OrderRoleTarget:
		t.onProtective(ctx, o, exec)
	case schema.OrderRoleExit:
		t.onExit(ctx, o, exec)
	}
}

func (t *Trade) onEntry(ctx context.Context, o *schema.Order, exec execution) {
	if exec.Qty > 0 {
		t.position.Qty = o.FilledQty
		t.position.EntryPrice = o.AvgFillPrice
		if t.position.OpenedAt.IsZero() {
			t.position.OpenedAt = t.cfg.Clock()
		}
		logs.Infof("trade entry fill, position: %s, qty: %d, price: %s, filled: %d/%d",
			t.id, exec.Qty, exec.Price, o.FilledQty, o.Qty)
	}
	if t.state != StateWorking && t.state != StateSubmitting {
		return
	}
	if !o.Status.Terminal() {
		return
	}

	switch {
	case o.FilledQty >= o.Qty:
		if t.pendingClose != schema.ExitNone {
			t.transition(StateFilled, "entry filled")
			t.beginExit(ctx, StateManuallyClosed, t.pendingClose, string(t.pendingClose))
			return
		}
		t.onEntryFilled(ctx, "entry filled")
	case o.FilledQty == 0:
		t.release()
		if o.Status == schema.OrderStatusRejected {
			t.transition(StateRejected, "entry rejected")
			return
		}
		t.transition(StateCancelledBeforeFill, "entry cancelled")
	case t.pendingClose != schema.ExitNone:
		t.transition(StateFilled, fmt.Sprintf("entry interrupted at %d/%d", o.FilledQty, o.Qty))
		t.beginExit(ctx, StateManuallyClosed, t.pendingClose, string(t.pendingClose))
	default:
		ratio := decimal.NewFromInt(o.FilledQty).Div(decimal.NewFromInt(o.Qty))
		reason := fmt.Sprintf("partial entry %d/%d", o.FilledQty, o.Qty)
		if ratio.GreaterThanOrEqual(t.cfg.CompletenessThreshold) {
			t.onEntryFilled(ctx, reason)
			return
		}
		t.transition(StateFilled, reason)
		t.beginExit(ctx, StateUnwinding, schema.ExitPartialUnwound, reason+" below threshold "+t.cfg.CompletenessThreshold.String())
	}
}

func (t *Trade) onEntryFilled(ctx context.Context, reason string) {
	t.setBracketLevels()
	t.transition(StateFilled, reason)
	t.placeBracket(ctx)
}

// setBracketLevels prices the stop and target off the entry fill. Sell
// entries mirror the multipliers around the entry.
func (t *Trade) setBracketLevels() {
	entry := t.position.EntryPrice
	stopMult, targetMult := t.intent.StopMultiplier, t.intent.TargetMultiplier
	if t.position.Direction == schema.DirectionSell {
		two := decimal.NewFromInt(2)
		stopMult, targetMult = two.Sub(stopMult), two.Sub(targetMult)
	}
	t.position.StopPrice = entry.Mul(stopMult).Round(t.cfg.PriceDecimals)
	t.position.TargetPrice = entry.Mul(targetMult).Round(t.cfg.PriceDecimals)
}

// placeBracket submits whichever protective legs are missing.
func (t *Trade) placeBracket(ctx context.Context) {
	qty := t.remaining()
	exitDir := t.position.Direction.Opposite()
	var failures []error

	if !t.legLive(t.stopID) {
		if id, err := t.submit(ctx, schema.OrderRoleStop, exitDir, schema.OrderTypeStop, t.position.StopPrice, qty); err != nil {
			failures = append(failures, errors.Wrap(err, "stop"))
		} else {
			t.stopID = id
		}
	}
	if !t.legLive(t.targetID) {
		if id, err := t.submit(ctx, schema.OrderRoleTarget, exitDir, schema.OrderTypeLimit, t.position.TargetPrice, qty); err != nil {
			failures = append(failures, errors.Wrap(err, "target"))
		} else {
			t.targetID = id
		}
	}
	t.position.ProtectiveOrderIDs = t.protectiveIDs()

	if len(failures) == 0 {
		if t.degraded {
			t.degraded = false
			t.position.Degraded = false
			logs.Infof("trade protection restored, strategy: %s, position: %s", t.intent.StrategyID, t.id)
			t.listener.Repaired(t.position)
		}
		t.transition(StateBracketed, fmt.Sprintf("stop %s target %s", t.position.StopPrice, t.position.TargetPrice))
		return
	}
	t.degrade(stderrors.Join(failures...))
}

func (t *Trade) repairBracket(ctx context.Context) {
	if t.remaining() <= 0 {
		return
	}
	t.placeBracket(ctx)
}

func (t *Trade) degrade(cause error) {
	err := errors.Wrapf(exception.ErrDegradedProtection, "position %s: %v", t.id, cause)
	if t.state == StateBracketed {
		t.transition(StateFilled, "protection lost")
	}
	first := !t.degraded
	t.degraded = true
	t.position.Degraded = true
	if first {
		logs.Errorf("trade degraded protection, strategy: %s, position: %s, err: %+v", t.intent.StrategyID, t.id, err)
		t.listener.Degraded(t.position, err)
	}
}

func (t *Trade) onProtective(ctx context.Context, o *schema.Order, exec execution) {
	if exec.Qty > 0 {
		t.recordClose(exec)
		if t.state == StateBracketed || t.state == StateFilled {
			next, reason := StateStopped, schema.ExitStopped
			if o.Role == schema.OrderRoleTarget {
				next, reason = StateTargetHit, schema.ExitTargetHit
			}
			t.position.ExitReason = reason
			t.transition(next, fmt.Sprintf("%s filled %d @ %s", o.Role, exec.Qty, exec.Price))
			for _, id := range t.protectiveIDs() {
				if id != o.ClientOrderID {
					t.cancel(ctx, id)
				}
			}
		}
	}

	if o.Status.Terminal() && o.Status != schema.OrderStatusFilled && !t.cancelling[o.ClientOrderID] {
		if t.state == StateBracketed || t.state == StateFilled {
			t.degrade(errors.Errorf("%s order %s %s", o.Role, o.ClientOrderID, o.Status))
		}
	}
	if t.state.Exiting() {
		t.progressExit(ctx)
	}
}

func (t *Trade) onExit(ctx context.Context, o *schema.Order, exec execution) {
	if exec.Qty > 0 {
		t.recordClose(exec)
	}
	if o.Status.Terminal() && o.Status != schema.OrderStatusFilled {
		logs.Warnf("trade exit order %s ended %s with %d/%d filled, position: %s", o.ClientOrderID, o.Status, o.FilledQty, o.Qty, t.id)
	}
	if t.state.Exiting() {
		t.progressExit(ctx)
	}
}

// beginExit moves into an exit state and cancels every protective leg.
func (t *Trade) beginExit(ctx context.Context, state TradeState, reason schema.ExitReason, detail string) {
	t.position.ExitReason = reason
	t.transition(state, detail)
	for _, id := range t.protectiveIDs() {
		t.cancel(ctx, id)
	}
	t.progressExit(ctx)
}

// progressExit closes the trade once flat with no live orders, or flattens the
// remainder at market once nothing else can fill.
func (t *Trade) progressExit(ctx context.Context) {
	if t.state == StateTimedExit || t.state == StateManuallyClosed || t.state == StateUnwinding {
		for _, id := range t.protectiveIDs() {
			if o, ok := t.book.get(id); ok && o.Status.Live() && !t.cancelling[id] {
				t.cancel(ctx, id)
			}
		}
	}

	live := t.book.live()
	if t.remaining() <= 0 {
		if len(live) == 0 {
			t.finish()
			return
		}
		for _, id := range live {
			if !t.cancelling[id] {
				t.cancel(ctx, id)
			}
		}
		return
	}
	if len(live) > 0 {
		return
	}
	id, err := t.submit(ctx, schema.OrderRoleExit, t.position.Direction.Opposite(), schema.OrderTypeMarket, decimal.Zero, t.remaining())
	if err != nil {
		logs.Errorf("trade exit placement failed, position: %s, remaining: %d, err: %+v", t.id, t.remaining(), err)
		return
	}
	t.exitID = id
}

func (t *Trade) finish() {
	t.position.ExitPrice = decimal.Zero
	if t.closedQty > 0 {
		t.position.ExitPrice = t.closeNotional.Div(decimal.NewFromInt(t.closedQty))
	}
	t.position.ClosedAt = t.cfg.Clock()
	if t.degraded {
		t.degraded = false
		t.position.Degraded = false
		t.listener.Repaired(t.position)
	}
	t.transition(StateClosed, string(t.position.ExitReason))
	t.settle()
}

func (t *Trade) recordClose(exec execution) {
	t.closedQty += exec.Qty
	t.closeNotional = t.closeNotional.Add(exec.Price.Mul(decimal.NewFromInt(exec.Qty)))
}

func (t *Trade) remaining() int64 {
	return t.position.Qty - t.closedQty
}

func (t *Trade) legLive(id string) bool {
	if id == "" {
		return false
	}
	o, ok := t.book.get(id)
	return ok && o.Status.Live()
}

func (t *Trade) protectiveIDs() []string {
	var ids []string
	for _, id := range []string{t.stopID, t.targetID} {
		if id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

func (t *Trade) newOrder(role schema.OrderRole, dir schema.Direction, typ schema.OrderType, price decimal.Decimal, qty int64) (*schema.Order, error) {
	o, err := t.book.add(schema.Order{
		ClientOrderID: uuid.NewString(),
		PositionID:    t.id,
		Role:          role,
		Direction:     dir,
		Type:          typ,
		Price:         price,
		Qty:           qty,
	})
	if err != nil {
		return nil, err
	}
	t.listener.OrderCreated(t.id, o.ClientOrderID)
	return o, nil
}

// submit creates and places an order, returning its client id.
func (t *Trade) submit(ctx context.Context, role schema.OrderRole, dir schema.Direction, typ schema.OrderType, price decimal.Decimal, qty int64) (string, error) {
	o, err := t.newOrder(role, dir, typ, price, qty)
	if err != nil {
		return "", err
	}
	if err := t.place(ctx, o); err != nil {
		o.Status = schema.OrderStatusRejected
		return "", err
	}
	return o.ClientOrderID, nil
}

func (t *Trade) place(ctx context.Context, o *schema.Order) error {
	reqCtx, cancel := context.WithTimeout(ctx, t.cfg.OrderTimeout)
	defer cancel()
	venueID, err := t.gw.PlaceOrder(reqCtx, schema.OrderRequest{
		ClientOrderID: o.ClientOrderID,
		Instrument:    t.position.Instrument,
		Direction:     o.Direction,
		Type:          o.Type,
		Qty:           o.Qty,
		Price:         o.Price,
	})
	if err != nil {
		logs.Warnf("trade order placement failed, strategy: %s, position: %s, role: %s, order: %s, err: %+v",
			t.intent.StrategyID, t.id, o.Role, o.ClientOrderID, err)
		return err
	}
	if o.VenueOrderID == "" {
		o.VenueOrderID = venueID
	}
	if o.Status == schema.OrderStatusPending {
		o.Status = schema.OrderStatusWorking
	}
	logs.Infof("trade order placed, strategy: %s, position: %s, role: %s, order: %s, venue: %s, %s %d %s @ %s",
		t.intent.StrategyID, t.id, o.Role, o.ClientOrderID, venueID, o.Direction, o.Qty, o.Type, o.Price)
	return nil
}

// cancel requests cancellation. A failed request is retried on the next tick.
func (t *Trade) cancel(ctx context.Context, id string) {
	if id == "" {
		return
	}
	if o, ok := t.book.get(id); ok && o.Status.Terminal() {
		return
	}
	reqCtx, cancel := context.WithTimeout(ctx, t.cfg.OrderTimeout)
	defer cancel()
	if err := t.gw.CancelOrder(reqCtx, id); err != nil {
		if stderrors.Is(err, exception.ErrUnknownOrder) {
			t.cancelling[id] = true
			return
		}
		logs.Warnf("trade cancel failed, position: %s, order: %s, err: %+v", t.id, id, err)
		return
	}
	t.cancelling[id] = true
}

func (t *Trade) release() {
	if t.settled {
		return
	}
	t.settled = true
	if err := t.ledger.Release(t.res); err != nil {
		logs.Errorf("trade release failed, position: %s, reservation: %s, err: %+v", t.id, t.res.ID, err)
	}
}

func (t *Trade) settle() {
	if t.settled {
		return
	}
	t.settled = true
	if err := t.ledger.RecordFill(t.position); err != nil {
		logs.Errorf("trade settle failed, position: %s, reservation: %s, err: %+v", t.id, t.res.ID, err)
	}
}

func (t *Trade) transition(to TradeState, reason string) {
	from := t.state
	if from == to {
		return
	}
	t.state = to
	t.position.Status = to.positionStatus()
	logs.Infof("trade transition, strategy: %s, position: %s, instrument: %s, from: %s, to: %s, reason: %s",
		t.intent.StrategyID, t.id, t.position.Instrument.Key(), from, to, reason)
	t.listener.Transitioned(Transition{
		TradeID:    t.id,
		StrategyID: t.intent.StrategyID,
		From:       from,
		To:         to,
		Reason:     reason,
		Position:   t.position,
		At:         t.cfg.Clock(),
	})
	if to.Terminal() {
		t.doneOnce.Do(func() { close(t.done) })
	}
}
