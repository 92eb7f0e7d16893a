package og

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"optrader/internal/bus"
	"optrader/internal/gateway"
	"optrader/internal/risk"
	"optrader/internal/schema"
	"optrader/pkg/exception"
)

type messageKind uint8

const (
	messageEvent messageKind = iota + 1
	messageTick
	messageClose
	messageReconcile
)

type message struct {
	kind   messageKind
	event  gateway.Event
	now    time.Time
	reason schema.ExitReason
}

// Snapshot is a point-in-time copy of a trade, safe to read from any goroutine.
type Snapshot struct {
	ID          string           `json:"id"`
	State       TradeState       `json:"state"`
	Position    schema.Position  `json:"position"`
	Reservation risk.Reservation `json:"reservation"`
	Orders      []schema.Order   `json:"orders"`
	// Intent lets a restarted engine price the bracket of an entry that
	// filled while it was down.
	Intent schema.TradeIntent `json:"intent"`
}

// Snapshot returns the state published after the last applied message.
func (t *Trade) Snapshot() Snapshot {
	return *t.snap.Load()
}

// State returns the published trade state.
func (t *Trade) State() TradeState {
	return t.snap.Load().State
}

func (t *Trade) publish() {
	orders := t.book.all()
	snap := &Snapshot{
		ID:          t.id,
		State:       t.state,
		Position:    t.position,
		Reservation: t.res,
		Orders:      make([]schema.Order, 0, len(orders)),
		Intent:      t.intent,
	}
	snap.Position.EntryOrderIDs = append([]string(nil), t.position.EntryOrderIDs...)
	snap.Position.ProtectiveOrderIDs = append([]string(nil), t.position.ProtectiveOrderIDs...)
	for _, o := range orders {
		snap.Orders = append(snap.Orders, *o)
	}
	t.snap.Store(snap)
}

// Deliver queues a gateway event for the trade.
func (t *Trade) Deliver(ev gateway.Event) error {
	return t.post(message{kind: messageEvent, event: ev})
}

// RequestTick queues a timer tick.
func (t *Trade) RequestTick(now time.Time) error {
	return t.post(message{kind: messageTick, now: now})
}

// RequestClose queues a close request.
func (t *Trade) RequestClose(reason schema.ExitReason) error {
	return t.post(message{kind: messageClose, reason: reason})
}

// RequestReconcile queues a reconciliation against the gateway.
func (t *Trade) RequestReconcile() error {
	return t.post(message{kind: messageReconcile})
}

func (t *Trade) post(m message) error {
	err := t.mailbox.TryPublish(m)
	switch {
	case err == nil:
		return nil
	case stderrors.Is(err, bus.ErrQueueFull):
		return errors.Wrap(exception.ErrMailboxFull, t.id)
	default:
		return errors.Wrap(exception.ErrTradeTerminal, t.id)
	}
}

// Run applies queued messages one at a time until the trade is terminal and
// its mailbox drained, or ctx is done.
func (t *Trade) Run(ctx context.Context) {
	go func() {
		select {
		case <-t.done:
			t.mailbox.Close()
		case <-ctx.Done():
		}
	}()
	t.mailbox.Run(ctx, func(m message) {
		t.handle(ctx, m)
	})
}

func (t *Trade) handle(ctx context.Context, m message) {
	switch m.kind {
	case messageEvent:
		t.OnEvent(ctx, m.event)
	case messageTick:
		t.Tick(ctx, m.now)
	case messageClose:
		if err := t.Close(ctx, m.reason); err != nil {
			logs.Warnf("trade close request ignored, position: %s, err: %+v", t.id, err)
		}
	case messageReconcile:
		if err := t.Reconcile(ctx); err != nil {
			logs.Warnf("trade reconcile incomplete, position: %s, err: %+v", t.id, err)
		}
	}
}
