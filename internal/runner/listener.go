package runner

import (
	stderrors "errors"

	"github.com/yanun0323/logs"

	"optrader/internal/gateway"
	"optrader/internal/journal"
	"optrader/internal/obs"
	"optrader/internal/og"
	"optrader/internal/schema"
	"optrader/internal/state"
	"optrader/pkg/exception"
)

// OrderCreated registers the route before the order reaches the gateway.
func (r *Runner) OrderCreated(tradeID, clientOrderID string) {
	r.mu.Lock()
	r.routes[clientOrderID] = tradeID
	r.tradeOrders[tradeID] = append(r.tradeOrders[tradeID], clientOrderID)
	r.mu.Unlock()
}

// Transitioned tracks trade lifecycle: the strategy hears about entry fills,
// finished trades are dropped with their routes.
func (r *Runner) Transitioned(tr og.Transition) {
	r.metrics.ObserveTransition(tr.To)
	if tr.To == og.StateFilled && tr.From == og.StateWorking {
		if s, ok := r.byID[tr.StrategyID]; ok {
			s.OnFill(tr.Position)
		}
	}
	if !tr.To.Terminal() {
		return
	}
	r.mu.Lock()
	delete(r.trades, tr.TradeID)
	delete(r.exiting, tr.TradeID)
	for _, id := range r.tradeOrders[tr.TradeID] {
		delete(r.routes, id)
	}
	delete(r.tradeOrders, tr.TradeID)
	r.mu.Unlock()
	if tr.To == og.StateClosed {
		logs.Infof("trade closed, strategy: %s, position: %s, exit: %s, pnl: %s",
			tr.StrategyID, tr.TradeID, tr.Position.ExitReason, tr.Position.PnL())
	}
	if tr.To == og.StateClosed || tr.To == og.StateEntryFailed {
		r.record(tr)
	}
}

func (r *Runner) record(tr og.Transition) {
	if r.journal == nil {
		return
	}
	day := state.DayOf(r.cfg.Hours.Day(tr.At))
	if err := r.journal.Append(journal.FromPosition(day, tr.To.String(), tr.Position)); err != nil {
		logs.Warnf("trade not journaled, position: %s, err: %+v", tr.TradeID, err)
	}
}

// Degraded halts the strategy while any of its positions lacks protection.
func (r *Runner) Degraded(pos schema.Position, err error) {
	r.metrics.IncDegraded()
	r.alerter.Alert(obs.Alert{
		Severity:   obs.SeverityCritical,
		StrategyID: pos.StrategyID,
		PositionID: pos.ID,
		Message:    "position without full bracket protection",
		Err:        err,
	})
	r.mu.Lock()
	set, ok := r.degraded[pos.StrategyID]
	if !ok {
		set = make(map[string]bool)
		r.degraded[pos.StrategyID] = set
	}
	set[pos.ID] = true
	r.mu.Unlock()
	if herr := r.ledger.Halt(pos.StrategyID, haltDegraded); herr != nil {
		logs.Errorf("halt strategy %s, err: %+v", pos.StrategyID, herr)
	}
}

// Repaired resumes the strategy once none of its positions is degraded.
func (r *Runner) Repaired(pos schema.Position) {
	r.mu.Lock()
	set := r.degraded[pos.StrategyID]
	delete(set, pos.ID)
	empty := len(set) == 0
	if empty {
		delete(r.degraded, pos.StrategyID)
	}
	r.mu.Unlock()
	if !empty {
		return
	}
	if err := r.ledger.Resume(pos.StrategyID); err != nil {
		logs.Errorf("resume strategy %s, err: %+v", pos.StrategyID, err)
	}
}

// route hands a gateway order event to the trade owning the order. Runs on
// the session dispatch goroutine, so it must not block.
func (r *Runner) route(ev gateway.Event) {
	id := ev.ClientOrderID()
	if id == "" {
		return
	}
	r.mu.Lock()
	t := r.trades[r.routes[id]]
	r.mu.Unlock()
	if t == nil {
		logs.Warnf("order event for unknown order dropped, order: %s, kind: %s", id, ev.Kind)
		return
	}
	if err := t.Deliver(ev); err != nil {
		logs.Errorf("order event not delivered, position: %s, order: %s, err: %+v", t.ID(), id, err)
		if stderrors.Is(err, exception.ErrMailboxFull) {
			r.alerter.Alert(obs.Alert{
				Severity:   obs.SeverityCritical,
				StrategyID: t.StrategyID(),
				PositionID: t.ID(),
				Message:    "trade mailbox full, order event lost; reconcile requested",
				Err:        err,
			})
			_ = t.RequestReconcile()
		}
	}
}
