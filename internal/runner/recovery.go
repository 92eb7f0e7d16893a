package runner

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"optrader/internal/obs"
	"optrader/internal/og"
	"optrader/internal/schema"
	"optrader/internal/state"
	"optrader/pkg/exception"
)

const persistTimeout = 5 * time.Second

// DayState captures the ledger counters and every unfinished trade.
func (r *Runner) DayState() state.DayState {
	st := state.DayState{
		Day:     r.ledger.Day(),
		Ledger:  r.ledger.Snapshot(),
		SavedAt: r.now(),
	}
	for _, t := range r.Trades() {
		snap := t.Snapshot()
		if snap.State.Terminal() {
			continue
		}
		st.Trades = append(st.Trades, snap)
	}
	return st
}

// Persist saves the day state. A nil store is a no-op.
func (r *Runner) Persist(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	r.persistMu.Lock()
	defer r.persistMu.Unlock()
	if err := r.store.Save(ctx, r.DayState()); err != nil {
		r.metrics.IncPersistFailure()
		return errors.Wrap(err, "persist day state")
	}
	return nil
}

func (r *Runner) persist() {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := r.Persist(ctx); err != nil {
		logs.Errorf("%+v", err)
	}
}

// Restore reloads the last saved day state and resumes the positions the
// account still holds. Account holdings no saved trade accounts for raise an
// alert, also on a fresh start. Must be called before Run.
func (r *Runner) Restore(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	saved, ok, err := r.store.Latest(ctx)
	if err != nil {
		return errors.Wrap(err, "load day state")
	}
	if ok {
		if r.ledger.Restore(saved.Ledger, r.cfg.Hours.Day(r.now())) {
			logs.Infof("risk counters restored for %s", saved.Day)
		}
	} else {
		logs.Info("no saved day state, starting fresh")
	}

	open := state.OpenTrades(saved.Trades)
	reports := map[string]schema.OrderReport{}
	if len(open) > 0 {
		if reports, err = r.orderReports(ctx, open); err != nil {
			return err
		}
	}
	holdings, err := r.gw.Holdings(ctx)
	if err != nil {
		return errors.Wrap(err, "load holdings")
	}

	rec := state.Reconcile(open, reports, holdings)
	for _, d := range rec.Dispositions {
		switch d.Action {
		case state.ActionArchive:
			r.archive(ctx, d)
		case state.ActionAdopt:
			if err := r.adopt(ctx, d); err != nil {
				return err
			}
		}
	}
	for _, h := range rec.Unclaimed {
		logs.Warnf("restore unclaimed holding, instrument: %s, qty: %d", h.Instrument.Key(), h.Qty)
		r.alerter.Alert(obs.Alert{
			Severity: obs.SeverityWarning,
			Message:  "account holds " + h.Instrument.String() + " not managed by any strategy",
		})
	}
	if ok {
		r.persist()
	}
	return nil
}

// orderReports collects the gateway's view of every order the saved trades
// still considered live.
func (r *Runner) orderReports(ctx context.Context, trades []og.Snapshot) (map[string]schema.OrderReport, error) {
	openOrders, err := r.gw.OpenOrders(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "load open orders")
	}
	reports := make(map[string]schema.OrderReport, len(openOrders))
	for _, rep := range openOrders {
		reports[rep.ClientOrderID] = rep
	}
	for _, t := range trades {
		for _, o := range t.Orders {
			if o.Status.Terminal() {
				continue
			}
			if _, ok := reports[o.ClientOrderID]; ok {
				continue
			}
			rep, err := r.gw.OrderStatus(ctx, o.ClientOrderID)
			if stderrors.Is(err, exception.ErrUnknownOrder) {
				continue
			}
			if err != nil {
				return nil, errors.Wrap(err, "order status "+o.ClientOrderID)
			}
			reports[o.ClientOrderID] = rep
		}
	}
	return reports, nil
}

func (r *Runner) archive(ctx context.Context, d state.Disposition) {
	logs.Infof("restore archived trade, strategy: %s, position: %s, reason: %s",
		d.Trade.Position.StrategyID, d.Trade.ID, d.Reason)
	for _, o := range d.Trade.Orders {
		if !o.Status.Live() {
			continue
		}
		if err := r.gw.CancelOrder(ctx, o.ClientOrderID); err != nil {
			logs.Warnf("cancel leftover order %s of archived position %s, err: %+v", o.ClientOrderID, d.Trade.ID, err)
		}
	}
}

func (r *Runner) adopt(ctx context.Context, d state.Disposition) error {
	snap := d.Trade
	for _, id := range d.Cancel {
		logs.Infof("restore cancels entry remainder, position: %s, order: %s", snap.ID, id)
		if err := r.gw.CancelOrder(ctx, id); err != nil && !stderrors.Is(err, exception.ErrUnknownOrder) {
			logs.Warnf("cancel entry remainder %s of position %s, err: %+v", id, snap.ID, err)
		}
	}
	res, err := r.ledger.Adopt(snap.Position)
	if err != nil {
		return errors.Wrap(err, "adopt position "+snap.ID)
	}
	snap.Reservation = res
	snap.Position.ReservationID = res.ID

	t, err := og.Restore(snap, r.gw, r.ledger, r, r.cfg.Trade)
	if err != nil {
		return errors.Wrap(err, "restore trade "+snap.ID)
	}
	r.register(t)
	r.start(t)
	logs.Infof("restore adopted trade, strategy: %s, position: %s, state: %s, degraded: %t",
		snap.Position.StrategyID, snap.ID, t.State(), d.Degraded)
	return nil
}
