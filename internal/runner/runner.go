// Package runner schedules strategies, owns every trade and routes gateway
// order events to them.
package runner

import (
	"context"
	stderrors "errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
	"golang.org/x/sync/errgroup"

	"optrader/internal/gateway"
	"optrader/internal/journal"
	"optrader/internal/marketdata"
	"optrader/internal/obs"
	"optrader/internal/og"
	"optrader/internal/risk"
	"optrader/internal/schema"
	"optrader/internal/state"
	"optrader/internal/strategy"
	"optrader/pkg/exception"
)

const haltDegraded = "DegradedProtection"

// Gateway is the session surface the runner drives. *gateway.Session satisfies it.
type Gateway interface {
	og.Gateway
	OpenOrders(ctx context.Context) ([]schema.OrderReport, error)
	Holdings(ctx context.Context) ([]schema.Holding, error)
	OnDisconnect(fn func(error))
	OnReconnect(fn func())
	OnOrderEvent(fn func(gateway.Event))
}

// Config tunes scheduling.
type Config struct {
	Trade og.Config
	Hours TradingHours
	// TickInterval paces trade ticks, exit checks and day roll detection.
	TickInterval time.Duration
	// StallTimeout abandons a strategy cycle that runs longer.
	StallTimeout time.Duration
	// ShutdownTimeout bounds waiting for trades to close on shutdown.
	ShutdownTimeout time.Duration
	// DefaultScanInterval applies to strategies without one.
	DefaultScanInterval time.Duration
	Clock               func() time.Time
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Trade:               og.DefaultConfig(),
		Hours:               DefaultTradingHours(),
		TickInterval:        time.Second,
		StallTimeout:        30 * time.Second,
		ShutdownTimeout:     30 * time.Second,
		DefaultScanInterval: 5 * time.Second,
		Clock:               time.Now,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Hours.Location == nil {
		c.Hours = def.Hours
	}
	if c.TickInterval <= 0 {
		c.TickInterval = def.TickInterval
	}
	if c.StallTimeout <= 0 {
		c.StallTimeout = def.StallTimeout
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = def.ShutdownTimeout
	}
	if c.DefaultScanInterval <= 0 {
		c.DefaultScanInterval = def.DefaultScanInterval
	}
	if c.Clock == nil {
		c.Clock = def.Clock
	}
	if c.Trade.Clock == nil {
		c.Trade.Clock = c.Clock
	}
	return c
}

// Deps are the collaborators of a Runner. Store, Metrics and Alerter are optional.
type Deps struct {
	Gateway Gateway
	Cache   *marketdata.Cache
	Ledger  *risk.Ledger
	Store   state.Store
	Metrics *obs.Metrics
	Alerter obs.Alerter
	// Journal records finished trades. Optional.
	Journal    Journal
	Strategies []strategy.Strategy
}

// Journal is the trade log. *journal.Writer satisfies it.
type Journal interface {
	Append(e journal.Entry) error
}

// Runner runs every strategy on its own interval and owns the trades they open.
type Runner struct {
	cfg        Config
	gw         Gateway
	cache      *marketdata.Cache
	ledger     *risk.Ledger
	store      state.Store
	metrics    *obs.Metrics
	alerter    obs.Alerter
	journal    Journal
	strategies []strategy.Strategy
	byID       map[string]strategy.Strategy
	cycles     map[string]*atomic.Uint64

	mu          sync.Mutex
	trades      map[string]*og.Trade
	routes      map[string]string
	tradeOrders map[string][]string
	exiting     map[string]bool
	degraded    map[string]map[string]bool
	day         string

	persistMu  sync.Mutex
	tradeCtx   context.Context
	stopTrades context.CancelFunc
	tradeWG    sync.WaitGroup
}

// New wires a runner to the gateway session. Every strategy must have a budget
// in the ledger.
func New(cfg Config, deps Deps) (*Runner, error) {
	if deps.Gateway == nil || deps.Cache == nil || deps.Ledger == nil {
		return nil, exception.ErrNilInstance
	}
	cfg = cfg.withDefaults()
	alerter := deps.Alerter
	if alerter == nil {
		alerter = obs.LogAlerter{}
	}
	r := &Runner{
		cfg:         cfg,
		gw:          deps.Gateway,
		cache:       deps.Cache,
		ledger:      deps.Ledger,
		store:       deps.Store,
		metrics:     deps.Metrics,
		alerter:     alerter,
		journal:     deps.Journal,
		byID:        make(map[string]strategy.Strategy, len(deps.Strategies)),
		cycles:      make(map[string]*atomic.Uint64, len(deps.Strategies)),
		trades:      make(map[string]*og.Trade),
		routes:      make(map[string]string),
		tradeOrders: make(map[string][]string),
		exiting:     make(map[string]bool),
		degraded:    make(map[string]map[string]bool),
	}
	for _, s := range deps.Strategies {
		if s == nil {
			return nil, exception.ErrNilInstance
		}
		if _, dup := r.byID[s.ID()]; dup {
			return nil, errors.Wrapf(exception.ErrInvalidArgument, "duplicate strategy id %s", s.ID())
		}
		if _, err := r.ledger.Budget(s.ID()); err != nil {
			return nil, err
		}
		r.strategies = append(r.strategies, s)
		r.byID[s.ID()] = s
		r.cycles[s.ID()] = &atomic.Uint64{}
	}
	r.tradeCtx, r.stopTrades = context.WithCancel(context.Background())

	r.gw.OnOrderEvent(r.route)
	r.gw.OnReconnect(r.reconcileAll)
	r.gw.OnDisconnect(func(err error) {
		r.metrics.IncDisconnect()
		r.alerter.Alert(obs.Alert{Severity: obs.SeverityWarning, Message: "gateway disconnected", Err: err})
	})
	return r, nil
}

func (r *Runner) now() time.Time {
	return r.cfg.Clock().In(r.cfg.Hours.location())
}

// Run subscribes the strategies' instruments and schedules them until ctx is
// done, then closes every open trade and persists the day state.
func (r *Runner) Run(ctx context.Context) error {
	r.rollDay(r.now())

	var acquired []schema.Instrument
	defer func() {
		for _, inst := range acquired {
			r.cache.Release(inst)
		}
	}()
	for _, s := range r.strategies {
		for _, inst := range s.Instruments() {
			if err := r.cache.Acquire(ctx, inst); err != nil {
				return errors.Wrapf(err, "subscribe %s for %s", inst.Key(), s.ID())
			}
			acquired = append(acquired, inst)
		}
	}
	logs.Infof("runner started, strategies: %d, trades: %d", len(r.strategies), len(r.Trades()))

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range r.strategies {
		g.Go(func() error {
			r.schedule(gctx, s)
			return nil
		})
	}
	g.Go(func() error {
		r.tickLoop(gctx)
		return nil
	})
	err := g.Wait()
	return stderrors.Join(err, r.shutdown())
}

func (r *Runner) schedule(ctx context.Context, s strategy.Strategy) {
	interval := s.Settings().ScanInterval
	if interval <= 0 {
		interval = r.cfg.DefaultScanInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Cycle(ctx, s)
		}
	}
}

// Cycle runs one OnTick/Scan/submit pass of s and waits for it at most the
// stall timeout. An abandoned cycle keeps running but its intents are dropped.
func (r *Runner) Cycle(ctx context.Context, s strategy.Strategy) {
	gen := r.cycles[s.ID()].Add(1)
	cctx, cancel := context.WithTimeout(ctx, r.cfg.StallTimeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer func() {
			if rec := recover(); rec != nil {
				r.metrics.IncStrategyPanic()
				err := fmt.Errorf("panic: %v", rec)
				logs.Errorf("strategy cycle panicked, strategy: %s, err: %+v\n%s", s.ID(), err, debug.Stack())
				r.alerter.Alert(obs.Alert{Severity: obs.SeverityWarning, StrategyID: s.ID(), Message: "strategy panicked", Err: err})
			}
		}()
		r.runCycle(cctx, s, gen)
	}()

	select {
	case <-done:
		r.persist()
	case <-cctx.Done():
		if ctx.Err() != nil {
			return
		}
		r.cycles[s.ID()].Add(1)
		r.metrics.IncStrategyStall()
		logs.Warnf("strategy cycle abandoned after %s, strategy: %s", r.cfg.StallTimeout, s.ID())
	}
}

func (r *Runner) current(s strategy.Strategy, gen uint64) bool {
	return r.cycles[s.ID()].Load() == gen
}

func (r *Runner) runCycle(ctx context.Context, s strategy.Strategy, gen uint64) {
	start := time.Now()
	now := r.now()
	s.OnTick(ctx, now)
	if !r.cfg.Hours.EntryOpen(now) {
		return
	}
	intents, err := s.Scan(ctx, r.cache)
	r.metrics.ObserveCycle(time.Since(start))
	if err != nil {
		r.metrics.IncStrategyError()
		logs.Errorf("strategy scan failed, strategy: %s, err: %+v", s.ID(), err)
		return
	}
	for _, intent := range intents {
		if ctx.Err() != nil || !r.current(s, gen) {
			logs.Warnf("strategy cycle ended before intent %s was submitted, strategy: %s", intent.ID, s.ID())
			return
		}
		r.submit(ctx, s, intent, now)
	}
}

// submit admits one intent through Decide and the ledger and opens its trade.
func (r *Runner) submit(ctx context.Context, s strategy.Strategy, intent schema.TradeIntent, now time.Time) {
	intent.StrategyID = s.ID()
	if intent.ID == "" {
		intent.ID = uuid.NewString()
	}
	if intent.RequestedAt.IsZero() {
		intent.RequestedAt = now
	}
	if intent.Deadline.IsZero() && intent.Instrument.ExpiresOn(now) {
		intent.Deadline = r.cfg.Hours.Cutoff(now)
	}

	budget, err := r.ledger.Budget(s.ID())
	if err != nil {
		logs.Errorf("strategy budget unavailable, strategy: %s, err: %+v", s.ID(), err)
		return
	}
	sized, ok := s.Decide(intent, budget)
	if !ok {
		logs.Infof("strategy declined intent, strategy: %s, intent: %s, instrument: %s", s.ID(), intent.ID, intent.Instrument)
		return
	}

	res, err := r.ledger.TryReserve(sized)
	if err != nil {
		var rej *risk.Rejection
		if stderrors.As(err, &rej) {
			r.metrics.IncRejection(string(rej.Reason))
		}
		logs.Infof("intent rejected, strategy: %s, intent: %s, err: %+v", s.ID(), sized.ID, err)
		notifyReject(s, sized, err)
		return
	}

	trade, err := og.NewTrade(sized, res, r.gw, r.ledger, r, r.cfg.Trade)
	if err != nil {
		if relErr := r.ledger.Release(res); relErr != nil {
			logs.Errorf("release reservation %s, err: %+v", res.ID, relErr)
		}
		logs.Errorf("intent invalid, strategy: %s, intent: %s, err: %+v", s.ID(), sized.ID, err)
		notifyReject(s, sized, err)
		return
	}

	r.register(trade)
	start := time.Now()
	err = trade.Open(ctx)
	r.metrics.ObserveEntry(time.Since(start))
	if err != nil {
		logs.Warnf("trade not opened, strategy: %s, position: %s, err: %+v", s.ID(), trade.ID(), err)
		notifyReject(s, sized, err)
	}
	if !trade.State().Terminal() {
		r.start(trade)
	}
}

func notifyReject(s strategy.Strategy, intent schema.TradeIntent, err error) {
	if ra, ok := s.(strategy.RejectionAware); ok {
		ra.OnReject(intent, err)
	}
}

func (r *Runner) register(t *og.Trade) {
	r.mu.Lock()
	r.trades[t.ID()] = t
	r.mu.Unlock()
}

func (r *Runner) start(t *og.Trade) {
	r.tradeWG.Add(1)
	go func() {
		defer r.tradeWG.Done()
		t.Run(r.tradeCtx)
	}()
}

// Trades returns the trades that have not finished.
func (r *Runner) Trades() []*og.Trade {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*og.Trade, 0, len(r.trades))
	for _, t := range r.trades {
		out = append(out, t)
	}
	return out
}

// Trade looks up an open trade.
func (r *Runner) Trade(id string) (*og.Trade, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.trades[id]
	return t, ok
}

// CloseTrade asks an open trade to flatten.
func (r *Runner) CloseTrade(id string, reason schema.ExitReason) error {
	t, ok := r.Trade(id)
	if !ok {
		return errors.Wrap(exception.ErrTradeTerminal, id)
	}
	return t.RequestClose(reason)
}

func (r *Runner) tickLoop(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Tick(r.now())
		}
	}
}

// Tick rolls the trading day, ticks every trade and runs the strategies'
// exit checks.
func (r *Runner) Tick(now time.Time) {
	r.rollDay(now)
	for _, t := range r.Trades() {
		if err := t.RequestTick(now); err != nil && !stderrors.Is(err, exception.ErrTradeTerminal) {
			logs.Warnf("trade tick dropped, position: %s, err: %+v", t.ID(), err)
		}
		r.checkExit(t)
	}
}

func (r *Runner) checkExit(t *og.Trade) {
	snap := t.Snapshot()
	if snap.State != og.StateFilled && snap.State != og.StateBracketed {
		return
	}
	s, ok := r.byID[snap.Position.StrategyID]
	if !ok {
		return
	}
	r.mu.Lock()
	requested := r.exiting[t.ID()]
	r.mu.Unlock()
	if requested {
		return
	}
	underlying := schema.Equity(snap.Position.Instrument.Symbol)
	q, status := r.cache.GetQuote(underlying, s.Settings().MaxQuoteAge)
	if status != marketdata.StatusFresh || !s.ShouldExit(snap.Position, q) {
		return
	}
	if err := t.RequestClose(schema.ExitStrategy); err != nil {
		logs.Warnf("strategy exit not queued, strategy: %s, position: %s, err: %+v", s.ID(), t.ID(), err)
		return
	}
	logs.Infof("strategy requested exit, strategy: %s, position: %s, underlying: %s", s.ID(), t.ID(), q.Mark())
	r.mu.Lock()
	r.exiting[t.ID()] = true
	r.mu.Unlock()
}

func (r *Runner) rollDay(now time.Time) {
	day := r.cfg.Hours.Day(now)
	key := state.DayOf(day)
	r.mu.Lock()
	if r.day == key {
		r.mu.Unlock()
		return
	}
	first := r.day == ""
	r.day = key
	r.mu.Unlock()

	if first && r.ledger.Day() == key {
		return
	}
	r.ledger.DailyReset(day)
	logs.Infof("trading day rolled to %s", key)
}

func (r *Runner) reconcileAll() {
	r.metrics.IncReconnect()
	trades := r.Trades()
	logs.Infof("gateway reconnected, reconciling %d trades", len(trades))
	for _, t := range trades {
		if err := t.RequestReconcile(); err != nil && !stderrors.Is(err, exception.ErrTradeTerminal) {
			logs.Errorf("trade reconcile not queued, position: %s, err: %+v", t.ID(), err)
		}
	}
}

// shutdown closes every open trade, waits for them within the shutdown
// timeout and persists what is left.
func (r *Runner) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.ShutdownTimeout)
	defer cancel()

	trades := r.Trades()
	logs.Infof("runner shutting down, closing %d trades", len(trades))
	for _, t := range trades {
		if err := t.RequestClose(schema.ExitShutdown); err != nil && !stderrors.Is(err, exception.ErrTradeTerminal) {
			logs.Errorf("shutdown close not queued, position: %s, err: %+v", t.ID(), err)
		}
	}

	ticker := time.NewTicker(r.cfg.TickInterval)
	defer ticker.Stop()
	var err error
wait:
	for {
		open := r.Trades()
		if len(open) == 0 {
			break
		}
		select {
		case <-open[0].Done():
		case <-ticker.C:
			now := r.now()
			for _, t := range open {
				_ = t.RequestTick(now)
			}
		case <-ctx.Done():
			err = errors.Errorf("shutdown timeout with %d open trades", len(open))
			for _, t := range open {
				r.alerter.Alert(obs.Alert{
					Severity:   obs.SeverityCritical,
					StrategyID: t.StrategyID(),
					PositionID: t.ID(),
					Message:    "position still open at shutdown",
					Err:        err,
				})
			}
			break wait
		}
	}

	r.persist()
	r.stopTrades()
	r.tradeWG.Wait()
	return err
}
