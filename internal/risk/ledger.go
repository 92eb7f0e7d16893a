package risk

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"optrader/internal/schema"
	"optrader/pkg/exception"
)

const dayLayout = "2006-01-02"

// Reason is the admission denial code.
type Reason string

const (
	ReasonNone                Reason = ""
	ReasonDailyLimitReached   Reason = "DailyLimitReached"
	ReasonDuplicatePosition   Reason = "DuplicatePosition"
	ReasonCapitalExceeded     Reason = "CapitalExceeded"
	ReasonRiskCeilingExceeded Reason = "RiskCeilingExceeded"
	ReasonAllocationExceeded  Reason = "AllocationExceeded"
	ReasonStrategyHalted      Reason = "StrategyHalted"
	ReasonUnknownStrategy     Reason = "UnknownStrategy"
	ReasonKillSwitch          Reason = "KillSwitch"
	ReasonInvalidIntent       Reason = "InvalidIntent"
)

// Budget is the configured limit set of one strategy.
type Budget struct {
	// Allocation caps the capital the strategy may have committed at once. Zero disables it.
	Allocation decimal.Decimal `json:"allocation"`
	// RiskPerTrade caps the capital of a single intent.
	RiskPerTrade decimal.Decimal `json:"riskPerTrade"`
	// MaxDailyTrades caps admitted intents per trading day.
	MaxDailyTrades int `json:"maxDailyTrades"`
}

// Config defines the account-wide and per-strategy limits.
type Config struct {
	MaxCapital decimal.Decimal   `json:"maxCapital"`
	KillSwitch bool              `json:"killSwitch"`
	Strategies map[string]Budget `json:"strategies"`
}

// Validate checks the limits are usable.
func (c Config) Validate() error {
	if !c.MaxCapital.IsPositive() {
		return errors.Wrap(exception.ErrInvalidRiskConfig, "max capital must be positive")
	}
	for id, b := range c.Strategies {
		if !b.RiskPerTrade.IsPositive() {
			return errors.Wrapf(exception.ErrInvalidRiskConfig, "strategy %s: risk per trade must be positive", id)
		}
		if b.MaxDailyTrades <= 0 {
			return errors.Wrapf(exception.ErrInvalidRiskConfig, "strategy %s: max daily trades must be positive", id)
		}
		if b.Allocation.IsNegative() {
			return errors.Wrapf(exception.ErrInvalidRiskConfig, "strategy %s: negative allocation", id)
		}
	}
	return nil
}

// RiskBudget is a read-only view of a strategy's limits and usage.
type RiskBudget struct {
	StrategyID     string          `json:"strategyId"`
	Allocation     decimal.Decimal `json:"allocation"`
	RiskPerTrade   decimal.Decimal `json:"riskPerTrade"`
	MaxDailyTrades int             `json:"maxDailyTrades"`
	TradesToday    int             `json:"tradesToday"`
	Committed      decimal.Decimal `json:"committed"`
	Halted         bool            `json:"halted"`
	HaltReason     string          `json:"haltReason,omitempty"`
}

// Remaining returns the capital the strategy may still commit, bounded by
// both its allocation and the risk-per-trade ceiling.
func (b RiskBudget) Remaining() decimal.Decimal {
	if b.Allocation.IsZero() {
		return b.RiskPerTrade
	}
	left := b.Allocation.Sub(b.Committed)
	if left.IsNegative() {
		return decimal.Zero
	}
	return decimal.Min(left, b.RiskPerTrade)
}

// Reservation is a hold on capital and one daily trade slot.
type Reservation struct {
	ID         string          `json:"id"`
	StrategyID string          `json:"strategyId"`
	IntentID   string          `json:"intentId"`
	Instrument string          `json:"instrument"`
	Capital    decimal.Decimal `json:"capital"`
	CreatedAt  time.Time       `json:"createdAt"`
}

// Rejection is returned by TryReserve when admission is denied.
type Rejection struct {
	Reason     Reason
	StrategyID string
	Instrument string
	Detail     string
}

func (r *Rejection) Error() string {
	if r.Detail == "" {
		return fmt.Sprintf("risk rejected %s/%s: %s", r.StrategyID, r.Instrument, r.Reason)
	}
	return fmt.Sprintf("risk rejected %s/%s: %s (%s)", r.StrategyID, r.Instrument, r.Reason, r.Detail)
}

func (r *Rejection) Unwrap() error {
	return exception.ErrRiskRejected
}

type reservationState uint8

const (
	reservationReserved reservationState = iota
	reservationConsumed
	reservationSettled
)

type entry struct {
	res        Reservation
	state      reservationState
	positionID string
}

type strategyState struct {
	budget     Budget
	trades     int
	committed  decimal.Decimal
	halted     bool
	haltReason string
	live       map[string]string
}

// Ledger is the single arbiter of order admission. Every mutation happens
// under one mutex.
type Ledger struct {
	mu           sync.Mutex
	cfg          Config
	day          string
	committed    decimal.Decimal
	strategies   map[string]*strategyState
	reservations map[string]*entry
	now          func() time.Time
}

// NewLedger validates cfg and returns an empty ledger.
func NewLedger(cfg Config) (*Ledger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	l := &Ledger{
		cfg:          cfg,
		strategies:   make(map[string]*strategyState, len(cfg.Strategies)),
		reservations: make(map[string]*entry),
		now:          time.Now,
	}
	for id, b := range cfg.Strategies {
		l.strategies[id] = &strategyState{budget: b, live: make(map[string]string)}
	}
	l.day = l.now().Format(dayLayout)
	return l, nil
}

// SetClock overrides the clock used for reservation timestamps.
func (l *Ledger) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if now != nil {
		l.now = now
	}
}

// TryReserve atomically checks the intent against every limit and, if admitted,
// commits its capital and counts a trade. Denials return *Rejection.
func (l *Ledger) TryReserve(intent schema.TradeIntent) (Reservation, error) {
	key := intent.Instrument.Key()
	capital := intent.Capital()

	l.mu.Lock()
	defer l.mu.Unlock()

	reject := func(reason Reason, detail string) (Reservation, error) {
		logs.Warnf("risk rejected, strategy: %s, intent: %s, instrument: %s, reason: %s, detail: %s",
			intent.StrategyID, intent.ID, key, reason, detail)
		return Reservation{}, &Rejection{Reason: reason, StrategyID: intent.StrategyID, Instrument: key, Detail: detail}
	}

	st, ok := l.strategies[intent.StrategyID]
	switch {
	case !ok:
		return reject(ReasonUnknownStrategy, "")
	case l.cfg.KillSwitch:
		return reject(ReasonKillSwitch, "")
	case st.halted:
		return reject(ReasonStrategyHalted, st.haltReason)
	case intent.Qty <= 0 || !capital.IsPositive():
		return reject(ReasonInvalidIntent, fmt.Sprintf("qty %d capital %s", intent.Qty, capital))
	}

	if st.trades >= st.budget.MaxDailyTrades {
		return reject(ReasonDailyLimitReached, fmt.Sprintf("%d/%d", st.trades, st.budget.MaxDailyTrades))
	}
	if _, dup := st.live[key]; dup {
		return reject(ReasonDuplicatePosition, "")
	}
	if next := l.committed.Add(capital); next.GreaterThan(l.cfg.MaxCapital) {
		return reject(ReasonCapitalExceeded, fmt.Sprintf("%s > %s", next, l.cfg.MaxCapital))
	}
	if capital.GreaterThan(st.budget.RiskPerTrade) {
		return reject(ReasonRiskCeilingExceeded, fmt.Sprintf("%s > %s", capital, st.budget.RiskPerTrade))
	}
	if st.budget.Allocation.IsPositive() {
		if next := st.committed.Add(capital); next.GreaterThan(st.budget.Allocation) {
			return reject(ReasonAllocationExceeded, fmt.Sprintf("%s > %s", next, st.budget.Allocation))
		}
	}

	res := Reservation{
		ID:         uuid.NewString(),
		StrategyID: intent.StrategyID,
		IntentID:   intent.ID,
		Instrument: key,
		Capital:    capital,
		CreatedAt:  l.now(),
	}
	st.trades++
	st.committed = st.committed.Add(capital)
	st.live[key] = res.ID
	l.committed = l.committed.Add(capital)
	l.reservations[res.ID] = &entry{res: res, state: reservationReserved}

	logs.Infof("risk reserved, strategy: %s, intent: %s, reservation: %s, instrument: %s, capital: %s, committed: %s/%s",
		intent.StrategyID, intent.ID, res.ID, key, capital, l.committed, l.cfg.MaxCapital)
	return res, nil
}

// Consume binds a reservation to the position created from it.
func (l *Ledger) Consume(res Reservation, positionID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.reservations[res.ID]
	if !ok {
		return errors.Wrap(exception.ErrReservationNotFound, res.ID)
	}
	switch e.state {
	case reservationSettled:
		return errors.Wrap(exception.ErrReservationSettled, res.ID)
	case reservationConsumed:
		if e.positionID == positionID {
			return nil
		}
		return errors.Wrapf(exception.ErrReservationSettled, "%s consumed by %s", res.ID, e.positionID)
	}
	e.state = reservationConsumed
	e.positionID = positionID
	return nil
}

// Release settles a reservation whose order never produced a position. The
// capital and the day's trade slot are both returned.
func (l *Ledger) Release(res Reservation) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, st, err := l.settleLocked(res.ID)
	if err != nil {
		return err
	}
	if st != nil && st.trades > 0 {
		st.trades--
	}
	logs.Infof("risk released, strategy: %s, reservation: %s, capital: %s, committed: %s",
		e.res.StrategyID, e.res.ID, e.res.Capital, l.committed)
	return nil
}

// RecordFill settles the reservation of a closed position. The capital is
// returned; the trade stays counted for the day.
func (l *Ledger) RecordFill(position schema.Position) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.reservations[position.ReservationID]
	if !ok {
		return errors.Wrap(exception.ErrReservationNotFound, position.ReservationID)
	}
	if e.state == reservationReserved {
		return errors.Wrap(exception.ErrReservationUnconsumed, position.ReservationID)
	}
	if _, _, err := l.settleLocked(position.ReservationID); err != nil {
		return err
	}
	logs.Infof("risk settled, strategy: %s, position: %s, reservation: %s, exit: %s, pnl: %s, committed: %s",
		position.StrategyID, position.ID, position.ReservationID, position.ExitReason, position.PnL(), l.committed)
	return nil
}

func (l *Ledger) settleLocked(id string) (*entry, *strategyState, error) {
	e, ok := l.reservations[id]
	if !ok {
		return nil, nil, errors.Wrap(exception.ErrReservationNotFound, id)
	}
	if e.state == reservationSettled {
		return nil, nil, errors.Wrap(exception.ErrReservationSettled, id)
	}
	e.state = reservationSettled
	l.committed = l.committed.Sub(e.res.Capital)
	st := l.strategies[e.res.StrategyID]
	if st != nil {
		st.committed = st.committed.Sub(e.res.Capital)
		if st.live[e.res.Instrument] == id {
			delete(st.live, e.res.Instrument)
		}
	}
	return e, st, nil
}

// DailyReset starts a new trading day: daily trade counters go back to zero.
// Committed capital and live positions carry over.
func (l *Ledger) DailyReset(day time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, st := range l.strategies {
		st.trades = 0
	}
	// settled entries are kept until the day ends so a repeated settlement is reported
	for id, e := range l.reservations {
		if e.state == reservationSettled {
			delete(l.reservations, id)
		}
	}
	l.day = day.Format(dayLayout)
	logs.Infof("risk daily reset, day: %s, committed: %s", l.day, l.committed)
}

// Day returns the trading day the counters belong to.
func (l *Ledger) Day() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.day
}

// Halt blocks new entries for the strategy until Resume.
func (l *Ledger) Halt(strategyID, reason string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.strategies[strategyID]
	if !ok {
		return errors.Wrap(exception.ErrUnknownStrategy, strategyID)
	}
	if !st.halted {
		logs.Errorf("risk halted strategy, strategy: %s, reason: %s", strategyID, reason)
	}
	st.halted = true
	st.haltReason = reason
	return nil
}

// Resume lifts a halt.
func (l *Ledger) Resume(strategyID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.strategies[strategyID]
	if !ok {
		return errors.Wrap(exception.ErrUnknownStrategy, strategyID)
	}
	if st.halted {
		logs.Infof("risk resumed strategy, strategy: %s", strategyID)
	}
	st.halted = false
	st.haltReason = ""
	return nil
}

// Budget returns a copy of the strategy's limits and usage.
func (l *Ledger) Budget(strategyID string) (RiskBudget, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.strategies[strategyID]
	if !ok {
		return RiskBudget{}, errors.Wrap(exception.ErrUnknownStrategy, strategyID)
	}
	return budgetOf(strategyID, st), nil
}

// Committed returns the account-wide committed capital.
func (l *Ledger) Committed() decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.committed
}

func budgetOf(id string, st *strategyState) RiskBudget {
	return RiskBudget{
		StrategyID:     id,
		Allocation:     st.budget.Allocation,
		RiskPerTrade:   st.budget.RiskPerTrade,
		MaxDailyTrades: st.budget.MaxDailyTrades,
		TradesToday:    st.trades,
		Committed:      st.committed,
		Halted:         st.halted,
		HaltReason:     st.haltReason,
	}
}

// Snapshot is the persisted form of the day counters.
type Snapshot struct {
	Day        string       `json:"day"`
	Committed  string       `json:"committed"`
	Strategies []RiskBudget `json:"strategies"`
}

// Snapshot captures the counters for persistence.
func (l *Ledger) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	snap := Snapshot{Day: l.day, Committed: l.committed.String()}
	for id, st := range l.strategies {
		snap.Strategies = append(snap.Strategies, budgetOf(id, st))
	}
	sort.Slice(snap.Strategies, func(i, j int) bool {
		return snap.Strategies[i].StrategyID < snap.Strategies[j].StrategyID
	})
	return snap
}

// Restore reloads daily counters and halts, but only when the snapshot belongs
// to the given day. Committed capital is rebuilt by Adopt from surviving positions.
// Returns whether anything was restored.
func (l *Ledger) Restore(snap Snapshot, day time.Time) bool {
	today := day.Format(dayLayout)
	l.mu.Lock()
	defer l.mu.Unlock()
	l.day = today
	if snap.Day != today {
		logs.Infof("risk snapshot of %s ignored on %s", snap.Day, today)
		return false
	}
	for _, b := range snap.Strategies {
		st, ok := l.strategies[b.StrategyID]
		if !ok {
			continue
		}
		st.trades = b.TradesToday
		st.halted = b.Halted
		st.haltReason = b.HaltReason
	}
	return true
}

// Adopt re-registers a surviving position as a consumed reservation without
// counting a new trade. Used on restart after reconciliation.
func (l *Ledger) Adopt(position schema.Position) (Reservation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	st, ok := l.strategies[position.StrategyID]
	if !ok {
		return Reservation{}, errors.Wrap(exception.ErrUnknownStrategy, position.StrategyID)
	}
	id := position.ReservationID
	if id == "" {
		id = uuid.NewString()
	}
	if e, ok := l.reservations[id]; ok && e.state != reservationSettled {
		return e.res, nil
	}
	key := position.Instrument.Key()
	res := Reservation{
		ID:         id,
		StrategyID: position.StrategyID,
		Instrument: key,
		Capital:    position.Capital,
		CreatedAt:  position.OpenedAt,
	}
	l.reservations[id] = &entry{res: res, state: reservationConsumed, positionID: position.ID}
	st.live[key] = id
	st.committed = st.committed.Add(res.Capital)
	l.committed = l.committed.Add(res.Capital)
	if l.committed.GreaterThan(l.cfg.MaxCapital) {
		logs.Warnf("risk adopted position over capital limit, position: %s, committed: %s/%s",
			position.ID, l.committed, l.cfg.MaxCapital)
	}
	return res, nil
}
