package obs

import (
	"sync"
	"sync/atomic"
	"time"

	"optrader/internal/og"
)

const maxTradeState = int(og.StateEntryFailed)

// Metrics collects lightweight counters and latency stats.
type Metrics struct {
	transitions [maxTradeState + 1]uint64

	rejectMu   sync.Mutex
	rejections map[string]uint64

	disconnects     uint64
	reconnects      uint64
	strategyErrors  uint64
	strategyPanics  uint64
	strategyStalls  uint64
	degraded        uint64
	persistFailures uint64

	cycleLatency LatencyStats
	entryLatency LatencyStats
}

// LatencyStats aggregates duration samples in nanoseconds.
type LatencyStats struct {
	count uint64
	sum   uint64
	min   uint64
	max   uint64
}

// LatencySnapshot is a point-in-time view of latency stats.
type LatencySnapshot struct {
	Count uint64
	Min   time.Duration
	Max   time.Duration
	Avg   time.Duration
}

// Snapshot captures the current metrics values.
type Snapshot struct {
	Transitions     map[og.TradeState]uint64
	Rejections      map[string]uint64
	Disconnects     uint64
	Reconnects      uint64
	StrategyErrors  uint64
	StrategyPanics  uint64
	StrategyStalls  uint64
	Degraded        uint64
	PersistFailures uint64
	CycleLatency    LatencySnapshot
	EntryLatency    LatencySnapshot
}

// NewMetrics allocates a metrics container.
func NewMetrics() *Metrics {
	return &Metrics{rejections: make(map[string]uint64)}
}

// ObserveTransition counts arrivals in a trade state.
func (m *Metrics) ObserveTransition(to og.TradeState) {
	if m == nil {
		return
	}
	idx := int(to)
	if idx >= 0 && idx < len(m.transitions) {
		atomic.AddUint64(&m.transitions[idx], 1)
	}
}

// IncRejection counts a risk rejection by reason.
func (m *Metrics) IncRejection(reason string) {
	if m == nil {
		return
	}
	m.rejectMu.Lock()
	m.rejections[reason]++
	m.rejectMu.Unlock()
}

func (m *Metrics) IncDisconnect() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.disconnects, 1)
}

func (m *Metrics) IncReconnect() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.reconnects, 1)
}

// IncStrategyError counts a scan that returned an error.
func (m *Metrics) IncStrategyError() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.strategyErrors, 1)
}

func (m *Metrics) IncStrategyPanic() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.strategyPanics, 1)
}

// IncStrategyStall counts a cycle abandoned after the stall timeout.
func (m *Metrics) IncStrategyStall() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.strategyStalls, 1)
}

// IncDegraded counts positions that lost bracket protection.
func (m *Metrics) IncDegraded() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.degraded, 1)
}

func (m *Metrics) IncPersistFailure() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.persistFailures, 1)
}

// ObserveCycle measures one strategy scan cycle.
func (m *Metrics) ObserveCycle(d time.Duration) {
	if m == nil {
		return
	}
	m.cycleLatency.Observe(d)
}

// ObserveEntry measures entry order placement.
func (m *Metrics) ObserveEntry(d time.Duration) {
	if m == nil {
		return
	}
	m.entryLatency.Observe(d)
}

// Snapshot returns a copy of the current metrics values.
func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}
	transitions := make(map[og.TradeState]uint64)
	for i := range m.transitions {
		if v := atomic.LoadUint64(&m.transitions[i]); v > 0 {
			transitions[og.TradeState(i)] = v
		}
	}
	m.rejectMu.Lock()
	rejections := make(map[string]uint64, len(m.rejections))
	for k, v := range m.rejections {
		rejections[k] = v
	}
	m.rejectMu.Unlock()
	return Snapshot{
		Transitions:     transitions,
		Rejections:      rejections,
		Disconnects:     atomic.LoadUint64(&m.disconnects),
		Reconnects:      atomic.LoadUint64(&m.reconnects),
		StrategyErrors:  atomic.LoadUint64(&m.strategyErrors),
		StrategyPanics:  atomic.LoadUint64(&m.strategyPanics),
		StrategyStalls:  atomic.LoadUint64(&m.strategyStalls),
		Degraded:        atomic.LoadUint64(&m.degraded),
		PersistFailures: atomic.LoadUint64(&m.persistFailures),
		CycleLatency:    m.cycleLatency.Snapshot(),
		EntryLatency:    m.entryLatency.Snapshot(),
	}
}

// Observe records a duration sample.
func (l *LatencyStats) Observe(d time.Duration) {
	if d < 0 {
		return
	}
	nanos := uint64(d)
	atomic.AddUint64(&l.count, 1)
	atomic.AddUint64(&l.sum, nanos)

	for {
		low := atomic.LoadUint64(&l.min)
		if low != 0 && nanos >= low {
			break
		}
		if atomic.CompareAndSwapUint64(&l.min, low, nanos) {
			break
		}
	}

	for {
		high := atomic.LoadUint64(&l.max)
		if nanos <= high {
			break
		}
		if atomic.CompareAndSwapUint64(&l.max, high, nanos) {
			break
		}
	}
}

// Snapshot returns the aggregated latency stats.
func (l *LatencyStats) Snapshot() LatencySnapshot {
	count := atomic.LoadUint64(&l.count)
	if count == 0 {
		return LatencySnapshot{}
	}
	return LatencySnapshot{
		Count: count,
		Min:   time.Duration(atomic.LoadUint64(&l.min)),
		Max:   time.Duration(atomic.LoadUint64(&l.max)),
		Avg:   time.Duration(atomic.LoadUint64(&l.sum) / count),
	}
}
