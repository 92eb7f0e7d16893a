package obs

import (
	"sync"

	"github.com/yanun0323/logs"
)

// Severity ranks operator alerts.
type Severity uint8

const (
	SeverityWarning Severity = iota + 1
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityWarning:
		return "warning"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Alert is a condition an operator must look at.
type Alert struct {
	Severity   Severity
	StrategyID string
	PositionID string
	Message    string
	Err        error
}

// Alerter delivers operator alerts. Implementations must not block.
type Alerter interface {
	Alert(a Alert)
}

// LogAlerter writes alerts to the error log.
type LogAlerter struct{}

func (LogAlerter) Alert(a Alert) {
	logs.Errorf("ALERT[%s] strategy: %s, position: %s, %s, err: %+v",
		a.Severity, a.StrategyID, a.PositionID, a.Message, a.Err)
}

// Recorder keeps alerts in memory, for tests and status dumps.
type Recorder struct {
	mu     sync.Mutex
	alerts []Alert
}

func (r *Recorder) Alert(a Alert) {
	r.mu.Lock()
	r.alerts = append(r.alerts, a)
	r.mu.Unlock()
}

// Alerts returns a copy of the recorded alerts.
func (r *Recorder) Alerts() []Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Alert(nil), r.alerts...)
}
