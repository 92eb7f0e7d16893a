package obs

import (
	"context"
	"io"
	"time"

	"github.com/yanun0323/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
)

// NewMeterProvider builds an SDK meter provider that writes a JSON reading of
// every instrument to w each interval. Shutdown flushes a last reading.
func NewMeterProvider(w io.Writer, interval time.Duration) (*sdkmetric.MeterProvider, error) {
	if w == nil {
		return nil, errors.New("metrics writer is nil")
	}
	exporter, err := stdoutmetric.New(stdoutmetric.WithWriter(w))
	if err != nil {
		return nil, errors.Wrap(err, "stdout metric exporter")
	}
	opts := []sdkmetric.PeriodicReaderOption{}
	if interval > 0 {
		opts = append(opts, sdkmetric.WithInterval(interval))
	}
	return sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(resource.NewSchemaless(attribute.String("service.name", "optrader"))),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, opts...)),
	), nil
}

// RegisterMeter exports the counters through meter as observable instruments
// read from Snapshot at collection time.
func (m *Metrics) RegisterMeter(meter metric.Meter) (metric.Registration, error) {
	transitions, err := meter.Int64ObservableCounter("optrader.trade.transitions",
		metric.WithDescription("Trade arrivals per state"),
		metric.WithUnit("{transition}"))
	if err != nil {
		return nil, errors.Wrap(err, "transitions counter")
	}
	rejections, err := meter.Int64ObservableCounter("optrader.risk.rejections",
		metric.WithDescription("Risk admission rejections per reason"),
		metric.WithUnit("{intent}"))
	if err != nil {
		return nil, errors.Wrap(err, "rejections counter")
	}
	events, err := meter.Int64ObservableCounter("optrader.engine.events",
		metric.WithDescription("Session and strategy incidents per kind"),
		metric.WithUnit("{event}"))
	if err != nil {
		return nil, errors.Wrap(err, "events counter")
	}
	cycleAvg, err := meter.Float64ObservableGauge("optrader.strategy.cycle.avg",
		metric.WithDescription("Average strategy cycle duration"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, errors.Wrap(err, "cycle gauge")
	}

	return meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		snap := m.Snapshot()
		for state, n := range snap.Transitions {
			o.ObserveInt64(transitions, int64(n), metric.WithAttributes(attribute.String("state", state.String())))
		}
		for reason, n := range snap.Rejections {
			o.ObserveInt64(rejections, int64(n), metric.WithAttributes(attribute.String("reason", reason)))
		}
		for kind, n := range map[string]uint64{
			"disconnect":      snap.Disconnects,
			"reconnect":       snap.Reconnects,
			"strategy_error":  snap.StrategyErrors,
			"strategy_panic":  snap.StrategyPanics,
			"strategy_stall":  snap.StrategyStalls,
			"degraded":        snap.Degraded,
			"persist_failure": snap.PersistFailures,
		} {
			o.ObserveInt64(events, int64(n), metric.WithAttributes(attribute.String("kind", kind)))
		}
		o.ObserveFloat64(cycleAvg, snap.CycleLatency.Avg.Seconds())
		return nil
	}, transitions, rejections, events, cycleAvg)
}
