package main

import (
	"context"
	"flag"
	"io"
	"os"
	"path/filepath"
	"time"

	pyroscope "github.com/grafana/pyroscope-go"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
	"github.com/yanun0323/pkg/sys"
	"go.opentelemetry.io/otel"

	"optrader/internal/gateway"
	"optrader/internal/journal"
	"optrader/internal/marketdata"
	"optrader/internal/obs"
	"optrader/internal/ops"
	"optrader/internal/risk"
	"optrader/internal/runner"
	"optrader/internal/state"
	"optrader/internal/strategy"
)

func main() {
	configPath := flag.String("config", "configs/trader.yaml", "Path to YAML config")
	profileAddr := flag.String("pyroscope", "", "Pyroscope server address (empty=disabled)")
	flag.Parse()

	if *profileAddr != "" {
		profiler, err := pyroscope.Start(pyroscope.Config{
			ApplicationName: "optrader",
			ServerAddress:   *profileAddr,
			Logger:          profileLogger{},
			ProfileTypes: []pyroscope.ProfileType{
				pyroscope.ProfileCPU,
				pyroscope.ProfileAllocObjects,
				pyroscope.ProfileAllocSpace,
				pyroscope.ProfileInuseObjects,
				pyroscope.ProfileInuseSpace,
			},
		})
		if err != nil {
			logs.Errorf("pyroscope start failed, err: %+v", err)
			os.Exit(1)
		}
		defer func() {
			_ = profiler.Stop()
		}()
	}

	if err := run(*configPath); err != nil {
		logs.Errorf("trader stopped, err: %+v", err)
		os.Exit(1)
	}
	logs.Info("trader stopped")
}

func run(configPath string) error {
	loaded, err := ops.Load(configPath)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-sys.Shutdown()
		logs.Info("shutdown signal received")
		cancel()
	}()

	session, err := gateway.Connect(ctx, gateway.NewWSDialer(), loaded.Endpoint, loaded.Gateway)
	if err != nil {
		return err
	}
	defer session.Close()

	ledger, err := risk.NewLedger(loaded.Risk)
	if err != nil {
		return err
	}

	store, closeStore, err := openStore(loaded.Store)
	if err != nil {
		return err
	}
	defer closeStore()

	strategies := make([]strategy.Strategy, 0, len(loaded.Strategies))
	for _, spec := range loaded.Strategies {
		s, err := strategy.New(spec.Kind, spec.ID, spec.Settings)
		if err != nil {
			return errors.Wrap(err, "build strategy "+spec.ID)
		}
		strategies = append(strategies, s)
	}

	var trades *journal.Writer
	if loaded.Journal != nil {
		if trades, err = journal.NewWriter(*loaded.Journal); err != nil {
			return err
		}
		if err := trades.Start(context.Background()); err != nil {
			return err
		}
		defer summarize(trades, loaded.Runner.Hours.Day(time.Now()))
	}

	metrics := obs.NewMetrics()
	if loaded.Metrics != nil {
		stopExport, err := exportMetrics(metrics, *loaded.Metrics)
		if err != nil {
			return err
		}
		defer stopExport()
	}

	alerter, stopAlerts, err := openAlerter(ctx, loaded.Alerts)
	if err != nil {
		return err
	}
	defer stopAlerts()

	deps := runner.Deps{
		Gateway:    session,
		Cache:      marketdata.NewCache(session),
		Ledger:     ledger,
		Store:      store,
		Metrics:    metrics,
		Alerter:    alerter,
		Strategies: strategies,
	}
	if trades != nil {
		deps.Journal = trades
	}
	r, err := runner.New(loaded.Runner, deps)
	if err != nil {
		return err
	}
	if err := r.Restore(ctx); err != nil {
		return errors.Wrap(err, "restore day state")
	}
	logs.Infof("trader started, gateway: %s, strategies: %d", loaded.Endpoint, len(strategies))

	err = r.Run(ctx)
	snap := metrics.Snapshot()
	logs.Infof("session summary, reconnects: %d, rejections: %v, degraded: %d, stalls: %d, panics: %d, cycle avg: %s",
		snap.Reconnects, snap.Rejections, snap.Degraded, snap.StrategyStalls, snap.StrategyPanics, snap.CycleLatency.Avg)
	return err
}

// summarize closes the journal and logs the day's trades.
func summarize(w *journal.Writer, day time.Time) {
	if err := w.Close(); err != nil {
		logs.Errorf("journal close, err: %+v", err)
	}
	key := state.DayOf(day)
	entries, err := journal.ReadDay(w.Dir(), w.Prefix(), key, journal.ReaderOptions{SkipCorrupt: true})
	if err != nil {
		logs.Errorf("read journal %s, err: %+v", key, err)
		return
	}
	s := journal.Summarize(key, entries)
	logs.Infof("day summary %s, trades: %d, closed: %d, failed: %d, wins: %d, losses: %d, win rate: %s, pnl: %s, exits: %v",
		s.Day, s.Trades, s.Closed, s.Failed, s.Wins, s.Losses, s.WinRate(), s.PnL, s.ByReason)
}

// exportMetrics installs a periodic OpenTelemetry export of the engine
// counters as the global meter provider. The returned func unregisters the
// counters and flushes a last reading.
func exportMetrics(metrics *obs.Metrics, spec ops.MetricsSpec) (func(), error) {
	out, dest := io.Writer(os.Stdout), "stdout"
	closeOut := func() {}
	if spec.Path != "" {
		if err := os.MkdirAll(filepath.Dir(spec.Path), 0o755); err != nil {
			return nil, errors.Wrap(err, "create metrics dir")
		}
		f, err := os.OpenFile(spec.Path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, errors.Wrap(err, "open metrics file")
		}
		out, dest, closeOut = f, spec.Path, func() { _ = f.Close() }
	}

	provider, err := obs.NewMeterProvider(out, spec.Interval)
	if err != nil {
		closeOut()
		return nil, err
	}
	otel.SetMeterProvider(provider)
	reg, err := metrics.RegisterMeter(otel.Meter("optrader"))
	if err != nil {
		_ = provider.Shutdown(context.Background())
		closeOut()
		return nil, errors.Wrap(err, "register metrics")
	}
	logs.Infof("metrics export every %s to %s", spec.Interval, dest)
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(ctx); err != nil {
			logs.Warnf("metrics shutdown, err: %+v", err)
		}
		_ = reg.Unregister()
		closeOut()
	}, nil
}

func openStore(spec ops.StoreSpec) (state.Store, func(), error) {
	switch spec.Kind {
	case ops.StorePostgres:
		pg, err := state.NewPGStore(spec.PG)
		if err != nil {
			return nil, nil, err
		}
		return pg, func() { _ = pg.Close() }, nil
	case ops.StoreSQLite:
		lite, err := state.NewSQLiteStore(spec.Path)
		if err != nil {
			return nil, nil, err
		}
		return lite, func() { _ = lite.Close() }, nil
	default:
		return state.NewFileStore(spec.Dir), func() {}, nil
	}
}

// openAlerter always logs alerts and also posts them to telegram when a token
// is configured.
func openAlerter(ctx context.Context, spec ops.AlertSpec) (obs.Alerter, func(), error) {
	if spec.TelegramToken == "" {
		return obs.LogAlerter{}, func() {}, nil
	}
	bot, err := obs.NewTelegramBot(spec.TelegramToken)
	if err != nil {
		return nil, nil, err
	}
	tg := obs.NewTelegramAlerter(bot, spec.TelegramChatID, spec.MinSeverity, 64)
	done := make(chan struct{})
	go func() {
		defer close(done)
		tg.Run(context.WithoutCancel(ctx))
	}()
	stop := func() {
		tg.Close()
		<-done
	}
	return obs.Fanout{obs.LogAlerter{}, tg}, stop, nil
}

type profileLogger struct{}

func (profileLogger) Infof(format string, args ...interface{}) {
	logs.Infof(format, args...)
}

func (profileLogger) Debugf(string, ...interface{}) {}

func (profileLogger) Errorf(format string, args ...interface{}) {
	logs.Errorf(format, args...)
}
