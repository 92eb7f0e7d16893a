// Package ops loads the engine configuration file.
package ops

import (
	"os"
	"time"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"
	"gopkg.in/yaml.v3"

	"optrader/internal/gateway"
	"optrader/internal/journal"
	"optrader/internal/obs"
	"optrader/internal/risk"
	"optrader/internal/runner"
	"optrader/internal/state"
	"optrader/internal/strategy"
	"optrader/pkg/exception"
)

const (
	StoreFile     = "file"
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"

	envPGPassword = "OPTRADER_PG_PASSWORD"
	envTGToken    = "OPTRADER_TG_TOKEN"
)

// FileConfig mirrors the YAML config layout.
type FileConfig struct {
	Gateway    GatewayConfig    `yaml:"gateway"`
	Risk       RiskConfig       `yaml:"risk"`
	Engine     EngineConfig     `yaml:"engine"`
	Store      StoreConfig      `yaml:"store"`
	Journal    JournalConfig    `yaml:"journal"`
	Alerts     AlertConfig      `yaml:"alerts"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Strategies []StrategyConfig `yaml:"strategies"`
}

// GatewayConfig locates the brokerage gateway.
type GatewayConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	ClientID       int           `yaml:"client_id"`
	RequestTimeout string        `yaml:"request_timeout"`
	Backoff        BackoffConfig `yaml:"backoff"`
}

// BackoffConfig paces reconnects.
type BackoffConfig struct {
	Min    string  `yaml:"min"`
	Max    string  `yaml:"max"`
	Factor float64 `yaml:"factor"`
	Jitter float64 `yaml:"jitter"`
}

// RiskConfig holds account-wide limits.
type RiskConfig struct {
	MaxCapital float64 `yaml:"max_capital"`
	KillSwitch bool    `yaml:"kill_switch"`
}

// EngineConfig tunes the order state machine and the scheduler.
type EngineConfig struct {
	CompletenessThreshold *float64 `yaml:"completeness_threshold"`
	OrderTimeout          string   `yaml:"order_timeout"`
	EntryFillTimeout      string   `yaml:"entry_fill_timeout"`
	StallTimeout          string   `yaml:"stall_timeout"`
	ShutdownTimeout       string   `yaml:"shutdown_timeout"`
	TickInterval          string   `yaml:"tick_interval"`
	Timezone              string   `yaml:"timezone"`
	MarketOpen            string   `yaml:"market_open"`
	MarketClose           string   `yaml:"market_close"`
	ExitCutoff            string   `yaml:"exit_cutoff"`
}

// StoreConfig selects where day state is persisted.
type StoreConfig struct {
	Kind     string            `yaml:"kind"`
	Dir      string            `yaml:"dir"`
	Path     string            `yaml:"path"`
	DSN      string            `yaml:"dsn"`
	Host     string            `yaml:"host"`
	Port     int               `yaml:"port"`
	User     string            `yaml:"user"`
	Password string            `yaml:"password"`
	Database string            `yaml:"database"`
	SSLMode  string            `yaml:"ssl_mode"`
	Params   map[string]string `yaml:"params"`
	Migrate  bool              `yaml:"migrate"`
}

// JournalConfig places the closed trade journal.
type JournalConfig struct {
	Disabled      bool   `yaml:"disabled"`
	Dir           string `yaml:"dir"`
	FlushInterval string `yaml:"flush_interval"`
}

// AlertConfig routes operator alerts to telegram in addition to the log.
type AlertConfig struct {
	TelegramToken  string `yaml:"telegram_token"`
	TelegramChatID int64  `yaml:"telegram_chat_id"`
	MinSeverity    string `yaml:"min_severity"`
}

// MetricsConfig controls the periodic OpenTelemetry metrics export.
type MetricsConfig struct {
	Disabled bool   `yaml:"disabled"`
	Interval string `yaml:"interval"`
	// Path receives JSON readings; empty writes to stdout.
	Path string `yaml:"path"`
}

// StrategyConfig is one strategy instance.
type StrategyConfig struct {
	ID               string            `yaml:"id"`
	Kind             string            `yaml:"kind"`
	Tickers          []string          `yaml:"tickers"`
	ScanInterval     string            `yaml:"scan_interval"`
	MaxQuoteAge      string            `yaml:"max_quote_age"`
	StopMultiplier   float64           `yaml:"stop_multiplier"`
	TargetMultiplier float64           `yaml:"target_multiplier"`
	RiskPerTrade     float64           `yaml:"risk_per_trade"`
	Allocation       float64           `yaml:"allocation"`
	MaxDailyTrades   int               `yaml:"max_daily_trades"`
	Params           map[string]string `yaml:"params"`
}

// StrategySpec is a resolved strategy instance.
type StrategySpec struct {
	ID       string
	Kind     string
	Settings strategy.Settings
}

// StoreSpec is the resolved persistence choice.
type StoreSpec struct {
	Kind string
	Dir  string
	Path string
	PG   state.PGOption
}

// AlertSpec is the resolved alert routing. Telegram is off without a token.
type AlertSpec struct {
	TelegramToken  string
	TelegramChatID int64
	MinSeverity    obs.Severity
}

// MetricsSpec is the resolved metrics export.
type MetricsSpec struct {
	Interval time.Duration
	Path     string
}

// Loaded is the resolved configuration ready for use.
type Loaded struct {
	Endpoint gateway.Endpoint
	Gateway  gateway.Option
	Risk     risk.Config
	Runner   runner.Config
	Store    StoreSpec
	// Journal is nil when the journal is disabled.
	Journal *journal.Config
	Alerts  AlertSpec
	// Metrics is nil when the export is disabled.
	Metrics    *MetricsSpec
	Strategies []StrategySpec
}

// Load reads a YAML config file and resolves it.
func Load(path string) (Loaded, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Loaded{}, errors.Wrap(err, "read config")
	}
	return Parse(data)
}

// Parse resolves YAML config bytes. The postgres password may come from
// OPTRADER_PG_PASSWORD instead of the file.
func Parse(data []byte) (Loaded, error) {
	var cfg FileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Loaded{}, errors.Wrap(err, "decode config")
	}
	if pw := os.Getenv(envPGPassword); pw != "" {
		cfg.Store.Password = pw
	}
	if token := os.Getenv(envTGToken); token != "" {
		cfg.Alerts.TelegramToken = token
	}
	return resolve(cfg)
}

func resolve(cfg FileConfig) (Loaded, error) {
	var out Loaded
	var err error

	if out.Endpoint, out.Gateway, err = resolveGateway(cfg.Gateway); err != nil {
		return Loaded{}, err
	}
	if out.Runner, err = resolveEngine(cfg.Engine); err != nil {
		return Loaded{}, err
	}
	if out.Store, err = resolveStore(cfg.Store); err != nil {
		return Loaded{}, err
	}
	if out.Journal, err = resolveJournal(cfg.Journal); err != nil {
		return Loaded{}, err
	}
	if out.Alerts, err = resolveAlerts(cfg.Alerts); err != nil {
		return Loaded{}, err
	}
	if out.Metrics, err = resolveMetrics(cfg.Metrics); err != nil {
		return Loaded{}, err
	}

	out.Risk = risk.Config{
		MaxCapital: decimal.NewFromFloat(cfg.Risk.MaxCapital),
		KillSwitch: cfg.Risk.KillSwitch,
		Strategies: make(map[string]risk.Budget, len(cfg.Strategies)),
	}
	if len(cfg.Strategies) == 0 {
		return Loaded{}, errors.Wrap(exception.ErrInvalidArgument, "no strategies configured")
	}
	for i, sc := range cfg.Strategies {
		spec, budget, err := resolveStrategy(sc)
		if err != nil {
			return Loaded{}, errors.Wrapf(err, "strategies[%d]", i)
		}
		if _, dup := out.Risk.Strategies[spec.ID]; dup {
			return Loaded{}, errors.Wrapf(exception.ErrInvalidArgument, "duplicate strategy id %s", spec.ID)
		}
		out.Risk.Strategies[spec.ID] = budget
		out.Strategies = append(out.Strategies, spec)
	}
	if err := out.Risk.Validate(); err != nil {
		return Loaded{}, err
	}
	return out, nil
}

func resolveGateway(cfg GatewayConfig) (gateway.Endpoint, gateway.Option, error) {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port <= 0 {
		return gateway.Endpoint{}, gateway.Option{}, errors.Wrap(exception.ErrInvalidArgument, "gateway port must be > 0")
	}
	opt := gateway.DefaultOption()
	var err error
	if opt.RequestTimeout, err = duration("gateway.request_timeout", cfg.RequestTimeout, opt.RequestTimeout); err != nil {
		return gateway.Endpoint{}, gateway.Option{}, err
	}
	if opt.Backoff.Min, err = duration("gateway.backoff.min", cfg.Backoff.Min, opt.Backoff.Min); err != nil {
		return gateway.Endpoint{}, gateway.Option{}, err
	}
	if opt.Backoff.Max, err = duration("gateway.backoff.max", cfg.Backoff.Max, opt.Backoff.Max); err != nil {
		return gateway.Endpoint{}, gateway.Option{}, err
	}
	if cfg.Backoff.Factor > 0 {
		opt.Backoff.Factor = cfg.Backoff.Factor
	}
	if cfg.Backoff.Jitter > 0 {
		opt.Backoff.Jitter = cfg.Backoff.Jitter
	}
	return gateway.Endpoint{Host: cfg.Host, Port: cfg.Port, ClientID: cfg.ClientID}, opt, nil
}

func resolveEngine(cfg EngineConfig) (runner.Config, error) {
	rc := runner.DefaultConfig()
	var err error
	if cfg.CompletenessThreshold != nil {
		v := *cfg.CompletenessThreshold
		if v < 0 || v > 1 {
			return runner.Config{}, errors.Wrap(exception.ErrInvalidArgument, "engine.completeness_threshold must be within [0,1]")
		}
		rc.Trade.CompletenessThreshold = decimal.NewFromFloat(v)
	}
	if rc.Trade.OrderTimeout, err = duration("engine.order_timeout", cfg.OrderTimeout, rc.Trade.OrderTimeout); err != nil {
		return runner.Config{}, err
	}
	if rc.Trade.EntryFillTimeout, err = duration("engine.entry_fill_timeout", cfg.EntryFillTimeout, rc.Trade.EntryFillTimeout); err != nil {
		return runner.Config{}, err
	}
	if rc.StallTimeout, err = duration("engine.stall_timeout", cfg.StallTimeout, rc.StallTimeout); err != nil {
		return runner.Config{}, err
	}
	if rc.ShutdownTimeout, err = duration("engine.shutdown_timeout", cfg.ShutdownTimeout, rc.ShutdownTimeout); err != nil {
		return runner.Config{}, err
	}
	if rc.TickInterval, err = duration("engine.tick_interval", cfg.TickInterval, rc.TickInterval); err != nil {
		return runner.Config{}, err
	}

	if cfg.Timezone != "" {
		loc, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			return runner.Config{}, errors.Wrapf(exception.ErrInvalidArgument, "engine.timezone %s: %v", cfg.Timezone, err)
		}
		rc.Hours.Location = loc
	}
	if rc.Hours.Open, err = clockTime("engine.market_open", cfg.MarketOpen, rc.Hours.Open); err != nil {
		return runner.Config{}, err
	}
	if rc.Hours.Close, err = clockTime("engine.market_close", cfg.MarketClose, rc.Hours.Close); err != nil {
		return runner.Config{}, err
	}
	if rc.Hours.ExitCutoff, err = clockTime("engine.exit_cutoff", cfg.ExitCutoff, rc.Hours.ExitCutoff); err != nil {
		return runner.Config{}, err
	}
	if rc.Hours.Open >= rc.Hours.Close {
		return runner.Config{}, errors.Wrap(exception.ErrInvalidArgument, "engine.market_open must be before market_close")
	}
	if rc.Hours.ExitCutoff <= rc.Hours.Open || rc.Hours.ExitCutoff > rc.Hours.Close {
		return runner.Config{}, errors.Wrap(exception.ErrInvalidArgument, "engine.exit_cutoff must fall within the session")
	}
	return rc, nil
}

func resolveStore(cfg StoreConfig) (StoreSpec, error) {
	switch cfg.Kind {
	case "", StoreFile:
		dir := cfg.Dir
		if dir == "" {
			dir = "data"
		}
		return StoreSpec{Kind: StoreFile, Dir: dir}, nil
	case StoreSQLite:
		path := cfg.Path
		if path == "" {
			path = "data/state.sqlite"
		}
		return StoreSpec{Kind: StoreSQLite, Path: path}, nil
	case StorePostgres:
		pg := state.PGOption{
			Host:       cfg.Host,
			Port:       cfg.Port,
			User:       cfg.User,
			Password:   cfg.Password,
			Database:   cfg.Database,
			SSLMode:    cfg.SSLMode,
			Params:     cfg.Params,
			ConnString: cfg.DSN,
			Migrate:    cfg.Migrate,
		}
		if err := pg.Validate(); err != nil {
			return StoreSpec{}, errors.Wrap(err, "store")
		}
		return StoreSpec{Kind: StorePostgres, PG: pg}, nil
	default:
		return StoreSpec{}, errors.Wrapf(exception.ErrInvalidArgument, "store.kind %q", cfg.Kind)
	}
}

func resolveJournal(cfg JournalConfig) (*journal.Config, error) {
	if cfg.Disabled {
		return nil, nil
	}
	dir := cfg.Dir
	if dir == "" {
		dir = "data/journal"
	}
	jc := journal.DefaultConfig(dir)
	flush, err := duration("journal.flush_interval", cfg.FlushInterval, jc.FlushInterval)
	if err != nil {
		return nil, err
	}
	jc.FlushInterval = flush
	return &jc, nil
}

func resolveMetrics(cfg MetricsConfig) (*MetricsSpec, error) {
	if cfg.Disabled {
		return nil, nil
	}
	interval, err := duration("metrics.interval", cfg.Interval, time.Minute)
	if err != nil {
		return nil, err
	}
	return &MetricsSpec{Interval: interval, Path: cfg.Path}, nil
}

func resolveAlerts(cfg AlertConfig) (AlertSpec, error) {
	sev, ok := obs.ParseSeverity(cfg.MinSeverity)
	if !ok {
		return AlertSpec{}, errors.Wrapf(exception.ErrInvalidArgument, "alerts.min_severity %q", cfg.MinSeverity)
	}
	if cfg.TelegramToken != "" && cfg.TelegramChatID == 0 {
		return AlertSpec{}, errors.Wrap(exception.ErrInvalidArgument, "alerts.telegram_chat_id is required with a token")
	}
	return AlertSpec{
		TelegramToken:  cfg.TelegramToken,
		TelegramChatID: cfg.TelegramChatID,
		MinSeverity:    sev,
	}, nil
}

func resolveStrategy(cfg StrategyConfig) (StrategySpec, risk.Budget, error) {
	if cfg.ID == "" {
		return StrategySpec{}, risk.Budget{}, errors.Wrap(exception.ErrInvalidArgument, "id is empty")
	}
	if cfg.Kind == "" {
		return StrategySpec{}, risk.Budget{}, errors.Wrap(exception.ErrInvalidArgument, "kind is empty")
	}
	if len(cfg.Tickers) == 0 {
		return StrategySpec{}, risk.Budget{}, errors.Wrapf(exception.ErrInvalidArgument, "%s: no tickers", cfg.ID)
	}
	if cfg.StopMultiplier <= 0 || cfg.StopMultiplier >= 1 {
		return StrategySpec{}, risk.Budget{}, errors.Wrapf(exception.ErrInvalidArgument, "%s: stop_multiplier must be within (0,1)", cfg.ID)
	}
	if cfg.TargetMultiplier <= 1 {
		return StrategySpec{}, risk.Budget{}, errors.Wrapf(exception.ErrInvalidArgument, "%s: target_multiplier must be > 1", cfg.ID)
	}
	if cfg.MaxDailyTrades <= 0 {
		return StrategySpec{}, risk.Budget{}, errors.Wrapf(exception.ErrInvalidArgument, "%s: max_daily_trades must be > 0", cfg.ID)
	}

	settings := strategy.Settings{
		Tickers:          cfg.Tickers,
		StopMultiplier:   decimal.NewFromFloat(cfg.StopMultiplier),
		TargetMultiplier: decimal.NewFromFloat(cfg.TargetMultiplier),
		RiskPerTrade:     decimal.NewFromFloat(cfg.RiskPerTrade),
		Params:           cfg.Params,
	}
	var err error
	if settings.ScanInterval, err = duration(cfg.ID+".scan_interval", cfg.ScanInterval, 5*time.Second); err != nil {
		return StrategySpec{}, risk.Budget{}, err
	}
	if settings.MaxQuoteAge, err = duration(cfg.ID+".max_quote_age", cfg.MaxQuoteAge, 10*time.Second); err != nil {
		return StrategySpec{}, risk.Budget{}, err
	}
	budget := risk.Budget{
		Allocation:     decimal.NewFromFloat(cfg.Allocation),
		RiskPerTrade:   settings.RiskPerTrade,
		MaxDailyTrades: cfg.MaxDailyTrades,
	}
	return StrategySpec{ID: cfg.ID, Kind: cfg.Kind, Settings: settings}, budget, nil
}

func duration(field, raw string, def time.Duration) (time.Duration, error) {
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, errors.Wrapf(exception.ErrInvalidArgument, "%s: %v", field, err)
	}
	if d <= 0 {
		return 0, errors.Wrapf(exception.ErrInvalidArgument, "%s must be > 0", field)
	}
	return d, nil
}

// clockTime parses "15:04" into an offset from midnight.
func clockTime(field, raw string, def time.Duration) (time.Duration, error) {
	if raw == "" {
		return def, nil
	}
	t, err := time.Parse("15:04", raw)
	if err != nil {
		return 0, errors.Wrapf(exception.ErrInvalidArgument, "%s: %v", field, err)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}
