package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-viper/mapstructure/v2"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"compliance-guardian/internal/guardian"
	"compliance-guardian/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Guardian  GuardianConfig  `mapstructure:"guardian"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Server    ServerConfig    `mapstructure:"server"`
	Ethereum  EthereumConfig  `mapstructure:"ethereum"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// GuardianConfig carries the law thresholds and the bootstrap identities.
// Amounts are decimal strings.
type GuardianConfig struct {
	Admin string `mapstructure:"admin"`
	// InstanceID names the audit lineage in storage. Empty derives it from
	// the admin address so restarts resume the same ledger.
	InstanceID       string            `mapstructure:"instance_id"`
	TrustedContracts []string          `mapstructure:"trusted_contracts"`
	Monitors         []string          `mapstructure:"monitors"`
	Auditors         []string          `mapstructure:"auditors"`
	DefaultActions   map[string]string `mapstructure:"default_actions"`

	MaxSettlementAmount string        `mapstructure:"max_settlement_amount"`
	SettlementWindow    time.Duration `mapstructure:"settlement_window"`

	MaxPriceDeviationBps        int64  `mapstructure:"max_price_deviation_bps"`
	MaxUpdatesPerPeriod         uint64 `mapstructure:"max_updates_per_period"`
	SuspiciousActivityThreshold uint64 `mapstructure:"suspicious_activity_threshold"`
	SuspiciousSeverityCutoff    uint8  `mapstructure:"suspicious_severity_cutoff"`

	NegativeBalanceTimeout time.Duration `mapstructure:"negative_balance_timeout"`
	GlobalNegativeCap      string        `mapstructure:"global_negative_cap"`

	ActivePenalty   uint64 `mapstructure:"active_penalty"`
	CriticalPenalty uint64 `mapstructure:"critical_penalty"`
	CompliantScore  uint8  `mapstructure:"compliant_score"`
}

// SchedulerConfig governs the periodic compliance check.
type SchedulerConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Interval        time.Duration `mapstructure:"interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
}

// ServerConfig configures the HTTP API used by the trading engine.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	JWTSecret       string        `mapstructure:"jwt_secret"`
	JWTIssuer       string        `mapstructure:"jwt_issuer"`
	TokenTTL        time.Duration `mapstructure:"token_ttl"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// EthereumConfig covers the optional block source for fingerprints.
type EthereumConfig struct {
	RPCURL         string        `mapstructure:"rpc_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
}

// AlertingConfig defines alert routing.
type AlertingConfig struct {
	Enabled     bool           `mapstructure:"enabled"`
	MinSeverity string         `mapstructure:"min_severity"`
	Channels    []string       `mapstructure:"channels"`
	Telegram    TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig describes the Telegram bot target.
type TelegramConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	BotToken string        `mapstructure:"bot_token"`
	ChatID   string        `mapstructure:"chat_id"`
	APIBase  string        `mapstructure:"api_base"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("GUARDIAN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "compliance-guardian")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")

	defaults := guardian.DefaultPolicy()
	v.SetDefault("guardian.max_settlement_amount", defaults.MaxSettlementAmount.String())
	v.SetDefault("guardian.settlement_window", defaults.SettlementWindow.String())
	v.SetDefault("guardian.max_price_deviation_bps", defaults.MaxPriceDeviationBps)
	v.SetDefault("guardian.max_updates_per_period", defaults.MaxUpdatesPerPeriod)
	v.SetDefault("guardian.suspicious_activity_threshold", defaults.SuspiciousActivityThreshold)
	v.SetDefault("guardian.suspicious_severity_cutoff", defaults.SuspiciousSeverityCutoff)
	v.SetDefault("guardian.negative_balance_timeout", defaults.NegativeBalanceTimeout.String())
	v.SetDefault("guardian.global_negative_cap", defaults.GlobalNegativeCap.String())
	v.SetDefault("guardian.active_penalty", defaults.ActivePenalty)
	v.SetDefault("guardian.critical_penalty", defaults.CriticalPenalty)
	v.SetDefault("guardian.compliant_score", defaults.CompliantScore)
	v.SetDefault("guardian.default_actions", map[string]string{
		"funds":   "log",
		"market":  "log",
		"balance": "pause",
	})

	v.SetDefault("scheduler.enabled", false)
	v.SetDefault("scheduler.interval", "1h")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x49524c57))
	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.jwt_issuer", "compliance-guardian")
	v.SetDefault("server.token_ttl", "24h")
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "10s")
	v.SetDefault("server.shutdown_timeout", "15s")

	v.SetDefault("ethereum.request_timeout", "5s")
	v.SetDefault("ethereum.poll_interval", "12s")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.min_severity", "critical")
	v.SetDefault("alerting.channels", []string{"telegram"})
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("alerting.telegram.timeout", "10s")

	v.SetDefault("export.max_data_points", 10000)

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.migrations_path", "migrations")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Scheduler.Enabled && c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Guardian.Admin != "" && !common.IsHexAddress(c.Guardian.Admin) {
		return fmt.Errorf("guardian.admin is not a hex address: %q", c.Guardian.Admin)
	}
	if c.Guardian.InstanceID != "" {
		if _, err := uuid.Parse(c.Guardian.InstanceID); err != nil {
			return fmt.Errorf("guardian.instance_id: %w", err)
		}
	}
	for _, group := range [][]string{c.Guardian.TrustedContracts, c.Guardian.Monitors, c.Guardian.Auditors} {
		for _, addr := range group {
			if !common.IsHexAddress(addr) {
				return fmt.Errorf("guardian role member is not a hex address: %q", addr)
			}
		}
	}
	if _, err := c.Guardian.Policy(); err != nil {
		return fmt.Errorf("guardian: %w", err)
	}
	if _, err := guardian.ParseSeverity(c.Alerting.MinSeverity); err != nil {
		return fmt.Errorf("alerting.min_severity: %w", err)
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token is required")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id is required")
		}
	}
	return nil
}

// Lineage returns the instance id under which violations and flags are
// persisted.
func (g GuardianConfig) Lineage() (uuid.UUID, error) {
	if g.InstanceID != "" {
		return uuid.Parse(g.InstanceID)
	}
	if g.Admin == "" {
		return uuid.Nil, fmt.Errorf("guardian.admin is required")
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, common.HexToAddress(g.Admin).Bytes()), nil
}

// Policy converts the configured thresholds into a guardian.Policy.
func (g GuardianConfig) Policy() (guardian.Policy, error) {
	p := guardian.DefaultPolicy()

	if g.MaxSettlementAmount != "" {
		v, err := decimal.NewFromString(g.MaxSettlementAmount)
		if err != nil {
			return p, fmt.Errorf("max_settlement_amount: %w", err)
		}
		p.MaxSettlementAmount = v
	}
	if g.GlobalNegativeCap != "" {
		v, err := decimal.NewFromString(g.GlobalNegativeCap)
		if err != nil {
			return p, fmt.Errorf("global_negative_cap: %w", err)
		}
		p.GlobalNegativeCap = v
	}
	if g.SettlementWindow > 0 {
		p.SettlementWindow = g.SettlementWindow
	}
	if g.MaxPriceDeviationBps > 0 {
		p.MaxPriceDeviationBps = g.MaxPriceDeviationBps
	}
	if g.MaxUpdatesPerPeriod > 0 {
		p.MaxUpdatesPerPeriod = g.MaxUpdatesPerPeriod
	}
	if g.SuspiciousActivityThreshold > 0 {
		p.SuspiciousActivityThreshold = g.SuspiciousActivityThreshold
	}
	if g.SuspiciousSeverityCutoff > 0 {
		p.SuspiciousSeverityCutoff = g.SuspiciousSeverityCutoff
	}
	if g.NegativeBalanceTimeout > 0 {
		p.NegativeBalanceTimeout = g.NegativeBalanceTimeout
	}
	if g.ActivePenalty > 0 {
		p.ActivePenalty = g.ActivePenalty
	}
	if g.CriticalPenalty > 0 {
		p.CriticalPenalty = g.CriticalPenalty
	}
	if g.CompliantScore > 0 {
		p.CompliantScore = g.CompliantScore
	}

	for name, actionName := range g.DefaultActions {
		law, err := guardian.ParseLaw(name)
		if err != nil {
			return p, fmt.Errorf("default_actions: %w", err)
		}
		action, err := guardian.ParseAction(actionName)
		if err != nil {
			return p, fmt.Errorf("default_actions.%s: %w", name, err)
		}
		p.DefaultActions[law] = action
	}

	return p, p.Validate()
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
