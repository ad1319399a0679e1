package config

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-viper/mapstructure/v2"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"universal-gateway/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Store     StoreConfig     `mapstructure:"store"`
	Ethereum  EthereumConfig  `mapstructure:"ethereum"`
	Oracle    OracleConfig    `mapstructure:"oracle"`
	Caps      CapsConfig      `mapstructure:"caps"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Gateway   GatewayConfig   `mapstructure:"gateway"`
	Signer    SignerConfig    `mapstructure:"signer"`
	API       APIConfig       `mapstructure:"api"`
	Monitor   MonitorConfig   `mapstructure:"monitor"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	Venue     VenueConfig     `mapstructure:"venue"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity. An empty DSN runs the
// gateway without Postgres.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	// MigrationsPath is applied on startup; empty disables migrations.
	MigrationsPath string `mapstructure:"migrations_path"`
	// ReplayLedger selects where executed settlement ids live: "kv" or "postgres".
	ReplayLedger string `mapstructure:"replay_ledger"`
}

// StoreConfig selects the counter store.
type StoreConfig struct {
	Backend string `mapstructure:"backend"`
	Path    string `mapstructure:"path"`
}

// EthereumConfig covers on-chain data access.
type EthereumConfig struct {
	RPCURL         string        `mapstructure:"rpc_url"`
	PriceFeed      string        `mapstructure:"price_feed"`
	SequencerFeed  string        `mapstructure:"sequencer_feed"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// OracleConfig tunes price validation. StaticPrice replaces the on-chain
// feed with a fixed answer when no RPC is configured.
type OracleConfig struct {
	StalePeriod          time.Duration   `mapstructure:"stale_period"`
	SequencerGracePeriod time.Duration   `mapstructure:"sequencer_grace_period"`
	StaticPrice          decimal.Decimal `mapstructure:"static_price"`
	StaticDecimals       uint8           `mapstructure:"static_decimals"`
}

// CapsConfig is the fast-path corridor and budget in whole USD.
type CapsConfig struct {
	MinUSD         decimal.Decimal `mapstructure:"min_usd"`
	MaxUSD         decimal.Decimal `mapstructure:"max_usd"`
	BlockBudgetUSD decimal.Decimal `mapstructure:"block_budget_usd"`
	// WindowSource is "clock" or "block".
	WindowSource   string        `mapstructure:"window_source"`
	WindowDuration time.Duration `mapstructure:"window_duration"`
	// WindowMonotonic ignores window keys older than the stored one, for RPC
	// backends that may lag.
	WindowMonotonic bool `mapstructure:"window_monotonic"`
}

// RateLimitConfig holds per-asset epoch thresholds in base units. The key
// "native" or the zero address names the native asset.
type RateLimitConfig struct {
	EpochDuration time.Duration     `mapstructure:"epoch_duration"`
	Thresholds    map[string]string `mapstructure:"thresholds"`
}

// GatewayConfig names the custody addresses.
type GatewayConfig struct {
	TSSAddress        string `mapstructure:"tss_address"`
	VaultAddress      string `mapstructure:"vault_address"`
	SettlementAddress string `mapstructure:"settlement_address"`
	PayloadPolicy     string `mapstructure:"payload_policy"`
	// Genesis seeds the in-process custody book at startup.
	Genesis []GenesisBalance `mapstructure:"genesis"`
}

// GenesisBalance credits Amount base units of Asset ("native" or an address)
// to Holder.
type GenesisBalance struct {
	Holder string `mapstructure:"holder"`
	Asset  string `mapstructure:"asset"`
	Amount string `mapstructure:"amount"`
}

// SignerConfig names the address allowed to authorize settlements and the
// chain id its signatures are bound to.
type SignerConfig struct {
	Address string `mapstructure:"address"`
	ChainID uint64 `mapstructure:"chain_id"`
}

// APIConfig governs the HTTP listener.
type APIConfig struct {
	Listen          string        `mapstructure:"listen"`
	AdminToken      string        `mapstructure:"admin_token"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// MonitorConfig governs oracle sampling cadence.
type MonitorConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	Interval         time.Duration `mapstructure:"interval"`
	AlignToBucket    bool          `mapstructure:"align_to_bucket"`
	AdvisoryLockKey  int64         `mapstructure:"advisory_lock_key"`
	StartupDelay     time.Duration `mapstructure:"startup_delay"`
	MoveThresholdPct float64       `mapstructure:"move_threshold_pct"`
	AlertRetention   time.Duration `mapstructure:"alert_retention"`
}

// AlertingConfig defines alert routing.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Cooldown time.Duration  `mapstructure:"cooldown"`
	Channels []string       `mapstructure:"channels"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// VenueConfig configures token-paid gas swaps.
type VenueConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Provider       string        `mapstructure:"provider"`
	BaseURL        string        `mapstructure:"base_url"`
	PriceQuality   string        `mapstructure:"price_quality"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	UserAgent      string        `mapstructure:"user_agent"`
	WrappedNative  string        `mapstructure:"wrapped_native"`
	PoolAddress    string        `mapstructure:"pool_address"`
	// FixedRate is native per token unit, used by the "fixed" provider.
	FixedRate decimal.Decimal `mapstructure:"fixed_rate"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("GATEWAY")
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
	v.SetDefault("app.name", "universal-gateway")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")

	// Empty defaults register the keys so GATEWAY_* env overrides apply.
	for _, key := range []string{
		"database.dsn", "ethereum.rpc_url", "ethereum.price_feed", "ethereum.sequencer_feed",
		"oracle.static_price", "gateway.tss_address", "gateway.vault_address",
		"gateway.settlement_address", "signer.address", "api.admin_token",
		"alerting.telegram.bot_token", "alerting.telegram.chat_id", "venue.pool_address",
		"venue.user_agent",
	} {
		v.SetDefault(key, "")
	}

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.migrations_path", "migrations")
	v.SetDefault("database.replay_ledger", "kv")

	v.SetDefault("store.backend", "leveldb")
	v.SetDefault("store.path", "data/gateway.db")

	v.SetDefault("ethereum.request_timeout", "10s")

	v.SetDefault("oracle.stale_period", "1h")
	v.SetDefault("oracle.sequencer_grace_period", "1h")
	v.SetDefault("oracle.static_decimals", 8)

	v.SetDefault("caps.min_usd", "1")
	v.SetDefault("caps.max_usd", "10")
	v.SetDefault("caps.block_budget_usd", "0")
	v.SetDefault("caps.window_source", "clock")
	v.SetDefault("caps.window_duration", "12s")
	v.SetDefault("caps.window_monotonic", false)

	v.SetDefault("ratelimit.epoch_duration", "1h")

	v.SetDefault("gateway.payload_policy", "permissive")

	v.SetDefault("signer.chain_id", 1)

	v.SetDefault("api.listen", ":8080")
	v.SetDefault("api.read_timeout", "15s")
	v.SetDefault("api.write_timeout", "30s")
	v.SetDefault("api.shutdown_timeout", "10s")

	v.SetDefault("monitor.enabled", true)
	v.SetDefault("monitor.interval", "1m")
	v.SetDefault("monitor.align_to_bucket", true)
	v.SetDefault("monitor.advisory_lock_key", int64(0x67617465))
	v.SetDefault("monitor.startup_delay", "0s")
	v.SetDefault("monitor.move_threshold_pct", 5.0)
	v.SetDefault("monitor.alert_retention", "720h")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.cooldown", "30m")
	v.SetDefault("alerting.channels", []string{"telegram"})
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("venue.enabled", false)
	v.SetDefault("venue.provider", "cow")
	v.SetDefault("venue.base_url", "https://api.cow.fi/mainnet/api/v1")
	v.SetDefault("venue.price_quality", "optimal")
	v.SetDefault("venue.request_timeout", "10s")
	v.SetDefault("venue.wrapped_native", "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")

	v.SetDefault("export.max_data_points", 100000)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
			stringToDecimalHookFunc(),
		)
	}
}

var decimalType = reflect.TypeOf(decimal.Decimal{})

func stringToDecimalHookFunc() mapstructure.DecodeHookFuncType {
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if to != decimalType {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			if strings.TrimSpace(v) == "" {
				return decimal.Zero, nil
			}
			return decimal.NewFromString(strings.TrimSpace(v))
		case int:
			return decimal.NewFromInt(int64(v)), nil
		case int64:
			return decimal.NewFromInt(v), nil
		case float64:
			return decimal.NewFromFloat(v), nil
		default:
			return data, nil
		}
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Caps.MinUSD.IsNegative() || c.Caps.MaxUSD.IsNegative() || c.Caps.BlockBudgetUSD.IsNegative() {
		return fmt.Errorf("caps values cannot be negative")
	}
	if c.Caps.MinUSD.GreaterThan(c.Caps.MaxUSD) {
		return fmt.Errorf("caps.min_usd must not exceed caps.max_usd")
	}
	switch c.Caps.WindowSource {
	case "clock":
		if c.Caps.WindowDuration <= 0 {
			return fmt.Errorf("caps.window_duration must be greater than zero")
		}
	case "block":
		if c.Ethereum.RPCURL == "" {
			return fmt.Errorf("caps.window_source=block requires ethereum.rpc_url")
		}
	default:
		return fmt.Errorf("caps.window_source must be clock or block")
	}
	if c.RateLimit.EpochDuration < 0 {
		return fmt.Errorf("ratelimit.epoch_duration cannot be negative")
	}
	for asset := range c.RateLimit.Thresholds {
		if asset != "native" && !common.IsHexAddress(asset) {
			return fmt.Errorf("ratelimit.thresholds: %q is not an address", asset)
		}
	}
	switch c.Store.Backend {
	case "leveldb":
		if c.Store.Path == "" {
			return fmt.Errorf("store.path is required for leveldb")
		}
	case "memory":
	default:
		return fmt.Errorf("store.backend must be leveldb or memory")
	}
	switch c.Database.ReplayLedger {
	case "kv":
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.replay_ledger=postgres requires database.dsn")
		}
	default:
		return fmt.Errorf("database.replay_ledger must be kv or postgres")
	}
	if c.Ethereum.RPCURL != "" && !common.IsHexAddress(c.Ethereum.PriceFeed) {
		return fmt.Errorf("ethereum.price_feed must be an address when rpc_url is set")
	}
	if c.Ethereum.RPCURL == "" && !c.Oracle.StaticPrice.IsPositive() {
		return fmt.Errorf("either ethereum.rpc_url or oracle.static_price must be configured")
	}
	for field, addr := range map[string]string{
		"gateway.tss_address":        c.Gateway.TSSAddress,
		"gateway.vault_address":      c.Gateway.VaultAddress,
		"gateway.settlement_address": c.Gateway.SettlementAddress,
		"ethereum.sequencer_feed":    c.Ethereum.SequencerFeed,
		"signer.address":             c.Signer.Address,
		"venue.pool_address":         c.Venue.PoolAddress,
	} {
		if addr != "" && !common.IsHexAddress(addr) {
			return fmt.Errorf("%s is not an address", field)
		}
	}
	for i, g := range c.Gateway.Genesis {
		if !common.IsHexAddress(g.Holder) {
			return fmt.Errorf("gateway.genesis[%d].holder is not an address", i)
		}
		if g.Asset != "native" && !common.IsHexAddress(g.Asset) {
			return fmt.Errorf("gateway.genesis[%d].asset is not an address", i)
		}
		if strings.TrimSpace(g.Amount) == "" {
			return fmt.Errorf("gateway.genesis[%d].amount is required", i)
		}
	}
	switch c.Gateway.PayloadPolicy {
	case "permissive", "strict":
	default:
		return fmt.Errorf("gateway.payload_policy must be permissive or strict")
	}
	if c.Signer.ChainID == 0 {
		return fmt.Errorf("signer.chain_id must be set")
	}
	if c.Monitor.Enabled && c.Monitor.Interval <= 0 {
		return fmt.Errorf("monitor.interval must be greater than zero")
	}
	if c.Monitor.MoveThresholdPct < 0 {
		return fmt.Errorf("monitor.move_threshold_pct cannot be negative")
	}
	if c.Monitor.AlertRetention < 0 {
		return fmt.Errorf("monitor.alert_retention cannot be negative")
	}
	if c.Venue.Enabled {
		if !common.IsHexAddress(c.Venue.PoolAddress) {
			return fmt.Errorf("venue.pool_address is required when venue is enabled")
		}
		switch c.Venue.Provider {
		case "cow":
			if !common.IsHexAddress(c.Venue.WrappedNative) {
				return fmt.Errorf("venue.wrapped_native must be an address")
			}
		case "fixed":
			if !c.Venue.FixedRate.IsPositive() {
				return fmt.Errorf("venue.fixed_rate must be positive")
			}
		default:
			return fmt.Errorf("venue.provider must be cow or fixed")
		}
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token 必须配置")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id 必须配置")
		}
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
