package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"peg-stabilizer/internal/logging"
)

// Oracle kinds.
const (
	OracleStatic = "static"
	OracleHTTP   = "http"
	OracleChain  = "chain"
)

// Backend kinds.
const (
	BackendDryRun   = "dryrun"
	BackendEthereum = "ethereum"
)

// Signer kinds.
const (
	SignerEd25519  = "ed25519"
	SignerEthereum = "ethereum"
)

// Strategy names.
const (
	StrategyProportional = "proportional"
	StrategyTable        = "table"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Pairs     []PairConfig    `mapstructure:"pairs"`
	Oracle    OracleConfig    `mapstructure:"oracle"`
	Security  SecurityConfig  `mapstructure:"security"`
	Backend   BackendConfig   `mapstructure:"backend"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity. An empty DSN keeps
// the ledger in memory.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// RedisConfig backs cross-process action idempotency. Empty Addr falls back
// to an in-process guard.
type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	KeyTTL   time.Duration `mapstructure:"key_ttl"`
}

// SchedulerConfig governs cycle cadence.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToInterval bool          `mapstructure:"align_to_interval"`
	Immediate       bool          `mapstructure:"immediate"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
}

// PairConfig describes one stabilised pair. Each pair gets its own controller.
type PairConfig struct {
	ID                      string          `mapstructure:"id"`
	Target                  decimal.Decimal `mapstructure:"target"`
	PrecisionThreshold      decimal.Decimal `mapstructure:"precision_threshold"`
	RiskAcceptanceThreshold float64         `mapstructure:"risk_acceptance_threshold"`
	Oracle                  string          `mapstructure:"oracle"`
	// StaticPrice seeds the static oracle.
	StaticPrice decimal.Decimal `mapstructure:"static_price"`
	// Feed is the aggregator address for the chain oracle.
	Feed             string       `mapstructure:"feed"`
	Strategy         string       `mapstructure:"strategy"`
	Bands            []BandConfig `mapstructure:"bands"`
	VolatilityWindow int          `mapstructure:"volatility_window"`
}

// BandConfig is one row of the table strategy.
type BandConfig struct {
	UpToPct decimal.Decimal `mapstructure:"up_to_pct"`
	Gain    decimal.Decimal `mapstructure:"gain"`
}

// OracleConfig configures the price adapters shared by all pairs.
type OracleConfig struct {
	MaxAge  time.Duration    `mapstructure:"max_age"`
	HTTP    HTTPOracleConfig `mapstructure:"http"`
	Chain   ChainConfig      `mapstructure:"chain"`
	Breaker BreakerConfig    `mapstructure:"breaker"`
}

// HTTPOracleConfig covers the JSON price endpoint.
type HTTPOracleConfig struct {
	BaseURL           string        `mapstructure:"base_url"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	UserAgent         string        `mapstructure:"user_agent"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
}

// ChainConfig covers on-chain data access.
type ChainConfig struct {
	RPCURL         string        `mapstructure:"rpc_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// BreakerConfig tunes the oracle circuit breaker.
type BreakerConfig struct {
	ConsecutiveFailures uint32        `mapstructure:"consecutive_failures"`
	OpenTimeout         time.Duration `mapstructure:"open_timeout"`
	HalfOpenRequests    uint32        `mapstructure:"half_open_requests"`
}

// SecurityConfig selects the payload key provider and profile signer.
type SecurityConfig struct {
	// KeystorePath enables the on-disk keyring; empty means a process-scoped
	// ephemeral keyring.
	KeystorePath string `mapstructure:"keystore_path"`
	Signer       string `mapstructure:"signer"`
	// SignerKey is an ed25519 seed or secp256k1 private key in hex. Empty
	// generates a throwaway ed25519 key.
	SignerKey string `mapstructure:"signer_key"`
	// TrustedSigners lists extra verifier keys (ed25519 public keys in hex or
	// 0x addresses) accepted by verify.
	TrustedSigners []string `mapstructure:"trusted_signers"`
}

// BackendConfig selects where corrective actions are submitted.
type BackendConfig struct {
	Kind            string          `mapstructure:"kind"`
	Ethereum        EthereumConfig  `mapstructure:"ethereum"`
	InitialSupply   decimal.Decimal `mapstructure:"initial_supply"`
	InitialReserves decimal.Decimal `mapstructure:"initial_reserves"`
	ReserveRatio    decimal.Decimal `mapstructure:"reserve_ratio"`
	BaseFeeBps      decimal.Decimal `mapstructure:"base_fee_bps"`
	FeeSensitivity  decimal.Decimal `mapstructure:"fee_sensitivity"`
	MinFeeBps       decimal.Decimal `mapstructure:"min_fee_bps"`
	MaxFeeBps       decimal.Decimal `mapstructure:"max_fee_bps"`
}

// EthereumConfig covers transaction submission.
type EthereumConfig struct {
	RPCURL          string        `mapstructure:"rpc_url"`
	ContractAddress string        `mapstructure:"contract_address"`
	PrivateKey      string        `mapstructure:"private_key"`
	GasLimit        uint64        `mapstructure:"gas_limit"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
}

// AlertingConfig defines alert routing.
type AlertingConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// NotifyCommitted also alerts on committed corrective cycles; rejected
	// cycles always alert when enabled.
	NotifyCommitted bool           `mapstructure:"notify_committed"`
	Telegram        TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// MetricsConfig controls the HTTP read surface.
type MetricsConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// DefaultPair is used when no pairs are configured.
func DefaultPair() PairConfig {
	return PairConfig{
		ID:                      "PI-USD",
		Target:                  decimal.RequireFromString("314159.00"),
		PrecisionThreshold:      decimal.RequireFromString("0.00001"),
		RiskAcceptanceThreshold: 0.7,
		Oracle:                  OracleStatic,
		StaticPrice:             decimal.RequireFromString("314159.00"),
		Strategy:                StrategyProportional,
		VolatilityWindow:        30,
	}
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PEGSTAB")
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

	cfg.applyPairDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "pegstab")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.sampling.period", "1m")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("redis.key_ttl", "24h")

	v.SetDefault("scheduler.interval", "1m")
	v.SetDefault("scheduler.align_to_interval", true)
	v.SetDefault("scheduler.immediate", false)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x70656773))
	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("oracle.max_age", "5m")
	v.SetDefault("oracle.http.request_timeout", "10s")
	v.SetDefault("oracle.http.user_agent", "pegstab/1.0")
	v.SetDefault("oracle.http.requests_per_second", 5.0)
	v.SetDefault("oracle.http.burst", 1)
	v.SetDefault("oracle.chain.request_timeout", "10s")
	v.SetDefault("oracle.breaker.consecutive_failures", 3)
	v.SetDefault("oracle.breaker.open_timeout", "30s")
	v.SetDefault("oracle.breaker.half_open_requests", 1)

	v.SetDefault("security.signer", SignerEd25519)

	v.SetDefault("backend.kind", BackendDryRun)
	v.SetDefault("backend.ethereum.request_timeout", "30s")
	v.SetDefault("backend.initial_supply", "1000000")
	v.SetDefault("backend.initial_reserves", "0")
	v.SetDefault("backend.reserve_ratio", "1.25")
	v.SetDefault("backend.base_fee_bps", "30")
	v.SetDefault("backend.fee_sensitivity", "500")
	v.SetDefault("backend.min_fee_bps", "5")
	v.SetDefault("backend.max_fee_bps", "300")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.notify_committed", false)
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.listen_addr", ":9108")

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

// stringToDecimalHookFunc decodes strings and numbers into decimal.Decimal.
// Strings are preferred in files since YAML floats lose precision.
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
			d, err := decimal.NewFromString(strings.TrimSpace(v))
			if err != nil {
				return nil, fmt.Errorf("parse decimal %q: %w", v, err)
			}
			return d, nil
		case float64:
			return decimal.NewFromFloat(v), nil
		case float32:
			return decimal.NewFromFloat32(v), nil
		case int:
			return decimal.NewFromInt(int64(v)), nil
		case int64:
			return decimal.NewFromInt(v), nil
		}
		return data, nil
	}
}

func (c *Config) applyPairDefaults() {
	if len(c.Pairs) == 0 {
		c.Pairs = []PairConfig{DefaultPair()}
		return
	}
	for i := range c.Pairs {
		p := &c.Pairs[i]
		if p.Oracle == "" {
			p.Oracle = OracleStatic
		}
		if p.Strategy == "" {
			p.Strategy = StrategyProportional
		}
		if p.VolatilityWindow == 0 {
			p.VolatilityWindow = 30
		}
		if p.Oracle == OracleStatic && p.StaticPrice.IsZero() {
			p.StaticPrice = p.Target
		}
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}

	seen := make(map[string]struct{}, len(c.Pairs))
	for i, p := range c.Pairs {
		if p.ID == "" {
			return fmt.Errorf("pairs[%d].id must be set", i)
		}
		if _, dup := seen[p.ID]; dup {
			return fmt.Errorf("pairs[%d].id %q is duplicated", i, p.ID)
		}
		seen[p.ID] = struct{}{}
		if err := p.validate(); err != nil {
			return fmt.Errorf("pairs[%d] (%s): %w", i, p.ID, err)
		}
		switch p.Oracle {
		case OracleHTTP:
			if c.Oracle.HTTP.BaseURL == "" {
				return fmt.Errorf("oracle.http.base_url must be set for pair %s", p.ID)
			}
		case OracleChain:
			if c.Oracle.Chain.RPCURL == "" {
				return fmt.Errorf("oracle.chain.rpc_url must be set for pair %s", p.ID)
			}
		}
	}

	switch c.Security.Signer {
	case SignerEd25519:
	case SignerEthereum:
		if c.Security.SignerKey == "" {
			return fmt.Errorf("security.signer_key must be set for the ethereum signer")
		}
	default:
		return fmt.Errorf("security.signer %q is not supported", c.Security.Signer)
	}

	switch c.Backend.Kind {
	case BackendDryRun:
	case BackendEthereum:
		if c.Backend.Ethereum.RPCURL == "" || c.Backend.Ethereum.ContractAddress == "" || c.Backend.Ethereum.PrivateKey == "" {
			return fmt.Errorf("backend.ethereum requires rpc_url, contract_address and private_key")
		}
	default:
		return fmt.Errorf("backend.kind %q is not supported", c.Backend.Kind)
	}
	if c.Backend.InitialSupply.Sign() < 0 || c.Backend.InitialReserves.Sign() < 0 {
		return fmt.Errorf("backend initial supply and reserves cannot be negative")
	}
	if c.Backend.ReserveRatio.Sign() <= 0 {
		return fmt.Errorf("backend.reserve_ratio must be greater than zero")
	}
	if c.Backend.MaxFeeBps.Sign() > 0 && c.Backend.MinFeeBps.GreaterThan(c.Backend.MaxFeeBps) {
		return fmt.Errorf("backend.min_fee_bps cannot exceed backend.max_fee_bps")
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

func (p PairConfig) validate() error {
	if p.Target.Sign() <= 0 {
		return fmt.Errorf("target must be positive")
	}
	if p.PrecisionThreshold.Sign() < 0 {
		return fmt.Errorf("precision_threshold cannot be negative")
	}
	if p.RiskAcceptanceThreshold < 0 || p.RiskAcceptanceThreshold > 1 {
		return fmt.Errorf("risk_acceptance_threshold must be within [0,1]")
	}
	switch p.Oracle {
	case OracleStatic, OracleHTTP:
	case OracleChain:
		if p.Feed == "" {
			return fmt.Errorf("feed must be set for the chain oracle")
		}
	default:
		return fmt.Errorf("oracle %q is not supported", p.Oracle)
	}
	switch p.Strategy {
	case StrategyProportional:
	case StrategyTable:
		if len(p.Bands) == 0 {
			return fmt.Errorf("table strategy needs at least one band")
		}
	default:
		return fmt.Errorf("strategy %q is not supported", p.Strategy)
	}
	if p.VolatilityWindow < 2 {
		return fmt.Errorf("volatility_window must be at least 2")
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

// Pair returns the configured pair with the given id.
func (c *Config) Pair(id string) (PairConfig, bool) {
	for _, p := range c.Pairs {
		if p.ID == id {
			return p, true
		}
	}
	return PairConfig{}, false
}

// Secrets lists configured credentials that must never appear in logs.
func (c *Config) Secrets() []string {
	out := []string{
		c.Database.DSN,
		c.Redis.Password,
		c.Security.SignerKey,
		c.Backend.Ethereum.PrivateKey,
		c.Alerting.Telegram.BotToken,
	}
	if k := c.Backend.Ethereum.PrivateKey; strings.HasPrefix(k, "0x") {
		out = append(out, strings.TrimPrefix(k, "0x"))
	}
	if k := c.Security.SignerKey; strings.HasPrefix(k, "0x") {
		out = append(out, strings.TrimPrefix(k, "0x"))
	}
	return out
}
