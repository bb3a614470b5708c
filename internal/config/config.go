// Package config handles configuration management with validation.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the complete bot configuration.
type Config struct {
	App       AppConfig       `yaml:"app"`
	Market    MarketConfig    `yaml:"market"`
	Grid      GridConfig      `yaml:"grid"`
	Funds     FundsConfig     `yaml:"funds"`
	Chain     ChainConfig     `yaml:"chain"`
	Store     StoreConfig     `yaml:"store"`
	Sync      SyncConfig      `yaml:"sync"`
	Fees      FeesConfig      `yaml:"fees"`
	System    SystemConfig    `yaml:"system"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// AppConfig contains application-level settings.
type AppConfig struct {
	Name        string `yaml:"name" validate:"required"`
	EngineType  string `yaml:"engine_type" validate:"required,oneof=simple dbos"`
	DatabaseURL string `yaml:"database_url"` // required when engine_type=dbos
}

// MarketConfig identifies the traded asset pair and its on-chain precision.
type MarketConfig struct {
	BaseAssetID     string `yaml:"base_asset_id" validate:"required"`
	BaseSymbol      string `yaml:"base_symbol" validate:"required"`
	BasePrecision   int32  `yaml:"base_precision" validate:"min=0,max=12"`
	QuoteAssetID    string `yaml:"quote_asset_id" validate:"required"`
	QuoteSymbol     string `yaml:"quote_symbol" validate:"required"`
	QuotePrecision  int32  `yaml:"quote_precision" validate:"min=0,max=12"`
	PriceBasePoints int32  `yaml:"price_precision" validate:"min=0,max=12"`
}

// GridConfig parameterizes the boundary-crawl strategy.
type GridConfig struct {
	LowerBound          float64 `yaml:"lower_bound" validate:"required,min=0"`
	UpperBound          float64 `yaml:"upper_bound" validate:"required,gtfield=LowerBound"`
	IncrementPercent    float64 `yaml:"increment_percent" validate:"required,min=0"`
	TargetSpreadPercent float64 `yaml:"target_spread_percent" validate:"min=0"`
	TargetSpreadSlots   int     `yaml:"target_spread_slots" validate:"min=0,max=10"`
	MinSpreadOrders     int     `yaml:"min_spread_orders" validate:"min=0,max=50"`
	MinSpreadFactor     float64 `yaml:"min_spread_factor" validate:"min=0"`
	BuyWindowSize       int     `yaml:"buy_window_size" validate:"required,min=1,max=500"`
	SellWindowSize      int     `yaml:"sell_window_size" validate:"required,min=1,max=500"`
	WeightBase          float64 `yaml:"weight_base" validate:"min=0"`
	WeightStep          float64 `yaml:"weight_step" validate:"min=0"`
	ReverseAllocation   bool    `yaml:"reverse_allocation"`
	DustThresholdRatio  float64 `yaml:"dust_threshold_ratio" validate:"min=0,max=1"`
	ReactionCapSlots    int     `yaml:"reaction_cap_slots" validate:"min=1,max=100"`
}

// FundsConfig controls the total funds the bot is permitted to commit.
type FundsConfig struct {
	BuyBudget  float64 `yaml:"buy_budget" validate:"required,min=0"`
	SellBudget float64 `yaml:"sell_budget" validate:"required,min=0"`
}

// ChainConfig describes the DEX RPC endpoint and credentials.
type ChainConfig struct {
	Endpoint        string `yaml:"endpoint" validate:"required"`
	AccountID       string `yaml:"account_id" validate:"required"`
	PrivateKey      Secret `yaml:"private_key" validate:"required"`
	RateLimitPerSec int    `yaml:"rate_limit_per_sec" validate:"min=1,max=1000"`
	RequestTimeout  int    `yaml:"request_timeout_ms" validate:"min=1,max=60000"`
}

// StoreConfig describes the local persistence backend.
type StoreConfig struct {
	SQLitePath string `yaml:"sqlite_path" validate:"required"`
}

// SyncConfig controls the blockchain reconciliation cadence.
type SyncConfig struct {
	OpenOrdersIntervalSeconds  int     `yaml:"open_orders_interval_seconds" validate:"required,min=1,max=3600"`
	FillHistoryIntervalSeconds int     `yaml:"fill_history_interval_seconds" validate:"required,min=1,max=3600"`
	LockLeaseSeconds           int     `yaml:"lock_lease_seconds" validate:"required,min=1,max=600"`
	PriceToleranceRatio        float64 `yaml:"price_tolerance_ratio" validate:"min=0,max=1"`
}

// FeesConfig is the rate table handed to primitives.GetAssetFees, sourced
// from chain parameters at deploy time rather than queried live.
type FeesConfig struct {
	MakerRate float64 `yaml:"maker_rate" validate:"min=0"`
	TakerRate float64 `yaml:"taker_rate" validate:"min=0"`
	CreateFee float64 `yaml:"create_fee" validate:"min=0"`
	UpdateFee float64 `yaml:"update_fee" validate:"min=0"`
}

// SystemConfig contains process-level settings.
type SystemConfig struct {
	LogLevel     string `yaml:"log_level" validate:"required,oneof=DEBUG INFO WARN ERROR FATAL"`
	CancelOnExit bool   `yaml:"cancel_on_exit"`
}

// TelemetryConfig contains metrics/tracing export settings.
type TelemetryConfig struct {
	MetricsPort   int  `yaml:"metrics_port"`
	EnableMetrics bool `yaml:"enable_metrics"`
}

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// LoadConfig loads configuration from a YAML file with environment
// variable expansion (${VAR} placeholders are resolved against the
// process environment before the YAML is parsed).
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate performs comprehensive validation of the configuration.
func (c *Config) Validate() error {
	var errs []string

	if err := c.validateApp(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateMarket(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateGrid(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateFunds(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateChain(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateSystem(); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errs, "\n"))
	}

	return nil
}

func (c *Config) validateApp() error {
	if c.App.Name == "" {
		return ValidationError{Field: "app.name", Message: "application name is required"}
	}
	if c.App.EngineType == "dbos" && c.App.DatabaseURL == "" {
		return ValidationError{Field: "app.database_url", Message: "database_url is required when engine_type=dbos"}
	}
	return nil
}

func (c *Config) validateMarket() error {
	if c.Market.BaseAssetID == "" || c.Market.QuoteAssetID == "" {
		return ValidationError{Field: "market", Message: "base_asset_id and quote_asset_id are required"}
	}
	if c.Market.BasePrecision < 0 || c.Market.BasePrecision > 12 {
		return ValidationError{Field: "market.base_precision", Value: c.Market.BasePrecision, Message: "precision must be in [0,12]"}
	}
	if c.Market.QuotePrecision < 0 || c.Market.QuotePrecision > 12 {
		return ValidationError{Field: "market.quote_precision", Value: c.Market.QuotePrecision, Message: "precision must be in [0,12]"}
	}
	return nil
}

func (c *Config) validateGrid() error {
	if c.Grid.UpperBound <= c.Grid.LowerBound {
		return ValidationError{Field: "grid.upper_bound", Value: c.Grid.UpperBound, Message: "must be greater than lower_bound"}
	}
	if c.Grid.IncrementPercent <= 0 {
		return ValidationError{Field: "grid.increment_percent", Value: c.Grid.IncrementPercent, Message: "must be positive"}
	}
	if c.Grid.BuyWindowSize <= 0 || c.Grid.SellWindowSize <= 0 {
		return ValidationError{Field: "grid.window_size", Message: "buy_window_size and sell_window_size must be positive"}
	}
	return nil
}

func (c *Config) validateFunds() error {
	if c.Funds.BuyBudget < 0 || c.Funds.SellBudget < 0 {
		return ValidationError{Field: "funds", Message: "budgets must be non-negative"}
	}
	if c.Funds.BuyBudget == 0 && c.Funds.SellBudget == 0 {
		return ValidationError{Field: "funds", Message: "at least one of buy_budget/sell_budget must be positive"}
	}
	return nil
}

func (c *Config) validateChain() error {
	if c.Chain.Endpoint == "" {
		return ValidationError{Field: "chain.endpoint", Message: "chain endpoint is required"}
	}
	if c.Chain.AccountID == "" {
		return ValidationError{Field: "chain.account_id", Message: "account_id is required"}
	}
	return nil
}

func (c *Config) validateSystem() error {
	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	if !contains(validLevels, strings.ToUpper(c.System.LogLevel)) {
		return ValidationError{
			Field:   "system.log_level",
			Value:   c.System.LogLevel,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", ")),
		}
	}
	return nil
}

// String returns a string representation of the configuration; the
// Secret type redacts itself during marshaling so this is safe to log.
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

func expandEnvVars(s string) string {
	return os.Expand(s, func(key string) string {
		return os.Getenv(key)
	})
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// DefaultConfig returns a default configuration, useful for tests.
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{Name: "dexgrid", EngineType: "simple"},
		Market: MarketConfig{
			BaseAssetID: "1.3.0", BaseSymbol: "BTS", BasePrecision: 5,
			QuoteAssetID: "1.3.113", QuoteSymbol: "USD", QuotePrecision: 4,
			PriceBasePoints: 8,
		},
		Grid: GridConfig{
			LowerBound: 0.01, UpperBound: 0.05, IncrementPercent: 0.01,
			TargetSpreadPercent: 2, TargetSpreadSlots: 1, MinSpreadOrders: 1, MinSpreadFactor: 1,
			BuyWindowSize: 20, SellWindowSize: 20, WeightBase: 1,
			WeightStep: 0.02, DustThresholdRatio: 0.1, ReactionCapSlots: 5,
		},
		Funds: FundsConfig{BuyBudget: 1000, SellBudget: 1000},
		Chain: ChainConfig{Endpoint: "wss://localhost:8090", AccountID: "1.2.100", RateLimitPerSec: 10, RequestTimeout: 5000},
		Store: StoreConfig{SQLitePath: "./dexgrid.db"},
		Sync: SyncConfig{
			OpenOrdersIntervalSeconds: 30, FillHistoryIntervalSeconds: 15,
			LockLeaseSeconds: 60, PriceToleranceRatio: 0.0005,
		},
		Fees:      FeesConfig{MakerRate: 0.001, TakerRate: 0.002},
		System:    SystemConfig{LogLevel: "INFO"},
		Telemetry: TelemetryConfig{MetricsPort: 9090, EnableMetrics: true},
	}
}
