// Package config handles configuration management with validation
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration structure
type Config struct {
	App       AppConfig              `yaml:"app"`
	Venues    map[string]VenueConfig `yaml:"venues"`
	Execution ExecutionConfig        `yaml:"execution"`
	Guardian  GuardianConfig         `yaml:"guardian"`
	Reconcile ReconcileConfig        `yaml:"reconcile"`
	Cache     CacheConfig            `yaml:"cache"`
	Scheduler SchedulerConfig        `yaml:"scheduler"`
	System    SystemConfig           `yaml:"system"`
	Alerts    AlertConfig            `yaml:"alerts"`
	Telemetry TelemetryConfig        `yaml:"telemetry"`
	Diag      DiagConfig             `yaml:"diag"`
	Journal   JournalConfig          `yaml:"journal"`
	Risk      RiskConfig             `yaml:"risk"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	ActiveVenues []string `yaml:"active_venues"`
	Symbols      []string `yaml:"symbols"`
	// ExecutionOrder lists venues hardest-to-fill first; the hedged
	// executor places the earliest listed leg of a pair first.
	ExecutionOrder []string `yaml:"execution_order"`
	// PreferredRecoveryVenue is used when the predictor is unavailable
	// during single-leg recovery.
	PreferredRecoveryVenue string `yaml:"preferred_recovery_venue"`
}

// VenueConfig contains per-venue connection and auth settings. Key
// material depends on the venue's signing scheme: EVM-keyed venues use
// private_key, HMAC venues use api_key/api_secret.
type VenueConfig struct {
	BaseURL            string  `yaml:"base_url"`
	WsURL              string  `yaml:"ws_url"`
	PrivateKey         Secret  `yaml:"private_key"`
	APIKey             Secret  `yaml:"api_key"`
	APISecret          Secret  `yaml:"api_secret"`
	Passphrase         Secret  `yaml:"passphrase"`
	VaultAddress       string  `yaml:"vault_address"`
	TimeoutMs          int     `yaml:"timeout_ms"`
	RateLimitPerSecond float64 `yaml:"rate_limit_per_second"`
	RateBurst          int     `yaml:"rate_burst"`
}

// ExecutionConfig contains hedged-execution parameters
type ExecutionConfig struct {
	NumberOfSlices      int     `yaml:"number_of_slices"`
	SliceFillTimeoutMs  int     `yaml:"slice_fill_timeout_ms"`
	FillCheckIntervalMs int     `yaml:"fill_check_interval_ms"`
	MaxImbalancePercent float64 `yaml:"max_imbalance_percent"`
	InterSliceDelayMs   int     `yaml:"inter_slice_delay_ms"`
}

// GuardianConfig contains the order guardian escalation ladder
type GuardianConfig struct {
	IntervalSeconds        int     `yaml:"interval_seconds"`
	MinAgeSeconds          int     `yaml:"min_age_seconds"`
	AggressiveAgeSeconds   int     `yaml:"aggressive_age_seconds"`
	MarketOrderAgeSeconds  int     `yaml:"market_order_age_seconds"`
	ZombieTimeoutSeconds   int     `yaml:"zombie_timeout_seconds"`
	MaxRetries             int     `yaml:"max_retries"`
	OrphanConfirmSightings int     `yaml:"orphan_confirm_sightings"`
	OrphanMaxAgeSeconds    int     `yaml:"orphan_max_age_seconds"`
	PriceImprovePercent    float64 `yaml:"price_improve_percent"`
}

// ReconcileConfig contains reconciliation thresholds
type ReconcileConfig struct {
	IntervalSeconds           int     `yaml:"interval_seconds"`
	ImbalanceThresholdPercent float64 `yaml:"imbalance_threshold_percent"`
	MatchTolerancePercent     float64 `yaml:"match_tolerance_percent"`
	PartialFillPercent        float64 `yaml:"partial_fill_percent"`
	OverfillPercent           float64 `yaml:"overfill_percent"`
	NoFillAgeSeconds          int     `yaml:"no_fill_age_seconds"`
	VerifiedTTLSeconds        int     `yaml:"verified_ttl_seconds"`
	StaleTTLSeconds           int     `yaml:"stale_ttl_seconds"`
	RebalanceMinExcessPercent float64 `yaml:"rebalance_min_excess_percent"`
	DustSize                  float64 `yaml:"dust_size"`
}

// CacheConfig contains adapter and market-state cache TTLs
type CacheConfig struct {
	BalanceTtlMs           int `yaml:"balance_ttl_ms"`
	PriceTtlMs             int `yaml:"price_ttl_ms"`
	SymbolTtlSeconds       int `yaml:"symbol_ttl_seconds"`
	RefreshIntervalSeconds int `yaml:"refresh_interval_seconds"`
}

// SchedulerConfig contains control-plane settings
type SchedulerConfig struct {
	NavSyncIntervalSeconds   int     `yaml:"nav_sync_interval_seconds"`
	DeployUtilizationPercent float64 `yaml:"deploy_utilization_percent"`
	MaxLeverage              int     `yaml:"max_leverage"`
}

// SystemConfig contains system settings
type SystemConfig struct {
	LogLevel           string `yaml:"log_level"`
	CancelOrdersOnExit bool   `yaml:"cancel_orders_on_exit"`
}

// AlertConfig contains alert channel settings
type AlertConfig struct {
	SlackWebhookURL  Secret `yaml:"slack_webhook_url"`
	TelegramBotToken Secret `yaml:"telegram_bot_token"`
	TelegramChatID   string `yaml:"telegram_chat_id"`
}

// TelemetryConfig contains telemetry settings
type TelemetryConfig struct {
	MetricsPort   int  `yaml:"metrics_port"`
	EnableMetrics bool `yaml:"enable_metrics"`
}

// DiagConfig contains the diagnostics server settings
type DiagConfig struct {
	Port           int      `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	MaxConnections int      `yaml:"max_connections"`
}

// JournalConfig contains the execution journal settings
type JournalConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// RiskConfig contains the venue trip switch thresholds. Auth failures
// trip a venue until operator reset; reject streaks trip it for the
// cooldown.
type RiskConfig struct {
	MaxConsecutiveRejects int `yaml:"max_consecutive_rejects"`
	CooldownSeconds       int `yaml:"cooldown_seconds"`
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// LoadConfig loads configuration from a YAML file with environment variable expansion
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	var config Config
	if err := yaml.Unmarshal([]byte(expandedData), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// applyDefaults fills unset fields with production defaults.
func (c *Config) applyDefaults() {
	if c.Execution.NumberOfSlices == 0 {
		c.Execution.NumberOfSlices = 5
	}
	if c.Execution.SliceFillTimeoutMs == 0 {
		c.Execution.SliceFillTimeoutMs = 30000
	}
	if c.Execution.FillCheckIntervalMs == 0 {
		c.Execution.FillCheckIntervalMs = 2000
	}
	if c.Execution.MaxImbalancePercent == 0 {
		c.Execution.MaxImbalancePercent = 10
	}
	if c.Execution.InterSliceDelayMs == 0 {
		c.Execution.InterSliceDelayMs = 500
	}

	if c.Guardian.IntervalSeconds == 0 {
		c.Guardian.IntervalSeconds = 30
	}
	if c.Guardian.MinAgeSeconds == 0 {
		c.Guardian.MinAgeSeconds = 45
	}
	if c.Guardian.AggressiveAgeSeconds == 0 {
		c.Guardian.AggressiveAgeSeconds = 90
	}
	if c.Guardian.MarketOrderAgeSeconds == 0 {
		c.Guardian.MarketOrderAgeSeconds = 120
	}
	if c.Guardian.ZombieTimeoutSeconds == 0 {
		c.Guardian.ZombieTimeoutSeconds = 300
	}
	if c.Guardian.MaxRetries == 0 {
		c.Guardian.MaxRetries = 5
	}
	if c.Guardian.OrphanConfirmSightings == 0 {
		c.Guardian.OrphanConfirmSightings = 3
	}
	if c.Guardian.OrphanMaxAgeSeconds == 0 {
		c.Guardian.OrphanMaxAgeSeconds = 90
	}
	if c.Guardian.PriceImprovePercent == 0 {
		c.Guardian.PriceImprovePercent = 0.2
	}

	if c.Reconcile.IntervalSeconds == 0 {
		c.Reconcile.IntervalSeconds = 5
	}
	if c.Reconcile.ImbalanceThresholdPercent == 0 {
		c.Reconcile.ImbalanceThresholdPercent = 5
	}
	if c.Reconcile.MatchTolerancePercent == 0 {
		c.Reconcile.MatchTolerancePercent = 2
	}
	if c.Reconcile.PartialFillPercent == 0 {
		c.Reconcile.PartialFillPercent = 95
	}
	if c.Reconcile.OverfillPercent == 0 {
		c.Reconcile.OverfillPercent = 105
	}
	if c.Reconcile.NoFillAgeSeconds == 0 {
		c.Reconcile.NoFillAgeSeconds = 60
	}
	if c.Reconcile.VerifiedTTLSeconds == 0 {
		c.Reconcile.VerifiedTTLSeconds = 60
	}
	if c.Reconcile.StaleTTLSeconds == 0 {
		c.Reconcile.StaleTTLSeconds = 300
	}
	if c.Reconcile.RebalanceMinExcessPercent == 0 {
		c.Reconcile.RebalanceMinExcessPercent = 1
	}
	if c.Reconcile.DustSize == 0 {
		c.Reconcile.DustSize = 0.0001
	}

	if c.Cache.BalanceTtlMs == 0 {
		c.Cache.BalanceTtlMs = 30000
	}
	if c.Cache.PriceTtlMs == 0 {
		c.Cache.PriceTtlMs = 10000
	}
	if c.Cache.SymbolTtlSeconds == 0 {
		c.Cache.SymbolTtlSeconds = 3600
	}
	if c.Cache.RefreshIntervalSeconds == 0 {
		c.Cache.RefreshIntervalSeconds = 15
	}

	if c.Scheduler.NavSyncIntervalSeconds == 0 {
		c.Scheduler.NavSyncIntervalSeconds = 3600
	}
	if c.Scheduler.DeployUtilizationPercent == 0 {
		c.Scheduler.DeployUtilizationPercent = 90
	}
	if c.Scheduler.MaxLeverage == 0 {
		c.Scheduler.MaxLeverage = 3
	}

	if c.System.LogLevel == "" {
		c.System.LogLevel = "INFO"
	}

	if c.Risk.MaxConsecutiveRejects == 0 {
		c.Risk.MaxConsecutiveRejects = 5
	}
	if c.Risk.CooldownSeconds == 0 {
		c.Risk.CooldownSeconds = 600
	}

	if c.Diag.Port == 0 {
		c.Diag.Port = 8081
	}
	if c.Diag.MaxConnections == 0 {
		c.Diag.MaxConnections = 100
	}

	for name, v := range c.Venues {
		if v.TimeoutMs == 0 {
			v.TimeoutMs = 30000
		}
		if v.RateLimitPerSecond == 0 {
			v.RateLimitPerSecond = 10
		}
		if v.RateBurst == 0 {
			v.RateBurst = 20
		}
		c.Venues[name] = v
	}

	if len(c.App.ExecutionOrder) == 0 {
		c.App.ExecutionOrder = []string{"lighter", "extended", "hyperliquid"}
	}
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	var errors []string

	if err := c.validateAppConfig(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateVenues(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateExecutionConfig(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateGuardianConfig(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateSystemConfig(); err != nil {
		errors = append(errors, err.Error())
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errors, "\n"))
	}

	return nil
}

func (c *Config) validateAppConfig() error {
	validVenues := []string{"hyperliquid", "lighter", "extended", "mock"}

	if len(c.App.ActiveVenues) < 2 {
		return ValidationError{
			Field:   "app.active_venues",
			Message: "at least two venues are required to hedge",
		}
	}

	for _, v := range c.App.ActiveVenues {
		if !contains(validVenues, v) {
			return ValidationError{
				Field:   "app.active_venues",
				Value:   v,
				Message: fmt.Sprintf("must be one of: %s", strings.Join(validVenues, ", ")),
			}
		}
		if v == "mock" {
			continue
		}
		if _, exists := c.Venues[v]; !exists {
			return ValidationError{
				Field:   "app.active_venues",
				Value:   v,
				Message: "venue configuration not found in venues section",
			}
		}
	}

	if len(c.App.Symbols) == 0 {
		return ValidationError{
			Field:   "app.symbols",
			Message: "at least one symbol is required",
		}
	}

	for _, v := range c.App.ExecutionOrder {
		if !contains(validVenues, v) {
			return ValidationError{
				Field:   "app.execution_order",
				Value:   v,
				Message: "unknown venue in execution order",
			}
		}
	}

	return nil
}

func (c *Config) validateVenues() error {
	if len(c.Venues) == 0 {
		return ValidationError{
			Field:   "venues",
			Message: "at least one venue must be configured",
		}
	}

	for name, venue := range c.Venues {
		switch name {
		case "hyperliquid", "lighter":
			if venue.PrivateKey == "" {
				return ValidationError{
					Field:   fmt.Sprintf("venues.%s.private_key", name),
					Message: "private key is required for wallet-signed venues",
				}
			}
		case "extended":
			if venue.APIKey == "" {
				return ValidationError{
					Field:   fmt.Sprintf("venues.%s.api_key", name),
					Message: "API key is required",
				}
			}
			if venue.APISecret == "" {
				return ValidationError{
					Field:   fmt.Sprintf("venues.%s.api_secret", name),
					Message: "API secret is required",
				}
			}
		}
	}

	return nil
}

func (c *Config) validateExecutionConfig() error {
	if c.Execution.NumberOfSlices < 1 {
		return ValidationError{
			Field:   "execution.number_of_slices",
			Value:   c.Execution.NumberOfSlices,
			Message: "must be at least 1",
		}
	}
	if c.Execution.MaxImbalancePercent <= 0 || c.Execution.MaxImbalancePercent > 100 {
		return ValidationError{
			Field:   "execution.max_imbalance_percent",
			Value:   c.Execution.MaxImbalancePercent,
			Message: "must be in (0, 100]",
		}
	}
	if c.Execution.FillCheckIntervalMs > c.Execution.SliceFillTimeoutMs {
		return ValidationError{
			Field:   "execution.fill_check_interval_ms",
			Value:   c.Execution.FillCheckIntervalMs,
			Message: "polling interval exceeds the slice fill timeout",
		}
	}
	return nil
}

func (c *Config) validateGuardianConfig() error {
	g := c.Guardian
	if !(g.MinAgeSeconds < g.AggressiveAgeSeconds && g.AggressiveAgeSeconds < g.MarketOrderAgeSeconds) {
		return ValidationError{
			Field:   "guardian",
			Message: "escalation ladder must be strictly increasing: min_age < aggressive_age < market_order_age",
		}
	}
	if g.ZombieTimeoutSeconds <= g.MarketOrderAgeSeconds {
		return ValidationError{
			Field:   "guardian.zombie_timeout_seconds",
			Value:   g.ZombieTimeoutSeconds,
			Message: "zombie timeout must exceed the market-order escalation age",
		}
	}
	if g.MaxRetries < 1 {
		return ValidationError{
			Field:   "guardian.max_retries",
			Value:   g.MaxRetries,
			Message: "must be at least 1",
		}
	}
	return nil
}

func (c *Config) validateSystemConfig() error {
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

// GetVenueConfig returns the configuration for a venue by name
func (c *Config) GetVenueConfig(name string) (*VenueConfig, error) {
	venue, exists := c.Venues[name]
	if !exists {
		return nil, fmt.Errorf("venue configuration not found for: %s", name)
	}
	return &venue, nil
}

// String returns a string representation of the configuration; Secret
// fields redact themselves during marshaling.
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

// Helper functions

func expandEnvVars(s string) string {
	return os.Expand(s, os.Getenv)
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// DefaultConfig returns a default configuration for testing
func DefaultConfig() *Config {
	cfg := &Config{
		App: AppConfig{
			ActiveVenues:           []string{"hyperliquid", "lighter", "extended"},
			Symbols:                []string{"ETH", "BTC"},
			ExecutionOrder:         []string{"lighter", "extended", "hyperliquid"},
			PreferredRecoveryVenue: "hyperliquid",
		},
		Venues: map[string]VenueConfig{
			"hyperliquid": {
				BaseURL:    "https://api.hyperliquid.xyz",
				WsURL:      "wss://api.hyperliquid.xyz/ws",
				PrivateKey: "0x0000000000000000000000000000000000000000000000000000000000000001",
			},
			"lighter": {
				BaseURL:    "https://mainnet.zklighter.elliot.ai",
				PrivateKey: "0x0000000000000000000000000000000000000000000000000000000000000002",
			},
			"extended": {
				BaseURL:   "https://api.extended.exchange",
				APIKey:    "test_api_key",
				APISecret: "test_api_secret",
			},
		},
		System: SystemConfig{
			LogLevel:           "INFO",
			CancelOrdersOnExit: true,
		},
	}
	cfg.applyDefaults()
	return cfg
}
