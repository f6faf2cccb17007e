package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rawblock/aml-engine/internal/aml"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Ledger sources selectable through LEDGER_SOURCE
const (
	LedgerPostgres = "postgres"
	LedgerBitcoin  = "bitcoin"
)

// Config holds the process configuration, loaded from the environment
// and an optional .env file.
type Config struct {
	Port           string `mapstructure:"PORT"`
	DatabaseURL    string `mapstructure:"DATABASE_URL"`
	LedgerSource   string `mapstructure:"LEDGER_SOURCE"`
	AllowedOrigins string `mapstructure:"ALLOWED_ORIGINS"`
	LogLevel       string `mapstructure:"LOG_LEVEL"`

	BTCRPCHost string `mapstructure:"BTC_RPC_HOST"`
	BTCRPCUser string `mapstructure:"BTC_RPC_USER"`
	BTCRPCPass string `mapstructure:"BTC_RPC_PASS"`
	BTCNetwork string `mapstructure:"BTC_NETWORK"`

	APIAuthToken    string `mapstructure:"API_AUTH_TOKEN"`
	RateLimitPerMin int    `mapstructure:"RATE_LIMIT_PER_MIN"`
	RateLimitBurst  int    `mapstructure:"RATE_LIMIT_BURST"`

	MinFlowValue         string  `mapstructure:"MIN_FLOW_VALUE"`
	MaxHops              int     `mapstructure:"MAX_HOPS"`
	TimeWindowDays       int     `mapstructure:"TIME_WINDOW_DAYS"`
	MinPatternConfidence float64 `mapstructure:"MIN_PATTERN_CONFIDENCE"`
	ExcludedAddresses    string  `mapstructure:"EXCLUDED_ADDRESSES"`

	MinSeverityScore      float64       `mapstructure:"MIN_SEVERITY_SCORE"`
	MaxAlertsPerAddress   int           `mapstructure:"MAX_ALERTS_PER_ADDRESS"`
	DeduplicationWindow   time.Duration `mapstructure:"DEDUPLICATION_WINDOW"`
	NotifyThresholdLow    float64       `mapstructure:"NOTIFY_THRESHOLD_LOW"`
	NotifyThresholdMedium float64       `mapstructure:"NOTIFY_THRESHOLD_MEDIUM"`
	NotifyThresholdHigh   float64       `mapstructure:"NOTIFY_THRESHOLD_HIGH"`
	NotifyThresholdCrit   float64       `mapstructure:"NOTIFY_THRESHOLD_CRITICAL"`

	WebhookURLs        string `mapstructure:"WEBHOOK_URLS"`
	WebhookMinSeverity string `mapstructure:"WEBHOOK_MIN_SEVERITY"`
}

var keys = []string{
	"PORT", "DATABASE_URL", "LEDGER_SOURCE", "ALLOWED_ORIGINS", "LOG_LEVEL",
	"BTC_RPC_HOST", "BTC_RPC_USER", "BTC_RPC_PASS", "BTC_NETWORK",
	"API_AUTH_TOKEN", "RATE_LIMIT_PER_MIN", "RATE_LIMIT_BURST",
	"MIN_FLOW_VALUE", "MAX_HOPS", "TIME_WINDOW_DAYS", "MIN_PATTERN_CONFIDENCE", "EXCLUDED_ADDRESSES",
	"MIN_SEVERITY_SCORE", "MAX_ALERTS_PER_ADDRESS", "DEDUPLICATION_WINDOW",
	"NOTIFY_THRESHOLD_LOW", "NOTIFY_THRESHOLD_MEDIUM", "NOTIFY_THRESHOLD_HIGH", "NOTIFY_THRESHOLD_CRITICAL",
	"WEBHOOK_URLS", "WEBHOOK_MIN_SEVERITY",
}

// Load reads configuration from the environment, falling back to a .env
// file in path when present.
func Load(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("PORT", "5339")
	viper.SetDefault("LEDGER_SOURCE", LedgerPostgres)
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("BTC_RPC_HOST", "localhost:8332")
	viper.SetDefault("BTC_NETWORK", "mainnet")
	viper.SetDefault("RATE_LIMIT_PER_MIN", 30)
	viper.SetDefault("RATE_LIMIT_BURST", 10)
	viper.SetDefault("MIN_FLOW_VALUE", "0")
	viper.SetDefault("MAX_HOPS", 5)
	viper.SetDefault("TIME_WINDOW_DAYS", 30)
	viper.SetDefault("MIN_PATTERN_CONFIDENCE", 0.8)
	viper.SetDefault("MIN_SEVERITY_SCORE", 0.7)
	viper.SetDefault("MAX_ALERTS_PER_ADDRESS", 10)
	viper.SetDefault("DEDUPLICATION_WINDOW", "24h")
	viper.SetDefault("NOTIFY_THRESHOLD_LOW", 0.7)
	viper.SetDefault("NOTIFY_THRESHOLD_MEDIUM", 0.8)
	viper.SetDefault("NOTIFY_THRESHOLD_HIGH", 0.9)
	viper.SetDefault("NOTIFY_THRESHOLD_CRITICAL", 0.95)
	viper.SetDefault("WEBHOOK_MIN_SEVERITY", "high")

	for _, key := range keys {
		_ = viper.BindEnv(key)
	}

	// A missing .env is fine; anything else is logged and the environment wins
	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			logrus.WithError(err).Warn("[Config] Failed to read config file; using environment values")
		}
		err = nil
	}

	if err = viper.Unmarshal(&config); err != nil {
		return config, fmt.Errorf("failed to decode config: %w", err)
	}

	config.LedgerSource = strings.ToLower(strings.TrimSpace(config.LedgerSource))
	if config.LedgerSource != LedgerPostgres && config.LedgerSource != LedgerBitcoin {
		return config, fmt.Errorf("LEDGER_SOURCE must be %q or %q, got %q", LedgerPostgres, LedgerBitcoin, config.LedgerSource)
	}
	if config.RateLimitPerMin <= 0 {
		config.RateLimitPerMin = 30
	}
	if config.RateLimitBurst <= 0 {
		config.RateLimitBurst = 10
	}
	return config, nil
}

// DetectorConfig maps the flat settings onto the analysis configuration.
// Per-typology matcher bounds keep their defaults.
func (c Config) DetectorConfig() (aml.DetectorConfig, error) {
	cfg := aml.DefaultDetectorConfig()

	if s := strings.TrimSpace(c.MinFlowValue); s != "" {
		v, err := decimal.NewFromString(s)
		if err != nil {
			return cfg, fmt.Errorf("invalid MIN_FLOW_VALUE %q: %w", s, err)
		}
		if v.IsNegative() {
			return cfg, fmt.Errorf("MIN_FLOW_VALUE must not be negative")
		}
		cfg.MinFlowValue = v
	}
	if c.MaxHops > 0 {
		cfg.MaxHops = c.MaxHops
	}
	if c.TimeWindowDays > 0 {
		cfg.TimeWindowDays = c.TimeWindowDays
		cfg.Alerts.TimeWeightSaturation = time.Duration(c.TimeWindowDays) * 24 * time.Hour
	}
	if c.MinPatternConfidence > 0 {
		cfg.MinPatternConfidence = c.MinPatternConfidence
	}
	cfg.ExcludedAddresses = SplitList(c.ExcludedAddresses)

	if c.MinSeverityScore > 0 {
		cfg.Alerts.MinSeverityScore = c.MinSeverityScore
	}
	if c.MaxAlertsPerAddress > 0 {
		cfg.Alerts.MaxAlertsPerAddress = c.MaxAlertsPerAddress
	}
	if c.DeduplicationWindow > 0 {
		cfg.Alerts.DeduplicationWindow = c.DeduplicationWindow
	}
	for severity, v := range map[aml.Severity]float64{
		aml.SeverityLow:      c.NotifyThresholdLow,
		aml.SeverityMedium:   c.NotifyThresholdMedium,
		aml.SeverityHigh:     c.NotifyThresholdHigh,
		aml.SeverityCritical: c.NotifyThresholdCrit,
	} {
		if v > 0 {
			cfg.Alerts.NotificationThreshold[severity] = v
		}
	}
	return cfg, nil
}

// ParsedLogLevel parses LOG_LEVEL, defaulting to info
func (c Config) ParsedLogLevel() logrus.Level {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

// SplitList splits a comma separated setting, dropping blanks
func SplitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
