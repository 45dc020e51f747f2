package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gregtusar/ltvbot/pkg/binance"
	"github.com/gregtusar/ltvbot/pkg/rebalancer"
	"github.com/gregtusar/ltvbot/pkg/secrets"
	"github.com/gregtusar/ltvbot/pkg/trader"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

type Config struct {
	Environment string          `mapstructure:"environment"`
	Server      ServerConfig    `mapstructure:"server"`
	Binance     BinanceConfig   `mapstructure:"binance"`
	Rebalance   RebalanceConfig `mapstructure:"rebalance"`
	Trading     TradingConfig   `mapstructure:"trading"`
	Logging     LoggingConfig   `mapstructure:"logging"`
	GCP         GCPConfig       `mapstructure:"gcp"`
}

type ServerConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
	// AuthSecret enables bearer token checks on the control endpoints.
	AuthSecret string        `mapstructure:"auth_secret"`
	TokenTTL   time.Duration `mapstructure:"token_ttl"`
}

type BinanceConfig struct {
	APIKey            string        `mapstructure:"api_key"`
	APISecret         string        `mapstructure:"api_secret"`
	BaseURL           string        `mapstructure:"base_url"`
	RecvWindow        int64         `mapstructure:"recv_window"`
	MaxRetries        int           `mapstructure:"max_retries"`
	RetryDelay        time.Duration `mapstructure:"retry_delay"`
	MaxRetryDelay     time.Duration `mapstructure:"max_retry_delay"`
	Backoff           string        `mapstructure:"backoff"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
}

// RebalanceConfig keeps thresholds as strings so they parse exactly into
// decimals.
type RebalanceConfig struct {
	LTVUpperBound      string        `mapstructure:"ltv_upper_bound"`
	LTVLowerBound      string        `mapstructure:"ltv_lower_bound"`
	LTVTarget          string        `mapstructure:"ltv_target"`
	SpreadThreshold    string        `mapstructure:"spread_threshold"`
	MaxSlippage        string        `mapstructure:"max_slippage"`
	AdjustPercent      string        `mapstructure:"adjust_percent"`
	MonitoringInterval time.Duration `mapstructure:"monitoring_interval"`
}

type TradingConfig struct {
	QuoteAsset       string `mapstructure:"quote_asset"`
	DryRun           bool   `mapstructure:"dry_run"`
	RetryStrandedBuy bool   `mapstructure:"retry_stranded_buy"`
	MaxAuthFailures  int    `mapstructure:"max_auth_failures"`
}

type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

type GCPConfig struct {
	ProjectID       string              `mapstructure:"project_id"`
	UseSecrets      bool                `mapstructure:"use_secrets"`
	CredentialsFile string              `mapstructure:"credentials_file"`
	SecretNames     secrets.SecretNames `mapstructure:"secret_names"`
}

// ConfigurationError reports a missing or invalid setting.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration %s: %s", e.Field, e.Reason)
}

// Load reads defaults, the config file and the environment. Credentials are
// not checked here; call Validate before talking to the exchange.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/ltvbot")
	}

	v.SetEnvPrefix("LTVBOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := overrideFromEnv(&config); err != nil {
		return nil, err
	}

	if config.GCP.UseSecrets && config.GCP.ProjectID != "" {
		ctx := context.Background()
		logger := logrus.New()
		if err := loadSecretsFromGCP(ctx, &config, logger); err != nil {
			return nil, fmt.Errorf("error loading secrets from GCP: %w", err)
		}
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "production")

	// Server defaults
	v.SetDefault("server.enabled", true)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.auth_secret", "")
	v.SetDefault("server.token_ttl", "24h")

	// Binance defaults
	v.SetDefault("binance.api_key", "")
	v.SetDefault("binance.api_secret", "")
	v.SetDefault("binance.base_url", binance.DefaultBaseURL)
	v.SetDefault("binance.recv_window", 5000)
	v.SetDefault("binance.max_retries", 3)
	v.SetDefault("binance.retry_delay", "1s")
	v.SetDefault("binance.max_retry_delay", "30s")
	v.SetDefault("binance.backoff", string(binance.BackoffExponential))
	v.SetDefault("binance.request_timeout", "30s")
	v.SetDefault("binance.requests_per_second", 10)
	v.SetDefault("binance.burst", 5)

	// Rebalance defaults
	policy := rebalancer.DefaultConfig()
	v.SetDefault("rebalance.ltv_upper_bound", policy.LTVUpperBound.String())
	v.SetDefault("rebalance.ltv_lower_bound", policy.LTVLowerBound.String())
	v.SetDefault("rebalance.ltv_target", policy.LTVTarget.String())
	v.SetDefault("rebalance.spread_threshold", policy.SpreadThreshold.String())
	v.SetDefault("rebalance.max_slippage", policy.MaxSlippage.String())
	v.SetDefault("rebalance.adjust_percent", policy.AdjustPercent.String())
	v.SetDefault("rebalance.monitoring_interval", "60s")

	// Trading defaults
	v.SetDefault("trading.quote_asset", "USDT")
	v.SetDefault("trading.dry_run", false)
	v.SetDefault("trading.retry_stranded_buy", true)
	v.SetDefault("trading.max_auth_failures", 5)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("logging.max_age_days", 30)

	// GCP defaults
	v.SetDefault("gcp.use_secrets", false)
	v.SetDefault("gcp.project_id", "")
	v.SetDefault("gcp.credentials_file", "")

	secretNames := secrets.DefaultSecretNames()
	v.SetDefault("gcp.secret_names.binance_api_key", secretNames.BinanceAPIKey)
	v.SetDefault("gcp.secret_names.binance_api_secret", secretNames.BinanceAPISecret)
	v.SetDefault("gcp.secret_names.api_auth_secret", secretNames.APIAuthSecret)
}

// overrideFromEnv applies the plain environment names used by existing
// deployments. Durations accept Go syntax or a number of seconds.
func overrideFromEnv(config *Config) error {
	if apiKey := os.Getenv("BINANCE_API_KEY"); apiKey != "" {
		config.Binance.APIKey = apiKey
	}
	if apiSecret := os.Getenv("BINANCE_API_SECRET"); apiSecret != "" {
		config.Binance.APISecret = apiSecret
	}
	if baseURL := os.Getenv("BINANCE_BASE_URL"); baseURL != "" {
		config.Binance.BaseURL = baseURL
	}
	if raw := os.Getenv("BINANCE_RECV_WINDOW"); raw != "" {
		recvWindow, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return &ConfigurationError{Field: "BINANCE_RECV_WINDOW", Reason: err.Error()}
		}
		config.Binance.RecvWindow = recvWindow
	}
	if raw := os.Getenv("BINANCE_MAX_RETRIES"); raw != "" {
		retries, err := strconv.Atoi(raw)
		if err != nil {
			return &ConfigurationError{Field: "BINANCE_MAX_RETRIES", Reason: err.Error()}
		}
		config.Binance.MaxRetries = retries
	}
	if raw := os.Getenv("BINANCE_RETRY_DELAY"); raw != "" {
		delay, err := parseSeconds(raw)
		if err != nil {
			return &ConfigurationError{Field: "BINANCE_RETRY_DELAY", Reason: err.Error()}
		}
		config.Binance.RetryDelay = delay
	}

	thresholds := []struct {
		env    string
		target *string
	}{
		{"LTV_UPPER_BOUND", &config.Rebalance.LTVUpperBound},
		{"LTV_LOWER_BOUND", &config.Rebalance.LTVLowerBound},
		{"LTV_TARGET", &config.Rebalance.LTVTarget},
		{"SPREAD_THRESHOLD", &config.Rebalance.SpreadThreshold},
		{"MAX_SLIPPAGE", &config.Rebalance.MaxSlippage},
		{"ADJUST_PERCENT", &config.Rebalance.AdjustPercent},
	}
	for _, th := range thresholds {
		if raw := os.Getenv(th.env); raw != "" {
			*th.target = raw
		}
	}

	if raw := os.Getenv("MONITORING_INTERVAL"); raw != "" {
		interval, err := parseSeconds(raw)
		if err != nil {
			return &ConfigurationError{Field: "MONITORING_INTERVAL", Reason: err.Error()}
		}
		config.Rebalance.MonitoringInterval = interval
	}
	if env := os.Getenv("ENVIRONMENT"); env != "" {
		config.Environment = env
	}

	// GCP configuration from environment
	if projectID := os.Getenv("GCP_PROJECT_ID"); projectID != "" {
		config.GCP.ProjectID = projectID
	}
	if useSecrets := os.Getenv("GCP_USE_SECRETS"); useSecrets == "true" {
		config.GCP.UseSecrets = true
	}
	if credentials := os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"); credentials != "" && config.GCP.CredentialsFile == "" {
		config.GCP.CredentialsFile = credentials
	}
	return nil
}

func parseSeconds(raw string) (time.Duration, error) {
	if d, err := time.ParseDuration(raw); err == nil {
		return d, nil
	}
	secs, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("%q is neither a duration nor a number of seconds", raw)
	}
	return time.Duration(secs * float64(time.Second)), nil
}

func loadSecretsFromGCP(ctx context.Context, config *Config, logger *logrus.Logger) error {
	secretManager, err := secrets.NewGCPSecretManager(ctx, config.GCP.ProjectID, config.GCP.CredentialsFile, logger)
	if err != nil {
		return fmt.Errorf("failed to create secret manager: %w", err)
	}
	defer secretManager.Close()

	// Only load secrets if they're not already set
	if config.Binance.APIKey == "" {
		config.Binance.APIKey = secretManager.GetSecretWithDefault(ctx,
			config.GCP.SecretNames.BinanceAPIKey, "")
	}
	if config.Binance.APISecret == "" {
		config.Binance.APISecret = secretManager.GetSecretWithDefault(ctx,
			config.GCP.SecretNames.BinanceAPISecret, "")
	}
	if config.Server.AuthSecret == "" {
		config.Server.AuthSecret = secretManager.GetSecretWithDefault(ctx,
			config.GCP.SecretNames.APIAuthSecret, "")
	}

	logger.Info("Successfully loaded secrets from GCP Secret Manager")
	return nil
}

// Validate checks everything the monitor needs before its first cycle.
func (c *Config) Validate() error {
	if c.Binance.APIKey == "" {
		return &ConfigurationError{Field: "binance.api_key", Reason: "missing (set BINANCE_API_KEY)"}
	}
	if c.Binance.APISecret == "" {
		return &ConfigurationError{Field: "binance.api_secret", Reason: "missing (set BINANCE_API_SECRET)"}
	}
	if c.Binance.RecvWindow <= 0 || c.Binance.RecvWindow > 60000 {
		return &ConfigurationError{Field: "binance.recv_window", Reason: "must be in (0, 60000] ms"}
	}
	if c.Binance.MaxRetries < 0 {
		return &ConfigurationError{Field: "binance.max_retries", Reason: "must be >= 0"}
	}
	switch binance.Backoff(c.Binance.Backoff) {
	case binance.BackoffExponential, binance.BackoffFixed:
	default:
		return &ConfigurationError{Field: "binance.backoff", Reason: fmt.Sprintf("unknown strategy %q", c.Binance.Backoff)}
	}
	if c.Rebalance.MonitoringInterval <= 0 {
		return &ConfigurationError{Field: "rebalance.monitoring_interval", Reason: "must be positive"}
	}
	if _, err := c.Policy(); err != nil {
		return err
	}
	return nil
}

// Policy parses and validates the rebalancing thresholds.
func (c *Config) Policy() (rebalancer.Config, error) {
	var policy rebalancer.Config
	fields := []struct {
		name   string
		raw    string
		target *decimal.Decimal
	}{
		{"rebalance.ltv_upper_bound", c.Rebalance.LTVUpperBound, &policy.LTVUpperBound},
		{"rebalance.ltv_lower_bound", c.Rebalance.LTVLowerBound, &policy.LTVLowerBound},
		{"rebalance.ltv_target", c.Rebalance.LTVTarget, &policy.LTVTarget},
		{"rebalance.spread_threshold", c.Rebalance.SpreadThreshold, &policy.SpreadThreshold},
		{"rebalance.max_slippage", c.Rebalance.MaxSlippage, &policy.MaxSlippage},
		{"rebalance.adjust_percent", c.Rebalance.AdjustPercent, &policy.AdjustPercent},
	}

	for _, f := range fields {
		value, err := decimal.NewFromString(strings.TrimSpace(f.raw))
		if err != nil {
			return rebalancer.Config{}, &ConfigurationError{Field: f.name, Reason: fmt.Sprintf("%q is not a number", f.raw)}
		}
		*f.target = value
	}

	if err := policy.Validate(); err != nil {
		return rebalancer.Config{}, &ConfigurationError{Field: "rebalance", Reason: err.Error()}
	}
	return policy, nil
}

func (c *Config) ClientConfig() binance.Config {
	return binance.Config{
		APIKey:            c.Binance.APIKey,
		APISecret:         c.Binance.APISecret,
		BaseURL:           c.Binance.BaseURL,
		RecvWindow:        c.Binance.RecvWindow,
		MaxRetries:        c.Binance.MaxRetries,
		RetryDelay:        c.Binance.RetryDelay,
		MaxRetryDelay:     c.Binance.MaxRetryDelay,
		Backoff:           binance.Backoff(c.Binance.Backoff),
		RequestTimeout:    c.Binance.RequestTimeout,
		RequestsPerSecond: c.Binance.RequestsPerSecond,
		Burst:             c.Binance.Burst,
	}
}

func (c *Config) MonitorOptions(policy rebalancer.Config) trader.Options {
	return trader.Options{
		Interval:         c.Rebalance.MonitoringInterval,
		Policy:           policy,
		DryRun:           c.Trading.DryRun,
		RetryStrandedBuy: c.Trading.RetryStrandedBuy,
		MaxAuthFailures:  c.Trading.MaxAuthFailures,
	}
}
