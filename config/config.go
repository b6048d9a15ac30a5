package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/tomiyuta/webull-portfolio-rebalancer/webull"
)

// Config is the complete rebalancer configuration.
type Config struct {
	Credentials CredentialsConfig `json:"credentials" yaml:"credentials"`
	API         APIConfig         `json:"api" yaml:"api"`
	MarketData  MarketDataConfig  `json:"market_data" yaml:"market_data"`
	Rebalance   RebalanceConfig   `json:"rebalance" yaml:"rebalance"`
	Journal     JournalConfig     `json:"journal" yaml:"journal"`
}

// CredentialsConfig holds broker API credentials. Normally these come from
// the environment, not the config file.
type CredentialsConfig struct {
	AppKey    string `json:"app_key,omitempty" yaml:"app_key,omitempty"`
	AppSecret string `json:"app_secret,omitempty" yaml:"app_secret,omitempty"`
	AccountID string `json:"account_id,omitempty" yaml:"account_id,omitempty"`
}

// APIConfig tunes the HTTP client and retry policy.
type APIConfig struct {
	BaseURL       string `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	MaxRetries    int    `json:"max_retries" yaml:"max_retries"`
	RetryDelay    string `json:"retry_delay,omitempty" yaml:"retry_delay,omitempty"`
	CallInterval  string `json:"call_interval,omitempty" yaml:"call_interval,omitempty"`
	OrderInterval string `json:"order_interval,omitempty" yaml:"order_interval,omitempty"`
}

// MarketDataConfig tunes price resolution.
type MarketDataConfig struct {
	Prefer   string `json:"prefer,omitempty" yaml:"prefer,omitempty"`
	CacheTTL string `json:"cache_ttl,omitempty" yaml:"cache_ttl,omitempty"`
}

// RebalanceConfig contains the planning and execution parameters.
type RebalanceConfig struct {
	Mode          string  `json:"mode" yaml:"mode"` // "total_value" or "threshold"
	Threshold     float64 `json:"threshold,omitempty" yaml:"threshold,omitempty"`
	DryRun        bool    `json:"dry_run" yaml:"dry_run"`
	Currency      string  `json:"currency" yaml:"currency"`
	OrderTimeout  string  `json:"order_timeout,omitempty" yaml:"order_timeout,omitempty"`
	PollInterval  string  `json:"poll_interval,omitempty" yaml:"poll_interval,omitempty"`
	PortfolioFile string  `json:"portfolio_file,omitempty" yaml:"portfolio_file,omitempty"`
}

// JournalConfig selects the trade ledger backend.
type JournalConfig struct {
	Type       string `json:"type" yaml:"type"` // "csv" or "sqlite"
	TradesFile string `json:"trades_file,omitempty" yaml:"trades_file,omitempty"`
	DBPath     string `json:"db_path,omitempty" yaml:"db_path,omitempty"`
}

// Duration parses one of the interval strings with a fallback default.
func Duration(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	return time.ParseDuration(s)
}

// LoadFromFile loads configuration from a file (JSON or YAML based on
// content), applies the environment overlay and validates the result.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}

	// Try YAML first, fall back to JSON
	err = yaml.Unmarshal(data, cfg)
	if err != nil {
		err = json.Unmarshal(data, cfg)
		if err != nil {
			return nil, fmt.Errorf("parse config (tried YAML and JSON): %w", err)
		}
	}

	cfg.applyDefaults()
	cfg.LoadEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// LoadEnv fills credentials from the environment, loading a .env file if
// one is present. Environment values win over file values.
func (c *Config) LoadEnv() {
	_ = godotenv.Load()

	if v := os.Getenv("WEBULL_APP_KEY"); v != "" {
		c.Credentials.AppKey = v
	}
	if v := os.Getenv("WEBULL_APP_SECRET"); v != "" {
		c.Credentials.AppSecret = v
	}
	if v := os.Getenv("WEBULL_ACCOUNT_ID"); v != "" {
		c.Credentials.AccountID = v
	}
}

// SaveToFile saves configuration to a file (JSON or YAML based on extension)
func (c *Config) SaveToFile(path string) error {
	var data []byte
	var err error

	if strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml") {
		data, err = yaml.Marshal(c)
	} else {
		data, err = json.MarshalIndent(c, "", "  ")
	}

	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}

	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Credentials.AppKey == "" || c.Credentials.AppSecret == "" {
		return fmt.Errorf("credentials app_key and app_secret are required (set WEBULL_APP_KEY / WEBULL_APP_SECRET)")
	}
	if c.Credentials.AccountID == "" {
		return fmt.Errorf("credentials account_id is required (set WEBULL_ACCOUNT_ID)")
	}
	if c.API.MaxRetries < 0 {
		return fmt.Errorf("api.max_retries must not be negative")
	}
	for _, d := range []string{c.API.RetryDelay, c.API.CallInterval, c.API.OrderInterval,
		c.MarketData.CacheTTL, c.Rebalance.OrderTimeout, c.Rebalance.PollInterval} {
		if d == "" {
			continue
		}
		if _, err := time.ParseDuration(d); err != nil {
			return fmt.Errorf("invalid duration %q: %w", d, err)
		}
	}
	if c.Rebalance.Mode != "total_value" && c.Rebalance.Mode != "threshold" {
		return fmt.Errorf("rebalance.mode must be 'total_value' or 'threshold'")
	}
	if c.Rebalance.Threshold < 0 || c.Rebalance.Threshold >= 1 {
		return fmt.Errorf("rebalance.threshold must be in [0, 1)")
	}
	if c.Rebalance.Currency == "" {
		return fmt.Errorf("rebalance.currency is required")
	}
	if c.Journal.Type != "csv" && c.Journal.Type != "sqlite" && c.Journal.Type != "none" {
		return fmt.Errorf("journal.type must be 'csv', 'sqlite' or 'none'")
	}
	if c.Journal.Type == "csv" && c.Journal.TradesFile == "" {
		return fmt.Errorf("journal trades_file required for CSV type")
	}
	if c.Journal.Type == "sqlite" && c.Journal.DBPath == "" {
		return fmt.Errorf("journal db_path required for SQLite type")
	}
	return nil
}

func (c *Config) applyDefaults() {
	d := Default()
	if c.API.BaseURL == "" {
		c.API.BaseURL = d.API.BaseURL
	}
	if c.API.MaxRetries == 0 {
		c.API.MaxRetries = d.API.MaxRetries
	}
	if c.Rebalance.Mode == "" {
		c.Rebalance.Mode = d.Rebalance.Mode
	}
	if c.Rebalance.Currency == "" {
		c.Rebalance.Currency = d.Rebalance.Currency
	}
	if c.Rebalance.Threshold == 0 && c.Rebalance.Mode == "threshold" {
		c.Rebalance.Threshold = d.Rebalance.Threshold
	}
	if c.Journal.Type == "" {
		c.Journal = d.Journal
	}
}

// Default returns a configuration with sensible defaults
func Default() *Config {
	return &Config{
		API: APIConfig{
			BaseURL:       webull.DefaultBaseURL,
			MaxRetries:    3,
			RetryDelay:    "1s",
			CallInterval:  "1s",
			OrderInterval: "3s",
		},
		MarketData: MarketDataConfig{
			CacheTTL: "60s",
		},
		Rebalance: RebalanceConfig{
			Mode:         "total_value",
			Threshold:    0.05,
			Currency:     "USD",
			OrderTimeout: "300s",
			PollInterval: "5s",
		},
		Journal: JournalConfig{
			Type:       "csv",
			TradesFile: "./trades.csv",
		},
	}
}
