package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func setCredentials(t *testing.T) {
	t.Helper()
	t.Setenv("WEBULL_APP_KEY", "key-from-env")
	t.Setenv("WEBULL_APP_SECRET", "secret-from-env")
	t.Setenv("WEBULL_ACCOUNT_ID", "acct-from-env")
}

func TestLoadFromFileYAML(t *testing.T) {
	setCredentials(t)

	path := writeConfig(t, "config.yaml", `
api:
  max_retries: 5
  order_interval: 2s
rebalance:
  mode: threshold
  threshold: 0.1
  currency: USD
journal:
  type: sqlite
  db_path: ./ledger.db
`)

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.API.MaxRetries)
	assert.Equal(t, "threshold", cfg.Rebalance.Mode)
	assert.InDelta(t, 0.1, cfg.Rebalance.Threshold, 1e-9)
	assert.Equal(t, "sqlite", cfg.Journal.Type)
	assert.Equal(t, "key-from-env", cfg.Credentials.AppKey)
}

func TestLoadFromFileJSONFallback(t *testing.T) {
	setCredentials(t)

	path := writeConfig(t, "config.json",
		`{"rebalance": {"mode": "total_value", "currency": "USD"}, "journal": {"type": "csv", "trades_file": "t.csv"}}`)

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "total_value", cfg.Rebalance.Mode)
}

func TestLoadFromFileAppliesDefaults(t *testing.T) {
	setCredentials(t)

	path := writeConfig(t, "config.yaml", "rebalance:\n  currency: USD\n")

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "total_value", cfg.Rebalance.Mode)
	assert.Equal(t, 3, cfg.API.MaxRetries)
	assert.Equal(t, "csv", cfg.Journal.Type)
	assert.NotEmpty(t, cfg.API.BaseURL)
}

func TestEnvOverridesFileCredentials(t *testing.T) {
	setCredentials(t)

	path := writeConfig(t, "config.yaml", `
credentials:
  app_key: key-from-file
  app_secret: secret-from-file
  account_id: acct-from-file
`)

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "key-from-env", cfg.Credentials.AppKey)
	assert.Equal(t, "acct-from-env", cfg.Credentials.AccountID)
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing credentials", func(c *Config) { c.Credentials.AppKey = "" }, "app_key"},
		{"bad mode", func(c *Config) { c.Rebalance.Mode = "both" }, "rebalance.mode"},
		{"threshold out of range", func(c *Config) { c.Rebalance.Threshold = 1.5 }, "threshold"},
		{"bad duration", func(c *Config) { c.API.RetryDelay = "fast" }, "duration"},
		{"csv without path", func(c *Config) { c.Journal = JournalConfig{Type: "csv"} }, "trades_file"},
		{"sqlite without path", func(c *Config) { c.Journal = JournalConfig{Type: "sqlite"} }, "db_path"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Credentials = CredentialsConfig{AppKey: "k", AppSecret: "s", AccountID: "a"}
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestDurationHelper(t *testing.T) {
	t.Parallel()

	d, err := Duration("", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, d)

	d, err = Duration("250ms", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, d)

	_, err = Duration("soon", 0)
	assert.Error(t, err)
}

func TestSaveRoundTrip(t *testing.T) {
	t.Parallel()

	cfg := Default()
	cfg.Credentials = CredentialsConfig{AppKey: "k", AppSecret: "s", AccountID: "a"}

	path := filepath.Join(t.TempDir(), "out.yaml")
	require.NoError(t, cfg.SaveToFile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "total_value")
}
