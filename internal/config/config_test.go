package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	require.Equal(t, 8080, cfg.Server.Port)
	require.Equal(t, 3, cfg.Crawler.MaxRetries)
	require.Equal(t, "BEST_SUCCESS_RATE", cfg.Proxy.Strategy)
	require.True(t, cfg.Proxy.PreferPaid)
	require.Equal(t, 5, cfg.Proxy.FailureThreshold)
	require.Equal(t, 50.0, cfg.Budget.DailyLimit)
	require.False(t, cfg.Headless.Enabled)
	require.Equal(t, int32(8), cfg.DB.MaxConns)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9090
proxy:
  strategy: ROUND_ROBIN
  seeds:
    - id: "10.0.0.1:8080"
      provider: brightdata
      tier: premium
      cost_per_request: 0.004
retailer:
  base_url: https://groceries.example.com
  seed_categories:
    - fruit
    - bakery
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 9090, cfg.Server.Port)
	require.Equal(t, "ROUND_ROBIN", cfg.Proxy.Strategy)
	require.Len(t, cfg.Proxy.Seeds, 1)
	require.Equal(t, "10.0.0.1:8080", cfg.Proxy.Seeds[0].ID)
	require.Equal(t, 0.004, cfg.Proxy.Seeds[0].CostPerRequest)
	require.Equal(t, []string{"fruit", "bakery"}, cfg.Retailer.SeedCategories)
}

func TestValidateRejectsUnknownStrategy(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("proxy:\n  strategy: FASTEST\n"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "proxy.strategy")
}

func TestValidateRequiresAPIKeyWhenAuthEnabled(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("auth:\n  enabled: true\n"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "auth.api_key")
}

func TestDurationHelpers(t *testing.T) {
	cfg := Config{
		Crawler: CrawlerConfig{
			FetchTimeoutSeconds: 15,
			ClaimPollMs:         250,
			ProxyRetryDelayMs:   500,
			ProxyWaitMaxSeconds: 30,
		},
	}
	require.Equal(t, 15*time.Second, cfg.FetchTimeout())
	require.Equal(t, 250*time.Millisecond, cfg.ClaimPoll())
	require.Equal(t, 500*time.Millisecond, cfg.ProxyRetryDelay())
	require.Equal(t, 30*time.Second, cfg.ProxyWaitMax())
}
