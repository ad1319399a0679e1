package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const sampleYAML = `
app:
  name: gw-test
store:
  backend: memory
oracle:
  static_price: "2000.5"
caps:
  min_usd: "1"
  max_usd: 10
  block_budget_usd: "10.25"
  window_duration: 30s
ratelimit:
  epoch_duration: 2h
  thresholds:
    native: "5000000000000000000"
    "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48": "1000000"
gateway:
  payload_policy: strict
alerting:
  channels: telegram,log
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadFromFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	require.Equal(t, "gw-test", cfg.App.Name)
	require.Equal(t, "2000.5", cfg.Oracle.StaticPrice.String())
	require.Equal(t, "10", cfg.Caps.MaxUSD.String())
	require.Equal(t, "10.25", cfg.Caps.BlockBudgetUSD.String())
	require.Equal(t, 30*time.Second, cfg.Caps.WindowDuration)
	require.Equal(t, 2*time.Hour, cfg.RateLimit.EpochDuration)
	require.Len(t, cfg.RateLimit.Thresholds, 2)
	require.Equal(t, "1000000", cfg.RateLimit.Thresholds["0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48"])
	require.Equal(t, "strict", cfg.Gateway.PayloadPolicy)
	require.Equal(t, []string{"telegram", "log"}, cfg.Alerting.Channels)
	require.Equal(t, ":8080", cfg.API.Listen)
	require.Equal(t, 100000, cfg.ResolveMaxPoints(0))
	require.Equal(t, 7, cfg.ResolveMaxPoints(7))
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("GATEWAY_API_ADMIN_TOKEN", "from-env")
	t.Setenv("GATEWAY_CAPS_MAX_USD", "50")
	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)
	require.Equal(t, "from-env", cfg.API.AdminToken)
	require.Equal(t, "50", cfg.Caps.MaxUSD.String())
}

func TestValidate(t *testing.T) {
	cases := map[string]string{
		"inverted corridor": "caps:\n  min_usd: 20\n  max_usd: 10\n",
		"bad policy":        "gateway:\n  payload_policy: loose\n",
		"bad threshold key": "ratelimit:\n  thresholds:\n    usdc: \"1\"\n",
		"block without rpc": "caps:\n  window_source: block\n",
		"postgres ledger":   "database:\n  replay_ledger: postgres\n",
		"telegram token":    "alerting:\n  telegram:\n    enabled: true\n",
		"zero chain id":     "signer:\n  chain_id: 0\n",
	}
	base := "store:\n  backend: memory\noracle:\n  static_price: \"2000\"\n"
	for name, extra := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, base+extra))
			require.Error(t, err)
		})
	}
	_, err := Load(writeConfig(t, "store:\n  backend: memory\n"))
	require.Error(t, err, "no price source")

	_, err = Load(writeConfig(t, base))
	require.NoError(t, err)
}

func TestExampleConfigLoads(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "config.example.yaml"))
	require.NoError(t, err)
	require.Equal(t, "postgres", cfg.Database.ReplayLedger)
	require.Len(t, cfg.Gateway.Genesis, 2)
	require.Equal(t, "native", cfg.Gateway.Genesis[0].Asset)
	require.Equal(t, "1000000000000", cfg.RateLimit.Thresholds["0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48"])
	require.True(t, cfg.Caps.BlockBudgetUSD.Equal(cfg.Caps.MaxUSD))
	require.Equal(t, uint64(1), cfg.Signer.ChainID)
	require.Equal(t, 720*time.Hour, cfg.Monitor.AlertRetention)
	require.False(t, cfg.Caps.WindowMonotonic)
}
