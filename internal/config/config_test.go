package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpandEnvVars(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		envVars  map[string]string
		expected string
	}{
		{
			name:  "expand single env var",
			input: "account_id: ${TEST_ACCOUNT_ID}",
			envVars: map[string]string{
				"TEST_ACCOUNT_ID": "1.2.100",
			},
			expected: "account_id: 1.2.100",
		},
		{
			name:  "expand multiple env vars",
			input: "account_id: ${ACCOUNT_ID}\nprivate_key: ${PRIVATE_KEY}",
			envVars: map[string]string{
				"ACCOUNT_ID":  "1.2.100",
				"PRIVATE_KEY": "secret_value",
			},
			expected: "account_id: 1.2.100\nprivate_key: secret_value",
		},
		{
			name:     "missing env var returns empty string",
			input:    "account_id: ${MISSING_VAR}",
			envVars:  map[string]string{},
			expected: "account_id: ",
		},
		{
			name:  "mixed static and env vars",
			input: "static_value: 123\naccount_id: ${TEST_ACCOUNT}",
			envVars: map[string]string{
				"TEST_ACCOUNT": "1.2.5",
			},
			expected: "static_value: 123\naccount_id: 1.2.5",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.envVars {
				os.Setenv(k, v)
				defer os.Unsetenv(k)
			}

			result := expandEnvVars(tt.input)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestLoadConfigWithEnvVars(t *testing.T) {
	tmpFile, err := os.CreateTemp("", "config-test-*.yaml")
	require.NoError(t, err)
	defer os.Remove(tmpFile.Name())

	configContent := `app:
  name: "dexgrid"
  engine_type: "simple"

market:
  base_asset_id: "1.3.0"
  base_symbol: "BTS"
  base_precision: 5
  quote_asset_id: "1.3.113"
  quote_symbol: "USD"
  quote_precision: 4
  price_precision: 8

grid:
  lower_bound: 0.01
  upper_bound: 0.05
  increment_percent: 0.01
  target_spread_slots: 1
  buy_window_size: 10
  sell_window_size: 10
  weight_step: 0.02
  dust_threshold_ratio: 0.1
  reaction_cap_slots: 5

funds:
  buy_budget: 1000
  sell_budget: 1000

chain:
  endpoint: "wss://localhost:8090"
  account_id: "${TEST_ACCOUNT_ID}"
  private_key: "${TEST_PRIVATE_KEY}"
  rate_limit_per_sec: 10
  request_timeout_ms: 5000

store:
  sqlite_path: "./test.db"

sync:
  open_orders_interval_seconds: 30
  fill_history_interval_seconds: 15
  lock_lease_seconds: 60
  price_tolerance_ratio: 0.0005

system:
  log_level: "INFO"
  cancel_on_exit: true
`

	_, err = tmpFile.Write([]byte(configContent))
	require.NoError(t, err)
	tmpFile.Close()

	os.Setenv("TEST_ACCOUNT_ID", "1.2.100")
	os.Setenv("TEST_PRIVATE_KEY", "secret_from_env")
	defer os.Unsetenv("TEST_ACCOUNT_ID")
	defer os.Unsetenv("TEST_PRIVATE_KEY")

	cfg, err := LoadConfig(tmpFile.Name())
	require.NoError(t, err, "LoadConfig() error")

	assert.Equal(t, "1.2.100", cfg.Chain.AccountID)
	assert.Equal(t, Secret("secret_from_env"), cfg.Chain.PrivateKey)
}

func TestConfig_Validate_RejectsInvertedBounds(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Grid.LowerBound = 0.05
	cfg.Grid.UpperBound = 0.01
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upper_bound")
}

func TestConfig_Validate_RejectsZeroFunds(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Funds.BuyBudget = 0
	cfg.Funds.SellBudget = 0
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "funds")
}

func TestConfig_Validate_AcceptsDefault(t *testing.T) {
	cfg := DefaultConfig()
	assert.NoError(t, cfg.Validate())
}

func TestConfig_String_RedactsPrivateKey(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Chain.PrivateKey = Secret("super-secret-wif-key")
	output := cfg.String()

	assert.Contains(t, output, "REDACTED")
	assert.NotContains(t, output, "super-secret-wif-key")
}
