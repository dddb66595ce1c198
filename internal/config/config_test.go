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
			input: "private_key: ${TEST_PRIVATE_KEY}",
			envVars: map[string]string{
				"TEST_PRIVATE_KEY": "0xabc123",
			},
			expected: "private_key: 0xabc123",
		},
		{
			name:  "expand multiple env vars",
			input: "api_key: ${API_KEY}\napi_secret: ${SECRET_KEY}",
			envVars: map[string]string{
				"API_KEY":    "key_value",
				"SECRET_KEY": "secret_value",
			},
			expected: "api_key: key_value\napi_secret: secret_value",
		},
		{
			name:     "missing env var returns empty string",
			input:    "api_key: ${MISSING_VAR}",
			envVars:  map[string]string{},
			expected: "api_key: ",
		},
		{
			name:  "mixed static and env vars",
			input: "static_value: 123\napi_key: ${TEST_KEY}",
			envVars: map[string]string{
				"TEST_KEY": "dynamic_key",
			},
			expected: "static_value: 123\napi_key: dynamic_key",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Set up environment variables
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
	// Create a temporary config file with env var placeholders
	tmpFile, err := os.CreateTemp("", "config-test-*.yaml")
	require.NoError(t, err)
	defer os.Remove(tmpFile.Name())

	configContent := `app:
  active_venues: ["hyperliquid", "lighter", "extended"]
  symbols: ["ETH", "BTC"]
  preferred_recovery_venue: "hyperliquid"

venues:
  hyperliquid:
    base_url: "https://api.hyperliquid.xyz"
    ws_url: "wss://api.hyperliquid.xyz/ws"
    private_key: "${TEST_HL_PRIVATE_KEY}"
  lighter:
    base_url: "https://mainnet.zklighter.elliot.ai"
    private_key: "${TEST_LIGHTER_PRIVATE_KEY}"
  extended:
    base_url: "https://api.extended.exchange"
    api_key: "${TEST_EXTENDED_API_KEY}"
    api_secret: "${TEST_EXTENDED_API_SECRET}"

system:
  log_level: "INFO"
  cancel_orders_on_exit: true
`

	_, err = tmpFile.Write([]byte(configContent))
	require.NoError(t, err)
	tmpFile.Close()

	// Set environment variables
	os.Setenv("TEST_HL_PRIVATE_KEY", "0xdeadbeef")
	os.Setenv("TEST_LIGHTER_PRIVATE_KEY", "0xfeedface")
	os.Setenv("TEST_EXTENDED_API_KEY", "test_api_key_from_env")
	os.Setenv("TEST_EXTENDED_API_SECRET", "test_api_secret_from_env")
	defer os.Unsetenv("TEST_HL_PRIVATE_KEY")
	defer os.Unsetenv("TEST_LIGHTER_PRIVATE_KEY")
	defer os.Unsetenv("TEST_EXTENDED_API_KEY")
	defer os.Unsetenv("TEST_EXTENDED_API_SECRET")

	// Load config
	config, err := LoadConfig(tmpFile.Name())
	require.NoError(t, err, "LoadConfig() error")

	// Verify environment variables were expanded
	assert.Equal(t, Secret("0xdeadbeef"), config.Venues["hyperliquid"].PrivateKey)
	assert.Equal(t, Secret("test_api_key_from_env"), config.Venues["extended"].APIKey)
	assert.Equal(t, Secret("test_api_secret_from_env"), config.Venues["extended"].APISecret)

	// Verify defaults landed on sections the file omitted
	assert.Equal(t, 5, config.Execution.NumberOfSlices)
	assert.Equal(t, 30000, config.Execution.SliceFillTimeoutMs)
	assert.Equal(t, 2000, config.Execution.FillCheckIntervalMs)
	assert.Equal(t, float64(10), config.Execution.MaxImbalancePercent)
	assert.Equal(t, 45, config.Guardian.MinAgeSeconds)
	assert.Equal(t, 90, config.Guardian.AggressiveAgeSeconds)
	assert.Equal(t, 120, config.Guardian.MarketOrderAgeSeconds)
	assert.Equal(t, 300, config.Guardian.ZombieTimeoutSeconds)
	assert.Equal(t, 5, config.Guardian.MaxRetries)
	assert.Equal(t, 5, config.Reconcile.IntervalSeconds)
	assert.Equal(t, float64(5), config.Reconcile.ImbalanceThresholdPercent)
	assert.Equal(t, 30000, config.Cache.BalanceTtlMs)
	assert.Equal(t, 10000, config.Cache.PriceTtlMs)
	assert.Equal(t, 3600, config.Cache.SymbolTtlSeconds)
}

func TestValidate_RejectsSingleVenue(t *testing.T) {
	cfg := DefaultConfig()
	cfg.App.ActiveVenues = []string{"hyperliquid"}

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least two venues")
}

func TestValidate_RejectsUnknownVenue(t *testing.T) {
	cfg := DefaultConfig()
	cfg.App.ActiveVenues = []string{"hyperliquid", "ftx"}

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "app.active_venues")
}

func TestValidate_RejectsMissingPrivateKey(t *testing.T) {
	cfg := DefaultConfig()
	v := cfg.Venues["lighter"]
	v.PrivateKey = ""
	cfg.Venues["lighter"] = v

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "venues.lighter.private_key")
}

func TestValidate_RejectsMissingHMACCredentials(t *testing.T) {
	cfg := DefaultConfig()
	v := cfg.Venues["extended"]
	v.APISecret = ""
	cfg.Venues["extended"] = v

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "venues.extended.api_secret")
}

func TestValidate_RejectsNonMonotonicLadder(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Guardian.AggressiveAgeSeconds = 30 // below min_age

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "strictly increasing")
}

func TestValidate_RejectsZombieBelowMarketAge(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Guardian.ZombieTimeoutSeconds = 100

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "zombie_timeout_seconds")
}

func TestGetVenueConfig(t *testing.T) {
	cfg := DefaultConfig()

	venue, err := cfg.GetVenueConfig("hyperliquid")
	require.NoError(t, err)
	assert.Equal(t, "https://api.hyperliquid.xyz", venue.BaseURL)

	_, err = cfg.GetVenueConfig("nonexistent")
	assert.Error(t, err)
}

func TestConfig_String(t *testing.T) {
	cfg := &Config{
		Venues: map[string]VenueConfig{
			"test": {
				PrivateKey: Secret("my_super_secret_private_key"),
				APIKey:     Secret("my_super_secret_api_key"),
				APISecret:  Secret("my_super_secret_api_secret"),
			},
		},
	}
	output := cfg.String()

	// 1. Check for the redaction marker
	assert.Contains(t, output, "[REDACTED]", "output should contain redacted secrets")

	// 2. Ensure full cleartext is GONE
	assert.NotContains(t, output, "my_super_secret_private_key", "output should NOT contain full private key")
	assert.NotContains(t, output, "my_super_secret_api_key", "output should NOT contain full API key")
	assert.NotContains(t, output, "my_super_secret_api_secret", "output should NOT contain full API secret")

	// 3. Ensure partial content is NOT leaked
	assert.NotContains(t, output, "my_s", "output should NOT contain partial secret parts")
}

func TestDefaultConfig_Valid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, []string{"lighter", "extended", "hyperliquid"}, cfg.App.ExecutionOrder)
}
