package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadClientConfigDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("ENTITLEMENTS_BACKEND_URL", "https://api.example.com/")
	t.Setenv("ENTITLEMENTS_DATA_DIR", t.TempDir())

	cfg, err := LoadClientConfig()
	require.NoError(t, err)

	assert.Equal(t, "https://api.example.com", cfg.BackendURL)
	assert.Equal(t, DefaultProductID, cfg.ProductID)
	assert.Equal(t, 6*time.Hour, cfg.SyncInterval)
	assert.Equal(t, 48*time.Hour, cfg.OptimisticGrantTTL)
	assert.Equal(t, 3, cfg.VerifyAttempts)
	assert.Equal(t, time.Second, cfg.VerifyBackoff)
	assert.Equal(t, "127.0.0.1:7480", cfg.ListenAddr)
	assert.Empty(t, cfg.MetricsAddr)
}

func TestLoadClientConfigOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	envVars := map[string]string{
		"ENTITLEMENTS_BACKEND_URL":          "http://localhost:8000",
		"ENTITLEMENTS_BEARER_TOKEN":         "tok",
		"ENTITLEMENTS_PRODUCT_ID":           "lotto_pro_yearly",
		"ENTITLEMENTS_SYNC_INTERVAL":        "30m",
		"ENTITLEMENTS_OPTIMISTIC_GRANT_TTL": "24h",
		"ENTITLEMENTS_VERIFY_ATTEMPTS":      "5",
		"ENTITLEMENTS_VERIFY_BACKOFF":       "250ms",
		"ENTITLEMENTS_METRICS_ADDR":         ":9102",
		"ENTITLEMENTS_AD_POLICY_FILE":       "/etc/lotto/ads.yaml",
	}
	for k, v := range envVars {
		t.Setenv(k, v)
	}

	cfg, err := LoadClientConfig()
	require.NoError(t, err)
	assert.Equal(t, "tok", cfg.BearerToken)
	assert.Equal(t, "lotto_pro_yearly", cfg.ProductID)
	assert.Equal(t, 30*time.Minute, cfg.SyncInterval)
	assert.Equal(t, 24*time.Hour, cfg.OptimisticGrantTTL)
	assert.Equal(t, 5, cfg.VerifyAttempts)
	assert.Equal(t, 250*time.Millisecond, cfg.VerifyBackoff)
	assert.Equal(t, ":9102", cfg.MetricsAddr)
	assert.Equal(t, "/etc/lotto/ads.yaml", cfg.AdPolicyFile)
}

func TestLoadClientConfigValidation(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"missing backend", map[string]string{}},
		{"bad scheme", map[string]string{"ENTITLEMENTS_BACKEND_URL": "ftp://x"}},
		{"bad duration", map[string]string{"ENTITLEMENTS_BACKEND_URL": "http://x", "ENTITLEMENTS_SYNC_INTERVAL": "soon"}},
		{"sync too fast", map[string]string{"ENTITLEMENTS_BACKEND_URL": "http://x", "ENTITLEMENTS_SYNC_INTERVAL": "5s"}},
		{"attempts", map[string]string{"ENTITLEMENTS_BACKEND_URL": "http://x", "ENTITLEMENTS_VERIFY_ATTEMPTS": "0"}},
		{"listen", map[string]string{"ENTITLEMENTS_BACKEND_URL": "http://x", "ENTITLEMENTS_LISTEN_ADDR": "nope"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Chdir(t.TempDir())
			t.Setenv("ENTITLEMENTS_BACKEND_URL", "")
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := LoadClientConfig()
			assert.Error(t, err)
		})
	}
}

func TestLoadServerConfig(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("SUBSCRIPTION_SERVER_JWT_SECRET", "0123456789abcdef0123456789abcdef")
	t.Setenv("SUBSCRIPTION_SERVER_ADMIN_KEY", "admin")
	t.Setenv("SUBSCRIPTION_SERVER_DATA_DIR", "/tmp/subs")
	t.Setenv("SUBSCRIPTION_SERVER_PORT", "9000")

	cfg, err := LoadServerConfig()
	require.NoError(t, err)
	assert.Equal(t, 30, cfg.TrialDays)
	assert.Equal(t, 30, cfg.SubscriptionDays)
	assert.Equal(t, "/tmp/subs/subscriptions.db", cfg.DatabasePath())
	assert.Equal(t, "0.0.0.0:9000", cfg.ListenAddr())
	assert.False(t, cfg.PlayEnabled())
}

func TestLoadServerConfigValidation(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("SUBSCRIPTION_SERVER_JWT_SECRET", "")
	t.Setenv("SUBSCRIPTION_SERVER_ADMIN_KEY", "")
	_, err := LoadServerConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SUBSCRIPTION_SERVER_JWT_SECRET")
	assert.Contains(t, err.Error(), "SUBSCRIPTION_SERVER_ADMIN_KEY")

	t.Setenv("SUBSCRIPTION_SERVER_JWT_SECRET", "short")
	t.Setenv("SUBSCRIPTION_SERVER_ADMIN_KEY", "admin")
	_, err = LoadServerConfig()
	assert.Error(t, err)

	t.Setenv("SUBSCRIPTION_SERVER_JWT_SECRET", "0123456789abcdef0123456789abcdef")
	t.Setenv("SUBSCRIPTION_SERVER_PLAY_PACKAGE", "com.example.lotto")
	_, err = LoadServerConfig()
	assert.Error(t, err, "package without credentials")
}
