package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// DefaultProductID is the subscription product sold through the billing platform.
const DefaultProductID = "lotto_pro_monthly"

// ClientConfig holds configuration for the entitlement client process.
type ClientConfig struct {
	BackendURL  string
	BearerToken string
	DataDir     string
	ProductID   string

	SyncInterval       time.Duration
	OptimisticGrantTTL time.Duration
	VerifyAttempts     int
	VerifyBackoff      time.Duration
	RequestTimeout     time.Duration

	AdPolicyFile string
	ListenAddr   string
	MetricsAddr  string

	LogLevel  string
	LogFormat string
	LogFile   string
}

// LoadClientConfig loads client configuration from ENTITLEMENTS_* variables.
// A .env file is loaded if present but not required.
func LoadClientConfig() (*ClientConfig, error) {
	_ = godotenv.Load()

	syncInterval, err := envOrDefaultDuration("ENTITLEMENTS_SYNC_INTERVAL", 6*time.Hour)
	if err != nil {
		return nil, err
	}
	grantTTL, err := envOrDefaultDuration("ENTITLEMENTS_OPTIMISTIC_GRANT_TTL", 48*time.Hour)
	if err != nil {
		return nil, err
	}
	attempts, err := envOrDefaultInt("ENTITLEMENTS_VERIFY_ATTEMPTS", 3)
	if err != nil {
		return nil, err
	}
	backoff, err := envOrDefaultDuration("ENTITLEMENTS_VERIFY_BACKOFF", time.Second)
	if err != nil {
		return nil, err
	}
	timeout, err := envOrDefaultDuration("ENTITLEMENTS_REQUEST_TIMEOUT", 15*time.Second)
	if err != nil {
		return nil, err
	}

	cfg := &ClientConfig{
		BackendURL:         strings.TrimRight(strings.TrimSpace(os.Getenv("ENTITLEMENTS_BACKEND_URL")), "/"),
		BearerToken:        strings.TrimSpace(os.Getenv("ENTITLEMENTS_BEARER_TOKEN")),
		DataDir:            envOrDefault("ENTITLEMENTS_DATA_DIR", defaultClientDataDir()),
		ProductID:          envOrDefault("ENTITLEMENTS_PRODUCT_ID", DefaultProductID),
		SyncInterval:       syncInterval,
		OptimisticGrantTTL: grantTTL,
		VerifyAttempts:     attempts,
		VerifyBackoff:      backoff,
		RequestTimeout:     timeout,
		AdPolicyFile:       strings.TrimSpace(os.Getenv("ENTITLEMENTS_AD_POLICY_FILE")),
		ListenAddr:         envOrDefault("ENTITLEMENTS_LISTEN_ADDR", "127.0.0.1:7480"),
		MetricsAddr:        strings.TrimSpace(os.Getenv("ENTITLEMENTS_METRICS_ADDR")),
		LogLevel:           envOrDefault("ENTITLEMENTS_LOG_LEVEL", "info"),
		LogFormat:          envOrDefault("ENTITLEMENTS_LOG_FORMAT", "auto"),
		LogFile:            strings.TrimSpace(os.Getenv("ENTITLEMENTS_LOG_FILE")),
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate client config: %w", err)
	}
	return cfg, nil
}

func (c *ClientConfig) validate() error {
	if c.BackendURL == "" {
		return fmt.Errorf("missing required environment variables: ENTITLEMENTS_BACKEND_URL")
	}
	if err := validateHTTPURL("ENTITLEMENTS_BACKEND_URL", c.BackendURL); err != nil {
		return err
	}
	if c.SyncInterval < time.Minute {
		return fmt.Errorf("ENTITLEMENTS_SYNC_INTERVAL must be at least 1m, got %s", c.SyncInterval)
	}
	if c.OptimisticGrantTTL <= 0 {
		return fmt.Errorf("ENTITLEMENTS_OPTIMISTIC_GRANT_TTL must be greater than 0, got %s", c.OptimisticGrantTTL)
	}
	if c.VerifyAttempts < 1 || c.VerifyAttempts > 10 {
		return fmt.Errorf("ENTITLEMENTS_VERIFY_ATTEMPTS must be between 1 and 10, got %d", c.VerifyAttempts)
	}
	if c.VerifyBackoff <= 0 {
		return fmt.Errorf("ENTITLEMENTS_VERIFY_BACKOFF must be greater than 0, got %s", c.VerifyBackoff)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("ENTITLEMENTS_REQUEST_TIMEOUT must be greater than 0, got %s", c.RequestTimeout)
	}
	if _, _, err := net.SplitHostPort(c.ListenAddr); err != nil {
		return fmt.Errorf("ENTITLEMENTS_LISTEN_ADDR must be host:port: %w", err)
	}
	if c.MetricsAddr != "" {
		if _, _, err := net.SplitHostPort(c.MetricsAddr); err != nil {
			return fmt.Errorf("ENTITLEMENTS_METRICS_ADDR must be host:port: %w", err)
		}
	}
	if strings.TrimSpace(c.ProductID) == "" {
		return fmt.Errorf("ENTITLEMENTS_PRODUCT_ID cannot be empty")
	}
	return nil
}

func defaultClientDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil && dir != "" {
		return dir + string(os.PathSeparator) + "lotto-entitlements"
	}
	return ".lotto-entitlements"
}

func validateHTTPURL(key, raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s must be a valid URL: %w", key, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("%s must use http or https scheme", key)
	}
	if parsed.Host == "" {
		return fmt.Errorf("%s must include a host", key)
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) (int, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid integer: %w", key, err)
		}
		return n, nil
	}
	return fallback, nil
}

func envOrDefaultDuration(key string, fallback time.Duration) (time.Duration, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid duration: %w", key, err)
		}
		return d, nil
	}
	return fallback, nil
}
