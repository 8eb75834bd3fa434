package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
)

// ServerConfig holds configuration for the reference subscription server.
type ServerConfig struct {
	DataDir     string
	BindAddress string
	Port        int
	JWTSecret   string
	AdminKey    string

	TrialDays        int
	SubscriptionDays int

	// PlayPackageName and PlayCredentialsFile enable purchase verification
	// against Google Play. Both empty selects the lenient verifier.
	PlayPackageName     string
	PlayCredentialsFile string

	LogLevel  string
	LogFormat string
}

// DatabasePath returns the SQLite registry location.
func (c *ServerConfig) DatabasePath() string {
	return filepath.Join(c.DataDir, "subscriptions.db")
}

// ListenAddr returns the HTTP listen address.
func (c *ServerConfig) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.BindAddress, c.Port)
}

// PlayEnabled reports whether Play verification is configured.
func (c *ServerConfig) PlayEnabled() bool {
	return c.PlayPackageName != "" && c.PlayCredentialsFile != ""
}

// LoadServerConfig loads server configuration from SUBSCRIPTION_SERVER_*
// variables. A .env file is loaded if present but not required.
func LoadServerConfig() (*ServerConfig, error) {
	_ = godotenv.Load()

	port, err := envOrDefaultInt("SUBSCRIPTION_SERVER_PORT", 8000)
	if err != nil {
		return nil, err
	}
	trialDays, err := envOrDefaultInt("SUBSCRIPTION_SERVER_TRIAL_DAYS", 30)
	if err != nil {
		return nil, err
	}
	subDays, err := envOrDefaultInt("SUBSCRIPTION_SERVER_SUBSCRIPTION_DAYS", 30)
	if err != nil {
		return nil, err
	}

	cfg := &ServerConfig{
		DataDir:             envOrDefault("SUBSCRIPTION_SERVER_DATA_DIR", "/data"),
		BindAddress:         envOrDefault("SUBSCRIPTION_SERVER_BIND_ADDRESS", "0.0.0.0"),
		Port:                port,
		JWTSecret:           strings.TrimSpace(os.Getenv("SUBSCRIPTION_SERVER_JWT_SECRET")),
		AdminKey:            strings.TrimSpace(os.Getenv("SUBSCRIPTION_SERVER_ADMIN_KEY")),
		TrialDays:           trialDays,
		SubscriptionDays:    subDays,
		PlayPackageName:     strings.TrimSpace(os.Getenv("SUBSCRIPTION_SERVER_PLAY_PACKAGE")),
		PlayCredentialsFile: strings.TrimSpace(os.Getenv("SUBSCRIPTION_SERVER_PLAY_CREDENTIALS")),
		LogLevel:            envOrDefault("SUBSCRIPTION_SERVER_LOG_LEVEL", "info"),
		LogFormat:           envOrDefault("SUBSCRIPTION_SERVER_LOG_FORMAT", "json"),
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate server config: %w", err)
	}
	return cfg, nil
}

func (c *ServerConfig) validate() error {
	var missing []string
	if c.JWTSecret == "" {
		missing = append(missing, "SUBSCRIPTION_SERVER_JWT_SECRET")
	}
	if c.AdminKey == "" {
		missing = append(missing, "SUBSCRIPTION_SERVER_ADMIN_KEY")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}
	if len(c.JWTSecret) < 32 {
		return fmt.Errorf("SUBSCRIPTION_SERVER_JWT_SECRET must be at least 32 bytes")
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("SUBSCRIPTION_SERVER_PORT must be between 1 and 65535, got %d", c.Port)
	}
	if c.TrialDays <= 0 {
		return fmt.Errorf("SUBSCRIPTION_SERVER_TRIAL_DAYS must be greater than 0, got %d", c.TrialDays)
	}
	if c.SubscriptionDays <= 0 {
		return fmt.Errorf("SUBSCRIPTION_SERVER_SUBSCRIPTION_DAYS must be greater than 0, got %d", c.SubscriptionDays)
	}
	if (c.PlayPackageName == "") != (c.PlayCredentialsFile == "") {
		return fmt.Errorf("SUBSCRIPTION_SERVER_PLAY_PACKAGE and SUBSCRIPTION_SERVER_PLAY_CREDENTIALS must be set together")
	}
	return nil
}
