package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcourtman/lotto-entitlements/internal/backend"
)

func TestTokenCommand(t *testing.T) {
	secret := "0123456789abcdef0123456789abcdef"
	t.Chdir(t.TempDir())
	t.Setenv("SUBSCRIPTION_SERVER_JWT_SECRET", secret)
	t.Setenv("SUBSCRIPTION_SERVER_ADMIN_KEY", "admin")

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"token", "--user", "device-42", "--email", "a@example.com", "--ttl", "1h"})
	t.Cleanup(func() { rootCmd.SetArgs(nil) })
	require.NoError(t, rootCmd.Execute())

	claims, err := backend.ParseToken([]byte(secret), strings.TrimSpace(out.String()), time.Now())
	require.NoError(t, err)
	assert.Equal(t, "device-42", claims.Subject)
	assert.Equal(t, "a@example.com", claims.Email)
	assert.WithinDuration(t, time.Now().Add(time.Hour), claims.ExpiresAt.Time, time.Minute)
}

func TestTokenCommandRequiresSecret(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("SUBSCRIPTION_SERVER_JWT_SECRET", "")
	t.Setenv("SUBSCRIPTION_SERVER_ADMIN_KEY", "admin")

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs([]string{"token"})
	t.Cleanup(func() { rootCmd.SetArgs(nil) })
	assert.Error(t, rootCmd.Execute())
}
