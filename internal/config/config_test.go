package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("PORT", "")
	t.Setenv("AI_PROVIDER", "")
	t.Setenv("STORE_DRIVER", "")
	t.Setenv("AI_TIMEOUT", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":4000", cfg.Server.Addr)
	assert.Equal(t, ProviderArk, cfg.AI.Provider)
	assert.Equal(t, DriverMemory, cfg.Store.Driver)
	assert.Equal(t, 60*time.Second, cfg.AI.Timeout)
	assert.Equal(t, 10, cfg.AI.HistoryLimit)
	assert.Equal(t, 300, cfg.AI.SummaryMaxChars)
	assert.Equal(t, 24*time.Hour, cfg.Auth.TokenTTL)
}

func TestLoadRequiresJWTSecret(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	_, err := Load()
	assert.Error(t, err)
}

func TestLoadServerAddrForms(t *testing.T) {
	t.Setenv("PORT", "127.0.0.1:9000")
	cfg, err := loadServerConfig()
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", cfg.Addr)

	t.Setenv("PORT", "80 80")
	_, err = loadServerConfig()
	assert.Error(t, err)
}

func TestAIConfigEnabledPerProvider(t *testing.T) {
	assert.True(t, AIConfig{Provider: ProviderArk, Model: "m", APIKey: "k"}.Enabled())
	assert.False(t, AIConfig{Provider: ProviderArk, Model: "m"}.Enabled())
	assert.True(t, AIConfig{Provider: ProviderGemini, GeminiModel: "g", GeminiAPIKey: "k"}.Enabled())
	assert.Equal(t, "g", AIConfig{Provider: ProviderGemini, GeminiModel: "g"}.ModelName())
}

func TestParseDurationEnv(t *testing.T) {
	t.Setenv("X_TIMEOUT", "45")
	d, err := parseDurationEnv("X_TIMEOUT", time.Second)
	require.NoError(t, err)
	assert.Equal(t, 45*time.Second, d)

	t.Setenv("X_TIMEOUT", "1m30s")
	d, err = parseDurationEnv("X_TIMEOUT", time.Second)
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, d)

	t.Setenv("X_TIMEOUT", "soon")
	_, err = parseDurationEnv("X_TIMEOUT", time.Second)
	assert.Error(t, err)
}

func TestStoreDriverValidation(t *testing.T) {
	t.Setenv("STORE_DRIVER", "postgres")
	t.Setenv("POSTGRES_DSN", "")
	_, err := loadStoreConfig()
	assert.Error(t, err)

	t.Setenv("STORE_DRIVER", "cassandra")
	_, err = loadStoreConfig()
	assert.Error(t, err)
}
