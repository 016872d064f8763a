package config

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	return Config{
		AppEnv:            "dev",
		SecretKey:         DefaultSecretKey,
		RetryInitialDelay: time.Second,
		RetryMaxDelay:     30 * time.Second,
		RetryMultiplier:   2.0,
		QueueConcurrency:  5,
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("APP_ENV", "dev")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.True(t, cfg.IsDev())
	assert.Equal(t, DefaultSecretKey, cfg.SecretKey)
	assert.Equal(t, []string{"localhost:19092"}, cfg.KafkaBrokers)
	assert.Equal(t, 3, cfg.WebhookMaxAttempts)
	assert.Equal(t, 5, cfg.QueueConcurrency)
	assert.Equal(t, time.Minute, cfg.Instagram.Window())
	assert.Equal(t, 30, cfg.Instagram.RateMaxRequests)
}

func TestLoadUnprefixedFallback(t *testing.T) {
	t.Setenv("APP_ENV", "dev")
	t.Setenv("PORT", "9090")
	t.Setenv("INSTAGRAM_RATE_MAX_REQUESTS", "55")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Port, "unprefixed value beats the tag default")
	assert.Equal(t, 55, cfg.Instagram.RateMaxRequests)
}

func TestLoadPrefixedVariablesWin(t *testing.T) {
	t.Setenv("APP_ENV", "dev")
	t.Setenv("PORT", "9090")
	t.Setenv("API_GATEWAY_PORT", "7070")
	t.Setenv("API_GATEWAY_WEBHOOK_SECRET", "hook-secret")
	t.Setenv("API_GATEWAY_INSTAGRAM_RATE_MAX_REQUESTS", "77")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.Port, "prefixed value beats the unprefixed one")
	assert.Equal(t, "hook-secret", cfg.WebhookSecret)
	assert.Equal(t, 77, cfg.Instagram.RateMaxRequests)
}

func TestValidateRejectsInvertedRetryDelays(t *testing.T) {
	cfg := validConfig()
	cfg.RetryInitialDelay = time.Minute
	cfg.RetryMaxDelay = time.Second

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MAX_DELAY_MS")
}

func TestValidateRejectsDefaultSecretOutsideDev(t *testing.T) {
	cfg := validConfig()
	cfg.AppEnv = "prod"
	cfg.WebhookSecret = "hook-secret"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SECRET_KEY")
}

func TestValidateRequiresWebhookSecretOutsideDev(t *testing.T) {
	cfg := validConfig()
	cfg.AppEnv = "prod"
	cfg.SecretKey = strings.Repeat("k", 32)

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "WEBHOOK_SECRET")
}

func TestValidateRejectsNonPositiveConcurrency(t *testing.T) {
	cfg := validConfig()
	cfg.QueueConcurrency = 0

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CONCURRENCY")
}

func TestValidateAcceptsProductionConfig(t *testing.T) {
	cfg := validConfig()
	cfg.AppEnv = "prod"
	cfg.SecretKey = strings.Repeat("k", 32)
	cfg.WebhookSecret = "hook-secret"

	assert.NoError(t, cfg.Validate())
}

func TestPlatformLookup(t *testing.T) {
	cfg := validConfig()
	cfg.TikTok.ActorID = "tt-actor"

	p, ok := cfg.Platform("TikTok")
	require.True(t, ok, "lookup is case-insensitive")
	assert.Equal(t, "tt-actor", p.ActorID)

	_, ok = cfg.Platform("myspace")
	assert.False(t, ok)

	assert.Len(t, Platforms(), 5)
	for _, name := range Platforms() {
		_, ok := cfg.Platform(name)
		assert.True(t, ok, name)
	}
}

func TestEnvironmentHelpers(t *testing.T) {
	assert.True(t, Config{AppEnv: "DEV"}.IsDev())
	assert.True(t, Config{AppEnv: "prod"}.IsProd())
	assert.True(t, Config{AppEnv: "test"}.IsTest())
	assert.False(t, Config{AppEnv: "prod"}.IsDev())

	assert.False(t, Config{}.AdminEnabled())
	assert.False(t, Config{AdminUsername: "ops"}.AdminEnabled())
	assert.True(t, Config{AdminUsername: "ops", AdminPasswordHash: "h"}.AdminEnabled())
}
