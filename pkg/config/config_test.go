package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaults(t *testing.T) {
	t.Setenv("STORE_HOST", "localhost")
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.Env)
	assert.Equal(t, "localhost", cfg.Store.Host)
	assert.Equal(t, 25, cfg.Store.MaxConns)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
}

func TestLoadRejectsUnknownEnv(t *testing.T) {
	t.Setenv("STORE_HOST", "localhost")
	t.Setenv("ENV", "bogus")
	_, err := Load()
	assert.Error(t, err)
}

func TestLoadRequiresStoreHostOrURL(t *testing.T) {
	t.Setenv("STORE_HOST", "")
	t.Setenv("STORE_URL", "")
	_, err := Load()
	assert.Error(t, err)
}

func TestDSNPrefersExplicitURL(t *testing.T) {
	cfg := &Config{Store: StoreConfig{URL: "postgres://explicit"}}
	assert.Equal(t, "postgres://explicit", cfg.DSN())
}

func TestDSNBuildsFromParts(t *testing.T) {
	cfg := &Config{Store: StoreConfig{User: "etld", Password: "secret", Host: "db", Port: "5432", Database: "etld"}}
	assert.Equal(t, "postgres://etld:secret@db:5432/etld?sslmode=disable", cfg.DSN())
}

func TestParseRateLimitsReadsPrefixedVars(t *testing.T) {
	t.Setenv("RATE_LIMIT_QUOTE", "200")
	t.Setenv("RATE_LIMIT_REFERENCE", "60")
	t.Setenv("UNRELATED_VAR", "1")

	limits := parseRateLimits()
	assert.Equal(t, 200, limits["quote"])
	assert.Equal(t, 60, limits["reference"])
	assert.NotContains(t, limits, "unrelated_var")
}

func TestParsePipelineOverridesReadsLenientFlags(t *testing.T) {
	t.Setenv("PIPELINE_EVENING_ENHANCEMENT_LENIENT", "true")

	overrides := parsePipelineOverrides()
	assert.True(t, overrides["evening_enhancement"].Lenient)
}

func TestGetEnvAsIntFallsBackOnInvalidValue(t *testing.T) {
	t.Setenv("BATCH_TIMEOUT_SEC", "not-a-number")
	assert.Equal(t, 60, getEnvAsInt("BATCH_TIMEOUT_SEC", 60))
}

func TestGetEnvAsBoolFallsBackOnInvalidValue(t *testing.T) {
	t.Setenv("REDIS_ENABLED", "maybe")
	assert.False(t, getEnvAsBool("REDIS_ENABLED", false))
}

func TestGetEnvAsDurationParsesOrFallsBack(t *testing.T) {
	t.Setenv("STORE_MAX_CONN_LIFETIME", "45m")
	assert.Equal(t, "45m0s", getEnvAsDuration("STORE_MAX_CONN_LIFETIME", "1h").String())

	t.Setenv("STORE_MAX_CONN_LIFETIME", "not-a-duration")
	assert.Equal(t, "1h0m0s", getEnvAsDuration("STORE_MAX_CONN_LIFETIME", "1h").String())
}
