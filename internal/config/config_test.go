package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "dev", cfg.AppEnv)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 15*time.Minute, cfg.LeaseDuration)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, time.Hour, cfg.PresignTTL)
	assert.Equal(t, 5*time.Second, cfg.WorkerPollInterval)
	assert.Equal(t, 60*time.Second, cfg.SweepInterval)
	assert.Equal(t, int64(50), cfg.MaxUploadMB)
	assert.Equal(t, "enhance-jobs", cfg.KafkaTopic)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("APP_ENV", "prod")
	t.Setenv("LEASE_DURATION", "5m")
	t.Setenv("MAX_RETRIES", "1")
	t.Setenv("KAFKA_BROKERS", "a:9092,b:9092")

	cfg, err := Load()
	require.NoError(t, err)

	assert.True(t, cfg.IsProd())
	assert.False(t, cfg.IsDev())
	assert.Equal(t, 5*time.Minute, cfg.LeaseDuration)
	assert.Equal(t, 1, cfg.MaxRetries)
	assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.KafkaBrokers)
}

func TestEffectiveProviderDeadline(t *testing.T) {
	c := Config{LeaseDuration: 10 * time.Minute}
	assert.Equal(t, 5*time.Minute, c.EffectiveProviderDeadline())

	c.ProviderDeadline = 90 * time.Second
	assert.Equal(t, 90*time.Second, c.EffectiveProviderDeadline())
}

func TestGetProviderBackoffConfigTestEnv(t *testing.T) {
	c := Config{AppEnv: "test", ProviderBackoffMaxElapsedTime: time.Hour}
	maxElapsed, initial, maxInterval, mult := c.GetProviderBackoffConfig()
	assert.Equal(t, 5*time.Second, maxElapsed)
	assert.Equal(t, 100*time.Millisecond, initial)
	assert.Equal(t, time.Second, maxInterval)
	assert.Equal(t, 2.0, mult)
}

func TestDefaultProducts(t *testing.T) {
	p := DefaultProducts()
	assert.EqualValues(t, 10, p.Credits("com.lusterai.trial"))
	assert.EqualValues(t, 540, p.Credits("com.lusterai.pro.yearly"))
	assert.EqualValues(t, 0, p.Credits("com.other.unknown"))
}

func TestLoadProductsOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "products.yaml")
	content := "com.lusterai.trial: 25\ncom.lusterai.mega: 1000\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	p, err := LoadProducts(path)
	require.NoError(t, err)
	assert.EqualValues(t, 25, p.Credits("com.lusterai.trial"))
	assert.EqualValues(t, 1000, p.Credits("com.lusterai.mega"))
	assert.EqualValues(t, 45, p.Credits("com.lusterai.pro.monthly"))
}

func TestLoadProductsBadFile(t *testing.T) {
	_, err := LoadProducts("/nonexistent/products.yaml")
	assert.Error(t, err)

	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("::::"), 0o600))
	_, err = LoadProducts(path)
	assert.Error(t, err)
}
