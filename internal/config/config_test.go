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

	assert.Equal(t, ":8081", cfg.HTTPAddr)
	assert.Equal(t, "postgres", cfg.Store)
	assert.Equal(t, []string{"kafka:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 10*time.Second, cfg.GatewayTimeout)
	assert.Equal(t, "BDT", cfg.DefaultCurrency)
	assert.Equal(t, 5*time.Minute, cfg.Stripe.WebhookTolerance)
	assert.Equal(t, 8, cfg.ProjectorWorkers)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("STORE", "Memory")
	t.Setenv("KAFKA_BROKERS", " k1:9092, ,k2:9092 ")
	t.Setenv("GATEWAY_TIMEOUT", "3s")
	t.Setenv("BKASH_APP_KEY", "bk-key")
	t.Setenv("NAGAD_WEBHOOK_SECRET", "ng-secret")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "memory", cfg.Store)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 3*time.Second, cfg.GatewayTimeout)
	assert.Equal(t, "bk-key", cfg.Bkash.AppKey)
	assert.Equal(t, "ng-secret", cfg.Nagad.WebhookSecret)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("HTTP_ADDR: \":9999\"\nSERVICE_NAME: from-file\n"), 0o600))
	t.Setenv("CONFIG_FILE", path)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.HTTPAddr)
	assert.Equal(t, "from-file", cfg.ServiceName)
}

func TestLoadRejectsUnknownStore(t *testing.T) {
	t.Setenv("STORE", "sqlite")
	_, err := Load()
	assert.Error(t, err)
}
