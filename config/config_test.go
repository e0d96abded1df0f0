package config_test

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/bloodbank/allocation"
	"github.com/warp/bloodbank/config"
)

func TestParse_Defaults(t *testing.T) {
	t.Setenv("BLOODBANK_JWT_SECRET", "s3cret")

	cfg, err := config.Parse()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, config.DriverSQLite, cfg.DBDriver)
	assert.Equal(t, time.Minute, cfg.SweepInterval)
	assert.Equal(t, []string{"*"}, cfg.CORSOrigins)
	assert.Empty(t, cfg.KafkaBrokers)
	assert.False(t, cfg.ScenariosEnabled)
	assert.Equal(t, allocation.DefaultPolicy(), cfg.Policy())
}

func TestParse_Overrides(t *testing.T) {
	t.Setenv("BLOODBANK_JWT_SECRET", "s3cret")
	t.Setenv("BLOODBANK_DB_DRIVER", "postgres")
	t.Setenv("BLOODBANK_DATABASE_URL", "postgres://localhost/bloodbank")
	t.Setenv("BLOODBANK_COOLDOWN_DAYS", "90")
	t.Setenv("BLOODBANK_STRIKE_THRESHOLD", "5")
	t.Setenv("BLOODBANK_BAN_DAYS", "30")
	t.Setenv("BLOODBANK_BAN_BLOCKS_CANCEL", "false")
	t.Setenv("BLOODBANK_KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("BLOODBANK_SWEEP_INTERVAL", "15s")

	cfg, err := config.Parse()
	require.NoError(t, err)

	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 15*time.Second, cfg.SweepInterval)
	assert.Equal(t, allocation.Policy{
		CooldownPeriod:  90 * 24 * time.Hour,
		StrikeThreshold: 5,
		BanDuration:     30 * 24 * time.Hour,
		BanBlocksCancel: false,
	}, cfg.Policy())
}

func TestParse_Invalid(t *testing.T) {
	t.Setenv("BLOODBANK_DB_DRIVER", "mysql")
	t.Setenv("BLOODBANK_STRIKE_THRESHOLD", "0")

	_, err := config.Parse()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BLOODBANK_DB_DRIVER")
	assert.Contains(t, err.Error(), "BLOODBANK_JWT_SECRET")
	assert.Contains(t, err.Error(), "strike threshold")
}

func TestLogger(t *testing.T) {
	var buf bytes.Buffer
	cfg := config.Config{LogLevel: "warn", LogFormat: "text"}
	log := cfg.Logger(&buf)

	log.Info("hidden")
	log.Warn("shown", "k", "v")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "msg=shown k=v")

	buf.Reset()
	config.Config{LogLevel: "nonsense"}.Logger(&buf).Info("json")
	assert.Contains(t, buf.String(), `"msg":"json"`)
}
