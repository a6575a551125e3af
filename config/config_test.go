package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "payflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaults_AreValid(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "0.12", cfg.Billing.UpfrontPercent.String())
	assert.Equal(t, "0.01", cfg.Billing.Epsilon.String())
	assert.True(t, cfg.Workflow.Atomic)
	assert.True(t, cfg.Workflow.MilestoneAutoPay)
	assert.Equal(t, ":8080", cfg.Addr())
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	// GIVEN: a partial file
	path := writeFile(t, `
server:
  port: 9090
billing:
  upfront_percent: 0.2
workflow:
  atomic: false
  stale_after: 2m
lock:
  backend: redis
redis:
  addr: cache:6379
`)

	// WHEN
	cfg, err := Load(path)

	// THEN: file values applied, untouched sections keep their defaults
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "0.2", cfg.Billing.UpfrontPercent.String())
	assert.False(t, cfg.Workflow.Atomic)
	assert.True(t, cfg.Workflow.MilestoneAutoPay)
	assert.Equal(t, 2*time.Minute, cfg.Workflow.StaleAfter)
	assert.Equal(t, "redis", cfg.Lock.Backend)
	assert.Equal(t, "cache:6379", cfg.Redis.Addr)
	assert.Equal(t, "USD", cfg.Billing.Currency)
}

func TestLoad_MissingExplicitFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoad_MalformedYAML(t *testing.T) {
	_, err := Load(writeFile(t, "server: [oops"))
	assert.Error(t, err)
}

func TestLoad_InvalidValuesRejected(t *testing.T) {
	_, err := Load(writeFile(t, `
server:
  port: 70000
billing:
  upfront_percent: 1.5
lock:
  backend: etcd
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.port")
	assert.Contains(t, err.Error(), "upfront_percent")
	assert.Contains(t, err.Error(), "lock.backend")
}

func TestValidate_UpfrontPercentBounds(t *testing.T) {
	tests := []struct {
		value string
		valid bool
	}{
		{"0", false},
		{"-0.1", false},
		{"0.0001", true},
		{"1", true},
		{"1.01", false},
	}
	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			cfg := Defaults()
			cfg.Billing.UpfrontPercent = decimal.RequireFromString(tt.value)
			err := cfg.Validate()
			if tt.valid {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, "billing.upfront_percent")
		})
	}
}

func TestOverrideFromEnv(t *testing.T) {
	env := map[string]string{
		"PAYFLOW_PORT":            "3000",
		"PAYFLOW_DB":              ":memory:",
		"PAYFLOW_REDIS_ADDR":      "redis:6379",
		"PAYFLOW_AMQP_URL":        "amqp://guest:guest@mq:5672/",
		"PAYFLOW_LOG_LEVEL":       "debug",
		"PAYFLOW_UPFRONT_PERCENT": "0.1",
	}
	lookup := func(k string) (string, bool) { v, ok := env[k]; return v, ok }

	cfg := Defaults()
	require.NoError(t, overrideFromEnv(&cfg, lookup))

	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, ":memory:", cfg.Database.Path)
	assert.Equal(t, "redis", cfg.Lock.Backend)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.Equal(t, "amqp://guest:guest@mq:5672/", cfg.AMQP.URL)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "0.1", cfg.Billing.UpfrontPercent.String())
}

func TestOverrideFromEnv_BadNumbers(t *testing.T) {
	for _, key := range []string{"PAYFLOW_PORT", "PAYFLOW_UPFRONT_PERCENT"} {
		t.Run(key, func(t *testing.T) {
			cfg := Defaults()
			err := overrideFromEnv(&cfg, func(k string) (string, bool) {
				if k == key {
					return "abc", true
				}
				return "", false
			})
			assert.ErrorContains(t, err, key)
		})
	}
}

func TestNewLogger(t *testing.T) {
	l, err := NewLogger(LogConfig{Level: "warn"})
	require.NoError(t, err)
	assert.False(t, l.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, l.Core().Enabled(zapcore.WarnLevel))

	_, err = NewLogger(LogConfig{Level: "loud"})
	assert.Error(t, err)
}
