package workflow

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/voronode/invoiceflow/retry"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Finalize())
	require.Equal(t, 3, cfg.Retry.MaxRetries)
	require.Equal(t, 30*time.Second, cfg.Timeouts.For(NodeExtract))
	require.Equal(t, time.Duration(0), cfg.Timeouts.For(NodeComplete))
	require.True(t, cfg.Routing.QuarantineOnCritical)
	require.Equal(t, StoreMemory, cfg.Store.Driver)
}

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig([]byte(`
retry:
  max_retries: 5
  base_delay: 250ms
  backoff_rate: 2
  jitter_strategy: FULL
routing:
  quarantine_on_critical: true
  quarantine_on_high: false
  retry_on_medium: true
  compliance_high_threshold: 3
timeouts:
  extract: 1m
circuit_breaker:
  failure_threshold: 3
  cooldown: 30s
  tools:
    ocr:
      failure_threshold: 1
store:
  driver: file
  dir: /tmp/invoiceflow
stages:
  extract:
    url: http://ocr.internal/extract
    tool: ocr
accepted_content_types: [" Application/PDF "]
`))
	require.NoError(t, err)
	require.Equal(t, retry.Policy{
		MaxRetries:     5,
		BaseDelay:      250 * time.Millisecond,
		MaxDelay:       30 * time.Second,
		BackoffRate:    2,
		JitterStrategy: retry.JitterFull,
	}, cfg.Retry)
	require.False(t, cfg.Routing.QuarantineOnHigh)
	require.Equal(t, 1, cfg.Routing.ComplianceCriticalThreshold)
	require.Equal(t, 3, cfg.Routing.ComplianceHighThreshold)
	require.False(t, cfg.Routing.SkipComplianceAudit)
	require.Equal(t, time.Minute, cfg.Timeouts.Extract)
	require.Equal(t, 10*time.Second, cfg.Timeouts.Validate)
	require.Equal(t, "ocr", cfg.Stages[NodeExtract].Tool)
	require.Equal(t, []string{"application/pdf"}, cfg.AcceptedContentTypes)

	opts := cfg.CircuitBreaker.RegistryOptions()
	require.Equal(t, 3, opts.Config.FailureThreshold)
	require.Equal(t, 30*time.Second, opts.Config.Cooldown)
	require.Equal(t, 1, opts.Tools["ocr"].FailureThreshold)
}

func TestFinalizeDefaultsRetryFieldsSeparately(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Retry = retry.Policy{MaxRetries: 0}
	require.NoError(t, cfg.Finalize())
	require.Equal(t, 0, cfg.Retry.MaxRetries)
	require.Equal(t, time.Second, cfg.Retry.BaseDelay)
	require.Equal(t, 1.0, cfg.Retry.BackoffRate)
	require.Equal(t, retry.JitterNone, cfg.Retry.JitterStrategy)

	cfg = DefaultConfig()
	cfg.Retry = retry.Policy{MaxRetries: 2}
	require.NoError(t, cfg.Finalize())
	require.Equal(t, 2, cfg.Retry.MaxRetries)
	require.Equal(t, time.Second, cfg.Retry.BaseDelay)
}

func TestParseConfigErrors(t *testing.T) {
	_, err := ParseConfig([]byte("retry: [unclosed"))
	require.ErrorContains(t, err, "failed to parse config")

	_, err = ParseConfig([]byte(`
retry:
  max_retries: -1
  jitter_strategy: SOMETIMES
store:
  driver: postgres
stages:
  review: {}
log:
  level: loud
`))
	require.Error(t, err)
	for _, want := range []string{
		"max_retries must not be negative",
		`unknown retry.jitter_strategy "SOMETIMES"`,
		"store.dsn required for postgres",
		`unknown stage "review"`,
		`invalid log level "loud"`,
	} {
		require.ErrorContains(t, err, want)
	}
}

func TestLoadConfigWithEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "invoiceflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte("store:\n  driver: redis\n"), 0o644))

	_, err := LoadConfig(path)
	require.ErrorContains(t, err, "store.redis_addr required")

	t.Setenv(EnvRedisAddr, "localhost:6379")
	t.Setenv(EnvLogLevel, "debug")
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, "localhost:6379", cfg.Store.RedisAddr)

	level, err := ParseLevel(cfg.Log.Level)
	require.NoError(t, err)
	require.Equal(t, slog.LevelDebug, level)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorContains(t, err, "failed to read config file")
}

func TestNewLoggerFromConfig(t *testing.T) {
	logger, err := NewLoggerFromConfig(LogConfig{Level: "warn", Format: "json"})
	require.NoError(t, err)
	require.NotNil(t, logger)

	_, err = NewLoggerFromConfig(LogConfig{Level: "info", Format: "xml"})
	require.ErrorContains(t, err, `unknown log format "xml"`)
}
