package config

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(testLogger())
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.HTTP.Port)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, 700*time.Millisecond, cfg.Retrieval.Timeout)
	assert.Equal(t, 300*time.Second, cfg.Webhook.ReplayWindow)
	assert.Equal(t, "X-Voice-Signature", cfg.Webhook.SignatureHeader)
	assert.Equal(t, 60*time.Second, cfg.RateLimit.Window)
	assert.False(t, cfg.Realtime.EndCallEnabled)
	assert.Equal(t, "call_report_tasks", cfg.Messaging.QueueName)
	assert.Empty(t, cfg.HTTP.PublicBaseURL)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("HTTP_PORT", "9090")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("REALTIME_VAD_THRESHOLD", "0.7")
	t.Setenv("WEBHOOK_REPLAY_WINDOW", "120s")
	t.Setenv("STORAGE_FALLBACK_BUCKETS", "bucket-a, bucket-b,")
	t.Setenv("REALTIME_END_CALL_ENABLED", "true")
	t.Setenv("HTTP_PUBLIC_BASE_URL", "https://bridge.example.com/")

	cfg, err := Load(testLogger())
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.HTTP.Port)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.InDelta(t, 0.7, cfg.Realtime.VADThreshold, 1e-9)
	assert.Equal(t, 120*time.Second, cfg.Webhook.ReplayWindow)
	assert.Equal(t, []string{"bucket-a", "bucket-b"}, cfg.Storage.FallbackBuckets)
	assert.True(t, cfg.Realtime.EndCallEnabled)
	assert.Equal(t, "https://bridge.example.com", cfg.HTTP.PublicBaseURL)
}

func TestLoad_InvalidPort(t *testing.T) {
	t.Setenv("HTTP_PORT", "70000")

	_, err := Load(testLogger())
	assert.Error(t, err)
}

func TestLoad_InvalidTimeZone(t *testing.T) {
	t.Setenv("STORAGE_TIME_ZONE", "Not/AZone")

	_, err := Load(testLogger())
	assert.Error(t, err)
}

func TestLoad_MalformedValuesFallBackToDefaults(t *testing.T) {
	t.Setenv("HTTP_PORT", "not-a-number")
	t.Setenv("DB_ENABLED", "maybe")
	t.Setenv("RETRIEVAL_TIMEOUT", "soon")

	cfg, err := Load(testLogger())
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.HTTP.Port)
	assert.True(t, cfg.Database.Enabled)
	assert.Equal(t, 700*time.Millisecond, cfg.Retrieval.Timeout)
}

func TestApplyLogging(t *testing.T) {
	cfg := &Config{Logging: LoggingConfig{Level: "warn", Format: "text"}}
	logger := logrus.New()

	require.NoError(t, cfg.ApplyLogging(logger))
	assert.Equal(t, logrus.WarnLevel, logger.GetLevel())

	cfg.Logging.Format = "xml"
	assert.Error(t, cfg.ApplyLogging(logger))

	cfg.Logging = LoggingConfig{Level: "verbose", Format: "json"}
	assert.Error(t, cfg.ApplyLogging(logger))
}
