package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	c := Default()
	require.NoError(t, c.Validate())

	assert.Equal(t, 60*time.Second, c.Buffer)
	assert.Equal(t, 0.01, c.Drift)
	assert.Equal(t, 5, c.Retries)
	assert.Equal(t, 4, c.HTTPRetryMax)
	assert.Equal(t, 4, c.Workers)
	assert.Equal(t, 30*time.Minute, c.Timeout)
	assert.Equal(t, PolicyWarn, c.Policy)
	assert.False(t, c.S3.Enabled())
	assert.False(t, c.Kafka.Enabled())
}

func TestFromEnv(t *testing.T) {
	t.Setenv("HLSCLIP_BUFFER", "90s")
	t.Setenv("HLSCLIP_LAG", "4")
	t.Setenv("HLSCLIP_DRIFT", "0.05")
	t.Setenv("HLSCLIP_WORKERS", "8")
	t.Setenv("HLSCLIP_POLICY", "fail")
	t.Setenv("HLSCLIP_ALLOW_PARTIAL_OUTPUT", "true")
	t.Setenv("HLSCLIP_KAFKA_BROKERS", "kafka-1:9092, kafka-2:9092,")
	t.Setenv("HLSCLIP_S3_DESTINATION", "s3://clips/live")

	c, err := FromEnv(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)
	require.NoError(t, c.Validate())

	assert.Equal(t, 90*time.Second, c.Buffer)
	assert.Equal(t, 4*time.Second, c.Lag)
	assert.Equal(t, 0.05, c.Drift)
	assert.Equal(t, 8, c.Workers)
	assert.Equal(t, PolicyFail, c.Policy)
	assert.True(t, c.AllowPartialOutput)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, c.Kafka.Brokers)
	assert.True(t, c.Kafka.Enabled())
	assert.True(t, c.S3.Enabled())
}

func TestFromEnv_DotEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("HLSCLIP_TEST_DOTENV_RETRIES=9\n"), 0o644))
	t.Cleanup(func() { os.Unsetenv("HLSCLIP_TEST_DOTENV_RETRIES") })

	require.NoError(t, LoadDotEnv(path))
	assert.Equal(t, 9, GetEnvInt("HLSCLIP_TEST_DOTENV_RETRIES", 0))
}

func TestFromEnv_InvalidValuesFallBack(t *testing.T) {
	t.Setenv("HLSCLIP_WORKERS", "many")
	t.Setenv("HLSCLIP_TIMEOUT", "soon")

	c, err := FromEnv(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)
	assert.Equal(t, 4, c.Workers)
	assert.Equal(t, 30*time.Minute, c.Timeout)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"negative buffer", func(c *Config) { c.Buffer = -time.Second }},
		{"negative lag", func(c *Config) { c.Lag = -time.Second }},
		{"drift too large", func(c *Config) { c.Drift = 1 }},
		{"negative retries", func(c *Config) { c.Retries = -1 }},
		{"negative workers", func(c *Config) { c.Workers = -2 }},
		{"inverted retry waits", func(c *Config) { c.HTTPRetryWaitMin, c.HTTPRetryWaitMax = time.Minute, time.Second }},
		{"unknown policy", func(c *Config) { c.Policy = "ignore" }},
		{"unknown log format", func(c *Config) { c.LogFormat = "xml" }},
		{"bad s3 destination", func(c *Config) { c.S3.Destination = "clips/live" }},
		{"kafka without topic", func(c *Config) { c.Kafka.Brokers = []string{"k:9092"}; c.Kafka.Topic = "" }},
		{"bad listen address", func(c *Config) { c.ServerAddr = "8080" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.modify(&c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestValidate_FillsDefaults(t *testing.T) {
	c := Config{Policy: "WARN"}
	require.NoError(t, c.Validate())

	assert.Equal(t, PolicyWarn, c.Policy)
	assert.Equal(t, 4, c.Workers)
	assert.Equal(t, 30*time.Minute, c.Timeout)
	assert.Equal(t, "ffmpeg", c.FFmpegPath)
	assert.Equal(t, "yt-dlp", c.YTDLPPath)
	assert.Equal(t, ".", c.OutputDir)
}

func TestGetEnvDuration(t *testing.T) {
	t.Setenv("HLSCLIP_TEST_DURATION", "1.5")
	assert.Equal(t, 1500*time.Millisecond, GetEnvDuration("HLSCLIP_TEST_DURATION", 0))

	t.Setenv("HLSCLIP_TEST_DURATION", "2m")
	assert.Equal(t, 2*time.Minute, GetEnvDuration("HLSCLIP_TEST_DURATION", 0))

	assert.Equal(t, time.Hour, GetEnvDuration("HLSCLIP_TEST_UNSET", time.Hour))
}
