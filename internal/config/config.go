// Package config assembles extraction settings from .env files, HLSCLIP_* environment
// variables and command line flags, in increasing order of precedence.
package config

import (
	"fmt"
	"net"
	"strings"
	"time"
)

// EnvPrefix is prepended to every environment variable name.
const EnvPrefix = "HLSCLIP_"

// Policy values for partial windows.
const (
	PolicyWarn = "warn"
	PolicyFail = "fail"
)

// Config holds the settings for extractions and the optional sinks.
type Config struct {
	// Buffer is added on each side of a requested time range.
	Buffer time.Duration
	// Lag is how far the newest listed segment is assumed to trail the fetch time when a
	// playlist carries no program-date-time. Zero means one nominal segment duration.
	Lag time.Duration
	// Drift is the per-segment duration deviation assumed for approximate anchors.
	Drift float64
	// SegmentDuration overrides the nominal duration measured from the playlist.
	SegmentDuration time.Duration
	// Retries is how many times the live playlist is refetched while waiting for
	// segments that have not been produced yet.
	Retries int

	// HTTPRetryMax, HTTPRetryWaitMin and HTTPRetryWaitMax configure per-request retries.
	HTTPRetryMax     int
	HTTPRetryWaitMin time.Duration
	HTTPRetryWaitMax time.Duration
	// RequestTimeout bounds a single HTTP attempt.
	RequestTimeout time.Duration
	UserAgent      string

	// Workers is the number of segments fetched in parallel.
	Workers int
	// Timeout bounds a whole extraction.
	Timeout time.Duration
	// Policy is PolicyWarn or PolicyFail.
	Policy string
	// AllowPartialOutput keeps going when individual segments fail to download.
	AllowPartialOutput bool

	FFmpegPath string
	YTDLPPath  string

	LogLevel  string
	LogFormat string

	// MetricsFile receives a Prometheus text dump after a CLI run.
	MetricsFile string

	S3    S3Config
	Kafka KafkaConfig

	// ServerAddr is the listen address of serve mode.
	ServerAddr string
	// OutputDir confines the outputs written by serve mode.
	OutputDir string
}

// S3Config configures artifact uploads. Uploads are disabled without a destination.
type S3Config struct {
	Endpoint    string
	AccessKey   string
	SecretKey   string
	Region      string
	UseSSL      bool
	Destination string
}

// Enabled reports whether uploads are configured.
func (c S3Config) Enabled() bool {
	return c.Destination != ""
}

// KafkaConfig configures outcome events. Publishing is disabled without brokers.
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// Enabled reports whether events are published.
func (c KafkaConfig) Enabled() bool {
	return len(c.Brokers) > 0
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		Buffer:           60 * time.Second,
		Drift:            0.01,
		Retries:          5,
		HTTPRetryMax:     4,
		HTTPRetryWaitMin: 250 * time.Millisecond,
		HTTPRetryWaitMax: 5 * time.Second,
		RequestTimeout:   30 * time.Second,
		UserAgent:        "Mozilla/5.0",
		Workers:          4,
		Timeout:          30 * time.Minute,
		Policy:           PolicyWarn,
		FFmpegPath:       "ffmpeg",
		YTDLPPath:        "yt-dlp",
		LogLevel:         "info",
		LogFormat:        "text",
		S3: S3Config{
			Region: "us-east-1",
			UseSSL: true,
		},
		Kafka: KafkaConfig{
			Topic: "hlsclip.extractions",
		},
		ServerAddr: ":8080",
		OutputDir:  ".",
	}
}

// FromEnv loads .env files and overlays HLSCLIP_* variables on the defaults.
func FromEnv(dotenv ...string) (Config, error) {
	if err := LoadDotEnv(dotenv...); err != nil {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	c := Default()
	c.Buffer = GetEnvDuration(EnvPrefix+"BUFFER", c.Buffer)
	c.Lag = GetEnvDuration(EnvPrefix+"LAG", c.Lag)
	c.Drift = GetEnvFloat(EnvPrefix+"DRIFT", c.Drift)
	c.SegmentDuration = GetEnvDuration(EnvPrefix+"SEGMENT_DURATION", c.SegmentDuration)
	c.Retries = GetEnvInt(EnvPrefix+"RETRIES", c.Retries)
	c.HTTPRetryMax = GetEnvInt(EnvPrefix+"HTTP_RETRY_MAX", c.HTTPRetryMax)
	c.HTTPRetryWaitMin = GetEnvDuration(EnvPrefix+"HTTP_RETRY_WAIT_MIN", c.HTTPRetryWaitMin)
	c.HTTPRetryWaitMax = GetEnvDuration(EnvPrefix+"HTTP_RETRY_WAIT_MAX", c.HTTPRetryWaitMax)
	c.RequestTimeout = GetEnvDuration(EnvPrefix+"REQUEST_TIMEOUT", c.RequestTimeout)
	c.UserAgent = GetEnv(EnvPrefix+"USER_AGENT", c.UserAgent)
	c.Workers = GetEnvInt(EnvPrefix+"WORKERS", c.Workers)
	c.Timeout = GetEnvDuration(EnvPrefix+"TIMEOUT", c.Timeout)
	c.Policy = GetEnv(EnvPrefix+"POLICY", c.Policy)
	c.AllowPartialOutput = GetEnvBool(EnvPrefix+"ALLOW_PARTIAL_OUTPUT", c.AllowPartialOutput)
	c.FFmpegPath = GetEnv(EnvPrefix+"FFMPEG", c.FFmpegPath)
	c.YTDLPPath = GetEnv(EnvPrefix+"YTDLP", c.YTDLPPath)
	c.LogLevel = GetEnv(EnvPrefix+"LOG_LEVEL", c.LogLevel)
	c.LogFormat = GetEnv(EnvPrefix+"LOG_FORMAT", c.LogFormat)
	c.MetricsFile = GetEnv(EnvPrefix+"METRICS_FILE", c.MetricsFile)

	c.S3.Endpoint = GetEnv(EnvPrefix+"S3_ENDPOINT", c.S3.Endpoint)
	c.S3.AccessKey = GetEnv(EnvPrefix+"S3_ACCESS_KEY", c.S3.AccessKey)
	c.S3.SecretKey = GetEnv(EnvPrefix+"S3_SECRET_KEY", c.S3.SecretKey)
	c.S3.Region = GetEnv(EnvPrefix+"S3_REGION", c.S3.Region)
	c.S3.UseSSL = GetEnvBool(EnvPrefix+"S3_USE_SSL", c.S3.UseSSL)
	c.S3.Destination = GetEnv(EnvPrefix+"S3_DESTINATION", c.S3.Destination)

	c.Kafka.Brokers = GetEnvList(EnvPrefix+"KAFKA_BROKERS", c.Kafka.Brokers)
	c.Kafka.Topic = GetEnv(EnvPrefix+"KAFKA_TOPIC", c.Kafka.Topic)

	c.ServerAddr = GetEnv(EnvPrefix+"ADDR", c.ServerAddr)
	c.OutputDir = GetEnv(EnvPrefix+"OUTPUT_DIR", c.OutputDir)

	return c, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Buffer < 0 {
		return fmt.Errorf("buffer must not be negative, got %s", c.Buffer)
	}
	if c.Lag < 0 {
		return fmt.Errorf("lag must not be negative, got %s", c.Lag)
	}
	if c.Drift < 0 || c.Drift >= 1 {
		return fmt.Errorf("drift must be within [0, 1), got %g", c.Drift)
	}
	if c.SegmentDuration < 0 {
		return fmt.Errorf("segment duration must not be negative, got %s", c.SegmentDuration)
	}
	if c.Retries < 0 {
		return fmt.Errorf("retries must not be negative, got %d", c.Retries)
	}
	if c.HTTPRetryMax < 0 {
		return fmt.Errorf("http retry max must not be negative, got %d", c.HTTPRetryMax)
	}
	if c.HTTPRetryWaitMin > c.HTTPRetryWaitMax && c.HTTPRetryWaitMax > 0 {
		return fmt.Errorf("http retry wait min %s exceeds max %s", c.HTTPRetryWaitMin, c.HTTPRetryWaitMax)
	}
	if c.Workers < 0 {
		return fmt.Errorf("workers must not be negative, got %d", c.Workers)
	}

	c.Policy = strings.ToLower(c.Policy)
	switch c.Policy {
	case "":
		c.Policy = PolicyWarn
	case PolicyWarn, PolicyFail:
	default:
		return fmt.Errorf("invalid policy %q (want %s or %s)", c.Policy, PolicyWarn, PolicyFail)
	}

	switch strings.ToLower(c.LogFormat) {
	case "", "text", "json":
	default:
		return fmt.Errorf("invalid log format %q (want text or json)", c.LogFormat)
	}

	if c.S3.Enabled() && !strings.HasPrefix(c.S3.Destination, "s3://") {
		return fmt.Errorf("invalid s3 destination %q: must start with s3://", c.S3.Destination)
	}
	if c.Kafka.Enabled() && c.Kafka.Topic == "" {
		return fmt.Errorf("kafka topic is required when brokers are set")
	}
	if c.ServerAddr != "" {
		if _, _, err := net.SplitHostPort(c.ServerAddr); err != nil {
			return fmt.Errorf("invalid listen address %q: %w", c.ServerAddr, err)
		}
	}

	// Set defaults
	if c.Workers == 0 {
		c.Workers = 4
	}
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Minute
	}
	if c.HTTPRetryWaitMin == 0 {
		c.HTTPRetryWaitMin = 250 * time.Millisecond
	}
	if c.HTTPRetryWaitMax == 0 {
		c.HTTPRetryWaitMax = 5 * time.Second
	}
	if c.UserAgent == "" {
		c.UserAgent = "Mozilla/5.0"
	}
	if c.FFmpegPath == "" {
		c.FFmpegPath = "ffmpeg"
	}
	if c.YTDLPPath == "" {
		c.YTDLPPath = "yt-dlp"
	}
	if c.OutputDir == "" {
		c.OutputDir = "."
	}

	return nil
}
