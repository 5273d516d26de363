package main

import (
	"errors"

	"github.com/agleyzer/hlsclip/internal/config"
	"github.com/spf13/pflag"
)

// Flag registration is split by concern so each subcommand only exposes the settings
// it uses. Defaults shown in help are the built-in ones; a flag only overrides the
// environment when it is given explicitly.

func addWindowFlags(fs *pflag.FlagSet) {
	d := config.Default()
	fs.Duration("buffer", d.Buffer, "Padding added before the start and after the end of a time range")
	fs.Duration("lag", d.Lag, "Assumed delay of the newest segment when the playlist has no program-date-time (0 = one segment)")
	fs.Float64("drift", d.Drift, "Per-segment duration deviation assumed for approximate anchors")
	fs.Duration("segment-duration", d.SegmentDuration, "Override the nominal segment duration measured from the playlist")
	fs.Int("retries", d.Retries, "Playlist refetches while waiting for segments that are not produced yet")
	fs.String("policy", d.Policy, "What to do when the window cannot be fully covered: warn or fail")
}

func addDownloadFlags(fs *pflag.FlagSet) {
	d := config.Default()
	fs.Int("workers", d.Workers, "Segments fetched in parallel")
	fs.Duration("timeout", d.Timeout, "Upper bound for a whole extraction")
	fs.Bool("allow-partial", d.AllowPartialOutput, "Keep going when individual segments fail to download")
	fs.String("s3-destination", "", "Upload the artifact to s3://bucket/prefix")
	fs.StringSlice("kafka-brokers", nil, "Publish outcome events to these Kafka brokers")
	fs.String("kafka-topic", d.Kafka.Topic, "Kafka topic for outcome events")
}

func addHTTPFlags(fs *pflag.FlagSet) {
	d := config.Default()
	fs.Int("http-retries", d.HTTPRetryMax, "Retries for a single manifest or segment request")
	fs.Duration("request-timeout", d.RequestTimeout, "Timeout for a single HTTP attempt")
	fs.String("user-agent", d.UserAgent, "User-Agent sent to the origin")
}

func addToolFlags(fs *pflag.FlagSet) {
	d := config.Default()
	fs.String("ffmpeg", d.FFmpegPath, "Path to the ffmpeg executable")
	fs.String("yt-dlp", d.YTDLPPath, "Path to the yt-dlp executable")
}

// applyConfigFlags copies the flags set on the command line into cfg. Flags the
// command does not define are never reported as changed.
func applyConfigFlags(fs *pflag.FlagSet, cfg *config.Config) error {
	return errors.Join(
		override(fs, "buffer", fs.GetDuration, &cfg.Buffer),
		override(fs, "lag", fs.GetDuration, &cfg.Lag),
		override(fs, "drift", fs.GetFloat64, &cfg.Drift),
		override(fs, "segment-duration", fs.GetDuration, &cfg.SegmentDuration),
		override(fs, "retries", fs.GetInt, &cfg.Retries),
		override(fs, "policy", fs.GetString, &cfg.Policy),
		override(fs, "workers", fs.GetInt, &cfg.Workers),
		override(fs, "timeout", fs.GetDuration, &cfg.Timeout),
		override(fs, "allow-partial", fs.GetBool, &cfg.AllowPartialOutput),
		override(fs, "s3-destination", fs.GetString, &cfg.S3.Destination),
		override(fs, "kafka-brokers", fs.GetStringSlice, &cfg.Kafka.Brokers),
		override(fs, "kafka-topic", fs.GetString, &cfg.Kafka.Topic),
		override(fs, "http-retries", fs.GetInt, &cfg.HTTPRetryMax),
		override(fs, "request-timeout", fs.GetDuration, &cfg.RequestTimeout),
		override(fs, "user-agent", fs.GetString, &cfg.UserAgent),
		override(fs, "ffmpeg", fs.GetString, &cfg.FFmpegPath),
		override(fs, "yt-dlp", fs.GetString, &cfg.YTDLPPath),
		override(fs, "metrics-file", fs.GetString, &cfg.MetricsFile),
		override(fs, "addr", fs.GetString, &cfg.ServerAddr),
		override(fs, "output-dir", fs.GetString, &cfg.OutputDir),
	)
}

func override[T any](fs *pflag.FlagSet, name string, get func(string) (T, error), dst *T) error {
	if !fs.Changed(name) {
		return nil
	}
	v, err := get(name)
	if err != nil {
		return err
	}
	*dst = v
	return nil
}
