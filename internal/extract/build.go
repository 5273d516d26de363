package extract

import (
	"fmt"
	"log/slog"

	"github.com/agleyzer/hlsclip/internal/anchor"
	"github.com/agleyzer/hlsclip/internal/config"
	"github.com/agleyzer/hlsclip/internal/logging"
	"github.com/agleyzer/hlsclip/internal/manifest"
	"github.com/agleyzer/hlsclip/internal/metrics"
	"github.com/agleyzer/hlsclip/internal/notify"
	"github.com/agleyzer/hlsclip/internal/remux"
	"github.com/agleyzer/hlsclip/internal/rendition"
	"github.com/agleyzer/hlsclip/internal/storage"
	"github.com/agleyzer/hlsclip/internal/transport"
	"github.com/hashicorp/go-retryablehttp"
)

// Resolver returns the rendition resolver for cfg: HLS playlist URLs are read directly,
// anything else goes through yt-dlp.
func Resolver(cfg config.Config, logger *slog.Logger) rendition.Resolver {
	client := transport.NewClient(TransportOptions(cfg), logging.HCLog("http", logger, cfg.LogLevel))
	return newResolver(cfg, client, logger)
}

func newResolver(cfg config.Config, client *retryablehttp.Client, logger *slog.Logger) rendition.Resolver {
	return rendition.Auto{
		HLS:      rendition.NewMaster(client, logger),
		Fallback: rendition.NewYTDLP(cfg.YTDLPPath, logger),
	}
}

// TransportOptions maps cfg onto HTTP client settings.
func TransportOptions(cfg config.Config) transport.Options {
	return transport.Options{
		RetryMax:       cfg.HTTPRetryMax,
		RetryWaitMin:   cfg.HTTPRetryWaitMin,
		RetryWaitMax:   cfg.HTTPRetryWaitMax,
		RequestTimeout: cfg.RequestTimeout,
		UserAgent:      cfg.UserAgent,
	}
}

// FromConfig wires an Extractor and its optional sinks from cfg. The returned function
// releases the sinks.
func FromConfig(cfg config.Config, logger *slog.Logger, m *metrics.Metrics) (*Extractor, func() error, error) {
	client := transport.NewClient(TransportOptions(cfg), logging.HCLog("http", logger, cfg.LogLevel))
	resolver := newResolver(cfg, client, logger)

	deps := Deps{
		Resolver: resolver,
		Source:   manifest.NewFetcher(client, resolver, logger),
		Client:   client,
		Remuxer:  remux.New(cfg.FFmpegPath, logger),
		Metrics:  m,
		Logger:   logger,
	}

	closeFn := func() error { return nil }

	if cfg.S3.Enabled() {
		uploader, err := storage.New(cfg.S3, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("configure upload: %w", err)
		}
		deps.Uploader = uploader
	}

	if cfg.Kafka.Enabled() {
		publisher := notify.New(cfg.Kafka, logger)
		deps.Publisher = publisher
		closeFn = publisher.Close
	}

	e, err := New(deps, Options{
		Buffer: cfg.Buffer,
		Anchor: anchor.Options{
			Lag:             cfg.Lag,
			Drift:           cfg.Drift,
			SegmentDuration: cfg.SegmentDuration,
		},
		Retries: cfg.Retries,
		Workers: cfg.Workers,
		Timeout: cfg.Timeout,
	})
	if err != nil {
		closeFn()
		return nil, nil, err
	}

	return e, closeFn, nil
}
