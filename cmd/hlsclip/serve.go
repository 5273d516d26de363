package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/agleyzer/hlsclip/internal/config"
	"github.com/agleyzer/hlsclip/internal/extract"
	"github.com/agleyzer/hlsclip/internal/metrics"
	"github.com/agleyzer/hlsclip/internal/server"
	"github.com/spf13/cobra"
)

func newServeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run extractions on request over HTTP",
		Long: `serve exposes POST /extractions, GET /renditions, GET /health and GET /metrics.
Outputs are written below --output-dir.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runServe(cmd)
		},
	}

	d := config.Default()
	flags := cmd.Flags()
	flags.String("addr", d.ServerAddr, "HTTP listen address")
	flags.String("output-dir", d.OutputDir, "Directory that receives extraction outputs")
	addWindowFlags(flags)
	addDownloadFlags(flags)
	addHTTPFlags(flags)
	addToolFlags(flags)

	return cmd
}

func (a *app) runServe(cmd *cobra.Command) error {
	if err := applyConfigFlags(cmd.Flags(), &a.cfg); err != nil {
		return usageError{err}
	}
	if err := a.cfg.Validate(); err != nil {
		return usageError{fmt.Errorf("invalid configuration: %w", err)}
	}
	if err := os.MkdirAll(a.cfg.OutputDir, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	ex, closeSinks, err := extract.FromConfig(a.cfg, a.logger, m)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeSinks(); err != nil {
			a.logger.Warn("failed to close event publisher", "error", err)
		}
	}()

	a.logger.Info("hlsclip starting", "version", version, "mode", "serve")

	srv := server.New(ex, extract.Resolver(a.cfg, a.logger), a.cfg.ServerAddr, a.cfg.OutputDir, m, a.logger)
	if err := srv.Start(ctx); err != nil {
		return err
	}

	a.logger.Info("hlsclip stopped")
	return nil
}
