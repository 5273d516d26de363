// The hlsclip command extracts a time window from a live HLS stream into a local file.
package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/agleyzer/hlsclip/internal/config"
	"github.com/agleyzer/hlsclip/internal/extract"
	"github.com/agleyzer/hlsclip/internal/logging"
	"github.com/agleyzer/hlsclip/internal/window"
	"github.com/spf13/cobra"
)

const (
	version = "1.0.0"
)

// Exit codes.
const (
	exitOK      = 0
	exitFailure = 1
	exitUsage   = 2
	// exitPartial means the requested window could not be covered.
	exitPartial   = 3
	exitCancelled = 130
)

// app carries state shared by the subcommands.
type app struct {
	cfg    config.Config
	logger *slog.Logger
	stdout io.Writer
	stderr io.Writer

	envFiles  []string
	logLevel  string
	logFormat string
}

func main() {
	root := newRootCmd(os.Stdout, os.Stderr)
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	a := &app{stdout: stdout, stderr: stderr}

	root := &cobra.Command{
		Use:   "hlsclip",
		Short: "Extract a time window from a live HLS stream without re-encoding",
		Long: `hlsclip maps a wall-clock range onto the segments of a live HLS rendition,
waits briefly for segments that are not produced yet, and stream-copies the
result into a single file.

Settings are read from .env, then HLSCLIP_* environment variables, then flags.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.setup,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	flags := root.PersistentFlags()
	flags.StringSliceVar(&a.envFiles, "env-file", []string{".env"}, "Dotenv files to load (missing files are ignored)")
	flags.StringVar(&a.logLevel, "log-level", "", "Log level: debug, info, warn, error or off")
	flags.StringVar(&a.logFormat, "log-format", "", "Log format: text or json")
	flags.BoolP("verbose", "v", false, "Enable debug logging")

	root.AddCommand(
		newExtractCmd(a),
		newRenditionsCmd(a),
		newServeCmd(a),
		newVersionCmd(a),
	)

	return root
}

// setup loads the configuration and builds the logger before any subcommand runs.
func (a *app) setup(cmd *cobra.Command, _ []string) error {
	cfg, err := config.FromEnv(a.envFiles...)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.LogLevel = a.logLevel
	}
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		cfg.LogLevel = "debug"
	}
	if a.logFormat != "" {
		cfg.LogFormat = a.logFormat
	}

	a.cfg = cfg
	a.logger = logging.New(cfg.LogLevel, cfg.LogFormat, a.stderr)
	return nil
}

func newVersionCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(a.stdout, "hlsclip v%s\n", version)
			return nil
		},
	}
}

// usageError marks errors caused by bad flags or arguments.
type usageError struct {
	err error
}

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

func exitCode(err error) int {
	var ue usageError
	switch {
	case err == nil:
		return exitOK
	case errors.As(err, &ue), errors.Is(err, extract.ErrInvalidRequest):
		return exitUsage
	case errors.Is(err, extract.ErrCancelled):
		return exitCancelled
	case errors.Is(err, window.ErrOutOfRange), errors.Is(err, window.ErrEmpty), errors.Is(err, extract.ErrPartialWindow):
		return exitPartial
	default:
		return exitFailure
	}
}
