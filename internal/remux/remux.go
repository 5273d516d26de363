// Package remux changes the container of an assembled clip with ffmpeg stream copy.
package remux

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// DefaultPath is the ffmpeg binary looked up on PATH.
const DefaultPath = "ffmpeg"

// Runner executes an external command.
type Runner func(ctx context.Context, name string, args ...string) error

// FFmpeg remuxes files without re-encoding.
type FFmpeg struct {
	path   string
	run    Runner
	logger *slog.Logger
}

// New creates a remuxer using the ffmpeg binary at path.
func New(path string, logger *slog.Logger) *FFmpeg {
	if path == "" {
		path = DefaultPath
	}
	return &FFmpeg{path: path, run: execRunner, logger: logger}
}

// WithRunner replaces the command runner, mainly for tests.
func (f *FFmpeg) WithRunner(run Runner) *FFmpeg {
	f.run = run
	return f
}

// Needed reports whether output asks for a container other than MPEG-TS.
func Needed(output string) bool {
	switch strings.ToLower(filepath.Ext(output)) {
	case ".ts", ".m2ts", ".mts", "":
		return false
	default:
		return true
	}
}

// Args returns the ffmpeg arguments that copy input into output. MPEG-TS input going into
// an ISO BMFF container needs its ADTS audio converted and the index moved to the front.
func Args(input, output string, fromTS bool) []string {
	args := []string{"-hide_banner", "-loglevel", "error", "-y", "-i", input, "-c", "copy"}
	if fromTS && isoBMFF(output) {
		args = append(args, "-bsf:a", "aac_adtstoasc")
	}
	if isoBMFF(output) {
		args = append(args, "-movflags", "+faststart")
	}
	return append(args, output)
}

// Remux copies the streams of input into output and removes input on success.
func (f *FFmpeg) Remux(ctx context.Context, input, output string, fromTS bool) error {
	args := Args(input, output, fromTS)
	f.logger.Info("remuxing", "input", input, "output", output)
	f.logger.Debug("running ffmpeg", "path", f.path, "args", args)

	if err := f.run(ctx, f.path, args...); err != nil {
		os.Remove(output)
		if ctx.Err() != nil {
			return fmt.Errorf("remux cancelled: %w", ctx.Err())
		}
		return fmt.Errorf("ffmpeg failed: %w", err)
	}

	if err := os.Remove(input); err != nil && !errors.Is(err, os.ErrNotExist) {
		f.logger.Warn("failed to remove remux input", "path", input, "error", err)
	}
	return nil
}

func isoBMFF(output string) bool {
	switch strings.ToLower(filepath.Ext(output)) {
	case ".mp4", ".m4v", ".m4a", ".mov":
		return true
	default:
		return false
	}
}

func execRunner(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("%w: %s", err, msg)
		}
		return err
	}
	return nil
}
