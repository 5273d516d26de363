package remux

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/agleyzer/hlsclip/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNeeded(t *testing.T) {
	tests := map[string]bool{
		"clip.ts":   false,
		"clip.TS":   false,
		"clip":      false,
		"clip.mp4":  true,
		"clip.mkv":  true,
		"clip.m4a":  true,
		"out/a.mts": false,
	}
	for output, want := range tests {
		assert.Equal(t, want, Needed(output), output)
	}
}

func TestArgs(t *testing.T) {
	assert.Equal(t,
		[]string{"-hide_banner", "-loglevel", "error", "-y", "-i", "in.ts", "-c", "copy",
			"-bsf:a", "aac_adtstoasc", "-movflags", "+faststart", "out.mp4"},
		Args("in.ts", "out.mp4", true))

	assert.Equal(t,
		[]string{"-hide_banner", "-loglevel", "error", "-y", "-i", "in.m4s", "-c", "copy",
			"-movflags", "+faststart", "out.mp4"},
		Args("in.m4s", "out.mp4", false))

	assert.Equal(t,
		[]string{"-hide_banner", "-loglevel", "error", "-y", "-i", "in.ts", "-c", "copy", "out.mkv"},
		Args("in.ts", "out.mkv", true))
}

func TestRemux(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "clip.ts")
	output := filepath.Join(dir, "clip.mp4")
	require.NoError(t, os.WriteFile(input, []byte("ts"), 0o644))

	var gotName string
	var gotArgs []string
	f := New("/opt/ffmpeg", logging.Discard()).WithRunner(func(ctx context.Context, name string, args ...string) error {
		gotName, gotArgs = name, args
		return os.WriteFile(output, []byte("mp4"), 0o644)
	})

	require.NoError(t, f.Remux(context.Background(), input, output, true))
	assert.Equal(t, "/opt/ffmpeg", gotName)
	assert.Equal(t, Args(input, output, true), gotArgs)
	assert.NoFileExists(t, input)
	assert.FileExists(t, output)
}

func TestRemux_Failure(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "clip.ts")
	output := filepath.Join(dir, "clip.mp4")
	require.NoError(t, os.WriteFile(input, []byte("ts"), 0o644))

	f := New("", logging.Discard()).WithRunner(func(ctx context.Context, name string, args ...string) error {
		assert.Equal(t, DefaultPath, name)
		_ = os.WriteFile(output, []byte("partial"), 0o644)
		return errors.New("exit status 1: Invalid data found when processing input")
	})

	err := f.Remux(context.Background(), input, output, true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Invalid data")
	assert.FileExists(t, input)
	assert.NoFileExists(t, output)
}

func TestRemux_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	f := New("", logging.Discard()).WithRunner(func(ctx context.Context, name string, args ...string) error {
		return ctx.Err()
	})

	err := f.Remux(ctx, "in.ts", filepath.Join(t.TempDir(), "out.mp4"), true)
	assert.ErrorIs(t, err, context.Canceled)
}
