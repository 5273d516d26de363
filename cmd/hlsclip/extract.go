package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/agleyzer/hlsclip/internal/extract"
	"github.com/agleyzer/hlsclip/internal/metrics"
	"github.com/spf13/cobra"
)

// extractOptions holds the per-request flags of the extract command.
type extractOptions struct {
	format   string
	start    string
	end      string
	startSeq uint64
	endSeq   uint64
	output   string
	playlist string
}

func newExtractCmd(a *app) *cobra.Command {
	opts := &extractOptions{}

	cmd := &cobra.Command{
		Use:   "extract <stream>",
		Short: "Extract a time or sequence range from a live stream",
		Example: `  hlsclip extract https://example.com/live/master.m3u8 --format 720p \
    --start 2025-02-13T21:00:00Z --end 2025-02-13T21:05:00Z -o clip.mp4
  hlsclip extract https://example.com/live/index.m3u8 --start-seq 1042 --end-seq 1080 -o clip.ts`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runExtract(cmd, args[0], opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.format, "format", "f", "best", "Rendition selector: format id, variant index, best, worst, 720p or WxH")
	flags.StringVar(&opts.start, "start", "", "Start of the range (RFC 3339, or Unix seconds)")
	flags.StringVar(&opts.end, "end", "", "End of the range (RFC 3339, or Unix seconds)")
	flags.Uint64Var(&opts.startSeq, "start-seq", 0, "First media sequence number (instead of --start)")
	flags.Uint64Var(&opts.endSeq, "end-seq", 0, "Last media sequence number (instead of --end)")
	flags.StringVarP(&opts.output, "output", "o", "", "Output file; .ts is written as is, other containers are remuxed with ffmpeg")
	flags.StringVar(&opts.playlist, "playlist", "", "Also write the synthesized static playlist to this file")
	flags.String("metrics-file", "", "Write Prometheus metrics in textfile format after the run")
	addWindowFlags(flags)
	addDownloadFlags(flags)
	addHTTPFlags(flags)
	addToolFlags(flags)

	cmd.MarkFlagRequired("output")
	cmd.MarkFlagsRequiredTogether("start", "end")
	cmd.MarkFlagsRequiredTogether("start-seq", "end-seq")
	cmd.MarkFlagsMutuallyExclusive("start", "start-seq")
	cmd.MarkFlagsMutuallyExclusive("end", "end-seq")
	cmd.MarkFlagsOneRequired("start", "start-seq")

	return cmd
}

func (a *app) runExtract(cmd *cobra.Command, stream string, opts *extractOptions) error {
	if err := applyConfigFlags(cmd.Flags(), &a.cfg); err != nil {
		return usageError{err}
	}
	if err := a.cfg.Validate(); err != nil {
		return usageError{fmt.Errorf("invalid configuration: %w", err)}
	}

	req, err := opts.request(cmd, stream)
	if err != nil {
		return usageError{err}
	}
	policy, err := extract.ParsePolicy(a.cfg.Policy)
	if err != nil {
		return usageError{err}
	}
	req.Policy = policy
	req.AllowPartialOutput = a.cfg.AllowPartialOutput

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

	res, err := a.extract(ctx, ex, req)

	if werr := m.WriteTextfile(a.cfg.MetricsFile); werr != nil {
		a.logger.Warn("failed to write metrics file", "path", a.cfg.MetricsFile, "error", werr)
	}

	if res != nil {
		a.printResult(res)
	}
	return err
}

func (a *app) extract(ctx context.Context, ex *extract.Extractor, req extract.Request) (*extract.Result, error) {
	a.logger.Info("hlsclip starting", "version", version, "stream", req.StreamID, "format", req.Format)
	return ex.Extract(ctx, req)
}

func (o *extractOptions) request(cmd *cobra.Command, stream string) (extract.Request, error) {
	req := extract.Request{
		StreamID:     stream,
		Format:       o.format,
		Output:       o.output,
		PlaylistPath: o.playlist,
	}

	flags := cmd.Flags()
	if flags.Changed("start-seq") || flags.Changed("end-seq") {
		start, end := o.startSeq, o.endSeq
		req.StartSeq, req.EndSeq = &start, &end
	} else {
		var err error
		if req.StartUTC, err = parseTime(o.start); err != nil {
			return extract.Request{}, fmt.Errorf("invalid --start: %w", err)
		}
		if req.EndUTC, err = parseTime(o.end); err != nil {
			return extract.Request{}, fmt.Errorf("invalid --end: %w", err)
		}
	}

	if flags.Changed("buffer") {
		buffer, _ := flags.GetDuration("buffer")
		req.Buffer = &buffer
	}

	return req, req.Validate()
}

// parseTime accepts RFC 3339 (with or without fractional seconds), a zone-less
// "2006-01-02T15:04:05" taken as UTC, or Unix seconds.
func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, fmt.Errorf("time is required")
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}
	for _, layout := range []string{"2006-01-02T15:04:05", "2006-01-02 15:04:05"} {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, nil
		}
	}
	if secs, err := strconv.ParseFloat(s, 64); err == nil && secs > 0 {
		return time.Unix(0, int64(secs*float64(time.Second))).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("cannot parse %q as RFC 3339 or Unix seconds", s)
}

func (a *app) printResult(res *extract.Result) {
	out := a.stdout
	if res.Artifact != nil {
		fmt.Fprintf(out, "wrote %s: segments %d-%d (%d segments, %d bytes) in %s\n",
			res.Artifact.Path, res.Artifact.First, res.Artifact.Last, res.Artifact.Segments, res.Artifact.Bytes,
			res.Elapsed.Round(time.Millisecond))
	}
	if res.Anchor != nil {
		fmt.Fprintf(out, "anchor: %s\n", res.Anchor)
	}
	fmt.Fprintf(out, "window: %s\n", res.Window)
	if res.Location != "" {
		fmt.Fprintf(out, "uploaded: %s\n", res.Location)
	}
	if !res.Warning.Empty() {
		fmt.Fprintf(a.stderr, "warning: %s\n", res.Warning)
	}
}
