// Package extract runs one extraction: resolve the rendition, anchor the live playlist,
// compute the segment window, synthesize a static playlist and download it.
package extract

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/agleyzer/hlsclip/internal/anchor"
	"github.com/agleyzer/hlsclip/internal/download"
	"github.com/agleyzer/hlsclip/internal/manifest"
	"github.com/agleyzer/hlsclip/internal/metrics"
	"github.com/agleyzer/hlsclip/internal/notify"
	"github.com/agleyzer/hlsclip/internal/playlist"
	"github.com/agleyzer/hlsclip/internal/remux"
	"github.com/agleyzer/hlsclip/internal/rendition"
	"github.com/agleyzer/hlsclip/internal/segment"
	"github.com/agleyzer/hlsclip/internal/window"
	"github.com/hashicorp/go-retryablehttp"
)

var (
	// ErrCancelled wraps the context error of an extraction that was cancelled or timed out.
	ErrCancelled = errors.New("extraction cancelled")

	// ErrPartialWindow is returned under PolicyFail when part of the window is unavailable.
	ErrPartialWindow = errors.New("partial window")

	// ErrInvalidRequest is returned for requests that name no stream, output or range.
	ErrInvalidRequest = errors.New("invalid extraction request")
)

// Policy decides what happens when only part of the requested window can be delivered.
type Policy int

const (
	// PolicyWarn delivers what is available and reports the rest in a warning.
	PolicyWarn Policy = iota
	// PolicyFail aborts instead of producing a partial artifact.
	PolicyFail
)

func (p Policy) String() string {
	if p == PolicyFail {
		return "fail"
	}
	return "warn"
}

// ParsePolicy accepts "warn" (or "") and "fail".
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(s) {
	case "", "warn":
		return PolicyWarn, nil
	case "fail":
		return PolicyFail, nil
	default:
		return PolicyWarn, fmt.Errorf("invalid policy %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (p Policy) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Policy) UnmarshalText(text []byte) error {
	v, err := ParsePolicy(string(text))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// Request describes one extraction. Either StartUTC/EndUTC or StartSeq/EndSeq is set.
type Request struct {
	StreamID string
	Format   string

	StartUTC time.Time
	EndUTC   time.Time

	StartSeq *uint64
	EndSeq   *uint64

	// Buffer overrides the configured padding when set.
	Buffer *time.Duration

	Output string

	// PlaylistPath, when set, receives the synthesized static playlist.
	PlaylistPath string

	Policy             Policy
	AllowPartialOutput bool
}

// SequenceMode reports whether the request names explicit sequence numbers.
func (r Request) SequenceMode() bool {
	return r.StartSeq != nil || r.EndSeq != nil
}

// Validate checks if the request is valid.
func (r Request) Validate() error {
	if r.StreamID == "" {
		return fmt.Errorf("%w: stream is required", ErrInvalidRequest)
	}
	if r.Output == "" {
		return fmt.Errorf("%w: output is required", ErrInvalidRequest)
	}
	if r.SequenceMode() {
		if r.StartSeq == nil || r.EndSeq == nil {
			return fmt.Errorf("%w: both start and end sequence numbers are required", ErrInvalidRequest)
		}
		if !r.StartUTC.IsZero() || !r.EndUTC.IsZero() {
			return fmt.Errorf("%w: time range and sequence range are mutually exclusive", ErrInvalidRequest)
		}
		return nil
	}
	if r.StartUTC.IsZero() || r.EndUTC.IsZero() {
		return fmt.Errorf("%w: both start and end times are required", ErrInvalidRequest)
	}
	if r.Buffer != nil && *r.Buffer < 0 {
		return fmt.Errorf("%w: buffer must not be negative", ErrInvalidRequest)
	}
	return nil
}

// Result is the outcome of a successful extraction.
type Result struct {
	Rendition rendition.Rendition
	// Anchor is nil in sequence mode.
	Anchor   *anchor.Anchor
	Window   window.Window
	Playlist *manifest.Playlist
	Artifact *download.Artifact
	// Warning lists requested segments left out of the artifact.
	Warning *segment.PartialWindowWarning
	// Location is where the artifact was uploaded, if anywhere.
	Location string
	Elapsed  time.Duration
}

// Remuxer converts the assembled stream into the output container.
type Remuxer interface {
	Remux(ctx context.Context, input, output string, fromTS bool) error
}

// Uploader copies the finished artifact somewhere and returns its location.
type Uploader interface {
	Upload(ctx context.Context, path string) (string, error)
}

// Publisher receives an event for every finished extraction.
type Publisher interface {
	Publish(ctx context.Context, e notify.Event) error
}

// Deps are the collaborators of an Extractor. Remuxer, Uploader, Publisher and Metrics
// are optional.
type Deps struct {
	Resolver  rendition.Resolver
	Source    playlist.Source
	Client    *retryablehttp.Client
	Remuxer   Remuxer
	Uploader  Uploader
	Publisher Publisher
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

// Options tunes extractions.
type Options struct {
	Buffer  time.Duration
	Anchor  anchor.Options
	Retries int
	Workers int
	// Timeout bounds each extraction. Zero disables it.
	Timeout time.Duration
}

// Extractor runs extractions. It holds no per-stream state, so one Extractor can serve
// concurrent requests.
type Extractor struct {
	deps   Deps
	opts   Options
	source playlist.Source
	synth  *playlist.Synthesizer
}

// New creates an extractor.
func New(deps Deps, opts Options) (*Extractor, error) {
	if deps.Resolver == nil {
		return nil, fmt.Errorf("resolver is required")
	}
	if deps.Source == nil {
		return nil, fmt.Errorf("playlist source is required")
	}
	if deps.Client == nil {
		return nil, fmt.Errorf("http client is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	source := &countingSource{Source: deps.Source, metrics: deps.Metrics}
	return &Extractor{
		deps:   deps,
		opts:   opts,
		source: source,
		synth:  playlist.NewSynthesizer(source, opts.Retries, deps.Logger),
	}, nil
}

// Extract runs one extraction. A returned error may come with a non-nil Result when the
// artifact was written but a later step (upload) failed.
func (e *Extractor) Extract(ctx context.Context, req Request) (*Result, error) {
	if e.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.opts.Timeout)
		defer cancel()
	}

	start := time.Now()
	done := e.deps.Metrics.StartExtraction()

	logger := e.deps.Logger.With("stream", req.StreamID, "format", req.Format)
	res, err := e.run(ctx, req, logger)
	if err != nil && ctx.Err() != nil {
		err = fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())
	}
	if res != nil {
		res.Elapsed = time.Since(start)
	}

	switch {
	case err != nil && errors.Is(err, ErrCancelled):
		done(metrics.OutcomeCancelled)
	case err != nil:
		done(metrics.OutcomeFailed)
	case !res.Warning.Empty():
		done(metrics.OutcomePartial)
	default:
		done(metrics.OutcomeCompleted)
	}

	if err != nil {
		logger.Error("extraction failed", "error", err)
	} else {
		logger.Info("extraction finished",
			"output", res.Artifact.Path,
			"segments", res.Artifact.Segments,
			"bytes", res.Artifact.Bytes,
			"missing", len(res.Warning.Missing),
			"elapsed", res.Elapsed,
		)
	}

	e.publish(ctx, req, res, err, logger)

	return res, err
}

func (e *Extractor) run(ctx context.Context, req Request, logger *slog.Logger) (*Result, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	r, err := rendition.Resolve(ctx, e.deps.Resolver, req.StreamID, req.Format)
	if err != nil {
		return nil, fmt.Errorf("resolve rendition: %w", err)
	}
	if err := r.Check(); err != nil {
		return nil, fmt.Errorf("%w: %w", manifest.ErrFormatUnsupported, err)
	}
	logger.Info("resolved rendition", "selector", r.Selector, "delivery", r.Delivery, "resolution", r.Resolution)

	res := &Result{Rendition: r}

	w, err := e.resolveWindow(ctx, &r, req, res, logger)
	if err != nil {
		return nil, err
	}
	res.Window = w

	pl, warning, err := e.synth.Synthesize(ctx, &r, w)
	if err != nil {
		return nil, fmt.Errorf("synthesize playlist: %w", err)
	}
	res.Rendition = r
	res.Playlist = pl
	res.Warning = warning

	if req.Policy == PolicyFail && !warning.Empty() {
		return nil, fmt.Errorf("%w: %s", ErrPartialWindow, warning)
	}

	if req.PlaylistPath != "" {
		if err := playlist.WriteFile(req.PlaylistPath, pl); err != nil {
			return nil, err
		}
		logger.Info("wrote playlist", "path", req.PlaylistPath, "segments", pl.Len())
	}

	target := req.Output
	needsRemux := e.deps.Remuxer != nil && remux.Needed(req.Output)
	if needsRemux {
		target = intermediatePath(req.Output, pl.InitURI != "")
	} else if remux.Needed(req.Output) {
		logger.Warn("no remuxer configured, writing segments as-is", "output", req.Output)
	}

	dl := download.New(e.deps.Client, download.Options{
		Workers:      e.opts.Workers,
		AllowPartial: req.AllowPartialOutput,
	}, logger)
	artifact, err := dl.Download(ctx, pl, target)
	if err != nil {
		return nil, err
	}
	warning.Merge(&segment.PartialWindowWarning{Missing: artifact.Missing})

	if needsRemux {
		if err := e.deps.Remuxer.Remux(ctx, target, req.Output, pl.InitURI == ""); err != nil {
			os.Remove(target)
			return nil, err
		}
		artifact.Path = req.Output
		if fi, err := os.Stat(req.Output); err == nil {
			artifact.Bytes = fi.Size()
		}
	}
	res.Artifact = artifact

	e.deps.Metrics.AddSegments(artifact.Segments, artifact.Bytes)
	e.deps.Metrics.AddMissing(warning)

	if e.deps.Uploader != nil {
		location, err := e.deps.Uploader.Upload(ctx, artifact.Path)
		if err != nil {
			return res, fmt.Errorf("upload artifact: %w", err)
		}
		res.Location = location
	}

	return res, nil
}

// resolveWindow computes the window from the request's time range through a fresh anchor,
// or takes the explicit sequence numbers as they are.
func (e *Extractor) resolveWindow(ctx context.Context, r *rendition.Rendition, req Request, res *Result, logger *slog.Logger) (window.Window, error) {
	if req.SequenceMode() {
		return window.FromSequences(*req.StartSeq, *req.EndSeq)
	}

	p, err := e.source.Fetch(ctx, r)
	if err != nil {
		return window.Window{}, fmt.Errorf("fetch live playlist: %w", err)
	}

	a, err := anchor.Resolve(p, p.FetchedAt, e.opts.Anchor)
	if err != nil {
		return window.Window{}, err
	}
	res.Anchor = &a
	logger.Info("anchored live playlist", "anchor", a.String(), "first", a.First, "last", a.Last)

	buffer := e.opts.Buffer
	if req.Buffer != nil {
		buffer = *req.Buffer
	}

	w, err := window.Compute(a, req.StartUTC, req.EndUTC, buffer)
	var oor *window.OutOfRangeError
	switch {
	case errors.As(err, &oor) && req.Policy == PolicyWarn:
		logger.Warn("window exceeds live playlist, continuing with what is available", "error", err)
	case err != nil:
		return window.Window{}, err
	}

	if w.EffectiveBuffer > w.Buffer {
		logger.Info("widened buffer for anchor uncertainty", "requested", w.Buffer, "effective", w.EffectiveBuffer)
	}
	logger.Info("computed window", "window", w.String())

	return w, nil
}

func (e *Extractor) publish(ctx context.Context, req Request, res *Result, err error, logger *slog.Logger) {
	if e.deps.Publisher == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if perr := e.deps.Publisher.Publish(ctx, NewEvent(req, res, err)); perr != nil {
		logger.Warn("failed to publish event", "error", perr)
	}
}

// NewEvent summarises an extraction outcome.
func NewEvent(req Request, res *Result, err error) notify.Event {
	ev := notify.Event{
		Type:      notify.EventCompleted,
		StreamID:  req.StreamID,
		Rendition: req.Format,
		Output:    req.Output,
		StartUTC:  req.StartUTC,
		EndUTC:    req.EndUTC,
		Timestamp: time.Now().UTC(),
	}
	if err != nil {
		ev.Type = notify.EventFailed
		ev.Error = err.Error()
	}
	if res == nil {
		return ev
	}

	ev.Rendition = res.Rendition.Selector
	ev.StartSeq = res.Window.Start
	ev.EndSeq = res.Window.End
	ev.Location = res.Location
	if res.Anchor != nil {
		ev.Anchor = res.Anchor.Kind.String()
	}
	if res.Artifact != nil {
		ev.Output = res.Artifact.Path
		ev.Segments = res.Artifact.Segments
		ev.Bytes = res.Artifact.Bytes
	}
	if !res.Warning.Empty() {
		ev.Missing = res.Warning.Missing
	}
	return ev
}

// intermediatePath names the raw concatenation next to output.
func intermediatePath(output string, fmp4 bool) string {
	ext := ".ts"
	if fmp4 {
		ext = ".m4s"
	}
	return strings.TrimSuffix(output, filepath.Ext(output)) + ".concat" + ext
}

// countingSource counts live playlist fetches.
type countingSource struct {
	playlist.Source
	metrics *metrics.Metrics
}

func (c *countingSource) Fetch(ctx context.Context, r *rendition.Rendition) (*manifest.Playlist, error) {
	c.metrics.IncManifestFetches()
	return c.Source.Fetch(ctx, r)
}
