// Package download retrieves the segments of a synthesized playlist in parallel and
// concatenates them, in sequence order, into a single stream-copied output file.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"sync/atomic"

	"github.com/agleyzer/hlsclip/internal/manifest"
	"github.com/agleyzer/hlsclip/internal/segment"
	"github.com/agleyzer/hlsclip/internal/transport"
	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/sync/errgroup"
)

// DefaultWorkers is the number of segments fetched concurrently.
const DefaultWorkers = 4

// ErrSegmentFetchFailed is matched by every *SegmentFetchError.
var ErrSegmentFetchFailed = errors.New("segment fetch failed")

// SegmentFetchError reports a segment that could not be retrieved after retries.
type SegmentFetchError struct {
	Sequence uint64
	URI      string
	Err      error
}

func (e *SegmentFetchError) Error() string {
	return fmt.Sprintf("fetch segment %d (%s): %v", e.Sequence, e.URI, e.Err)
}

func (e *SegmentFetchError) Unwrap() error {
	return e.Err
}

// Is matches ErrSegmentFetchFailed.
func (e *SegmentFetchError) Is(target error) bool {
	return target == ErrSegmentFetchFailed
}

// Options tunes a Downloader.
type Options struct {
	// Workers bounds concurrent segment fetches. Zero means DefaultWorkers.
	Workers int

	// AllowPartial keeps going when a segment fails, recording it as missing.
	// Without it the first failure aborts the download.
	AllowPartial bool
}

// Artifact describes a finished output file. The file belongs to the caller.
type Artifact struct {
	Path     string
	Segments int
	Bytes    int64

	// First and Last are the sequence numbers of the first and last segment written.
	First uint64
	Last  uint64

	// InitSegment is set when an EXT-X-MAP init segment was prepended.
	InitSegment bool

	// Missing lists segments that failed under AllowPartial.
	Missing []segment.Missing
}

// Downloader fetches and assembles segments.
type Downloader struct {
	client *retryablehttp.Client
	opts   Options
	logger *slog.Logger
}

// New creates a downloader using client for every segment request.
func New(client *retryablehttp.Client, opts Options, logger *slog.Logger) *Downloader {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	return &Downloader{client: client, opts: opts, logger: logger}
}

// Download fetches every segment of p and writes their concatenation to output. Segments are
// fetched in parallel into a scratch directory next to output and appended in ascending
// sequence order regardless of completion order; an init segment, if any, comes first.
// The output only appears once assembly succeeded. On cancellation nothing is left behind
// and the context error is returned wrapped.
func (d *Downloader) Download(ctx context.Context, p *manifest.Playlist, output string) (*Artifact, error) {
	if p == nil || len(p.Segments) == 0 {
		return nil, fmt.Errorf("cannot download playlist with zero segments")
	}
	if output == "" {
		return nil, fmt.Errorf("output path must not be empty")
	}

	segments := make([]segment.Segment, len(p.Segments))
	copy(segments, p.Segments)
	sort.SliceStable(segments, func(i, j int) bool { return segments[i].Sequence < segments[j].Sequence })

	dir := filepath.Dir(output)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}
	scratch, err := os.MkdirTemp(dir, ".hlsclip-")
	if err != nil {
		return nil, fmt.Errorf("create scratch directory: %w", err)
	}
	defer os.RemoveAll(scratch)

	d.logger.Info("downloading segments",
		"count", len(segments),
		"first", segments[0].Sequence,
		"last", segments[len(segments)-1].Sequence,
		"workers", d.opts.Workers,
	)

	initPath := ""
	if p.InitURI != "" {
		initPath = filepath.Join(scratch, "init")
		if _, err := d.fetchTo(ctx, p.InitURI, p.InitRange, initPath); err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("download cancelled: %w", ctx.Err())
			}
			return nil, fmt.Errorf("fetch init segment (%s): %w", p.InitURI, err)
		}
	}

	paths := make([]string, len(segments))
	failures := make([]*SegmentFetchError, len(segments))
	var fetched atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.opts.Workers)

	for i, seg := range segments {
		path := filepath.Join(scratch, fmt.Sprintf("%020d.seg", seg.Sequence))
		g.Go(func() error {
			n, err := d.fetchTo(gctx, seg.URI, seg.Range, path)
			if err != nil {
				fe := &SegmentFetchError{Sequence: seg.Sequence, URI: seg.URI, Err: err}
				if d.opts.AllowPartial && gctx.Err() == nil {
					d.logger.Warn("skipping segment", "sequence", seg.Sequence, "error", err)
					failures[i] = fe
					return nil
				}
				return fe
			}
			paths[i] = path
			d.logger.Debug("fetched segment", "sequence", seg.Sequence, "bytes", n,
				"done", fetched.Add(1), "total", len(segments))
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("download cancelled: %w", ctx.Err())
		}
		return nil, err
	}

	artifact := &Artifact{Path: output, InitSegment: initPath != ""}
	var written []string
	if initPath != "" {
		written = append(written, initPath)
	}
	for i, seg := range segments {
		if failures[i] != nil {
			artifact.Missing = append(artifact.Missing, segment.Missing{
				Sequence: seg.Sequence,
				Reason:   segment.FetchFailed,
				Detail:   failures[i].Err.Error(),
			})
			continue
		}
		if artifact.Segments == 0 {
			artifact.First = seg.Sequence
		}
		artifact.Last = seg.Sequence
		artifact.Segments++
		written = append(written, paths[i])
	}

	if artifact.Segments == 0 {
		return nil, fmt.Errorf("%w: none of %d segments could be retrieved", ErrSegmentFetchFailed, len(segments))
	}

	n, err := assemble(ctx, output, written)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("download cancelled: %w", ctx.Err())
		}
		return nil, err
	}
	artifact.Bytes = n

	d.logger.Info("wrote output",
		"path", output,
		"segments", artifact.Segments,
		"missing", len(artifact.Missing),
		"bytes", n,
	)

	return artifact, nil
}

func (d *Downloader) fetchTo(ctx context.Context, uri string, r segment.ByteRange, path string) (int64, error) {
	if r.IsZero() {
		resp, err := transport.Get(ctx, d.client, uri)
		if err != nil {
			return 0, err
		}
		defer resp.Body.Close()
		return writeFile(path, resp.Body)
	}

	resp, err := transport.GetRange(ctx, d.client, uri, r.Offset, r.Length)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	body := io.Reader(resp.Body)
	if resp.StatusCode == http.StatusOK {
		// The server ignored Range and sent the whole resource.
		if _, err := io.CopyN(io.Discard, body, r.Offset); err != nil {
			return 0, fmt.Errorf("byte range %s beyond end of %s: %w", r, uri, err)
		}
	}

	n, err := writeFile(path, io.LimitReader(body, r.Length))
	if err != nil {
		return n, err
	}
	if n != r.Length {
		return n, fmt.Errorf("byte range %s of %s: got %d bytes", r, uri, n)
	}
	return n, nil
}

func writeFile(path string, src io.Reader) (int64, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("failed to create file: %w", err)
	}

	n, err := io.Copy(f, src)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, fmt.Errorf("failed to write file: %w", err)
	}
	return n, nil
}

// assemble concatenates parts into output via a temporary ".part" file that is renamed
// into place once complete.
func assemble(ctx context.Context, output string, parts []string) (total int64, err error) {
	tmp := output + ".part"
	out, err := os.Create(tmp)
	if err != nil {
		return 0, fmt.Errorf("create output: %w", err)
	}
	defer func() {
		if err != nil {
			out.Close()
			os.Remove(tmp)
		}
	}()

	for _, part := range parts {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := appendFile(out, part)
		total += n
		if err != nil {
			return total, err
		}
	}

	if err := out.Close(); err != nil {
		return total, fmt.Errorf("close output: %w", err)
	}
	if err := os.Rename(tmp, output); err != nil {
		return total, fmt.Errorf("rename output: %w", err)
	}
	return total, nil
}

func appendFile(dst io.Writer, path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open segment: %w", err)
	}
	defer f.Close()

	n, err := io.Copy(dst, f)
	if err != nil {
		return n, fmt.Errorf("append segment: %w", err)
	}
	return n, nil
}
