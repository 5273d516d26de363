package rendition

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os/exec"
	"strings"
)

// Runner executes an external command and returns its stdout.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

// YTDLP resolves renditions by asking yt-dlp for the stream's format list.
type YTDLP struct {
	path   string
	run    Runner
	logger *slog.Logger
}

// NewYTDLP creates a yt-dlp backed resolver. An empty path means "yt-dlp" on PATH.
func NewYTDLP(path string, logger *slog.Logger) *YTDLP {
	if path == "" {
		path = "yt-dlp"
	}
	return &YTDLP{path: path, run: execRunner, logger: logger}
}

// WithRunner replaces the command runner, mainly for tests.
func (y *YTDLP) WithRunner(run Runner) *YTDLP {
	y.run = run
	return y
}

type ytFormat struct {
	FormatID    string  `json:"format_id"`
	FormatNote  string  `json:"format_note"`
	Protocol    string  `json:"protocol"`
	URL         string  `json:"url"`
	ManifestURL string  `json:"manifest_url"`
	Width       int     `json:"width"`
	Height      int     `json:"height"`
	TBR         float64 `json:"tbr"`
	VCodec      string  `json:"vcodec"`
	ACodec      string  `json:"acodec"`
}

type ytInfo struct {
	ID         string     `json:"id"`
	Title      string     `json:"title"`
	IsLive     bool       `json:"is_live"`
	LiveStatus string     `json:"live_status"`
	Formats    []ytFormat `json:"formats"`
}

// Renditions lists every format yt-dlp reports for the stream.
func (y *YTDLP) Renditions(ctx context.Context, streamID string) ([]Rendition, error) {
	out, err := y.run(ctx, y.path, "-J", "--no-warnings", "--no-playlist", streamID)
	if err != nil {
		return nil, fmt.Errorf("yt-dlp failed for %s: %w", streamID, err)
	}

	var info ytInfo
	if err := json.Unmarshal(out, &info); err != nil {
		return nil, fmt.Errorf("failed to parse yt-dlp output: %w", err)
	}

	if !info.IsLive {
		y.logger.Warn("stream is not reported as live", "stream", streamID, "live_status", info.LiveStatus)
	}

	renditions := make([]Rendition, 0, len(info.Formats))
	for _, f := range info.Formats {
		if f.FormatID == "" {
			continue
		}

		r := Rendition{
			StreamID:    streamID,
			Selector:    f.FormatID,
			ManifestURL: f.URL,
			Delivery:    deliveryFromProtocol(f.Protocol),
			Bandwidth:   int(f.TBR * 1000),
			Codecs:      joinCodecs(f.VCodec, f.ACodec),
			Note:        f.FormatNote,
		}
		if f.Width > 0 && f.Height > 0 {
			r.Resolution = fmt.Sprintf("%dx%d", f.Width, f.Height)
		}
		renditions = append(renditions, r)
	}

	if len(renditions) == 0 {
		return nil, fmt.Errorf("%w: yt-dlp reported no formats for %s", ErrNotFound, streamID)
	}

	y.logger.Debug("listed renditions", "stream", streamID, "title", info.Title, "count", len(renditions))
	return renditions, nil
}

// deliveryFromProtocol maps yt-dlp protocol names onto delivery modes.
func deliveryFromProtocol(protocol string) DeliveryMode {
	p := strings.ToLower(protocol)
	switch {
	case strings.HasPrefix(p, "m3u8"):
		return DeliveryHLS
	case strings.Contains(p, "dash"):
		return DeliveryDASH
	case p == "http" || p == "https":
		return DeliveryProgressive
	default:
		return DeliveryUnknown
	}
}

func joinCodecs(vcodec, acodec string) string {
	var codecs []string
	for _, c := range []string{vcodec, acodec} {
		if c != "" && c != "none" {
			codecs = append(codecs, c)
		}
	}
	return strings.Join(codecs, ",")
}

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	out, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && stderr.Len() > 0 {
			return nil, fmt.Errorf("%w: %s", err, strings.TrimSpace(lastLine(stderr.String())))
		}
		return nil, err
	}
	return out, nil
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}

// Auto routes playlist URLs to an HLS resolver and everything else (watch pages) to a
// fallback resolver such as yt-dlp.
type Auto struct {
	HLS      Resolver
	Fallback Resolver
}

// Renditions implements Resolver.
func (a Auto) Renditions(ctx context.Context, streamID string) ([]Rendition, error) {
	if a.Fallback == nil || IsPlaylistURL(streamID) {
		return a.HLS.Renditions(ctx, streamID)
	}
	return a.Fallback.Renditions(ctx, streamID)
}

// IsPlaylistURL reports whether s is an http(s) URL whose path ends in .m3u8.
func IsPlaylistURL(s string) bool {
	u, err := url.Parse(s)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return false
	}
	return strings.HasSuffix(strings.ToLower(u.Path), ".m3u8")
}
