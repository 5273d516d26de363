package manifest

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/agleyzer/hlsclip/internal/rendition"
	"github.com/agleyzer/hlsclip/internal/segment"
	"github.com/agleyzer/hlsclip/internal/transport"
	"github.com/grafov/m3u8"
	"github.com/hashicorp/go-retryablehttp"
)

// maxManifestBytes bounds playlist bodies; larger ones are rejected, never truncated.
var maxManifestBytes int64 = 16 << 20

// Fetcher retrieves media playlists for a rendition. It keeps no state between calls;
// every Fetch is a fresh snapshot.
type Fetcher struct {
	client   *retryablehttp.Client
	resolver rendition.Resolver
	logger   *slog.Logger
	now      func() time.Time
}

// NewFetcher creates a fetcher. resolver is used to re-derive expired manifest URLs and may be nil.
func NewFetcher(client *retryablehttp.Client, resolver rendition.Resolver, logger *slog.Logger) *Fetcher {
	return &Fetcher{
		client:   client,
		resolver: resolver,
		logger:   logger,
		now:      time.Now,
	}
}

// Fetch retrieves the current media playlist of r. Renditions that are not segment-addressable
// fail with ErrFormatUnsupported before any request is made. When the manifest URL is missing
// or has expired (403/404/410) it is re-derived once through the resolver and r is updated.
func (f *Fetcher) Fetch(ctx context.Context, r *rendition.Rendition) (*Playlist, error) {
	if err := r.Check(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFormatUnsupported, err)
	}

	if r.ManifestURL == "" {
		if err := f.rederive(ctx, r); err != nil {
			return nil, err
		}
	}

	p, err := f.fetchURL(ctx, r.ManifestURL)
	if err != nil && transport.IsGone(err) && f.resolver != nil {
		f.logger.Info("manifest URL expired, re-deriving", "stream", r.StreamID, "rendition", r.Selector, "error", err)
		if rerr := f.rederive(ctx, r); rerr != nil {
			return nil, rerr
		}
		p, err = f.fetchURL(ctx, r.ManifestURL)
	}
	if err != nil {
		return nil, err
	}

	f.logger.Debug("fetched manifest",
		"rendition", r.Selector,
		"first", p.First(),
		"last", p.Last(),
		"segments", p.Len(),
		"targetDuration", p.TargetDuration,
	)

	return p, nil
}

func (f *Fetcher) rederive(ctx context.Context, r *rendition.Rendition) error {
	if f.resolver == nil {
		return fmt.Errorf("%w: rendition %q has no manifest URL", ErrUnavailable, r.Selector)
	}

	fresh, err := rendition.Resolve(ctx, f.resolver, r.StreamID, r.Selector)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	if err := fresh.Check(); err != nil {
		return fmt.Errorf("%w: %w", ErrFormatUnsupported, err)
	}
	if fresh.ManifestURL == "" {
		return fmt.Errorf("%w: rendition %q has no manifest URL", ErrUnavailable, r.Selector)
	}

	r.ManifestURL = fresh.ManifestURL
	return nil
}

// fetchURL fetches and parses one media playlist.
func (f *Fetcher) fetchURL(ctx context.Context, playlistURL string) (*Playlist, error) {
	resp, err := transport.Get(ctx, f.client, playlistURL)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to fetch playlist: %w", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	fetchedAt := f.now()

	body, err := transport.ReadLimited(resp.Body, maxManifestBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read playlist: %w", ErrUnavailable, err)
	}

	if strings.Contains(resp.Header.Get("Content-Type"), "dash+xml") {
		return nil, fmt.Errorf("%w: %s serves an MPEG-DASH manifest", ErrFormatUnsupported, playlistURL)
	}

	switch rendition.Sniff(body) {
	case rendition.DeliveryHLS:
	case rendition.DeliveryDASH:
		return nil, fmt.Errorf("%w: %s serves an MPEG-DASH manifest", ErrFormatUnsupported, playlistURL)
	default:
		return nil, fmt.Errorf("%w: %s is not an HLS playlist", ErrUnavailable, playlistURL)
	}

	p, err := Parse(body, playlistURL)
	if err != nil {
		return nil, err
	}
	p.FetchedAt = fetchedAt

	return p, nil
}

// Parse decodes a media playlist body, resolving segment URIs against playlistURL.
func Parse(body []byte, playlistURL string) (*Playlist, error) {
	playlist, listType, err := m3u8.DecodeFrom(bytes.NewReader(body), true)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to parse playlist: %w", ErrUnavailable, err)
	}

	if listType != m3u8.MEDIA {
		return nil, fmt.Errorf("%w: expected media playlist, got master playlist", ErrUnavailable)
	}

	mediaPlaylist, ok := playlist.(*m3u8.MediaPlaylist)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected playlist type", ErrUnavailable)
	}

	if encrypted(mediaPlaylist.Key) {
		return nil, fmt.Errorf("%w: playlist is encrypted (%s)", ErrFormatUnsupported, mediaPlaylist.Key.Method)
	}

	p := &Playlist{
		URL:           playlistURL,
		MediaSequence: mediaPlaylist.SeqNo,
		Ended:         mediaPlaylist.Closed,
	}

	implied := impliedOffsets(body)
	ranges := 0

	var initMap *m3u8.Map
	if mediaPlaylist.Map != nil {
		initMap = mediaPlaylist.Map
	}

	for i, seg := range mediaPlaylist.Segments {
		if seg == nil {
			break
		}

		if encrypted(seg.Key) {
			return nil, fmt.Errorf("%w: segment %d is encrypted (%s)", ErrFormatUnsupported, mediaPlaylist.SeqNo+uint64(i), seg.Key.Method)
		}
		if initMap == nil && seg.Map != nil {
			initMap = seg.Map
		}

		segmentURL, err := transport.ResolveURL(playlistURL, seg.URI)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to resolve segment URL: %w", ErrUnavailable, err)
		}

		var r segment.ByteRange
		if seg.Limit > 0 {
			r = byteRange(seg, ranges < len(implied) && implied[ranges], segmentURL, p.Segments)
			ranges++
		}

		p.Segments = append(p.Segments, segment.Segment{
			Sequence:        mediaPlaylist.SeqNo + uint64(i),
			URI:             segmentURL,
			Duration:        seg.Duration,
			ProgramDateTime: seg.ProgramDateTime,
			Range:           r,
		})
	}

	if initMap != nil && initMap.URI != "" {
		initURL, err := transport.ResolveURL(playlistURL, initMap.URI)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to resolve init segment URL: %w", ErrUnavailable, err)
		}
		p.InitURI = initURL
		p.InitRange = segment.ByteRange{Length: initMap.Limit, Offset: initMap.Offset}
	}

	p.TargetDuration = mediaPlaylist.TargetDuration
	if p.TargetDuration == 0 {
		// If target duration is not set, use the max segment duration
		maxDuration := 0.0
		for _, seg := range p.Segments {
			if seg.Duration > maxDuration {
				maxDuration = seg.Duration
			}
		}
		p.TargetDuration = float64(int(maxDuration) + 1)
	}

	return p, nil
}

// byteRange returns the sub-range of seg. A BYTERANGE without "@offset" (implied) continues
// where the previous sub-range of the same URI ended; the decoder reports it as offset 0.
func byteRange(seg *m3u8.MediaSegment, implied bool, uri string, prev []segment.Segment) segment.ByteRange {
	r := segment.ByteRange{Length: seg.Limit, Offset: seg.Offset}
	if r.IsZero() {
		return segment.ByteRange{}
	}
	if implied && len(prev) > 0 {
		last := prev[len(prev)-1]
		if !last.Range.IsZero() && last.URI == uri {
			r.Offset = last.Range.End()
		}
	}
	return r
}

// impliedOffsets reports, for each EXT-X-BYTERANGE tag in order, whether it omits the offset.
func impliedOffsets(body []byte) []bool {
	var implied []bool
	for _, line := range strings.Split(string(body), "\n") {
		v, ok := strings.CutPrefix(strings.TrimSpace(line), "#EXT-X-BYTERANGE:")
		if ok {
			implied = append(implied, !strings.Contains(v, "@"))
		}
	}
	return implied
}

func encrypted(key *m3u8.Key) bool {
	return key != nil && key.Method != "" && !strings.EqualFold(key.Method, "NONE")
}
