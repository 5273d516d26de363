package rendition

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/agleyzer/hlsclip/internal/transport"
	"github.com/grafov/m3u8"
	"github.com/hashicorp/go-retryablehttp"
)

// maxManifestBytes bounds manifest bodies; live media playlists are a few hundred KiB at most.
var maxManifestBytes int64 = 16 << 20

// Master resolves renditions from an HLS master playlist URL. A media playlist URL
// yields a single rendition with selector "0".
type Master struct {
	client *retryablehttp.Client
	logger *slog.Logger
}

// NewMaster creates a master playlist resolver.
func NewMaster(client *retryablehttp.Client, logger *slog.Logger) *Master {
	return &Master{client: client, logger: logger}
}

// Renditions fetches the playlist at streamID and lists its variants.
func (m *Master) Renditions(ctx context.Context, streamID string) ([]Rendition, error) {
	resp, err := transport.Get(ctx, m.client, streamID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch master playlist: %w", err)
	}
	defer resp.Body.Close()

	body, err := transport.ReadLimited(resp.Body, maxManifestBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to read master playlist: %w", err)
	}

	switch mode := Sniff(body); mode {
	case DeliveryHLS:
	case DeliveryDASH:
		return []Rendition{{
			StreamID:    streamID,
			Selector:    "0",
			ManifestURL: streamID,
			Delivery:    DeliveryDASH,
		}}, nil
	default:
		return nil, fmt.Errorf("%s does not look like a playlist", streamID)
	}

	playlist, listType, err := m3u8.DecodeFrom(bytes.NewReader(body), true)
	if err != nil {
		return nil, fmt.Errorf("failed to parse master playlist: %w", err)
	}

	if listType == m3u8.MEDIA {
		m.logger.Debug("stream is a media playlist, using it as the only rendition", "url", streamID)
		return []Rendition{{
			StreamID:    streamID,
			Selector:    "0",
			ManifestURL: streamID,
			Delivery:    DeliveryHLS,
		}}, nil
	}

	masterPlaylist, ok := playlist.(*m3u8.MasterPlaylist)
	if !ok {
		return nil, fmt.Errorf("unexpected playlist type")
	}

	var renditions []Rendition
	for i, v := range masterPlaylist.Variants {
		if v == nil || v.Iframe {
			continue
		}

		variantURL, err := transport.ResolveURL(streamID, v.URI)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve variant URL: %w", err)
		}

		renditions = append(renditions, Rendition{
			StreamID:    streamID,
			Selector:    strconv.Itoa(i),
			ManifestURL: variantURL,
			Delivery:    DeliveryHLS,
			Bandwidth:   int(v.Bandwidth),
			Resolution:  v.Resolution,
			Codecs:      v.Codecs,
		})
	}

	if len(renditions) == 0 {
		return nil, fmt.Errorf("master playlist contains no variants")
	}

	return renditions, nil
}
