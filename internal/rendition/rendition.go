// Package rendition describes the encoded variants of a live stream and how they are delivered.
package rendition

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

var (
	// ErrNotFound is returned when no rendition matches a selector.
	ErrNotFound = errors.New("rendition not found")

	// ErrUnsupportedDeliveryMode is returned for renditions that cannot be partially retrieved.
	ErrUnsupportedDeliveryMode = errors.New("unsupported delivery mode")
)

// DeliveryMode tells how a rendition's media is published.
type DeliveryMode int

const (
	DeliveryUnknown DeliveryMode = iota
	// DeliveryHLS is a segmented HLS media playlist; segments are independently addressable.
	DeliveryHLS
	// DeliveryDASH is an MPEG-DASH manifest.
	DeliveryDASH
	// DeliveryProgressive is a single-file download.
	DeliveryProgressive
)

func (d DeliveryMode) String() string {
	switch d {
	case DeliveryHLS:
		return "hls"
	case DeliveryDASH:
		return "dash"
	case DeliveryProgressive:
		return "progressive"
	default:
		return "unknown"
	}
}

// SegmentAddressable reports whether a window of the stream can be fetched segment by segment.
func (d DeliveryMode) SegmentAddressable() bool {
	return d == DeliveryHLS
}

// Rendition is one encoded variant of a live stream.
type Rendition struct {
	// StreamID is the live stream the rendition belongs to (page URL or master playlist URL)
	StreamID string

	// Selector identifies the rendition within the stream (format id or variant index)
	Selector string

	// ManifestURL is the media playlist URL. Live manifest URLs can expire and are
	// re-derived through a Resolver when they do.
	ManifestURL string

	Delivery DeliveryMode

	// Bandwidth is the peak bitrate in bits per second
	Bandwidth int

	// Resolution is the video resolution (e.g. "1280x720"), empty when unknown
	Resolution string

	Codecs string

	// Note is a free-form label such as "720p" or "audio only"
	Note string
}

// Check fails with a *DeliveryError when the rendition is not segment-addressable.
func (r Rendition) Check() error {
	if !r.Delivery.SegmentAddressable() {
		return &DeliveryError{Rendition: r}
	}
	return nil
}

// Height returns the vertical resolution, or 0 when unknown.
func (r Rendition) Height() int {
	_, h, ok := strings.Cut(r.Resolution, "x")
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(h)
	if err != nil {
		return 0
	}
	return n
}

// DeliveryError reports a rendition whose delivery mode cannot be partially retrieved.
type DeliveryError struct {
	Rendition Rendition
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("rendition %q of %s is delivered as %s, which is not segment-addressable",
		e.Rendition.Selector, e.Rendition.StreamID, e.Rendition.Delivery)
}

// Is matches ErrUnsupportedDeliveryMode.
func (e *DeliveryError) Is(target error) bool {
	return target == ErrUnsupportedDeliveryMode
}

// Resolver lists the renditions available for a stream.
type Resolver interface {
	Renditions(ctx context.Context, streamID string) ([]Rendition, error)
}

// Resolve lists the renditions of a stream and picks the one matching selector.
func Resolve(ctx context.Context, r Resolver, streamID, selector string) (Rendition, error) {
	list, err := r.Renditions(ctx, streamID)
	if err != nil {
		return Rendition{}, err
	}
	return Select(list, selector)
}

// Select picks a rendition. Selectors, in order of precedence:
//   - an exact Selector match (format id or variant index)
//   - "best" or "" for the highest bandwidth, "worst" for the lowest
//   - "<height>p" (e.g. "720p") or "WxH" (e.g. "1280x720")
//
// best and worst prefer segment-addressable renditions.
func Select(list []Rendition, selector string) (Rendition, error) {
	if len(list) == 0 {
		return Rendition{}, fmt.Errorf("%w: stream has no renditions", ErrNotFound)
	}

	for _, r := range list {
		if r.Selector == selector {
			return r, nil
		}
	}

	sel := strings.ToLower(strings.TrimSpace(selector))
	switch sel {
	case "", "best", "worst":
		ranked := rank(list)
		if sel == "worst" {
			for i := len(ranked) - 1; i >= 0; i-- {
				if ranked[i].Delivery.SegmentAddressable() {
					return ranked[i], nil
				}
			}
			return ranked[len(ranked)-1], nil
		}
		for _, r := range ranked {
			if r.Delivery.SegmentAddressable() {
				return r, nil
			}
		}
		return ranked[0], nil
	}

	if h, ok := strings.CutSuffix(sel, "p"); ok {
		if height, err := strconv.Atoi(h); err == nil {
			for _, r := range rank(list) {
				if r.Height() == height && r.Delivery.SegmentAddressable() {
					return r, nil
				}
			}
		}
	}

	for _, r := range list {
		if strings.EqualFold(r.Resolution, sel) {
			return r, nil
		}
	}

	return Rendition{}, fmt.Errorf("%w: no rendition matches %q (%d available)", ErrNotFound, selector, len(list))
}

// rank orders renditions by descending bandwidth, keeping listing order for ties.
func rank(list []Rendition) []Rendition {
	ranked := make([]Rendition, len(list))
	copy(ranked, list)
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Bandwidth > ranked[j].Bandwidth
	})
	return ranked
}

// Sniff guesses the delivery mode of a manifest body.
func Sniff(body []byte) DeliveryMode {
	trimmed := bytes.TrimSpace(bytes.TrimPrefix(body, []byte("\xef\xbb\xbf")))
	switch {
	case bytes.HasPrefix(trimmed, []byte("#EXTM3U")):
		return DeliveryHLS
	case bytes.HasPrefix(trimmed, []byte("<?xml")), bytes.HasPrefix(trimmed, []byte("<MPD")):
		if bytes.Contains(trimmed, []byte("<MPD")) {
			return DeliveryDASH
		}
	}
	return DeliveryUnknown
}
