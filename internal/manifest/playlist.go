// Package manifest fetches live HLS media playlists and exposes each fetch as an immutable snapshot.
package manifest

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/agleyzer/hlsclip/internal/segment"
)

var (
	// ErrUnavailable means the rendition has no retrievable HLS media playlist.
	ErrUnavailable = errors.New("manifest unavailable")

	// ErrFormatUnsupported means the source exists but its segments cannot be
	// independently retrieved (DASH, progressive, encrypted).
	ErrFormatUnsupported = errors.New("manifest format unsupported")

	// ErrStreamRestarted means the media sequence moved backwards between two fetches.
	ErrStreamRestarted = errors.New("stream restarted")
)

// Playlist is one fetch of a live media playlist. It describes the rolling window at
// FetchedAt and must not be reused once a newer snapshot is available.
type Playlist struct {
	// URL is the manifest URL the snapshot was taken from
	URL string

	// FetchedAt is the moment the response arrived
	FetchedAt time.Time

	// MediaSequence is the sequence number of the first listed segment
	MediaSequence uint64

	// TargetDuration is the advertised maximum segment duration in seconds
	TargetDuration float64

	// Segments are ordered by sequence, contiguous from MediaSequence in live fetches
	Segments []segment.Segment

	// InitURI is the absolute EXT-X-MAP URI for fMP4 renditions, empty for MPEG-TS
	InitURI string

	// InitRange is the BYTERANGE of the EXT-X-MAP, zero for the whole resource
	InitRange segment.ByteRange

	// Ended is set when the playlist carried EXT-X-ENDLIST
	Ended bool
}

// Len returns the number of listed segments.
func (p *Playlist) Len() int {
	return len(p.Segments)
}

// First returns the oldest listed sequence number.
func (p *Playlist) First() uint64 {
	return p.MediaSequence
}

// Last returns the newest listed sequence number. It is only meaningful when Len() > 0.
func (p *Playlist) Last() uint64 {
	if len(p.Segments) == 0 {
		return p.MediaSequence
	}
	return p.Segments[len(p.Segments)-1].Sequence
}

// Lookup returns the segment with the given sequence number.
func (p *Playlist) Lookup(seq uint64) (segment.Segment, bool) {
	if len(p.Segments) == 0 || seq < p.First() || seq > p.Last() {
		return segment.Segment{}, false
	}
	if idx := seq - p.First(); idx < uint64(len(p.Segments)) && p.Segments[idx].Sequence == seq {
		return p.Segments[idx], true
	}

	// synthesized playlists may have gaps
	i := sort.Search(len(p.Segments), func(i int) bool { return p.Segments[i].Sequence >= seq })
	if i < len(p.Segments) && p.Segments[i].Sequence == seq {
		return p.Segments[i], true
	}
	return segment.Segment{}, false
}

// NominalDuration is the mean listed segment duration, falling back to the target duration.
func (p *Playlist) NominalDuration() time.Duration {
	if len(p.Segments) == 0 {
		return seconds(p.TargetDuration)
	}

	var total float64
	for _, seg := range p.Segments {
		total += seg.Duration
	}
	if total <= 0 {
		return seconds(p.TargetDuration)
	}
	return seconds(total / float64(len(p.Segments)))
}

// CheckProgress verifies that next does not start before prev. Live windows only roll forward;
// a lower media sequence means the stream restarted and earlier sequence numbers are meaningless.
func CheckProgress(prev, next *Playlist) error {
	if prev == nil || next == nil {
		return nil
	}
	if next.First() < prev.First() {
		return fmt.Errorf("%w: media sequence went from %d to %d", ErrStreamRestarted, prev.First(), next.First())
	}
	return nil
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
