// Package playlist synthesizes static playlists restricted to a resolved segment window.
package playlist

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/agleyzer/hlsclip/internal/manifest"
	"github.com/agleyzer/hlsclip/internal/rendition"
	"github.com/agleyzer/hlsclip/internal/segment"
	"github.com/agleyzer/hlsclip/internal/window"
)

// DefaultRetries is how many extra manifest fetches are made while waiting for
// segments that have not been produced yet.
const DefaultRetries = 5

// Source returns a fresh snapshot of a rendition's live playlist on every call.
type Source interface {
	Fetch(ctx context.Context, r *rendition.Rendition) (*manifest.Playlist, error)
}

// Synthesizer intersects a window with the live playlist as it is at call time.
type Synthesizer struct {
	source  Source
	retries int
	logger  *slog.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewSynthesizer creates a synthesizer that refetches from source. A negative
// retries value disables waiting for segments that are not yet produced.
func NewSynthesizer(source Source, retries int, logger *slog.Logger) *Synthesizer {
	if retries < 0 {
		retries = 0
	}
	return &Synthesizer{
		source:  source,
		retries: retries,
		logger:  logger,
		sleep:   sleepContext,
	}
}

// Synthesize refetches the live playlist and returns a static playlist holding exactly
// the segments of w that are still retrievable, in sequence order with their original
// durations. Requested segments already evicted are recorded in the warning. Segments
// past the newest listed one are waited for with backoff until the retry budget runs out,
// then recorded as not yet produced. A media sequence that moves backwards between the
// anchoring fetch and any refetch fails with manifest.ErrStreamRestarted.
func (s *Synthesizer) Synthesize(ctx context.Context, r *rendition.Rendition, w window.Window) (*manifest.Playlist, *segment.PartialWindowWarning, error) {
	if w.Start > w.End {
		return nil, nil, fmt.Errorf("%w: start %d is after end %d", window.ErrEmpty, w.Start, w.End)
	}

	var prev *manifest.Playlist
	if w.Anchor != nil {
		prev = &manifest.Playlist{MediaSequence: w.Anchor.First}
	}

	collected := make(map[uint64]segment.Segment)
	var latest *manifest.Playlist
	var initURI string
	var initRange segment.ByteRange

	for attempt := 0; ; attempt++ {
		p, err := s.source.Fetch(ctx, r)
		if err != nil {
			return nil, nil, fmt.Errorf("refetch live playlist: %w", err)
		}
		if err := manifest.CheckProgress(prev, p); err != nil {
			return nil, nil, err
		}
		prev, latest = p, p

		if initURI == "" {
			initURI, initRange = p.InitURI, p.InitRange
		}
		for _, seg := range p.Segments {
			if w.Contains(seg.Sequence) {
				collected[seg.Sequence] = seg
			}
		}

		s.logger.Debug("intersected window with live playlist",
			"attempt", attempt,
			"window", w.String(),
			"first", p.First(),
			"last", p.Last(),
			"collected", len(collected),
		)

		if p.Len() > 0 && w.End <= p.Last() {
			break
		}
		if p.Ended {
			s.logger.Info("live playlist ended before window end", "last", p.Last(), "end", w.End)
			break
		}
		if attempt >= s.retries {
			break
		}

		wait := Backoff(p.NominalDuration(), attempt)
		s.logger.Info("waiting for segments not yet produced",
			"newest", p.Last(),
			"end", w.End,
			"attempt", attempt+1,
			"wait", wait,
		)
		if err := s.sleep(ctx, wait); err != nil {
			return nil, nil, err
		}
	}

	warning := &segment.PartialWindowWarning{RequestedStart: w.Start, RequestedEnd: w.End}
	segments := make([]segment.Segment, 0, len(collected))
	for _, seg := range collected {
		segments = append(segments, seg)
	}
	sort.Slice(segments, func(i, j int) bool { return segments[i].Sequence < segments[j].Sequence })

	recordMissing(warning, w, segments, latest)

	if len(segments) == 0 {
		return nil, warning, fmt.Errorf("%w: none of segments %d-%d are listed by the live playlist (%d-%d)",
			window.ErrEmpty, w.Start, w.End, latest.First(), latest.Last())
	}

	out := &manifest.Playlist{
		URL:            latest.URL,
		FetchedAt:      latest.FetchedAt,
		MediaSequence:  segments[0].Sequence,
		TargetDuration: latest.TargetDuration,
		Segments:       segments,
		InitURI:        initURI,
		InitRange:      initRange,
		Ended:          true,
	}
	for _, seg := range segments {
		if seg.Duration > out.TargetDuration {
			out.TargetDuration = seg.Duration
		}
	}

	if !warning.Empty() {
		s.logger.Warn("partial window", "warning", warning.String())
	}

	return out, warning, nil
}

// recordMissing adds every sequence of w absent from segments to warning. Sequences
// below the newest listed one are evicted, the rest were never produced.
func recordMissing(warning *segment.PartialWindowWarning, w window.Window, segments []segment.Segment, latest *manifest.Playlist) {
	i := 0
	for seq := w.Start; ; seq++ {
		if i < len(segments) && segments[i].Sequence == seq {
			i++
		} else if latest.Len() > 0 && seq <= latest.Last() {
			warning.Add(seq, segment.Evicted, fmt.Sprintf("oldest listed is %d", latest.First()))
		} else {
			warning.Add(seq, segment.NotYetProduced, fmt.Sprintf("newest listed is %d", latest.Last()))
		}
		if seq == w.End {
			return
		}
	}
}

// Backoff returns the wait before retry attempt+1: nominal doubled per attempt, capped
// at four nominal durations. A non-positive nominal is treated as one second.
func Backoff(nominal time.Duration, attempt int) time.Duration {
	if nominal <= 0 {
		nominal = time.Second
	}
	wait := nominal
	for i := 0; i < attempt && wait < 4*nominal; i++ {
		wait *= 2
	}
	return min(wait, 4*nominal)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
