// Package anchor maps a live playlist's sequence numbers onto wall-clock time.
//
// An Anchor is only valid for the fetch it was derived from: the live window keeps
// rolling, so anchors are built per request and never cached.
package anchor

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/agleyzer/hlsclip/internal/manifest"
)

// ErrResolutionFailed is returned when no anchor can be derived from a playlist.
var ErrResolutionFailed = errors.New("anchor resolution failed")

// DefaultDrift is the assumed per-segment deviation from the nominal duration
// used to size the uncertainty of approximate anchors.
const DefaultDrift = 0.01

// Kind tells how an anchor was obtained.
type Kind int

const (
	// Exact anchors come from an EXT-X-PROGRAM-DATE-TIME tag.
	Exact Kind = iota + 1
	// Approximate anchors are inferred from the fetch time and nominal durations.
	Approximate
)

func (k Kind) String() string {
	switch k {
	case Exact:
		return "exact"
	case Approximate:
		return "approximate"
	default:
		return "unknown"
	}
}

// Anchor pairs a sequence number with the UTC instant its segment starts.
type Anchor struct {
	Kind     Kind
	Sequence uint64
	Instant  time.Time

	// NominalDuration is the per-segment step used to walk away from Sequence.
	NominalDuration time.Duration

	// Uncertainty bounds how far Instant may be off. Zero for exact anchors.
	Uncertainty time.Duration

	// First and Last are the sequence numbers listed by the fetch the anchor came from.
	First uint64
	Last  uint64

	FetchedAt time.Time
}

// InstantOf returns the estimated start time of seq.
func (a Anchor) InstantOf(seq uint64) time.Time {
	steps := int64(seq) - int64(a.Sequence)
	return a.Instant.Add(time.Duration(steps) * a.NominalDuration)
}

func (a Anchor) String() string {
	return fmt.Sprintf("%s anchor: segment %d = %s (±%s, step %s)",
		a.Kind, a.Sequence, a.Instant.UTC().Format(time.RFC3339Nano), a.Uncertainty, a.NominalDuration)
}

// Options tunes approximate anchoring.
type Options struct {
	// Lag is how far the start of the last listed segment trails the fetch instant.
	// Zero means one nominal duration.
	Lag time.Duration

	// Drift is the fraction of a nominal duration each segment may deviate by.
	// Zero means DefaultDrift.
	Drift float64

	// SegmentDuration overrides the nominal duration derived from the playlist.
	SegmentDuration time.Duration
}

// Resolve derives an anchor from a playlist fetched at fetchInstant.
//
// If any segment carries a program-date-time the first such segment is used directly.
// Otherwise the last listed segment is assumed to start Lag before fetchInstant and the
// playlist's first sequence number is reached by walking back in nominal steps. The
// uncertainty is Lag plus Drift of the nominal duration of every listed segment, so it
// grows with manifest length.
func Resolve(p *manifest.Playlist, fetchInstant time.Time, opts Options) (Anchor, error) {
	if p == nil || p.Len() == 0 {
		return Anchor{}, fmt.Errorf("%w: playlist has no segments", ErrResolutionFailed)
	}

	nominal := opts.SegmentDuration
	if nominal <= 0 {
		nominal = p.NominalDuration()
	}
	if nominal <= 0 {
		return Anchor{}, fmt.Errorf("%w: cannot determine nominal segment duration", ErrResolutionFailed)
	}

	a := Anchor{
		NominalDuration: nominal,
		First:           p.First(),
		Last:            p.Last(),
		FetchedAt:       fetchInstant,
	}

	for _, seg := range p.Segments {
		if seg.HasTimestamp() {
			a.Kind = Exact
			a.Sequence = seg.Sequence
			a.Instant = seg.ProgramDateTime.UTC()
			return a, nil
		}
	}

	if fetchInstant.IsZero() {
		return Anchor{}, fmt.Errorf("%w: no program-date-time and no fetch instant", ErrResolutionFailed)
	}

	lag := opts.Lag
	if lag <= 0 {
		lag = nominal
	}
	drift := opts.Drift
	if drift <= 0 {
		drift = DefaultDrift
	}

	walked := p.Last() - p.First()
	lastStart := fetchInstant.Add(-lag)

	a.Kind = Approximate
	a.Sequence = p.First()
	a.Instant = lastStart.Add(-time.Duration(walked) * nominal).UTC()
	a.Uncertainty = lag + time.Duration(math.Round(float64(p.Len())*float64(nominal)*drift))

	return a, nil
}
