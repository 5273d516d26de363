// Package window converts requested time ranges into inclusive ranges of segment sequence numbers.
package window

import (
	"errors"
	"fmt"
	"time"

	"github.com/agleyzer/hlsclip/internal/anchor"
)

// DefaultBuffer is added on each side of a requested time range. It absorbs approximate
// anchoring error and the latency between fetching the manifest and using the result.
const DefaultBuffer = 60 * time.Second

var (
	// ErrOutOfRange is returned when a computed bound is not listed by the live playlist.
	ErrOutOfRange = errors.New("segment window out of range")

	// ErrEmpty is returned when a window would contain no segments.
	ErrEmpty = errors.New("empty segment window")
)

// Mode tells how a window was obtained.
type Mode int

const (
	// ModeTime windows are computed from a UTC range and an anchor.
	ModeTime Mode = iota + 1
	// ModeSequence windows are given explicitly by the caller.
	ModeSequence
)

func (m Mode) String() string {
	switch m {
	case ModeTime:
		return "time"
	case ModeSequence:
		return "sequence"
	default:
		return "unknown"
	}
}

// Window is an inclusive range of sequence numbers, Start <= End.
type Window struct {
	Start uint64
	End   uint64
	Mode  Mode

	// StartUTC and EndUTC are the requested range in time mode.
	StartUTC time.Time
	EndUTC   time.Time

	// Buffer is the requested padding; EffectiveBuffer is what was applied after
	// widening for anchor uncertainty.
	Buffer          time.Duration
	EffectiveBuffer time.Duration

	// Anchor is the mapping the window was computed from; nil in sequence mode.
	Anchor *anchor.Anchor
}

// Len returns the number of segments in the window.
func (w Window) Len() int {
	return int(w.End-w.Start) + 1
}

// Contains reports whether seq lies inside the window.
func (w Window) Contains(seq uint64) bool {
	return seq >= w.Start && seq <= w.End
}

func (w Window) String() string {
	if w.Mode == ModeTime {
		return fmt.Sprintf("segments %d-%d (%s to %s, buffer %s)", w.Start, w.End,
			w.StartUTC.UTC().Format(time.RFC3339), w.EndUTC.UTC().Format(time.RFC3339), w.EffectiveBuffer)
	}
	return fmt.Sprintf("segments %d-%d", w.Start, w.End)
}

// OutOfRangeError names the unsatisfiable bound(s) and by how much they miss the
// sequence numbers listed by the live playlist. Window holds the unclamped result.
type OutOfRangeError struct {
	Window Window

	// First and Last are the sequence numbers the live playlist listed.
	First uint64
	Last  uint64

	// Evicted is how many requested segments precede First.
	Evicted uint64
	// Pending is how many requested segments follow Last.
	Pending uint64

	Nominal time.Duration
}

func (e *OutOfRangeError) Error() string {
	msg := fmt.Sprintf("segment window %d-%d outside live playlist %d-%d", e.Window.Start, e.Window.End, e.First, e.Last)
	if e.Evicted > 0 {
		msg += fmt.Sprintf("; start bound %d segments (%s) already evicted", e.Evicted, time.Duration(e.Evicted)*e.Nominal)
	}
	if e.Pending > 0 {
		msg += fmt.Sprintf("; end bound %d segments (%s) not yet produced", e.Pending, time.Duration(e.Pending)*e.Nominal)
	}
	return msg
}

// Is matches ErrOutOfRange.
func (e *OutOfRangeError) Is(target error) bool {
	return target == ErrOutOfRange
}

// Compute resolves [startUTC-buffer, endUTC+buffer] to sequence numbers using the anchor:
//
//	startSeq = anchor.Sequence + floor((startUTC - buffer - anchor.Instant) / nominal)
//	endSeq   = anchor.Sequence + ceil((endUTC + buffer - anchor.Instant) / nominal)
//
// A buffer smaller than twice the anchor's uncertainty is widened to it. Bounds are never
// clamped: if either falls outside the playlist the anchor was taken from, the window is
// returned together with an *OutOfRangeError.
func Compute(a anchor.Anchor, startUTC, endUTC time.Time, buffer time.Duration) (Window, error) {
	if buffer < 0 {
		return Window{}, fmt.Errorf("buffer must not be negative, got %s", buffer)
	}
	if a.NominalDuration <= 0 {
		return Window{}, fmt.Errorf("%w: anchor has no nominal duration", anchor.ErrResolutionFailed)
	}
	if endUTC.Before(startUTC) {
		return Window{}, fmt.Errorf("%w: end %s is before start %s", ErrEmpty,
			endUTC.UTC().Format(time.RFC3339), startUTC.UTC().Format(time.RFC3339))
	}

	effective := buffer
	if minimum := 2 * a.Uncertainty; effective < minimum {
		effective = minimum
	}

	nominal := int64(a.NominalDuration)
	offsetStart := int64(startUTC.Add(-effective).Sub(a.Instant))
	offsetEnd := int64(endUTC.Add(effective).Sub(a.Instant))

	startSeq := int64(a.Sequence) + floorDiv(offsetStart, nominal)
	endSeq := int64(a.Sequence) + ceilDiv(offsetEnd, nominal)

	if startSeq > endSeq {
		return Window{}, fmt.Errorf("%w: computed start %d is after end %d", ErrEmpty, startSeq, endSeq)
	}

	anchorCopy := a
	w := Window{
		Start:           uint64(max(startSeq, 0)),
		End:             uint64(max(endSeq, 0)),
		Mode:            ModeTime,
		StartUTC:        startUTC,
		EndUTC:          endUTC,
		Buffer:          buffer,
		EffectiveBuffer: effective,
		Anchor:          &anchorCopy,
	}

	oor := &OutOfRangeError{Window: w, First: a.First, Last: a.Last, Nominal: a.NominalDuration}
	if startSeq < int64(a.First) {
		oor.Evicted = uint64(int64(a.First) - startSeq)
	}
	if endSeq > int64(a.Last) {
		oor.Pending = uint64(endSeq - int64(a.Last))
	}
	if oor.Evicted > 0 || oor.Pending > 0 {
		return w, oor
	}

	return w, nil
}

// FromSequences builds a window from explicit sequence numbers, bypassing time anchoring.
func FromSequences(start, end uint64) (Window, error) {
	if start > end {
		return Window{}, fmt.Errorf("%w: start %d is after end %d", ErrEmpty, start, end)
	}
	return Window{Start: start, End: end, Mode: ModeSequence}, nil
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}

func ceilDiv(a, b int64) int64 {
	q := a / b
	if a%b != 0 && (a < 0) == (b < 0) {
		q++
	}
	return q
}
