// Package segment defines data structures for HLS media segments taken from a live playlist.
package segment

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Segment represents a single HLS media segment as listed by one manifest fetch.
type Segment struct {
	// Sequence is the media sequence number of the segment within the fetch it came from.
	// It is not a stable identifier across fetches of a rolling live playlist.
	Sequence uint64

	// URI is the absolute segment URL
	URI string

	// Duration is the EXTINF duration in seconds
	Duration float64

	// ProgramDateTime is the absolute start time of the segment.
	// Zero when the manifest carries no EXT-X-PROGRAM-DATE-TIME for it.
	ProgramDateTime time.Time

	// Range is the EXT-X-BYTERANGE sub-range of URI; zero means the whole resource.
	Range ByteRange
}

// ByteRange is a sub-range of a resource: Length bytes starting at Offset.
type ByteRange struct {
	Length int64
	Offset int64
}

// IsZero reports whether the range covers the whole resource.
func (r ByteRange) IsZero() bool {
	return r.Length <= 0
}

// End returns the offset just past the range.
func (r ByteRange) End() int64 {
	return r.Offset + r.Length
}

func (r ByteRange) String() string {
	if r.IsZero() {
		return "whole"
	}
	return fmt.Sprintf("%d@%d", r.Length, r.Offset)
}

// HasTimestamp reports whether the segment carries an absolute program-date-time.
func (s Segment) HasTimestamp() bool {
	return !s.ProgramDateTime.IsZero()
}

// Reason explains why a requested segment is absent from a delivered range.
type Reason int

const (
	// Evicted means the segment already rolled out of the front of the DVR window.
	Evicted Reason = iota + 1
	// NotYetProduced means the segment was still in the future after the retry budget ran out.
	NotYetProduced
	// FetchFailed means the segment was listed but could not be retrieved.
	FetchFailed
)

func (r Reason) String() string {
	switch r {
	case Evicted:
		return "evicted"
	case NotYetProduced:
		return "not-yet-produced"
	case FetchFailed:
		return "fetch-failed"
	default:
		return "unknown"
	}
}

// MarshalText lets reasons render as words in JSON events and API responses.
func (r Reason) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// Missing records one requested sequence number that is not part of the output.
type Missing struct {
	Sequence uint64 `json:"sequence"`
	Reason   Reason `json:"reason"`
	Detail   string `json:"detail,omitempty"`
}

// PartialWindowWarning is the non-fatal outcome of delivering less than the requested range.
type PartialWindowWarning struct {
	RequestedStart uint64    `json:"requested_start"`
	RequestedEnd   uint64    `json:"requested_end"`
	Missing        []Missing `json:"missing,omitempty"`
}

// Empty reports whether every requested segment was delivered.
func (w *PartialWindowWarning) Empty() bool {
	return w == nil || len(w.Missing) == 0
}

// Add records a missing sequence number.
func (w *PartialWindowWarning) Add(seq uint64, reason Reason, detail string) {
	w.Missing = append(w.Missing, Missing{Sequence: seq, Reason: reason, Detail: detail})
}

// Merge appends the missing entries of other and keeps the list ordered by sequence.
func (w *PartialWindowWarning) Merge(other *PartialWindowWarning) {
	if other.Empty() {
		return
	}
	w.Missing = append(w.Missing, other.Missing...)
	sort.SliceStable(w.Missing, func(i, j int) bool {
		return w.Missing[i].Sequence < w.Missing[j].Sequence
	})
}

// Count returns the number of missing segments with the given reason.
func (w *PartialWindowWarning) Count(reason Reason) int {
	if w == nil {
		return 0
	}
	n := 0
	for _, m := range w.Missing {
		if m.Reason == reason {
			n++
		}
	}
	return n
}

// String summarises the warning as contiguous runs, e.g. "100-104 evicted, 230 fetch-failed".
func (w *PartialWindowWarning) String() string {
	if w.Empty() {
		return fmt.Sprintf("segments %d-%d complete", w.RequestedStart, w.RequestedEnd)
	}

	var parts []string
	runStart := w.Missing[0]
	prev := w.Missing[0]
	flush := func() {
		if runStart.Sequence == prev.Sequence {
			parts = append(parts, fmt.Sprintf("%d %s", prev.Sequence, prev.Reason))
		} else {
			parts = append(parts, fmt.Sprintf("%d-%d %s", runStart.Sequence, prev.Sequence, prev.Reason))
		}
	}
	for _, m := range w.Missing[1:] {
		if m.Reason == prev.Reason && m.Sequence == prev.Sequence+1 {
			prev = m
			continue
		}
		flush()
		runStart, prev = m, m
	}
	flush()

	return fmt.Sprintf("partial window %d-%d: %d missing (%s)",
		w.RequestedStart, w.RequestedEnd, len(w.Missing), strings.Join(parts, ", "))
}
