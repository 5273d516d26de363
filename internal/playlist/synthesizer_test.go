package playlist

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/agleyzer/hlsclip/internal/anchor"
	"github.com/agleyzer/hlsclip/internal/logging"
	"github.com/agleyzer/hlsclip/internal/manifest"
	"github.com/agleyzer/hlsclip/internal/rendition"
	"github.com/agleyzer/hlsclip/internal/segment"
	"github.com/agleyzer/hlsclip/internal/window"
	"github.com/grafov/m3u8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSource returns the queued snapshots in order and repeats the last one.
type fakeSource struct {
	snapshots []*manifest.Playlist
	err       error
	calls     int
}

func (f *fakeSource) Fetch(ctx context.Context, r *rendition.Rendition) (*manifest.Playlist, error) {
	if f.err != nil {
		return nil, f.err
	}
	i := min(f.calls, len(f.snapshots)-1)
	f.calls++
	return f.snapshots[i], nil
}

type recordedSleeps struct {
	waits []time.Duration
}

func (r *recordedSleeps) sleep(ctx context.Context, d time.Duration) error {
	r.waits = append(r.waits, d)
	return ctx.Err()
}

func live(first, last uint64) *manifest.Playlist {
	p := &manifest.Playlist{
		URL:            "https://cdn.example.com/live/720p.m3u8",
		FetchedAt:      time.Date(2025, 2, 13, 21, 0, 0, 0, time.UTC),
		MediaSequence:  first,
		TargetDuration: 2,
	}
	for seq := first; seq <= last; seq++ {
		p.Segments = append(p.Segments, segment.Segment{
			Sequence: seq,
			URI:      fmt.Sprintf("https://cdn.example.com/live/seg%d.ts", seq),
			Duration: 2.002,
		})
	}
	return p
}

func newTestSynthesizer(src Source) (*Synthesizer, *recordedSleeps) {
	sleeps := &recordedSleeps{}
	s := NewSynthesizer(src, DefaultRetries, logging.Discard())
	s.sleep = sleeps.sleep
	return s, sleeps
}

func anchored(start, end, first, last uint64) window.Window {
	return window.Window{
		Start: start,
		End:   end,
		Mode:  window.ModeTime,
		Anchor: &anchor.Anchor{
			Kind:            anchor.Exact,
			Sequence:        first,
			NominalDuration: 2 * time.Second,
			First:           first,
			Last:            last,
		},
	}
}

func sequences(p *manifest.Playlist) []uint64 {
	var out []uint64
	for _, seg := range p.Segments {
		out = append(out, seg.Sequence)
	}
	return out
}

func TestSynthesize_FullyAvailable(t *testing.T) {
	src := &fakeSource{snapshots: []*manifest.Playlist{live(100, 130)}}
	s, sleeps := newTestSynthesizer(src)

	p, warning, err := s.Synthesize(context.Background(), &rendition.Rendition{}, anchored(110, 115, 100, 130))
	require.NoError(t, err)

	assert.True(t, warning.Empty())
	assert.Equal(t, []uint64{110, 111, 112, 113, 114, 115}, sequences(p))
	assert.Equal(t, uint64(110), p.MediaSequence)
	assert.True(t, p.Ended)
	assert.Equal(t, 2.002, p.TargetDuration)
	assert.Equal(t, "https://cdn.example.com/live/seg110.ts", p.Segments[0].URI)
	assert.Equal(t, 1, src.calls)
	assert.Empty(t, sleeps.waits)
}

func TestSynthesize_Idempotent(t *testing.T) {
	src := &fakeSource{snapshots: []*manifest.Playlist{live(100, 130)}}
	s, _ := newTestSynthesizer(src)
	w := anchored(105, 125, 100, 130)

	first, _, err := s.Synthesize(context.Background(), &rendition.Rendition{}, w)
	require.NoError(t, err)
	second, _, err := s.Synthesize(context.Background(), &rendition.Rendition{}, w)
	require.NoError(t, err)

	a, err := Encode(first)
	require.NoError(t, err)
	b, err := Encode(second)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(a, b))
}

func TestSynthesize_EvictionBoundary(t *testing.T) {
	// the window rolled by one segment since anchoring
	src := &fakeSource{snapshots: []*manifest.Playlist{live(101, 131)}}
	s, _ := newTestSynthesizer(src)

	p, warning, err := s.Synthesize(context.Background(), &rendition.Rendition{}, anchored(100, 110, 100, 130))
	require.NoError(t, err)

	assert.Equal(t, uint64(101), p.MediaSequence)
	assert.Len(t, p.Segments, 10)
	require.False(t, warning.Empty())
	assert.Equal(t, []segment.Missing{{Sequence: 100, Reason: segment.Evicted, Detail: "oldest listed is 101"}}, warning.Missing)
	assert.Equal(t, uint64(100), warning.RequestedStart)
	assert.Equal(t, uint64(110), warning.RequestedEnd)
}

func TestSynthesize_NotYetProducedResolvedBySingleRetry(t *testing.T) {
	src := &fakeSource{snapshots: []*manifest.Playlist{live(100, 130), live(101, 131)}}
	s, sleeps := newTestSynthesizer(src)

	p, warning, err := s.Synthesize(context.Background(), &rendition.Rendition{}, anchored(120, 131, 100, 130))
	require.NoError(t, err)

	assert.True(t, warning.Empty())
	assert.Equal(t, uint64(131), p.Segments[len(p.Segments)-1].Sequence)
	assert.Len(t, p.Segments, 12)
	assert.Equal(t, 2, src.calls)
	require.Len(t, sleeps.waits, 1)
	assert.InDelta(t, 2.002, sleeps.waits[0].Seconds(), 0.001)
}

func TestSynthesize_RetryBudgetExhausted(t *testing.T) {
	src := &fakeSource{snapshots: []*manifest.Playlist{live(100, 130)}}
	s, sleeps := newTestSynthesizer(src)

	p, warning, err := s.Synthesize(context.Background(), &rendition.Rendition{}, anchored(128, 133, 100, 130))
	require.NoError(t, err)

	assert.Equal(t, []uint64{128, 129, 130}, sequences(p))
	assert.Equal(t, 3, warning.Count(segment.NotYetProduced))
	assert.Equal(t, DefaultRetries+1, src.calls)
	require.Len(t, sleeps.waits, DefaultRetries)
	nominal := live(100, 130).NominalDuration()
	assert.Equal(t, []time.Duration{nominal, 2 * nominal, 4 * nominal, 4 * nominal, 4 * nominal}, sleeps.waits)
}

func TestSynthesize_SegmentsCollectedAcrossFetches(t *testing.T) {
	// the start segments roll out while waiting for the end
	src := &fakeSource{snapshots: []*manifest.Playlist{live(100, 105), live(103, 108)}}
	s, _ := newTestSynthesizer(src)

	p, warning, err := s.Synthesize(context.Background(), &rendition.Rendition{}, anchored(100, 108, 100, 105))
	require.NoError(t, err)

	assert.True(t, warning.Empty())
	assert.Equal(t, []uint64{100, 101, 102, 103, 104, 105, 106, 107, 108}, sequences(p))
}

func TestSynthesize_EndedPlaylistStopsWaiting(t *testing.T) {
	ended := live(100, 110)
	ended.Ended = true
	src := &fakeSource{snapshots: []*manifest.Playlist{ended}}
	s, sleeps := newTestSynthesizer(src)

	p, warning, err := s.Synthesize(context.Background(), &rendition.Rendition{}, anchored(108, 112, 100, 110))
	require.NoError(t, err)

	assert.Len(t, p.Segments, 3)
	assert.Equal(t, 2, warning.Count(segment.NotYetProduced))
	assert.Empty(t, sleeps.waits)
}

func TestSynthesize_StreamRestarted(t *testing.T) {
	src := &fakeSource{snapshots: []*manifest.Playlist{live(0, 30)}}
	s, _ := newTestSynthesizer(src)

	_, _, err := s.Synthesize(context.Background(), &rendition.Rendition{}, anchored(110, 115, 100, 130))
	assert.ErrorIs(t, err, manifest.ErrStreamRestarted)
}

func TestSynthesize_StreamRestartedBetweenRetries(t *testing.T) {
	src := &fakeSource{snapshots: []*manifest.Playlist{live(100, 130), live(0, 10)}}
	s, _ := newTestSynthesizer(src)

	w, err := window.FromSequences(125, 135)
	require.NoError(t, err)

	_, _, err = s.Synthesize(context.Background(), &rendition.Rendition{}, w)
	assert.ErrorIs(t, err, manifest.ErrStreamRestarted)
}

func TestSynthesize_EntirelyEvicted(t *testing.T) {
	src := &fakeSource{snapshots: []*manifest.Playlist{live(200, 230)}}
	s, _ := newTestSynthesizer(src)

	w, err := window.FromSequences(100, 105)
	require.NoError(t, err)

	_, warning, err := s.Synthesize(context.Background(), &rendition.Rendition{}, w)
	assert.ErrorIs(t, err, window.ErrEmpty)
	require.NotNil(t, warning)
	assert.Equal(t, 6, warning.Count(segment.Evicted))
}

func TestSynthesize_FetchError(t *testing.T) {
	src := &fakeSource{err: manifest.ErrUnavailable}
	s, _ := newTestSynthesizer(src)

	_, _, err := s.Synthesize(context.Background(), &rendition.Rendition{}, anchored(1, 2, 1, 2))
	assert.ErrorIs(t, err, manifest.ErrUnavailable)
}

func TestSynthesize_Cancelled(t *testing.T) {
	src := &fakeSource{snapshots: []*manifest.Playlist{live(100, 130)}}
	s, _ := newTestSynthesizer(src)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := s.Synthesize(ctx, &rendition.Rendition{}, anchored(125, 140, 100, 130))
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestSynthesize_KeepsInitSegment(t *testing.T) {
	fmp4 := live(100, 130)
	fmp4.InitURI = "https://cdn.example.com/live/init.mp4"
	fmp4.InitRange = segment.ByteRange{Length: 812, Offset: 0}
	src := &fakeSource{snapshots: []*manifest.Playlist{fmp4}}
	s, _ := newTestSynthesizer(src)

	p, _, err := s.Synthesize(context.Background(), &rendition.Rendition{}, anchored(110, 111, 100, 130))
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/live/init.mp4", p.InitURI)
	assert.Equal(t, fmp4.InitRange, p.InitRange)
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		nominal time.Duration
		attempt int
		want    time.Duration
	}{
		{2 * time.Second, 0, 2 * time.Second},
		{2 * time.Second, 1, 4 * time.Second},
		{2 * time.Second, 2, 8 * time.Second},
		{2 * time.Second, 3, 8 * time.Second},
		{2 * time.Second, 30, 8 * time.Second},
		{0, 0, time.Second},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, Backoff(tt.nominal, tt.attempt), "nominal %s attempt %d", tt.nominal, tt.attempt)
	}
}

func TestEncode(t *testing.T) {
	p := live(500, 502)
	p.InitURI = "https://cdn.example.com/live/init.mp4"
	p.Segments[0].ProgramDateTime = time.Date(2025, 2, 13, 21, 0, 0, 0, time.UTC)

	data, err := Encode(p)
	require.NoError(t, err)

	text := string(data)
	assert.Contains(t, text, "#EXT-X-MEDIA-SEQUENCE:500")
	assert.Contains(t, text, "#EXT-X-ENDLIST")
	assert.Contains(t, text, "#EXT-X-MAP:URI=\"https://cdn.example.com/live/init.mp4\"")
	assert.Contains(t, text, "https://cdn.example.com/live/seg502.ts")

	decoded, listType, err := m3u8.DecodeFrom(bytes.NewReader(data), true)
	require.NoError(t, err)
	require.Equal(t, m3u8.MEDIA, listType)

	mp := decoded.(*m3u8.MediaPlaylist)
	assert.Equal(t, uint64(500), mp.SeqNo)
	assert.True(t, mp.Closed)
	assert.Equal(t, 3, int(mp.Count()))
	assert.InDelta(t, 2.002, mp.Segments[1].Duration, 0.0001)
	assert.False(t, mp.Segments[0].ProgramDateTime.IsZero())
}

func TestEncode_ByteRanges(t *testing.T) {
	media := "https://cdn.example.com/live/media.mp4"
	p := live(7, 8)
	p.InitURI = media
	p.InitRange = segment.ByteRange{Length: 700, Offset: 0}
	p.Segments[0].URI = media
	p.Segments[0].Range = segment.ByteRange{Length: 5, Offset: 700}
	p.Segments[1].URI = media
	p.Segments[1].Range = segment.ByteRange{Length: 5, Offset: 705}

	data, err := Encode(p)
	require.NoError(t, err)

	text := string(data)
	assert.Contains(t, text, "BYTERANGE=700@0")
	assert.Contains(t, text, "#EXT-X-BYTERANGE:5@700")
	assert.Contains(t, text, "#EXT-X-BYTERANGE:5@705")

	parsed, err := manifest.Parse(data, "https://cdn.example.com/live/clip.m3u8")
	require.NoError(t, err)
	assert.Equal(t, p.InitRange, parsed.InitRange)
	require.Equal(t, 2, parsed.Len())
	assert.Equal(t, p.Segments[0].Range, parsed.Segments[0].Range)
	assert.Equal(t, p.Segments[1].Range, parsed.Segments[1].Range)
}

func TestEncode_MarksGaps(t *testing.T) {
	p := live(10, 12)
	p.Segments = append(p.Segments[:1], p.Segments[2])

	data, err := Encode(p)
	require.NoError(t, err)
	assert.Contains(t, string(data), "#EXT-X-DISCONTINUITY")
}

func TestEncode_Empty(t *testing.T) {
	_, err := Encode(&manifest.Playlist{})
	assert.Error(t, err)
}

func TestWriteFile(t *testing.T) {
	path := t.TempDir() + "/nested/clip.m3u8"
	require.NoError(t, WriteFile(path, live(1, 2)))

	want, err := Encode(live(1, 2))
	require.NoError(t, err)
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}
