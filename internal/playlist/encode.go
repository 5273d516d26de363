package playlist

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/agleyzer/hlsclip/internal/manifest"
	"github.com/grafov/m3u8"
)

// Encode renders p as a static VOD media playlist: absolute URIs, original durations,
// byte ranges with explicit offsets, EXT-X-MAP when the rendition has an init segment,
// and EXT-X-ENDLIST. A discontinuity
// is marked wherever sequence numbers skip.
func Encode(p *manifest.Playlist) ([]byte, error) {
	if p == nil || len(p.Segments) == 0 {
		return nil, fmt.Errorf("cannot encode playlist with zero segments")
	}

	mp, err := m3u8.NewMediaPlaylist(0, uint(len(p.Segments)))
	if err != nil {
		return nil, fmt.Errorf("create media playlist: %w", err)
	}
	mp.SeqNo = p.MediaSequence
	mp.MediaType = m3u8.VOD
	mp.TargetDuration = p.TargetDuration
	if p.InitURI != "" {
		mp.SetDefaultMap(p.InitURI, p.InitRange.Length, p.InitRange.Offset)
	}

	for i, seg := range p.Segments {
		if err := mp.Append(seg.URI, seg.Duration, ""); err != nil {
			return nil, fmt.Errorf("append segment %d: %w", seg.Sequence, err)
		}
		if !seg.Range.IsZero() {
			if err := mp.SetRange(seg.Range.Length, seg.Range.Offset); err != nil {
				return nil, fmt.Errorf("set byte range at %d: %w", seg.Sequence, err)
			}
		}
		if i > 0 && seg.Sequence != p.Segments[i-1].Sequence+1 {
			if err := mp.SetDiscontinuity(); err != nil {
				return nil, fmt.Errorf("mark discontinuity at %d: %w", seg.Sequence, err)
			}
		}
		if seg.HasTimestamp() {
			if err := mp.SetProgramDateTime(seg.ProgramDateTime); err != nil {
				return nil, fmt.Errorf("set program date time at %d: %w", seg.Sequence, err)
			}
		}
	}
	mp.Close()

	return mp.Encode().Bytes(), nil
}

// WriteFile encodes p to path, creating parent directories as needed.
func WriteFile(path string, p *manifest.Playlist) error {
	data, err := Encode(p)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create playlist directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write playlist: %w", err)
	}
	return nil
}
