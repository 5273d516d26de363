package rendition

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/agleyzer/hlsclip/internal/logging"
	"github.com/agleyzer/hlsclip/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testOptions() transport.Options {
	return transport.Options{RetryMax: 0, RetryWaitMin: time.Millisecond, RetryWaitMax: time.Millisecond, RequestTimeout: 2 * time.Second}
}

func sampleList() []Rendition {
	return []Rendition{
		{Selector: "91", Delivery: DeliveryHLS, Bandwidth: 200000, Resolution: "256x144"},
		{Selector: "95", Delivery: DeliveryHLS, Bandwidth: 2500000, Resolution: "1280x720"},
		{Selector: "96", Delivery: DeliveryHLS, Bandwidth: 5000000, Resolution: "1920x1080"},
		{Selector: "299", Delivery: DeliveryDASH, Bandwidth: 9000000, Resolution: "1920x1080"},
	}
}

func TestSelect(t *testing.T) {
	tests := []struct {
		name     string
		selector string
		want     string
		wantErr  error
	}{
		{"exact format id", "95", "95", nil},
		{"exact non-addressable id", "299", "299", nil},
		{"best prefers segment addressable", "best", "96", nil},
		{"empty means best", "", "96", nil},
		{"worst", "worst", "91", nil},
		{"height", "720p", "95", nil},
		{"resolution", "256x144", "91", nil},
		{"unknown", "4320p", "", ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Select(sampleList(), tt.selector)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Selector)
		})
	}
}

func TestSelect_Empty(t *testing.T) {
	_, err := Select(nil, "best")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCheck(t *testing.T) {
	assert.NoError(t, Rendition{Delivery: DeliveryHLS}.Check())

	err := Rendition{Selector: "299", StreamID: "yt", Delivery: DeliveryDASH}.Check()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnsupportedDeliveryMode)

	var de *DeliveryError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, "299", de.Rendition.Selector)
	assert.Contains(t, err.Error(), "dash")
}

func TestSniff(t *testing.T) {
	assert.Equal(t, DeliveryHLS, Sniff([]byte("#EXTM3U\n#EXT-X-VERSION:3\n")))
	assert.Equal(t, DeliveryHLS, Sniff([]byte("\xef\xbb\xbf  #EXTM3U\n")))
	assert.Equal(t, DeliveryDASH, Sniff([]byte(`<?xml version="1.0"?><MPD type="dynamic"></MPD>`)))
	assert.Equal(t, DeliveryDASH, Sniff([]byte(`<MPD></MPD>`)))
	assert.Equal(t, DeliveryUnknown, Sniff([]byte(`<?xml version="1.0"?><html/>`)))
	assert.Equal(t, DeliveryUnknown, Sniff([]byte("garbage")))
}

func TestMaster_Renditions(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `#EXTM3U
#EXT-X-STREAM-INF:BANDWIDTH=1280000,RESOLUTION=640x360,CODECS="avc1.4d401e,mp4a.40.2"
low/index.m3u8
#EXT-X-STREAM-INF:BANDWIDTH=2560000,RESOLUTION=1280x720
high/index.m3u8
`)
	}))
	defer server.Close()

	master := NewMaster(transport.NewClient(testOptions(), nil), logging.Discard())
	list, err := master.Renditions(context.Background(), server.URL+"/master.m3u8")
	require.NoError(t, err)
	require.Len(t, list, 2)

	assert.Equal(t, "0", list[0].Selector)
	assert.Equal(t, server.URL+"/low/index.m3u8", list[0].ManifestURL)
	assert.Equal(t, 1280000, list[0].Bandwidth)
	assert.Equal(t, "640x360", list[0].Resolution)
	assert.Equal(t, DeliveryHLS, list[1].Delivery)

	best, err := Select(list, "best")
	require.NoError(t, err)
	assert.Equal(t, "1", best.Selector)
}

func TestMaster_MediaPlaylistIsSingleRendition(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "#EXTM3U\n#EXT-X-TARGETDURATION:2\n#EXT-X-MEDIA-SEQUENCE:10\n#EXTINF:2.0,\nseg10.ts\n")
	}))
	defer server.Close()

	master := NewMaster(transport.NewClient(testOptions(), nil), logging.Discard())
	list, err := master.Renditions(context.Background(), server.URL+"/live.m3u8")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, server.URL+"/live.m3u8", list[0].ManifestURL)
}

func TestMaster_OversizedPlaylistRejected(t *testing.T) {
	saved := maxManifestBytes
	maxManifestBytes = 32
	defer func() { maxManifestBytes = saved }()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "#EXTM3U\n#EXT-X-STREAM-INF:BANDWIDTH=1280000\nlow/index.m3u8\n")
	}))
	defer server.Close()

	master := NewMaster(transport.NewClient(testOptions(), nil), logging.Discard())
	_, err := master.Renditions(context.Background(), server.URL+"/master.m3u8")
	assert.ErrorIs(t, err, transport.ErrTooLarge)
}

func TestMaster_DASHIsListedButNotAddressable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<?xml version="1.0"?><MPD type="dynamic"></MPD>`)
	}))
	defer server.Close()

	master := NewMaster(transport.NewClient(testOptions(), nil), logging.Discard())
	list, err := master.Renditions(context.Background(), server.URL+"/live.mpd")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.ErrorIs(t, list[0].Check(), ErrUnsupportedDeliveryMode)
}

const ytOutput = `{
  "id": "abc123",
  "title": "Launch coverage",
  "is_live": true,
  "live_status": "is_live",
  "formats": [
    {"format_id": "sb0", "protocol": "mhtml", "url": "https://i.ytimg.com/sb/0"},
    {"format_id": "91", "protocol": "m3u8_native", "url": "https://manifest.googlevideo.com/91/index.m3u8", "width": 256, "height": 144, "tbr": 290.1, "vcodec": "avc1.4d400c", "acodec": "mp4a.40.5"},
    {"format_id": "301", "protocol": "m3u8_native", "url": "https://manifest.googlevideo.com/301/index.m3u8", "width": 1920, "height": 1080, "tbr": 5500, "vcodec": "avc1.640028", "acodec": "mp4a.40.2", "format_note": "1080p"},
    {"format_id": "299", "protocol": "http_dash_segments", "url": "https://manifest.googlevideo.com/dash", "width": 1920, "height": 1080, "tbr": 6000, "vcodec": "avc1.64002a", "acodec": "none"},
    {"format_id": "18", "protocol": "https", "url": "https://rr.googlevideo.com/videoplayback", "width": 640, "height": 360, "tbr": 500, "vcodec": null, "acodec": null}
  ]
}`

func TestYTDLP_Renditions(t *testing.T) {
	var gotArgs []string
	y := NewYTDLP("", logging.Discard()).WithRunner(func(ctx context.Context, name string, args ...string) ([]byte, error) {
		gotArgs = append([]string{name}, args...)
		return []byte(ytOutput), nil
	})

	list, err := y.Renditions(context.Background(), "https://www.youtube.com/watch?v=abc123")
	require.NoError(t, err)

	assert.Equal(t, "yt-dlp", gotArgs[0])
	assert.Contains(t, gotArgs, "-J")
	assert.Equal(t, "https://www.youtube.com/watch?v=abc123", gotArgs[len(gotArgs)-1])

	require.Len(t, list, 5)
	byID := map[string]Rendition{}
	for _, r := range list {
		byID[r.Selector] = r
	}

	assert.Equal(t, DeliveryHLS, byID["301"].Delivery)
	assert.Equal(t, "1920x1080", byID["301"].Resolution)
	assert.Equal(t, 5500000, byID["301"].Bandwidth)
	assert.Equal(t, "avc1.640028,mp4a.40.2", byID["301"].Codecs)
	assert.Equal(t, DeliveryDASH, byID["299"].Delivery)
	assert.Equal(t, "avc1.64002a", byID["299"].Codecs)
	assert.Equal(t, DeliveryProgressive, byID["18"].Delivery)
	assert.Equal(t, DeliveryUnknown, byID["sb0"].Delivery)

	best, err := Select(list, "best")
	require.NoError(t, err)
	assert.Equal(t, "301", best.Selector)
}

func TestYTDLP_Failure(t *testing.T) {
	y := NewYTDLP("yt-dlp", logging.Discard()).WithRunner(func(ctx context.Context, name string, args ...string) ([]byte, error) {
		return nil, errors.New("exit status 1: ERROR: video unavailable")
	})

	_, err := y.Renditions(context.Background(), "https://www.youtube.com/watch?v=gone")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "video unavailable")
}

type stubResolver struct{ name string }

func (s stubResolver) Renditions(ctx context.Context, streamID string) ([]Rendition, error) {
	return []Rendition{{Selector: s.name, StreamID: streamID, Delivery: DeliveryHLS}}, nil
}

func TestAuto(t *testing.T) {
	auto := Auto{HLS: stubResolver{"hls"}, Fallback: stubResolver{"ytdlp"}}

	r, err := Resolve(context.Background(), auto, "https://cdn.example.com/live/master.m3u8?token=1", "hls")
	require.NoError(t, err)
	assert.Equal(t, "hls", r.Selector)

	r, err = Resolve(context.Background(), auto, "https://www.youtube.com/watch?v=abc", "ytdlp")
	require.NoError(t, err)
	assert.Equal(t, "ytdlp", r.Selector)
}

func TestIsPlaylistURL(t *testing.T) {
	assert.True(t, IsPlaylistURL("http://example.com/a/index.M3U8"))
	assert.False(t, IsPlaylistURL("https://www.youtube.com/watch?v=abc"))
	assert.False(t, IsPlaylistURL("file:///tmp/a.m3u8"))
}
