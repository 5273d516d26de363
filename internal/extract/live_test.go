package extract

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

// liveStream fakes a live HLS origin. Each playlist fetch lists size segments starting at
// the next entry of firsts (the last entry repeats), so tests control how the window rolls.
type liveStream struct {
	mu            sync.Mutex
	firsts        []uint64
	size          int
	pdt           bool
	base          time.Time
	fetches       int
	segmentHits   int
	master        bool
	segmentStatus map[uint64]int
}

var streamBase = time.Date(2025, 2, 13, 21, 0, 0, 0, time.UTC)

func newLiveStream(firsts ...uint64) *liveStream {
	return &liveStream{firsts: firsts, size: 30, pdt: true, base: streamBase}
}

func (l *liveStream) serve(t *testing.T) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		l.mu.Lock()
		defer l.mu.Unlock()

		switch {
		case r.URL.Path == "/master.m3u8":
			w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
			fmt.Fprint(w, "#EXTM3U\n"+
				"#EXT-X-STREAM-INF:BANDWIDTH=800000,RESOLUTION=640x360\nlow.m3u8\n"+
				"#EXT-X-STREAM-INF:BANDWIDTH=2500000,RESOLUTION=1280x720\nlive.m3u8\n")
		case r.URL.Path == "/live.m3u8" || r.URL.Path == "/low.m3u8":
			w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
			fmt.Fprint(w, l.render())
		case strings.HasPrefix(r.URL.Path, "/seg"):
			var seq uint64
			if _, err := fmt.Sscanf(r.URL.Path, "/seg%d.ts", &seq); err != nil {
				http.NotFound(w, r)
				return
			}
			l.segmentHits++
			if status, ok := l.segmentStatus[seq]; ok {
				w.WriteHeader(status)
				return
			}
			fmt.Fprintf(w, "seg%d|", seq)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(server.Close)
	return server
}

// render must be called with mu held.
func (l *liveStream) render() string {
	first := l.firsts[min(l.fetches, len(l.firsts)-1)]
	l.fetches++

	var b strings.Builder
	b.WriteString("#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:2\n")
	fmt.Fprintf(&b, "#EXT-X-MEDIA-SEQUENCE:%d\n", first)
	for seq := first; seq < first+uint64(l.size); seq++ {
		if l.pdt {
			ts := l.base.Add(time.Duration(seq-100) * 2 * time.Second)
			fmt.Fprintf(&b, "#EXT-X-PROGRAM-DATE-TIME:%s\n", ts.Format("2006-01-02T15:04:05.000Z07:00"))
		}
		fmt.Fprintf(&b, "#EXTINF:2.000,\nseg%d.ts\n", seq)
	}
	return b.String()
}

func (l *liveStream) playlistFetches() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fetches
}

func (l *liveStream) segments() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.segmentHits
}

func bodies(first, last uint64) string {
	var b strings.Builder
	for seq := first; seq <= last; seq++ {
		fmt.Fprintf(&b, "seg%d|", seq)
	}
	return b.String()
}
