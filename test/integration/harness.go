// Package integration provides integration testing utilities for hlsclip.
package integration

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

// Origin timing. The live playlist lists the newest windowSize segments, one is added
// every segmentDuration, and segment firstSequence starts at the origin epoch.
const (
	firstSequence   = 100
	windowSize      = 20
	segmentDuration = 2 * time.Second
)

// TestHarness manages the test environment for integration tests.
type TestHarness struct {
	t          *testing.T
	httpServer *http.Server
	httpPort   int
	epoch      time.Time
	tempDir    string

	hlsclipCmd  *exec.Cmd
	hlsclipPort int
	cancel      context.CancelFunc

	mu       sync.Mutex
	requests []string
}

// NewTestHarness creates a new test harness.
func NewTestHarness(t *testing.T) *TestHarness {
	t.Helper()

	return &TestHarness{
		t:        t,
		httpPort: findAvailablePort(t),
		tempDir:  t.TempDir(),
		// Start with a full window already produced.
		epoch: time.Now().Add(-windowSize * segmentDuration).Truncate(time.Second),
	}
}

// SegmentTime returns the program-date-time of seq.
func (h *TestHarness) SegmentTime(seq uint64) time.Time {
	return h.epoch.Add(time.Duration(seq-firstSequence) * segmentDuration)
}

// PlaylistURL is the live media playlist.
func (h *TestHarness) PlaylistURL() string {
	return fmt.Sprintf("http://localhost:%d/live/index.m3u8", h.httpPort)
}

// MasterURL is a master playlist with a single variant pointing at PlaylistURL.
func (h *TestHarness) MasterURL() string {
	return fmt.Sprintf("http://localhost:%d/live/master.m3u8", h.httpPort)
}

// TempDir is where outputs are written.
func (h *TestHarness) TempDir() string {
	return h.tempDir
}

// StartOrigin starts an HTTP server publishing a rolling live stream.
func (h *TestHarness) StartOrigin() {
	h.t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/live/master.m3u8", func(w http.ResponseWriter, r *http.Request) {
		h.record(r)
		w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
		fmt.Fprint(w, "#EXTM3U\n#EXT-X-STREAM-INF:BANDWIDTH=2000000,RESOLUTION=1280x720\nindex.m3u8\n")
	})
	mux.HandleFunc("/live/index.m3u8", func(w http.ResponseWriter, r *http.Request) {
		h.record(r)
		w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
		fmt.Fprint(w, h.livePlaylist(time.Now()))
	})
	mux.HandleFunc("/live/", func(w http.ResponseWriter, r *http.Request) {
		h.record(r)
		var seq uint64
		if _, err := fmt.Sscanf(filepath.Base(r.URL.Path), "seg%d.ts", &seq); err != nil {
			http.NotFound(w, r)
			return
		}
		// Evicted segments stay retrievable for a while, like on real CDNs.
		if _, last := h.listed(time.Now()); seq > last {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "video/mp2t")
		fmt.Fprintf(w, "seg%d|", seq)
	})

	h.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", h.httpPort),
		Handler: mux,
	}

	// Start server in goroutine
	go func() {
		if err := h.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			h.t.Logf("HTTP server error: %v", err)
		}
	}()

	h.waitForServer(h.PlaylistURL(), 5*time.Second)
	h.t.Logf("origin started on port %d", h.httpPort)
}

func (h *TestHarness) listed(now time.Time) (first, last uint64) {
	produced := uint64(now.Sub(h.epoch) / segmentDuration)
	last = firstSequence + produced
	first = last - windowSize + 1
	return first, last
}

func (h *TestHarness) livePlaylist(now time.Time) string {
	first, last := h.listed(now)

	var b strings.Builder
	b.WriteString("#EXTM3U\n#EXT-X-VERSION:3\n")
	fmt.Fprintf(&b, "#EXT-X-TARGETDURATION:%d\n", int(segmentDuration.Seconds()))
	fmt.Fprintf(&b, "#EXT-X-MEDIA-SEQUENCE:%d\n", first)
	for seq := first; seq <= last; seq++ {
		fmt.Fprintf(&b, "#EXT-X-PROGRAM-DATE-TIME:%s\n", h.SegmentTime(seq).UTC().Format("2006-01-02T15:04:05.000Z"))
		fmt.Fprintf(&b, "#EXTINF:%.3f,\nseg%d.ts\n", segmentDuration.Seconds(), seq)
	}
	return b.String()
}

func (h *TestHarness) record(r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.requests = append(h.requests, r.URL.Path)
}

// Requests returns the paths the origin has served so far.
func (h *TestHarness) Requests() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.requests...)
}

// RunExtract runs "hlsclip extract" to completion and returns its combined output and
// exit code.
func (h *TestHarness) RunExtract(args ...string) (string, int) {
	h.t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	cmdArgs := append([]string{"extract", "--env-file", filepath.Join(h.tempDir, "none.env"), "--log-level", "warn"}, args...)
	cmd := exec.CommandContext(ctx, h.findBinary(), cmdArgs...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return string(out), exitErr.ExitCode()
		}
		h.t.Fatalf("failed to run hlsclip: %v", err)
	}
	return string(out), 0
}

// StartServe starts "hlsclip serve" writing into TempDir.
func (h *TestHarness) StartServe() {
	h.t.Helper()

	h.hlsclipPort = findAvailablePort(h.t)
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel

	h.hlsclipCmd = exec.CommandContext(ctx, h.findBinary(), "serve",
		"--env-file", filepath.Join(h.tempDir, "none.env"),
		"--addr", fmt.Sprintf("127.0.0.1:%d", h.hlsclipPort),
		"--output-dir", h.tempDir,
		"--buffer", "0s",
	)

	// Capture output for debugging
	h.hlsclipCmd.Stdout = os.Stdout
	h.hlsclipCmd.Stderr = os.Stderr

	if err := h.hlsclipCmd.Start(); err != nil {
		h.t.Fatalf("failed to start hlsclip: %v", err)
	}

	h.waitForServer(h.ServeURL("/health"), 10*time.Second)
	h.t.Logf("hlsclip serve started on port %d", h.hlsclipPort)
}

// ServeURL returns the URL of path on the running "hlsclip serve".
func (h *TestHarness) ServeURL(path string) string {
	return fmt.Sprintf("http://127.0.0.1:%d%s", h.hlsclipPort, path)
}

// Cleanup stops all running services.
func (h *TestHarness) Cleanup() {
	h.t.Helper()

	if h.cancel != nil {
		h.cancel()
	}
	if h.hlsclipCmd != nil && h.hlsclipCmd.Process != nil {
		h.hlsclipCmd.Process.Kill()
		h.hlsclipCmd.Wait()
	}

	if h.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		h.httpServer.Shutdown(ctx)
	}
}

// findBinary locates the hlsclip binary.
func (h *TestHarness) findBinary() string {
	h.t.Helper()

	candidates := []string{
		"../../hlsclip",         // From test/integration
		"./hlsclip",             // From project root
		"./cmd/hlsclip/hlsclip", // Built in place
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			absPath, _ := filepath.Abs(path)
			return absPath
		}
	}

	h.t.Skip("hlsclip binary not found. Run 'go build -o hlsclip ./cmd/hlsclip' first")
	return ""
}

// waitForServer waits for a server to become available.
func (h *TestHarness) waitForServer(url string, timeout time.Duration) {
	h.t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			return
		}
		time.Sleep(100 * time.Millisecond)
	}

	h.t.Fatalf("server at %s did not become available within %v", url, timeout)
}

// findAvailablePort finds an available TCP port.
func findAvailablePort(t *testing.T) int {
	t.Helper()

	listener, err := net.Listen("tcp", ":0")
	if err != nil {
		t.Fatalf("failed to find available port: %v", err)
	}
	defer listener.Close()

	return listener.Addr().(*net.TCPAddr).Port
}

// ParsedPlaylist represents a parsed HLS playlist for testing.
type ParsedPlaylist struct {
	Version        int
	TargetDuration int
	MediaSequence  uint64
	Segments       []PlaylistSegment
	HasEndList     bool
}

// PlaylistSegment represents a segment in a playlist.
type PlaylistSegment struct {
	Duration      float64
	URL           string
	Discontinuity bool
}

// ParsePlaylist parses an HLS playlist into a structured format.
func ParsePlaylist(content string) *ParsedPlaylist {
	playlist := &ParsedPlaylist{
		Segments: []PlaylistSegment{},
	}

	var currentSegment *PlaylistSegment
	var nextSegmentHasDiscontinuity bool

	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		switch {
		case strings.HasPrefix(line, "#EXT-X-VERSION:"):
			fmt.Sscanf(line, "#EXT-X-VERSION:%d", &playlist.Version)

		case strings.HasPrefix(line, "#EXT-X-TARGETDURATION:"):
			fmt.Sscanf(line, "#EXT-X-TARGETDURATION:%d", &playlist.TargetDuration)

		case strings.HasPrefix(line, "#EXT-X-MEDIA-SEQUENCE:"):
			fmt.Sscanf(line, "#EXT-X-MEDIA-SEQUENCE:%d", &playlist.MediaSequence)

		case line == "#EXT-X-ENDLIST":
			playlist.HasEndList = true

		case line == "#EXT-X-DISCONTINUITY":
			nextSegmentHasDiscontinuity = true

		case strings.HasPrefix(line, "#EXTINF:"):
			currentSegment = &PlaylistSegment{}
			fmt.Sscanf(line, "#EXTINF:%f,", &currentSegment.Duration)
			if nextSegmentHasDiscontinuity {
				currentSegment.Discontinuity = true
				nextSegmentHasDiscontinuity = false
			}

		case !strings.HasPrefix(line, "#"):
			if currentSegment != nil {
				currentSegment.URL = line
				playlist.Segments = append(playlist.Segments, *currentSegment)
				currentSegment = nil
			}
		}
	}

	return playlist
}
