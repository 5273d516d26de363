// Package transport provides the retrying HTTP client shared by manifest and segment fetches.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-retryablehttp"
)

// DefaultUserAgent mimics a desktop browser; some live origins reject bare Go clients.
const DefaultUserAgent = "Mozilla/5.0"

// Options configures the retrying client.
type Options struct {
	// RetryMax is the number of retries after the first attempt for transient failures.
	RetryMax int
	// RetryWaitMin and RetryWaitMax bound the exponential backoff between attempts.
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
	// RequestTimeout bounds a single attempt, including reading the body.
	RequestTimeout time.Duration
	// UserAgent is sent on every request unless Headers overrides it.
	UserAgent string
	// Headers are injected into every request.
	Headers map[string]string
}

// HeaderMapTransport implements custom header injection.
type HeaderMapTransport struct {
	Headers map[string]string
	Base    http.RoundTripper
}

// RoundTrip sets the configured headers and delegates to the base transport.
func (t *HeaderMapTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	for k, v := range t.Headers {
		req.Header.Set(k, v)
	}
	return t.Base.RoundTrip(req)
}

// NewClient builds a retryablehttp client. Transient errors (connection failures, 5xx, 429)
// are retried with bounded exponential backoff; other statuses are returned to the caller.
func NewClient(opts Options, logger hclog.Logger) *retryablehttp.Client {
	headers := map[string]string{"User-Agent": DefaultUserAgent}
	if opts.UserAgent != "" {
		headers["User-Agent"] = opts.UserAgent
	}
	for k, v := range opts.Headers {
		headers[k] = v
	}

	base := http.DefaultTransport.(*http.Transport).Clone()

	client := retryablehttp.NewClient()
	client.HTTPClient = &http.Client{
		Timeout:   opts.RequestTimeout,
		Transport: &HeaderMapTransport{Headers: headers, Base: base},
	}
	client.RetryMax = opts.RetryMax
	if opts.RetryWaitMin > 0 {
		client.RetryWaitMin = opts.RetryWaitMin
	}
	if opts.RetryWaitMax > 0 {
		client.RetryWaitMax = opts.RetryWaitMax
	}
	client.Logger = nil
	if logger != nil {
		client.Logger = logger
	}

	return client
}

// StatusError reports a non-200 response that was not retried or exhausted its retries.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: HTTP %d", e.URL, e.StatusCode)
}

// Gone reports whether the status suggests the URL itself is stale or forbidden,
// which for live manifests usually means it must be re-derived.
func (e *StatusError) Gone() bool {
	switch e.StatusCode {
	case http.StatusForbidden, http.StatusNotFound, http.StatusGone:
		return true
	}
	return false
}

// IsGone reports whether err carries a StatusError for a stale URL.
func IsGone(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Gone()
}

// Get issues a GET and returns the response only for HTTP 200. The caller closes the body.
func Get(ctx context.Context, client *retryablehttp.Client, url string) (*http.Response, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, &StatusError{URL: url, StatusCode: resp.StatusCode}
	}

	return resp, nil
}

// GetRange performs a GET for length bytes of url starting at offset. The response is
// either 206 Partial Content or, from servers that ignore Range, 200 with the whole
// resource; callers must check which.
func GetRange(ctx context.Context, client *retryablehttp.Client, url string, offset, length int64) (*http.Response, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", offset, offset+length-1))

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		resp.Body.Close()
		return nil, &StatusError{URL: url, StatusCode: resp.StatusCode}
	}

	return resp, nil
}

// ErrTooLarge reports a body that exceeded the ReadLimited bound.
var ErrTooLarge = errors.New("response body too large")

// ReadLimited reads all of r, failing with ErrTooLarge rather than truncating when r
// holds more than limit bytes.
func ReadLimited(r io.Reader, limit int64) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > limit {
		return nil, fmt.Errorf("%w: exceeds %d bytes", ErrTooLarge, limit)
	}
	return body, nil
}

// ResolveURL resolves a possibly relative URL against a base URL.
func ResolveURL(baseURL, relativeURL string) (string, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid base URL: %w", err)
	}

	rel, err := url.Parse(relativeURL)
	if err != nil {
		return "", fmt.Errorf("invalid relative URL: %w", err)
	}

	return base.ResolveReference(rel).String(), nil
}
