package replay

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/procsi/procsi/internal/domain/capture"
)

// Timeout bounds in milliseconds for a single replay round trip.
const (
	DefaultTimeoutMs = 10_000
	MinTimeoutMs     = 1_000
	MaxTimeoutMs     = 120_000
)

// ErrReplayTimeout marks a replay that exceeded its (clamped) budget.
var ErrReplayTimeout = errors.New("replay timed out")

const replayTokenHeader = "procsi-replay-token"

// Headers never carried into a replayed request: hop-by-hop framing,
// stale lengths, and the daemon's own runtime headers.
var strippedReplayHeaders = map[string]bool{
	"connection":            true,
	"keep-alive":            true,
	"proxy-authenticate":    true,
	"proxy-authorization":   true,
	"proxy-connection":      true,
	"te":                    true,
	"trailer":               true,
	"transfer-encoding":     true,
	"upgrade":               true,
	"content-length":        true,
	"procsi-session-id":     true,
	"procsi-session-token":  true,
	"procsi-runtime-source": true,
	replayTokenHeader:       true,
}

// Store is the slice of the request repository the executor reads.
type Store interface {
	Get(ctx context.Context, id string) (*capture.Request, error)
}

// Options are per-replay overrides; zero values keep the stored value.
type Options struct {
	Method        string            `json:"method,omitempty"`
	URL           string            `json:"url,omitempty" validate:"omitempty,url"`
	SetHeaders    map[string]string `json:"setHeaders,omitempty"`
	RemoveHeaders []string          `json:"removeHeaders,omitempty"`
	// Body replaces the stored request body when non-nil; an empty
	// string clears it.
	Body      *string `json:"body,omitempty"`
	TimeoutMs int     `json:"timeoutMs,omitempty"`
}

// Result is what a completed replay reports back.
type Result struct {
	Status int `json:"status"`
}

// Executor rebuilds a stored request and sends it back out through the
// local proxy, so the replay is captured like any other exchange. The
// project CA is the TLS trust anchor because the proxy terminates TLS
// with its own leaves.
type Executor struct {
	store   Store
	tracker *Tracker
	client  *http.Client
	logger  *slog.Logger
}

func NewExecutor(store Store, tracker *Tracker, proxyPort int, caPool *x509.CertPool, logger *slog.Logger) *Executor {
	proxyURL := &url.URL{Scheme: "http", Host: fmt.Sprintf("127.0.0.1:%d", proxyPort)}
	return &Executor{
		store:   store,
		tracker: tracker,
		client: &http.Client{
			Transport: &http.Transport{
				Proxy:           http.ProxyURL(proxyURL),
				TLSClientConfig: &tls.Config{RootCAs: caPool},
			},
			// Replays follow the stored exchange, not whatever the
			// origin redirects to today.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger: logger,
	}
}

// Replay re-sends the stored request id with opts applied.
func (e *Executor) Replay(ctx context.Context, id string, opts Options, initiator capture.ReplayInitiator) (*Result, error) {
	stored, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load request %s: %w", id, err)
	}

	method := stored.Method
	if opts.Method != "" {
		method = strings.ToUpper(opts.Method)
	}
	targetURL := stored.URL
	if opts.URL != "" {
		targetURL = opts.URL
	}

	var body []byte
	if opts.Body != nil {
		body = []byte(*opts.Body)
	} else {
		body = stored.RequestBody
	}
	// A body on a GET/HEAD replay is dropped rather than rejected.
	if method == http.MethodGet || method == http.MethodHead {
		body = nil
	}

	headers := e.buildHeaders(stored.RequestHeaders, opts)

	token, err := e.tracker.Mint(id, initiator)
	if err != nil {
		return nil, err
	}
	headers[replayTokenHeader] = token

	timeout := time.Duration(clampTimeoutMs(opts.TimeoutMs)) * time.Millisecond
	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(rctx, method, targetURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build replay request: %w", err)
	}
	for name, value := range headers {
		req.Header.Set(name, value)
	}
	req.ContentLength = int64(len(body))

	e.logger.Debug("replaying request", "id", id, "method", method, "url", targetURL, "initiator", initiator)

	resp, err := e.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s", ErrReplayTimeout, timeout)
		}
		return nil, fmt.Errorf("send replay: %w", err)
	}
	defer resp.Body.Close()
	// The proxy already captured everything; the executor only needs
	// the status.
	_, _ = io.Copy(io.Discard, resp.Body)

	return &Result{Status: resp.StatusCode}, nil
}

// buildHeaders starts from the stored (already lowercased) headers,
// applies the overrides, then strips what must never be replayed.
func (e *Executor) buildHeaders(stored map[string]string, opts Options) map[string]string {
	headers := make(map[string]string, len(stored)+len(opts.SetHeaders))
	for name, value := range stored {
		headers[name] = value
	}
	for name, value := range opts.SetHeaders {
		headers[strings.ToLower(name)] = value
	}
	for _, name := range opts.RemoveHeaders {
		delete(headers, strings.ToLower(name))
	}
	for name := range headers {
		if strippedReplayHeaders[name] {
			delete(headers, name)
		}
	}
	return headers
}

func clampTimeoutMs(ms int) int {
	switch {
	case ms <= 0:
		return DefaultTimeoutMs
	case ms < MinTimeoutMs:
		return MinTimeoutMs
	case ms > MaxTimeoutMs:
		return MaxTimeoutMs
	default:
		return ms
	}
}
