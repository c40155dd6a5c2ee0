package proxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/procsi/procsi/internal/domain/capture"
	"github.com/procsi/procsi/internal/interceptor"
	"github.com/procsi/procsi/internal/metrics"
)

// Trusted runtime headers. Local tooling attaches these to attribute
// traffic to a registered session or a replay; the proxy consumes them
// before anything is stored or forwarded.
const (
	headerSessionID     = "procsi-session-id"
	headerSessionToken  = "procsi-session-token"
	headerRuntimeSource = "procsi-runtime-source"
	headerReplayToken   = "procsi-replay-token"
)

// internalHost serves daemon endpoints without leaving the machine,
// most importantly the CA certificate for trust-store installation.
const internalHost = "procsi.local"

// DaemonSessionID attributes traffic that carries no valid session
// credentials.
const DaemonSessionID = "daemon"

// Repo is the slice of the request store the proxy writes through.
type Repo interface {
	SaveRequest(ctx context.Context, req *capture.Request) (string, error)
	UpdateResponse(ctx context.Context, id string, up capture.ResponseUpdate) error
	UpdateInterception(ctx context.Context, id, interceptedBy string, itype capture.InterceptionType) error
	UpdateReplay(ctx context.Context, id, replayedFromID string, initiator capture.ReplayInitiator) error
	GetSessionAuth(ctx context.Context, id, token string) (source string, ok bool, err error)
}

// Runner is the two-phase interceptor pipeline.
type Runner interface {
	HandleRequest(ctx context.Context, snap *interceptor.RequestSnapshot) interceptor.RequestOutcome
	HandleResponse(ctx context.Context, requestID string, upstream interceptor.Response) *interceptor.ResponseOutcome
	Cleanup(requestID string)
}

// ReplayConsumer redeems single-use replay tokens minted by the replay
// executor.
type ReplayConsumer interface {
	Consume(token string) (requestID string, initiator capture.ReplayInitiator, ok bool)
}

// HandlerConfig tunes the capture pipeline.
type HandlerConfig struct {
	// MaxBodySize caps stored bodies; zero means DefaultMaxBodySize.
	MaxBodySize int64
	// UpstreamTimeout bounds a single upstream round trip; zero means
	// 30 seconds.
	UpstreamTimeout time.Duration
}

// CaptureHandler is the heart of the proxy: it attributes the request
// to a session, persists it, runs the interceptor pipeline, forwards
// upstream when no mock answered, and records the response the client
// actually received.
type CaptureHandler struct {
	repo      Repo
	runner    Runner
	replays   ReplayConsumer
	ca        *CAManager
	metrics   *metrics.Metrics
	transport http.RoundTripper
	tracer    trace.Tracer
	logger    *slog.Logger
	cfg       HandlerConfig
}

func NewCaptureHandler(repo Repo, runner Runner, replays ReplayConsumer, ca *CAManager, m *metrics.Metrics, cfg HandlerConfig, logger *slog.Logger) *CaptureHandler {
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = DefaultMaxBodySize
	}
	if cfg.UpstreamTimeout <= 0 {
		cfg.UpstreamTimeout = 30 * time.Second
	}
	return &CaptureHandler{
		repo:    repo,
		runner:  runner,
		replays: replays,
		ca:      ca,
		metrics: m,
		// Compression is handled here so stored bodies stay searchable;
		// the transport must not second-guess Accept-Encoding.
		transport: &http.Transport{
			DisableCompression:  true,
			MaxIdleConnsPerHost: 8,
			IdleConnTimeout:     90 * time.Second,
		},
		tracer: otel.Tracer("procsi/proxy"),
		logger: logger,
		cfg:    cfg,
	}
}

func (h *CaptureHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if hostOnly(r.Host) == internalHost || hostOnly(r.URL.Host) == internalHost {
		h.serveInternal(w, r)
		return
	}

	// Plain-HTTP proxy requests arrive with an absolute URL; requests
	// decrypted from a CONNECT tunnel were rebuilt by the inspector.
	if r.URL.Host == "" {
		r.URL.Host = r.Host
		if r.URL.Scheme == "" {
			r.URL.Scheme = "http"
		}
	}

	ctx, span := h.tracer.Start(r.Context(), "proxy.exchange",
		trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.host", hostOnly(r.URL.Host)),
		))
	defer span.End()

	h.metrics.ProxiedRequests.Inc()
	start := time.Now()

	sessionID, source := h.resolveSession(ctx, r)
	replayedFrom, initiator, isReplay := h.consumeReplayToken(r)

	rawBody, err := io.ReadAll(r.Body)
	if err != nil {
		h.logger.Warn("failed to read client request body", "error", err)
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	r.Body.Close()

	storedReqHeaders := flattenHeaders(r.Header)
	storedReqBody := rawBody
	if dec, ok := decodeContent(storedReqHeaders["content-encoding"], rawBody); ok {
		storedReqBody = dec
		delete(storedReqHeaders, "content-encoding")
	}
	storedReqBody, reqTruncated := truncateBody(storedReqBody, h.cfg.MaxBodySize)

	row := &capture.Request{
		SessionID:            sessionID,
		Method:               r.Method,
		URL:                  r.URL.String(),
		Host:                 hostOnly(r.URL.Host),
		Path:                 r.URL.Path,
		RequestHeaders:       storedReqHeaders,
		RequestBody:          storedReqBody,
		RequestBodyTruncated: reqTruncated,
		Source:               source,
	}
	id, err := h.repo.SaveRequest(ctx, row)
	if err != nil {
		h.logger.Error("failed to persist request", "url", row.URL, "error", err)
		http.Error(w, "internal proxy error", http.StatusInternalServerError)
		return
	}
	span.SetAttributes(attribute.String("procsi.request_id", id))
	defer h.runner.Cleanup(id)

	if isReplay {
		if err := h.repo.UpdateReplay(ctx, id, replayedFrom, initiator); err != nil {
			h.logger.Warn("failed to record replay attribution", "id", id, "error", err)
		}
		h.metrics.Replays.Inc()
	}

	snap := &interceptor.RequestSnapshot{
		ID:      id,
		Method:  r.Method,
		URL:     row.URL,
		Host:    row.Host,
		Path:    row.Path,
		Headers: storedReqHeaders,
		Body:    storedReqBody,
	}
	reqOut := h.runner.HandleRequest(ctx, snap)

	if reqOut.Mock != nil {
		h.recordInterception(ctx, id, reqOut.Interception)
		h.finishExchange(ctx, w, id, *reqOut.Mock, start)
		return
	}

	upstream, err := h.forwardUpstream(ctx, r, rawBody)
	if err != nil {
		h.metrics.UpstreamErrors.Inc()
		h.logger.Warn("upstream request failed", "url", row.URL, "error", err)
		h.finishExchange(ctx, w, id, interceptor.Response{
			Status:  http.StatusBadGateway,
			Headers: map[string]string{"content-type": "text/plain; charset=utf-8"},
			Body:    []byte(fmt.Sprintf("procsi: upstream request failed: %v\n", err)),
		}, start)
		return
	}

	served := upstream
	if respOut := h.runner.HandleResponse(ctx, id, upstream); respOut != nil {
		if respOut.Override != nil {
			served = *respOut.Override
		}
		h.recordInterception(ctx, id, respOut.Interception)
	}
	h.finishExchange(ctx, w, id, served, start)
}

// resolveSession checks the trusted header pair against the store.
// Anything unauthenticated falls back to the daemon session.
func (h *CaptureHandler) resolveSession(ctx context.Context, r *http.Request) (sessionID, source string) {
	sid := r.Header.Get(headerSessionID)
	token := r.Header.Get(headerSessionToken)
	declared := r.Header.Get(headerRuntimeSource)
	if sid == "" || token == "" {
		return DaemonSessionID, ""
	}
	src, ok, err := h.repo.GetSessionAuth(ctx, sid, token)
	if err != nil {
		h.logger.Warn("session auth lookup failed", "session", sid, "error", err)
		return DaemonSessionID, ""
	}
	if !ok {
		h.logger.Debug("rejected session credentials", "session", sid)
		return DaemonSessionID, ""
	}
	if declared != "" {
		src = declared
	}
	return sid, src
}

func (h *CaptureHandler) consumeReplayToken(r *http.Request) (requestID string, initiator capture.ReplayInitiator, ok bool) {
	token := r.Header.Get(headerReplayToken)
	if token == "" || h.replays == nil {
		return "", "", false
	}
	return h.replays.Consume(token)
}

// forwardUpstream sends the original bytes upstream and returns the
// response with its body decoded for interceptors and storage.
func (h *CaptureHandler) forwardUpstream(ctx context.Context, r *http.Request, rawBody []byte) (interceptor.Response, error) {
	uctx, cancel := context.WithTimeout(ctx, h.cfg.UpstreamTimeout)
	defer cancel()

	out, err := http.NewRequestWithContext(uctx, r.Method, r.URL.String(), bytes.NewReader(rawBody))
	if err != nil {
		return interceptor.Response{}, fmt.Errorf("build upstream request: %w", err)
	}
	for name, values := range r.Header {
		key := strings.ToLower(name)
		if internalHeaders[key] || hopByHopHeaders[key] {
			continue
		}
		out.Header[http.CanonicalHeaderKey(name)] = values
	}
	out.ContentLength = int64(len(rawBody))
	out.Host = r.URL.Host

	resp, err := h.transport.RoundTrip(out)
	if err != nil {
		return interceptor.Response{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return interceptor.Response{}, fmt.Errorf("read upstream body: %w", err)
	}

	headers := flattenHeaders(resp.Header)
	if dec, ok := decodeContent(headers["content-encoding"], body); ok {
		body = dec
		delete(headers, "content-encoding")
	}
	// The body is re-framed on the way to the client.
	delete(headers, "content-length")
	delete(headers, "transfer-encoding")

	return interceptor.Response{Status: resp.StatusCode, Headers: headers, Body: body}, nil
}

func (h *CaptureHandler) recordInterception(ctx context.Context, id string, in *interceptor.Interception) {
	if in == nil {
		return
	}
	if err := h.repo.UpdateInterception(ctx, id, in.Name, in.Type); err != nil {
		h.logger.Warn("failed to record interception", "id", id, "error", err)
	}
	h.metrics.RecordInterception(in.Type)
}

// finishExchange persists the response the client is about to receive
// and writes it out.
func (h *CaptureHandler) finishExchange(ctx context.Context, w http.ResponseWriter, id string, res interceptor.Response, start time.Time) {
	storedBody, truncated := truncateBody(res.Body, h.cfg.MaxBodySize)
	up := capture.ResponseUpdate{
		Status:        res.Status,
		Headers:       res.Headers,
		Body:          storedBody,
		DurationMs:    time.Since(start).Milliseconds(),
		BodyTruncated: truncated,
	}
	if err := h.repo.UpdateResponse(ctx, id, up); err != nil {
		h.logger.Error("failed to persist response", "id", id, "error", err)
	}

	for name, value := range res.Headers {
		if hopByHopHeaders[name] {
			continue
		}
		w.Header().Set(name, value)
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(res.Body)))
	w.WriteHeader(res.Status)
	if _, err := w.Write(res.Body); err != nil {
		h.logger.Debug("failed to write response to client", "id", id, "error", err)
	}
}

// serveInternal answers daemon endpoints on procsi.local. Only the CA
// certificate is exposed.
func (h *CaptureHandler) serveInternal(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet && (r.URL.Path == "/ca.crt" || r.URL.Path == "/ca.pem") {
		w.Header().Set("Content-Type", "application/x-x509-ca-cert")
		w.Header().Set("Content-Disposition", `attachment; filename="procsi-ca.crt"`)
		_, _ = w.Write(h.ca.CACertPEM())
		return
	}
	http.NotFound(w, r)
}
