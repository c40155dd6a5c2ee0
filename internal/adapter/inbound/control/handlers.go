package control

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/procsi/procsi/internal/adapter/outbound/sqlite"
	"github.com/procsi/procsi/internal/domain/capture"
	"github.com/procsi/procsi/internal/domain/events"
	"github.com/procsi/procsi/internal/interceptor"
	"github.com/procsi/procsi/internal/metrics"
	"github.com/procsi/procsi/internal/replay"
)

// Repo is the slice of the request store the control plane needs.
type Repo interface {
	RegisterSession(ctx context.Context, label string, pid int, source string) (*capture.Session, error)
	ListSessions(ctx context.Context) ([]*capture.Session, error)
	Get(ctx context.Context, id string) (*capture.Request, error)
	List(ctx context.Context, opts capture.ListOptions) ([]*capture.Request, error)
	ListSummaries(ctx context.Context, opts capture.ListOptions) ([]*capture.Summary, error)
	Count(ctx context.Context, opts capture.ListOptions) (int, error)
	SearchBodies(ctx context.Context, query string, target capture.BodyTarget, opts capture.ListOptions) ([]*capture.BodySearchResult, error)
	QueryJSONBodies(ctx context.Context, path string, want any, target capture.BodyTarget, opts capture.ListOptions) ([]*capture.JSONQueryResult, error)
	Clear(ctx context.Context) (int64, error)
	Bookmark(ctx context.Context, id string) (bool, error)
	Unbookmark(ctx context.Context, id string) (bool, error)
}

// Loader is the interceptor script loader surface.
type Loader interface {
	List() []interceptor.Info
	Load() error
}

// Replayer re-sends a stored request through the proxy.
type Replayer interface {
	Replay(ctx context.Context, id string, opts replay.Options, initiator capture.ReplayInitiator) (*replay.Result, error)
}

// Deps wires the daemon components into the control surface.
type Deps struct {
	Repo     Repo
	Events   *events.Log
	Loader   Loader
	Replayer Replayer
	Metrics  *metrics.Metrics
}

type handlers struct {
	cfg       Config
	deps      Deps
	validate  *validator.Validate
	logger    *slog.Logger
	startedAt time.Time
}

func newHandlers(cfg Config, deps Deps, logger *slog.Logger) *handlers {
	return &handlers{
		cfg:       cfg,
		deps:      deps,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		logger:    logger,
		startedAt: time.Now(),
	}
}

func (h *handlers) dispatch(ctx context.Context, req *request) (any, *rpcError) {
	var (
		result any
		err    error
	)
	switch req.Method {
	case "ping":
		result = map[string]any{"pong": true}
	case "status":
		result, err = h.status(ctx)
	case "registerSession":
		result, err = h.registerSession(ctx, req.Params)
	case "listSessions":
		result, err = h.deps.Repo.ListSessions(ctx)
	case "listRequests":
		result, err = h.listRequests(ctx, req.Params)
	case "listRequestsSummary":
		result, err = h.listRequestsSummary(ctx, req.Params)
	case "getRequest":
		result, err = h.getRequest(ctx, req.Params)
	case "countRequests":
		result, err = h.countRequests(ctx, req.Params)
	case "searchBodies":
		result, err = h.searchBodies(ctx, req.Params)
	case "queryJsonBodies":
		result, err = h.queryJSONBodies(ctx, req.Params)
	case "clearRequests":
		result, err = h.clearRequests(ctx)
	case "saveRequest":
		result, err = h.setSaved(ctx, req.Params, true)
	case "unsaveRequest":
		result, err = h.setSaved(ctx, req.Params, false)
	case "listInterceptors":
		result = map[string]any{"interceptors": h.deps.Loader.List()}
	case "reloadInterceptors":
		result, err = h.reloadInterceptors()
	case "getInterceptorEvents":
		result, err = h.getInterceptorEvents(req.Params)
	case "clearInterceptorEvents":
		h.deps.Events.Clear()
		result = map[string]any{"cleared": true}
	case "replayRequest":
		result, err = h.replayRequest(ctx, req.Params)
	default:
		return nil, &rpcError{Code: codeMethodNotFound, Message: "method not found: " + req.Method}
	}

	if err != nil {
		var rerr *rpcError
		if errors.As(err, &rerr) {
			return nil, rerr
		}
		h.logger.Warn("control method failed", "method", req.Method, "error", err)
		return nil, &rpcError{Code: codeInternal, Message: err.Error()}
	}
	return result, nil
}

// decodeParams unmarshals into dst (missing params = all defaults) and
// runs struct validation.
func (h *handlers) decodeParams(raw json.RawMessage, dst any) error {
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, dst); err != nil {
			return &rpcError{Code: codeInternal, Message: "invalid params: " + err.Error()}
		}
	}
	if err := h.validate.Struct(dst); err != nil {
		return &rpcError{Code: codeInternal, Message: "invalid params: " + err.Error()}
	}
	return nil
}

func (h *handlers) status(ctx context.Context) (any, error) {
	requestCount, err := h.deps.Repo.Count(ctx, capture.ListOptions{})
	if err != nil {
		return nil, err
	}
	counters, err := h.deps.Metrics.Gather()
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"version":      h.cfg.Version,
		"pid":          os.Getpid(),
		"proxyPort":    h.cfg.ProxyPort,
		"uptimeSec":    uptimeSeconds(h.startedAt),
		"requestCount": requestCount,
		"interceptors": h.deps.Loader.List(),
		"eventCounts":  h.deps.Events.Counts(),
		"counters":     counters,
	}, nil
}

type registerSessionParams struct {
	Label  string `json:"label,omitempty"`
	PID    int    `json:"pid,omitempty" validate:"omitempty,min=0"`
	Source string `json:"source,omitempty"`
}

// registerSession is the only place the session token crosses the
// wire; listings never include it.
func (h *handlers) registerSession(ctx context.Context, raw json.RawMessage) (any, error) {
	var p registerSessionParams
	if err := h.decodeParams(raw, &p); err != nil {
		return nil, err
	}
	sess, err := h.deps.Repo.RegisterSession(ctx, p.Label, p.PID, p.Source)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"session": sess,
		"token":   sess.InternalToken,
	}, nil
}

type listParams struct {
	capture.ListOptions
}

func (h *handlers) listRequests(ctx context.Context, raw json.RawMessage) (any, error) {
	var p listParams
	if err := h.decodeParams(raw, &p); err != nil {
		return nil, err
	}
	requests, err := h.deps.Repo.List(ctx, p.ListOptions)
	if err != nil {
		return nil, err
	}
	return map[string]any{"requests": requests}, nil
}

func (h *handlers) listRequestsSummary(ctx context.Context, raw json.RawMessage) (any, error) {
	var p listParams
	if err := h.decodeParams(raw, &p); err != nil {
		return nil, err
	}
	summaries, err := h.deps.Repo.ListSummaries(ctx, p.ListOptions)
	if err != nil {
		return nil, err
	}
	return map[string]any{"requests": summaries}, nil
}

type idParams struct {
	ID string `json:"id" validate:"required"`
}

func (h *handlers) getRequest(ctx context.Context, raw json.RawMessage) (any, error) {
	var p idParams
	if err := h.decodeParams(raw, &p); err != nil {
		return nil, err
	}
	req, err := h.deps.Repo.Get(ctx, p.ID)
	if errors.Is(err, sqlite.ErrNotFound) {
		// Absence is a result, not an error: clients distinguish a
		// missing id from a broken call by the null request field.
		return map[string]any{"request": nil}, nil
	}
	if err != nil {
		return nil, err
	}
	return map[string]any{"request": req}, nil
}

func (h *handlers) countRequests(ctx context.Context, raw json.RawMessage) (any, error) {
	var p listParams
	if err := h.decodeParams(raw, &p); err != nil {
		return nil, err
	}
	count, err := h.deps.Repo.Count(ctx, p.ListOptions)
	if err != nil {
		return nil, err
	}
	return map[string]any{"count": count}, nil
}

type searchBodiesParams struct {
	Query  string             `json:"query" validate:"required"`
	Target capture.BodyTarget `json:"target,omitempty" validate:"omitempty,oneof=request response both"`
	capture.ListOptions
}

func (h *handlers) searchBodies(ctx context.Context, raw json.RawMessage) (any, error) {
	var p searchBodiesParams
	if err := h.decodeParams(raw, &p); err != nil {
		return nil, err
	}
	results, err := h.deps.Repo.SearchBodies(ctx, p.Query, p.Target, p.ListOptions)
	if err != nil {
		return nil, err
	}
	return map[string]any{"results": results}, nil
}

type queryJSONParams struct {
	Path   string             `json:"path" validate:"required"`
	Value  any                `json:"value,omitempty"`
	Target capture.BodyTarget `json:"target,omitempty" validate:"omitempty,oneof=request response both"`
	capture.ListOptions
}

func (h *handlers) queryJSONBodies(ctx context.Context, raw json.RawMessage) (any, error) {
	var p queryJSONParams
	if err := h.decodeParams(raw, &p); err != nil {
		return nil, err
	}
	results, err := h.deps.Repo.QueryJSONBodies(ctx, p.Path, p.Value, p.Target, p.ListOptions)
	if err != nil {
		return nil, err
	}
	return map[string]any{"results": results}, nil
}

func (h *handlers) clearRequests(ctx context.Context) (any, error) {
	cleared, err := h.deps.Repo.Clear(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"cleared": cleared}, nil
}

func (h *handlers) setSaved(ctx context.Context, raw json.RawMessage, saved bool) (any, error) {
	var p idParams
	if err := h.decodeParams(raw, &p); err != nil {
		return nil, err
	}
	var (
		changed bool
		err     error
	)
	if saved {
		changed, err = h.deps.Repo.Bookmark(ctx, p.ID)
	} else {
		changed, err = h.deps.Repo.Unbookmark(ctx, p.ID)
	}
	if err != nil {
		return nil, err
	}
	if !changed {
		return nil, &rpcError{Code: codeInternal, Message: "request not found: " + p.ID}
	}
	return map[string]any{"saved": saved}, nil
}

func (h *handlers) reloadInterceptors() (any, error) {
	if err := h.deps.Loader.Load(); err != nil {
		return nil, err
	}
	return map[string]any{"interceptors": h.deps.Loader.List()}, nil
}

type eventsParams struct {
	AfterSeq    int64        `json:"afterSeq,omitempty" validate:"omitempty,min=0"`
	Level       events.Level `json:"level,omitempty" validate:"omitempty,oneof=info warn error"`
	Interceptor string       `json:"interceptor,omitempty"`
	Type        events.Type  `json:"type,omitempty"`
	Limit       int          `json:"limit,omitempty" validate:"omitempty,min=1,max=1000"`
}

func (h *handlers) getInterceptorEvents(raw json.RawMessage) (any, error) {
	var p eventsParams
	if err := h.decodeParams(raw, &p); err != nil {
		return nil, err
	}
	evs := h.deps.Events.Since(p.AfterSeq, events.Query{
		Level:       p.Level,
		Interceptor: p.Interceptor,
		Type:        p.Type,
		Limit:       p.Limit,
	})
	return map[string]any{
		"events": evs,
		"counts": h.deps.Events.Counts(),
	}, nil
}

type replayParams struct {
	ID        string `json:"id" validate:"required"`
	Initiator string `json:"initiator,omitempty" validate:"omitempty,oneof=tui mcp"`
	replay.Options
}

func (h *handlers) replayRequest(ctx context.Context, raw json.RawMessage) (any, error) {
	var p replayParams
	if err := h.decodeParams(raw, &p); err != nil {
		return nil, err
	}
	initiator := capture.ReplayInitiator(p.Initiator)
	if initiator == "" {
		initiator = capture.ReplayInitiatorTUI
	}
	res, err := h.deps.Replayer.Replay(ctx, p.ID, p.Options, initiator)
	if err != nil {
		return nil, err
	}
	return res, nil
}
