package interceptor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"

	"github.com/procsi/procsi/internal/domain/capture"
	"github.com/procsi/procsi/internal/domain/events"
)

const (
	// DefaultMatchTimeout bounds one match expression evaluation.
	DefaultMatchTimeout = 1 * time.Second
	// DefaultHandlerTimeout is the budget for a handler invocation,
	// shared between the request and response phases.
	DefaultHandlerTimeout = 10 * time.Second
)

// errForwardAborted unwinds a parked forward() when the pending entry
// is cleaned up before the upstream response arrives.
var errForwardAborted = errors.New("forward aborted: request was cleaned up")

// RunnerConfig tunes the runner's timeouts; zero values take defaults.
type RunnerConfig struct {
	MatchTimeout   time.Duration
	HandlerTimeout time.Duration
}

// Provider yields the current interceptor list. Implemented by Loader.
type Provider interface {
	Interceptors() []*Interceptor
}

// Runner mediates the two-phase protocol between the proxy and user
// handlers: select an interceptor, run its handler with forward()
// parked on the eventual upstream response, and resolve the outcome.
type Runner struct {
	provider Provider
	events   *events.Log
	repo     RepoReader
	logger   *slog.Logger
	cfg      RunnerConfig

	mu      sync.Mutex
	pending map[string]*pendingEntry
}

// pendingEntry is the per-request runtime state between the request
// phase and the response phase.
type pendingEntry struct {
	name     string
	deadline time.Time

	// forwardRequested is closed on the first forward() call; the
	// request phase returns to the proxy at that point.
	forwardRequested chan struct{}
	// deliver carries the upstream response into the parked forward().
	deliver chan Response
	// abort is closed by cleanup so a parked forward() unwinds.
	abort chan struct{}
	// handlerDone is closed when the handler evaluation returns.
	handlerDone chan struct{}

	mu          sync.Mutex
	forwarded   bool // forward() was called
	forwardDone bool
	forwardVal  map[string]any
	forwardErr  error

	result    *Response // handler's returned response, nil for null
	resultErr error
}

// NewRunner wires the runner to its interceptor source, event log, and
// the read-only repository facade scripts query.
func NewRunner(provider Provider, log *events.Log, repo RepoReader, cfg RunnerConfig, logger *slog.Logger) *Runner {
	if cfg.MatchTimeout <= 0 {
		cfg.MatchTimeout = DefaultMatchTimeout
	}
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = DefaultHandlerTimeout
	}
	return &Runner{
		provider: provider,
		events:   log,
		repo:     repo,
		logger:   logger,
		cfg:      cfg,
		pending:  make(map[string]*pendingEntry),
	}
}

// HandleRequest runs the request phase for one exchange. It never
// returns an error: interceptor misbehaviour degrades to pass-through
// and is visible only in the event log.
func (r *Runner) HandleRequest(ctx context.Context, snap *RequestSnapshot) RequestOutcome {
	selected := r.selectInterceptor(ctx, snap)
	if selected == nil {
		return RequestOutcome{}
	}

	r.events.Append(events.Event{
		Type:          events.TypeMatched,
		Interceptor:   selected.Name,
		RequestID:     snap.ID,
		RequestURL:    snap.URL,
		RequestMethod: snap.Method,
	})

	entry := &pendingEntry{
		name:             selected.Name,
		deadline:         time.Now().Add(r.cfg.HandlerTimeout),
		forwardRequested: make(chan struct{}),
		deliver:          make(chan Response, 1),
		abort:            make(chan struct{}),
		handlerDone:      make(chan struct{}),
	}
	r.mu.Lock()
	r.pending[snap.ID] = entry
	r.mu.Unlock()

	go r.runHandler(selected, entry, snap.clone())

	select {
	case <-entry.handlerDone:
		return r.finishRequestPhase(snap, entry)
	case <-entry.forwardRequested:
		// Handler is parked on forward(); tell the proxy to go
		// upstream. The interception type is settled in the response
		// phase.
		return RequestOutcome{Interception: &Interception{Name: entry.name}}
	case <-time.After(time.Until(entry.deadline)):
		r.expireEntry(snap.ID, entry, snap)
		return RequestOutcome{}
	case <-ctx.Done():
		r.Cleanup(snap.ID)
		return RequestOutcome{}
	}
}

// finishRequestPhase resolves a handler that returned without calling
// forward(): mock, plain pass-through, invalid shape, or error.
func (r *Runner) finishRequestPhase(snap *RequestSnapshot, entry *pendingEntry) RequestOutcome {
	entry.mu.Lock()
	res, resErr, forwarded := entry.result, entry.resultErr, entry.forwarded
	entry.mu.Unlock()

	if forwarded {
		// forward() raced the handler's return. Keep the entry pending
		// so the response phase can still resolve it.
		return RequestOutcome{Interception: &Interception{Name: entry.name}}
	}
	r.removeEntry(snap.ID, entry)

	switch {
	case resErr != nil:
		r.handlerFailure(entry.name, snap, resErr)
		return RequestOutcome{}
	case res != nil:
		r.events.Append(events.Event{
			Type:        events.TypeMocked,
			Interceptor: entry.name,
			RequestID:   snap.ID,
			RequestURL:  snap.URL,
		})
		return RequestOutcome{
			Mock:         res,
			Interception: &Interception{Name: entry.name, Type: capture.InterceptionMocked},
		}
	default:
		// Returned null without forwarding: pass through, no metadata.
		return RequestOutcome{}
	}
}

// HandleResponse runs the response phase: deliver the upstream response
// to any parked forward() and wait for the handler within the remaining
// budget. A nil return means the upstream response passes through.
// Calls for unknown request ids are no-ops.
func (r *Runner) HandleResponse(ctx context.Context, requestID string, upstream Response) *ResponseOutcome {
	r.mu.Lock()
	entry := r.pending[requestID]
	r.mu.Unlock()
	if entry == nil {
		return nil
	}

	select {
	case entry.deliver <- upstream:
	default:
		// Already delivered once; nothing to do.
	}

	var timedOut bool
	select {
	case <-entry.handlerDone:
	case <-time.After(time.Until(entry.deadline)):
		timedOut = true
	case <-ctx.Done():
		timedOut = true
	}

	r.removeEntry(requestID, entry)
	entry.closeAbort()

	if timedOut {
		r.events.Append(events.Event{
			Type:        events.TypeHandlerTimeout,
			Interceptor: entry.name,
			RequestID:   requestID,
			Message:     "handler did not finish within the timeout budget",
		})
		return nil
	}

	entry.mu.Lock()
	res, resErr := entry.result, entry.resultErr
	entry.mu.Unlock()

	switch {
	case resErr != nil:
		r.handlerFailure(entry.name, &RequestSnapshot{ID: requestID}, resErr)
		return nil
	case res != nil:
		r.events.Append(events.Event{
			Type:        events.TypeModified,
			Interceptor: entry.name,
			RequestID:   requestID,
		})
		return &ResponseOutcome{
			Override:     res,
			Interception: &Interception{Name: entry.name, Type: capture.InterceptionModified},
		}
	default:
		r.events.Append(events.Event{
			Type:        events.TypeObserved,
			Interceptor: entry.name,
			RequestID:   requestID,
		})
		return &ResponseOutcome{Interception: &Interception{Name: entry.name}}
	}
}

// Cleanup forcibly drops the pending entry for a request; any parked
// forward() unwinds with an abort error. Called by the proxy on client
// abort and on shutdown.
func (r *Runner) Cleanup(requestID string) {
	r.mu.Lock()
	entry := r.pending[requestID]
	delete(r.pending, requestID)
	r.mu.Unlock()
	if entry != nil {
		entry.closeAbort()
	}
}

// PendingCount reports in-flight handler invocations.
func (r *Runner) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// selectInterceptor walks the current list in order and returns the
// first entry whose match accepts the request. Match failures and
// timeouts skip the candidate, never the whole chain.
func (r *Runner) selectInterceptor(ctx context.Context, snap *RequestSnapshot) *Interceptor {
	activation := map[string]any{"request": snap.activation()}
	for _, it := range r.provider.Interceptors() {
		if it.Err != "" {
			continue
		}
		if it.matchProg == nil {
			return it
		}

		mctx, cancel := context.WithTimeout(ctx, r.cfg.MatchTimeout)
		val, _, err := it.matchProg.ContextEval(mctx, activation)
		cancel()

		if err != nil {
			typ := events.TypeMatchError
			if mctx.Err() == context.DeadlineExceeded {
				typ = events.TypeMatchTimeout
			}
			r.events.Append(events.Event{
				Type:        typ,
				Interceptor: it.Name,
				RequestID:   snap.ID,
				RequestURL:  snap.URL,
				Error:       err.Error(),
			})
			continue
		}
		matched, ok := val.Value().(bool)
		if !ok {
			r.events.Append(events.Event{
				Type:        events.TypeMatchError,
				Interceptor: it.Name,
				RequestID:   snap.ID,
				Error:       fmt.Sprintf("match returned %T, want bool", val.Value()),
			})
			continue
		}
		if matched {
			return it
		}
	}
	return nil
}

// runHandler evaluates the handler expression in its own goroutine with
// forward/log/repository functions bound to this pending entry.
func (r *Runner) runHandler(it *Interceptor, entry *pendingEntry, snap *RequestSnapshot) {
	defer close(entry.handlerDone)

	hctx, cancel := context.WithDeadline(context.Background(), entry.deadline)
	defer cancel()

	binds := &handlerBindings{
		ctx:     hctx,
		forward: func() (map[string]any, error) { return r.forward(entry, snap) },
		log: func(msg string) {
			r.events.Append(events.Event{
				Type:        events.TypeUserLog,
				Interceptor: entry.name,
				RequestID:   snap.ID,
				Message:     msg,
			})
		},
		repo: &repoFacade{repo: r.repo},
	}

	env, err := newHandlerEnv(binds)
	if err != nil {
		entry.setError(fmt.Errorf("handler environment: %w", err))
		return
	}
	prg, err := compile(env, it.HandlerSource)
	if err != nil {
		entry.setError(fmt.Errorf("handler compile: %w", err))
		return
	}

	val, _, err := prg.ContextEval(hctx, map[string]any{"request": snap.activation()})
	if err != nil {
		entry.setError(err)
		return
	}

	res, err := convertHandlerResult(val)
	if err != nil {
		entry.setError(errInvalidShape{err})
		return
	}
	entry.mu.Lock()
	entry.result = res
	entry.mu.Unlock()
}

// forward parks the handler until the upstream response is delivered
// or the entry is aborted. The first resolution is memoised; repeated
// calls return the same value. A fresh call after cleanup fails with
// forward_after_complete.
func (r *Runner) forward(entry *pendingEntry, snap *RequestSnapshot) (map[string]any, error) {
	entry.mu.Lock()
	if entry.forwardDone {
		val, err := entry.forwardVal, entry.forwardErr
		entry.mu.Unlock()
		return val, err
	}
	aborted := false
	select {
	case <-entry.abort:
		aborted = true
	default:
	}
	if aborted && !entry.forwarded {
		entry.mu.Unlock()
		r.events.Append(events.Event{
			Type:        events.TypeForwardAfterComplete,
			Interceptor: entry.name,
			RequestID:   snap.ID,
			Message:     "forward() called after the response phase completed",
		})
		return nil, fmt.Errorf("forward() is no longer available: response phase completed")
	}
	first := !entry.forwarded
	entry.forwarded = true
	entry.mu.Unlock()

	if first {
		close(entry.forwardRequested)
	}

	select {
	case resp := <-entry.deliver:
		val := resp.celValue()
		entry.mu.Lock()
		entry.forwardDone = true
		entry.forwardVal = val
		entry.mu.Unlock()
		return val, nil
	case <-entry.abort:
		entry.mu.Lock()
		entry.forwardDone = true
		entry.forwardErr = errForwardAborted
		entry.mu.Unlock()
		return nil, errForwardAborted
	}
}

// expireEntry handles a request-phase timeout: emit the event, drop the
// entry, and unwind any parked forward.
func (r *Runner) expireEntry(requestID string, entry *pendingEntry, snap *RequestSnapshot) {
	r.removeEntry(requestID, entry)
	entry.closeAbort()
	r.events.Append(events.Event{
		Type:        events.TypeHandlerTimeout,
		Interceptor: entry.name,
		RequestID:   requestID,
		RequestURL:  snap.URL,
		Message:     "handler did not return within the timeout budget",
	})
}

func (r *Runner) removeEntry(requestID string, entry *pendingEntry) {
	r.mu.Lock()
	if r.pending[requestID] == entry {
		delete(r.pending, requestID)
	}
	r.mu.Unlock()
}

func (r *Runner) handlerFailure(name string, snap *RequestSnapshot, err error) {
	var invalid errInvalidShape
	typ := events.TypeHandlerError
	if errors.As(err, &invalid) {
		typ = events.TypeInvalidResponse
	}
	// CEL may rewrap the abort sentinel as an evaluation error; match
	// on the message as well.
	if errors.Is(err, errForwardAborted) || strings.Contains(err.Error(), errForwardAborted.Error()) {
		// The handler just unwound through the abort; cleanup is not an
		// interceptor failure.
		return
	}
	r.events.Append(events.Event{
		Type:        typ,
		Interceptor: name,
		RequestID:   snap.ID,
		RequestURL:  snap.URL,
		Error:       err.Error(),
	})
}

func (e *pendingEntry) setError(err error) {
	e.mu.Lock()
	e.resultErr = err
	e.mu.Unlock()
}

func (e *pendingEntry) closeAbort() {
	e.mu.Lock()
	defer e.mu.Unlock()
	select {
	case <-e.abort:
	default:
		close(e.abort)
	}
}

// errInvalidShape marks a handler result that is neither null nor a
// valid response object.
type errInvalidShape struct{ cause error }

func (e errInvalidShape) Error() string { return "invalid handler response: " + e.cause.Error() }
func (e errInvalidShape) Unwrap() error { return e.cause }

// convertHandlerResult turns a CEL result into a Response. null means
// no override; a map must carry status in [100, 599], optional string
// headers, and an optional string or bytes body.
func convertHandlerResult(val ref.Val) (*Response, error) {
	if val == nil || val.Type() == types.NullType {
		return nil, nil
	}
	m, err := nativeMap(val)
	if err != nil {
		return nil, err
	}

	rawStatus, ok := m["status"]
	if !ok {
		return nil, fmt.Errorf("missing status")
	}
	status, ok := toInt(rawStatus)
	if !ok || status < 100 || status > 599 {
		return nil, fmt.Errorf("status must be an integer in [100, 599], got %v", rawStatus)
	}

	resp := &Response{Status: status, Headers: map[string]string{}}

	if rawHeaders, ok := m["headers"]; ok && rawHeaders != nil {
		hm, ok := rawHeaders.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("headers must be a map, got %T", rawHeaders)
		}
		for k, v := range hm {
			s, ok := v.(string)
			if !ok {
				return nil, fmt.Errorf("header %q must be a string, got %T", k, v)
			}
			resp.Headers[strings.ToLower(k)] = s
		}
	}

	if rawBody, ok := m["body"]; ok && rawBody != nil {
		switch b := rawBody.(type) {
		case string:
			resp.Body = []byte(b)
		case []byte:
			resp.Body = b
		default:
			return nil, fmt.Errorf("body must be a string or bytes, got %T", rawBody)
		}
	}
	return resp, nil
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case uint64:
		return int(n), true
	case float64:
		if n == float64(int(n)) {
			return int(n), true
		}
	}
	return 0, false
}
