package interceptor

import (
	"context"
	"testing"
	"time"

	"github.com/procsi/procsi/internal/domain/capture"
	"github.com/procsi/procsi/internal/domain/events"
)

// fakeRepo implements RepoReader for handler tests; Count can be made
// to block to exercise timeouts.
type fakeRepo struct {
	count      int
	countDelay time.Duration
	countDone  chan struct{}
}

func (f *fakeRepo) Get(context.Context, string) (*capture.Request, error) { return nil, nil }
func (f *fakeRepo) Count(context.Context, capture.ListOptions) (int, error) {
	if f.countDelay > 0 {
		time.Sleep(f.countDelay)
	}
	if f.countDone != nil {
		close(f.countDone)
	}
	return f.count, nil
}
func (f *fakeRepo) ListSummaries(context.Context, capture.ListOptions) ([]*capture.Summary, error) {
	return nil, nil
}
func (f *fakeRepo) SearchBodies(context.Context, string, capture.BodyTarget, capture.ListOptions) ([]*capture.BodySearchResult, error) {
	return nil, nil
}
func (f *fakeRepo) QueryJSONBodies(context.Context, string, any, capture.BodyTarget, capture.ListOptions) ([]*capture.JSONQueryResult, error) {
	return nil, nil
}

func newTestRunner(t *testing.T, scripts map[string]string, repo RepoReader, cfg RunnerConfig) (*Runner, *events.Log) {
	t.Helper()
	dir := t.TempDir()
	for name, content := range scripts {
		writeScript(t, dir, name, content)
	}
	log := events.NewLog(100)
	l, err := NewLoader(dir, log, testLogger())
	if err != nil {
		t.Fatalf("new loader: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	if err := l.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	if repo == nil {
		repo = &fakeRepo{}
	}
	return NewRunner(l, log, repo, cfg, testLogger()), log
}

func testSnapshot(id, path string) *RequestSnapshot {
	return &RequestSnapshot{
		ID:      id,
		Method:  "GET",
		URL:     "https://api.example.com" + path,
		Host:    "api.example.com",
		Path:    path,
		Headers: map[string]string{"accept": "application/json"},
	}
}

func eventTypes(log *events.Log) []events.Type {
	var out []events.Type
	for _, ev := range log.Since(0, events.Query{}) {
		if ev.Type == events.TypeLoaded || ev.Type == events.TypeReload {
			continue
		}
		out = append(out, ev.Type)
	}
	return out
}

func TestMockPath(t *testing.T) {
	r, log := newTestRunner(t, map[string]string{
		"mock-api": `
name: mock-api-test
match: request.path == "/api/test"
handler: |
  {"status": 200, "body": "{\"mocked\":true}"}
`,
	}, nil, RunnerConfig{})

	out := r.HandleRequest(context.Background(), testSnapshot("req-1", "/api/test"))
	if out.Mock == nil {
		t.Fatal("expected a mock response")
	}
	if out.Mock.Status != 200 || string(out.Mock.Body) != `{"mocked":true}` {
		t.Fatalf("mock = %+v", out.Mock)
	}
	if out.Interception == nil || out.Interception.Name != "mock-api-test" ||
		out.Interception.Type != capture.InterceptionMocked {
		t.Fatalf("interception = %+v", out.Interception)
	}
	if r.PendingCount() != 0 {
		t.Fatal("pending entry leaked after mock path")
	}

	got := eventTypes(log)
	want := []events.Type{events.TypeMatched, events.TypeMocked}
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("events = %v, want %v", got, want)
	}
}

func TestNonMatchingRequestPassesThrough(t *testing.T) {
	r, log := newTestRunner(t, map[string]string{
		"mock-api": `
match: request.path == "/api/test"
handler: '{"status": 200}'
`,
	}, nil, RunnerConfig{})

	out := r.HandleRequest(context.Background(), testSnapshot("req-1", "/other"))
	if out.Mock != nil || out.Interception != nil {
		t.Fatalf("outcome = %+v", out)
	}
	if got := eventTypes(log); len(got) != 0 {
		t.Fatalf("events = %v, want none", got)
	}
}

func TestModifyPath(t *testing.T) {
	r, log := newTestRunner(t, map[string]string{
		"add-header": `
name: add-header
handler: |
  merge(forward(), {"headers": merge(forward()["headers"], {"x-intercepted": "true"})})
`,
	}, nil, RunnerConfig{})

	snap := testSnapshot("req-2", "/api/data")
	out := r.HandleRequest(context.Background(), snap)
	if out.Mock != nil {
		t.Fatal("modify path must not mock")
	}
	if out.Interception == nil || out.Interception.Name != "add-header" {
		t.Fatalf("interception = %+v", out.Interception)
	}
	if r.PendingCount() != 1 {
		t.Fatal("entry must stay pending until the response phase")
	}

	upstream := Response{
		Status:  200,
		Headers: map[string]string{"content-type": "application/json"},
		Body:    []byte(`{"message":"hello from upstream"}`),
	}
	res := r.HandleResponse(context.Background(), "req-2", upstream)
	if res == nil || res.Override == nil {
		t.Fatal("expected a response override")
	}
	if res.Override.Status != 200 {
		t.Fatalf("override status = %d", res.Override.Status)
	}
	if res.Override.Headers["x-intercepted"] != "true" {
		t.Fatalf("override headers = %v", res.Override.Headers)
	}
	if res.Override.Headers["content-type"] != "application/json" {
		t.Fatalf("upstream headers lost: %v", res.Override.Headers)
	}
	if string(res.Override.Body) != `{"message":"hello from upstream"}` {
		t.Fatalf("override body = %q", res.Override.Body)
	}
	if res.Interception.Type != capture.InterceptionModified {
		t.Fatalf("interception type = %q", res.Interception.Type)
	}
	if r.PendingCount() != 0 {
		t.Fatal("pending entry leaked after response phase")
	}

	got := eventTypes(log)
	want := []events.Type{events.TypeMatched, events.TypeModified}
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("events = %v, want %v", got, want)
	}
}

func TestObservePathAndForwardMemoisation(t *testing.T) {
	r, log := newTestRunner(t, map[string]string{
		"observer": `
name: observer
handler: |
  forward() == forward() ? null : {"status": 500}
`,
	}, nil, RunnerConfig{})

	out := r.HandleRequest(context.Background(), testSnapshot("req-3", "/api/data"))
	if out.Mock != nil || out.Interception == nil {
		t.Fatalf("outcome = %+v", out)
	}

	res := r.HandleResponse(context.Background(), "req-3", Response{Status: 204})
	if res == nil {
		t.Fatal("expected an observe outcome")
	}
	// The 500 branch would have fired if forward() were not memoised.
	if res.Override != nil {
		t.Fatalf("observe path returned an override: %+v", res.Override)
	}
	if res.Interception == nil || res.Interception.Name != "observer" || res.Interception.Type != "" {
		t.Fatalf("interception = %+v", res.Interception)
	}

	evs := log.Since(0, events.Query{Type: events.TypeObserved})
	if len(evs) != 1 {
		t.Fatalf("expected one observed event, got %d", len(evs))
	}
}

func TestHandlerErrorPassesThrough(t *testing.T) {
	r, log := newTestRunner(t, map[string]string{
		"boom": `
name: boom
handler: |
  {"status": 200, "body": request.headers["definitely-missing"]}
`,
	}, nil, RunnerConfig{})

	out := r.HandleRequest(context.Background(), testSnapshot("req-4", "/x"))
	if out.Mock != nil || out.Interception != nil {
		t.Fatalf("outcome = %+v", out)
	}

	evs := log.Since(0, events.Query{Type: events.TypeHandlerError})
	if len(evs) != 1 || evs[0].Interceptor != "boom" || evs[0].Error == "" {
		t.Fatalf("handler_error events = %+v", evs)
	}
}

func TestInvalidResponseShape(t *testing.T) {
	cases := []struct{ name, handler string }{
		{"status-range", `'{"status": 9000}'`},
		{"not-a-map", `'"just a string"'`},
		{"bad-headers", `'{"status": 200, "headers": {"x": 1}}'`},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			r, log := newTestRunner(t, map[string]string{
				"bad": "handler: " + c.handler + "\n",
			}, nil, RunnerConfig{})

			out := r.HandleRequest(context.Background(), testSnapshot("req-5", "/x"))
			if out.Mock != nil || out.Interception != nil {
				t.Fatalf("outcome = %+v", out)
			}
			if evs := log.Since(0, events.Query{Type: events.TypeInvalidResponse}); len(evs) != 1 {
				t.Fatalf("invalid_response events = %+v", evs)
			}
		})
	}
}

func TestNullWithoutForwardPassesThrough(t *testing.T) {
	r, log := newTestRunner(t, map[string]string{
		"noop": `{handler: "null"}`,
	}, nil, RunnerConfig{})

	out := r.HandleRequest(context.Background(), testSnapshot("req-6", "/x"))
	if out.Mock != nil || out.Interception != nil {
		t.Fatalf("outcome = %+v", out)
	}
	got := eventTypes(log)
	if len(got) != 1 || got[0] != events.TypeMatched {
		t.Fatalf("events = %v, want just matched", got)
	}
	if r.PendingCount() != 0 {
		t.Fatal("pending entry leaked")
	}
}

func TestRequestPhaseTimeout(t *testing.T) {
	repo := &fakeRepo{countDelay: 200 * time.Millisecond, countDone: make(chan struct{})}
	r, log := newTestRunner(t, map[string]string{
		"slow": `
name: slow
handler: |
  count_requests({}) >= 0 ? null : {"status": 500}
`,
	}, repo, RunnerConfig{HandlerTimeout: 50 * time.Millisecond})

	start := time.Now()
	out := r.HandleRequest(context.Background(), testSnapshot("req-7", "/x"))
	if out.Mock != nil || out.Interception != nil {
		t.Fatalf("outcome = %+v", out)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("timeout took %v", elapsed)
	}
	if r.PendingCount() != 0 {
		t.Fatal("pending entry not discarded on timeout")
	}
	if evs := log.Since(0, events.Query{Type: events.TypeHandlerTimeout}); len(evs) != 1 {
		t.Fatalf("handler_timeout events = %+v", evs)
	}

	// Let the parked handler goroutine finish before leak checks.
	<-repo.countDone
	time.Sleep(20 * time.Millisecond)
}

func TestMatchErrorSkipsToNextInterceptor(t *testing.T) {
	r, log := newTestRunner(t, map[string]string{
		"a-broken-match": `
name: broken-match
match: request.headers["missing"] == "1"
handler: '{"status": 500}'
`,
		"b-fallback": `
name: fallback
handler: '{"status": 201}'
`,
	}, nil, RunnerConfig{})

	out := r.HandleRequest(context.Background(), testSnapshot("req-8", "/x"))
	if out.Mock == nil || out.Mock.Status != 201 {
		t.Fatalf("outcome = %+v", out)
	}
	if out.Interception.Name != "fallback" {
		t.Fatalf("selected %q, want fallback", out.Interception.Name)
	}
	if evs := log.Since(0, events.Query{Type: events.TypeMatchError}); len(evs) != 1 {
		t.Fatalf("match_error events = %+v", evs)
	}
}

func TestCleanupAbortsParkedForward(t *testing.T) {
	r, log := newTestRunner(t, map[string]string{
		"parked": `
name: parked
handler: |
  forward().status >= 100 ? null : null
`,
	}, nil, RunnerConfig{})

	out := r.HandleRequest(context.Background(), testSnapshot("req-9", "/x"))
	if out.Interception == nil {
		t.Fatal("handler should be parked on forward")
	}

	r.Cleanup("req-9")
	if r.PendingCount() != 0 {
		t.Fatal("cleanup left a pending entry")
	}

	// The response phase after cleanup is a no-op.
	if res := r.HandleResponse(context.Background(), "req-9", Response{Status: 200}); res != nil {
		t.Fatalf("post-cleanup response outcome = %+v", res)
	}

	// The unwound handler is not an interceptor failure.
	time.Sleep(50 * time.Millisecond)
	if evs := log.Since(0, events.Query{Type: events.TypeHandlerError}); len(evs) != 0 {
		t.Fatalf("handler_error after cleanup: %+v", evs)
	}
}

func TestUserLogEvent(t *testing.T) {
	r, log := newTestRunner(t, map[string]string{
		"logger": `
name: logger
handler: |
  log("saw " + request.path) ? null : null
`,
	}, nil, RunnerConfig{})

	r.HandleRequest(context.Background(), testSnapshot("req-10", "/api/items"))

	evs := log.Since(0, events.Query{Type: events.TypeUserLog})
	if len(evs) != 1 || evs[0].Message != "saw /api/items" {
		t.Fatalf("user_log events = %+v", evs)
	}
}

func TestRepoFacadeFromHandler(t *testing.T) {
	repo := &fakeRepo{count: 7}
	r, _ := newTestRunner(t, map[string]string{
		"counter": `
name: counter
handler: |
  count_requests({"filter": {"methods": ["GET"]}}) == 7
    ? {"status": 200, "body": "seven"}
    : null
`,
	}, repo, RunnerConfig{})

	out := r.HandleRequest(context.Background(), testSnapshot("req-11", "/x"))
	if out.Mock == nil || string(out.Mock.Body) != "seven" {
		t.Fatalf("outcome = %+v", out)
	}
}
