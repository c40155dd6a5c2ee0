package control

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/procsi/procsi/internal/adapter/outbound/sqlite"
	"github.com/procsi/procsi/internal/domain/capture"
	"github.com/procsi/procsi/internal/domain/events"
	"github.com/procsi/procsi/internal/interceptor"
	"github.com/procsi/procsi/internal/metrics"
	"github.com/procsi/procsi/internal/replay"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type stubRepo struct {
	requests map[string]*capture.Request
	saved    map[string]bool
	sessions []*capture.Session
	cleared  int64
}

func newStubRepo() *stubRepo {
	return &stubRepo{
		requests: make(map[string]*capture.Request),
		saved:    make(map[string]bool),
	}
}

func (s *stubRepo) RegisterSession(_ context.Context, label string, pid int, source string) (*capture.Session, error) {
	sess := &capture.Session{
		ID:            fmt.Sprintf("sess-%d", len(s.sessions)+1),
		Label:         label,
		Source:        source,
		PID:           pid,
		StartedAt:     time.Now(),
		InternalToken: "tok-secret",
	}
	s.sessions = append(s.sessions, sess)
	return sess, nil
}

func (s *stubRepo) ListSessions(context.Context) ([]*capture.Session, error) {
	return s.sessions, nil
}

func (s *stubRepo) Get(_ context.Context, id string) (*capture.Request, error) {
	req, ok := s.requests[id]
	if !ok {
		return nil, sqlite.ErrNotFound
	}
	return req, nil
}

func (s *stubRepo) List(context.Context, capture.ListOptions) ([]*capture.Request, error) {
	out := make([]*capture.Request, 0, len(s.requests))
	for _, r := range s.requests {
		out = append(out, r)
	}
	return out, nil
}

func (s *stubRepo) ListSummaries(context.Context, capture.ListOptions) ([]*capture.Summary, error) {
	return nil, nil
}

func (s *stubRepo) Count(context.Context, capture.ListOptions) (int, error) {
	return len(s.requests), nil
}

func (s *stubRepo) SearchBodies(context.Context, string, capture.BodyTarget, capture.ListOptions) ([]*capture.BodySearchResult, error) {
	return nil, nil
}

func (s *stubRepo) QueryJSONBodies(context.Context, string, any, capture.BodyTarget, capture.ListOptions) ([]*capture.JSONQueryResult, error) {
	return nil, nil
}

func (s *stubRepo) Clear(context.Context) (int64, error) {
	s.cleared = int64(len(s.requests))
	s.requests = make(map[string]*capture.Request)
	return s.cleared, nil
}

func (s *stubRepo) Bookmark(_ context.Context, id string) (bool, error) {
	if _, ok := s.requests[id]; !ok {
		return false, nil
	}
	s.saved[id] = true
	return true, nil
}

func (s *stubRepo) Unbookmark(_ context.Context, id string) (bool, error) {
	if _, ok := s.requests[id]; !ok {
		return false, nil
	}
	delete(s.saved, id)
	return true, nil
}

type stubLoader struct {
	infos   []interceptor.Info
	reloads int
}

func (s *stubLoader) List() []interceptor.Info { return s.infos }
func (s *stubLoader) Load() error {
	s.reloads++
	return nil
}

type stubReplayer struct {
	lastID        string
	lastInitiator capture.ReplayInitiator
	lastOpts      replay.Options
}

func (s *stubReplayer) Replay(_ context.Context, id string, opts replay.Options, initiator capture.ReplayInitiator) (*replay.Result, error) {
	s.lastID = id
	s.lastOpts = opts
	s.lastInitiator = initiator
	return &replay.Result{Status: 200}, nil
}

type testEnv struct {
	repo     *stubRepo
	loader   *stubLoader
	replayer *stubReplayer
	events   *events.Log
	server   *Server
	conn     net.Conn
	reader   *bufio.Reader
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	socket := filepath.Join(t.TempDir(), "c.sock")

	env := &testEnv{
		repo:     newStubRepo(),
		loader:   &stubLoader{},
		replayer: &stubReplayer{},
		events:   events.NewLog(0),
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	env.server = NewServer(
		Config{SocketPath: socket, Version: "1.2.3", ProxyPort: 18080},
		Deps{Repo: env.repo, Events: env.events, Loader: env.loader, Replayer: env.replayer, Metrics: metrics.New()},
		logger,
	)
	if err := env.server.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = env.server.Shutdown(ctx)
	})

	conn, err := net.Dial("unix", socket)
	if err != nil {
		t.Fatalf("dial control socket: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	env.conn = conn
	env.reader = bufio.NewReader(conn)
	return env
}

func (env *testEnv) send(t *testing.T, frame string) {
	t.Helper()
	if _, err := env.conn.Write([]byte(frame + "\n")); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func (env *testEnv) recv(t *testing.T) map[string]any {
	t.Helper()
	line, err := env.reader.ReadBytes('\n')
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	var resp map[string]any
	if err := json.Unmarshal(line, &resp); err != nil {
		t.Fatalf("decode response %q: %v", line, err)
	}
	return resp
}

func (env *testEnv) call(t *testing.T, id, method string, params any) map[string]any {
	t.Helper()
	frame := map[string]any{"id": id, "method": method}
	if params != nil {
		frame["params"] = params
	}
	data, err := json.Marshal(frame)
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	env.send(t, string(data))
	return env.recv(t)
}

func errorCode(t *testing.T, resp map[string]any) int {
	t.Helper()
	errObj, ok := resp["error"].(map[string]any)
	if !ok {
		t.Fatalf("response has no error: %v", resp)
	}
	return int(errObj["code"].(float64))
}

func result(t *testing.T, resp map[string]any) map[string]any {
	t.Helper()
	if errObj, ok := resp["error"]; ok && errObj != nil {
		t.Fatalf("unexpected error: %v", errObj)
	}
	res, ok := resp["result"].(map[string]any)
	if !ok {
		t.Fatalf("response has no object result: %v", resp)
	}
	return res
}

func TestPing(t *testing.T) {
	env := newTestEnv(t)
	resp := env.call(t, "1", "ping", nil)
	if resp["id"] != "1" {
		t.Errorf("id = %v", resp["id"])
	}
	if res := result(t, resp); res["pong"] != true {
		t.Errorf("result = %v", res)
	}
}

func TestParseErrorKeepsConnection(t *testing.T) {
	env := newTestEnv(t)
	env.send(t, "{this is not json")
	resp := env.recv(t)
	if resp["id"] != "unknown" {
		t.Errorf("parse error id = %v, want unknown", resp["id"])
	}
	if code := errorCode(t, resp); code != -32700 {
		t.Errorf("code = %d, want -32700", code)
	}

	// The connection survives a bad frame.
	if res := result(t, env.call(t, "2", "ping", nil)); res["pong"] != true {
		t.Error("ping after parse error failed")
	}
}

func TestUnknownMethod(t *testing.T) {
	env := newTestEnv(t)
	resp := env.call(t, "7", "fetchTheMoon", nil)
	if code := errorCode(t, resp); code != -32601 {
		t.Errorf("code = %d, want -32601", code)
	}
}

func TestStatus(t *testing.T) {
	env := newTestEnv(t)
	env.repo.requests["a"] = &capture.Request{ID: "a"}
	env.loader.infos = []interceptor.Info{{Name: "one", File: "one.cept.yaml", HasMatch: true}}

	res := result(t, env.call(t, "s", "status", nil))
	if res["version"] != "1.2.3" {
		t.Errorf("version = %v", res["version"])
	}
	if int(res["proxyPort"].(float64)) != 18080 {
		t.Errorf("proxyPort = %v", res["proxyPort"])
	}
	if int(res["requestCount"].(float64)) != 1 {
		t.Errorf("requestCount = %v", res["requestCount"])
	}
	if int(res["pid"].(float64)) != os.Getpid() {
		t.Errorf("pid = %v", res["pid"])
	}
}

func TestRegisterSessionReturnsTokenOnce(t *testing.T) {
	env := newTestEnv(t)
	res := result(t, env.call(t, "r", "registerSession", map[string]any{"label": "tests", "pid": 99, "source": "npm"}))
	if res["token"] != "tok-secret" {
		t.Errorf("token = %v", res["token"])
	}
	sess := res["session"].(map[string]any)
	if sess["label"] != "tests" {
		t.Errorf("label = %v", sess["label"])
	}
	// The session object itself must not leak the token.
	if _, ok := sess["internalToken"]; ok {
		t.Error("session serialisation leaked the token")
	}

	listed := env.call(t, "l", "listSessions", nil)
	_ = listed // listSessions returns the raw slice under result
}

func TestGetRequestNotFound(t *testing.T) {
	env := newTestEnv(t)
	resp := env.call(t, "g", "getRequest", map[string]any{"id": "nope"})
	if _, hasErr := resp["error"]; hasErr {
		t.Fatalf("unknown id must not be an error, got %v", resp["error"])
	}
	res := result(t, resp)
	req, present := res["request"]
	if !present {
		t.Fatal("result is missing the request field")
	}
	if req != nil {
		t.Errorf("request = %v, want null", req)
	}
}

func TestGetRequestRequiresID(t *testing.T) {
	env := newTestEnv(t)
	resp := env.call(t, "g", "getRequest", map[string]any{})
	if code := errorCode(t, resp); code != -32000 {
		t.Errorf("code = %d, want -32000", code)
	}
}

func TestSaveAndUnsave(t *testing.T) {
	env := newTestEnv(t)
	env.repo.requests["r1"] = &capture.Request{ID: "r1"}

	res := result(t, env.call(t, "1", "saveRequest", map[string]any{"id": "r1"}))
	if res["saved"] != true {
		t.Errorf("saved = %v", res["saved"])
	}
	if !env.repo.saved["r1"] {
		t.Error("repo bookmark not set")
	}

	res = result(t, env.call(t, "2", "unsaveRequest", map[string]any{"id": "r1"}))
	if res["saved"] != false {
		t.Errorf("saved = %v", res["saved"])
	}

	resp := env.call(t, "3", "saveRequest", map[string]any{"id": "ghost"})
	if code := errorCode(t, resp); code != -32000 {
		t.Errorf("bookmarking a ghost: code = %d, want -32000", code)
	}
}

func TestClearRequests(t *testing.T) {
	env := newTestEnv(t)
	env.repo.requests["a"] = &capture.Request{ID: "a"}
	env.repo.requests["b"] = &capture.Request{ID: "b"}

	res := result(t, env.call(t, "c", "clearRequests", nil))
	if int(res["cleared"].(float64)) != 2 {
		t.Errorf("cleared = %v", res["cleared"])
	}
}

func TestReloadInterceptors(t *testing.T) {
	env := newTestEnv(t)
	result(t, env.call(t, "1", "reloadInterceptors", nil))
	if env.loader.reloads != 1 {
		t.Errorf("reloads = %d", env.loader.reloads)
	}
}

func TestInterceptorEvents(t *testing.T) {
	env := newTestEnv(t)
	env.events.Append(events.Event{Type: events.TypeMatched, Interceptor: "a", Message: "m1"})
	env.events.Append(events.Event{Type: events.TypeHandlerError, Interceptor: "a", Message: "boom"})

	res := result(t, env.call(t, "e", "getInterceptorEvents", map[string]any{"level": "error"}))
	evs := res["events"].([]any)
	if len(evs) != 1 {
		t.Fatalf("events = %d, want only the error", len(evs))
	}
	counts := res["counts"].(map[string]any)
	if int(counts["info"].(float64)) != 1 || int(counts["error"].(float64)) != 1 {
		t.Errorf("counts = %v", counts)
	}

	result(t, env.call(t, "x", "clearInterceptorEvents", nil))
	res = result(t, env.call(t, "e2", "getInterceptorEvents", nil))
	if len(res["events"].([]any)) != 0 {
		t.Error("events survived clear")
	}
}

func TestReplayRequestDefaultsInitiator(t *testing.T) {
	env := newTestEnv(t)
	res := result(t, env.call(t, "rp", "replayRequest", map[string]any{
		"id":        "r1",
		"method":    "PUT",
		"timeoutMs": 2000,
	}))
	if int(res["status"].(float64)) != 200 {
		t.Errorf("status = %v", res["status"])
	}
	if env.replayer.lastID != "r1" || env.replayer.lastInitiator != capture.ReplayInitiatorTUI {
		t.Errorf("replayed (%q, %q)", env.replayer.lastID, env.replayer.lastInitiator)
	}
	if env.replayer.lastOpts.Method != "PUT" || env.replayer.lastOpts.TimeoutMs != 2000 {
		t.Errorf("opts = %+v", env.replayer.lastOpts)
	}

	resp := env.call(t, "rp2", "replayRequest", map[string]any{"id": "r1", "initiator": "carrier-pigeon"})
	if code := errorCode(t, resp); code != -32000 {
		t.Errorf("bad initiator: code = %d, want -32000", code)
	}
}

func TestPipelinedFramesAnswerInOrder(t *testing.T) {
	env := newTestEnv(t)
	env.send(t, `{"id":"a","method":"ping"}`+"\n"+`{"id":"b","method":"ping"}`)
	first := env.recv(t)
	second := env.recv(t)
	if first["id"] != "a" || second["id"] != "b" {
		t.Errorf("order = %v, %v", first["id"], second["id"])
	}
}

func TestSocketPermissions(t *testing.T) {
	env := newTestEnv(t)
	info, err := os.Stat(env.server.cfg.SocketPath)
	if err != nil {
		t.Fatalf("stat socket: %v", err)
	}
	if perm := info.Mode().Perm(); perm != fs.FileMode(0o600) {
		t.Errorf("socket mode = %o, want 0600", perm)
	}
}

func TestShutdownRemovesSocket(t *testing.T) {
	env := newTestEnv(t)
	socket := env.server.cfg.SocketPath

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := env.server.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if _, err := os.Stat(socket); !os.IsNotExist(err) {
		t.Errorf("socket still present after shutdown: %v", err)
	}
	// Idempotent.
	if err := env.server.Shutdown(ctx); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
}
