// Package sqlite implements the request repository on an embedded
// SQLite database (modernc.org/sqlite, pure Go). A single connection
// serialises all writes; WAL keeps readers unblocked.
package sqlite

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"database/sql"
	"database/sql/driver"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	sqlite3 "modernc.org/sqlite"

	"github.com/procsi/procsi/internal/domain/capture"
)

// ErrNotFound is returned by lookups for an id with no row.
var ErrNotFound = errors.New("not found")

// globalRegexCache backs the procsi_regexp SQL function. The function
// is registered process-wide, so its cache is too.
var globalRegexCache = newRegexCache(128)

func init() {
	// procsi_regexp(pattern, flags, subject) -> 0/1. Compile errors
	// propagate and fail the query, which is how invalid regex filters
	// are surfaced to callers.
	sqlite3.MustRegisterDeterministicScalarFunction("procsi_regexp", 3,
		func(ctx *sqlite3.FunctionContext, args []driver.Value) (driver.Value, error) {
			pattern, _ := args[0].(string)
			flags, _ := args[1].(string)
			subject, _ := args[2].(string)
			re, err := globalRegexCache.get(pattern, flags)
			if err != nil {
				return nil, err
			}
			if re.MatchString(subject) {
				return int64(1), nil
			}
			return int64(0), nil
		})
}

const (
	// DefaultMaxStoredRequests caps the count of non-bookmarked rows.
	DefaultMaxStoredRequests = 5000
	// evictionCheckInterval amortises the eviction count query.
	evictionCheckInterval = 100

	defaultListLimit = 100
)

// Config configures a Repository.
type Config struct {
	// Path is the database file path.
	Path string
	// MaxStoredRequests caps non-bookmarked rows; 0 means the default.
	MaxStoredRequests int
	// OnEvict, when set, is called with the row count of each eviction.
	OnEvict func(n int64)
}

// Repository is the on-disk store of sessions and captured requests.
type Repository struct {
	db        *sql.DB
	logger    *slog.Logger
	maxStored int
	onEvict   func(n int64)

	insertMu          chan struct{} // 1-token semaphore for the eviction counter
	insertsSinceCheck int
}

// NewRepository opens (creating if needed) the database at cfg.Path and
// applies pending migrations. A migration failure closes the handle and
// refuses to open.
func NewRepository(cfg Config, logger *slog.Logger) (*Repository, error) {
	if cfg.MaxStoredRequests <= 0 {
		cfg.MaxStoredRequests = DefaultMaxStoredRequests
	}

	dsn := "file:" + cfg.Path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One connection: SQLite allows a single writer, and sharing the
	// connection gives readers immediate visibility of bookmark flips.
	db.SetMaxOpenConns(1)

	r := &Repository{
		db:        db,
		logger:    logger,
		maxStored: cfg.MaxStoredRequests,
		onEvict:   cfg.OnEvict,
		insertMu:  make(chan struct{}, 1),
	}
	if err := r.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return r, nil
}

func (r *Repository) Close() error {
	return r.db.Close()
}

// --- sessions ---

// RegisterSession creates a new session with a fresh id and internal
// token. The token is only ever returned here.
func (r *Repository) RegisterSession(ctx context.Context, label string, pid int, source string) (*capture.Session, error) {
	s := &capture.Session{
		ID:            uuid.NewString(),
		Label:         label,
		Source:        source,
		PID:           pid,
		StartedAt:     time.Now(),
		InternalToken: newToken(),
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO sessions (id, label, source, pid, started_at, internal_token)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		s.ID, nullStr(s.Label), nullStr(s.Source), s.PID, s.StartedAt.UnixMilli(), s.InternalToken)
	if err != nil {
		return nil, fmt.Errorf("register session: %w", err)
	}
	return s, nil
}

// EnsureSession creates the session if absent and returns it either
// way. Existing sessions are never mutated.
func (r *Repository) EnsureSession(ctx context.Context, id, label string, pid int, source string) (*capture.Session, error) {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO sessions (id, label, source, pid, started_at, internal_token)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO NOTHING`,
		id, nullStr(label), nullStr(source), pid, time.Now().UnixMilli(), newToken())
	if err != nil {
		return nil, fmt.Errorf("ensure session: %w", err)
	}
	return r.getSession(ctx, id)
}

func (r *Repository) getSession(ctx context.Context, id string) (*capture.Session, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, label, source, pid, started_at, internal_token FROM sessions WHERE id = ?`, id)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return s, err
}

// GetSessionAuth returns the session's source iff the token matches.
// A missing session or wrong token reports ok = false, not an error.
func (r *Repository) GetSessionAuth(ctx context.Context, id, token string) (source string, ok bool, err error) {
	var storedToken, storedSource sql.NullString
	row := r.db.QueryRowContext(ctx,
		`SELECT internal_token, source FROM sessions WHERE id = ?`, id)
	if err := row.Scan(&storedToken, &storedSource); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("session auth lookup: %w", err)
	}
	if !storedToken.Valid || token == "" ||
		subtle.ConstantTimeCompare([]byte(storedToken.String), []byte(token)) != 1 {
		return "", false, nil
	}
	return storedSource.String, true, nil
}

// ListSessions returns all sessions, newest first, without tokens.
func (r *Repository) ListSessions(ctx context.Context) ([]*capture.Session, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, label, source, pid, started_at, internal_token FROM sessions ORDER BY started_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []*capture.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		s.InternalToken = ""
		out = append(out, s)
	}
	return out, rows.Err()
}

type rowScanner interface{ Scan(dest ...any) error }

func scanSession(row rowScanner) (*capture.Session, error) {
	var (
		s         capture.Session
		label     sql.NullString
		source    sql.NullString
		token     sql.NullString
		startedAt int64
	)
	if err := row.Scan(&s.ID, &label, &source, &s.PID, &startedAt, &token); err != nil {
		return nil, err
	}
	s.Label = label.String
	s.Source = source.String
	s.InternalToken = token.String
	s.StartedAt = time.UnixMilli(startedAt)
	return &s, nil
}

// --- request writes ---

// SaveRequest inserts the request phase of an exchange. Response fields
// on req are ignored; they arrive later via UpdateResponse. The
// assigned id is returned (req.ID when set, a fresh UUID otherwise).
func (r *Repository) SaveRequest(ctx context.Context, req *capture.Request) (string, error) {
	if req.Method == "" || req.URL == "" || req.Host == "" || req.Path == "" {
		return "", fmt.Errorf("save request: method, url, host and path are required")
	}
	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	ts := req.Timestamp
	if ts == 0 {
		ts = time.Now().UnixMilli()
	}

	ct := capture.NormalizeContentType(req.RequestContentType)
	if ct == "" {
		ct = capture.NormalizeContentType(req.RequestHeaders["content-type"])
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO requests (
			id, session_id, timestamp, method, url, host, path,
			request_headers, request_body, request_body_truncated, request_content_type,
			request_is_text, request_is_json,
			label, source, replayed_from_id, replay_initiator, saved
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, req.SessionID, ts, req.Method, req.URL, req.Host, req.Path,
		marshalHeaders(req.RequestHeaders), nullBytes(req.RequestBody),
		boolInt(req.RequestBodyTruncated), nullStr(ct),
		boolInt(capture.IsTextContentType(ct)), boolInt(capture.IsJSONContentType(ct)),
		nullStr(req.Label), nullStr(req.Source),
		nullStr(req.ReplayedFromID), nullStr(string(req.ReplayInitiator)),
		boolInt(req.Saved))
	if err != nil {
		return "", fmt.Errorf("save request: %w", err)
	}

	r.evictIfNeeded(ctx)
	return id, nil
}

// UpdateResponse writes the response phase of an exchange. Headers must
// already be lowercased and content-decoded by the proxy.
func (r *Repository) UpdateResponse(ctx context.Context, id string, up capture.ResponseUpdate) error {
	ct := capture.NormalizeContentType(up.Headers["content-type"])
	res, err := r.db.ExecContext(ctx,
		`UPDATE requests SET
			response_status = ?, response_headers = ?, response_body = ?,
			response_body_truncated = ?, response_content_type = ?,
			response_is_text = ?, response_is_json = ?, duration_ms = ?
		 WHERE id = ?`,
		up.Status, marshalHeaders(up.Headers), nullBytes(up.Body),
		boolInt(up.BodyTruncated), nullStr(ct),
		boolInt(capture.IsTextContentType(ct)), boolInt(capture.IsJSONContentType(ct)),
		up.DurationMs, id)
	if err != nil {
		return fmt.Errorf("update response: %w", err)
	}
	return requireRow(res, id)
}

// UpdateInterception records which interceptor touched the exchange.
// An empty interception type means the handler only observed.
func (r *Repository) UpdateInterception(ctx context.Context, id, interceptedBy string, itype capture.InterceptionType) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE requests SET intercepted_by = ?, interception_type = ? WHERE id = ?`,
		interceptedBy, nullStr(string(itype)), id)
	if err != nil {
		return fmt.Errorf("update interception: %w", err)
	}
	return requireRow(res, id)
}

// UpdateReplay links a captured request to the request it replayed.
func (r *Repository) UpdateReplay(ctx context.Context, id, replayedFromID string, initiator capture.ReplayInitiator) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE requests SET replayed_from_id = ?, replay_initiator = ? WHERE id = ?`,
		replayedFromID, string(initiator), id)
	if err != nil {
		return fmt.Errorf("update replay: %w", err)
	}
	return requireRow(res, id)
}

// Bookmark protects a request from eviction and Clear. Returns whether
// a row was affected.
func (r *Repository) Bookmark(ctx context.Context, id string) (bool, error) {
	return r.setSaved(ctx, id, 1)
}

// Unbookmark removes the protection. Returns whether a row was affected.
func (r *Repository) Unbookmark(ctx context.Context, id string) (bool, error) {
	return r.setSaved(ctx, id, 0)
}

func (r *Repository) setSaved(ctx context.Context, id string, saved int) (bool, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE requests SET saved = ? WHERE id = ?`, saved, id)
	if err != nil {
		return false, fmt.Errorf("set bookmark: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("set bookmark: %w", err)
	}
	return n > 0, nil
}

// Clear deletes all non-bookmarked requests and returns the count.
func (r *Repository) Clear(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM requests WHERE saved = 0`)
	if err != nil {
		return 0, fmt.Errorf("clear requests: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("clear requests: %w", err)
	}
	return n, nil
}

// Compact truncates the WAL and reclaims free pages. Called on
// shutdown, never on the hot path.
func (r *Repository) Compact(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`); err != nil {
		return fmt.Errorf("wal checkpoint: %w", err)
	}
	if _, err := r.db.ExecContext(ctx, `VACUUM`); err != nil {
		return fmt.Errorf("vacuum: %w", err)
	}
	return nil
}

// evictIfNeeded runs the amortised eviction check: every
// evictionCheckInterval inserts, delete the oldest non-bookmarked rows
// beyond the cap. Eviction failures are logged, not propagated; the
// insert already succeeded.
func (r *Repository) evictIfNeeded(ctx context.Context) {
	r.insertMu <- struct{}{}
	r.insertsSinceCheck++
	due := r.insertsSinceCheck >= evictionCheckInterval
	if due {
		r.insertsSinceCheck = 0
	}
	<-r.insertMu
	if !due {
		return
	}

	var count int
	if err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM requests WHERE saved = 0`).Scan(&count); err != nil {
		r.logger.Warn("eviction count failed", "error", err)
		return
	}
	if count <= r.maxStored {
		return
	}
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM requests WHERE id IN (
			SELECT id FROM requests WHERE saved = 0
			ORDER BY timestamp ASC, id ASC LIMIT ?)`,
		count-r.maxStored)
	if err != nil {
		r.logger.Warn("eviction failed", "error", err)
		return
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		r.logger.Debug("evicted old requests", "count", n)
		if r.onEvict != nil {
			r.onEvict(n)
		}
	}
}

// --- helpers ---

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("request %s: %w", id, ErrNotFound)
	}
	return nil
}

func marshalHeaders(h map[string]string) string {
	if len(h) == 0 {
		return "{}"
	}
	b, err := json.Marshal(capture.LowercaseHeaders(h))
	if err != nil {
		return "{}"
	}
	return string(b)
}

// unmarshalHeaders tolerates corrupt stored JSON by returning an empty
// map rather than failing the read.
func unmarshalHeaders(s sql.NullString) map[string]string {
	out := map[string]string{}
	if !s.Valid || s.String == "" {
		return out
	}
	if err := json.Unmarshal([]byte(s.String), &out); err != nil {
		return map[string]string{}
	}
	return out
}

func newToken() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("crypto/rand unavailable: %v", err))
	}
	return hex.EncodeToString(b)
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullBytes(b []byte) any {
	if b == nil {
		return nil
	}
	return b
}
