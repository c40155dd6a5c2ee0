package sqlite

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"reflect"

	"github.com/tidwall/gjson"

	"github.com/procsi/procsi/internal/domain/capture"
)

const requestColumns = `id, session_id, timestamp, duration_ms, method, url, host, path,
	request_headers, request_body, request_body_truncated, request_content_type,
	response_status, response_headers, response_body, response_body_truncated, response_content_type,
	label, source, intercepted_by, interception_type, replayed_from_id, replay_initiator, saved`

// Get returns the full stored request or ErrNotFound.
func (r *Repository) Get(ctx context.Context, id string) (*capture.Request, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM requests WHERE id = ?`, id)
	req, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get request: %w", err)
	}
	return req, nil
}

// List returns full requests matching opts, newest first.
func (r *Repository) List(ctx context.Context, opts capture.ListOptions) ([]*capture.Request, error) {
	b := buildFilter(opts)
	query := `SELECT ` + requestColumns + ` FROM requests` + b.where() +
		` ORDER BY timestamp DESC, id DESC` + limitClause(&b.args, opts)

	rows, err := r.db.QueryContext(ctx, query, b.args...)
	if err != nil {
		return nil, fmt.Errorf("list requests: %w", err)
	}
	defer rows.Close()

	out := []*capture.Request{}
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("list requests: %w", err)
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

const summaryColumns = `id, session_id, timestamp, duration_ms, method, url, host, path,
	length(coalesce(request_body, x'')), request_body_truncated,
	response_status, length(coalesce(response_body, x'')), response_body_truncated,
	label, source, intercepted_by, interception_type, replayed_from_id, replay_initiator, saved`

// ListSummaries is List without body payloads; sizes are reported
// instead so table views stay cheap.
func (r *Repository) ListSummaries(ctx context.Context, opts capture.ListOptions) ([]*capture.Summary, error) {
	b := buildFilter(opts)
	query := `SELECT ` + summaryColumns + ` FROM requests` + b.where() +
		` ORDER BY timestamp DESC, id DESC` + limitClause(&b.args, opts)

	rows, err := r.db.QueryContext(ctx, query, b.args...)
	if err != nil {
		return nil, fmt.Errorf("list request summaries: %w", err)
	}
	defer rows.Close()

	out := []*capture.Summary{}
	for rows.Next() {
		s, err := scanSummary(rows)
		if err != nil {
			return nil, fmt.Errorf("list request summaries: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Count returns the number of requests matching opts. Limit and offset
// are ignored.
func (r *Repository) Count(ctx context.Context, opts capture.ListOptions) (int, error) {
	b := buildFilter(opts)
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM requests`+b.where(), b.args...).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count requests: %w", err)
	}
	return n, nil
}

// SearchBodies finds requests whose body contains the query bytes.
// Only bodies whose content type classifies as text are searched;
// rows with no recorded content type are searched too so legacy data
// stays visible. Binary rows are skipped.
func (r *Repository) SearchBodies(ctx context.Context, query string, target capture.BodyTarget, opts capture.ListOptions) ([]*capture.BodySearchResult, error) {
	if target == "" {
		target = capture.TargetBoth
	}
	b := buildFilter(opts)
	b.add("(" + searchEligibleCond(target) + ")")

	rows, err := r.db.QueryContext(ctx,
		`SELECT `+summaryColumns+`, request_body, response_body,
			request_is_text, request_content_type, response_is_text, response_content_type
		 FROM requests`+b.where()+` ORDER BY timestamp DESC, id DESC`, b.args...)
	if err != nil {
		return nil, fmt.Errorf("search bodies: %w", err)
	}
	defer rows.Close()

	needle := []byte(query)
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	out := []*capture.BodySearchResult{}
	skipped := 0
	for rows.Next() {
		c, err := scanBodyRow(rows)
		if err != nil {
			return nil, fmt.Errorf("search bodies: %w", err)
		}
		// Rows with no recorded content type are searched so legacy
		// data stays visible.
		reqOK := c.reqFlag || c.reqCT == ""
		respOK := c.respFlag || c.respCT == ""
		matched := capture.BodyTarget("")
		if (target == capture.TargetRequest || target == capture.TargetBoth) &&
			reqOK && bytes.Contains(c.reqBody, needle) {
			matched = capture.TargetRequest
		} else if (target == capture.TargetResponse || target == capture.TargetBoth) &&
			respOK && bytes.Contains(c.respBody, needle) {
			matched = capture.TargetResponse
		}
		if matched == "" {
			continue
		}
		if skipped < opts.Offset {
			skipped++
			continue
		}
		out = append(out, &capture.BodySearchResult{Summary: c.summary, MatchedIn: matched})
		if len(out) == limit {
			break
		}
	}
	return out, rows.Err()
}

// QueryJSONBodies runs a JSON path against bodies whose content type
// classifies as JSON, optionally keeping only rows where the extracted
// value equals want. With target both, the request side's extraction
// wins for the returned value.
func (r *Repository) QueryJSONBodies(ctx context.Context, path string, want any, target capture.BodyTarget, opts capture.ListOptions) ([]*capture.JSONQueryResult, error) {
	if target == "" {
		target = capture.TargetBoth
	}
	b := buildFilter(opts)
	switch target {
	case capture.TargetRequest:
		b.add("request_is_json = 1")
	case capture.TargetResponse:
		b.add("response_is_json = 1")
	default:
		b.add("(request_is_json = 1 OR response_is_json = 1)")
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT `+summaryColumns+`, request_body, response_body,
			request_is_json, request_content_type, response_is_json, response_content_type
		 FROM requests`+b.where()+` ORDER BY timestamp DESC, id DESC`, b.args...)
	if err != nil {
		return nil, fmt.Errorf("query json bodies: %w", err)
	}
	defer rows.Close()

	limit := opts.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	out := []*capture.JSONQueryResult{}
	skipped := 0
	for rows.Next() {
		c, err := scanBodyRow(rows)
		if err != nil {
			return nil, fmt.Errorf("query json bodies: %w", err)
		}

		var value any
		found := false
		if (target == capture.TargetRequest || target == capture.TargetBoth) && c.reqFlag {
			if res := gjson.GetBytes(c.reqBody, path); res.Exists() {
				value, found = res.Value(), true
			}
		}
		if !found && (target == capture.TargetResponse || target == capture.TargetBoth) && c.respFlag {
			if res := gjson.GetBytes(c.respBody, path); res.Exists() {
				value, found = res.Value(), true
			}
		}
		if !found {
			continue
		}
		if want != nil && !jsonValueEqual(value, want) {
			continue
		}
		if skipped < opts.Offset {
			skipped++
			continue
		}
		out = append(out, &capture.JSONQueryResult{Summary: c.summary, ExtractedValue: value})
		if len(out) == limit {
			break
		}
	}
	return out, rows.Err()
}

// searchEligibleCond narrows the candidate set in SQL before bodies are
// pulled for the in-process match.
func searchEligibleCond(target capture.BodyTarget) string {
	req := `(request_body IS NOT NULL AND (request_is_text = 1 OR request_content_type IS NULL OR request_content_type = ''))`
	resp := `(response_body IS NOT NULL AND (response_is_text = 1 OR response_content_type IS NULL OR response_content_type = ''))`
	switch target {
	case capture.TargetRequest:
		return req
	case capture.TargetResponse:
		return resp
	default:
		return req + " OR " + resp
	}
}

// jsonValueEqual compares a gjson-decoded value with a JSON-decoded
// query value. Scalars compare directly; composites structurally.
func jsonValueEqual(got, want any) bool {
	if g, ok := got.(float64); ok {
		switch w := want.(type) {
		case float64:
			return g == w
		case int:
			return g == float64(w)
		case int64:
			return g == float64(w)
		}
	}
	return reflect.DeepEqual(got, want)
}

func limitClause(args *[]any, opts capture.ListOptions) string {
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	*args = append(*args, limit, opts.Offset)
	return " LIMIT ? OFFSET ?"
}

func scanRequest(row rowScanner) (*capture.Request, error) {
	var (
		req          capture.Request
		durationMs   sql.NullInt64
		reqHeaders   sql.NullString
		reqBody      []byte
		reqTrunc     int
		reqCT        sql.NullString
		respStatus   sql.NullInt64
		respHeaders  sql.NullString
		respBody     []byte
		respTrunc    int
		respCT       sql.NullString
		label        sql.NullString
		source       sql.NullString
		intercepted  sql.NullString
		itype        sql.NullString
		replayedFrom sql.NullString
		initiator    sql.NullString
		saved        int
	)
	err := row.Scan(&req.ID, &req.SessionID, &req.Timestamp, &durationMs,
		&req.Method, &req.URL, &req.Host, &req.Path,
		&reqHeaders, &reqBody, &reqTrunc, &reqCT,
		&respStatus, &respHeaders, &respBody, &respTrunc, &respCT,
		&label, &source, &intercepted, &itype, &replayedFrom, &initiator, &saved)
	if err != nil {
		return nil, err
	}

	if durationMs.Valid {
		v := durationMs.Int64
		req.DurationMs = &v
	}
	req.RequestHeaders = unmarshalHeaders(reqHeaders)
	req.RequestBody = reqBody
	req.RequestBodyTruncated = reqTrunc != 0
	req.RequestContentType = reqCT.String
	if respStatus.Valid {
		v := int(respStatus.Int64)
		req.ResponseStatus = &v
		req.ResponseHeaders = unmarshalHeaders(respHeaders)
	}
	req.ResponseBody = respBody
	req.ResponseBodyTruncated = respTrunc != 0
	req.ResponseContentType = respCT.String
	req.Label = label.String
	req.Source = source.String
	req.InterceptedBy = intercepted.String
	req.InterceptionType = capture.InterceptionType(itype.String)
	req.ReplayedFromID = replayedFrom.String
	req.ReplayInitiator = capture.ReplayInitiator(initiator.String)
	req.Saved = saved != 0
	return &req, nil
}

func scanSummaryInto(row rowScanner, s *capture.Summary, extra ...any) error {
	var (
		durationMs   sql.NullInt64
		respStatus   sql.NullInt64
		reqTrunc     int
		respTrunc    int
		label        sql.NullString
		source       sql.NullString
		intercepted  sql.NullString
		itype        sql.NullString
		replayedFrom sql.NullString
		initiator    sql.NullString
		saved        int
	)
	dest := []any{&s.ID, &s.SessionID, &s.Timestamp, &durationMs,
		&s.Method, &s.URL, &s.Host, &s.Path,
		&s.RequestBodySize, &reqTrunc,
		&respStatus, &s.ResponseBodySize, &respTrunc,
		&label, &source, &intercepted, &itype, &replayedFrom, &initiator, &saved}
	dest = append(dest, extra...)
	if err := row.Scan(dest...); err != nil {
		return err
	}
	if durationMs.Valid {
		v := durationMs.Int64
		s.DurationMs = &v
	}
	if respStatus.Valid {
		v := int(respStatus.Int64)
		s.ResponseStatus = &v
	}
	s.RequestBodyTruncated = reqTrunc != 0
	s.ResponseBodyTruncated = respTrunc != 0
	s.Label = label.String
	s.Source = source.String
	s.InterceptedBy = intercepted.String
	s.InterceptionType = capture.InterceptionType(itype.String)
	s.ReplayedFromID = replayedFrom.String
	s.ReplayInitiator = capture.ReplayInitiator(initiator.String)
	s.Saved = saved != 0
	return nil
}

func scanSummary(row rowScanner) (*capture.Summary, error) {
	var s capture.Summary
	if err := scanSummaryInto(row, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// bodyRow is a summary plus bodies and the per-side classification
// flag (is_text for searches, is_json for path queries — the SELECT
// decides which).
type bodyRow struct {
	summary  capture.Summary
	reqBody  []byte
	respBody []byte
	reqFlag  bool
	respFlag bool
	reqCT    string
	respCT   string
}

func scanBodyRow(row rowScanner) (*bodyRow, error) {
	var (
		c        bodyRow
		reqFlag  int
		respFlag int
		reqCT    sql.NullString
		respCT   sql.NullString
	)
	err := scanSummaryInto(row, &c.summary, &c.reqBody, &c.respBody, &reqFlag, &reqCT, &respFlag, &respCT)
	if err != nil {
		return nil, err
	}
	c.reqFlag = reqFlag != 0
	c.respFlag = respFlag != 0
	c.reqCT = reqCT.String
	c.respCT = respCT.String
	return &c, nil
}
