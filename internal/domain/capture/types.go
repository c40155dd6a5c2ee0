// Package capture defines the domain types for captured HTTP exchanges:
// sessions, stored requests, and the filter algebra used by repository
// queries. The repository adapter in adapter/outbound/sqlite persists
// these types; consumers always work on snapshots.
package capture

import "time"

// InterceptionType records how a user interceptor changed an exchange.
// It is unset when the handler only observed the traffic.
type InterceptionType string

const (
	// InterceptionMocked means the handler produced the response and the
	// upstream was never contacted.
	InterceptionMocked InterceptionType = "mocked"
	// InterceptionModified means the handler rewrote the upstream response.
	InterceptionModified InterceptionType = "modified"
)

// ReplayInitiator identifies which consumer asked for a replay.
type ReplayInitiator string

const (
	ReplayInitiatorTUI ReplayInitiator = "tui"
	ReplayInitiatorMCP ReplayInitiator = "mcp"
)

// BodyTarget selects which side of an exchange a body query inspects.
type BodyTarget string

const (
	TargetRequest  BodyTarget = "request"
	TargetResponse BodyTarget = "response"
	TargetBoth     BodyTarget = "both"
)

// Session identifies a logical producer of requests: the daemon itself,
// a spawned command, or a user registration via the control plane.
// Sessions are immutable once created.
type Session struct {
	ID        string    `json:"id"`
	Label     string    `json:"label,omitempty"`
	Source    string    `json:"source,omitempty"`
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"startedAt"`

	// InternalToken is a 128-bit random hex string used to authenticate
	// trusted runtime headers. It is returned exactly once on
	// registration and never included in session listings.
	InternalToken string `json:"-"`
}

// Request is a captured exchange. Response fields are nil/zero until the
// response phase completes; they are written exactly once.
type Request struct {
	ID         string `json:"id"`
	SessionID  string `json:"sessionId"`
	Timestamp  int64  `json:"timestamp"` // ms since epoch
	DurationMs *int64 `json:"durationMs,omitempty"`

	Method string `json:"method"`
	URL    string `json:"url"`
	Host   string `json:"host"`
	Path   string `json:"path"`

	RequestHeaders       map[string]string `json:"requestHeaders"`
	RequestBody          []byte            `json:"requestBody,omitempty"`
	RequestBodyTruncated bool              `json:"requestBodyTruncated,omitempty"`
	RequestContentType   string            `json:"requestContentType,omitempty"`

	ResponseStatus        *int              `json:"responseStatus,omitempty"`
	ResponseHeaders       map[string]string `json:"responseHeaders,omitempty"`
	ResponseBody          []byte            `json:"responseBody,omitempty"`
	ResponseBodyTruncated bool              `json:"responseBodyTruncated,omitempty"`
	ResponseContentType   string            `json:"responseContentType,omitempty"`

	Label  string `json:"label,omitempty"`
	Source string `json:"source,omitempty"`

	InterceptedBy    string           `json:"interceptedBy,omitempty"`
	InterceptionType InterceptionType `json:"interceptionType,omitempty"`

	ReplayedFromID  string          `json:"replayedFromId,omitempty"`
	ReplayInitiator ReplayInitiator `json:"replayInitiator,omitempty"`

	Saved bool `json:"saved,omitempty"`
}

// Summary is a Request without bodies, carrying body sizes instead.
// Used by listing endpoints so the control plane never ships megabytes
// of payload for a table view.
type Summary struct {
	ID         string `json:"id"`
	SessionID  string `json:"sessionId"`
	Timestamp  int64  `json:"timestamp"`
	DurationMs *int64 `json:"durationMs,omitempty"`

	Method string `json:"method"`
	URL    string `json:"url"`
	Host   string `json:"host"`
	Path   string `json:"path"`

	RequestBodySize      int  `json:"requestBodySize"`
	RequestBodyTruncated bool `json:"requestBodyTruncated,omitempty"`

	ResponseStatus        *int `json:"responseStatus,omitempty"`
	ResponseBodySize      int  `json:"responseBodySize"`
	ResponseBodyTruncated bool `json:"responseBodyTruncated,omitempty"`

	Label  string `json:"label,omitempty"`
	Source string `json:"source,omitempty"`

	InterceptedBy    string           `json:"interceptedBy,omitempty"`
	InterceptionType InterceptionType `json:"interceptionType,omitempty"`

	ReplayedFromID  string          `json:"replayedFromId,omitempty"`
	ReplayInitiator ReplayInitiator `json:"replayInitiator,omitempty"`

	Saved bool `json:"saved,omitempty"`
}

// ResponseUpdate carries the response phase of an exchange into the
// repository. Body must already be content-decoded by the proxy.
type ResponseUpdate struct {
	Status        int
	Headers       map[string]string
	Body          []byte
	DurationMs    int64
	BodyTruncated bool
}

// Filter is the conjunctive filter algebra for request queries.
// Zero-valued fields are wildcards.
type Filter struct {
	// Methods restricts to the given HTTP methods (IN set).
	Methods []string `json:"methods,omitempty"`
	// StatusRange accepts "Nxx", a single code ("404"), or an inclusive
	// range ("500-503"). Unrecognised forms are silently ignored.
	StatusRange string `json:"statusRange,omitempty"`
	// Search is whitespace-split free text; every term must appear as a
	// substring of the URL or path.
	Search string `json:"search,omitempty"`
	// Regex is matched against the URL. The "/pattern/flags" literal
	// form is accepted and normalised into Regex + RegexFlags.
	Regex      string `json:"regex,omitempty"`
	RegexFlags string `json:"regexFlags,omitempty"`
	// Host matches exactly, or by suffix when it begins with ".".
	Host string `json:"host,omitempty"`
	// PathPrefix is an escaped prefix match on the path.
	PathPrefix string `json:"pathPrefix,omitempty"`
	// Since is an inclusive lower bound, Before an exclusive upper bound
	// (both ms since epoch, 0 = unset).
	Since  int64 `json:"since,omitempty"`
	Before int64 `json:"before,omitempty"`
	// HeaderName filters on header presence; with HeaderValue set it
	// requires an exact value. HeaderTarget defaults to both sides.
	HeaderName   string     `json:"headerName,omitempty"`
	HeaderValue  string     `json:"headerValue,omitempty"`
	HeaderTarget BodyTarget `json:"headerTarget,omitempty"`

	InterceptedBy string `json:"interceptedBy,omitempty"`
	Saved         *bool  `json:"saved,omitempty"`
	Source        string `json:"source,omitempty"`
}

// ListOptions scopes a request listing.
type ListOptions struct {
	SessionID string  `json:"sessionId,omitempty"`
	Label     string  `json:"label,omitempty"`
	Limit     int     `json:"limit,omitempty"`
	Offset    int     `json:"offset,omitempty"`
	Filter    *Filter `json:"filter,omitempty"`
}

// BodySearchResult is a Summary plus the side the match was found on.
type BodySearchResult struct {
	Summary
	MatchedIn BodyTarget `json:"matchedIn"`
}

// JSONQueryResult is a Summary plus the value a JSON path extracted
// from an eligible body.
type JSONQueryResult struct {
	Summary
	ExtractedValue any `json:"extractedValue"`
}
