package capture

import "strings"

// NormalizeContentType strips media-type parameters (charset etc.) and
// lowercases the result. Empty input stays empty.
func NormalizeContentType(ct string) string {
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	return strings.ToLower(strings.TrimSpace(ct))
}

// textApplicationTypes are application/* media types whose payloads are
// human-readable despite the prefix.
var textApplicationTypes = map[string]struct{}{
	"application/xml":                   {},
	"application/xhtml+xml":             {},
	"application/javascript":            {},
	"application/x-javascript":          {},
	"application/ecmascript":            {},
	"application/x-www-form-urlencoded": {},
	"application/graphql":               {},
	"application/yaml":                  {},
	"application/x-yaml":                {},
	"application/sql":                   {},
	"image/svg+xml":                     {},
}

// IsJSONContentType reports whether the (raw or normalised) content
// type denotes a JSON payload.
func IsJSONContentType(ct string) bool {
	ct = NormalizeContentType(ct)
	if ct == "application/json" || ct == "text/json" {
		return true
	}
	return strings.HasSuffix(ct, "+json")
}

// IsTextContentType reports whether a body with this content type is
// eligible for substring search. Unknown and binary types return false;
// callers decide how to treat rows with no recorded type at all.
func IsTextContentType(ct string) bool {
	ct = NormalizeContentType(ct)
	if ct == "" {
		return false
	}
	if strings.HasPrefix(ct, "text/") {
		return true
	}
	if IsJSONContentType(ct) {
		return true
	}
	if _, ok := textApplicationTypes[ct]; ok {
		return true
	}
	return strings.HasSuffix(ct, "+xml")
}

// LowercaseHeaders returns a copy of h with every name lowercased.
// Later duplicates win, matching how the proxy flattens header sets.
func LowercaseHeaders(h map[string]string) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[strings.ToLower(k)] = v
	}
	return out
}
