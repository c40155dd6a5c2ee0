package proxy

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"io"
	"net/http"
	"strings"
)

// DefaultMaxBodySize caps stored body bytes per side of an exchange.
// Forwarding is never truncated, only what lands in the store.
const DefaultMaxBodySize = 1 << 20

// hopByHopHeaders must not travel past a proxy hop.
var hopByHopHeaders = map[string]bool{
	"connection":          true,
	"keep-alive":          true,
	"proxy-authenticate":  true,
	"proxy-authorization": true,
	"proxy-connection":    true,
	"te":                  true,
	"trailer":             true,
	"transfer-encoding":   true,
	"upgrade":             true,
}

// internalHeaders carry trusted runtime metadata between local tooling
// and the daemon. They are consumed here and never forwarded or stored.
var internalHeaders = map[string]bool{
	headerSessionID:     true,
	headerSessionToken:  true,
	headerRuntimeSource: true,
	headerReplayToken:   true,
}

// flattenHeaders lowercases names and joins repeated values with ", ",
// skipping internal headers.
func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for name, values := range h {
		key := strings.ToLower(name)
		if internalHeaders[key] {
			continue
		}
		out[key] = strings.Join(values, ", ")
	}
	return out
}

// decodeContent inflates a gzip or deflate body for storage and
// client delivery. Unknown or broken encodings return the input
// unchanged with decoded=false.
func decodeContent(encoding string, body []byte) (decoded []byte, ok bool) {
	if len(body) == 0 {
		return body, false
	}
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "gzip", "x-gzip":
		zr, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return body, false
		}
		defer zr.Close()
		out, err := io.ReadAll(zr)
		if err != nil {
			return body, false
		}
		return out, true
	case "deflate":
		fr := flate.NewReader(bytes.NewReader(body))
		defer fr.Close()
		out, err := io.ReadAll(fr)
		if err != nil {
			return body, false
		}
		return out, true
	default:
		return body, false
	}
}

// truncateBody clips a stored body copy at the configured cap.
func truncateBody(body []byte, maxSize int64) ([]byte, bool) {
	if maxSize <= 0 || int64(len(body)) <= maxSize {
		return body, false
	}
	return body[:maxSize], true
}
