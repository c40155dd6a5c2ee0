// Package interceptor loads user-supplied interceptor scripts and runs
// them against proxied exchanges. Scripts are YAML files holding CEL
// expressions: an optional match predicate and a handler that can mock,
// modify (via forward()), or observe traffic.
package interceptor

import "github.com/procsi/procsi/internal/domain/capture"

// RequestSnapshot is the immutable view of an in-flight request handed
// to match and handler expressions. Headers and body are copies; script
// mutations cannot reach the proxy.
type RequestSnapshot struct {
	ID      string
	Method  string
	URL     string
	Host    string
	Path    string
	Headers map[string]string
	Body    []byte
}

// Response is an HTTP response as scripts see it: a handler result, a
// forwarded upstream response, or a mock.
type Response struct {
	Status  int
	Headers map[string]string
	Body    []byte
}

// Interception names the interceptor that touched an exchange. Type is
// empty for observe-only interceptions.
type Interception struct {
	Name string
	Type capture.InterceptionType
}

// RequestOutcome is what the request phase tells the proxy. A nil Mock
// with a nil Interception is plain pass-through.
type RequestOutcome struct {
	// Mock, when set, is served to the client; the upstream is never
	// contacted.
	Mock *Response
	// Interception is set when a handler engaged with the exchange.
	Interception *Interception
}

// ResponseOutcome is what the response phase tells the proxy. A nil
// outcome means the upstream response passes through unchanged.
type ResponseOutcome struct {
	// Override, when set, replaces the upstream response to the client.
	Override     *Response
	Interception *Interception
}

func (r *RequestSnapshot) clone() *RequestSnapshot {
	c := *r
	c.Headers = make(map[string]string, len(r.Headers))
	for k, v := range r.Headers {
		c.Headers[k] = v
	}
	c.Body = append([]byte(nil), r.Body...)
	return &c
}

// activation is the CEL view of the snapshot.
func (r *RequestSnapshot) activation() map[string]any {
	headers := make(map[string]any, len(r.Headers))
	for k, v := range r.Headers {
		headers[k] = v
	}
	return map[string]any{
		"id":      r.ID,
		"method":  r.Method,
		"url":     r.URL,
		"host":    r.Host,
		"path":    r.Path,
		"headers": headers,
		"body":    string(r.Body),
	}
}

// celValue is the CEL view of a response, as returned by forward().
func (r *Response) celValue() map[string]any {
	headers := make(map[string]any, len(r.Headers))
	for k, v := range r.Headers {
		headers[k] = v
	}
	return map[string]any{
		"status":  r.Status,
		"headers": headers,
		"body":    string(r.Body),
	}
}
