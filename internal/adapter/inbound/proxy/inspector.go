package proxy

import (
	"bufio"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// TLSInspectorConfig configures CONNECT handling.
type TLSInspectorConfig struct {
	// BypassList holds domains to tunnel without interception. Exact
	// names and "*.suffix" globs are supported.
	BypassList []string
	// CertCache mints per-domain leaf certificates.
	CertCache *CertCache
	// Handler serves decrypted (and plain HTTP) requests.
	Handler http.Handler
	Logger  *slog.Logger
}

// TLSInspector intercepts CONNECT requests: it hijacks the tunnel,
// performs a TLS handshake with a locally signed leaf certificate, and
// feeds the decrypted requests to the capture handler. Bypassed
// domains get a raw TCP relay instead. Non-CONNECT requests pass to
// the handler directly.
type TLSInspector struct {
	config      TLSInspectorConfig
	bypassSet   map[string]bool
	bypassGlobs []string
	mu          sync.RWMutex
	logger      *slog.Logger
}

func NewTLSInspector(config TLSInspectorConfig) *TLSInspector {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ti := &TLSInspector{config: config, logger: logger}
	ti.SetBypassList(config.BypassList)
	return ti
}

// SetBypassList atomically replaces the bypass set.
func (ti *TLSInspector) SetBypassList(domains []string) {
	ti.mu.Lock()
	defer ti.mu.Unlock()
	ti.bypassSet = make(map[string]bool, len(domains))
	ti.bypassGlobs = nil
	for _, d := range domains {
		d = strings.TrimSpace(d)
		if d == "" {
			continue
		}
		if strings.HasPrefix(d, "*.") {
			ti.bypassGlobs = append(ti.bypassGlobs, d[2:])
		} else {
			ti.bypassSet[d] = true
		}
	}
}

func (ti *TLSInspector) isBypassed(domain string) bool {
	ti.mu.RLock()
	defer ti.mu.RUnlock()
	if ti.bypassSet[domain] {
		return true
	}
	for _, suffix := range ti.bypassGlobs {
		if domain == suffix || strings.HasSuffix(domain, "."+suffix) {
			return true
		}
	}
	return false
}

func (ti *TLSInspector) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodConnect {
		ti.handleConnect(w, r)
		return
	}
	ti.config.Handler.ServeHTTP(w, r)
}

func (ti *TLSInspector) handleConnect(w http.ResponseWriter, r *http.Request) {
	domain := hostOnly(r.Host)
	if ti.isBypassed(domain) {
		ti.tunnel(w, r)
		return
	}
	ti.intercept(w, r, domain)
}

// tunnel relays the CONNECT target without interception.
func (ti *TLSInspector) tunnel(w http.ResponseWriter, r *http.Request) {
	hijacker, ok := w.(http.Hijacker)
	if !ok {
		ti.logger.Error("ResponseWriter does not support Hijack")
		http.Error(w, "hijack not supported", http.StatusInternalServerError)
		return
	}

	targetConn, err := net.DialTimeout("tcp", r.Host, 10*time.Second)
	if err != nil {
		ti.logger.Error("failed to dial target for tunnel", "host", r.Host, "error", err)
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}

	clientConn, _, err := hijacker.Hijack()
	if err != nil {
		ti.logger.Error("failed to hijack connection", "error", err)
		targetConn.Close()
		return
	}

	if _, err := clientConn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		ti.logger.Error("failed to write CONNECT response", "error", err)
		clientConn.Close()
		targetConn.Close()
		return
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = io.Copy(targetConn, clientConn)
		if tc, ok := targetConn.(*net.TCPConn); ok {
			_ = tc.CloseWrite()
		}
	}()
	go func() {
		defer wg.Done()
		_, _ = io.Copy(clientConn, targetConn)
		if tc, ok := clientConn.(*net.TCPConn); ok {
			_ = tc.CloseWrite()
		}
	}()
	wg.Wait()
	clientConn.Close()
	targetConn.Close()
}

// intercept hijacks the CONNECT tunnel, terminates TLS with a locally
// signed leaf, and serves the inner requests through the capture
// handler (looping for keep-alive).
func (ti *TLSInspector) intercept(w http.ResponseWriter, r *http.Request, domain string) {
	hijacker, ok := w.(http.Hijacker)
	if !ok {
		ti.logger.Error("ResponseWriter does not support Hijack")
		http.Error(w, "hijack not supported", http.StatusInternalServerError)
		return
	}

	clientConn, _, err := hijacker.Hijack()
	if err != nil {
		ti.logger.Error("failed to hijack for intercept", "error", err)
		return
	}

	if _, err := clientConn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		ti.logger.Error("failed to write CONNECT response for intercept", "error", err)
		clientConn.Close()
		return
	}

	leafCert, err := ti.config.CertCache.GetCert(domain)
	if err != nil {
		ti.logger.Error("failed to get leaf cert", "domain", domain, "error", err)
		clientConn.Close()
		return
	}

	tlsConn := tls.Server(clientConn, &tls.Config{
		Certificates: []tls.Certificate{*leafCert},
	})
	if err := tlsConn.Handshake(); err != nil {
		ti.logger.Debug("TLS handshake failed", "domain", domain, "error", err)
		tlsConn.Close()
		return
	}

	bufReader := bufio.NewReader(tlsConn)
	for {
		innerReq, err := http.ReadRequest(bufReader)
		if err != nil {
			if err != io.EOF {
				ti.logger.Debug("error reading inner request", "domain", domain, "error", err)
			}
			break
		}

		// Rebuild the absolute URL the client dialled.
		innerReq.URL.Scheme = "https"
		innerReq.URL.Host = r.Host
		if innerReq.URL.Path == "" {
			innerReq.URL.Path = "/"
		}
		innerReq.RequestURI = ""

		tw := newTLSResponseWriter(tlsConn)
		ti.config.Handler.ServeHTTP(tw, innerReq)
		tw.finish()
		_ = innerReq.Body.Close()

		if innerReq.Close {
			break
		}
	}
	tlsConn.Close()
}

func hostOnly(hostPort string) string {
	host, _, err := net.SplitHostPort(hostPort)
	if err != nil {
		return hostPort
	}
	return host
}

// tlsResponseWriter writes HTTP/1.1 responses back over the decrypted
// tunnel.
type tlsResponseWriter struct {
	header      http.Header
	wroteHeader bool
	statusCode  int
	conn        net.Conn
}

func newTLSResponseWriter(conn net.Conn) *tlsResponseWriter {
	return &tlsResponseWriter{header: make(http.Header), conn: conn}
}

func (tw *tlsResponseWriter) Header() http.Header { return tw.header }

func (tw *tlsResponseWriter) WriteHeader(statusCode int) {
	if tw.wroteHeader {
		return
	}
	tw.wroteHeader = true
	tw.statusCode = statusCode

	statusText := http.StatusText(statusCode)
	if statusText == "" {
		statusText = "Unknown"
	}
	fmt.Fprintf(tw.conn, "HTTP/1.1 %d %s\r\n", statusCode, statusText)
	for key, values := range tw.header {
		for _, v := range values {
			fmt.Fprintf(tw.conn, "%s: %s\r\n", key, v)
		}
	}
	fmt.Fprint(tw.conn, "\r\n")
}

func (tw *tlsResponseWriter) Write(b []byte) (int, error) {
	if !tw.wroteHeader {
		tw.WriteHeader(http.StatusOK)
	}
	return tw.conn.Write(b)
}

// finish ensures at least the status line went out.
func (tw *tlsResponseWriter) finish() {
	if !tw.wroteHeader {
		tw.WriteHeader(http.StatusOK)
	}
}
