package proxy

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"
)

func startTestProxy(t *testing.T, ti *TLSInspector) *Server {
	t.Helper()
	srv := NewServer(ti, testLogger())
	if err := srv.Start(0); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
	return srv
}

func proxyClient(t *testing.T, port int, tlsConfig *tls.Config) *http.Client {
	t.Helper()
	proxyURL, err := url.Parse(fmt.Sprintf("http://127.0.0.1:%d", port))
	if err != nil {
		t.Fatalf("parse proxy url: %v", err)
	}
	transport := &http.Transport{
		Proxy:           http.ProxyURL(proxyURL),
		TLSClientConfig: tlsConfig,
	}
	t.Cleanup(transport.CloseIdleConnections)
	return &http.Client{Transport: transport, Timeout: 10 * time.Second}
}

// The inspector must terminate TLS with a locally signed leaf that the
// client accepts because it trusts the project CA, then hand the
// decrypted request to the inner handler.
func TestInspectorInterceptsTLS(t *testing.T) {
	cm, err := NewCAManager(testCAConfig(t), testLogger())
	if err != nil {
		t.Fatalf("NewCAManager: %v", err)
	}

	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Scheme != "https" {
			t.Errorf("inner scheme = %q, want https", r.URL.Scheme)
		}
		w.Header().Set("X-Seen-Path", r.URL.Path)
		fmt.Fprintf(w, "decrypted %s", r.URL.Path)
	})
	ti := NewTLSInspector(TLSInspectorConfig{
		CertCache: NewCertCache(cm, time.Hour, testLogger()),
		Handler:   inner,
		Logger:    testLogger(),
	})
	srv := startTestProxy(t, ti)

	client := proxyClient(t, srv.Port(), &tls.Config{RootCAs: cm.CACertPool()})

	resp, err := client.Get("https://target.test/hello")
	if err != nil {
		t.Fatalf("GET through proxy: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if string(body) != "decrypted /hello" {
		t.Errorf("body = %q", body)
	}
	if got := resp.Header.Get("X-Seen-Path"); got != "/hello" {
		t.Errorf("X-Seen-Path = %q", got)
	}
}

// Bypassed domains must be tunnelled untouched: the client completes
// TLS with the real origin certificate, which the local CA could never
// have minted.
func TestInspectorBypassTunnels(t *testing.T) {
	origin := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "straight from origin")
	}))
	defer origin.Close()

	cm, err := NewCAManager(testCAConfig(t), testLogger())
	if err != nil {
		t.Fatalf("NewCAManager: %v", err)
	}
	ti := NewTLSInspector(TLSInspectorConfig{
		BypassList: []string{"127.0.0.1"},
		CertCache:  NewCertCache(cm, time.Hour, testLogger()),
		Handler:    http.NotFoundHandler(),
		Logger:     testLogger(),
	})
	srv := startTestProxy(t, ti)

	originCfg := origin.Client().Transport.(*http.Transport).TLSClientConfig
	client := proxyClient(t, srv.Port(), originCfg)

	resp, err := client.Get(origin.URL + "/raw")
	if err != nil {
		t.Fatalf("GET through bypass tunnel: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "straight from origin" {
		t.Errorf("body = %q", body)
	}
}

func TestBypassGlobs(t *testing.T) {
	ti := NewTLSInspector(TLSInspectorConfig{
		BypassList: []string{"exact.test", "*.corp.test", " ", ""},
	})
	cases := []struct {
		domain string
		want   bool
	}{
		{"exact.test", true},
		{"sub.exact.test", false},
		{"corp.test", true},
		{"vpn.corp.test", true},
		{"a.b.corp.test", true},
		{"notcorp.test", false},
		{"other.test", false},
	}
	for _, tc := range cases {
		if got := ti.isBypassed(tc.domain); got != tc.want {
			t.Errorf("isBypassed(%q) = %v, want %v", tc.domain, got, tc.want)
		}
	}

	ti.SetBypassList(nil)
	if ti.isBypassed("exact.test") {
		t.Error("bypass list survived replacement")
	}
}

func TestHostOnly(t *testing.T) {
	cases := map[string]string{
		"example.com:443": "example.com",
		"example.com":     "example.com",
		"127.0.0.1:8080":  "127.0.0.1",
		"[::1]:443":       "::1",
		"procsi.local":    "procsi.local",
	}
	for in, want := range cases {
		if got := hostOnly(in); got != want {
			t.Errorf("hostOnly(%q) = %q, want %q", in, got, want)
		}
	}
}
