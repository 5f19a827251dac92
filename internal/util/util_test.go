package util

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestRequestIDPropagatesIncomingHeader(t *testing.T) {
	const incoming = "req-claims-42"
	h := WithRequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := RequestIDFromRequest(r); got != incoming {
			t.Fatalf("request id in context: got %q want %q", got, incoming)
		}
	}))
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(RequestIDHeader, incoming)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if got := rec.Header().Get(RequestIDHeader); got != incoming {
		t.Fatalf("response request id: got %q want %q", got, incoming)
	}
}

func TestRequestIDReplacesOversizedHeader(t *testing.T) {
	h := WithRequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, strings.Repeat("x", maxRequestIDLen+1))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	got := rec.Header().Get(RequestIDHeader)
	if got == "" || len(got) > maxRequestIDLen {
		t.Fatalf("expected freshly minted id, got %q", got)
	}
}

func TestRequestLogIncludesRequestID(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	initLogger(&buf, "debug")
	defer slog.SetDefault(prev)

	h := WithRequestID(WithRequestLog("letters", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte("ok"))
	})))
	req := httptest.NewRequest(http.MethodPost, "/internal/letters/queue", nil)
	req.Header.Set(RequestIDHeader, "rid-1")
	h.ServeHTTP(httptest.NewRecorder(), req)

	var line map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	if line["request_id"] != "rid-1" || line["service"] != "letters" {
		t.Fatalf("unexpected log fields: %v", line)
	}
	if line["status"] != float64(http.StatusAccepted) || line["bytes"] != float64(2) {
		t.Fatalf("unexpected status/bytes: %v", line)
	}
}

func TestSecurityHeaders(t *testing.T) {
	h := WithSecurityHeaders("/generated/", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/letters/queue", nil))
	if got := rec.Header().Get("X-Frame-Options"); got != "DENY" {
		t.Fatalf("X-Frame-Options on api path: %q", got)
	}
	if got := rec.Header().Get("Strict-Transport-Security"); got != "" {
		t.Fatalf("did not expect HSTS over plain http, got %q", got)
	}

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/generated/a.pdf", nil)
	req.Header.Set("X-Forwarded-Proto", "https")
	h.ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Frame-Options"); got != "SAMEORIGIN" {
		t.Fatalf("X-Frame-Options on download path: %q", got)
	}
	if got := rec.Header().Get("Strict-Transport-Security"); got == "" {
		t.Fatalf("expected HSTS for forwarded https")
	}
}

func TestCORSPreflight(t *testing.T) {
	called := false
	h := WithCORS([]string{"https://portal.example"}, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		called = true
	}))
	req := httptest.NewRequest(http.MethodOptions, "/letters/render", nil)
	req.Header.Set("Origin", "https://portal.example")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent || called {
		t.Fatalf("preflight: code=%d called=%v", rec.Code, called)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://portal.example" {
		t.Fatalf("allow origin: %q", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/letters/files", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("unexpected allow origin for unknown site: %q", got)
	}
}

func TestClientIP(t *testing.T) {
	proxies, err := ParseProxyList([]string{"10.0.0.0/8", "192.168.1.10"})
	if err != nil {
		t.Fatalf("parse proxies: %v", err)
	}
	tests := []struct {
		name    string
		remote  string
		xff     string
		proxies *ProxyList
		want    string
	}{
		{name: "untrusted peer ignores header", remote: "198.51.100.10:1234", xff: "203.0.113.5", want: "198.51.100.10"},
		{name: "trusted peer uses header", remote: "10.0.0.20:1234", xff: "203.0.113.5", proxies: proxies, want: "203.0.113.5"},
		{name: "skips trusted hops from the right", remote: "192.168.1.10:80", xff: "203.0.113.5, 10.0.0.10", proxies: proxies, want: "203.0.113.5"},
		{name: "garbage hops are skipped", remote: "10.0.0.20:1234", xff: "203.0.113.9, nope", proxies: proxies, want: "203.0.113.9"},
		{name: "all trusted returns leftmost", remote: "10.0.0.20:1234", xff: "10.0.0.5, 10.0.0.10", proxies: proxies, want: "10.0.0.5"},
		{name: "ipv4 mapped peer", remote: "[::ffff:198.51.100.7]:99", want: "198.51.100.7"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tc.remote
			if tc.xff != "" {
				req.Header.Set("X-Forwarded-For", tc.xff)
			}
			if got := ClientIP(req, tc.proxies); got != tc.want {
				t.Fatalf("got %q want %q", got, tc.want)
			}
		})
	}
}

func TestParseProxyListRejectsGarbage(t *testing.T) {
	if _, err := ParseProxyList([]string{"not-an-ip"}); err == nil {
		t.Fatal("expected error")
	}
	p, err := ParseProxyList([]string{" ", ""})
	if err != nil || p != nil {
		t.Fatalf("empty list: p=%v err=%v", p, err)
	}
}
