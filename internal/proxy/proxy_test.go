package proxy

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/licensekit/licensectl/internal/apiclient"
	"github.com/licensekit/licensectl/internal/credstore"
)

// staticReadiness reports a fixed readiness state.
type staticReadiness bool

func (s staticReadiness) IsReady() bool {
	return bool(s)
}

// upstreamRecorder is a license server stub that accepts a single access token.
type upstreamRecorder struct {
	mu       sync.Mutex
	requests []*http.Request
	bodies   []string
	accept   string
}

func (u *upstreamRecorder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	u.mu.Lock()
	u.requests = append(u.requests, r.Clone(context.Background()))
	u.bodies = append(u.bodies, string(body))
	u.mu.Unlock()

	if r.URL.Path == "/api/auth/refresh" {
		http.Error(w, "revoked", http.StatusUnauthorized)
		return
	}
	if r.Header.Get("Authorization") != "Bearer "+u.accept {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = io.WriteString(w, `{"ok":true}`)
}

func (u *upstreamRecorder) last() *http.Request {
	u.mu.Lock()
	defer u.mu.Unlock()
	if len(u.requests) == 0 {
		return nil
	}
	return u.requests[len(u.requests)-1]
}

func setupProxy(t *testing.T, accept string, opts ...Option) (*httptest.Server, *upstreamRecorder, credstore.Store) {
	t.Helper()

	upstream := &upstreamRecorder{accept: accept}
	upstreamServer := httptest.NewServer(upstream)
	t.Cleanup(upstreamServer.Close)

	store := credstore.NewMemoryStore()
	if err := store.Set(context.Background(), credstore.Pair{AccessToken: "A1", RefreshToken: "R1"}); err != nil {
		t.Fatal(err)
	}

	client, err := apiclient.New(upstreamServer.URL+"/api", store)
	if err != nil {
		t.Fatalf("apiclient.New: %v", err)
	}

	opts = append([]Option{WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))}, opts...)
	p, err := New(client.BaseURL(), client.Transport(), staticReadiness(true), opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	server := httptest.NewServer(p)
	t.Cleanup(server.Close)
	return server, upstream, store
}

func TestProxy_ForwardsWithSessionCredentials(t *testing.T) {
	server, upstream, _ := setupProxy(t, "A1")

	req, _ := http.NewRequest(http.MethodGet, server.URL+"/applications?page=2", nil)
	req.Header.Set("Authorization", "Bearer spoofed")
	req.Header.Set("X-Request-ID", "req-42")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	got := upstream.last()
	if got.URL.Path != "/api/applications" || got.URL.RawQuery != "page=2" {
		t.Errorf("upstream URL = %s, want /api/applications?page=2", got.URL)
	}
	if h := got.Header.Get("Authorization"); h != "Bearer A1" {
		t.Errorf("upstream Authorization = %q, want Bearer A1", h)
	}
	if h := got.Header.Get("X-Request-ID"); h != "req-42" {
		t.Errorf("upstream X-Request-ID = %q, want req-42", h)
	}
	if h := resp.Header.Get("X-Request-ID"); h != "req-42" {
		t.Errorf("response X-Request-ID = %q, want req-42", h)
	}
}

func TestProxy_SessionExpired(t *testing.T) {
	// Upstream accepts nothing and rejects the refresh: the session ends.
	server, _, store := setupProxy(t, "never")

	resp, err := http.Post(server.URL+"/licenses", "application/json", strings.NewReader(`{"application_id":1}`))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}

	var body errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decoding error body: %v", err)
	}
	if body.Err.Type != "session_expired" {
		t.Errorf("error type = %q, want session_expired", body.Err.Type)
	}
	if _, ok, _ := store.Get(context.Background()); ok {
		t.Error("credentials must be cleared")
	}
}

func TestProxy_RequestSizeLimit(t *testing.T) {
	server, _, _ := setupProxy(t, "A1", WithMaxRequestBytes(8))

	resp, err := http.Post(server.URL+"/licenses", "application/json", strings.NewReader(`{"application_id":12345}`))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	_ = resp.Body.Close()

	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", resp.StatusCode)
	}
}

func TestProxy_HealthAndMetrics(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "licensectl_requests_replayed_total 0\n")
	})
	server, upstream, _ := setupProxy(t, "A1", WithMetricsHandler(metrics))

	for _, path := range []string{"/healthz/live", "/healthz/ready", "/metrics"} {
		resp, err := http.Get(server.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		_ = resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s = %d, want 200", path, resp.StatusCode)
		}
	}
	if upstream.last() != nil {
		t.Error("local routes must not be forwarded upstream")
	}
}

func TestReadinessHandler(t *testing.T) {
	tests := []struct {
		ready bool
		want  int
	}{
		{ready: true, want: http.StatusOK},
		{ready: false, want: http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		readinessHandler(staticReadiness(tt.ready)).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz/ready", nil))
		if rec.Code != tt.want {
			t.Errorf("ready=%v: status = %d, want %d", tt.ready, rec.Code, tt.want)
		}
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New("http://localhost:8080/api", nil, staticReadiness(true)); err == nil {
		t.Error("expected error for nil transport")
	}
	if _, err := New("localhost", http.DefaultTransport, staticReadiness(true)); err == nil {
		t.Error("expected error for relative upstream")
	}
}
