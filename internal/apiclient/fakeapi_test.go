package apiclient

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/licensekit/licensectl/internal/credstore"
)

// fakeAPI is an in-process license server. Domain routes accept exactly one
// access token at a time; the refresh route rotates it.
type fakeAPI struct {
	server *httptest.Server

	mu          sync.Mutex
	validAccess string
	authHeaders []string
	bodies      []string

	domainHits   atomic.Int32
	unauthorized atomic.Int32
	refreshCalls atomic.Int32

	// refresh handles POST /auth/refresh; defaults to rotateRefresh.
	refresh func(w http.ResponseWriter, refreshToken string)
}

func newFakeAPI(t *testing.T, validAccess string) *fakeAPI {
	t.Helper()

	api := &fakeAPI{validAccess: validAccess}
	api.refresh = api.rotateRefresh

	r := chi.NewRouter()
	r.Post("/api/auth/login", api.handleLogin)
	r.Post("/api/auth/refresh", api.handleRefresh)
	r.Get("/api/applications", api.handleDomain(http.StatusOK, `[{"id":1,"name":"app"}]`))
	r.Post("/api/licenses", api.handleDomain(http.StatusCreated, `{"id":7}`))
	r.Get("/api/machines/missing", api.handleDomain(http.StatusNotFound, `{"error":"not found"}`))
	r.Get("/api/machines/broken", api.handleDomain(http.StatusInternalServerError, `{"error":"boom"}`))

	api.server = httptest.NewServer(r)
	t.Cleanup(api.server.Close)
	return api
}

func (f *fakeAPI) baseURL() string {
	return f.server.URL + "/api"
}

func (f *fakeAPI) setValidAccess(token string) {
	f.mu.Lock()
	f.validAccess = token
	f.mu.Unlock()
}

func (f *fakeAPI) seenAuthHeaders() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.authHeaders...)
}

func (f *fakeAPI) seenBodies() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.bodies...)
}

func (f *fakeAPI) handleLogin(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if in.Email != "admin@example.com" || in.Password != "secret" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	f.setValidAccess("A1")
	writeTokens(w, "A1", "R1")
}

func (f *fakeAPI) handleRefresh(w http.ResponseWriter, r *http.Request) {
	f.refreshCalls.Add(1)

	var in struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	f.refresh(w, in.RefreshToken)
}

// rotateRefresh turns R1 into A2/R2 and rejects everything else.
func (f *fakeAPI) rotateRefresh(w http.ResponseWriter, refreshToken string) {
	if refreshToken != "R1" {
		http.Error(w, "invalid refresh token", http.StatusUnauthorized)
		return
	}
	f.setValidAccess("A2")
	writeTokens(w, "A2", "R2")
}

func (f *fakeAPI) handleDomain(status int, body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f.domainHits.Add(1)
		payload, _ := io.ReadAll(r.Body)

		f.mu.Lock()
		f.authHeaders = append(f.authHeaders, r.Header.Get("Authorization"))
		f.bodies = append(f.bodies, string(payload))
		valid := f.validAccess
		f.mu.Unlock()

		if valid == "" || r.Header.Get("Authorization") != "Bearer "+valid {
			f.unauthorized.Add(1)
			http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}
}

func writeTokens(w http.ResponseWriter, access, refresh string) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{
		"access_token":  access,
		"refresh_token": refresh,
	})
}

// navigationRecorder counts Unauthenticated signals and checks the store is
// already empty when they fire.
type navigationRecorder struct {
	t     *testing.T
	store credstore.Store
	calls atomic.Int32
}

func (n *navigationRecorder) Unauthenticated(ctx context.Context, _ error) {
	n.calls.Add(1)
	if _, ok, _ := n.store.Get(ctx); ok {
		n.t.Errorf("navigation signalled while credentials still stored")
	}
}

// failingRefreshTransport fails every call to the refresh endpoint.
type failingRefreshTransport struct {
	next http.RoundTripper
	err  error
}

func (f *failingRefreshTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if strings.HasSuffix(req.URL.Path, RefreshPath) {
		if req.Body != nil {
			_ = req.Body.Close()
		}
		return nil, f.err
	}
	return f.next.RoundTrip(req)
}

func newTestClient(t *testing.T, api *fakeAPI, store credstore.Store, opts ...Option) (*Client, *navigationRecorder) {
	t.Helper()

	nav := &navigationRecorder{t: t, store: store}
	opts = append([]Option{WithNavigator(nav)}, opts...)

	client, err := New(api.baseURL(), store, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return client, nav
}

func seededStore(t *testing.T, access, refresh string) *credstore.MemoryStore {
	t.Helper()
	store := credstore.NewMemoryStore()
	if err := store.Set(context.Background(), credstore.Pair{AccessToken: access, RefreshToken: refresh}); err != nil {
		t.Fatal(err)
	}
	return store
}

// flakyRefreshTransport fails the first call to the refresh endpoint and
// passes later ones through.
type flakyRefreshTransport struct {
	next  http.RoundTripper
	err   error
	calls atomic.Int32
}

func (f *flakyRefreshTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if strings.HasSuffix(req.URL.Path, RefreshPath) && f.calls.Add(1) == 1 {
		if req.Body != nil {
			_ = req.Body.Close()
		}
		return nil, f.err
	}
	return f.next.RoundTrip(req)
}

// gatedClearStore holds Clear until release is closed; clearing is closed
// when the first Clear starts.
type gatedClearStore struct {
	*credstore.MemoryStore

	clearing chan struct{}
	release  chan struct{}
	once     sync.Once
}

func newGatedClearStore(t *testing.T, access, refresh string) *gatedClearStore {
	return &gatedClearStore{
		MemoryStore: seededStore(t, access, refresh),
		clearing:    make(chan struct{}),
		release:     make(chan struct{}),
	}
}

func (s *gatedClearStore) Clear(ctx context.Context) error {
	s.once.Do(func() { close(s.clearing) })
	<-s.release
	return s.MemoryStore.Clear(ctx)
}
