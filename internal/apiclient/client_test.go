package apiclient

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"

	"github.com/go-playground/validator/v10"

	"github.com/licensekit/licensectl/internal/credstore"
)

func TestNew_Validation(t *testing.T) {
	store := credstore.NewMemoryStore()

	if _, err := New("http://localhost:8080/api", nil); err == nil {
		t.Error("expected error for nil store")
	}
	if _, err := New("/api", store); err == nil {
		t.Error("expected error for relative base URL")
	}

	client, err := New("http://localhost:8080/api/", store)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := client.BaseURL(); got != "http://localhost:8080/api" {
		t.Errorf("BaseURL = %q", got)
	}
	if got := client.resolve("/applications?page=2"); got != "http://localhost:8080/api/applications?page=2" {
		t.Errorf("resolve = %q", got)
	}
}

func TestLogin_Validation(t *testing.T) {
	api := newFakeAPI(t, "")
	client, _ := newTestClient(t, api, credstore.NewMemoryStore())

	tests := []struct {
		name     string
		email    string
		password string
	}{
		{name: "malformed email", email: "not-an-email", password: "secret"},
		{name: "missing password", email: "admin@example.com", password: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := client.Login(context.Background(), tt.email, tt.password)
			var verrs validator.ValidationErrors
			if !errors.As(err, &verrs) {
				t.Fatalf("error = %v, want validation errors", err)
			}
		})
	}
}

func TestLogin_InvalidCredentialsDoNotRefresh(t *testing.T) {
	api := newFakeAPI(t, "")
	store := credstore.NewMemoryStore()
	client, nav := newTestClient(t, api, store)

	_, err := client.Login(context.Background(), "admin@example.com", "wrong")
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("error = %v, want ErrInvalidCredentials", err)
	}
	if api.refreshCalls.Load() != 0 || nav.calls.Load() != 0 {
		t.Error("failed login must not refresh or terminate")
	}
	if state, _ := client.Session(context.Background()); state != Unauthenticated {
		t.Errorf("session = %v, want unauthenticated", state)
	}
}

func TestLogout(t *testing.T) {
	api := newFakeAPI(t, "A1")
	store := seededStore(t, "A1", "R1")
	client, nav := newTestClient(t, api, store)

	if state, _ := client.Session(context.Background()); state != Authenticated {
		t.Fatalf("session = %v, want authenticated", state)
	}
	if !client.Logout(context.Background()) {
		t.Error("first Logout should report an active session")
	}
	if client.Logout(context.Background()) {
		t.Error("second Logout should be a no-op")
	}
	if got := nav.calls.Load(); got != 1 {
		t.Errorf("navigation signals = %d, want 1", got)
	}
	if state, _ := client.Session(context.Background()); state != Unauthenticated {
		t.Errorf("session = %v, want unauthenticated", state)
	}
}

func TestDoJSON(t *testing.T) {
	api := newFakeAPI(t, "A1")
	client, _ := newTestClient(t, api, seededStore(t, "A1", "R1"))

	var apps []struct {
		ID   int    `json:"id"`
		Name string `json:"name"`
	}
	if err := client.DoJSON(context.Background(), http.MethodGet, "/applications", nil, &apps); err != nil {
		t.Fatalf("DoJSON: %v", err)
	}
	if len(apps) != 1 || apps[0].Name != "app" {
		t.Errorf("apps = %+v", apps)
	}

	var created struct {
		ID int `json:"id"`
	}
	in := map[string]any{"application_id": 1}
	if err := client.DoJSON(context.Background(), http.MethodPost, "/licenses", in, &created); err != nil {
		t.Fatalf("DoJSON POST: %v", err)
	}
	if created.ID != 7 {
		t.Errorf("created.ID = %d, want 7", created.ID)
	}

	err := client.DoJSON(context.Background(), http.MethodGet, "/machines/missing", nil, nil)
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusNotFound {
		t.Fatalf("error = %v, want HTTPError 404", err)
	}
}

func TestClientRefresh(t *testing.T) {
	api := newFakeAPI(t, "A1")
	store := seededStore(t, "A1", "R1")
	client, _ := newTestClient(t, api, store)

	pair, err := client.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if pair != (credstore.Pair{AccessToken: "A2", RefreshToken: "R2"}) {
		t.Errorf("pair = %+v, want A2/R2", pair)
	}

	// R2 is unknown to the fake server: the forced refresh fails and ends the session.
	if _, err := client.Refresh(context.Background()); !errors.Is(err, ErrRefreshFailed) {
		t.Fatalf("error = %v, want ErrRefreshFailed", err)
	}
	if state, _ := client.Session(context.Background()); state != Unauthenticated {
		t.Errorf("session = %v, want unauthenticated", state)
	}
}

func TestRefresher_StaleAccessShortCircuits(t *testing.T) {
	api := newFakeAPI(t, "A2")
	store := seededStore(t, "A2", "R2")
	client, _ := newTestClient(t, api, store)

	// A request that went out with A1 fails after A2 was already stored.
	pair, err := client.refresher.Refresh(context.Background(), "A1")
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if pair.AccessToken != "A2" {
		t.Errorf("access token = %q, want A2", pair.AccessToken)
	}
	if got := api.refreshCalls.Load(); got != 0 {
		t.Errorf("refresh calls = %d, want 0", got)
	}
}

func TestRefresher_KeepsRefreshTokenWhenNotRotated(t *testing.T) {
	api := newFakeAPI(t, "")
	api.refresh = func(w http.ResponseWriter, _ string) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"A2"}`))
	}
	store := seededStore(t, "A1", "R1")
	client, _ := newTestClient(t, api, store)

	pair, err := client.refresher.Refresh(context.Background(), "A1")
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	want := credstore.Pair{AccessToken: "A2", RefreshToken: "R1"}
	if pair != want {
		t.Errorf("pair = %+v, want %+v", pair, want)
	}
	if got, _, _ := store.Get(context.Background()); got != want {
		t.Errorf("store = %+v, want %+v", got, want)
	}
}

func TestRefresher_RejectedTokenIsNotRetried(t *testing.T) {
	api := newFakeAPI(t, "")
	api.refresh = func(w http.ResponseWriter, _ string) {
		http.Error(w, "revoked", http.StatusUnauthorized)
	}
	store := seededStore(t, "A1", "R1")
	client, _ := newTestClient(t, api, store)

	for range 3 {
		_, err := client.refresher.Refresh(context.Background(), "A1")
		var refreshErr *RefreshError
		if !errors.As(err, &refreshErr) || refreshErr.Reason != ReasonRejected || refreshErr.StatusCode != http.StatusUnauthorized {
			t.Fatalf("error = %v, want rejected with status 401", err)
		}
	}
	if got := api.refreshCalls.Load(); got != 1 {
		t.Errorf("refresh calls = %d, want 1", got)
	}
	// The coordinator itself never touches the store on failure.
	if _, ok, _ := store.Get(context.Background()); !ok {
		t.Error("refresh failure must not clear the store")
	}
}

func TestRefresher_EmptyAccessTokenIsRejected(t *testing.T) {
	api := newFakeAPI(t, "")
	api.refresh = func(w http.ResponseWriter, _ string) {
		writeTokens(w, "", "R2")
	}
	client, _ := newTestClient(t, api, seededStore(t, "A1", "R1"))

	_, err := client.refresher.Refresh(context.Background(), "A1")
	var refreshErr *RefreshError
	if !errors.As(err, &refreshErr) || refreshErr.Reason != ReasonRejected {
		t.Fatalf("error = %v, want %s", err, ReasonRejected)
	}
}

func TestTerminator_SignalsOnceUnderConcurrency(t *testing.T) {
	store := seededStore(t, "A1", "R1")
	nav := &navigationRecorder{t: t, store: store}
	term := newTerminator(store, nav, nopRecorder{})

	const n = 16
	var wg sync.WaitGroup
	var transitions sync.Map
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if term.Terminate(context.Background(), errors.New("expired")) {
				transitions.Store(i, true)
			}
		}()
	}
	wg.Wait()

	count := 0
	transitions.Range(func(_, _ any) bool { count++; return true })
	if count != 1 {
		t.Errorf("Terminate reported %d transitions, want 1", count)
	}
	if got := nav.calls.Load(); got != 1 {
		t.Errorf("navigation signals = %d, want 1", got)
	}
}

func TestAuthenticator_ReadsStoreAtDispatch(t *testing.T) {
	store := seededStore(t, "A1", "R1")
	auth := NewAuthenticator(store)

	req, _ := http.NewRequest(http.MethodGet, "http://example.com/api/applications", nil)

	// Credentials change between building the request and sending it.
	_ = store.Set(context.Background(), credstore.Pair{AccessToken: "A2", RefreshToken: "R2"})

	if used := auth.Authenticate(req); used != "A2" {
		t.Errorf("used token = %q, want A2", used)
	}
	if got := req.Header.Get("Authorization"); got != "Bearer A2" {
		t.Errorf("Authorization = %q, want Bearer A2", got)
	}

	_ = store.Clear(context.Background())
	if used := auth.Authenticate(req); used != "" {
		t.Errorf("used token = %q, want none", used)
	}
	if got := req.Header.Get("Authorization"); got != "" {
		t.Errorf("Authorization = %q, want header removed", got)
	}
}

// brokenStore fails every read and write.
type brokenStore struct {
	err error
}

func (s brokenStore) Get(context.Context) (credstore.Pair, bool, error) {
	return credstore.Pair{}, false, s.err
}

func (s brokenStore) Set(context.Context, credstore.Pair) error { return s.err }
func (s brokenStore) Clear(context.Context) error               { return s.err }

func TestRefresher_StoreReadErrorIsNotMissingToken(t *testing.T) {
	api := newFakeAPI(t, "")
	storeErr := errors.New("keyring locked")
	client, _ := newTestClient(t, api, brokenStore{err: storeErr})

	_, err := client.refresher.Refresh(context.Background(), "A1")

	var refreshErr *RefreshError
	if !errors.As(err, &refreshErr) || refreshErr.Reason != ReasonStore {
		t.Fatalf("error = %v, want RefreshError(%s)", err, ReasonStore)
	}
	if !errors.Is(err, storeErr) {
		t.Errorf("error %v should wrap the store failure", err)
	}
	if got := api.refreshCalls.Load(); got != 0 {
		t.Errorf("refresh calls = %d, want 0", got)
	}
}

func TestRefresher_StoreWriteErrorIsReported(t *testing.T) {
	api := newFakeAPI(t, "")
	store := &writeFailingStore{MemoryStore: seededStore(t, "A1", "R1"), err: errors.New("disk full")}
	client, _ := newTestClient(t, api, store)

	_, err := client.refresher.Refresh(context.Background(), "A1")

	var refreshErr *RefreshError
	if !errors.As(err, &refreshErr) || refreshErr.Reason != ReasonStore {
		t.Fatalf("error = %v, want RefreshError(%s)", err, ReasonStore)
	}
}

// writeFailingStore serves reads from memory and fails every Set.
type writeFailingStore struct {
	*credstore.MemoryStore
	err error
}

func (s *writeFailingStore) Set(context.Context, credstore.Pair) error { return s.err }
