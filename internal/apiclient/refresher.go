package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/licensekit/licensectl/internal/credstore"
)

// DefaultRefreshTimeout bounds a single refresh exchange.
const DefaultRefreshTimeout = 15 * time.Second

// maxTokenResponseBytes caps how much of a login/refresh response is decoded.
const maxTokenResponseBytes = 1 << 20

// refreshFlightKey is the only singleflight key: there is one session per store.
const refreshFlightKey = "refresh"

// Refresher exchanges the stored refresh token for a new credential pair.
//
// Concurrent Refresh calls collapse into one exchange whose outcome every
// caller receives. The exchange goes straight to the base transport, so a 401
// from the refresh endpoint is reported as ReasonRejected and never triggers
// another refresh.
type Refresher struct {
	endpoint string
	client   *http.Client
	store    credstore.Store
	timeout  time.Duration
	recorder Recorder

	group singleflight.Group

	// failed remembers the refresh token of the last failed exchange. Callers
	// from the same burst that arrive after the flight was released, while the
	// session is still being terminated, get the same error instead of a
	// second exchange. A successful refresh resets it.
	mu     sync.Mutex
	failed struct {
		refreshToken string
		err          error
	}
}

// newRefresher creates a Refresher posting to endpoint through transport.
func newRefresher(endpoint string, transport http.RoundTripper, store credstore.Store, timeout time.Duration, recorder Recorder) *Refresher {
	if timeout <= 0 {
		timeout = DefaultRefreshTimeout
	}
	return &Refresher{
		endpoint: endpoint,
		client:   &http.Client{Transport: transport},
		store:    store,
		timeout:  timeout,
		recorder: recorder,
	}
}

// Refresh returns fresh credentials for a caller whose request was rejected
// while carrying staleAccess.
//
// If the store already holds a different access token, another refresh (or a
// login) completed in the meantime and that pair is returned without a
// network call. Otherwise the caller joins the in-flight exchange or starts
// one. Failures are *RefreshError values; the store is left untouched.
func (r *Refresher) Refresh(ctx context.Context, staleAccess string) (credstore.Pair, error) {
	if pair, ok, err := r.store.Get(ctx); err == nil && ok && pair.AccessToken != staleAccess {
		return pair, nil
	}

	// The exchange outlives any single caller: it is shared by everyone waiting on it.
	flightCtx := context.WithoutCancel(ctx)

	v, err, shared := r.group.Do(refreshFlightKey, func() (any, error) {
		return r.refresh(flightCtx, staleAccess)
	})
	if shared {
		slog.DebugContext(ctx, "joined in-flight credential refresh")
	}
	if err != nil {
		return credstore.Pair{}, err
	}
	return v.(credstore.Pair), nil
}

// refresh runs inside the singleflight group.
func (r *Refresher) refresh(ctx context.Context, staleAccess string) (credstore.Pair, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	pair, ok, err := r.store.Get(ctx)
	if err != nil {
		return credstore.Pair{}, r.fail(ctx, "", &RefreshError{
			Reason: ReasonStore,
			Err:    fmt.Errorf("reading credentials: %w", err),
		})
	}
	if ok && pair.AccessToken != staleAccess {
		return pair, nil
	}
	if !ok || pair.RefreshToken == "" {
		return credstore.Pair{}, r.fail(ctx, "", &RefreshError{Reason: ReasonNoRefreshToken})
	}

	if err := r.previousFailure(pair.RefreshToken); err != nil {
		return credstore.Pair{}, err
	}

	next, err := r.exchange(ctx, pair.RefreshToken)
	if err != nil {
		return credstore.Pair{}, r.fail(ctx, pair.RefreshToken, err)
	}

	if err := r.store.Set(ctx, next); err != nil {
		return credstore.Pair{}, r.fail(ctx, pair.RefreshToken, &RefreshError{
			Reason: ReasonStore,
			Err:    fmt.Errorf("persisting refreshed credentials: %w", err),
		})
	}

	r.mu.Lock()
	r.failed.refreshToken, r.failed.err = "", nil
	r.mu.Unlock()

	r.recorder.RefreshCompleted("success")
	slog.InfoContext(ctx, "credentials refreshed")
	return next, nil
}

// exchange performs POST {endpoint} {"refresh_token": ...}.
func (r *Refresher) exchange(ctx context.Context, refreshToken string) (credstore.Pair, error) {
	body, err := json.Marshal(refreshRequest{RefreshToken: refreshToken})
	if err != nil {
		return credstore.Pair{}, &RefreshError{Reason: ReasonTransport, Err: fmt.Errorf("encoding refresh request: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(body))
	if err != nil {
		return credstore.Pair{}, &RefreshError{Reason: ReasonTransport, Err: fmt.Errorf("creating refresh request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return credstore.Pair{}, &RefreshError{Reason: ReasonTransport, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxTokenResponseBytes))
		return credstore.Pair{}, &RefreshError{Reason: ReasonRejected, StatusCode: resp.StatusCode}
	}

	token, err := decodeToken(resp.Body)
	if err != nil {
		return credstore.Pair{}, &RefreshError{Reason: ReasonRejected, StatusCode: resp.StatusCode, Err: err}
	}

	// Servers that do not rotate refresh tokens omit the field.
	if token.RefreshToken == "" {
		token.RefreshToken = refreshToken
	}
	return credstore.Pair{AccessToken: token.AccessToken, RefreshToken: token.RefreshToken}, nil
}

func (r *Refresher) previousFailure(refreshToken string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failed.err != nil && r.failed.refreshToken == refreshToken {
		return r.failed.err
	}
	return nil
}

// fail records a failed refresh and returns err. The refresh token is
// remembered whatever the reason, so it is not sent again.
func (r *Refresher) fail(ctx context.Context, refreshToken string, err error) error {
	var refreshErr *RefreshError
	reason := string(ReasonTransport)
	if errors.As(err, &refreshErr) {
		reason = string(refreshErr.Reason)
	}

	if refreshToken != "" {
		r.mu.Lock()
		r.failed.refreshToken, r.failed.err = refreshToken, err
		r.mu.Unlock()
	}

	r.recorder.RefreshCompleted(reason)
	slog.WarnContext(ctx, "credential refresh failed", "reason", reason, "error", err)
	return err
}

// refreshRequest is the body of POST /auth/refresh.
type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// decodeToken reads an {access_token, refresh_token} body.
func decodeToken(body io.Reader) (*oauth2.Token, error) {
	var token oauth2.Token
	if err := json.NewDecoder(io.LimitReader(body, maxTokenResponseBytes)).Decode(&token); err != nil {
		return nil, fmt.Errorf("decoding token response: %w", err)
	}
	if token.AccessToken == "" {
		return nil, errors.New("token response missing access_token")
	}
	return &token, nil
}
