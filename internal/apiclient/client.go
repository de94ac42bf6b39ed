package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/licensekit/licensectl/internal/credstore"
)

// Endpoint paths relative to the API base URL.
const (
	LoginPath   = "/auth/login"
	RefreshPath = "/auth/refresh"
)

// DefaultTimeout bounds a whole Do call, including a refresh and the replay.
const DefaultTimeout = 30 * time.Second

// SessionState is derived from the credential store, never stored.
type SessionState int

const (
	Unauthenticated SessionState = iota
	Authenticated
)

func (s SessionState) String() string {
	if s == Authenticated {
		return "authenticated"
	}
	return "unauthenticated"
}

// Client talks to the license server API on behalf of a logged-in user.
type Client struct {
	baseURL string
	store   credstore.Store

	// direct bypasses refresh handling; used for login.
	direct     *http.Client
	http       *http.Client
	transport  *Transport
	refresher  *Refresher
	terminator *Terminator
	validate   *validator.Validate
}

// Option configures a Client.
type Option func(*options)

type options struct {
	transport      http.RoundTripper
	navigator      Navigator
	recorder       Recorder
	timeout        time.Duration
	refreshTimeout time.Duration
	userAgent      string
}

// WithTransport sets the base transport for all network calls (default http.DefaultTransport).
func WithTransport(rt http.RoundTripper) Option {
	return func(o *options) { o.transport = rt }
}

// WithNavigator sets who is told when the session ends.
func WithNavigator(n Navigator) Option {
	return func(o *options) { o.navigator = n }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(o *options) { o.recorder = r }
}

// WithTimeout bounds each Do call. Zero disables the client-side timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithRefreshTimeout bounds each refresh exchange.
func WithRefreshTimeout(d time.Duration) Option {
	return func(o *options) { o.refreshTimeout = d }
}

// WithUserAgent sets the User-Agent header on every request.
func WithUserAgent(ua string) Option {
	return func(o *options) { o.userAgent = ua }
}

// New creates a Client for the API rooted at baseURL, e.g. "http://localhost:8080/api".
func New(baseURL string, store credstore.Store, opts ...Option) (*Client, error) {
	if store == nil {
		return nil, errors.New("missing credential store")
	}

	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing base URL: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("base URL %q must be absolute", baseURL)
	}

	o := options{
		transport: http.DefaultTransport,
		recorder:  nopRecorder{},
		timeout:   DefaultTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.transport == nil {
		o.transport = http.DefaultTransport
	}
	if o.recorder == nil {
		o.recorder = nopRecorder{}
	}

	base := &headerRoundTripper{next: o.transport, userAgent: o.userAgent}

	c := &Client{
		baseURL:  strings.TrimRight(u.String(), "/"),
		store:    store,
		direct:   &http.Client{Transport: base, Timeout: o.timeout},
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
	c.refresher = newRefresher(c.resolve(RefreshPath), base, store, o.refreshTimeout, o.recorder)
	c.terminator = newTerminator(store, o.navigator, o.recorder)
	c.transport = &Transport{
		base:       base,
		auth:       NewAuthenticator(store),
		refresher:  c.refresher,
		terminator: c.terminator,
		recorder:   o.recorder,
	}
	c.http = &http.Client{Transport: c.transport, Timeout: o.timeout}

	return c, nil
}

// BaseURL returns the API root without a trailing slash.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Transport returns the authenticating RoundTripper, for use by reverse proxies
// or other HTTP clients.
func (c *Client) Transport() http.RoundTripper {
	return c.transport
}

// resolve joins path (which may carry a query) onto the base URL.
func (c *Client) resolve(path string) string {
	return c.baseURL + "/" + strings.TrimLeft(path, "/")
}

// NewRequest builds a request for path relative to the API base URL.
func (c *Client) NewRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.resolve(path), body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	return req, nil
}

// Do sends req through the authenticating transport. Non-401 responses,
// including error statuses, are returned unchanged. An unrecoverable 401 is
// returned as an error matching ErrAuthorizationFailure.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	return c.http.Do(req)
}

// DoJSON sends in (if non-nil) as JSON and decodes a 2xx response into out
// (if non-nil). Other statuses are returned as *HTTPError.
func (c *Client) DoJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding request body: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := c.NewRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &HTTPError{StatusCode: resp.StatusCode, Body: data}
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decoding response body: %w", err)
		}
	}
	return nil
}

// loginRequest is the body of POST /auth/login.
type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

// Login exchanges email and password for a credential pair and stores it.
// The call bypasses refresh handling: a 401 here is ErrInvalidCredentials.
func (c *Client) Login(ctx context.Context, email, password string) (credstore.Pair, error) {
	in := loginRequest{Email: email, Password: password}
	if err := c.validate.Struct(in); err != nil {
		return credstore.Pair{}, fmt.Errorf("invalid login request: %w", err)
	}

	data, err := json.Marshal(in)
	if err != nil {
		return credstore.Pair{}, fmt.Errorf("encoding login request: %w", err)
	}

	req, err := c.NewRequest(ctx, http.MethodPost, LoginPath, bytes.NewReader(data))
	if err != nil {
		return credstore.Pair{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.direct.Do(req)
	if err != nil {
		return credstore.Pair{}, fmt.Errorf("login request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return credstore.Pair{}, ErrInvalidCredentials
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return credstore.Pair{}, &HTTPError{StatusCode: resp.StatusCode, Body: body}
	}

	token, err := decodeToken(resp.Body)
	if err != nil {
		return credstore.Pair{}, err
	}

	pair := credstore.Pair{AccessToken: token.AccessToken, RefreshToken: token.RefreshToken}
	if err := c.store.Set(ctx, pair); err != nil {
		return credstore.Pair{}, fmt.Errorf("storing credentials: %w", err)
	}
	return pair, nil
}

// Logout ends the session. It reports whether a session was active.
func (c *Client) Logout(ctx context.Context) bool {
	return c.terminator.Terminate(ctx, nil)
}

// Refresh forces a credential refresh. A failed refresh ends the session,
// exactly as it does when triggered by a 401.
func (c *Client) Refresh(ctx context.Context) (credstore.Pair, error) {
	current, _, err := c.store.Get(ctx)
	if err != nil {
		return credstore.Pair{}, fmt.Errorf("reading credentials: %w", err)
	}

	pair, err := c.refresher.Refresh(ctx, current.AccessToken)
	if err != nil {
		c.terminator.Terminate(ctx, err)
		return credstore.Pair{}, err
	}
	return pair, nil
}

// Session reports whether credentials are currently stored.
func (c *Client) Session(ctx context.Context) (SessionState, error) {
	_, ok, err := c.store.Get(ctx)
	if err != nil {
		return Unauthenticated, fmt.Errorf("reading credentials: %w", err)
	}
	if !ok {
		return Unauthenticated, nil
	}
	return Authenticated, nil
}

// Credentials returns the stored pair, if any.
func (c *Client) Credentials(ctx context.Context) (credstore.Pair, bool, error) {
	return c.store.Get(ctx)
}
