package apiclient

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
)

// maxErrorBodyBytes caps how much of a 401 body is kept on AuthorizationError.
const maxErrorBodyBytes = 64 << 10

// Transport is the http.RoundTripper that authenticates requests and recovers
// from expired credentials.
//
// For each request:
//   - not 401: the response is returned unchanged
//   - first 401: refresh credentials, replay the identical request once
//   - 401 on the replay, or refresh failed: end the session and return *AuthorizationError
//
// Transport errors from the base RoundTripper are returned unchanged.
type Transport struct {
	base       http.RoundTripper
	auth       *Authenticator
	refresher  *Refresher
	terminator *Terminator
	recorder   Recorder
}

// Compile-time check to ensure Transport implements http.RoundTripper
var _ http.RoundTripper = (*Transport)(nil)

// RoundTrip implements http.RoundTripper. req is never modified; every attempt
// is sent as a clone carrying a copy of the original body.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	a, err := newAttempt(req)
	if err != nil {
		return nil, err
	}
	return t.roundTrip(a)
}

func (t *Transport) roundTrip(a attempt) (*http.Response, error) {
	ctx := a.req.Context()

	out := a.outgoing()
	used := t.auth.Authenticate(out)

	resp, err := t.base.RoundTrip(out)
	if err != nil || resp.StatusCode != http.StatusUnauthorized {
		return resp, err
	}

	failure := newAuthorizationError(a, resp)

	if a.retried {
		t.terminator.Terminate(ctx, failure)
		return nil, failure
	}

	if _, err := t.refresher.Refresh(ctx, used); err != nil {
		failure.Cause = err
		t.terminator.Terminate(ctx, failure)
		return nil, failure
	}

	t.recorder.RequestReplayed()
	return t.roundTrip(a.retry())
}

// attempt is one dispatch of a caller's request. Values are never mutated:
// retry returns a new attempt, so the retried flag cannot leak between calls.
type attempt struct {
	req     *http.Request
	body    []byte
	hasBody bool
	retried bool
}

// newAttempt buffers the request body so the request can be sent twice.
// The original body is consumed and closed, as RoundTrip requires.
func newAttempt(req *http.Request) (attempt, error) {
	a := attempt{req: req}
	if req.Body == nil || req.Body == http.NoBody {
		return a, nil
	}

	body, err := io.ReadAll(req.Body)
	_ = req.Body.Close()
	if err != nil {
		return attempt{}, fmt.Errorf("buffering request body: %w", err)
	}
	a.body, a.hasBody = body, true
	return a, nil
}

func (a attempt) retry() attempt {
	a.retried = true
	return a
}

// outgoing builds the request that is actually sent for this attempt.
func (a attempt) outgoing() *http.Request {
	out := a.req.Clone(a.req.Context())
	if a.hasBody {
		body := a.body
		out.Body = io.NopCloser(bytes.NewReader(body))
		out.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(body)), nil
		}
		out.ContentLength = int64(len(body))
	}
	return out
}

// newAuthorizationError consumes and closes the 401 response.
func newAuthorizationError(a attempt, resp *http.Response) *AuthorizationError {
	defer func() { _ = resp.Body.Close() }()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))

	return &AuthorizationError{
		Method:     a.req.Method,
		URL:        a.req.URL.Redacted(),
		StatusCode: resp.StatusCode,
		Body:       body,
		Retried:    a.retried,
	}
}
