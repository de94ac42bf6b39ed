package apiclient

import (
	"net/http"

	"github.com/google/uuid"
)

// RequestIDHeader correlates a request across the client, proxy and server logs.
const RequestIDHeader = "X-Request-ID"

// headerRoundTripper sets User-Agent and, when missing, a fresh X-Request-ID.
type headerRoundTripper struct {
	next      http.RoundTripper
	userAgent string
}

func (rt *headerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	// clone request to avoid mutating the original
	clone := req.Clone(req.Context())
	if rt.userAgent != "" {
		clone.Header.Set("User-Agent", rt.userAgent)
	}
	if clone.Header.Get(RequestIDHeader) == "" {
		clone.Header.Set(RequestIDHeader, uuid.NewString())
	}
	return rt.next.RoundTrip(clone)
}
