package proxy

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"

	"github.com/licensekit/licensectl/internal/apiclient"
	"github.com/licensekit/licensectl/internal/observability/middleware"
)

// newForwardHandler reverse-proxies every request to target. Any
// Authorization header from the local caller is dropped; the transport
// supplies the session's bearer token.
func newForwardHandler(target *url.URL, transport http.RoundTripper) http.Handler {
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.SetXForwarded()
			pr.Out.Header.Del("Authorization")
			if id, ok := middleware.RequestIDFromContext(pr.In.Context()); ok {
				pr.Out.Header.Set(middleware.RequestIDHeader, id)
			}
		},
		Transport:    transport,
		ErrorHandler: forwardError,
	}
}

// forwardError maps transport failures onto proxy responses.
func forwardError(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()

	var maxBytesErr *http.MaxBytesError
	switch {
	case errors.Is(err, apiclient.ErrAuthorizationFailure):
		slog.WarnContext(ctx, "upstream rejected credentials", "error", err)
		writeJSONError(ctx, w, http.StatusUnauthorized, "session_expired",
			"session expired or missing; run `licensectl auth login`")
	case errors.As(err, &maxBytesErr):
		slog.WarnContext(ctx, "request exceeds size limit", "limit_bytes", maxBytesErr.Limit)
		writeJSONError(ctx, w, http.StatusRequestEntityTooLarge, "invalid_request_error",
			http.StatusText(http.StatusRequestEntityTooLarge))
	case errors.Is(err, context.Canceled):
		// Client went away; nobody reads the response.
		w.WriteHeader(http.StatusBadGateway)
	default:
		slog.ErrorContext(ctx, "forwarding request failed", "error", err)
		writeJSONError(ctx, w, http.StatusBadGateway, "upstream_unavailable",
			http.StatusText(http.StatusBadGateway))
	}
}
