package apiclient

import (
	"log/slog"
	"net/http"

	"golang.org/x/oauth2"

	"github.com/licensekit/licensectl/internal/credstore"
)

// Authenticator attaches the stored access token to outgoing requests.
// The store is read on every call, never cached, so a request dispatched after
// a refresh always carries the new token.
type Authenticator struct {
	store credstore.Store
}

// NewAuthenticator creates an Authenticator reading from store.
func NewAuthenticator(store credstore.Store) *Authenticator {
	return &Authenticator{store: store}
}

// Authenticate sets the Authorization header on req and returns the access
// token it used. With no stored credentials the header is removed and ""
// is returned; the server's 401 is handled downstream.
// req must be owned by the caller (a clone, not the request a user passed in).
func (a *Authenticator) Authenticate(req *http.Request) string {
	ctx := req.Context()

	pair, ok, err := a.store.Get(ctx)
	if err != nil {
		slog.WarnContext(ctx, "reading credentials failed, sending request unauthenticated", "error", err)
	}
	if err != nil || !ok || pair.AccessToken == "" {
		req.Header.Del("Authorization")
		return ""
	}

	token := &oauth2.Token{AccessToken: pair.AccessToken, TokenType: "Bearer"}
	token.SetAuthHeader(req)
	return pair.AccessToken
}
