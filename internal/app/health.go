package app

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/licensekit/licensectl/internal/apiclient"
	"github.com/licensekit/licensectl/internal/credstore"
	"github.com/licensekit/licensectl/internal/proxy"
)

// Health tracks whether the proxy is started and holds a session.
// All methods are thread-safe.
type Health struct {
	ready atomic.Bool
	store credstore.Store
}

// Compile-time checks
var (
	_ proxy.ReadinessChecker = (*Health)(nil)
	_ apiclient.Navigator    = (*Health)(nil)
)

// NewHealth creates a Health instance initialized as not ready.
func NewHealth(store credstore.Store) *Health {
	return &Health{store: store}
}

// SetReady updates the started state.
func (h *Health) SetReady(ready bool) {
	h.ready.Store(ready)
}

// IsReady reports whether the proxy is started and credentials are present.
func (h *Health) IsReady() bool {
	if !h.ready.Load() {
		return false
	}
	_, ok, err := h.store.Get(context.Background())
	return err == nil && ok
}

// Unauthenticated is the navigation target for a terminated session. A
// headless process has no login screen, so the operator is told how to
// re-authenticate.
func (h *Health) Unauthenticated(ctx context.Context, cause error) {
	slog.WarnContext(ctx, "session expired, run `licensectl auth login` to sign in again", "cause", cause)
}
