package apiclient

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/licensekit/licensectl/internal/credstore"
)

// Navigator receives the signal that the session ended and the user has to
// go back to the unauthenticated entry point (the login screen, a CLI hint).
type Navigator interface {
	Unauthenticated(ctx context.Context, cause error)
}

// NavigatorFunc adapts a function to Navigator.
type NavigatorFunc func(ctx context.Context, cause error)

func (f NavigatorFunc) Unauthenticated(ctx context.Context, cause error) {
	f(ctx, cause)
}

// clearTimeout bounds the store calls of Terminate, which run detached from
// the caller's context.
const clearTimeout = 5 * time.Second

// Terminator ends the session: clear the store, then notify the Navigator.
type Terminator struct {
	store     credstore.Store
	navigator Navigator
	recorder  Recorder

	mu sync.Mutex
}

func newTerminator(store credstore.Store, navigator Navigator, recorder Recorder) *Terminator {
	return &Terminator{store: store, navigator: navigator, recorder: recorder}
}

// Terminate clears the credential store and notifies the Navigator.
//
// Only the Authenticated→Unauthenticated transition notifies: concurrent or
// repeated calls after the store is empty do nothing and return false. The
// store is cleared before the Navigator runs, and a failed clear notifies
// nobody. Store calls ignore cancellation of ctx, so a caller that gave up
// while waiting on a refresh still ends the session.
func (t *Terminator) Terminate(ctx context.Context, cause error) bool {
	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), clearTimeout)
	defer cancel()

	t.mu.Lock()
	_, ok, err := t.store.Get(storeCtx)
	if err == nil && !ok {
		t.mu.Unlock()
		return false
	}
	if err := t.store.Clear(storeCtx); err != nil {
		t.mu.Unlock()
		slog.ErrorContext(ctx, "failed to clear credentials, session left in place", "error", err)
		return false
	}
	t.mu.Unlock()

	t.recorder.SessionTerminated()
	slog.InfoContext(ctx, "session terminated", "cause", cause)

	if t.navigator != nil {
		t.navigator.Unauthenticated(context.WithoutCancel(ctx), cause)
	}
	return true
}
