package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/licensekit/licensectl/internal/observability/middleware"
)

// DefaultMaxRequestBytes limits request bodies; they are buffered for replay.
const DefaultMaxRequestBytes = 10 << 20

// ReadinessChecker reports whether the proxy can serve authenticated traffic.
type ReadinessChecker interface {
	IsReady() bool
}

// Proxy forwards local, unauthenticated HTTP calls to the license server API.
// Credentials are attached and refreshed by the transport it is given.
type Proxy struct {
	handler http.Handler
	server  *http.Server
	addr    atomic.Pointer[net.Addr]
}

// Compile-time check to ensure Proxy implements http.Handler
var _ http.Handler = (*Proxy)(nil)

// Option configures a Proxy.
type Option func(*options)

type options struct {
	maxRequestBytes int64
	metrics         http.Handler
	logger          *slog.Logger
}

// WithMaxRequestBytes overrides DefaultMaxRequestBytes.
func WithMaxRequestBytes(n int64) Option {
	return func(o *options) { o.maxRequestBytes = n }
}

// WithMetricsHandler serves h on /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(o *options) { o.metrics = h }
}

// WithLogger sets the request logger (default slog.Default()).
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// New creates a Proxy forwarding to upstream through transport.
func New(upstream string, transport http.RoundTripper, health ReadinessChecker, opts ...Option) (*Proxy, error) {
	if transport == nil {
		return nil, errors.New("transport cannot be nil")
	}
	if health == nil {
		return nil, errors.New("readiness checker cannot be nil")
	}

	target, err := url.Parse(upstream)
	if err != nil {
		return nil, fmt.Errorf("parsing upstream URL: %w", err)
	}
	if target.Scheme == "" || target.Host == "" {
		return nil, fmt.Errorf("upstream URL %q must be absolute", upstream)
	}

	o := options{maxRequestBytes: DefaultMaxRequestBytes}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(
		middleware.Logging(o.logger),
		Recovery,
		middleware.RequestID,
		middleware.TraceContext,
	)

	r.Get("/healthz/live", livenessHandler())
	r.Get("/healthz/ready", readinessHandler(health))
	if o.metrics != nil {
		r.Handle("/metrics", o.metrics)
	}

	r.With(RequestSizeLimit(o.maxRequestBytes)).Handle("/*", newForwardHandler(target, transport))

	return &Proxy{handler: r}, nil
}

// ServeHTTP implements http.Handler.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.handler.ServeHTTP(w, r)
}

// Start listens on addr and serves in the background. The returned channel
// receives a runtime error, if any, and is closed when serving stops.
func (p *Proxy) Start(ctx context.Context, addr string) (<-chan error, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", addr, err)
	}
	bound := ln.Addr()
	p.addr.Store(&bound)

	p.server = &http.Server{
		Handler:           p,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := p.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	slog.InfoContext(ctx, "proxy listening", "addr", bound.String())
	return errCh, nil
}

// Addr returns the listening address once Start succeeded.
func (p *Proxy) Addr() net.Addr {
	if addr := p.addr.Load(); addr != nil {
		return *addr
	}
	return nil
}

// Shutdown gracefully stops the server.
func (p *Proxy) Shutdown(ctx context.Context) error {
	if p.server == nil {
		return nil
	}
	if err := p.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("proxy shutdown: %w", err)
	}
	return nil
}
