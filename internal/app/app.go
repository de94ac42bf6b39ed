package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/licensekit/licensectl/internal/apiclient"
	"github.com/licensekit/licensectl/internal/credstore"
	"github.com/licensekit/licensectl/internal/observability"
	"github.com/licensekit/licensectl/internal/proxy"
)

const shutdownTimeout = 5 * time.Second

// App orchestrates the lifecycle of the local proxy and its API client.
type App struct {
	listen string
	health *Health
	client *apiclient.Client
	proxy  *proxy.Proxy
}

// New wires a credential store, metrics, the API client and the proxy from cfg.
func New(cfg *Config) (*App, error) {
	store, err := cfg.Auth.NewCredentialStore()
	if err != nil {
		return nil, fmt.Errorf("failed to create credential store: %w", err)
	}
	return newApp(cfg, store)
}

func newApp(cfg *Config, store credstore.Store) (*App, error) {
	health := NewHealth(store)
	metrics := observability.NewMetrics()

	client, err := cfg.NewClient(store,
		apiclient.WithNavigator(health),
		apiclient.WithRecorder(metrics),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create api client: %w", err)
	}

	proxyServer, err := proxy.New(client.BaseURL(), client.Transport(), health,
		proxy.WithMaxRequestBytes(cfg.Proxy.MaxRequestBytes),
		proxy.WithMetricsHandler(metrics.Handler()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create proxy: %w", err)
	}

	return &App{
		listen: cfg.Proxy.Listen,
		health: health,
		client: client,
		proxy:  proxyServer,
	}, nil
}

// Start starts all services and blocks until ctx is canceled or a service fails.
// Services are shut down in reverse start order.
func (a *App) Start(ctx context.Context) error {
	g, gCtx := errgroup.WithContext(ctx)

	var shutdownFuncs []func(context.Context) error

	if state, err := a.client.Session(ctx); err != nil {
		slog.WarnContext(ctx, "failed to read credentials", "error", err)
	} else if state == apiclient.Unauthenticated {
		slog.WarnContext(ctx, "no stored session, run `licensectl auth login` first")
	}

	slog.InfoContext(gCtx, "starting proxy server", "listen", a.listen, "upstream", a.client.BaseURL())
	proxyErrCh, err := a.proxy.Start(gCtx, a.listen)
	if err != nil {
		return fmt.Errorf("proxy startup failed: %w", err)
	}
	shutdownFuncs = append(shutdownFuncs, a.proxy.Shutdown)
	a.health.SetReady(true)

	g.Go(func() error {
		select {
		case err := <-proxyErrCh:
			if err != nil {
				slog.ErrorContext(gCtx, "proxy runtime error", "error", err)
				return fmt.Errorf("proxy: %w", err)
			}
			return nil
		case <-gCtx.Done():
			return nil
		}
	})

	runtimeErr := g.Wait()
	a.health.SetReady(false)

	slog.InfoContext(gCtx, "shutting down services")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	if runtimeErr != nil {
		errs = append(errs, fmt.Errorf("runtime: %w", runtimeErr))
	}

	for i := len(shutdownFuncs) - 1; i >= 0; i-- {
		if err := shutdownFuncs[i](shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "service shutdown failed", "error", err)
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	slog.Info("application stopped")
	return nil
}

// Addr returns the proxy's bound address once started.
func (a *App) Addr() string {
	if addr := a.proxy.Addr(); addr != nil {
		return addr.String()
	}
	return ""
}
