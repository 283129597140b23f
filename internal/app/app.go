package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"

	"golang.org/x/sync/errgroup"

	"github.com/florianilch/aps-session/internal/apsauth"
	"github.com/florianilch/aps-session/internal/server"
	"github.com/florianilch/aps-session/internal/session"
)

// App orchestrates the lifecycle of the HTTP server and related services.
type App struct {
	cfg    *Config
	server *server.Server
}

// New creates a new App instance. The client secret is read from the
// configured secret store.
func New(ctx context.Context, cfg *Config) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	store, err := cfg.Secret.NewSecretStore()
	if err != nil {
		return nil, fmt.Errorf("failed to create secret store: %w", err)
	}
	clientSecret, err := store.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read client secret: %w", err)
	}

	sess, err := newSession(cfg, clientSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	srv, err := server.New(sess, cfg.ClientID, server.WithStaticDir(cfg.Server.StaticDir))
	if err != nil {
		return nil, fmt.Errorf("failed to create server: %w", err)
	}

	return &App{
		cfg:    cfg,
		server: srv,
	}, nil
}

// Address returns the configured listen address.
func (a *App) Address() string {
	return net.JoinHostPort(a.cfg.Server.Host, strconv.FormatUint(uint64(a.cfg.Server.Port), 10))
}

// Start starts all services and blocks until shutdown is triggered.
// Uses errgroup for runtime error monitoring and shutdown function collection for coordinated cleanup.
func (a *App) Start(ctx context.Context) error {
	g, gCtx := errgroup.WithContext(ctx)

	address := a.Address()
	var shutdownFuncs []func(context.Context) error

	slog.InfoContext(gCtx, "starting http server", "address", address)
	serverErrCh, err := a.server.Start(gCtx, address)
	if err != nil {
		return fmt.Errorf("server startup failed: %w", err)
	}
	shutdownFuncs = append(shutdownFuncs, a.server.Shutdown)

	// Monitor runtime errors - errgroup cancels context on first error
	g.Go(func() error {
		select {
		case err := <-serverErrCh:
			if err != nil {
				slog.ErrorContext(gCtx, "server runtime error", "error", err)
				return fmt.Errorf("server: %w", err)
			}
			return nil
		case <-gCtx.Done():
			return nil
		}
	})

	slog.InfoContext(gCtx, "application ready", "address", address, "client_id", a.cfg.ClientID)

	runtimeErr := g.Wait()

	slog.InfoContext(gCtx, "shutting down services")

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Shutdown.Timeout)
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

	slog.InfoContext(shutdownCtx, "application stopped")
	return nil
}

// newSession wires the APS client into a cookie-backed session.
func newSession(cfg *Config, clientSecret string) (*session.Session, error) {
	key, err := cfg.Session.Key()
	if err != nil {
		return nil, err
	}

	client := apsauth.NewClient(cfg.ClientID, clientSecret, cfg.CallbackURL,
		apsauth.WithEndpoint(apsauth.EndpointFor(cfg.Provider.BaseURL)),
		apsauth.WithTimeout(cfg.Provider.Timeout),
	)

	return session.New(client,
		session.WithCookieName(cfg.Session.CookieName),
		session.WithSecureCookie(cfg.Session.Secure),
		session.WithCookieKey(key),
	)
}
