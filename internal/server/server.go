package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/florianilch/aps-session/internal/session"
)

// TokenSession is the credential lifecycle the routes are built on.
type TokenSession interface {
	AuthorizationURL() string
	ExchangeCode(ctx context.Context, w http.ResponseWriter, code string) (*session.Credentials, error)
	SignOut(w http.ResponseWriter)
	PublicToken(ctx context.Context, w http.ResponseWriter, r *http.Request) (session.PublicToken, error)
}

// Compile-time check that session.Session satisfies TokenSession
var _ TokenSession = (*session.Session)(nil)

// Option configures a Server.
type Option func(*config)

type config struct {
	staticDir string
	logger    *slog.Logger
}

// WithStaticDir serves the files in dir for every unmatched GET request.
func WithStaticDir(dir string) Option {
	return func(c *config) {
		c.staticDir = dir
	}
}

// WithLogger sets the request logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

// Server exposes the APS OAuth routes over HTTP.
type Server struct {
	mux    *http.ServeMux
	server *http.Server
}

// Compile-time check that Server implements http.Handler
var _ http.Handler = (*Server)(nil)

// New creates a Server for the given session and APS client id.
func New(sessions TokenSession, clientID string, opts ...Option) (*Server, error) {
	if sessions == nil {
		return nil, fmt.Errorf("missing token session")
	}
	if clientID == "" {
		return nil, fmt.Errorf("client id cannot be empty")
	}

	cfg := &config{logger: slog.Default()}
	for _, opt := range opts {
		opt(cfg)
	}

	h := &handlers{sessions: sessions, clientID: clientID}
	middlewares := []func(http.Handler) http.Handler{
		Recovery,
		Logging(cfg.logger),
		RequestID,
	}

	mux := http.NewServeMux()
	routes := map[string]http.HandlerFunc{
		"GET /api/aps/oauth/token":    h.token,
		"GET /api/aps/oauth/signout":  h.signOut,
		"GET /api/aps/oauth/url":      h.authorizationURL,
		"GET /api/aps/callback/oauth": h.callback,
		"GET /api/aps/clientid":       h.clientIDHandler,
	}
	for pattern, handler := range routes {
		mux.Handle(pattern, applyMiddlewares(handler, middlewares...))
	}

	if cfg.staticDir != "" {
		mux.Handle("GET /", applyMiddlewares(http.FileServer(http.Dir(cfg.staticDir)), middlewares...))
	}

	return &Server{mux: mux}, nil
}

// ServeHTTP implements http.Handler interface
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Start starts the HTTP server in the background and returns immediately.
// Returns a channel for runtime errors and a startup error if any.
//
// Startup errors (port in use, permission denied) are returned immediately.
// Runtime errors are sent to the error channel, which is closed when the
// server stops.
//
// The caller is responsible for calling Shutdown() to stop the server.
func (s *Server) Start(ctx context.Context, address string) (<-chan error, error) {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", address, err)
	}

	s.server = &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// Covers a code exchange plus the public token grant against APS
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  90 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)

	go func() {
		err := s.server.Serve(listener)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	return errCh, nil
}

// Shutdown performs graceful shutdown of the HTTP server.
// Returns error if shutdown fails or times out.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}

	if err := s.server.Shutdown(ctx); err != nil {
		_ = s.server.Close()
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}

	return nil
}
