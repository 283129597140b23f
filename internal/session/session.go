package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"github.com/florianilch/aps-session/internal/apsauth"
)

// DefaultCookieName is the cookie holding the serialized Credentials.
const DefaultCookieName = "APSApp"

var (
	// ErrUnauthorized is returned when the request carries no usable session.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrAuthExchange is returned when the provider rejects a code or refresh token.
	ErrAuthExchange = errors.New("authorization exchange failed")
)

var (
	authorizeScopes = []string{
		apsauth.ScopeDataRead,
		apsauth.ScopeDataCreate,
		apsauth.ScopeDataWrite,
		apsauth.ScopeViewablesRead,
		apsauth.ScopeAccountRead,
	}
	internalScopes = []string{
		apsauth.ScopeDataRead,
		apsauth.ScopeDataCreate,
		apsauth.ScopeDataWrite,
		apsauth.ScopeAccountRead,
	}
	publicScopes = []string{
		apsauth.ScopeViewablesRead,
	}
)

// AuthProvider performs the OAuth2 grants against the identity provider.
type AuthProvider interface {
	// AuthCodeURL returns the authorization endpoint URL requesting scopes.
	AuthCodeURL(scopes []string) string

	// Exchange trades an authorization code for a token pair.
	Exchange(ctx context.Context, code string) (*oauth2.Token, error)

	// Refresh mints a new token pair from refreshToken restricted to scopes.
	Refresh(ctx context.Context, refreshToken string, scopes []string) (*oauth2.Token, error)
}

// PublicToken is the client-facing view of a session.
type PublicToken struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

// Option configures a Session.
type Option func(*sessionConfig)

type sessionConfig struct {
	cookieName string
	secure     bool
	key        []byte
	now        func() time.Time
}

// WithCookieName overrides DefaultCookieName.
func WithCookieName(name string) Option {
	return func(c *sessionConfig) {
		c.cookieName = name
	}
}

// WithSecureCookie marks the session cookie as HTTPS-only.
func WithSecureCookie(secure bool) Option {
	return func(c *sessionConfig) {
		c.secure = secure
	}
}

// WithCookieKey seals the cookie with a KeySize-byte key.
func WithCookieKey(key []byte) Option {
	return func(c *sessionConfig) {
		c.key = key
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *sessionConfig) {
		c.now = now
	}
}

// Session manages the credential lifecycle of a browser session:
// authorize, exchange, store, refresh and sign out.
// It holds no per-request state and is safe for concurrent use.
type Session struct {
	provider   AuthProvider
	codec      *Codec
	cookieName string
	secure     bool
	now        func() time.Time
}

// New creates a Session backed by provider.
func New(provider AuthProvider, opts ...Option) (*Session, error) {
	if provider == nil {
		return nil, fmt.Errorf("missing auth provider")
	}

	cfg := &sessionConfig{
		cookieName: DefaultCookieName,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.cookieName == "" {
		return nil, fmt.Errorf("cookie name cannot be empty")
	}

	codec, err := NewCodec(cfg.cookieName, cfg.key)
	if err != nil {
		return nil, err
	}

	return &Session{
		provider:   provider,
		codec:      codec,
		cookieName: cfg.cookieName,
		secure:     cfg.secure,
		now:        cfg.now,
	}, nil
}

// AuthorizationURL returns the URL the user is redirected to for consent.
func (s *Session) AuthorizationURL() string {
	return s.provider.AuthCodeURL(authorizeScopes)
}

// ExchangeCode trades an authorization code for credentials and stores them
// in the session cookie.
func (s *Session) ExchangeCode(ctx context.Context, w http.ResponseWriter, code string) (*Credentials, error) {
	if code == "" {
		return nil, fmt.Errorf("%w: missing authorization code", ErrAuthExchange)
	}

	internal, err := s.provider.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAuthExchange, err)
	}

	creds, err := s.withPublicToken(ctx, internal)
	if err != nil {
		return nil, err
	}

	if err := s.writeCookie(w, creds); err != nil {
		return nil, err
	}

	slog.InfoContext(ctx, "session created", "expires_at", creds.ExpiresAt)
	return creds, nil
}

// Restore reads the credentials from the request cookie, refreshing and
// rewriting them if expired. It returns nil, nil when there is no session.
// A malformed cookie is cleared and treated as no session.
func (s *Session) Restore(ctx context.Context, w http.ResponseWriter, r *http.Request) (*Credentials, error) {
	cookie, err := r.Cookie(s.cookieName)
	if err != nil {
		return nil, nil
	}

	creds, err := s.codec.Decode(cookie.Value)
	if err != nil {
		slog.WarnContext(ctx, "discarding session cookie", "error", err)
		s.SignOut(w)
		return nil, nil
	}

	if !creds.Expired(s.now()) {
		return creds, nil
	}

	if err := s.Refresh(ctx, creds); err != nil {
		return nil, err
	}
	if err := s.writeCookie(w, creds); err != nil {
		return nil, err
	}

	slog.InfoContext(ctx, "session refreshed", "expires_at", creds.ExpiresAt)
	return creds, nil
}

// Refresh mints new internal and public tokens and replaces all fields of
// creds. creds is left untouched if either grant fails.
func (s *Session) Refresh(ctx context.Context, creds *Credentials) error {
	internal, err := s.provider.Refresh(ctx, creds.RefreshToken, internalScopes)
	if err != nil {
		return fmt.Errorf("%w: refreshing internal token: %w", ErrAuthExchange, err)
	}

	refreshed, err := s.withPublicToken(ctx, internal)
	if err != nil {
		return err
	}

	*creds = *refreshed
	return nil
}

// SignOut deletes the session cookie.
func (s *Session) SignOut(w http.ResponseWriter) {
	http.SetCookie(w, s.cookie("", -1))
}

// PublicToken returns the public token of the current session, or
// ErrUnauthorized if there is none.
func (s *Session) PublicToken(ctx context.Context, w http.ResponseWriter, r *http.Request) (PublicToken, error) {
	creds, err := s.Restore(ctx, w, r)
	if err != nil {
		return PublicToken{}, err
	}
	if creds == nil {
		return PublicToken{}, ErrUnauthorized
	}

	return PublicToken{
		AccessToken: creds.PublicToken,
		ExpiresIn:   creds.ExpiresIn(s.now()),
	}, nil
}

// withPublicToken mints the viewables:read token from the refresh token of
// internal and combines both grants.
func (s *Session) withPublicToken(ctx context.Context, internal *oauth2.Token) (*Credentials, error) {
	public, err := s.provider.Refresh(ctx, internal.RefreshToken, publicScopes)
	if err != nil {
		return nil, fmt.Errorf("%w: minting public token: %w", ErrAuthExchange, err)
	}

	now := s.now()
	return &Credentials{
		InternalToken:   internal.AccessToken,
		PublicToken:     public.AccessToken,
		RefreshToken:    public.RefreshToken,
		ExpiresAt:       expiryOf(internal, now),
		PublicExpiresAt: expiryOf(public, now),
	}, nil
}

func (s *Session) writeCookie(w http.ResponseWriter, creds *Credentials) error {
	value, err := s.codec.Encode(creds)
	if err != nil {
		return fmt.Errorf("encoding session cookie: %w", err)
	}
	http.SetCookie(w, s.cookie(value, 0))
	return nil
}

func (s *Session) cookie(value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     s.cookieName,
		Value:    value,
		Path:     "/",
		HttpOnly: true,
		Secure:   s.secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   maxAge,
	}
}

// expiryOf returns the token expiry, treating an unknown expiry as already due.
func expiryOf(tok *oauth2.Token, now time.Time) time.Time {
	if tok.Expiry.IsZero() {
		return now
	}
	return tok.Expiry.UTC()
}
