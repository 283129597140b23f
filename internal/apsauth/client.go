package apsauth

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"
)

const (
	tracerName     = "github.com/florianilch/aps-session/internal/apsauth"
	defaultTimeout = 30 * time.Second
)

// ClientOption configures a Client.
type ClientOption func(*clientConfig)

// clientConfig holds configuration for NewClient.
type clientConfig struct {
	endpoint      oauth2.Endpoint
	baseTransport http.RoundTripper
	timeout       time.Duration
	tracing       trace.TracerProvider
}

// WithEndpoint overrides the APS endpoints, e.g. to target a test server.
func WithEndpoint(endpoint oauth2.Endpoint) ClientOption {
	return func(c *clientConfig) {
		c.endpoint = endpoint
	}
}

// WithTransport sets a custom base transport for token requests.
// If not provided, http.DefaultTransport is used.
func WithTransport(transport http.RoundTripper) ClientOption {
	return func(c *clientConfig) {
		c.baseTransport = transport
	}
}

// WithTimeout bounds every token request. Defaults to 30 seconds.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *clientConfig) {
		c.timeout = timeout
	}
}

// WithTracerProvider sets the provider of the grant spans.
// Defaults to the global provider installed by the observability package.
func WithTracerProvider(tp trace.TracerProvider) ClientOption {
	return func(c *clientConfig) {
		c.tracing = tp
	}
}

// Client performs APS authorization code and refresh token grants.
// It is immutable after construction and safe for concurrent use.
type Client struct {
	config        oauth2.Config
	baseTransport http.RoundTripper
	timeout       time.Duration
	tracer        trace.Tracer
}

// NewClient creates a Client for a confidential APS application.
func NewClient(clientID, clientSecret, redirectURL string, opts ...ClientOption) *Client {
	cfg := &clientConfig{
		endpoint:      Endpoint,
		baseTransport: http.DefaultTransport,
		timeout:       defaultTimeout,
		tracing:       otel.GetTracerProvider(),
	}
	for _, opt := range opts {
		opt(cfg)
	}

	return &Client{
		config: oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURL,
			Endpoint:     cfg.endpoint,
		},
		baseTransport: cfg.baseTransport,
		timeout:       cfg.timeout,
		tracer:        cfg.tracing.Tracer(tracerName),
	}
}

// ClientID returns the configured APS client id.
func (c *Client) ClientID() string {
	return c.config.ClientID
}

// AuthCodeURL returns the APS authorization URL requesting the given scopes
// with response type "code".
func (c *Client) AuthCodeURL(scopes []string) string {
	conf := c.config
	conf.Scopes = scopes
	return conf.AuthCodeURL("")
}

// Exchange trades an authorization code for a token pair.
func (c *Client) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	ctx, span := c.tracer.Start(ctx, "aps.oauth.exchange", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	tok, err := c.config.Exchange(c.withHTTPClient(ctx, nil), code)
	if err != nil {
		recordError(span, err)
		return nil, fmt.Errorf("exchanging authorization code: %w", err)
	}
	return tok, nil
}

// Refresh mints a new token pair from refreshToken, restricted to scopes.
func (c *Client) Refresh(ctx context.Context, refreshToken string, scopes []string) (*oauth2.Token, error) {
	ctx, span := c.tracer.Start(ctx, "aps.oauth.refresh",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.StringSlice("aps.oauth.scopes", scopes)),
	)
	defer span.End()

	if refreshToken == "" {
		err := errors.New("missing refresh token")
		recordError(span, err)
		return nil, err
	}

	// An empty access token forces the first Token() call to hit the refresh endpoint.
	ts := c.config.TokenSource(c.withHTTPClient(ctx, scopes), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := ts.Token()
	if err != nil {
		recordError(span, err)
		return nil, fmt.Errorf("refreshing token: %w", err)
	}
	return tok, nil
}

// withHTTPClient injects the HTTP client used by x/oauth2 for token requests.
func (c *Client) withHTTPClient(ctx context.Context, scopes []string) context.Context {
	httpClient := &http.Client{
		Timeout: c.timeout,
		Transport: &scopeTransport{
			base:   c.baseTransport,
			scopes: scopes,
		},
	}
	return context.WithValue(ctx, oauth2.HTTPClient, httpClient)
}

func recordError(span trace.Span, err error) {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		span.SetAttributes(
			attribute.String("aps.oauth.error_code", retrieveErr.ErrorCode),
		)
		if retrieveErr.Response != nil {
			span.SetAttributes(attribute.Int("http.response.status_code", retrieveErr.Response.StatusCode))
		}
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// scopeTransport adds a scope parameter to form-encoded refresh_token grants.
// The oauth2 package guarantees this transport only receives token endpoint requests.
type scopeTransport struct {
	base   http.RoundTripper
	scopes []string
}

// Compile-time check that scopeTransport implements http.RoundTripper.
var _ http.RoundTripper = (*scopeTransport)(nil)

// RoundTrip rewrites refresh requests to carry the requested scopes.
func (t *scopeTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if len(t.scopes) == 0 || req.Body == nil {
		return t.base.RoundTrip(req)
	}

	// The original body is consumed entirely and replaced on the cloned request.
	defer func() { _ = req.Body.Close() }()
	body, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, fmt.Errorf("reading request body: %w", err)
	}

	form, err := url.ParseQuery(string(body))
	if err != nil {
		return nil, fmt.Errorf("parsing form data: %w", err)
	}
	if form.Get("grant_type") == "refresh_token" {
		form.Set("scope", strings.Join(t.scopes, " "))
	}
	encoded := []byte(form.Encode())

	newReq := req.Clone(req.Context())
	newReq.Body = io.NopCloser(bytes.NewReader(encoded))
	newReq.ContentLength = int64(len(encoded))
	newReq.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(encoded)), nil
	}

	return t.base.RoundTrip(newReq)
}
