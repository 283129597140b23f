package session

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"slices"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/oauth2"

	"github.com/florianilch/aps-session/internal/apsauth"
)

type refreshCall struct {
	refreshToken string
	scopes       []string
}

// fakeProvider records grants and issues numbered tokens that expire after ttl.
type fakeProvider struct {
	now       func() time.Time
	ttl       time.Duration
	publicTTL time.Duration

	exchanges []string
	refreshes []refreshCall
	issued    int

	exchangeErr error
	refreshErr  error
}

func (p *fakeProvider) AuthCodeURL(scopes []string) string {
	return "https://aps.test/authorize?scope=" + strings.Join(scopes, "+")
}

func (p *fakeProvider) Exchange(_ context.Context, code string) (*oauth2.Token, error) {
	p.exchanges = append(p.exchanges, code)
	if p.exchangeErr != nil {
		return nil, p.exchangeErr
	}
	return p.issue("internal", p.ttl), nil
}

func (p *fakeProvider) Refresh(_ context.Context, refreshToken string, scopes []string) (*oauth2.Token, error) {
	p.refreshes = append(p.refreshes, refreshCall{refreshToken: refreshToken, scopes: scopes})
	if p.refreshErr != nil {
		return nil, p.refreshErr
	}
	if slices.Equal(scopes, publicScopes) {
		return p.issue("public", p.publicTTL), nil
	}
	return p.issue("internal", p.ttl), nil
}

func (p *fakeProvider) issue(kind string, ttl time.Duration) *oauth2.Token {
	p.issued++
	n := strconv.Itoa(p.issued)
	return &oauth2.Token{
		AccessToken:  kind + "-access-" + n,
		RefreshToken: "refresh-" + n,
		Expiry:       p.now().Add(ttl),
	}
}

// testClock is a settable clock.
type testClock struct {
	t time.Time
}

func (c *testClock) Now() time.Time { return c.t }

func newTestSession(t *testing.T, opts ...Option) (*Session, *fakeProvider, *testClock) {
	t.Helper()
	clock := &testClock{t: time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)}
	provider := &fakeProvider{now: clock.Now, ttl: time.Hour, publicTTL: time.Hour}

	s, err := New(provider, append([]Option{WithClock(clock.Now)}, opts...)...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return s, provider, clock
}

// requestWith builds a request carrying the cookies set on rec.
func requestWith(rec *httptest.ResponseRecorder) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/api/aps/oauth/token", nil)
	for _, c := range rec.Result().Cookies() {
		if c.MaxAge < 0 {
			continue
		}
		r.AddCookie(&http.Cookie{Name: c.Name, Value: c.Value})
	}
	return r
}

func sessionCookie(t *testing.T, rec *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	var found *http.Cookie
	for _, c := range rec.Result().Cookies() {
		if c.Name == DefaultCookieName {
			found = c
		}
	}
	return found
}

func TestNew(t *testing.T) {
	if _, err := New(nil); err == nil {
		t.Error("New(nil) expected error")
	}
	if _, err := New(&fakeProvider{}, WithCookieName("")); err == nil {
		t.Error("New() with empty cookie name expected error")
	}
	if _, err := New(&fakeProvider{}, WithCookieKey([]byte("short"))); err == nil {
		t.Error("New() with short key expected error")
	}
}

func TestAuthorizationURL(t *testing.T) {
	s, _, _ := newTestSession(t)

	got := s.AuthorizationURL()
	want := "https://aps.test/authorize?scope=data:read+data:create+data:write+viewables:read+account:read"
	if got != want {
		t.Errorf("AuthorizationURL() = %q, want %q", got, want)
	}
}

func TestExchangeCode(t *testing.T) {
	s, provider, clock := newTestSession(t)
	provider.publicTTL = 30 * time.Minute
	rec := httptest.NewRecorder()

	creds, err := s.ExchangeCode(context.Background(), rec, "the-code")
	if err != nil {
		t.Fatalf("ExchangeCode() error = %v", err)
	}

	if !slices.Equal(provider.exchanges, []string{"the-code"}) {
		t.Errorf("exchanges = %v, want [the-code]", provider.exchanges)
	}
	if len(provider.refreshes) != 1 {
		t.Fatalf("refreshes = %d, want 1", len(provider.refreshes))
	}
	// the public token is minted from the refresh token of the code exchange
	// and never carries write or account capabilities
	call := provider.refreshes[0]
	if call.refreshToken != "refresh-1" {
		t.Errorf("public refresh used %q, want refresh-1", call.refreshToken)
	}
	if !slices.Equal(call.scopes, []string{apsauth.ScopeViewablesRead}) {
		t.Errorf("public scopes = %v, want [viewables:read]", call.scopes)
	}

	want := &Credentials{
		InternalToken:   "internal-access-1",
		PublicToken:     "public-access-2",
		RefreshToken:    "refresh-2",
		ExpiresAt:       clock.t.Add(time.Hour),
		PublicExpiresAt: clock.t.Add(30 * time.Minute),
	}
	if diff := cmp.Diff(want, creds); diff != "" {
		t.Errorf("credentials mismatch (-want +got):\n%s", diff)
	}

	cookie := sessionCookie(t, rec)
	if cookie == nil {
		t.Fatal("session cookie not set")
	}
	if !cookie.HttpOnly || cookie.Path != "/" || cookie.SameSite != http.SameSiteLaxMode {
		t.Errorf("unexpected cookie attributes %+v", cookie)
	}
	stored, err := s.codec.Decode(cookie.Value)
	if err != nil {
		t.Fatalf("decoding stored cookie: %v", err)
	}
	if diff := cmp.Diff(want, stored); diff != "" {
		t.Errorf("stored credentials mismatch (-want +got):\n%s", diff)
	}
}

func TestExchangeCodeErrors(t *testing.T) {
	tests := []struct {
		name        string
		code        string
		exchangeErr error
		refreshErr  error
	}{
		{name: "empty code", code: ""},
		{name: "code rejected", code: "bad", exchangeErr: &oauth2.RetrieveError{ErrorCode: "invalid_grant"}},
		{name: "public token rejected", code: "good", refreshErr: errors.New("boom")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, provider, _ := newTestSession(t)
			provider.exchangeErr = tt.exchangeErr
			provider.refreshErr = tt.refreshErr
			rec := httptest.NewRecorder()

			_, err := s.ExchangeCode(context.Background(), rec, tt.code)
			if !errors.Is(err, ErrAuthExchange) {
				t.Errorf("ExchangeCode() error = %v, want ErrAuthExchange", err)
			}
			if tt.exchangeErr != nil && !errors.Is(err, tt.exchangeErr) {
				t.Errorf("error %v does not wrap provider error", err)
			}
			if c := sessionCookie(t, rec); c != nil {
				t.Errorf("cookie set on failure: %+v", c)
			}
		})
	}
}

func TestRestore(t *testing.T) {
	t.Run("absent cookie", func(t *testing.T) {
		s, provider, _ := newTestSession(t)
		rec := httptest.NewRecorder()

		creds, err := s.Restore(context.Background(), rec, httptest.NewRequest(http.MethodGet, "/", nil))
		if err != nil || creds != nil {
			t.Errorf("Restore() = %v, %v; want nil, nil", creds, err)
		}
		if len(provider.refreshes) != 0 {
			t.Errorf("unexpected refreshes %v", provider.refreshes)
		}
	})

	t.Run("valid session is not refreshed", func(t *testing.T) {
		s, provider, clock := newTestSession(t)
		login := httptest.NewRecorder()
		want, err := s.ExchangeCode(context.Background(), login, "code")
		if err != nil {
			t.Fatalf("ExchangeCode() error = %v", err)
		}
		provider.refreshes = nil
		clock.t = clock.t.Add(59 * time.Minute)

		rec := httptest.NewRecorder()
		got, err := s.Restore(context.Background(), rec, requestWith(login))
		if err != nil {
			t.Fatalf("Restore() error = %v", err)
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("Restore() mismatch (-want +got):\n%s", diff)
		}
		if len(provider.refreshes) != 0 {
			t.Errorf("refreshes = %d, want 0", len(provider.refreshes))
		}
		if c := sessionCookie(t, rec); c != nil {
			t.Errorf("cookie rewritten for valid session: %+v", c)
		}
	})

	t.Run("expired session is refreshed once", func(t *testing.T) {
		s, provider, clock := newTestSession(t)
		login := httptest.NewRecorder()
		if _, err := s.ExchangeCode(context.Background(), login, "code"); err != nil {
			t.Fatalf("ExchangeCode() error = %v", err)
		}
		provider.refreshes = nil
		clock.t = clock.t.Add(61 * time.Minute)

		rec := httptest.NewRecorder()
		got, err := s.Restore(context.Background(), rec, requestWith(login))
		if err != nil {
			t.Fatalf("Restore() error = %v", err)
		}

		// one Refresh is two grants: internal scopes with the stored token,
		// then the public scope with the token returned by the first grant
		want := []refreshCall{
			{refreshToken: "refresh-2", scopes: internalScopes},
			{refreshToken: "refresh-3", scopes: publicScopes},
		}
		if len(provider.refreshes) != len(want) {
			t.Fatalf("refreshes = %v, want %v", provider.refreshes, want)
		}
		for i := range want {
			if provider.refreshes[i].refreshToken != want[i].refreshToken || !slices.Equal(provider.refreshes[i].scopes, want[i].scopes) {
				t.Errorf("refresh[%d] = %+v, want %+v", i, provider.refreshes[i], want[i])
			}
		}

		if got.InternalToken != "internal-access-3" || got.PublicToken != "public-access-4" || got.RefreshToken != "refresh-4" {
			t.Errorf("unexpected refreshed credentials %+v", got)
		}
		if !got.ExpiresAt.Equal(clock.t.Add(time.Hour)) {
			t.Errorf("ExpiresAt = %v, want %v", got.ExpiresAt, clock.t.Add(time.Hour))
		}

		cookie := sessionCookie(t, rec)
		if cookie == nil {
			t.Fatal("refreshed cookie not written")
		}
		stored, err := s.codec.Decode(cookie.Value)
		if err != nil {
			t.Fatalf("decoding refreshed cookie: %v", err)
		}
		if diff := cmp.Diff(got, stored); diff != "" {
			t.Errorf("stored mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("expired public token is refreshed while internal is valid", func(t *testing.T) {
		s, provider, clock := newTestSession(t)
		stale := &Credentials{
			InternalToken:   "internal-access-0",
			PublicToken:     "public-access-0",
			RefreshToken:    "refresh-stored",
			ExpiresAt:       clock.t.Add(30 * time.Minute),
			PublicExpiresAt: clock.t.Add(-time.Minute),
		}
		value, err := s.codec.Encode(stale)
		if err != nil {
			t.Fatalf("Encode() error = %v", err)
		}
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.AddCookie(&http.Cookie{Name: DefaultCookieName, Value: value})

		rec := httptest.NewRecorder()
		got, err := s.Restore(context.Background(), rec, req)
		if err != nil {
			t.Fatalf("Restore() error = %v", err)
		}

		if len(provider.refreshes) != 2 || provider.refreshes[0].refreshToken != "refresh-stored" {
			t.Fatalf("refreshes = %+v, want one two-grant refresh from refresh-stored", provider.refreshes)
		}
		if got.PublicToken == stale.PublicToken || !got.PublicExpiresAt.After(clock.t) {
			t.Errorf("public token not renewed: %+v", got)
		}
		if sessionCookie(t, rec) == nil {
			t.Error("refreshed cookie not written")
		}
	})

	t.Run("refresh failure propagates", func(t *testing.T) {
		s, provider, clock := newTestSession(t)
		login := httptest.NewRecorder()
		if _, err := s.ExchangeCode(context.Background(), login, "code"); err != nil {
			t.Fatalf("ExchangeCode() error = %v", err)
		}
		provider.refreshErr = &oauth2.RetrieveError{ErrorCode: "invalid_grant"}
		clock.t = clock.t.Add(2 * time.Hour)

		rec := httptest.NewRecorder()
		creds, err := s.Restore(context.Background(), rec, requestWith(login))
		if !errors.Is(err, ErrAuthExchange) {
			t.Errorf("Restore() error = %v, want ErrAuthExchange", err)
		}
		if creds != nil {
			t.Errorf("Restore() = %+v, want nil", creds)
		}
		if c := sessionCookie(t, rec); c != nil {
			t.Errorf("cookie touched on failed refresh: %+v", c)
		}
	})

	t.Run("malformed cookie is cleared", func(t *testing.T) {
		s, provider, _ := newTestSession(t)
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.AddCookie(&http.Cookie{Name: DefaultCookieName, Value: "garbage"})
		rec := httptest.NewRecorder()

		creds, err := s.Restore(context.Background(), rec, r)
		if err != nil || creds != nil {
			t.Errorf("Restore() = %v, %v; want nil, nil", creds, err)
		}
		if len(provider.refreshes) != 0 {
			t.Errorf("unexpected refreshes %v", provider.refreshes)
		}
		cookie := sessionCookie(t, rec)
		if cookie == nil || cookie.MaxAge >= 0 {
			t.Errorf("malformed cookie not deleted: %+v", cookie)
		}
	})
}

func TestRefreshKeepsCredentialsOnFailure(t *testing.T) {
	s, provider, _ := newTestSession(t)
	creds := testCredentials()
	before := *creds

	// fail only the second (public) grant
	failing := &failAfterProvider{fakeProvider: provider, okCalls: 1}
	s.provider = failing

	if err := s.Refresh(context.Background(), creds); !errors.Is(err, ErrAuthExchange) {
		t.Fatalf("Refresh() error = %v, want ErrAuthExchange", err)
	}
	if diff := cmp.Diff(&before, creds); diff != "" {
		t.Errorf("credentials modified on failed refresh (-want +got):\n%s", diff)
	}
}

// failAfterProvider fails every refresh after okCalls successful ones.
type failAfterProvider struct {
	*fakeProvider
	okCalls int
}

func (p *failAfterProvider) Refresh(ctx context.Context, refreshToken string, scopes []string) (*oauth2.Token, error) {
	if p.okCalls == 0 {
		return nil, errors.New("provider unavailable")
	}
	p.okCalls--
	return p.fakeProvider.Refresh(ctx, refreshToken, scopes)
}

func TestSignOut(t *testing.T) {
	s, _, _ := newTestSession(t, WithSecureCookie(true))
	login := httptest.NewRecorder()
	if _, err := s.ExchangeCode(context.Background(), login, "code"); err != nil {
		t.Fatalf("ExchangeCode() error = %v", err)
	}

	rec := httptest.NewRecorder()
	s.SignOut(rec)

	cookie := sessionCookie(t, rec)
	if cookie == nil {
		t.Fatal("no deletion cookie written")
	}
	if cookie.MaxAge >= 0 || cookie.Value != "" || !cookie.Secure {
		t.Errorf("unexpected deletion cookie %+v", cookie)
	}

	// the browser drops the cookie, so the next request carries none
	creds, err := s.Restore(context.Background(), httptest.NewRecorder(), requestWith(rec))
	if err != nil || creds != nil {
		t.Errorf("Restore() after SignOut = %v, %v; want nil, nil", creds, err)
	}
}

func TestPublicToken(t *testing.T) {
	t.Run("no session", func(t *testing.T) {
		s, _, _ := newTestSession(t)
		_, err := s.PublicToken(context.Background(), httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
		if !errors.Is(err, ErrUnauthorized) {
			t.Errorf("PublicToken() error = %v, want ErrUnauthorized", err)
		}
	})

	t.Run("active session", func(t *testing.T) {
		s, provider, clock := newTestSession(t)
		provider.publicTTL = 50 * time.Minute
		login := httptest.NewRecorder()
		if _, err := s.ExchangeCode(context.Background(), login, "code"); err != nil {
			t.Fatalf("ExchangeCode() error = %v", err)
		}
		clock.t = clock.t.Add(10 * time.Minute)

		got, err := s.PublicToken(context.Background(), httptest.NewRecorder(), requestWith(login))
		if err != nil {
			t.Fatalf("PublicToken() error = %v", err)
		}
		want := PublicToken{AccessToken: "public-access-2", ExpiresIn: 40 * 60}
		if got != want {
			t.Errorf("PublicToken() = %+v, want %+v", got, want)
		}
	})
}

func TestSealedSessionCookie(t *testing.T) {
	s, _, _ := newTestSession(t, WithCookieKey(bytes.Repeat([]byte{9}, KeySize)), WithCookieName("Custom"))
	login := httptest.NewRecorder()
	if _, err := s.ExchangeCode(context.Background(), login, "code"); err != nil {
		t.Fatalf("ExchangeCode() error = %v", err)
	}

	var found bool
	for _, c := range login.Result().Cookies() {
		if c.Name == "Custom" {
			found = true
		}
	}
	if !found {
		t.Fatal("cookie with custom name not set")
	}

	got, err := s.PublicToken(context.Background(), httptest.NewRecorder(), requestWith(login))
	if err != nil {
		t.Fatalf("PublicToken() error = %v", err)
	}
	if got.AccessToken != "public-access-2" {
		t.Errorf("AccessToken = %q, want public-access-2", got.AccessToken)
	}
}
