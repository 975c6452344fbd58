package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"mychat/api/internal/authpw"
	"mychat/api/internal/oauth"
	"mychat/api/internal/store"
)

type fakeCredentials struct {
	users    map[string]store.User
	password string
}

func (c *fakeCredentials) SignIn(_ context.Context, email, password string) (store.User, error) {
	user, ok := c.users[strings.ToLower(email)]
	if !ok || password != c.password {
		return store.User{}, authpw.ErrInvalidCredentials
	}
	return user, nil
}

func (c *fakeCredentials) RequestMagicLink(_ context.Context, email string) (authpw.MagicLinkResult, error) {
	if _, ok := c.users[strings.ToLower(email)]; !ok {
		return authpw.MagicLinkResult{}, authpw.ErrUserNotFound
	}
	return authpw.MagicLinkResult{DevToken: "dev-token"}, nil
}

func (c *fakeCredentials) VerifyMagicLink(_ context.Context, token string) (store.User, error) {
	if token != "dev-token" {
		return store.User{}, authpw.ErrInvalidLink
	}
	for _, user := range c.users {
		return user, nil
	}
	return store.User{}, authpw.ErrInvalidLink
}

func assertUnauthorizedCode(t *testing.T, rec *httptest.ResponseRecorder, payload map[string]any) {
	t.Helper()
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if payload["code"] != "UNAUTHORIZED" {
		t.Fatalf("expected UNAUTHORIZED code, got %#v", payload["code"])
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	server := NewHTTPServer(newTestService(newFakeStore(), Deps{}), "*")
	handler := server.Handler()

	for _, path := range []string{"/api/rooms", "/api/users", "/api/messages?roomId=1", "/api/admin/users", "/api/mentions/counts"} {
		rec, payload := doRequest(t, handler, http.MethodGet, path, "", nil)
		assertUnauthorizedCode(t, rec, payload)

		rec, payload = doRequest(t, handler, http.MethodGet, path, "Bearer not-a-token", nil)
		assertUnauthorizedCode(t, rec, payload)
	}
}

func TestExpiredTokenIsRejected(t *testing.T) {
	fs := newFakeStore()
	alice := fs.addUser(1, "Alice", "user")
	svc := newTestService(fs, Deps{})
	svc.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	bearer := bearerFor(t, svc, alice)
	svc.now = time.Now

	rec, payload := doRequest(t, NewHTTPServer(svc, "*").Handler(), http.MethodGet, "/api/rooms", bearer, nil)
	assertUnauthorizedCode(t, rec, payload)
}

func TestSessionEndpointReportsAuthentication(t *testing.T) {
	fs := newFakeStore()
	alice := fs.addUser(1, "Alice", "user")
	svc := newTestService(fs, Deps{})
	handler := NewHTTPServer(svc, "*").Handler()

	_, payload := doRequest(t, handler, http.MethodGet, "/api/session", "", nil)
	if payload["authenticated"] != false {
		t.Fatalf("expected unauthenticated, got %#v", payload)
	}

	_, payload = doRequest(t, handler, http.MethodGet, "/api/session", bearerFor(t, svc, alice), nil)
	if payload["authenticated"] != true {
		t.Fatalf("expected authenticated, got %#v", payload)
	}
	user, _ := payload["user"].(map[string]any)
	if user["username"] != "Alice" {
		t.Fatalf("expected Alice in session user, got %#v", user)
	}
}

func TestSignInIssuesTokens(t *testing.T) {
	fs := newFakeStore()
	alice := fs.addUser(1, "Alice", "user")
	creds := &fakeCredentials{users: map[string]store.User{"alice@netnode.ag": alice}, password: "correct horse"}
	handler := NewHTTPServer(newTestService(fs, Deps{Credentials: creds}), "*").Handler()

	rec, payload := doRequest(t, handler, http.MethodPost, "/api/auth/signin", "", map[string]string{"email": "alice@netnode.ag", "password": "wrong"})
	if rec.Code != http.StatusUnauthorized || payload["code"] != "INVALID_CREDENTIALS" {
		t.Fatalf("expected INVALID_CREDENTIALS 401, got %d %#v", rec.Code, payload)
	}

	rec, payload = doRequest(t, handler, http.MethodPost, "/api/auth/signin", "", map[string]string{"email": "alice@netnode.ag"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing password, got %d", rec.Code)
	}

	rec, payload = doRequest(t, handler, http.MethodPost, "/api/auth/signin", "", map[string]string{"email": "alice@netnode.ag", "password": "correct horse"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	access, _ := payload["accessToken"].(string)
	if access == "" || payload["refreshToken"] == "" {
		t.Fatalf("expected tokens, got %#v", payload)
	}

	rec, _ = doRequest(t, handler, http.MethodGet, "/api/rooms", "Bearer "+access, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected access token to work, got %d", rec.Code)
	}
}

func TestSignInWithoutCredentialsBackend(t *testing.T) {
	handler := NewHTTPServer(newTestService(newFakeStore(), Deps{}), "*").Handler()
	rec, payload := doRequest(t, handler, http.MethodPost, "/api/auth/signin", "", map[string]string{"email": "a@b.c", "password": "x"})
	if rec.Code != http.StatusServiceUnavailable || payload["code"] != "AUTH_UNAVAILABLE" {
		t.Fatalf("expected AUTH_UNAVAILABLE 503, got %d %#v", rec.Code, payload)
	}
}

func TestMagicLinkFlow(t *testing.T) {
	fs := newFakeStore()
	alice := fs.addUser(1, "Alice", "user")
	creds := &fakeCredentials{users: map[string]store.User{"alice@netnode.ag": alice}}
	handler := NewHTTPServer(newTestService(fs, Deps{Credentials: creds}), "*").Handler()

	rec, payload := doRequest(t, handler, http.MethodPost, "/api/auth/magic-link", "", map[string]string{"email": "nobody@netnode.ag"})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown user, got %d", rec.Code)
	}

	rec, payload = doRequest(t, handler, http.MethodPost, "/api/auth/magic-link", "", map[string]string{"email": "alice@netnode.ag"})
	if rec.Code != http.StatusOK || payload["devToken"] != "dev-token" {
		t.Fatalf("expected dev token, got %d %#v", rec.Code, payload)
	}

	rec, payload = doRequest(t, handler, http.MethodPost, "/api/auth/magic-link/verify", "", map[string]string{"token": "stale"})
	if rec.Code != http.StatusUnauthorized || payload["code"] != "INVALID_LINK" {
		t.Fatalf("expected INVALID_LINK, got %d %#v", rec.Code, payload)
	}

	rec, payload = doRequest(t, handler, http.MethodPost, "/api/auth/magic-link/verify", "", map[string]string{"token": "dev-token"})
	if rec.Code != http.StatusOK || payload["accessToken"] == nil {
		t.Fatalf("expected session, got %d %#v", rec.Code, payload)
	}
}

func TestRefreshRotatesToken(t *testing.T) {
	fs := newFakeStore()
	alice := fs.addUser(1, "Alice", "user")
	svc := newTestService(fs, Deps{})
	session, err := svc.issueSession(context.Background(), alice)
	if err != nil {
		t.Fatalf("issue session: %v", err)
	}
	handler := NewHTTPServer(svc, "*").Handler()

	rec, payload := doRequest(t, handler, http.MethodPost, "/api/session/refresh", "", map[string]string{"refreshToken": session.RefreshToken})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if payload["refreshToken"] == session.RefreshToken {
		t.Fatal("expected a new refresh token")
	}

	rec, payload = doRequest(t, handler, http.MethodPost, "/api/session/refresh", "", map[string]string{"refreshToken": session.RefreshToken})
	assertUnauthorizedCode(t, rec, payload)
}

func TestLogoutRevokesAccessToken(t *testing.T) {
	fs := newFakeStore()
	alice := fs.addUser(1, "Alice", "user")
	svc := newTestService(fs, Deps{})
	session, err := svc.issueSession(context.Background(), alice)
	if err != nil {
		t.Fatalf("issue session: %v", err)
	}
	handler := NewHTTPServer(svc, "*").Handler()
	bearer := "Bearer " + session.Token

	rec, _ := doRequest(t, handler, http.MethodPost, "/api/session/logout", bearer, map[string]string{"refreshToken": session.RefreshToken})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	rec, payload := doRequest(t, handler, http.MethodGet, "/api/rooms", bearer, nil)
	assertUnauthorizedCode(t, rec, payload)

	rec, payload = doRequest(t, handler, http.MethodPost, "/api/session/refresh", "", map[string]string{"refreshToken": session.RefreshToken})
	assertUnauthorizedCode(t, rec, payload)
}

func TestRoleChangesApplyToExistingTokens(t *testing.T) {
	fs := newFakeStore()
	alice := fs.addUser(1, "Alice", "user")
	svc := newTestService(fs, Deps{})
	handler := NewHTTPServer(svc, "*").Handler()
	bearer := bearerFor(t, svc, alice)

	rec, payload := doRequest(t, handler, http.MethodGet, "/api/admin/users", bearer, nil)
	if rec.Code != http.StatusForbidden || payload["code"] != "FORBIDDEN" {
		t.Fatalf("expected 403 before promotion, got %d %#v", rec.Code, payload)
	}

	fs.addUser(1, "Alice", "admin")
	rec, _ = doRequest(t, handler, http.MethodGet, "/api/admin/users", bearer, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 after promotion, got %d", rec.Code)
	}

	if err := fs.DeleteUser(context.Background(), 1); err != nil {
		t.Fatalf("delete user: %v", err)
	}
	rec, payload = doRequest(t, handler, http.MethodGet, "/api/rooms", bearer, nil)
	assertUnauthorizedCode(t, rec, payload)
}

type fakeGoogle struct {
	profile oauth.Profile
	reject  bool
}

func (g *fakeGoogle) AuthCodeURL(state string) string {
	return "https://accounts.example/auth?state=" + url.QueryEscape(state)
}

func (g *fakeGoogle) Exchange(context.Context, string) (oauth.Profile, error) {
	return g.profile, nil
}

func (g *fakeGoogle) Authorize(oauth.Profile) error {
	if g.reject {
		return oauth.ErrDomainNotAllowed
	}
	return nil
}

func googleLogin(t *testing.T, handler http.Handler) (state string, nonce *http.Cookie) {
	t.Helper()
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/auth/google/login", nil))
	if rec.Code != http.StatusFound {
		t.Fatalf("expected redirect, got %d", rec.Code)
	}
	location, err := url.Parse(rec.Header().Get("Location"))
	if err != nil {
		t.Fatalf("parse location: %v", err)
	}
	for _, cookie := range rec.Result().Cookies() {
		if cookie.Name == oauthNonceCookie {
			nonce = cookie
		}
	}
	if nonce == nil {
		t.Fatal("expected nonce cookie")
	}
	return location.Query().Get("state"), nonce
}

func TestGoogleCallbackSignsInAllowedAccount(t *testing.T) {
	fs := newFakeStore()
	google := &fakeGoogle{profile: oauth.Profile{Subject: "g-1", Email: "carol@netnode.ag", Name: "Carol"}}
	handler := NewHTTPServer(newTestService(fs, Deps{OAuth: google}), "*").Handler()

	state, nonce := googleLogin(t, handler)
	req := httptest.NewRequest(http.MethodGet, "/api/auth/google/callback?code=abc&state="+url.QueryEscape(state), nil)
	req.AddCookie(nonce)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	location := rec.Header().Get("Location")
	if rec.Code != http.StatusFound || !strings.HasPrefix(location, "http://app.test/auth/callback#accessToken=") {
		t.Fatalf("expected callback redirect, got %d %q", rec.Code, location)
	}
	if users, _ := fs.ListUsers(context.Background()); len(users) != 1 || users[0].Email != "carol@netnode.ag" {
		t.Fatalf("expected carol to be created, got %#v", users)
	}
}

func TestGoogleCallbackRejectsForeignDomainAndBadState(t *testing.T) {
	google := &fakeGoogle{profile: oauth.Profile{Subject: "g-2", Email: "mallory@example.com"}, reject: true}
	handler := NewHTTPServer(newTestService(newFakeStore(), Deps{OAuth: google}), "*").Handler()

	state, nonce := googleLogin(t, handler)
	req := httptest.NewRequest(http.MethodGet, "/api/auth/google/callback?code=abc&state="+url.QueryEscape(state), nil)
	req.AddCookie(nonce)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if got := rec.Header().Get("Location"); got != "http://app.test/auth/error?error=AccessDenied" {
		t.Fatalf("expected AccessDenied redirect, got %q", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/auth/google/callback?code=abc&state="+url.QueryEscape(state), nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if got := rec.Header().Get("Location"); got != "http://app.test/auth/error?error=OAuthCallback" {
		t.Fatalf("expected OAuthCallback redirect without nonce cookie, got %q", got)
	}
}
