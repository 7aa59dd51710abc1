package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"
)

const (
	testSecret      = "test-signing-secret-0123456789abcdef"
	testRedirectURI = "http://127.0.0.1:9999/callback"
	testVerifier    = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	testUpstreamOK  = "upstream-ok"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// stubIdP hands out its consent URL and accepts testUpstreamOK as the only code.
type stubIdP struct {
	mu           sync.Mutex
	identity     Identity
	lastNonce    string
	lastVerifier string
}

func (s *stubIdP) AuthCodeURL(state, nonce, verifier string) string {
	s.mu.Lock()
	s.lastNonce = nonce
	s.lastVerifier = verifier
	s.mu.Unlock()
	return "https://idp.test/consent?state=" + url.QueryEscape(state)
}

func (s *stubIdP) Exchange(_ context.Context, code, verifier, nonce string) (Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if code != testUpstreamOK {
		return Identity{}, errors.New("bad upstream code")
	}
	if verifier != s.lastVerifier || nonce != s.lastNonce {
		return Identity{}, errors.New("upstream verifier or nonce mismatch")
	}
	return s.identity, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newBufferLogger(w io.Writer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, nil))
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Server.DevMode = true
	cfg.Tokens.SigningSecret = testSecret
	return cfg
}

type testEnv struct {
	app     *App
	handler http.Handler
	clock   *fakeClock
	idp     *stubIdP
}

func newTestEnv(t *testing.T, mutate func(*Config), opts ...Option) *testEnv {
	t.Helper()
	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	clock := newFakeClock()
	idp := &stubIdP{identity: Identity{
		Subject: "google-sub-123",
		Email:   "alice@example.com",
		Name:    "Alice",
		Picture: "https://example.com/alice.png",
	}}
	opts = append([]Option{WithIdentityProvider(idp), WithClock(clock.Now)}, opts...)
	app, err := NewApp(context.Background(), cfg, testLogger(), opts...)
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	return &testEnv{app: app, handler: app.Routes(), clock: clock, idp: idp}
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

func (e *testEnv) register(t *testing.T, body string) RegistrationResponse {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/register", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := e.do(req)
	if w.Code != http.StatusCreated {
		t.Fatalf("register status = %d, body = %s", w.Code, w.Body.String())
	}
	var resp RegistrationResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode registration: %v", err)
	}
	return resp
}

func (e *testEnv) registerPublic(t *testing.T) string {
	t.Helper()
	return e.register(t, `{"client_name":"test","redirect_uris":["`+testRedirectURI+`"]}`).ClientID
}

func authorizeQuery(clientID string) url.Values {
	return url.Values{
		"response_type":         {"code"},
		"client_id":             {clientID},
		"redirect_uri":          {testRedirectURI},
		"state":                 {"client-state"},
		"code_challenge":        {ComputeS256Challenge(testVerifier)},
		"code_challenge_method": {"S256"},
	}
}

func (e *testEnv) authorize(t *testing.T, q url.Values) *httptest.ResponseRecorder {
	t.Helper()
	return e.do(httptest.NewRequest(http.MethodGet, "/authorize?"+q.Encode(), nil))
}

// obtainCode runs /authorize and /callback and returns the client code.
func (e *testEnv) obtainCode(t *testing.T, clientID string) string {
	t.Helper()
	w := e.authorize(t, authorizeQuery(clientID))
	if w.Code != http.StatusFound {
		t.Fatalf("authorize status = %d, body = %s", w.Code, w.Body.String())
	}
	loc := mustParseURL(t, w.Header().Get("Location"))
	if loc.Host != "idp.test" {
		t.Fatalf("authorize redirected to %s, want the identity provider", loc)
	}

	cb := url.Values{"state": {loc.Query().Get("state")}, "code": {testUpstreamOK}}
	w = e.do(httptest.NewRequest(http.MethodGet, "/callback?"+cb.Encode(), nil))
	if w.Code != http.StatusFound {
		t.Fatalf("callback status = %d, body = %s", w.Code, w.Body.String())
	}
	back := mustParseURL(t, w.Header().Get("Location"))
	if got := back.Query().Get("state"); got != "client-state" {
		t.Fatalf("callback state = %q, want client-state", got)
	}
	code := back.Query().Get("code")
	if code == "" {
		t.Fatalf("callback did not return a code: %s", back)
	}
	return code
}

func (e *testEnv) exchange(form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return e.do(req)
}

func tokenForm(clientID, code string) url.Values {
	return url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {clientID},
		"code":          {code},
		"redirect_uri":  {testRedirectURI},
		"code_verifier": {testVerifier},
	}
}

// obtainToken drives the whole flow and returns the bearer token.
func (e *testEnv) obtainToken(t *testing.T) string {
	t.Helper()
	clientID := e.registerPublic(t)
	code := e.obtainCode(t, clientID)
	w := e.exchange(tokenForm(clientID, code))
	if w.Code != http.StatusOK {
		t.Fatalf("token status = %d, body = %s", w.Code, w.Body.String())
	}
	var resp TokenResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode token: %v", err)
	}
	return resp.AccessToken
}

func mustParseURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse %q: %v", raw, err)
	}
	return u
}

func decodeOAuthError(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body %q: %v", w.Body.String(), err)
	}
	return body.Error
}
