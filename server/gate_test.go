package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestBearerGateRejectsMissingOrMalformedCredentials(t *testing.T) {
	env := newTestEnv(t, nil)

	foreign := NewTokenIssuer(env.app.Config.Server.PublicURL, time.Hour, NewHMACSigner("another-secret"), testLogger())
	forged, err := foreign.Mint(Identity{Subject: "mallory"}, "openid", "x")
	if err != nil {
		t.Fatalf("mint forged token: %v", err)
	}

	tests := []struct {
		name        string
		header      string
		wantInvalid bool
	}{
		{"no header", "", false},
		{"basic scheme", "Basic dXNlcjpwYXNz", false},
		{"bearer without token", "Bearer", false},
		{"garbage token", "Bearer not-a-jwt", true},
		{"foreign signature", "Bearer " + forged.AccessToken, true},
	}
	paths := []struct{ method, path string }{
		{http.MethodGet, "/whoami"},
		{http.MethodGet, "/sse"},
		{http.MethodPost, "/message"},
		{http.MethodPost, "/mcp"},
	}
	for _, tt := range tests {
		for _, p := range paths {
			t.Run(tt.name+" "+p.path, func(t *testing.T) {
				req := httptest.NewRequest(p.method, p.path, strings.NewReader("{}"))
				if tt.header != "" {
					req.Header.Set("Authorization", tt.header)
				}
				w := env.do(req)
				if w.Code != http.StatusUnauthorized {
					t.Fatalf("status = %d, want 401", w.Code)
				}
				challenge := w.Header().Get("WWW-Authenticate")
				if !strings.HasPrefix(challenge, "Bearer ") {
					t.Fatalf("WWW-Authenticate = %q", challenge)
				}
				if !strings.Contains(challenge, `resource_metadata="http://127.0.0.1:8080/.well-known/oauth-protected-resource"`) {
					t.Fatalf("challenge missing resource metadata: %q", challenge)
				}
				if got := strings.Contains(challenge, `error="invalid_token"`); got != tt.wantInvalid {
					t.Fatalf("invalid_token in challenge = %v, want %v (%q)", got, tt.wantInvalid, challenge)
				}
			})
		}
	}
}

func TestBearerGateTokenLifetime(t *testing.T) {
	env := newTestEnv(t, nil)
	token := env.obtainToken(t)

	call := func() int {
		req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		return env.do(req).Code
	}

	env.clock.Advance(3500 * time.Second)
	if code := call(); code != http.StatusOK {
		t.Fatalf("token rejected at +3500s: %d", code)
	}
	env.clock.Advance(200 * time.Second)
	if code := call(); code != http.StatusUnauthorized {
		t.Fatalf("token accepted at +3700s: %d", code)
	}
}

func TestAPIKeyGate(t *testing.T) {
	env := newTestEnv(t, func(c *Config) {
		c.Auth.Mode = AuthModeAPIKey
		c.Auth.APIKeys = map[string]string{"alice": "key-alice", "bob": "key-bob"}
	})

	tests := []struct {
		name   string
		header string
		status int
		sub    string
	}{
		{"bearer key", "Bearer key-alice", http.StatusOK, "alice"},
		{"bare key", "key-bob", http.StatusOK, "bob"},
		{"wrong key", "Bearer nope", http.StatusUnauthorized, ""},
		{"no key", "", http.StatusUnauthorized, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := env.do(req)
			if w.Code != tt.status {
				t.Fatalf("status = %d, want %d", w.Code, tt.status)
			}
			if tt.status != http.StatusOK {
				if decodeOAuthError(t, w) != "invalid_api_key" {
					t.Fatalf("unexpected error body %s", w.Body.String())
				}
				return
			}
			var who map[string]any
			if err := json.Unmarshal(w.Body.Bytes(), &who); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if who["sub"] != tt.sub || who["method"] != AuthMethodAPIKey {
				t.Fatalf("unexpected identity %v", who)
			}
		})
	}
}

func TestAPIKeyModeDoesNotMountOAuthEndpoints(t *testing.T) {
	env := newTestEnv(t, func(c *Config) {
		c.Auth.Mode = AuthModeAPIKey
		c.Auth.APIKeys = map[string]string{"alice": "key-alice"}
	})
	for _, path := range []string{"/register", "/token"} {
		w := env.do(httptest.NewRequest(http.MethodPost, path, nil))
		if w.Code != http.StatusNotFound {
			t.Fatalf("%s status = %d, want 404", path, w.Code)
		}
	}
	if env.app.Tokens != nil || env.app.Provider != nil {
		t.Fatalf("oauth components built in api_key mode")
	}
}

func TestAnonymousGate(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.Auth.Mode = AuthModeNone })

	w := env.do(httptest.NewRequest(http.MethodGet, "/whoami", nil))
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"sub":"anonymous"`) {
		t.Fatalf("anonymous whoami = %d %s", w.Code, w.Body.String())
	}
}

func TestExtractBearerToken(t *testing.T) {
	tests := map[string]string{
		"":               "",
		"Bearer abc":     "abc",
		"bearer abc":     "abc",
		"BEARER  abc ":   "abc",
		"Basic abc":      "",
		"Bearerabc":      "",
		"Token abc":      "",
		"Bearer abc def": "abc def",
	}
	for header, want := range tests {
		if got := extractBearerToken(header); got != want {
			t.Errorf("extractBearerToken(%q) = %q, want %q", header, got, want)
		}
	}
}

func TestAPIKeyStoreLookup(t *testing.T) {
	store := NewAPIKeyStore(map[string]string{"alice": "k1", "bob": "k2", "empty": ""})
	if user, ok := store.Lookup("k2"); !ok || user != "bob" {
		t.Fatalf("Lookup(k2) = %q, %v", user, ok)
	}
	if _, ok := store.Lookup(""); ok {
		t.Fatalf("empty key must not match")
	}
	if _, ok := store.Lookup("k3"); ok {
		t.Fatalf("unknown key matched")
	}
	if users := store.Users(); len(users) != 2 || users[0] != "alice" || users[1] != "bob" {
		t.Fatalf("Users() = %v", users)
	}
}

func TestAuthContextHelpers(t *testing.T) {
	ctx := context.Background()
	if SubjectFromContext(ctx) != "" {
		t.Fatalf("expected no subject on empty context")
	}
	ctx = WithAuthContext(ctx, AuthContext{Subject: "s1"})
	if SubjectFromContext(ctx) != "s1" {
		t.Fatalf("subject not propagated")
	}
}
