package client

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mcpgate/server"
)

const loopbackRedirect = "http://127.0.0.1:53682/callback"

// startGateway runs a dev-mode RS256 gateway on a real listener so its
// public URL matches the address clients dial.
func startGateway(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewUnstartedServer(nil)

	cfg := server.DefaultConfig()
	cfg.Server.DevMode = true
	cfg.Server.PublicURL = "http://" + srv.Listener.Addr().String()
	cfg.OAuth.Google.RedirectURL = cfg.Server.PublicURL + "/callback"
	cfg.Tokens.Algorithm = "RS256"
	cfg.Tokens.KeyPath = filepath.Join(t.TempDir(), "keys.json")

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	app, err := server.NewApp(context.Background(), cfg, logger)
	require.NoError(t, err)

	srv.Config.Handler = app.Routes()
	srv.Start()
	t.Cleanup(srv.Close)
	return srv
}

// authorize follows the gateway redirects until the client's redirect URI
// and returns the authorization code.
func authorize(t *testing.T, authURL, state string) string {
	t.Helper()
	hc := &http.Client{CheckRedirect: func(req *http.Request, _ []*http.Request) error {
		if strings.HasPrefix(req.URL.String(), loopbackRedirect) {
			return http.ErrUseLastResponse
		}
		return nil
	}}
	resp, err := hc.Get(authURL)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusFound, resp.StatusCode)

	loc, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(loc.String(), loopbackRedirect), "redirected to %s", loc)
	require.Equal(t, state, loc.Query().Get("state"))
	code := loc.Query().Get("code")
	require.NotEmpty(t, code)
	return code
}

func TestPKCEFlowAgainstGateway(t *testing.T) {
	gw := startGateway(t)
	ctx := context.Background()

	md, err := Discover(ctx, gw.Client(), gw.URL)
	require.NoError(t, err)
	assert.Equal(t, gw.URL, md.Issuer)
	assert.Equal(t, gw.URL+"/.well-known/jwks.json", md.JWKSURI)
	assert.Contains(t, md.CodeChallengeMethodsSupported, "S256")

	reg, err := Register(ctx, gw.Client(), md, "flow-test", loopbackRedirect)
	require.NoError(t, err)
	assert.NotEmpty(t, reg.ClientID)
	assert.Empty(t, reg.ClientSecret)
	assert.Equal(t, "none", reg.TokenEndpointAuthMethod)

	oc := OAuth2Config(md, reg, loopbackRedirect)
	pkce := NewPKCE()
	code := authorize(t, pkce.AuthCodeURL(oc, "state-xyz"), "state-xyz")

	tok, err := pkce.Exchange(ctx, oc, code)
	require.NoError(t, err)
	assert.Equal(t, "Bearer", tok.TokenType)
	assert.NotEmpty(t, tok.AccessToken)

	// The code is single use.
	_, err = pkce.Exchange(ctx, oc, code)
	require.Error(t, err)

	v := NewValidator(ValidatorConfig{Issuer: md.Issuer, JWKSURL: md.JWKSURI, HTTPClient: gw.Client()})
	claims, err := v.Validate(ctx, tok.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "dev-user", claims.Subject)
	assert.Equal(t, "dev@example.com", claims.Email)
	assert.Equal(t, reg.ClientID, claims.ClientID)
	assert.NoError(t, claims.HasScopes("openid", "email", "profile"))
}

func TestExchangeRejectsWrongVerifier(t *testing.T) {
	gw := startGateway(t)
	ctx := context.Background()

	md, err := Discover(ctx, gw.Client(), gw.URL)
	require.NoError(t, err)
	reg, err := Register(ctx, gw.Client(), md, "flow-test", loopbackRedirect)
	require.NoError(t, err)

	oc := OAuth2Config(md, reg, loopbackRedirect, "openid")
	pkce := NewPKCE()
	code := authorize(t, pkce.AuthCodeURL(oc, "s1"), "s1")

	_, err = NewPKCE().Exchange(ctx, oc, code)
	require.Error(t, err)

	// A failed verifier check leaves the code redeemable by the real client.
	tok, err := pkce.Exchange(ctx, oc, code)
	require.NoError(t, err)
	assert.Equal(t, "openid", tok.Extra("scope"))
}

func TestRegisterSurfacesOAuthErrors(t *testing.T) {
	gw := startGateway(t)
	ctx := context.Background()

	md, err := Discover(ctx, gw.Client(), gw.URL)
	require.NoError(t, err)

	_, err = Register(ctx, gw.Client(), md, "bad", "http://evil.example.com/cb")
	var oe *OAuthError
	require.True(t, errors.As(err, &oe), "err = %v", err)
	assert.Equal(t, http.StatusBadRequest, oe.StatusCode)
	assert.Equal(t, "invalid_client_metadata", oe.Code)

	_, err = Register(ctx, gw.Client(), Metadata{}, "x", loopbackRedirect)
	assert.Error(t, err)
}

func TestDiscoverFailures(t *testing.T) {
	notFound := httptest.NewServer(http.NotFoundHandler())
	defer notFound.Close()
	_, err := Discover(context.Background(), nil, notFound.URL)
	assert.Error(t, err)

	partial := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"issuer":"x"}`)
	}))
	defer partial.Close()
	_, err = Discover(context.Background(), nil, partial.URL)
	assert.ErrorContains(t, err, "missing endpoints")
}

func TestNewPKCE(t *testing.T) {
	a, b := NewPKCE(), NewPKCE()
	assert.NotEqual(t, a.Verifier, b.Verifier)
	assert.Equal(t, server.ComputeS256Challenge(a.Verifier), a.Challenge)
}
