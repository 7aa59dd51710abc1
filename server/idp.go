package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// IdentityProvider represents the minimal behaviour required from an upstream IdP.
type IdentityProvider interface {
	// AuthCodeURL builds the consent redirect. verifier is the upstream PKCE verifier.
	AuthCodeURL(state, nonce, verifier string) string
	Exchange(ctx context.Context, code, verifier, expectedNonce string) (Identity, error)
}

// GoogleProvider wraps the upstream OIDC configuration and helpers.
type GoogleProvider struct {
	oauthConfig *oauth2.Config
	provider    *oidc.Provider
	verifier    *oidc.IDTokenVerifier
	logger      *slog.Logger
}

// NewGoogleProvider initializes the provider via OIDC discovery.
func NewGoogleProvider(ctx context.Context, cfg GoogleConfig, logger *slog.Logger) (*GoogleProvider, error) {
	if cfg.ClientID == "" {
		return nil, errors.New("client_id required")
	}
	if cfg.Issuer == "" {
		return nil, errors.New("issuer required")
	}

	op, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("discover provider %s: %w", cfg.Issuer, err)
	}

	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{oidc.ScopeOpenID, "email", "profile"}
	}

	return &GoogleProvider{
		oauthConfig: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Endpoint:     op.Endpoint(),
			Scopes:       scopes,
		},
		provider: op,
		verifier: op.Verifier(&oidc.Config{ClientID: cfg.ClientID}),
		logger:   logger,
	}, nil
}

// AuthCodeURL constructs the authorization request for upstream.
func (p *GoogleProvider) AuthCodeURL(state, nonce, verifier string) string {
	opts := []oauth2.AuthCodeOption{oauth2.AccessTypeOnline}
	if nonce != "" {
		opts = append(opts, oidc.Nonce(nonce))
	}
	if verifier != "" {
		opts = append(opts, oauth2.S256ChallengeOption(verifier))
	}
	return p.oauthConfig.AuthCodeURL(state, opts...)
}

// Exchange completes the code exchange and returns a normalized identity.
func (p *GoogleProvider) Exchange(ctx context.Context, code, verifier, expectedNonce string) (Identity, error) {
	var opts []oauth2.AuthCodeOption
	if verifier != "" {
		opts = append(opts, oauth2.VerifierOption(verifier))
	}
	tok, err := p.oauthConfig.Exchange(ctx, code, opts...)
	if err != nil {
		return Identity{}, fmt.Errorf("exchange code: %w", err)
	}

	rawIDToken, ok := tok.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return Identity{}, errors.New("id_token missing in response")
	}

	idToken, err := p.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return Identity{}, fmt.Errorf("verify id_token: %w", err)
	}
	if expectedNonce != "" && idToken.Nonce != expectedNonce {
		return Identity{}, errors.New("nonce mismatch")
	}

	var claims struct {
		Email   string `json:"email"`
		Name    string `json:"name"`
		Picture string `json:"picture"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return Identity{}, fmt.Errorf("parse claims: %w", err)
	}

	id := Identity{
		Subject: idToken.Subject,
		Email:   claims.Email,
		Name:    claims.Name,
		Picture: claims.Picture,
	}

	// Google omits profile claims from the ID token in some flows.
	if id.Email == "" || id.Name == "" {
		if info, err := p.provider.UserInfo(ctx, oauth2.StaticTokenSource(tok)); err == nil {
			if id.Email == "" {
				id.Email = info.Email
			}
			var extra struct {
				Name    string `json:"name"`
				Picture string `json:"picture"`
			}
			if err := info.Claims(&extra); err == nil {
				if id.Name == "" {
					id.Name = extra.Name
				}
				if id.Picture == "" {
					id.Picture = extra.Picture
				}
			}
		} else {
			p.logger.Debug("userinfo lookup failed", "error", err)
		}
	}

	return id, nil
}

const localCodePrefix = "dev-"

// LocalProvider stands in for Google in dev mode. Its consent step redirects
// straight back to the callback with a dev code.
type LocalProvider struct {
	callbackURL string
	identity    Identity
}

// NewLocalProvider builds the dev-mode provider.
func NewLocalProvider(callbackURL string) *LocalProvider {
	return &LocalProvider{
		callbackURL: callbackURL,
		identity: Identity{
			Subject: "dev-user",
			Email:   "dev@example.com",
			Name:    "Dev User",
		},
	}
}

func (p *LocalProvider) AuthCodeURL(state, _, _ string) string {
	u, err := url.Parse(p.callbackURL)
	if err != nil {
		return p.callbackURL
	}
	q := u.Query()
	q.Set("code", localCodePrefix+NewID())
	q.Set("state", state)
	u.RawQuery = q.Encode()
	return u.String()
}

func (p *LocalProvider) Exchange(_ context.Context, code, _, _ string) (Identity, error) {
	if !strings.HasPrefix(code, localCodePrefix) {
		return Identity{}, errors.New("unknown dev code")
	}
	return p.identity, nil
}

// BuildProvider prepares the upstream provider selected by configuration.
func BuildProvider(ctx context.Context, cfg Config, logger *slog.Logger) (IdentityProvider, error) {
	if cfg.UsesLocalProvider() {
		logger.Warn("using local dev identity provider")
		return NewLocalProvider(cfg.OAuth.Google.RedirectURL), nil
	}
	prov, err := NewGoogleProvider(ctx, cfg.OAuth.Google, logger)
	if err != nil {
		return nil, err
	}
	return prov, nil
}
