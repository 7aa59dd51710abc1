package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/oauth2"
)

// Metadata is the subset of RFC 8414 metadata an MCP client needs.
type Metadata struct {
	Issuer                        string   `json:"issuer"`
	AuthorizationEndpoint         string   `json:"authorization_endpoint"`
	TokenEndpoint                 string   `json:"token_endpoint"`
	RegistrationEndpoint          string   `json:"registration_endpoint"`
	JWKSURI                       string   `json:"jwks_uri,omitempty"`
	ScopesSupported               []string `json:"scopes_supported"`
	CodeChallengeMethodsSupported []string `json:"code_challenge_methods_supported"`
}

// Registration is the gateway's answer to a dynamic registration.
type Registration struct {
	ClientID                string   `json:"client_id"`
	ClientSecret            string   `json:"client_secret,omitempty"`
	RedirectURIs            []string `json:"redirect_uris"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
}

// OAuthError is an error body returned by the gateway.
type OAuthError struct {
	StatusCode  int    `json:"-"`
	Code        string `json:"error"`
	Description string `json:"error_description"`
}

func (e *OAuthError) Error() string {
	if e.Description == "" {
		return fmt.Sprintf("%s (status %d)", e.Code, e.StatusCode)
	}
	return fmt.Sprintf("%s: %s (status %d)", e.Code, e.Description, e.StatusCode)
}

// Discover fetches authorization server metadata from baseURL.
func Discover(ctx context.Context, hc *http.Client, baseURL string) (Metadata, error) {
	if hc == nil {
		hc = http.DefaultClient
	}
	u := strings.TrimSuffix(baseURL, "/") + "/.well-known/oauth-authorization-server"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Metadata{}, err
	}
	resp, err := hc.Do(req)
	if err != nil {
		return Metadata{}, fmt.Errorf("fetch metadata: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Metadata{}, fmt.Errorf("fetch metadata: %s", resp.Status)
	}
	var md Metadata
	if err := json.NewDecoder(resp.Body).Decode(&md); err != nil {
		return Metadata{}, fmt.Errorf("decode metadata: %w", err)
	}
	if md.AuthorizationEndpoint == "" || md.TokenEndpoint == "" {
		return Metadata{}, errors.New("metadata missing endpoints")
	}
	return md, nil
}

// Register performs RFC 7591 registration of a public PKCE client.
func Register(ctx context.Context, hc *http.Client, md Metadata, clientName string, redirectURIs ...string) (Registration, error) {
	if hc == nil {
		hc = http.DefaultClient
	}
	if md.RegistrationEndpoint == "" {
		return Registration{}, errors.New("server does not support dynamic registration")
	}
	body, err := json.Marshal(map[string]any{
		"client_name":                clientName,
		"redirect_uris":              redirectURIs,
		"grant_types":                []string{"authorization_code"},
		"response_types":             []string{"code"},
		"token_endpoint_auth_method": "none",
	})
	if err != nil {
		return Registration{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, md.RegistrationEndpoint, bytes.NewReader(body))
	if err != nil {
		return Registration{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := hc.Do(req)
	if err != nil {
		return Registration{}, fmt.Errorf("register: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		oe := &OAuthError{StatusCode: resp.StatusCode}
		_ = json.NewDecoder(resp.Body).Decode(oe)
		return Registration{}, oe
	}
	var reg Registration
	if err := json.NewDecoder(resp.Body).Decode(&reg); err != nil {
		return Registration{}, fmt.Errorf("decode registration: %w", err)
	}
	return reg, nil
}

// OAuth2Config builds an oauth2.Config for a registered public client.
func OAuth2Config(md Metadata, reg Registration, redirectURI string, scopes ...string) *oauth2.Config {
	if len(scopes) == 0 {
		scopes = md.ScopesSupported
	}
	return &oauth2.Config{
		ClientID:     reg.ClientID,
		ClientSecret: reg.ClientSecret,
		RedirectURL:  redirectURI,
		Scopes:       scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:   md.AuthorizationEndpoint,
			TokenURL:  md.TokenEndpoint,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

// PKCE holds a verifier and its S256 challenge.
type PKCE struct {
	Verifier  string
	Challenge string
}

// NewPKCE generates a fresh verifier/challenge pair.
func NewPKCE() PKCE {
	verifier := oauth2.GenerateVerifier()
	return PKCE{Verifier: verifier, Challenge: oauth2.S256ChallengeFromVerifier(verifier)}
}

// AuthCodeURL starts a PKCE authorization for the given state.
func (p PKCE) AuthCodeURL(cfg *oauth2.Config, state string) string {
	return cfg.AuthCodeURL(state, oauth2.S256ChallengeOption(p.Verifier))
}

// Exchange redeems code using the verifier.
func (p PKCE) Exchange(ctx context.Context, cfg *oauth2.Config, code string) (*oauth2.Token, error) {
	return cfg.Exchange(ctx, code, oauth2.VerifierOption(p.Verifier))
}
