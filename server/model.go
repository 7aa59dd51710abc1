package server

import "time"

// Identity is the upstream user as resolved after the provider exchange.
type Identity struct {
	Subject string `json:"sub"`
	Email   string `json:"email,omitempty"`
	Name    string `json:"name,omitempty"`
	Picture string `json:"picture,omitempty"`
}

// Client records dynamically registered OAuth client metadata.
type Client struct {
	ClientID                string
	ClientName              string
	RedirectURIs            []string
	GrantTypes              []string
	ResponseTypes           []string
	TokenEndpointAuthMethod string
	Scope                   string
	SecretHash              []byte
	CreatedAt               time.Time
}

// Public reports whether the client authenticates with PKCE alone.
func (c *Client) Public() bool {
	return c.TokenEndpointAuthMethod == "" || c.TokenEndpointAuthMethod == authMethodNone
}

// PendingAuthorization tracks a flow between /authorize and /callback.
type PendingAuthorization struct {
	UpstreamState       string
	ClientState         string
	ClientID            string
	RedirectURI         string
	CodeChallenge       string
	CodeChallengeMethod string
	Scope               string
	UpstreamVerifier    string
	Nonce               string
	CreatedAt           time.Time
	ExpiresAt           time.Time
}

// IssuedAuthorizationCode is a short-lived, single-use code delivered to the client.
type IssuedAuthorizationCode struct {
	Code                string
	Identity            Identity
	ClientID            string
	RedirectURI         string
	CodeChallenge       string
	CodeChallengeMethod string
	Scope               string
	CreatedAt           time.Time
	ExpiresAt           time.Time
	Used                bool
}

// TokenResponse is the body returned by /token.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
	Scope       string `json:"scope,omitempty"`
}

// AuthContext carries the caller identity for one request.
type AuthContext struct {
	Subject   string
	Email     string
	Name      string
	Picture   string
	Method    string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Auth methods recorded on AuthContext.
const (
	AuthMethodBearer = "bearer"
	AuthMethodAPIKey = "api_key"
	AuthMethodLocal  = "local"
)
