package server

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"net"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
)

const (
	authMethodNone              = "none"
	authMethodClientSecretPost  = "client_secret_post"
	authMethodClientSecretBasic = "client_secret_basic"

	grantAuthorizationCode = "authorization_code"
	responseTypeCode       = "code"
)

// RegistrationRequest is the RFC 7591 client metadata accepted at /register.
type RegistrationRequest struct {
	ClientName              string   `json:"client_name,omitempty"`
	RedirectURIs            []string `json:"redirect_uris"`
	GrantTypes              []string `json:"grant_types,omitempty"`
	ResponseTypes           []string `json:"response_types,omitempty"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method,omitempty"`
	Scope                   string   `json:"scope,omitempty"`
}

// RegistrationResponse is returned once per registration.
type RegistrationResponse struct {
	ClientID                string   `json:"client_id"`
	ClientSecret            string   `json:"client_secret,omitempty"`
	ClientIDIssuedAt        int64    `json:"client_id_issued_at"`
	ClientSecretExpiresAt   *int64   `json:"client_secret_expires_at,omitempty"`
	ClientName              string   `json:"client_name,omitempty"`
	RedirectURIs            []string `json:"redirect_uris"`
	GrantTypes              []string `json:"grant_types"`
	ResponseTypes           []string `json:"response_types"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
	Scope                   string   `json:"scope,omitempty"`
}

// ClientRegistry holds dynamically registered OAuth clients for the process lifetime.
type ClientRegistry struct {
	mu      sync.RWMutex
	clients map[string]*Client
	now     func() time.Time
}

// NewClientRegistry builds an empty registry.
func NewClientRegistry() *ClientRegistry {
	return &ClientRegistry{
		clients: make(map[string]*Client),
		now:     time.Now,
	}
}

// Register validates metadata and stores a new client under a fresh client_id.
func (cr *ClientRegistry) Register(req RegistrationRequest) (RegistrationResponse, error) {
	if err := validateRegistration(&req); err != nil {
		return RegistrationResponse{}, err
	}

	client := &Client{
		ClientName:              req.ClientName,
		RedirectURIs:            slices.Clone(req.RedirectURIs),
		GrantTypes:              req.GrantTypes,
		ResponseTypes:           req.ResponseTypes,
		TokenEndpointAuthMethod: req.TokenEndpointAuthMethod,
		Scope:                   req.Scope,
		CreatedAt:               cr.now(),
	}

	var secret string
	if !client.Public() {
		var err error
		secret, err = newClientSecret()
		if err != nil {
			return RegistrationResponse{}, fmt.Errorf("generate client secret: %w", err)
		}
		client.SecretHash, err = bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
		if err != nil {
			return RegistrationResponse{}, fmt.Errorf("hash client secret: %w", err)
		}
	}

	cr.mu.Lock()
	for {
		client.ClientID = NewID()
		if _, exists := cr.clients[client.ClientID]; !exists {
			break
		}
	}
	cr.clients[client.ClientID] = client
	cr.mu.Unlock()

	resp := RegistrationResponse{
		ClientID:                client.ClientID,
		ClientIDIssuedAt:        client.CreatedAt.Unix(),
		ClientName:              client.ClientName,
		RedirectURIs:            slices.Clone(client.RedirectURIs),
		GrantTypes:              client.GrantTypes,
		ResponseTypes:           client.ResponseTypes,
		TokenEndpointAuthMethod: client.TokenEndpointAuthMethod,
		Scope:                   client.Scope,
	}
	if secret != "" {
		var never int64
		resp.ClientSecret = secret
		resp.ClientSecretExpiresAt = &never
	}
	return resp, nil
}

// Get retrieves a client definition.
func (cr *ClientRegistry) Get(id string) (*Client, bool) {
	cr.mu.RLock()
	defer cr.mu.RUnlock()
	client, ok := cr.clients[id]
	return client, ok
}

// Len reports the number of registered clients.
func (cr *ClientRegistry) Len() int {
	cr.mu.RLock()
	defer cr.mu.RUnlock()
	return len(cr.clients)
}

// Authenticate resolves a client at the token endpoint. Public clients need no
// secret; confidential clients must present the one issued at registration.
func (cr *ClientRegistry) Authenticate(id, secret string, viaBasic bool) (*Client, error) {
	client, ok := cr.Get(id)
	if !ok {
		return nil, errInvalidClient("unknown client")
	}
	if client.Public() {
		return client, nil
	}
	if secret == "" {
		return nil, errInvalidClient("client authentication required")
	}
	if viaBasic != (client.TokenEndpointAuthMethod == authMethodClientSecretBasic) {
		return nil, errInvalidClient("unexpected client authentication method")
	}
	if err := bcrypt.CompareHashAndPassword(client.SecretHash, []byte(secret)); err != nil {
		return nil, errInvalidClient("client authentication failed")
	}
	return client, nil
}

// ValidRedirect reports whether uri exactly matches a registered redirect URI.
func (c *Client) ValidRedirect(uri string) bool {
	if !isSafeRedirectURI(uri) {
		return false
	}
	for _, u := range c.RedirectURIs {
		if subtle.ConstantTimeCompare([]byte(u), []byte(uri)) == 1 {
			return true
		}
	}
	return false
}

func validateRegistration(req *RegistrationRequest) error {
	if len(req.RedirectURIs) == 0 {
		return errInvalidClientMetadata("redirect_uris is required")
	}
	for _, uri := range req.RedirectURIs {
		if err := validateRedirectURI(uri); err != nil {
			return errInvalidClientMetadata(err.Error())
		}
	}

	if len(req.GrantTypes) == 0 {
		req.GrantTypes = []string{grantAuthorizationCode}
	} else if !slices.Contains(req.GrantTypes, grantAuthorizationCode) {
		return errInvalidClientMetadata("grant_types must include authorization_code")
	}
	if len(req.ResponseTypes) == 0 {
		req.ResponseTypes = []string{responseTypeCode}
	} else if !slices.Contains(req.ResponseTypes, responseTypeCode) {
		return errInvalidClientMetadata("response_types must include code")
	}

	switch req.TokenEndpointAuthMethod {
	case "":
		req.TokenEndpointAuthMethod = authMethodNone
	case authMethodNone, authMethodClientSecretPost, authMethodClientSecretBasic:
	default:
		return errInvalidClientMetadata("unsupported token_endpoint_auth_method")
	}

	if req.Scope != "" {
		if _, ok := normalizeScope(req.Scope); !ok {
			return errInvalidClientMetadata("unsupported scope")
		}
	}
	if len(req.ClientName) > 256 {
		return errInvalidClientMetadata("client_name too long")
	}
	return nil
}

// validateRedirectURI accepts absolute URIs without fragment or userinfo. Plain
// http is limited to loopback hosts; private-use schemes are allowed for native apps.
func validateRedirectURI(raw string) error {
	if !isSafeRedirectURI(raw) {
		return fmt.Errorf("redirect_uri %q is not allowed", raw)
	}
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() {
		return fmt.Errorf("redirect_uri %q must be an absolute URI", raw)
	}
	if u.Fragment != "" || strings.Contains(raw, "#") {
		return fmt.Errorf("redirect_uri %q must not contain a fragment", raw)
	}
	if u.User != nil {
		return fmt.Errorf("redirect_uri %q must not contain userinfo", raw)
	}
	switch u.Scheme {
	case "https":
		if u.Host == "" {
			return fmt.Errorf("redirect_uri %q has no host", raw)
		}
	case "http":
		if !isLoopbackHost(u.Hostname()) {
			return fmt.Errorf("redirect_uri %q must use https unless it targets loopback", raw)
		}
	}
	return nil
}

func isLoopbackHost(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// isSafeRedirectURI blocks schemes and shapes that enable open redirects.
func isSafeRedirectURI(uri string) bool {
	if uri == "" {
		return false
	}

	lower := strings.ToLower(uri)
	dangerousSchemes := []string{
		"javascript:",
		"data:",
		"file:",
		"vbscript:",
		"about:",
	}
	for _, scheme := range dangerousSchemes {
		if strings.HasPrefix(lower, scheme) {
			return false
		}
	}

	// Protocol-relative URLs could redirect anywhere
	if strings.HasPrefix(uri, "//") {
		return false
	}

	idx := strings.Index(uri, ":")
	if idx <= 0 {
		return false
	}
	scheme := lower[:idx]
	for _, r := range scheme {
		if !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '+' || r == '-' || r == '.') {
			return false
		}
	}

	if scheme == "http" || scheme == "https" {
		rest, ok := strings.CutPrefix(uri[idx:], "://")
		if !ok {
			return false
		}
		// user:pass@host and path@domain tricks
		if strings.Contains(rest, "@") {
			return false
		}
		hostPart := rest
		if slashIdx := strings.Index(rest, "/"); slashIdx != -1 {
			hostPart = rest[:slashIdx]
		}
		if hostPart == "" || strings.Contains(hostPart, "#") {
			return false
		}
	}

	return true
}

func newClientSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
