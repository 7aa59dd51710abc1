package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/oauth2"

	"mcpgate/usage"
)

const maxRegistrationBody = 64 << 10

// App bundles runtime dependencies for the HTTP service.
type App struct {
	Config   Config
	Logger   *slog.Logger
	Store    *FlowStore
	Clients  *ClientRegistry
	Tokens   *TokenIssuer
	JWKS     *JWKSManager
	Provider IdentityProvider
	APIKeys  *APIKeyStore
	Usage    usage.Recorder
	Tools    *ToolServer
}

// Option customises App construction.
type Option func(*appOptions)

type appOptions struct {
	provider IdentityProvider
	recorder usage.Recorder
	now      func() time.Time
}

// WithIdentityProvider replaces the configured upstream provider.
func WithIdentityProvider(p IdentityProvider) Option {
	return func(o *appOptions) { o.provider = p }
}

// WithUsageRecorder replaces the usage sink.
func WithUsageRecorder(r usage.Recorder) Option {
	return func(o *appOptions) { o.recorder = r }
}

// WithClock sets the time source for flow state and tokens.
func WithClock(now func() time.Time) Option {
	return func(o *appOptions) { o.now = now }
}

// NewApp wires together the application state from configuration.
func NewApp(ctx context.Context, cfg Config, logger *slog.Logger, opts ...Option) (*App, error) {
	var o appOptions
	for _, opt := range opts {
		opt(&o)
	}
	if logger == nil {
		logger = slog.Default()
	}

	app := &App{
		Config:  cfg,
		Logger:  logger,
		Store:   NewFlowStore(cfg.OAuth.PendingTTL, cfg.OAuth.CodeTTL, logger),
		Clients: NewClientRegistry(),
		Usage:   o.recorder,
	}
	if app.Usage == nil {
		app.Usage = usage.Nop{}
	}

	switch cfg.Auth.Mode {
	case AuthModeOAuth:
		var signer Signer
		if cfg.Tokens.Algorithm == "RS256" {
			jwks, err := NewJWKSManager(cfg.Tokens.KeyPath, cfg.Tokens.RotateInterval, logger)
			if err != nil {
				return nil, err
			}
			app.JWKS = jwks
			signer = jwks
		} else {
			signer = NewHMACSigner(cfg.Tokens.SigningSecret)
		}
		app.Tokens = NewTokenIssuer(cfg.Server.PublicURL, cfg.Tokens.Lifetime, signer, logger)

		app.Provider = o.provider
		if app.Provider == nil {
			provider, err := BuildProvider(ctx, cfg, logger)
			if err != nil {
				return nil, err
			}
			app.Provider = provider
		}
	case AuthModeAPIKey:
		app.APIKeys = NewAPIKeyStore(cfg.Auth.APIKeys)
	}

	if o.now != nil {
		app.Store.SetClock(o.now)
		if app.Tokens != nil {
			app.Tokens.SetClock(o.now)
		}
	}

	app.Tools = NewToolServer(cfg.MCP, logger, RequireIdentity(cfg.Auth.Mode != AuthModeNone), LogUsage(app.Usage, logger))
	return app, nil
}

// Run drives background maintenance until ctx is done.
func (a *App) Run(ctx context.Context) {
	if a.JWKS != nil {
		go a.JWKS.Run(ctx)
	}
	a.Store.Run(ctx, a.Config.OAuth.SweepInterval)
}

func (a *App) handleAuthServerMetadata(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, BuildAuthorizationServerMetadata(a.Config))
}

func (a *App) handleProtectedResource(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, BuildProtectedResourceMetadata(a.Config))
}

func (a *App) handleJWKS(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "public, max-age=300")
	writeJSON(w, a.JWKS.PublicJWKS())
}

func (a *App) handleRegister(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRegistrationBody)
	var req RegistrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.Logger.Warn("register rejected", "error_code", "invalid_client_metadata", "error", err)
		writeOAuthError(w, errInvalidClientMetadata("request body must be a JSON client metadata document"))
		return
	}

	resp, err := a.Clients.Register(req)
	if err != nil {
		oe := asOAuthError(err)
		if oe.Code == "server_error" {
			a.Logger.Error("register failed", "error", err)
		} else {
			a.Logger.Warn("register rejected", "error_code", oe.Code, "reason", oe.Description)
		}
		writeOAuthError(w, oe)
		return
	}

	a.Logger.Info("client registered",
		"client_id", resp.ClientID,
		"client_name", resp.ClientName,
		"auth_method", resp.TokenEndpointAuthMethod,
		"redirect_uris", len(resp.RedirectURIs),
	)
	w.Header().Set("Cache-Control", "no-store")
	writeJSONStatus(w, http.StatusCreated, resp)
}

func (a *App) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	clientID := q.Get("client_id")
	redirectURI := q.Get("redirect_uri")
	state := q.Get("state")

	// Until client and redirect_uri are verified nothing may be redirected.
	if clientID == "" {
		writeOAuthError(w, errInvalidRequest("client_id required"))
		return
	}
	client, ok := a.Clients.Get(clientID)
	if !ok {
		a.Logger.Warn("authorize rejected", "error_code", "invalid_request", "reason", "unknown client")
		writeOAuthError(w, errInvalidRequest("unknown client_id"))
		return
	}
	if redirectURI == "" || !client.ValidRedirect(redirectURI) {
		a.Logger.Warn("authorize rejected", "error_code", "invalid_request", "client_id", clientID, "reason", "redirect_uri not registered")
		writeOAuthError(w, errInvalidRequest("redirect_uri is not registered for this client"))
		return
	}

	pending, err := a.parseAuthorizeRequest(q, client)
	if err != nil {
		a.Logger.Warn("authorize rejected", "error_code", asOAuthError(err).Code, "client_id", clientID)
		redirectError(w, redirectURI, state, err)
		return
	}
	pending.ClientState = state
	pending = a.Store.SavePending(pending)

	target := a.Provider.AuthCodeURL(pending.UpstreamState, pending.Nonce, pending.UpstreamVerifier)
	a.Logger.Info("authorization started", "client_id", clientID, "scope", pending.Scope)
	http.Redirect(w, r, target, http.StatusFound)
}

func (a *App) parseAuthorizeRequest(q url.Values, client *Client) (PendingAuthorization, error) {
	if rt := q.Get("response_type"); rt != "" && rt != responseTypeCode {
		return PendingAuthorization{}, errUnsupportedResponseType("response_type must be code")
	}

	method := q.Get("code_challenge_method")
	if method == "" {
		return PendingAuthorization{}, errInvalidRequest("code_challenge_method required")
	}
	if method != "S256" {
		return PendingAuthorization{}, errInvalidRequest("code_challenge_method must be S256")
	}
	challenge := q.Get("code_challenge")
	if !validCodeChallenge(challenge) {
		return PendingAuthorization{}, errInvalidRequest("code_challenge missing or malformed")
	}

	scope, ok := normalizeScope(q.Get("scope"))
	if !ok {
		return PendingAuthorization{}, errInvalidScope("requested scope is not supported")
	}

	return PendingAuthorization{
		UpstreamState:       NewID(),
		ClientID:            client.ClientID,
		RedirectURI:         q.Get("redirect_uri"),
		CodeChallenge:       challenge,
		CodeChallengeMethod: method,
		Scope:               scope,
		UpstreamVerifier:    oauth2.GenerateVerifier(),
		Nonce:               NewID(),
	}, nil
}

// validCodeChallenge accepts a 43-128 character base64url value.
func validCodeChallenge(c string) bool {
	if len(c) < 43 || len(c) > 128 {
		return false
	}
	for _, r := range c {
		switch {
		case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return false
		}
	}
	return true
}

func (a *App) handleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	upstreamState := q.Get("state")
	if upstreamState == "" {
		writeOAuthError(w, errInvalidRequest("missing state"))
		return
	}

	pending, err := a.Store.ConsumePending(upstreamState)
	if err != nil {
		a.Logger.Warn("callback rejected", "error", err)
		writeOAuthError(w, errInvalidRequest("unknown or expired state"))
		return
	}

	if upstreamErr := q.Get("error"); upstreamErr != "" {
		a.Logger.Warn("upstream denied authorization", "client_id", pending.ClientID, "upstream_error", upstreamErr)
		redirectError(w, pending.RedirectURI, pending.ClientState, errAccessDenied("authorization was denied by the identity provider"))
		return
	}

	upstreamCode := q.Get("code")
	if upstreamCode == "" {
		a.Logger.Warn("callback missing upstream code", "client_id", pending.ClientID)
		redirectError(w, pending.RedirectURI, pending.ClientState, errServerError("identity provider returned no code"))
		return
	}

	timeout := a.Config.OAuth.UpstreamTimeout
	if timeout <= 0 {
		timeout = DefaultUpstreamTimeout
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	identity, err := a.Provider.Exchange(ctx, upstreamCode, pending.UpstreamVerifier, pending.Nonce)
	cancel()
	if err != nil {
		a.Logger.Error("upstream exchange failed", "client_id", pending.ClientID, "error", err)
		redirectError(w, pending.RedirectURI, pending.ClientState, errServerError("identity provider exchange failed"))
		return
	}

	issued := a.Store.IssueCode(IssuedAuthorizationCode{
		Identity:            identity,
		ClientID:            pending.ClientID,
		RedirectURI:         pending.RedirectURI,
		CodeChallenge:       pending.CodeChallenge,
		CodeChallengeMethod: pending.CodeChallengeMethod,
		Scope:               pending.Scope,
	})

	redirect, err := url.Parse(pending.RedirectURI)
	if err != nil {
		writeOAuthError(w, errServerError("invalid redirect_uri"))
		return
	}
	values := redirect.Query()
	values.Set("code", issued.Code)
	if pending.ClientState != "" {
		values.Set("state", pending.ClientState)
	}
	redirect.RawQuery = values.Encode()

	a.Logger.Info("authorization code issued", "client_id", pending.ClientID, "user_sub", identity.Subject)
	http.Redirect(w, r, redirect.String(), http.StatusFound)
}

func (a *App) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, errInvalidRequest("invalid form body"))
		return
	}

	grantType := r.PostForm.Get("grant_type")
	switch grantType {
	case grantAuthorizationCode:
	case "":
		writeOAuthError(w, errInvalidRequest("grant_type required"))
		return
	default:
		writeOAuthError(w, errUnsupportedGrantType("only authorization_code is supported"))
		return
	}

	clientID, secret, viaBasic := clientCredentials(r)
	code := r.PostForm.Get("code")
	verifier := r.PostForm.Get("code_verifier")
	redirectURI := r.PostForm.Get("redirect_uri")
	switch {
	case clientID == "":
		writeOAuthError(w, errInvalidRequest("client_id required"))
		return
	case code == "":
		writeOAuthError(w, errInvalidRequest("code required"))
		return
	case verifier == "":
		writeOAuthError(w, errInvalidRequest("code_verifier required"))
		return
	}

	client, err := a.Clients.Authenticate(clientID, secret, viaBasic)
	if err != nil {
		a.Logger.Warn("token rejected", "error_code", asOAuthError(err).Code, "client_id", clientID)
		writeOAuthError(w, err)
		return
	}

	var resp TokenResponse
	issued, err := a.Store.RedeemCode(code, func(c IssuedAuthorizationCode) error {
		if c.ClientID != client.ClientID {
			return errInvalidGrant("client_id does not match the authorization code")
		}
		if c.RedirectURI != redirectURI {
			return errInvalidGrant("redirect_uri does not match the authorization code")
		}
		if err := verifyPKCE(c, verifier); err != nil {
			return errInvalidGrant("code_verifier does not match code_challenge")
		}
		// The code is only marked used once a token exists.
		minted, err := a.Tokens.Mint(c.Identity, c.Scope, client.ClientID)
		if err != nil {
			a.Logger.Error("mint token", "client_id", client.ClientID, "error", err)
			return errServerError("failed to mint token")
		}
		resp = minted
		return nil
	})
	if err != nil {
		var oe *OAuthError
		switch {
		case errors.Is(err, ErrCodeNotFound), errors.Is(err, ErrCodeExpired):
			oe = errInvalidGrant("authorization code is invalid or expired")
		case errors.Is(err, ErrCodeRedeemed):
			oe = errInvalidGrant("authorization code has already been used")
		default:
			oe = asOAuthError(err)
		}
		a.Logger.Warn("token rejected", "error_code", oe.Code, "reason", oe.Description, "client_id", clientID)
		writeOAuthError(w, oe)
		return
	}

	a.Logger.Info("token issued", "client_id", client.ClientID, "user_sub", issued.Identity.Subject)
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	writeJSON(w, resp)
}

// clientCredentials reads client_secret_basic or client_secret_post credentials.
func clientCredentials(r *http.Request) (id, secret string, viaBasic bool) {
	if user, pass, ok := r.BasicAuth(); ok {
		id, _ = url.QueryUnescape(user)
		secret, _ = url.QueryUnescape(pass)
		if id == "" {
			id = r.PostForm.Get("client_id")
		}
		return id, secret, true
	}
	return r.PostForm.Get("client_id"), r.PostForm.Get("client_secret"), false
}
