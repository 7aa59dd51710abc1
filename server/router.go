package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Routes constructs the HTTP router with the OAuth endpoints and the gated MCP transports.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(a.Logger))
	r.Use(RecoveryMiddleware(a.Logger, a.Config.Server.DevMode))
	r.Use(CORSMiddleware(a.Config.Server.CORS))
	r.Use(SecurityHeadersMiddleware(a.Config.Server.TLS.HSTSMaxAge))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]string{"status": "ok", "auth_mode": a.Config.Auth.Mode})
	})

	if a.Config.Auth.Mode == AuthModeOAuth {
		r.Get("/.well-known/oauth-authorization-server", a.handleAuthServerMetadata)
		r.Get("/.well-known/oauth-protected-resource", a.handleProtectedResource)
		r.Get("/.well-known/oauth-protected-resource/*", a.handleProtectedResource)
		if a.JWKS != nil {
			r.Get("/.well-known/jwks.json", a.handleJWKS)
		}

		r.Post("/register", a.handleRegister)
		r.Get("/authorize", a.handleAuthorize)
		r.Get("/callback", a.handleCallback)
		r.Post("/token", a.handleToken)
	}

	sse := a.Tools.SSEHandler(a.Config.Server.PublicURL)
	streamable := a.Tools.StreamableHandler()

	r.Group(func(r chi.Router) {
		r.Use(a.Gate())
		r.Handle("/sse", sse)
		r.Handle("/message", sse)
		r.Handle("/mcp", streamable)
		r.Get("/whoami", a.handleWhoAmI)
	})

	return r
}

func (a *App) handleWhoAmI(w http.ResponseWriter, r *http.Request) {
	ac, ok := AuthFromContext(r.Context())
	if !ok {
		writeOAuthError(w, errInvalidToken("missing identity"))
		return
	}
	resp := map[string]any{
		"sub":    ac.Subject,
		"method": ac.Method,
	}
	if ac.Email != "" {
		resp["email"] = ac.Email
	}
	if ac.Name != "" {
		resp["name"] = ac.Name
	}
	if ac.Picture != "" {
		resp["picture"] = ac.Picture
	}
	if !ac.ExpiresAt.IsZero() {
		resp["exp"] = ac.ExpiresAt.Unix()
	}
	writeJSON(w, resp)
}
