package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"
)

type authContextKey struct{}

// WithAuthContext stores the caller identity on ctx.
func WithAuthContext(ctx context.Context, ac AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey{}, ac)
}

// AuthFromContext returns the caller identity attached by a gate.
func AuthFromContext(ctx context.Context) (AuthContext, bool) {
	ac, ok := ctx.Value(authContextKey{}).(AuthContext)
	return ac, ok
}

// SubjectFromContext returns the subject of the caller, if any.
func SubjectFromContext(ctx context.Context) string {
	if ac, ok := AuthFromContext(ctx); ok {
		return ac.Subject
	}
	return ""
}

// BearerGate rejects requests without a valid bearer token and attaches the
// decoded claims for downstream handlers.
func (a *App) BearerGate(next http.Handler) http.Handler {
	metadataURL := ProtectedResourceMetadataURL(a.Config.Server.PublicURL)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := extractBearerToken(r.Header.Get("Authorization"))
		if token == "" {
			w.Header().Set("WWW-Authenticate", fmt.Sprintf(`Bearer realm="mcp", resource_metadata="%s"`, metadataURL))
			writeOAuthError(w, errInvalidToken("missing bearer token"))
			return
		}

		ac, err := a.Tokens.Validate(token)
		if err != nil {
			a.Logger.Warn("bearer rejected", "error_code", "invalid_token", "path", r.URL.Path, "error", err)
			w.Header().Set("WWW-Authenticate", fmt.Sprintf(
				`Bearer realm="mcp", error="invalid_token", error_description="the access token is invalid or expired", resource_metadata="%s"`,
				metadataURL))
			writeOAuthError(w, errInvalidToken("the access token is invalid or expired"))
			return
		}

		noteSubject(r.Context(), ac.Subject)
		next.ServeHTTP(w, r.WithContext(WithAuthContext(r.Context(), ac)))
	})
}

// APIKeyGate checks the presented key against the configured user keys.
func (a *App) APIKeyGate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := extractAPIKey(r.Header.Get("Authorization"))
		user, ok := a.APIKeys.Lookup(key)
		if !ok {
			a.Logger.Warn("api key rejected", "error_code", "invalid_api_key", "path", r.URL.Path)
			w.Header().Set("WWW-Authenticate", `Bearer realm="mcp", error="invalid_token"`)
			writeOAuthError(w, errInvalidAPIKey("invalid or missing API key"))
			return
		}
		ac := AuthContext{Subject: user, Name: user, Method: AuthMethodAPIKey}
		noteSubject(r.Context(), ac.Subject)
		next.ServeHTTP(w, r.WithContext(WithAuthContext(r.Context(), ac)))
	})
}

// AnonymousGate marks requests as anonymous when authentication is disabled.
func AnonymousGate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ac := AuthContext{Subject: "anonymous", Method: AuthMethodLocal}
		noteSubject(r.Context(), ac.Subject)
		next.ServeHTTP(w, r.WithContext(WithAuthContext(r.Context(), ac)))
	})
}

// Gate returns the middleware protecting MCP endpoints for the configured mode.
func (a *App) Gate() func(http.Handler) http.Handler {
	switch a.Config.Auth.Mode {
	case AuthModeAPIKey:
		return a.APIKeyGate
	case AuthModeNone:
		return AnonymousGate
	default:
		return a.BearerGate
	}
}

func extractBearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// extractAPIKey accepts "Bearer <key>" or the bare key.
func extractAPIKey(header string) string {
	header = strings.TrimSpace(header)
	if token := extractBearerToken(header); token != "" {
		return token
	}
	if strings.Contains(header, " ") {
		return ""
	}
	return header
}
