// Package client holds helpers for services and MCP clients talking to the gateway.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/sync/singleflight"
)

const jwksCacheKey = "jwks"

// ErrKeyNotFound is returned when no published key matches the token's kid.
var ErrKeyNotFound = errors.New("signing key not found")

// ValidatorConfig configures the token validator. Gateways signing with RS256
// publish a JWKS; HS256 gateways share SharedSecret with trusted services.
type ValidatorConfig struct {
	Issuer       string
	JWKSURL      string
	SharedSecret string
	CacheTTL     time.Duration
	Leeway       time.Duration
	HTTPClient   *http.Client
}

// Validator verifies gateway bearer tokens for downstream services.
type Validator struct {
	cfg    ValidatorConfig
	client *http.Client
	keys   *ttlcache.Cache[string, jose.JSONWebKeySet]
	fetch  singleflight.Group
}

// Claims is the validated view of a gateway token.
type Claims struct {
	Subject   string
	Issuer    string
	Email     string
	Name      string
	Picture   string
	Scopes    []string
	ClientID  string
	ExpiresAt time.Time
	IssuedAt  time.Time
}

type tokenClaims struct {
	Email    string `json:"email"`
	Name     string `json:"name"`
	Picture  string `json:"picture"`
	Scope    string `json:"scope"`
	ClientID string `json:"client_id"`
	jwt.RegisteredClaims
}

// NewValidator creates a validator. The JWKS URL defaults to the issuer's
// well-known location.
func NewValidator(cfg ValidatorConfig) *Validator {
	client := cfg.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	if cfg.JWKSURL == "" && cfg.Issuer != "" {
		cfg.JWKSURL = strings.TrimSuffix(cfg.Issuer, "/") + "/.well-known/jwks.json"
	}
	return &Validator{
		cfg:    cfg,
		client: client,
		keys: ttlcache.New[string, jose.JSONWebKeySet](
			ttlcache.WithDisableTouchOnHit[string, jose.JSONWebKeySet](),
		),
	}
}

func (v *Validator) methods() []string {
	methods := []string{jwt.SigningMethodRS256.Alg()}
	if v.cfg.SharedSecret != "" {
		methods = append(methods, jwt.SigningMethodHS256.Alg())
	}
	return methods
}

// Validate checks signature, issuer and expiry and returns the token claims.
func (v *Validator) Validate(ctx context.Context, rawToken string) (*Claims, error) {
	if rawToken == "" {
		return nil, errors.New("token required")
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods(v.methods()),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.cfg.Leeway),
	}
	if v.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(strings.TrimSuffix(v.cfg.Issuer, "/")))
	}

	var claims tokenClaims
	tok, err := jwt.ParseWithClaims(rawToken, &claims, func(token *jwt.Token) (any, error) {
		if token.Method.Alg() == jwt.SigningMethodHS256.Alg() {
			return []byte(v.cfg.SharedSecret), nil
		}
		kid, _ := token.Header["kid"].(string)
		return v.publicKey(ctx, kid)
	}, opts...)
	if err != nil {
		return nil, err
	}
	if !tok.Valid || claims.Subject == "" {
		return nil, errors.New("token invalid")
	}

	out := &Claims{
		Subject:  claims.Subject,
		Issuer:   claims.Issuer,
		Email:    claims.Email,
		Name:     claims.Name,
		Picture:  claims.Picture,
		Scopes:   strings.Fields(claims.Scope),
		ClientID: claims.ClientID,
	}
	if claims.ExpiresAt != nil {
		out.ExpiresAt = claims.ExpiresAt.Time
	}
	if claims.IssuedAt != nil {
		out.IssuedAt = claims.IssuedAt.Time
	}
	return out, nil
}

// publicKey resolves kid from the cached key set, refetching once on a miss
// so keys published after a rotation are picked up.
func (v *Validator) publicKey(ctx context.Context, kid string) (any, error) {
	set, err := v.keySet(ctx, false)
	if err != nil {
		return nil, err
	}
	if key := findKey(set, kid); key != nil {
		return key.Key, nil
	}
	set, err = v.keySet(ctx, true)
	if err != nil {
		return nil, err
	}
	if key := findKey(set, kid); key != nil {
		return key.Key, nil
	}
	return nil, ErrKeyNotFound
}

func (v *Validator) keySet(ctx context.Context, refresh bool) (jose.JSONWebKeySet, error) {
	if !refresh {
		if item := v.keys.Get(jwksCacheKey); item != nil {
			return item.Value(), nil
		}
	}
	// Concurrent misses share one download.
	res, err, _ := v.fetch.Do(jwksCacheKey, func() (any, error) {
		return v.download(ctx)
	})
	if err != nil {
		return jose.JSONWebKeySet{}, err
	}
	return res.(jose.JSONWebKeySet), nil
}

func (v *Validator) download(ctx context.Context) (jose.JSONWebKeySet, error) {
	if v.cfg.JWKSURL == "" {
		return jose.JSONWebKeySet{}, errors.New("no JWKS URL configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.cfg.JWKSURL, nil)
	if err != nil {
		return jose.JSONWebKeySet{}, err
	}
	resp, err := v.client.Do(req)
	if err != nil {
		return jose.JSONWebKeySet{}, fmt.Errorf("fetch jwks: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return jose.JSONWebKeySet{}, fmt.Errorf("fetch jwks: %s", resp.Status)
	}

	var set jose.JSONWebKeySet
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return jose.JSONWebKeySet{}, fmt.Errorf("decode jwks: %w", err)
	}
	v.keys.Set(jwksCacheKey, set, maxCacheDuration(resp.Header.Get("Cache-Control"), v.cfg.CacheTTL))
	return set, nil
}

// HasScopes ensures the claims include the required scopes.
func (c *Claims) HasScopes(required ...string) error {
	have := make(map[string]struct{}, len(c.Scopes))
	for _, sc := range c.Scopes {
		have[sc] = struct{}{}
	}
	for _, need := range required {
		if _, ok := have[need]; !ok {
			return fmt.Errorf("missing scope %s", need)
		}
	}
	return nil
}

// RequireAuth validates bearer tokens and injects claims into the request
// context. Challenges point clients at the gateway's protected-resource metadata.
func RequireAuth(v *Validator, requiredScopes ...string) func(http.Handler) http.Handler {
	challenge := "Bearer"
	if v.cfg.Issuer != "" {
		challenge = fmt.Sprintf(`Bearer resource_metadata="%s/.well-known/oauth-protected-resource"`, strings.TrimSuffix(v.cfg.Issuer, "/"))
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			scheme, raw, ok := strings.Cut(r.Header.Get("Authorization"), " ")
			raw = strings.TrimSpace(raw)
			if !ok || !strings.EqualFold(scheme, "Bearer") || raw == "" {
				w.Header().Set("WWW-Authenticate", challenge)
				writeError(w, http.StatusUnauthorized, "invalid_request", "bearer token required")
				return
			}

			claims, err := v.Validate(r.Context(), raw)
			if err != nil {
				w.Header().Set("WWW-Authenticate", challenge+`, error="invalid_token"`)
				writeError(w, http.StatusUnauthorized, "invalid_token", "token is invalid or expired")
				return
			}
			if err := claims.HasScopes(requiredScopes...); err != nil {
				w.Header().Set("WWW-Authenticate", fmt.Sprintf(`%s, error="insufficient_scope", scope="%s"`, challenge, strings.Join(requiredScopes, " ")))
				writeError(w, http.StatusForbidden, "insufficient_scope", err.Error())
				return
			}

			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey{}, claims)))
		})
	}
}

// ClaimsFromContext retrieves claims attached by RequireAuth.
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(claimsKey{}).(*Claims)
	return claims, ok
}

type claimsKey struct{}

func writeError(w http.ResponseWriter, status int, code, desc string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": code, "error_description": desc})
}

func findKey(set jose.JSONWebKeySet, kid string) *jose.JSONWebKey {
	for _, k := range set.Keys {
		if kid == "" || k.KeyID == kid {
			key := k
			return &key
		}
	}
	return nil
}

func maxCacheDuration(header string, fallback time.Duration) time.Duration {
	if fallback <= 0 {
		fallback = 5 * time.Minute
	}
	for _, part := range strings.Split(header, ",") {
		k, val, ok := strings.Cut(strings.TrimSpace(part), "=")
		if ok && strings.EqualFold(k, "max-age") {
			if secs, err := time.ParseDuration(val + "s"); err == nil && secs > 0 {
				return secs
			}
		}
	}
	return fallback
}
