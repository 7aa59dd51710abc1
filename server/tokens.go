package server

import (
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// AccessTokenClaims captures the JWT claims we mint and validate.
type AccessTokenClaims struct {
	Email    string `json:"email,omitempty"`
	Name     string `json:"name,omitempty"`
	Picture  string `json:"picture,omitempty"`
	Scope    string `json:"scope,omitempty"`
	ClientID string `json:"client_id,omitempty"`
	jwt.RegisteredClaims
}

// Signer produces and verifies token signatures.
type Signer interface {
	Method() jwt.SigningMethod
	Sign(claims jwt.Claims) (string, error)
	Keyfunc(token *jwt.Token) (any, error)
}

type hmacSigner struct {
	secret []byte
}

// NewHMACSigner signs with HS256 using a shared secret.
func NewHMACSigner(secret string) Signer {
	return &hmacSigner{secret: []byte(secret)}
}

func (s *hmacSigner) Method() jwt.SigningMethod { return jwt.SigningMethodHS256 }

func (s *hmacSigner) Sign(claims jwt.Claims) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

func (s *hmacSigner) Keyfunc(*jwt.Token) (any, error) {
	return s.secret, nil
}

// TokenIssuer mints and validates bearer tokens. Validation touches no shared
// mutable state and is safe for concurrent use.
type TokenIssuer struct {
	issuer   string
	lifetime time.Duration
	signer   Signer
	now      func() time.Time
	logger   *slog.Logger
}

// NewTokenIssuer constructs a TokenIssuer.
func NewTokenIssuer(issuer string, lifetime time.Duration, signer Signer, logger *slog.Logger) *TokenIssuer {
	if lifetime <= 0 {
		lifetime = DefaultTokenLifetime
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TokenIssuer{
		issuer:   strings.TrimSuffix(issuer, "/"),
		lifetime: lifetime,
		signer:   signer,
		now:      time.Now,
		logger:   logger,
	}
}

// SetClock overrides the time source used for iat/exp and validation.
func (ts *TokenIssuer) SetClock(now func() time.Time) {
	ts.now = now
}

// Mint signs a bearer token for the identity.
func (ts *TokenIssuer) Mint(id Identity, scope, clientID string) (TokenResponse, error) {
	if id.Subject == "" {
		return TokenResponse{}, errors.New("subject required")
	}
	now := ts.now()
	claims := AccessTokenClaims{
		Email:    id.Email,
		Name:     id.Name,
		Picture:  id.Picture,
		Scope:    scope,
		ClientID: clientID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    ts.issuer,
			Subject:   id.Subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ts.lifetime)),
		},
	}
	signed, err := ts.signer.Sign(claims)
	if err != nil {
		return TokenResponse{}, fmt.Errorf("sign token: %w", err)
	}
	return TokenResponse{
		AccessToken: signed,
		TokenType:   "Bearer",
		ExpiresIn:   int64(ts.lifetime.Seconds()),
		Scope:       scope,
	}, nil
}

// Validate verifies signature, issuer and expiry, returning the caller's AuthContext.
func (ts *TokenIssuer) Validate(raw string) (AuthContext, error) {
	if raw == "" {
		return AuthContext{}, ErrInvalidToken
	}
	var claims AccessTokenClaims
	token, err := jwt.ParseWithClaims(raw, &claims, ts.signer.Keyfunc,
		jwt.WithValidMethods([]string{ts.signer.Method().Alg()}),
		jwt.WithIssuer(ts.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(ts.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return AuthContext{}, fmt.Errorf("%w: %v", ErrExpiredToken, err)
		}
		return AuthContext{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid || claims.Subject == "" {
		return AuthContext{}, ErrInvalidToken
	}

	ac := AuthContext{
		Subject: claims.Subject,
		Email:   claims.Email,
		Name:    claims.Name,
		Picture: claims.Picture,
		Method:  AuthMethodBearer,
	}
	if claims.IssuedAt != nil {
		ac.IssuedAt = claims.IssuedAt.Time
	}
	if claims.ExpiresAt != nil {
		ac.ExpiresAt = claims.ExpiresAt.Time
	}
	return ac, nil
}

// ComputeS256Challenge derives the PKCE S256 challenge for a verifier.
func ComputeS256Challenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func verifyPKCE(code IssuedAuthorizationCode, verifier string) error {
	if verifier == "" {
		return errors.New("code_verifier required")
	}
	if code.CodeChallengeMethod != "S256" {
		return errors.New("unsupported code_challenge_method")
	}
	if ComputeS256Challenge(verifier) != code.CodeChallenge {
		return errors.New("pkce verification failed")
	}
	return nil
}
