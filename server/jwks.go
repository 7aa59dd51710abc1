package server

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
)

type keyPair struct {
	PrivateKey *rsa.PrivateKey
	JWK        jose.JSONWebKey
	Kid        string
	CreatedAt  time.Time
}

// JWKSManager holds RS256 signing keys and exposes the public key set. The
// previous key is retained after rotation so outstanding tokens still verify.
type JWKSManager struct {
	mu          sync.RWMutex
	current     keyPair
	previous    []keyPair
	rotateEvery time.Duration
	storePath   string
	logger      *slog.Logger
}

// NewJWKSManager loads keys from storePath or generates a fresh one.
func NewJWKSManager(storePath string, rotateEvery time.Duration, logger *slog.Logger) (*JWKSManager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	manager := &JWKSManager{
		rotateEvery: rotateEvery,
		storePath:   storePath,
		logger:      logger,
	}

	if storePath != "" {
		if err := manager.loadFromDisk(); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load signing keys: %w", err)
		}
	}

	if manager.current.PrivateKey == nil {
		if err := manager.rotate(); err != nil {
			return nil, err
		}
		logger.Info("generated signing key", "kid", manager.current.Kid)
	}

	return manager, nil
}

// Run rotates keys on the configured interval until ctx is done.
func (m *JWKSManager) Run(ctx context.Context) {
	if m.rotateEvery <= 0 {
		return
	}
	ticker := time.NewTicker(m.rotateEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := m.rotate(); err != nil {
				m.logger.Error("jwks rotate", "error", err)
				continue
			}
			m.logger.Info("rotated signing key", "kid", m.CurrentKID())
		case <-ctx.Done():
			return
		}
	}
}

func (m *JWKSManager) Method() jwt.SigningMethod { return jwt.SigningMethodRS256 }

// Sign signs claims with the current key and stamps its kid.
func (m *JWKSManager) Sign(claims jwt.Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	m.mu.RLock()
	defer m.mu.RUnlock()
	token.Header["kid"] = m.current.Kid
	return token.SignedString(m.current.PrivateKey)
}

// Keyfunc resolves the verification key by kid.
func (m *JWKSManager) Keyfunc(token *jwt.Token) (any, error) {
	kid, _ := token.Header["kid"].(string)
	m.mu.RLock()
	defer m.mu.RUnlock()
	if kid == "" || kid == m.current.Kid {
		return &m.current.PrivateKey.PublicKey, nil
	}
	for _, prev := range m.previous {
		if prev.Kid == kid {
			return &prev.PrivateKey.PublicKey, nil
		}
	}
	return nil, fmt.Errorf("unknown kid %q", kid)
}

// CurrentKID returns the kid of the active signing key.
func (m *JWKSManager) CurrentKID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current.Kid
}

// PublicJWKS exposes public keys for the JWKS endpoint.
func (m *JWKSManager) PublicJWKS() jose.JSONWebKeySet {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := []jose.JSONWebKey{m.current.JWK.Public()}
	for _, prev := range m.previous {
		keys = append(keys, prev.JWK.Public())
	}
	return jose.JSONWebKeySet{Keys: keys}
}

func (m *JWKSManager) rotate() error {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return err
	}
	kid := randomKID()
	jwk := jose.JSONWebKey{Key: key, KeyID: kid, Algorithm: string(jose.RS256), Use: "sig"}

	m.mu.Lock()
	if m.current.PrivateKey != nil {
		m.previous = append([]keyPair{m.current}, m.previous...)
		if len(m.previous) > 1 {
			m.previous = m.previous[:1]
		}
	}
	m.current = keyPair{PrivateKey: key, JWK: jwk, Kid: kid, CreatedAt: time.Now()}
	m.mu.Unlock()

	if m.storePath != "" {
		return m.persist()
	}
	return nil
}

// persist writes the private key set through a temp file so a crash never
// leaves a truncated key file behind.
func (m *JWKSManager) persist() error {
	m.mu.RLock()
	set := jose.JSONWebKeySet{Keys: []jose.JSONWebKey{m.current.JWK}}
	for _, prev := range m.previous {
		set.Keys = append(set.Keys, prev.JWK)
	}
	m.mu.RUnlock()

	payload, err := json.MarshalIndent(set, "", "  ")
	if err != nil {
		return fmt.Errorf("encode signing keys: %w", err)
	}
	dir := filepath.Dir(m.storePath)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create key directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".signing-key-*")
	if err != nil {
		return fmt.Errorf("create key file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		return fmt.Errorf("write key file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write key file: %w", err)
	}
	return os.Rename(tmp.Name(), m.storePath)
}

func (m *JWKSManager) loadFromDisk() error {
	payload, err := os.ReadFile(m.storePath)
	if err != nil {
		return err
	}
	var set jose.JSONWebKeySet
	if err := json.Unmarshal(payload, &set); err != nil {
		return fmt.Errorf("decode %s: %w", m.storePath, err)
	}
	loaded := make([]keyPair, 0, len(set.Keys))
	for _, jwk := range set.Keys {
		priv, ok := jwk.Key.(*rsa.PrivateKey)
		if !ok {
			m.logger.Warn("skipping non-RSA key in key file", "kid", jwk.KeyID)
			continue
		}
		loaded = append(loaded, keyPair{PrivateKey: priv, JWK: jwk, Kid: jwk.KeyID, CreatedAt: time.Now()})
	}
	if len(loaded) == 0 {
		return fmt.Errorf("%s holds no RSA private keys", m.storePath)
	}
	m.current, m.previous = loaded[0], loaded[1:]
	m.logger.Info("loaded signing keys", "kid", m.current.Kid, "retired", len(m.previous))
	return nil
}

func randomKID() string {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		return "kid"
	}
	return hex.EncodeToString(buf)
}
