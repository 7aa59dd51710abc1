package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// FlowStore keeps in-flight authorizations and issued codes. Entries expire on
// access (against the injected clock) and by a background sweep.
type FlowStore struct {
	mu         sync.Mutex
	pending    *ttlcache.Cache[string, *PendingAuthorization]
	codes      *ttlcache.Cache[string, *IssuedAuthorizationCode]
	pendingTTL time.Duration
	codeTTL    time.Duration
	now        func() time.Time
	logger     *slog.Logger
}

// NewFlowStore constructs the store with the given lifetimes.
func NewFlowStore(pendingTTL, codeTTL time.Duration, logger *slog.Logger) *FlowStore {
	if pendingTTL <= 0 {
		pendingTTL = DefaultPendingTTL
	}
	if codeTTL <= 0 {
		codeTTL = DefaultCodeTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &FlowStore{
		pending: ttlcache.New[string, *PendingAuthorization](
			ttlcache.WithTTL[string, *PendingAuthorization](pendingTTL),
			ttlcache.WithDisableTouchOnHit[string, *PendingAuthorization](),
		),
		codes: ttlcache.New[string, *IssuedAuthorizationCode](
			ttlcache.WithTTL[string, *IssuedAuthorizationCode](codeTTL),
			ttlcache.WithDisableTouchOnHit[string, *IssuedAuthorizationCode](),
		),
		pendingTTL: pendingTTL,
		codeTTL:    codeTTL,
		now:        time.Now,
		logger:     logger,
	}
	s.pending.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, *PendingAuthorization]) {
		if reason == ttlcache.EvictionReasonExpired {
			s.logger.Debug("pending authorization expired", "client_id", item.Value().ClientID)
		}
	})
	return s
}

// SetClock overrides the time source.
func (s *FlowStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Run starts expiry goroutines and a periodic sweep until ctx is done.
func (s *FlowStore) Run(ctx context.Context, interval time.Duration) {
	go s.pending.Start()
	go s.codes.Start()
	defer s.pending.Stop()
	defer s.codes.Stop()

	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Sweep(); n > 0 {
				s.logger.Debug("flow store swept", "removed", n)
			}
		}
	}
}

// Sweep removes entries whose lifetime has passed according to the store clock.
func (s *FlowStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	removed := 0
	for key, item := range s.pending.Items() {
		if !now.Before(item.Value().ExpiresAt) {
			s.pending.Delete(key)
			removed++
		}
	}
	for key, item := range s.codes.Items() {
		if !now.Before(item.Value().ExpiresAt) {
			s.codes.Delete(key)
			removed++
		}
	}
	return removed
}

// SavePending stores a new pending authorization, stamping its lifetime.
func (s *FlowStore) SavePending(p PendingAuthorization) PendingAuthorization {
	s.mu.Lock()
	defer s.mu.Unlock()
	p.CreatedAt = s.now()
	p.ExpiresAt = p.CreatedAt.Add(s.pendingTTL)
	stored := p
	s.pending.Set(p.UpstreamState, &stored, s.pendingTTL)
	return p
}

// ConsumePending atomically fetches and removes the flow keyed by upstreamState.
func (s *FlowStore) ConsumePending(upstreamState string) (PendingAuthorization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item := s.pending.Get(upstreamState)
	if item == nil {
		return PendingAuthorization{}, ErrPendingNotFound
	}
	s.pending.Delete(upstreamState)
	p := *item.Value()
	if !s.now().Before(p.ExpiresAt) {
		return PendingAuthorization{}, ErrPendingExpired
	}
	return p, nil
}

// IssueCode mints and stores a fresh authorization code.
func (s *FlowStore) IssueCode(c IssuedAuthorizationCode) IssuedAuthorizationCode {
	s.mu.Lock()
	defer s.mu.Unlock()
	c.Code = NewID()
	c.CreatedAt = s.now()
	c.ExpiresAt = c.CreatedAt.Add(s.codeTTL)
	c.Used = false
	stored := c
	s.codes.Set(c.Code, &stored, s.codeTTL)
	return c
}

// RedeemCode validates and marks a code as used in one atomic step. check runs
// under the store lock; when it fails the code stays redeemable.
func (s *FlowStore) RedeemCode(code string, check func(IssuedAuthorizationCode) error) (IssuedAuthorizationCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item := s.codes.Get(code)
	if item == nil {
		return IssuedAuthorizationCode{}, ErrCodeNotFound
	}
	stored := item.Value()
	if !s.now().Before(stored.ExpiresAt) {
		s.codes.Delete(code)
		return IssuedAuthorizationCode{}, ErrCodeExpired
	}
	if stored.Used {
		return IssuedAuthorizationCode{}, ErrCodeRedeemed
	}
	if check != nil {
		if err := check(*stored); err != nil {
			return IssuedAuthorizationCode{}, fmt.Errorf("redeem code: %w", err)
		}
	}
	// Kept until expiry so replays report ErrCodeRedeemed.
	stored.Used = true
	return *stored, nil
}

// PendingCount reports the number of stored pending authorizations.
func (s *FlowStore) PendingCount() int {
	return s.pending.Len()
}

// CodeCount reports the number of stored authorization codes.
func (s *FlowStore) CodeCount() int {
	return s.codes.Len()
}

// NewID generates a random 128-bit hex identifier.
func NewID() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("crypto/rand: %v", err))
	}
	return hex.EncodeToString(buf)
}
