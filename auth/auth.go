// Package auth implements Clarinet's session authentication: opaque cookie
// tokens backed by the entity store, fronted by a bounded in-memory identity
// cache so the hot validation path avoids the database.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/clarinet-dicom/clarinet/common"
	"github.com/clarinet-dicom/clarinet/config"
	"github.com/clarinet-dicom/clarinet/store"
)

// SessionStore is the slice of the entity store the authenticator needs.
// *store.Store satisfies it.
type SessionStore interface {
	GetUserByEmail(ctx context.Context, email string) (*store.User, error)
	CreateSession(ctx context.Context, token *store.AccessToken) error
	GetSession(ctx context.Context, token string) (*store.AccessToken, error)
	TouchSession(ctx context.Context, token string, lastAccessed time.Time, expiresAt *time.Time) error
	DeleteSession(ctx context.Context, token string) error
	DeleteExpiredSessions(ctx context.Context, now time.Time, batchSize int) (int64, error)
	DeleteSessionsCreatedBefore(ctx context.Context, cutoff time.Time, batchSize int) (int64, error)
	CountSessionsForUser(ctx context.Context, userID string) (int64, error)
	DeleteOldestSessionForUser(ctx context.Context, userID string) (string, error)
}

// Service issues and validates sessions.
type Service struct {
	store SessionStore
	cfg   config.SessionConfig

	mu    sync.Mutex
	cache *identityCache
}

// NewService creates the authenticator. A cache TTL of 0 disables the
// identity cache entirely; every request then hits the database.
func NewService(sessionStore SessionStore, cfg config.SessionConfig) *Service {
	s := &Service{store: sessionStore, cfg: cfg}
	if cfg.CacheTTLSeconds > 0 {
		s.cache = newIdentityCache(
			time.Duration(cfg.CacheTTLSeconds)*time.Second,
			cfg.CacheMaxEntries,
		)
	}
	return s
}

// lifetime is the configured session duration.
func (s *Service) lifetime() time.Duration {
	return time.Duration(s.cfg.ExpireHours) * time.Hour
}

// newToken generates a fresh opaque 128-bit token, base64url encoded.
func newToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate session token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// Login verifies the credentials and creates a new session. When the
// concurrent session limit is configured and reached, the user's oldest
// session is evicted first.
func (s *Service) Login(ctx context.Context, email, password, ipAddress, userAgent string) (*store.AccessToken, *store.User, error) {
	user, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		// Equalize timing between unknown users and wrong passwords.
		_ = VerifyPassword(password, "$2a$10$0000000000000000000000uGZvFDvbwV3aJ0V1HSuHZfmRjJNWBGi")
		return nil, nil, ErrInvalidCredentials
	}
	if err := VerifyPassword(password, user.HashedPassword); err != nil {
		return nil, nil, ErrInvalidCredentials
	}
	if !user.IsActive {
		return nil, nil, ErrUserInactive
	}

	if s.cfg.ConcurrentLimit > 0 {
		count, err := s.store.CountSessionsForUser(ctx, user.ID)
		if err != nil {
			return nil, nil, err
		}
		if count >= int64(s.cfg.ConcurrentLimit) {
			evicted, err := s.store.DeleteOldestSessionForUser(ctx, user.ID)
			if err != nil {
				return nil, nil, err
			}
			s.dropCached(evicted)
		}
	}

	token, err := newToken()
	if err != nil {
		return nil, nil, err
	}

	now := time.Now()
	session := &store.AccessToken{
		Token:        token,
		UserID:       user.ID,
		CreatedAt:    now,
		LastAccessed: now,
		ExpiresAt:    now.Add(s.lifetime()),
	}
	if ipAddress != "" {
		session.IPAddress = &ipAddress
	}
	if userAgent != "" {
		session.UserAgent = &userAgent
	}

	if err := s.store.CreateSession(ctx, session); err != nil {
		return nil, nil, err
	}

	common.Logger.WithFields(logrus.Fields{"user": user.Email}).Info("login")
	return session, user, nil
}

// Logout destroys the session and its cache entry. Unknown tokens are
// ignored.
func (s *Service) Logout(ctx context.Context, token string) error {
	s.dropCached(token)
	return s.store.DeleteSession(ctx, token)
}

// Validate resolves a session token to its user. The identity cache is
// consulted first; on a hit no database access occurs. On a miss the
// session is loaded, policy-checked, touched and cached.
func (s *Service) Validate(ctx context.Context, token, requestIP string) (*store.User, error) {
	if token == "" {
		return nil, ErrNoSession
	}
	now := time.Now()

	if id, ok := s.cached(token, now); ok {
		if !id.expiresAt.After(now) {
			s.dropCached(token)
			return nil, ErrSessionExpired
		}
		if s.cfg.IPCheck && id.ipAddress != "" && requestIP != "" && id.ipAddress != requestIP {
			return nil, ErrSessionIPMismatch
		}
		return id.user, nil
	}

	session, err := s.store.GetSession(ctx, token)
	if err != nil {
		return nil, ErrNoSession
	}

	if session.Expired(now) {
		s.dropCached(token)
		_ = s.store.DeleteSession(ctx, token)
		return nil, ErrSessionExpired
	}

	if s.cfg.IdleTimeoutMinutes > 0 {
		idle := time.Duration(s.cfg.IdleTimeoutMinutes) * time.Minute
		if now.Sub(session.LastAccessed) > idle {
			s.dropCached(token)
			_ = s.store.DeleteSession(ctx, token)
			return nil, ErrSessionIdle
		}
	}

	boundIP := ""
	if session.IPAddress != nil {
		boundIP = *session.IPAddress
	}
	if s.cfg.IPCheck && boundIP != "" && requestIP != "" && boundIP != requestIP {
		return nil, ErrSessionIPMismatch
	}

	user := session.User
	if user == nil || !user.IsActive {
		s.dropCached(token)
		_ = s.store.DeleteSession(ctx, token)
		return nil, ErrUserInactive
	}

	expiresAt := session.ExpiresAt
	var slide *time.Time
	if s.cfg.SlidingRefresh {
		elapsed := now.Sub(session.CreatedAt)
		if elapsed > s.lifetime()/2 {
			extended := now.Add(s.lifetime())
			slide = &extended
			expiresAt = extended
		}
	}
	if err := s.store.TouchSession(ctx, token, now, slide); err != nil {
		common.Logger.WithError(err).Warn("failed to touch session")
	}

	s.putCached(token, identity{user: user, expiresAt: expiresAt, ipAddress: boundIP}, now)
	return user, nil
}

// CleanupPass deletes expired sessions in batches and sessions older than
// the retention window. It is the sweeper body for the session worker and
// operates independently of the identity cache, whose entries age out via
// their own TTL.
func (s *Service) CleanupPass(ctx context.Context) error {
	now := time.Now()
	batch := s.cfg.CleanupBatchSize
	if batch <= 0 {
		batch = 500
	}

	var total int64
	for {
		n, err := s.store.DeleteExpiredSessions(ctx, now, batch)
		if err != nil {
			return err
		}
		total += n
		if n < int64(batch) {
			break
		}
	}

	if s.cfg.RetentionDays > 0 {
		cutoff := now.AddDate(0, 0, -s.cfg.RetentionDays)
		for {
			n, err := s.store.DeleteSessionsCreatedBefore(ctx, cutoff, batch)
			if err != nil {
				return err
			}
			total += n
			if n < int64(batch) {
				break
			}
		}
	}

	if total > 0 {
		common.Logger.WithFields(logrus.Fields{"deleted": total}).Info("session cleanup pass")
	}
	return nil
}

func (s *Service) cached(token string, now time.Time) (identity, bool) {
	if s.cache == nil {
		return identity{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache.get(token, now)
}

func (s *Service) putCached(token string, id identity, now time.Time) {
	if s.cache == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.put(token, id, now)
}

func (s *Service) dropCached(token string) {
	if s.cache == nil || token == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.remove(token)
}
