package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/clarinet-dicom/clarinet/common"
	"github.com/clarinet-dicom/clarinet/config"
	"github.com/clarinet-dicom/clarinet/store"
)

// fakeSessionStore keeps sessions in memory and counts lookups so tests can
// assert the cache short-circuits the database.
type fakeSessionStore struct {
	users    map[string]*store.User
	sessions map[string]*store.AccessToken
	getCalls int
}

func newFakeSessionStore() *fakeSessionStore {
	return &fakeSessionStore{
		users:    map[string]*store.User{},
		sessions: map[string]*store.AccessToken{},
	}
}

func (f *fakeSessionStore) addUser(email, password string, active bool) *store.User {
	hash, _ := HashPassword(password)
	u := &store.User{ID: "user-" + email, Email: email, HashedPassword: hash, IsActive: active}
	f.users[email] = u
	return u
}

func (f *fakeSessionStore) GetUserByEmail(_ context.Context, email string) (*store.User, error) {
	if u, ok := f.users[email]; ok {
		return u, nil
	}
	return nil, common.ErrNotFound
}

func (f *fakeSessionStore) CreateSession(_ context.Context, token *store.AccessToken) error {
	f.sessions[token.Token] = token
	return nil
}

func (f *fakeSessionStore) GetSession(_ context.Context, token string) (*store.AccessToken, error) {
	f.getCalls++
	if s, ok := f.sessions[token]; ok {
		return s, nil
	}
	return nil, common.ErrNotFound
}

func (f *fakeSessionStore) TouchSession(_ context.Context, token string, lastAccessed time.Time, expiresAt *time.Time) error {
	s, ok := f.sessions[token]
	if !ok {
		return common.ErrNotFound
	}
	s.LastAccessed = lastAccessed
	if expiresAt != nil {
		s.ExpiresAt = *expiresAt
	}
	return nil
}

func (f *fakeSessionStore) DeleteSession(_ context.Context, token string) error {
	delete(f.sessions, token)
	return nil
}

func (f *fakeSessionStore) DeleteExpiredSessions(_ context.Context, now time.Time, batchSize int) (int64, error) {
	var n int64
	for tok, s := range f.sessions {
		if int(n) >= batchSize {
			break
		}
		if s.Expired(now) {
			delete(f.sessions, tok)
			n++
		}
	}
	return n, nil
}

func (f *fakeSessionStore) DeleteSessionsCreatedBefore(_ context.Context, cutoff time.Time, batchSize int) (int64, error) {
	var n int64
	for tok, s := range f.sessions {
		if int(n) >= batchSize {
			break
		}
		if s.CreatedAt.Before(cutoff) {
			delete(f.sessions, tok)
			n++
		}
	}
	return n, nil
}

func (f *fakeSessionStore) CountSessionsForUser(_ context.Context, userID string) (int64, error) {
	var n int64
	for _, s := range f.sessions {
		if s.UserID == userID {
			n++
		}
	}
	return n, nil
}

func (f *fakeSessionStore) DeleteOldestSessionForUser(_ context.Context, userID string) (string, error) {
	var oldest *store.AccessToken
	for _, s := range f.sessions {
		if s.UserID != userID {
			continue
		}
		if oldest == nil || s.CreatedAt.Before(oldest.CreatedAt) {
			oldest = s
		}
	}
	if oldest == nil {
		return "", common.ErrNotFound
	}
	delete(f.sessions, oldest.Token)
	return oldest.Token, nil
}

func testSessionConfig() config.SessionConfig {
	return config.SessionConfig{
		CookieName:      "clarinet_session",
		ExpireHours:     1,
		CacheTTLSeconds: 60,
		CacheMaxEntries: 16,
	}
}

func TestLoginAndValidate(t *testing.T) {
	fake := newFakeSessionStore()
	user := fake.addUser("alice@example.org", "secret", true)
	svc := NewService(fake, testSessionConfig())
	ctx := context.Background()

	session, got, err := svc.Login(ctx, "alice@example.org", "secret", "10.0.0.1", "test")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if got.ID != user.ID {
		t.Fatalf("login user = %s, want %s", got.ID, user.ID)
	}
	if len(session.Token) < 20 {
		t.Fatalf("token too short: %q", session.Token)
	}

	fake.sessions[session.Token].User = user
	resolved, err := svc.Validate(ctx, session.Token, "10.0.0.1")
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if resolved.ID != user.ID {
		t.Fatalf("validate user = %s, want %s", resolved.ID, user.ID)
	}
}

func TestLoginBadCredentials(t *testing.T) {
	fake := newFakeSessionStore()
	fake.addUser("alice@example.org", "secret", true)
	svc := NewService(fake, testSessionConfig())
	ctx := context.Background()

	if _, _, err := svc.Login(ctx, "alice@example.org", "wrong", "", ""); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("err = %v, want ErrInvalidCredentials", err)
	}
	if _, _, err := svc.Login(ctx, "nobody@example.org", "secret", "", ""); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("err = %v, want ErrInvalidCredentials", err)
	}
}

func TestLoginInactiveUser(t *testing.T) {
	fake := newFakeSessionStore()
	fake.addUser("bob@example.org", "secret", false)
	svc := NewService(fake, testSessionConfig())

	_, _, err := svc.Login(context.Background(), "bob@example.org", "secret", "", "")
	if !errors.Is(err, ErrUserInactive) {
		t.Fatalf("err = %v, want ErrUserInactive", err)
	}
}

func TestValidateCacheHitSkipsStore(t *testing.T) {
	fake := newFakeSessionStore()
	user := fake.addUser("alice@example.org", "secret", true)
	svc := NewService(fake, testSessionConfig())
	ctx := context.Background()

	session, _, err := svc.Login(ctx, "alice@example.org", "secret", "", "")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	fake.sessions[session.Token].User = user

	if _, err := svc.Validate(ctx, session.Token, ""); err != nil {
		t.Fatalf("first validate: %v", err)
	}
	calls := fake.getCalls
	if _, err := svc.Validate(ctx, session.Token, ""); err != nil {
		t.Fatalf("second validate: %v", err)
	}
	if fake.getCalls != calls {
		t.Fatalf("cache hit still queried the store, calls %d -> %d", calls, fake.getCalls)
	}
}

func TestValidateExpiredSession(t *testing.T) {
	fake := newFakeSessionStore()
	user := fake.addUser("alice@example.org", "secret", true)
	svc := NewService(fake, testSessionConfig())
	ctx := context.Background()

	now := time.Now()
	fake.sessions["stale"] = &store.AccessToken{
		Token:        "stale",
		UserID:       user.ID,
		User:         user,
		CreatedAt:    now.Add(-2 * time.Hour),
		LastAccessed: now.Add(-2 * time.Hour),
		ExpiresAt:    now.Add(-time.Hour),
	}

	if _, err := svc.Validate(ctx, "stale", ""); !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("err = %v, want ErrSessionExpired", err)
	}
	if _, ok := fake.sessions["stale"]; ok {
		t.Fatal("expired session not deleted")
	}
}

func TestValidateIdleTimeout(t *testing.T) {
	fake := newFakeSessionStore()
	user := fake.addUser("alice@example.org", "secret", true)
	cfg := testSessionConfig()
	cfg.IdleTimeoutMinutes = 30
	svc := NewService(fake, cfg)

	now := time.Now()
	fake.sessions["idle"] = &store.AccessToken{
		Token:        "idle",
		UserID:       user.ID,
		User:         user,
		CreatedAt:    now.Add(-50 * time.Minute),
		LastAccessed: now.Add(-45 * time.Minute),
		ExpiresAt:    now.Add(time.Hour),
	}

	if _, err := svc.Validate(context.Background(), "idle", ""); !errors.Is(err, ErrSessionIdle) {
		t.Fatalf("err = %v, want ErrSessionIdle", err)
	}
}

func TestValidateIPBinding(t *testing.T) {
	fake := newFakeSessionStore()
	user := fake.addUser("alice@example.org", "secret", true)
	cfg := testSessionConfig()
	cfg.IPCheck = true
	svc := NewService(fake, cfg)
	ctx := context.Background()

	session, _, err := svc.Login(ctx, "alice@example.org", "secret", "10.0.0.1", "")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	fake.sessions[session.Token].User = user

	if _, err := svc.Validate(ctx, session.Token, "10.0.0.2"); !errors.Is(err, ErrSessionIPMismatch) {
		t.Fatalf("err = %v, want ErrSessionIPMismatch", err)
	}
	if _, err := svc.Validate(ctx, session.Token, "10.0.0.1"); err != nil {
		t.Fatalf("matching ip rejected: %v", err)
	}
}

func TestValidateSlidingRefresh(t *testing.T) {
	fake := newFakeSessionStore()
	user := fake.addUser("alice@example.org", "secret", true)
	cfg := testSessionConfig()
	cfg.SlidingRefresh = true
	svc := NewService(fake, cfg)

	// Past the halfway point of a 1h lifetime.
	now := time.Now()
	createdAt := now.Add(-40 * time.Minute)
	fake.sessions["slide"] = &store.AccessToken{
		Token:        "slide",
		UserID:       user.ID,
		User:         user,
		CreatedAt:    createdAt,
		LastAccessed: createdAt,
		ExpiresAt:    createdAt.Add(time.Hour),
	}

	if _, err := svc.Validate(context.Background(), "slide", ""); err != nil {
		t.Fatalf("validate: %v", err)
	}

	got := fake.sessions["slide"].ExpiresAt
	want := now.Add(time.Hour)
	if got.Before(want.Add(-time.Minute)) || got.After(want.Add(time.Minute)) {
		t.Fatalf("expires_at = %v, want about %v", got, want)
	}
}

func TestConcurrentSessionLimit(t *testing.T) {
	fake := newFakeSessionStore()
	user := fake.addUser("alice@example.org", "secret", true)
	cfg := testSessionConfig()
	cfg.ConcurrentLimit = 2
	svc := NewService(fake, cfg)
	ctx := context.Background()

	first, _, err := svc.Login(ctx, "alice@example.org", "secret", "", "")
	if err != nil {
		t.Fatalf("login 1: %v", err)
	}
	// Make ordering deterministic.
	fake.sessions[first.Token].CreatedAt = time.Now().Add(-time.Minute)

	if _, _, err := svc.Login(ctx, "alice@example.org", "secret", "", ""); err != nil {
		t.Fatalf("login 2: %v", err)
	}
	if _, _, err := svc.Login(ctx, "alice@example.org", "secret", "", ""); err != nil {
		t.Fatalf("login 3: %v", err)
	}

	if _, ok := fake.sessions[first.Token]; ok {
		t.Fatal("oldest session survived past the concurrent limit")
	}
	count, _ := fake.CountSessionsForUser(ctx, user.ID)
	if count != 2 {
		t.Fatalf("session count = %d, want 2", count)
	}
}

func TestLogoutInvalidatesCache(t *testing.T) {
	fake := newFakeSessionStore()
	user := fake.addUser("alice@example.org", "secret", true)
	svc := NewService(fake, testSessionConfig())
	ctx := context.Background()

	session, _, err := svc.Login(ctx, "alice@example.org", "secret", "", "")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	fake.sessions[session.Token].User = user
	if _, err := svc.Validate(ctx, session.Token, ""); err != nil {
		t.Fatalf("validate: %v", err)
	}

	if err := svc.Logout(ctx, session.Token); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if _, err := svc.Validate(ctx, session.Token, ""); !errors.Is(err, ErrNoSession) {
		t.Fatalf("err = %v, want ErrNoSession", err)
	}
}

func TestCleanupPass(t *testing.T) {
	fake := newFakeSessionStore()
	user := fake.addUser("alice@example.org", "secret", true)
	cfg := testSessionConfig()
	cfg.RetentionDays = 7
	svc := NewService(fake, cfg)

	now := time.Now()
	fake.sessions["expired"] = &store.AccessToken{
		Token: "expired", UserID: user.ID,
		CreatedAt: now.Add(-2 * time.Hour), ExpiresAt: now.Add(-time.Hour),
	}
	fake.sessions["ancient"] = &store.AccessToken{
		Token: "ancient", UserID: user.ID,
		CreatedAt: now.AddDate(0, 0, -30), ExpiresAt: now.Add(time.Hour),
	}
	fake.sessions["live"] = &store.AccessToken{
		Token: "live", UserID: user.ID,
		CreatedAt: now, ExpiresAt: now.Add(time.Hour),
	}

	if err := svc.CleanupPass(context.Background()); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if _, ok := fake.sessions["expired"]; ok {
		t.Fatal("expired session survived cleanup")
	}
	if _, ok := fake.sessions["ancient"]; ok {
		t.Fatal("session past retention survived cleanup")
	}
	if _, ok := fake.sessions["live"]; !ok {
		t.Fatal("live session deleted by cleanup")
	}
}
