package store

import (
	"context"
	"fmt"
	"time"
)

// --- Users ---

// CreateUser persists a new user.
func (s *Store) CreateUser(ctx context.Context, user *User) error {
	return translate(s.db.WithContext(ctx).Create(user).Error, "failed to create user")
}

// GetUser loads a user with roles preloaded.
func (s *Store) GetUser(ctx context.Context, id string) (*User, error) {
	var user User
	err := s.db.WithContext(ctx).Preload("Roles").First(&user, "id = ?", id).Error
	if err != nil {
		return nil, translate(err, fmt.Sprintf("user %s", id))
	}
	return &user, nil
}

// GetUserByEmail looks a user up case-insensitively.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	var user User
	err := s.db.WithContext(ctx).
		Preload("Roles").
		Where("LOWER(email) = LOWER(?)", email).
		First(&user).Error
	if err != nil {
		return nil, translate(err, fmt.Sprintf("user %q", email))
	}
	return &user, nil
}

// UpdateUser saves modified user fields.
func (s *Store) UpdateUser(ctx context.Context, user *User) error {
	return translate(s.db.WithContext(ctx).Save(user).Error, fmt.Sprintf("user %s", user.ID))
}

// --- Sessions ---

// CreateSession persists a new access token.
func (s *Store) CreateSession(ctx context.Context, token *AccessToken) error {
	return translate(s.db.WithContext(ctx).Create(token).Error, "failed to create session")
}

// GetSession loads a session with its user and roles preloaded.
func (s *Store) GetSession(ctx context.Context, token string) (*AccessToken, error) {
	var session AccessToken
	err := s.db.WithContext(ctx).
		Preload("User").
		Preload("User.Roles").
		First(&session, "token = ?", token).Error
	if err != nil {
		return nil, translate(err, "session")
	}
	return &session, nil
}

// TouchSession updates last_accessed and, when expiresAt is non-nil, slides
// the expiry forward.
func (s *Store) TouchSession(ctx context.Context, token string, lastAccessed time.Time, expiresAt *time.Time) error {
	updates := map[string]interface{}{"last_accessed": lastAccessed}
	if expiresAt != nil {
		updates["expires_at"] = *expiresAt
	}
	return translate(
		s.db.WithContext(ctx).Model(&AccessToken{}).Where("token = ?", token).Updates(updates).Error,
		"session")
}

// DeleteSession removes a single session. Deleting an unknown token is not
// an error.
func (s *Store) DeleteSession(ctx context.Context, token string) error {
	return translate(s.db.WithContext(ctx).Delete(&AccessToken{}, "token = ?", token).Error, "session")
}

// DeleteExpiredSessions removes at most batchSize sessions whose expiry has
// passed and returns how many were deleted. Batching keeps write locks
// short; the sweeper calls this repeatedly until it returns 0.
func (s *Store) DeleteExpiredSessions(ctx context.Context, now time.Time, batchSize int) (int64, error) {
	res := s.db.WithContext(ctx).Exec(`
		DELETE FROM access_tokens
		WHERE token IN (
			SELECT token FROM access_tokens WHERE expires_at <= ? LIMIT ?
		)`, now, batchSize)
	if res.Error != nil {
		return 0, translate(res.Error, "failed to delete expired sessions")
	}
	return res.RowsAffected, nil
}

// DeleteSessionsCreatedBefore removes sessions older than the retention
// cutoff regardless of their expiry.
func (s *Store) DeleteSessionsCreatedBefore(ctx context.Context, cutoff time.Time, batchSize int) (int64, error) {
	res := s.db.WithContext(ctx).Exec(`
		DELETE FROM access_tokens
		WHERE token IN (
			SELECT token FROM access_tokens WHERE created_at < ? LIMIT ?
		)`, cutoff, batchSize)
	if res.Error != nil {
		return 0, translate(res.Error, "failed to delete retained sessions")
	}
	return res.RowsAffected, nil
}

// CountSessionsForUser returns the number of live sessions of one user.
func (s *Store) CountSessionsForUser(ctx context.Context, userID string) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&AccessToken{}).Where("user_id = ?", userID).Count(&count).Error
	if err != nil {
		return 0, translate(err, fmt.Sprintf("sessions of user %s", userID))
	}
	return count, nil
}

// DeleteOldestSessionForUser evicts the user's oldest session and returns
// its token so the identity cache can drop it too.
func (s *Store) DeleteOldestSessionForUser(ctx context.Context, userID string) (string, error) {
	var session AccessToken
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at").
		First(&session).Error
	if err != nil {
		return "", translate(err, fmt.Sprintf("sessions of user %s", userID))
	}
	if err := s.DeleteSession(ctx, session.Token); err != nil {
		return "", err
	}
	return session.Token, nil
}
