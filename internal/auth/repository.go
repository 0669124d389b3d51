package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

type CleanupResult struct {
	DeletedRefreshTokens int64 `json:"deleted_refresh_tokens"`
	DeletedLoginAttempts int64 `json:"deleted_login_attempts"`
}

func (r *Repository) GetUserByUsername(ctx context.Context, username string) (User, error) {
	var user User
	var roles []byte
	err := r.db.QueryRowContext(ctx, `
		SELECT id, username, display_name, roles, password_hash, created_at, updated_at
		FROM users
		WHERE username = $1
	`, username).Scan(&user.ID, &user.Username, &user.DisplayName, &roles, &user.PasswordHash, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, ErrUserNotFound
		}
		return User{}, storeErr("query user by username", err)
	}
	user.Roles = splitRoles(roles)

	return user, nil
}

func (r *Repository) GetUserByID(ctx context.Context, id string) (User, error) {
	var user User
	var roles []byte
	err := r.db.QueryRowContext(ctx, `
		SELECT id, username, display_name, roles, password_hash, created_at, updated_at
		FROM users
		WHERE id = $1
	`, id).Scan(&user.ID, &user.Username, &user.DisplayName, &roles, &user.PasswordHash, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, ErrUserNotFound
		}
		return User{}, storeErr("query user by id", err)
	}
	user.Roles = splitRoles(roles)

	return user, nil
}

func (r *Repository) CreateUser(ctx context.Context, username, displayName, plainPassword string) (User, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return User{}, fmt.Errorf("generate uuid v7: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(plainPassword), bcrypt.DefaultCost)
	if err != nil {
		return User{}, fmt.Errorf("hash password: %w", err)
	}

	now := time.Now().UTC()
	user := User{
		ID:           id.String(),
		Username:     username,
		DisplayName:  displayName,
		PasswordHash: string(hash),
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO users (id, username, display_name, roles, password_hash, created_at, updated_at)
		VALUES ($1, $2, $3, '', $4, $5, $5)
	`, user.ID, user.Username, user.DisplayName, user.PasswordHash, now)
	if err != nil {
		return User{}, storeErr("insert user", err)
	}

	return user, nil
}

func (r *Repository) UpdatePassword(ctx context.Context, userID, plainPassword string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(plainPassword), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE users
		SET password_hash = $2, updated_at = $3
		WHERE id = $1
	`, userID, string(hash), time.Now().UTC())
	if err != nil {
		return storeErr("update password", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return storeErr("update password rows affected", err)
	}
	if affected == 0 {
		return ErrUserNotFound
	}

	return nil
}

// CreateRefreshToken persists a new refresh record bound to the given jti and
// returns the raw secret. Only the sha256 of the secret is stored.
func (r *Repository) CreateRefreshToken(ctx context.Context, jwtID, userID string, expiresAt time.Time) (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate refresh token id: %w", err)
	}

	raw, err := randomToken(48)
	if err != nil {
		return "", fmt.Errorf("generate refresh secret: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO auth_refresh_tokens (id, token_hash, jwt_id, user_id, created_at, expires_at, used, invalidated)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, FALSE)
	`, id.String(), hashToken(raw), jwtID, userID, time.Now().UTC(), expiresAt.UTC())
	if err != nil {
		return "", storeErr("insert refresh token", err)
	}

	return raw, nil
}

// FindRefreshToken looks the record up by the raw secret presented by the
// client. Absence is a normal outcome, reported as ErrRefreshTokenNotFound.
func (r *Repository) FindRefreshToken(ctx context.Context, rawToken string) (RefreshRecord, error) {
	var record RefreshRecord
	err := r.db.QueryRowContext(ctx, `
		SELECT id, token_hash, jwt_id, user_id, created_at, expires_at, used, invalidated
		FROM auth_refresh_tokens
		WHERE token_hash = $1
	`, hashToken(rawToken)).Scan(
		&record.ID, &record.TokenHash, &record.JWTID, &record.UserID,
		&record.CreatedAt, &record.ExpiresAt, &record.Used, &record.Invalidated,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return RefreshRecord{}, ErrRefreshTokenNotFound
		}
		return RefreshRecord{}, storeErr("query refresh token", err)
	}

	return record, nil
}

// ConsumeRefreshToken flips used from false to true for exactly one caller.
// The conditional update is the sole concurrency boundary of rotation: a
// concurrent attempt on the same record matches zero rows and is reported as
// ErrRefreshTokenAlreadyUsed.
func (r *Repository) ConsumeRefreshToken(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE auth_refresh_tokens
		SET used = TRUE, used_at = $2
		WHERE id = $1 AND used = FALSE AND invalidated = FALSE
	`, id, time.Now().UTC())
	if err != nil {
		return storeErr("consume refresh token", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return storeErr("consume refresh token rows affected", err)
	}
	if affected == 0 {
		return ErrRefreshTokenAlreadyUsed
	}

	return nil
}

// InvalidateUserRefreshTokens revokes every live record of the user. Called
// when a consumed or invalidated secret is replayed, which signals theft.
func (r *Repository) InvalidateUserRefreshTokens(ctx context.Context, userID string) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE auth_refresh_tokens
		SET invalidated = TRUE
		WHERE user_id = $1 AND used = FALSE AND invalidated = FALSE
	`, userID)
	if err != nil {
		return 0, storeErr("invalidate user refresh tokens", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, storeErr("invalidate user refresh tokens rows affected", err)
	}

	return affected, nil
}

// RevokeRefreshToken invalidates a single record by its raw secret (logout).
func (r *Repository) RevokeRefreshToken(ctx context.Context, rawToken string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE auth_refresh_tokens
		SET invalidated = TRUE
		WHERE token_hash = $1 AND invalidated = FALSE
	`, hashToken(rawToken))
	if err != nil {
		return storeErr("revoke refresh token", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return storeErr("revoke refresh token rows affected", err)
	}
	if affected == 0 {
		return ErrRefreshTokenNotFound
	}

	return nil
}

func (r *Repository) GetLoginAttempt(ctx context.Context, username string) (LoginAttempt, error) {
	var attempt LoginAttempt
	attempt.Username = username

	var lockedUntil sql.NullTime
	err := r.db.QueryRowContext(ctx, `
		SELECT failed_attempts, locked_until
		FROM auth_login_attempts
		WHERE username = $1
	`, username).Scan(&attempt.FailedAttempts, &lockedUntil)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return attempt, nil
		}
		return LoginAttempt{}, storeErr("query login attempt", err)
	}
	if lockedUntil.Valid {
		value := lockedUntil.Time.UTC()
		attempt.LockedUntil = &value
	}

	return attempt, nil
}

func (r *Repository) RegisterFailedAttempt(ctx context.Context, username string, maxAttempts int, lockDuration time.Duration, now time.Time) (*time.Time, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storeErr("begin login attempt tx", err)
	}
	defer tx.Rollback()

	var failed int
	var lockedUntil sql.NullTime
	err = tx.QueryRowContext(ctx, `
		SELECT failed_attempts, locked_until
		FROM auth_login_attempts
		WHERE username = $1
		FOR UPDATE
	`, username).Scan(&failed, &lockedUntil)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			failed = 0
			lockedUntil = sql.NullTime{}
		} else {
			return nil, storeErr("lock login attempt row", err)
		}
	}

	if lockedUntil.Valid && now.Before(lockedUntil.Time) {
		until := lockedUntil.Time.UTC()
		if err := tx.Commit(); err != nil {
			return nil, storeErr("commit existing lock tx", err)
		}
		return &until, nil
	}

	failed++
	var nextLock *time.Time
	var nextLockValue any = nil
	if failed >= maxAttempts {
		until := now.UTC().Add(lockDuration)
		nextLock = &until
		nextLockValue = until
		failed = 0
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO auth_login_attempts (username, failed_attempts, locked_until, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (username)
		DO UPDATE SET
			failed_attempts = EXCLUDED.failed_attempts,
			locked_until = EXCLUDED.locked_until,
			updated_at = EXCLUDED.updated_at
	`, username, failed, nextLockValue, now.UTC())
	if err != nil {
		return nil, storeErr("upsert failed login attempt", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, storeErr("commit login attempt tx", err)
	}

	return nextLock, nil
}

func (r *Repository) ResetLoginAttempt(ctx context.Context, username string) error {
	_, err := r.db.ExecContext(ctx, `
		DELETE FROM auth_login_attempts
		WHERE username = $1
	`, username)
	if err != nil {
		return storeErr("reset login attempts", err)
	}

	return nil
}

// CleanupStaleAuthData deletes refresh records that are expired, or consumed
// or invalidated longer ago than the retention window. Consumed records are
// kept for a while as forensic evidence of replay.
func (r *Repository) CleanupStaleAuthData(ctx context.Context, refreshRetention, loginAttemptRetention time.Duration, batchSize int) (CleanupResult, error) {
	if batchSize <= 0 {
		batchSize = 500
	}
	if refreshRetention <= 0 {
		refreshRetention = 14 * 24 * time.Hour
	}
	if loginAttemptRetention <= 0 {
		loginAttemptRetention = 30 * 24 * time.Hour
	}

	refreshCutoff := time.Now().UTC().Add(-refreshRetention)
	loginCutoff := time.Now().UTC().Add(-loginAttemptRetention)

	deletedRefreshTokens, err := r.deleteStaleRefreshTokens(ctx, refreshCutoff, batchSize)
	if err != nil {
		return CleanupResult{}, err
	}

	deletedLoginAttempts, err := r.deleteStaleLoginAttempts(ctx, loginCutoff, batchSize)
	if err != nil {
		return CleanupResult{}, err
	}

	return CleanupResult{
		DeletedRefreshTokens: deletedRefreshTokens,
		DeletedLoginAttempts: deletedLoginAttempts,
	}, nil
}

func (r *Repository) deleteStaleRefreshTokens(ctx context.Context, cutoff time.Time, batchSize int) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		WITH stale AS (
			SELECT id
			FROM auth_refresh_tokens
			WHERE expires_at < NOW()
			   OR (used = TRUE AND used_at < $1)
			   OR (invalidated = TRUE AND created_at < $1)
			ORDER BY created_at ASC
			LIMIT $2
		)
		DELETE FROM auth_refresh_tokens t
		USING stale
		WHERE t.id = stale.id
	`, cutoff, batchSize)
	if err != nil {
		return 0, storeErr("delete stale refresh tokens", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, storeErr("stale refresh tokens rows affected", err)
	}

	return affected, nil
}

func (r *Repository) deleteStaleLoginAttempts(ctx context.Context, cutoff time.Time, batchSize int) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		WITH stale AS (
			SELECT username
			FROM auth_login_attempts
			WHERE updated_at < $1
			  AND (locked_until IS NULL OR locked_until < NOW())
			ORDER BY updated_at ASC
			LIMIT $2
		)
		DELETE FROM auth_login_attempts t
		USING stale
		WHERE t.username = stale.username
	`, cutoff, batchSize)
	if err != nil {
		return 0, storeErr("delete stale login attempts", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, storeErr("stale login attempts rows affected", err)
	}

	return affected, nil
}

func hashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func randomToken(size int) (string, error) {
	b := make([]byte, size)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// Roles are stored as comma-separated text.
func splitRoles(raw []byte) []string {
	if len(raw) == 0 {
		return nil
	}
	var roles []string
	for _, role := range strings.Split(string(raw), ",") {
		role = strings.TrimSpace(role)
		if role != "" {
			roles = append(roles, role)
		}
	}
	return roles
}
