package auth

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"database/sql/driver"
	"encoding/hex"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRepoWithMock(t *testing.T) (*Repository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewRepository(db), mock
}

func TestFindRefreshToken_LooksUpByHash(t *testing.T) {
	repo, mock := newRepoWithMock(t)

	raw := "raw-secret-value"
	sum := sha256.Sum256([]byte(raw))
	wantHash := hex.EncodeToString(sum[:])

	now := time.Now().UTC()
	rows := sqlmock.NewRows([]string{"id", "token_hash", "jwt_id", "user_id", "created_at", "expires_at", "used", "invalidated"}).
		AddRow("rec-1", wantHash, "jti-1", "user-1", now, now.Add(time.Hour), false, false)

	mock.ExpectQuery(`SELECT id, token_hash, jwt_id, user_id, created_at, expires_at, used, invalidated\s+FROM auth_refresh_tokens\s+WHERE token_hash = \$1`).
		WithArgs(wantHash).
		WillReturnRows(rows)

	record, err := repo.FindRefreshToken(context.Background(), raw)
	require.NoError(t, err)
	assert.Equal(t, "rec-1", record.ID)
	assert.Equal(t, "jti-1", record.JWTID)
	assert.Equal(t, "user-1", record.UserID)
	assert.False(t, record.Used)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFindRefreshToken_NotFound(t *testing.T) {
	repo, mock := newRepoWithMock(t)

	mock.ExpectQuery(`SELECT .* FROM auth_refresh_tokens`).
		WillReturnError(sql.ErrNoRows)

	_, err := repo.FindRefreshToken(context.Background(), "unknown")
	require.ErrorIs(t, err, ErrRefreshTokenNotFound)
}

func TestConsumeRefreshToken_ExactlyOnce(t *testing.T) {
	repo, mock := newRepoWithMock(t)

	q := `UPDATE auth_refresh_tokens\s+SET used = TRUE, used_at = \$2\s+WHERE id = \$1 AND used = FALSE AND invalidated = FALSE`

	mock.ExpectExec(q).
		WithArgs("rec-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.ConsumeRefreshToken(context.Background(), "rec-1"))

	// Second attempt matches zero rows: the record is observed as used.
	mock.ExpectExec(q).
		WithArgs("rec-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	err := repo.ConsumeRefreshToken(context.Background(), "rec-1")
	require.ErrorIs(t, err, ErrRefreshTokenAlreadyUsed)

	require.NoError(t, mock.ExpectationsWereMet())
}

// captureArg records the value sqlmock saw so it can be inspected afterwards.
type captureArg struct {
	value driver.Value
}

func (c *captureArg) Match(v driver.Value) bool {
	c.value = v
	return true
}

func TestCreateRefreshToken_StoresHashNotSecret(t *testing.T) {
	repo, mock := newRepoWithMock(t)

	storedHash := &captureArg{}
	mock.ExpectExec(`INSERT INTO auth_refresh_tokens`).
		WithArgs(sqlmock.AnyArg(), storedHash, "jti-1", "user-1", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	raw, err := repo.CreateRefreshToken(context.Background(), "jti-1", "user-1", time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Len(t, raw, 96) // 48 random bytes, hex encoded

	sum := sha256.Sum256([]byte(raw))
	assert.Equal(t, hex.EncodeToString(sum[:]), storedHash.value)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInvalidateUserRefreshTokens(t *testing.T) {
	repo, mock := newRepoWithMock(t)

	mock.ExpectExec(`UPDATE auth_refresh_tokens\s+SET invalidated = TRUE\s+WHERE user_id = \$1 AND used = FALSE AND invalidated = FALSE`).
		WithArgs("user-1").
		WillReturnResult(sqlmock.NewResult(0, 3))

	count, err := repo.InvalidateUserRefreshTokens(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetUserByUsername_NotFound(t *testing.T) {
	repo, mock := newRepoWithMock(t)

	mock.ExpectQuery(`SELECT .* FROM users\s+WHERE username = \$1`).
		WithArgs("nobody").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.GetUserByUsername(context.Background(), "nobody")
	require.ErrorIs(t, err, ErrUserNotFound)
}

func TestGetUserByUsername_StoreFailure(t *testing.T) {
	repo, mock := newRepoWithMock(t)

	mock.ExpectQuery(`SELECT .* FROM users`).
		WillReturnError(sql.ErrConnDone)

	_, err := repo.GetUserByUsername(context.Background(), "alice")
	var storeError *StoreError
	require.ErrorAs(t, err, &storeError)
}

func TestUpdatePassword_UnknownUser(t *testing.T) {
	repo, mock := newRepoWithMock(t)

	mock.ExpectExec(`UPDATE users\s+SET password_hash = \$2, updated_at = \$3\s+WHERE id = \$1`).
		WithArgs("ghost", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.UpdatePassword(context.Background(), "ghost", "new-password-value")
	require.ErrorIs(t, err, ErrUserNotFound)
}

func TestCleanupStaleAuthData(t *testing.T) {
	repo, mock := newRepoWithMock(t)

	mock.ExpectExec(`DELETE FROM auth_refresh_tokens t`).
		WithArgs(sqlmock.AnyArg(), 500).
		WillReturnResult(sqlmock.NewResult(0, 7))
	mock.ExpectExec(`DELETE FROM auth_login_attempts t`).
		WithArgs(sqlmock.AnyArg(), 500).
		WillReturnResult(sqlmock.NewResult(0, 2))

	result, err := repo.CleanupStaleAuthData(context.Background(), 14*24*time.Hour, 30*24*time.Hour, 500)
	require.NoError(t, err)
	assert.Equal(t, int64(7), result.DeletedRefreshTokens)
	assert.Equal(t, int64(2), result.DeletedLoginAttempts)

	require.NoError(t, mock.ExpectationsWereMet())
}
