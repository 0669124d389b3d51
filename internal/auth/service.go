package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
)

const (
	defaultRefreshTTL  = 180 * 24 * time.Hour
	defaultMaxAttempts = 5
	defaultLockWindow  = 15 * time.Minute
)

// Store is the persistence contract the service needs: user lookup plus the
// refresh ledger. *Repository satisfies it; tests use an in-memory fake.
type Store interface {
	GetUserByUsername(ctx context.Context, username string) (User, error)
	GetUserByID(ctx context.Context, id string) (User, error)
	CreateUser(ctx context.Context, username, displayName, plainPassword string) (User, error)
	UpdatePassword(ctx context.Context, userID, plainPassword string) error

	CreateRefreshToken(ctx context.Context, jwtID, userID string, expiresAt time.Time) (string, error)
	FindRefreshToken(ctx context.Context, rawToken string) (RefreshRecord, error)
	ConsumeRefreshToken(ctx context.Context, id string) error
	InvalidateUserRefreshTokens(ctx context.Context, userID string) (int64, error)
	RevokeRefreshToken(ctx context.Context, rawToken string) error

	GetLoginAttempt(ctx context.Context, username string) (LoginAttempt, error)
	RegisterFailedAttempt(ctx context.Context, username string, maxAttempts int, lockDuration time.Duration, now time.Time) (*time.Time, error)
	ResetLoginAttempt(ctx context.Context, username string) error
}

type Service struct {
	store        Store
	issuer       *Issuer
	refreshTTL   time.Duration
	maxAttempts  int
	lockDuration time.Duration
}

func NewService(store Store, issuer *Issuer) *Service {
	return &Service{
		store:        store,
		issuer:       issuer,
		refreshTTL:   defaultRefreshTTL,
		maxAttempts:  defaultMaxAttempts,
		lockDuration: defaultLockWindow,
	}
}

func (s *Service) WithSecurityConfig(maxAttempts int, lockDuration, refreshTTL time.Duration) {
	if maxAttempts > 0 {
		s.maxAttempts = maxAttempts
	}
	if lockDuration > 0 {
		s.lockDuration = lockDuration
	}
	if refreshTTL > 0 {
		s.refreshTTL = refreshTTL
	}
}

func (s *Service) Login(ctx context.Context, username, password string) (TokenPair, error) {
	username = strings.TrimSpace(strings.ToLower(username))
	password = strings.TrimSpace(password)

	if username == "" || password == "" {
		return TokenPair{}, ErrInvalidCredentials
	}

	now := time.Now().UTC()
	attempt, err := s.store.GetLoginAttempt(ctx, username)
	if err != nil {
		return TokenPair{}, err
	}
	if attempt.LockedUntil != nil && now.Before(*attempt.LockedUntil) {
		return TokenPair{}, ErrLoginLocked{Until: *attempt.LockedUntil}
	}

	user, err := s.store.GetUserByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return TokenPair{}, s.failedLogin(ctx, username, now)
		}
		return TokenPair{}, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return TokenPair{}, s.failedLogin(ctx, username, now)
	}

	if err := s.store.ResetLoginAttempt(ctx, username); err != nil {
		return TokenPair{}, err
	}

	return s.issuePair(ctx, user)
}

// Refresh exchanges an expired access token and its refresh secret for a new
// pair. The gates run in a fixed order and each aborts with its own error;
// nothing is mutated before the consume step.
func (s *Service) Refresh(ctx context.Context, accessToken, refreshToken string) (TokenPair, error) {
	accessToken = strings.TrimSpace(accessToken)
	refreshToken = strings.TrimSpace(refreshToken)
	if accessToken == "" || refreshToken == "" {
		return TokenPair{}, ErrInvalidCredentials
	}

	// Gate 1: signature and structure, ignoring expiry. An expired access
	// token is the expected input here.
	claims, err := s.issuer.ParseExpired(accessToken)
	if err != nil {
		return TokenPair{}, err
	}

	// Gate 2: the token must in fact be expired. Rotating a still-valid
	// token would let a client mint ahead of schedule.
	now := time.Now().UTC()
	if now.Before(claims.ExpiresAt.Time) {
		return TokenPair{}, ErrTokenNotExpiredYet
	}

	// Gate 3: locate the refresh record by the presented secret.
	record, err := s.store.FindRefreshToken(ctx, refreshToken)
	if err != nil {
		return TokenPair{}, err
	}

	// Gate 4: policy checks on the record, in the same order the errors are
	// reported. Replay of a consumed or invalidated secret is treated as
	// theft: every other live record of the user is invalidated.
	if now.After(record.ExpiresAt) {
		return TokenPair{}, ErrRefreshTokenExpired
	}
	if record.Invalidated {
		return TokenPair{}, s.reuseDetected(ctx, record, ErrRefreshTokenInvalidated)
	}
	if record.Used {
		return TokenPair{}, s.reuseDetected(ctx, record, ErrRefreshTokenAlreadyUsed)
	}
	if record.JWTID != claims.ID {
		return TokenPair{}, ErrRefreshTokenMismatch
	}

	// Gate 5: consume. The conditional update in the store is what
	// serializes concurrent rotations on the same secret.
	if err := s.store.ConsumeRefreshToken(ctx, record.ID); err != nil {
		return TokenPair{}, err
	}

	user, err := s.store.GetUserByID(ctx, record.UserID)
	if err != nil {
		return TokenPair{}, err
	}

	pair, err := s.issuePair(ctx, user)
	if err != nil {
		// The old record is already consumed and cannot be un-consumed; the
		// caller has to log in again.
		return TokenPair{}, fmt.Errorf("reissue after consume: %w", err)
	}

	return pair, nil
}

func (s *Service) Register(ctx context.Context, username, displayName, password string) (User, error) {
	username = strings.TrimSpace(strings.ToLower(username))
	displayName = strings.TrimSpace(displayName)
	password = strings.TrimSpace(password)

	_, err := s.store.GetUserByUsername(ctx, username)
	if err == nil {
		return User{}, ErrAlreadyExists
	}
	if !errors.Is(err, ErrUserNotFound) {
		return User{}, err
	}

	return s.store.CreateUser(ctx, username, displayName, password)
}

func (s *Service) ResetPassword(ctx context.Context, username, newPassword string) error {
	username = strings.TrimSpace(strings.ToLower(username))
	newPassword = strings.TrimSpace(newPassword)

	user, err := s.store.GetUserByUsername(ctx, username)
	if err != nil {
		return err
	}

	return s.store.UpdatePassword(ctx, user.ID, newPassword)
}

func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return ErrRefreshTokenNotFound
	}

	return s.store.RevokeRefreshToken(ctx, refreshToken)
}

// issuePair mints an access token and persists exactly one refresh record
// bound to its jti.
func (s *Service) issuePair(ctx context.Context, user User) (TokenPair, error) {
	access, jti, err := s.issuer.Issue(user)
	if err != nil {
		return TokenPair{}, err
	}

	refresh, err := s.store.CreateRefreshToken(ctx, jti, user.ID, time.Now().UTC().Add(s.refreshTTL))
	if err != nil {
		return TokenPair{}, err
	}

	return TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "Bearer",
		ExpiresIn:    int64(s.issuer.AccessTTL().Seconds()),
	}, nil
}

func (s *Service) failedLogin(ctx context.Context, username string, now time.Time) error {
	lockedUntil, err := s.store.RegisterFailedAttempt(ctx, username, s.maxAttempts, s.lockDuration, now)
	if err != nil {
		return err
	}
	if lockedUntil != nil {
		return ErrLoginLocked{Until: *lockedUntil}
	}
	return ErrInvalidCredentials
}

// reuseDetected reacts to a replayed secret by revoking every live record of
// the owning user, then surfaces the original policy error. A failure to
// revoke is returned instead so it reaches the infrastructure log path.
func (s *Service) reuseDetected(ctx context.Context, record RefreshRecord, cause error) error {
	if _, err := s.store.InvalidateUserRefreshTokens(ctx, record.UserID); err != nil {
		return err
	}
	return cause
}
