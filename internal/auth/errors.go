package auth

import (
	"errors"
	"fmt"
	"time"
)

// Policy failures. Each gate in the refresh chain has its own error so
// callers and audit logs can tell an attack signal (reuse, mismatch) from a
// benign expiry.
var (
	ErrInvalidCredentials      = errors.New("invalid credentials")
	ErrTokenNotExpiredYet      = errors.New("access token has not expired yet")
	ErrRefreshTokenNotFound    = errors.New("refresh token does not exist")
	ErrRefreshTokenExpired     = errors.New("refresh token has expired")
	ErrRefreshTokenInvalidated = errors.New("refresh token has been invalidated")
	ErrRefreshTokenAlreadyUsed = errors.New("refresh token has already been used")
	ErrRefreshTokenMismatch    = errors.New("refresh token does not match access token")
	ErrAlreadyExists           = errors.New("username is already taken")
	ErrUserNotFound            = errors.New("user does not exist")
)

// ErrMissingSigningKey is fatal at bootstrap, never per-request.
var ErrMissingSigningKey = errors.New("jwt signing secret is not configured")

// StoreError wraps an infrastructure failure from the backing store. It is
// deliberately distinct from the policy errors above: handlers report it to
// Sentry and answer 500 instead of an auth status.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store unavailable during %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

func storeErr(op string, err error) error {
	return &StoreError{Op: op, Err: err}
}

type ErrLoginLocked struct {
	Until time.Time
}

func (e ErrLoginLocked) Error() string {
	return "login temporarily locked"
}
