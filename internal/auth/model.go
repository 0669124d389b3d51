package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type User struct {
	ID           string
	Username     string
	DisplayName  string
	Roles        []string
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Claims is the access-token claim set: registered claims plus the identity
// claims copied from the user at issue time.
type Claims struct {
	jwt.RegisteredClaims
	DisplayName string   `json:"name,omitempty"`
	Roles       []string `json:"roles,omitempty"`
}

type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

// RefreshRecord is one persisted refresh grant. TokenHash is the sha256 of
// the raw secret; the raw secret itself is never stored. JWTID binds the
// record to the jti of the access token it was issued alongside.
type RefreshRecord struct {
	ID          string
	TokenHash   string
	JWTID       string
	UserID      string
	CreatedAt   time.Time
	ExpiresAt   time.Time
	Used        bool
	Invalidated bool
}

// Live reports whether the record can still be consumed at the given time.
func (r RefreshRecord) Live(now time.Time) bool {
	return !r.Used && !r.Invalidated && now.Before(r.ExpiresAt)
}

type LoginAttempt struct {
	Username       string
	FailedAttempts int
	LockedUntil    *time.Time
}
