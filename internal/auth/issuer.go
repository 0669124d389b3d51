package auth

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Issuer mints short-lived HS256 access tokens. The signing secret and the
// issuer/audience identifiers are fixed at construction; a missing secret is
// a bootstrap failure, not a per-request one.
type Issuer struct {
	secret    []byte
	issuer    string
	audience  string
	accessTTL time.Duration
}

func NewIssuer(secret, issuer, audience string, accessTTL time.Duration) (*Issuer, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, ErrMissingSigningKey
	}
	if accessTTL <= 0 {
		accessTTL = 15 * time.Minute
	}

	return &Issuer{
		secret:    []byte(secret),
		issuer:    issuer,
		audience:  audience,
		accessTTL: accessTTL,
	}, nil
}

func (i *Issuer) AccessTTL() time.Duration {
	return i.accessTTL
}

// Issue signs a fresh access token for the user and returns it together with
// the jti it carries. The jti is generated here and never reused.
func (i *Issuer) Issue(user User) (string, string, error) {
	now := time.Now().UTC()
	jti := uuid.NewString()

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Subject:   user.ID,
			Issuer:    i.issuer,
			Audience:  jwt.ClaimStrings{i.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.accessTTL)),
		},
		DisplayName: user.DisplayName,
		Roles:       user.Roles,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", "", fmt.Errorf("sign access token: %w", err)
	}

	return signed, jti, nil
}

// ParseExpired validates the signature and structure of an access token while
// deliberately skipping lifetime validation: an expired token is the expected
// input of the refresh flow. Anything else wrong with the token (bad
// signature, wrong algorithm, malformed) is ErrInvalidCredentials.
func (i *Issuer) ParseExpired(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil || !token.Valid {
		return nil, ErrInvalidCredentials
	}
	if claims.ID == "" || claims.ExpiresAt == nil {
		return nil, ErrInvalidCredentials
	}

	return claims, nil
}

// Verify validates a live token: signature, algorithm, lifetime, issuer and
// audience. Used by the HTTP middleware, not by the refresh flow.
func (i *Issuer) Verify(tokenStr string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	}
	if i.issuer != "" {
		opts = append(opts, jwt.WithIssuer(i.issuer))
	}
	if i.audience != "" {
		opts = append(opts, jwt.WithAudience(i.audience))
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		return i.secret, nil
	}, opts...)
	if err != nil || !token.Valid {
		return nil, ErrInvalidCredentials
	}

	return claims, nil
}
