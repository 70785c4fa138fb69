// Package jwt signs and verifies HS256 bearer tokens.
package jwt

import (
	"strings"
	"time"

	"github.com/Laisky/errors/v2"
	"github.com/golang-jwt/jwt/v5"
)

// JWT signs and parses user tokens with a shared secret.
type JWT struct {
	secret []byte
	clock  func() time.Time
}

// New creates a JWT helper.
func New(secret []byte, clock func() time.Time) (*JWT, error) {
	if len(secret) == 0 {
		return nil, errors.New("jwt secret is required")
	}
	if clock == nil {
		clock = time.Now
	}
	return &JWT{secret: secret, clock: clock}, nil
}

// Sign issues a token for userID with scopes that expires after ttl.
func (j *JWT) Sign(userID string, scopes []string, ttl time.Duration) (string, error) {
	now := j.clock()
	claims := &UserClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Scope: strings.Join(scopes, " "),
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(j.secret)
	if err != nil {
		return "", errors.Wrap(err, "sign token")
	}
	return token, nil
}

// Parse verifies the token signature and expiry and returns its claims.
func (j *JWT) Parse(token string) (*UserClaims, error) {
	claims := new(UserClaims)
	parsed, err := jwt.ParseWithClaims(token, claims,
		func(t *jwt.Token) (any, error) {
			return j.secret, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(j.clock),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, errors.Wrap(err, "parse token")
	}
	if !parsed.Valid {
		return nil, errors.New("token invalid")
	}
	if claims.UserID() == "" {
		return nil, errors.New("token subject is empty")
	}

	return claims, nil
}
