// Package auth issues and verifies the bearer tokens that carry a
// session's anonymous user identifier.
package auth

import (
	"errors"
	"fmt"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const issuer = "chatrelay-service"

// ErrInvalidToken is returned for any token that fails verification.
var ErrInvalidToken = errors.New("invalid token")

// Claims are the JWT claims of an anonymous session token.
type Claims struct {
	AnonID string `json:"anon_id"`
	jwt.RegisteredClaims
}

// Issuer signs and verifies HS256 session tokens.
type Issuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewIssuer creates an Issuer with the given signing secret and token lifetime.
func NewIssuer(secret string, ttl time.Duration) *Issuer {
	return &Issuer{
		secret: []byte(secret),
		ttl:    ttl,
		now:    time.Now,
	}
}

// NewAnonID returns a fresh anonymous user identifier.
func NewAnonID() string {
	return uuid.NewString()
}

// Issue returns a signed token for anonID.
func (i *Issuer) Issue(anonID string) (string, error) {
	if anonID == "" {
		return "", errors.New("auth: empty anon id")
	}
	now := i.now()
	claims := Claims{
		AnonID: anonID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
}

// Parse verifies tokenString and returns the anon id it carries.
func (i *Issuer) Parse(tokenString string) (string, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (any, error) {
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.AnonID == "" {
		return "", fmt.Errorf("%w: missing anon_id", ErrInvalidToken)
	}
	return claims.AnonID, nil
}
