// ABOUTME: Bearer tokens for the coordinator's operator API
// ABOUTME: HS256 JWTs whose subject names the operator principal

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrNoSubject    = errors.New("token has no subject")
)

// TokenVerifier resolves a bearer token to the operator principal it names.
type TokenVerifier interface {
	Verify(tokenString string) (principalID string, err error)
}

// JWTVerifier issues and verifies HS256-signed operator tokens. The subject
// claim carries the principal id; no other claims are consulted.
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier creates a verifier bound to a shared secret.
func NewJWTVerifier(secret []byte) *JWTVerifier {
	return &JWTVerifier{secret: secret}
}

// Verify checks the signature and expiry, then returns the subject.
// Tokens signed with any algorithm other than HS256 are rejected outright.
func (v *JWTVerifier) Verify(tokenString string) (principalID string, err error) {
	var claims jwt.RegisteredClaims
	_, err = jwt.ParseWithClaims(tokenString, &claims,
		func(token *jwt.Token) (any, error) { return v.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrExpiredToken
		}
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if claims.Subject == "" {
		return "", ErrNoSubject
	}
	return claims.Subject, nil
}

// Generate mints a token for principalID that expires after expiresIn.
func (v *JWTVerifier) Generate(principalID string, expiresIn time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   principalID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(expiresIn)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
