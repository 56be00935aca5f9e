// Package token decodes the expiry embedded in the opaque session token.
//
// The gateway is not the token issuer and holds no verification key; the
// identity service validates signatures on every upstream call. All the
// access guard needs locally is the exp claim, so tokens are decoded
// without signature verification and anything undecodable is treated as
// expired (fail closed).
package token

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrExpired   = errors.New("token expired")
	ErrMalformed = errors.New("token malformed")
)

// Expiry extracts the embedded expiry timestamp from a session token.
func Expiry(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, ErrMalformed
	}

	claims := jwt.RegisteredClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(raw, &claims); err != nil {
		return time.Time{}, ErrMalformed
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, ErrMalformed
	}
	return claims.ExpiresAt.Time, nil
}

// Validate checks the token's embedded expiry against now.
func Validate(raw string, now time.Time) error {
	exp, err := Expiry(raw)
	if err != nil {
		return err
	}
	if !exp.After(now) {
		return ErrExpired
	}
	return nil
}
