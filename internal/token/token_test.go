package token_test

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"session-gateway/internal/token"
)

func signed(t *testing.T, claims jwt.Claims) string {
	t.Helper()
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("upstream-secret"))
	require.NoError(t, err)
	return raw
}

func TestExpiry(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	raw := signed(t, jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(exp)})

	got, err := token.Expiry(raw)
	require.NoError(t, err)
	require.True(t, got.Equal(exp))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr error
	}{
		{
			name: "valid",
			raw:  signed(t, jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))}),
		},
		{
			name:    "expired one second ago",
			raw:     signed(t, jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Second))}),
			wantErr: token.ErrExpired,
		},
		{
			name:    "no exp claim",
			raw:     signed(t, jwt.RegisteredClaims{Subject: "42"}),
			wantErr: token.ErrMalformed,
		},
		{
			name:    "garbage",
			raw:     "definitely.not.ajwt",
			wantErr: token.ErrMalformed,
		},
		{
			name:    "empty",
			raw:     "",
			wantErr: token.ErrMalformed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := token.Validate(tt.raw, time.Now())
			if tt.wantErr == nil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, tt.wantErr)
		})
	}
}
