package ws

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signToken(t *testing.T, secret string, claims Claims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func TestAuthenticator_ValidToken(t *testing.T) {
	auth := NewAuthenticator("test-secret")
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		UserID: "user-1",
	}
	token := signToken(t, "test-secret", claims)

	userID, err := auth.Authenticate(token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", userID)
}

func TestAuthenticator_ExpiredToken(t *testing.T) {
	auth := NewAuthenticator("test-secret")
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
		UserID: "user-1",
	}
	token := signToken(t, "test-secret", claims)

	_, err := auth.Authenticate(token)
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestAuthenticator_WrongSecret(t *testing.T) {
	auth := NewAuthenticator("test-secret")
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		UserID: "user-1",
	}
	token := signToken(t, "wrong-secret", claims)

	_, err := auth.Authenticate(token)
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestAuthenticator_FallsBackToSubjectClaim(t *testing.T) {
	auth := NewAuthenticator("test-secret")
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "sub-user",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token := signToken(t, "test-secret", claims)

	userID, err := auth.Authenticate(token)
	require.NoError(t, err)
	assert.Equal(t, "sub-user", userID)
}
