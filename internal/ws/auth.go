package ws

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// ErrTokenExpired is returned when a bearer token has expired.
var ErrTokenExpired = errors.New("ws: token expired")

// ErrTokenInvalid is returned when a token cannot be parsed or verified.
var ErrTokenInvalid = errors.New("ws: token invalid")

// Claims holds the subject embedded in a gateway access token. Bifrost's
// gateway issues HS256 tokens signed with a single shared secret rather than
// arkeep's RSA key pair, so verification only needs that one secret.
type Claims struct {
	jwt.RegisteredClaims
	UserID string `json:"uid"`
}

// Authenticator verifies the bearer token a WebSocket client presents on
// connect.
type Authenticator struct {
	secret []byte
}

// NewAuthenticator creates an Authenticator bound to the gateway's shared
// JWT secret.
func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret)}
}

// Authenticate parses and verifies tokenString, returning the subject user
// id on success.
func (a *Authenticator) Authenticate(tokenString string) (string, error) {
	token, err := jwt.ParseWithClaims(
		tokenString,
		&Claims{},
		func(t *jwt.Token) (any, error) {
			// Reject anything but HMAC to rule out alg:none / key-confusion attacks.
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("ws: unexpected signing method: %v", t.Header["alg"])
			}
			return a.secret, nil
		},
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrTokenExpired
		}
		return "", ErrTokenInvalid
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return "", ErrTokenInvalid
	}
	userID := claims.UserID
	if userID == "" {
		userID = claims.Subject
	}
	if userID == "" {
		return "", ErrTokenInvalid
	}
	return userID, nil
}
