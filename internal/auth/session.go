// internal/auth/session.go
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/oidomusical/rooms/internal/apperr"
)

// secret signs and verifies HS256 tokens. Tokens are issued by the account service, which
// shares this secret.
var secret []byte

// TokenTTL is the lifetime CreateJWT gives new tokens.
var TokenTTL = 24 * time.Hour

// Identity is the authenticated caller carried by a bearer credential.
type Identity struct {
	UserID   uuid.UUID `json:"id"`
	Username string    `json:"username"`
	Role     string    `json:"role"`
}

type claims struct {
	Username string `json:"username"`
	Role     string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Init sets the shared signing secret.
func Init(sharedSecret string) {
	secret = []byte(sharedSecret)
}

// CreateJWT mints a token for id. Used by tests and local tooling.
func CreateJWT(id Identity) (string, error) {
	c := claims{
		Username: id.Username,
		Role:     id.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UserID.String(),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(TokenTTL)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(secret)
}

// AuthenticateJWT verifies tokenString and returns the identity it carries.
// Every failure wraps apperr.ErrUnauthenticated.
func AuthenticateJWT(tokenString string) (Identity, error) {
	if tokenString == "" {
		return Identity{}, fmt.Errorf("%w: missing token", apperr.ErrUnauthenticated)
	}

	var c claims
	_, err := jwt.ParseWithClaims(tokenString, &c, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return secret, nil
	}, jwt.WithExpirationRequired())
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Identity{}, fmt.Errorf("%w: token expired", apperr.ErrUnauthenticated)
		}
		return Identity{}, fmt.Errorf("%w: invalid token", apperr.ErrUnauthenticated)
	}

	userID, err := uuid.Parse(c.Subject)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: invalid user id in token", apperr.ErrUnauthenticated)
	}
	role := c.Role
	if role == "" {
		role = "user"
	}
	return Identity{UserID: userID, Username: c.Username, Role: role}, nil
}

// TokenFromRequest extracts a bearer credential from the Authorization header, the
// "token" query parameter, or the auth_token cookie, in that order.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	if cookie, err := r.Cookie("auth_token"); err == nil {
		return cookie.Value
	}
	return ""
}

// FromRequest authenticates the caller of r.
func FromRequest(r *http.Request) (Identity, error) {
	return AuthenticateJWT(TokenFromRequest(r))
}
