package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned for missing, malformed or expired
// credentials.
var ErrInvalidToken = errors.New("invalid token")

// Identity is the verified caller resolved from a credential.
type Identity struct {
	ID    int
	Email string
}

// Verifier resolves a bearer token into a verified user identity.
type Verifier interface {
	ResolveUser(token string) (Identity, error)
}

// Claims carried by platform-issued tokens.
type Claims struct {
	UserID int    `json:"user_id"`
	Email  string `json:"email"`
	jwt.RegisteredClaims
}

// JWT verifies HS256 tokens issued by the platform auth service.
type JWT struct {
	secret []byte
}

// NewJWT builds a verifier around the shared signing secret.
func NewJWT(secret string) *JWT {
	return &JWT{secret: []byte(secret)}
}

// ResolveUser parses and validates the token.
func (j *JWT) ResolveUser(token string) (Identity, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return j.secret, nil
	})
	if err != nil {
		return Identity{}, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.UserID == 0 {
		return Identity{}, ErrInvalidToken
	}
	return Identity{ID: claims.UserID, Email: claims.Email}, nil
}

// Sign issues a token. Used by tests and local tooling; production
// tokens come from the auth service.
func (j *JWT) Sign(userID int, email string, ttl time.Duration) (string, error) {
	claims := Claims{
		UserID: userID,
		Email:  email,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(j.secret)
}
