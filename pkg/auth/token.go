// Package auth verifies the container tokens that authenticate start
// requests when node security is enabled. Tokens are HS256 JWTs minted by
// the controller and bound to one container id.
package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/cloudfab/nodeagent/pkg/api"
)

// ContainerClaims are the JWT claims carried by a container token.
type ContainerClaims struct {
	ContainerID string `json:"container_id"`
	User        string `json:"user,omitempty"`
	jwt.RegisteredClaims
}

// TokenVerifier checks container tokens against the node's shared secret.
type TokenVerifier struct {
	signingKey []byte
}

// NewTokenVerifier creates a verifier for the given signing key.
func NewTokenVerifier(signingKey []byte) (*TokenVerifier, error) {
	if len(signingKey) == 0 {
		return nil, fmt.Errorf("signing key is required")
	}
	return &TokenVerifier{signingKey: signingKey}, nil
}

// Verify parses the token and checks that it is valid, unexpired and bound
// to the given container.
func (v *TokenVerifier) Verify(tokenString string, id api.ContainerID) error {
	claims := &ContainerClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.signingKey, nil
	})
	if err != nil {
		return fmt.Errorf("failed to parse container token: %w", err)
	}
	if !token.Valid {
		return fmt.Errorf("container token is invalid")
	}
	if claims.ContainerID != id.String() {
		return fmt.Errorf("container token bound to %q, not %q", claims.ContainerID, id.String())
	}
	return nil
}

// GenerateContainerToken mints a token for one container. The node only
// verifies tokens; generation lives here so the controller and the tests
// share one format. A zero ttl means one hour; a negative ttl yields a token
// that is already expired.
func GenerateContainerToken(signingKey []byte, id api.ContainerID, user string, ttl time.Duration) (string, error) {
	if ttl == 0 {
		ttl = time.Hour
	}
	now := time.Now()
	claims := ContainerClaims{
		ContainerID: id.String(),
		User:        user,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Issuer:    "controller",
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(signingKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign container token: %w", err)
	}
	return signed, nil
}
