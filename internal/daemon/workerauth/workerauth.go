// Package workerauth authenticates Worker heartbeats with a signed JWT,
// the way the control plane's other bearer-token touchpoints identify a
// caller without a shared session: each Worker signs a short-lived token
// with a key shared out of band at enrollment, and the daemon verifies it
// before accepting the heartbeat's slot/endpoint claims as authoritative.
package workerauth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidToken = errors.New("workerauth: invalid worker token")

// Claims identifies the Worker presenting a heartbeat.
type Claims struct {
	WorkerID string `json:"worker_id"`
	jwt.RegisteredClaims
}

// Issuer mints and verifies worker bearer tokens against one shared secret.
type Issuer struct {
	secret []byte
	ttl    time.Duration
}

func New(secret []byte, ttl time.Duration) *Issuer {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Issuer{secret: secret, ttl: ttl}
}

// Mint issues a token asserting workerID, valid for the Issuer's TTL.
func (i *Issuer) Mint(workerID string) (string, error) {
	now := time.Now().UTC()
	claims := Claims{
		WorkerID: workerID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(i.secret)
}

// Verify parses and validates raw, returning the asserted worker ID.
func (i *Issuer) Verify(raw string) (string, error) {
	token, err := jwt.ParseWithClaims(raw, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("%w: unexpected signing method %v", ErrInvalidToken, t.Header["alg"])
		}
		return i.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.WorkerID == "" {
		return "", ErrInvalidToken
	}
	return claims.WorkerID, nil
}
