// Package authtoken is a small single-issuer HS256 bearer-token
// minter/verifier guarding the HTTP API's command/query routes. It is a
// deliberately trimmed-down relative of the teacher's full OIDC/JWKS
// issuer: this service has no multi-tenant key rotation concern, so a
// single shared secret and a flat claim set are enough.
package authtoken

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidToken = errors.New("authtoken: invalid or expired token")

// Claims carries the identity of the caller issuing map commands/queries.
type Claims struct {
	jwt.RegisteredClaims
	ClientID string `json:"cid"`
}

// Issuer mints and verifies bearer tokens against a single shared secret.
type Issuer struct {
	secret []byte
	issuer string
	ttl    time.Duration
}

// New constructs an Issuer. ttl defaults to one hour if zero.
func New(secret, issuerName string, ttl time.Duration) *Issuer {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Issuer{secret: []byte(secret), issuer: issuerName, ttl: ttl}
}

// Mint issues a signed bearer token for clientID.
func (i *Issuer) Mint(clientID string) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   clientID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
		ClientID: clientID,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("authtoken: sign: %w", err)
	}
	return signed, nil
}

// Verify parses and validates raw, returning the embedded claims.
func (i *Issuer) Verify(raw string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("authtoken: unexpected signing method %v", t.Header["alg"])
		}
		return i.secret, nil
	}, jwt.WithIssuer(i.issuer))
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
