// Package auth carries the two authentication mechanisms of the HTTP
// surface: LNDHUB bearer tokens (JWT) and nostr HTTP auth events
// (NIP-98, kind 27235).
package auth

import (
	"time"

	"github.com/dgrijalva/jwt-go"
	"github.com/pkg/errors"
)

// ErrInvalidToken covers every way a bearer token can be unusable
var ErrInvalidToken = errors.New("invalid auth token")

// Claims is the payload of our LNDHUB tokens
type Claims struct {
	UserID int64 `json:"user_id"`
	jwt.StandardClaims
}

// GenerateToken issues a token for the user, valid for expirySeconds
func GenerateToken(userID int64, expirySeconds int64, secret []byte) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID: userID,
		StandardClaims: jwt.StandardClaims{
			IssuedAt:  now.Unix(),
			ExpiresAt: now.Add(time.Duration(expirySeconds) * time.Second).Unix(),
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", errors.Wrap(err, "could not sign token")
	}
	return token, nil
}

// ParseToken verifies the token and returns the user id it was issued to
func ParseToken(token string, secret []byte) (int64, error) {
	var claims Claims
	parsed, err := jwt.ParseWithClaims(token, &claims,
		func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, errors.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return secret, nil
		})
	if err != nil || !parsed.Valid {
		return 0, ErrInvalidToken
	}
	return claims.UserID, nil
}
