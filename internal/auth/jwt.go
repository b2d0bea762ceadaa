package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// JWT accepts an HS256 token whose subject is the identity.
type JWT struct {
	secret []byte
}

func NewJWT(secret string) (*JWT, error) {
	if secret == "" {
		return nil, errors.New("auth.jwtSecret is required for the jwt adapter")
	}
	return &JWT{secret: []byte(secret)}, nil
}

func (j *JWT) Authorize(_ context.Context, identityID, secret string) (bool, error) {
	if identityID == "" || secret == "" {
		return false, nil
	}
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(secret, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return j.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		// Bad tokens are a failed login, not a backend failure.
		return false, nil
	}
	return claims.Subject == identityID, nil
}
