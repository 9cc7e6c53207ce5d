// Package auth verifies the bearer credentials glasses clients and the REST API
// present.
package auth

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	apperrors "github.com/augmentos/cloud-relay-go/internal/errors"
)

// Verifier turns a bearer token into the user id it was issued to.
type Verifier interface {
	Verify(token string) (string, error)
}

type JWTVerifier struct {
	secret []byte
}

func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret)}
}

// Verify checks an HS256 token and returns its email claim, falling back to sub.
// Every failure is an AuthenticationFailure.
func (v *JWTVerifier) Verify(tokenString string) (string, error) {
	if tokenString == "" {
		return "", apperrors.AuthenticationFailure("missing token")
	}

	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}))
	if err != nil || !token.Valid {
		return "", apperrors.AuthenticationFailure("invalid token").WithCause(err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", apperrors.AuthenticationFailure("invalid claims")
	}

	if email, _ := claims["email"].(string); email != "" {
		return email, nil
	}
	if sub, err := claims.GetSubject(); err == nil && sub != "" {
		return sub, nil
	}
	return "", apperrors.AuthenticationFailure("token has no subject")
}

// Sign issues a token for userID. Tests and local tooling use it; production tokens
// come from the account service.
func Sign(secret, userID string, claims jwt.MapClaims) (string, error) {
	if claims == nil {
		claims = jwt.MapClaims{}
	}
	claims["email"] = userID
	if _, ok := claims["sub"]; !ok {
		claims["sub"] = userID
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
