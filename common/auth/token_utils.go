package auth

import (
	"fmt"

	"github.com/golang-jwt/jwt/v4"
)

// TokenParser validates HMAC-signed access tokens issued by the auth service.
type TokenParser struct {
	secret []byte
}

func NewTokenParser(secret string) *TokenParser {
	if secret == "" {
		return &TokenParser{}
	}
	return &TokenParser{secret: []byte(secret)}
}

// Parse parses a JWT token string and returns its claims.
// If expectedType is non-empty, the claim "typ" must match it.
func (p *TokenParser) Parse(tokenStr, expectedType string) (jwt.MapClaims, error) {
	if p.secret == nil {
		return nil, fmt.Errorf("JWT secret not configured")
	}

	token, err := jwt.Parse(tokenStr, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return p.secret, nil
	})
	if err != nil || token == nil || !token.Valid {
		return nil, fmt.Errorf("invalid or expired token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("invalid token claims")
	}
	if expectedType != "" {
		if typ, ok := claims["typ"].(string); !ok || typ != expectedType {
			return nil, fmt.Errorf("invalid token type")
		}
	}
	return claims, nil
}

// Subject returns the user id claim, accepting both "sub" and "user_id".
func Subject(claims jwt.MapClaims) string {
	if v, ok := claims["user_id"].(string); ok && v != "" {
		return v
	}
	if v, ok := claims["sub"].(string); ok {
		return v
	}
	return ""
}

// Role returns the "role" claim.
func Role(claims jwt.MapClaims) string {
	v, _ := claims["role"].(string)
	return v
}
