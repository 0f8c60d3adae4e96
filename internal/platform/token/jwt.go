package token

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"tally/internal/platform/middleware"
	id "tally/pkg/domain"
)

// Validator verifies HS256 bearer tokens issued by the authentication
// collaborator. The subject claim carries the user ID.
type Validator struct {
	signingKey []byte
}

func NewValidator(signingKey string) *Validator {
	return &Validator{signingKey: []byte(signingKey)}
}

func (v *Validator) ValidateToken(tokenString string) (*middleware.JWTClaims, error) {
	parsed, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.signingKey, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	if !parsed.Valid {
		return nil, fmt.Errorf("invalid token")
	}

	subject, err := parsed.Claims.GetSubject()
	if err != nil {
		return nil, fmt.Errorf("token subject: %w", err)
	}
	userID, err := id.ParseUserID(subject)
	if err != nil {
		return nil, fmt.Errorf("token subject: %w", err)
	}
	return &middleware.JWTClaims{UserID: userID}, nil
}

// Sign issues a token for the given user, for tests and local tooling.
// Production tokens come from the auth collaborator.
func Sign(signingKey string, userID id.UserID) (string, error) {
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": userID.String(),
	})
	return t.SignedString([]byte(signingKey))
}
