package token

import (
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	id "tally/pkg/domain"
)

const testSigningKey = "test-signing-key"

func TestSignValidateRoundTrip(t *testing.T) {
	userID := id.NewUserID()
	tokenString, err := Sign(testSigningKey, userID)
	require.NoError(t, err)

	claims, err := NewValidator(testSigningKey).ValidateToken(tokenString)
	require.NoError(t, err)
	assert.Equal(t, userID, claims.UserID)
}

func TestValidateRejectsWrongKey(t *testing.T) {
	tokenString, err := Sign(testSigningKey, id.NewUserID())
	require.NoError(t, err)

	_, err = NewValidator("a-different-key").ValidateToken(tokenString)
	assert.Error(t, err)
}

func TestValidateRejectsNonUUIDSubject(t *testing.T) {
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "not-a-user-id",
	}).SignedString([]byte(testSigningKey))
	require.NoError(t, err)

	_, err = NewValidator(testSigningKey).ValidateToken(signed)
	assert.Error(t, err)
}

func TestValidateRejectsUnsignedToken(t *testing.T) {
	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
		"sub": id.NewUserID().String(),
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = NewValidator(testSigningKey).ValidateToken(unsigned)
	assert.Error(t, err)
}
