package utils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenRoundTrip(t *testing.T) {
	SetJWTSecret("test-secret", time.Hour)

	token, err := GenerateToken(7, "manager")
	require.NoError(t, err)

	claims, err := ParseToken(token)
	require.NoError(t, err)
	assert.Equal(t, uint(7), claims.UserID)
	assert.Equal(t, "manager", claims.Role)
}

func TestParseTokenRejects(t *testing.T) {
	SetJWTSecret("test-secret", time.Hour)
	token, err := GenerateToken(7, "waiter")
	require.NoError(t, err)

	SetJWTSecret("other-secret", time.Hour)
	_, err = ParseToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = ParseToken("not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}
