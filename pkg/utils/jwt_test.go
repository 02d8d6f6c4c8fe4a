package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenRoundTrip(t *testing.T) {
	SetSecret("test-secret")

	token, err := GenerateToken("user-1", "school-9", []string{"school"})
	require.NoError(t, err)

	claims, err := ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.UserID)
	assert.Equal(t, "school-9", claims.SchoolID)
	assert.True(t, claims.HasRole("admin", "school"))
	assert.False(t, claims.HasRole("teacher"))
}

func TestValidateTokenRejectsForeignSecret(t *testing.T) {
	SetSecret("one")
	token, err := GenerateToken("user-1", "", []string{"admin"})
	require.NoError(t, err)

	SetSecret("two")
	_, err = ValidateToken(token)
	assert.Error(t, err)
}
