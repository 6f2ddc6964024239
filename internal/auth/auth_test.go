package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndValidateToken(t *testing.T) {
	mgr, err := NewJWTManager("", "", time.Hour)
	require.NoError(t, err)

	token, exp, err := mgr.IssueToken("alice", true)
	require.NoError(t, err)
	assert.True(t, exp.After(time.Now()))

	claims, err := mgr.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.UserID)
	assert.True(t, claims.CanWrite)
}

func TestValidateRejectsGarbage(t *testing.T) {
	mgr, err := NewJWTManager("", "", time.Hour)
	require.NoError(t, err)

	_, err = mgr.ValidateToken("not.a.token")
	assert.Error(t, err)
}

func TestValidateRejectsForeignKey(t *testing.T) {
	issuer, err := NewJWTManager("", "", time.Hour)
	require.NoError(t, err)
	verifier, err := NewJWTManager("", "", time.Hour)
	require.NoError(t, err)

	token, _, err := issuer.IssueToken("bob", false)
	require.NoError(t, err)

	_, err = verifier.ValidateToken(token)
	assert.Error(t, err)
}

func TestHashAndVerifyAPIKey(t *testing.T) {
	hash, err := HashAPIKey("sekrit-key")
	require.NoError(t, err)

	ok, err := VerifyAPIKey("sekrit-key", hash)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = VerifyAPIKey("wrong-key", hash)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifyAPIKeyRejectsMalformedHash(t *testing.T) {
	_, err := VerifyAPIKey("anything", "no-dollar-sign")
	assert.Error(t, err)
}
