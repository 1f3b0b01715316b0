package websocket

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenIssuer_IssueAndValidate(t *testing.T) {
	issuer := NewTokenIssuer("test-secret-key-32-characters-xx", "omnimail", 15*time.Minute)

	token, err := issuer.Issue("tenant-1", []string{"mb-1", "mb-2"})
	require.NoError(t, err)
	require.NotEmpty(t, token)

	claims, err := issuer.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "tenant-1", claims.TenantID)
	assert.Equal(t, []string{"mb-1", "mb-2"}, claims.MailboxIDs)
	assert.Equal(t, "omnimail", claims.Issuer)
}

func TestTokenIssuer_ExpiredToken(t *testing.T) {
	issuer := NewTokenIssuer("test-secret-key-32-characters-xx", "omnimail", -time.Minute)

	token, err := issuer.Issue("tenant-1", []string{"mb-1"})
	require.NoError(t, err)

	_, err = issuer.Validate(token)
	assert.Error(t, err)
}

func TestTokenIssuer_WrongSecret(t *testing.T) {
	issuer := NewTokenIssuer("test-secret-key-32-characters-xx", "omnimail", 15*time.Minute)
	other := NewTokenIssuer("another-secret-key-32-chars-long", "omnimail", 15*time.Minute)

	token, err := issuer.Issue("tenant-1", []string{"mb-1"})
	require.NoError(t, err)

	_, err = other.Validate(token)
	assert.Error(t, err)
}

func TestTokenIssuer_Garbage(t *testing.T) {
	issuer := NewTokenIssuer("test-secret-key-32-characters-xx", "omnimail", 15*time.Minute)

	_, err := issuer.Validate("not.a.token")
	assert.Error(t, err)
}
