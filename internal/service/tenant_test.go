package service

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"omnimail/backend/internal/storage"
	"omnimail/backend/internal/storage/memory"
)

func newTenantFixture() (*TenantService, *memory.Store) {
	store := memory.NewStore()
	return NewTenantService(store, store), store
}

func TestTenantService_Register(t *testing.T) {
	svc, _ := newTenantFixture()

	out, err := svc.Register(RegisterInput{Email: "Dev@Example.COM", OrgName: " Acme "})
	require.NoError(t, err)

	assert.Equal(t, "dev@example.com", out.Tenant.Email)
	assert.Equal(t, "Acme", out.Tenant.OrgName)
	assert.True(t, out.Tenant.IsActive)

	// Plaintext key is returned once, only the hash is stored
	assert.True(t, strings.HasPrefix(out.PlainKey, "omni_"))
	assert.Len(t, out.PlainKey, len("omni_")+40)
	assert.NotEqual(t, out.PlainKey, out.APIKey.KeyHash)
	assert.Equal(t, out.PlainKey[:12], out.APIKey.KeyPrefix)
}

func TestTenantService_RegisterDuplicateEmail(t *testing.T) {
	svc, _ := newTenantFixture()

	_, err := svc.Register(RegisterInput{Email: "dev@example.com"})
	require.NoError(t, err)

	_, err = svc.Register(RegisterInput{Email: "DEV@example.com"})
	assert.ErrorIs(t, err, storage.ErrTenantExists)
}

func TestTenantService_RegisterInvalidEmail(t *testing.T) {
	svc, _ := newTenantFixture()

	_, err := svc.Register(RegisterInput{Email: "not-an-email"})
	assert.Error(t, err)
}

func TestTenantService_ValidateKey(t *testing.T) {
	svc, _ := newTenantFixture()

	out, err := svc.Register(RegisterInput{Email: "dev@example.com"})
	require.NoError(t, err)

	tenant, key, err := svc.ValidateKey(out.PlainKey)
	require.NoError(t, err)
	assert.Equal(t, out.Tenant.ID, tenant.ID)
	assert.Equal(t, out.APIKey.ID, key.ID)

	// Wrong key with the right shape
	_, _, err = svc.ValidateKey("omni_" + strings.Repeat("0", 40))
	assert.ErrorIs(t, err, ErrInvalidAPIKey)

	// Wrong prefix entirely
	_, _, err = svc.ValidateKey("bogus")
	assert.ErrorIs(t, err, ErrInvalidAPIKey)
}

func TestTenantService_ValidateKeyRevoked(t *testing.T) {
	svc, _ := newTenantFixture()

	out, err := svc.Register(RegisterInput{Email: "dev@example.com"})
	require.NoError(t, err)

	require.NoError(t, svc.RevokeAPIKey(out.Tenant.ID, out.APIKey.ID))

	_, _, err = svc.ValidateKey(out.PlainKey)
	assert.ErrorIs(t, err, ErrInvalidAPIKey)
}

func TestTenantService_ValidateKeyInactiveTenant(t *testing.T) {
	svc, store := newTenantFixture()

	out, err := svc.Register(RegisterInput{Email: "dev@example.com"})
	require.NoError(t, err)

	out.Tenant.IsActive = false
	require.NoError(t, store.UpdateTenant(out.Tenant))

	_, _, err = svc.ValidateKey(out.PlainKey)
	assert.ErrorIs(t, err, ErrTenantInactive)
}

func TestTenantService_CreateAndRevokeAPIKey(t *testing.T) {
	svc, _ := newTenantFixture()

	out, err := svc.Register(RegisterInput{Email: "dev@example.com"})
	require.NoError(t, err)

	key, plain, err := svc.CreateAPIKey(out.Tenant.ID, "ci")
	require.NoError(t, err)
	assert.Equal(t, "ci", key.Name)

	tenant, _, err := svc.ValidateKey(plain)
	require.NoError(t, err)
	assert.Equal(t, out.Tenant.ID, tenant.ID)

	keys, err := svc.ListAPIKeys(out.Tenant.ID)
	require.NoError(t, err)
	assert.Len(t, keys, 2)

	// A tenant cannot revoke another tenant's key
	err = svc.RevokeAPIKey("other-tenant", key.ID)
	assert.ErrorIs(t, err, storage.ErrAPIKeyNotFound)

	require.NoError(t, svc.RevokeAPIKey(out.Tenant.ID, key.ID))
	_, _, err = svc.ValidateKey(plain)
	assert.ErrorIs(t, err, ErrInvalidAPIKey)
}
