package service

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"omnimail/backend/internal/config"
	"omnimail/backend/internal/storage"
	"omnimail/backend/internal/storage/memory"
)

func newMailboxFixture(maxPerTenant int) (*MailboxService, *memory.Store) {
	store := memory.NewStore()
	cfg := &config.Config{
		Mailbox: config.MailboxConfig{
			AllowedDomains: []string{"omni.mail", "alt.mail"},
			MaxPerTenant:   maxPerTenant,
		},
	}
	return NewMailboxService(store, cfg), store
}

type fakeInvalidator struct {
	mu        sync.Mutex
	addresses []string
}

func (f *fakeInvalidator) Invalidate(address string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.addresses = append(f.addresses, address)
}

func TestMailboxService_CreateWithPrefix(t *testing.T) {
	svc, _ := newMailboxFixture(10)

	mailbox, err := svc.Create(CreateMailboxInput{
		TenantID: "tenant-1",
		Prefix:   "Support",
		Domain:   "omni.mail",
	})
	require.NoError(t, err)

	assert.Equal(t, "support@omni.mail", mailbox.Address)
	assert.Equal(t, "support", mailbox.LocalPart)
	assert.True(t, mailbox.IsActive)
}

func TestMailboxService_CreateRandomPrefix(t *testing.T) {
	svc, _ := newMailboxFixture(10)

	mailbox, err := svc.Create(CreateMailboxInput{TenantID: "tenant-1"})
	require.NoError(t, err)

	assert.Len(t, mailbox.LocalPart, 12)
	assert.Equal(t, "omni.mail", mailbox.Domain) // first allowed domain is the default
}

func TestMailboxService_CreateValidation(t *testing.T) {
	svc, _ := newMailboxFixture(10)

	_, err := svc.Create(CreateMailboxInput{TenantID: "t", Domain: "evil.example"})
	assert.ErrorIs(t, err, ErrDomainNotAllowed)

	_, err = svc.Create(CreateMailboxInput{TenantID: "t", Prefix: "-bad-"})
	assert.ErrorIs(t, err, ErrPrefixInvalid)

	_, err = svc.Create(CreateMailboxInput{TenantID: "t", WebhookURL: "ftp://nope"})
	assert.ErrorIs(t, err, ErrWebhookURLInvalid)
}

func TestMailboxService_CreateDuplicateAddress(t *testing.T) {
	svc, _ := newMailboxFixture(10)

	_, err := svc.Create(CreateMailboxInput{TenantID: "tenant-1", Prefix: "dev"})
	require.NoError(t, err)

	_, err = svc.Create(CreateMailboxInput{TenantID: "tenant-2", Prefix: "dev"})
	assert.ErrorIs(t, err, storage.ErrMailboxExists)
}

func TestMailboxService_Quota(t *testing.T) {
	svc, _ := newMailboxFixture(2)

	for i := 0; i < 2; i++ {
		_, err := svc.Create(CreateMailboxInput{TenantID: "tenant-1", Prefix: fmt.Sprintf("box%d", i)})
		require.NoError(t, err)
	}

	_, err := svc.Create(CreateMailboxInput{TenantID: "tenant-1", Prefix: "box3"})
	assert.ErrorIs(t, err, ErrMailboxQuota)

	// Quota is per tenant
	_, err = svc.Create(CreateMailboxInput{TenantID: "tenant-2", Prefix: "box1"})
	require.NoError(t, err)
}

func TestMailboxService_Ownership(t *testing.T) {
	svc, _ := newMailboxFixture(10)

	mailbox, err := svc.Create(CreateMailboxInput{TenantID: "tenant-1", Prefix: "dev"})
	require.NoError(t, err)

	_, err = svc.Get("tenant-2", mailbox.ID)
	assert.ErrorIs(t, err, ErrNotOwner)

	err = svc.Delete("tenant-2", mailbox.ID)
	assert.ErrorIs(t, err, ErrNotOwner)

	got, err := svc.Get("tenant-1", mailbox.ID)
	require.NoError(t, err)
	assert.Equal(t, mailbox.ID, got.ID)
}

func TestMailboxService_CreateInvalidatesCache(t *testing.T) {
	svc, _ := newMailboxFixture(10)
	invalidator := &fakeInvalidator{}
	svc.SetCacheInvalidator(invalidator)

	// 解析未命中的地址会写入短期负向缓存；开通后必须立即清掉，
	// 否则发往新地址的邮件在负向条目过期前会一直被退回
	mailbox, err := svc.Create(CreateMailboxInput{TenantID: "tenant-1", Prefix: "sales"})
	require.NoError(t, err)

	assert.Equal(t, []string{mailbox.Address}, invalidator.addresses)
}

func TestMailboxService_UpdateInvalidatesCache(t *testing.T) {
	svc, _ := newMailboxFixture(10)
	invalidator := &fakeInvalidator{}
	svc.SetCacheInvalidator(invalidator)

	mailbox, err := svc.Create(CreateMailboxInput{TenantID: "tenant-1", Prefix: "dev"})
	require.NoError(t, err)
	invalidator.addresses = nil

	inactive := false
	updated, err := svc.Update("tenant-1", mailbox.ID, UpdateMailboxInput{IsActive: &inactive})
	require.NoError(t, err)
	assert.False(t, updated.IsActive)
	assert.Equal(t, []string{mailbox.Address}, invalidator.addresses)

	require.NoError(t, svc.Delete("tenant-1", mailbox.ID))
	assert.Equal(t, []string{mailbox.Address, mailbox.Address}, invalidator.addresses)
}

func TestMailboxService_UpdateWebhookURL(t *testing.T) {
	svc, _ := newMailboxFixture(10)

	mailbox, err := svc.Create(CreateMailboxInput{TenantID: "tenant-1", Prefix: "dev"})
	require.NoError(t, err)

	url := "https://hooks.example.com/inbound"
	updated, err := svc.Update("tenant-1", mailbox.ID, UpdateMailboxInput{WebhookURL: &url})
	require.NoError(t, err)
	assert.Equal(t, url, updated.WebhookURL)

	bad := "gopher://nope"
	_, err = svc.Update("tenant-1", mailbox.ID, UpdateMailboxInput{WebhookURL: &bad})
	assert.ErrorIs(t, err, ErrWebhookURLInvalid)

	// Clearing the URL disables webhooks for the mailbox
	empty := ""
	updated, err = svc.Update("tenant-1", mailbox.ID, UpdateMailboxInput{WebhookURL: &empty})
	require.NoError(t, err)
	assert.Empty(t, updated.WebhookURL)
}
