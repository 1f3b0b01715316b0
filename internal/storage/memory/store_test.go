package memory

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"omnimail/backend/internal/domain"
	"omnimail/backend/internal/storage"
)

func newTestMailbox(id, address, tenantID string) *domain.Mailbox {
	return &domain.Mailbox{
		ID:        id,
		Address:   address,
		LocalPart: "test",
		Domain:    "omni.mail",
		TenantID:  tenantID,
		IsActive:  true,
		CreatedAt: time.Now(),
	}
}

func TestMemoryStore_TenantOperations(t *testing.T) {
	store := NewStore()

	tenant := &domain.Tenant{
		ID:        "tenant-1",
		Email:     "dev@example.com",
		IsActive:  true,
		CreatedAt: time.Now(),
	}

	err := store.CreateTenant(tenant)
	require.NoError(t, err)

	// Duplicate email must be rejected
	err = store.CreateTenant(&domain.Tenant{ID: "tenant-2", Email: "dev@example.com"})
	assert.ErrorIs(t, err, storage.ErrTenantExists)

	retrieved, err := store.GetTenant("tenant-1")
	require.NoError(t, err)
	assert.Equal(t, tenant.Email, retrieved.Email)

	retrieved, err = store.GetTenantByEmail("dev@example.com")
	require.NoError(t, err)
	assert.Equal(t, "tenant-1", retrieved.ID)

	_, err = store.GetTenant("missing")
	assert.ErrorIs(t, err, storage.ErrTenantNotFound)
}

func TestMemoryStore_APIKeyOperations(t *testing.T) {
	store := NewStore()

	key := &domain.APIKey{
		ID:        "key-1",
		TenantID:  "tenant-1",
		KeyHash:   "hash",
		KeyPrefix: "omni_abc1234",
		Name:      "default",
		IsActive:  true,
		CreatedAt: time.Now(),
	}
	require.NoError(t, store.SaveAPIKey(key))

	candidates, err := store.ListAPIKeysByPrefix("omni_abc1234")
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, "key-1", candidates[0].ID)

	candidates, err = store.ListAPIKeysByPrefix("omni_zzzzzzz")
	require.NoError(t, err)
	assert.Empty(t, candidates)

	require.NoError(t, store.UpdateAPIKeyLastUsed("key-1"))
	keys, err := store.ListAPIKeysByTenantID("tenant-1")
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.NotNil(t, keys[0].LastUsedAt)

	require.NoError(t, store.DeleteAPIKey("key-1"))
	candidates, err = store.ListAPIKeysByPrefix("omni_abc1234")
	require.NoError(t, err)
	assert.Empty(t, candidates)

	assert.ErrorIs(t, store.DeleteAPIKey("key-1"), storage.ErrAPIKeyNotFound)
}

func TestMemoryStore_MailboxOperations(t *testing.T) {
	store := NewStore()

	mailbox := newTestMailbox("mb-1", "test@omni.mail", "tenant-1")
	require.NoError(t, store.SaveMailbox(mailbox))

	// Address collision
	err := store.SaveMailbox(newTestMailbox("mb-2", "test@omni.mail", "tenant-2"))
	assert.ErrorIs(t, err, storage.ErrMailboxExists)

	retrieved, err := store.GetMailboxByAddress("test@omni.mail")
	require.NoError(t, err)
	assert.Equal(t, "mb-1", retrieved.ID)

	mailboxes := store.ListMailboxesByTenantID("tenant-1")
	assert.Len(t, mailboxes, 1)

	require.NoError(t, store.DeleteMailbox("mb-1"))
	_, err = store.GetMailbox("mb-1")
	assert.ErrorIs(t, err, storage.ErrMailboxNotFound)
}

func TestMemoryStore_SaveMessagesAtomic(t *testing.T) {
	store := NewStore()
	require.NoError(t, store.SaveMailbox(newTestMailbox("mb-1", "a@omni.mail", "tenant-1")))
	require.NoError(t, store.SaveMailbox(newTestMailbox("mb-2", "b@omni.mail", "tenant-1")))

	now := time.Now()
	messages := []*domain.Message{
		{ID: "msg-1", MailboxID: "mb-1", Subject: "hello", ReceivedAt: now},
		{ID: "msg-2", MailboxID: "mb-2", Subject: "hello", ReceivedAt: now},
	}

	require.NoError(t, store.SaveMessages(messages))

	count, err := store.CountMessages("mb-1")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	count, err = store.CountMessages("mb-2")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestMemoryStore_SaveMessagesRollback(t *testing.T) {
	store := NewStore()
	require.NoError(t, store.SaveMailbox(newTestMailbox("mb-1", "a@omni.mail", "tenant-1")))

	now := time.Now()
	messages := []*domain.Message{
		{ID: "msg-1", MailboxID: "mb-1", ReceivedAt: now},
		{ID: "msg-2", MailboxID: "missing-mailbox", ReceivedAt: now},
	}

	// One invalid target fails the whole batch
	err := store.SaveMessages(messages)
	assert.ErrorIs(t, err, storage.ErrMailboxNotFound)

	count, err := store.CountMessages("mb-1")
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestMemoryStore_SaveMessagesInjectedFailure(t *testing.T) {
	store := NewStore()
	require.NoError(t, store.SaveMailbox(newTestMailbox("mb-1", "a@omni.mail", "tenant-1")))
	require.NoError(t, store.SaveMailbox(newTestMailbox("mb-2", "b@omni.mail", "tenant-1")))

	injected := errors.New("disk full")
	store.FailSaveMessagesAfter(1, injected)

	now := time.Now()
	err := store.SaveMessages([]*domain.Message{
		{ID: "msg-1", MailboxID: "mb-1", ReceivedAt: now},
		{ID: "msg-2", MailboxID: "mb-2", ReceivedAt: now},
	})
	assert.ErrorIs(t, err, injected)

	// Nothing was written
	for _, id := range []string{"mb-1", "mb-2"} {
		count, err := store.CountMessages(id)
		require.NoError(t, err)
		assert.Equal(t, 0, count)
	}

	// Failure hook is one-shot
	require.NoError(t, store.SaveMessages([]*domain.Message{
		{ID: "msg-3", MailboxID: "mb-1", ReceivedAt: now},
	}))
}

func TestMemoryStore_MessageReadAndGet(t *testing.T) {
	store := NewStore()
	require.NoError(t, store.SaveMailbox(newTestMailbox("mb-1", "a@omni.mail", "tenant-1")))
	require.NoError(t, store.SaveMessages([]*domain.Message{
		{ID: "msg-1", MailboxID: "mb-1", Subject: "s", ReceivedAt: time.Now()},
	}))

	msg, err := store.GetMessage("mb-1", "msg-1")
	require.NoError(t, err)
	assert.False(t, msg.IsRead)

	require.NoError(t, store.MarkMessageRead("mb-1", "msg-1"))
	msg, err = store.GetMessage("mb-1", "msg-1")
	require.NoError(t, err)
	assert.True(t, msg.IsRead)

	_, err = store.GetMessage("mb-1", "missing")
	assert.ErrorIs(t, err, storage.ErrMessageNotFound)
}

func TestMemoryStore_PendingDeliveries(t *testing.T) {
	store := NewStore()

	past := time.Now().Add(-time.Minute)
	future := time.Now().Add(time.Hour)

	require.NoError(t, store.RecordDelivery(&domain.WebhookDelivery{
		ID: "d-1", MailboxID: "mb-1", Success: false, NextRetry: &past, CreatedAt: time.Now(),
	}))
	require.NoError(t, store.RecordDelivery(&domain.WebhookDelivery{
		ID: "d-2", MailboxID: "mb-1", Success: false, NextRetry: &future, CreatedAt: time.Now(),
	}))
	require.NoError(t, store.RecordDelivery(&domain.WebhookDelivery{
		ID: "d-3", MailboxID: "mb-1", Success: true, CreatedAt: time.Now(),
	}))

	pending, err := store.GetPendingDeliveries(10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "d-1", pending[0].ID)

	// A claimed delivery is not returned twice
	pending, err = store.GetPendingDeliveries(10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	deliveries, err := store.ListDeliveries("mb-1", 10)
	require.NoError(t, err)
	assert.Len(t, deliveries, 3)
}
