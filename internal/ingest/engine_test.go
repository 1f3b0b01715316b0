package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"omnimail/backend/internal/domain"
	"omnimail/backend/internal/storage"
	"omnimail/backend/internal/storage/memory"
)

// storeDirectory resolves addresses straight against the store,
// applying the same inactive-mailbox rule as the directory service.
type storeDirectory struct {
	store *memory.Store
}

func (d *storeDirectory) Resolve(address string) (*domain.Mailbox, error) {
	mailbox, err := d.store.GetMailboxByAddress(address)
	if err != nil {
		return nil, err
	}
	if !mailbox.IsActive {
		return nil, storage.ErrMailboxNotFound
	}
	return mailbox, nil
}

type recordingNotifier struct {
	mu       sync.Mutex
	messages []*domain.Message
}

func (n *recordingNotifier) Notify(_ *domain.Mailbox, message *domain.Message) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, message)
}

func newEngineFixture(t *testing.T) (*Engine, *memory.Store, *recordingNotifier) {
	t.Helper()
	store := memory.NewStore()
	notifier := &recordingNotifier{}
	engine := NewEngine(&storeDirectory{store: store}, store, notifier, nil, zap.NewNop())
	return engine, store, notifier
}

func addMailbox(t *testing.T, store *memory.Store, id, address string, active bool) {
	t.Helper()
	require.NoError(t, store.SaveMailbox(&domain.Mailbox{
		ID:        id,
		Address:   address,
		TenantID:  "tenant-1",
		IsActive:  active,
		CreatedAt: time.Now(),
	}))
}

func testMail() *ParsedMail {
	return &ParsedMail{
		Subject: "Hello",
		From:    "sender@example.com",
		Body:    "body",
		Raw:     "raw",
		Size:    42,
	}
}

func TestEngine_FanOut(t *testing.T) {
	engine, store, notifier := newEngineFixture(t)
	addMailbox(t, store, "mb-1", "a@omni.mail", true)
	addMailbox(t, store, "mb-2", "b@omni.mail", true)

	result := engine.Ingest(context.Background(), Transaction{
		Sender:     "sender@example.com",
		Recipients: []string{"a@omni.mail", "b@omni.mail"},
		Mail:       testMail(),
	})

	assert.Equal(t, DispositionAccepted, result.Disposition)
	require.Len(t, result.Stored, 2)

	// Every matched mailbox gets its own record with shared content
	assert.NotEqual(t, result.Stored[0].ID, result.Stored[1].ID)
	assert.Equal(t, result.Stored[0].Subject, result.Stored[1].Subject)
	assert.Equal(t, result.Stored[0].ReceivedAt, result.Stored[1].ReceivedAt)

	for _, id := range []string{"mb-1", "mb-2"} {
		count, err := store.CountMessages(id)
		require.NoError(t, err)
		assert.Equal(t, 1, count)
	}
	assert.Len(t, notifier.messages, 2)
}

func TestEngine_NoValidRecipients(t *testing.T) {
	engine, _, notifier := newEngineFixture(t)

	result := engine.Ingest(context.Background(), Transaction{
		Sender:     "sender@example.com",
		Recipients: []string{"nobody@omni.mail"},
		Mail:       testMail(),
	})

	assert.Equal(t, DispositionRejected, result.Disposition)
	assert.Empty(t, result.Stored)
	assert.Empty(t, notifier.messages)
}

func TestEngine_PartialMatchAccepts(t *testing.T) {
	engine, store, _ := newEngineFixture(t)
	addMailbox(t, store, "mb-1", "a@omni.mail", true)

	result := engine.Ingest(context.Background(), Transaction{
		Sender:     "sender@example.com",
		Recipients: []string{"nobody@omni.mail", "a@omni.mail"},
		Mail:       testMail(),
	})

	assert.Equal(t, DispositionAccepted, result.Disposition)
	assert.Len(t, result.Stored, 1)
	assert.Equal(t, "mb-1", result.Stored[0].MailboxID)
}

func TestEngine_InactiveMailboxSkipped(t *testing.T) {
	engine, store, _ := newEngineFixture(t)
	addMailbox(t, store, "mb-1", "a@omni.mail", false)

	result := engine.Ingest(context.Background(), Transaction{
		Sender:     "sender@example.com",
		Recipients: []string{"a@omni.mail"},
		Mail:       testMail(),
	})

	assert.Equal(t, DispositionRejected, result.Disposition)
}

func TestEngine_DuplicateRecipientsCollapse(t *testing.T) {
	engine, store, _ := newEngineFixture(t)
	addMailbox(t, store, "mb-1", "a@omni.mail", true)

	result := engine.Ingest(context.Background(), Transaction{
		Sender:     "sender@example.com",
		Recipients: []string{"a@omni.mail", "A@OMNI.MAIL", "<a@omni.mail>"},
		Mail:       testMail(),
	})

	assert.Equal(t, DispositionAccepted, result.Disposition)
	assert.Len(t, result.Stored, 1)

	count, err := store.CountMessages("mb-1")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestEngine_CaseInsensitiveRouting(t *testing.T) {
	engine, store, _ := newEngineFixture(t)
	addMailbox(t, store, "mb-1", "dev@omni.mail", true)

	result := engine.Ingest(context.Background(), Transaction{
		Sender:     "sender@example.com",
		Recipients: []string{"DEV@Omni.Mail"},
		Mail:       testMail(),
	})

	assert.Equal(t, DispositionAccepted, result.Disposition)
	assert.Len(t, result.Stored, 1)
}

func TestEngine_StorageFailureIsTransient(t *testing.T) {
	engine, store, notifier := newEngineFixture(t)
	addMailbox(t, store, "mb-1", "a@omni.mail", true)
	addMailbox(t, store, "mb-2", "b@omni.mail", true)

	store.FailSaveMessagesAfter(1, errors.New("disk full"))

	txn := Transaction{
		Sender:     "sender@example.com",
		Recipients: []string{"a@omni.mail", "b@omni.mail"},
		Mail:       testMail(),
	}

	result := engine.Ingest(context.Background(), txn)
	assert.Equal(t, DispositionTransientFailure, result.Disposition)
	assert.Empty(t, notifier.messages)

	// No partial writes survived the failed transaction
	for _, id := range []string{"mb-1", "mb-2"} {
		count, err := store.CountMessages(id)
		require.NoError(t, err)
		assert.Equal(t, 0, count)
	}

	// Sender-side retry of the whole transaction stores exactly one copy each
	result = engine.Ingest(context.Background(), txn)
	assert.Equal(t, DispositionAccepted, result.Disposition)
	for _, id := range []string{"mb-1", "mb-2"} {
		count, err := store.CountMessages(id)
		require.NoError(t, err)
		assert.Equal(t, 1, count)
	}
}

func TestEngine_CanceledContextIsTransient(t *testing.T) {
	engine, store, _ := newEngineFixture(t)
	addMailbox(t, store, "mb-1", "a@omni.mail", true)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := engine.Ingest(ctx, Transaction{
		Sender:     "sender@example.com",
		Recipients: []string{"a@omni.mail"},
		Mail:       testMail(),
	})

	assert.Equal(t, DispositionTransientFailure, result.Disposition)
	count, err := store.CountMessages("mb-1")
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}
