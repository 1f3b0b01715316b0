package websocket

import (
	"encoding/json"
	"errors"
	"testing"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"omnimail/backend/internal/domain"
)

type fakeBus struct {
	published map[string]*domain.Message
	fail      bool
}

func (f *fakeBus) PublishNewMessage(mailboxID string, message *domain.Message) error {
	if f.fail {
		return errors.New("redis down")
	}
	if f.published == nil {
		f.published = make(map[string]*domain.Message)
	}
	f.published[mailboxID] = message
	return nil
}

func (f *fakeBus) SubscribeNewMessages() *goredis.PubSub { return nil }

func TestBridge_NotifyPublishes(t *testing.T) {
	hub := NewHub(nil, nil, zap.NewNop())
	bus := &fakeBus{}
	bridge := NewBridge(bus, hub, zap.NewNop())

	bridge.Notify(&domain.Mailbox{ID: "mb-1"}, &domain.Message{ID: "msg-1", Subject: "hi"})

	require.Contains(t, bus.published, "mb-1")
	assert.Equal(t, "msg-1", bus.published["mb-1"].ID)
	// 事件经订阅回流，不直接进本地广播队列
	assert.Empty(t, hub.broadcast)
}

func TestBridge_NotifyFallsBackToLocalPush(t *testing.T) {
	hub := NewHub(nil, nil, zap.NewNop())
	bridge := NewBridge(&fakeBus{fail: true}, hub, zap.NewNop())

	bridge.Notify(&domain.Mailbox{ID: "mb-1"}, &domain.Message{ID: "msg-1"})

	require.Len(t, hub.broadcast, 1)
	event := <-hub.broadcast
	assert.Equal(t, "mb-1", event.MailboxID)
}

func TestBridge_DispatchForwardsToHub(t *testing.T) {
	hub := NewHub(nil, nil, zap.NewNop())
	bridge := NewBridge(&fakeBus{}, hub, zap.NewNop())

	payload, err := json.Marshal(&domain.Message{ID: "msg-1", Sender: "a@b.c"})
	require.NoError(t, err)

	bridge.dispatch("new_message:mb-9", payload)

	require.Len(t, hub.broadcast, 1)
	event := <-hub.broadcast
	assert.Equal(t, "mb-9", event.MailboxID)
	assert.Equal(t, MessageTypeNewMessage, event.Message.Type)
}

func TestBridge_DispatchIgnoresUnknownChannel(t *testing.T) {
	hub := NewHub(nil, nil, zap.NewNop())
	bridge := NewBridge(&fakeBus{}, hub, zap.NewNop())

	bridge.dispatch("directory:a@b.c", []byte("{}"))
	bridge.dispatch("new_message:mb-1", []byte("not json"))

	assert.Empty(t, hub.broadcast)
}
