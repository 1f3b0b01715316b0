package websocket

import (
	"context"
	"encoding/json"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"omnimail/backend/internal/domain"
	"omnimail/backend/internal/storage/redis"
)

// messageBus 跨实例事件总线，由 redis.Cache 提供实现。
type messageBus interface {
	PublishNewMessage(mailboxID string, message *domain.Message) error
	SubscribeNewMessages() *goredis.PubSub
}

// Bridge 基于 Redis 发布订阅的跨实例通知桥。
//
// 多实例部署时，接收邮件的进程和持有 WebSocket 连接的进程
// 不一定是同一个：落库通知先发布到 Redis 频道，每个实例的桥
// 再把收到的事件转发给本进程 Hub 上订阅了对应邮箱的客户端。
type Bridge struct {
	bus messageBus
	hub *Hub
	log *zap.Logger
}

// NewBridge 创建通知桥。
func NewBridge(bus messageBus, hub *Hub, log *zap.Logger) *Bridge {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bridge{bus: bus, hub: hub, log: log}
}

// Notify 实现接收引擎的 Notifier 接口：把事件发布到 Redis，
// 本实例与其他实例都通过订阅回流收到它。
//
// 发布失败时降级为仅本进程推送，通知依旧是尽力而为的。
func (b *Bridge) Notify(mailbox *domain.Mailbox, message *domain.Message) {
	if err := b.bus.PublishNewMessage(mailbox.ID, message); err != nil {
		b.log.Warn("failed to publish message event, falling back to local push",
			zap.String("mailboxID", mailbox.ID),
			zap.Error(err),
		)
		b.hub.Notify(mailbox, message)
	}
}

// Run 消费 Redis 频道并把事件转发给本进程的 Hub。
func (b *Bridge) Run(ctx context.Context) {
	pubsub := b.bus.SubscribeNewMessages()
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			b.log.Info("notification bridge stopped")
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			b.dispatch(msg.Channel, []byte(msg.Payload))
		}
	}
}

// dispatch 解析一条频道事件并转发给 Hub。
func (b *Bridge) dispatch(channel string, payload []byte) {
	mailboxID, ok := redis.ParseNewMessageChannel(channel)
	if !ok {
		b.log.Warn("unexpected pubsub channel", zap.String("channel", channel))
		return
	}

	var message domain.Message
	if err := json.Unmarshal(payload, &message); err != nil {
		b.log.Error("failed to decode message event",
			zap.String("channel", channel),
			zap.Error(err),
		)
		return
	}

	b.hub.Notify(&domain.Mailbox{ID: mailboxID}, &message)
}
