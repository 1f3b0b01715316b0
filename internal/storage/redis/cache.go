package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"omnimail/backend/internal/domain"
)

// 目录缓存里的占位值，标记确认不存在的地址。
// 负缓存让对未知收件人的轰炸不会每封都打到数据库。
const negativeEntry = "__miss__"

// Cache Redis 缓存实现
//
// 为接收路径的目录查询提供旁路缓存：正向条目缓存邮箱实体，
// 负向条目缓存确认未命中的地址。邮箱变更后由业务层调用
// DeleteCachedMailbox 使条目失效。
type Cache struct {
	client *redis.Client
	ctx    context.Context
}

// NewCache 创建 Redis 缓存实例
func NewCache(addr, password string, db int) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
		PoolSize: 10,
	})

	ctx := context.Background()

	// 测试连接
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Cache{
		client: client,
		ctx:    ctx,
	}, nil
}

// ========== 目录缓存 ==========

// CacheMailbox 按地址缓存邮箱信息
func (c *Cache) CacheMailbox(mailbox *domain.Mailbox, ttl time.Duration) error {
	key := fmt.Sprintf("directory:%s", mailbox.Address)
	data, err := json.Marshal(mailbox)
	if err != nil {
		return err
	}
	return c.client.Set(c.ctx, key, data, ttl).Err()
}

// CacheMailboxMiss 缓存确认不存在的地址
func (c *Cache) CacheMailboxMiss(address string, ttl time.Duration) error {
	key := fmt.Sprintf("directory:%s", address)
	return c.client.Set(c.ctx, key, negativeEntry, ttl).Err()
}

// GetCachedMailbox 获取缓存的邮箱信息
//
// 返回值:
//   - mailbox: 命中正向条目时的邮箱实体
//   - miss: 命中负向条目时为 true
//   - err: 缓存未命中或 Redis 故障
func (c *Cache) GetCachedMailbox(address string) (*domain.Mailbox, bool, error) {
	key := fmt.Sprintf("directory:%s", address)
	data, err := c.client.Get(c.ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, false, fmt.Errorf("mailbox not found in cache")
		}
		return nil, false, err
	}

	if data == negativeEntry {
		return nil, true, nil
	}

	var mailbox domain.Mailbox
	if err := json.Unmarshal([]byte(data), &mailbox); err != nil {
		return nil, false, err
	}

	return &mailbox, false, nil
}

// DeleteCachedMailbox 删除缓存的邮箱信息
func (c *Cache) DeleteCachedMailbox(address string) error {
	key := fmt.Sprintf("directory:%s", address)
	return c.client.Del(c.ctx, key).Err()
}

// ========== 发布订阅 ==========

// 新邮件通知的频道前缀，每个邮箱一个频道。
const newMessageChannelPrefix = "new_message:"

// PublishNewMessage 发布新邮件通知（用于多实例部署时的事件广播）
func (c *Cache) PublishNewMessage(mailboxID string, message *domain.Message) error {
	channel := newMessageChannelPrefix + mailboxID
	data, err := json.Marshal(message)
	if err != nil {
		return err
	}
	return c.client.Publish(c.ctx, channel, data).Err()
}

// SubscribeNewMessages 订阅全部邮箱的新邮件通知
func (c *Cache) SubscribeNewMessages() *redis.PubSub {
	return c.client.PSubscribe(c.ctx, newMessageChannelPrefix+"*")
}

// ParseNewMessageChannel 从频道名解析邮箱 ID
func ParseNewMessageChannel(channel string) (string, bool) {
	mailboxID := strings.TrimPrefix(channel, newMessageChannelPrefix)
	if mailboxID == channel || mailboxID == "" {
		return "", false
	}
	return mailboxID, true
}

// ========== 工具方法 ==========

// Health 检查 Redis 连接状态
func (c *Cache) Health() error {
	return c.client.Ping(c.ctx).Err()
}

// Close 关闭 Redis 连接
func (c *Cache) Close() error {
	return c.client.Close()
}
