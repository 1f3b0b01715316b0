package storage

import (
	"errors"

	"omnimail/backend/internal/domain"
)

var (
	// ErrTenantNotFound 租户不存在
	ErrTenantNotFound = errors.New("tenant not found")
	// ErrTenantExists 租户邮箱已被注册
	ErrTenantExists = errors.New("tenant already exists")
	// ErrMailboxNotFound 邮箱不存在（目录查询未命中时返回，属于正常结果）
	ErrMailboxNotFound = errors.New("mailbox not found")
	// ErrMailboxExists 邮箱地址已被占用
	ErrMailboxExists = errors.New("mailbox address already exists")
	// ErrMessageNotFound 邮件不存在
	ErrMessageNotFound = errors.New("message not found")
	// ErrAPIKeyNotFound API 凭证不存在
	ErrAPIKeyNotFound = errors.New("api key not found")
)

// TenantRepository 定义租户数据存取操作。
type TenantRepository interface {
	CreateTenant(tenant *domain.Tenant) error
	GetTenant(id string) (*domain.Tenant, error)
	GetTenantByEmail(email string) (*domain.Tenant, error)
	UpdateTenant(tenant *domain.Tenant) error
}

// APIKeyRepository 定义 API 凭证数据存取操作。
type APIKeyRepository interface {
	SaveAPIKey(apiKey *domain.APIKey) error
	ListAPIKeysByPrefix(prefix string) ([]*domain.APIKey, error)
	ListAPIKeysByTenantID(tenantID string) ([]*domain.APIKey, error)
	UpdateAPIKeyLastUsed(id string) error
	DeleteAPIKey(id string) error
}

// MailboxRepository 定义邮箱数据存取操作。
//
// GetMailboxByAddress 的入参必须是规范化后的小写地址。
type MailboxRepository interface {
	SaveMailbox(mailbox *domain.Mailbox) error
	GetMailbox(id string) (*domain.Mailbox, error)
	GetMailboxByAddress(address string) (*domain.Mailbox, error)
	ListMailboxesByTenantID(tenantID string) []domain.Mailbox
	UpdateMailbox(mailbox *domain.Mailbox) error
	DeleteMailbox(id string) error
}

// MessageRepository 定义邮件数据存取操作。
//
// SaveMessages 是接收引擎依赖的原子落库单元：
// 一次调用内的全部插入要么同时成功，要么全部回滚，
// 不允许出现只写入部分收件人的中间状态。
type MessageRepository interface {
	SaveMessages(messages []*domain.Message) error
	ListMessages(mailboxID string) ([]domain.Message, error)
	GetMessage(mailboxID, messageID string) (*domain.Message, error)
	MarkMessageRead(mailboxID, messageID string) error
	CountMessages(mailboxID string) (int, error)
}

// DeliveryRepository 定义 Webhook 投递记录存取操作。
type DeliveryRepository interface {
	RecordDelivery(delivery *domain.WebhookDelivery) error
	ListDeliveries(mailboxID string, limit int) ([]domain.WebhookDelivery, error)
	GetPendingDeliveries(limit int) ([]domain.WebhookDelivery, error)
}

// Store 定义完整的存储接口。
type Store interface {
	TenantRepository
	APIKeyRepository
	MailboxRepository
	MessageRepository
	DeliveryRepository

	Close() error
	Health() error
}
