package memory

import (
	"sort"
	"sync"
	"time"

	"omnimail/backend/internal/domain"
	"omnimail/backend/internal/storage"
)

// Store 使用内存保存全部数据，用于开发验证与测试。
//
// 所有写操作都在同一把锁内完成，SaveMessages 先校验后写入，
// 天然满足全有或全无的落库语义。
type Store struct {
	mu         sync.RWMutex
	tenants    map[string]*domain.Tenant
	byEmail    map[string]string // email -> tenantID
	apiKeys    map[string]*domain.APIKey
	byPrefix   map[string][]string // keyPrefix -> apiKeyIDs
	mailboxes  map[string]*domain.Mailbox
	byAddress  map[string]string                     // address -> mailboxID
	messages   map[string]map[string]*domain.Message // mailboxID -> messageID -> message
	deliveries []*domain.WebhookDelivery

	// 测试钩子：非 nil 时 SaveMessages 在第 N 次插入前返回该错误
	failSaveAfter int
	failSaveErr   error
}

// NewStore 创建一个内存存储实例。
func NewStore() *Store {
	return &Store{
		tenants:   make(map[string]*domain.Tenant),
		byEmail:   make(map[string]string),
		apiKeys:   make(map[string]*domain.APIKey),
		byPrefix:  make(map[string][]string),
		mailboxes: make(map[string]*domain.Mailbox),
		byAddress: make(map[string]string),
		messages:  make(map[string]map[string]*domain.Message),
	}
}

// FailSaveMessagesAfter 让下一次 SaveMessages 在插入 n 条后失败，仅用于测试。
func (s *Store) FailSaveMessagesAfter(n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failSaveAfter = n
	s.failSaveErr = err
}

// ========== Tenant ==========

// CreateTenant 创建租户。
func (s *Store) CreateTenant(tenant *domain.Tenant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byEmail[tenant.Email]; ok {
		return storage.ErrTenantExists
	}
	s.tenants[tenant.ID] = tenant
	s.byEmail[tenant.Email] = tenant.ID
	return nil
}

// GetTenant 根据 ID 获取租户。
func (s *Store) GetTenant(id string) (*domain.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tenant, ok := s.tenants[id]
	if !ok {
		return nil, storage.ErrTenantNotFound
	}
	clone := *tenant
	return &clone, nil
}

// GetTenantByEmail 根据注册邮箱获取租户。
func (s *Store) GetTenantByEmail(email string) (*domain.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byEmail[email]
	if !ok {
		return nil, storage.ErrTenantNotFound
	}
	clone := *s.tenants[id]
	return &clone, nil
}

// UpdateTenant 更新租户。
func (s *Store) UpdateTenant(tenant *domain.Tenant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tenants[tenant.ID]; !ok {
		return storage.ErrTenantNotFound
	}
	s.tenants[tenant.ID] = tenant
	return nil
}

// ========== APIKey ==========

// SaveAPIKey 保存 API 凭证。
func (s *Store) SaveAPIKey(apiKey *domain.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.apiKeys[apiKey.ID]; !ok {
		s.byPrefix[apiKey.KeyPrefix] = append(s.byPrefix[apiKey.KeyPrefix], apiKey.ID)
	}
	s.apiKeys[apiKey.ID] = apiKey
	return nil
}

// ListAPIKeysByPrefix 按前缀列出候选凭证。
func (s *Store) ListAPIKeysByPrefix(prefix string) ([]*domain.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.byPrefix[prefix]
	result := make([]*domain.APIKey, 0, len(ids))
	for _, id := range ids {
		if k, ok := s.apiKeys[id]; ok {
			clone := *k
			result = append(result, &clone)
		}
	}
	return result, nil
}

// ListAPIKeysByTenantID 列出租户的全部凭证。
func (s *Store) ListAPIKeysByTenantID(tenantID string) ([]*domain.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*domain.APIKey, 0)
	for _, k := range s.apiKeys {
		if k.TenantID == tenantID {
			clone := *k
			result = append(result, &clone)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

// UpdateAPIKeyLastUsed 更新凭证最后使用时间。
func (s *Store) UpdateAPIKeyLastUsed(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, ok := s.apiKeys[id]
	if !ok {
		return storage.ErrAPIKeyNotFound
	}
	now := time.Now().UTC()
	k.LastUsedAt = &now
	return nil
}

// DeleteAPIKey 删除凭证。
func (s *Store) DeleteAPIKey(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, ok := s.apiKeys[id]
	if !ok {
		return storage.ErrAPIKeyNotFound
	}
	delete(s.apiKeys, id)
	ids := s.byPrefix[k.KeyPrefix]
	for i, existing := range ids {
		if existing == id {
			s.byPrefix[k.KeyPrefix] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	return nil
}

// ========== Mailbox ==========

// SaveMailbox 保存邮箱。地址冲突时返回 ErrMailboxExists。
func (s *Store) SaveMailbox(mailbox *domain.Mailbox) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.byAddress[mailbox.Address]; ok && existing != mailbox.ID {
		return storage.ErrMailboxExists
	}
	s.mailboxes[mailbox.ID] = mailbox
	s.byAddress[mailbox.Address] = mailbox.ID
	return nil
}

// GetMailbox 根据 ID 获取邮箱。
func (s *Store) GetMailbox(id string) (*domain.Mailbox, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	mailbox, ok := s.mailboxes[id]
	if !ok {
		return nil, storage.ErrMailboxNotFound
	}
	clone := *mailbox
	return &clone, nil
}

// GetMailboxByAddress 根据规范化地址获取邮箱。
func (s *Store) GetMailboxByAddress(address string) (*domain.Mailbox, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byAddress[address]
	if !ok {
		return nil, storage.ErrMailboxNotFound
	}
	clone := *s.mailboxes[id]
	return &clone, nil
}

// ListMailboxesByTenantID 返回租户的全部邮箱快照。
func (s *Store) ListMailboxesByTenantID(tenantID string) []domain.Mailbox {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Mailbox, 0)
	for _, mb := range s.mailboxes {
		if mb.TenantID == tenantID {
			result = append(result, *mb)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result
}

// UpdateMailbox 更新邮箱。
func (s *Store) UpdateMailbox(mailbox *domain.Mailbox) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.mailboxes[mailbox.ID]
	if !ok {
		return storage.ErrMailboxNotFound
	}
	if old.Address != mailbox.Address {
		if _, taken := s.byAddress[mailbox.Address]; taken {
			return storage.ErrMailboxExists
		}
		delete(s.byAddress, old.Address)
		s.byAddress[mailbox.Address] = mailbox.ID
	}
	s.mailboxes[mailbox.ID] = mailbox
	return nil
}

// DeleteMailbox 删除邮箱及其全部邮件。
func (s *Store) DeleteMailbox(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	mailbox, ok := s.mailboxes[id]
	if !ok {
		return storage.ErrMailboxNotFound
	}
	delete(s.byAddress, mailbox.Address)
	delete(s.mailboxes, id)
	delete(s.messages, id)
	return nil
}

// ========== Message ==========

// SaveMessages 原子保存一批邮件。
//
// 先整体校验所有目标邮箱存在，再一次性写入；
// 任何一条失败时不修改任何状态。
func (s *Store) SaveMessages(messages []*domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, msg := range messages {
		if s.failSaveErr != nil && i >= s.failSaveAfter {
			err := s.failSaveErr
			s.failSaveErr = nil
			return err
		}
		if _, ok := s.mailboxes[msg.MailboxID]; !ok {
			return storage.ErrMailboxNotFound
		}
	}

	for _, msg := range messages {
		box, ok := s.messages[msg.MailboxID]
		if !ok {
			box = make(map[string]*domain.Message)
			s.messages[msg.MailboxID] = box
		}
		clone := *msg
		box[msg.ID] = &clone
	}
	return nil
}

// ListMessages 列出邮箱内全部邮件，按接收时间排序。
func (s *Store) ListMessages(mailboxID string) ([]domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.mailboxes[mailboxID]; !ok {
		return nil, storage.ErrMailboxNotFound
	}
	result := make([]domain.Message, 0, len(s.messages[mailboxID]))
	for _, msg := range s.messages[mailboxID] {
		result = append(result, *msg)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ReceivedAt.Before(result[j].ReceivedAt) })
	return result, nil
}

// GetMessage 获取单封邮件。
func (s *Store) GetMessage(mailboxID, messageID string) (*domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msg, ok := s.messages[mailboxID][messageID]
	if !ok {
		return nil, storage.ErrMessageNotFound
	}
	clone := *msg
	return &clone, nil
}

// MarkMessageRead 将邮件标记为已读。
func (s *Store) MarkMessageRead(mailboxID, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.messages[mailboxID][messageID]
	if !ok {
		return storage.ErrMessageNotFound
	}
	msg.IsRead = true
	return nil
}

// CountMessages 统计邮箱内邮件数量。
func (s *Store) CountMessages(mailboxID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages[mailboxID]), nil
}

// ========== WebhookDelivery ==========

// RecordDelivery 记录一次投递结果。
func (s *Store) RecordDelivery(delivery *domain.WebhookDelivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	clone := *delivery
	s.deliveries = append(s.deliveries, &clone)
	return nil
}

// ListDeliveries 列出邮箱最近的投递记录。
func (s *Store) ListDeliveries(mailboxID string, limit int) ([]domain.WebhookDelivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.WebhookDelivery, 0, limit)
	for i := len(s.deliveries) - 1; i >= 0 && len(result) < limit; i-- {
		if s.deliveries[i].MailboxID == mailboxID {
			result = append(result, *s.deliveries[i])
		}
	}
	return result, nil
}

// GetPendingDeliveries 获取到期待重试的失败投递。
//
// 每条记录只返回一次：取出后清空 NextRetry，由重试产生新记录。
func (s *Store) GetPendingDeliveries(limit int) ([]domain.WebhookDelivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	result := make([]domain.WebhookDelivery, 0, limit)
	for _, d := range s.deliveries {
		if len(result) >= limit {
			break
		}
		if !d.Success && d.NextRetry != nil && d.NextRetry.Before(now) {
			result = append(result, *d)
			d.NextRetry = nil
		}
	}
	return result, nil
}

// Close 关闭存储（内存实现为空操作）。
func (s *Store) Close() error { return nil }

// Health 健康检查（内存实现恒为健康）。
func (s *Store) Health() error { return nil }
