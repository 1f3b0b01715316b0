package service

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"omnimail/backend/internal/config"
	"omnimail/backend/internal/domain"
	"omnimail/backend/internal/storage"
)

var (
	// ErrDomainNotAllowed 请求的域名不在允许列表中
	ErrDomainNotAllowed = errors.New("domain not allowed")
	// ErrPrefixInvalid 邮箱前缀不合法
	ErrPrefixInvalid = errors.New("prefix invalid")
	// ErrMailboxQuota 租户邮箱数已达上限
	ErrMailboxQuota = errors.New("mailbox quota exceeded")
	// ErrNotOwner 邮箱不属于当前租户
	ErrNotOwner = errors.New("mailbox does not belong to tenant")
	// ErrWebhookURLInvalid Webhook 地址不合法
	ErrWebhookURLInvalid = errors.New("webhook url invalid")
)

// CacheInvalidator 目录缓存失效接口。
//
// 邮箱被修改或删除后必须让缓存条目失效，
// 否则接收引擎可能继续把邮件路由到已停用的邮箱。
type CacheInvalidator interface {
	Invalidate(address string)
}

// MailboxService 封装邮箱相关业务操作。
type MailboxService struct {
	repo           storage.MailboxRepository
	cfg            *config.Config
	domainSet      map[string]struct{}
	emailValidator *domain.EmailValidator
	cache          CacheInvalidator
}

// NewMailboxService 创建邮箱业务服务。
func NewMailboxService(repo storage.MailboxRepository, cfg *config.Config) *MailboxService {
	domainSet := make(map[string]struct{}, len(cfg.Mailbox.AllowedDomains))
	for _, d := range cfg.Mailbox.AllowedDomains {
		domainSet[d] = struct{}{}
	}

	return &MailboxService{
		repo:           repo,
		cfg:            cfg,
		domainSet:      domainSet,
		emailValidator: domain.NewEmailValidator(),
	}
}

// SetCacheInvalidator 设置目录缓存失效器（可选）。
func (s *MailboxService) SetCacheInvalidator(cache CacheInvalidator) {
	s.cache = cache
}

// CreateMailboxInput 定义开通邮箱所需的输入。
type CreateMailboxInput struct {
	TenantID   string
	Prefix     string
	Domain     string
	WebhookURL string
}

// Create 为租户开通新邮箱。
//
// 前缀留空时生成随机本地部分；地址冲突返回 storage.ErrMailboxExists。
func (s *MailboxService) Create(input CreateMailboxInput) (*domain.Mailbox, error) {
	selectedDomain := s.pickDomain(input.Domain)
	if selectedDomain == "" {
		return nil, ErrDomainNotAllowed
	}

	if s.cfg.Mailbox.MaxPerTenant > 0 {
		existing := s.repo.ListMailboxesByTenantID(input.TenantID)
		if len(existing) >= s.cfg.Mailbox.MaxPerTenant {
			return nil, ErrMailboxQuota
		}
	}

	localPart, err := s.resolveLocalPart(input.Prefix)
	if err != nil {
		return nil, err
	}

	address := fmt.Sprintf("%s@%s", localPart, selectedDomain)
	if err := s.emailValidator.ValidateEmail(address); err != nil {
		return nil, ErrPrefixInvalid
	}

	webhookURL, err := validateWebhookURL(input.WebhookURL)
	if err != nil {
		return nil, err
	}

	mailbox := &domain.Mailbox{
		ID:         uuid.NewString(),
		Address:    address,
		LocalPart:  localPart,
		Domain:     selectedDomain,
		TenantID:   input.TenantID,
		WebhookURL: webhookURL,
		IsActive:   true,
		CreatedAt:  time.Now().UTC(),
	}

	if err := s.repo.SaveMailbox(mailbox); err != nil {
		return nil, err
	}

	// 清除该地址可能存在的负向目录缓存条目，
	// 保证新开通的邮箱对收件路由立即可见
	if s.cache != nil {
		s.cache.Invalidate(mailbox.Address)
	}

	return mailbox, nil
}

// Get 获取租户名下的指定邮箱。
func (s *MailboxService) Get(tenantID, id string) (*domain.Mailbox, error) {
	mailbox, err := s.repo.GetMailbox(id)
	if err != nil {
		return nil, err
	}
	if mailbox.TenantID != tenantID {
		return nil, ErrNotOwner
	}
	return mailbox, nil
}

// List 返回租户的全部邮箱。
func (s *MailboxService) List(tenantID string) []domain.Mailbox {
	return s.repo.ListMailboxesByTenantID(tenantID)
}

// UpdateMailboxInput 定义邮箱可修改的字段。
type UpdateMailboxInput struct {
	WebhookURL *string
	IsActive   *bool
}

// Update 修改邮箱的 Webhook 地址或激活状态。
//
// 停用的邮箱立即退出收件路由，对应的目录缓存条目同时失效。
func (s *MailboxService) Update(tenantID, id string, input UpdateMailboxInput) (*domain.Mailbox, error) {
	mailbox, err := s.Get(tenantID, id)
	if err != nil {
		return nil, err
	}

	if input.WebhookURL != nil {
		webhookURL, err := validateWebhookURL(*input.WebhookURL)
		if err != nil {
			return nil, err
		}
		mailbox.WebhookURL = webhookURL
	}
	if input.IsActive != nil {
		mailbox.IsActive = *input.IsActive
	}

	if err := s.repo.UpdateMailbox(mailbox); err != nil {
		return nil, err
	}

	if s.cache != nil {
		s.cache.Invalidate(mailbox.Address)
	}
	return mailbox, nil
}

// Delete 删除租户名下的指定邮箱。
func (s *MailboxService) Delete(tenantID, id string) error {
	mailbox, err := s.Get(tenantID, id)
	if err != nil {
		return err
	}

	if err := s.repo.DeleteMailbox(id); err != nil {
		return err
	}

	if s.cache != nil {
		s.cache.Invalidate(mailbox.Address)
	}
	return nil
}

// pickDomain 挑选合法的邮箱域名。
func (s *MailboxService) pickDomain(requested string) string {
	if requested == "" {
		return s.cfg.Mailbox.AllowedDomains[0]
	}
	requested = strings.ToLower(strings.TrimSpace(requested))
	if _, ok := s.domainSet[requested]; ok {
		return requested
	}
	return ""
}

// resolveLocalPart 生成或验证邮箱前缀。
func (s *MailboxService) resolveLocalPart(prefix string) (string, error) {
	if prefix == "" {
		return s.generateRandomLocalPart(), nil
	}
	prefix = strings.ToLower(prefix)
	if err := s.emailValidator.ValidateLocalPart(prefix); err != nil {
		return "", ErrPrefixInvalid
	}
	return prefix, nil
}

// generateRandomLocalPart 生成随机前缀。
func (s *MailboxService) generateRandomLocalPart() string {
	base := strings.ToLower(strings.ReplaceAll(uuid.NewString(), "-", ""))
	return base[:12]
}

// validateWebhookURL 校验 Webhook 地址，空串表示不配置。
func validateWebhookURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", nil
	}
	if !strings.HasPrefix(raw, "http://") && !strings.HasPrefix(raw, "https://") {
		return "", ErrWebhookURLInvalid
	}
	return raw, nil
}
