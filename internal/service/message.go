package service

import (
	"omnimail/backend/internal/domain"
	"omnimail/backend/internal/storage"
)

// MessageService 封装邮件查询相关业务操作。
//
// 所有方法都以租户身份为入口：先校验邮箱归属，再访问邮件数据，
// 保证租户永远看不到他人邮箱里的内容。
type MessageService struct {
	messages  storage.MessageRepository
	mailboxes *MailboxService
}

// NewMessageService 创建邮件业务服务。
func NewMessageService(messages storage.MessageRepository, mailboxes *MailboxService) *MessageService {
	return &MessageService{
		messages:  messages,
		mailboxes: mailboxes,
	}
}

// List 返回邮箱内的全部邮件，按接收时间倒序。
func (s *MessageService) List(tenantID, mailboxID string) ([]domain.Message, error) {
	if _, err := s.mailboxes.Get(tenantID, mailboxID); err != nil {
		return nil, err
	}
	return s.messages.ListMessages(mailboxID)
}

// Get 获取单封邮件详情。
func (s *MessageService) Get(tenantID, mailboxID, messageID string) (*domain.Message, error) {
	if _, err := s.mailboxes.Get(tenantID, mailboxID); err != nil {
		return nil, err
	}
	return s.messages.GetMessage(mailboxID, messageID)
}

// MarkRead 将邮件标记为已读。
func (s *MessageService) MarkRead(tenantID, mailboxID, messageID string) error {
	if _, err := s.mailboxes.Get(tenantID, mailboxID); err != nil {
		return err
	}
	return s.messages.MarkMessageRead(mailboxID, messageID)
}

// Count 返回邮箱内的邮件数量。
func (s *MessageService) Count(tenantID, mailboxID string) (int, error) {
	if _, err := s.mailboxes.Get(tenantID, mailboxID); err != nil {
		return 0, err
	}
	return s.messages.CountMessages(mailboxID)
}
