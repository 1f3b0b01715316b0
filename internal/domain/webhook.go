package domain

import "time"

// WebhookEventType Webhook 事件类型
type WebhookEventType string

const (
	// WebhookEventMessageStored 新邮件已落库
	WebhookEventMessageStored WebhookEventType = "message.stored"
)

// WebhookEvent 推送给通知端点的事件载荷。
type WebhookEvent struct {
	ID        string           `json:"id"`
	Event     WebhookEventType `json:"event"`
	Timestamp time.Time        `json:"timestamp"`
	MailboxID string           `json:"mailboxId"`
	Data      interface{}      `json:"data"`
}

// WebhookDelivery 单次 Webhook 投递的结果记录。
//
// 投递是尽力而为的：失败只记录并按 NextRetry 退避重试，
// 永远不影响触发它的 SMTP 事务的处置结果。
type WebhookDelivery struct {
	ID         string           `json:"id" gorm:"primaryKey;type:varchar(36)"`
	MailboxID  string           `json:"mailboxId" gorm:"type:varchar(36);index"`
	MessageID  string           `json:"messageId" gorm:"type:varchar(36);index"`
	URL        string           `json:"url" gorm:"type:varchar(500)"`
	Event      WebhookEventType `json:"event" gorm:"type:varchar(50)"`
	Payload    string           `json:"payload" gorm:"type:text"`
	StatusCode int              `json:"statusCode"`
	Duration   int64            `json:"duration"`
	Success    bool             `json:"success" gorm:"index"`
	Error      string           `json:"error" gorm:"type:text"`
	Attempts   int              `json:"attempts"`
	NextRetry  *time.Time       `json:"nextRetry,omitempty" gorm:"index"`
	CreatedAt  time.Time        `json:"createdAt"`
}
