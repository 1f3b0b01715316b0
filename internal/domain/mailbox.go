package domain

import "time"

// Mailbox 表示租户名下的一个可编程邮箱。
//
// Address 全局唯一且保存为小写；唯一性由存储层的唯一索引保证，
// 接收引擎不做二次校验。IsActive 为 false 的邮箱不参与收件路由。
type Mailbox struct {
	ID         string    `json:"id" gorm:"primaryKey;type:varchar(36)"`
	Address    string    `json:"address" gorm:"type:varchar(255);uniqueIndex;not null"`
	LocalPart  string    `json:"localPart" gorm:"type:varchar(255)"`
	Domain     string    `json:"domain" gorm:"type:varchar(100);index"`
	TenantID   string    `json:"tenantId" gorm:"type:varchar(36);index;not null"`
	WebhookURL string    `json:"webhookUrl,omitempty" gorm:"type:varchar(500)"`
	IsActive   bool      `json:"isActive" gorm:"default:true"`
	CreatedAt  time.Time `json:"createdAt"`
}
