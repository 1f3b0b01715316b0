package domain

import "time"

// Message 表示投递到某个邮箱的一封入站邮件。
//
// 同一次 SMTP 事务命中 N 个邮箱时会产生 N 条 Message，
// 它们共享 Sender/Subject/Body/Raw，仅 ID 与 MailboxID 不同。
// 除 IsRead 外所有字段在落库后不可变。
type Message struct {
	ID         string    `json:"id" gorm:"primaryKey;type:varchar(36)"`
	MailboxID  string    `json:"mailboxId" gorm:"type:varchar(36);index;not null"`
	Sender     string    `json:"sender" gorm:"type:varchar(255)"`
	Subject    string    `json:"subject" gorm:"type:varchar(500)"`
	Body       string    `json:"body" gorm:"type:text"`
	Raw        string    `json:"raw,omitempty" gorm:"type:text"`
	Size       int64     `json:"size"`
	IsRead     bool      `json:"isRead" gorm:"default:false;index"`
	ReceivedAt time.Time `json:"receivedAt" gorm:"index"`
}
