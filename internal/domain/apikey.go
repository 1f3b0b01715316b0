package domain

import "time"

// APIKey 租户的 API 凭证。
//
// 明文密钥形如 omni_<hex>，仅在签发时返回一次；
// 数据库只保存 bcrypt 哈希。KeyPrefix 取明文前若干字符，
// 用于验证时快速缩小候选范围。
type APIKey struct {
	ID         string     `json:"id" gorm:"primaryKey;type:varchar(36)"`
	TenantID   string     `json:"tenantId" gorm:"type:varchar(36);index;not null"`
	KeyHash    string     `json:"-" gorm:"column:key_hash;type:varchar(255);not null"`
	KeyPrefix  string     `json:"keyPrefix" gorm:"type:varchar(20);index;not null"`
	Name       string     `json:"name" gorm:"type:varchar(100)"`
	IsActive   bool       `json:"isActive" gorm:"default:true"`
	CreatedAt  time.Time  `json:"createdAt"`
	LastUsedAt *time.Time `json:"lastUsedAt,omitempty"`
}
