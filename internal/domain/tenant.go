package domain

import "time"

// Tenant 表示注册的开发者租户。
//
// 租户通过管理 API 注册，持有 API 凭证，并拥有若干邮箱。
// 接收引擎只读取租户的激活状态，不负责任何租户管理。
type Tenant struct {
	ID        string    `json:"id" gorm:"primaryKey;type:varchar(36)"`
	Email     string    `json:"email" gorm:"uniqueIndex;type:varchar(255);not null"`
	OrgName   string    `json:"orgName" gorm:"type:varchar(255)"`
	IsActive  bool      `json:"isActive" gorm:"default:true"`
	CreatedAt time.Time `json:"createdAt"`
}
