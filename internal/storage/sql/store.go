package sql

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql" // MySQL driver
	_ "github.com/lib/pq"              // PostgreSQL driver
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"omnimail/backend/internal/domain"
	"omnimail/backend/internal/storage"
)

// Store SQL 数据库存储实现（支持 MySQL 5.7+ 和 PostgreSQL）
//
// 连接池由 database/sql 管理，查询与迁移通过 GORM 执行。
type Store struct {
	db         *sql.DB
	gormDB     *gorm.DB
	driverName string // "mysql" or "postgres"
}

// NewStore 创建SQL数据库存储
func NewStore(
	driverName string,
	dsn string,
	maxOpenConns int,
	maxIdleConns int,
	connMaxLifetime time.Duration,
) (*Store, error) {
	if driverName != "mysql" && driverName != "postgres" {
		return nil, fmt.Errorf("unsupported database driver: %s (supported: mysql, postgres)", driverName)
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(connMaxLifetime)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}

	var dialector gorm.Dialector
	if driverName == "mysql" {
		dialector = mysql.New(mysql.Config{Conn: db})
	} else {
		dialector = postgres.New(postgres.Config{Conn: db})
	}

	gormDB, err := gorm.Open(dialector, gormConfig)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize GORM: %w", err)
	}

	store := &Store{
		db:         db,
		gormDB:     gormDB,
		driverName: driverName,
	}

	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// DB 返回底层 database/sql 连接（用于带超时的存活检查）
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close 关闭数据库连接
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Health 检查数据库健康状态
func (s *Store) Health() error {
	if s.db == nil {
		return fmt.Errorf("database connection is nil")
	}
	return s.db.Ping()
}

// migrate 执行数据库迁移（使用GORM AutoMigrate）
func (s *Store) migrate() error {
	return s.gormDB.AutoMigrate(
		&domain.Tenant{},
		&domain.APIKey{},
		&domain.Mailbox{},
		&domain.Message{},
		&domain.WebhookDelivery{},
	)
}

// ========== Tenant Repository ==========

// CreateTenant 创建租户
func (s *Store) CreateTenant(tenant *domain.Tenant) error {
	return s.gormDB.Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&domain.Tenant{}).Where("email = ?", tenant.Email).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return storage.ErrTenantExists
		}
		return tx.Create(tenant).Error
	})
}

// GetTenant 根据 ID 获取租户
func (s *Store) GetTenant(id string) (*domain.Tenant, error) {
	var tenant domain.Tenant
	err := s.gormDB.Where("id = ?", id).First(&tenant).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, storage.ErrTenantNotFound
		}
		return nil, err
	}
	return &tenant, nil
}

// GetTenantByEmail 根据注册邮箱获取租户
func (s *Store) GetTenantByEmail(email string) (*domain.Tenant, error) {
	var tenant domain.Tenant
	err := s.gormDB.Where("email = ?", email).First(&tenant).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, storage.ErrTenantNotFound
		}
		return nil, err
	}
	return &tenant, nil
}

// UpdateTenant 更新租户信息
func (s *Store) UpdateTenant(tenant *domain.Tenant) error {
	result := s.gormDB.Model(&domain.Tenant{}).Where("id = ?", tenant.ID).Updates(tenant)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return storage.ErrTenantNotFound
	}
	return nil
}

// ========== APIKey Repository ==========

// SaveAPIKey 保存 API 凭证
func (s *Store) SaveAPIKey(apiKey *domain.APIKey) error {
	return s.gormDB.Save(apiKey).Error
}

// ListAPIKeysByPrefix 按索引前缀列出候选凭证
func (s *Store) ListAPIKeysByPrefix(prefix string) ([]*domain.APIKey, error) {
	var keys []*domain.APIKey
	err := s.gormDB.Where("key_prefix = ?", prefix).Find(&keys).Error
	return keys, err
}

// ListAPIKeysByTenantID 列出租户的全部凭证
func (s *Store) ListAPIKeysByTenantID(tenantID string) ([]*domain.APIKey, error) {
	var keys []*domain.APIKey
	err := s.gormDB.Where("tenant_id = ?", tenantID).Order("created_at ASC").Find(&keys).Error
	return keys, err
}

// UpdateAPIKeyLastUsed 刷新凭证最后使用时间
func (s *Store) UpdateAPIKeyLastUsed(id string) error {
	now := time.Now().UTC()
	result := s.gormDB.Model(&domain.APIKey{}).Where("id = ?", id).Update("last_used_at", now)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return storage.ErrAPIKeyNotFound
	}
	return nil
}

// DeleteAPIKey 删除凭证
func (s *Store) DeleteAPIKey(id string) error {
	result := s.gormDB.Where("id = ?", id).Delete(&domain.APIKey{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return storage.ErrAPIKeyNotFound
	}
	return nil
}

// ========== Mailbox Repository ==========

// SaveMailbox 保存邮箱信息
func (s *Store) SaveMailbox(mailbox *domain.Mailbox) error {
	return s.gormDB.Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&domain.Mailbox{}).Where("address = ?", mailbox.Address).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return storage.ErrMailboxExists
		}
		return tx.Create(mailbox).Error
	})
}

// GetMailbox 根据 ID 获取邮箱
func (s *Store) GetMailbox(id string) (*domain.Mailbox, error) {
	var mailbox domain.Mailbox
	err := s.gormDB.Where("id = ?", id).First(&mailbox).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, storage.ErrMailboxNotFound
		}
		return nil, err
	}
	return &mailbox, nil
}

// GetMailboxByAddress 根据完整地址获取邮箱
func (s *Store) GetMailboxByAddress(address string) (*domain.Mailbox, error) {
	var mailbox domain.Mailbox
	err := s.gormDB.Where("address = ?", address).First(&mailbox).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, storage.ErrMailboxNotFound
		}
		return nil, err
	}
	return &mailbox, nil
}

// ListMailboxesByTenantID 返回指定租户的全部邮箱
func (s *Store) ListMailboxesByTenantID(tenantID string) []domain.Mailbox {
	var mailboxes []domain.Mailbox
	s.gormDB.Where("tenant_id = ?", tenantID).Order("created_at ASC").Find(&mailboxes)
	return mailboxes
}

// UpdateMailbox 更新邮箱信息
func (s *Store) UpdateMailbox(mailbox *domain.Mailbox) error {
	result := s.gormDB.Model(&domain.Mailbox{}).Where("id = ?", mailbox.ID).
		Select("webhook_url", "is_active").Updates(mailbox)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return storage.ErrMailboxNotFound
	}
	return nil
}

// DeleteMailbox 删除指定邮箱及其全部邮件
func (s *Store) DeleteMailbox(id string) error {
	return s.gormDB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("mailbox_id = ?", id).Delete(&domain.Message{}).Error; err != nil {
			return err
		}

		result := tx.Where("id = ?", id).Delete(&domain.Mailbox{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return storage.ErrMailboxNotFound
		}
		return nil
	})
}

// ========== Message Repository ==========

// SaveMessages 原子保存一批邮件
//
// 整批插入在单个事务内执行，任何一条失败都会回滚全部写入。
func (s *Store) SaveMessages(messages []*domain.Message) error {
	if len(messages) == 0 {
		return nil
	}

	return s.gormDB.Transaction(func(tx *gorm.DB) error {
		for _, message := range messages {
			var count int64
			if err := tx.Model(&domain.Mailbox{}).Where("id = ?", message.MailboxID).Count(&count).Error; err != nil {
				return err
			}
			if count == 0 {
				return storage.ErrMailboxNotFound
			}

			if err := tx.Create(message).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// ListMessages 返回某个邮箱下的全部邮件
func (s *Store) ListMessages(mailboxID string) ([]domain.Message, error) {
	if _, err := s.GetMailbox(mailboxID); err != nil {
		return nil, err
	}

	var messages []domain.Message
	err := s.gormDB.Where("mailbox_id = ?", mailboxID).Order("received_at DESC").Find(&messages).Error
	return messages, err
}

// GetMessage 获取单封邮件
func (s *Store) GetMessage(mailboxID, messageID string) (*domain.Message, error) {
	var message domain.Message
	err := s.gormDB.Where("id = ? AND mailbox_id = ?", messageID, mailboxID).First(&message).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, storage.ErrMessageNotFound
		}
		return nil, err
	}
	return &message, nil
}

// MarkMessageRead 将邮件标记为已读
func (s *Store) MarkMessageRead(mailboxID, messageID string) error {
	result := s.gormDB.Model(&domain.Message{}).
		Where("id = ? AND mailbox_id = ?", messageID, mailboxID).
		Update("is_read", true)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		// 区分邮件不存在与已经是已读状态
		var count int64
		if err := s.gormDB.Model(&domain.Message{}).
			Where("id = ? AND mailbox_id = ?", messageID, mailboxID).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return storage.ErrMessageNotFound
		}
	}
	return nil
}

// CountMessages 返回邮箱内的邮件数量
func (s *Store) CountMessages(mailboxID string) (int, error) {
	var count int64
	err := s.gormDB.Model(&domain.Message{}).Where("mailbox_id = ?", mailboxID).Count(&count).Error
	return int(count), err
}

// ========== Delivery Repository ==========

// RecordDelivery 保存 Webhook 投递记录
func (s *Store) RecordDelivery(delivery *domain.WebhookDelivery) error {
	return s.gormDB.Create(delivery).Error
}

// ListDeliveries 返回邮箱的投递记录，按时间倒序
func (s *Store) ListDeliveries(mailboxID string, limit int) ([]domain.WebhookDelivery, error) {
	var deliveries []domain.WebhookDelivery
	err := s.gormDB.Where("mailbox_id = ?", mailboxID).
		Order("created_at DESC").Limit(limit).Find(&deliveries).Error
	return deliveries, err
}

// GetPendingDeliveries 取出到期待重试的投递并清除其重试标记
func (s *Store) GetPendingDeliveries(limit int) ([]domain.WebhookDelivery, error) {
	var deliveries []domain.WebhookDelivery

	err := s.gormDB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("success = ? AND next_retry IS NOT NULL AND next_retry <= ?", false, time.Now()).
			Order("next_retry ASC").Limit(limit).Find(&deliveries).Error; err != nil {
			return err
		}

		// 清除重试标记，避免同一条记录被重复取出
		for i := range deliveries {
			if err := tx.Model(&domain.WebhookDelivery{}).
				Where("id = ?", deliveries[i].ID).Update("next_retry", nil).Error; err != nil {
				return err
			}
			deliveries[i].NextRetry = nil
		}
		return nil
	})

	return deliveries, err
}
