package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"omnimail/backend/internal/domain"
	"omnimail/backend/internal/storage"
)

// 唯一约束冲突的 SQLSTATE
const pgUniqueViolation = "23505"

// Store PostgreSQL 原生存储实现（基于 pgx 连接池）
//
// 所有查询使用手写 SQL，多条写入通过 pgx 事务保证原子性。
type Store struct {
	client *Client
	ctx    context.Context
}

// NewStore 创建 PostgreSQL 存储并初始化表结构
func NewStore(dsn string, maxConns int, connMaxLifetime time.Duration) (*Store, error) {
	client, err := NewClient(dsn, maxConns, connMaxLifetime)
	if err != nil {
		return nil, err
	}

	store := &Store{
		client: client,
		ctx:    context.Background(),
	}

	if err := store.migrate(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close 关闭数据库连接
func (s *Store) Close() error {
	s.client.Close()
	return nil
}

// Health 检查数据库健康状态
func (s *Store) Health() error {
	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()
	return s.client.Ping(ctx)
}

// migrate 创建表结构
func (s *Store) migrate() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS tenants (
			id VARCHAR(36) PRIMARY KEY,
			email VARCHAR(255) NOT NULL UNIQUE,
			org_name VARCHAR(255),
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS api_keys (
			id VARCHAR(36) PRIMARY KEY,
			tenant_id VARCHAR(36) NOT NULL,
			key_hash VARCHAR(255) NOT NULL,
			key_prefix VARCHAR(20) NOT NULL,
			name VARCHAR(100),
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			last_used_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_api_keys_tenant_id ON api_keys (tenant_id)`,
		`CREATE INDEX IF NOT EXISTS idx_api_keys_key_prefix ON api_keys (key_prefix)`,
		`CREATE TABLE IF NOT EXISTS mailboxes (
			id VARCHAR(36) PRIMARY KEY,
			address VARCHAR(255) NOT NULL UNIQUE,
			local_part VARCHAR(255),
			domain VARCHAR(100),
			tenant_id VARCHAR(36) NOT NULL,
			webhook_url VARCHAR(500),
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_mailboxes_tenant_id ON mailboxes (tenant_id)`,
		`CREATE INDEX IF NOT EXISTS idx_mailboxes_domain ON mailboxes (domain)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id VARCHAR(36) PRIMARY KEY,
			mailbox_id VARCHAR(36) NOT NULL,
			sender VARCHAR(255),
			subject VARCHAR(500),
			body TEXT,
			raw TEXT,
			size BIGINT NOT NULL DEFAULT 0,
			is_read BOOLEAN NOT NULL DEFAULT FALSE,
			received_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_mailbox_id ON messages (mailbox_id)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_received_at ON messages (received_at)`,
		`CREATE TABLE IF NOT EXISTS webhook_deliveries (
			id VARCHAR(36) PRIMARY KEY,
			mailbox_id VARCHAR(36),
			message_id VARCHAR(36),
			url VARCHAR(500),
			event VARCHAR(50),
			payload TEXT,
			status_code INT NOT NULL DEFAULT 0,
			duration BIGINT NOT NULL DEFAULT 0,
			success BOOLEAN NOT NULL DEFAULT FALSE,
			error TEXT,
			attempts INT NOT NULL DEFAULT 0,
			next_retry TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_webhook_deliveries_mailbox_id ON webhook_deliveries (mailbox_id)`,
		`CREATE INDEX IF NOT EXISTS idx_webhook_deliveries_next_retry ON webhook_deliveries (next_retry)`,
	}

	for _, stmt := range statements {
		if _, err := s.client.Pool().Exec(s.ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// isUniqueViolation 判断是否唯一约束冲突
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

// ========== Tenant Repository ==========

// CreateTenant 创建租户
func (s *Store) CreateTenant(tenant *domain.Tenant) error {
	_, err := s.client.Pool().Exec(s.ctx,
		`INSERT INTO tenants (id, email, org_name, is_active, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		tenant.ID, tenant.Email, tenant.OrgName, tenant.IsActive, tenant.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrTenantExists
		}
		return err
	}
	return nil
}

// GetTenant 根据 ID 获取租户
func (s *Store) GetTenant(id string) (*domain.Tenant, error) {
	var tenant domain.Tenant
	err := s.client.Pool().QueryRow(s.ctx,
		`SELECT id, email, org_name, is_active, created_at FROM tenants WHERE id = $1`,
		id).Scan(&tenant.ID, &tenant.Email, &tenant.OrgName, &tenant.IsActive, &tenant.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, storage.ErrTenantNotFound
		}
		return nil, err
	}
	return &tenant, nil
}

// GetTenantByEmail 根据注册邮箱获取租户
func (s *Store) GetTenantByEmail(email string) (*domain.Tenant, error) {
	var tenant domain.Tenant
	err := s.client.Pool().QueryRow(s.ctx,
		`SELECT id, email, org_name, is_active, created_at FROM tenants WHERE email = $1`,
		email).Scan(&tenant.ID, &tenant.Email, &tenant.OrgName, &tenant.IsActive, &tenant.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, storage.ErrTenantNotFound
		}
		return nil, err
	}
	return &tenant, nil
}

// UpdateTenant 更新租户信息
func (s *Store) UpdateTenant(tenant *domain.Tenant) error {
	tag, err := s.client.Pool().Exec(s.ctx,
		`UPDATE tenants SET email = $2, org_name = $3, is_active = $4 WHERE id = $1`,
		tenant.ID, tenant.Email, tenant.OrgName, tenant.IsActive)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrTenantNotFound
	}
	return nil
}

// ========== APIKey Repository ==========

// SaveAPIKey 保存 API 凭证
func (s *Store) SaveAPIKey(apiKey *domain.APIKey) error {
	_, err := s.client.Pool().Exec(s.ctx,
		`INSERT INTO api_keys (id, tenant_id, key_hash, key_prefix, name, is_active, created_at, last_used_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (id) DO UPDATE SET
			key_hash = EXCLUDED.key_hash,
			name = EXCLUDED.name,
			is_active = EXCLUDED.is_active,
			last_used_at = EXCLUDED.last_used_at`,
		apiKey.ID, apiKey.TenantID, apiKey.KeyHash, apiKey.KeyPrefix,
		apiKey.Name, apiKey.IsActive, apiKey.CreatedAt, apiKey.LastUsedAt)
	return err
}

// ListAPIKeysByPrefix 按索引前缀列出候选凭证
func (s *Store) ListAPIKeysByPrefix(prefix string) ([]*domain.APIKey, error) {
	rows, err := s.client.Pool().Query(s.ctx,
		`SELECT id, tenant_id, key_hash, key_prefix, name, is_active, created_at, last_used_at
		 FROM api_keys WHERE key_prefix = $1`, prefix)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAPIKeys(rows)
}

// ListAPIKeysByTenantID 列出租户的全部凭证
func (s *Store) ListAPIKeysByTenantID(tenantID string) ([]*domain.APIKey, error) {
	rows, err := s.client.Pool().Query(s.ctx,
		`SELECT id, tenant_id, key_hash, key_prefix, name, is_active, created_at, last_used_at
		 FROM api_keys WHERE tenant_id = $1 ORDER BY created_at ASC`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAPIKeys(rows)
}

func scanAPIKeys(rows pgx.Rows) ([]*domain.APIKey, error) {
	var keys []*domain.APIKey
	for rows.Next() {
		var key domain.APIKey
		if err := rows.Scan(&key.ID, &key.TenantID, &key.KeyHash, &key.KeyPrefix,
			&key.Name, &key.IsActive, &key.CreatedAt, &key.LastUsedAt); err != nil {
			return nil, err
		}
		keys = append(keys, &key)
	}
	return keys, rows.Err()
}

// UpdateAPIKeyLastUsed 刷新凭证最后使用时间
func (s *Store) UpdateAPIKeyLastUsed(id string) error {
	tag, err := s.client.Pool().Exec(s.ctx,
		`UPDATE api_keys SET last_used_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrAPIKeyNotFound
	}
	return nil
}

// DeleteAPIKey 删除凭证
func (s *Store) DeleteAPIKey(id string) error {
	tag, err := s.client.Pool().Exec(s.ctx,
		`DELETE FROM api_keys WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrAPIKeyNotFound
	}
	return nil
}

// ========== Mailbox Repository ==========

// SaveMailbox 保存邮箱信息
func (s *Store) SaveMailbox(mailbox *domain.Mailbox) error {
	_, err := s.client.Pool().Exec(s.ctx,
		`INSERT INTO mailboxes (id, address, local_part, domain, tenant_id, webhook_url, is_active, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		mailbox.ID, mailbox.Address, mailbox.LocalPart, mailbox.Domain,
		mailbox.TenantID, mailbox.WebhookURL, mailbox.IsActive, mailbox.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrMailboxExists
		}
		return err
	}
	return nil
}

const mailboxColumns = `id, address, local_part, domain, tenant_id, webhook_url, is_active, created_at`

func scanMailbox(row pgx.Row) (*domain.Mailbox, error) {
	var mailbox domain.Mailbox
	err := row.Scan(&mailbox.ID, &mailbox.Address, &mailbox.LocalPart, &mailbox.Domain,
		&mailbox.TenantID, &mailbox.WebhookURL, &mailbox.IsActive, &mailbox.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, storage.ErrMailboxNotFound
		}
		return nil, err
	}
	return &mailbox, nil
}

// GetMailbox 根据 ID 获取邮箱
func (s *Store) GetMailbox(id string) (*domain.Mailbox, error) {
	row := s.client.Pool().QueryRow(s.ctx,
		`SELECT `+mailboxColumns+` FROM mailboxes WHERE id = $1`, id)
	return scanMailbox(row)
}

// GetMailboxByAddress 根据完整地址获取邮箱
func (s *Store) GetMailboxByAddress(address string) (*domain.Mailbox, error) {
	row := s.client.Pool().QueryRow(s.ctx,
		`SELECT `+mailboxColumns+` FROM mailboxes WHERE address = $1`, address)
	return scanMailbox(row)
}

// ListMailboxesByTenantID 返回指定租户的全部邮箱
func (s *Store) ListMailboxesByTenantID(tenantID string) []domain.Mailbox {
	rows, err := s.client.Pool().Query(s.ctx,
		`SELECT `+mailboxColumns+` FROM mailboxes WHERE tenant_id = $1 ORDER BY created_at ASC`, tenantID)
	if err != nil {
		return nil
	}
	defer rows.Close()

	var mailboxes []domain.Mailbox
	for rows.Next() {
		var mailbox domain.Mailbox
		if err := rows.Scan(&mailbox.ID, &mailbox.Address, &mailbox.LocalPart, &mailbox.Domain,
			&mailbox.TenantID, &mailbox.WebhookURL, &mailbox.IsActive, &mailbox.CreatedAt); err != nil {
			return nil
		}
		mailboxes = append(mailboxes, mailbox)
	}
	return mailboxes
}

// UpdateMailbox 更新邮箱信息
func (s *Store) UpdateMailbox(mailbox *domain.Mailbox) error {
	tag, err := s.client.Pool().Exec(s.ctx,
		`UPDATE mailboxes SET webhook_url = $2, is_active = $3 WHERE id = $1`,
		mailbox.ID, mailbox.WebhookURL, mailbox.IsActive)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrMailboxNotFound
	}
	return nil
}

// DeleteMailbox 删除指定邮箱及其全部邮件
func (s *Store) DeleteMailbox(id string) error {
	tx, err := s.client.Pool().Begin(s.ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(s.ctx)

	if _, err := tx.Exec(s.ctx, `DELETE FROM messages WHERE mailbox_id = $1`, id); err != nil {
		return err
	}

	tag, err := tx.Exec(s.ctx, `DELETE FROM mailboxes WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrMailboxNotFound
	}

	return tx.Commit(s.ctx)
}

// ========== Message Repository ==========

// SaveMessages 原子保存一批邮件
//
// 整批插入在单个事务内执行，任何一条失败都会回滚全部写入。
func (s *Store) SaveMessages(messages []*domain.Message) error {
	if len(messages) == 0 {
		return nil
	}

	tx, err := s.client.Pool().Begin(s.ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(s.ctx)

	for _, message := range messages {
		var exists bool
		if err := tx.QueryRow(s.ctx,
			`SELECT EXISTS(SELECT 1 FROM mailboxes WHERE id = $1)`, message.MailboxID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return storage.ErrMailboxNotFound
		}

		if _, err := tx.Exec(s.ctx,
			`INSERT INTO messages (id, mailbox_id, sender, subject, body, raw, size, is_read, received_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			message.ID, message.MailboxID, message.Sender, message.Subject,
			message.Body, message.Raw, message.Size, message.IsRead, message.ReceivedAt); err != nil {
			return err
		}
	}

	return tx.Commit(s.ctx)
}

// ListMessages 返回某个邮箱下的全部邮件
func (s *Store) ListMessages(mailboxID string) ([]domain.Message, error) {
	if _, err := s.GetMailbox(mailboxID); err != nil {
		return nil, err
	}

	rows, err := s.client.Pool().Query(s.ctx,
		`SELECT id, mailbox_id, sender, subject, body, raw, size, is_read, received_at
		 FROM messages WHERE mailbox_id = $1 ORDER BY received_at DESC`, mailboxID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []domain.Message
	for rows.Next() {
		var msg domain.Message
		if err := rows.Scan(&msg.ID, &msg.MailboxID, &msg.Sender, &msg.Subject,
			&msg.Body, &msg.Raw, &msg.Size, &msg.IsRead, &msg.ReceivedAt); err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// GetMessage 获取单封邮件
func (s *Store) GetMessage(mailboxID, messageID string) (*domain.Message, error) {
	var msg domain.Message
	err := s.client.Pool().QueryRow(s.ctx,
		`SELECT id, mailbox_id, sender, subject, body, raw, size, is_read, received_at
		 FROM messages WHERE id = $1 AND mailbox_id = $2`, messageID, mailboxID).
		Scan(&msg.ID, &msg.MailboxID, &msg.Sender, &msg.Subject,
			&msg.Body, &msg.Raw, &msg.Size, &msg.IsRead, &msg.ReceivedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, storage.ErrMessageNotFound
		}
		return nil, err
	}
	return &msg, nil
}

// MarkMessageRead 将邮件标记为已读
func (s *Store) MarkMessageRead(mailboxID, messageID string) error {
	tag, err := s.client.Pool().Exec(s.ctx,
		`UPDATE messages SET is_read = TRUE WHERE id = $1 AND mailbox_id = $2`,
		messageID, mailboxID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.client.Pool().QueryRow(s.ctx,
			`SELECT EXISTS(SELECT 1 FROM messages WHERE id = $1 AND mailbox_id = $2)`,
			messageID, mailboxID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return storage.ErrMessageNotFound
		}
	}
	return nil
}

// CountMessages 返回邮箱内的邮件数量
func (s *Store) CountMessages(mailboxID string) (int, error) {
	var count int
	err := s.client.Pool().QueryRow(s.ctx,
		`SELECT COUNT(*) FROM messages WHERE mailbox_id = $1`, mailboxID).Scan(&count)
	return count, err
}

// ========== Delivery Repository ==========

// RecordDelivery 保存 Webhook 投递记录
func (s *Store) RecordDelivery(delivery *domain.WebhookDelivery) error {
	_, err := s.client.Pool().Exec(s.ctx,
		`INSERT INTO webhook_deliveries
			(id, mailbox_id, message_id, url, event, payload, status_code, duration, success, error, attempts, next_retry, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		delivery.ID, delivery.MailboxID, delivery.MessageID, delivery.URL, delivery.Event,
		delivery.Payload, delivery.StatusCode, delivery.Duration, delivery.Success,
		delivery.Error, delivery.Attempts, delivery.NextRetry, delivery.CreatedAt)
	return err
}

// ListDeliveries 返回邮箱的投递记录，按时间倒序
func (s *Store) ListDeliveries(mailboxID string, limit int) ([]domain.WebhookDelivery, error) {
	rows, err := s.client.Pool().Query(s.ctx,
		`SELECT id, mailbox_id, message_id, url, event, payload, status_code, duration, success, error, attempts, next_retry, created_at
		 FROM webhook_deliveries WHERE mailbox_id = $1 ORDER BY created_at DESC LIMIT $2`,
		mailboxID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDeliveries(rows)
}

// GetPendingDeliveries 取出到期待重试的投递并清除其重试标记
func (s *Store) GetPendingDeliveries(limit int) ([]domain.WebhookDelivery, error) {
	tx, err := s.client.Pool().Begin(s.ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(s.ctx)

	rows, err := tx.Query(s.ctx,
		`SELECT id, mailbox_id, message_id, url, event, payload, status_code, duration, success, error, attempts, next_retry, created_at
		 FROM webhook_deliveries
		 WHERE success = FALSE AND next_retry IS NOT NULL AND next_retry <= NOW()
		 ORDER BY next_retry ASC LIMIT $1
		 FOR UPDATE SKIP LOCKED`, limit)
	if err != nil {
		return nil, err
	}

	deliveries, err := scanDeliveries(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}

	// 清除重试标记，避免同一条记录被重复取出
	for i := range deliveries {
		if _, err := tx.Exec(s.ctx,
			`UPDATE webhook_deliveries SET next_retry = NULL WHERE id = $1`, deliveries[i].ID); err != nil {
			return nil, err
		}
		deliveries[i].NextRetry = nil
	}

	if err := tx.Commit(s.ctx); err != nil {
		return nil, err
	}
	return deliveries, nil
}

func scanDeliveries(rows pgx.Rows) ([]domain.WebhookDelivery, error) {
	var deliveries []domain.WebhookDelivery
	for rows.Next() {
		var d domain.WebhookDelivery
		if err := rows.Scan(&d.ID, &d.MailboxID, &d.MessageID, &d.URL, &d.Event,
			&d.Payload, &d.StatusCode, &d.Duration, &d.Success,
			&d.Error, &d.Attempts, &d.NextRetry, &d.CreatedAt); err != nil {
			return nil, err
		}
		deliveries = append(deliveries, d)
	}
	return deliveries, rows.Err()
}
