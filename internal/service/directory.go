package service

import (
	"errors"
	"time"

	"go.uber.org/zap"

	"omnimail/backend/internal/domain"
	"omnimail/backend/internal/storage"
	"omnimail/backend/internal/storage/redis"
)

// 目录缓存的条目有效期。正向条目较长，负向条目较短，
// 避免新开通的邮箱长时间收不到邮件。
const (
	directoryCacheTTL    = 5 * time.Minute
	directoryNegativeTTL = 30 * time.Second
)

// Directory 地址到邮箱的目录查询服务。
//
// 接收引擎的每个收件人都经过这里解析。查询顺序：
// Redis 旁路缓存 → 存储层；缓存故障只降级为直查，不影响路由。
// 未激活的邮箱与不存在的地址一样返回 storage.ErrMailboxNotFound。
type Directory struct {
	repo  storage.MailboxRepository
	cache *redis.Cache
	log   *zap.Logger
}

// NewDirectory 创建目录服务。cache 可为 nil（禁用缓存）。
func NewDirectory(repo storage.MailboxRepository, cache *redis.Cache, log *zap.Logger) *Directory {
	if log == nil {
		log = zap.NewNop()
	}
	return &Directory{repo: repo, cache: cache, log: log}
}

// Resolve 解析规范化后的小写地址。
func (d *Directory) Resolve(address string) (*domain.Mailbox, error) {
	if d.cache != nil {
		mailbox, miss, err := d.cache.GetCachedMailbox(address)
		if err == nil {
			if miss {
				return nil, storage.ErrMailboxNotFound
			}
			if !mailbox.IsActive {
				return nil, storage.ErrMailboxNotFound
			}
			return mailbox, nil
		}
	}

	mailbox, err := d.repo.GetMailboxByAddress(address)
	if errors.Is(err, storage.ErrMailboxNotFound) {
		if d.cache != nil {
			if cacheErr := d.cache.CacheMailboxMiss(address, directoryNegativeTTL); cacheErr != nil {
				d.log.Debug("directory negative cache write failed", zap.Error(cacheErr))
			}
		}
		return nil, storage.ErrMailboxNotFound
	}
	if err != nil {
		return nil, err
	}

	if d.cache != nil {
		if cacheErr := d.cache.CacheMailbox(mailbox, directoryCacheTTL); cacheErr != nil {
			d.log.Debug("directory cache write failed", zap.Error(cacheErr))
		}
	}

	if !mailbox.IsActive {
		return nil, storage.ErrMailboxNotFound
	}
	return mailbox, nil
}

// Invalidate 使指定地址的缓存条目失效。
//
// 实现 MailboxService 的 CacheInvalidator 接口。
func (d *Directory) Invalidate(address string) {
	if d.cache == nil {
		return
	}
	if err := d.cache.DeleteCachedMailbox(address); err != nil {
		d.log.Warn("directory cache invalidation failed",
			zap.String("address", address),
			zap.Error(err),
		)
	}
}
