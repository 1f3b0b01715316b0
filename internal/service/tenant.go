package service

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"omnimail/backend/internal/domain"
	"omnimail/backend/internal/storage"
)

var (
	// ErrInvalidAPIKey API 凭证无效或已停用
	ErrInvalidAPIKey = errors.New("invalid api key")
	// ErrTenantInactive 租户已停用
	ErrTenantInactive = errors.New("tenant inactive")
)

// 明文密钥格式：omni_ 前缀 + 40 位十六进制随机串。
// 前 12 个字符作为索引前缀存库，用于验证时缩小候选范围。
const (
	apiKeyPrefix    = "omni_"
	apiKeyRandBytes = 20
	apiKeyIndexLen  = 12
)

// TenantService 封装租户注册与 API 凭证管理。
type TenantService struct {
	tenants storage.TenantRepository
	keys    storage.APIKeyRepository
	emails  *domain.EmailValidator
}

// NewTenantService 创建租户业务服务。
func NewTenantService(tenants storage.TenantRepository, keys storage.APIKeyRepository) *TenantService {
	return &TenantService{
		tenants: tenants,
		keys:    keys,
		emails:  domain.NewEmailValidator(),
	}
}

// RegisterInput 定义租户注册所需的输入。
type RegisterInput struct {
	Email   string
	OrgName string
}

// RegisterOutput 注册结果。
//
// PlainKey 是明文凭证，只在这里出现一次，之后无法再取回。
type RegisterOutput struct {
	Tenant   *domain.Tenant
	APIKey   *domain.APIKey
	PlainKey string
}

// Register 注册新租户并签发首个 API 凭证。
//
// 邮箱已被占用时返回 storage.ErrTenantExists。
func (s *TenantService) Register(input RegisterInput) (*RegisterOutput, error) {
	email := strings.ToLower(strings.TrimSpace(input.Email))
	if err := s.emails.ValidateEmail(email); err != nil {
		return nil, err
	}

	tenant := &domain.Tenant{
		ID:        uuid.NewString(),
		Email:     email,
		OrgName:   strings.TrimSpace(input.OrgName),
		IsActive:  true,
		CreatedAt: time.Now().UTC(),
	}

	if err := s.tenants.CreateTenant(tenant); err != nil {
		return nil, err
	}

	apiKey, plain, err := s.issueKey(tenant.ID, "default")
	if err != nil {
		return nil, err
	}

	return &RegisterOutput{Tenant: tenant, APIKey: apiKey, PlainKey: plain}, nil
}

// CreateAPIKey 为已有租户签发新的 API 凭证。
func (s *TenantService) CreateAPIKey(tenantID, name string) (*domain.APIKey, string, error) {
	tenant, err := s.tenants.GetTenant(tenantID)
	if err != nil {
		return nil, "", err
	}
	if !tenant.IsActive {
		return nil, "", ErrTenantInactive
	}
	if name == "" {
		name = "default"
	}
	return s.issueKey(tenant.ID, name)
}

// ValidateKey 验证明文凭证并返回其所属租户。
//
// 先按前缀缩小候选集，再逐个做 bcrypt 比对；
// 凭证或租户任一停用都视为无效。验证成功会刷新最后使用时间。
func (s *TenantService) ValidateKey(plainKey string) (*domain.Tenant, *domain.APIKey, error) {
	plainKey = strings.TrimSpace(plainKey)
	if !strings.HasPrefix(plainKey, apiKeyPrefix) || len(plainKey) < apiKeyIndexLen {
		return nil, nil, ErrInvalidAPIKey
	}

	candidates, err := s.keys.ListAPIKeysByPrefix(plainKey[:apiKeyIndexLen])
	if err != nil {
		return nil, nil, err
	}

	for _, candidate := range candidates {
		if !candidate.IsActive {
			continue
		}
		if bcrypt.CompareHashAndPassword([]byte(candidate.KeyHash), []byte(plainKey)) != nil {
			continue
		}

		tenant, err := s.tenants.GetTenant(candidate.TenantID)
		if err != nil {
			return nil, nil, ErrInvalidAPIKey
		}
		if !tenant.IsActive {
			return nil, nil, ErrTenantInactive
		}

		// 刷新失败不影响本次验证
		_ = s.keys.UpdateAPIKeyLastUsed(candidate.ID)
		return tenant, candidate, nil
	}

	return nil, nil, ErrInvalidAPIKey
}

// ListAPIKeys 列出租户的全部凭证（不含哈希）。
func (s *TenantService) ListAPIKeys(tenantID string) ([]*domain.APIKey, error) {
	return s.keys.ListAPIKeysByTenantID(tenantID)
}

// RevokeAPIKey 吊销指定凭证。
func (s *TenantService) RevokeAPIKey(tenantID, keyID string) error {
	keys, err := s.keys.ListAPIKeysByTenantID(tenantID)
	if err != nil {
		return err
	}
	for _, key := range keys {
		if key.ID == keyID {
			return s.keys.DeleteAPIKey(keyID)
		}
	}
	return storage.ErrAPIKeyNotFound
}

// issueKey 生成明文凭证并保存其哈希。
func (s *TenantService) issueKey(tenantID, name string) (*domain.APIKey, string, error) {
	buf := make([]byte, apiKeyRandBytes)
	if _, err := rand.Read(buf); err != nil {
		return nil, "", fmt.Errorf("generate api key: %w", err)
	}
	plain := apiKeyPrefix + hex.EncodeToString(buf)

	hash, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", fmt.Errorf("hash api key: %w", err)
	}

	apiKey := &domain.APIKey{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		KeyHash:   string(hash),
		KeyPrefix: plain[:apiKeyIndexLen],
		Name:      name,
		IsActive:  true,
		CreatedAt: time.Now().UTC(),
	}

	if err := s.keys.SaveAPIKey(apiKey); err != nil {
		return nil, "", err
	}
	return apiKey, plain, nil
}
