package httptransport

import (
	"errors"
	"time"

	"github.com/gin-gonic/gin"

	"omnimail/backend/internal/domain"
	"omnimail/backend/internal/service"
	"omnimail/backend/internal/storage"
)

// AuthHandler 租户注册与凭证管理处理器。
type AuthHandler struct {
	tenants *service.TenantService
}

// NewAuthHandler 创建认证处理器。
func NewAuthHandler(tenants *service.TenantService) *AuthHandler {
	return &AuthHandler{tenants: tenants}
}

type registerRequest struct {
	Email   string `json:"email" binding:"required"`
	OrgName string `json:"orgName"`
}

type registerResponse struct {
	TenantID  string    `json:"tenantId"`
	Email     string    `json:"email"`
	OrgName   string    `json:"orgName,omitempty"`
	APIKey    string    `json:"apiKey"`
	KeyPrefix string    `json:"keyPrefix"`
	CreatedAt time.Time `json:"createdAt"`
}

// Register 注册租户并返回一次性的明文 API 凭证。
//
// 明文凭证只在这个响应中出现，丢失后只能重新签发。
func (h *AuthHandler) Register(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	out, err := h.tenants.Register(service.RegisterInput{
		Email:   req.Email,
		OrgName: req.OrgName,
	})
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrTenantExists):
			Conflict(c, MsgEmailTaken)
		case errors.Is(err, domain.ErrInvalidEmail),
			errors.Is(err, domain.ErrEmailTooLong),
			errors.Is(err, domain.ErrInvalidLocalPart),
			errors.Is(err, domain.ErrInvalidDomain):
			BadRequest(c, MsgInvalidRequest)
		default:
			InternalError(c, MsgRegisterFailed)
		}
		return
	}

	Created(c, registerResponse{
		TenantID:  out.Tenant.ID,
		Email:     out.Tenant.Email,
		OrgName:   out.Tenant.OrgName,
		APIKey:    out.PlainKey,
		KeyPrefix: out.APIKey.KeyPrefix,
		CreatedAt: out.Tenant.CreatedAt,
	})
}

type createAPIKeyRequest struct {
	Name string `json:"name"`
}

type apiKeyResponse struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	KeyPrefix string     `json:"keyPrefix"`
	APIKey    string     `json:"apiKey,omitempty"`
	IsActive  bool       `json:"isActive"`
	CreatedAt time.Time  `json:"createdAt"`
	LastUsed  *time.Time `json:"lastUsedAt,omitempty"`
}

// CreateAPIKey 为当前租户签发新凭证。
func (h *AuthHandler) CreateAPIKey(c *gin.Context) {
	var req createAPIKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	key, plain, err := h.tenants.CreateAPIKey(c.GetString("tenantID"), req.Name)
	if err != nil {
		InternalError(c, MsgInternalError)
		return
	}

	Created(c, apiKeyResponse{
		ID:        key.ID,
		Name:      key.Name,
		KeyPrefix: key.KeyPrefix,
		APIKey:    plain,
		IsActive:  key.IsActive,
		CreatedAt: key.CreatedAt,
	})
}

// ListAPIKeys 列出当前租户的全部凭证。
func (h *AuthHandler) ListAPIKeys(c *gin.Context) {
	keys, err := h.tenants.ListAPIKeys(c.GetString("tenantID"))
	if err != nil {
		InternalError(c, MsgInternalError)
		return
	}

	responses := make([]apiKeyResponse, 0, len(keys))
	for _, key := range keys {
		responses = append(responses, apiKeyResponse{
			ID:        key.ID,
			Name:      key.Name,
			KeyPrefix: key.KeyPrefix,
			IsActive:  key.IsActive,
			CreatedAt: key.CreatedAt,
			LastUsed:  key.LastUsedAt,
		})
	}

	Success(c, gin.H{
		"items": responses,
		"count": len(responses),
	})
}

// RevokeAPIKey 吊销当前租户的指定凭证。
func (h *AuthHandler) RevokeAPIKey(c *gin.Context) {
	err := h.tenants.RevokeAPIKey(c.GetString("tenantID"), c.Param("id"))
	if err != nil {
		if errors.Is(err, storage.ErrAPIKeyNotFound) {
			NotFound(c, MsgInvalidRequest)
			return
		}
		InternalError(c, MsgInternalError)
		return
	}
	NoContent(c)
}
