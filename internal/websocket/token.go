package websocket

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// StreamClaims 流式令牌的声明。
//
// 令牌由 HTTP 层在 API 凭证验证通过后签发，
// 授权范围固定为签发时指定的邮箱集合。
type StreamClaims struct {
	TenantID   string   `json:"sub"`
	MailboxIDs []string `json:"mailboxes"`
	jwt.RegisteredClaims
}

// TokenIssuer 流式令牌签发器。
//
// 浏览器端的 WebSocket 无法携带 X-API-Key 头，
// 租户先用 API 凭证换取短期 JWT，再用它建立连接。
type TokenIssuer struct {
	secret []byte
	issuer string
	expiry time.Duration
}

// NewTokenIssuer 创建流式令牌签发器。
func NewTokenIssuer(secret, issuer string, expiry time.Duration) *TokenIssuer {
	return &TokenIssuer{
		secret: []byte(secret),
		issuer: issuer,
		expiry: expiry,
	}
}

// Expiry 返回签发令牌的有效期。
func (t *TokenIssuer) Expiry() time.Duration {
	return t.expiry
}

// Issue 为租户签发限定邮箱范围的流式令牌。
func (t *TokenIssuer) Issue(tenantID string, mailboxIDs []string) (string, error) {
	now := time.Now()
	claims := StreamClaims{
		TenantID:   tenantID,
		MailboxIDs: mailboxIDs,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    t.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.expiry)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(t.secret)
}

// Validate 验证流式令牌并返回声明。
func (t *TokenIssuer) Validate(tokenString string) (*StreamClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &StreamClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return t.secret, nil
	})
	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*StreamClaims); ok && token.Valid {
		return claims, nil
	}
	return nil, errors.New("invalid token claims")
}
