package httptransport

import (
	"errors"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"omnimail/backend/internal/domain"
	"omnimail/backend/internal/service"
	"omnimail/backend/internal/storage"
	"omnimail/backend/internal/websocket"
)

// Handler 聚合邮箱与邮件相关的 HTTP 处理逻辑。
type Handler struct {
	mailboxes *service.MailboxService
	messages  *service.MessageService
	webhooks  *service.WebhookService
	tokens    *websocket.TokenIssuer
}

type createMailboxRequest struct {
	Prefix     string `json:"prefix"`
	Domain     string `json:"domain"`
	WebhookURL string `json:"webhookUrl"`
}

type mailboxResponse struct {
	ID         string    `json:"id"`
	Address    string    `json:"address"`
	LocalPart  string    `json:"localPart"`
	Domain     string    `json:"domain"`
	WebhookURL string    `json:"webhookUrl,omitempty"`
	IsActive   bool      `json:"isActive"`
	CreatedAt  time.Time `json:"createdAt"`
}

type mailboxListResponse struct {
	Items []mailboxResponse `json:"items"`
	Count int               `json:"count"`
}

// createMailbox 开通新邮箱。
func (h *Handler) createMailbox(c *gin.Context) {
	var req createMailboxRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	mailbox, err := h.mailboxes.Create(service.CreateMailboxInput{
		TenantID:   c.GetString("tenantID"),
		Prefix:     req.Prefix,
		Domain:     req.Domain,
		WebhookURL: req.WebhookURL,
	})
	if err != nil {
		switch {
		case errors.Is(err, service.ErrDomainNotAllowed):
			BadRequest(c, MsgDomainNotAllowed)
		case errors.Is(err, service.ErrPrefixInvalid):
			BadRequest(c, MsgPrefixInvalid)
		case errors.Is(err, service.ErrWebhookURLInvalid):
			BadRequest(c, MsgWebhookURLInvalid)
		case errors.Is(err, service.ErrMailboxQuota):
			Conflict(c, MsgMailboxQuotaExceeded)
		case errors.Is(err, storage.ErrMailboxExists):
			Conflict(c, MsgMailboxCreateFailed)
		default:
			InternalError(c, MsgMailboxCreateFailed)
		}
		return
	}

	Created(c, toMailboxResponse(mailbox))
}

// listMailboxes 返回当前租户的邮箱列表。
func (h *Handler) listMailboxes(c *gin.Context) {
	mailboxes := h.mailboxes.List(c.GetString("tenantID"))

	responses := make([]mailboxResponse, 0, len(mailboxes))
	for i := range mailboxes {
		responses = append(responses, toMailboxResponse(&mailboxes[i]))
	}

	Success(c, mailboxListResponse{
		Items: responses,
		Count: len(responses),
	})
}

// getMailbox 获取邮箱详情。
func (h *Handler) getMailbox(c *gin.Context) {
	mailbox, err := h.mailboxes.Get(c.GetString("tenantID"), c.Param("id"))
	if err != nil {
		h.mailboxError(c, err)
		return
	}
	Success(c, toMailboxResponse(mailbox))
}

type updateMailboxRequest struct {
	WebhookURL *string `json:"webhookUrl"`
	IsActive   *bool   `json:"isActive"`
}

// updateMailbox 修改邮箱的 Webhook 地址或激活状态。
func (h *Handler) updateMailbox(c *gin.Context) {
	var req updateMailboxRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	mailbox, err := h.mailboxes.Update(c.GetString("tenantID"), c.Param("id"), service.UpdateMailboxInput{
		WebhookURL: req.WebhookURL,
		IsActive:   req.IsActive,
	})
	if err != nil {
		switch {
		case errors.Is(err, service.ErrWebhookURLInvalid):
			BadRequest(c, MsgWebhookURLInvalid)
		case errors.Is(err, storage.ErrMailboxNotFound), errors.Is(err, service.ErrNotOwner):
			NotFound(c, MsgMailboxNotFound)
		default:
			InternalError(c, MsgMailboxUpdateFailed)
		}
		return
	}

	Success(c, toMailboxResponse(mailbox))
}

// deleteMailbox 删除邮箱。
func (h *Handler) deleteMailbox(c *gin.Context) {
	err := h.mailboxes.Delete(c.GetString("tenantID"), c.Param("id"))
	if err != nil {
		h.mailboxError(c, err)
		return
	}
	NoContent(c)
}

type messageResponse struct {
	ID         string    `json:"id"`
	MailboxID  string    `json:"mailboxId"`
	Sender     string    `json:"sender"`
	Subject    string    `json:"subject"`
	Body       string    `json:"body"`
	Raw        string    `json:"raw,omitempty"`
	Size       int64     `json:"size"`
	IsRead     bool      `json:"isRead"`
	ReceivedAt time.Time `json:"receivedAt"`
}

type messageListItem struct {
	ID         string    `json:"id"`
	Sender     string    `json:"sender"`
	Subject    string    `json:"subject"`
	Size       int64     `json:"size"`
	IsRead     bool      `json:"isRead"`
	ReceivedAt time.Time `json:"receivedAt"`
}

type messageListResponse struct {
	Items []messageListItem `json:"items"`
	Count int               `json:"count"`
}

// listMessages 返回邮箱内的邮件列表（不含正文与原始内容）。
func (h *Handler) listMessages(c *gin.Context) {
	messages, err := h.messages.List(c.GetString("tenantID"), c.Param("id"))
	if err != nil {
		h.mailboxError(c, err)
		return
	}

	items := make([]messageListItem, 0, len(messages))
	for i := range messages {
		msg := messages[i]
		items = append(items, messageListItem{
			ID:         msg.ID,
			Sender:     msg.Sender,
			Subject:    msg.Subject,
			Size:       msg.Size,
			IsRead:     msg.IsRead,
			ReceivedAt: msg.ReceivedAt,
		})
	}

	Success(c, messageListResponse{
		Items: items,
		Count: len(items),
	})
}

// getMessage 获取单封邮件详情（含正文与原始内容）。
func (h *Handler) getMessage(c *gin.Context) {
	msg, err := h.messages.Get(c.GetString("tenantID"), c.Param("id"), c.Param("messageId"))
	if err != nil {
		if errors.Is(err, storage.ErrMessageNotFound) {
			NotFound(c, MsgMessageNotFound)
			return
		}
		h.mailboxError(c, err)
		return
	}

	Success(c, messageResponse{
		ID:         msg.ID,
		MailboxID:  msg.MailboxID,
		Sender:     msg.Sender,
		Subject:    msg.Subject,
		Body:       msg.Body,
		Raw:        msg.Raw,
		Size:       msg.Size,
		IsRead:     msg.IsRead,
		ReceivedAt: msg.ReceivedAt,
	})
}

// markMessageRead 标记邮件已读。
func (h *Handler) markMessageRead(c *gin.Context) {
	err := h.messages.MarkRead(c.GetString("tenantID"), c.Param("id"), c.Param("messageId"))
	if err != nil {
		if errors.Is(err, storage.ErrMessageNotFound) {
			NotFound(c, MsgMessageNotFound)
			return
		}
		h.mailboxError(c, err)
		return
	}
	NoContent(c)
}

// listDeliveries 返回邮箱的 Webhook 投递记录。
func (h *Handler) listDeliveries(c *gin.Context) {
	if _, err := h.mailboxes.Get(c.GetString("tenantID"), c.Param("id")); err != nil {
		h.mailboxError(c, err)
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	deliveries, err := h.webhooks.GetDeliveries(c.Param("id"), limit)
	if err != nil {
		InternalError(c, MsgDeliveryListFailed)
		return
	}

	Success(c, gin.H{
		"items": deliveries,
		"count": len(deliveries),
	})
}

type streamTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// createStreamToken 为指定邮箱签发短期 WebSocket 令牌。
func (h *Handler) createStreamToken(c *gin.Context) {
	mailbox, err := h.mailboxes.Get(c.GetString("tenantID"), c.Param("id"))
	if err != nil {
		h.mailboxError(c, err)
		return
	}

	token, err := h.tokens.Issue(c.GetString("tenantID"), []string{mailbox.ID})
	if err != nil {
		InternalError(c, MsgTokenIssueFailed)
		return
	}

	Created(c, streamTokenResponse{
		Token:     token,
		ExpiresAt: time.Now().Add(h.tokens.Expiry()),
	})
}

// mailboxError 将邮箱相关错误映射为 HTTP 响应。
func (h *Handler) mailboxError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, storage.ErrMailboxNotFound):
		NotFound(c, MsgMailboxNotFound)
	case errors.Is(err, service.ErrNotOwner):
		// 不暴露他人邮箱的存在性
		NotFound(c, MsgMailboxNotFound)
	default:
		InternalError(c, MsgInternalError)
	}
}

// toMailboxResponse 转换实体为响应体。
func toMailboxResponse(mailbox *domain.Mailbox) mailboxResponse {
	return mailboxResponse{
		ID:         mailbox.ID,
		Address:    mailbox.Address,
		LocalPart:  mailbox.LocalPart,
		Domain:     mailbox.Domain,
		WebhookURL: mailbox.WebhookURL,
		IsActive:   mailbox.IsActive,
		CreatedAt:  mailbox.CreatedAt,
	}
}
