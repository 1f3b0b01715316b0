package service

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"omnimail/backend/internal/config"
	"omnimail/backend/internal/domain"
	"omnimail/backend/internal/monitoring"
	"omnimail/backend/internal/pool"
	"omnimail/backend/internal/storage"
)

const maxDeliveryAttempts = 5

// WebhookService Webhook 投递服务
//
// 实现接收引擎的 Notifier 接口：新邮件落库后向邮箱配置的
// 端点推送 message.stored 事件。投递在协程池中执行，
// 失败按指数退避重试，整个过程不回写 SMTP 事务的处置结果。
type WebhookService struct {
	deliveries storage.DeliveryRepository
	cfg        *config.Config
	workers    *pool.WorkerPool
	httpClient *http.Client
	metrics    *monitoring.Metrics
	log        *zap.Logger
}

// NewWebhookService 创建 Webhook 投递服务。metrics 可为 nil。
func NewWebhookService(deliveries storage.DeliveryRepository, cfg *config.Config, workers *pool.WorkerPool, metrics *monitoring.Metrics, log *zap.Logger) *WebhookService {
	if log == nil {
		log = zap.NewNop()
	}
	return &WebhookService{
		deliveries: deliveries,
		cfg:        cfg,
		workers:    workers,
		httpClient: &http.Client{
			Timeout: cfg.Webhook.Timeout,
		},
		metrics: metrics,
		log:     log,
	}
}

// Notify 新邮件落库后触发 Webhook 投递。
//
// 邮箱未配置端点时直接返回；协程池满时丢弃本次投递并记录。
func (s *WebhookService) Notify(mailbox *domain.Mailbox, message *domain.Message) {
	if mailbox.WebhookURL == "" {
		return
	}

	event := domain.WebhookEvent{
		ID:        uuid.NewString(),
		Event:     domain.WebhookEventMessageStored,
		Timestamp: time.Now().UTC(),
		MailboxID: mailbox.ID,
		Data:      messageSummary(message),
	}

	url := mailbox.WebhookURL
	submitted := s.workers.TrySubmit(func() {
		s.deliver(url, mailbox.ID, message.ID, event, 1)
	})
	if !submitted {
		if s.metrics != nil {
			s.metrics.RecordWebhookDelivery("dropped")
		}
		s.log.Warn("webhook queue full, delivery dropped",
			zap.String("mailbox_id", mailbox.ID),
			zap.String("message_id", message.ID),
		)
	}
}

// RetryPending 重试到期的失败投递。
//
// 由主程序的定时器周期性调用。
func (s *WebhookService) RetryPending() error {
	pending, err := s.deliveries.GetPendingDeliveries(10)
	if err != nil {
		return err
	}

	for _, delivery := range pending {
		var event domain.WebhookEvent
		if err := json.Unmarshal([]byte(delivery.Payload), &event); err != nil {
			continue
		}

		d := delivery
		s.workers.TrySubmit(func() {
			s.deliver(d.URL, d.MailboxID, d.MessageID, event, d.Attempts+1)
		})
	}

	return nil
}

// GetDeliveries 返回邮箱的投递记录，按时间倒序。
func (s *WebhookService) GetDeliveries(mailboxID string, limit int) ([]domain.WebhookDelivery, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	return s.deliveries.ListDeliveries(mailboxID, limit)
}

// deliver 执行一次投递并记录结果。
func (s *WebhookService) deliver(url, mailboxID, messageID string, event domain.WebhookEvent, attempt int) {
	delivery := &domain.WebhookDelivery{
		ID:        uuid.NewString(),
		MailboxID: mailboxID,
		MessageID: messageID,
		URL:       url,
		Event:     event.Event,
		Attempts:  attempt,
		CreatedAt: time.Now().UTC(),
	}

	payload, err := json.Marshal(event)
	if err != nil {
		delivery.Error = fmt.Sprintf("failed to marshal payload: %v", err)
		s.record(delivery)
		return
	}
	delivery.Payload = string(payload)

	signature := generateSignature(payload, s.cfg.Webhook.SigningSecret)

	startTime := time.Now()
	req, err := http.NewRequest("POST", url, bytes.NewReader(payload))
	if err != nil {
		delivery.Error = fmt.Sprintf("failed to create request: %v", err)
		delivery.Duration = time.Since(startTime).Milliseconds()
		s.record(delivery)
		return
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Signature", signature)
	req.Header.Set("X-Webhook-Event", string(event.Event))
	req.Header.Set("X-Webhook-ID", delivery.ID)

	resp, err := s.httpClient.Do(req)
	delivery.Duration = time.Since(startTime).Milliseconds()

	if err != nil {
		delivery.Error = fmt.Sprintf("failed to send request: %v", err)
		delivery.NextRetry = calculateNextRetry(delivery.Attempts)
		s.record(delivery)
		return
	}
	defer resp.Body.Close()

	delivery.StatusCode = resp.StatusCode

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		delivery.Success = true
	} else {
		delivery.Error = fmt.Sprintf("HTTP %d", resp.StatusCode)
		if delivery.Attempts < maxDeliveryAttempts {
			delivery.NextRetry = calculateNextRetry(delivery.Attempts)
		}
	}

	s.record(delivery)
}

// record 保存投递记录并上报指标。
func (s *WebhookService) record(delivery *domain.WebhookDelivery) {
	if s.metrics != nil {
		if delivery.Success {
			s.metrics.RecordWebhookDelivery("success")
		} else {
			s.metrics.RecordWebhookDelivery("failure")
		}
	}

	if err := s.deliveries.RecordDelivery(delivery); err != nil {
		s.log.Error("failed to record webhook delivery",
			zap.String("delivery_id", delivery.ID),
			zap.Error(err),
		)
	}
}

// messageSummary 构建事件载荷中的邮件摘要（不含原始内容）。
func messageSummary(message *domain.Message) map[string]interface{} {
	return map[string]interface{}{
		"id":         message.ID,
		"mailboxId":  message.MailboxID,
		"sender":     message.Sender,
		"subject":    message.Subject,
		"size":       message.Size,
		"receivedAt": message.ReceivedAt,
	}
}

// generateSignature 生成 HMAC-SHA256 签名
func generateSignature(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return "sha256=" + hex.EncodeToString(h.Sum(nil))
}

// calculateNextRetry 计算下次重试时间（指数退避）
func calculateNextRetry(attempts int) *time.Time {
	// 重试间隔：1分钟、5分钟、15分钟、1小时、6小时
	intervals := []time.Duration{
		1 * time.Minute,
		5 * time.Minute,
		15 * time.Minute,
		1 * time.Hour,
		6 * time.Hour,
	}

	index := attempts - 1
	if index >= len(intervals) {
		return nil // 不再重试
	}

	nextRetry := time.Now().Add(intervals[index])
	return &nextRetry
}
