package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 监控指标
type Metrics struct {
	// HTTP 请求指标
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// 接收引擎指标
	IngestTransactions *prometheus.CounterVec
	IngestDuration     prometheus.Histogram
	MessagesStored     prometheus.Counter

	// 业务指标
	TenantsRegistered    prometheus.Counter
	MailboxesProvisioned prometheus.Counter
	MailboxesDeleted     prometheus.Counter

	// Webhook 投递指标
	WebhookDeliveries *prometheus.CounterVec

	// SMTP 连接指标
	SMTPConnectionsRejected prometheus.Counter

	// 错误指标
	PanicsTotal prometheus.Counter
}

// NewMetrics 创建监控指标
func NewMetrics() *Metrics {
	return &Metrics{
		HTTPRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "omnimail_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),

		HTTPRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "omnimail_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),

		IngestTransactions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "omnimail_ingest_transactions_total",
				Help: "Total number of inbound mail transactions by disposition",
			},
			[]string{"disposition"},
		),

		IngestDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "omnimail_ingest_duration_seconds",
				Help:    "Time spent routing and persisting one inbound transaction",
				Buckets: prometheus.DefBuckets,
			},
		),

		MessagesStored: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "omnimail_messages_stored_total",
				Help: "Total number of stored messages",
			},
		),

		TenantsRegistered: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "omnimail_tenants_registered_total",
				Help: "Total number of registered tenants",
			},
		),

		MailboxesProvisioned: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "omnimail_mailboxes_provisioned_total",
				Help: "Total number of provisioned mailboxes",
			},
		),

		MailboxesDeleted: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "omnimail_mailboxes_deleted_total",
				Help: "Total number of deleted mailboxes",
			},
		),

		WebhookDeliveries: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "omnimail_webhook_deliveries_total",
				Help: "Total number of webhook delivery attempts by result",
			},
			[]string{"result"},
		),

		SMTPConnectionsRejected: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "omnimail_smtp_connections_rejected_total",
				Help: "Total number of SMTP connections rejected by the limiter",
			},
		),

		PanicsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "omnimail_panics_total",
				Help: "Total number of recovered panics",
			},
		),
	}
}

// RecordHTTPRequest 记录一次 HTTP 请求
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// RecordIngest 记录一次入站事务及其处置结果
func (m *Metrics) RecordIngest(disposition string, duration time.Duration) {
	m.IngestTransactions.WithLabelValues(disposition).Inc()
	m.IngestDuration.Observe(duration.Seconds())
}

// RecordMessagesStored 记录落库的邮件数量
func (m *Metrics) RecordMessagesStored(count int) {
	if count > 0 {
		m.MessagesStored.Add(float64(count))
	}
}

// RecordTenantRegistered 记录租户注册
func (m *Metrics) RecordTenantRegistered() {
	m.TenantsRegistered.Inc()
}

// RecordMailboxProvisioned 记录邮箱创建
func (m *Metrics) RecordMailboxProvisioned() {
	m.MailboxesProvisioned.Inc()
}

// RecordMailboxDeleted 记录邮箱删除
func (m *Metrics) RecordMailboxDeleted() {
	m.MailboxesDeleted.Inc()
}

// RecordWebhookDelivery 记录一次 Webhook 投递结果
func (m *Metrics) RecordWebhookDelivery(result string) {
	m.WebhookDeliveries.WithLabelValues(result).Inc()
}

// RecordSMTPConnectionRejected 记录被限流拒绝的 SMTP 连接
func (m *Metrics) RecordSMTPConnectionRejected() {
	m.SMTPConnectionsRejected.Inc()
}

// RecordPanic 记录一次已恢复的 panic
func (m *Metrics) RecordPanic() {
	m.PanicsTotal.Inc()
}

// HTTPHandler 返回 Prometheus 指标端点处理器
func (m *Metrics) HTTPHandler() http.Handler {
	return promhttp.Handler()
}
