package smtp

import (
	"context"
	"errors"
	"io"
	"strings"

	gosmtp "github.com/emersion/go-smtp"
	"go.uber.org/zap"

	"omnimail/backend/internal/domain"
	"omnimail/backend/internal/ingest"
	"omnimail/backend/internal/monitoring"
)

// Backend 实现 go-smtp 的 Backend 接口。
//
// 【安全说明】
// 这是一个只接收邮件的 SMTP 服务器（Receiving-Only SMTP Server）。
// 特性：
// - ✅ 只接收发送到本平台已开通邮箱的邮件
// - ✅ 收件人裁决在 DATA 阶段汇总完成，支持部分命中
// - ❌ 不支持对外发送邮件（无邮件中继功能）
// - ❌ 不会成为垃圾邮件中继或开放中继
//
// 与逐个收件人拒绝不同，RCPT 阶段只做语法校验，
// 目录查询与落库统一由接收引擎在 DATA 阶段完成，
// 这样多收件人事务才能得到单一的原子裁决。
type Backend struct {
	handler  ingest.Handler
	limiter  *ConnectionLimiter
	metrics  *monitoring.Metrics
	log      *zap.Logger
	maxBytes int64
}

// NewBackend 创建 SMTP Backend。limiter 与 metrics 可为 nil。
func NewBackend(handler ingest.Handler, limiter *ConnectionLimiter, metrics *monitoring.Metrics, log *zap.Logger, maxBytes int64) *Backend {
	if log == nil {
		log = zap.NewNop()
	}
	if maxBytes <= 0 {
		maxBytes = 10 << 20 // 10MB
	}
	return &Backend{
		handler:  handler,
		limiter:  limiter,
		metrics:  metrics,
		log:      log,
		maxBytes: maxBytes,
	}
}

// NewSession 创建新的 SMTP 会话。
//
// 连接数或速率超限时直接以 421 拒绝，发送方稍后重试。
func (b *Backend) NewSession(c *gosmtp.Conn) (gosmtp.Session, error) {
	if b.limiter != nil && !b.limiter.Acquire() {
		if b.metrics != nil {
			b.metrics.RecordSMTPConnectionRejected()
		}
		b.log.Warn("smtp connection rejected by limiter",
			zap.Int("current", b.limiter.Current()),
		)
		return nil, &gosmtp.SMTPError{
			Code:         421,
			EnhancedCode: gosmtp.EnhancedCode{4, 3, 2},
			Message:      "too many connections, try again later",
		}
	}
	return &session{backend: b, acquired: b.limiter != nil}, nil
}

type session struct {
	backend     *Backend
	acquired    bool
	fromAddress string
	recipients  []string
}

// Mail 处理 MAIL 命令。
func (s *session) Mail(from string, opts *gosmtp.MailOptions) error {
	s.fromAddress = from
	return nil
}

// Rcpt 处理 RCPT 命令。
//
// 只做语法校验，不查目录：一个收件人未命中并不代表整个事务
// 会被拒绝，最终裁决在 Data 中给出。信封中的顺序与重复项原样保留。
func (s *session) Rcpt(to string, _ *gosmtp.RcptOptions) error {
	addr := domain.NormalizeAddress(to)
	if !strings.Contains(addr, "@") {
		return &gosmtp.SMTPError{
			Code:         501,
			EnhancedCode: gosmtp.EnhancedCode{5, 1, 3},
			Message:      "invalid recipient address",
		}
	}
	s.recipients = append(s.recipients, to)
	return nil
}

// Data 处理邮件内容。
//
// 读完整个事务后交给接收引擎，再把引擎的裁决映射为 SMTP 响应：
// 接受 → 250，无有效收件人 → 550，内容不可解析 → 550，
// 临时故障 → 451（发送方整体重试）。
func (s *session) Data(r io.Reader) (err error) {
	// 处理单封邮件时的 panic 只影响当前事务
	defer func() {
		if rec := recover(); rec != nil {
			if s.backend.metrics != nil {
				s.backend.metrics.RecordPanic()
			}
			s.backend.log.Error("panic while handling transaction",
				zap.Any("panic", rec),
				zap.String("sender", s.fromAddress),
			)
			err = &gosmtp.SMTPError{
				Code:         451,
				EnhancedCode: gosmtp.EnhancedCode{4, 3, 0},
				Message:      "temporary processing failure",
			}
		}
	}()

	rawBytes, err := io.ReadAll(io.LimitReader(r, s.backend.maxBytes+1))
	if err != nil {
		return &gosmtp.SMTPError{
			Code:         451,
			EnhancedCode: gosmtp.EnhancedCode{4, 3, 0},
			Message:      "failed to read message data",
		}
	}
	if int64(len(rawBytes)) > s.backend.maxBytes {
		return &gosmtp.SMTPError{
			Code:         552,
			EnhancedCode: gosmtp.EnhancedCode{5, 3, 4},
			Message:      "message exceeds maximum size",
		}
	}

	parsed, err := ingest.Parse(rawBytes)
	if err != nil {
		if errors.Is(err, ingest.ErrMalformedMessage) {
			return &gosmtp.SMTPError{
				Code:         550,
				EnhancedCode: gosmtp.EnhancedCode{5, 6, 0},
				Message:      "message content rejected",
			}
		}
		return &gosmtp.SMTPError{
			Code:         451,
			EnhancedCode: gosmtp.EnhancedCode{4, 3, 0},
			Message:      "temporary processing failure",
		}
	}

	result := s.backend.handler.Ingest(context.Background(), ingest.Transaction{
		Sender:     domain.NormalizeAddress(s.fromAddress),
		Recipients: s.recipients,
		Mail:       parsed,
	})

	switch result.Disposition {
	case ingest.DispositionAccepted:
		return nil
	case ingest.DispositionRejected:
		return &gosmtp.SMTPError{
			Code:         550,
			EnhancedCode: gosmtp.EnhancedCode{5, 1, 1},
			Message:      "no valid recipients on this server",
		}
	default:
		return &gosmtp.SMTPError{
			Code:         451,
			EnhancedCode: gosmtp.EnhancedCode{4, 3, 0},
			Message:      "temporary processing failure, try again later",
		}
	}
}

// AuthPlain 处理 PLAIN 认证（此处允许匿名）。
func (s *session) AuthPlain(username, password string) error {
	return nil
}

// Reset 重置状态。
func (s *session) Reset() {
	s.fromAddress = ""
	s.recipients = nil
}

// Logout 会话结束。
func (s *session) Logout() error {
	if s.acquired {
		s.backend.limiter.Release()
		s.acquired = false
	}
	return nil
}
