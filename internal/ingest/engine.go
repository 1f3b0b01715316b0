package ingest

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"omnimail/backend/internal/domain"
	"omnimail/backend/internal/monitoring"
	"omnimail/backend/internal/storage"
)

// Disposition 一次入站事务的最终处置结果。
type Disposition int

const (
	// DispositionAccepted 事务已接收，所有命中的邮箱均已落库
	DispositionAccepted Disposition = iota
	// DispositionRejected 永久拒绝，发送方不应重试
	DispositionRejected
	// DispositionTransientFailure 临时失败，发送方可整体重试
	DispositionTransientFailure
)

// String 返回处置结果的可读名称。
func (d Disposition) String() string {
	switch d {
	case DispositionAccepted:
		return "accepted"
	case DispositionRejected:
		return "rejected"
	case DispositionTransientFailure:
		return "transient_failure"
	default:
		return "unknown"
	}
}

// Transaction 一次完整接收的入站事务。
//
// Recipients 保留信封中的顺序与重复项。
type Transaction struct {
	Sender     string
	Recipients []string
	Mail       *ParsedMail
}

// Result 引擎对一次事务的裁决。
type Result struct {
	Disposition Disposition
	Reason      string
	Stored      []*domain.Message
}

// Handler 接收一次完整事务并给出处置结果。
//
// 协议适配层只依赖这一个能力，由 Engine 提供唯一实现。
type Handler interface {
	Ingest(ctx context.Context, txn Transaction) Result
}

// Directory 地址到邮箱的目录查询。
//
// 未命中（含邮箱未激活）返回 storage.ErrMailboxNotFound，
// 这是多收件人事务中的常见情形，不是故障。
type Directory interface {
	Resolve(address string) (*domain.Mailbox, error)
}

// MessageSink 原子落库单元：一批插入要么全部提交要么全部回滚。
type MessageSink interface {
	SaveMessages(messages []*domain.Message) error
}

// Notifier 落库成功后的尽力通知，失败不影响处置结果。
type Notifier interface {
	Notify(mailbox *domain.Mailbox, message *domain.Message)
}

// NopNotifier 空通知器。
type NopNotifier struct{}

// Notify 什么也不做。
func (NopNotifier) Notify(*domain.Mailbox, *domain.Message) {}

// MultiNotifier 依次调用每个子通知器。
type MultiNotifier []Notifier

// Notify 逐个转发通知。
func (m MultiNotifier) Notify(mailbox *domain.Mailbox, message *domain.Message) {
	for _, n := range m {
		n.Notify(mailbox, message)
	}
}

// Engine 邮件路由与持久化引擎。
//
// 事务状态机：Received → Parsed → Resolved →
// {Rejected | Persisting → {Accepted | TransientFailure}}，
// 终态之后不会回退。引擎自身无锁，原子性完全由 MessageSink 提供，
// 可被任意多个并发事务同时调用。
type Engine struct {
	directory Directory
	sink      MessageSink
	notifier  Notifier
	metrics   *monitoring.Metrics
	log       *zap.Logger
}

// NewEngine 创建接收引擎。metrics 可为 nil。
func NewEngine(directory Directory, sink MessageSink, notifier Notifier, metrics *monitoring.Metrics, log *zap.Logger) *Engine {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		directory: directory,
		sink:      sink,
		notifier:  notifier,
		metrics:   metrics,
		log:       log,
	}
}

type match struct {
	recipient string
	mailbox   *domain.Mailbox
}

// Ingest 处理一次已完整接收的事务。
//
// 按信封顺序解析每个收件人；一个都未命中即拒绝；
// 否则在一个原子单元内为每个命中的邮箱各写入一条邮件，
// 提交成功后逐条触发通知并接受整个事务。任何落库错误都会
// 回滚全部写入并返回临时失败，让发送方整体重试。
func (e *Engine) Ingest(ctx context.Context, txn Transaction) Result {
	start := time.Now()
	result := e.ingest(ctx, txn)
	if e.metrics != nil {
		e.metrics.RecordIngest(result.Disposition.String(), time.Since(start))
		e.metrics.RecordMessagesStored(len(result.Stored))
	}
	return result
}

func (e *Engine) ingest(ctx context.Context, txn Transaction) Result {
	matches := make([]match, 0, len(txn.Recipients))
	seen := make(map[string]struct{}, len(txn.Recipients))

	for _, recipient := range txn.Recipients {
		address := domain.NormalizeAddress(recipient)
		mailbox, err := e.directory.Resolve(address)
		if errors.Is(err, storage.ErrMailboxNotFound) {
			// 常见情形：收件人不在本平台，静默跳过
			continue
		}
		if err != nil {
			e.log.Error("directory lookup failed",
				zap.String("recipient", address),
				zap.Error(err),
			)
			return Result{Disposition: DispositionTransientFailure, Reason: "directory unavailable"}
		}
		// 信封中的重复收件人只产生一条记录
		if _, dup := seen[mailbox.ID]; dup {
			continue
		}
		seen[mailbox.ID] = struct{}{}
		matches = append(matches, match{recipient: address, mailbox: mailbox})
	}

	if len(matches) == 0 {
		return Result{Disposition: DispositionRejected, Reason: "no valid recipients"}
	}

	// 连接在提交前断开时按落库失败处理，保证不会出现部分提交
	if err := ctx.Err(); err != nil {
		return Result{Disposition: DispositionTransientFailure, Reason: "transaction aborted"}
	}

	now := time.Now().UTC()
	messages := make([]*domain.Message, 0, len(matches))
	for _, m := range matches {
		messages = append(messages, &domain.Message{
			ID:         uuid.NewString(),
			MailboxID:  m.mailbox.ID,
			Sender:     txn.Sender,
			Subject:    txn.Mail.Subject,
			Body:       txn.Mail.Body,
			Raw:        txn.Mail.Raw,
			Size:       txn.Mail.Size,
			ReceivedAt: now,
		})
	}

	if err := e.sink.SaveMessages(messages); err != nil {
		e.log.Error("message persistence failed",
			zap.Int("recipients", len(messages)),
			zap.String("sender", txn.Sender),
			zap.Error(err),
		)
		return Result{Disposition: DispositionTransientFailure, Reason: "storage failure"}
	}

	for i, msg := range messages {
		e.notifier.Notify(matches[i].mailbox, msg)
	}

	e.log.Info("transaction accepted",
		zap.String("sender", txn.Sender),
		zap.Int("recipients", len(txn.Recipients)),
		zap.Int("stored", len(messages)),
	)
	return Result{Disposition: DispositionAccepted, Stored: messages}
}
