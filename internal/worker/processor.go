// Package worker decides, for one queued send task, whether and how to
// deliver it, and records the outcome.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/harbor_notify/internal/cardcache"
	"github.com/austindbirch/harbor_notify/internal/channel"
	"github.com/austindbirch/harbor_notify/internal/config"
	"github.com/austindbirch/harbor_notify/internal/delivery"
	"github.com/austindbirch/harbor_notify/internal/logging"
	"github.com/austindbirch/harbor_notify/internal/metrics"
	"github.com/austindbirch/harbor_notify/internal/store"
	"github.com/austindbirch/harbor_notify/internal/throttle"
	"github.com/austindbirch/harbor_notify/internal/tracing"
)

// Status messages written with non-success outcomes.
const (
	MsgGuestNotSupported = "Guest users are not supported"
	MsgAppNotInstalled   = "App is not installed for this recipient"
	MsgSendFailed        = "Failed to send message"
)

// Task outcomes, used as metric labels.
const (
	OutcomeSent             = "sent"
	OutcomeFailed           = "failed"
	OutcomeCanceled         = "canceled"
	OutcomeNotSupported     = "not_supported"
	OutcomeNotPending       = "not_pending"
	OutcomeNotInstalled     = "not_installed"
	OutcomeThrottledRequeue = "throttled_requeue"
	OutcomeThrottled        = "throttled"
	OutcomeMalformed        = "malformed"
	OutcomeInvalid          = "invalid_content"
	OutcomeError            = "error"
)

// statusWriteTimeout bounds the fault status write, which runs even after
// the task context ended.
const statusWriteTimeout = 5 * time.Second

// Store is the durable notification state the processor reads and writes.
type Store interface {
	IsCanceled(ctx context.Context, notificationID string) (bool, error)
	IsPending(ctx context.Context, notificationID, recipientID string) (bool, error)
	GetRichContent(ctx context.Context, notificationID string) (json.RawMessage, error)
	UpdateRecipientStatus(ctx context.Context, u store.StatusUpdate) (bool, error)
}

type Sender interface {
	Send(ctx context.Context, card json.RawMessage, conversationID, serviceURL string, maxAttempts int) (channel.Outcome, error)
}

type Requeuer interface {
	SendDelayed(ctx context.Context, t delivery.Task, delay time.Duration) error
}

// CardSource serves card content, calling load on a miss.
type CardSource interface {
	Get(ctx context.Context, notificationID string, load cardcache.Loader) (json.RawMessage, error)
}

type Options struct {
	MaxAttempts      int           // sender attempts per message
	RetryDelay       time.Duration // throttle window and requeue delay
	MaxDeliveryCount int           // deliveries before a fault is final
}

type Processor struct {
	store    Store
	sender   Sender
	throttle throttle.Throttle
	requeue  Requeuer
	cards    CardSource
	opts     Options
	logger   *logging.Logger
}

func NewProcessor(st Store, sender Sender, th throttle.Throttle, rq Requeuer, cards CardSource, opts Options, logger *logging.Logger) *Processor {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	if opts.MaxDeliveryCount < 1 {
		opts.MaxDeliveryCount = config.MaxDeliveryCountForDeadLetter
	}
	if logger == nil {
		logger = logging.New("harbornotify-worker")
	}
	return &Processor{
		store:    st,
		sender:   sender,
		throttle: th,
		requeue:  rq,
		cards:    cards,
		opts:     opts,
		logger:   logger,
	}
}

// Process handles one queue delivery. A nil return acknowledges the message.
// Undecodable payloads are dropped. A task whose content can never be sent
// is recorded as a final fault and acknowledged. Any other failure is
// recorded as a fault on the recipient and returned so the queue redelivers
// the task.
func (p *Processor) Process(ctx context.Context, body []byte, deliveryCount int) error {
	task, err := delivery.Decode(body)
	if err != nil {
		p.logger.WithContext(ctx).WithError(err).WithField("delivery_count", deliveryCount).Error("bad task payload")
		metrics.RecordTask(OutcomeMalformed)
		return nil
	}

	ctx = tracing.ExtractTaskHeaders(ctx, task.TraceHeaders)
	ctx, span := tracing.StartSpan(ctx, "worker.process",
		attribute.String("notification_id", task.NotificationID),
		attribute.String("recipient_id", task.Recipient.RecipientID),
		attribute.Int("delivery_count", deliveryCount),
	)
	defer span.End()

	log := p.logger.WithContext(ctx).
		WithNotification(task.NotificationID).
		WithRecipient(task.Recipient.RecipientID)

	outcome, err := p.process(ctx, task)
	if err == nil {
		span.SetAttributes(attribute.String("task.outcome", outcome))
		metrics.RecordTask(outcome)
		return nil
	}

	tracing.SetSpanError(ctx, err)

	// redelivery cannot fix bad content, so fail the recipient now
	if errors.Is(err, channel.ErrInvalidInput) {
		log.WithError(err).Error("unsendable content, marking recipient failed")
		p.writeFault(ctx, task, store.StatusFinalFaulted, err)
		metrics.RecordTask(OutcomeInvalid)
		return nil
	}

	code := store.StatusFaultedAndRetrying
	if deliveryCount >= p.opts.MaxDeliveryCount {
		code = store.StatusFinalFaulted
	}
	log.WithError(err).WithFields(map[string]any{
		"delivery_count": deliveryCount,
		"status_code":    code,
	}).Error("failed to process send task")

	p.writeFault(ctx, task, code, err)
	metrics.RecordTask(OutcomeError)
	return err
}

// writeFault records a fault status even when ctx has already ended.
func (p *Processor) writeFault(ctx context.Context, task delivery.Task, code int, cause error) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), statusWriteTimeout)
	defer cancel()
	if _, err := p.store.UpdateRecipientStatus(wctx, store.StatusUpdate{
		NotificationID: task.NotificationID,
		RecipientID:    task.Recipient.RecipientID,
		StatusCode:     code,
		StatusCodes:    fmt.Sprintf("%d,", code),
		ErrorMessage:   MsgSendFailed,
		Exception:      cause.Error(),
	}); err != nil {
		p.logger.WithContext(ctx).
			WithNotification(task.NotificationID).
			WithRecipient(task.Recipient.RecipientID).
			WithError(err).Error("fault status write failed")
	}
}

// process runs the guard chain; the first guard that matches ends the task.
func (p *Processor) process(ctx context.Context, task delivery.Task) (string, error) {
	log := p.logger.WithContext(ctx).
		WithNotification(task.NotificationID).
		WithRecipient(task.Recipient.RecipientID)

	canceled, err := p.store.IsCanceled(ctx, task.NotificationID)
	if err != nil {
		return "", err
	}
	if canceled {
		log.Info("notification canceled, skipping")
		return OutcomeCanceled, nil
	}

	if task.IsGuestRecipient() {
		if err := p.writeStatus(ctx, task, store.StatusNotSupported, MsgGuestNotSupported); err != nil {
			return "", err
		}
		log.Info("guest recipient not supported")
		return OutcomeNotSupported, nil
	}

	pending, err := p.store.IsPending(ctx, task.NotificationID, task.Recipient.RecipientID)
	if err != nil {
		return "", err
	}
	if !pending {
		log.Info("recipient already has a final status, skipping")
		return OutcomeNotPending, nil
	}

	if task.ConversationID() == "" {
		if err := p.writeStatus(ctx, task, store.StatusFinalFaulted, MsgAppNotInstalled); err != nil {
			return "", err
		}
		log.Warn("no conversation for recipient")
		return OutcomeNotInstalled, nil
	}

	throttled, err := p.throttle.IsThrottled(ctx)
	if err != nil {
		return "", err
	}
	if throttled {
		if err := p.requeue.SendDelayed(ctx, task, p.opts.RetryDelay); err != nil {
			return "", err
		}
		metrics.RecordRequeue("globally_throttled")
		log.WithField("delay", p.opts.RetryDelay.String()).Info("send throttled, requeued")
		return OutcomeThrottledRequeue, nil
	}

	return p.send(ctx, task)
}

func (p *Processor) send(ctx context.Context, task delivery.Task) (string, error) {
	log := p.logger.WithContext(ctx).
		WithNotification(task.NotificationID).
		WithRecipient(task.Recipient.RecipientID).
		WithConversation(task.ConversationID())

	tracing.AddSpanEvent(ctx, "card.load")
	card, err := p.cards.Get(ctx, task.NotificationID, p.store.GetRichContent)
	if err != nil {
		return "", err
	}

	tracing.AddSpanEvent(ctx, "channel.send")
	out, err := p.sender.Send(ctx, card, task.ConversationID(), task.ServiceURL(), p.opts.MaxAttempts)
	if err != nil {
		return "", err
	}

	u := store.StatusUpdate{
		NotificationID: task.NotificationID,
		RecipientID:    task.Recipient.RecipientID,
		StatusCode:     out.StatusCode,
		ThrottleCount:  out.ThrottleCount,
		StatusCodes:    out.AllStatusCodes,
		Exception:      out.ErrorDetail,
	}
	if out.Result != channel.Succeeded {
		u.ErrorMessage = MsgSendFailed
	}
	if _, err := p.store.UpdateRecipientStatus(ctx, u); err != nil {
		return "", err
	}

	switch out.Result {
	case channel.Succeeded:
		log.Info("message sent")
		return OutcomeSent, nil
	case channel.Throttled:
		if err := p.throttle.SetThrottled(ctx, p.opts.RetryDelay); err != nil {
			return "", err
		}
		metrics.RecordThrottle()
		if err := p.requeue.SendDelayed(ctx, task, p.opts.RetryDelay); err != nil {
			return "", err
		}
		metrics.RecordRequeue("throttled")
		log.WithFields(map[string]any{
			"status_codes": out.AllStatusCodes,
			"delay":        p.opts.RetryDelay.String(),
		}).Warn("channel throttled send, requeued")
		return OutcomeThrottled, nil
	default:
		log.WithFields(map[string]any{
			"result":      string(out.Result),
			"status_code": out.StatusCode,
		}).Error("failed to send message")
		return OutcomeFailed, nil
	}
}

func (p *Processor) writeStatus(ctx context.Context, task delivery.Task, code int, message string) error {
	_, err := p.store.UpdateRecipientStatus(ctx, store.StatusUpdate{
		NotificationID: task.NotificationID,
		RecipientID:    task.Recipient.RecipientID,
		StatusCode:     code,
		StatusCodes:    fmt.Sprintf("%d,", code),
		ErrorMessage:   message,
	})
	return err
}

// MarkDeadLettered records the final fault of a task the queue gave up on.
func (p *Processor) MarkDeadLettered(ctx context.Context, task delivery.Task, reason string) error {
	_, err := p.store.UpdateRecipientStatus(ctx, store.StatusUpdate{
		NotificationID: task.NotificationID,
		RecipientID:    task.Recipient.RecipientID,
		StatusCode:     store.StatusFinalFaulted,
		StatusCodes:    fmt.Sprintf("%d,", store.StatusFinalFaulted),
		ErrorMessage:   MsgSendFailed,
		Exception:      reason,
	})
	return err
}
