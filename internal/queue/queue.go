// Package queue adapts NSQ to the send worker: it feeds messages to a
// processor, republishes delayed tasks and dead-letters exhausted ones.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nsqio/go-nsq"

	"github.com/austindbirch/harbor_notify/internal/delivery"
	"github.com/austindbirch/harbor_notify/internal/logging"
	"github.com/austindbirch/harbor_notify/internal/metrics"
	"github.com/austindbirch/harbor_notify/internal/tracing"
)

// Publisher is satisfied by *nsq.Producer.
type Publisher interface {
	Publish(topic string, body []byte) error
	DeferredPublish(topic string, delay time.Duration, body []byte) error
}

// Processor handles one message body. deliveryCount is 1 on first delivery.
type Processor interface {
	Process(ctx context.Context, body []byte, deliveryCount int) error
}

// DeadLetterFunc records the terminal failure of a task that the queue gave
// up on.
type DeadLetterFunc func(ctx context.Context, t delivery.Task, reason string) error

// Requeuer republishes tasks to the send topic after a delay.
type Requeuer struct {
	pub   Publisher
	topic string
}

func NewRequeuer(pub Publisher, topic string) *Requeuer {
	return &Requeuer{pub: pub, topic: topic}
}

// SendDelayed publishes t again with the current trace context attached.
func (r *Requeuer) SendDelayed(ctx context.Context, t delivery.Task, delay time.Duration) error {
	if headers := tracing.InjectTaskHeaders(ctx); headers != nil {
		t.TraceHeaders = headers
	}
	body, err := t.Encode()
	if err != nil {
		return fmt.Errorf("queue: encode task: %w", err)
	}
	if delay <= 0 {
		err = r.pub.Publish(r.topic, body)
	} else {
		err = r.pub.DeferredPublish(r.topic, delay, body)
	}
	if err != nil {
		return fmt.Errorf("queue: publish %s: %w", r.topic, err)
	}
	return nil
}

// Handler is an nsq.Handler and nsq.FailedMessageLogger around a Processor.
type Handler struct {
	base          context.Context
	proc          Processor
	timeout       time.Duration
	touchInterval time.Duration

	dlqPub     Publisher
	dlqTopic   string
	deadLetter DeadLetterFunc

	logger *logging.Logger
}

type HandlerOption func(*Handler)

// WithDeadLetter publishes exhausted tasks to topic and calls mark for them.
// Either may be empty.
func WithDeadLetter(pub Publisher, topic string, mark DeadLetterFunc) HandlerOption {
	return func(h *Handler) {
		h.dlqPub = pub
		h.dlqTopic = topic
		h.deadLetter = mark
	}
}

func WithTouchInterval(d time.Duration) HandlerOption {
	return func(h *Handler) { h.touchInterval = d }
}

func WithLogger(l *logging.Logger) HandlerOption {
	return func(h *Handler) { h.logger = l }
}

// NewHandler returns a handler whose message contexts derive from base and
// end after timeout.
func NewHandler(base context.Context, proc Processor, timeout time.Duration, opts ...HandlerOption) *Handler {
	h := &Handler{
		base:          base,
		proc:          proc,
		timeout:       timeout,
		touchInterval: 30 * time.Second,
		logger:        logging.New("harbornotify-queue"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// HandleMessage answers the message itself. A failed task is requeued
// without consumer backoff so one bad task does not pause every handler;
// nsqd applies its linear redelivery delay. The error is still returned so
// the consumer logs it.
func (h *Handler) HandleMessage(m *nsq.Message) error {
	m.DisableAutoResponse()

	ctx, cancel := context.WithTimeout(h.base, h.timeout)
	defer cancel()

	stop := h.keepAlive(ctx, m)
	err := h.proc.Process(ctx, m.Body, int(m.Attempts))
	stop()

	if err != nil {
		metrics.RecordRequeue("redelivery")
		m.RequeueWithoutBackoff(-1)
		return err
	}
	m.Finish()
	return nil
}

// keepAlive touches m until the returned func is called so nsqd does not
// redeliver it while a send is still retrying.
func (h *Handler) keepAlive(ctx context.Context, m *nsq.Message) func() {
	if h.touchInterval <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(h.touchInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Touch()
			}
		}
	}()
	return func() { close(done) }
}

// LogFailedMessage runs once a message exceeds the consumer's MaxAttempts.
// NSQ finishes the message afterwards.
func (h *Handler) LogFailedMessage(m *nsq.Message) {
	ctx, cancel := context.WithTimeout(h.base, h.timeout)
	defer cancel()

	deliveryCount := int(m.Attempts)
	reason := fmt.Sprintf("max delivery count reached (%d)", deliveryCount)

	task, decodeErr := delivery.Decode(m.Body)
	if decodeErr == nil {
		ctx = tracing.ExtractTaskHeaders(ctx, task.TraceHeaders)
	}
	log := h.logger.WithContext(ctx).WithFields(map[string]any{
		"delivery_count": deliveryCount,
		"message_id":     string(m.ID[:]),
	})
	if decodeErr == nil {
		log = log.WithNotification(task.NotificationID).WithRecipient(task.Recipient.RecipientID)
	}

	env := delivery.NewDeadLetter(task, deliveryCount, reason)
	if decodeErr != nil {
		env.RawBody = string(m.Body)
	}
	if h.dlqPub != nil && h.dlqTopic != "" {
		if err := h.publishDeadLetter(env); err != nil {
			log.WithError(err).Error("dlq publish failed")
		} else {
			log.WithField("topic", h.dlqTopic).Info("dlq published")
		}
	}
	if decodeErr == nil && h.deadLetter != nil {
		if err := h.deadLetter(ctx, task, reason); err != nil {
			log.WithError(err).Error("dead letter status update failed")
		}
	}

	metrics.RecordDLQ()
	log.Warn("send task dead-lettered")
}

func (h *Handler) publishDeadLetter(env delivery.DeadLetter) error {
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return h.dlqPub.Publish(h.dlqTopic, b)
}

// ConsumerConfig is the subset of settings the consumer needs.
type ConsumerConfig struct {
	Topic            string
	Channel          string
	MaxInFlight      int
	Concurrency      int
	MaxDeliveryCount int
	NsqdTCPAddr      string
	LookupHTTPAddr   string
}

// NewConfig builds the NSQ consumer configuration. MaxAttempts is the
// delivery count after which LogFailedMessage fires.
func NewConfig(cc ConsumerConfig) *nsq.Config {
	conf := nsq.NewConfig()
	if cc.MaxInFlight > 0 {
		conf.MaxInFlight = cc.MaxInFlight
	}
	if cc.MaxDeliveryCount > 0 {
		conf.MaxAttempts = uint16(cc.MaxDeliveryCount)
	}
	return conf
}

// StartConsumer connects a consumer running h on cc.Concurrency goroutines.
func StartConsumer(cc ConsumerConfig, h *Handler) (*nsq.Consumer, error) {
	if cc.Topic == "" || cc.Channel == "" {
		return nil, errors.New("queue: topic and channel are required")
	}
	consumer, err := nsq.NewConsumer(cc.Topic, cc.Channel, NewConfig(cc))
	if err != nil {
		return nil, fmt.Errorf("queue: new consumer: %w", err)
	}
	concurrency := cc.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}
	consumer.AddConcurrentHandlers(h, concurrency)

	// Connecting directly to NSQD forces channel creation, instead of the channel being lazily created on first publish
	if cc.NsqdTCPAddr != "" {
		if err := consumer.ConnectToNSQD(cc.NsqdTCPAddr); err != nil {
			consumer.Stop()
			return nil, fmt.Errorf("queue: connect to nsqd: %w", err)
		}
	}
	if cc.LookupHTTPAddr != "" {
		if err := consumer.ConnectToNSQLookupd(cc.LookupHTTPAddr); err != nil {
			consumer.Stop()
			return nil, fmt.Errorf("queue: connect to lookupd: %w", err)
		}
	}
	return consumer, nil
}
