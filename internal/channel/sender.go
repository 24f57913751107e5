// Package channel sends notifications to bot conversations and turns channel
// responses into delivery outcomes.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/austindbirch/harbor_notify/internal/logging"
	"github.com/austindbirch/harbor_notify/internal/metrics"
	"github.com/austindbirch/harbor_notify/internal/retry"
)

// ResultKind classifies one Send call.
type ResultKind string

const (
	Succeeded         ResultKind = "Succeeded"
	Throttled         ResultKind = "Throttled"
	RecipientNotFound ResultKind = "RecipientNotFound"
	Failed            ResultKind = "Failed"
)

// Outcome is the result of one Send call.
type Outcome struct {
	Result         ResultKind
	StatusCode     int
	AllStatusCodes string // every status seen, each followed by ","
	ThrottleCount  int
	ErrorDetail    string
}

// Conversation sends activities into one resolved conversation.
type Conversation interface {
	SendActivity(ctx context.Context, activity *Activity) error
}

// Transport resolves a conversation reference for the bot identified by appID.
// Channel failures are reported as *TransportError.
type Transport interface {
	Continue(ctx context.Context, appID string, ref ConversationReference) (Conversation, error)
}

// Sender delivers a notification as a headline message followed by the card.
type Sender struct {
	appID     string
	transport Transport
	policy    *retry.Policy
	logger    *logging.Logger
}

func NewSender(appID string, transport Transport, policy *retry.Policy, logger *logging.Logger) *Sender {
	if policy == nil {
		policy = retry.New(retry.WithLogger(logger))
	}
	if logger == nil {
		logger = logging.New("harbornotify-sender")
	}
	return &Sender{appID: appID, transport: transport, policy: policy, logger: logger}
}

// Send delivers card to the conversation. Channel failures come back as an
// Outcome, never as an error. The error return is for invalid arguments and
// for failures that carry no channel status (network, context), which the
// caller handles as infrastructural.
func (s *Sender) Send(ctx context.Context, card json.RawMessage, conversationID, serviceURL string, maxAttempts int) (Outcome, error) {
	switch {
	case len(card) == 0:
		return Outcome{}, fmt.Errorf("%w: card content is empty", ErrInvalidInput)
	case !json.Valid(card):
		return Outcome{}, fmt.Errorf("%w: card content is not valid JSON", ErrInvalidInput)
	case strings.TrimSpace(conversationID) == "":
		return Outcome{}, fmt.Errorf("%w: conversation id is empty", ErrInvalidInput)
	case strings.TrimSpace(serviceURL) == "":
		return Outcome{}, fmt.Errorf("%w: service url is empty", ErrInvalidInput)
	}
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	start := time.Now()
	log := s.logger.WithContext(ctx).WithConversation(conversationID)

	var trace strings.Builder
	conv, err := s.transport.Continue(ctx, s.appID, ConversationReference{
		ServiceURL:     serviceURL,
		ConversationID: conversationID,
	})
	if err != nil {
		if status := retry.StatusOf(err); status != 0 {
			appendStatus(&trace, status)
		}
		return s.finish(log, start, &trace, maxAttempts, err)
	}

	headline := Headline(card)
	for _, activity := range []*Activity{NewHeadlineActivity(headline), NewCardActivity(card)} {
		err := s.policy.Execute(ctx, maxAttempts, func(ctx context.Context, _ int) error {
			err := conv.SendActivity(ctx, activity)
			if status := retry.StatusOf(err); status != 0 {
				appendStatus(&trace, status)
			}
			return err
		})
		if err != nil {
			return s.finish(log, start, &trace, maxAttempts, err)
		}
	}

	appendStatus(&trace, http.StatusCreated)
	out := Outcome{
		Result:         Succeeded,
		StatusCode:     http.StatusCreated,
		AllStatusCodes: trace.String(),
	}
	metrics.RecordSendResult(string(out.Result), time.Since(start))
	return out, nil
}

// finish turns the error that ended a send into an outcome, or passes it on
// when the channel never answered.
func (s *Sender) finish(log *logging.LogEntry, start time.Time, trace *strings.Builder, maxAttempts int, err error) (Outcome, error) {
	var te *TransportError
	if !errors.As(err, &te) {
		log.WithError(err).Error("send aborted without a channel response")
		return Outcome{AllStatusCodes: trace.String()}, err
	}

	out := Outcome{
		StatusCode:     te.StatusCode,
		AllStatusCodes: trace.String(),
		ErrorDetail:    te.Error(),
	}
	switch te.StatusCode {
	case http.StatusTooManyRequests:
		out.Result = Throttled
		out.ThrottleCount = maxAttempts
	case http.StatusNotFound:
		out.Result = RecipientNotFound
	default:
		out.Result = Failed
	}

	log.WithError(err).WithFields(map[string]any{
		"status_code": out.StatusCode,
		"result":      string(out.Result),
	}).Error("failed to send message")
	metrics.RecordSendResult(string(out.Result), time.Since(start))
	return out, nil
}

func appendStatus(trace *strings.Builder, status int) {
	trace.WriteString(strconv.Itoa(status))
	trace.WriteByte(',')
}
