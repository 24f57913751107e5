package delivery

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrMalformedTask marks a payload that can never be processed, no matter how
// many times it is redelivered.
var ErrMalformedTask = errors.New("malformed send task")

const guestUserType = "guest"

// Recipient identifies who a notification is sent to and where the bot
// conversation with them lives.
type Recipient struct {
	RecipientID    string `json:"recipient_id"`
	RecipientType  string `json:"recipient_type,omitempty"` // "user" or "team"
	UserType       string `json:"user_type,omitempty"`      // "Member" or "Guest"
	ConversationID string `json:"conversation_id,omitempty"`
	ServiceURL     string `json:"service_url,omitempty"`
	TenantID       string `json:"tenant_id,omitempty"`
}

// Task is one queued unit of work: deliver notification N to recipient R.
// The delivery attempt count comes from the queue, not from the payload.
type Task struct {
	NotificationID string            `json:"notification_id"`
	Recipient      Recipient         `json:"recipient"`
	TraceHeaders   map[string]string `json:"trace_headers,omitempty"` // OTel trace propagation headers
}

// Decode parses a queue payload into a Task. Structural problems are
// reported as ErrMalformedTask.
func Decode(body []byte) (Task, error) {
	var t Task
	if err := json.Unmarshal(body, &t); err != nil {
		return Task{}, fmt.Errorf("%w: %v", ErrMalformedTask, err)
	}
	if err := t.Validate(); err != nil {
		return Task{}, err
	}
	return t, nil
}

// Validate checks the fields every task must carry.
func (t Task) Validate() error {
	if strings.TrimSpace(t.NotificationID) == "" {
		return fmt.Errorf("%w: notification_id is required", ErrMalformedTask)
	}
	if strings.TrimSpace(t.Recipient.RecipientID) == "" {
		return fmt.Errorf("%w: recipient.recipient_id is required", ErrMalformedTask)
	}
	return nil
}

// Encode serializes the task for (re)publishing.
func (t Task) Encode() ([]byte, error) {
	return json.Marshal(t)
}

// ConversationID returns the provisioned conversation, empty when the app is
// not installed for the recipient.
func (t Task) ConversationID() string {
	return strings.TrimSpace(t.Recipient.ConversationID)
}

func (t Task) ServiceURL() string {
	return strings.TrimSpace(t.Recipient.ServiceURL)
}

// IsGuestRecipient reports whether the recipient is a guest user, which the
// channel does not support.
func (t Task) IsGuestRecipient() bool {
	return strings.EqualFold(strings.TrimSpace(t.Recipient.UserType), guestUserType)
}
