package delivery

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr bool
		wantID  string
	}{
		{
			name:   "complete task",
			body:   `{"notification_id":"n-1","recipient":{"recipient_id":"r-1","user_type":"Member","conversation_id":"a:1","service_url":"https://smba.example.com/"}}`,
			wantID: "n-1",
		},
		{
			name:   "task without conversation is still valid",
			body:   `{"notification_id":"n-2","recipient":{"recipient_id":"r-2"}}`,
			wantID: "n-2",
		},
		{
			name:    "not json",
			body:    `{not-json`,
			wantErr: true,
		},
		{
			name:    "missing notification id",
			body:    `{"recipient":{"recipient_id":"r-1"}}`,
			wantErr: true,
		},
		{
			name:    "blank recipient id",
			body:    `{"notification_id":"n-1","recipient":{"recipient_id":"   "}}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			task, err := Decode([]byte(tt.body))
			if tt.wantErr {
				if !errors.Is(err, ErrMalformedTask) {
					t.Fatalf("Decode() error = %v, want ErrMalformedTask", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Decode() unexpected error: %v", err)
			}
			if task.NotificationID != tt.wantID {
				t.Errorf("Decode() NotificationID = %q, want %q", task.NotificationID, tt.wantID)
			}
		})
	}
}

func TestTaskHelpers(t *testing.T) {
	tests := []struct {
		name      string
		recipient Recipient
		wantConv  string
		wantURL   string
		wantGuest bool
	}{
		{
			name:      "member with conversation",
			recipient: Recipient{RecipientID: "r", UserType: "Member", ConversationID: " a:1 ", ServiceURL: "https://smba/"},
			wantConv:  "a:1",
			wantURL:   "https://smba/",
		},
		{
			name:      "guest user",
			recipient: Recipient{RecipientID: "r", UserType: "Guest"},
			wantGuest: true,
		},
		{
			name:      "guest user lower case",
			recipient: Recipient{RecipientID: "r", UserType: "guest"},
			wantGuest: true,
		},
		{
			name:      "team recipient has no user type",
			recipient: Recipient{RecipientID: "r", RecipientType: "team", ConversationID: "19:team"},
			wantConv:  "19:team",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			task := Task{NotificationID: "n", Recipient: tt.recipient}
			if got := task.ConversationID(); got != tt.wantConv {
				t.Errorf("ConversationID() = %q, want %q", got, tt.wantConv)
			}
			if got := task.ServiceURL(); got != tt.wantURL {
				t.Errorf("ServiceURL() = %q, want %q", got, tt.wantURL)
			}
			if got := task.IsGuestRecipient(); got != tt.wantGuest {
				t.Errorf("IsGuestRecipient() = %v, want %v", got, tt.wantGuest)
			}
		})
	}
}

func TestEncodeKeepsTraceHeaders(t *testing.T) {
	task := Task{
		NotificationID: "n-1",
		Recipient:      Recipient{RecipientID: "r-1"},
		TraceHeaders:   map[string]string{"traceparent": "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01"},
	}
	body, err := task.Encode()
	if err != nil {
		t.Fatalf("Encode() error: %v", err)
	}
	decoded, err := Decode(body)
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	if decoded.TraceHeaders["traceparent"] != task.TraceHeaders["traceparent"] {
		t.Errorf("traceparent = %q, want %q", decoded.TraceHeaders["traceparent"], task.TraceHeaders["traceparent"])
	}
}

func TestNewDeadLetter(t *testing.T) {
	task := Task{NotificationID: "n-1", Recipient: Recipient{RecipientID: "r-1"}}

	before := time.Now()
	dl := NewDeadLetter(task, 10, "max deliveries reached")
	after := time.Now()

	if dl.Type != DLQType {
		t.Errorf("NewDeadLetter() Type = %q, want %q", dl.Type, DLQType)
	}
	if dl.Version != "v1" {
		t.Errorf("NewDeadLetter() Version = %q, want %q", dl.Version, "v1")
	}
	if dl.ID == "" {
		t.Error("NewDeadLetter() ID is empty")
	}
	if dl.DeliveryCount != 10 {
		t.Errorf("NewDeadLetter() DeliveryCount = %d, want 10", dl.DeliveryCount)
	}
	if dl.Task.NotificationID != "n-1" {
		t.Errorf("NewDeadLetter() Task.NotificationID = %q, want %q", dl.Task.NotificationID, "n-1")
	}

	at, err := time.Parse(time.RFC3339Nano, dl.At)
	if err != nil {
		t.Fatalf("NewDeadLetter() At parse error: %v", err)
	}
	if at.Before(before.Add(-time.Second)) || at.After(after.Add(time.Second)) {
		t.Errorf("NewDeadLetter() At %v not between %v and %v", at, before, after)
	}

	if _, err := json.Marshal(dl); err != nil {
		t.Errorf("DeadLetter marshal error: %v", err)
	}
}

func TestDLQTypeConstant(t *testing.T) {
	if DLQType != "notification.send.dlq" {
		t.Errorf("DLQType constant = %q, want %q", DLQType, "notification.send.dlq")
	}
}
