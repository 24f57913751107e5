package delivery

import (
	"time"

	"github.com/google/uuid"
)

const DLQType = "notification.send.dlq"

// DeadLetter is published once the queue gives up on a task.
type DeadLetter struct {
	ID            string `json:"id"`
	Type          string `json:"type"`           // "notification.send.dlq"
	Version       string `json:"version"`        // schema version
	At            string `json:"at"`             // RFC3339 time the DLQ was emitted
	Reason        string `json:"reason"`         // human/debug text
	DeliveryCount int    `json:"delivery_count"` // queue deliveries when DLQ'd
	Task          Task   `json:"task"`
	RawBody       string `json:"raw_body,omitempty"` // set when the body did not decode
}

func NewDeadLetter(t Task, deliveryCount int, reason string) DeadLetter {
	return DeadLetter{
		ID:            uuid.NewString(),
		Type:          DLQType,
		Version:       "v1",
		At:            time.Now().UTC().Format(time.RFC3339Nano),
		Reason:        reason,
		DeliveryCount: deliveryCount,
		Task:          t,
	}
}
