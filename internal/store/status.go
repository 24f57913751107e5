package store

import "net/http"

// Sentinel status codes written when no channel response is available.
const (
	StatusFaultedAndRetrying = -1
	StatusFinalFaulted       = -2
	StatusNotSupported       = -3
)

// Delivery statuses derived from a status code.
const (
	DeliveryPending           = ""
	DeliverySucceeded         = "Succeeded"
	DeliveryFailed            = "Failed"
	DeliveryRetrying          = "Retrying"
	DeliveryThrottled         = "Throttled"
	DeliveryRecipientNotFound = "RecipientNotFound"
	DeliveryNotSupported      = "NotSupported"
)

// DeliveryStatusFor maps a status code to its delivery status. Codes without
// a dedicated status, including the final-faulted sentinel, are failures.
func DeliveryStatusFor(code int) string {
	switch code {
	case http.StatusCreated:
		return DeliverySucceeded
	case http.StatusTooManyRequests:
		return DeliveryThrottled
	case http.StatusNotFound:
		return DeliveryRecipientNotFound
	case StatusFaultedAndRetrying:
		return DeliveryRetrying
	case StatusNotSupported:
		return DeliveryNotSupported
	default:
		return DeliveryFailed
	}
}

// IsTerminal reports whether a delivery status is final for the recipient.
func IsTerminal(deliveryStatus string) bool {
	switch deliveryStatus {
	case DeliverySucceeded, DeliveryFailed, DeliveryRecipientNotFound, DeliveryNotSupported:
		return true
	}
	return false
}

// terminalStatuses feeds the lost-update guard of the status write.
var terminalStatuses = []string{
	DeliverySucceeded,
	DeliveryFailed,
	DeliveryRecipientNotFound,
	DeliveryNotSupported,
}
