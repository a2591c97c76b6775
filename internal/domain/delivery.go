package domain

import "time"

type DeliveryStatus string

const (
	DeliveryPending DeliveryStatus = "pending"
	DeliverySent    DeliveryStatus = "sent"
	DeliveryFailed  DeliveryStatus = "failed"
)

// DefaultMaxAttempts is the per-delivery attempt budget.
const DefaultMaxAttempts = 3

// Delivery is the attempt record for one (notification, channel) pair.
//
// Status transitions:
//
//	pending --success--> sent (terminal)
//	pending --failure, attempts < max--> pending (retryable)
//	pending --failure, attempts = max or permanent error--> failed (terminal)
type Delivery struct {
	ID               string         `json:"id"`
	NotificationID   string         `json:"notification_id"`
	UserID           int64          `json:"user_id"`
	Type             Type           `json:"type"`
	Channel          Channel        `json:"channel"`
	Status           DeliveryStatus `json:"status"`
	Attempts         int            `json:"attempts"`
	MaxAttempts      int            `json:"max_attempts"`
	LastAttemptAt    *time.Time     `json:"last_attempt_at,omitempty"`
	DeliveredAt      *time.Time     `json:"delivered_at,omitempty"`
	FailedAt         *time.Time     `json:"failed_at,omitempty"`
	ErrorCode        string         `json:"error_code,omitempty"`
	ErrorMessage     string         `json:"error_message,omitempty"`
	ProviderResponse string         `json:"provider_response,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
}

// Terminal reports whether no further attempts will be made.
func (d Delivery) Terminal() bool {
	return d.Status == DeliverySent || d.Status == DeliveryFailed
}

// Retryable reports whether a previously attempted row may be attempted again.
func (d Delivery) Retryable() bool {
	return d.Status == DeliveryPending && d.Attempts > 0 && d.Attempts < d.MaxAttempts
}

// Aggregate derives a notification status from its deliveries:
// sent if any succeeded, failed if all are terminally failed, pending otherwise.
func Aggregate(ds []Delivery) Status {
	if len(ds) == 0 {
		return StatusPending
	}
	allFailed := true
	for _, d := range ds {
		if d.Status == DeliverySent {
			return StatusSent
		}
		if d.Status != DeliveryFailed {
			allFailed = false
		}
	}
	if allFailed {
		return StatusFailed
	}
	return StatusPending
}

// DeliveryResult is the outcome of one channel attempt as reported to callers.
type DeliveryResult struct {
	Success          bool    `json:"success"`
	Channel          Channel `json:"channel"`
	Message          string  `json:"message,omitempty"`
	ProviderResponse string  `json:"provider_response,omitempty"`
	Error            string  `json:"error,omitempty"`
	Permanent        bool    `json:"permanent,omitempty"`
}
