package entity

import (
	"time"

	"github.com/google/uuid"
)

type DeliveryStatus string

const (
	DeliveryQueued  DeliveryStatus = "queued"
	DeliverySending DeliveryStatus = "sending"
	DeliverySent    DeliveryStatus = "sent"
	DeliveryFailed  DeliveryStatus = "failed"
)

// DeliveryItem is one (notification, channel) unit of work.
type DeliveryItem struct {
	ID             uuid.UUID      `json:"id"`
	NotificationID uuid.UUID      `json:"notification_id"`
	Channel        Channel        `json:"channel"`
	Status         DeliveryStatus `json:"status"`
	ScheduledAt    time.Time      `json:"scheduled_at"`
	ProcessedAt    *time.Time     `json:"processed_at,omitempty"`
	RetryCount     int            `json:"retry_count"`
	MaxRetries     int            `json:"max_retries"`
	NextRetryAt    *time.Time     `json:"next_retry_at,omitempty"`
	LastError      string         `json:"last_error,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Due reports whether a queued item may be claimed at now.
func (d *DeliveryItem) Due(now time.Time) bool {
	if d.Status != DeliveryQueued || d.ScheduledAt.After(now) {
		return false
	}
	return d.NextRetryAt == nil || !d.NextRetryAt.After(now)
}

// DeliveryLog is an immutable record of one delivery attempt.
type DeliveryLog struct {
	ID             uuid.UUID     `json:"id"`
	NotificationID uuid.UUID     `json:"notification_id"`
	DeliveryItemID uuid.UUID     `json:"delivery_item_id"`
	Channel        Channel       `json:"channel"`
	Attempt        int           `json:"attempt"`
	Success        bool          `json:"success"`
	ExternalID     string        `json:"external_id,omitempty"`
	Response       string        `json:"response,omitempty"`
	Error          string        `json:"error,omitempty"`
	Duration       time.Duration `json:"duration"`
	CreatedAt      time.Time     `json:"created_at"`
}

type DeliveryReport struct {
	Notification *Notification  `json:"notification"`
	Items        []DeliveryItem `json:"items"`
	Logs         []DeliveryLog  `json:"logs"`
}
