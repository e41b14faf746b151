package entity

import "github.com/google/uuid"

// Message is what a channel gateway receives: resolved addresses plus rendered content.
type Message struct {
	NotificationID uuid.UUID        `json:"notification_id"`
	Channel        Channel          `json:"channel"`
	To             []string         `json:"to"`
	Devices        []Device         `json:"devices,omitempty"`
	Title          string           `json:"title"`
	Body           string           `json:"body"`
	ImageURL       string           `json:"image_url,omitempty"`
	ActionURL      string           `json:"action_url,omitempty"`
	Priority       Priority         `json:"priority"`
	Type           NotificationType `json:"type"`
	Data           map[string]any   `json:"data,omitempty"`
}

// SendResult is the provider outcome of a successful send. Delivered is set by
// channels where acceptance already means the message reached the user.
type SendResult struct {
	ExternalID string
	Response   string
	Delivered  bool
}
