package entity

import (
	"time"

	"github.com/google/uuid"
)

type DeviceKind string

const (
	DeviceWebPush DeviceKind = "web_push"
	DeviceFCM     DeviceKind = "fcm"
)

// Device is a push registration. Rows are deactivated, never removed, so
// delivery history keeps pointing at a real token.
type Device struct {
	ID         uuid.UUID  `json:"id"`
	UserID     uuid.UUID  `json:"user_id"`
	Kind       DeviceKind `json:"kind"`
	Token      string     `json:"token"`
	P256dh     string     `json:"p256dh,omitempty"`
	Auth       string     `json:"auth,omitempty"`
	Platform   string     `json:"platform,omitempty"`
	UserAgent  string     `json:"user_agent,omitempty"`
	IsActive   bool       `json:"is_active"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}
