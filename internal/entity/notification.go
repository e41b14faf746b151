package entity

import (
	"slices"
	"time"

	"github.com/google/uuid"
)

type (
	Channel          string
	Priority         string
	Status           string
	NotificationType string
)

const (
	ChannelPush     Channel = "push"
	ChannelEmail    Channel = "email"
	ChannelSMS      Channel = "sms"
	ChannelTelegram Channel = "telegram"
	ChannelInApp    Channel = "in_app"
	ChannelWebhook  Channel = "webhook"
)

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

const (
	StatusPending   Status = "pending"
	StatusQueued    Status = "queued"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

const (
	TypeMachineAlert        NotificationType = "machine_alert"
	TypeMachineOffline      NotificationType = "machine_offline"
	TypeLowStock            NotificationType = "low_stock"
	TypeTaskAssigned        NotificationType = "task_assigned"
	TypeTaskOverdue         NotificationType = "task_overdue"
	TypeTaskCompleted       NotificationType = "task_completed"
	TypeComplaintNew        NotificationType = "complaint_new"
	TypeComplaintSLAWarning NotificationType = "complaint_sla_warning"
	TypeContractExpiring    NotificationType = "contract_expiring"
	TypePaymentReceived     NotificationType = "payment_received"
	TypeReportReady         NotificationType = "report_ready"
	TypeAnnouncement        NotificationType = "announcement"
	TypeSystem              NotificationType = "system"
	TypeCustom              NotificationType = "custom"
)

// PrimaryLocale is the base locale of every template in this domain.
const PrimaryLocale = "ru"

var (
	_channels = []Channel{
		ChannelPush, ChannelEmail, ChannelSMS, ChannelTelegram, ChannelInApp, ChannelWebhook,
	}
	_types = []NotificationType{
		TypeMachineAlert, TypeMachineOffline, TypeLowStock, TypeTaskAssigned, TypeTaskOverdue,
		TypeTaskCompleted, TypeComplaintNew, TypeComplaintSLAWarning, TypeContractExpiring,
		TypePaymentReceived, TypeReportReady, TypeAnnouncement, TypeSystem, TypeCustom,
	}
	// _statusRank orders the forward progress of a notification. Failed and
	// cancelled are terminal and have no rank.
	_statusRank = map[Status]int{
		StatusPending:   0,
		StatusQueued:    1,
		StatusSent:      2,
		StatusDelivered: 3,
		StatusRead:      4,
	}
)

func Channels() []Channel { return slices.Clone(_channels) }

func (c Channel) IsValid() bool { return slices.Contains(_channels, c) }

func (c Channel) String() string { return string(c) }

func (p Priority) IsValid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

func (t NotificationType) IsValid() bool { return slices.Contains(_types, t) }

func (s Status) String() string { return string(s) }

func (s Status) IsTerminal() bool {
	return s == StatusFailed || s == StatusCancelled
}

// Cancellable reports whether the notification has not yet left the queue.
func (s Status) Cancellable() bool {
	return s == StatusPending || s == StatusQueued
}

// StatusesBefore returns the statuses from which a move to target is a
// forward, monotonic transition.
func StatusesBefore(target Status) []Status {
	if target == StatusFailed {
		return []Status{StatusPending, StatusQueued}
	}
	rank, ok := _statusRank[target]
	if !ok {
		return nil
	}
	var out []Status
	for _, s := range []Status{StatusPending, StatusQueued, StatusSent, StatusDelivered, StatusRead} {
		if _statusRank[s] < rank {
			out = append(out, s)
		}
	}
	return out
}

type LocalizedContent struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

type Content struct {
	Title     string                      `json:"title"                validate:"max=500"`
	Body      string                      `json:"body"`
	Localized map[string]LocalizedContent `json:"localized,omitempty"`
	ImageURL  string                      `json:"image_url,omitempty" validate:"omitempty,url"`
	ActionURL string                      `json:"action_url,omitempty" validate:"omitempty,url"`
	Data      map[string]any              `json:"data,omitempty"`
}

// ForLocale returns the localized variant when present and the default
// title/body otherwise.
func (c Content) ForLocale(locale string) LocalizedContent {
	if lc, ok := c.Localized[locale]; ok && (lc.Title != "" || lc.Body != "") {
		return lc
	}
	return LocalizedContent{Title: c.Title, Body: c.Body}
}

// Recipient is either a platform user, a bare contact bundle, or both.
type Recipient struct {
	UserID          *uuid.UUID `json:"user_id,omitempty"`
	Name            string     `json:"name,omitempty"`
	Email           string     `json:"email,omitempty"            validate:"omitempty,email"`
	Phone           string     `json:"phone,omitempty"`
	TelegramChatID  string     `json:"telegram_chat_id,omitempty"`
	DeviceTokens    []string   `json:"device_tokens,omitempty"`
	WebhookEndpoint string     `json:"webhook_endpoint,omitempty"`
}

func (r Recipient) IsEmpty() bool {
	return r.UserID == nil && r.Email == "" && r.Phone == "" && r.TelegramChatID == "" &&
		len(r.DeviceTokens) == 0 && r.WebhookEndpoint == ""
}

type RelatedEntity struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

type Notification struct {
	ID             uuid.UUID        `json:"id"`
	ExternalID     string           `json:"external_id"`
	OrganizationID uuid.UUID        `json:"organization_id"`
	Type           NotificationType `json:"type"`
	Priority       Priority         `json:"priority"`
	Status         Status           `json:"status"`
	Content        Content          `json:"content"`
	Recipient      Recipient        `json:"recipient"`
	Channels       []Channel        `json:"channels"`
	Locale         string           `json:"locale,omitempty"`
	RelatedEntity  *RelatedEntity   `json:"related_entity,omitempty"`
	CampaignID     *uuid.UUID       `json:"campaign_id,omitempty"`
	RuleID         *uuid.UUID       `json:"rule_id,omitempty"`
	IsRead         bool             `json:"is_read"`
	ScheduledAt    *time.Time       `json:"scheduled_at,omitempty"`
	ExpiresAt      *time.Time       `json:"expires_at,omitempty"`
	SentAt         *time.Time       `json:"sent_at,omitempty"`
	DeliveredAt    *time.Time       `json:"delivered_at,omitempty"`
	ReadAt         *time.Time       `json:"read_at,omitempty"`
	FailedAt       *time.Time       `json:"failed_at,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

func (n *Notification) IsExpired(now time.Time) bool {
	return n.ExpiresAt != nil && !now.Before(*n.ExpiresAt)
}

// ReadMark identifies a notification that has just been marked read.
type ReadMark struct {
	ID         uuid.UUID
	CampaignID *uuid.UUID
}

type NotificationFilter struct {
	UserID         *uuid.UUID
	OrganizationID *uuid.UUID
	Types          []NotificationType
	Statuses       []Status
	IsRead         *bool
	CampaignID     *uuid.UUID
	From           *time.Time
	To             *time.Time
	IncludeExpired bool
	Now            time.Time
	Limit          int
	Offset         int
}
