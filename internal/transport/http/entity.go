package httpt

import (
	"time"

	"github.com/google/uuid"

	"notifydispatch/internal/entity"
)

type CreateNotificationRequest struct {
	OrganizationID uuid.UUID             `json:"organization_id"`
	Type           string                `json:"type"                     validate:"required,notification_type"`
	Priority       string                `json:"priority,omitempty"       validate:"omitempty,priority"`
	Content        entity.Content        `json:"content"`
	Recipient      entity.Recipient      `json:"recipient"`
	Channels       []string              `json:"channels"                 validate:"required,min=1,dive,channel"`
	Locale         string                `json:"locale,omitempty"         validate:"omitempty,min=2,max=10"`
	RelatedEntity  *entity.RelatedEntity `json:"related_entity,omitempty"`
	ScheduledAt    *time.Time            `json:"scheduled_at,omitempty"`
	ExpiresAt      *time.Time            `json:"expires_at,omitempty"`
}

type SendTemplatedRequest struct {
	TemplateCode   string                `json:"template_code"            validate:"required,max=100"`
	OrganizationID uuid.UUID             `json:"organization_id"`
	Recipient      entity.Recipient      `json:"recipient"`
	Variables      map[string]any        `json:"variables,omitempty"`
	Channels       []string              `json:"channels,omitempty"       validate:"omitempty,dive,channel"`
	Priority       string                `json:"priority,omitempty"       validate:"omitempty,priority"`
	Type           string                `json:"type,omitempty"           validate:"omitempty,notification_type"`
	Locale         string                `json:"locale,omitempty"         validate:"omitempty,min=2,max=10"`
	RelatedEntity  *entity.RelatedEntity `json:"related_entity,omitempty"`
	ScheduledAt    *time.Time            `json:"scheduled_at,omitempty"`
	ExpiresAt      *time.Time            `json:"expires_at,omitempty"`
}

// notificationQuery is bound from the query string of GET /notifications.
type notificationQuery struct {
	UserID         string   `form:"user_id"         validate:"omitempty,uuid"`
	OrganizationID string   `form:"organization_id" validate:"omitempty,uuid"`
	CampaignID     string   `form:"campaign_id"     validate:"omitempty,uuid"`
	Types          []string `form:"type"            validate:"omitempty,dive,notification_type"`
	Statuses       []string `form:"status"          validate:"omitempty,dive,oneof=pending queued sent delivered read failed cancelled"`
	IsRead         *bool    `form:"is_read"`
	From           string   `form:"from"            validate:"omitempty,datetime=2006-01-02T15:04:05Z07:00"`
	To             string   `form:"to"              validate:"omitempty,datetime=2006-01-02T15:04:05Z07:00"`
	IncludeExpired bool     `form:"include_expired"`
	Limit          int      `form:"limit"           validate:"omitempty,min=1,max=100"`
	Offset         int      `form:"offset"          validate:"omitempty,min=0"`
}

type IDsRequest struct {
	IDs []uuid.UUID `json:"ids" validate:"required,min=1,max=500"`
}

type CountResponse struct {
	Count int `json:"count"`
}

type CreateTemplateRequest struct {
	OrganizationID  *uuid.UUID                         `json:"organization_id,omitempty"`
	Code            string                             `json:"code"                       validate:"required,max=100"`
	Name            string                             `json:"name"                       validate:"required,max=255"`
	Description     string                             `json:"description,omitempty"`
	Type            string                             `json:"type"                       validate:"required,notification_type"`
	BaseLocale      string                             `json:"base_locale,omitempty"      validate:"omitempty,min=2,max=10"`
	Locales         map[string]entity.LocalizedContent `json:"locales"                    validate:"required,min=1"`
	DefaultChannels []string                           `json:"default_channels,omitempty" validate:"omitempty,dive,channel"`
	DefaultPriority string                             `json:"default_priority,omitempty" validate:"omitempty,priority"`
	Variables       []string                           `json:"variables,omitempty"`
	IsActive        *bool                              `json:"is_active,omitempty"`
}

type UpdateTemplateRequest struct {
	Name            *string                            `json:"name,omitempty"             validate:"omitempty,max=255"`
	Description     *string                            `json:"description,omitempty"`
	BaseLocale      *string                            `json:"base_locale,omitempty"      validate:"omitempty,min=2,max=10"`
	Locales         map[string]entity.LocalizedContent `json:"locales,omitempty"`
	DefaultChannels []string                           `json:"default_channels,omitempty" validate:"omitempty,dive,channel"`
	DefaultPriority *string                            `json:"default_priority,omitempty" validate:"omitempty,priority"`
	Variables       []string                           `json:"variables,omitempty"`
	IsActive        *bool                              `json:"is_active,omitempty"`
}

type RuleActiveRequest struct {
	IsActive *bool `json:"is_active" validate:"required"`
}

// EventRequest is a domain event posted directly instead of through the broker.
type EventRequest struct {
	OrganizationID uuid.UUID      `json:"organization_id"`
	EventType      string         `json:"event_type"      validate:"required,max=100"`
	Data           map[string]any `json:"data"`
}

type CreateCampaignRequest struct {
	OrganizationID uuid.UUID       `json:"organization_id"`
	Name           string          `json:"name"                   validate:"required,max=255"`
	Description    string          `json:"description,omitempty"`
	Type           string          `json:"type"                   validate:"required,notification_type"`
	Priority       string          `json:"priority,omitempty"     validate:"omitempty,priority"`
	Content        entity.Content  `json:"content"`
	Channels       []string        `json:"channels"               validate:"required,min=1,dive,channel"`
	Audience       entity.Audience `json:"audience"`
	ScheduledAt    *time.Time      `json:"scheduled_at,omitempty"`
	CreatedBy      *uuid.UUID      `json:"created_by,omitempty"`
}

type campaignQuery struct {
	OrganizationID string   `form:"organization_id" validate:"omitempty,uuid"`
	Statuses       []string `form:"status"          validate:"omitempty,dive,oneof=draft scheduled in_progress completed paused cancelled"`
	Limit          int      `form:"limit"           validate:"omitempty,min=1,max=100"`
	Offset         int      `form:"offset"          validate:"omitempty,min=0"`
}

type RegisterFcmRequest struct {
	Token    string `json:"token"              validate:"required,max=4096"`
	Platform string `json:"platform,omitempty" validate:"omitempty,oneof=ios android web"`
}

type TokenRequest struct {
	Token string `json:"token" validate:"required"`
}

type SubscribePushRequest struct {
	Endpoint string `json:"endpoint" validate:"required,url"`
	Keys     struct {
		P256dh string `json:"p256dh" validate:"required"`
		Auth   string `json:"auth"   validate:"required"`
	} `json:"keys"`
	UserAgent string `json:"user_agent,omitempty"`
}

type EndpointRequest struct {
	Endpoint string `json:"endpoint" validate:"required,url"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

type SuccessResponse struct {
	Message string `json:"message"`
}
