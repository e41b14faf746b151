package entity

import (
	"time"

	"github.com/google/uuid"
)

// Template is a versioned, localized content source addressed by a business code.
type Template struct {
	ID              uuid.UUID                   `json:"id"`
	OrganizationID  *uuid.UUID                  `json:"organization_id,omitempty"`
	Code            string                      `json:"code"`
	Name            string                      `json:"name"`
	Description     string                      `json:"description,omitempty"`
	Type            NotificationType            `json:"type"`
	BaseLocale      string                      `json:"base_locale"`
	Locales         map[string]LocalizedContent `json:"locales"`
	DefaultChannels []Channel                   `json:"default_channels"`
	DefaultPriority Priority                    `json:"default_priority"`
	Variables       []string                    `json:"variables,omitempty"`
	IsActive        bool                        `json:"is_active"`
	Version         int                         `json:"version"`
	CreatedAt       time.Time                   `json:"created_at"`
	UpdatedAt       time.Time                   `json:"updated_at"`
}

type TemplateFilter struct {
	OrganizationID *uuid.UUID
	Type           NotificationType
	ActiveOnly     bool
}
