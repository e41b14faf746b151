package entity

import (
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
)

type DigestFrequency string

const (
	DigestNone   DigestFrequency = "none"
	DigestDaily  DigestFrequency = "daily"
	DigestWeekly DigestFrequency = "weekly"
)

// UserSettings holds per-user delivery preferences. Quiet hours are wall-clock
// "HH:MM" values in Timezone and may wrap past midnight.
type UserSettings struct {
	UserID            uuid.UUID          `json:"user_id"`
	OrganizationID    uuid.UUID          `json:"organization_id"`
	PushEnabled       bool               `json:"push_enabled"`
	EmailEnabled      bool               `json:"email_enabled"`
	SMSEnabled        bool               `json:"sms_enabled"`
	TelegramEnabled   bool               `json:"telegram_enabled"`
	InAppEnabled      bool               `json:"in_app_enabled"`
	WebhookEnabled    bool               `json:"webhook_enabled"`
	DisabledTypes     []NotificationType `json:"disabled_types,omitempty"`
	QuietHoursEnabled bool               `json:"quiet_hours_enabled"`
	QuietHoursStart   string             `json:"quiet_hours_start,omitempty" validate:"omitempty,datetime=15:04"`
	QuietHoursEnd     string             `json:"quiet_hours_end,omitempty"   validate:"omitempty,datetime=15:04"`
	Timezone          string             `json:"timezone,omitempty"`
	Locale            string             `json:"locale,omitempty"`
	DigestEnabled     bool               `json:"digest_enabled"`
	DigestFrequency   DigestFrequency    `json:"digest_frequency,omitempty"`
	UpdatedAt         time.Time          `json:"updated_at"`
}

func DefaultUserSettings(userID uuid.UUID) *UserSettings {
	return &UserSettings{
		UserID:          userID,
		PushEnabled:     true,
		EmailEnabled:    true,
		SMSEnabled:      true,
		TelegramEnabled: true,
		InAppEnabled:    true,
		WebhookEnabled:  true,
		DigestFrequency: DigestNone,
	}
}

func (s *UserSettings) ChannelEnabled(c Channel) bool {
	switch c {
	case ChannelPush:
		return s.PushEnabled
	case ChannelEmail:
		return s.EmailEnabled
	case ChannelSMS:
		return s.SMSEnabled
	case ChannelTelegram:
		return s.TelegramEnabled
	case ChannelInApp:
		return s.InAppEnabled
	case ChannelWebhook:
		return s.WebhookEnabled
	}
	return false
}

func (s *UserSettings) TypeEnabled(t NotificationType) bool {
	return !slices.Contains(s.DisabledTypes, t)
}

// QuietUntil returns the end of the current quiet period when now falls inside it.
func (s *UserSettings) QuietUntil(now time.Time) (time.Time, bool) {
	if !s.QuietHoursEnabled || s.QuietHoursStart == "" || s.QuietHoursEnd == "" {
		return time.Time{}, false
	}
	loc := time.UTC
	if s.Timezone != "" {
		if l, err := time.LoadLocation(s.Timezone); err == nil {
			loc = l
		}
	}
	local := now.In(loc)
	start, err := clockAt(local, s.QuietHoursStart)
	if err != nil {
		return time.Time{}, false
	}
	end, err := clockAt(local, s.QuietHoursEnd)
	if err != nil || start.Equal(end) {
		return time.Time{}, false
	}

	if start.Before(end) {
		if !local.Before(start) && local.Before(end) {
			return end, true
		}
		return time.Time{}, false
	}
	// wraps midnight, e.g. 22:00-07:00
	if !local.Before(start) {
		return end.AddDate(0, 0, 1), true
	}
	if local.Before(end) {
		return end, true
	}
	return time.Time{}, false
}

func clockAt(day time.Time, hhmm string) (time.Time, error) {
	t, err := time.Parse("15:04", hhmm)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse clock %q: %w", hhmm, err)
	}
	return time.Date(day.Year(), day.Month(), day.Day(), t.Hour(), t.Minute(), 0, 0, day.Location()), nil
}
