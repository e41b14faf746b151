package entity

import (
	"slices"
	"time"

	"github.com/google/uuid"
)

type (
	CampaignStatus string
	AudienceType   string
)

const (
	CampaignDraft      CampaignStatus = "draft"
	CampaignScheduled  CampaignStatus = "scheduled"
	CampaignInProgress CampaignStatus = "in_progress"
	CampaignCompleted  CampaignStatus = "completed"
	CampaignPaused     CampaignStatus = "paused"
	CampaignCancelled  CampaignStatus = "cancelled"
)

const (
	AudienceAll    AudienceType = "all"
	AudienceRoles  AudienceType = "roles"
	AudienceUsers  AudienceType = "users"
	AudienceFilter AudienceType = "filter"
)

var _campaignTransitions = map[CampaignStatus][]CampaignStatus{
	CampaignDraft:      {CampaignScheduled, CampaignInProgress, CampaignCancelled},
	CampaignScheduled:  {CampaignDraft, CampaignInProgress, CampaignPaused, CampaignCancelled},
	CampaignInProgress: {CampaignCompleted, CampaignPaused, CampaignCancelled},
	CampaignPaused:     {CampaignCancelled},
}

// IsTerminal reports whether fan-out is over. A paused campaign is never
// resumed; it may only be cancelled afterwards.
func (s CampaignStatus) IsTerminal() bool {
	return s == CampaignCompleted || s == CampaignCancelled || s == CampaignPaused
}

func (s CampaignStatus) CanTransitionTo(next CampaignStatus) bool {
	return slices.Contains(_campaignTransitions[s], next)
}

// CampaignSources lists the statuses from which target is reachable.
func CampaignSources(target CampaignStatus) []CampaignStatus {
	var out []CampaignStatus
	for from, tos := range _campaignTransitions {
		if slices.Contains(tos, target) {
			out = append(out, from)
		}
	}
	slices.Sort(out)
	return out
}

func (a AudienceType) IsValid() bool {
	switch a {
	case AudienceAll, AudienceRoles, AudienceUsers, AudienceFilter:
		return true
	}
	return false
}

type Audience struct {
	Type    AudienceType   `json:"type"`
	Roles   []string       `json:"roles,omitempty"`
	UserIDs []uuid.UUID    `json:"user_ids,omitempty"`
	Filter  map[string]any `json:"filter,omitempty"`
}

type Campaign struct {
	ID                  uuid.UUID        `json:"id"`
	OrganizationID      uuid.UUID        `json:"organization_id"`
	Name                string           `json:"name"`
	Description         string           `json:"description,omitempty"`
	Type                NotificationType `json:"type"`
	Priority            Priority         `json:"priority"`
	Content             Content          `json:"content"`
	Channels            []Channel        `json:"channels"`
	Audience            Audience         `json:"audience"`
	Status              CampaignStatus   `json:"status"`
	ScheduledAt         *time.Time       `json:"scheduled_at,omitempty"`
	EstimatedRecipients int              `json:"estimated_recipients"`
	TotalRecipients     int              `json:"total_recipients"`
	TotalSent           int              `json:"total_sent"`
	TotalDelivered      int              `json:"total_delivered"`
	TotalRead           int              `json:"total_read"`
	TotalFailed         int              `json:"total_failed"`
	StartedAt           *time.Time       `json:"started_at,omitempty"`
	CompletedAt         *time.Time       `json:"completed_at,omitempty"`
	CreatedBy           *uuid.UUID       `json:"created_by,omitempty"`
	CreatedAt           time.Time        `json:"created_at"`
	UpdatedAt           time.Time        `json:"updated_at"`
}

// CampaignCounters is a delta applied atomically to a campaign's totals.
type CampaignCounters struct {
	Sent      int
	Delivered int
	Read      int
	Failed    int
}

func (c CampaignCounters) IsZero() bool {
	return c == CampaignCounters{}
}

type CampaignFilter struct {
	OrganizationID *uuid.UUID
	Statuses       []CampaignStatus
	Limit          int
	Offset         int
}
