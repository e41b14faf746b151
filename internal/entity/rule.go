package entity

import (
	"time"

	"github.com/google/uuid"
)

type (
	Operator      string
	RecipientType string
)

const (
	OpEquals      Operator = "equals"
	OpNotEquals   Operator = "not_equals"
	OpContains    Operator = "contains"
	OpGreaterThan Operator = "greater_than"
	OpLessThan    Operator = "less_than"
	OpIn          Operator = "in"
	OpNotIn       Operator = "not_in"
)

const (
	RecipientSpecificUsers RecipientType = "specific_users"
	RecipientAssignee      RecipientType = "assignee"
	RecipientManager       RecipientType = "manager"
	RecipientRole          RecipientType = "role"
	RecipientAll           RecipientType = "all"
)

func (o Operator) IsValid() bool {
	switch o {
	case OpEquals, OpNotEquals, OpContains, OpGreaterThan, OpLessThan, OpIn, OpNotIn:
		return true
	}
	return false
}

func (r RecipientType) IsValid() bool {
	switch r {
	case RecipientSpecificUsers, RecipientAssignee, RecipientManager, RecipientRole, RecipientAll:
		return true
	}
	return false
}

type Condition struct {
	Field    string   `json:"field"    validate:"required"`
	Operator Operator `json:"operator" validate:"required"`
	Value    any      `json:"value"`
}

// Rule maps a domain event to a templated notification.
type Rule struct {
	ID                     uuid.UUID        `json:"id"`
	OrganizationID         uuid.UUID        `json:"organization_id"`
	Name                   string           `json:"name"`
	Description            string           `json:"description,omitempty"`
	EventCategory          string           `json:"event_category"`
	EventType              string           `json:"event_type"`
	Conditions             []Condition      `json:"conditions"`
	AllConditionsMustMatch bool             `json:"all_conditions_must_match"`
	TemplateCode           string           `json:"template_code"`
	NotificationType       NotificationType `json:"notification_type"`
	Channels               []Channel        `json:"channels"`
	Priority               Priority         `json:"priority"`
	RecipientType          RecipientType    `json:"recipient_type"`
	RecipientUserIDs       []uuid.UUID      `json:"recipient_user_ids,omitempty"`
	RecipientRoles         []string         `json:"recipient_roles,omitempty"`
	RecipientField         string           `json:"recipient_field,omitempty"`
	DelayMinutes           int              `json:"delay_minutes"`
	CooldownMinutes        int              `json:"cooldown_minutes"`
	GroupSimilar           bool             `json:"group_similar"`
	GroupWindowMinutes     int              `json:"group_window_minutes"`
	IsActive               bool             `json:"is_active"`
	TriggerCount           int              `json:"trigger_count"`
	LastTriggeredAt        *time.Time       `json:"last_triggered_at,omitempty"`
	CreatedAt              time.Time        `json:"created_at"`
	UpdatedAt              time.Time        `json:"updated_at"`
}
