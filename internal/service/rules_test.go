package service

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notifydispatch/internal/entity"
)

func (f *fixture) taskRule(t *testing.T, mutate func(*entity.Rule)) *entity.Rule {
	t.Helper()

	rule := entity.Rule{
		OrganizationID:   f.org,
		Name:             "Назначение задачи",
		EventCategory:    "task",
		EventType:        "task.assigned",
		TemplateCode:     "TASK_ASSIGNED",
		NotificationType: entity.TypeTaskAssigned,
		Channels:         []entity.Channel{entity.ChannelInApp},
		RecipientType:    entity.RecipientAssignee,
		IsActive:         true,
	}
	if mutate != nil {
		mutate(&rule)
	}

	created, err := f.rules.CreateRule(context.Background(), rule)
	require.NoError(t, err)

	return created
}

func taskEvent(assignee uuid.UUID) map[string]any {
	return map[string]any{
		"id":         "T-100",
		"taskTitle":  "Пополнение",
		"assigneeId": assignee.String(),
		"priority":   "high",
	}
}

func TestRuleEngine_FiresAndRecordsTrigger(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seedTaskAssigned(t, f)
	rule := f.taskRule(t, nil)
	assignee := uuid.New()

	report, err := f.rules.TriggerByEvent(ctx, f.org, "task.assigned", taskEvent(assignee))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Evaluated)
	assert.Equal(t, 1, report.Created)
	require.Len(t, report.NotificationIDs, 1)

	n := f.notification(t, report.NotificationIDs[0])
	assert.Equal(t, assignee, *n.Recipient.UserID)
	assert.Equal(t, rule.ID, *n.RuleID)
	assert.Equal(t, []entity.Channel{entity.ChannelInApp}, n.Channels)
	require.NotNil(t, n.RelatedEntity)
	assert.Equal(t, entity.RelatedEntity{Type: "task", ID: "T-100"}, *n.RelatedEntity)
	assert.Equal(t, "Новая задача: Пополнение", n.Content.Title)

	stored, err := f.rules.GetRule(ctx, rule.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.TriggerCount)
	assert.Equal(t, _t0, *stored.LastTriggeredAt)
}

func TestRuleEngine_Cooldown(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seedTaskAssigned(t, f)
	f.taskRule(t, func(r *entity.Rule) { r.CooldownMinutes = 60 })
	assignee := uuid.New()

	first, err := f.rules.TriggerByEvent(ctx, f.org, "task.assigned", taskEvent(assignee))
	require.NoError(t, err)
	assert.Equal(t, 1, first.Created)

	f.clock.Advance(10 * time.Minute)
	second, err := f.rules.TriggerByEvent(ctx, f.org, "task.assigned", taskEvent(assignee))
	require.NoError(t, err)
	assert.Zero(t, second.Created)
	assert.Equal(t, 1, second.Suppressed)

	res, err := f.svc.Query(ctx, entity.NotificationFilter{OrganizationID: &f.org})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Total)

	f.clock.Advance(61 * time.Minute)
	third, err := f.rules.TriggerByEvent(ctx, f.org, "task.assigned", taskEvent(assignee))
	require.NoError(t, err)
	assert.Equal(t, 1, third.Created)
}

func TestRuleEngine_FailedFiringLeavesCooldownOpen(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.taskRule(t, func(r *entity.Rule) { r.CooldownMinutes = 60 })
	assignee := uuid.New()

	first, err := f.rules.TriggerByEvent(ctx, f.org, "task.assigned", taskEvent(assignee))
	require.NoError(t, err)
	assert.Equal(t, 1, first.Failed, "template is not seeded yet")
	assert.Zero(t, first.Created)

	seedTaskAssigned(t, f)
	f.clock.Advance(10 * time.Minute)

	second, err := f.rules.TriggerByEvent(ctx, f.org, "task.assigned", taskEvent(assignee))
	require.NoError(t, err)
	assert.Equal(t, 1, second.Created)
	assert.Zero(t, second.Suppressed)
}

func TestRuleEngine_SkippedFiringLeavesCooldownOpen(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seedTaskAssigned(t, f)
	f.taskRule(t, func(r *entity.Rule) { r.CooldownMinutes = 60 })

	first, err := f.rules.TriggerByEvent(ctx, f.org, "task.assigned", map[string]any{"id": "T-100"})
	require.NoError(t, err)
	assert.Equal(t, 1, first.Skipped)

	second, err := f.rules.TriggerByEvent(ctx, f.org, "task.assigned", taskEvent(uuid.New()))
	require.NoError(t, err)
	assert.Equal(t, 1, second.Created)
}

func TestRuleEngine_FailedFiringReleasesGroupWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.taskRule(t, func(r *entity.Rule) {
		r.GroupSimilar = true
		r.GroupWindowMinutes = 30
	})
	assignee := uuid.New()

	first, err := f.rules.TriggerByEvent(ctx, f.org, "task.assigned", taskEvent(assignee))
	require.NoError(t, err)
	assert.Equal(t, 1, first.Failed)

	seedTaskAssigned(t, f)
	f.clock.Advance(5 * time.Minute)

	second, err := f.rules.TriggerByEvent(ctx, f.org, "task.assigned", taskEvent(assignee))
	require.NoError(t, err)
	assert.Equal(t, 1, second.Created)
	assert.Zero(t, second.Suppressed)
}

func TestRuleEngine_Delay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seedTaskAssigned(t, f)
	f.taskRule(t, func(r *entity.Rule) { r.DelayMinutes = 15 })

	report, err := f.rules.TriggerByEvent(ctx, f.org, "task.assigned", taskEvent(uuid.New()))
	require.NoError(t, err)
	require.Len(t, report.NotificationIDs, 1)

	n := f.notification(t, report.NotificationIDs[0])
	assert.Equal(t, entity.StatusPending, n.Status)
	require.NotNil(t, n.ScheduledAt)
	assert.Equal(t, _t0.Add(15*time.Minute), *n.ScheduledAt)

	assert.Zero(t, f.process(t).Claimed)
	f.clock.Advance(15 * time.Minute)
	assert.Equal(t, 1, f.process(t).Sent)
}

func TestRuleEngine_FailingRuleDoesNotBlockOthers(t *testing.T) {
	f := newFixture(t)
	seedTaskAssigned(t, f)
	f.taskRule(t, func(r *entity.Rule) { r.TemplateCode = "MISSING" })
	f.taskRule(t, nil)

	report, err := f.rules.TriggerByEvent(context.Background(), f.org, "task.assigned", taskEvent(uuid.New()))
	require.NoError(t, err)
	assert.Equal(t, 2, report.Evaluated)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 1, report.Created)
}

func TestRuleEngine_Conditions(t *testing.T) {
	f := newFixture(t)
	seedTaskAssigned(t, f)
	f.taskRule(t, func(r *entity.Rule) {
		r.AllConditionsMustMatch = true
		r.Conditions = []entity.Condition{
			{Field: "priority", Operator: entity.OpEquals, Value: "critical"},
		}
	})

	report, err := f.rules.TriggerByEvent(context.Background(), f.org, "task.assigned", taskEvent(uuid.New()))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Evaluated)
	assert.Zero(t, report.Matched)
	assert.Zero(t, report.Created)
}

func TestRuleEngine_RecipientResolution(t *testing.T) {
	f := newFixture(t)
	seedTaskAssigned(t, f)
	fixed := uuid.New()
	manager := uuid.New()

	f.taskRule(t, func(r *entity.Rule) {
		r.RecipientType = entity.RecipientSpecificUsers
		r.RecipientUserIDs = []uuid.UUID{fixed}
	})
	f.taskRule(t, func(r *entity.Rule) { r.RecipientType = entity.RecipientManager })
	f.taskRule(t, func(r *entity.Rule) {
		r.RecipientType = entity.RecipientRole
		r.RecipientRoles = []string{"operator"}
	})

	data := taskEvent(uuid.New())
	data["manager_id"] = manager.String()

	report, err := f.rules.TriggerByEvent(context.Background(), f.org, "task.assigned", data)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Evaluated)
	assert.Equal(t, 2, report.Created)
	assert.Equal(t, 1, report.Skipped)

	var got []uuid.UUID
	for _, id := range report.NotificationIDs {
		got = append(got, *f.notification(t, id).Recipient.UserID)
	}
	assert.ElementsMatch(t, []uuid.UUID{fixed, manager}, got)
}

func TestRuleEngine_GroupSimilar(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seedTaskAssigned(t, f)
	f.taskRule(t, func(r *entity.Rule) {
		r.GroupSimilar = true
		r.GroupWindowMinutes = 30
	})
	assignee := uuid.New()

	first, err := f.rules.TriggerByEvent(ctx, f.org, "task.assigned", taskEvent(assignee))
	require.NoError(t, err)
	require.Len(t, first.NotificationIDs, 1)
	n := f.notification(t, first.NotificationIDs[0])
	assert.Equal(t, _t0.Add(30*time.Minute), *n.ScheduledAt)

	f.clock.Advance(5 * time.Minute)
	second, err := f.rules.TriggerByEvent(ctx, f.org, "task.assigned", taskEvent(assignee))
	require.NoError(t, err)
	assert.Zero(t, second.Created)
	assert.Equal(t, 1, second.Suppressed)

	other, err := f.rules.TriggerByEvent(ctx, f.org, "task.assigned", taskEvent(uuid.New()))
	require.NoError(t, err)
	assert.Equal(t, 1, other.Created)
}

func TestRuleEngine_OrganizationIsolation(t *testing.T) {
	f := newFixture(t)
	seedTaskAssigned(t, f)
	f.taskRule(t, nil)

	report, err := f.rules.TriggerByEvent(context.Background(), uuid.New(), "task.assigned", taskEvent(uuid.New()))
	require.NoError(t, err)
	assert.Zero(t, report.Evaluated)

	report, err = f.rules.TriggerByEvent(context.Background(), f.org, "task.completed", taskEvent(uuid.New()))
	require.NoError(t, err)
	assert.Zero(t, report.Evaluated)
}

func TestRuleEngine_InactiveRuleIsIgnored(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seedTaskAssigned(t, f)
	rule := f.taskRule(t, nil)

	_, err := f.rules.SetRuleActive(ctx, rule.ID, false)
	require.NoError(t, err)

	report, err := f.rules.TriggerByEvent(ctx, f.org, "task.assigned", taskEvent(uuid.New()))
	require.NoError(t, err)
	assert.Zero(t, report.Evaluated)
}

func TestRuleEngine_CRUD(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rule := f.taskRule(t, nil)

	upd := *rule
	upd.Name = "Переименовано"
	upd.TriggerCount = 99
	updated, err := f.rules.UpdateRule(ctx, rule.ID, upd)
	require.NoError(t, err)
	assert.Equal(t, "Переименовано", updated.Name)
	assert.Zero(t, updated.TriggerCount)

	list, err := f.rules.ListRules(ctx, f.org)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, f.rules.DeleteRule(ctx, rule.ID))
	_, err = f.rules.GetRule(ctx, rule.ID)
	require.ErrorIs(t, err, entity.ErrNotFound)

	_, err = f.rules.CreateRule(ctx, entity.Rule{OrganizationID: f.org, Name: "x"})
	require.ErrorIs(t, err, entity.ErrValidation)

	_, err = f.rules.TriggerByEvent(ctx, uuid.Nil, "task.assigned", nil)
	require.ErrorIs(t, err, entity.ErrValidation)
}
