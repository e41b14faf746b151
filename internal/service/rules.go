package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"notifydispatch/internal/condition"
	"notifydispatch/internal/entity"
	"notifydispatch/internal/metrics"
	"notifydispatch/pkg/cache"
	"notifydispatch/pkg/logger"
)

var (
	_assigneeFields = []string{"assigneeId", "assignee_id"}
	_managerFields  = []string{"managerId", "manager_id"}
	// errUnresolvedRecipient отмечает правила, получателя которых нельзя вычислить из события.
	errUnresolvedRecipient = errors.New("recipient not resolvable from event")
)

type (
	// TemplatedSender создает уведомление по шаблону. Реализуется NotifyService.
	TemplatedSender interface {
		SendTemplated(ctx context.Context, req SendTemplatedRequest) (*entity.Notification, error)
	}

	// RuleEngine сопоставляет доменные события с активными правилами организации
	RuleEngine struct {
		rules         RuleRepository
		notifications NotificationRepository
		sender        TemplatedSender
		locker        Locker
		log           *zap.Logger
		metrics       *metrics.Metrics
		now           func() time.Time
	}

	RuleEngineOption func(*RuleEngine)

	// TriggerReport итог обработки одного события
	TriggerReport struct {
		Evaluated       int         `json:"evaluated"`
		Matched         int         `json:"matched"`
		Created         int         `json:"created"`
		Suppressed      int         `json:"suppressed"`
		Skipped         int         `json:"skipped"`
		Failed          int         `json:"failed"`
		NotificationIDs []uuid.UUID `json:"notification_ids,omitempty"`
	}

	ruleOutcome string
)

const (
	ruleUnmatched  ruleOutcome = "unmatched"
	ruleSuppressed ruleOutcome = "suppressed"
	ruleGrouped    ruleOutcome = "grouped"
	ruleSkipped    ruleOutcome = "skipped"
	ruleFired      ruleOutcome = "fired"
	ruleFailed     ruleOutcome = "failed"
)

func WithLocker(l Locker) RuleEngineOption {
	return func(e *RuleEngine) {
		e.locker = l
	}
}

func WithRuleClock(now func() time.Time) RuleEngineOption {
	return func(e *RuleEngine) {
		if now != nil {
			e.now = now
		}
	}
}

func WithRuleMetrics(m *metrics.Metrics) RuleEngineOption {
	return func(e *RuleEngine) {
		e.metrics = m
	}
}

func NewRuleEngine(
	rules RuleRepository,
	notifications NotificationRepository,
	sender TemplatedSender,
	log *zap.Logger,
	opts ...RuleEngineOption,
) (*RuleEngine, error) {
	if rules == nil || notifications == nil || sender == nil {
		return nil, errors.New("service.NewRuleEngine: repositories and sender must be non-nil")
	}

	e := &RuleEngine{
		rules:         rules,
		notifications: notifications,
		sender:        sender,
		log:           log,
		now:           func() time.Time { return time.Now().UTC() },
	}

	for _, opt := range opts {
		opt(e)
	}

	return e, nil
}

// TriggerByEvent прогоняет событие через активные правила организации.
// Ошибка одного правила не мешает остальным.
func (e *RuleEngine) TriggerByEvent(
	ctx context.Context,
	orgID uuid.UUID,
	eventType string,
	data map[string]any,
) (*TriggerReport, error) {
	const op = "service.RuleEngine.TriggerByEvent"

	log := logger.Ctx(ctx, e.log).With(
		zap.String("op", op),
		zap.String("organization_id", orgID.String()),
		zap.String("event_type", eventType),
	)
	startTime := time.Now()

	defer logSlow(ctx, e.log, op, startTime, zap.String("event_type", eventType))

	if orgID == uuid.Nil || eventType == "" {
		return nil, fmt.Errorf("%s: organization and event type are required: %w", op, entity.ErrValidation)
	}

	rules, err := e.rules.ListActive(ctx, orgID, eventType)
	if err != nil {
		log.Error("load rules failed", zap.Error(err))
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	report := &TriggerReport{}
	for i := range rules {
		rule := &rules[i]
		report.Evaluated++

		res, n, err := e.fire(ctx, rule, data)
		e.metrics.RuleOutcome(string(res))

		switch res {
		case ruleFired:
			report.Matched++
			report.Created++
			report.NotificationIDs = append(report.NotificationIDs, n.ID)
		case ruleSuppressed, ruleGrouped:
			report.Matched++
			report.Suppressed++
		case ruleSkipped:
			report.Matched++
			report.Skipped++
			log.Warn("rule skipped", zap.String("rule_id", rule.ID.String()), zap.Error(err))
		case ruleFailed:
			report.Failed++
			log.Error("rule firing failed", zap.String("rule_id", rule.ID.String()), zap.Error(err))
		}
	}

	log.Info("event processed",
		zap.Int("evaluated", report.Evaluated),
		zap.Int("created", report.Created),
		zap.Int("suppressed", report.Suppressed),
		zap.Int("failed", report.Failed),
		zap.Duration("duration", time.Since(startTime)),
	)

	return report, nil
}

func (e *RuleEngine) fire(ctx context.Context, rule *entity.Rule, data map[string]any) (ruleOutcome, *entity.Notification, error) {
	matched, err := condition.Evaluate(rule.Conditions, data, rule.AllConditionsMustMatch)
	if err != nil {
		return ruleFailed, nil, fmt.Errorf("evaluate conditions: %w", err)
	}
	if !matched {
		return ruleUnmatched, nil, nil
	}

	recipient, err := resolveRecipient(rule, data)
	if err != nil {
		if errors.Is(err, errUnresolvedRecipient) {
			return ruleSkipped, nil, err
		}
		return ruleFailed, nil, err
	}

	now := e.now()
	var held []string

	if rule.CooldownMinutes > 0 {
		cooling, key, err := e.inCooldown(ctx, rule, now)
		if err != nil {
			return ruleFailed, nil, err
		}
		if cooling {
			return ruleSuppressed, nil, nil
		}
		if key != "" {
			held = append(held, key)
		}
	}

	delay := time.Duration(rule.DelayMinutes) * time.Minute
	if rule.GroupSimilar && rule.GroupWindowMinutes > 0 && e.locker != nil {
		window := time.Duration(rule.GroupWindowMinutes) * time.Minute
		key := cache.Key("group", rule.ID, recipientKey(recipient))
		first, err := e.locker.TryLock(ctx, key, window)
		if err != nil {
			logger.Ctx(ctx, e.log).Warn("group lock unavailable, sending ungrouped",
				zap.String("rule_id", rule.ID.String()),
				zap.Error(err),
			)
		} else {
			if !first {
				e.release(ctx, rule, held)
				return ruleGrouped, nil, nil
			}
			held = append(held, key)
			delay = max(delay, window)
		}
	}

	req := SendTemplatedRequest{
		TemplateCode:   rule.TemplateCode,
		OrganizationID: rule.OrganizationID,
		Recipient:      recipient,
		Variables:      data,
		Channels:       rule.Channels,
		Priority:       rule.Priority,
		Type:           rule.NotificationType,
		RelatedEntity:  relatedEntity(rule, data),
		RuleID:         &rule.ID,
	}
	if delay > 0 {
		at := now.Add(delay)
		req.ScheduledAt = &at
	}

	n, err := e.sender.SendTemplated(ctx, req)
	if err != nil {
		e.release(ctx, rule, held)
		return ruleFailed, nil, fmt.Errorf("send templated: %w", err)
	}

	if err := e.rules.RecordTrigger(ctx, rule.ID, now); err != nil {
		logger.Ctx(ctx, e.log).Warn("record trigger failed", zap.String("rule_id", rule.ID.String()), zap.Error(err))
	}

	return ruleFired, n, nil
}

// inCooldown checks recent notifications of the rule's type and then takes a
// SET NX lock so two concurrent identical events cannot both pass the check.
// The returned key names the lock held by this firing, empty when none was taken.
func (e *RuleEngine) inCooldown(ctx context.Context, rule *entity.Rule, now time.Time) (bool, string, error) {
	window := time.Duration(rule.CooldownMinutes) * time.Minute

	recent, err := e.notifications.CountByTypeSince(ctx, rule.OrganizationID, rule.NotificationType, now.Add(-window))
	if err != nil {
		return false, "", fmt.Errorf("count recent notifications: %w", err)
	}
	if recent > 0 {
		return true, "", nil
	}

	if e.locker == nil {
		return false, "", nil
	}
	key := cache.Key("cooldown", rule.OrganizationID, rule.NotificationType)
	acquired, err := e.locker.TryLock(ctx, key, window)
	if err != nil {
		logger.Ctx(ctx, e.log).Warn("cooldown lock unavailable", zap.String("rule_id", rule.ID.String()), zap.Error(err))
		return false, "", nil
	}
	if !acquired {
		return true, "", nil
	}
	return false, key, nil
}

// release drops locks taken by a firing that produced no notification, so
// the next event is not suppressed by a window nothing was sent in.
func (e *RuleEngine) release(ctx context.Context, rule *entity.Rule, keys []string) {
	if len(keys) == 0 {
		return
	}
	if err := e.locker.Unlock(context.WithoutCancel(ctx), keys...); err != nil {
		logger.Ctx(ctx, e.log).Warn("rule locks not released",
			zap.String("rule_id", rule.ID.String()),
			zap.Strings("keys", keys),
			zap.Error(err),
		)
	}
}

func resolveRecipient(rule *entity.Rule, data map[string]any) (entity.Recipient, error) {
	var fields []string
	switch rule.RecipientType {
	case entity.RecipientSpecificUsers:
		if len(rule.RecipientUserIDs) == 0 {
			return entity.Recipient{}, fmt.Errorf("no recipient users configured: %w", errUnresolvedRecipient)
		}
		id := rule.RecipientUserIDs[0]
		return entity.Recipient{UserID: &id}, nil
	case entity.RecipientAssignee:
		fields = _assigneeFields
	case entity.RecipientManager:
		fields = _managerFields
	default:
		return entity.Recipient{}, fmt.Errorf("recipient type %q needs campaign fan-out: %w",
			rule.RecipientType, errUnresolvedRecipient)
	}
	if rule.RecipientField != "" {
		fields = []string{rule.RecipientField}
	}

	for _, f := range fields {
		v, ok := condition.Lookup(data, f)
		if !ok || v == nil {
			continue
		}
		id, err := toUUID(v)
		if err != nil {
			return entity.Recipient{}, fmt.Errorf("field %s: %w", f, err)
		}
		return entity.Recipient{UserID: &id}, nil
	}

	return entity.Recipient{}, fmt.Errorf("event has no %v: %w", fields, errUnresolvedRecipient)
}

func toUUID(v any) (uuid.UUID, error) {
	switch t := v.(type) {
	case uuid.UUID:
		return t, nil
	case string:
		id, err := uuid.Parse(t)
		if err != nil {
			return uuid.Nil, fmt.Errorf("parse user id: %w", entity.ErrValidation)
		}
		return id, nil
	}
	return uuid.Nil, fmt.Errorf("user id has type %T: %w", v, entity.ErrValidation)
}

func recipientKey(r entity.Recipient) string {
	if r.UserID != nil {
		return r.UserID.String()
	}
	return r.Email + r.Phone + r.TelegramChatID
}

func relatedEntity(rule *entity.Rule, data map[string]any) *entity.RelatedEntity {
	for _, f := range []string{"entityId", "entity_id", "id"} {
		if v, ok := data[f]; ok && v != nil {
			typ := rule.EventCategory
			if typ == "" {
				typ = rule.EventType
			}
			return &entity.RelatedEntity{Type: typ, ID: fmt.Sprint(v)}
		}
	}
	return nil
}

// CreateRule сохраняет новое правило организации
func (e *RuleEngine) CreateRule(ctx context.Context, rule entity.Rule) (*entity.Rule, error) {
	const op = "service.RuleEngine.CreateRule"

	if err := validateRule(&rule); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	now := e.now()
	rule.ID = newID()
	rule.TriggerCount = 0
	rule.LastTriggeredAt = nil
	rule.CreatedAt = now
	rule.UpdatedAt = now

	if err := e.rules.Create(ctx, &rule); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	logger.Ctx(ctx, e.log).Info("rule created",
		zap.String("op", op),
		zap.String("rule_id", rule.ID.String()),
		zap.String("event_type", rule.EventType),
	)

	return &rule, nil
}

// UpdateRule заменяет определение правила, сохраняя счётчики срабатываний
func (e *RuleEngine) UpdateRule(ctx context.Context, id uuid.UUID, rule entity.Rule) (*entity.Rule, error) {
	const op = "service.RuleEngine.UpdateRule"

	current, err := e.rules.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	rule.ID = current.ID
	rule.OrganizationID = current.OrganizationID
	rule.TriggerCount = current.TriggerCount
	rule.LastTriggeredAt = current.LastTriggeredAt
	rule.CreatedAt = current.CreatedAt
	rule.UpdatedAt = e.now()

	if err := validateRule(&rule); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if err := e.rules.Update(ctx, &rule); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &rule, nil
}

func (e *RuleEngine) GetRule(ctx context.Context, id uuid.UUID) (*entity.Rule, error) {
	const op = "service.RuleEngine.GetRule"

	rule, err := e.rules.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return rule, nil
}

func (e *RuleEngine) ListRules(ctx context.Context, orgID uuid.UUID) ([]entity.Rule, error) {
	const op = "service.RuleEngine.ListRules"

	list, err := e.rules.List(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return list, nil
}

func (e *RuleEngine) SetRuleActive(ctx context.Context, id uuid.UUID, active bool) (*entity.Rule, error) {
	const op = "service.RuleEngine.SetRuleActive"

	rule, err := e.rules.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	rule.IsActive = active
	rule.UpdatedAt = e.now()

	if err := e.rules.Update(ctx, rule); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return rule, nil
}

func (e *RuleEngine) DeleteRule(ctx context.Context, id uuid.UUID) error {
	const op = "service.RuleEngine.DeleteRule"

	if err := e.rules.Delete(ctx, id); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

func validateRule(r *entity.Rule) error {
	if r.OrganizationID == uuid.Nil {
		return fmt.Errorf("organization_id is required: %w", entity.ErrValidation)
	}
	if r.Name == "" {
		return fmt.Errorf("name is required: %w", entity.ErrValidation)
	}
	if r.EventType == "" {
		return fmt.Errorf("event_type is required: %w", entity.ErrValidation)
	}
	if r.TemplateCode == "" {
		return fmt.Errorf("template_code is required: %w", entity.ErrValidation)
	}
	if !r.NotificationType.IsValid() {
		return fmt.Errorf("unknown notification type %q: %w", r.NotificationType, entity.ErrValidation)
	}
	if r.Priority != "" && !r.Priority.IsValid() {
		return fmt.Errorf("unknown priority %q: %w", r.Priority, entity.ErrValidation)
	}
	for _, ch := range r.Channels {
		if !ch.IsValid() {
			return fmt.Errorf("unknown channel %q: %w", ch, entity.ErrValidation)
		}
	}
	if !r.RecipientType.IsValid() {
		return fmt.Errorf("unknown recipient type %q: %w", r.RecipientType, entity.ErrValidation)
	}
	if r.RecipientType == entity.RecipientSpecificUsers && len(r.RecipientUserIDs) == 0 {
		return fmt.Errorf("specific_users rule needs recipient_user_ids: %w", entity.ErrValidation)
	}
	for _, c := range r.Conditions {
		if c.Field == "" || !c.Operator.IsValid() {
			return fmt.Errorf("invalid condition %q %q: %w", c.Field, c.Operator, entity.ErrValidation)
		}
	}
	if r.DelayMinutes < 0 || r.CooldownMinutes < 0 || r.GroupWindowMinutes < 0 {
		return fmt.Errorf("minutes must not be negative: %w", entity.ErrValidation)
	}
	return nil
}
