package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/google/uuid"

	"notifydispatch/internal/entity"
	storage "notifydispatch/pkg/storage/postgres"
)

const (
	_templatesTable = "templates"
	_templateCols   = "id, organization_id, code, name, description, type, base_locale, locales, default_channels, " +
		"default_priority, variables, is_active, version, created_at, updated_at"

	_rulesTable = "rules"
	_ruleCols   = "id, organization_id, name, description, event_category, event_type, conditions, " +
		"all_conditions_must_match, template_code, notification_type, channels, priority, recipient_type, " +
		"recipient_user_ids, recipient_roles, recipient_field, delay_minutes, cooldown_minutes, group_similar, " +
		"group_window_minutes, is_active, trigger_count, last_triggered_at, created_at, updated_at"

	_settingsTable = "user_settings"
	_settingsCols  = "user_id, organization_id, push_enabled, email_enabled, sms_enabled, telegram_enabled, " +
		"in_app_enabled, webhook_enabled, disabled_types, quiet_hours_enabled, quiet_hours_start, quiet_hours_end, " +
		"timezone, locale, digest_enabled, digest_frequency, updated_at"

	_devicesTable = "devices"
	_deviceCols   = "id, user_id, kind, token, p256dh, auth, platform, user_agent, is_active, last_used_at, " +
		"created_at, updated_at"
)

type TemplateRepository struct {
	db *storage.Postgres
}

func (r *TemplateRepository) Create(ctx context.Context, t *entity.Template) error {
	const op = "repository.postgres.Templates.Create"

	sql, args, err := r.db.Insert(_templatesTable).
		Columns(
			"id", "organization_id", "code", "name", "description", "type", "base_locale", "locales",
			"default_channels", "default_priority", "variables", "is_active", "version", "created_at", "updated_at",
		).
		Values(
			t.ID, t.OrganizationID, t.Code, t.Name, t.Description, t.Type, t.BaseLocale, t.Locales,
			toStrings(t.DefaultChannels), t.DefaultPriority, nonNil(t.Variables), t.IsActive, t.Version,
			t.CreatedAt, t.UpdatedAt,
		).
		ToSql()
	if err != nil {
		return fmt.Errorf("%s: insert query: %w", op, err)
	}

	if _, err = r.db.Exec(ctx, sql, args...); err != nil {
		return wrap(op, err)
	}

	return nil
}

func (r *TemplateRepository) Update(ctx context.Context, t *entity.Template) error {
	const op = "repository.postgres.Templates.Update"

	sql, args, err := r.db.Update(_templatesTable).
		SetMap(map[string]any{
			"name":             t.Name,
			"description":      t.Description,
			"type":             t.Type,
			"base_locale":      t.BaseLocale,
			"locales":          t.Locales,
			"default_channels": toStrings(t.DefaultChannels),
			"default_priority": t.DefaultPriority,
			"variables":        nonNil(t.Variables),
			"is_active":        t.IsActive,
			"version":          t.Version,
			"updated_at":       t.UpdatedAt,
		}).
		Where(squirrel.Eq{"id": t.ID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("%s: update query: %w", op, err)
	}

	tag, err := r.db.Exec(ctx, sql, args...)
	if err != nil {
		return wrap(op, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", op, entity.ErrNotFound)
	}

	return nil
}

func (r *TemplateRepository) GetByID(ctx context.Context, id uuid.UUID) (*entity.Template, error) {
	const op = "repository.postgres.Templates.GetByID"

	sql, args, err := r.db.Select(_templateCols).From(_templatesTable).Where(squirrel.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("%s: select query: %w", op, err)
	}

	t, err := scanTemplate(r.db.QueryRow(ctx, sql, args...))
	if err != nil {
		return nil, wrap(op, err)
	}

	return t, nil
}

// GetActiveByCode orders the organization's own template ahead of the system one.
func (r *TemplateRepository) GetActiveByCode(ctx context.Context, orgID uuid.UUID, code string) (*entity.Template, error) {
	const op = "repository.postgres.Templates.GetActiveByCode"

	sql, args, err := r.db.Select(_templateCols).
		From(_templatesTable).
		Where(squirrel.Eq{"code": code, "is_active": true}).
		Where(squirrel.Or{squirrel.Eq{"organization_id": orgID}, squirrel.Eq{"organization_id": nil}}).
		OrderBy("organization_id IS NULL").
		Limit(1).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("%s: select query: %w", op, err)
	}

	t, err := scanTemplate(r.db.QueryRow(ctx, sql, args...))
	if err != nil {
		return nil, wrap(op, err)
	}

	return t, nil
}

func (r *TemplateRepository) List(ctx context.Context, f entity.TemplateFilter) ([]entity.Template, error) {
	const op = "repository.postgres.Templates.List"

	q := r.db.Select(_templateCols).From(_templatesTable).OrderBy("code", "organization_id NULLS FIRST")
	if f.OrganizationID != nil {
		q = q.Where(squirrel.Or{squirrel.Eq{"organization_id": *f.OrganizationID}, squirrel.Eq{"organization_id": nil}})
	}
	if f.Type != "" {
		q = q.Where(squirrel.Eq{"type": f.Type})
	}
	if f.ActiveOnly {
		q = q.Where(squirrel.Eq{"is_active": true})
	}

	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("%s: select query: %w", op, err)
	}

	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, wrap(op, err)
	}
	defer rows.Close()

	var out []entity.Template
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: scan: %w", op, err)
		}
		out = append(out, *t)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: rows error: %w", op, err)
	}

	return out, nil
}

func scanTemplate(s rowScanner) (*entity.Template, error) {
	var (
		t        entity.Template
		channels []string
	)

	err := s.Scan(
		&t.ID,
		&t.OrganizationID,
		&t.Code,
		&t.Name,
		&t.Description,
		&t.Type,
		&t.BaseLocale,
		&t.Locales,
		&channels,
		&t.DefaultPriority,
		&t.Variables,
		&t.IsActive,
		&t.Version,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	t.DefaultChannels = fromStrings[entity.Channel](channels)

	return &t, nil
}

type RuleRepository struct {
	db *storage.Postgres
}

func (r *RuleRepository) Create(ctx context.Context, rule *entity.Rule) error {
	const op = "repository.postgres.Rules.Create"

	sql, args, err := r.db.Insert(_rulesTable).SetMap(ruleValues(rule)).ToSql()
	if err != nil {
		return fmt.Errorf("%s: insert query: %w", op, err)
	}

	if _, err = r.db.Exec(ctx, sql, args...); err != nil {
		return wrap(op, err)
	}

	return nil
}

// Update rewrites the editable columns; trigger statistics are left alone.
func (r *RuleRepository) Update(ctx context.Context, rule *entity.Rule) error {
	const op = "repository.postgres.Rules.Update"

	values := ruleValues(rule)
	for _, col := range []string{"id", "organization_id", "trigger_count", "last_triggered_at", "created_at"} {
		delete(values, col)
	}

	sql, args, err := r.db.Update(_rulesTable).SetMap(values).Where(squirrel.Eq{"id": rule.ID}).ToSql()
	if err != nil {
		return fmt.Errorf("%s: update query: %w", op, err)
	}

	tag, err := r.db.Exec(ctx, sql, args...)
	if err != nil {
		return wrap(op, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", op, entity.ErrNotFound)
	}

	return nil
}

func ruleValues(rule *entity.Rule) map[string]any {
	conditions := rule.Conditions
	if conditions == nil {
		conditions = []entity.Condition{}
	}
	userIDs := rule.RecipientUserIDs
	if userIDs == nil {
		userIDs = []uuid.UUID{}
	}

	return map[string]any{
		"id":                        rule.ID,
		"organization_id":           rule.OrganizationID,
		"name":                      rule.Name,
		"description":               rule.Description,
		"event_category":            rule.EventCategory,
		"event_type":                rule.EventType,
		"conditions":                conditions,
		"all_conditions_must_match": rule.AllConditionsMustMatch,
		"template_code":             rule.TemplateCode,
		"notification_type":         rule.NotificationType,
		"channels":                  toStrings(rule.Channels),
		"priority":                  rule.Priority,
		"recipient_type":            rule.RecipientType,
		"recipient_user_ids":        userIDs,
		"recipient_roles":           nonNil(rule.RecipientRoles),
		"recipient_field":           rule.RecipientField,
		"delay_minutes":             rule.DelayMinutes,
		"cooldown_minutes":          rule.CooldownMinutes,
		"group_similar":             rule.GroupSimilar,
		"group_window_minutes":      rule.GroupWindowMinutes,
		"is_active":                 rule.IsActive,
		"trigger_count":             rule.TriggerCount,
		"last_triggered_at":         rule.LastTriggeredAt,
		"created_at":                rule.CreatedAt,
		"updated_at":                rule.UpdatedAt,
	}
}

func (r *RuleRepository) GetByID(ctx context.Context, id uuid.UUID) (*entity.Rule, error) {
	const op = "repository.postgres.Rules.GetByID"

	sql, args, err := r.db.Select(_ruleCols).From(_rulesTable).Where(squirrel.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("%s: select query: %w", op, err)
	}

	rule, err := scanRule(r.db.QueryRow(ctx, sql, args...))
	if err != nil {
		return nil, wrap(op, err)
	}

	return rule, nil
}

func (r *RuleRepository) List(ctx context.Context, orgID uuid.UUID) ([]entity.Rule, error) {
	return r.list(ctx, "repository.postgres.Rules.List", squirrel.Eq{"organization_id": orgID})
}

func (r *RuleRepository) ListActive(ctx context.Context, orgID uuid.UUID, eventType string) ([]entity.Rule, error) {
	return r.list(ctx, "repository.postgres.Rules.ListActive", squirrel.Eq{
		"organization_id": orgID,
		"event_type":      eventType,
		"is_active":       true,
	})
}

func (r *RuleRepository) list(ctx context.Context, op string, where squirrel.Eq) ([]entity.Rule, error) {
	sql, args, err := r.db.Select(_ruleCols).From(_rulesTable).Where(where).OrderBy("created_at").ToSql()
	if err != nil {
		return nil, fmt.Errorf("%s: select query: %w", op, err)
	}

	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, wrap(op, err)
	}
	defer rows.Close()

	var out []entity.Rule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: scan: %w", op, err)
		}
		out = append(out, *rule)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: rows error: %w", op, err)
	}

	return out, nil
}

func (r *RuleRepository) Delete(ctx context.Context, id uuid.UUID) error {
	const op = "repository.postgres.Rules.Delete"

	sql, args, err := r.db.Delete(_rulesTable).Where(squirrel.Eq{"id": id}).ToSql()
	if err != nil {
		return fmt.Errorf("%s: delete query: %w", op, err)
	}

	tag, err := r.db.Exec(ctx, sql, args...)
	if err != nil {
		return wrap(op, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", op, entity.ErrNotFound)
	}

	return nil
}

func (r *RuleRepository) RecordTrigger(ctx context.Context, id uuid.UUID, at time.Time) error {
	const op = "repository.postgres.Rules.RecordTrigger"

	sql, args, err := r.db.Update(_rulesTable).
		Set("trigger_count", squirrel.Expr("trigger_count + 1")).
		Set("last_triggered_at", at).
		Where(squirrel.Eq{"id": id}).
		ToSql()
	if err != nil {
		return fmt.Errorf("%s: update query: %w", op, err)
	}

	tag, err := r.db.Exec(ctx, sql, args...)
	if err != nil {
		return wrap(op, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", op, entity.ErrNotFound)
	}

	return nil
}

func scanRule(s rowScanner) (*entity.Rule, error) {
	var (
		rule     entity.Rule
		channels []string
	)

	err := s.Scan(
		&rule.ID,
		&rule.OrganizationID,
		&rule.Name,
		&rule.Description,
		&rule.EventCategory,
		&rule.EventType,
		&rule.Conditions,
		&rule.AllConditionsMustMatch,
		&rule.TemplateCode,
		&rule.NotificationType,
		&channels,
		&rule.Priority,
		&rule.RecipientType,
		&rule.RecipientUserIDs,
		&rule.RecipientRoles,
		&rule.RecipientField,
		&rule.DelayMinutes,
		&rule.CooldownMinutes,
		&rule.GroupSimilar,
		&rule.GroupWindowMinutes,
		&rule.IsActive,
		&rule.TriggerCount,
		&rule.LastTriggeredAt,
		&rule.CreatedAt,
		&rule.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	rule.Channels = fromStrings[entity.Channel](channels)

	return &rule, nil
}

type SettingsRepository struct {
	db *storage.Postgres
}

func (r *SettingsRepository) Get(ctx context.Context, userID uuid.UUID) (*entity.UserSettings, error) {
	const op = "repository.postgres.Settings.Get"

	sql, args, err := r.db.Select(_settingsCols).From(_settingsTable).Where(squirrel.Eq{"user_id": userID}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("%s: select query: %w", op, err)
	}

	var (
		st       entity.UserSettings
		orgID    *uuid.UUID
		disabled []string
	)
	err = r.db.QueryRow(ctx, sql, args...).Scan(
		&st.UserID,
		&orgID,
		&st.PushEnabled,
		&st.EmailEnabled,
		&st.SMSEnabled,
		&st.TelegramEnabled,
		&st.InAppEnabled,
		&st.WebhookEnabled,
		&disabled,
		&st.QuietHoursEnabled,
		&st.QuietHoursStart,
		&st.QuietHoursEnd,
		&st.Timezone,
		&st.Locale,
		&st.DigestEnabled,
		&st.DigestFrequency,
		&st.UpdatedAt,
	)
	if err != nil {
		return nil, wrap(op, err)
	}
	if orgID != nil {
		st.OrganizationID = *orgID
	}
	st.DisabledTypes = fromStrings[entity.NotificationType](disabled)

	return &st, nil
}

func (r *SettingsRepository) Upsert(ctx context.Context, st *entity.UserSettings) error {
	const op = "repository.postgres.Settings.Upsert"

	var orgID *uuid.UUID
	if st.OrganizationID != uuid.Nil {
		orgID = &st.OrganizationID
	}

	sql, args, err := r.db.Insert(_settingsTable).
		Columns(
			"user_id", "organization_id", "push_enabled", "email_enabled", "sms_enabled", "telegram_enabled",
			"in_app_enabled", "webhook_enabled", "disabled_types", "quiet_hours_enabled", "quiet_hours_start",
			"quiet_hours_end", "timezone", "locale", "digest_enabled", "digest_frequency", "updated_at",
		).
		Values(
			st.UserID, orgID, st.PushEnabled, st.EmailEnabled, st.SMSEnabled, st.TelegramEnabled,
			st.InAppEnabled, st.WebhookEnabled, toStrings(st.DisabledTypes), st.QuietHoursEnabled,
			st.QuietHoursStart, st.QuietHoursEnd, st.Timezone, st.Locale, st.DigestEnabled, st.DigestFrequency,
			st.UpdatedAt,
		).
		Suffix(`ON CONFLICT (user_id) DO UPDATE SET
			organization_id = EXCLUDED.organization_id,
			push_enabled = EXCLUDED.push_enabled,
			email_enabled = EXCLUDED.email_enabled,
			sms_enabled = EXCLUDED.sms_enabled,
			telegram_enabled = EXCLUDED.telegram_enabled,
			in_app_enabled = EXCLUDED.in_app_enabled,
			webhook_enabled = EXCLUDED.webhook_enabled,
			disabled_types = EXCLUDED.disabled_types,
			quiet_hours_enabled = EXCLUDED.quiet_hours_enabled,
			quiet_hours_start = EXCLUDED.quiet_hours_start,
			quiet_hours_end = EXCLUDED.quiet_hours_end,
			timezone = EXCLUDED.timezone,
			locale = EXCLUDED.locale,
			digest_enabled = EXCLUDED.digest_enabled,
			digest_frequency = EXCLUDED.digest_frequency,
			updated_at = EXCLUDED.updated_at`).
		ToSql()
	if err != nil {
		return fmt.Errorf("%s: upsert query: %w", op, err)
	}

	if _, err = r.db.Exec(ctx, sql, args...); err != nil {
		return wrap(op, err)
	}

	return nil
}

type DeviceRepository struct {
	db *storage.Postgres
}

// Upsert keys devices by token; a known token keeps its id and created_at.
func (r *DeviceRepository) Upsert(ctx context.Context, d *entity.Device) error {
	const op = "repository.postgres.Devices.Upsert"

	sql, args, err := r.db.Insert(_devicesTable).
		Columns(
			"id", "user_id", "kind", "token", "p256dh", "auth", "platform", "user_agent", "is_active",
			"last_used_at", "created_at", "updated_at",
		).
		Values(
			d.ID, d.UserID, d.Kind, d.Token, d.P256dh, d.Auth, d.Platform, d.UserAgent, d.IsActive,
			d.LastUsedAt, d.CreatedAt, d.UpdatedAt,
		).
		Suffix(`ON CONFLICT (token) DO UPDATE SET
			user_id = EXCLUDED.user_id,
			kind = EXCLUDED.kind,
			p256dh = EXCLUDED.p256dh,
			auth = EXCLUDED.auth,
			platform = EXCLUDED.platform,
			user_agent = EXCLUDED.user_agent,
			is_active = EXCLUDED.is_active,
			last_used_at = EXCLUDED.last_used_at,
			updated_at = EXCLUDED.updated_at
			RETURNING id, created_at`).
		ToSql()
	if err != nil {
		return fmt.Errorf("%s: upsert query: %w", op, err)
	}

	if err = r.db.QueryRow(ctx, sql, args...).Scan(&d.ID, &d.CreatedAt); err != nil {
		return wrap(op, err)
	}

	return nil
}

func (r *DeviceRepository) Deactivate(ctx context.Context, kind entity.DeviceKind, token string, at time.Time) error {
	const op = "repository.postgres.Devices.Deactivate"

	sql, args, err := r.db.Update(_devicesTable).
		Set("is_active", false).
		Set("updated_at", at).
		Where(squirrel.Eq{"kind": kind, "token": token}).
		ToSql()
	if err != nil {
		return fmt.Errorf("%s: update query: %w", op, err)
	}

	tag, err := r.db.Exec(ctx, sql, args...)
	if err != nil {
		return wrap(op, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", op, entity.ErrNotFound)
	}

	return nil
}

func (r *DeviceRepository) ListActive(ctx context.Context, userID uuid.UUID) ([]entity.Device, error) {
	const op = "repository.postgres.Devices.ListActive"

	sql, args, err := r.db.Select(_deviceCols).
		From(_devicesTable).
		Where(squirrel.Eq{"user_id": userID, "is_active": true}).
		OrderBy("created_at").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("%s: select query: %w", op, err)
	}

	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, wrap(op, err)
	}
	defer rows.Close()

	var out []entity.Device
	for rows.Next() {
		var d entity.Device
		if err = rows.Scan(
			&d.ID,
			&d.UserID,
			&d.Kind,
			&d.Token,
			&d.P256dh,
			&d.Auth,
			&d.Platform,
			&d.UserAgent,
			&d.IsActive,
			&d.LastUsedAt,
			&d.CreatedAt,
			&d.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("%s: scan: %w", op, err)
		}
		out = append(out, d)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: rows error: %w", op, err)
	}

	return out, nil
}

func nonNil(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
