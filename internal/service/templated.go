package service

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"notifydispatch/internal/entity"
	"notifydispatch/internal/render"
	"notifydispatch/pkg/logger"
)

// Каналы, доставка по которым откладывается до конца тихих часов.
var _quietChannels = []entity.Channel{entity.ChannelPush, entity.ChannelSMS, entity.ChannelTelegram}

type (
	// SendTemplatedRequest запрос на отправку уведомления по шаблону
	SendTemplatedRequest struct {
		TemplateCode   string
		OrganizationID uuid.UUID
		Recipient      entity.Recipient
		Variables      map[string]any
		Channels       []entity.Channel
		Priority       entity.Priority
		Type           entity.NotificationType
		Locale         string
		RelatedEntity  *entity.RelatedEntity
		RuleID         *uuid.UUID
		ScheduledAt    *time.Time
		ExpiresAt      *time.Time
	}

	// TemplateUpdate частичное обновление шаблона; nil поля не меняются
	TemplateUpdate struct {
		Name            *string
		Description     *string
		BaseLocale      *string
		Locales         map[string]entity.LocalizedContent
		DefaultChannels []entity.Channel
		DefaultPriority *entity.Priority
		Variables       []string
		IsActive        *bool
	}
)

// SendTemplated рендерит шаблон, фильтрует каналы по настройкам получателя и создает уведомление
func (s *NotifyService) SendTemplated(ctx context.Context, req SendTemplatedRequest) (*entity.Notification, error) {
	const op = "service.NotifyService.SendTemplated"

	log := logger.Ctx(ctx, s.log)
	startTime := time.Now()

	defer s.logSlowOperation(ctx, op, startTime, zap.String("template", req.TemplateCode))

	if req.TemplateCode == "" {
		return nil, fmt.Errorf("%s: template code is required: %w", op, entity.ErrValidation)
	}
	if req.OrganizationID == uuid.Nil {
		return nil, fmt.Errorf("%s: organization_id is required: %w", op, entity.ErrValidation)
	}

	tpl, err := s.resolveTemplate(ctx, req.OrganizationID, req.TemplateCode)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	settings, err := s.recipientSettings(ctx, req.Recipient)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	typ := tpl.Type
	if req.Type != "" {
		typ = req.Type
	}
	priority := tpl.DefaultPriority
	if req.Priority != "" {
		priority = req.Priority
	}
	requested := tpl.DefaultChannels
	if len(req.Channels) > 0 {
		requested = req.Channels
	}

	channels, deferred := s.filterChannels(settings, typ, priority, uniqueChannels(requested))
	if len(channels) < len(requested) {
		log.Debug("channels filtered by user settings",
			zap.String("op", op),
			zap.Any("requested", requested),
			zap.Any("kept", channels),
		)
	}

	locales := []string{req.Locale}
	if settings != nil {
		locales = append(locales, settings.Locale)
	}
	locales = append(locales, s.defaultLocale)

	rendered := render.Render(tpl, req.Variables, locales...)
	if unresolved := render.Placeholders(rendered.Title + " " + rendered.Body); len(unresolved) > 0 {
		log.Warn("template rendered with unresolved placeholders",
			zap.String("op", op),
			zap.String("template", tpl.Code),
			zap.Strings("placeholders", unresolved),
		)
	}

	content := entity.Content{
		Title:     rendered.Title,
		Body:      rendered.Body,
		Localized: render.RenderAll(tpl, req.Variables),
		Data:      maps.Clone(req.Variables),
	}
	if v, ok := req.Variables["action_url"].(string); ok {
		content.ActionURL = v
	}
	if v, ok := req.Variables["image_url"].(string); ok {
		content.ImageURL = v
	}

	create := CreateRequest{
		OrganizationID: req.OrganizationID,
		Type:           typ,
		Priority:       priority,
		Content:        content,
		Recipient:      req.Recipient,
		Channels:       channels,
		Locale:         rendered.Locale,
		RelatedEntity:  req.RelatedEntity,
		RuleID:         req.RuleID,
		ScheduledAt:    req.ScheduledAt,
		ExpiresAt:      req.ExpiresAt,
	}
	if err := create.validate(true); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	n, err := s.create(ctx, create, createOptions{allowEmptyChannels: true, deferred: deferred})
	if err != nil {
		log.Error("creation failed", zap.String("op", op), zap.Error(err))
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if len(channels) == 0 {
		log.Info("notification created without deliverable channels",
			zap.String("op", op),
			zap.String("id", n.ID.String()),
			zap.String("template", tpl.Code),
		)
	}

	return n, nil
}

func (s *NotifyService) resolveTemplate(ctx context.Context, orgID uuid.UUID, code string) (*entity.Template, error) {
	tpl, err := s.repos.Templates.GetActiveByCode(ctx, orgID, code)
	if errors.Is(err, entity.ErrNotFound) {
		return nil, fmt.Errorf("code %q: %w", code, entity.ErrTemplateNotFound)
	}
	if err != nil {
		return nil, err
	}
	return tpl, nil
}

// recipientSettings returns nil for contact-only recipients: they are never filtered.
func (s *NotifyService) recipientSettings(ctx context.Context, r entity.Recipient) (*entity.UserSettings, error) {
	if r.UserID == nil {
		return nil, nil
	}
	settings, err := s.repos.Settings.Get(ctx, *r.UserID)
	if errors.Is(err, entity.ErrNotFound) {
		return entity.DefaultUserSettings(*r.UserID), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	return settings, nil
}

func (s *NotifyService) filterChannels(
	settings *entity.UserSettings,
	typ entity.NotificationType,
	priority entity.Priority,
	requested []entity.Channel,
) ([]entity.Channel, map[entity.Channel]time.Time) {
	if settings == nil {
		return requested, nil
	}
	if !settings.TypeEnabled(typ) {
		return []entity.Channel{}, nil
	}

	kept := make([]entity.Channel, 0, len(requested))
	for _, ch := range requested {
		if settings.ChannelEnabled(ch) {
			kept = append(kept, ch)
		}
	}

	if priority == entity.PriorityUrgent {
		return kept, nil
	}
	until, quiet := settings.QuietUntil(s.now())
	if !quiet {
		return kept, nil
	}

	deferred := make(map[entity.Channel]time.Time)
	for _, ch := range kept {
		if slices.Contains(_quietChannels, ch) {
			deferred[ch] = until.UTC()
		}
	}
	return kept, deferred
}

// GetTemplates возвращает шаблоны организации вместе с системными
func (s *NotifyService) GetTemplates(ctx context.Context, f entity.TemplateFilter) ([]entity.Template, error) {
	const op = "service.NotifyService.GetTemplates"

	list, err := s.repos.Templates.List(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return list, nil
}

func (s *NotifyService) GetTemplate(ctx context.Context, id uuid.UUID) (*entity.Template, error) {
	const op = "service.NotifyService.GetTemplate"

	tpl, err := s.repos.Templates.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return tpl, nil
}

// CreateTemplate сохраняет новый шаблон с версией 1
func (s *NotifyService) CreateTemplate(ctx context.Context, tpl entity.Template) (*entity.Template, error) {
	const op = "service.NotifyService.CreateTemplate"

	if tpl.BaseLocale == "" {
		tpl.BaseLocale = s.defaultLocale
	}
	if tpl.DefaultPriority == "" {
		tpl.DefaultPriority = entity.PriorityNormal
	}
	if err := validateTemplate(&tpl); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	now := s.now()
	tpl.ID = newID()
	tpl.Version = 1
	tpl.CreatedAt = now
	tpl.UpdatedAt = now

	if err := s.repos.Templates.Create(ctx, &tpl); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	s.warnUndeclared(ctx, op, &tpl)

	return &tpl, nil
}

// UpdateTemplate применяет изменения и увеличивает версию шаблона
func (s *NotifyService) UpdateTemplate(ctx context.Context, id uuid.UUID, upd TemplateUpdate) (*entity.Template, error) {
	const op = "service.NotifyService.UpdateTemplate"

	tpl, err := s.repos.Templates.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if upd.Name != nil {
		tpl.Name = *upd.Name
	}
	if upd.Description != nil {
		tpl.Description = *upd.Description
	}
	if upd.BaseLocale != nil {
		tpl.BaseLocale = *upd.BaseLocale
	}
	if upd.Locales != nil {
		tpl.Locales = upd.Locales
	}
	if upd.DefaultChannels != nil {
		tpl.DefaultChannels = upd.DefaultChannels
	}
	if upd.DefaultPriority != nil {
		tpl.DefaultPriority = *upd.DefaultPriority
	}
	if upd.Variables != nil {
		tpl.Variables = upd.Variables
	}
	if upd.IsActive != nil {
		tpl.IsActive = *upd.IsActive
	}

	if err := validateTemplate(tpl); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	tpl.Version++
	tpl.UpdatedAt = s.now()

	if err := s.repos.Templates.Update(ctx, tpl); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	s.warnUndeclared(ctx, op, tpl)

	return tpl, nil
}

func validateTemplate(tpl *entity.Template) error {
	if tpl.Code == "" {
		return fmt.Errorf("code is required: %w", entity.ErrValidation)
	}
	if tpl.Name == "" {
		return fmt.Errorf("name is required: %w", entity.ErrValidation)
	}
	if !tpl.Type.IsValid() {
		return fmt.Errorf("unknown type %q: %w", tpl.Type, entity.ErrValidation)
	}
	if !tpl.DefaultPriority.IsValid() {
		return fmt.Errorf("unknown priority %q: %w", tpl.DefaultPriority, entity.ErrValidation)
	}
	for _, ch := range tpl.DefaultChannels {
		if !ch.IsValid() {
			return fmt.Errorf("unknown channel %q: %w", ch, entity.ErrValidation)
		}
	}
	base, ok := tpl.Locales[tpl.BaseLocale]
	if !ok || (base.Title == "" && base.Body == "") {
		return fmt.Errorf("base locale %q has no content: %w", tpl.BaseLocale, entity.ErrValidation)
	}
	return nil
}

// warnUndeclared logs placeholders that are not in the declared variable list.
// Rendering leaves them verbatim, so this is advisory only.
func (s *NotifyService) warnUndeclared(ctx context.Context, op string, tpl *entity.Template) {
	var undeclared []string
	for _, lc := range tpl.Locales {
		for _, p := range render.Placeholders(lc.Title + " " + lc.Body) {
			if !slices.Contains(tpl.Variables, p) && !slices.Contains(undeclared, p) {
				undeclared = append(undeclared, p)
			}
		}
	}
	if len(undeclared) == 0 {
		return
	}
	slices.Sort(undeclared)
	logger.Ctx(ctx, s.log).Warn("template uses undeclared variables",
		zap.String("op", op),
		zap.String("code", tpl.Code),
		zap.Strings("variables", undeclared),
	)
}
