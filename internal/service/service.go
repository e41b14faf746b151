package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"notifydispatch/internal/entity"
	"notifydispatch/internal/metrics"
	"notifydispatch/pkg/logger"
)

const (
	_slowOperationThreshold = 200 * time.Millisecond
	_defaultMaxRetries      = 3
	_defaultPageSize        = 20
	_maxPageSize            = 100
	_maxBatchSize           = 500
)

type (
	// NotifyService предоставляет бизнес-логику хранилища уведомлений,
	// шаблонной отправки, настроек пользователя и регистрации устройств.
	NotifyService struct {
		repos   Repositories
		cache   notificationCache
		log     *zap.Logger
		metrics *metrics.Metrics
		now     func() time.Time

		maxRetries    int
		defaultLocale string
	}

	// CreateRequest представляет запрос на создание уведомления
	CreateRequest struct {
		OrganizationID uuid.UUID
		Type           entity.NotificationType
		Priority       entity.Priority
		Content        entity.Content
		Recipient      entity.Recipient
		Channels       []entity.Channel
		Locale         string
		RelatedEntity  *entity.RelatedEntity
		CampaignID     *uuid.UUID
		RuleID         *uuid.UUID
		ScheduledAt    *time.Time
		ExpiresAt      *time.Time
	}

	// QueryResult страница результатов поиска уведомлений
	QueryResult struct {
		Items  []entity.Notification `json:"items"`
		Total  int                   `json:"total"`
		Limit  int                   `json:"limit"`
		Offset int                   `json:"offset"`
	}

	// createOptions управляет внутренними вариантами создания.
	createOptions struct {
		allowEmptyChannels bool
		deferred           map[entity.Channel]time.Time
	}
)

// NewNotifyService создает новый экземпляр сервиса уведомлений
func NewNotifyService(repos Repositories, log *zap.Logger, opts ...Option) (*NotifyService, error) {
	s := &NotifyService{
		repos:         repos,
		cache:         newNotificationCache(nil, 0),
		log:           log,
		now:           func() time.Time { return time.Now().UTC() },
		maxRetries:    _defaultMaxRetries,
		defaultLocale: entity.PrimaryLocale,
	}

	for _, opt := range opts {
		opt(s)
	}

	if err := s.validate(); err != nil {
		return nil, fmt.Errorf("service.NewNotifyService: %w", err)
	}

	return s, nil
}

// Create создает уведомление и ставит по одному элементу доставки на каждый канал
func (s *NotifyService) Create(ctx context.Context, req CreateRequest) (*entity.Notification, error) {
	const op = "service.NotifyService.Create"

	log := logger.Ctx(ctx, s.log)
	startTime := time.Now()

	defer s.logSlowOperation(ctx, op, startTime,
		zap.String("organization_id", req.OrganizationID.String()),
		zap.String("type", string(req.Type)),
	)

	if err := req.validate(false); err != nil {
		log.Warn("validation failed", zap.String("op", op), zap.Error(err))
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	n, err := s.create(ctx, req, createOptions{})
	if err != nil {
		log.Error("creation failed", zap.String("op", op), zap.Error(err))
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	log.Info("notification created",
		zap.String("op", op),
		zap.String("id", n.ID.String()),
		zap.String("external_id", n.ExternalID),
		zap.String("status", n.Status.String()),
		zap.Int("channels", len(n.Channels)),
		zap.Duration("duration", time.Since(startTime)),
	)

	return n, nil
}

// Get возвращает уведомление с кешированием
func (s *NotifyService) Get(ctx context.Context, id uuid.UUID) (*entity.Notification, error) {
	const op = "service.NotifyService.Get"

	startTime := time.Now()
	defer s.logSlowOperation(ctx, op, startTime, zap.String("id", id.String()))

	if cached, ok := s.cache.get(ctx, id); ok {
		logger.Ctx(ctx, s.log).Debug("served from cache", zap.String("op", op), zap.String("id", id.String()))
		return cached, nil
	}

	n, err := s.repos.Notifications.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	s.cache.put(ctx, n)

	return n, nil
}

// Query ищет уведомления по фильтру; просроченные исключаются, если не запрошено обратное
func (s *NotifyService) Query(ctx context.Context, f entity.NotificationFilter) (*QueryResult, error) {
	const op = "service.NotifyService.Query"

	startTime := time.Now()
	defer s.logSlowOperation(ctx, op, startTime)

	if f.Limit <= 0 {
		f.Limit = _defaultPageSize
	}
	if f.Limit > _maxPageSize {
		f.Limit = _maxPageSize
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	if f.From != nil && f.To != nil && f.To.Before(*f.From) {
		return nil, fmt.Errorf("%s: date range end before start: %w", op, entity.ErrValidation)
	}
	f.Now = s.now()

	items, total, err := s.repos.Notifications.List(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &QueryResult{Items: items, Total: total, Limit: f.Limit, Offset: f.Offset}, nil
}

// MarkAsRead помечает уведомление прочитанным. Повторный вызов ничего не меняет.
func (s *NotifyService) MarkAsRead(ctx context.Context, id uuid.UUID) error {
	const op = "service.NotifyService.MarkAsRead"

	if _, err := s.repos.Notifications.GetByID(ctx, id); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	if _, err := s.markRead(ctx, []uuid.UUID{id}); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

// BulkMarkAsRead помечает прочитанными несколько уведомлений, неизвестные id пропускаются
func (s *NotifyService) BulkMarkAsRead(ctx context.Context, ids []uuid.UUID) (int, error) {
	const op = "service.NotifyService.BulkMarkAsRead"

	if len(ids) == 0 {
		return 0, fmt.Errorf("%s: ids must not be empty: %w", op, entity.ErrValidation)
	}

	marked, err := s.markRead(ctx, ids)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	return marked, nil
}

// MarkAllAsRead помечает прочитанными все уведомления пользователя
func (s *NotifyService) MarkAllAsRead(ctx context.Context, userID uuid.UUID) (int, error) {
	const op = "service.NotifyService.MarkAllAsRead"

	if userID == uuid.Nil {
		return 0, fmt.Errorf("%s: user_id is required: %w", op, entity.ErrValidation)
	}

	marks, err := s.repos.Notifications.MarkAllRead(ctx, userID, s.now())
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	s.afterRead(ctx, marks)

	logger.Ctx(ctx, s.log).Info("all notifications marked read",
		zap.String("op", op),
		zap.String("user_id", userID.String()),
		zap.Int("marked", len(marks)),
	)

	return len(marks), nil
}

// Cancel отменяет уведомление, которое ещё не покинуло очередь
func (s *NotifyService) Cancel(ctx context.Context, id uuid.UUID) error {
	const op = "service.NotifyService.Cancel"

	log := logger.Ctx(ctx, s.log)
	startTime := time.Now()

	defer s.logSlowOperation(ctx, op, startTime, zap.String("id", id.String()))

	removed, err := s.repos.Notifications.Cancel(ctx, id, s.now())
	if err != nil {
		log.Warn("cancel failed", zap.String("op", op), zap.String("id", id.String()), zap.Error(err))
		return fmt.Errorf("%s: %w", op, err)
	}

	s.cache.drop(ctx, id)

	log.Info("notification cancelled",
		zap.String("op", op),
		zap.String("id", id.String()),
		zap.Int("removed_items", removed),
	)

	return nil
}

// Resend создает новое уведомление с содержимым и каналами существующего
func (s *NotifyService) Resend(ctx context.Context, id uuid.UUID) (*entity.Notification, error) {
	const op = "service.NotifyService.Resend"

	orig, err := s.repos.Notifications.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	req := CreateRequest{
		OrganizationID: orig.OrganizationID,
		Type:           orig.Type,
		Priority:       orig.Priority,
		Content:        orig.Content,
		Recipient:      orig.Recipient,
		Channels:       slices.Clone(orig.Channels),
		Locale:         orig.Locale,
		RelatedEntity:  orig.RelatedEntity,
	}

	n, err := s.Create(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	logger.Ctx(ctx, s.log).Info("notification resent",
		zap.String("op", op),
		zap.String("source_id", id.String()),
		zap.String("id", n.ID.String()),
	)

	return n, nil
}

func (s *NotifyService) Delete(ctx context.Context, id uuid.UUID) error {
	const op = "service.NotifyService.Delete"

	deleted, err := s.repos.Notifications.Delete(ctx, []uuid.UUID{id})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if deleted == 0 {
		return fmt.Errorf("%s: %w", op, entity.ErrNotFound)
	}

	s.cache.drop(ctx, id)

	return nil
}

func (s *NotifyService) BulkDelete(ctx context.Context, ids []uuid.UUID) (int, error) {
	const op = "service.NotifyService.BulkDelete"

	if len(ids) == 0 {
		return 0, fmt.Errorf("%s: ids must not be empty: %w", op, entity.ErrValidation)
	}

	deleted, err := s.repos.Notifications.Delete(ctx, ids)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	s.cache.drop(ctx, ids...)

	return deleted, nil
}

// DeleteOld удаляет завершённые уведомления старше указанного числа дней
func (s *NotifyService) DeleteOld(ctx context.Context, days int) (int, error) {
	const op = "service.NotifyService.DeleteOld"

	if days <= 0 {
		return 0, fmt.Errorf("%s: days must be > 0: %w", op, entity.ErrValidation)
	}

	before := s.now().AddDate(0, 0, -days)
	deleted, err := s.repos.Notifications.DeleteOlderThan(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	logger.Ctx(ctx, s.log).Info("old notifications deleted",
		zap.String("op", op),
		zap.Int("days", days),
		zap.Int("deleted", deleted),
	)

	return deleted, nil
}

// DeliveryReport возвращает элементы доставки и журнал попыток уведомления
func (s *NotifyService) DeliveryReport(ctx context.Context, id uuid.UUID) (*entity.DeliveryReport, error) {
	const op = "service.NotifyService.DeliveryReport"

	n, err := s.repos.Notifications.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	items, err := s.repos.Queue.ListByNotification(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%s: items: %w", op, err)
	}

	logs, err := s.repos.Queue.ListLogs(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%s: logs: %w", op, err)
	}

	return &entity.DeliveryReport{Notification: n, Items: items, Logs: logs}, nil
}

// Приватные helper методы

func (r CreateRequest) validate(allowEmptyChannels bool) error {
	if r.OrganizationID == uuid.Nil {
		return fmt.Errorf("organization_id is required: %w", entity.ErrValidation)
	}
	if len(r.Channels) == 0 && !allowEmptyChannels {
		return fmt.Errorf("channels must not be empty: %w", entity.ErrValidation)
	}
	for _, ch := range r.Channels {
		if !ch.IsValid() {
			return fmt.Errorf("unknown channel %q: %w", ch, entity.ErrValidation)
		}
	}
	if !r.Type.IsValid() {
		return fmt.Errorf("unknown type %q: %w", r.Type, entity.ErrValidation)
	}
	if r.Priority != "" && !r.Priority.IsValid() {
		return fmt.Errorf("unknown priority %q: %w", r.Priority, entity.ErrValidation)
	}
	if r.Content.Title == "" && r.Content.Body == "" {
		return fmt.Errorf("content title or body is required: %w", entity.ErrValidation)
	}
	if r.Recipient.IsEmpty() {
		return fmt.Errorf("recipient is required: %w", entity.ErrValidation)
	}
	if r.ExpiresAt != nil && r.ScheduledAt != nil && !r.ExpiresAt.After(*r.ScheduledAt) {
		return fmt.Errorf("expires_at must be after scheduled_at: %w", entity.ErrValidation)
	}
	return nil
}

func (s *NotifyService) create(ctx context.Context, req CreateRequest, opts createOptions) (*entity.Notification, error) {
	now := s.now()

	priority := req.Priority
	if priority == "" {
		priority = entity.PriorityNormal
	}

	channels := uniqueChannels(req.Channels)

	n := &entity.Notification{
		ID:             newID(),
		ExternalID:     newExternalID(now),
		OrganizationID: req.OrganizationID,
		Type:           req.Type,
		Priority:       priority,
		Status:         entity.StatusQueued,
		Content:        req.Content,
		Recipient:      req.Recipient,
		Channels:       channels,
		Locale:         req.Locale,
		RelatedEntity:  req.RelatedEntity,
		CampaignID:     req.CampaignID,
		RuleID:         req.RuleID,
		ScheduledAt:    req.ScheduledAt,
		ExpiresAt:      req.ExpiresAt,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	dueAt := now
	if req.ScheduledAt != nil && req.ScheduledAt.After(now) {
		n.Status = entity.StatusPending
		dueAt = *req.ScheduledAt
	}
	// nothing will ever be delivered, keep it inert
	if len(channels) == 0 {
		n.Status = entity.StatusPending
	}

	items := make([]entity.DeliveryItem, 0, len(channels))
	for _, ch := range channels {
		scheduled := dueAt
		if at, ok := opts.deferred[ch]; ok && at.After(scheduled) {
			scheduled = at
		}
		items = append(items, entity.DeliveryItem{
			ID:             newID(),
			NotificationID: n.ID,
			Channel:        ch,
			Status:         entity.DeliveryQueued,
			ScheduledAt:    scheduled,
			MaxRetries:     s.maxRetries,
			CreatedAt:      now,
			UpdatedAt:      now,
		})
	}

	if err := s.repos.Notifications.Create(ctx, n, items); err != nil {
		return nil, err
	}

	s.metrics.NotificationCreated(string(n.Type), string(n.Status))

	return n, nil
}

func (s *NotifyService) markRead(ctx context.Context, ids []uuid.UUID) (int, error) {
	marks, err := s.repos.Notifications.MarkRead(ctx, ids, s.now())
	if err != nil {
		return 0, err
	}

	s.afterRead(ctx, marks)

	return len(marks), nil
}

// afterRead drops cached copies and feeds campaign read counters.
func (s *NotifyService) afterRead(ctx context.Context, marks []entity.ReadMark) {
	if len(marks) == 0 {
		return
	}

	ids := make([]uuid.UUID, 0, len(marks))
	perCampaign := make(map[uuid.UUID]int)
	for _, m := range marks {
		ids = append(ids, m.ID)
		if m.CampaignID != nil {
			perCampaign[*m.CampaignID]++
		}
	}
	s.cache.drop(ctx, ids...)

	if s.repos.Campaigns == nil {
		return
	}
	for campaignID, reads := range perCampaign {
		err := s.repos.Campaigns.IncrementCounters(ctx, campaignID, entity.CampaignCounters{Read: reads})
		if err != nil && !errors.Is(err, entity.ErrNotFound) {
			logger.Ctx(ctx, s.log).Warn("campaign read counter update failed",
				zap.String("campaign_id", campaignID.String()),
				zap.Error(err),
			)
		}
	}
}

func uniqueChannels(in []entity.Channel) []entity.Channel {
	out := make([]entity.Channel, 0, len(in))
	for _, ch := range in {
		if !slices.Contains(out, ch) {
			out = append(out, ch)
		}
	}
	return out
}

// Logging helpers

func (s *NotifyService) logSlowOperation(ctx context.Context, op string, startTime time.Time, fields ...zap.Field) {
	logSlow(ctx, s.log, op, startTime, fields...)
}

func logSlow(ctx context.Context, log *zap.Logger, op string, startTime time.Time, fields ...zap.Field) {
	duration := time.Since(startTime)
	if duration <= _slowOperationThreshold {
		return
	}
	fields = append(fields, zap.String("op", op), zap.Duration("duration", duration))
	logger.Ctx(ctx, log).Warn("slow operation detected", fields...)
}
