package service

import (
	"context"
	"time"

	"github.com/google/uuid"

	"notifydispatch/internal/entity"
)

type (
	// NotificationRepository хранит агрегат уведомления вместе с его элементами доставки.
	NotificationRepository interface {
		// Create сохраняет уведомление и его элементы доставки атомарно.
		Create(ctx context.Context, n *entity.Notification, items []entity.DeliveryItem) error
		GetByID(ctx context.Context, id uuid.UUID) (*entity.Notification, error)
		List(ctx context.Context, f entity.NotificationFilter) ([]entity.Notification, int, error)
		// MarkRead возвращает только те уведомления, которые были прочитаны впервые.
		MarkRead(ctx context.Context, ids []uuid.UUID, at time.Time) ([]entity.ReadMark, error)
		MarkAllRead(ctx context.Context, userID uuid.UUID, at time.Time) ([]entity.ReadMark, error)
		// Cancel переводит уведомление в cancelled и удаляет его элементы в статусе queued.
		Cancel(ctx context.Context, id uuid.UUID, at time.Time) (int, error)
		TransitionStatus(ctx context.Context, id uuid.UUID, from []entity.Status, to entity.Status, at time.Time) (bool, error)
		Delete(ctx context.Context, ids []uuid.UUID) (int, error)
		// DeleteOlderThan удаляет завершённые уведомления и уведомления без каналов.
		DeleteOlderThan(ctx context.Context, before time.Time) (int, error)
		CountByTypeSince(ctx context.Context, orgID uuid.UUID, typ entity.NotificationType, since time.Time) (int, error)
	}

	// DeliveryQueue управляет элементами доставки. Изменяется только диспетчером.
	DeliveryQueue interface {
		// ClaimDue атомарно переводит пачку готовых элементов queued -> sending.
		ClaimDue(ctx context.Context, now time.Time, limit int) ([]entity.DeliveryItem, error)
		// Settle сохраняет итог попытки для элемента, который находится в sending.
		Settle(ctx context.Context, item *entity.DeliveryItem) error
		RequeueStale(ctx context.Context, olderThan time.Time) (int, error)
		ListByNotification(ctx context.Context, notificationID uuid.UUID) ([]entity.DeliveryItem, error)
		AppendLog(ctx context.Context, log *entity.DeliveryLog) error
		ListLogs(ctx context.Context, notificationID uuid.UUID) ([]entity.DeliveryLog, error)
	}

	TemplateRepository interface {
		Create(ctx context.Context, t *entity.Template) error
		Update(ctx context.Context, t *entity.Template) error
		GetByID(ctx context.Context, id uuid.UUID) (*entity.Template, error)
		// GetActiveByCode предпочитает шаблон организации системному.
		GetActiveByCode(ctx context.Context, orgID uuid.UUID, code string) (*entity.Template, error)
		List(ctx context.Context, f entity.TemplateFilter) ([]entity.Template, error)
	}

	RuleRepository interface {
		Create(ctx context.Context, r *entity.Rule) error
		Update(ctx context.Context, r *entity.Rule) error
		GetByID(ctx context.Context, id uuid.UUID) (*entity.Rule, error)
		List(ctx context.Context, orgID uuid.UUID) ([]entity.Rule, error)
		ListActive(ctx context.Context, orgID uuid.UUID, eventType string) ([]entity.Rule, error)
		Delete(ctx context.Context, id uuid.UUID) error
		RecordTrigger(ctx context.Context, id uuid.UUID, at time.Time) error
	}

	SettingsRepository interface {
		Get(ctx context.Context, userID uuid.UUID) (*entity.UserSettings, error)
		Upsert(ctx context.Context, s *entity.UserSettings) error
	}

	CampaignRepository interface {
		Create(ctx context.Context, c *entity.Campaign) error
		GetByID(ctx context.Context, id uuid.UUID) (*entity.Campaign, error)
		List(ctx context.Context, f entity.CampaignFilter) ([]entity.Campaign, int, error)
		// Transition меняет статус только если текущий входит в from, иначе ErrInvalidState.
		Transition(ctx context.Context, id uuid.UUID, from []entity.CampaignStatus, to entity.CampaignStatus, at time.Time) (*entity.Campaign, error)
		SetTotalRecipients(ctx context.Context, id uuid.UUID, total int) error
		IncrementCounters(ctx context.Context, id uuid.UUID, delta entity.CampaignCounters) error
		ListDue(ctx context.Context, now time.Time, limit int) ([]entity.Campaign, error)
	}

	DeviceRepository interface {
		// Upsert регистрирует устройство по уникальному токену и активирует его.
		Upsert(ctx context.Context, d *entity.Device) error
		Deactivate(ctx context.Context, kind entity.DeviceKind, token string, at time.Time) error
		ListActive(ctx context.Context, userID uuid.UUID) ([]entity.Device, error)
	}

	// ContactDirectory возвращает контакты пользователя платформы (email, телефон, telegram).
	ContactDirectory interface {
		Lookup(ctx context.Context, userID uuid.UUID) (*entity.Recipient, error)
	}

	// AudienceResolver раскрывает аудиторию кампании в список получателей.
	AudienceResolver interface {
		Estimate(ctx context.Context, orgID uuid.UUID, a entity.Audience) (int, error)
		Resolve(ctx context.Context, orgID uuid.UUID, a entity.Audience) ([]entity.Recipient, error)
	}

	// Sender доставляет сообщение через канал, указанный в Message.Channel.
	Sender interface {
		Send(ctx context.Context, msg entity.Message) (entity.SendResult, error)
	}

	Cache interface {
		Get(ctx context.Context, key string) (string, error)
		Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
		Del(ctx context.Context, keys ...string) error
	}

	// Locker выдаёт короткоживущие взаимоисключающие ключи (SET NX).
	Locker interface {
		TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
		Unlock(ctx context.Context, keys ...string) error
	}

	// Repositories собирает все хранилища, нужные сервисам.
	Repositories struct {
		Notifications NotificationRepository
		Queue         DeliveryQueue
		Templates     TemplateRepository
		Rules         RuleRepository
		Settings      SettingsRepository
		Campaigns     CampaignRepository
		Devices       DeviceRepository
		Contacts      ContactDirectory
		Audience      AudienceResolver
	}
)
