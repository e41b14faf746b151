package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"notifydispatch/internal/entity"
	"notifydispatch/pkg/logger"
)

// GetSettings возвращает настройки пользователя или значения по умолчанию
func (s *NotifyService) GetSettings(ctx context.Context, userID uuid.UUID) (*entity.UserSettings, error) {
	const op = "service.NotifyService.GetSettings"

	settings, err := s.repos.Settings.Get(ctx, userID)
	if errors.Is(err, entity.ErrNotFound) {
		settings = entity.DefaultUserSettings(userID)
		settings.Locale = s.defaultLocale
		return settings, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return settings, nil
}

func (s *NotifyService) UpdateSettings(ctx context.Context, settings entity.UserSettings) (*entity.UserSettings, error) {
	const op = "service.NotifyService.UpdateSettings"

	if settings.UserID == uuid.Nil {
		return nil, fmt.Errorf("%s: user_id is required: %w", op, entity.ErrValidation)
	}
	if err := validateSettings(&settings); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if settings.DigestFrequency == "" {
		settings.DigestFrequency = entity.DigestNone
	}
	settings.UpdatedAt = s.now()

	if err := s.repos.Settings.Upsert(ctx, &settings); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	logger.Ctx(ctx, s.log).Info("settings updated",
		zap.String("op", op),
		zap.String("user_id", settings.UserID.String()),
	)

	return &settings, nil
}

func validateSettings(s *entity.UserSettings) error {
	if s.QuietHoursEnabled {
		if _, err := time.Parse("15:04", s.QuietHoursStart); err != nil {
			return fmt.Errorf("quiet_hours_start must be HH:MM: %w", entity.ErrValidation)
		}
		if _, err := time.Parse("15:04", s.QuietHoursEnd); err != nil {
			return fmt.Errorf("quiet_hours_end must be HH:MM: %w", entity.ErrValidation)
		}
	}
	if s.Timezone != "" {
		if _, err := time.LoadLocation(s.Timezone); err != nil {
			return fmt.Errorf("unknown timezone %q: %w", s.Timezone, entity.ErrValidation)
		}
	}
	for _, t := range s.DisabledTypes {
		if !t.IsValid() {
			return fmt.Errorf("unknown type %q: %w", t, entity.ErrValidation)
		}
	}
	switch s.DigestFrequency {
	case "", entity.DigestNone, entity.DigestDaily, entity.DigestWeekly:
	default:
		return fmt.Errorf("unknown digest frequency %q: %w", s.DigestFrequency, entity.ErrValidation)
	}
	return nil
}

// SubscribePush регистрирует Web Push подписку браузера
func (s *NotifyService) SubscribePush(
	ctx context.Context,
	userID uuid.UUID,
	endpoint, p256dh, auth, userAgent string,
) (*entity.Device, error) {
	const op = "service.NotifyService.SubscribePush"

	if endpoint == "" || p256dh == "" || auth == "" {
		return nil, fmt.Errorf("%s: endpoint and keys are required: %w", op, entity.ErrValidation)
	}

	d, err := s.registerDevice(ctx, entity.Device{
		UserID:    userID,
		Kind:      entity.DeviceWebPush,
		Token:     endpoint,
		P256dh:    p256dh,
		Auth:      auth,
		Platform:  "web",
		UserAgent: userAgent,
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return d, nil
}

func (s *NotifyService) UnsubscribePush(ctx context.Context, endpoint string) error {
	const op = "service.NotifyService.UnsubscribePush"

	if err := s.repos.Devices.Deactivate(ctx, entity.DeviceWebPush, endpoint, s.now()); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

// RegisterFcm регистрирует FCM токен мобильного устройства
func (s *NotifyService) RegisterFcm(ctx context.Context, userID uuid.UUID, token, platform string) (*entity.Device, error) {
	const op = "service.NotifyService.RegisterFcm"

	if token == "" {
		return nil, fmt.Errorf("%s: token is required: %w", op, entity.ErrValidation)
	}

	d, err := s.registerDevice(ctx, entity.Device{
		UserID:   userID,
		Kind:     entity.DeviceFCM,
		Token:    token,
		Platform: platform,
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return d, nil
}

func (s *NotifyService) UnregisterFcm(ctx context.Context, token string) error {
	const op = "service.NotifyService.UnregisterFcm"

	if err := s.repos.Devices.Deactivate(ctx, entity.DeviceFCM, token, s.now()); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

func (s *NotifyService) registerDevice(ctx context.Context, d entity.Device) (*entity.Device, error) {
	if d.UserID == uuid.Nil {
		return nil, fmt.Errorf("user_id is required: %w", entity.ErrValidation)
	}

	now := s.now()
	d.ID = newID()
	d.IsActive = true
	d.LastUsedAt = &now
	d.CreatedAt = now
	d.UpdatedAt = now

	if err := s.repos.Devices.Upsert(ctx, &d); err != nil {
		return nil, err
	}

	return &d, nil
}
