// Package events turns broker messages into rule-engine triggers. Transport
// specific consumers live in the amqp and kafka packages.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"notifydispatch/internal/entity"
	"notifydispatch/internal/metrics"
	"notifydispatch/internal/service"
	"notifydispatch/pkg/logger"
)

// Event is the envelope published by other services of the platform.
type Event struct {
	ID             string         `json:"id,omitempty"`
	OrganizationID uuid.UUID      `json:"organization_id"`
	EventType      string         `json:"event_type"`
	Data           map[string]any `json:"data"`
	OccurredAt     *time.Time     `json:"occurred_at,omitempty"`
}

type Trigger interface {
	TriggerByEvent(ctx context.Context, orgID uuid.UUID, eventType string, data map[string]any) (*service.TriggerReport, error)
}

type Handler struct {
	trigger Trigger
	source  string
	log     *zap.Logger
	metrics *metrics.Metrics
}

func NewHandler(trigger Trigger, source string, log *zap.Logger, m *metrics.Metrics) *Handler {
	return &Handler{trigger: trigger, source: source, log: log, metrics: m}
}

// Decode parses an envelope. fallbackType is used when the body carries no
// event_type, e.g. the AMQP routing key. Malformed input wraps ErrValidation.
func Decode(body []byte, fallbackType string) (Event, error) {
	var ev Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return Event{}, fmt.Errorf("decode event: %v: %w", err, entity.ErrValidation)
	}
	if ev.EventType == "" {
		ev.EventType = fallbackType
	}
	if ev.EventType == "" {
		return Event{}, fmt.Errorf("event_type is missing: %w", entity.ErrValidation)
	}
	if ev.OrganizationID == uuid.Nil {
		return Event{}, fmt.Errorf("organization_id is missing: %w", entity.ErrValidation)
	}
	return ev, nil
}

// Handle decodes and triggers one message. Errors wrapping ErrValidation mean
// the message will never succeed and must not be redelivered.
func (h *Handler) Handle(ctx context.Context, body []byte, fallbackType string) error {
	const op = "events.Handler.Handle"

	ev, err := Decode(body, fallbackType)
	if err != nil {
		h.metrics.EventConsumed(h.source, "rejected")
		logger.Ctx(ctx, h.log).Warn("event rejected", zap.String("op", op), zap.Error(err))
		return fmt.Errorf("%s: %w", op, err)
	}

	requestID := ev.ID
	if requestID == "" {
		requestID = logger.GenerateRequestID()
	}
	ctx = logger.SetRequestID(ctx, requestID)
	log := logger.Ctx(ctx, h.log).With(
		zap.String("op", op),
		zap.String("source", h.source),
		zap.String("event_type", ev.EventType),
		zap.String("organization_id", ev.OrganizationID.String()),
	)

	report, err := h.trigger.TriggerByEvent(ctx, ev.OrganizationID, ev.EventType, ev.Data)
	if err != nil {
		h.metrics.EventConsumed(h.source, "failed")
		log.Error("event processing failed", zap.Error(err))
		return fmt.Errorf("%s: %w", op, err)
	}

	h.metrics.EventConsumed(h.source, "ok")
	log.Info("event processed",
		zap.Int("evaluated", report.Evaluated),
		zap.Int("created", report.Created),
		zap.Int("suppressed", report.Suppressed),
		zap.Int("failed", report.Failed),
	)

	return nil
}
