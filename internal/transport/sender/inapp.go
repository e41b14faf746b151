package sender

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"notifydispatch/internal/entity"
)

// Publisher pushes a realtime frame to every open connection of a user and
// reports how many connections took it.
type Publisher interface {
	SendToUser(userID string, payload []byte) int
}

// InAppEvent is the frame sent to connected clients.
type InAppEvent struct {
	Event          string                  `json:"event"`
	NotificationID string                  `json:"notification_id"`
	Type           entity.NotificationType `json:"type"`
	Priority       entity.Priority         `json:"priority"`
	Title          string                  `json:"title"`
	Body           string                  `json:"body"`
	ImageURL       string                  `json:"image_url,omitempty"`
	ActionURL      string                  `json:"action_url,omitempty"`
	Data           map[string]any          `json:"data,omitempty"`
	CreatedAt      time.Time               `json:"created_at"`
}

// InAppSender кладёт уведомление во входящие пользователя. Запись в хранилище
// уже есть, поэтому доставка считается состоявшейся даже без открытого сокета.
type InAppSender struct {
	pub Publisher
	now func() time.Time
	log *zap.Logger
}

func NewInAppSender(pub Publisher, log *zap.Logger) *InAppSender {
	return &InAppSender{pub: pub, now: time.Now, log: log}
}

func (s *InAppSender) Send(_ context.Context, msg entity.Message) (entity.SendResult, error) {
	if len(msg.To) == 0 {
		return entity.SendResult{}, fmt.Errorf("in_app: no user: %w", entity.ErrDeliveryFailure)
	}

	frame, err := json.Marshal(InAppEvent{
		Event:          "notification",
		NotificationID: msg.NotificationID.String(),
		Type:           msg.Type,
		Priority:       msg.Priority,
		Title:          msg.Title,
		Body:           msg.Body,
		ImageURL:       msg.ImageURL,
		ActionURL:      msg.ActionURL,
		Data:           msg.Data,
		CreatedAt:      s.now().UTC(),
	})
	if err != nil {
		return entity.SendResult{}, fmt.Errorf("in_app: encode frame: %w", err)
	}

	connections := 0
	if s.pub != nil {
		connections = s.pub.SendToUser(msg.To[0], frame)
	}

	s.log.Debug("in-app notification published",
		zap.String("user_id", msg.To[0]),
		zap.Int("connections", connections),
	)

	return entity.SendResult{
		Response:  fmt.Sprintf("inbox stored, %d live connection(s)", connections),
		Delivered: true,
	}, nil
}
