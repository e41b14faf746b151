package sender

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/SherClockHolmes/webpush-go"
	"go.uber.org/zap"
	fcm "google.golang.org/api/fcm/v1"
	"google.golang.org/api/option"

	"notifydispatch/internal/entity"
)

const _webPushTTL = 24 * 60 * 60

type PushConfig struct {
	FCMProjectID       string
	FCMCredentialsFile string
	VAPIDPublicKey     string
	VAPIDPrivateKey    string
	VAPIDSubject       string
	Timeout            time.Duration
	// FCMOptions are appended after the credentials option.
	FCMOptions []option.ClientOption
}

// PushSender доставляет push через FCM HTTP v1 и Web Push (VAPID). Сообщение
// считается отправленным, если его принял хотя бы один девайс.
type PushSender struct {
	fcm       *fcm.Service
	projectID string
	vapid     *webpush.Options
	log       *zap.Logger
}

func NewPushSender(ctx context.Context, cfg PushConfig, log *zap.Logger) (*PushSender, error) {
	s := &PushSender{projectID: cfg.FCMProjectID, log: log}

	if cfg.FCMProjectID != "" {
		opts := make([]option.ClientOption, 0, len(cfg.FCMOptions)+1)
		if cfg.FCMCredentialsFile != "" {
			opts = append(opts, option.WithCredentialsFile(cfg.FCMCredentialsFile))
		}
		opts = append(opts, cfg.FCMOptions...)

		svc, err := fcm.NewService(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("create fcm client: %w", err)
		}
		s.fcm = svc
	}

	if cfg.VAPIDPublicKey != "" && cfg.VAPIDPrivateKey != "" {
		s.vapid = &webpush.Options{
			HTTPClient:      &http.Client{Timeout: cfg.Timeout},
			Subscriber:      cfg.VAPIDSubject,
			VAPIDPublicKey:  cfg.VAPIDPublicKey,
			VAPIDPrivateKey: cfg.VAPIDPrivateKey,
			TTL:             _webPushTTL,
		}
	}

	if s.fcm == nil && s.vapid == nil {
		return nil, fmt.Errorf("push: neither fcm nor vapid configured: %w", entity.ErrConfiguration)
	}

	log.Info("push sender initialized",
		zap.Bool("fcm", s.fcm != nil),
		zap.Bool("web_push", s.vapid != nil),
	)

	return s, nil
}

func (s *PushSender) Send(ctx context.Context, msg entity.Message) (entity.SendResult, error) {
	targets := make([]entity.Device, 0, len(msg.To)+len(msg.Devices))
	for _, token := range msg.To {
		targets = append(targets, entity.Device{Kind: entity.DeviceFCM, Token: token})
	}
	targets = append(targets, msg.Devices...)

	if len(targets) == 0 {
		return entity.SendResult{}, fmt.Errorf("push: no devices: %w", entity.ErrDeliveryFailure)
	}

	var (
		errs       []error
		sent       int
		externalID string
	)
	for _, d := range targets {
		id, err := s.sendOne(ctx, msg, d)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		sent++
		if externalID == "" {
			externalID = id
		}
	}

	if sent == 0 {
		return entity.SendResult{}, errors.Join(errs...)
	}
	if len(errs) > 0 {
		s.log.Warn("push partially delivered",
			zap.String("notification_id", msg.NotificationID.String()),
			zap.Int("sent", sent),
			zap.Error(errors.Join(errs...)),
		)
	}

	return entity.SendResult{
		ExternalID: externalID,
		Response:   fmt.Sprintf("delivered to %d of %d devices", sent, len(targets)),
	}, nil
}

func (s *PushSender) sendOne(ctx context.Context, msg entity.Message, d entity.Device) (string, error) {
	switch d.Kind {
	case entity.DeviceWebPush:
		return s.sendWebPush(ctx, msg, d)
	case entity.DeviceFCM, "":
		return s.sendFCM(ctx, msg, d.Token)
	}
	return "", fmt.Errorf("push: unknown device kind %q", d.Kind)
}

func (s *PushSender) sendFCM(ctx context.Context, msg entity.Message, token string) (string, error) {
	if s.fcm == nil {
		return "", fmt.Errorf("push: fcm is not configured: %w", entity.ErrConfiguration)
	}

	priority := "NORMAL"
	if msg.Priority == entity.PriorityHigh || msg.Priority == entity.PriorityUrgent {
		priority = "HIGH"
	}

	req := &fcm.SendMessageRequest{
		Message: &fcm.Message{
			Token: token,
			Notification: &fcm.Notification{
				Title: msg.Title,
				Body:  msg.Body,
				Image: msg.ImageURL,
			},
			Data:    pushData(msg),
			Android: &fcm.AndroidConfig{Priority: priority},
		},
	}

	resp, err := s.fcm.Projects.Messages.Send("projects/"+s.projectID, req).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("push: fcm send: %w", err)
	}

	return resp.Name, nil
}

type webPushPayload struct {
	NotificationID string            `json:"notification_id"`
	Title          string            `json:"title"`
	Body           string            `json:"body"`
	Image          string            `json:"image,omitempty"`
	URL            string            `json:"url,omitempty"`
	Data           map[string]string `json:"data,omitempty"`
}

func (s *PushSender) sendWebPush(ctx context.Context, msg entity.Message, d entity.Device) (string, error) {
	if s.vapid == nil {
		return "", fmt.Errorf("push: web push is not configured: %w", entity.ErrConfiguration)
	}

	payload, err := json.Marshal(webPushPayload{
		NotificationID: msg.NotificationID.String(),
		Title:          msg.Title,
		Body:           msg.Body,
		Image:          msg.ImageURL,
		URL:            msg.ActionURL,
		Data:           pushData(msg),
	})
	if err != nil {
		return "", fmt.Errorf("push: encode payload: %w", err)
	}

	opts := *s.vapid
	opts.Urgency = webpush.UrgencyNormal
	if msg.Priority == entity.PriorityHigh || msg.Priority == entity.PriorityUrgent {
		opts.Urgency = webpush.UrgencyHigh
	}

	resp, err := webpush.SendNotificationWithContext(ctx, payload, &webpush.Subscription{
		Endpoint: d.Token,
		Keys:     webpush.Keys{P256dh: d.P256dh, Auth: d.Auth},
	}, &opts)
	if err != nil {
		return "", fmt.Errorf("push: web push: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("push: web push endpoint returned %d", resp.StatusCode)
	}

	return resp.Header.Get("Location"), nil
}

// pushData flattens message data to the string map both push protocols expect.
func pushData(msg entity.Message) map[string]string {
	out := make(map[string]string, len(msg.Data)+3)
	for k, v := range msg.Data {
		out[k] = fmt.Sprint(v)
	}
	out["notification_id"] = msg.NotificationID.String()
	out["type"] = string(msg.Type)
	if msg.ActionURL != "" {
		out["action_url"] = msg.ActionURL
	}
	return out
}
