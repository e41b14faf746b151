package sender

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"notifydispatch/internal/entity"
)

const (
	SignatureHeader       = "X-Webhook-Signature"
	_notificationIDHeader = "X-Notification-ID"
	_webhookMaxResponse   = 4 << 10
)

// WebhookPayload is the JSON body posted to subscriber endpoints.
type WebhookPayload struct {
	NotificationID string                  `json:"notification_id"`
	Type           entity.NotificationType `json:"type"`
	Priority       entity.Priority         `json:"priority"`
	Title          string                  `json:"title"`
	Body           string                  `json:"body"`
	ImageURL       string                  `json:"image_url,omitempty"`
	ActionURL      string                  `json:"action_url,omitempty"`
	Data           map[string]any          `json:"data,omitempty"`
	SentAt         time.Time               `json:"sent_at"`
}

// WebhookSender подписывает тело запроса HMAC-SHA256 секретом конкретного
// адреса или общим секретом, если для адреса он не задан.
type WebhookSender struct {
	client        *http.Client
	secrets       map[string]string
	defaultSecret string
	now           func() time.Time
	log           *zap.Logger
}

func NewWebhookSender(defaultSecret string, secrets map[string]string, timeout time.Duration, log *zap.Logger) *WebhookSender {
	return &WebhookSender{
		client:        &http.Client{Timeout: timeout},
		secrets:       secrets,
		defaultSecret: defaultSecret,
		now:           time.Now,
		log:           log,
	}
}

func (s *WebhookSender) Send(ctx context.Context, msg entity.Message) (entity.SendResult, error) {
	if len(msg.To) == 0 {
		return entity.SendResult{}, fmt.Errorf("webhook: no endpoint: %w", entity.ErrDeliveryFailure)
	}
	endpoint := msg.To[0]

	body, err := json.Marshal(WebhookPayload{
		NotificationID: msg.NotificationID.String(),
		Type:           msg.Type,
		Priority:       msg.Priority,
		Title:          msg.Title,
		Body:           msg.Body,
		ImageURL:       msg.ImageURL,
		ActionURL:      msg.ActionURL,
		Data:           msg.Data,
		SentAt:         s.now().UTC(),
	})
	if err != nil {
		return entity.SendResult{}, fmt.Errorf("webhook: encode payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return entity.SendResult{}, fmt.Errorf("webhook: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(_notificationIDHeader, msg.NotificationID.String())
	if secret := s.secretFor(endpoint); secret != "" {
		req.Header.Set(SignatureHeader, Sign(secret, body))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return entity.SendResult{}, fmt.Errorf("webhook: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, _webhookMaxResponse))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return entity.SendResult{}, fmt.Errorf("webhook: endpoint returned %d", resp.StatusCode)
	}

	s.log.Debug("webhook delivered",
		zap.String("endpoint", endpoint),
		zap.String("notification_id", msg.NotificationID.String()),
	)

	return entity.SendResult{Response: fmt.Sprintf("%d %s", resp.StatusCode, raw)}, nil
}

func (s *WebhookSender) secretFor(endpoint string) string {
	if secret, ok := s.secrets[endpoint]; ok {
		return secret
	}
	return s.defaultSecret
}

// Sign returns the hex HMAC-SHA256 of body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature compares in constant time.
func VerifySignature(secret string, body []byte, signature string) bool {
	expected, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), expected)
}
