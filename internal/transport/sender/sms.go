package sender

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"notifydispatch/internal/entity"
)

const _smsMaxResponse = 4 << 10

// SMSSender отправляет SMS через HTTP-шлюз провайдера: форма POST с basic auth.
type SMSSender struct {
	client   *http.Client
	endpoint string
	login    string
	password string
	from     string
	log      *zap.Logger
}

func NewSMSSender(endpoint, login, password, from string, timeout time.Duration, log *zap.Logger) *SMSSender {
	log.Info("sms sender initialized", zap.String("endpoint", endpoint), zap.String("from", from))

	return &SMSSender{
		client:   &http.Client{Timeout: timeout},
		endpoint: endpoint,
		login:    login,
		password: password,
		from:     from,
		log:      log,
	}
}

type smsResponse struct {
	ID        string `json:"id"`
	MessageID string `json:"message_id"`
	Status    string `json:"status"`
}

func (s *SMSSender) Send(ctx context.Context, msg entity.Message) (entity.SendResult, error) {
	if len(msg.To) == 0 {
		return entity.SendResult{}, fmt.Errorf("sms: no phone number: %w", entity.ErrDeliveryFailure)
	}

	form := url.Values{}
	form.Set("to", msg.To[0])
	form.Set("from", s.from)
	form.Set("text", smsText(msg))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return entity.SendResult{}, fmt.Errorf("sms: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if s.login != "" {
		req.SetBasicAuth(s.login, s.password)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return entity.SendResult{}, fmt.Errorf("sms: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, _smsMaxResponse))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return entity.SendResult{}, fmt.Errorf("sms: gateway returned %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	result := entity.SendResult{Response: string(raw)}
	var parsed smsResponse
	if json.Unmarshal(raw, &parsed) == nil {
		result.ExternalID = parsed.ID
		if result.ExternalID == "" {
			result.ExternalID = parsed.MessageID
		}
	}

	s.log.Debug("sms sent",
		zap.String("notification_id", msg.NotificationID.String()),
		zap.String("external_id", result.ExternalID),
	)

	return result, nil
}

func smsText(msg entity.Message) string {
	if msg.Title == "" || strings.HasPrefix(msg.Body, msg.Title) {
		return msg.Body
	}
	return msg.Title + ". " + msg.Body
}
