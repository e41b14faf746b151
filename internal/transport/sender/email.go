package sender

import (
	"context"
	"fmt"
	"html"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/gomail.v2"

	"notifydispatch/internal/entity"
)

type mailDialer interface {
	DialAndSend(m ...*gomail.Message) error
}

// EmailSender отправляет уведомления через SMTP.
type EmailSender struct {
	dialer mailDialer
	from   string
	log    *zap.Logger
}

func NewEmailSender(smtpHost string, smtpPort int, username, password, from string, log *zap.Logger) *EmailSender {
	log.Info("email sender initialized",
		zap.String("smtp_host", smtpHost),
		zap.Int("smtp_port", smtpPort),
		zap.String("from", from),
	)

	return &EmailSender{
		dialer: gomail.NewDialer(smtpHost, smtpPort, username, password),
		from:   from,
		log:    log,
	}
}

func (s *EmailSender) Send(ctx context.Context, msg entity.Message) (entity.SendResult, error) {
	if len(msg.To) == 0 {
		return entity.SendResult{}, fmt.Errorf("email: no recipients: %w", entity.ErrDeliveryFailure)
	}
	if err := ctx.Err(); err != nil {
		return entity.SendResult{}, err
	}

	email := gomail.NewMessage()
	email.SetHeader("From", s.from)
	email.SetHeader("To", msg.To...)
	email.SetHeader("Subject", msg.Title)
	email.SetHeader("X-Notification-ID", msg.NotificationID.String())
	email.SetBody("text/plain", plainBody(msg))
	email.AddAlternative("text/html", htmlBody(msg))

	if err := s.dialer.DialAndSend(email); err != nil {
		return entity.SendResult{}, fmt.Errorf("send email: %w", err)
	}

	s.log.Debug("email sent",
		zap.Strings("to", msg.To),
		zap.String("notification_id", msg.NotificationID.String()),
	)

	return entity.SendResult{Response: fmt.Sprintf("accepted for %d recipient(s)", len(msg.To))}, nil
}

func plainBody(msg entity.Message) string {
	if msg.ActionURL == "" {
		return msg.Body
	}
	return msg.Body + "\n\n" + msg.ActionURL
}

func htmlBody(msg entity.Message) string {
	var b strings.Builder
	b.WriteString("<h3>")
	b.WriteString(html.EscapeString(msg.Title))
	b.WriteString("</h3><p>")
	b.WriteString(strings.ReplaceAll(html.EscapeString(msg.Body), "\n", "<br>"))
	b.WriteString("</p>")
	if msg.ImageURL != "" {
		fmt.Fprintf(&b, `<p><img src="%s" alt=""></p>`, html.EscapeString(msg.ImageURL))
	}
	if msg.ActionURL != "" {
		fmt.Fprintf(&b, `<p><a href="%s">Открыть</a></p>`, html.EscapeString(msg.ActionURL))
	}
	return b.String()
}
