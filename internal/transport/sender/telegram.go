package sender

import (
	"context"
	"fmt"
	"html"
	"net/http"
	"strconv"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"notifydispatch/internal/entity"
)

const _defaultTelegramTimeout = 10 * time.Second

type botClient interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

type TelegramSender struct {
	bot botClient
	log *zap.Logger
}

// NewTelegramSender создает отправителя с HTTP-клиентом, ограниченным timeout:
// библиотека бота не принимает контекст, поэтому зависший запрос прерывает только клиент.
func NewTelegramSender(botToken string, timeout time.Duration, log *zap.Logger) (*TelegramSender, error) {
	return newTelegramSender(botToken, tgbotapi.APIEndpoint, timeout, log)
}

func newTelegramSender(botToken, endpoint string, timeout time.Duration, log *zap.Logger) (*TelegramSender, error) {
	if timeout <= 0 {
		timeout = _defaultTelegramTimeout
	}

	bot, err := tgbotapi.NewBotAPIWithClient(botToken, endpoint, &http.Client{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}

	log.Info("telegram sender initialized", zap.String("bot_username", bot.Self.UserName))

	return &TelegramSender{bot: bot, log: log}, nil
}

func (s *TelegramSender) Send(ctx context.Context, msg entity.Message) (entity.SendResult, error) {
	if len(msg.To) == 0 {
		return entity.SendResult{}, fmt.Errorf("telegram: no chat id: %w", entity.ErrDeliveryFailure)
	}

	chatID, err := strconv.ParseInt(msg.To[0], 10, 64)
	if err != nil {
		return entity.SendResult{}, fmt.Errorf("invalid telegram chat_id %q: %w", msg.To[0], entity.ErrDeliveryFailure)
	}
	if err = ctx.Err(); err != nil {
		return entity.SendResult{}, err
	}

	out := tgbotapi.NewMessage(chatID, telegramText(msg))
	out.ParseMode = tgbotapi.ModeHTML
	if msg.ActionURL != "" {
		out.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(
			tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonURL("Открыть", msg.ActionURL)),
		)
	}

	sent, err := s.bot.Send(out)
	if err != nil {
		return entity.SendResult{}, fmt.Errorf("failed to send telegram message: %w", err)
	}

	s.log.Debug("telegram message sent",
		zap.Int64("chat_id", chatID),
		zap.String("notification_id", msg.NotificationID.String()),
	)

	return entity.SendResult{ExternalID: strconv.Itoa(sent.MessageID)}, nil
}

func telegramText(msg entity.Message) string {
	if msg.Title == "" {
		return html.EscapeString(msg.Body)
	}
	return "<b>" + html.EscapeString(msg.Title) + "</b>\n\n" + html.EscapeString(msg.Body)
}
