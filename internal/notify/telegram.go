package notify

import (
	"context"
	"errors"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
)

// SendError is a delivery failure reported by the chat service.
type SendError struct {
	Code       int
	Message    string
	RetryAfter int // seconds, set on 429
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send error %d: %s", e.Code, e.Message)
}

// IsSendError checks if the error is a SendError.
func IsSendError(err error) (*SendError, bool) {
	var sendErr *SendError
	if errors.As(err, &sendErr) {
		return sendErr, true
	}
	return nil, false
}

type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramSender sends through the Telegram Bot API.
type TelegramSender struct {
	bot botAPI
}

// NewTelegramSender connects a bot with token.
func NewTelegramSender(token string) (*TelegramSender, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}
	return &TelegramSender{bot: bot}, nil
}

func (s *TelegramSender) SendText(_ context.Context, chatID int64, text string) error {
	_, err := s.bot.Send(tgbotapi.NewMessage(chatID, text))
	return translate(err)
}

func (s *TelegramSender) SendDocument(_ context.Context, chatID int64, filename string, data []byte, caption string) error {
	doc := tgbotapi.NewDocument(chatID, tgbotapi.FileBytes{Name: filename, Bytes: data})
	doc.Caption = caption
	_, err := s.bot.Send(doc)
	return translate(err)
}

func translate(err error) error {
	if err == nil {
		return nil
	}
	var tgErr *tgbotapi.Error
	if errors.As(err, &tgErr) {
		return &SendError{Code: tgErr.Code, Message: tgErr.Message, RetryAfter: tgErr.RetryAfter}
	}
	return err
}

// LogSender writes messages to the log instead of a chat.
type LogSender struct {
	logger zerolog.Logger
}

func NewLogSender(logger *zerolog.Logger) *LogSender {
	return &LogSender{logger: logger.With().Str("component", "notify.log").Logger()}
}

func (s *LogSender) SendText(_ context.Context, chatID int64, text string) error {
	s.logger.Info().Int64("chat_id", chatID).Str("text", text).Msg("notification")
	return nil
}

func (s *LogSender) SendDocument(_ context.Context, chatID int64, filename string, data []byte, caption string) error {
	s.logger.Info().Int64("chat_id", chatID).Str("filename", filename).Int("bytes", len(data)).Str("caption", caption).Msg("document")
	return nil
}
