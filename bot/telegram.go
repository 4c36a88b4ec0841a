package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"

	"github.com/web3guy0/sentinel/internal/retry"
)

// ═══════════════════════════════════════════════════════════════════════════════
// TELEGRAM NOTIFIER - Threaded signal alerts
// ═══════════════════════════════════════════════════════════════════════════════
//
// A thread is the announcement message itself: lifecycle updates are sent as
// replies to it. Thread handles are "chatID:messageID".
//
// ═══════════════════════════════════════════════════════════════════════════════

// Notification channels
const (
	ChannelSignals = "signals"
	ChannelAlerts  = "alerts"
)

// Notifier is the messaging collaborator
type Notifier interface {
	// Post starts a new thread on a channel and returns its handle
	Post(ctx context.Context, channel, msg string) (string, error)
	// PostToThread replies inside an existing thread
	PostToThread(ctx context.Context, thread, msg string) error
}

// ErrUnknownChannel is returned when no chat is configured for a channel
var ErrUnknownChannel = errors.New("notifier: unknown channel")

// sender is the slice of the bot API we use
type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramNotifier delivers notifications through a Telegram bot
type TelegramNotifier struct {
	api    sender
	chats  map[string]int64
	policy retry.Policy
}

// NewTelegramNotifier connects the bot and maps channels to chats
func NewTelegramNotifier(token string, signalChatID, alertChatID int64, policy retry.Policy) (*TelegramNotifier, error) {
	if token == "" {
		return nil, fmt.Errorf("TELEGRAM_BOT_TOKEN not set")
	}

	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}

	log.Info().Str("username", api.Self.UserName).Msg("🤖 Telegram notifier initialized")

	return newTelegramNotifier(api, signalChatID, alertChatID, policy), nil
}

func newTelegramNotifier(api sender, signalChatID, alertChatID int64, policy retry.Policy) *TelegramNotifier {
	if alertChatID == 0 {
		alertChatID = signalChatID
	}
	return &TelegramNotifier{
		api: api,
		chats: map[string]int64{
			ChannelSignals: signalChatID,
			ChannelAlerts:  alertChatID,
		},
		policy: policy,
	}
}

// Post sends once. A retried announcement could be delivered twice.
func (t *TelegramNotifier) Post(ctx context.Context, channel, text string) (string, error) {
	chatID, ok := t.chats[channel]
	if !ok || chatID == 0 {
		return "", fmt.Errorf("%w: %s", ErrUnknownChannel, channel)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdown

	sent, err := t.api.Send(msg)
	if err != nil {
		return "", fmt.Errorf("telegram post: %w", err)
	}
	return formatThread(chatID, sent.MessageID), nil
}

func (t *TelegramNotifier) PostToThread(ctx context.Context, thread, text string) error {
	chatID, messageID, err := parseThread(thread)
	if err != nil {
		return err
	}

	return retry.Do(ctx, t.policy, "telegram reply", func(ctx context.Context) error {
		msg := tgbotapi.NewMessage(chatID, text)
		msg.ParseMode = tgbotapi.ModeMarkdown
		msg.ReplyToMessageID = messageID

		if _, err := t.api.Send(msg); err != nil {
			return fmt.Errorf("telegram reply: %w", err)
		}
		return nil
	})
}

func formatThread(chatID int64, messageID int) string {
	return strconv.FormatInt(chatID, 10) + ":" + strconv.Itoa(messageID)
}

func parseThread(thread string) (int64, int, error) {
	chat, msg, ok := strings.Cut(thread, ":")
	if !ok {
		return 0, 0, fmt.Errorf("bad thread handle %q", thread)
	}
	chatID, err := strconv.ParseInt(chat, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("bad thread chat %q: %w", thread, err)
	}
	messageID, err := strconv.Atoi(msg)
	if err != nil {
		return 0, 0, fmt.Errorf("bad thread message %q: %w", thread, err)
	}
	return chatID, messageID, nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// LOG NOTIFIER - Staging runs without a bot token
// ═══════════════════════════════════════════════════════════════════════════════

type LogNotifier struct{}

func (LogNotifier) Post(_ context.Context, channel, text string) (string, error) {
	thread := "log:" + channel
	log.Info().Str("channel", channel).Msg("📨 " + firstLine(text))
	return thread, nil
}

func (LogNotifier) PostToThread(_ context.Context, thread, text string) error {
	log.Info().Str("thread", thread).Msg("↪️ " + firstLine(text))
	return nil
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}
