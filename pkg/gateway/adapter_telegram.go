package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/chatmesh/chatmesh/pkg/errkind"
	"github.com/chatmesh/chatmesh/pkg/models"
)

// TelegramAdapter sends replies through the Bot API. Bot clients are cached
// per token because constructing one validates the token with a getMe call.
type TelegramAdapter struct {
	client *http.Client
	logger *slog.Logger

	mu   sync.Mutex
	bots map[string]*tgbotapi.BotAPI
}

// NewTelegramAdapter creates a TelegramAdapter.
func NewTelegramAdapter(client *http.Client, logger *slog.Logger) *TelegramAdapter {
	return &TelegramAdapter{
		client: client,
		logger: logger,
		bots:   make(map[string]*tgbotapi.BotAPI),
	}
}

func (a *TelegramAdapter) bot(token string) (*tgbotapi.BotAPI, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if bot, ok := a.bots[token]; ok {
		return bot, nil
	}
	bot, err := tgbotapi.NewBotAPIWithClient(token, tgbotapi.APIEndpoint, a.client)
	if err != nil {
		return nil, errkind.Newf(errkind.Transient, "failed to initialize telegram bot: %v", err)
	}
	a.bots[token] = bot
	return bot, nil
}

// Send delivers the reply to the chat identified by the external sender ID.
func (a *TelegramAdapter) Send(ctx context.Context, channel *models.Channel, delivery *models.OutboundDelivery) error {
	token, err := credentialString(channel, "bot_token")
	if err != nil {
		return errkind.New(errkind.Permanent, err)
	}
	chatID, err := strconv.ParseInt(delivery.ExternalSenderID, 10, 64)
	if err != nil {
		return errkind.Newf(errkind.Permanent, "invalid telegram chat id %q", delivery.ExternalSenderID)
	}

	bot, err := a.bot(token)
	if err != nil {
		return err
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := bot.Send(tgbotapi.NewMessage(chatID, delivery.Content)); err != nil {
		// The Bot API reports rate limiting and server trouble through the
		// same error path; treat every send failure as retryable and let the
		// attempt budget cap it.
		return errkind.Newf(errkind.Transient, "telegram send failed: %v", err)
	}
	return nil
}
