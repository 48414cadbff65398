package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"autobuy-bot/internal/models"
	"autobuy-bot/internal/monitor"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	log "github.com/sirupsen/logrus"
)

// Init connects to Telegram.
func Init(token string) (*tgbotapi.BotAPI, error) {
	if token == "" {
		return nil, fmt.Errorf("TELEGRAM_BOT_TOKEN is not set. Check your .env file")
	}

	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		if err.Error() == "Unauthorized" {
			return nil, fmt.Errorf("telegram token is invalid or expired. Ask @BotFather for a new TELEGRAM_BOT_TOKEN")
		}
		return nil, fmt.Errorf("failed to connect to Telegram: %w", err)
	}

	api.Debug = false
	log.WithField("username", api.Self.UserName).Info("Telegram bot authorized")
	return api, nil
}

// API is the part of tgbotapi.BotAPI the bot uses.
type API interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

// ProductService is what the commands operate on.
type ProductService interface {
	AddProduct(ctx context.Context, req monitor.AddProductRequest) (*models.MonitoredProduct, error)
	ListProducts() ([]models.MonitoredProduct, error)
	GetProduct(id string) (*models.MonitoredProduct, error)
	RemoveProduct(id string) error
	ToggleProduct(id string) (*models.MonitoredProduct, error)
	CheckNow(ctx context.Context, id string) (*models.MonitoredProduct, monitor.CheckResult, error)
	GetSettings() (models.Settings, error)
	UpdateSettings(u monitor.SettingsUpdate) (models.Settings, error)
	Pause()
	Resume() error
	Paused() bool
}

// Bot answers chat commands.
type Bot struct {
	api              API
	svc              ProductService
	authorizedChatID int64
}

// New creates a Bot. authorizedChatID 0 accepts commands from any chat.
func New(api API, svc ProductService, authorizedChatID int64) *Bot {
	return &Bot{api: api, svc: svc, authorizedChatID: authorizedChatID}
}

// Run handles updates until ctx is done or the channel closes.
func (b *Bot) Run(ctx context.Context, updates tgbotapi.UpdatesChannel) {
	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			if update.Message != nil {
				b.HandleMessage(ctx, update.Message)
			}
		}
	}
}

// HandleMessage dispatches one chat message.
func (b *Bot) HandleMessage(ctx context.Context, message *tgbotapi.Message) {
	parts := strings.Fields(message.Text)
	if len(parts) == 0 {
		return
	}

	command := strings.ToLower(parts[0])
	// strip @botname
	if idx := strings.Index(command, "@"); idx > 0 {
		command = command[:idx]
	}
	args := parts[1:]
	chatID := message.Chat.ID

	isPublicCommand := command == "/start" || command == "/help"
	if !isPublicCommand && b.authorizedChatID != 0 && chatID != b.authorizedChatID {
		b.reply(chatID, "You are not authorized to use this bot.")
		return
	}

	switch command {
	case "/start", "/help":
		b.handleHelp(chatID)
	case "/add":
		b.handleAddProduct(ctx, chatID, args)
	case "/list":
		b.handleListProducts(chatID)
	case "/remove":
		b.handleRemoveProduct(chatID, args)
	case "/toggle":
		b.handleToggleProduct(chatID, args)
	case "/check":
		b.handleCheckProduct(ctx, chatID, args)
	case "/settings":
		b.handleSettings(chatID, message.MessageID, args)
	case "/pause":
		b.svc.Pause()
		b.reply(chatID, "⏸ Monitoring paused. Use /resume to continue.")
	case "/resume":
		if err := b.svc.Resume(); err != nil {
			b.reply(chatID, "❌ Failed to resume monitoring: "+err.Error())
			return
		}
		b.reply(chatID, "▶️ Monitoring resumed.")
	default:
		b.reply(chatID, "Unknown command. Use /help to see the available commands.")
	}
}

// reply sends plain text.
func (b *Bot) reply(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := b.api.Send(msg); err != nil {
		log.WithError(err).Error("Failed to send message")
	}
}

// replyHTML sends HTML and falls back to plain text if Telegram rejects the markup.
func (b *Bot) replyHTML(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	msg.DisableWebPagePreview = true
	if _, err := b.api.Send(msg); err != nil {
		log.WithError(err).Warn("Failed to send HTML message, retrying as plain text")
		msg.ParseMode = ""
		if _, err := b.api.Send(msg); err != nil {
			log.WithError(err).Error("Failed to send message")
		}
	}
}

// errorText turns service errors into something a user can act on.
func errorText(err error) string {
	var verr *models.ValidationError
	var limit *models.ResourceLimitError
	switch {
	case errors.As(err, &verr):
		return "❌ " + capitalize(verr.Error()) + "."
	case errors.As(err, &limit):
		return fmt.Sprintf("❌ You can monitor at most %d products. Remove one first.", limit.Limit)
	case errors.Is(err, models.ErrProductNotFound):
		return "❌ Product not found."
	}
	return "❌ " + err.Error()
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
