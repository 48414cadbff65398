// Package notify turns monitor events into log lines and Telegram messages.
package notify

import (
	"fmt"
	"html"
	"strings"

	"autobuy-bot/internal/events"
	"autobuy-bot/internal/models"
	"autobuy-bot/internal/trigger"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	log "github.com/sirupsen/logrus"
)

// Sender is the part of tgbotapi.BotAPI used here.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// LogSink logs every event.
func LogSink() events.Handlers {
	return events.Handlers{
		OnPurchaseSuccess: func(e events.PurchaseSuccess) {
			log.WithFields(log.Fields{"product_id": e.Product.ID, "price": e.FinalPrice}).Info("Purchase succeeded")
		},
		OnPurchaseFailed: func(e events.PurchaseFailed) {
			log.WithFields(log.Fields{"product_id": e.Product.ID, "error": e.Err}).Error("Purchase failed")
		},
		OnMonitorError: func(e events.MonitorError) {
			log.WithFields(log.Fields{"product_id": e.Product.ID, "error": e.Err}).Error("Monitoring stopped")
		},
		OnTargetPriceReached: func(e events.TargetPriceReached) {
			log.WithFields(log.Fields{"product_id": e.Product.ID, "price": e.Price}).Info("Target price reached")
		},
		OnStartMonitoring: func(e events.StartMonitoring) {
			log.WithField("product_id", e.ProductID).Debug("Start monitoring")
		},
		OnStopMonitoring: func(e events.StopMonitoring) {
			log.WithField("product_id", e.ProductID).Debug("Stop monitoring")
		},
	}
}

// TelegramSink reports purchases, failures and triggers to chatID. Start/stop events are not sent.
func TelegramSink(bot Sender, chatID int64) events.Handlers {
	send := func(text string) {
		msg := tgbotapi.NewMessage(chatID, text)
		msg.ParseMode = tgbotapi.ModeHTML
		msg.DisableWebPagePreview = true
		if _, err := bot.Send(msg); err != nil {
			log.WithError(err).Error("Failed to send Telegram notification")
		}
	}

	return events.Handlers{
		OnPurchaseSuccess: func(e events.PurchaseSuccess) {
			send(fmt.Sprintf("✅ <b>Purchase completed</b>\n\n%s\nPrice: %s", productLine(e.Product), FormatPrice(e.FinalPrice)))
		},
		OnPurchaseFailed: func(e events.PurchaseFailed) {
			send(fmt.Sprintf("❌ <b>Purchase failed</b>\n\n%s\nError: %s\n\nMonitoring continues.",
				productLine(e.Product), html.EscapeString(e.Err.Error())))
		},
		OnMonitorError: func(e events.MonitorError) {
			send(fmt.Sprintf("⚠️ <b>Monitoring stopped</b>\n\n%s\nError: %s\n\nUse /remove and /add the product again to retry.",
				productLine(e.Product), html.EscapeString(e.Err.Error())))
		},
		OnTargetPriceReached: func(e events.TargetPriceReached) {
			price := FormatPrice(e.Price)
			if e.Product.MonitorType == models.MonitorFlash && e.Product.OriginalPrice > 0 {
				price += fmt.Sprintf(" (-%.1f%% from %s)", trigger.DropPercent(e.Product.OriginalPrice, e.Price), FormatPrice(e.Product.OriginalPrice))
			}
			send(fmt.Sprintf("🎯 <b>Target reached</b>\n\n%s\nPrice: %s\nBuying now...", productLine(e.Product), price))
		},
	}
}

// productLine renders the product name (or URL) with its id.
func productLine(p models.MonitoredProduct) string {
	name := p.Name
	if name == "" {
		name = p.URL
	}
	return fmt.Sprintf("📦 %s\n🆔 <code>%s</code>", html.EscapeString(name), p.ID)
}

// FormatPrice writes a price with thousands separators and cents only when present, e.g. 1.250.000 or 12,50.
func FormatPrice(v float64) string {
	s := fmt.Sprintf("%.2f", v)
	whole, cents, _ := strings.Cut(s, ".")

	neg := strings.HasPrefix(whole, "-")
	whole = strings.TrimPrefix(whole, "-")

	var b strings.Builder
	for i, r := range whole {
		if i > 0 && (len(whole)-i)%3 == 0 {
			b.WriteByte('.')
		}
		b.WriteRune(r)
	}
	out := b.String()
	if cents != "00" {
		out += "," + cents
	}
	if neg {
		out = "-" + out
	}
	return "Rp" + out
}
