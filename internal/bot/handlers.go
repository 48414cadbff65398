package bot

import (
	"context"
	"fmt"
	"html"
	"strconv"
	"strings"

	"autobuy-bot/internal/models"
	"autobuy-bot/internal/monitor"
	"autobuy-bot/internal/notify"
	"autobuy-bot/internal/scraper"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	log "github.com/sirupsen/logrus"
)

const helpText = `🤖 <b>Shopee Auto-Buy Bot</b>

<b>/add</b> &lt;URL&gt; &lt;strict|below|flash&gt; &lt;price&gt; [name]
  strict: buy at exactly this price
  below: buy at or under this price
  flash: price is the original price; buy on a big drop during a flash sale
Example: /add https://shopee.co.id/product-i.1.2 below 450000

<b>/list</b> - List monitored products
<b>/remove</b> &lt;id&gt; - Stop monitoring and delete a product
<b>/toggle</b> &lt;id&gt; - Pause or resume a single product
<b>/check</b> &lt;id&gt; - Check a price now
<b>/settings</b> [spaylater on|off] [months 1|3|6|12] [pin NNNNNN]
<b>/pause</b> / <b>/resume</b> - Pause or resume all monitoring
<b>/help</b> - Show this message`

func (b *Bot) handleHelp(chatID int64) {
	b.replyHTML(chatID, helpText)
}

func (b *Bot) handleAddProduct(ctx context.Context, chatID int64, args []string) {
	if len(args) < 3 {
		b.reply(chatID, "❌ Wrong format.\n\nUsage: /add <URL> <strict|below|flash> <price> [name]\n\nExample: /add https://shopee.co.id/product-i.1.2 below 450000")
		return
	}

	price, err := scraper.ParsePrice(args[2])
	if err != nil {
		b.reply(chatID, "❌ Invalid price. Use a positive number.")
		return
	}

	p, err := b.svc.AddProduct(ctx, monitor.AddProductRequest{
		URL:         args[0],
		MonitorType: models.MonitorType(strings.ToLower(args[1])),
		Price:       price,
		Name:        strings.Join(args[3:], " "),
	})
	if err != nil {
		b.reply(chatID, errorText(err))
		return
	}

	b.replyHTML(chatID, fmt.Sprintf("✅ <b>Product added</b>\n\n%s\nMode: %s\nPrice: %s",
		productHeader(*p), p.MonitorType, notify.FormatPrice(p.ThresholdPrice())))
}

func (b *Bot) handleListProducts(chatID int64) {
	products, err := b.svc.ListProducts()
	if err != nil {
		b.reply(chatID, "❌ Failed to list products: "+err.Error())
		return
	}

	if len(products) == 0 {
		b.reply(chatID, "📋 No products are being monitored.")
		return
	}

	var response strings.Builder
	response.WriteString("📋 <b>Monitored products:</b>\n")
	if b.svc.Paused() {
		response.WriteString("⏸ <i>Monitoring is paused</i>\n")
	}
	response.WriteString("\n")

	for _, p := range products {
		response.WriteString(productHeader(p))
		response.WriteString("\n")
		response.WriteString(fmt.Sprintf("📌 %s · %s\n", statusLabel(p.Status), modeLine(p)))

		if p.CurrentPrice != nil {
			response.WriteString(fmt.Sprintf("💰 <b>Current: %s</b>\n", notify.FormatPrice(*p.CurrentPrice)))
		} else {
			response.WriteString("💰 <b>Current: not checked yet</b>\n")
		}

		if p.FlashSaleInfo != nil && p.FlashSaleInfo.IsFlashSale && p.FlashSaleInfo.StartTime != nil {
			response.WriteString(fmt.Sprintf("⚡ Flash sale from %s\n", p.FlashSaleInfo.StartTime.Local().Format("02/01/2006 15:04:05")))
		}

		if !p.LastChecked.IsZero() {
			response.WriteString(fmt.Sprintf("🕐 Last check: %s\n", p.LastChecked.Local().Format("02/01/2006 15:04:05")))
		} else {
			response.WriteString("🕐 Last check: never\n")
		}
		response.WriteString(fmt.Sprintf("🔗 %s\n\n", html.EscapeString(p.URL)))
	}

	b.replyHTML(chatID, response.String())
}

func (b *Bot) handleRemoveProduct(chatID int64, args []string) {
	if len(args) < 1 {
		b.reply(chatID, "❌ Wrong format.\n\nUsage: /remove <id>")
		return
	}

	p, err := b.svc.GetProduct(args[0])
	if err != nil {
		b.reply(chatID, errorText(err))
		return
	}
	if err := b.svc.RemoveProduct(p.ID); err != nil {
		b.reply(chatID, errorText(err))
		return
	}
	b.replyHTML(chatID, "🗑 Removed\n\n"+productHeader(*p))
}

func (b *Bot) handleToggleProduct(chatID int64, args []string) {
	if len(args) < 1 {
		b.reply(chatID, "❌ Wrong format.\n\nUsage: /toggle <id>")
		return
	}

	p, err := b.svc.ToggleProduct(args[0])
	if err != nil {
		b.reply(chatID, errorText(err))
		return
	}
	b.replyHTML(chatID, fmt.Sprintf("%s\n\nNow %s.", productHeader(*p), statusLabel(p.Status)))
}

func (b *Bot) handleCheckProduct(ctx context.Context, chatID int64, args []string) {
	if len(args) < 1 {
		b.reply(chatID, "❌ Wrong format.\n\nUsage: /check <id>")
		return
	}

	before, err := b.svc.GetProduct(args[0])
	if err != nil {
		b.reply(chatID, errorText(err))
		return
	}

	// "checking" message, edited with the result
	sentMessageID := 0
	if sent, err := b.api.Send(tgbotapi.NewMessage(chatID, "⏳ Checking price...")); err == nil {
		sentMessageID = sent.MessageID
	}

	var response string
	after, res, err := b.svc.CheckNow(ctx, before.ID)
	switch {
	case err != nil:
		response = "❌ Price check failed: " + html.EscapeString(err.Error())
	case res.Skipped:
		response = fmt.Sprintf("%s\n\nNot checked: product is %s.", productHeader(*before), res.SkipReason)
	default:
		response = fmt.Sprintf("📊 %s\n\nCurrent: %s", productHeader(*after), notify.FormatPrice(res.Price))
		if before.CurrentPrice != nil {
			response += "\nPrevious: " + notify.FormatPrice(*before.CurrentPrice)
		}
		response += "\n" + modeLine(*after)
		if res.Triggered {
			response += "\n\n🎯 <b>Target reached, buying now!</b>"
		}
	}

	if sentMessageID != 0 {
		edit := tgbotapi.NewEditMessageText(chatID, sentMessageID, response)
		edit.ParseMode = tgbotapi.ModeHTML
		if _, err = b.api.Send(edit); err == nil {
			return
		}
		log.WithError(err).Warn("Failed to edit message, sending a new one")
	}
	b.replyHTML(chatID, response)
}

func (b *Bot) handleSettings(chatID int64, messageID int, args []string) {
	if len(args) == 0 {
		s, err := b.svc.GetSettings()
		if err != nil {
			b.reply(chatID, "❌ Failed to load settings: "+err.Error())
			return
		}
		b.replyHTML(chatID, settingsText(s))
		return
	}

	var update monitor.SettingsUpdate
	pinGiven := false
	for i := 0; i < len(args); i += 2 {
		if i+1 >= len(args) {
			b.reply(chatID, "❌ Missing value for "+args[i]+".")
			return
		}
		key, value := strings.ToLower(args[i]), args[i+1]
		switch key {
		case "spaylater":
			on := strings.EqualFold(value, "on")
			if !on && !strings.EqualFold(value, "off") {
				b.reply(chatID, "❌ Use: spaylater on|off")
				return
			}
			update.UseSpaylater = &on
		case "months":
			months, err := strconv.Atoi(value)
			if err != nil {
				b.reply(chatID, "❌ Use: months 1|3|6|12")
				return
			}
			update.InstallmentMonths = &months
		case "pin":
			digits := value
			update.Pin = &digits
			pinGiven = true
		default:
			b.reply(chatID, "❌ Unknown setting "+key+". Use spaylater, months or pin.")
			return
		}
	}

	// the PIN should not stay in the chat history
	if pinGiven {
		if _, err := b.api.Request(tgbotapi.NewDeleteMessage(chatID, messageID)); err != nil {
			log.WithError(err).Warn("Failed to delete message containing the PIN")
		}
	}

	s, err := b.svc.UpdateSettings(update)
	if err != nil {
		b.reply(chatID, errorText(err))
		return
	}
	b.replyHTML(chatID, "✅ Settings saved\n\n"+settingsText(s))
}

func settingsText(s models.Settings) string {
	spaylater := "off"
	if s.UseSpaylater {
		spaylater = "on"
	}
	pinState := "not set"
	if s.HasPin() {
		pinState = "set"
	}
	return fmt.Sprintf("⚙️ <b>Settings</b>\n\nSPaylater: %s\nInstallment: %d months\nPIN: %s", spaylater, s.InstallmentMonths, pinState)
}

func productHeader(p models.MonitoredProduct) string {
	name := p.Name
	if name == "" {
		name = "Unnamed product"
	}
	return fmt.Sprintf("📦 %s\n🆔 <code>%s</code>", html.EscapeString(name), p.ID)
}

func modeLine(p models.MonitoredProduct) string {
	switch p.MonitorType {
	case models.MonitorStrict:
		return "🎯 exactly " + notify.FormatPrice(p.TargetPrice)
	case models.MonitorBelow:
		return "🎯 at or below " + notify.FormatPrice(p.BelowPrice)
	case models.MonitorFlash:
		return "🎯 flash sale drop from " + notify.FormatPrice(p.OriginalPrice)
	}
	return string(p.MonitorType)
}

func statusLabel(s models.Status) string {
	switch s {
	case models.StatusActive:
		return "🟢 active"
	case models.StatusWaiting:
		return "⏸ waiting"
	case models.StatusBuying:
		return "🛒 buying"
	case models.StatusPurchased:
		return "✅ purchased"
	case models.StatusError:
		return "⚠️ error"
	}
	return string(s)
}
