package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"autobuy-bot/config"
	"autobuy-bot/internal/api"
	"autobuy-bot/internal/automation"
	"autobuy-bot/internal/bot"
	"autobuy-bot/internal/database"
	"autobuy-bot/internal/events"
	"autobuy-bot/internal/monitor"
	"autobuy-bot/internal/notify"
	"autobuy-bot/internal/pin"
	"autobuy-bot/internal/purchase"
	"autobuy-bot/internal/scheduler"
	"autobuy-bot/internal/scraper"
	"autobuy-bot/internal/trigger"

	"github.com/gin-gonic/gin"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Info(".env file not found, using system environment")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	if level, err := log.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(level)
	} else {
		log.Warnf("Unknown LOG_LEVEL %q, using info", cfg.LogLevel)
	}

	db, err := database.New(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	client, err := scraper.NewHTTPClient(cfg.Scraper.Timeout, cfg.Scraper.Proxy)
	if err != nil {
		log.Fatalf("Failed to create HTTP client: %v", err)
	}
	registry := scraper.NewRegistry(scraper.NewShopeeScraper(client, nil))
	fetcher := scraper.NewFetcher(registry, cfg.Scraper.FetchAttempts, cfg.Scraper.FetchRetryDelay)

	vault, err := pin.NewVault(cfg.PinSecret)
	if err != nil {
		log.WithError(err).Warn("PIN_SECRET not set, SPaylater PIN cannot be stored")
	}

	browser := automation.NewRodBrowser(automation.RodOptions{
		Headless:   cfg.Browser.Headless,
		ControlURL: cfg.Browser.ControlURL,
	})
	defer browser.Close()

	pcfg := purchase.DefaultConfig()
	pcfg.Attempts = cfg.Purchase.Attempts
	pcfg.RetryDelay = cfg.Purchase.RetryDelay
	pcfg.ElementTimeout = cfg.Purchase.ElementTimeout
	pcfg.Selectors = cfg.Purchase.Selectors
	buyer := purchase.New(browser, db, vault, pcfg)

	telegram, err := bot.Init(cfg.TelegramBotToken)
	if err != nil {
		log.Fatalf("Failed to start Telegram bot: %v", err)
	}

	bus := events.NewBus(notify.LogSink())
	if cfg.TelegramChatID != 0 {
		bus.Subscribe(notify.TelegramSink(telegram, cfg.TelegramChatID))
	} else {
		log.Warn("TELEGRAM_CHAT_ID not set, notifications are only logged")
	}

	m := monitor.New(db, fetcher, buyer, trigger.New(cfg.Monitor.FlashDropThreshold), bus, monitor.Options{
		DefaultInterval:        cfg.Monitor.DefaultInterval,
		FlashInterval:          cfg.Monitor.FlashInterval,
		PreSaleInterval:        cfg.Monitor.PreSaleInterval,
		PreSaleBuffer:          cfg.Monitor.PreSaleBuffer,
		MaxConsecutiveFailures: cfg.Monitor.MaxConsecutiveFailures,
	})
	defer m.Close()

	if n, err := m.RecoverInterrupted(); err != nil {
		log.WithError(err).Error("Failed to recover interrupted purchases")
	} else if n > 0 {
		log.WithField("count", n).Warn("Products left in buying state were reset to active")
	}
	if err := m.Sync(); err != nil {
		log.WithError(err).Error("Failed to start monitors")
	}

	svc := monitor.NewService(db, m, fetcher, vault, cfg.Monitor.MaxProducts)

	sched := scheduler.NewScheduler(m)
	if err := sched.Start(cfg.ReconcileSchedule); err != nil {
		log.Fatalf("Failed to start scheduler: %v", err)
	}
	defer sched.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.HTTPAddr != "" {
		gin.SetMode(gin.ReleaseMode)
		srv := &http.Server{
			Addr:    cfg.HTTPAddr,
			Handler: api.NewRouter(api.NewHandler(svc), cfg.APIToken),
		}
		go func() {
			log.WithField("addr", cfg.HTTPAddr).Info("HTTP API listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.WithError(err).Error("HTTP API stopped")
				stop()
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.WithError(err).Warn("HTTP API shutdown")
			}
		}()
	}

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := telegram.GetUpdatesChan(u)

	log.Info("Bot running")
	bot.New(telegram, svc, cfg.TelegramChatID).Run(ctx, updates)

	telegram.StopReceivingUpdates()
	log.Info("Shutting down...")
}
