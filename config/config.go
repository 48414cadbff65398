package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"autobuy-bot/internal/purchase"

	"gopkg.in/yaml.v3"
)

// Config holds the application settings
type Config struct {
	TelegramBotToken string `yaml:"telegram_bot_token"`
	TelegramChatID   int64  `yaml:"telegram_chat_id"`
	DatabasePath     string `yaml:"database_path"`
	LogLevel         string `yaml:"log_level"`
	// HTTPAddr enables the JSON API when set, e.g. ":8080".
	HTTPAddr string `yaml:"http_addr"`
	APIToken string `yaml:"api_token"`
	// PinSecret derives the key the SPaylater PIN is sealed with. Without it no PIN can be stored.
	PinSecret         string `yaml:"pin_secret"`
	ReconcileSchedule string `yaml:"reconcile_schedule"`

	Monitor  MonitorConfig  `yaml:"monitor"`
	Scraper  ScraperConfig  `yaml:"scraper"`
	Purchase PurchaseConfig `yaml:"purchase"`
	Browser  BrowserConfig  `yaml:"browser"`
}

type MonitorConfig struct {
	DefaultInterval        time.Duration `yaml:"default_interval"`
	FlashInterval          time.Duration `yaml:"flash_interval"`
	PreSaleInterval        time.Duration `yaml:"presale_interval"`
	PreSaleBuffer          time.Duration `yaml:"presale_buffer"`
	FlashDropThreshold     float64       `yaml:"flash_drop_threshold"`
	MaxConsecutiveFailures int           `yaml:"max_consecutive_failures"`
	MaxProducts            int           `yaml:"max_products"`
}

type ScraperConfig struct {
	FetchAttempts   int           `yaml:"fetch_attempts"`
	FetchRetryDelay time.Duration `yaml:"fetch_retry_delay"`
	Timeout         time.Duration `yaml:"timeout"`
	// Proxy is a SOCKS5 address (host:port) for page fetches.
	Proxy string `yaml:"proxy"`
}

type PurchaseConfig struct {
	Attempts       int                `yaml:"attempts"`
	RetryDelay     time.Duration      `yaml:"retry_delay"`
	ElementTimeout time.Duration      `yaml:"element_timeout"`
	Selectors      purchase.Selectors `yaml:"selectors"`
}

type BrowserConfig struct {
	Headless   bool   `yaml:"headless"`
	ControlURL string `yaml:"control_url"`
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		DatabasePath:      "./products.db",
		LogLevel:          "info",
		ReconcileSchedule: "@every 1m",
		Monitor: MonitorConfig{
			DefaultInterval:        5000 * time.Millisecond,
			FlashInterval:          1000 * time.Millisecond,
			PreSaleInterval:        500 * time.Millisecond,
			PreSaleBuffer:          30 * time.Second,
			FlashDropThreshold:     0.20,
			MaxConsecutiveFailures: 5,
			MaxProducts:            50,
		},
		Scraper: ScraperConfig{
			FetchAttempts:   3,
			FetchRetryDelay: 1000 * time.Millisecond,
			Timeout:         15 * time.Second,
		},
		Purchase: PurchaseConfig{
			Attempts:       3,
			RetryDelay:     1000 * time.Millisecond,
			ElementTimeout: 10 * time.Second,
			Selectors:      purchase.DefaultSelectors(),
		},
		Browser: BrowserConfig{Headless: true},
	}
}

// Load builds the configuration from the defaults, the YAML file named by CONFIG_FILE (if any)
// and then the environment, each overriding the previous.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.loadEnv(); err != nil {
		return nil, err
	}

	if cfg.TelegramBotToken == "" {
		return nil, fmt.Errorf("TELEGRAM_BOT_TOKEN is not set")
	}
	if cfg.Monitor.FlashDropThreshold <= 0 || cfg.Monitor.FlashDropThreshold >= 1 {
		return nil, fmt.Errorf("FLASH_DROP_THRESHOLD must be between 0 and 1, got %v", cfg.Monitor.FlashDropThreshold)
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) loadEnv() error {
	c.TelegramBotToken = envString("TELEGRAM_BOT_TOKEN", c.TelegramBotToken)
	c.DatabasePath = envString("DATABASE_PATH", c.DatabasePath)
	c.LogLevel = envString("LOG_LEVEL", c.LogLevel)
	c.HTTPAddr = envString("HTTP_ADDR", c.HTTPAddr)
	c.APIToken = envString("API_TOKEN", c.APIToken)
	c.PinSecret = envString("PIN_SECRET", c.PinSecret)
	c.ReconcileSchedule = envString("RECONCILE_SCHEDULE", c.ReconcileSchedule)
	c.Scraper.Proxy = envString("SCRAPER_PROXY", c.Scraper.Proxy)
	c.Browser.ControlURL = envString("BROWSER_CONTROL_URL", c.Browser.ControlURL)

	// chat id is optional; when set only that chat may use the bot
	if v := os.Getenv("TELEGRAM_CHAT_ID"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid TELEGRAM_CHAT_ID %q: %w", v, err)
		}
		c.TelegramChatID = id
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"DEFAULT_INTERVAL", &c.Monitor.DefaultInterval},
		{"FLASH_INTERVAL", &c.Monitor.FlashInterval},
		{"PRESALE_INTERVAL", &c.Monitor.PreSaleInterval},
		{"PRESALE_BUFFER", &c.Monitor.PreSaleBuffer},
		{"FETCH_RETRY_DELAY", &c.Scraper.FetchRetryDelay},
		{"FETCH_TIMEOUT", &c.Scraper.Timeout},
		{"PURCHASE_RETRY_DELAY", &c.Purchase.RetryDelay},
		{"ELEMENT_TIMEOUT", &c.Purchase.ElementTimeout},
	}
	for _, d := range durations {
		if err := envDuration(d.key, d.dst); err != nil {
			return err
		}
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"MAX_CONSECUTIVE_FAILURES", &c.Monitor.MaxConsecutiveFailures},
		{"MAX_PRODUCTS", &c.Monitor.MaxProducts},
		{"FETCH_ATTEMPTS", &c.Scraper.FetchAttempts},
		{"PURCHASE_ATTEMPTS", &c.Purchase.Attempts},
	}
	for _, i := range ints {
		if err := envInt(i.key, i.dst); err != nil {
			return err
		}
	}

	if v := os.Getenv("FLASH_DROP_THRESHOLD"); v != "" {
		f, err := strconv.ParseFloat(strings.TrimSuffix(v, "%"), 64)
		if err != nil {
			return fmt.Errorf("invalid FLASH_DROP_THRESHOLD %q: %w", v, err)
		}
		// "20%" and "20" both mean 0.20
		if strings.HasSuffix(v, "%") || f >= 1 {
			f /= 100
		}
		c.Monitor.FlashDropThreshold = f
	}

	if v := os.Getenv("BROWSER_HEADLESS"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid BROWSER_HEADLESS %q: %w", v, err)
		}
		c.Browser.Headless = b
	}
	return nil
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// envDuration accepts Go durations ("1.5s") or plain milliseconds ("1500").
func envDuration(key string, dst *time.Duration) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	if ms, err := strconv.Atoi(v); err == nil {
		*dst = time.Duration(ms) * time.Millisecond
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	*dst = d
	return nil
}

func envInt(key string, dst *int) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fmt.Errorf("invalid %s %q: must be a positive integer", key, v)
	}
	*dst = n
	return nil
}
