package scraper

import (
	"context"
	"fmt"
	"time"

	"autobuy-bot/internal/models"

	log "github.com/sirupsen/logrus"
)

const (
	DefaultFetchAttempts   = 3
	DefaultFetchRetryDelay = 1000 * time.Millisecond
)

// Fetcher routes URLs to the right scraper and retries price fetches with a fixed delay.
type Fetcher struct {
	registry *Registry
	attempts int
	delay    time.Duration
}

// NewFetcher creates a Fetcher. Non-positive values select the defaults (3 attempts, 1s apart).
func NewFetcher(registry *Registry, attempts int, delay time.Duration) *Fetcher {
	if attempts <= 0 {
		attempts = DefaultFetchAttempts
	}
	if delay < 0 {
		delay = DefaultFetchRetryDelay
	}
	return &Fetcher{registry: registry, attempts: attempts, delay: delay}
}

// CanHandle reports whether some registered scraper accepts url.
func (f *Fetcher) CanHandle(url string) bool {
	return f.registry.FindScraper(url) != nil
}

func (f *Fetcher) scraperFor(url string) (Scraper, error) {
	s := f.registry.FindScraper(url)
	if s == nil {
		return nil, &models.ValidationError{Field: "url", Reason: fmt.Sprintf("no scraper for %s", url)}
	}
	return s, nil
}

// FetchPrice tries up to the configured number of attempts and returns *models.FetchExhaustedError
// wrapping the last failure when none succeeded.
func (f *Fetcher) FetchPrice(ctx context.Context, url string) (float64, error) {
	s, err := f.scraperFor(url)
	if err != nil {
		return 0, err
	}

	var lastErr error
	for attempt := 1; attempt <= f.attempts; attempt++ {
		price, err := s.FetchPrice(ctx, url)
		if err == nil {
			return price, nil
		}
		lastErr = err

		log.WithFields(log.Fields{
			"url":     url,
			"attempt": attempt,
			"error":   err,
		}).Warn("Price fetch failed")

		if attempt == f.attempts {
			break
		}
		if err := sleep(ctx, f.delay); err != nil {
			return 0, err
		}
	}

	return 0, &models.FetchExhaustedError{Attempts: f.attempts, Last: lastErr}
}

// DetectFlashSale makes a single attempt; retrying is left to the next poll.
func (f *Fetcher) DetectFlashSale(ctx context.Context, url string) (models.FlashSaleInfo, error) {
	s, err := f.scraperFor(url)
	if err != nil {
		return models.FlashSaleInfo{}, err
	}
	return s.DetectFlashSale(ctx, url)
}

// GetName returns the listing title.
func (f *Fetcher) GetName(ctx context.Context, url string) (string, error) {
	s, err := f.scraperFor(url)
	if err != nil {
		return "", err
	}
	return s.GetName(ctx, url)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
