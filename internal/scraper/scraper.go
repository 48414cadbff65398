package scraper

import (
	"context"

	"autobuy-bot/internal/models"
)

// Scraper reads listing pages of one marketplace. Each call is a single attempt; retries live in Fetcher.
type Scraper interface {
	FetchPrice(ctx context.Context, url string) (float64, error)
	DetectFlashSale(ctx context.Context, url string) (models.FlashSaleInfo, error)
	GetName(ctx context.Context, url string) (string, error)
	CanHandle(url string) bool
}

// Registry keeps the available scrapers.
type Registry struct {
	scrapers []Scraper
}

// NewRegistry creates a registry over the given scrapers, checked in order.
func NewRegistry(scrapers ...Scraper) *Registry {
	return &Registry{scrapers: scrapers}
}

// FindScraper returns the first scraper that handles url, or nil.
func (r *Registry) FindScraper(url string) Scraper {
	for _, scraper := range r.scrapers {
		if scraper.CanHandle(url) {
			return scraper
		}
	}
	return nil
}
