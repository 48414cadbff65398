package scraper

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"autobuy-bot/internal/models"

	"github.com/PuerkitoBio/goquery"
)

// ShopeeScraper implements Scraper for Shopee listing pages.
type ShopeeScraper struct {
	client    *http.Client
	extractor PriceExtractor
	now       func() time.Time
}

// DefaultShopeeExtractor is the selector cascade used when no custom extractor is given.
var DefaultShopeeExtractor = ChainExtractor{
	SelectorExtractor{Selectors: []string{
		".flash-sale-price",
		".shopee-price-value",
		"[data-testid='price']",
		".product-price",
	}},
	MetaExtractor{Property: "product:price:amount"},
	JSONLDExtractor{},
}

// NewShopeeScraper creates a Shopee scraper. A nil extractor selects DefaultShopeeExtractor.
func NewShopeeScraper(client *http.Client, extractor PriceExtractor) *ShopeeScraper {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if extractor == nil {
		extractor = DefaultShopeeExtractor
	}
	return &ShopeeScraper{client: client, extractor: extractor, now: time.Now}
}

// CanHandle accepts http(s) URLs whose host contains "shopee".
func (s *ShopeeScraper) CanHandle(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return (u.Scheme == "https" || u.Scheme == "http") && strings.Contains(strings.ToLower(u.Hostname()), "shopee")
}

// FetchPrice loads the page once and extracts the current price.
func (s *ShopeeScraper) FetchPrice(ctx context.Context, url string) (float64, error) {
	doc, err := loadDocument(ctx, s.client, cleanURL(url))
	if err != nil {
		return 0, err
	}

	text, ok := s.extractor.ExtractPrice(doc)
	if !ok {
		return 0, models.ErrPriceNotFound
	}
	return ParsePrice(text)
}

var countdownRe = regexp.MustCompile(`(\d{1,2}):(\d{2}):(\d{2})`)

// DetectFlashSale looks for sale window attributes, then for a running countdown.
// A page without either yields IsFlashSale=false and no error.
func (s *ShopeeScraper) DetectFlashSale(ctx context.Context, url string) (models.FlashSaleInfo, error) {
	doc, err := loadDocument(ctx, s.client, cleanURL(url))
	if err != nil {
		return models.FlashSaleInfo{}, err
	}
	return s.flashSaleFromDocument(doc), nil
}

func (s *ShopeeScraper) flashSaleFromDocument(doc *goquery.Document) models.FlashSaleInfo {
	info := models.FlashSaleInfo{}

	if sel := doc.Find("[data-flash-sale-start], [data-flash-sale-end]").First(); sel.Length() > 0 {
		if v, ok := sel.Attr("data-flash-sale-start"); ok {
			if t, err := parseTimeAttr(v); err == nil {
				info.StartTime = &t
			}
		}
		if v, ok := sel.Attr("data-flash-sale-end"); ok {
			if t, err := parseTimeAttr(v); err == nil {
				info.EndTime = &t
			}
		}
		if v, ok := sel.Attr("data-flash-price"); ok {
			if price, err := ParsePrice(v); err == nil {
				info.FlashPrice = &price
			}
		}
		info.IsFlashSale = info.StartTime != nil || info.EndTime != nil
	}

	if !info.IsFlashSale {
		text := strings.TrimSpace(doc.Find(".countdown-timer").First().Text())
		if m := countdownRe.FindStringSubmatch(text); len(m) == 4 {
			h, _ := strconv.Atoi(m[1])
			mins, _ := strconv.Atoi(m[2])
			sec, _ := strconv.Atoi(m[3])
			now := s.now()
			end := now.Add(time.Duration(h)*time.Hour + time.Duration(mins)*time.Minute + time.Duration(sec)*time.Second)
			info.IsFlashSale = true
			info.StartTime = &now
			info.EndTime = &end
		}
	}

	if info.IsFlashSale && info.FlashPrice == nil {
		if text, ok := (SelectorExtractor{Selectors: []string{".flash-sale-price"}}).ExtractPrice(doc); ok {
			if price, err := ParsePrice(text); err == nil {
				info.FlashPrice = &price
			}
		}
	}
	return info
}

// GetName extracts the product title.
func (s *ShopeeScraper) GetName(ctx context.Context, url string) (string, error) {
	doc, err := loadDocument(ctx, s.client, cleanURL(url))
	if err != nil {
		return "", err
	}

	for _, selector := range []string{"h1[data-testid='title']", ".product-title", "h1"} {
		if name := strings.TrimSpace(doc.Find(selector).First().Text()); name != "" {
			return name, nil
		}
	}
	if title := strings.TrimSpace(doc.Find("meta[property='og:title']").AttrOr("content", "")); title != "" {
		return title, nil
	}
	return "", errors.New("product name not found on page")
}

// parseTimeAttr accepts RFC3339 or unix timestamps in seconds or milliseconds.
func parseTimeAttr(v string) (time.Time, error) {
	v = strings.TrimSpace(v)
	if n, err := strconv.ParseInt(v, 10, 64); err == nil {
		if len(v) >= 13 {
			return time.UnixMilli(n), nil
		}
		return time.Unix(n, 0), nil
	}
	return time.Parse(time.RFC3339, v)
}

func cleanURL(url string) string {
	parts := strings.Split(url, "#")
	return parts[0]
}
