package scraper

import (
	"errors"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"autobuy-bot/internal/models"

	"github.com/PuerkitoBio/goquery"
)

// PriceExtractor pulls raw price text out of a parsed page. ok is false when nothing matched.
type PriceExtractor interface {
	ExtractPrice(doc *goquery.Document) (text string, ok bool)
}

// SelectorExtractor returns the text of the first non-empty element matching any selector, in order.
type SelectorExtractor struct {
	Selectors []string
}

func (s SelectorExtractor) ExtractPrice(doc *goquery.Document) (string, bool) {
	for _, selector := range s.Selectors {
		var text string
		doc.Find(selector).EachWithBreak(func(i int, sel *goquery.Selection) bool {
			text = strings.TrimSpace(sel.Text())
			if text == "" {
				text = strings.TrimSpace(sel.AttrOr("content", ""))
			}
			return text == ""
		})
		if text != "" {
			return text, true
		}
	}
	return "", false
}

// MetaExtractor reads the content attribute of a price meta tag.
type MetaExtractor struct {
	Property string
}

func (m MetaExtractor) ExtractPrice(doc *goquery.Document) (string, bool) {
	content := strings.TrimSpace(doc.Find("meta[property='" + m.Property + "']").First().AttrOr("content", ""))
	return content, content != ""
}

var (
	offersPriceRe = regexp.MustCompile(`"offers"[^}]*"price"\s*:\s*"?([0-9.,]+)"?`)
	anyPriceRe    = regexp.MustCompile(`"price"\s*:\s*"?([0-9.,]+)"?`)
)

// JSONLDExtractor scans ld+json scripts, preferring the price inside "offers".
type JSONLDExtractor struct{}

func (JSONLDExtractor) ExtractPrice(doc *goquery.Document) (string, bool) {
	var text string
	doc.Find("script[type='application/ld+json']").EachWithBreak(func(i int, s *goquery.Selection) bool {
		body := s.Text()
		if m := offersPriceRe.FindStringSubmatch(body); len(m) > 1 {
			text = m[1]
		} else if m := anyPriceRe.FindStringSubmatch(body); len(m) > 1 {
			text = m[1]
		}
		return text == ""
	})
	return text, text != ""
}

// ChainExtractor tries extractors in order.
type ChainExtractor []PriceExtractor

func (c ChainExtractor) ExtractPrice(doc *goquery.Document) (string, bool) {
	for _, e := range c {
		if text, ok := e.ExtractPrice(doc); ok {
			return text, true
		}
	}
	return "", false
}

var nonNumeric = regexp.MustCompile(`[^0-9.,]`)

var errMultiplePrices = errors.New("text holds more than one price")

// ParsePrice turns displayed price text into a number. It accepts both "." and "," as either
// thousands or decimal separator: "Rp1.250.000" is 1250000, "$12.50" is 12.5 and "1.234,56" is 1234.56.
// A single separator followed by exactly three digits is read as a thousands separator.
// Text with more than one number, such as a variant range "Rp99.000 - Rp129.000", is rejected.
func ParsePrice(text string) (float64, error) {
	var numbers []string
	for _, part := range strings.FieldsFunc(text, isPriceBreak) {
		if strings.ContainsAny(part, "0123456789") {
			numbers = append(numbers, part)
		}
	}
	switch len(numbers) {
	case 0:
		return 0, &models.ParseError{Text: text}
	case 1:
	default:
		return 0, &models.ParseError{Text: text, Err: errMultiplePrices}
	}

	clean := nonNumeric.ReplaceAllString(numbers[0], "")
	clean = strings.Trim(clean, ".,")
	if clean == "" {
		return 0, &models.ParseError{Text: text}
	}

	lastDot := strings.LastIndex(clean, ".")
	lastComma := strings.LastIndex(clean, ",")

	switch {
	case lastDot >= 0 && lastComma >= 0:
		if lastComma > lastDot {
			clean = strings.ReplaceAll(clean, ".", "")
			clean = strings.Replace(clean, ",", ".", 1)
		} else {
			clean = strings.ReplaceAll(clean, ",", "")
		}
	case lastDot >= 0 || lastComma >= 0:
		sep := "."
		idx := lastDot
		if lastComma >= 0 {
			sep, idx = ",", lastComma
		}
		if strings.Count(clean, sep) > 1 || len(clean)-idx-1 == 3 {
			clean = strings.ReplaceAll(clean, sep, "")
		} else {
			clean = strings.Replace(clean, sep, ".", 1)
		}
	}

	price, err := strconv.ParseFloat(clean, 64)
	if err != nil {
		return 0, &models.ParseError{Text: text, Err: err}
	}
	if price <= 0 {
		return 0, &models.ParseError{Text: text}
	}
	return price, nil
}

func isPriceBreak(r rune) bool {
	return unicode.IsSpace(r) || r == '-' || r == '–' || r == '—' || r == '~'
}
