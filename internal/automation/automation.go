// Package automation drives a real browser for the checkout flow.
package automation

import (
	"context"
	"time"
)

// Browser opens product pages.
type Browser interface {
	// Open navigates a new tab to url and waits for the page to load.
	Open(ctx context.Context, url string) (Page, error)
	Close() error
}

// Page is one open tab.
type Page interface {
	// WaitForElement returns the first element matching selector, waiting up to timeout for it to appear.
	// A missing element yields *models.ElementNotFoundError.
	WaitForElement(ctx context.Context, selector string, timeout time.Duration) (Element, error)
	Close() error
}

// Element is a DOM element on a Page.
type Element interface {
	Click(ctx context.Context) error
	// SetValue replaces the element's value and fires the input events the page listens to.
	SetValue(ctx context.Context, value string) error
	// TypeKey sends a single keystroke.
	TypeKey(ctx context.Context, r rune) error
}
