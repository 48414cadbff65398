package automation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"autobuy-bot/internal/models"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	log "github.com/sirupsen/logrus"
)

// RodOptions configures the Chrome instance.
type RodOptions struct {
	Headless bool
	// ControlURL attaches to an already running Chrome (its DevTools websocket URL) instead of launching one.
	// A logged-in profile is needed to check out, so production setups usually point this at a persistent browser.
	ControlURL string
}

// RodBrowser is a Browser backed by go-rod. Chrome is started lazily on the first Open.
type RodBrowser struct {
	opts RodOptions

	mu       sync.Mutex
	browser  *rod.Browser
	launcher *launcher.Launcher
}

func NewRodBrowser(opts RodOptions) *RodBrowser {
	return &RodBrowser{opts: opts}
}

func (b *RodBrowser) connect() (*rod.Browser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.browser != nil {
		return b.browser, nil
	}

	controlURL := b.opts.ControlURL
	var l *launcher.Launcher
	if controlURL == "" {
		l = launcher.New().Headless(b.opts.Headless).Leakless(true)
		u, err := l.Launch()
		if err != nil {
			return nil, fmt.Errorf("failed to launch browser: %w", err)
		}
		controlURL = u
	}

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		if l != nil {
			l.Cleanup()
		}
		return nil, fmt.Errorf("failed to connect to browser: %w", err)
	}

	log.WithField("headless", b.opts.Headless).Info("Browser connected")
	b.browser = browser
	b.launcher = l
	return browser, nil
}

// Open implements Browser.
func (b *RodBrowser) Open(ctx context.Context, url string) (Page, error) {
	browser, err := b.connect()
	if err != nil {
		return nil, err
	}

	page, err := stealth.Page(browser)
	if err != nil {
		return nil, fmt.Errorf("failed to create stealth page: %w", err)
	}

	if err := page.Context(ctx).Navigate(url); err != nil {
		page.Close()
		return nil, fmt.Errorf("failed to navigate to %s: %w", url, err)
	}
	if err := page.Context(ctx).WaitLoad(); err != nil {
		page.Close()
		return nil, fmt.Errorf("page %s failed to load: %w", url, err)
	}

	return &rodPage{page: page}, nil
}

// Close shuts the browser down, and the launched process with it.
func (b *RodBrowser) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.browser == nil {
		return nil
	}
	err := b.browser.Close()
	if b.launcher != nil {
		b.launcher.Cleanup()
	}
	b.browser, b.launcher = nil, nil
	return err
}

type rodPage struct {
	page *rod.Page
}

func (p *rodPage) WaitForElement(ctx context.Context, selector string, timeout time.Duration) (Element, error) {
	el, err := p.page.Context(ctx).Timeout(timeout).Element(selector)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &models.ElementNotFoundError{Selector: selector, Timeout: timeout, Err: err}
	}
	return &rodElement{el: el.CancelTimeout()}, nil
}

func (p *rodPage) Close() error {
	return p.page.Close()
}

type rodElement struct {
	el *rod.Element
}

func (e *rodElement) Click(ctx context.Context) error {
	return e.el.Context(ctx).Click(proto.InputMouseButtonLeft, 1)
}

func (e *rodElement) SetValue(ctx context.Context, value string) error {
	el := e.el.Context(ctx)
	if err := el.SelectAllText(); err != nil {
		return err
	}
	return el.Input(value)
}

func (e *rodElement) TypeKey(ctx context.Context, r rune) error {
	return e.el.Context(ctx).Type(input.Key(r))
}
