// Package purchase walks a product page through checkout.
package purchase

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"autobuy-bot/internal/automation"
	"autobuy-bot/internal/models"
	"autobuy-bot/internal/pin"

	log "github.com/sirupsen/logrus"
)

// State is a step of the checkout sequence.
type State int

const (
	StateLocateBuyButton State = iota
	StateClickBuy
	StateAwaitCheckoutPage
	StateSelectPaymentMethod
	StateSelectInstallmentPeriod
	StateEnterPin
	StateSubmit
	StateAwaitConfirm
	StateDone
)

func (s State) String() string {
	switch s {
	case StateLocateBuyButton:
		return "locate_buy_button"
	case StateClickBuy:
		return "click_buy"
	case StateAwaitCheckoutPage:
		return "await_checkout_page"
	case StateSelectPaymentMethod:
		return "select_payment_method"
	case StateSelectInstallmentPeriod:
		return "select_installment_period"
	case StateEnterPin:
		return "enter_pin"
	case StateSubmit:
		return "submit"
	case StateAwaitConfirm:
		return "await_confirm"
	case StateDone:
		return "done"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// ErrPinMissing aborts a SPaylater checkout before any page is touched.
var ErrPinMissing = errors.New("SPaylater is enabled but no PIN is stored")

// ErrPinMismatch means the unsealed PIN does not match the stored hash.
var ErrPinMismatch = errors.New("stored PIN does not match its hash")

// StepError tells which state an attempt failed in.
type StepError struct {
	State State
	Err   error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s: %v", e.State, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// ExhaustedError is returned when every checkout attempt failed. It unwraps to the last failure.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("purchase failed after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

// Selectors locate the checkout elements. Installment is a format string receiving the month count.
type Selectors struct {
	BuyButton          string `yaml:"buy_button"`
	CheckoutPage       string `yaml:"checkout_page"`
	PaymentMethod      string `yaml:"payment_method"`
	InstallmentOptions string `yaml:"installment_options"`
	Installment        string `yaml:"installment"`
	PinInput           string `yaml:"pin_input"`
	Submit             string `yaml:"submit"`
	Confirmation       string `yaml:"confirmation"`
}

func DefaultSelectors() Selectors {
	return Selectors{
		BuyButton:          ".btn-buy-now",
		CheckoutPage:       ".checkout-page",
		PaymentMethod:      `[data-payment-method="spaylater"]`,
		InstallmentOptions: ".installment-options",
		Installment:        `[data-installment="%d"]`,
		PinInput:           "input.pin-input",
		Submit:             ".btn-place-order",
		Confirmation:       ".order-success",
	}
}

// withDefaults fills empty selectors from DefaultSelectors.
func (s Selectors) withDefaults() Selectors {
	d := DefaultSelectors()
	fill := func(v *string, def string) {
		if *v == "" {
			*v = def
		}
	}
	fill(&s.BuyButton, d.BuyButton)
	fill(&s.CheckoutPage, d.CheckoutPage)
	fill(&s.PaymentMethod, d.PaymentMethod)
	fill(&s.InstallmentOptions, d.InstallmentOptions)
	fill(&s.Installment, d.Installment)
	fill(&s.PinInput, d.PinInput)
	fill(&s.Submit, d.Submit)
	fill(&s.Confirmation, d.Confirmation)
	return s
}

// Config controls retries and pacing.
type Config struct {
	Attempts       int
	RetryDelay     time.Duration
	ElementTimeout time.Duration
	// Keystrokes of the PIN are spaced by a random delay in [KeyDelayMin, KeyDelayMax].
	KeyDelayMin time.Duration
	KeyDelayMax time.Duration
	Selectors   Selectors
}

func DefaultConfig() Config {
	return Config{
		Attempts:       3,
		RetryDelay:     1000 * time.Millisecond,
		ElementTimeout: 10 * time.Second,
		KeyDelayMin:    80 * time.Millisecond,
		KeyDelayMax:    220 * time.Millisecond,
		Selectors:      DefaultSelectors(),
	}
}

// SettingsSource supplies checkout preferences.
type SettingsSource interface {
	GetSettings() (models.Settings, error)
}

// PinOpener recovers the PIN from its sealed form.
type PinOpener interface {
	Open(sealed string) (string, error)
}

// Orchestrator runs the checkout state machine, retrying the whole sequence on failure.
type Orchestrator struct {
	browser  automation.Browser
	settings SettingsSource
	pins     PinOpener
	cfg      Config

	mu       sync.Mutex
	prepared map[string]automation.Page
}

func New(browser automation.Browser, settings SettingsSource, pins PinOpener, cfg Config) *Orchestrator {
	if cfg.Attempts <= 0 {
		cfg.Attempts = DefaultConfig().Attempts
	}
	if cfg.ElementTimeout <= 0 {
		cfg.ElementTimeout = DefaultConfig().ElementTimeout
	}
	if cfg.KeyDelayMax < cfg.KeyDelayMin {
		cfg.KeyDelayMax = cfg.KeyDelayMin
	}
	cfg.Selectors = cfg.Selectors.withDefaults()

	return &Orchestrator{
		browser:  browser,
		settings: settings,
		pins:     pins,
		cfg:      cfg,
		prepared: make(map[string]automation.Page),
	}
}

// Prepare opens the product page ahead of a flash sale so the first attempt skips navigation.
// Calling it again for the same product is a no-op until the page is consumed or released.
func (o *Orchestrator) Prepare(ctx context.Context, p models.MonitoredProduct) error {
	o.mu.Lock()
	_, ok := o.prepared[p.ID]
	o.mu.Unlock()
	if ok {
		return nil
	}

	page, err := o.browser.Open(ctx, p.URL)
	if err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.prepared[p.ID]; ok {
		page.Close()
		return nil
	}
	o.prepared[p.ID] = page
	log.WithField("product_id", p.ID).Info("Checkout page prepared")
	return nil
}

// Release closes a prepared page that will not be used.
func (o *Orchestrator) Release(productID string) {
	if page := o.takePrepared(productID); page != nil {
		page.Close()
	}
}

func (o *Orchestrator) takePrepared(productID string) automation.Page {
	o.mu.Lock()
	defer o.mu.Unlock()
	page := o.prepared[productID]
	delete(o.prepared, productID)
	return page
}

// Purchase checks the product out. PIN problems fail immediately; everything else is retried
// up to the configured number of attempts and then reported as *ExhaustedError.
func (o *Orchestrator) Purchase(ctx context.Context, p models.MonitoredProduct) error {
	settings, err := o.settings.GetSettings()
	if err != nil {
		return fmt.Errorf("failed to load settings: %w", err)
	}

	var pinDigits string
	if settings.UseSpaylater {
		if !settings.HasPin() {
			return ErrPinMissing
		}
		pinDigits, err = o.pins.Open(settings.PinSealed)
		if err != nil {
			return fmt.Errorf("failed to open stored PIN: %w", err)
		}
		if err := pin.Validate(pinDigits); err != nil {
			return err
		}
		if settings.PinHash != "" && !pin.Verify(settings.PinHash, pinDigits) {
			return ErrPinMismatch
		}
	}

	logger := log.WithFields(log.Fields{"product_id": p.ID, "url": p.URL})

	var lastErr error
	for attempt := 1; attempt <= o.cfg.Attempts; attempt++ {
		lastErr = o.attempt(ctx, p, settings, pinDigits)
		if lastErr == nil {
			logger.WithField("attempt", attempt).Info("Purchase completed")
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		logger.WithFields(log.Fields{"attempt": attempt, "error": lastErr}).Warn("Purchase attempt failed")
		if attempt < o.cfg.Attempts {
			if err := sleep(ctx, o.cfg.RetryDelay); err != nil {
				return err
			}
		}
	}
	return &ExhaustedError{Attempts: o.cfg.Attempts, Last: lastErr}
}

// run holds what a single attempt carries between states.
type run struct {
	page      automation.Page
	settings  models.Settings
	pin       string
	buyButton automation.Element
}

func (o *Orchestrator) attempt(ctx context.Context, p models.MonitoredProduct, settings models.Settings, pinDigits string) error {
	page := o.takePrepared(p.ID)
	if page == nil {
		var err error
		page, err = o.browser.Open(ctx, p.URL)
		if err != nil {
			return err
		}
	}
	defer page.Close()

	r := &run{page: page, settings: settings, pin: pinDigits}
	for state := StateLocateBuyButton; state != StateDone; {
		next, err := o.step(ctx, r, state)
		if err != nil {
			return &StepError{State: state, Err: err}
		}
		log.WithFields(log.Fields{"product_id": p.ID, "state": state.String()}).Debug("Checkout step done")
		state = next
	}
	return nil
}

func (o *Orchestrator) step(ctx context.Context, r *run, state State) (State, error) {
	sel := o.cfg.Selectors

	switch state {
	case StateLocateBuyButton:
		el, err := r.page.WaitForElement(ctx, sel.BuyButton, o.cfg.ElementTimeout)
		r.buyButton = el
		return StateClickBuy, err

	case StateClickBuy:
		return StateAwaitCheckoutPage, r.buyButton.Click(ctx)

	case StateAwaitCheckoutPage:
		_, err := r.page.WaitForElement(ctx, sel.CheckoutPage, o.cfg.ElementTimeout)
		if !r.settings.UseSpaylater {
			return StateSubmit, err
		}
		return StateSelectPaymentMethod, err

	case StateSelectPaymentMethod:
		return StateSelectInstallmentPeriod, o.click(ctx, r.page, sel.PaymentMethod)

	case StateSelectInstallmentPeriod:
		if _, err := r.page.WaitForElement(ctx, sel.InstallmentOptions, o.cfg.ElementTimeout); err != nil {
			return StateSelectInstallmentPeriod, err
		}
		return StateEnterPin, o.click(ctx, r.page, fmt.Sprintf(sel.Installment, r.settings.InstallmentMonths))

	case StateEnterPin:
		return StateSubmit, o.enterPin(ctx, r.page, r.pin)

	case StateSubmit:
		return StateAwaitConfirm, o.click(ctx, r.page, sel.Submit)

	case StateAwaitConfirm:
		_, err := r.page.WaitForElement(ctx, sel.Confirmation, o.cfg.ElementTimeout)
		return StateDone, err
	}
	return state, fmt.Errorf("unknown checkout state %d", int(state))
}

func (o *Orchestrator) click(ctx context.Context, page automation.Page, selector string) error {
	el, err := page.WaitForElement(ctx, selector, o.cfg.ElementTimeout)
	if err != nil {
		return err
	}
	return el.Click(ctx)
}

// enterPin types digit by digit with human-like pauses.
func (o *Orchestrator) enterPin(ctx context.Context, page automation.Page, digits string) error {
	el, err := page.WaitForElement(ctx, o.cfg.Selectors.PinInput, o.cfg.ElementTimeout)
	if err != nil {
		return err
	}
	if err := el.SetValue(ctx, ""); err != nil {
		return err
	}
	for _, r := range digits {
		if err := el.TypeKey(ctx, r); err != nil {
			return err
		}
		if err := sleep(ctx, o.keyDelay()); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) keyDelay() time.Duration {
	spread := o.cfg.KeyDelayMax - o.cfg.KeyDelayMin
	if spread <= 0 {
		return o.cfg.KeyDelayMin
	}
	return o.cfg.KeyDelayMin + time.Duration(rand.Int63n(int64(spread)+1))
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
