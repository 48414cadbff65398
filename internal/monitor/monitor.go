// Package monitor polls monitored products on an adaptive cadence and hands triggered ones to the buyer.
package monitor

import (
	"context"
	"errors"
	"sync"
	"time"

	"autobuy-bot/internal/events"
	"autobuy-bot/internal/models"
	"autobuy-bot/internal/trigger"

	log "github.com/sirupsen/logrus"
)

// Store is the persistence the monitor needs.
type Store interface {
	GetProducts() ([]models.MonitoredProduct, error)
	GetProductsByStatus(statuses ...models.Status) ([]models.MonitoredProduct, error)
	GetProductByID(id string) (*models.MonitoredProduct, error)
	UpdateProduct(id string, fn func(p *models.MonitoredProduct) error) (*models.MonitoredProduct, error)
}

// PriceSource reads listing pages.
type PriceSource interface {
	FetchPrice(ctx context.Context, url string) (float64, error)
	DetectFlashSale(ctx context.Context, url string) (models.FlashSaleInfo, error)
}

// Buyer performs checkouts.
type Buyer interface {
	Prepare(ctx context.Context, p models.MonitoredProduct) error
	Purchase(ctx context.Context, p models.MonitoredProduct) error
	Release(productID string)
}

// Phase is the cadence a product is polled at.
type Phase int

const (
	PhaseNormal Phase = iota
	PhasePreSale
	PhaseFlash
)

func (p Phase) String() string {
	switch p {
	case PhasePreSale:
		return "pre_sale"
	case PhaseFlash:
		return "flash"
	}
	return "normal"
}

func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// Options tune the cadence and failure handling. Zero values select the defaults.
type Options struct {
	DefaultInterval        time.Duration
	FlashInterval          time.Duration
	PreSaleInterval        time.Duration
	PreSaleBuffer          time.Duration
	MaxConsecutiveFailures int
	// Now replaces the wall clock.
	Now func() time.Time
}

func DefaultOptions() Options {
	return Options{
		DefaultInterval:        5000 * time.Millisecond,
		FlashInterval:          1000 * time.Millisecond,
		PreSaleInterval:        500 * time.Millisecond,
		PreSaleBuffer:          30 * time.Second,
		MaxConsecutiveFailures: 5,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.DefaultInterval <= 0 {
		o.DefaultInterval = d.DefaultInterval
	}
	if o.FlashInterval <= 0 {
		o.FlashInterval = d.FlashInterval
	}
	if o.PreSaleInterval <= 0 {
		o.PreSaleInterval = d.PreSaleInterval
	}
	if o.PreSaleBuffer <= 0 {
		o.PreSaleBuffer = d.PreSaleBuffer
	}
	if o.MaxConsecutiveFailures <= 0 {
		o.MaxConsecutiveFailures = d.MaxConsecutiveFailures
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// CheckResult describes one poll cycle.
type CheckResult struct {
	// Skipped is set when nothing was fetched; SkipReason says why.
	Skipped    bool    `json:"skipped"`
	SkipReason string  `json:"skip_reason,omitempty"`
	Price      float64 `json:"price,omitempty"`
	Triggered  bool    `json:"triggered"`
	// Next is the wait until the product should be polled again.
	Next  time.Duration `json:"next_check_in"`
	Phase Phase         `json:"phase"`
}

var errNoLongerActive = errors.New("product is no longer active")

type task struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Monitor owns one polling goroutine per monitored product.
type Monitor struct {
	store     Store
	prices    PriceSource
	buyer     Buyer
	evaluator *trigger.Evaluator
	sink      events.Sink
	opts      Options

	mu       sync.Mutex
	tasks    map[string]*task
	inFlight map[string]bool
	failures map[string]int
	prepared map[string]time.Time
	paused   bool
	closed   bool

	purchases sync.WaitGroup
}

func New(store Store, prices PriceSource, buyer Buyer, evaluator *trigger.Evaluator, sink events.Sink, opts Options) *Monitor {
	return &Monitor{
		store:     store,
		prices:    prices,
		buyer:     buyer,
		evaluator: evaluator,
		sink:      sink,
		opts:      opts.withDefaults(),
		tasks:     make(map[string]*task),
		inFlight:  make(map[string]bool),
		failures:  make(map[string]int),
		prepared:  make(map[string]time.Time),
	}
}

// EffectiveInterval returns how often p should be polled at now.
func (m *Monitor) EffectiveInterval(p models.MonitoredProduct, now time.Time) (time.Duration, Phase) {
	if p.MonitorType == models.MonitorFlash && p.FlashSaleInfo != nil && p.FlashSaleInfo.IsFlashSale {
		if p.FlashSaleInfo.InWindow(now) {
			return m.opts.FlashInterval, PhaseFlash
		}
		if start := p.FlashSaleInfo.StartTime; start != nil && now.Before(*start) && start.Sub(now) <= m.opts.PreSaleBuffer {
			return m.opts.PreSaleInterval, PhasePreSale
		}
	}
	if p.MonitoringInterval > 0 {
		return p.MonitoringInterval, PhaseNormal
	}
	return m.opts.DefaultInterval, PhaseNormal
}

// Start begins polling id. Starting a product that is already polled does nothing.
func (m *Monitor) Start(id string) {
	m.mu.Lock()
	if m.closed || m.tasks[id] != nil {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	t := &task{cancel: cancel, done: make(chan struct{})}
	m.tasks[id] = t
	m.mu.Unlock()

	go m.loop(ctx, id, t)

	log.WithField("product_id", id).Info("Monitoring started")
	m.sink.Emit(events.StartMonitoring{ProductID: id})
}

// Stop cancels polling for id. An in-flight check finishes but is not rescheduled.
func (m *Monitor) Stop(id string) {
	m.mu.Lock()
	t := m.tasks[id]
	delete(m.tasks, id)
	m.mu.Unlock()
	if t == nil {
		return
	}
	t.cancel()

	log.WithField("product_id", id).Info("Monitoring stopped")
	m.sink.Emit(events.StopMonitoring{ProductID: id})
}

// Forget stops polling and drops everything kept in memory for id.
func (m *Monitor) Forget(id string) {
	m.Stop(id)
	m.mu.Lock()
	delete(m.failures, id)
	delete(m.prepared, id)
	m.mu.Unlock()
	m.buyer.Release(id)
}

// Running reports whether id has a polling goroutine.
func (m *Monitor) Running(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tasks[id] != nil
}

func (m *Monitor) loop(ctx context.Context, id string, t *task) {
	defer close(t.done)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		res, err := m.Tick(ctx, id)
		if err != nil && ctx.Err() == nil && !errors.Is(err, models.ErrProductNotFound) {
			log.WithError(err).WithField("product_id", id).Warn("Poll cycle failed")
		}
		next := res.Next
		if next <= 0 {
			next = m.opts.DefaultInterval
		}
		timer.Reset(next)
	}
}

// Tick runs one poll cycle if the product is due.
func (m *Monitor) Tick(ctx context.Context, id string) (CheckResult, error) {
	return m.check(ctx, id, false)
}

// CheckNow runs one poll cycle regardless of when the product was last checked.
func (m *Monitor) CheckNow(ctx context.Context, id string) (CheckResult, error) {
	return m.check(ctx, id, true)
}

func (m *Monitor) check(ctx context.Context, id string, force bool) (CheckResult, error) {
	p, err := m.store.GetProductByID(id)
	if errors.Is(err, models.ErrProductNotFound) {
		m.Forget(id)
		return CheckResult{Skipped: true, SkipReason: "removed"}, err
	}
	if err != nil {
		return CheckResult{Skipped: true, SkipReason: "store"}, err
	}

	now := m.opts.Now()
	interval, phase := m.EffectiveInterval(*p, now)
	res := CheckResult{Next: interval, Phase: phase}

	logger := log.WithFields(log.Fields{"product_id": id, "url": p.URL})

	if p.Status != models.StatusActive {
		if p.Status == models.StatusPurchased || p.Status == models.StatusError {
			m.Stop(id)
		}
		res.Skipped, res.SkipReason = true, string(p.Status)
		return res, nil
	}

	if !m.beginCheck(id) {
		res.Skipped, res.SkipReason = true, "in_flight"
		return res, nil
	}
	defer m.endCheck(id)

	if !force && !p.LastChecked.IsZero() {
		if elapsed := now.Sub(p.LastChecked); elapsed < interval {
			res.Skipped, res.SkipReason = true, "not_due"
			res.Next = interval - elapsed
			return res, nil
		}
	}

	if phase == PhasePreSale {
		m.prepare(ctx, *p)
	}

	price, err := m.prices.FetchPrice(ctx, p.URL)
	if err != nil {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		m.recordFailure(*p, err)
		return res, err
	}

	var flash *models.FlashSaleInfo
	if p.MonitorType == models.MonitorFlash {
		info, err := m.prices.DetectFlashSale(ctx, p.URL)
		if err != nil {
			logger.WithError(err).Warn("Flash sale detection failed, keeping previous info")
		} else {
			flash = &info
		}
	}
	m.resetFailures(id)

	checkedAt := m.opts.Now()
	triggered := false
	updated, err := m.store.UpdateProduct(id, func(cur *models.MonitoredProduct) error {
		if cur.Status != models.StatusActive {
			return errNoLongerActive
		}
		cur.RecordPrice(price, checkedAt)
		cur.LastChecked = checkedAt
		if flash != nil {
			cur.FlashSaleInfo = flash
		}
		if cur.MonitorType == models.MonitorFlash {
			cur.MonitoringInterval = 0
			if _, ph := m.EffectiveInterval(*cur, checkedAt); ph == PhasePreSale {
				cur.MonitoringInterval = m.opts.PreSaleInterval
			}
		}
		if m.evaluator.Evaluate(*cur, price, checkedAt) {
			if err := cur.Transition(models.StatusBuying); err != nil {
				return err
			}
			triggered = true
		}
		return nil
	})
	if errors.Is(err, errNoLongerActive) {
		res.Skipped, res.SkipReason = true, "status_changed"
		return res, nil
	}
	if err != nil {
		logger.WithError(err).Error("Failed to save price")
		return res, err
	}

	res.Price, res.Triggered = price, triggered
	res.Next, res.Phase = m.EffectiveInterval(*updated, checkedAt)

	logger.WithFields(log.Fields{"price": price, "phase": res.Phase.String()}).Debug("Price checked")

	if triggered {
		logger.WithField("price", price).Info("Trigger fired, starting purchase")
		m.sink.Emit(events.TargetPriceReached{Product: *updated, Price: price})
		m.startPurchase(*updated, price)
	}
	return res, nil
}

func (m *Monitor) beginCheck(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inFlight[id] {
		return false
	}
	m.inFlight[id] = true
	return true
}

func (m *Monitor) endCheck(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.inFlight, id)
}

// prepare opens the checkout page once per sale window.
func (m *Monitor) prepare(ctx context.Context, p models.MonitoredProduct) {
	start := *p.FlashSaleInfo.StartTime

	m.mu.Lock()
	if prev, ok := m.prepared[p.ID]; ok && prev.Equal(start) {
		m.mu.Unlock()
		return
	}
	m.prepared[p.ID] = start
	m.mu.Unlock()

	if err := m.buyer.Prepare(ctx, p); err != nil {
		log.WithFields(log.Fields{"product_id": p.ID, "error": err}).Warn("Failed to prepare checkout page")
	}
}

func (m *Monitor) resetFailures(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.failures, id)
}

// recordFailure counts a failed cycle and gives up on the product after too many in a row.
func (m *Monitor) recordFailure(p models.MonitoredProduct, cause error) {
	m.mu.Lock()
	m.failures[p.ID]++
	n := m.failures[p.ID]
	m.mu.Unlock()

	logger := log.WithFields(log.Fields{"product_id": p.ID, "failures": n, "error": cause})
	if n < m.opts.MaxConsecutiveFailures {
		logger.Warn("Price check failed")
		return
	}

	logger.Error("Too many consecutive failures, giving up on product")
	m.Stop(p.ID)
	m.resetFailures(p.ID)

	product := p
	updated, err := m.store.UpdateProduct(p.ID, func(cur *models.MonitoredProduct) error {
		return cur.Transition(models.StatusError)
	})
	if err != nil {
		log.WithFields(log.Fields{"product_id": p.ID, "error": err}).Error("Failed to mark product as errored")
	} else {
		product = *updated
	}
	m.sink.Emit(events.MonitorError{Product: product, Err: cause})
}

// startPurchase runs the checkout in its own goroutine. Stopping or pausing polling never cancels it.
func (m *Monitor) startPurchase(p models.MonitoredProduct, price float64) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.finishPurchase(p, price, errors.New("monitor is shutting down"))
		return
	}
	m.purchases.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.purchases.Done()
		err := m.buyer.Purchase(context.Background(), p)
		m.finishPurchase(p, price, err)
	}()
}

func (m *Monitor) finishPurchase(p models.MonitoredProduct, price float64, purchaseErr error) {
	logger := log.WithField("product_id", p.ID)
	defer m.buyer.Release(p.ID)

	if purchaseErr == nil {
		product := p
		updated, err := m.store.UpdateProduct(p.ID, func(cur *models.MonitoredProduct) error {
			return cur.Transition(models.StatusPurchased)
		})
		if err != nil {
			logger.WithError(err).Error("Failed to mark product as purchased")
		} else {
			product = *updated
		}
		m.Stop(p.ID)
		m.sink.Emit(events.PurchaseSuccess{Product: product, FinalPrice: price})
		return
	}

	logger.WithError(purchaseErr).Error("Purchase failed, resuming monitoring")
	product := p
	updated, err := m.store.UpdateProduct(p.ID, func(cur *models.MonitoredProduct) error {
		return cur.Transition(models.StatusActive)
	})
	if err != nil {
		logger.WithError(err).Error("Failed to revert product to active")
	} else {
		product = *updated
		if !m.Paused() {
			m.Start(p.ID)
		}
	}
	m.sink.Emit(events.PurchaseFailed{Product: product, Err: purchaseErr})
}

// Sync makes the set of polled products match the active products in the store.
// Products being bought keep their goroutine. Sync does nothing while paused.
func (m *Monitor) Sync() error {
	m.mu.Lock()
	paused := m.paused
	m.mu.Unlock()
	if paused {
		return nil
	}

	products, err := m.store.GetProductsByStatus(models.StatusActive, models.StatusBuying)
	if err != nil {
		return err
	}

	keep := make(map[string]bool, len(products))
	for _, p := range products {
		switch p.Status {
		case models.StatusActive:
			keep[p.ID] = true
			m.Start(p.ID)
		case models.StatusBuying:
			keep[p.ID] = true
		}
	}

	for _, id := range m.runningIDs() {
		if !keep[id] {
			m.Stop(id)
		}
	}
	return nil
}

func (m *Monitor) runningIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.tasks))
	for id := range m.tasks {
		ids = append(ids, id)
	}
	return ids
}

// PauseAll stops every polling goroutine. Product statuses and running purchases are untouched.
func (m *Monitor) PauseAll() {
	m.mu.Lock()
	m.paused = true
	m.mu.Unlock()

	for _, id := range m.runningIDs() {
		m.Stop(id)
	}
	log.Info("Monitoring paused")
}

// ResumeAll restarts polling for every active product.
func (m *Monitor) ResumeAll() error {
	m.mu.Lock()
	m.paused = false
	m.mu.Unlock()

	log.Info("Monitoring resumed")
	return m.Sync()
}

// Paused reports whether PauseAll is in effect.
func (m *Monitor) Paused() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.paused
}

// RecoverInterrupted puts products left in buying by a previous run back to active.
func (m *Monitor) RecoverInterrupted() (int, error) {
	products, err := m.store.GetProductsByStatus(models.StatusBuying)
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, p := range products {
		_, err := m.store.UpdateProduct(p.ID, func(cur *models.MonitoredProduct) error {
			return cur.Transition(models.StatusActive)
		})
		if err != nil {
			return recovered, err
		}
		log.WithField("product_id", p.ID).Warn("Purchase was interrupted, product is active again")
		recovered++
	}
	return recovered, nil
}

// Close stops every polling goroutine and waits for them and for running purchases to finish.
func (m *Monitor) Close() {
	m.mu.Lock()
	m.closed = true
	tasks := make([]*task, 0, len(m.tasks))
	for _, t := range m.tasks {
		tasks = append(tasks, t)
	}
	m.tasks = make(map[string]*task)
	m.mu.Unlock()

	for _, t := range tasks {
		t.cancel()
	}
	for _, t := range tasks {
		<-t.done
	}
	m.purchases.Wait()
}
