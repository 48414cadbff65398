package monitor

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"autobuy-bot/internal/database"
	"autobuy-bot/internal/events"
	"autobuy-bot/internal/models"
	"autobuy-bot/internal/trigger"

	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// fakePrices returns the queued results in order and repeats the last one.
type fakePrices struct {
	mu      sync.Mutex
	results []priceResult
	flash   models.FlashSaleInfo
	calls   int
}

type priceResult struct {
	price float64
	err   error
}

func (f *fakePrices) FetchPrice(ctx context.Context, url string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.results) == 0 {
		return 0, errors.New("no price queued")
	}
	r := f.results[0]
	if len(f.results) > 1 {
		f.results = f.results[1:]
	}
	return r.price, r.err
}

func (f *fakePrices) DetectFlashSale(ctx context.Context, url string) (models.FlashSaleInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.flash, nil
}

func (f *fakePrices) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeBuyer struct {
	mu sync.Mutex
	// block, when set, holds Purchase until it is closed.
	block     chan struct{}
	err       error
	purchases int
	prepares  int
	releases  int
}

func (b *fakeBuyer) Prepare(ctx context.Context, p models.MonitoredProduct) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prepares++
	return nil
}

func (b *fakeBuyer) Purchase(ctx context.Context, p models.MonitoredProduct) error {
	if b.block != nil {
		<-b.block
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.purchases++
	return b.err
}

func (b *fakeBuyer) Release(productID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.releases++
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Emit(e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) count(match func(events.Event) bool) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if match(e) {
			n++
		}
	}
	return n
}

func isType[T events.Event](e events.Event) bool {
	_, ok := e.(T)
	return ok
}

type fixture struct {
	db     *database.DB
	prices *fakePrices
	buyer  *fakeBuyer
	sink   *recorder
	clock  *fakeClock
	m      *Monitor
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	db, err := database.New(filepath.Join(t.TempDir(), "monitor.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	f := &fixture{
		db:     db,
		prices: &fakePrices{},
		buyer:  &fakeBuyer{},
		sink:   &recorder{},
		clock:  &fakeClock{t: time.Date(2024, 11, 11, 10, 0, 0, 0, time.UTC)},
	}
	opts.Now = f.clock.Now
	f.m = New(db, f.prices, f.buyer, trigger.New(0), f.sink, opts)
	t.Cleanup(f.m.Close)
	return f
}

func (f *fixture) add(t *testing.T, id string, typ models.MonitorType, price float64) *models.MonitoredProduct {
	t.Helper()
	p := &models.MonitoredProduct{
		ID:          id,
		URL:         "https://shopee.co.id/" + id,
		MonitorType: typ,
		Status:      models.StatusActive,
		AddedAt:     f.clock.Now(),
	}
	p.SetThresholdPrice(price)
	require.NoError(t, f.db.AddProduct(p))
	return p
}

func (f *fixture) get(t *testing.T, id string) *models.MonitoredProduct {
	t.Helper()
	p, err := f.db.GetProductByID(id)
	require.NoError(t, err)
	return p
}

func TestEffectiveInterval(t *testing.T) {
	m := New(nil, nil, nil, trigger.New(0), nil, Options{})
	now := time.Date(2024, 11, 11, 10, 0, 0, 0, time.UTC)
	at := func(d time.Duration) *time.Time { t := now.Add(d); return &t }

	tests := []struct {
		name  string
		p     models.MonitoredProduct
		want  time.Duration
		phase Phase
	}{
		{"default", models.MonitoredProduct{MonitorType: models.MonitorBelow}, 5 * time.Second, PhaseNormal},
		{"override", models.MonitoredProduct{MonitorType: models.MonitorBelow, MonitoringInterval: 2 * time.Second}, 2 * time.Second, PhaseNormal},
		{"in window", models.MonitoredProduct{MonitorType: models.MonitorFlash, FlashSaleInfo: &models.FlashSaleInfo{
			IsFlashSale: true, StartTime: at(-time.Minute), EndTime: at(time.Minute)}}, time.Second, PhaseFlash},
		{"pre-sale", models.MonitoredProduct{MonitorType: models.MonitorFlash, FlashSaleInfo: &models.FlashSaleInfo{
			IsFlashSale: true, StartTime: at(20 * time.Second), EndTime: at(time.Hour)}}, 500 * time.Millisecond, PhasePreSale},
		{"sale far ahead", models.MonitoredProduct{MonitorType: models.MonitorFlash, FlashSaleInfo: &models.FlashSaleInfo{
			IsFlashSale: true, StartTime: at(time.Hour)}}, 5 * time.Second, PhaseNormal},
		{"sale over", models.MonitoredProduct{MonitorType: models.MonitorFlash, FlashSaleInfo: &models.FlashSaleInfo{
			IsFlashSale: true, StartTime: at(-time.Hour), EndTime: at(-time.Minute)}}, 5 * time.Second, PhaseNormal},
		{"flash window on a below product", models.MonitoredProduct{MonitorType: models.MonitorBelow, FlashSaleInfo: &models.FlashSaleInfo{
			IsFlashSale: true}}, 5 * time.Second, PhaseNormal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, phase := m.EffectiveInterval(tt.p, now)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.phase, phase)
		})
	}
}

func TestTickSkipsProductNotDue(t *testing.T) {
	f := newFixture(t, Options{})
	f.add(t, "p1", models.MonitorBelow, 500)
	f.prices.results = []priceResult{{price: 520}}

	res, err := f.m.Tick(context.Background(), "p1")
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	before := f.get(t, "p1")

	f.clock.Advance(2 * time.Second)
	res, err = f.m.Tick(context.Background(), "p1")
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Equal(t, "not_due", res.SkipReason)
	assert.Equal(t, 3*time.Second, res.Next)
	assert.Equal(t, 1, f.prices.Calls())

	after := f.get(t, "p1")
	assert.Equal(t, before.PriceHistory, after.PriceHistory)
	assert.True(t, before.LastChecked.Equal(after.LastChecked))

	f.clock.Advance(3 * time.Second)
	res, err = f.m.Tick(context.Background(), "p1")
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	assert.Equal(t, 2, f.prices.Calls())
}

func TestTickSkipsInactiveProduct(t *testing.T) {
	f := newFixture(t, Options{})
	f.add(t, "p1", models.MonitorBelow, 500)
	_, err := f.db.UpdateProduct("p1", func(p *models.MonitoredProduct) error {
		return p.Transition(models.StatusWaiting)
	})
	require.NoError(t, err)

	res, err := f.m.CheckNow(context.Background(), "p1")
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Equal(t, "waiting", res.SkipReason)
	assert.Zero(t, f.prices.Calls())
}

func TestCheckSkipsWhileInFlight(t *testing.T) {
	f := newFixture(t, Options{})
	f.add(t, "p1", models.MonitorBelow, 500)
	f.prices.results = []priceResult{{price: 520}}

	require.True(t, f.m.beginCheck("p1"))
	res, err := f.m.CheckNow(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, "in_flight", res.SkipReason)
	assert.Zero(t, f.prices.Calls())

	f.m.endCheck("p1")
	res, err = f.m.CheckNow(context.Background(), "p1")
	require.NoError(t, err)
	assert.False(t, res.Skipped)
}

func TestStartStopAreIdempotent(t *testing.T) {
	f := newFixture(t, Options{DefaultInterval: time.Hour})
	f.add(t, "p1", models.MonitorBelow, 500)
	f.prices.results = []priceResult{{price: 520}}

	f.m.Start("p1")
	f.m.Start("p1")
	assert.True(t, f.m.Running("p1"))
	assert.Equal(t, 1, f.sink.count(isType[events.StartMonitoring]))

	f.m.Stop("p1")
	f.m.Stop("p1")
	assert.False(t, f.m.Running("p1"))
	assert.Equal(t, 1, f.sink.count(isType[events.StopMonitoring]))
}

func TestBelowTriggerPurchasesOnce(t *testing.T) {
	f := newFixture(t, Options{})
	f.add(t, "p1", models.MonitorBelow, 500)
	f.prices.results = []priceResult{{price: 520}, {price: 480}}

	res, err := f.m.CheckNow(context.Background(), "p1")
	require.NoError(t, err)
	assert.False(t, res.Triggered)
	assert.Equal(t, models.StatusActive, f.get(t, "p1").Status)

	f.clock.Advance(5 * time.Second)
	res, err = f.m.CheckNow(context.Background(), "p1")
	require.NoError(t, err)
	assert.True(t, res.Triggered)

	f.m.Close()

	p := f.get(t, "p1")
	assert.Equal(t, models.StatusPurchased, p.Status)
	require.Len(t, p.PriceHistory, 2)
	assert.Equal(t, 520.0, p.PriceHistory[0].Price)
	assert.Equal(t, 480.0, p.PriceHistory[1].Price)

	assert.Equal(t, 1, f.buyer.purchases)
	assert.Equal(t, 1, f.sink.count(isType[events.TargetPriceReached]))
	assert.Equal(t, 1, f.sink.count(isType[events.PurchaseSuccess]))
	assert.Equal(t, 1, f.sink.count(func(e events.Event) bool {
		s, ok := e.(events.PurchaseSuccess)
		return ok && s.FinalPrice == 480 && s.Product.Status == models.StatusPurchased
	}))

	res, err = f.m.CheckNow(context.Background(), "p1")
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Equal(t, 2, f.prices.Calls())
}

func TestPurchaseFailureRevertsToActive(t *testing.T) {
	f := newFixture(t, Options{})
	f.add(t, "p1", models.MonitorStrict, 100)
	f.prices.results = []priceResult{{price: 100}}
	f.buyer.err = errors.New("checkout broke")

	res, err := f.m.CheckNow(context.Background(), "p1")
	require.NoError(t, err)
	assert.True(t, res.Triggered)
	f.m.Close()

	assert.Equal(t, models.StatusActive, f.get(t, "p1").Status)
	assert.Equal(t, 1, f.sink.count(isType[events.PurchaseFailed]))
	assert.Zero(t, f.sink.count(isType[events.PurchaseSuccess]))
}

func TestFailedPurchaseRestartsPolling(t *testing.T) {
	f := newFixture(t, Options{DefaultInterval: time.Hour})
	f.add(t, "p1", models.MonitorStrict, 100)
	f.prices.results = []priceResult{{price: 100}}
	f.buyer.err = errors.New("checkout broke")
	f.buyer.block = make(chan struct{})

	res, err := f.m.CheckNow(context.Background(), "p1")
	require.NoError(t, err)
	require.True(t, res.Triggered)
	assert.Equal(t, models.StatusBuying, f.get(t, "p1").Status)

	// a pause and resume during checkout leaves the buying product without a poller
	f.m.PauseAll()
	require.NoError(t, f.m.ResumeAll())
	assert.False(t, f.m.Running("p1"))

	close(f.buyer.block)
	assert.Eventually(t, func() bool {
		return f.m.Running("p1")
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, models.StatusActive, f.get(t, "p1").Status)
	assert.Eventually(t, func() bool {
		return f.sink.count(isType[events.PurchaseFailed]) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestFailedPurchaseStaysPausedWhilePaused(t *testing.T) {
	f := newFixture(t, Options{DefaultInterval: time.Hour})
	f.add(t, "p1", models.MonitorStrict, 100)
	f.prices.results = []priceResult{{price: 100}}
	f.buyer.err = errors.New("checkout broke")
	f.buyer.block = make(chan struct{})

	res, err := f.m.CheckNow(context.Background(), "p1")
	require.NoError(t, err)
	require.True(t, res.Triggered)

	f.m.PauseAll()
	close(f.buyer.block)
	assert.Eventually(t, func() bool {
		return f.sink.count(isType[events.PurchaseFailed]) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.False(t, f.m.Running("p1"))
	assert.Equal(t, models.StatusActive, f.get(t, "p1").Status)
}

func TestPollLoopLogsStoreErrors(t *testing.T) {
	hook := logtest.NewGlobal()
	t.Cleanup(hook.Reset)

	f := newFixture(t, Options{DefaultInterval: 20 * time.Millisecond})
	f.add(t, "p1", models.MonitorBelow, 500)
	require.NoError(t, f.db.Close())

	f.m.Start("p1")
	assert.Eventually(t, func() bool {
		for _, e := range hook.AllEntries() {
			if e.Message == "Poll cycle failed" && e.Data["product_id"] == "p1" {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, f.prices.Calls())
}

func TestEscalationAfterConsecutiveFailures(t *testing.T) {
	f := newFixture(t, Options{MaxConsecutiveFailures: 3})
	f.add(t, "p1", models.MonitorBelow, 500)
	fail := priceResult{err: &models.FetchExhaustedError{Attempts: 3, Last: models.ErrPriceNotFound}}

	f.prices.results = []priceResult{fail, fail, {price: 600}, fail, fail, fail}
	for i := 0; i < 5; i++ {
		f.m.CheckNow(context.Background(), "p1")
	}
	assert.Equal(t, models.StatusActive, f.get(t, "p1").Status)
	assert.Zero(t, f.sink.count(isType[events.MonitorError]))

	_, err := f.m.CheckNow(context.Background(), "p1")
	assert.ErrorIs(t, err, models.ErrPriceNotFound)
	assert.Equal(t, models.StatusError, f.get(t, "p1").Status)
	assert.Equal(t, 1, f.sink.count(isType[events.MonitorError]))
}

func TestFlashPreSalePreparesOnce(t *testing.T) {
	f := newFixture(t, Options{})
	f.add(t, "p1", models.MonitorFlash, 1000)
	start := f.clock.Now().Add(10 * time.Second)
	end := start.Add(time.Hour)
	f.prices.results = []priceResult{{price: 990}}
	f.prices.flash = models.FlashSaleInfo{IsFlashSale: true, StartTime: &start, EndTime: &end}

	res, err := f.m.CheckNow(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, PhasePreSale, res.Phase)
	assert.Equal(t, 500*time.Millisecond, res.Next)
	assert.Zero(t, f.buyer.prepares, "flash info was unknown before the first check")

	p := f.get(t, "p1")
	require.NotNil(t, p.FlashSaleInfo)
	assert.Equal(t, 500*time.Millisecond, p.MonitoringInterval)

	f.clock.Advance(time.Second)
	_, err = f.m.CheckNow(context.Background(), "p1")
	require.NoError(t, err)
	f.clock.Advance(time.Second)
	_, err = f.m.CheckNow(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, 1, f.buyer.prepares)

	// inside the window a 1% drop does not trigger, and the override is cleared
	f.clock.Advance(10 * time.Second)
	res, err = f.m.CheckNow(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, PhaseFlash, res.Phase)
	assert.False(t, res.Triggered)
	assert.Zero(t, f.get(t, "p1").MonitoringInterval)
}

func TestFlashTriggerInsideWindow(t *testing.T) {
	f := newFixture(t, Options{})
	f.add(t, "p1", models.MonitorFlash, 1000)
	start := f.clock.Now().Add(-time.Minute)
	end := f.clock.Now().Add(time.Minute)
	f.prices.results = []priceResult{{price: 790}}
	f.prices.flash = models.FlashSaleInfo{IsFlashSale: true, StartTime: &start, EndTime: &end}

	res, err := f.m.CheckNow(context.Background(), "p1")
	require.NoError(t, err)
	assert.True(t, res.Triggered)
	f.m.Close()
	assert.Equal(t, models.StatusPurchased, f.get(t, "p1").Status)
}

func TestSyncPauseResume(t *testing.T) {
	f := newFixture(t, Options{DefaultInterval: time.Hour})
	f.add(t, "a", models.MonitorBelow, 500)
	f.add(t, "b", models.MonitorBelow, 500)
	f.add(t, "c", models.MonitorBelow, 500)
	f.prices.results = []priceResult{{price: 900}}
	_, err := f.db.UpdateProduct("c", func(p *models.MonitoredProduct) error {
		return p.Transition(models.StatusWaiting)
	})
	require.NoError(t, err)

	require.NoError(t, f.m.Sync())
	assert.True(t, f.m.Running("a"))
	assert.True(t, f.m.Running("b"))
	assert.False(t, f.m.Running("c"))

	f.m.PauseAll()
	assert.False(t, f.m.Running("a"))
	require.NoError(t, f.m.Sync())
	assert.False(t, f.m.Running("a"), "sync does not undo a pause")
	assert.Equal(t, models.StatusActive, f.get(t, "a").Status)

	require.NoError(t, f.m.ResumeAll())
	assert.True(t, f.m.Running("a"))

	_, err = f.db.UpdateProduct("b", func(p *models.MonitoredProduct) error {
		return p.Transition(models.StatusWaiting)
	})
	require.NoError(t, err)
	require.NoError(t, f.m.Sync())
	assert.False(t, f.m.Running("b"))
}

func TestRecoverInterrupted(t *testing.T) {
	f := newFixture(t, Options{})
	f.add(t, "p1", models.MonitorBelow, 500)
	f.add(t, "p2", models.MonitorBelow, 500)
	_, err := f.db.UpdateProduct("p1", func(p *models.MonitoredProduct) error {
		return p.Transition(models.StatusBuying)
	})
	require.NoError(t, err)

	n, err := f.m.RecoverInterrupted()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, models.StatusActive, f.get(t, "p1").Status)
}

func TestRemovedProductStopsPolling(t *testing.T) {
	f := newFixture(t, Options{})

	_, err := f.m.Tick(context.Background(), "gone")
	assert.ErrorIs(t, err, models.ErrProductNotFound)
	assert.False(t, f.m.Running("gone"))
}
