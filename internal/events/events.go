package events

import (
	"sync"

	"autobuy-bot/internal/models"
)

// Event is one of the variants declared in this package. The unexported method keeps the set closed.
type Event interface {
	event()
}

// PurchaseSuccess is emitted once a checkout reached its confirmation page.
type PurchaseSuccess struct {
	Product    models.MonitoredProduct
	FinalPrice float64
}

// PurchaseFailed is emitted when every checkout attempt failed; the product goes back to active.
type PurchaseFailed struct {
	Product models.MonitoredProduct
	Err     error
}

// MonitorError is emitted when polling for a product was stopped after repeated failures.
type MonitorError struct {
	Product models.MonitoredProduct
	Err     error
}

// TargetPriceReached is emitted when the trigger fired and the purchase is about to start.
type TargetPriceReached struct {
	Product models.MonitoredProduct
	Price   float64
}

type StartMonitoring struct {
	ProductID string
}

type StopMonitoring struct {
	ProductID string
}

func (PurchaseSuccess) event()    {}
func (PurchaseFailed) event()     {}
func (MonitorError) event()       {}
func (TargetPriceReached) event() {}
func (StartMonitoring) event()    {}
func (StopMonitoring) event()     {}

// Sink receives events.
type Sink interface {
	Emit(e Event)
}

// Handlers dispatches each variant to its typed callback. Nil callbacks are skipped.
type Handlers struct {
	OnPurchaseSuccess    func(PurchaseSuccess)
	OnPurchaseFailed     func(PurchaseFailed)
	OnMonitorError       func(MonitorError)
	OnTargetPriceReached func(TargetPriceReached)
	OnStartMonitoring    func(StartMonitoring)
	OnStopMonitoring     func(StopMonitoring)
}

// Emit implements Sink.
func (h Handlers) Emit(e Event) {
	switch ev := e.(type) {
	case PurchaseSuccess:
		if h.OnPurchaseSuccess != nil {
			h.OnPurchaseSuccess(ev)
		}
	case PurchaseFailed:
		if h.OnPurchaseFailed != nil {
			h.OnPurchaseFailed(ev)
		}
	case MonitorError:
		if h.OnMonitorError != nil {
			h.OnMonitorError(ev)
		}
	case TargetPriceReached:
		if h.OnTargetPriceReached != nil {
			h.OnTargetPriceReached(ev)
		}
	case StartMonitoring:
		if h.OnStartMonitoring != nil {
			h.OnStartMonitoring(ev)
		}
	case StopMonitoring:
		if h.OnStopMonitoring != nil {
			h.OnStopMonitoring(ev)
		}
	}
}

// Bus fans events out to every subscribed sink, in subscription order.
type Bus struct {
	mu    sync.RWMutex
	sinks []Sink
}

// NewBus creates a bus with the given sinks.
func NewBus(sinks ...Sink) *Bus {
	return &Bus{sinks: sinks}
}

// Subscribe adds a sink.
func (b *Bus) Subscribe(s Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sinks = append(b.sinks, s)
}

// Emit implements Sink.
func (b *Bus) Emit(e Event) {
	b.mu.RLock()
	sinks := append([]Sink(nil), b.sinks...)
	b.mu.RUnlock()

	for _, s := range sinks {
		s.Emit(e)
	}
}
