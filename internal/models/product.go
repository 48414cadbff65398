package models

import (
	"fmt"
	"time"
)

// MaxPriceHistory bounds the price history kept per product.
const MaxPriceHistory = 100

// MonitorType determines which buy condition applies to a product.
type MonitorType string

const (
	MonitorStrict MonitorType = "strict"
	MonitorBelow  MonitorType = "below"
	MonitorFlash  MonitorType = "flash"
)

// ParseMonitorType accepts the lowercase names used by the bot and the API.
func ParseMonitorType(s string) (MonitorType, error) {
	switch MonitorType(s) {
	case MonitorStrict, MonitorBelow, MonitorFlash:
		return MonitorType(s), nil
	}
	return "", &ValidationError{Field: "monitor_type", Reason: fmt.Sprintf("unknown monitor type %q", s)}
}

// Status is the lifecycle state of a monitored product.
type Status string

const (
	StatusActive    Status = "active"
	StatusWaiting   Status = "waiting"
	StatusBuying    Status = "buying"
	StatusPurchased Status = "purchased"
	StatusError     Status = "error"
)

var transitions = map[Status][]Status{
	StatusActive:  {StatusWaiting, StatusBuying, StatusError},
	StatusWaiting: {StatusActive, StatusError},
	// buying -> active is the revert after all purchase attempts failed
	StatusBuying: {StatusPurchased, StatusActive, StatusError},
}

// CanTransition reports whether a product may move from one status to another.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// PricePoint is one observation in a product's price history.
type PricePoint struct {
	Price     float64   `json:"price"`
	Timestamp time.Time `json:"timestamp"`
}

// FlashSaleInfo describes the sale window found on a listing page.
type FlashSaleInfo struct {
	IsFlashSale bool       `json:"is_flash_sale"`
	StartTime   *time.Time `json:"start_time,omitempty"`
	EndTime     *time.Time `json:"end_time,omitempty"`
	FlashPrice  *float64   `json:"flash_price,omitempty"`
}

// InWindow reports whether t falls inside [StartTime, EndTime]. A nil bound is open.
func (f *FlashSaleInfo) InWindow(t time.Time) bool {
	if f == nil || !f.IsFlashSale {
		return false
	}
	if f.StartTime != nil && t.Before(*f.StartTime) {
		return false
	}
	if f.EndTime != nil && t.After(*f.EndTime) {
		return false
	}
	return true
}

// MonitoredProduct is a listing being watched for a price condition
type MonitoredProduct struct {
	ID                 string         `json:"id"`
	URL                string         `json:"url"`
	Name               string         `json:"name,omitempty"`
	MonitorType        MonitorType    `json:"monitor_type"`
	TargetPrice        float64        `json:"target_price,omitempty"`
	BelowPrice         float64        `json:"below_price,omitempty"`
	OriginalPrice      float64        `json:"original_price,omitempty"`
	CurrentPrice       *float64       `json:"current_price"`
	PriceHistory       []PricePoint   `json:"price_history"`
	Status             Status         `json:"status"`
	FlashSaleInfo      *FlashSaleInfo `json:"flash_sale_info,omitempty"`
	LastChecked        time.Time      `json:"last_checked"`
	AddedAt            time.Time      `json:"added_at"`
	MonitoringInterval time.Duration  `json:"monitoring_interval,omitempty"`
}

// ThresholdPrice returns the price field that matches the monitor type.
func (p *MonitoredProduct) ThresholdPrice() float64 {
	switch p.MonitorType {
	case MonitorStrict:
		return p.TargetPrice
	case MonitorBelow:
		return p.BelowPrice
	case MonitorFlash:
		return p.OriginalPrice
	}
	return 0
}

// SetThresholdPrice stores price in the field matching the monitor type and clears the others.
func (p *MonitoredProduct) SetThresholdPrice(price float64) {
	p.TargetPrice, p.BelowPrice, p.OriginalPrice = 0, 0, 0
	switch p.MonitorType {
	case MonitorStrict:
		p.TargetPrice = price
	case MonitorBelow:
		p.BelowPrice = price
	case MonitorFlash:
		p.OriginalPrice = price
	}
}

// Validate checks the fields a product must carry before it is stored.
func (p *MonitoredProduct) Validate() error {
	if p.ID == "" {
		return &ValidationError{Field: "id", Reason: "missing"}
	}
	if p.URL == "" {
		return &ValidationError{Field: "url", Reason: "missing"}
	}
	if _, err := ParseMonitorType(string(p.MonitorType)); err != nil {
		return err
	}

	populated := 0
	for _, v := range []float64{p.TargetPrice, p.BelowPrice, p.OriginalPrice} {
		if v < 0 {
			return &ValidationError{Field: "price", Reason: "must be positive"}
		}
		if v > 0 {
			populated++
		}
	}
	if populated != 1 || p.ThresholdPrice() <= 0 {
		return &ValidationError{Field: "price", Reason: fmt.Sprintf("exactly one positive price is required for %s monitoring", p.MonitorType)}
	}
	if len(p.PriceHistory) > MaxPriceHistory {
		return &ResourceLimitError{Resource: "price_history", Limit: MaxPriceHistory}
	}
	return nil
}

// RecordPrice sets the current price and appends it to the history, evicting the oldest entries
// beyond MaxPriceHistory.
func (p *MonitoredProduct) RecordPrice(price float64, at time.Time) {
	p.CurrentPrice = &price
	p.PriceHistory = append(p.PriceHistory, PricePoint{Price: price, Timestamp: at})
	if over := len(p.PriceHistory) - MaxPriceHistory; over > 0 {
		p.PriceHistory = append([]PricePoint(nil), p.PriceHistory[over:]...)
	}
}

// Transition moves the product to a new status if the lifecycle allows it.
func (p *MonitoredProduct) Transition(to Status) error {
	if p.Status == to {
		return nil
	}
	if !CanTransition(p.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, p.Status, to)
	}
	p.Status = to
	return nil
}
