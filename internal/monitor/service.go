package monitor

import (
	"context"
	"fmt"
	"math"
	"net/url"
	"strings"
	"time"

	"autobuy-bot/internal/models"
	"autobuy-bot/internal/pin"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

const DefaultMaxProducts = 50

// ProductStore is the persistence the Service needs on top of the monitor's.
type ProductStore interface {
	Store
	AddProduct(p *models.MonitoredProduct) error
	DeleteProduct(id string) error
	CountProducts() (int, error)
	GetSettings() (models.Settings, error)
	UpdateSettings(fn func(s *models.Settings) error) (models.Settings, error)
}

// Listings tells whether a listing URL can be scraped and looks up its title.
type Listings interface {
	CanHandle(url string) bool
	GetName(ctx context.Context, url string) (string, error)
}

// PinSealer seals a PIN for storage.
type PinSealer interface {
	Seal(pin string) (string, error)
}

// AddProductRequest is the user input for a new product.
type AddProductRequest struct {
	URL         string             `json:"url" binding:"required"`
	Name        string             `json:"name"`
	MonitorType models.MonitorType `json:"monitor_type" binding:"required"`
	Price       float64            `json:"price" binding:"required"`
}

// SettingsUpdate changes only the fields that are set.
type SettingsUpdate struct {
	UseSpaylater      *bool   `json:"use_spaylater"`
	InstallmentMonths *int    `json:"installment_months"`
	Pin               *string `json:"pin"`
}

// Service validates user requests and keeps the store and the monitor in step.
type Service struct {
	store       ProductStore
	monitor     *Monitor
	urls        Listings
	pins        PinSealer
	maxProducts int
	now         func() time.Time
}

func NewService(store ProductStore, monitor *Monitor, urls Listings, pins PinSealer, maxProducts int) *Service {
	if maxProducts <= 0 {
		maxProducts = DefaultMaxProducts
	}
	return &Service{
		store:       store,
		monitor:     monitor,
		urls:        urls,
		pins:        pins,
		maxProducts: maxProducts,
		now:         time.Now,
	}
}

// AddProduct validates the request, stores the product as active and starts polling it.
// Nothing is stored when validation fails.
func (s *Service) AddProduct(ctx context.Context, req AddProductRequest) (*models.MonitoredProduct, error) {
	rawURL := strings.TrimSpace(req.URL)
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, &models.ValidationError{Field: "url", Reason: "must be an http(s) URL"}
	}
	if !s.urls.CanHandle(rawURL) {
		return nil, &models.ValidationError{Field: "url", Reason: fmt.Sprintf("%s is not a supported store", u.Host)}
	}

	monitorType, err := models.ParseMonitorType(strings.ToLower(string(req.MonitorType)))
	if err != nil {
		return nil, err
	}
	if req.Price <= 0 || math.IsNaN(req.Price) || math.IsInf(req.Price, 0) {
		return nil, &models.ValidationError{Field: "price", Reason: "must be a positive number"}
	}

	count, err := s.store.CountProducts()
	if err != nil {
		return nil, err
	}
	if count >= s.maxProducts {
		return nil, &models.ResourceLimitError{Resource: "products", Limit: s.maxProducts}
	}

	p := &models.MonitoredProduct{
		ID:          uuid.NewString(),
		URL:         rawURL,
		Name:        strings.TrimSpace(req.Name),
		MonitorType: monitorType,
		Status:      models.StatusActive,
		AddedAt:     s.now().UTC(),
	}
	p.SetThresholdPrice(req.Price)

	if p.Name == "" {
		name, err := s.urls.GetName(ctx, rawURL)
		if err != nil {
			log.WithError(err).WithField("url", rawURL).Warn("Could not read product name")
		} else {
			p.Name = name
		}
	}

	if err := s.store.AddProduct(p); err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{"product_id": p.ID, "url": p.URL, "monitor_type": p.MonitorType}).Info("Product added")
	if !s.monitor.Paused() {
		s.monitor.Start(p.ID)
	}
	return p, nil
}

// RemoveProduct stops polling and deletes the product.
func (s *Service) RemoveProduct(id string) error {
	if _, err := s.store.GetProductByID(id); err != nil {
		return err
	}
	s.monitor.Forget(id)
	if err := s.store.DeleteProduct(id); err != nil {
		return err
	}
	log.WithField("product_id", id).Info("Product removed")
	return nil
}

// ToggleProduct flips a product between active and waiting.
func (s *Service) ToggleProduct(id string) (*models.MonitoredProduct, error) {
	p, err := s.store.UpdateProduct(id, func(p *models.MonitoredProduct) error {
		switch p.Status {
		case models.StatusActive:
			return p.Transition(models.StatusWaiting)
		case models.StatusWaiting:
			return p.Transition(models.StatusActive)
		}
		return &models.ValidationError{Field: "status", Reason: fmt.Sprintf("a %s product cannot be toggled", p.Status)}
	})
	if err != nil {
		return nil, err
	}

	if p.Status == models.StatusActive {
		if !s.monitor.Paused() {
			s.monitor.Start(id)
		}
	} else {
		s.monitor.Stop(id)
	}
	return p, nil
}

func (s *Service) ListProducts() ([]models.MonitoredProduct, error) {
	return s.store.GetProducts()
}

func (s *Service) GetProduct(id string) (*models.MonitoredProduct, error) {
	return s.store.GetProductByID(id)
}

// CheckNow polls the product immediately and returns it as stored afterwards.
func (s *Service) CheckNow(ctx context.Context, id string) (*models.MonitoredProduct, CheckResult, error) {
	res, err := s.monitor.CheckNow(ctx, id)
	if err != nil {
		return nil, res, err
	}
	p, err := s.store.GetProductByID(id)
	return p, res, err
}

func (s *Service) Pause() {
	s.monitor.PauseAll()
}

func (s *Service) Resume() error {
	return s.monitor.ResumeAll()
}

func (s *Service) Paused() bool {
	return s.monitor.Paused()
}

func (s *Service) GetSettings() (models.Settings, error) {
	return s.store.GetSettings()
}

// UpdateSettings applies the set fields. A new PIN is validated, hashed and sealed before anything is written.
func (s *Service) UpdateSettings(u SettingsUpdate) (models.Settings, error) {
	if u.InstallmentMonths != nil {
		if err := models.ValidateInstallmentMonths(*u.InstallmentMonths); err != nil {
			return models.Settings{}, err
		}
	}

	var hash, sealed string
	if u.Pin != nil {
		if err := pin.Validate(*u.Pin); err != nil {
			return models.Settings{}, err
		}
		var err error
		if sealed, err = s.pins.Seal(*u.Pin); err != nil {
			return models.Settings{}, fmt.Errorf("cannot store PIN: %w", err)
		}
		if hash, err = pin.Hash(*u.Pin); err != nil {
			return models.Settings{}, err
		}
	}

	settings, err := s.store.UpdateSettings(func(cur *models.Settings) error {
		if u.UseSpaylater != nil {
			cur.UseSpaylater = *u.UseSpaylater
		}
		if u.InstallmentMonths != nil {
			cur.InstallmentMonths = *u.InstallmentMonths
		}
		if u.Pin != nil {
			cur.PinHash, cur.PinSealed = hash, sealed
		}
		return nil
	})
	if err != nil {
		return models.Settings{}, err
	}
	log.WithFields(log.Fields{
		"use_spaylater":      settings.UseSpaylater,
		"installment_months": settings.InstallmentMonths,
		"pin_set":            settings.HasPin(),
	}).Info("Settings updated")
	return settings, nil
}
