package models

import (
	"fmt"
	"time"
)

// Settings holds the checkout preferences.
type Settings struct {
	UseSpaylater      bool      `json:"use_spaylater"`
	InstallmentMonths int       `json:"installment_months"`
	PinHash           string    `json:"-"`
	PinSealed         string    `json:"-"`
	LastUpdated       time.Time `json:"last_updated"`
}

// DefaultSettings matches what a fresh install starts with.
func DefaultSettings() Settings {
	return Settings{
		UseSpaylater:      true,
		InstallmentMonths: 6,
	}
}

// HasPin reports whether a PIN has been stored.
func (s Settings) HasPin() bool {
	return s.PinSealed != ""
}

// ValidateInstallmentMonths only accepts the periods offered at checkout.
func ValidateInstallmentMonths(months int) error {
	switch months {
	case 1, 3, 6, 12:
		return nil
	}
	return &ValidationError{Field: "installment_months", Reason: fmt.Sprintf("%d is not one of 1, 3, 6, 12", months)}
}
