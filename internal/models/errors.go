package models

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrPriceNotFound     = errors.New("price not found on page")
	ErrProductNotFound   = errors.New("product not found")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// NetworkError is a transport failure or a non-2xx response while loading a page.
type NetworkError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *NetworkError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("GET %s: status code %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("GET %s: %v", e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ParseError means price text was found but is not a usable number.
type ParseError struct {
	Text string
	Err  error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("cannot parse price %q: %v", e.Text, e.Err)
	}
	return fmt.Sprintf("cannot parse price %q", e.Text)
}

func (e *ParseError) Unwrap() error { return e.Err }

// FetchExhaustedError is returned once every fetch attempt has failed. It unwraps to the last failure.
type FetchExhaustedError struct {
	Attempts int
	Last     error
}

func (e *FetchExhaustedError) Error() string {
	return fmt.Sprintf("price fetch failed after %d attempts: %v", e.Attempts, e.Last)
}

func (e *FetchExhaustedError) Unwrap() error { return e.Last }

// ElementNotFoundError is returned when a page element did not appear within the wait timeout.
type ElementNotFoundError struct {
	Selector string
	Timeout  time.Duration
	Err      error
}

func (e *ElementNotFoundError) Error() string {
	return fmt.Sprintf("element %s not found within %s", e.Selector, e.Timeout)
}

func (e *ElementNotFoundError) Unwrap() error { return e.Err }

// ValidationError rejects malformed input before anything is persisted.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ResourceLimitError guards against unbounded growth.
type ResourceLimitError struct {
	Resource string
	Limit    int
}

func (e *ResourceLimitError) Error() string {
	return fmt.Sprintf("%s limit of %d reached", e.Resource, e.Limit)
}
