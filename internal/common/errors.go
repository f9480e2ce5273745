// Package common holds the error taxonomy shared by the push subsystem.
package common

import (
	"errors"
	"fmt"
	"net/http"
)

// ConfigurationError indicates a required setting is absent.
// It is fatal to the call that needs the setting and is never retried.
type ConfigurationError struct {
	Setting string
	Message string
}

func (e *ConfigurationError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("configuration error: %s is not configured", e.Setting)
	}
	return fmt.Sprintf("configuration error: %s: %s", e.Setting, e.Message)
}

// NewConfigurationError creates a new ConfigurationError.
func NewConfigurationError(setting, message string) *ConfigurationError {
	return &ConfigurationError{Setting: setting, Message: message}
}

// ValidationError indicates a malformed subscription or request payload.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// NewValidationError creates a new ValidationError.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// StoreUnavailableError indicates a storage tier could not serve an operation.
type StoreUnavailableError struct {
	Tier      string
	Operation string
	Err       error
}

func (e *StoreUnavailableError) Error() string {
	return fmt.Sprintf("%s store unavailable during %s: %v", e.Tier, e.Operation, e.Err)
}

func (e *StoreUnavailableError) Unwrap() error {
	return e.Err
}

// NewStoreUnavailableError creates a new StoreUnavailableError.
func NewStoreUnavailableError(tier, operation string, err error) *StoreUnavailableError {
	return &StoreUnavailableError{Tier: tier, Operation: operation, Err: err}
}

// DeliveryError is a failed push to a single endpoint.
// Permanent errors mean the provider confirmed the endpoint is gone.
type DeliveryError struct {
	StatusCode int
	Permanent  bool
	Message    string
	Err        error
}

func (e *DeliveryError) Error() string {
	switch {
	case e.Message != "" && e.StatusCode != 0:
		return fmt.Sprintf("push delivery failed (%d %s): %s", e.StatusCode, http.StatusText(e.StatusCode), e.Message)
	case e.StatusCode != 0:
		return fmt.Sprintf("push delivery failed: %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	case e.Err != nil:
		return "push delivery failed: " + e.Err.Error()
	default:
		return "push delivery failed: " + e.Message
	}
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// NewPermanentDeliveryError creates a DeliveryError for an endpoint the provider reports as gone.
func NewPermanentDeliveryError(statusCode int, message string) *DeliveryError {
	return &DeliveryError{StatusCode: statusCode, Permanent: true, Message: message}
}

// NewTransientDeliveryError creates a DeliveryError that may succeed on a later attempt.
func NewTransientDeliveryError(statusCode int, message string, err error) *DeliveryError {
	return &DeliveryError{StatusCode: statusCode, Message: message, Err: err}
}

// IsPermanentDelivery reports whether err is a DeliveryError marked permanent.
func IsPermanentDelivery(err error) bool {
	var de *DeliveryError
	return errors.As(err, &de) && de.Permanent
}

// IsConfiguration reports whether err is a ConfigurationError.
func IsConfiguration(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
