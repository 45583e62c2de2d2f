// Package errors provides custom error types for domain-specific errors.
package errors

import (
	"errors"
	"fmt"
)

// Standard sentinel errors
var (
	ErrInvalidInput     = errors.New("invalid input")
	ErrCreationFailed   = errors.New("strategy creation failed")
	ErrChannel          = errors.New("update channel error")
	ErrStrategyNotFound = errors.New("strategy not found")
	ErrNotConnected     = errors.New("not connected")
	ErrManagerClosed    = errors.New("subscription manager closed")
	ErrConfigInvalid    = errors.New("invalid configuration")
	ErrRateLimited      = errors.New("rate limited")
	ErrServiceDown      = errors.New("strategy service unavailable")
)

// InvalidInputError is returned when builder or request input is rejected.
type InvalidInputError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e *InvalidInputError) Error() string {
	if e.Value == nil {
		return fmt.Sprintf("invalid input: %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("invalid input: %s (%v): %s", e.Field, e.Value, e.Message)
}

// Is matches ErrInvalidInput.
func (e *InvalidInputError) Is(target error) bool {
	return target == ErrInvalidInput
}

// NewInvalidInputError creates a new InvalidInputError.
func NewInvalidInputError(field string, value interface{}, message string) *InvalidInputError {
	return &InvalidInputError{
		Field:   field,
		Value:   value,
		Message: message,
	}
}

// CreationFailedError is returned when the strategy service rejects or fails a create.
type CreationFailedError struct {
	StrategyType string
	Reason       string
	Err          error
}

func (e *CreationFailedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("creating %s strategy: %s: %v", e.StrategyType, e.Reason, e.Err)
	}
	return fmt.Sprintf("creating %s strategy: %s", e.StrategyType, e.Reason)
}

func (e *CreationFailedError) Unwrap() error {
	return e.Err
}

// Is matches ErrCreationFailed.
func (e *CreationFailedError) Is(target error) bool {
	return target == ErrCreationFailed
}

// NewCreationFailedError creates a new CreationFailedError.
func NewCreationFailedError(strategyType, reason string, err error) *CreationFailedError {
	return &CreationFailedError{
		StrategyType: strategyType,
		Reason:       reason,
		Err:          err,
	}
}

// ChannelError describes a failure of the persistent update channel.
// It is reported through connectivity status, never returned to callers of
// store reads.
type ChannelError struct {
	Op  string
	Err error
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("channel %s: %v", e.Op, e.Err)
}

func (e *ChannelError) Unwrap() error {
	return e.Err
}

// Is matches ErrChannel.
func (e *ChannelError) Is(target error) bool {
	return target == ErrChannel
}

// NewChannelError creates a new ChannelError.
func NewChannelError(op string, err error) *ChannelError {
	return &ChannelError{Op: op, Err: err}
}

// APIError is a non-2xx response from the strategy service.
type APIError struct {
	Status   int
	Method   string
	Endpoint string
	Detail   string
}

func (e *APIError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("api error [%d] %s %s: %s", e.Status, e.Method, e.Endpoint, e.Detail)
	}
	return fmt.Sprintf("api error [%d] %s %s", e.Status, e.Method, e.Endpoint)
}

// Is maps 429 to ErrRateLimited and 404 to ErrStrategyNotFound.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrRateLimited:
		return e.Status == 429
	case ErrStrategyNotFound:
		return e.Status == 404
	}
	return false
}

// Retryable reports whether the request may succeed on retry.
func (e *APIError) Retryable() bool {
	return e.Status == 429 || e.Status >= 500
}

// NewAPIError creates a new APIError.
func NewAPIError(status int, method, endpoint, detail string) *APIError {
	return &APIError{
		Status:   status,
		Method:   method,
		Endpoint: endpoint,
		Detail:   detail,
	}
}

// StoreError represents a local persistence failure.
type StoreError struct {
	Operation string
	Err       error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store error [%s]: %v", e.Operation, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// NewStoreError creates a new StoreError.
func NewStoreError(operation string, err error) *StoreError {
	return &StoreError{Operation: operation, Err: err}
}

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// New returns an error with the given text.
func New(text string) error {
	return errors.New(text)
}

// Join returns an error wrapping errs, or nil when all are nil.
func Join(errs ...error) error {
	return errors.Join(errs...)
}
