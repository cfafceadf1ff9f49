// Package errors implements the error classifier (C1): mapping a raw
// failure to {category, retryable, confidence, recovery_hint}, plus the
// ClassifiedError type every component boundary in the core uses to
// carry that classification alongside the underlying cause.
package errors

import (
	"fmt"
	"time"

	pkgerrors "github.com/pkg/errors"
)

// Category is one of the eleven failure categories the classifier
// recognizes.
type Category string

const (
	CategoryNetwork     Category = "network"
	CategoryTimeout     Category = "timeout"
	CategoryRateLimit   Category = "rate_limit"
	CategoryAuth        Category = "auth"
	CategoryBrowser     Category = "browser"
	CategoryParsing     Category = "parsing"
	CategoryValidation  Category = "validation"
	CategoryServerError Category = "server_error"
	CategoryResource    Category = "resource"
	CategoryTransient   Category = "transient"
	CategoryUnknown     Category = "unknown"
)

// defaultRetryable gives the retryable default for a category absent any
// learned override, per spec.md §4.1.
var defaultRetryable = map[Category]bool{
	CategoryNetwork:     true,
	CategoryTimeout:     true,
	CategoryRateLimit:   true,
	CategoryBrowser:     true,
	CategoryServerError: true,
	CategoryTransient:   true,
	CategoryAuth:        false,
	CategoryParsing:     false,
	CategoryValidation:  false,
	// CategoryUnknown follows the caller-set retryable flag on the error
	// value if present, else false; handled in Classify.
}

// ClassifiedError is the error type that crosses every component boundary
// in the core, carrying its classification alongside the cause.
type ClassifiedError struct {
	Code         string
	Message      string
	Category     Category
	Retryable    bool
	Confidence   float64
	RecoveryHint string

	Provider      string
	CorrelationID string
	Timestamp     time.Time

	// CircuitOpen marks a distinguished circuit-open rejection; C3/C5
	// must treat it as non-retryable regardless of Category.
	CircuitOpen bool
	// OpenUntil is populated when CircuitOpen is set.
	OpenUntil time.Time

	cause error
}

func (e *ClassifiedError) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("[%s/%s] %s", e.Provider, e.Category, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Category, e.Message)
}

// Unwrap exposes the underlying cause for errors.Is/As.
func (e *ClassifiedError) Unwrap() error {
	return e.cause
}

// IsRetryable reports whether C3 should attempt a retry for this error.
func (e *ClassifiedError) IsRetryable() bool {
	if e.CircuitOpen {
		return false
	}
	return e.Retryable
}

// New creates a ClassifiedError wrapping cause (may be nil).
func New(code string, category Category, message string, cause error) *ClassifiedError {
	return &ClassifiedError{
		Code:      code,
		Message:   message,
		Category:  category,
		Retryable: defaultRetryable[category],
		Timestamp: time.Now(),
		cause:     cause,
	}
}

// CircuitOpenError constructs the distinguished "circuit open" failure
// C2 returns for rejected attempts while Open.
func CircuitOpenError(provider string, openUntil time.Time) *ClassifiedError {
	return &ClassifiedError{
		Code:        "circuit_open",
		Message:     "circuit breaker open for provider " + provider,
		Category:    CategoryUnknown,
		Retryable:   false,
		Provider:    provider,
		Timestamp:   time.Now(),
		CircuitOpen: true,
		OpenUntil:   openUntil,
	}
}

// Wrap attaches a code/category to an arbitrary error using
// github.com/pkg/errors to preserve the wrap/cause chain for errors that
// already carry one.
func Wrap(err error, code string, category Category) *ClassifiedError {
	if err == nil {
		return nil
	}
	if ce, ok := err.(*ClassifiedError); ok {
		return ce
	}
	wrapped := pkgerrors.WithMessage(err, code)
	return New(code, category, wrapped.Error(), err)
}
