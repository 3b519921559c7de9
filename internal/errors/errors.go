// Package errors provides error classification and retry policies for the harvester.
// Every failure that crosses a component boundary is wrapped in a ClassifiedError so
// callers can decide between retrying, treating the result as empty, or giving up on
// a single instrument without touching its siblings.
package errors

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrorType represents the category of an error
type ErrorType string

const (
	// ErrorTypeTransientNetwork covers connection errors, timeouts and 5xx responses
	ErrorTypeTransientNetwork ErrorType = "transient_network"
	// ErrorTypeClientRejected covers 4xx responses; never retried
	ErrorTypeClientRejected ErrorType = "client_rejected"
	// ErrorTypeMalformedResponse is a 200 response whose body cannot be decoded
	ErrorTypeMalformedResponse ErrorType = "malformed_response"
	// ErrorTypePersistenceContention is a locked or denied destination during replace
	ErrorTypePersistenceContention ErrorType = "persistence_contention"
	// ErrorTypePersistenceFatal is a save that failed even through the fallback write
	ErrorTypePersistenceFatal ErrorType = "persistence_fatal"
	// ErrorTypeInstrumentFailure wraps anything that aborted one instrument task
	ErrorTypeInstrumentFailure ErrorType = "instrument_failure"
	ErrorTypeValidation        ErrorType = "validation"
	ErrorTypeConfiguration     ErrorType = "configuration"
	ErrorTypeCanceled          ErrorType = "canceled"
	ErrorTypeUnknown           ErrorType = "unknown"
)

// Severity represents the severity level of an error
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// String returns the string representation of severity
func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ClassifiedError represents an error with metadata for handling decisions
type ClassifiedError struct {
	Err       error                  `json:"error"`
	Type      ErrorType              `json:"type"`
	Severity  Severity               `json:"severity"`
	Retryable bool                   `json:"retryable"`
	Component string                 `json:"component"`
	Operation string                 `json:"operation"`
	Context   map[string]interface{} `json:"context,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Attempts  int                    `json:"attempts"`
}

// New creates a classified error with the default severity and retryability of its type
func New(errType ErrorType, component, operation string, err error) *ClassifiedError {
	return &ClassifiedError{
		Err:       err,
		Type:      errType,
		Severity:  severityFor(errType),
		Retryable: retryableFor(errType),
		Component: component,
		Operation: operation,
		Timestamp: time.Now(),
	}
}

// Newf creates a classified error from a formatted message
func Newf(errType ErrorType, component, operation, format string, args ...interface{}) *ClassifiedError {
	return New(errType, component, operation, fmt.Errorf(format, args...))
}

// Error implements the error interface
func (ce *ClassifiedError) Error() string {
	return fmt.Sprintf("[%s/%s] %s: %v", ce.Component, ce.Type, ce.Operation, ce.Err)
}

// Unwrap returns the underlying error
func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

// Is reports a match when target is a ClassifiedError of the same type
func (ce *ClassifiedError) Is(target error) bool {
	if t, ok := target.(*ClassifiedError); ok {
		return ce.Type == t.Type
	}
	return false
}

// WithContext attaches a key/value pair and returns the same error
func (ce *ClassifiedError) WithContext(key string, value interface{}) *ClassifiedError {
	if ce.Context == nil {
		ce.Context = make(map[string]interface{})
	}
	ce.Context[key] = value
	return ce
}

// LogValue implements slog.LogValuer
func (ce *ClassifiedError) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("type", string(ce.Type)),
		slog.String("severity", ce.Severity.String()),
		slog.Bool("retryable", ce.Retryable),
		slog.Int("attempts", ce.Attempts),
		slog.String("message", ce.Error()),
	)
}

func severityFor(errType ErrorType) Severity {
	switch errType {
	case ErrorTypePersistenceFatal:
		return SeverityCritical
	case ErrorTypeInstrumentFailure, ErrorTypeConfiguration:
		return SeverityHigh
	case ErrorTypeClientRejected, ErrorTypeValidation, ErrorTypePersistenceContention:
		return SeverityMedium
	case ErrorTypeTransientNetwork, ErrorTypeMalformedResponse, ErrorTypeCanceled:
		return SeverityLow
	default:
		return SeverityMedium
	}
}

func retryableFor(errType ErrorType) bool {
	switch errType {
	case ErrorTypeTransientNetwork, ErrorTypeMalformedResponse, ErrorTypePersistenceContention:
		return true
	default:
		return false
	}
}

// ErrorClassifier classifies raw errors and runs retry loops, keeping per-type counts
type ErrorClassifier struct {
	logger *slog.Logger
	mu     sync.RWMutex
	stats  map[ErrorType]int64
}

// NewErrorClassifier creates a new error classifier
func NewErrorClassifier(logger *slog.Logger) *ErrorClassifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &ErrorClassifier{
		logger: logger,
		stats:  make(map[ErrorType]int64),
	}
}

// Classify wraps err in a ClassifiedError. Errors that are already classified keep
// their type.
func (ec *ErrorClassifier) Classify(err error, component, operation string) *ClassifiedError {
	if err == nil {
		return nil
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		ec.record(ce.Type)
		return ce
	}

	classified := New(classifyErrorType(err), component, operation, err)
	ec.record(classified.Type)
	return classified
}

// ClassifyStatus maps an HTTP status code onto the taxonomy. Successful codes return
// an empty type.
func ClassifyStatus(code int) ErrorType {
	switch {
	case code >= 200 && code < 300:
		return ""
	case code >= 400 && code < 500:
		return ErrorTypeClientRejected
	default:
		return ErrorTypeTransientNetwork
	}
}

// ClassifyTransport maps a failed HTTP round trip onto the taxonomy. Cancellation is
// terminal; every other transport failure, timeouts included, is transient.
func ClassifyTransport(err error) ErrorType {
	if errors.Is(err, context.Canceled) {
		return ErrorTypeCanceled
	}
	return ErrorTypeTransientNetwork
}

// classifyErrorType determines the error type based on the error value
func classifyErrorType(err error) ErrorType {
	if errors.Is(err, context.Canceled) {
		return ErrorTypeCanceled
	}

	if isNetworkError(err) || errors.Is(err, context.DeadlineExceeded) {
		return ErrorTypeTransientNetwork
	}

	if errors.Is(err, fs.ErrPermission) {
		return ErrorTypePersistenceContention
	}

	errStr := strings.ToLower(err.Error())
	if strings.Contains(errStr, "invalid character") ||
		strings.Contains(errStr, "unexpected end of json") ||
		strings.Contains(errStr, "cannot unmarshal") {
		return ErrorTypeMalformedResponse
	}

	return ErrorTypeUnknown
}

// isNetworkError checks if the error is network-related
func isNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	networkPatterns := []string{
		"connection refused",
		"connection reset",
		"no route to host",
		"network unreachable",
		"eof",
	}

	for _, pattern := range networkPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

func (ec *ErrorClassifier) record(errType ErrorType) {
	ec.mu.Lock()
	ec.stats[errType]++
	ec.mu.Unlock()
}

// Stats returns a snapshot of how many errors of each type were classified
func (ec *ErrorClassifier) Stats() map[ErrorType]int64 {
	ec.mu.RLock()
	defer ec.mu.RUnlock()

	out := make(map[ErrorType]int64, len(ec.stats))
	for k, v := range ec.stats {
		out[k] = v
	}
	return out
}

// Retry runs fn under the backoff policy b. Non-retryable classified failures stop
// immediately. The returned error is the last classified failure with Attempts set,
// or the context error when ctx ends first.
func (ec *ErrorClassifier) Retry(ctx context.Context, component, operation string, b backoff.BackOff, fn func() error) error {
	attempts := 0
	var last *ClassifiedError

	operationFn := func() error {
		attempts++
		err := fn()
		if err == nil {
			return nil
		}

		last = ec.Classify(err, component, operation)
		last.Attempts = attempts
		if !last.Retryable {
			return backoff.Permanent(last)
		}
		return last
	}

	notify := func(err error, wait time.Duration) {
		ec.logger.WarnContext(ctx, "operation failed, retrying",
			"component", component,
			"operation", operation,
			"attempt", attempts,
			"retry_in", wait,
			"error", err)
	}

	err := backoff.RetryNotify(operationFn, backoff.WithContext(b, ctx), notify)
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return New(ErrorTypeCanceled, component, operation, ctxErr)
	}
	if last != nil {
		return last
	}
	return err
}

// NewFetchBackOff returns the request retry policy: attempts total tries, sleeping
// base, 2*base, 4*base... between them.
func NewFetchBackOff(base time.Duration, attempts int) backoff.BackOff {
	if attempts < 1 {
		attempts = 1
	}
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = base
	exp.Multiplier = 2
	exp.RandomizationFactor = 0
	exp.MaxInterval = maxFetchInterval(base, attempts)
	exp.MaxElapsedTime = 0
	exp.Reset()
	return backoff.WithMaxRetries(exp, uint64(attempts-1))
}

// maxFetchInterval returns base doubled attempts times, saturating at MaxInt64
func maxFetchInterval(base time.Duration, attempts int) time.Duration {
	if base <= 0 {
		return base
	}
	interval := base
	for i := 0; i < attempts; i++ {
		if interval > math.MaxInt64/2 {
			return math.MaxInt64
		}
		interval *= 2
	}
	return interval
}

// NewReplaceBackOff returns the atomic replace retry policy: attempts total tries,
// starting at initial and doubling up to maxDelay.
func NewReplaceBackOff(initial, maxDelay time.Duration, attempts int) backoff.BackOff {
	if attempts < 1 {
		attempts = 1
	}
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = initial
	exp.Multiplier = 2
	exp.RandomizationFactor = 0
	exp.MaxInterval = maxDelay
	exp.MaxElapsedTime = 0
	exp.Reset()
	return backoff.WithMaxRetries(exp, uint64(attempts-1))
}

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Retryable
	}
	return false
}

// TypeOf extracts the error type from a classified error
func TypeOf(err error) ErrorType {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Type
	}
	return ErrorTypeUnknown
}

// IsType reports whether err is classified as errType
func IsType(err error, errType ErrorType) bool {
	return errors.Is(err, &ClassifiedError{Type: errType})
}
