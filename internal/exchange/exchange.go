// Package exchange defines the upstream data interfaces used by the harvester and the
// Upstox implementation of them.
//
// The interfaces are intentionally small: the collector only needs to fetch one ranged
// chunk of candles and to list the instrument universe.
package exchange

import (
	"context"
	"fmt"

	"github.com/johnayoung/upstox-harvester/internal/models"
)

// CandleFetcher retrieves one ranged chunk of candles.
//
// A nil error with an empty slice means the API has no data for the range, which the
// caller treats as a definitive answer. A non-nil error means the result is absent:
// retries were exhausted or the context ended, and the same chunk should be tried
// again on a later run.
//
// Implementations should:
// - Validate the request parameters
// - Respect any process-wide rate limit and in-flight ceiling
// - Retry transient failures internally before reporting them
// - Never retry client rejections (4xx), reporting them as an empty result
type CandleFetcher interface {
	FetchCandles(ctx context.Context, req FetchRequest) ([]models.Candle, error)
}

// InstrumentSource produces the instrument universe to harvest.
//
// Implementations return only directly tradable equities.
type InstrumentSource interface {
	Instruments(ctx context.Context) ([]models.Instrument, error)
}

// FetchRequest describes one inclusive date range for one instrument and timeframe
type FetchRequest struct {
	InstrumentKey string
	Timeframe     models.Timeframe
	From          models.Date
	To            models.Date
}

// Validate checks the request for missing or inverted fields
func (r *FetchRequest) Validate() error {
	if r.InstrumentKey == "" {
		return &ValidationError{Field: "instrument_key", Message: "instrument key cannot be empty"}
	}

	if r.Timeframe.Unit == "" {
		return &ValidationError{Field: "unit", Message: "unit cannot be empty"}
	}

	if r.Timeframe.Interval == "" {
		return &ValidationError{Field: "interval", Message: "interval cannot be empty"}
	}

	if r.From.IsZero() || r.To.IsZero() {
		return &ValidationError{Field: "range", Message: "from and to dates are required"}
	}

	if r.From.After(r.To) {
		return &ValidationError{Field: "range", Message: fmt.Sprintf("from %s is after to %s", r.From, r.To)}
	}

	return nil
}

// String implements fmt.Stringer
func (r FetchRequest) String() string {
	return fmt.Sprintf("%s %s %s..%s", r.InstrumentKey, r.Timeframe, r.From, r.To)
}

// ValidationError represents a validation error for exchange types.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on field %s: %s", e.Field, e.Message)
}
