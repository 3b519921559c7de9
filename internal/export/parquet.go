// Package export converts persisted timeframe candles into columnar files for
// offline analysis.
package export

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	json "github.com/goccy/go-json"
	"github.com/parquet-go/parquet-go"
	"github.com/shopspring/decimal"

	errs "github.com/johnayoung/upstox-harvester/internal/errors"
	"github.com/johnayoung/upstox-harvester/internal/models"
)

const component = "export"

// Row is one candle in the flat parquet layout. Null candle values stay null.
type Row struct {
	InstrumentKey string   `parquet:"instrument_key"`
	Timeframe     string   `parquet:"timeframe"`
	Timestamp     string   `parquet:"timestamp"`
	Open          *float64 `parquet:"open,optional"`
	High          *float64 `parquet:"high,optional"`
	Low           *float64 `parquet:"low,optional"`
	Close         *float64 `parquet:"close,optional"`
	Volume        *float64 `parquet:"volume,optional"`
	OpenInterest  *float64 `parquet:"open_interest,optional"`
}

func optional(v decimal.NullDecimal) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Decimal.InexactFloat64()
	return &f
}

// Rows flattens the candles of one timeframe of doc
func Rows(doc *models.Document, tf models.Timeframe) ([]Row, error) {
	if doc == nil {
		return nil, errs.Newf(errs.ErrorTypeValidation, component, "rows", "document is nil")
	}
	state, ok := doc.Timeframes[tf.Key()]
	if !ok || state == nil {
		return nil, errs.Newf(errs.ErrorTypeValidation, component, "rows",
			"document for %s has no timeframe %s", doc.Instrument.DisplayName(), tf.Key())
	}

	rows := make([]Row, 0, len(state.Candles))
	for _, c := range state.Candles {
		rows = append(rows, Row{
			InstrumentKey: doc.Instrument.InstrumentKey,
			Timeframe:     tf.Key(),
			Timestamp:     c.Timestamp,
			Open:          optional(c.Open),
			High:          optional(c.High),
			Low:           optional(c.Low),
			Close:         optional(c.Close),
			Volume:        optional(c.Volume),
			OpenInterest:  optional(c.OpenInterest),
		})
	}
	return rows, nil
}

// ReadDocument decodes a document file written by the file store
func ReadDocument(ctx context.Context, path string) (*models.Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errs.New(errs.ErrorTypeConfiguration, component, "read_document", err)
	}
	defer f.Close()

	var doc models.Document
	if err := json.NewDecoder(f).DecodeContext(ctx, &doc); err != nil {
		return nil, errs.New(errs.ErrorTypeMalformedResponse, component, "read_document",
			fmt.Errorf("decode %s: %w", path, err))
	}
	return &doc, nil
}

// Exporter writes one timeframe of a document file as parquet
type Exporter struct {
	logger *slog.Logger
}

// NewExporter creates an exporter
func NewExporter(log *slog.Logger) *Exporter {
	if log == nil {
		log = slog.Default()
	}
	return &Exporter{logger: log.With("component", component)}
}

// Export reads the document at src and writes the candles of tf to dst. It
// returns the number of rows written.
func (e *Exporter) Export(ctx context.Context, src string, tf models.Timeframe, dst string) (int, error) {
	doc, err := ReadDocument(ctx, src)
	if err != nil {
		return 0, err
	}
	rows, err := Rows(doc, tf)
	if err != nil {
		return 0, err
	}
	if err := parquet.WriteFile(dst, rows); err != nil {
		return 0, errs.New(errs.ErrorTypePersistenceFatal, component, "export",
			fmt.Errorf("write %s: %w", dst, err))
	}

	e.logger.InfoContext(ctx, "Exported timeframe",
		"symbol", doc.Instrument.DisplayName(),
		"timeframe", tf.Key(),
		"rows", len(rows),
		"output", dst)
	return len(rows), nil
}
