// Package models provides the data structures persisted and exchanged by the harvester:
// instruments, candles, calendar dates, the timeframe catalog and the per-instrument
// document that carries every timeframe's candles and backfill cursor.
package models

// InstrumentTypeEquity marks directly tradable equities in the upstream catalog
const InstrumentTypeEquity = "EQ"

// Instrument is an upstream instrument descriptor. InstrumentKey is the identity.
type Instrument struct {
	InstrumentKey  string `json:"instrument_key"`
	Segment        string `json:"segment"`
	Exchange       string `json:"exchange"`
	ISIN           string `json:"isin"`
	TradingSymbol  string `json:"trading_symbol"`
	Name           string `json:"name"`
	InstrumentType string `json:"instrument_type,omitempty"`
}

// Snapshot returns the identity fields stored inside a document
func (i Instrument) Snapshot() Instrument {
	i.InstrumentType = ""
	return i
}

// DisplayName returns the trading symbol, falling back to the instrument key
func (i Instrument) DisplayName() string {
	if i.TradingSymbol != "" {
		return i.TradingSymbol
	}
	return i.InstrumentKey
}

// IsEquity reports whether the catalog marks the instrument as a tradable equity
func (i Instrument) IsEquity() bool {
	return i.InstrumentType == InstrumentTypeEquity
}

// FilterEquities keeps only the equity instruments, preserving order
func FilterEquities(instruments []Instrument) []Instrument {
	out := make([]Instrument, 0, len(instruments))
	for _, inst := range instruments {
		if inst.IsEquity() {
			out = append(out, inst)
		}
	}
	return out
}
