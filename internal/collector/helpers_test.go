package collector

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	errs "github.com/johnayoung/upstox-harvester/internal/errors"
	"github.com/johnayoung/upstox-harvester/internal/exchange"
	"github.com/johnayoung/upstox-harvester/internal/models"
	"github.com/johnayoung/upstox-harvester/internal/storage"
)

var (
	daily    = models.Timeframe{Unit: models.UnitDays, Interval: "1"}
	minute15 = models.Timeframe{Unit: models.UnitMinutes, Interval: "15"}

	reliance = models.Instrument{
		InstrumentKey:  "NSE_EQ|INE002A01018",
		Segment:        "NSE_EQ",
		Exchange:       "NSE",
		TradingSymbol:  "RELIANCE",
		Name:           "RELIANCE INDUSTRIES LTD",
		InstrumentType: "EQ",
	}
	infosys = models.Instrument{
		InstrumentKey:  "NSE_EQ|INE009A01021",
		Segment:        "NSE_EQ",
		Exchange:       "NSE",
		TradingSymbol:  "INFY",
		Name:           "INFOSYS LIMITED",
		InstrumentType: "EQ",
	}
)

func createTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fixedClock returns a clock stuck at noon UTC of the given date
func fixedClock(date string) func() time.Time {
	d := models.MustParseDate(date)
	return func() time.Time { return d.Time().Add(12 * time.Hour) }
}

// candleOn builds a daily candle for date
func candleOn(date string, close float64) models.Candle {
	return models.NewCandle(date+"T00:00:00+05:30", close-1, close+1, close-2, close, 1000, 0)
}

// scriptedFetcher answers every request through respond and records the calls
type scriptedFetcher struct {
	mu      sync.Mutex
	calls   []exchange.FetchRequest
	respond func(ctx context.Context, req exchange.FetchRequest) ([]models.Candle, error)
}

func (f *scriptedFetcher) FetchCandles(ctx context.Context, req exchange.FetchRequest) ([]models.Candle, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()
	if f.respond == nil {
		return []models.Candle{}, nil
	}
	return f.respond(ctx, req)
}

func (f *scriptedFetcher) Calls() []exchange.FetchRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]exchange.FetchRequest(nil), f.calls...)
}

func (f *scriptedFetcher) CallsFor(key string) []exchange.FetchRequest {
	var out []exchange.FetchRequest
	for _, c := range f.Calls() {
		if c.InstrumentKey == key {
			out = append(out, c)
		}
	}
	return out
}

// emptyFetcher reports no data for every range
func emptyFetcher() *scriptedFetcher {
	return &scriptedFetcher{}
}

// failingFetcher reports every range as absent
func failingFetcher() *scriptedFetcher {
	return &scriptedFetcher{respond: func(ctx context.Context, req exchange.FetchRequest) ([]models.Candle, error) {
		return nil, errs.Newf(errs.ErrorTypeTransientNetwork, "exchange", "fetch_candles", "status 503")
	}}
}

// staticSource serves a fixed instrument list
type staticSource struct {
	instruments []models.Instrument
	err         error
}

func (s staticSource) Instruments(ctx context.Context) ([]models.Instrument, error) {
	return s.instruments, s.err
}

func newJob(t *testing.T, store storage.DocumentStore, inst models.Instrument, now time.Time) *Job {
	t.Helper()
	key := store.Locate(inst)
	doc := mustLoad(t, store, key)
	if doc == nil {
		doc = models.NewDocument(inst, now)
	}
	return &Job{Key: key, Instrument: inst, Doc: doc}
}

// mustLoad loads key and fails the test on a read error
func mustLoad(t *testing.T, store storage.DocumentStore, key string) *models.Document {
	t.Helper()
	doc, err := store.Load(context.Background(), key)
	require.NoError(t, err)
	return doc
}

// seed stores a document for inst whose tf holds the given daily candles
func seed(t *testing.T, store storage.DocumentStore, inst models.Instrument, tf models.Timeframe, dates ...string) {
	t.Helper()
	doc := models.NewDocument(inst, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	state := doc.EnsureTimeframe(tf)
	for i, d := range dates {
		state.Candles = append(state.Candles, candleOn(d, float64(100+i)))
	}
	require.NoError(t, state.UpdateBounds())
	require.NoError(t, store.Save(context.Background(), store.Locate(inst), doc))
}
