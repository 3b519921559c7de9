package collector

import (
	"context"
	"errors"
	"io/fs"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johnayoung/upstox-harvester/internal/config"
	"github.com/johnayoung/upstox-harvester/internal/exchange"
	"github.com/johnayoung/upstox-harvester/internal/models"
	"github.com/johnayoung/upstox-harvester/internal/storage"
)

func testConfig(today string, timeframes ...models.Timeframe) Config {
	cfg := Config{
		MaxConcurrency: 3,
		Location:       time.UTC,
		Clock:          fixedClock(today),
	}
	if len(timeframes) > 0 {
		cfg.Timeframes = timeframes
	}
	return cfg
}

func TestOrchestrator_Run_NewInstrumentEmptyHistory(t *testing.T) {
	store := storage.NewMemoryStore()
	fetcher := emptyFetcher()
	orch := NewOrchestrator(nil, fetcher, store, testConfig("2024-06-05", daily), createTestLogger())

	report, err := orch.Run(context.Background(), []models.Instrument{reliance})
	require.NoError(t, err)

	stats := report.Stats()
	assert.Equal(t, int64(1), stats.InstrumentsTotal)
	assert.Equal(t, int64(1), stats.InstrumentsCompleted)
	assert.Equal(t, int64(0), stats.InstrumentsFailed)

	raw, ok := store.Raw("NSE_EQ/RELIANCE.json")
	require.True(t, ok)
	assert.JSONEq(t, `{
		"instrument": {
			"instrument_key": "NSE_EQ|INE002A01018",
			"segment": "NSE_EQ",
			"exchange": "NSE",
			"isin": "",
			"trading_symbol": "RELIANCE",
			"name": "RELIANCE INDUSTRIES LTD"
		},
		"timeframes": {
			"days|1": {
				"min_seen_date": null,
				"max_seen_date": null,
				"next_backfill_to_date": null,
				"done_backfill": true,
				"candles": []
			}
		},
		"last_updated_utc": "2024-06-05T12:00:00.000000Z",
		"schema_version": 2
	}`, string(raw))

	// document creation, then the completion commit; top-up has nothing to anchor on
	assert.Equal(t, 2, store.SaveCount("NSE_EQ/RELIANCE.json"))
	assert.Len(t, fetcher.Calls(), 1)
}

func TestOrchestrator_Run_CatalogOrder(t *testing.T) {
	store := storage.NewMemoryStore()
	fetcher := &scriptedFetcher{respond: func(ctx context.Context, req exchange.FetchRequest) ([]models.Candle, error) {
		// one candle on today for the first chunk of every timeframe, then nothing
		if req.To.String() == "2024-06-05" {
			return []models.Candle{candleOn("2024-06-05", 1)}, nil
		}
		return []models.Candle{}, nil
	}}
	orch := NewOrchestrator(nil, fetcher, store, testConfig("2024-06-05"), createTestLogger())

	_, err := orch.Run(context.Background(), []models.Instrument{reliance})
	require.NoError(t, err)

	var order []string
	for _, c := range fetcher.Calls() {
		if len(order) == 0 || order[len(order)-1] != c.Timeframe.Key() {
			order = append(order, c.Timeframe.Key())
		}
	}
	assert.Equal(t, []string{"days|1", "hours|4", "hours|1", "minutes|15", "minutes|3", "minutes|1"}, order)

	doc := mustLoad(t, store, "NSE_EQ/RELIANCE.json")
	require.NotNil(t, doc)
	assert.Len(t, doc.Timeframes, len(models.Catalog))
	for key, state := range doc.Timeframes {
		assert.True(t, state.DoneBackfill, key)
		assert.Len(t, state.Candles, 1, key)
	}
}

func TestOrchestrator_Run_DeduplicatesAndLimits(t *testing.T) {
	store := storage.NewMemoryStore()
	fetcher := emptyFetcher()

	sameDocument := models.Instrument{InstrumentKey: "NSE_EQ|OTHER", Segment: "NSE_EQ", TradingSymbol: "RELIANCE"}
	noKey := models.Instrument{TradingSymbol: "GHOST"}
	tcs := models.Instrument{InstrumentKey: "NSE_EQ|INE467B01029", Segment: "NSE_EQ", TradingSymbol: "TCS"}

	t.Run("duplicates and missing keys", func(t *testing.T) {
		orch := NewOrchestrator(nil, fetcher, store, testConfig("2024-06-05", daily), createTestLogger())
		report, err := orch.Run(context.Background(), []models.Instrument{reliance, reliance, noKey, infosys, sameDocument})
		require.NoError(t, err)

		stats := report.Stats()
		assert.Equal(t, int64(2), stats.InstrumentsTotal)
		assert.Equal(t, int64(2), stats.InstrumentsCompleted)
		assert.Equal(t, int64(2), stats.InstrumentsSkipped)

		assert.Len(t, fetcher.CallsFor(reliance.InstrumentKey), 1)
		assert.Len(t, fetcher.CallsFor(infosys.InstrumentKey), 1)
		assert.Empty(t, fetcher.CallsFor(sameDocument.InstrumentKey))
	})

	t.Run("limit", func(t *testing.T) {
		cfg := testConfig("2024-06-05", daily)
		cfg.Limit = 1
		limited := emptyFetcher()
		orch := NewOrchestrator(nil, limited, storage.NewMemoryStore(), cfg, createTestLogger())

		report, err := orch.Run(context.Background(), []models.Instrument{tcs, reliance, infosys})
		require.NoError(t, err)
		assert.Equal(t, int64(1), report.Stats().InstrumentsTotal)
		assert.Len(t, limited.CallsFor(tcs.InstrumentKey), 1)
		assert.Len(t, limited.Calls(), 1)
	})
}

func TestOrchestrator_Run_ResumesExistingDocument(t *testing.T) {
	store := storage.NewMemoryStore()
	seed(t, store, reliance, daily, "2024-06-01")
	doc := mustLoad(t, store, "NSE_EQ/RELIANCE.json")
	doc.Timeframes["days|1"].DoneBackfill = true
	require.NoError(t, store.Save(context.Background(), "NSE_EQ/RELIANCE.json", doc))

	fetcher := &scriptedFetcher{respond: func(ctx context.Context, req exchange.FetchRequest) ([]models.Candle, error) {
		return []models.Candle{candleOn("2024-06-02", 1), candleOn("2024-06-03", 2), candleOn("2024-06-04", 3)}, nil
	}}
	orch := NewOrchestrator(nil, fetcher, store, testConfig("2024-06-05", daily), createTestLogger())

	_, err := orch.Run(context.Background(), []models.Instrument{reliance})
	require.NoError(t, err)

	calls := fetcher.Calls()
	require.Len(t, calls, 1, "backfill is done, only the top-up fetches")
	assert.Equal(t, "2024-06-02", calls[0].From.String())

	state := mustLoad(t, store, "NSE_EQ/RELIANCE.json").Timeframes["days|1"]
	assert.Len(t, state.Candles, 4)
	assert.Equal(t, "2024-06-04", state.MaxSeenDate.String())
}

func TestOrchestrator_Run_FailuresAreIsolated(t *testing.T) {
	store := storage.NewMemoryStore()
	fetcher := &scriptedFetcher{respond: func(ctx context.Context, req exchange.FetchRequest) ([]models.Candle, error) {
		switch req.InstrumentKey {
		case reliance.InstrumentKey:
			panic("decoder exploded")
		case infosys.InstrumentKey:
			return []models.Candle{candleOn(req.To.String(), 1)}, nil
		}
		return []models.Candle{}, nil
	}}
	tcs := models.Instrument{InstrumentKey: "NSE_EQ|INE467B01029", Segment: "NSE_EQ", TradingSymbol: "TCS"}
	store.FailSaves(store.Locate(infosys), -1, errors.New("disk full"))

	orch := NewOrchestrator(nil, fetcher, store, testConfig("2024-06-05", daily), createTestLogger())
	report, err := orch.Run(context.Background(), []models.Instrument{reliance, infosys, tcs})
	require.NoError(t, err)

	stats := report.Stats()
	assert.Equal(t, int64(3), stats.InstrumentsTotal)
	assert.Equal(t, int64(1), stats.InstrumentsCompleted)
	assert.Equal(t, int64(2), stats.InstrumentsFailed)
	assert.True(t, stats.HasFailures())

	doc := mustLoad(t, store, store.Locate(tcs))
	require.NotNil(t, doc)
	assert.True(t, doc.Timeframes["days|1"].DoneBackfill)
}

func TestOrchestrator_Run_UnreadableDocumentIsNotReplaced(t *testing.T) {
	store := storage.NewMemoryStore()
	seed(t, store, reliance, daily, "2024-06-03", "2024-06-04")
	key := store.Locate(reliance)
	before, ok := store.Raw(key)
	require.True(t, ok)
	saves := store.SaveCount(key)

	store.FailLoads(key, fs.ErrPermission)
	fetcher := emptyFetcher()
	orch := NewOrchestrator(nil, fetcher, store, testConfig("2024-06-05", daily), createTestLogger())

	report, err := orch.Run(context.Background(), []models.Instrument{reliance})
	require.NoError(t, err)

	stats := report.Stats()
	assert.Equal(t, int64(1), stats.InstrumentsFailed)
	assert.Equal(t, int64(0), stats.InstrumentsCompleted)
	assert.Empty(t, fetcher.Calls())

	after, ok := store.Raw(key)
	require.True(t, ok)
	assert.Equal(t, before, after)
	assert.Equal(t, saves, store.SaveCount(key))
}

func TestOrchestrator_Sweep_UnreadableDocumentIsNotReplaced(t *testing.T) {
	store := storage.NewMemoryStore()
	seed(t, store, reliance, daily, "2024-06-03")
	key := store.Locate(reliance)
	before, _ := store.Raw(key)
	store.FailLoads(key, fs.ErrPermission)

	fetcher := emptyFetcher()
	orch := NewOrchestrator(nil, fetcher, store, testConfig("2024-06-05", daily), createTestLogger())

	report, err := orch.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), report.Stats().DocumentsSwept)
	assert.Equal(t, int64(1), report.Stats().InstrumentsFailed)
	assert.Empty(t, fetcher.Calls())

	after, _ := store.Raw(key)
	assert.Equal(t, before, after)
}

func TestOrchestrator_Run_BoundsConcurrency(t *testing.T) {
	var current, peak atomic.Int32
	var perInstrument sync.Map

	fetcher := &scriptedFetcher{respond: func(ctx context.Context, req exchange.FetchRequest) ([]models.Candle, error) {
		if _, busy := perInstrument.LoadOrStore(req.InstrumentKey, true); busy {
			t.Errorf("instrument %s fetched concurrently", req.InstrumentKey)
		}
		defer perInstrument.Delete(req.InstrumentKey)

		n := current.Add(1)
		defer current.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		return []models.Candle{}, nil
	}}

	var instruments []models.Instrument
	for i := 0; i < 12; i++ {
		sym := string(rune('A' + i))
		instruments = append(instruments, models.Instrument{InstrumentKey: "NSE_EQ|" + sym, Segment: "NSE_EQ", TradingSymbol: sym})
	}

	cfg := testConfig("2024-06-05")
	cfg.MaxConcurrency = 2
	orch := NewOrchestrator(nil, fetcher, storage.NewMemoryStore(), cfg, createTestLogger())

	report, err := orch.Run(context.Background(), instruments)
	require.NoError(t, err)
	assert.Equal(t, int64(12), report.Stats().InstrumentsCompleted)
	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Len(t, fetcher.Calls(), 12*len(models.Catalog))
}

func TestOrchestrator_Run_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	fetcher := emptyFetcher()
	orch := NewOrchestrator(nil, fetcher, storage.NewMemoryStore(), testConfig("2024-06-05"), createTestLogger())
	report, err := orch.Run(ctx, []models.Instrument{reliance, infosys})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, fetcher.Calls())
	assert.Equal(t, int64(2), report.Stats().InstrumentsSkipped)
}

func TestOrchestrator_Sweep_TopsUpDelistedDocuments(t *testing.T) {
	store := storage.NewMemoryStore()
	ctx := context.Background()

	delisted := models.Instrument{InstrumentKey: "NSE_EQ|INE000DELIST", Segment: "NSE_EQ", TradingSymbol: "GONE"}
	seed(t, store, delisted, daily, "2024-06-01")

	// a weekly timeframe from an older run, a malformed key and an empty state
	doc := mustLoad(t, store, store.Locate(delisted))
	doc.Timeframes["weeks|1"] = &models.TimeframeState{Candles: []models.Candle{candleOn("2024-05-27", 1)}}
	require.NoError(t, doc.Timeframes["weeks|1"].UpdateBounds())
	doc.Timeframes["garbage"] = models.NewTimeframeState()
	doc.Timeframes["minutes|1"] = models.NewTimeframeState()
	require.NoError(t, store.Save(ctx, store.Locate(delisted), doc))

	// documents without an instrument key are ignored
	orphan := models.NewDocument(models.Instrument{Segment: "NSE_EQ"}, time.Now())
	require.NoError(t, store.Save(ctx, "NSE_EQ/ORPHAN.json", orphan))

	fetcher := &scriptedFetcher{respond: func(ctx context.Context, req exchange.FetchRequest) ([]models.Candle, error) {
		if req.Timeframe == daily {
			return []models.Candle{candleOn("2024-06-03", 5)}, nil
		}
		return []models.Candle{}, nil
	}}
	orch := NewOrchestrator(nil, fetcher, store, testConfig("2024-06-05"), createTestLogger())

	report, err := orch.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), report.Stats().DocumentsSwept)

	calls := fetcher.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, daily, calls[0].Timeframe)
	assert.Equal(t, "2024-06-02", calls[0].From.String())
	assert.Equal(t, models.Timeframe{Unit: models.UnitWeeks, Interval: "1"}, calls[1].Timeframe)
	assert.Equal(t, "2024-05-28", calls[1].From.String())
	for _, c := range calls {
		assert.Equal(t, delisted.InstrumentKey, c.InstrumentKey)
	}

	updated := mustLoad(t, store, store.Locate(delisted))
	assert.Equal(t, "2024-06-03", updated.Timeframes["days|1"].MaxSeenDate.String())
}

func TestOrchestrator_Sweep_RespectsTimeframeFilter(t *testing.T) {
	store := storage.NewMemoryStore()
	seed(t, store, reliance, daily, "2024-06-01")
	doc := mustLoad(t, store, store.Locate(reliance))
	doc.Timeframes["minutes|15"] = &models.TimeframeState{Candles: []models.Candle{candleOn("2024-06-01", 1)}}
	require.NoError(t, doc.Timeframes["minutes|15"].UpdateBounds())
	require.NoError(t, store.Save(context.Background(), store.Locate(reliance), doc))

	fetcher := emptyFetcher()
	orch := NewOrchestrator(nil, fetcher, store, testConfig("2024-06-05", minute15), createTestLogger())
	_, err := orch.Sweep(context.Background())
	require.NoError(t, err)

	calls := fetcher.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, minute15, calls[0].Timeframe)
}

func TestOrchestrator_Harvest(t *testing.T) {
	store := storage.NewMemoryStore()
	delisted := models.Instrument{InstrumentKey: "NSE_EQ|INE000DELIST", Segment: "NSE_EQ", TradingSymbol: "GONE"}
	seed(t, store, delisted, daily, "2024-06-01")

	t.Run("run then sweep", func(t *testing.T) {
		fetcher := emptyFetcher()
		source := staticSource{instruments: []models.Instrument{reliance}}
		orch := NewOrchestrator(source, fetcher, store, testConfig("2024-06-05", daily), createTestLogger())

		report, err := orch.Harvest(context.Background())
		require.NoError(t, err)
		stats := report.Stats()
		assert.Equal(t, int64(1), stats.InstrumentsCompleted)
		assert.Equal(t, int64(2), stats.DocumentsSwept)
		assert.Len(t, fetcher.CallsFor(delisted.InstrumentKey), 1)
		assert.Len(t, fetcher.CallsFor(reliance.InstrumentKey), 1)
	})

	t.Run("skip sweep", func(t *testing.T) {
		fetcher := emptyFetcher()
		cfg := testConfig("2024-06-05", daily)
		cfg.SkipSweep = true
		orch := NewOrchestrator(staticSource{instruments: []models.Instrument{infosys}}, fetcher, store, cfg, createTestLogger())

		_, err := orch.Harvest(context.Background())
		require.NoError(t, err)
		assert.Empty(t, fetcher.CallsFor(delisted.InstrumentKey))
	})

	t.Run("source failure", func(t *testing.T) {
		boom := errors.New("catalog unavailable")
		orch := NewOrchestrator(staticSource{err: boom}, emptyFetcher(), store, testConfig("2024-06-05"), createTestLogger())
		_, err := orch.Harvest(context.Background())
		assert.ErrorIs(t, err, boom)
	})

	t.Run("no source", func(t *testing.T) {
		orch := NewOrchestrator(nil, emptyFetcher(), store, testConfig("2024-06-05"), createTestLogger())
		_, err := orch.Harvest(context.Background())
		assert.Error(t, err)
	})
}

func TestDocumentTimeframes(t *testing.T) {
	doc := models.NewDocument(reliance, time.Now())
	for _, key := range []string{"minutes|1", "weeks|1", "days|1", "bad", "months|1", "hours|4"} {
		doc.Timeframes[key] = models.NewTimeframeState()
	}

	var keys []string
	for _, tf := range documentTimeframes(doc) {
		keys = append(keys, tf.Key())
	}
	assert.Equal(t, []string{"days|1", "hours|4", "minutes|1", "months|1", "weeks|1"}, keys)
}

func TestConfigFrom(t *testing.T) {
	app := config.DefaultConfig()

	cfg, err := ConfigFrom(app)
	require.NoError(t, err)
	assert.Nil(t, cfg.Timeframes)
	assert.Equal(t, 6, cfg.MaxConcurrency)
	assert.Equal(t, 250*time.Millisecond, cfg.Pace)

	app.Harvest.Timeframes = []string{"minutes|15", "days|1"}
	cfg, err = ConfigFrom(app)
	require.NoError(t, err)
	assert.Equal(t, []models.Timeframe{daily, minute15}, cfg.Timeframes)

	app.Harvest.Timeframes = []string{"seconds|1"}
	_, err = ConfigFrom(app)
	assert.Error(t, err)
}
