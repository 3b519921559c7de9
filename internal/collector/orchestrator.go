// Package collector drives the harvest: the per-timeframe backfill and top-up
// loops, the bounded fan-out across instruments, the final sweep over every stored
// document and the optional repeat schedule.
//
// Each instrument is handled by exactly one task, and each task walks its
// timeframes one after another. Chunks within a timeframe are strictly sequential
// and every chunk is persisted before the next one is planned, so the document on
// disk is always a valid resume point.
package collector

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc/panics"
	"github.com/sourcegraph/conc/pool"

	"github.com/johnayoung/upstox-harvester/internal/config"
	errs "github.com/johnayoung/upstox-harvester/internal/errors"
	"github.com/johnayoung/upstox-harvester/internal/exchange"
	"github.com/johnayoung/upstox-harvester/internal/logger"
	"github.com/johnayoung/upstox-harvester/internal/models"
	"github.com/johnayoung/upstox-harvester/internal/storage"
)

// Config configures the orchestrator behavior
type Config struct {
	// MaxConcurrency bounds the number of instruments in flight
	MaxConcurrency int
	// Pace is the pause after every committed chunk
	Pace time.Duration
	// Location decides which calendar day is "today"
	Location *time.Location
	// Clock returns the current time; time.Now when nil
	Clock func() time.Time

	// Timeframes restricts the harvest to a subset of the catalog. Nil harvests
	// the whole catalog and sweeps every timeframe found in stored documents.
	Timeframes []models.Timeframe
	// Limit harvests only the first Limit instruments when positive
	Limit int
	// SkipSweep disables the final sweep in Harvest
	SkipSweep bool
}

// DefaultConfig returns production defaults
func DefaultConfig() Config {
	return Config{
		MaxConcurrency: config.DefaultMaxConcurrency,
		Pace:           PaceFor(config.DefaultRequestsPerSec),
		Location:       time.Local,
	}
}

// ConfigFrom builds the orchestrator settings from the application config
func ConfigFrom(cfg *config.AppConfig) (Config, error) {
	timeframes, err := models.SelectTimeframes(cfg.Harvest.Timeframes)
	if err != nil {
		return Config{}, err
	}
	out := Config{
		MaxConcurrency: cfg.Harvest.MaxConcurrency,
		Pace:           PaceFor(cfg.Harvest.RequestsPerSecond),
		Location:       cfg.Location(),
	}
	if len(cfg.Harvest.Timeframes) > 0 {
		out.Timeframes = timeframes
	}
	return out, nil
}

// Orchestrator fans instrument tasks out over a bounded pool
type Orchestrator struct {
	source  exchange.InstrumentSource
	fetcher exchange.CandleFetcher
	store   storage.DocumentStore
	cfg     Config
	logger  *slog.Logger
}

// NewOrchestrator creates an orchestrator. source may be nil when only Run and
// Sweep are used.
func NewOrchestrator(source exchange.InstrumentSource, fetcher exchange.CandleFetcher, store storage.DocumentStore, cfg Config, log *slog.Logger) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 1
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	return &Orchestrator{
		source:  source,
		fetcher: fetcher,
		store:   store,
		cfg:     cfg,
		logger:  log.With("component", "orchestrator"),
	}
}

// Harvest downloads the instrument universe, harvests every instrument and then
// sweeps every stored document forward to today.
func (o *Orchestrator) Harvest(ctx context.Context) (*RunReport, error) {
	if o.source == nil {
		return nil, errs.Newf(errs.ErrorTypeConfiguration, "orchestrator", "harvest", "no instrument source configured")
	}

	ctx = ensureRunID(ctx)
	report := NewRunReport(o.cfg.Clock())
	defer func() { report.finish(o.cfg.Clock()) }()

	instruments, err := o.source.Instruments(ctx)
	if err != nil {
		return report, err
	}

	if err := o.run(ctx, instruments, report); err != nil {
		return report, err
	}

	if !o.cfg.SkipSweep {
		if err := o.sweep(ctx, report); err != nil {
			return report, err
		}
	}

	report.finish(o.cfg.Clock())
	o.logger.InfoContext(ctx, "All done.", "report", report.Stats())
	return report, nil
}

// Run harvests the given instruments: every selected timeframe is backfilled and
// then topped up. Instrument failures are logged and counted, never returned; the
// error is non-nil only when ctx ends.
func (o *Orchestrator) Run(ctx context.Context, instruments []models.Instrument) (*RunReport, error) {
	ctx = ensureRunID(ctx)
	report := NewRunReport(o.cfg.Clock())
	err := o.run(ctx, instruments, report)
	report.finish(o.cfg.Clock())
	return report, err
}

// Sweep tops up every timeframe of every stored document, including documents of
// instruments the catalog no longer lists.
func (o *Orchestrator) Sweep(ctx context.Context) (*RunReport, error) {
	ctx = ensureRunID(ctx)
	report := NewRunReport(o.cfg.Clock())
	err := o.sweep(ctx, report)
	report.finish(o.cfg.Clock())
	return report, err
}

func (o *Orchestrator) run(ctx context.Context, instruments []models.Instrument, report *RunReport) error {
	tasks := o.plan(ctx, instruments, report)
	total := len(tasks)
	report.addInstruments(total)
	o.logger.InfoContext(ctx, "Preparing to fetch instruments", "count", total)

	driver := o.newDriver(report)
	timeframes := o.timeframes()

	var completed atomic.Int64
	p := pool.New().WithMaxGoroutines(o.cfg.MaxConcurrency)
	for _, inst := range tasks {
		p.Go(func() {
			taskCtx := logger.WithInstrument(ctx, inst.InstrumentKey)
			if ctx.Err() != nil {
				report.recordSkipped()
				return
			}

			err := o.guard(taskCtx, inst.InstrumentKey, func() error {
				return o.harvestInstrument(taskCtx, driver, inst, timeframes)
			})
			switch {
			case err == nil:
				report.recordCompleted()
			case errs.IsType(err, errs.ErrorTypeCanceled):
				report.recordSkipped()
			default:
				report.recordFailed()
				o.logger.ErrorContext(taskCtx, "Task failed",
					"symbol", inst.DisplayName(),
					"error", errs.New(errs.ErrorTypeInstrumentFailure, "orchestrator", "instrument", err))
			}

			o.logger.InfoContext(ctx, "Progress",
				"completed", completed.Add(1),
				"total", total)
		})
	}
	p.Wait()

	if err := ctx.Err(); err != nil {
		return errs.New(errs.ErrorTypeCanceled, "orchestrator", "run", err)
	}
	return nil
}

// plan drops instruments without a key and repeated keys, then applies the limit.
// Two instruments resolving to the same document are also collapsed, so no
// document is ever shared by two tasks.
func (o *Orchestrator) plan(ctx context.Context, instruments []models.Instrument, report *RunReport) []models.Instrument {
	seenKeys := make(map[string]struct{}, len(instruments))
	seenDocs := make(map[string]string, len(instruments))
	tasks := make([]models.Instrument, 0, len(instruments))

	for _, inst := range instruments {
		if o.cfg.Limit > 0 && len(tasks) >= o.cfg.Limit {
			break
		}
		if inst.InstrumentKey == "" {
			o.logger.WarnContext(ctx, "Skipping instrument with no instrument_key", "symbol", inst.TradingSymbol)
			report.recordSkipped()
			continue
		}
		if _, dup := seenKeys[inst.InstrumentKey]; dup {
			continue
		}
		seenKeys[inst.InstrumentKey] = struct{}{}

		docKey := o.store.Locate(inst)
		if owner, dup := seenDocs[docKey]; dup {
			o.logger.WarnContext(ctx, "Skipping instrument sharing a document",
				"instrument", inst.InstrumentKey,
				"owner", owner,
				"document", docKey)
			report.recordSkipped()
			continue
		}
		seenDocs[docKey] = inst.InstrumentKey
		tasks = append(tasks, inst)
	}
	return tasks
}

func (o *Orchestrator) harvestInstrument(ctx context.Context, driver *Driver, inst models.Instrument, timeframes []models.Timeframe) error {
	key := o.store.Locate(inst)

	doc, err := o.store.Load(ctx, key)
	if err != nil {
		return errs.New(errs.ErrorTypeInstrumentFailure, "orchestrator", "load", err)
	}
	if doc == nil {
		doc = models.NewDocument(inst, o.cfg.Clock())
		if err := o.store.Save(ctx, key, doc); err != nil {
			return err
		}
	}
	job := &Job{Key: key, Instrument: inst, Doc: doc}

	for _, tf := range timeframes {
		if err := driver.Backfill(ctx, job, tf); err != nil {
			return err
		}
	}
	for _, tf := range timeframes {
		if err := driver.TopUp(ctx, job, tf); err != nil {
			return err
		}
	}

	o.logger.InfoContext(ctx, "Finished instrument",
		"symbol", inst.DisplayName(),
		"document", key)
	return nil
}

func (o *Orchestrator) sweep(ctx context.Context, report *RunReport) error {
	keys, err := o.store.Keys(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return errs.New(errs.ErrorTypeCanceled, "orchestrator", "sweep", ctx.Err())
		}
		return errs.New(errs.ErrorTypeInstrumentFailure, "orchestrator", "sweep", err)
	}
	o.logger.InfoContext(ctx, "Sweeping stored documents", "count", len(keys))

	driver := o.newDriver(report)
	var filter map[string]bool
	if o.cfg.Timeframes != nil {
		filter = make(map[string]bool, len(o.cfg.Timeframes))
		for _, tf := range o.cfg.Timeframes {
			filter[tf.Key()] = true
		}
	}

	p := pool.New().WithMaxGoroutines(o.cfg.MaxConcurrency)
	for _, key := range keys {
		p.Go(func() {
			if ctx.Err() != nil {
				return
			}
			err := o.guard(ctx, key, func() error {
				return o.sweepDocument(ctx, driver, key, filter, report)
			})
			if err != nil && !errs.IsType(err, errs.ErrorTypeCanceled) {
				report.recordFailed()
				o.logger.ErrorContext(ctx, "Sweep failed",
					"document", key,
					"error", errs.New(errs.ErrorTypeInstrumentFailure, "orchestrator", "sweep", err))
			}
		})
	}
	p.Wait()

	if err := ctx.Err(); err != nil {
		return errs.New(errs.ErrorTypeCanceled, "orchestrator", "sweep", err)
	}
	return nil
}

func (o *Orchestrator) sweepDocument(ctx context.Context, driver *Driver, key string, filter map[string]bool, report *RunReport) error {
	doc, err := o.store.Load(ctx, key)
	if err != nil {
		return errs.New(errs.ErrorTypeInstrumentFailure, "orchestrator", "load", err)
	}
	if doc == nil || doc.Instrument.InstrumentKey == "" {
		return nil
	}
	inst := doc.Instrument
	ctx = logger.WithInstrument(ctx, inst.InstrumentKey)
	job := &Job{Key: key, Instrument: inst, Doc: doc}

	for _, tf := range documentTimeframes(doc) {
		if filter != nil && !filter[tf.Key()] {
			continue
		}
		if err := driver.TopUp(ctx, job, tf); err != nil {
			return err
		}
	}
	report.recordSwept()
	return nil
}

// guard runs fn, turning a panic into an instrument failure
func (o *Orchestrator) guard(ctx context.Context, name string, fn func() error) error {
	var err error
	var catcher panics.Catcher
	catcher.Try(func() { err = fn() })
	if r := catcher.Recovered(); r != nil {
		o.logger.ErrorContext(ctx, "Task panicked", "task", name, "panic", fmt.Sprint(r.Value))
		return errs.New(errs.ErrorTypeInstrumentFailure, "orchestrator", "task", r.AsError())
	}
	return err
}

func (o *Orchestrator) newDriver(report *RunReport) *Driver {
	return NewDriver(o.fetcher, o.store, DriverConfig{
		Pace:     o.cfg.Pace,
		Location: o.cfg.Location,
		Clock:    o.cfg.Clock,
	}, report, o.logger)
}

func (o *Orchestrator) timeframes() []models.Timeframe {
	if o.cfg.Timeframes != nil {
		return o.cfg.Timeframes
	}
	return models.Catalog
}

// documentTimeframes returns the parseable timeframe keys of doc, catalog entries
// first in catalog order, then the rest sorted
func documentTimeframes(doc *models.Document) []models.Timeframe {
	rank := make(map[string]int, len(models.Catalog))
	for i, tf := range models.Catalog {
		rank[tf.Key()] = i
	}

	keys := make([]string, 0, len(doc.Timeframes))
	for key := range doc.Timeframes {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		ri, iok := rank[keys[i]]
		rj, jok := rank[keys[j]]
		switch {
		case iok && jok:
			return ri < rj
		case iok != jok:
			return iok
		default:
			return keys[i] < keys[j]
		}
	})

	out := make([]models.Timeframe, 0, len(keys))
	for _, key := range keys {
		tf, err := models.ParseTimeframeKey(key)
		if err != nil {
			continue
		}
		out = append(out, tf)
	}
	return out
}

func ensureRunID(ctx context.Context) context.Context {
	if logger.GetRunID(ctx) != "" {
		return ctx
	}
	ctx, _ = logger.NewRunContext(ctx)
	return ctx
}
