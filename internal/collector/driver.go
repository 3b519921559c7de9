package collector

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	errs "github.com/johnayoung/upstox-harvester/internal/errors"
	"github.com/johnayoung/upstox-harvester/internal/exchange"
	"github.com/johnayoung/upstox-harvester/internal/logger"
	"github.com/johnayoung/upstox-harvester/internal/merge"
	"github.com/johnayoung/upstox-harvester/internal/models"
	"github.com/johnayoung/upstox-harvester/internal/planner"
	"github.com/johnayoung/upstox-harvester/internal/storage"
)

// Job is one instrument's document as it is being harvested. A Job is owned by a
// single task; nothing else reads or writes its document while the task runs.
type Job struct {
	Key        string
	Instrument models.Instrument
	Doc        *models.Document
}

// DriverConfig configures a Driver
type DriverConfig struct {
	// Pace is the pause after every committed chunk
	Pace time.Duration
	// Location decides which calendar day is "today"
	Location *time.Location
	// Clock returns the current time; time.Now when nil
	Clock func() time.Time
}

// PaceFor returns the pause between chunks for a request rate, never less frequent
// than one chunk per second
func PaceFor(requestsPerSecond float64) time.Duration {
	if requestsPerSecond < 1 {
		requestsPerSecond = 1
	}
	return time.Duration(float64(time.Second) / requestsPerSecond)
}

// Driver runs the backfill and top-up loops of a single timeframe
type Driver struct {
	fetcher exchange.CandleFetcher
	store   storage.DocumentStore
	report  *RunReport
	cfg     DriverConfig
	logger  *slog.Logger
}

// NewDriver creates a timeframe driver. report may be nil.
func NewDriver(fetcher exchange.CandleFetcher, store storage.DocumentStore, cfg DriverConfig, report *RunReport, log *slog.Logger) *Driver {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if report == nil {
		report = NewRunReport(cfg.Clock())
	}
	return &Driver{
		fetcher: fetcher,
		store:   store,
		report:  report,
		cfg:     cfg,
		logger:  log.With("component", "driver"),
	}
}

// Today returns the current calendar date in the configured location
func (d *Driver) Today() models.Date {
	return models.DateOf(d.cfg.Clock().In(d.cfg.Location))
}

// Backfill walks tf backwards from its cursor until the API has no more history or
// the unit floor is reached.
//
// An absent chunk ends the loop without marking the timeframe done, so the next
// run resumes from the same cursor. The returned error is non-nil only when a save
// fails or ctx ends.
func (d *Driver) Backfill(ctx context.Context, job *Job, tf models.Timeframe) error {
	state := job.Doc.EnsureTimeframe(tf)
	if state.DoneBackfill {
		return nil
	}

	ctx = logger.WithOperation(logger.WithTimeframe(ctx, tf.Key()), "backfill")
	today := d.Today()

	defer func() {
		d.logger.InfoContext(ctx, "Backfill finished",
			"symbol", job.Instrument.DisplayName(),
			"min", dateString(state.MinSeenDate),
			"max", dateString(state.MaxSeenDate),
			"done", state.DoneBackfill)
	}()

	for {
		if err := ctx.Err(); err != nil {
			return errs.New(errs.ErrorTypeCanceled, "driver", "backfill", err)
		}

		chunk, ok := planner.Backward(state, tf, today)
		if !ok {
			// cursor is already past the unit floor
			return d.commit(ctx, job, func() error {
				state.MarkDone()
				return nil
			})
		}

		candles, err := d.fetch(ctx, job, tf, chunk)
		if err != nil {
			return d.absent(ctx, chunk, err)
		}

		if len(candles) == 0 {
			d.report.recordEmptyChunk()
			return d.commit(ctx, job, func() error {
				state.MarkDone()
				return nil
			})
		}

		before := len(state.Candles)
		err = d.commit(ctx, job, func() error {
			state.Candles = merge.Merge(state.Candles, candles, merge.Backward)
			if err := state.UpdateBounds(); err != nil {
				return err
			}
			state.NextBackfillToDate = planner.Cursor(chunk).Ptr()
			return nil
		})
		if err != nil {
			return err
		}
		d.report.recordChunk(len(state.Candles) - before)

		if err := d.pause(ctx); err != nil {
			return err
		}
	}
}

// TopUp walks tf forward from the newest stored candle to today. A timeframe with
// no candles yet is left alone. An absent or empty chunk ends the loop.
func (d *Driver) TopUp(ctx context.Context, job *Job, tf models.Timeframe) error {
	state := job.Doc.EnsureTimeframe(tf)

	ctx = logger.WithOperation(logger.WithTimeframe(ctx, tf.Key()), "top_up")
	today := d.Today()

	chunk, ok := planner.Forward(state, tf, today)
	if !ok {
		return nil
	}

	defer func() {
		d.logger.InfoContext(ctx, "Forward top-up finished",
			"symbol", job.Instrument.DisplayName(),
			"max", dateString(state.MaxSeenDate))
	}()

	for ; ok; chunk, ok = planner.NextForward(chunk, tf, today) {
		if err := ctx.Err(); err != nil {
			return errs.New(errs.ErrorTypeCanceled, "driver", "top_up", err)
		}

		candles, err := d.fetch(ctx, job, tf, chunk)
		if err != nil {
			return d.absent(ctx, chunk, err)
		}
		if len(candles) == 0 {
			d.report.recordEmptyChunk()
			return nil
		}

		before := len(state.Candles)
		err = d.commit(ctx, job, func() error {
			state.Candles = merge.Merge(state.Candles, candles, merge.Forward)
			return state.UpdateBounds()
		})
		if err != nil {
			return err
		}
		d.report.recordChunk(len(state.Candles) - before)

		if err := d.pause(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (d *Driver) fetch(ctx context.Context, job *Job, tf models.Timeframe, chunk planner.Chunk) ([]models.Candle, error) {
	return d.fetcher.FetchCandles(ctx, exchange.FetchRequest{
		InstrumentKey: job.Instrument.InstrumentKey,
		Timeframe:     tf,
		From:          chunk.From,
		To:            chunk.To,
	})
}

// absent ends a loop after a fetch that produced no answer. Only cancellation is
// reported to the caller; anything else is retried on the next run.
func (d *Driver) absent(ctx context.Context, chunk planner.Chunk, err error) error {
	if errs.IsType(err, errs.ErrorTypeCanceled) || ctx.Err() != nil {
		return errs.New(errs.ErrorTypeCanceled, "driver", "fetch", err)
	}
	d.report.recordFetchFailure()
	d.logger.WarnContext(ctx, "Chunk unavailable, resuming next run",
		"chunk", chunk.String(),
		"error_type", errs.TypeOf(err),
		"retryable", errs.IsRetryable(err),
		"error", err)
	return nil
}

// commit applies mutate to the job's document and persists the whole document.
// Nothing is saved when mutate fails.
func (d *Driver) commit(ctx context.Context, job *Job, mutate func() error) error {
	if err := mutate(); err != nil {
		return errs.New(errs.ErrorTypeInstrumentFailure, "driver", "commit",
			fmt.Errorf("update %s: %w", job.Key, err))
	}

	job.Doc.Touch(d.cfg.Clock())
	if err := d.store.Save(ctx, job.Key, job.Doc); err != nil {
		d.report.recordSaveFailure()
		return err
	}
	d.report.recordDocumentSaved()
	return nil
}

// pause waits the configured pace or until ctx ends
func (d *Driver) pause(ctx context.Context) error {
	if d.cfg.Pace <= 0 {
		return nil
	}
	timer := time.NewTimer(d.cfg.Pace)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return errs.New(errs.ErrorTypeCanceled, "driver", "pause", ctx.Err())
	}
}

func dateString(d *models.Date) string {
	if d == nil {
		return "none"
	}
	return d.String()
}
