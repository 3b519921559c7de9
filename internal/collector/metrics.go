package collector

import (
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// RunReport tracks the progress of one harvest. All counters are safe for
// concurrent use by the instrument tasks.
type RunReport struct {
	// Atomic counters for thread-safe updates
	instrumentsTotal     atomic.Int64
	instrumentsCompleted atomic.Int64
	instrumentsFailed    atomic.Int64
	instrumentsSkipped   atomic.Int64
	documentsSwept       atomic.Int64

	chunksFetched  atomic.Int64
	emptyChunks    atomic.Int64
	fetchFailures  atomic.Int64
	candlesMerged  atomic.Int64
	documentsSaved atomic.Int64
	saveFailures   atomic.Int64

	// Start time for calculating duration
	startTime time.Time
	endTime   atomic.Int64 // unix nanoseconds, zero while running
}

// RunStats is a point-in-time copy of a RunReport
type RunStats struct {
	InstrumentsTotal     int64
	InstrumentsCompleted int64
	InstrumentsFailed    int64
	InstrumentsSkipped   int64
	DocumentsSwept       int64
	ChunksFetched        int64
	EmptyChunks          int64
	FetchFailures        int64
	CandlesMerged        int64
	DocumentsSaved       int64
	SaveFailures         int64
	Duration             time.Duration
}

// NewRunReport creates a report starting at start
func NewRunReport(start time.Time) *RunReport {
	return &RunReport{startTime: start}
}

func (r *RunReport) addInstruments(n int) { r.instrumentsTotal.Add(int64(n)) }
func (r *RunReport) recordCompleted()     { r.instrumentsCompleted.Add(1) }
func (r *RunReport) recordFailed()        { r.instrumentsFailed.Add(1) }
func (r *RunReport) recordSkipped()       { r.instrumentsSkipped.Add(1) }
func (r *RunReport) recordSwept()         { r.documentsSwept.Add(1) }
func (r *RunReport) recordEmptyChunk()    { r.emptyChunks.Add(1) }
func (r *RunReport) recordFetchFailure()  { r.fetchFailures.Add(1) }
func (r *RunReport) recordSaveFailure()   { r.saveFailures.Add(1) }
func (r *RunReport) recordDocumentSaved() { r.documentsSaved.Add(1) }

// recordChunk records a non-empty chunk and how many new candles it contributed
func (r *RunReport) recordChunk(merged int) {
	r.chunksFetched.Add(1)
	r.candlesMerged.Add(int64(merged))
}

// finish stamps the end of the run
func (r *RunReport) finish(end time.Time) {
	r.endTime.Store(end.UnixNano())
}

// Stats returns current counters
func (r *RunReport) Stats() RunStats {
	end := time.Now()
	if ns := r.endTime.Load(); ns != 0 {
		end = time.Unix(0, ns)
	}

	return RunStats{
		InstrumentsTotal:     r.instrumentsTotal.Load(),
		InstrumentsCompleted: r.instrumentsCompleted.Load(),
		InstrumentsFailed:    r.instrumentsFailed.Load(),
		InstrumentsSkipped:   r.instrumentsSkipped.Load(),
		DocumentsSwept:       r.documentsSwept.Load(),
		ChunksFetched:        r.chunksFetched.Load(),
		EmptyChunks:          r.emptyChunks.Load(),
		FetchFailures:        r.fetchFailures.Load(),
		CandlesMerged:        r.candlesMerged.Load(),
		DocumentsSaved:       r.documentsSaved.Load(),
		SaveFailures:         r.saveFailures.Load(),
		Duration:             end.Sub(r.startTime),
	}
}

// HasFailures reports whether any instrument task failed or any save was lost
func (s RunStats) HasFailures() bool {
	return s.InstrumentsFailed > 0 || s.SaveFailures > 0
}

// LogValue implements slog.LogValuer
func (s RunStats) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int64("instruments", s.InstrumentsTotal),
		slog.Int64("completed", s.InstrumentsCompleted),
		slog.Int64("failed", s.InstrumentsFailed),
		slog.Int64("skipped", s.InstrumentsSkipped),
		slog.Int64("swept", s.DocumentsSwept),
		slog.Int64("chunks", s.ChunksFetched),
		slog.Int64("empty_chunks", s.EmptyChunks),
		slog.Int64("fetch_failures", s.FetchFailures),
		slog.Int64("candles_merged", s.CandlesMerged),
		slog.Int64("documents_saved", s.DocumentsSaved),
		slog.Int64("save_failures", s.SaveFailures),
		slog.Duration("duration", s.Duration),
	)
}

// String implements fmt.Stringer
func (s RunStats) String() string {
	return fmt.Sprintf("instruments=%d completed=%d failed=%d skipped=%d swept=%d chunks=%d empty=%d candles=%d saves=%d save_failures=%d fetch_failures=%d duration=%s",
		s.InstrumentsTotal, s.InstrumentsCompleted, s.InstrumentsFailed, s.InstrumentsSkipped,
		s.DocumentsSwept, s.ChunksFetched, s.EmptyChunks, s.CandlesMerged, s.DocumentsSaved,
		s.SaveFailures, s.FetchFailures, s.Duration.Round(time.Millisecond))
}
