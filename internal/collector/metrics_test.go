package collector

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRunReport_Stats(t *testing.T) {
	start := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	r := NewRunReport(start)
	r.addInstruments(3)
	r.recordCompleted()
	r.recordFailed()
	r.recordSkipped()
	r.recordChunk(20)
	r.recordChunk(0)
	r.recordEmptyChunk()
	r.recordDocumentSaved()
	r.recordSaveFailure()
	r.finish(start.Add(1500 * time.Millisecond))

	stats := r.Stats()
	assert.Equal(t, int64(3), stats.InstrumentsTotal)
	assert.Equal(t, int64(2), stats.ChunksFetched)
	assert.Equal(t, int64(20), stats.CandlesMerged)
	assert.Equal(t, 1500*time.Millisecond, stats.Duration)
	assert.True(t, stats.HasFailures())
	assert.Equal(t,
		"instruments=3 completed=1 failed=1 skipped=1 swept=0 chunks=2 empty=1 candles=20 saves=1 save_failures=1 fetch_failures=0 duration=1.5s",
		stats.String())
}

func TestRunStats_LogValue(t *testing.T) {
	stats := RunStats{EmptyChunks: 4, SaveFailures: 2, DocumentsSaved: 7}
	attrs := map[string]int64{}
	for _, a := range stats.LogValue().Group() {
		if a.Value.Kind() == slog.KindInt64 {
			attrs[a.Key] = a.Value.Int64()
		}
	}
	assert.Equal(t, int64(4), attrs["empty_chunks"])
	assert.Equal(t, int64(2), attrs["save_failures"])
	assert.Equal(t, int64(7), attrs["documents_saved"])
}

func TestRunStats_HasFailures(t *testing.T) {
	assert.False(t, RunStats{}.HasFailures())
	assert.True(t, RunStats{SaveFailures: 1}.HasFailures())
}
