package collector

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errs "github.com/johnayoung/upstox-harvester/internal/errors"
)

type countingHarvester struct {
	calls atomic.Int64
	err   error
}

func (h *countingHarvester) Harvest(ctx context.Context) (*RunReport, error) {
	h.calls.Add(1)
	if h.err != nil {
		return nil, h.err
	}
	report := NewRunReport(time.Now())
	report.finish(time.Now())
	return report, nil
}

func TestScheduler_SingleRun(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		h := &countingHarvester{}
		s := NewScheduler(h, 0, createTestLogger())

		require.NoError(t, s.Start(context.Background()))
		assert.Equal(t, int64(1), h.calls.Load())

		stats := s.Stats()
		assert.Equal(t, int64(1), stats.CompletedRuns)
		assert.Equal(t, int64(0), stats.FailedRuns)
		assert.False(t, stats.LastRunTime.IsZero())
		assert.True(t, stats.NextRunTime.IsZero())
	})

	t.Run("returns harvest error", func(t *testing.T) {
		boom := errors.New("catalog unreachable")
		h := &countingHarvester{err: boom}
		s := NewScheduler(h, 0, createTestLogger())

		err := s.Start(context.Background())
		require.Error(t, err)
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, int64(1), s.Stats().FailedRuns)
	})
}

func TestScheduler_Repeats(t *testing.T) {
	h := &countingHarvester{}
	s := NewScheduler(h, 10*time.Millisecond, createTestLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
	defer cancel()

	err := s.Start(ctx)
	require.Error(t, err)
	assert.True(t, errs.IsType(err, errs.ErrorTypeCanceled))

	assert.GreaterOrEqual(t, h.calls.Load(), int64(2))
	stats := s.Stats()
	assert.Equal(t, h.calls.Load(), stats.CompletedRuns)
	assert.False(t, stats.NextRunTime.IsZero())
}

func TestScheduler_KeepsGoingAfterFailure(t *testing.T) {
	h := &countingHarvester{err: errors.New("transient")}
	s := NewScheduler(h, 10*time.Millisecond, createTestLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()

	err := s.Start(ctx)
	assert.True(t, errs.IsType(err, errs.ErrorTypeCanceled))
	assert.GreaterOrEqual(t, s.Stats().FailedRuns, int64(2))
	assert.Equal(t, int64(0), s.Stats().CompletedRuns)
}
