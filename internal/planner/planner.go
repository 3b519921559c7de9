// Package planner computes the date ranges requested from the candle API.
//
// Backward planning walks from today (or the saved cursor) toward the unit's
// earliest available date, one chunk at a time. Forward planning walks from the
// day after the newest stored candle up to today. No plan ever reaches before the
// unit's floor date.
package planner

import (
	"fmt"

	"github.com/johnayoung/upstox-harvester/internal/models"
)

// Chunk is an inclusive [From, To] date range
type Chunk struct {
	From models.Date
	To   models.Date
}

// String implements fmt.Stringer
func (c Chunk) String() string {
	return fmt.Sprintf("%s..%s", c.From, c.To)
}

// Backward plans the next historical chunk. It returns ok=false once the cursor has
// passed the unit floor, which means the backfill is complete.
func Backward(state *models.TimeframeState, tf models.Timeframe, today models.Date) (Chunk, bool) {
	to := today
	if state != nil && state.NextBackfillToDate != nil {
		to = models.MinDate(today, *state.NextBackfillToDate)
	}
	return backwardFrom(to, tf)
}

func backwardFrom(to models.Date, tf models.Timeframe) (Chunk, bool) {
	tentative := to.AddSpan(tf.ChunkSpan(), -1).AddDays(1)
	from := models.MaxDate(tentative, tf.EarliestAvailable())
	if from.After(to) {
		return Chunk{}, false
	}
	return Chunk{From: from, To: to}, true
}

// Forward plans the first top-up chunk after the newest stored candle. It returns
// ok=false when nothing is stored yet or the data already reaches today.
func Forward(state *models.TimeframeState, tf models.Timeframe, today models.Date) (Chunk, bool) {
	if state == nil || state.MaxSeenDate == nil {
		return Chunk{}, false
	}
	return forwardFrom(state.MaxSeenDate.AddDays(1), tf, today)
}

// NextForward plans the chunk that follows prev in a forward sweep
func NextForward(prev Chunk, tf models.Timeframe, today models.Date) (Chunk, bool) {
	return forwardFrom(prev.To.AddDays(1), tf, today)
}

func forwardFrom(from models.Date, tf models.Timeframe, today models.Date) (Chunk, bool) {
	if from.After(today) {
		return Chunk{}, false
	}
	to := models.MinDate(today, from.AddSpan(tf.ChunkSpan(), 1).AddDays(-1))
	return Chunk{From: from, To: to}, true
}

// Cursor returns the backfill cursor to store after chunk c has been merged
func Cursor(c Chunk) models.Date {
	return c.From.AddDays(-1)
}
