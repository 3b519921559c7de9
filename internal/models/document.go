package models

import (
	"fmt"
	"time"

	json "github.com/goccy/go-json"
)

// SchemaVersion is the revision of the persisted document format
const SchemaVersion = 2

// TimestampLayout formats last_updated_utc
const TimestampLayout = "2006-01-02T15:04:05.000000Z"

// TimeframeState is the harvest state of one timeframe of one instrument.
//
// When Candles is non-empty MinSeenDate and MaxSeenDate are the dates of the first
// and last candle; when it is empty both are nil. NextBackfillToDate is the backward
// cursor (nil means start from today) and DoneBackfill never goes back to false.
type TimeframeState struct {
	MinSeenDate        *Date    `json:"min_seen_date"`
	MaxSeenDate        *Date    `json:"max_seen_date"`
	NextBackfillToDate *Date    `json:"next_backfill_to_date"`
	DoneBackfill       bool     `json:"done_backfill"`
	Candles            []Candle `json:"candles"`
}

// NewTimeframeState returns an empty, not yet started state
func NewTimeframeState() *TimeframeState {
	return &TimeframeState{Candles: []Candle{}}
}

// UpdateBounds recomputes MinSeenDate and MaxSeenDate from the candles
func (s *TimeframeState) UpdateBounds() error {
	if len(s.Candles) == 0 {
		s.MinSeenDate = nil
		s.MaxSeenDate = nil
		return nil
	}

	first, err := s.Candles[0].Date()
	if err != nil {
		return fmt.Errorf("first candle: %w", err)
	}
	last, err := s.Candles[len(s.Candles)-1].Date()
	if err != nil {
		return fmt.Errorf("last candle: %w", err)
	}

	s.MinSeenDate = first.Ptr()
	s.MaxSeenDate = last.Ptr()
	return nil
}

// MarkDone flags the backfill as complete
func (s *TimeframeState) MarkDone() {
	s.DoneBackfill = true
}

// MarshalJSON keeps the candles field an array even when the state is empty
func (s TimeframeState) MarshalJSON() ([]byte, error) {
	type plain TimeframeState
	if s.Candles == nil {
		s.Candles = []Candle{}
	}
	return json.Marshal(plain(s))
}

// Document is the persisted state of one instrument within one segment
type Document struct {
	Instrument     Instrument                 `json:"instrument"`
	Timeframes     map[string]*TimeframeState `json:"timeframes"`
	LastUpdatedUTC string                     `json:"last_updated_utc"`
	SchemaVersion  int                        `json:"schema_version"`
}

// NewDocument creates an empty document for inst
func NewDocument(inst Instrument, now time.Time) *Document {
	return &Document{
		Instrument:     inst.Snapshot(),
		Timeframes:     make(map[string]*TimeframeState),
		LastUpdatedUTC: FormatTimestamp(now),
		SchemaVersion:  SchemaVersion,
	}
}

// EnsureTimeframe returns the state for tf, creating an empty one if needed
func (d *Document) EnsureTimeframe(tf Timeframe) *TimeframeState {
	if d.Timeframes == nil {
		d.Timeframes = make(map[string]*TimeframeState)
	}
	state, ok := d.Timeframes[tf.Key()]
	if !ok || state == nil {
		state = NewTimeframeState()
		d.Timeframes[tf.Key()] = state
	}
	return state
}

// Touch stamps last_updated_utc
func (d *Document) Touch(now time.Time) {
	d.LastUpdatedUTC = FormatTimestamp(now)
}

// FormatTimestamp renders t in UTC with microseconds and a Z suffix
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}
