package models

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Unit is the coarse granularity of a timeframe
type Unit string

const (
	UnitMinutes Unit = "minutes"
	UnitHours   Unit = "hours"
	UnitDays    Unit = "days"
	UnitWeeks   Unit = "weeks"
	UnitMonths  Unit = "months"
)

// Span is a calendar length measured in years and months
type Span struct {
	Years  int
	Months int
}

// Timeframe identifies a candle granularity such as days|1 or minutes|15
type Timeframe struct {
	Unit     Unit
	Interval string
}

// Catalog is the fixed list of timeframes harvested per instrument, in priority order
var Catalog = []Timeframe{
	{UnitDays, "1"},
	{UnitHours, "4"},
	{UnitHours, "1"},
	{UnitMinutes, "15"},
	{UnitMinutes, "3"},
	{UnitMinutes, "1"},
}

var (
	intradayFloor = NewDate(2022, 1, 1)
	dailyFloor    = NewDate(2000, 1, 1)
)

// Key returns the "unit|interval" document key
func (tf Timeframe) Key() string {
	return string(tf.Unit) + "|" + tf.Interval
}

// String implements fmt.Stringer
func (tf Timeframe) String() string {
	return tf.Key()
}

// ParseTimeframeKey splits a "unit|interval" key at the first separator
func ParseTimeframeKey(key string) (Timeframe, error) {
	unit, interval, ok := strings.Cut(key, "|")
	if !ok {
		return Timeframe{}, fmt.Errorf("timeframe key %q has no unit|interval separator", key)
	}
	return Timeframe{Unit: Unit(unit), Interval: interval}, nil
}

// EarliestAvailable returns the first date the upstream API serves for the unit
func (tf Timeframe) EarliestAvailable() Date {
	switch tf.Unit {
	case UnitMinutes, UnitHours:
		return intradayFloor
	default:
		return dailyFloor
	}
}

// ChunkSpan returns the widest date range one request may cover
func (tf Timeframe) ChunkSpan() Span {
	switch tf.Unit {
	case UnitDays, UnitWeeks, UnitMonths:
		return Span{Years: 10}
	case UnitHours:
		return Span{Months: 3}
	case UnitMinutes:
		if n, err := strconv.Atoi(tf.Interval); err == nil && n > 15 {
			return Span{Months: 3}
		}
		return Span{Months: 1}
	default:
		return Span{Months: 1}
	}
}

// SelectTimeframes resolves a list of keys against the catalog, keeping catalog
// order. An empty list selects the whole catalog.
func SelectTimeframes(keys []string) ([]Timeframe, error) {
	if len(keys) == 0 {
		return append([]Timeframe(nil), Catalog...), nil
	}

	wanted := make(map[string]bool, len(keys))
	for _, key := range keys {
		tf, err := ParseTimeframeKey(strings.TrimSpace(key))
		if err != nil {
			return nil, err
		}
		wanted[tf.Key()] = true
	}

	var out []Timeframe
	for _, tf := range Catalog {
		if wanted[tf.Key()] {
			out = append(out, tf)
			delete(wanted, tf.Key())
		}
	}
	if len(wanted) > 0 {
		unknown := make([]string, 0, len(wanted))
		for key := range wanted {
			unknown = append(unknown, key)
		}
		sort.Strings(unknown)
		return nil, fmt.Errorf("timeframes not in catalog: %s", strings.Join(unknown, ", "))
	}
	return out, nil
}
