// Package merge combines candle sequences into one ordered, duplicate-free sequence.
package merge

import (
	"sort"

	"github.com/johnayoung/upstox-harvester/internal/models"
)

// Direction tells Merge where incoming candles are expected to land
type Direction int

const (
	// Forward appends incoming candles after the existing ones
	Forward Direction = iota
	// Backward prepends incoming candles before the existing ones
	Backward
)

// String implements fmt.Stringer
func (d Direction) String() string {
	if d == Backward {
		return "backward"
	}
	return "forward"
}

// Merge returns the union of existing and incoming, unique by timestamp and sorted
// ascending. A timestamp already present in existing keeps the existing candle, and
// repeated timestamps inside incoming keep their first occurrence. The direction is
// a placement hint only; the result is always re-sorted. Neither input is modified.
func Merge(existing, incoming []models.Candle, dir Direction) []models.Candle {
	seen := make(map[string]struct{}, len(existing)+len(incoming))
	for _, c := range existing {
		seen[c.Timestamp] = struct{}{}
	}

	fresh := make([]models.Candle, 0, len(incoming))
	for _, c := range incoming {
		if _, dup := seen[c.Timestamp]; dup {
			continue
		}
		seen[c.Timestamp] = struct{}{}
		fresh = append(fresh, c)
	}

	if len(fresh) == 0 {
		return sorted(append([]models.Candle(nil), existing...))
	}

	out := make([]models.Candle, 0, len(existing)+len(fresh))
	if dir == Backward {
		out = append(out, fresh...)
		out = append(out, existing...)
	} else {
		out = append(out, existing...)
		out = append(out, fresh...)
	}
	return sorted(out)
}

func sorted(candles []models.Candle) []models.Candle {
	if !sort.SliceIsSorted(candles, func(i, j int) bool { return candles[i].Timestamp < candles[j].Timestamp }) {
		sort.SliceStable(candles, func(i, j int) bool { return candles[i].Timestamp < candles[j].Timestamp })
	}
	if candles == nil {
		return []models.Candle{}
	}
	return candles
}
