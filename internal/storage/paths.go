package storage

import (
	"strings"

	"github.com/johnayoung/upstox-harvester/internal/models"
)

const (
	unknownSegment = "UNKNOWN"
	documentExt    = ".json"
)

// reservedNames are device names that cannot be used as file names on Windows
var reservedNames = map[string]struct{}{
	"CON": {}, "PRN": {}, "AUX": {}, "NUL": {},
	"COM1": {}, "COM2": {}, "COM3": {}, "COM4": {}, "COM5": {}, "COM6": {}, "COM7": {}, "COM8": {}, "COM9": {},
	"LPT1": {}, "LPT2": {}, "LPT3": {}, "LPT4": {}, "LPT5": {}, "LPT6": {}, "LPT7": {}, "LPT8": {}, "LPT9": {},
}

// SafeSegment turns an arbitrary string into a single portable path segment.
func SafeSegment(s string) string {
	seg := strings.TrimRight(models.Escape(s, "-_.="), " .")
	if seg == "" {
		seg = "_"
	}
	if _, ok := reservedNames[strings.ToUpper(seg)]; ok {
		seg = "_" + seg + "_"
	}
	return seg
}

// DocumentKey returns "{segment}/{symbol}.json" for an instrument. A missing
// segment is filed under UNKNOWN and a missing symbol falls back to the key.
func DocumentKey(inst models.Instrument) string {
	segment := inst.Segment
	if segment == "" {
		segment = unknownSegment
	}
	return SafeSegment(segment) + "/" + SafeSegment(inst.DisplayName()) + documentExt
}
