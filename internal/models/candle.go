package models

import (
	"bytes"
	"fmt"
	"strconv"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
)

// Candle is one OHLCV plus open-interest observation. On the wire and on disk it is the
// 7-element array [timestamp, open, high, low, close, volume, open_interest].
//
// Timestamp is an opaque, timezone-qualified ISO string; candles are ordered and
// deduplicated by comparing it as a string. A numeric slot that arrived as null
// (or was missing) stays invalid and is written back as null.
type Candle struct {
	Timestamp    string
	Open         decimal.NullDecimal
	High         decimal.NullDecimal
	Low          decimal.NullDecimal
	Close        decimal.NullDecimal
	Volume       decimal.NullDecimal
	OpenInterest decimal.NullDecimal
}

// Date returns the calendar date encoded in the first ten timestamp characters
func (c Candle) Date() (Date, error) {
	if len(c.Timestamp) < len(DateLayout) {
		return Date{}, fmt.Errorf("timestamp %q too short for a date", c.Timestamp)
	}
	return ParseDate(c.Timestamp[:len(DateLayout)])
}

// MarshalJSON writes the candle as a 7-element array with bare numbers and nulls
func (c Candle) MarshalJSON() ([]byte, error) {
	ts, err := json.Marshal(c.Timestamp)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.Grow(len(ts) + 64)
	buf.WriteByte('[')
	buf.Write(ts)
	for _, v := range []decimal.NullDecimal{c.Open, c.High, c.Low, c.Close, c.Volume, c.OpenInterest} {
		buf.WriteByte(',')
		if !v.Valid {
			buf.WriteString("null")
			continue
		}
		buf.WriteString(v.Decimal.String())
	}
	buf.WriteByte(']')
	return buf.Bytes(), nil
}

// UnmarshalJSON reads the array form. Missing or null numeric slots decode as
// invalid and numbers quoted as strings are accepted.
func (c *Candle) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("candle must be an array: %w", err)
	}
	if len(raw) == 0 {
		return fmt.Errorf("candle array is empty")
	}

	var out Candle
	if err := json.Unmarshal(raw[0], &out.Timestamp); err != nil {
		return fmt.Errorf("candle timestamp must be a string: %w", err)
	}

	fields := []*decimal.NullDecimal{&out.Open, &out.High, &out.Low, &out.Close, &out.Volume, &out.OpenInterest}
	for i, dst := range fields {
		if i+1 >= len(raw) {
			break
		}
		v, err := parseNumber(raw[i+1])
		if err != nil {
			return fmt.Errorf("candle %s field %d: %w", out.Timestamp, i+1, err)
		}
		*dst = v
	}

	*c = out
	return nil
}

func parseNumber(raw json.RawMessage) (decimal.NullDecimal, error) {
	s := string(bytes.TrimSpace(raw))
	switch {
	case s == "" || s == "null":
		return decimal.NullDecimal{}, nil
	case s[0] == '"':
		unquoted, err := strconv.Unquote(s)
		if err != nil {
			return decimal.NullDecimal{}, err
		}
		if unquoted == "" {
			return decimal.NullDecimal{}, nil
		}
		return toNull(decimal.NewFromString(unquoted))
	default:
		return toNull(decimal.NewFromString(s))
	}
}

func toNull(d decimal.Decimal, err error) (decimal.NullDecimal, error) {
	if err != nil {
		return decimal.NullDecimal{}, err
	}
	return decimal.NewNullDecimal(d), nil
}

// NewCandle builds a candle from float values, mostly useful in tests and fixtures
func NewCandle(timestamp string, open, high, low, close, volume, openInterest float64) Candle {
	return Candle{
		Timestamp:    timestamp,
		Open:         decimal.NewNullDecimal(decimal.NewFromFloat(open)),
		High:         decimal.NewNullDecimal(decimal.NewFromFloat(high)),
		Low:          decimal.NewNullDecimal(decimal.NewFromFloat(low)),
		Close:        decimal.NewNullDecimal(decimal.NewFromFloat(close)),
		Volume:       decimal.NewNullDecimal(decimal.NewFromFloat(volume)),
		OpenInterest: decimal.NewNullDecimal(decimal.NewFromFloat(openInterest)),
	}
}
