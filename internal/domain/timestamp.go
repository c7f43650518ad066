package domain

import (
	"fmt"
	"time"
)

// Frequency is the granularity of trading timestamps.
type Frequency string

const (
	FreqDaily  Frequency = "daily"
	FreqHourly Frequency = "hourly"
)

// DateLayout is the wire format for daily timestamps.
const DateLayout = "2006-01-02"

// DateTimeLayout is the wire format for hourly timestamps.
const DateTimeLayout = "2006-01-02 15:04:05"

// TradingHours are the exchange hours an hourly timestamp may be aligned to.
// Any other hour is rejected rather than silently coerced (spec §9 open question).
var TradingHours = []string{"10:30:00", "11:30:00", "14:00:00", "15:00:00"}

// Timestamp is either a date (daily frequency) or a datetime aligned to an
// exchange trading hour (hourly frequency). The zero value is invalid; use
// NewDate/NewDateTime or Parse.
type Timestamp struct {
	t    time.Time
	freq Frequency
}

// NewDate builds a daily Timestamp from a calendar date.
func NewDate(year int, month time.Month, day int) Timestamp {
	return Timestamp{t: time.Date(year, month, day, 0, 0, 0, 0, time.UTC), freq: FreqDaily}
}

// NewDateTime builds an hourly Timestamp. It does not validate hour
// alignment; callers that need the strict-hours invariant should use
// IsAlignedHour or go through the scheduler's AlignTradingHour.
func NewDateTime(year int, month time.Month, day, hour, minute, second int) Timestamp {
	return Timestamp{t: time.Date(year, month, day, hour, minute, second, 0, time.UTC), freq: FreqHourly}
}

// ParseTimestamp parses a wire-format timestamp string for the given frequency.
func ParseTimestamp(s string, freq Frequency) (Timestamp, error) {
	switch freq {
	case FreqDaily:
		t, err := time.ParseInLocation(DateLayout, s, time.UTC)
		if err != nil {
			return Timestamp{}, fmt.Errorf("parse daily timestamp %q: %w", s, err)
		}
		return Timestamp{t: t, freq: FreqDaily}, nil
	case FreqHourly:
		t, err := time.ParseInLocation(DateTimeLayout, s, time.UTC)
		if err != nil {
			return Timestamp{}, fmt.Errorf("parse hourly timestamp %q: %w", s, err)
		}
		return Timestamp{t: t, freq: FreqHourly}, nil
	default:
		return Timestamp{}, fmt.Errorf("unknown frequency %q", freq)
	}
}

// String renders the timestamp in its wire format.
func (ts Timestamp) String() string {
	if ts.freq == FreqHourly {
		return ts.t.Format(DateTimeLayout)
	}
	return ts.t.Format(DateLayout)
}

// Frequency returns the timestamp's granularity.
func (ts Timestamp) Frequency() Frequency { return ts.freq }

// Time returns the underlying time.Time (UTC).
func (ts Timestamp) Time() time.Time { return ts.t }

// IsZero reports whether this is the zero Timestamp.
func (ts Timestamp) IsZero() bool { return ts.t.IsZero() }

// Before reports whether ts is strictly before other.
func (ts Timestamp) Before(other Timestamp) bool { return ts.t.Before(other.t) }

// After reports whether ts is strictly after other.
func (ts Timestamp) After(other Timestamp) bool { return ts.t.After(other.t) }

// Equal reports whether ts and other denote the same instant.
func (ts Timestamp) Equal(other Timestamp) bool { return ts.t.Equal(other.t) }

// Date returns the calendar date component, truncating any time-of-day.
func (ts Timestamp) Date() Timestamp {
	y, m, d := ts.t.Date()
	return Timestamp{t: time.Date(y, m, d, 0, 0, 0, 0, time.UTC), freq: FreqDaily}
}

// IsAlignedHour reports whether ts's time-of-day matches one of TradingHours.
func (ts Timestamp) IsAlignedHour() bool {
	hms := ts.t.Format("15:04:05")
	for _, h := range TradingHours {
		if hms == h {
			return true
		}
	}
	return false
}
