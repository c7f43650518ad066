package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTimestamp_Daily(t *testing.T) {
	ts, err := ParseTimestamp("2025-01-02", FreqDaily)
	require.NoError(t, err)
	assert.Equal(t, "2025-01-02", ts.String())
	assert.Equal(t, FreqDaily, ts.Frequency())
}

func TestParseTimestamp_Hourly(t *testing.T) {
	ts, err := ParseTimestamp("2025-01-02 10:30:00", FreqHourly)
	require.NoError(t, err)
	assert.Equal(t, "2025-01-02 10:30:00", ts.String())
	assert.True(t, ts.IsAlignedHour())
}

func TestParseTimestamp_InvalidLayout(t *testing.T) {
	_, err := ParseTimestamp("01/02/2025", FreqDaily)
	assert.Error(t, err)
}

func TestTimestamp_IsAlignedHour(t *testing.T) {
	tests := []struct {
		name    string
		ts      Timestamp
		aligned bool
	}{
		{"10:30 aligned", NewDateTime(2025, 1, 2, 10, 30, 0), true},
		{"11:30 aligned", NewDateTime(2025, 1, 2, 11, 30, 0), true},
		{"14:00 aligned", NewDateTime(2025, 1, 2, 14, 0, 0), true},
		{"15:00 aligned", NewDateTime(2025, 1, 2, 15, 0, 0), true},
		{"09:30 not aligned", NewDateTime(2025, 1, 2, 9, 30, 0), false},
		{"12:00 not aligned", NewDateTime(2025, 1, 2, 12, 0, 0), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.aligned, tt.ts.IsAlignedHour())
		})
	}
}

func TestTimestamp_Ordering(t *testing.T) {
	a := NewDate(2025, time.January, 2)
	b := NewDate(2025, time.January, 3)
	assert.True(t, a.Before(b))
	assert.True(t, b.After(a))
	assert.False(t, a.Equal(b))
	assert.True(t, a.Equal(NewDate(2025, time.January, 2)))
}

func TestTimestamp_Date(t *testing.T) {
	ts := NewDateTime(2025, 1, 2, 14, 0, 0)
	d := ts.Date()
	assert.Equal(t, "2025-01-02", d.String())
	assert.Equal(t, FreqDaily, d.Frequency())
}
