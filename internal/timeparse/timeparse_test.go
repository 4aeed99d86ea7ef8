package timeparse

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDateTime(t *testing.T) {
	tokyo := LoadLocation("Asia/Tokyo")
	now := time.Date(2025, 11, 20, 9, 0, 0, 0, tokyo)

	tests := []struct {
		in   string
		want time.Time
	}{
		{"12/5 14:00", time.Date(2025, 12, 5, 14, 0, 0, 0, tokyo)},
		{"2026/01/09 09:30", time.Date(2026, 1, 9, 9, 30, 0, 0, tokyo)},
		{"2025/12/05 14:00:00", time.Date(2025, 12, 5, 14, 0, 0, 0, tokyo)},
		{"2025-12-05 14:00", time.Date(2025, 12, 5, 14, 0, 0, 0, tokyo)},
		{"12-05 14:00", time.Date(2025, 12, 5, 14, 0, 0, 0, tokyo)},
		{"12月5日 14時", time.Date(2025, 12, 5, 14, 0, 0, 0, tokyo)},
		{"12月5日 14時30分", time.Date(2025, 12, 5, 14, 30, 0, 0, tokyo)},
		{"12月5日 14:00", time.Date(2025, 12, 5, 14, 0, 0, 0, tokyo)},
		{"2025年12月5日 14:00", time.Date(2025, 12, 5, 14, 0, 0, 0, tokyo)},
		{"  １２/５　１４：００ ", time.Date(2025, 12, 5, 14, 0, 0, 0, tokyo)},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseDateTime(tt.in, now, tokyo)
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got), "got %s want %s", got, tt.want)
		})
	}
}

func TestParseDateTimeRejects(t *testing.T) {
	tokyo := LoadLocation("Asia/Tokyo")
	now := time.Date(2025, 11, 20, 9, 0, 0, 0, tokyo)

	for _, in := range []string{"", "invalid date", "next friday", "2/30 10:00", "12/5 25:00", "12/5"} {
		_, err := ParseDateTime(in, now, tokyo)
		assert.Error(t, err, in)
	}
	_, err := ParseDateTime("tomorrow", now, tokyo)
	assert.True(t, errors.Is(err, ErrUnrecognized))
}

func TestParseDateTimeUsesYearInLocation(t *testing.T) {
	tokyo := LoadLocation("Asia/Tokyo")
	// 2025-12-31 20:00 UTC is already 2026 in Tokyo.
	now := time.Date(2025, 12, 31, 20, 0, 0, 0, time.UTC)
	got, err := ParseDateTime("1/8 10:00", now, tokyo)
	require.NoError(t, err)
	assert.Equal(t, 2026, got.Year())
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"2時間", 120},
		{"1時間", 60},
		{"2時間30分", 150},
		{"90分", 90},
		{"1.5時間", 90},
		{"2 hours", 120},
		{"30 minutes", 30},
		{"1h30m", 90},
		{"1 hour 15 min", 75},
		{"45", 45},
		{"９０分", 90},
		{"24時間", MaxDurationMinutes},
		{"1440", MaxDurationMinutes},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseDuration(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseDurationRejects(t *testing.T) {
	for _, in := range []string{"", "a while", "時間", "h"} {
		_, err := ParseDuration(in)
		assert.ErrorIs(t, err, ErrUnrecognized, in)
	}
}

func TestParseDurationOutOfRange(t *testing.T) {
	for _, in := range []string{
		"0",
		"0分",
		"1441",
		"25時間",
		"24時間1分",
		"23h 120m",
		"999999999999999999999999",
		"9999999999999999999999分",
		"99999999999999999999999.5 hours",
		"1h 99999999999999999999999m",
	} {
		t.Run(in, func(t *testing.T) {
			_, err := ParseDuration(in)
			assert.ErrorIs(t, err, ErrDurationOutOfRange)
		})
	}
}

func TestFormatting(t *testing.T) {
	tokyo := LoadLocation("Asia/Tokyo")
	ts := time.Date(2025, 12, 5, 5, 30, 0, 0, time.UTC)

	assert.Equal(t, "2025年12月5日(金) 14:30", FormatLong(ts, tokyo))
	assert.Equal(t, "12/5 (金) 14:30", FormatShort(ts, tokyo))
	assert.Equal(t, "45分", FormatDuration(45))
	assert.Equal(t, "2時間", FormatDuration(120))
	assert.Equal(t, "1時間30分", FormatDuration(90))
}
