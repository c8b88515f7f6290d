package humantime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2024, 6, 15, 13, 45, 10, 0, time.UTC)

func TestParseDatetime(t *testing.T) {
	tests := []struct {
		input    string
		expected time.Time
	}{
		{input: "now", expected: now},
		{input: "today", expected: time.Date(2024, 6, 15, 0, 0, 0, 0, time.UTC)},
		{input: "yesterday", expected: time.Date(2024, 6, 14, 0, 0, 0, 0, time.UTC)},
		{input: "7 days ago", expected: time.Date(2024, 6, 8, 0, 0, 0, 0, time.UTC)},
		{input: "1 year ago", expected: time.Date(2023, 6, 15, 0, 0, 0, 0, time.UTC)},
		{input: "2 hours ago", expected: time.Date(2024, 6, 15, 11, 45, 10, 0, time.UTC)},
		{input: "last month", expected: time.Date(2024, 5, 15, 0, 0, 0, 0, time.UTC)},
		{input: "3 days", expected: time.Date(2024, 6, 18, 0, 0, 0, 0, time.UTC)},
		{input: "2023-02-01", expected: time.Date(2023, 2, 1, 0, 0, 0, 0, time.UTC)},
		{input: "2023-02-01T10:20:30", expected: time.Date(2023, 2, 1, 10, 20, 30, 0, time.UTC)},
	}
	for _, tc := range tests {
		t.Run(tc.input, func(t *testing.T) {
			got, err := ParseDatetime(tc.input, now)
			require.NoError(t, err)
			assert.True(t, tc.expected.Equal(got), "expected %s, got %s", tc.expected, got)
		})
	}
}

func TestParseDatetimeEmptyAndInvalid(t *testing.T) {
	got, err := ParseDatetime("  ", now)
	require.NoError(t, err)
	assert.True(t, got.IsZero())

	_, err = ParseDatetime("not a date at all", now)
	assert.Error(t, err)
}

func TestParseTimedelta(t *testing.T) {
	d, err := ParseTimedelta("1 week", now)
	require.NoError(t, err)
	assert.Equal(t, 7*24*time.Hour, d)

	d, err = ParseTimedelta("1 day ago", now)
	require.NoError(t, err)
	assert.Equal(t, -24*time.Hour, d)

	d, err = ParseTimedelta("", now)
	require.NoError(t, err)
	assert.Zero(t, d)

	_, err = ParseTimedelta("fortnight", now)
	assert.Error(t, err)
}
