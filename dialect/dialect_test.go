package dialect

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetAliases(t *testing.T) {
	for _, name := range []string{"", "duckdb", "DuckDB"} {
		s, err := Get(name)
		require.NoError(t, err)
		assert.Equal(t, DUCKDB, s.Engine)
	}
	s, err := Get("postgres")
	require.NoError(t, err)
	assert.Equal(t, POSTGRESQL, s.Engine)

	_, err = Get("oracle")
	require.ErrorIs(t, err, ErrUnknownEngine)
}

func TestGrainFunction(t *testing.T) {
	s, err := Get(DUCKDB)
	require.NoError(t, err)

	assert.Equal(t, "date_trunc('day', {col})", s.GrainFunction("P1D"))
	assert.Equal(t, "date_trunc('day', {col})", s.GrainFunction("day"))
	assert.Equal(t, "{col}", s.GrainFunction(""))
	assert.Equal(t, "{col}", s.GrainFunction("P7Y"))
}

func TestCapabilities(t *testing.T) {
	ch, err := Get(CLICKHOUSE)
	require.NoError(t, err)
	assert.False(t, ch.InnerJoins)
	assert.True(t, ch.WeightedMoment)
	assert.Equal(t, "lowerUTF8(name)", ch.Lower("name"))

	duck, err := Get(DUCKDB)
	require.NoError(t, err)
	assert.True(t, duck.InnerJoins)
	assert.Equal(t, "lower(name)", duck.Lower("name"))
	assert.Equal(t, "to_timestamp(ts)", duck.Epoch("ts", false))
	assert.Equal(t, "to_timestamp(ts / 1000)", duck.Epoch("ts", true))
}

func TestAggregate(t *testing.T) {
	s, err := Get(DUCKDB)
	require.NoError(t, err)

	expr, err := s.Aggregate("count_distinct", "user_id")
	require.NoError(t, err)
	assert.Equal(t, "COUNT(DISTINCT user_id)", expr)

	_, err = s.Aggregate("MEDIANISH", "x")
	assert.Error(t, err)
}

func TestConvertDttm(t *testing.T) {
	ts := time.Date(2024, 3, 5, 10, 30, 0, 0, time.UTC)
	s, err := Get(DUCKDB)
	require.NoError(t, err)

	assert.Equal(t, "CAST('2024-03-05 10:30:00' AS TIMESTAMP)", s.ConvertDttm("TIMESTAMP", ts))
	assert.Equal(t, "CAST('2024-03-05' AS DATE)", s.ConvertDttm("DATE", ts))
	assert.Equal(t, "", s.ConvertDttm("VARCHAR", ts))
}

func TestExtractErrorMessage(t *testing.T) {
	duck, err := Get(DUCKDB)
	require.NoError(t, err)
	assert.Equal(t,
		`Table with name nope does not exist!`,
		duck.ExtractErrorMessage(errors.New("Catalog Error: Table with name nope does not exist!")),
	)

	pg, err := Get(POSTGRESQL)
	require.NoError(t, err)
	assert.Equal(t,
		`relation "nope" does not exist`,
		pg.ExtractErrorMessage(errors.New(`ERROR: relation "nope" does not exist (SQLSTATE 42P01)`)),
	)

	ch, err := Get(CLICKHOUSE)
	require.NoError(t, err)
	assert.Equal(t,
		"Table default.nope doesn't exist",
		ch.ExtractErrorMessage(errors.New("code: 60, message: Table default.nope doesn't exist")),
	)
	assert.Equal(t, "", ch.ExtractErrorMessage(nil))
}
