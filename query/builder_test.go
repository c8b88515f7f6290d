package query

import (
	"encoding/json"
	"testing"
	"time"

	"vizql/datasource"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2024, 6, 15, 13, 45, 10, 0, time.UTC)

func testBuilder() *Builder {
	return &Builder{RowLimit: 5000, MaxRowLimit: 5000, Now: func() time.Time { return fixedNow }}
}

func formData(t *testing.T, s string) FormData {
	t.Helper()
	var fd FormData
	require.NoError(t, json.Unmarshal([]byte(s), &fd))
	return fd
}

func TestRowLimitClamp(t *testing.T) {
	b := testBuilder()

	q, err := b.Build(formData(t, `{"row_limit": 50}`), "table", false)
	require.NoError(t, err)
	assert.Equal(t, 50, q.RowLimit)

	q, err = b.Build(formData(t, `{}`), "table", false)
	require.NoError(t, err)
	assert.Equal(t, 5000, q.RowLimit)

	q, err = b.Build(formData(t, `{"row_limit": null}`), "table", false)
	require.NoError(t, err)
	assert.Equal(t, 5000, q.RowLimit)

	q, err = b.Build(formData(t, `{"row_limit": "90000"}`), "table", false)
	require.NoError(t, err)
	assert.Equal(t, 5000, q.RowLimit)
}

func TestBuildGroupby(t *testing.T) {
	b := testBuilder()
	q, err := b.Build(formData(t, `{
		"groupby": ["region", "__timestamp", "city"],
		"columns": ["city", "product"],
		"metrics": ["sum__amount", {"column": {"column_name": "qty"}, "aggregate": "SUM"}]
	}`), "table", false)
	require.NoError(t, err)

	assert.Equal(t, []string{"region", "city", "product"}, q.Groupby)
	assert.True(t, q.IsTimeseries)
	require.Len(t, q.Metrics, 2)
	assert.Equal(t, "sum__amount", q.Metrics[0].Name)
	require.True(t, q.Metrics[1].IsAdhoc())
	assert.Equal(t, "SUM(qty)", q.Metrics[1].Label())
	assert.True(t, q.OrderDesc)
}

func TestBuildTimeRange(t *testing.T) {
	b := testBuilder()

	tests := []struct {
		name  string
		fd    string
		from  time.Time
		to    time.Time
		since string
	}{
		{
			name:  "two word since gets ago",
			fd:    `{"since": "7 days"}`,
			from:  time.Date(2024, 6, 8, 0, 0, 0, 0, time.UTC),
			to:    fixedNow,
			since: "7 days ago",
		},
		{
			name:  "absolute bounds",
			fd:    `{"since": "2024-01-01", "until": "2024-02-01"}`,
			from:  time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
			to:    time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC),
			since: "2024-01-01",
		},
		{
			name:  "time shift moves both bounds",
			fd:    `{"since": "2024-01-08", "until": "2024-01-15", "time_shift": "1 week ago"}`,
			from:  time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
			to:    time.Date(2024, 1, 8, 0, 0, 0, 0, time.UTC),
			since: "2024-01-08",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			q, err := b.Build(formData(t, tc.fd), "line", true)
			require.NoError(t, err)
			require.NotNil(t, q.FromDttm)
			require.NotNil(t, q.ToDttm)
			assert.True(t, tc.from.Equal(*q.FromDttm), "from %s", q.FromDttm)
			assert.True(t, tc.to.Equal(*q.ToDttm), "to %s", q.ToDttm)
			assert.Equal(t, tc.since, q.Since)
		})
	}

	q, err := b.Build(formData(t, `{}`), "table", false)
	require.NoError(t, err)
	assert.Nil(t, q.FromDttm)
	require.NotNil(t, q.ToDttm)
	assert.Equal(t, "now", q.Until)

	_, err = b.Build(formData(t, `{"since": "2024-03-01", "until": "2024-02-01"}`), "table", false)
	require.ErrorIs(t, err, ErrInvalidRange)
}

func TestBuildExtras(t *testing.T) {
	b := testBuilder()
	q, err := b.Build(formData(t, `{
		"where": "amount > 0",
		"extra_where": "region <> 'X'",
		"having": "SUM(amount) > 10",
		"time_grain_sqla": "P1D",
		"filters": [{"col": "region", "op": "in", "val": ["A"], "conjuction": "or"}]
	}`), "table", false)
	require.NoError(t, err)
	assert.Equal(t, "(amount > 0) AND (region <> 'X')", q.Extras.Where)
	assert.Equal(t, "SUM(amount) > 10", q.Extras.Having)
	assert.Equal(t, "P1D", q.Extras.TimeGrainSQLA)
	require.Len(t, q.Filter, 1)
	assert.Equal(t, "or", q.Filter[0].Conjunction)
	assert.True(t, q.Filter[0].IsOr())
}

func TestMergeExtraFilters(t *testing.T) {
	fd := formData(t, `{
		"filters": [{"col": "a", "op": "==", "val": "1"}],
		"extra_filters": [
			{"col": "__from", "op": "in", "val": "2024-01-01"},
			{"col": "__time_grain", "op": "in", "val": "P1W"},
			{"col": "region", "op": "in", "val": ["A", "B"]},
			{"col": "city", "op": "in", "val": []}
		]
	}`)
	out := MergeExtraFilters(fd)
	assert.Equal(t, "2024-01-01", out.String("since"))
	assert.Equal(t, "P1W", out.String("time_grain_sqla"))

	var filters []Filter
	require.NoError(t, out.Decode("filters", &filters))
	require.Len(t, filters, 2)
	assert.Equal(t, "region", filters[1].Col)
	assert.Equal(t, AND, filters[1].Conjunction)

	// the input is left untouched
	assert.Contains(t, fd, "extra_filters")
	assert.NotContains(t, fd, "since")
}

func TestBuildOrderby(t *testing.T) {
	b := testBuilder()

	q, err := b.Build(formData(t, `{"order_by_metric": [["sum__amount", "ASC"], ["region", "DESC"]]}`), "table", false)
	require.NoError(t, err)
	assert.Equal(t, []OrderBy{{"sum__amount", true}, {"region", false}}, q.Orderby)

	q, err = b.Build(formData(t, `{"groupby": ["a"], "columns": ["b"]}`), "pivot_table", false)
	require.NoError(t, err)
	assert.Equal(t, []OrderBy{{"a", true}, {"b", true}}, q.Orderby)

	q, err = b.Build(formData(t, `{"order_desc": false}`), "table", false)
	require.NoError(t, err)
	assert.Empty(t, q.Orderby)
	assert.Equal(t, []OrderBy{{"sum__amount", true}}, DefaultOrderby(&q, "sum__amount"))

	q.Columns = []string{"region"}
	assert.Empty(t, DefaultOrderby(&q, "sum__amount"))
}

func TestCacheTimeout(t *testing.T) {
	ds := &datasource.Datasource{}
	assert.Equal(t, 300, CacheTimeout(FormData{}, ds, 300))

	dbTimeout := 60
	ds.Database.CacheTimeout = &dbTimeout
	assert.Equal(t, 60, CacheTimeout(FormData{}, ds, 300))

	dsTimeout := 30
	ds.CacheTimeout = &dsTimeout
	assert.Equal(t, 30, CacheTimeout(FormData{}, ds, 300))

	assert.Equal(t, 5, CacheTimeout(FormData{"cache_timeout": float64(5)}, ds, 300))
}

func TestOrderByJSON(t *testing.T) {
	var o []OrderBy
	require.NoError(t, json.Unmarshal([]byte(`[["region", true], [{"column": {"column_name": "x"}, "aggregate": "max"}, false]]`), &o))
	assert.Equal(t, []OrderBy{{"region", true}, {"MAX(x)", false}}, o)
}
