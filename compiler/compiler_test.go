package compiler

import (
	"context"
	"errors"
	"testing"
	"time"

	"vizql/datasource"
	"vizql/query"
	"vizql/sqlexpr"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func salesDatasource(engine string) *datasource.Datasource {
	return &datasource.Datasource{
		ID:          "sales",
		TableName:   "sales",
		MainDttmCol: "ts",
		Database:    datasource.Database{Name: "main", Engine: engine},
		Columns: []datasource.Column{
			{Name: "region", Type: "VARCHAR", Groupby: true, Filterable: true},
			{Name: "category", Type: "VARCHAR", Groupby: true},
			{Name: "amount", Type: "DOUBLE", Sum: true},
			{Name: "year", Type: "INTEGER"},
			{Name: "month", Type: "INTEGER"},
			{Name: "ts", Type: "TIMESTAMP", IsDttm: true},
		},
		Metrics: []datasource.Metric{
			{Name: "avg_of_sums", Expression: "SUM(amount)", ComplexAggregations: []datasource.ComplexAggregation{
				{Function: "AVG", Hierarchy: "geo", Order: 1},
			}},
			{Name: "last_amount", Expression: "SUM(amount)", ComplexAggregations: []datasource.ComplexAggregation{
				{Function: "last", OrderColumns: []string{"year", "month"}, Hierarchy: "geo"},
			}},
		},
		Hierarchies: []datasource.Hierarchy{{Name: "geo", Columns: []string{"region"}}},
	}
}

func newCompiler(t *testing.T, ds *datasource.Datasource) *Compiler {
	t.Helper()
	c, err := New(ds, nil)
	require.NoError(t, err)
	return c
}

func sumAmount() []query.MetricRef {
	return []query.MetricRef{{Name: "sum__amount"}}
}

func date(s string) *time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return &t
}

type stubRunner struct {
	rows *PrequeryResult
	err  error
	sql  []string
}

func (s *stubRunner) Prequery(_ context.Context, sql string) (*PrequeryResult, error) {
	s.sql = append(s.sql, sql)
	return s.rows, s.err
}

func TestCompileGroupby(t *testing.T) {
	c := newCompiler(t, salesDatasource("duckdb"))
	compiled, err := c.Compile(context.Background(), query.QueryObject{
		Groupby:   []string{"region"},
		Metrics:   sumAmount(),
		RowLimit:  100,
		OrderDesc: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "SELECT region, SUM(amount) AS sum__amount FROM sales GROUP BY region ORDER BY sum__amount DESC LIMIT 100", compiled.SQL)
	assert.Equal(t, "SELECT COUNT(*) AS total_found FROM (SELECT region, SUM(amount) AS sum__amount FROM sales GROUP BY region) AS countqs", compiled.CountSQL)
	assert.Equal(t, "sum__amount", compiled.MainMetric)
	assert.Empty(t, compiled.Prequeries)
	assert.False(t, compiled.NoRows)

	str, err := c.QueryString(context.Background(), query.QueryObject{
		Groupby:   []string{"region"},
		Metrics:   sumAmount(),
		RowLimit:  100,
		OrderDesc: true,
	})
	require.NoError(t, err)
	assert.Equal(t, compiled.SQL, str)
}

func TestCompileTimeseries(t *testing.T) {
	c := newCompiler(t, salesDatasource("duckdb"))
	compiled, err := c.Compile(context.Background(), query.QueryObject{
		IsTimeseries: true,
		Granularity:  "ts",
		FromDttm:     date("2024-01-01"),
		ToDttm:       date("2024-02-01"),
		Metrics:      sumAmount(),
		Filter:       []query.Filter{{Col: "region", Op: "in", Val: []any{"A"}}},
		Extras:       query.Extras{TimeGrainSQLA: "P1D"},
		RowLimit:     10,
		OrderDesc:    true,
	})
	require.NoError(t, err)
	assert.Equal(t,
		"SELECT date_trunc('day', ts) AS __timestamp, SUM(amount) AS sum__amount FROM sales"+
			" WHERE ts >= CAST('2024-01-01 00:00:00' AS TIMESTAMP) AND ts <= CAST('2024-02-01 00:00:00' AS TIMESTAMP) AND region IN ('A')"+
			" GROUP BY __timestamp ORDER BY sum__amount DESC LIMIT 10",
		compiled.SQL)
}

func TestCompileExtras(t *testing.T) {
	c := newCompiler(t, salesDatasource("duckdb"))
	c.Template = TemplateContext{URLParams: map[string]string{"region": "B"}}
	compiled, err := c.Compile(context.Background(), query.QueryObject{
		Groupby: []string{"region"},
		Metrics: sumAmount(),
		Extras: query.Extras{
			Where:  `category LIKE 'A%' AND region = {{ quote (urlParam "region" "A") }}`,
			Having: "SUM(amount) > 10",
		},
		OrderDesc: true,
	})
	require.NoError(t, err)
	assert.Equal(t,
		"SELECT region, SUM(amount) AS sum__amount FROM sales WHERE (category LIKE 'A%' AND region = 'B')"+
			" GROUP BY region HAVING (SUM(amount) > 10) ORDER BY sum__amount DESC",
		compiled.SQL)
}

func TestCompileTemplateError(t *testing.T) {
	c := newCompiler(t, salesDatasource("duckdb"))
	_, err := c.Compile(context.Background(), query.QueryObject{
		Groupby: []string{"region"},
		Extras:  query.Extras{Where: "{{ nope }}"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sql template")
}

func TestCompileVirtualDatasource(t *testing.T) {
	ds := salesDatasource("duckdb")
	ds.SQL = `SELECT * FROM raw_sales WHERE region IN ({{ join ", " (quoteAll (filterValues "region")) }})`
	c := newCompiler(t, ds)
	compiled, err := c.Compile(context.Background(), query.QueryObject{
		Groupby: []string{"region"},
		Metrics: sumAmount(),
		Filter: []query.Filter{
			{Col: "region", Op: "in", Val: []any{"A", "B"}},
			{Col: "amount", Op: ">", Val: 3.0},
		},
		OrderDesc: true,
	})
	require.NoError(t, err)
	assert.Equal(t,
		"SELECT region, SUM(amount) AS sum__amount FROM (SELECT * FROM raw_sales WHERE region IN ('A', 'B')) AS expr_qry"+
			" WHERE (region IN ('A', 'B') AND amount > 3) GROUP BY region ORDER BY sum__amount DESC",
		compiled.SQL)
}

func TestCompileErrors(t *testing.T) {
	c := newCompiler(t, salesDatasource("duckdb"))
	_, err := c.Compile(context.Background(), query.QueryObject{})
	assert.ErrorIs(t, err, ErrEmptyQuery)

	ds := salesDatasource("duckdb")
	ds.MainDttmCol = ""
	c = newCompiler(t, ds)
	_, err = c.Compile(context.Background(), query.QueryObject{IsTimeseries: true, Metrics: sumAmount()})
	assert.ErrorIs(t, err, ErrMissingGranularity)

	_, err = c.Compile(context.Background(), query.QueryObject{Groupby: []string{"nope"}, Metrics: sumAmount()})
	var unknown *sqlexpr.UnknownColumnError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "nope", unknown.Name)
}

func TestCompileTextJoin(t *testing.T) {
	regions := &query.TextJoin{
		JoinWith: "SELECT code, label FROM regions",
		On:       "table2.code = {region}",
		Columns:  []string{"code", "label"},
	}
	tests := []struct {
		name    string
		join    *query.TextJoin
		replace map[string]string
		custom  []query.CustomColumn
		sql     string
	}{
		{
			name: "join only",
			join: regions,
			sql: "SELECT region, SUM(amount) AS sum__amount FROM sales" +
				" LEFT OUTER JOIN (SELECT code, label FROM regions) AS table2 ON table2.code = region" +
				" GROUP BY region ORDER BY sum__amount DESC",
		},
		{
			name:    "replaced column",
			join:    regions,
			replace: map[string]string{"region": "COALESCE(table2.label, {region})"},
			sql: "SELECT region, SUM(amount) AS sum__amount FROM (SELECT COALESCE(table2.label, region) AS region," +
				" category, amount, year, month, ts FROM sales" +
				" LEFT OUTER JOIN (SELECT code, label FROM regions) AS table2 ON table2.code = region) AS subq" +
				" GROUP BY region ORDER BY sum__amount DESC",
		},
		{
			name:   "custom column",
			custom: []query.CustomColumn{{Expression: "NULL", Label: "icon_field"}},
			sql:    "SELECT region, SUM(amount) AS sum__amount, NULL AS icon_field FROM sales GROUP BY region ORDER BY sum__amount DESC",
		},
	}
	c := newCompiler(t, salesDatasource("duckdb"))
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var join *query.TextJoin
			if tc.join != nil {
				j := *tc.join
				j.ReplaceColumns = tc.replace
				join = &j
			}
			compiled, err := c.Compile(context.Background(), query.QueryObject{
				Groupby:       []string{"region"},
				Metrics:       sumAmount(),
				OrderDesc:     true,
				TextJoin:      join,
				CustomColumns: tc.custom,
			})
			require.NoError(t, err)
			assert.Equal(t, tc.sql, compiled.SQL)
		})
	}

	_, err := c.Compile(context.Background(), query.QueryObject{
		Groupby:  []string{"region"},
		TextJoin: &query.TextJoin{JoinWith: "SELECT 1"},
	})
	assert.ErrorIs(t, err, ErrInvalidQuery)
	_, err = c.Compile(context.Background(), query.QueryObject{
		Groupby:       []string{"region"},
		CustomColumns: []query.CustomColumn{{Expression: "NULL"}},
	})
	assert.ErrorIs(t, err, ErrInvalidQuery)
}

func TestCompileDropsUnknownMetrics(t *testing.T) {
	c := newCompiler(t, salesDatasource("duckdb"))
	compiled, err := c.Compile(context.Background(), query.QueryObject{
		Groupby:   []string{"region"},
		Metrics:   []query.MetricRef{{Name: "region"}, {Name: "sum__amount"}},
		OrderDesc: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "SELECT region, SUM(amount) AS sum__amount FROM sales GROUP BY region ORDER BY sum__amount DESC", compiled.SQL)
}

func TestCompileColumnsAndPaging(t *testing.T) {
	c := newCompiler(t, salesDatasource("duckdb"))
	tests := []struct {
		name string
		q    query.QueryObject
		sql  string
	}{
		{
			name: "raw columns",
			q:    query.QueryObject{Columns: []string{"region", "amount"}, RowLimit: 5},
			sql:  "SELECT region, amount FROM sales LIMIT 5",
		},
		{
			name: "page within row limit",
			q: query.QueryObject{
				Groupby: []string{"region"}, Metrics: sumAmount(), OrderDesc: true,
				RowLimit: 100, PageLength: 20, PageOffset: 40,
			},
			sql: "SELECT region, SUM(amount) AS sum__amount FROM sales GROUP BY region ORDER BY sum__amount DESC LIMIT 20 OFFSET 40",
		},
		{
			name: "explicit order",
			q: query.QueryObject{
				Groupby: []string{"region"}, Metrics: sumAmount(),
				Orderby: []query.OrderBy{{Expr: "region", Ascending: true}},
			},
			sql: "SELECT region, SUM(amount) AS sum__amount FROM sales GROUP BY region ORDER BY region ASC",
		},
		{
			name: "default order ascending",
			q:    query.QueryObject{Groupby: []string{"region"}, Metrics: sumAmount(), OrderDesc: false},
			sql:  "SELECT region, SUM(amount) AS sum__amount FROM sales GROUP BY region ORDER BY sum__amount ASC",
		},
		{
			name: "no metrics orders by count",
			q:    query.QueryObject{Groupby: []string{"region"}, OrderDesc: true},
			sql:  "SELECT region FROM sales GROUP BY region ORDER BY COUNT(*) DESC",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			compiled, err := c.Compile(context.Background(), tt.q)
			require.NoError(t, err)
			assert.Equal(t, tt.sql, compiled.SQL)
			assert.NotContains(t, compiled.CountSQL, "LIMIT")
		})
	}
}

func TestCompileTotal(t *testing.T) {
	c := newCompiler(t, salesDatasource("duckdb"))
	compiled, err := c.Compile(context.Background(), query.QueryObject{
		Groupby: []string{"region"}, Metrics: sumAmount(), IsTotal: true, RowLimit: 10,
	})
	require.NoError(t, err)
	assert.Equal(t, compiled.CountSQL, compiled.SQL)
	assert.Contains(t, compiled.SQL, "AS countqs")
}

func TestTopGroupsJoin(t *testing.T) {
	c := newCompiler(t, salesDatasource("duckdb"))
	compiled, err := c.Compile(context.Background(), query.QueryObject{
		IsTimeseries:    true,
		Groupby:         []string{"region"},
		Metrics:         sumAmount(),
		TimeseriesLimit: 5,
		RowLimit:        10,
		OrderDesc:       true,
	})
	require.NoError(t, err)
	assert.Equal(t,
		"SELECT region, ts AS __timestamp, SUM(amount) AS sum__amount FROM sales"+
			" JOIN (SELECT region AS region__, SUM(amount) AS mme_inner__ FROM sales GROUP BY region ORDER BY mme_inner__ DESC LIMIT 5) AS anon_1 ON region = region__"+
			" GROUP BY region, __timestamp ORDER BY sum__amount DESC LIMIT 10",
		compiled.SQL)
	assert.Empty(t, compiled.Prequeries)
}

func TestTopGroupsPrequery(t *testing.T) {
	q := query.QueryObject{
		IsTimeseries:    true,
		Groupby:         []string{"region"},
		Metrics:         sumAmount(),
		TimeseriesLimit: 5,
		RowLimit:        10,
		OrderDesc:       true,
	}
	prequery := "SELECT region, SUM(amount) AS sum__amount FROM sales GROUP BY region ORDER BY sum__amount DESC LIMIT 5"

	t.Run("groups become predicate", func(t *testing.T) {
		runner := &stubRunner{rows: &PrequeryResult{
			Columns: []string{"region", "sum__amount"},
			Rows:    [][]any{{"A", 10.0}, {"B", 5.0}},
		}}
		c := newCompiler(t, salesDatasource("clickhouse"))
		c.Prequery = runner
		compiled, err := c.Compile(context.Background(), q)
		require.NoError(t, err)
		assert.Equal(t, []string{prequery}, compiled.Prequeries)
		assert.Equal(t, []string{prequery}, runner.sql)
		assert.Equal(t,
			"SELECT region, ts AS __timestamp, SUM(amount) AS sum__amount FROM sales"+
				" WHERE ((region = 'A') OR (region = 'B'))"+
				" GROUP BY region, __timestamp ORDER BY sum__amount DESC LIMIT 10",
			compiled.SQL)
		assert.False(t, compiled.NoRows)
	})

	t.Run("no groups", func(t *testing.T) {
		c := newCompiler(t, salesDatasource("clickhouse"))
		c.Prequery = &stubRunner{rows: &PrequeryResult{Columns: []string{"region", "sum__amount"}}}
		compiled, err := c.Compile(context.Background(), q)
		require.NoError(t, err)
		assert.True(t, compiled.NoRows)
		assert.Contains(t, compiled.SQL, "WHERE 1 = 0")
	})

	t.Run("failure aborts", func(t *testing.T) {
		c := newCompiler(t, salesDatasource("clickhouse"))
		boom := errors.New("boom")
		c.Prequery = &stubRunner{err: boom}
		_, err := c.Compile(context.Background(), q)
		var perr *PrequeryError
		require.ErrorAs(t, err, &perr)
		assert.Equal(t, prequery, perr.SQL)
		assert.ErrorIs(t, err, boom)
	})

	t.Run("no runner", func(t *testing.T) {
		c := newCompiler(t, salesDatasource("clickhouse"))
		_, err := c.Compile(context.Background(), q)
		var perr *PrequeryError
		require.ErrorAs(t, err, &perr)
	})
}

func TestTimeAggregation(t *testing.T) {
	q := query.QueryObject{
		Groupby:   []string{"region"},
		Metrics:   []query.MetricRef{{Name: "last_amount"}},
		OrderDesc: true,
	}

	t.Run("concatenated moment", func(t *testing.T) {
		c := newCompiler(t, salesDatasource("duckdb"))
		compiled, err := c.Compile(context.Background(), q)
		require.NoError(t, err)
		moment := "CONCAT(right(CONCAT('0000', year), 4), right(CONCAT('0000', month), 4))"
		assert.Equal(t,
			"SELECT region, SUM(amount) AS last_amount FROM sales"+
				" JOIN (SELECT MAX("+moment+") AS moment__, region AS region__ FROM sales GROUP BY region) AS moments"+
				" ON "+moment+" = moment__ AND region = region__"+
				" GROUP BY region, "+moment+" ORDER BY last_amount DESC",
			compiled.SQL)
	})

	t.Run("weighted moment", func(t *testing.T) {
		c := newCompiler(t, salesDatasource("clickhouse"))
		compiled, err := c.Compile(context.Background(), q)
		require.NoError(t, err)
		assert.Equal(t,
			"SELECT region, SUM(amount) AS last_amount, month * 1+year * 100 AS moment FROM sales"+
				" JOIN (SELECT MAX(month * 1+year * 100) AS moment, region FROM sales GROUP BY region) USING (moment, region)"+
				" GROUP BY region, moment ORDER BY last_amount DESC",
			compiled.SQL)
	})
}

func TestComplexAggregationChain(t *testing.T) {
	c := newCompiler(t, salesDatasource("duckdb"))
	compiled, err := c.Compile(context.Background(), query.QueryObject{
		Groupby:   []string{"category"},
		Metrics:   []query.MetricRef{{Name: "avg_of_sums"}},
		RowLimit:  10,
		OrderDesc: true,
	})
	require.NoError(t, err)
	assert.Equal(t,
		"SELECT category, AVG(innerqs1.avg_of_sums) AS avg_of_sums"+
			" FROM (SELECT category, amount AS avg_of_sums, region FROM sales GROUP BY category, amount, region) AS innerqs1"+
			" GROUP BY category, region ORDER BY avg_of_sums DESC",
		compiled.SQL)
}

func TestValuesQuery(t *testing.T) {
	ds := salesDatasource("duckdb")
	ds.FetchValuesPredicate = "amount > 0"
	c := newCompiler(t, ds)
	sql, err := c.ValuesQuery(context.Background(), "region", 50)
	require.NoError(t, err)
	assert.Equal(t, "SELECT DISTINCT region FROM sales WHERE (amount > 0) LIMIT 50", sql)

	_, err = c.ValuesQuery(context.Background(), "nope", 50)
	require.Error(t, err)
}

func TestRawArgument(t *testing.T) {
	assert.Equal(t, "amount", rawArgument("SUM(amount)"))
	assert.Equal(t, "COALESCE(a, 0)", rawArgument("SUM(COALESCE(a, 0))"))
	assert.Equal(t, "amount", rawArgument("amount"))
}
