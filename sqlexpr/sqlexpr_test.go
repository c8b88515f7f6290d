package sqlexpr

import (
	"context"
	"testing"
	"time"

	"vizql/datasource"
	"vizql/dialect"
	"vizql/query"

	sq "github.com/Masterminds/squirrel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDatasource() *datasource.Datasource {
	return &datasource.Datasource{
		ID:        "sales",
		TableName: "sales",
		Database:  datasource.Database{Engine: "duckdb"},
		Columns: []datasource.Column{
			{Name: "region", Type: "VARCHAR"},
			{Name: "amount", Type: "DOUBLE", Sum: true},
			{Name: "total_amount", Type: "DOUBLE"},
			{Name: "day", Type: "DATE"},
			{Name: "ts", Type: "TIMESTAMP", IsDttm: true},
			{Name: "epoch", Type: "BIGINT", IsDttm: true, DateFormat: "epoch_s"},
			{Name: "net", Type: "DOUBLE", Expression: "amount - tax"},
			{Name: "ym", Type: "VARCHAR", DateFormat: "%Y-%m"},
		},
		Metrics: []datasource.Metric{
			{Name: "share", Expression: "SUM(amount) * 100 / 5 || '%'"},
			{Name: "net_total", Expression: "SUM(net) + SUM(total_amount)"},
		},
	}
}

func duckdbSpec(t *testing.T) *dialect.Spec {
	t.Helper()
	spec, err := dialect.Get("duckdb")
	require.NoError(t, err)
	return spec
}

func render(t *testing.T, s sq.Sqlizer) string {
	t.Helper()
	require.NotNil(t, s)
	sql, args, err := s.ToSql()
	require.NoError(t, err)
	assert.Empty(t, args)
	return sql
}

func leaf(col, op string, val any, conj string) query.Filter {
	return query.Filter{Col: col, Op: op, Val: val, Conjunction: conj}
}

func TestFilterFoldOrder(t *testing.T) {
	e := &FilterEvaluator{Datasource: testDatasource(), Spec: duckdbSpec(t)}
	a := leaf("region", "==", "A", "and")
	b := leaf("region", "==", "B", "or")
	c := leaf("amount", ">", "1", "and")

	got := render(t, e.Evaluate(context.Background(), []query.Filter{a, b, c}))
	assert.Equal(t, "((region = 'A' OR region = 'B') AND amount > 1)", got)

	b.Conjunction, c.Conjunction = "and", "or"
	swapped := render(t, e.Evaluate(context.Background(), []query.Filter{a, b, c}))
	assert.Equal(t, "((region = 'A' AND region = 'B') OR amount > 1)", swapped)
	assert.NotEqual(t, got, swapped)
}

func TestFilterGroups(t *testing.T) {
	e := &FilterEvaluator{Datasource: testDatasource(), Spec: duckdbSpec(t)}
	filters := []query.Filter{
		leaf("region", "in", []any{"boy"}, "or"),
		{Conjunction: "and", Children: []query.Filter{
			leaf("region", "in", []any{"girl"}, "and"),
			{Conjunction: "and", Children: []query.Filter{
				leaf("region", "in", []any{"NY"}, "or"),
				leaf("region", "in", []any{"TX", "CA"}, "or"),
			}},
		}},
	}
	got := render(t, e.Evaluate(context.Background(), filters))
	assert.Equal(t, "(region IN ('boy') AND (region IN ('girl') AND (region IN ('NY') OR region IN ('TX', 'CA'))))", got)

	single := []query.Filter{
		leaf("amount", ">", 3.0, "and"),
		{Conjunction: "or", Children: []query.Filter{leaf("region", "==", "A", "and")}},
	}
	assert.Equal(t, "(amount > 3 OR (region = 'A'))", render(t, e.Evaluate(context.Background(), single)))
}

func TestFilterSkipsIncomplete(t *testing.T) {
	e := &FilterEvaluator{Datasource: testDatasource(), Spec: duckdbSpec(t)}
	filters := []query.Filter{
		{Col: "region", Op: "in"},
		leaf("missing", "==", "x", "and"),
		leaf("region", "", "x", "and"),
		leaf("region", "in", []any{}, "and"),
		{Conjunction: "or", Children: []query.Filter{{Col: "region"}}},
	}
	assert.Nil(t, e.Evaluate(context.Background(), filters))
	assert.Nil(t, e.Evaluate(context.Background(), nil))
}

func TestFilterCoercion(t *testing.T) {
	now := time.Date(2024, 6, 15, 13, 45, 10, 0, time.UTC)
	tests := []struct {
		name            string
		filter          query.Filter
		caseInsensitive bool
		want            string
	}{
		{"numbers parse", leaf("amount", "in", []any{"1,5", "2.50", " 3 ", 4.0}, "and"), false, "amount IN (2.5, 3, 4)"},
		{"quoted numbers", leaf("amount", "==", "'7'", "and"), false, "amount = 7"},
		{"not in", leaf("region", "not in", []any{"A"}, "and"), false, "region NOT IN ('A')"},
		{"lowered", leaf("region", "in", []any{"North", "SOUTH"}, "and"), true, "lower(region) IN ('north', 'south')"},
		{"scalar not lowered", leaf("region", "==", "North", "and"), true, "region = 'North'"},
		{"date", leaf("day", ">=", "yesterday", "and"), false, "day >= '2024-06-14'"},
		{"date list", leaf("day", "in", []any{"2024-01-02", "garbage"}, "and"), false, "day IN ('2024-01-02')"},
		{"like passes through", leaf("region", "LIKE", "N%", "and"), false, "region LIKE 'N%%'"},
		{"computed column", leaf("net", "<", "0", "and"), false, "(amount - tax) < 0"},
		{"escaped quote", leaf("region", "==", "O'Hara", "and"), false, "region = 'O''Hara'"},
		{"all values dropped", leaf("amount", "in", []any{"x"}, "and"), false, "1 = 0"},
		{"number against text", leaf("region", "in", []any{1.0, 2}, "and"), false, "region IN ('1', '2')"},
		{"number equals text", leaf("region", "==", 7.5, "and"), false, "region = '7.5'"},
		{"bool against text", leaf("region", "==", true, "and"), false, "region = 'true'"},
		{"number against number", leaf("amount", "==", 7.5, "and"), false, "amount = 7.5"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			e := &FilterEvaluator{Datasource: testDatasource(), Spec: duckdbSpec(t), CaseInsensitive: tc.caseInsensitive, Now: now}
			assert.Equal(t, tc.want, render(t, e.Evaluate(context.Background(), []query.Filter{tc.filter})))
		})
	}
}

type lookupFunc func(ctx context.Context, id string) (*datasource.Datasource, error)

func (f lookupFunc) Get(ctx context.Context, id string) (*datasource.Datasource, error) {
	return f(ctx, id)
}

func TestFilterInTable(t *testing.T) {
	lookup := lookupFunc(func(ctx context.Context, id string) (*datasource.Datasource, error) {
		if id == "7" {
			return &datasource.Datasource{ID: "7", SQL: "SELECT region FROM vip"}, nil
		}
		return nil, datasource.ErrNotFound
	})
	e := &FilterEvaluator{Datasource: testDatasource(), Spec: duckdbSpec(t), Lookup: lookup}

	got := render(t, e.Evaluate(context.Background(), []query.Filter{
		leaf("region", "intable", map[string]any{"value": 7.0}, "and"),
	}))
	assert.Equal(t, "region IN (SELECT region FROM (SELECT region FROM vip) AS subquery)", got)

	assert.Nil(t, e.Evaluate(context.Background(), []query.Filter{
		leaf("region", "intable", map[string]any{"value": "8"}, "and"),
	}))
}

func TestEscapePercent(t *testing.T) {
	ds := testDatasource()
	m, err := ResolveMetric(ds, query.MetricRef{Name: "share"}, duckdbSpec(t))
	require.NoError(t, err)
	assert.Equal(t, "SUM(amount) * 100 / 5 || '%%'", m.Expr)
	assert.Equal(t, "SUM(amount) * 100 / 5 || '%'", FormatSQL(m.Expr))

	assert.Equal(t, "a %% b %%%% c", EscapePercent("a % b %% c"))
	assert.Equal(t, "no percent", EscapePercent("no percent"))

	for _, raw := range []string{"a%b", "a%%b", "%%%", "100%"} {
		assert.Equal(t, "'"+raw+"'", FormatSQL(Quote(raw)), raw)
	}

	e := &FilterEvaluator{Datasource: ds, Spec: duckdbSpec(t)}
	got := render(t, e.Evaluate(context.Background(), []query.Filter{leaf("region", "==", "a%%b", "and")}))
	assert.Equal(t, "region = 'a%%b'", FormatSQL(got))
}

func TestResolveMetric(t *testing.T) {
	ds := testDatasource()
	spec := duckdbSpec(t)

	m, err := ResolveMetric(ds, query.MetricRef{Name: "net_total"}, spec)
	require.NoError(t, err)
	assert.Equal(t, "SUM((amount - tax)) + SUM(total_amount)", m.Expr)
	assert.Equal(t, "SUM((amount - tax)) + SUM(total_amount) AS net_total", m.Aliased())

	m, err = ResolveMetric(ds, query.MetricRef{Name: "sum__amount"}, spec)
	require.NoError(t, err)
	assert.Equal(t, "SUM(amount)", m.Expr)

	m, err = ResolveMetric(ds, query.MetricRef{Adhoc: &query.AdhocMetric{
		Column:    &query.AdhocColumn{ColumnName: "amount"},
		Aggregate: "COUNT_DISTINCT",
	}}, spec)
	require.NoError(t, err)
	assert.Equal(t, "COUNT(DISTINCT amount) AS \"COUNT_DISTINCT(amount)\"", m.Aliased())

	_, err = ResolveMetric(ds, query.MetricRef{Name: "nope"}, spec)
	var unknown *UnknownMetricError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "nope", unknown.Name)
}

func TestSubstituteColumns(t *testing.T) {
	ds := testDatasource()
	tests := []struct{ in, want string }{
		{"SUM(net)", "SUM((amount - tax))"},
		{"SUM(t.net)", "SUM(t.net)"},
		{"SUM(network)", "SUM(network)"},
		{"SUM(net) || 'net'", "SUM((amount - tax)) || 'net'"},
		{"net(1)", "net(1)"},
		{"SUM(2net)", "SUM(2net)"},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, SubstituteColumns(tc.in, ds), tc.in)
	}
}

func TestCumulativeTotal(t *testing.T) {
	m := MetricExpr{Expr: "SUM(amount)", Label: "SUM(amount)"}
	got := CumulativeTotal(m, []string{"region"}, "date_trunc('day', ts)")
	assert.Equal(t, "SUM(SUM(amount)) OVER (PARTITION BY region ORDER BY date_trunc('day', ts))", got.Expr)
}

func TestTimestampExpression(t *testing.T) {
	ds := testDatasource()
	spec := duckdbSpec(t)
	ts, _ := ds.Column("ts")
	epoch, _ := ds.Column("epoch")

	assert.Equal(t, "ts AS __timestamp", TimestampExpression(ts, "", spec).Aliased())
	assert.Equal(t, "date_trunc('day', ts) AS __timestamp", TimestampExpression(ts, "P1D", spec).Aliased())
	assert.Equal(t, "date_trunc('month', to_timestamp(epoch)) AS __timestamp", TimestampExpression(epoch, "month", spec).Aliased())
	assert.Equal(t, "ts AS __timestamp", TimestampExpression(ts, "P7Y", spec).Aliased())
}

func TestLiteralFor(t *testing.T) {
	ds := testDatasource()
	spec := duckdbSpec(t)
	at := time.Date(2024, 3, 4, 5, 6, 7, 0, time.UTC)

	ts, _ := ds.Column("ts")
	assert.Equal(t, "CAST('2024-03-04 05:06:07' AS TIMESTAMP)", LiteralFor(ts, at, spec))

	epoch, _ := ds.Column("epoch")
	assert.Equal(t, "1709528767", LiteralFor(epoch, at, spec))

	ym, _ := ds.Column("ym")
	assert.Equal(t, "'2024-03'", LiteralFor(ym, at, spec))

	custom := &datasource.Column{Name: "d", DatabaseExpression: "TO_DATE('{}', 'YYYY-MM-DD HH24:MI:SS')"}
	assert.Equal(t, "TO_DATE('2024-03-04 05:06:07', 'YYYY-MM-DD HH24:MI:SS')", LiteralFor(custom, at, spec))

	plain := &datasource.Column{Name: "s", Type: "VARCHAR"}
	assert.Equal(t, "'2024-03-04 05:06:07.000000'", LiteralFor(plain, at, spec))

	conds := TimeFilter(ts, &at, nil, spec)
	require.Len(t, conds, 1)
	assert.Equal(t, "ts >= CAST('2024-03-04 05:06:07' AS TIMESTAMP)", render(t, conds[0]))
}
