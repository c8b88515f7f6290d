package datasource

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

const salesYAML = `
database:
  name: warehouse
  engine: duckdb
datasources:
  - table_name: sales
    main_dttm_col: ts
    cache_timeout: 600
    columns:
      - name: region
        type: VARCHAR
        groupby: true
        filterable: true
      - name: amount
        type: DOUBLE
        sum: true
        avg: true
      - name: ts
        type: TIMESTAMP
        is_dttm: true
      - name: year
        type: INTEGER
      - name: month
        type: INTEGER
    metrics:
      - name: last_amount
        expression: SUM(amount)
        complex_aggregations:
          - function: last
            order_columns: [year, month]
            hierarchy: geo
            order: 1
    hierarchies:
      - name: geo
        columns: [region]
`

func setupStore(t *testing.T) *Store {
	t.Helper()
	db, err := sqlx.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	store, err := NewStore(context.Background(), db)
	require.NoError(t, err)
	return store
}

func TestParseDefinitions(t *testing.T) {
	datasources, err := ParseDefinitions([]byte(salesYAML))
	require.NoError(t, err)
	require.Len(t, datasources, 1)

	ds := datasources[0]
	assert.Equal(t, "sales", ds.ID)
	assert.Equal(t, "sales__table", ds.UID())
	assert.Equal(t, "duckdb", ds.Database.Engine)
	require.NotNil(t, ds.CacheTimeout)
	assert.Equal(t, 600, *ds.CacheTimeout)
	assert.Equal(t, []string{"ts"}, ds.DttmCols())

	steps := ds.Metrics[0].Steps()
	require.Len(t, steps, 1)
	assert.True(t, steps[0].IsTimeAggregation())
	assert.Equal(t, []string{"year", "month"}, steps[0].OrderColumns)
}

func TestParseDefinitionsInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{
			name:    "unknown engine",
			content: "datasources:\n  - table_name: t\n    database: {engine: oracle}\n",
		},
		{
			name:    "duplicate column",
			content: "datasources:\n  - table_name: t\n    columns: [{name: a}, {name: a}]\n",
		},
		{
			name:    "unknown hierarchy column",
			content: "datasources:\n  - table_name: t\n    columns: [{name: a}]\n    hierarchies: [{name: h, columns: [b]}]\n",
		},
		{
			name:    "no table or sql",
			content: "datasources:\n  - id: x\n",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseDefinitions([]byte(tc.content))
			require.ErrorIs(t, err, ErrInvalid)
		})
	}
}

func TestMetricLookup(t *testing.T) {
	datasources, err := ParseDefinitions([]byte(salesYAML))
	require.NoError(t, err)
	ds := &datasources[0]

	m, ok := ds.Metric("sum__amount")
	require.True(t, ok)
	assert.Equal(t, "SUM(amount)", m.Expression)

	m, ok = ds.Metric("avg__amount")
	require.True(t, ok)
	assert.Equal(t, "AVG(amount)", m.Expression)

	m, ok = ds.Metric("count")
	require.True(t, ok)
	assert.Equal(t, "COUNT(*)", m.Expression)

	_, ok = ds.Metric("max__amount")
	assert.False(t, ok)
}

func TestColumnTypes(t *testing.T) {
	assert.True(t, (&Column{Type: "DOUBLE"}).IsNum())
	assert.True(t, (&Column{Type: "bigint"}).IsNum())
	assert.True(t, (&Column{Type: "VARCHAR(255)"}).IsString())
	assert.True(t, (&Column{Type: "TIMESTAMP WITH TIME ZONE"}).IsTime())
	assert.False(t, (&Column{Type: "VARCHAR"}).IsNum())
}

func TestStoreRoundTrip(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	datasources, err := ParseDefinitions([]byte(salesYAML))
	require.NoError(t, err)
	require.NoError(t, store.Save(ctx, &datasources[0], "sales.yaml"))

	got, err := store.Get(ctx, "sales")
	require.NoError(t, err)
	assert.Equal(t, datasources[0].Columns, got.Columns)
	assert.Equal(t, datasources[0].Metrics, got.Metrics)

	list, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "sales", list[0].Name)
	assert.Equal(t, "sales.yaml", list[0].Source)

	require.NoError(t, store.Delete(ctx, "sales"))
	_, err = store.Get(ctx, "sales")
	require.ErrorIs(t, err, ErrNotFound)
	require.ErrorIs(t, store.Delete(ctx, "sales"), ErrNotFound)
}

func TestLoadDir(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sales.yaml"), []byte(salesYAML), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("ignored"), 0o644))

	n, err := LoadDir(ctx, store, dir, discardLogger())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// reloading the same file replaces instead of duplicating
	n, err = LoadFile(ctx, store, filepath.Join(dir, "sales.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	list, err := store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

const polygonsYAML = `
polygons:
  - id: districts
    name: City districts
    areas:
      - center: [55.75, 37.61]
        polygon: [[55.7, 37.5], [55.8, 37.5], [55.8, 37.7], [55.7, 37.7]]
datasources: []
`

func TestPolygonsFromDefinitions(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	p := filepath.Join(t.TempDir(), "geo.yaml")
	require.NoError(t, os.WriteFile(p, []byte(polygonsYAML), 0o644))

	n, err := LoadFile(ctx, store, p)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	got, err := store.GetPolygon(ctx, "districts")
	require.NoError(t, err)
	assert.Equal(t, "City districts", got.Name)
	require.Len(t, got.Areas, 1)
	assert.Equal(t, [2]float64{55.75, 37.61}, got.Areas[0].Center)
	assert.Len(t, got.Areas[0].Polygon, 4)

	list, err := store.ListPolygons(ctx)
	require.NoError(t, err)
	assert.Equal(t, []PolygonSummary{{ID: "districts", Name: "City districts"}}, list)

	require.NoError(t, store.DeleteBySource(ctx, p))
	_, err = store.GetPolygon(ctx, "districts")
	require.ErrorIs(t, err, ErrPolygonNotFound)
}

func TestPolygonValidate(t *testing.T) {
	tests := []struct {
		name string
		p    GeoPolygon
	}{
		{"no id", GeoPolygon{Name: "x"}},
		{"no name", GeoPolygon{ID: "x"}},
		{"open area", GeoPolygon{ID: "x", Name: "x", Areas: []Area{{Polygon: [][2]float64{{1, 2}, {3, 4}}}}}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			require.ErrorIs(t, tc.p.Validate(), ErrInvalid)
		})
	}
}
