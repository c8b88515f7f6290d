package web

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/duckdb/duckdb-go/v2"
	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/jmoiron/sqlx"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"vizql/cache"
	"vizql/core"
	"vizql/datasource"
)

const exploreBody = `{"form_data": {
	"datasource": "sales__table",
	"viz_type": "table",
	"groupby": ["region"],
	"metrics": ["sum__amount"]
}}`

func setupServer(t *testing.T, jwtSecret []byte) *echo.Echo {
	t.Helper()
	connector, err := duckdb.NewConnector("", nil)
	require.NoError(t, err)
	db := sqlx.NewDb(sql.OpenDB(connector), "duckdb")
	t.Cleanup(func() { db.Close() })
	_, err = db.Exec(`CREATE TABLE sales AS SELECT * FROM (VALUES ('A', 10.0), ('B', 7.0)) t(region, amount)`)
	require.NoError(t, err)

	meta, err := sqlx.Open("sqlite", ":memory:")
	require.NoError(t, err)
	meta.SetMaxOpenConns(1)
	t.Cleanup(func() { meta.Close() })
	store, err := datasource.NewStore(context.Background(), meta)
	require.NoError(t, err)
	require.NoError(t, store.Save(context.Background(), &datasource.Datasource{
		ID:        "sales",
		TableName: "sales",
		Database:  datasource.Database{Name: "main", Engine: "duckdb"},
		Columns: []datasource.Column{
			{Name: "region", Type: "VARCHAR", Groupby: true, Filterable: true},
			{Name: "amount", Type: "DOUBLE", Sum: true},
		},
	}, "test"))

	mem := cache.NewMemory(time.Minute, 100)
	t.Cleanup(mem.Close)
	logger := slog.New(slog.DiscardHandler)
	app, err := core.New(db, store, cache.New(mem, logger), logger, core.Config{
		CacheTimeout: 60,
		JWTSecret:    jwtSecret,
	})
	require.NoError(t, err)
	reg := prometheus.NewRegistry()
	return New(app, reg, reg)
}

func do(e *echo.Echo, method string, target string, body string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestStatus(t *testing.T) {
	e := setupServer(t, nil)
	rec := do(e, http.MethodGet, "/status", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestExploreJSON(t *testing.T) {
	e := setupServer(t, nil)

	rec := do(e, http.MethodPost, "/api/explore_json", exploreBody, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "private, max-age=60", rec.Header().Get("Cache-Control"))

	var payload map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	assert.Equal(t, "success", payload["status"])
	assert.Equal(t, false, payload["is_cached"])
	for _, key := range []string{"cache_key", "cached_dttm", "cache_timeout", "total_found", "hierarchy", "error", "form_data", "query", "stacktrace", "rowcount", "data"} {
		assert.Contains(t, payload, key)
	}

	rec = do(e, http.MethodPost, "/api/explore_json", exploreBody, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	assert.Equal(t, true, payload["is_cached"])
}

func TestExploreJSONErrors(t *testing.T) {
	e := setupServer(t, nil)
	tests := []struct {
		name   string
		target string
		body   string
		status int
	}{
		{"no form data", "/api/explore_json", `{}`, http.StatusBadRequest},
		{"bad body", "/api/explore_json", `{`, http.StatusBadRequest},
		{"unknown datasource", "/api/explore_json", `{"form_data": {"datasource": "x__table"}}`, http.StatusNotFound},
		{"unknown column", "/api/explore_json", `{"form_data": {"datasource": "sales__table", "groupby": ["nope"], "metrics": ["sum__amount"]}}`, http.StatusBadRequest},
		{"failed query", "/api/explore_json", `{"form_data": {"datasource": "sales__table", "groupby": ["region"], "metrics": ["sum__amount"], "where": "nope = 1"}}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(e, http.MethodPost, tt.target, tt.body, nil)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
		})
	}
}

func TestFormDataAsString(t *testing.T) {
	e := setupServer(t, nil)
	body, err := json.Marshal(map[string]string{
		"form_data": `{"datasource": "sales__table", "groupby": ["region"], "metrics": ["sum__amount"]}`,
	})
	require.NoError(t, err)
	rec := do(e, http.MethodPost, "/api/explore_json/query", string(body), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var result struct {
		Query    string `json:"query"`
		Language string `json:"language"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, "sql", result.Language)
	assert.Contains(t, result.Query, "GROUP BY")
}

func TestExportCSV(t *testing.T) {
	e := setupServer(t, nil)
	rec := do(e, http.MethodPost, "/api/explore_json/csv", exploreBody, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Header().Get(echo.HeaderContentDisposition), `attachment; filename="sales-`)
	assert.Contains(t, rec.Header().Get(echo.HeaderContentType), "text/csv")
	assert.Contains(t, rec.Body.String(), "region,sum__amount")
}

func TestDatasources(t *testing.T) {
	e := setupServer(t, nil)

	rec := do(e, http.MethodGet, "/api/datasources", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Cache-Control"), "must-revalidate")
	var list []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, "sales", list[0]["id"])

	rec = do(e, http.MethodGet, "/api/datasources/sales", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = do(e, http.MethodGet, "/api/datasources/missing", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(e, http.MethodGet, "/api/datasources/sales/values/region", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var values []any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &values))
	assert.ElementsMatch(t, []any{"A", "B"}, values)

	rec = do(e, http.MethodGet, "/api/datasources/sales/values/region?limit=x", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPolygons(t *testing.T) {
	e := setupServer(t, nil)

	rec := do(e, http.MethodGet, "/api/polygons", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Cache-Control"), "must-revalidate")
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestJWT(t *testing.T) {
	secret := []byte("secret")
	e := setupServer(t, secret)

	rec := do(e, http.MethodPost, "/api/explore_json", exploreBody, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "alice",
		"exp": time.Now().Add(time.Minute).Unix(),
	}).SignedString(secret)
	require.NoError(t, err)
	rec = do(e, http.MethodPost, "/api/explore_json", exploreBody, http.Header{"Authorization": {"Bearer " + token}})
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(e, http.MethodGet, "/status", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMetrics(t *testing.T) {
	e := setupServer(t, nil)
	do(e, http.MethodGet, "/status", "", nil)
	rec := do(e, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "vizql_requests_total")
}
