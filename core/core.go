// Package core wires the query pipeline together: datasource lookup,
// connections per database, compilation, execution and chart payloads.
package core

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	"vizql/cache"
	"vizql/datasource"
	"vizql/query"
)

type App struct {
	// DB is the service's own DuckDB database. Datasources of the duckdb
	// engine without a DSN run here.
	DB     *sqlx.DB
	Store  *datasource.Store
	Cache  *cache.Layer
	Logger *slog.Logger
	// CacheTimeout in seconds when neither form data, datasource nor
	// database set one.
	CacheTimeout    int
	RowLimit        int
	MaxRowLimit     int
	QueryTimeout    time.Duration
	CaseInsensitive bool
	Location        *time.Location
	MapboxAPIKey    string
	MapIconPath     string
	ShowStacktrace  bool
	JWTSecret       []byte

	connsMu sync.Mutex
	conns   map[string]*sqlx.DB
}

type Config struct {
	CacheTimeout    int
	RowLimit        int
	MaxRowLimit     int
	QueryTimeout    time.Duration
	CaseInsensitive bool
	Location        *time.Location
	MapboxAPIKey    string
	MapIconPath     string
	ShowStacktrace  bool
	JWTSecret       []byte
}

func New(db *sqlx.DB, store *datasource.Store, c *cache.Layer, logger *slog.Logger, config Config) (*App, error) {
	if db == nil || store == nil {
		return nil, fmt.Errorf("core needs a database and a datasource store")
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	loc := config.Location
	if loc == nil {
		loc = time.UTC
	}
	rowLimit := config.RowLimit
	if rowLimit <= 0 {
		rowLimit = query.ROW_LIMIT
	}
	maxRowLimit := config.MaxRowLimit
	if maxRowLimit <= 0 {
		maxRowLimit = query.MAX_ROW_LIMIT
	}
	return &App{
		DB:              db,
		Store:           store,
		Cache:           c,
		Logger:          logger,
		CacheTimeout:    config.CacheTimeout,
		RowLimit:        rowLimit,
		MaxRowLimit:     maxRowLimit,
		QueryTimeout:    config.QueryTimeout,
		CaseInsensitive: config.CaseInsensitive,
		Location:        loc,
		MapboxAPIKey:    config.MapboxAPIKey,
		MapIconPath:     config.MapIconPath,
		ShowStacktrace:  config.ShowStacktrace,
		JWTSecret:       config.JWTSecret,
		conns:           map[string]*sqlx.DB{},
	}, nil
}

func (app *App) builder() *query.Builder {
	return query.NewBuilder(app.RowLimit, app.MaxRowLimit, app.Location)
}

// Close closes the connections opened for external databases. DB is owned
// by the caller.
func (app *App) Close() error {
	app.connsMu.Lock()
	defer app.connsMu.Unlock()
	var errs []error
	for name, db := range app.conns {
		if err := db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("error closing %s: %w", name, err))
		}
	}
	app.conns = map[string]*sqlx.DB{}
	return errors.Join(errs...)
}
