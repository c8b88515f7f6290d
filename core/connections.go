package core

import (
	"fmt"
	"log/slog"

	_ "github.com/ClickHouse/clickhouse-go/v2"
	_ "github.com/duckdb/duckdb-go/v2"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"vizql/datasource"
	"vizql/dialect"
)

const MAX_OPEN_CONNS = 10

// Conn returns the connection pool of a database. Pools are opened on first
// use and kept until Close.
func (app *App) Conn(db datasource.Database) (*sqlx.DB, *dialect.Spec, error) {
	spec, err := db.Spec()
	if err != nil {
		return nil, nil, err
	}
	if db.DSN == "" {
		if spec.Engine != dialect.DUCKDB {
			return nil, nil, fmt.Errorf("database %q: engine %s needs a dsn", db.Name, spec.Engine)
		}
		return app.DB, spec, nil
	}

	key := spec.Driver + "|" + db.DSN
	app.connsMu.Lock()
	defer app.connsMu.Unlock()
	if conn, ok := app.conns[key]; ok {
		return conn, spec, nil
	}
	conn, err := sqlx.Open(spec.Driver, db.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("error opening database %q: %w", db.Name, err)
	}
	conn.SetMaxOpenConns(MAX_OPEN_CONNS)
	app.conns[key] = conn
	app.Logger.Info("Opened database connection", slog.String("database", db.Name), slog.String("engine", spec.Engine))
	return conn, spec, nil
}
