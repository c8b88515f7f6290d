// Package executor runs compiled queries against a database and turns the
// result into a frame. Execution never fails: errors become a FAILED
// result carrying a readable message.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"golang.org/x/sync/errgroup"

	"vizql/compiler"
	"vizql/dialect"
	"vizql/frame"
)

type Status string

const (
	SUCCESS Status = "success"
	FAILED  Status = "failed"
)

const DEFAULT_TIMEOUT = 60 * time.Second

type Result struct {
	Frame        *frame.Frame  `json:"-"`
	Status       Status        `json:"status"`
	ErrorMessage string        `json:"error,omitempty"`
	Stacktrace   string        `json:"stacktrace,omitempty"`
	RowCount     int           `json:"rowcount"`
	TotalFound   int           `json:"total_found"`
	Query        string        `json:"query"`
	Duration     time.Duration `json:"duration"`
}

type Executor struct {
	DB      *sqlx.DB
	Spec    *dialect.Spec
	Logger  *slog.Logger
	Timeout time.Duration
	// MaxRows stops reading a result after this many rows. 0 reads all.
	MaxRows int
}

func New(db *sqlx.DB, spec *dialect.Spec, logger *slog.Logger) *Executor {
	return &Executor{DB: db, Spec: spec, Logger: logger, Timeout: DEFAULT_TIMEOUT}
}

func (e *Executor) logger() *slog.Logger {
	if e.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return e.Logger
}

// Execute runs the main query and its count query concurrently. A failing
// count query only zeroes TotalFound.
func (e *Executor) Execute(ctx context.Context, compiled *compiler.Compiled) *Result {
	start := time.Now()
	res := &Result{Status: SUCCESS, Query: QueryText(compiled)}
	defer func() {
		res.Duration = time.Since(start)
	}()
	if compiled.NoRows {
		res.Frame = &frame.Frame{}
		return res
	}

	timeout := e.Timeout
	if timeout <= 0 {
		timeout = DEFAULT_TIMEOUT
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var f *frame.Frame
	var total int
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		f, err = e.query(gctx, compiled.SQL)
		return err
	})
	if compiled.CountSQL != "" && compiled.CountSQL != compiled.SQL {
		g.Go(func() error {
			if err := e.DB.GetContext(gctx, &total, compiled.CountSQL); err != nil {
				if ctx.Err() == nil && !errors.Is(err, context.Canceled) {
					e.logger().WarnContext(ctx, "Count query failed", slog.Any("error", err))
				}
				total = 0
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("query exceeded the timeout of %s: %w", timeout, err)
		}
		e.logger().ErrorContext(ctx, "Query failed", slog.String("sql", compiled.SQL), slog.Any("error", err))
		res.Status = FAILED
		res.ErrorMessage = e.Spec.ExtractErrorMessage(err)
		res.Stacktrace = stacktrace(err)
		res.Frame = &frame.Frame{}
		return res
	}
	res.Frame = f
	res.RowCount = f.Len()
	res.TotalFound = total
	if compiled.CountSQL == compiled.SQL {
		res.TotalFound = f.Len()
	}
	return res
}

// Prequery runs a top groups prequery.
func (e *Executor) Prequery(ctx context.Context, sql string) (*compiler.PrequeryResult, error) {
	timeout := e.Timeout
	if timeout <= 0 {
		timeout = DEFAULT_TIMEOUT
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	f, err := e.query(ctx, sql)
	if err != nil {
		return nil, err
	}
	return &compiler.PrequeryResult{Columns: f.Names(), Rows: f.Rows}, nil
}

func (e *Executor) query(ctx context.Context, sql string) (*frame.Frame, error) {
	rows, err := e.DB.QueryxContext(ctx, sql)
	if err != nil {
		return nil, fmt.Errorf("error executing query: %w", err)
	}
	defer rows.Close()

	colTypes, err := rows.ColumnTypes()
	if err != nil {
		return nil, fmt.Errorf("error getting columns: %w", err)
	}
	f := &frame.Frame{}
	for _, c := range colTypes {
		f.Fields = append(f.Fields, frame.Field{Name: c.Name(), Kind: mapDBType(c.DatabaseTypeName())})
	}
	for rows.Next() {
		row, err := rows.SliceScan()
		if err != nil {
			return nil, fmt.Errorf("error scanning row: %w", err)
		}
		for i, v := range row {
			row[i] = normalize(f.Fields[i].Kind, colTypes[i].DatabaseTypeName(), v)
		}
		f.Rows = append(f.Rows, row)
		if e.MaxRows > 0 && len(f.Rows) >= e.MaxRows {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return f, nil
}

// QueryText joins the prequeries and the main query the way they ran.
func QueryText(compiled *compiler.Compiled) string {
	parts := append([]string{}, compiled.Prequeries...)
	parts = append(parts, compiled.SQL)
	return strings.Join(parts, ";\n\n") + ";"
}

func stacktrace(err error) string {
	var sb strings.Builder
	for depth := 0; err != nil; depth++ {
		fmt.Fprintf(&sb, "%s%T: %s\n", strings.Repeat("  ", depth), err, err.Error())
		err = errors.Unwrap(err)
	}
	return sb.String()
}
