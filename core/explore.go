package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/nrednav/cuid2"

	"vizql/compiler"
	"vizql/datasource"
	"vizql/executor"
	"vizql/metrics"
	"vizql/query"
	"vizql/viz"
)

var ErrMissingDatasource = errors.New("form data has no datasource")

// RequestError wraps errors caused by the request itself: invalid form
// data, unknown columns or metrics, chart family validation failures.
type RequestError struct {
	Err error
}

func (e *RequestError) Error() string {
	return e.Err.Error()
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

func requestError(err error) error {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, datasource.ErrNotFound) {
		return err
	}
	var re *RequestError
	if errors.As(err, &re) {
		return err
	}
	return &RequestError{Err: err}
}

type ExploreRequest struct {
	FormData  query.FormData
	Force     bool
	UserID    string
	URLParams map[string]string
}

type QueryStringResult struct {
	Query    string `json:"query"`
	Language string `json:"language"`
}

// datasourceID reads the "<id>__<type>" datasource reference of form data.
func datasourceID(fd query.FormData) string {
	ref := fd.String("datasource")
	if i := strings.LastIndex(ref, "__"); i > 0 {
		return ref[:i]
	}
	return ref
}

func (app *App) vizContext(ctx context.Context, req ExploreRequest) (*viz.Context, error) {
	fd := req.FormData
	if fd == nil {
		fd = query.FormData{}
	}
	id := datasourceID(fd)
	if id == "" {
		return nil, &RequestError{Err: ErrMissingDatasource}
	}
	ds, err := app.Store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	timeout := app.CacheTimeout
	if ds.Database.CacheTimeout != nil {
		timeout = *ds.Database.CacheTimeout
	}
	vizType := fd.StringOr("viz_type", "table")
	return &viz.Context{
		VizType:        vizType,
		FormData:       fd,
		Datasource:     ds,
		Builder:        app.builder(),
		Runner:         &runner{app: app, userID: req.UserID, urlParams: req.URLParams},
		Cache:          app.Cache,
		CacheTimeout:   timeout,
		Force:          req.Force,
		UserID:         req.UserID,
		ShowStacktrace: app.ShowStacktrace,
		MapboxAPIKey:   app.MapboxAPIKey,
		MapIconPath:    app.MapIconPath,
		Polygons:       app.Store,
		Location:       app.Location,
		Logger: app.Logger.With(
			slog.String("requestId", cuid2.Generate()),
			slog.String("vizType", vizType),
			slog.String("datasource", ds.ID),
		),
	}, nil
}

// Explore returns the chart payload of the form data. Query failures are
// reported inside the payload; the returned error is about the request.
func (app *App) Explore(ctx context.Context, req ExploreRequest) (*viz.Payload, error) {
	vc, err := app.vizContext(ctx, req)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	p, err := viz.GetPayload(ctx, vc)
	if err != nil {
		metrics.ObserveExplore(vc.VizType, "error")
		vc.Logger.InfoContext(ctx, "Explore request rejected", slog.Any("error", err))
		return nil, requestError(err)
	}
	metrics.ObserveExplore(vc.VizType, string(p.Status))
	vc.Logger.DebugContext(ctx, "Explore payload ready",
		slog.Bool("isCached", p.IsCached),
		slog.Int("rowcount", p.RowCount),
		slog.Duration("duration", time.Since(start)),
	)
	return p, nil
}

// QueryString returns the SQL the chart would run.
func (app *App) QueryString(ctx context.Context, req ExploreRequest) (*QueryStringResult, error) {
	vc, err := app.vizContext(ctx, req)
	if err != nil {
		return nil, err
	}
	v, err := viz.New(vc.VizType)
	if err != nil {
		return nil, requestError(err)
	}
	if _, ok := v.(viz.NoQuery); ok {
		return &QueryStringResult{Query: "", Language: "sql"}, nil
	}
	q, err := v.QueryObj(vc)
	if err != nil {
		return nil, requestError(err)
	}
	ex, err := app.executor(vc.Datasource)
	if err != nil {
		return nil, err
	}
	c, err := app.compiler(vc.Datasource, ex, req.UserID, req.URLParams)
	if err != nil {
		return nil, requestError(err)
	}
	compiled, err := c.Compile(ctx, *q)
	if err != nil {
		return nil, requestError(err)
	}
	return &QueryStringResult{Query: executor.QueryText(compiled), Language: "sql"}, nil
}

// Export writes the chart data as CSV or XLSX and returns the file name.
func (app *App) Export(ctx context.Context, req ExploreRequest, format string, w io.Writer) (string, error) {
	if format != "csv" && format != "xlsx" {
		return "", &RequestError{Err: fmt.Errorf("unsupported export format %q", format)}
	}
	vc, err := app.vizContext(ctx, req)
	if err != nil {
		return "", err
	}
	f, err := viz.ExportFrame(ctx, vc, format == "xlsx")
	if err != nil {
		if errors.Is(err, viz.ErrQueryFailed) {
			return "", err
		}
		return "", requestError(err)
	}
	name := exportName(vc.Datasource, time.Now().In(app.Location))
	if format == "csv" {
		return name + ".csv", f.WriteCSV(w)
	}
	return name + ".xlsx", f.WriteXLSX(w, vc.Datasource.Name())
}

func exportName(ds *datasource.Datasource, now time.Time) string {
	name := strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == '"' || r == ' ' {
			return '_'
		}
		return r
	}, ds.Name())
	return name + "-" + now.Format("20060102T150405")
}

// ColumnValues returns the distinct values of a datasource column.
func (app *App) ColumnValues(ctx context.Context, id string, column string, limit int) ([]any, error) {
	ds, err := app.Store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	ex, err := app.executor(ds)
	if err != nil {
		return nil, err
	}
	c, err := app.compiler(ds, ex, "", nil)
	if err != nil {
		return nil, requestError(err)
	}
	sql, err := c.ValuesQuery(ctx, column, limit)
	if err != nil {
		return nil, requestError(err)
	}
	res := ex.Execute(ctx, &compiler.Compiled{SQL: sql})
	metrics.ObserveQuery(ex.Spec.Engine, string(res.Status), res.Duration)
	if res.Status == executor.FAILED {
		return nil, fmt.Errorf("%w: %s", viz.ErrQueryFailed, res.ErrorMessage)
	}
	values := make([]any, 0, res.Frame.Len())
	for _, row := range res.Frame.Rows {
		if len(row) > 0 {
			values = append(values, row[0])
		}
	}
	return values, nil
}

func (app *App) ListDatasources(ctx context.Context) ([]datasource.Summary, error) {
	return app.Store.List(ctx)
}

func (app *App) ListPolygons(ctx context.Context) ([]datasource.PolygonSummary, error) {
	return app.Store.ListPolygons(ctx)
}

func (app *App) GetDatasource(ctx context.Context, id string) (*datasource.Datasource, error) {
	return app.Store.Get(ctx, id)
}
