package core

import (
	"context"
	"errors"
	"log/slog"

	"vizql/compiler"
	"vizql/datasource"
	"vizql/executor"
	"vizql/frame"
	"vizql/metrics"
	"vizql/query"
)

// runner compiles and executes query objects for the viz engine.
type runner struct {
	app       *App
	userID    string
	urlParams map[string]string
}

func (app *App) compiler(ds *datasource.Datasource, ex *executor.Executor, userID string, urlParams map[string]string) (*compiler.Compiler, error) {
	c, err := compiler.New(ds, app.Logger.WithGroup("compiler"))
	if err != nil {
		return nil, err
	}
	c.Lookup = app.Store
	c.CaseInsensitive = app.CaseInsensitive
	c.Template = compiler.TemplateContext{UserID: userID, URLParams: urlParams}
	if ex != nil {
		c.Prequery = ex
	}
	return c, nil
}

func (app *App) executor(ds *datasource.Datasource) (*executor.Executor, error) {
	conn, spec, err := app.Conn(ds.Database)
	if err != nil {
		return nil, err
	}
	ex := executor.New(conn, spec, app.Logger.WithGroup("executor"))
	if app.QueryTimeout > 0 {
		ex.Timeout = app.QueryTimeout
	}
	return ex, nil
}

func (r *runner) Run(ctx context.Context, ds *datasource.Datasource, q query.QueryObject) (*executor.Result, error) {
	ex, err := r.app.executor(ds)
	if err != nil {
		return nil, err
	}
	c, err := r.app.compiler(ds, ex, r.userID, r.urlParams)
	if err != nil {
		return nil, err
	}
	compiled, err := c.Compile(ctx, q)
	if err != nil {
		var pe *compiler.PrequeryError
		if !errors.As(err, &pe) {
			return nil, err
		}
		r.app.Logger.ErrorContext(ctx, "Prequery failed", slog.String("sql", pe.SQL), slog.Any("error", pe.Err))
		metrics.ObserveQuery(ex.Spec.Engine, string(executor.FAILED), 0)
		return &executor.Result{
			Frame:        &frame.Frame{},
			Status:       executor.FAILED,
			ErrorMessage: ex.Spec.ExtractErrorMessage(pe.Err),
			Query:        pe.SQL + ";",
		}, nil
	}
	res := ex.Execute(ctx, compiled)
	metrics.ObserveQuery(ex.Spec.Engine, string(res.Status), res.Duration)
	return res, nil
}
