package handler

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"vizql/core"
	"vizql/datasource"
	"vizql/executor"
	"vizql/query"
	"vizql/viz"
)

// Query parameters that control the request instead of being passed to
// SQL templates.
var reservedParams = map[string]bool{"form_data": true, "force": true}

func errorResponse(app *core.App, c echo.Context, err error) error {
	status := http.StatusInternalServerError
	var re *core.RequestError
	switch {
	case errors.As(err, &re):
		status = http.StatusBadRequest
	case errors.Is(err, datasource.ErrNotFound):
		status = http.StatusNotFound
	default:
		app.Logger.ErrorContext(c.Request().Context(), "Request failed", slog.String("path", c.Path()), slog.Any("error", err))
	}
	return c.JSONPretty(status, struct{ Error string }{Error: err.Error()}, "  ")
}

// exploreRequest reads form data from the JSON body or the form_data query
// parameter. In both places it may be an object or a JSON encoded string.
func exploreRequest(c echo.Context) (core.ExploreRequest, error) {
	req := core.ExploreRequest{
		Force:     c.QueryParam("force") == "true",
		UserID:    core.UserIDFromContext(c.Request().Context()),
		URLParams: map[string]string{},
	}
	for k, v := range c.QueryParams() {
		if !reservedParams[k] && len(v) > 0 {
			req.URLParams[k] = v[0]
		}
	}

	var raw json.RawMessage
	if s := c.QueryParam("form_data"); s != "" {
		raw = json.RawMessage(s)
	} else {
		body, err := io.ReadAll(c.Request().Body)
		if err != nil {
			return req, fmt.Errorf("error reading request body: %w", err)
		}
		var envelope struct {
			FormData json.RawMessage `json:"form_data"`
		}
		if len(body) > 0 {
			if err := json.Unmarshal(body, &envelope); err != nil {
				return req, &core.RequestError{Err: fmt.Errorf("invalid request body: %w", err)}
			}
		}
		raw = envelope.FormData
	}
	if len(raw) == 0 {
		return req, &core.RequestError{Err: errors.New("form_data is required")}
	}
	var encoded string
	if err := json.Unmarshal(raw, &encoded); err == nil {
		raw = json.RawMessage(encoded)
	}
	var fd query.FormData
	if err := json.Unmarshal(raw, &fd); err != nil || fd == nil {
		return req, &core.RequestError{Err: errors.New("form_data must be a JSON object")}
	}
	req.FormData = fd
	return req, nil
}

func ExploreJSON(app *core.App) echo.HandlerFunc {
	return func(c echo.Context) error {
		req, err := exploreRequest(c)
		if err != nil {
			return errorResponse(app, c, err)
		}
		payload, err := app.Explore(c.Request().Context(), req)
		if err != nil {
			return errorResponse(app, c, err)
		}
		if payload.Status == executor.FAILED {
			return c.JSONPretty(http.StatusBadRequest, payload, "  ")
		}
		SetCacheHeaders(c.Response().Header(), CacheConfig{
			MaxAge: time.Duration(payload.CacheTimeout) * time.Second,
		})
		return c.JSONPretty(http.StatusOK, payload, "  ")
	}
}

func QueryString(app *core.App) echo.HandlerFunc {
	return func(c echo.Context) error {
		req, err := exploreRequest(c)
		if err != nil {
			return errorResponse(app, c, err)
		}
		result, err := app.QueryString(c.Request().Context(), req)
		if err != nil {
			return errorResponse(app, c, err)
		}
		return c.JSONPretty(http.StatusOK, result, "  ")
	}
}

var exportContentTypes = map[string]string{
	"csv":  "text/csv; charset=utf-8",
	"xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
}

// Export answers with the chart data as a file download. The file is
// written to memory first so errors can still be reported as JSON.
func Export(app *core.App, format string) echo.HandlerFunc {
	return func(c echo.Context) error {
		req, err := exploreRequest(c)
		if err != nil {
			return errorResponse(app, c, err)
		}
		var buf bytes.Buffer
		filename, err := app.Export(c.Request().Context(), req, format, &buf)
		if err != nil {
			if errors.Is(err, viz.ErrQueryFailed) {
				return c.JSONPretty(http.StatusBadRequest, struct{ Error string }{Error: err.Error()}, "  ")
			}
			return errorResponse(app, c, err)
		}
		c.Response().Header().Set(echo.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", filename))
		return c.Blob(http.StatusOK, exportContentTypes[format], buf.Bytes())
	}
}
