package handler

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"vizql/core"
)

// FILTER_SELECT_ROW_LIMIT caps the distinct values returned for a column.
const FILTER_SELECT_ROW_LIMIT = 10000

func ListDatasources(app *core.App) echo.HandlerFunc {
	return func(c echo.Context) error {
		result, err := app.ListDatasources(c.Request().Context())
		if err != nil {
			return errorResponse(app, c, err)
		}
		return c.JSONPretty(http.StatusOK, result, "  ")
	}
}

func ListPolygons(app *core.App) echo.HandlerFunc {
	return func(c echo.Context) error {
		result, err := app.ListPolygons(c.Request().Context())
		if err != nil {
			return errorResponse(app, c, err)
		}
		return c.JSONPretty(http.StatusOK, result, "  ")
	}
}

func GetDatasource(app *core.App) echo.HandlerFunc {
	return func(c echo.Context) error {
		result, err := app.GetDatasource(c.Request().Context(), c.Param("id"))
		if err != nil {
			return errorResponse(app, c, err)
		}
		return c.JSONPretty(http.StatusOK, result, "  ")
	}
}

func ColumnValues(app *core.App) echo.HandlerFunc {
	return func(c echo.Context) error {
		limit := FILTER_SELECT_ROW_LIMIT
		if s := c.QueryParam("limit"); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil || n <= 0 {
				return c.JSONPretty(http.StatusBadRequest, struct{ Error string }{Error: "limit must be a positive number"}, "  ")
			}
			limit = min(n, FILTER_SELECT_ROW_LIMIT)
		}
		result, err := app.ColumnValues(c.Request().Context(), c.Param("id"), c.Param("column"), limit)
		if err != nil {
			return errorResponse(app, c, err)
		}
		return c.JSONPretty(http.StatusOK, result, "  ")
	}
}
