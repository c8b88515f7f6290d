// SPDX-License-Identifier: MPL-2.0

package web

import (
	"net/http"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo-contrib/echoprometheus"
	echojwt "github.com/labstack/echo-jwt/v4"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"

	"vizql/core"
	"vizql/web/handler"
)

// SetUser stores the user id of a validated bearer token in the request
// context.
func SetUser(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		token, ok := c.Get("user").(*jwt.Token)
		if !ok {
			return next(c)
		}
		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			return next(c)
		}
		if userID := core.UserIDFromClaims(claims); userID != "" {
			c.SetRequest(c.Request().WithContext(core.ContextWithUserID(c.Request().Context(), userID)))
		}
		return next(c)
	}
}

func routes(e *echo.Echo, app *core.App, gatherer prometheus.Gatherer) {
	e.GET("/status", func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})
	e.GET("/metrics", echoprometheus.NewHandlerWithConfig(echoprometheus.HandlerConfig{Gatherer: gatherer}))

	api := e.Group("/api")
	if len(app.JWTSecret) > 0 {
		api.Use(echojwt.WithConfig(echojwt.Config{SigningKey: app.JWTSecret}), SetUser)
	}

	// Chart payloads carry their own cache headers
	api.POST("/explore_json", handler.ExploreJSON(app))
	api.POST("/explore_json/query", handler.QueryString(app))
	api.POST("/explore_json/csv", handler.Export(app, "csv"))
	api.POST("/explore_json/xlsx", handler.Export(app, "xlsx"))

	// Definitions reload from disk, always revalidate
	definitions := api.Group("/datasources", CacheControl(handler.CacheConfig{MustRevali: true}))
	definitions.GET("", handler.ListDatasources(app))
	definitions.GET("/:id", handler.GetDatasource(app))
	definitions.GET("/:id/values/:column", handler.ColumnValues(app))
	api.GET("/polygons", handler.ListPolygons(app), CacheControl(handler.CacheConfig{MustRevali: true}))
}
