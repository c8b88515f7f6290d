package web

import (
	"vizql/web/handler"

	"github.com/labstack/echo/v4"
)

// CacheControl middleware adds cache headers based on configuration
func CacheControl(config handler.CacheConfig) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			handler.SetCacheHeaders(c.Response().Header(), config)
			return next(c)
		}
	}
}
