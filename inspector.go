package main

import (
	"net/http"
	"sort"

	"github.com/labstack/echo/v4"

	"bken/server/internal/registry"
)

// registerInspector wires the optional read-only inspector endpoint,
// enabled by the -inspect flag. It exposes only the list of active room
// codes; the full admin surface lives outside this process.
func registerInspector(e *echo.Echo, reg *registry.Registry) {
	e.GET("/inspect", func(c echo.Context) error {
		codes := reg.Codes()
		sort.Strings(codes)
		return c.JSON(http.StatusOK, map[string]any{"rooms": codes})
	})
}
