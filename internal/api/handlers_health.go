// handlers_health.go - Health check handlers
package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ble-bridge/backend/internal/transport"
)

// HealthHandlerImpl implements the HealthHandler interface
type HealthHandlerImpl struct {
	version   string
	transport *transport.Transport
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(version string, t *transport.Transport) HealthHandler {
	return &HealthHandlerImpl{
		version:   version,
		transport: t,
	}
}

// HandleHealth returns server health status. It is served without
// authentication.
func (h *HealthHandlerImpl) HandleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":          "ok",
		"version":         h.version,
		"connectionState": h.transport.State(),
	})
}
