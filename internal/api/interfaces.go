// interfaces.go - Handler interface definitions
package api

import (
	"github.com/labstack/echo/v4"
)

// HealthHandler handles health check operations
type HealthHandler interface {
	HandleHealth(c echo.Context) error
}

// DebugHandler mirrors the debug tools over plain HTTP
type DebugHandler interface {
	HandleGetLogs(c echo.Context) error
	HandleGetLogsMsgpack(c echo.Context) error
	HandleSearchPackets(c echo.Context) error
	HandleConnectionState(c echo.Context) error
	HandleStatus(c echo.Context) error
	HandleScanDevices(c echo.Context) error
	HandleListClients(c echo.Context) error
	HandleLogStream(c echo.Context) error
}

// BridgeSocketHandler serves the mock-client channel
type BridgeSocketHandler interface {
	HandleBridge(c echo.Context) error
	HandleListBridges(c echo.Context) error
}
