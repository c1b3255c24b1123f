// routes.go - Route registration helpers
package api

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/mark3labs/mcp-go/server"
	"github.com/sirupsen/logrus"

	"github.com/ble-bridge/backend/internal/config"
	"github.com/ble-bridge/backend/internal/debugtools"
	"github.com/ble-bridge/backend/internal/session"
	"github.com/ble-bridge/backend/internal/transport"
)

// Dependencies holds all handler dependencies
type Dependencies struct {
	Transport *transport.Transport
	Sessions  *session.Manager
	Debug     *debugtools.Service
	MCP       *server.MCPServer
	Config    *config.AppConfig
	Version   string
	Log       *logrus.Entry
}

// Handlers holds all handler instances
type Handlers struct {
	Health HealthHandler
	Debug  DebugHandler
	Bridge BridgeSocketHandler
	MCP    http.Handler
}

// NewHandlers creates all handler instances
func NewHandlers(deps *Dependencies) *Handlers {
	h := &Handlers{
		Health: NewHealthHandler(deps.Version, deps.Transport),
		Debug:  NewDebugHandler(deps.Debug, deps.Log.WithField("surface", "rest")),
		Bridge: NewBridgeHandler(deps.Sessions, deps.Log.WithField("surface", "bridge")),
	}
	if deps.MCP != nil {
		h.MCP = debugtools.HTTPHandler(deps.MCP)
	}
	return h
}

// NewServer builds the echo instance with middleware and every route.
func NewServer(deps *Dependencies) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Logger.SetOutput(deps.Log.Logger.Out)
	SetupMiddleware(e, deps)
	RegisterRoutes(e, NewHandlers(deps), deps.Config.Debug)
	return e
}

// RegisterRoutes registers all API routes with the Echo instance
func RegisterRoutes(e *echo.Echo, handlers *Handlers, guard config.DebugConfig) {
	apiGroup := e.Group("/api")

	// Health check
	apiGroup.GET("/health", handlers.Health.HandleHealth)

	// Mock-client channel
	apiGroup.GET("/ws/bridge", handlers.Bridge.HandleBridge)

	// Debug tools, network binding
	auth := BearerAuth(guard.Token)
	limit := RateLimit(guard.RateLimit)

	debugGroup := apiGroup.Group("/debug", auth, limit)
	debugGroup.GET("/logs", handlers.Debug.HandleGetLogs)
	debugGroup.GET("/logs/msgpack", handlers.Debug.HandleGetLogsMsgpack)
	debugGroup.GET("/logs/stream", handlers.Debug.HandleLogStream)
	debugGroup.GET("/search", handlers.Debug.HandleSearchPackets)
	debugGroup.GET("/connection", handlers.Debug.HandleConnectionState)
	debugGroup.GET("/status", handlers.Debug.HandleStatus)
	debugGroup.POST("/scan", handlers.Debug.HandleScanDevices)
	debugGroup.GET("/clients", handlers.Debug.HandleListClients)
	debugGroup.GET("/bridges", handlers.Bridge.HandleListBridges)

	if handlers.MCP != nil {
		e.Any("/mcp", echo.WrapHandler(handlers.MCP), auth, limit)
	}
}

// SetupMiddleware configures common middleware
func SetupMiddleware(e *echo.Echo, deps *Dependencies) {
	e.HTTPErrorHandler = NewErrorHandler(deps.Log)

	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		Skipper: func(c echo.Context) bool {
			path := c.Request().URL.Path
			return path == "/api/health" || strings.HasSuffix(path, "/stream")
		},
		LogMethod:   true,
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		LogRemoteIP: true,
		LogError:    true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			entry := deps.Log.WithFields(logrus.Fields{
				"method":  v.Method,
				"uri":     v.URI,
				"status":  v.Status,
				"latency": v.Latency.String(),
				"remote":  v.RemoteIP,
			})
			if v.Error != nil {
				entry.WithError(v.Error).Warn("request failed")
				return nil
			}
			entry.Debug("request")
			return nil
		},
	}))

	e.Use(middleware.RecoverWithConfig(middleware.RecoverConfig{
		StackSize: 1024 * 4,
		LogErrorFunc: func(c echo.Context, err error, stack []byte) error {
			deps.Log.WithError(err).WithField("stack", string(stack)).Error("handler panic")
			return err
		},
	}))

	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: deps.Config.Server.AllowOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{
			echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization,
			"X-Debug-Client", "Mcp-Session-Id",
		},
		ExposeHeaders: []string{"Mcp-Session-Id"},
	}))
}
