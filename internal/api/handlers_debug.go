// handlers_debug.go - REST mirror of the debug tools and the live tail
package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/ble-bridge/backend/internal/debugtools"
)

// heartbeatInterval keeps idle live-tail connections from being reaped by
// proxies.
const heartbeatInterval = 15 * time.Second

// DebugHandlerImpl implements DebugHandler over a debugtools.Service.
type DebugHandlerImpl struct {
	svc *debugtools.Service
	log *logrus.Entry
}

// NewDebugHandler creates the REST debug handler
func NewDebugHandler(svc *debugtools.Service, log *logrus.Entry) DebugHandler {
	return &DebugHandlerImpl{svc: svc, log: log}
}

func (h *DebugHandlerImpl) client(c echo.Context) string {
	id := debugtools.RequestClientID(c.Request())
	h.svc.Clients().Touch(id, debugtools.BindingREST)
	return id
}

// queryInt parses an optional integer parameter. Garbage is reported and
// treated as absent.
func queryInt(c echo.Context, name string, warnings *[]string) int {
	raw := c.QueryParam(name)
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		*warnings = append(*warnings, fmt.Sprintf("%s %q is not a number, using default", name, raw))
		return 0
	}
	return n
}

func (h *DebugHandlerImpl) logs(c echo.Context) debugtools.LogsResponse {
	var warnings []string
	req := debugtools.LogsRequest{
		Since:     c.QueryParam("since"),
		Direction: c.QueryParam("direction"),
		Limit:     queryInt(c, "limit", &warnings),
	}
	if req.Since == "" {
		req.Since = "last"
	}
	res := h.svc.GetLogs(h.client(c), req)
	res.Warnings = append(warnings, res.Warnings...)
	return res
}

// HandleGetLogs serves get_logs.
func (h *DebugHandlerImpl) HandleGetLogs(c echo.Context) error {
	return c.JSON(http.StatusOK, h.logs(c))
}

// HandleGetLogsMsgpack serves get_logs encoded as msgpack.
func (h *DebugHandlerImpl) HandleGetLogsMsgpack(c echo.Context) error {
	data, err := msgpack.Marshal(h.logs(c))
	if err != nil {
		return NewInternalError("failed to encode logs", err)
	}
	return c.Blob(http.StatusOK, "application/msgpack", data)
}

// HandleSearchPackets serves search_packets.
func (h *DebugHandlerImpl) HandleSearchPackets(c echo.Context) error {
	h.client(c)
	var warnings []string
	req := debugtools.SearchRequest{
		Pattern: c.QueryParam("hexPattern"),
		Limit:   queryInt(c, "limit", &warnings),
	}
	res := h.svc.SearchPackets(req)
	res.Warnings = append(warnings, res.Warnings...)
	return c.JSON(http.StatusOK, res)
}

// HandleConnectionState serves get_connection_state.
func (h *DebugHandlerImpl) HandleConnectionState(c echo.Context) error {
	h.client(c)
	return c.JSON(http.StatusOK, h.svc.ConnectionState())
}

// HandleStatus serves status.
func (h *DebugHandlerImpl) HandleStatus(c echo.Context) error {
	h.client(c)
	return c.JSON(http.StatusOK, h.svc.Status())
}

// HandleScanDevices serves scan_devices. A scan during connection activity
// is answered with 409.
func (h *DebugHandlerImpl) HandleScanDevices(c echo.Context) error {
	id := h.client(c)
	var warnings []string
	timeoutMs := queryInt(c, "timeoutMs", &warnings)

	res, err := h.svc.ScanDevices(c.Request().Context(), timeoutMs)
	if err != nil {
		h.log.WithError(err).WithField("client", id).Warn("scan refused")
		return FromFault(err)
	}
	res.Warnings = append(warnings, res.Warnings...)
	return c.JSON(http.StatusOK, res)
}

// HandleListClients returns the active debug clients.
func (h *DebugHandlerImpl) HandleListClients(c echo.Context) error {
	h.client(c)
	return c.JSON(http.StatusOK, map[string]interface{}{
		"clients": h.svc.Clients().List(),
	})
}

// HandleLogStream pushes new log entries as Server-Sent Events until the
// client disconnects. The stream reads through its own cursor, which is
// released when the connection closes.
func (h *DebugHandlerImpl) HandleLogStream(c echo.Context) error {
	id := "tail:" + uuid.New().String()
	if c.Request().Header.Get("X-Debug-Client") != "" {
		id = debugtools.RequestClientID(c.Request())
	}
	clients := h.svc.Clients()
	clients.Register(id, debugtools.BindingTail)
	defer clients.Unregister(id)

	log := h.log.WithField("client", id)
	log.Info("live tail started")
	defer log.Info("live tail stopped")

	req := debugtools.LogsRequest{
		Since:     c.QueryParam("since"),
		Direction: c.QueryParam("direction"),
	}
	if req.Since == "" {
		req.Since = "last"
	}

	c.Response().Header().Set(echo.HeaderContentType, "text/event-stream")
	c.Response().Header().Set("Cache-Control", "no-cache")
	c.Response().Header().Set("Connection", "keep-alive")
	c.Response().Header().Set("X-Accel-Buffering", "no")
	c.Response().WriteHeader(http.StatusOK)
	c.Response().Flush()

	ctx := c.Request().Context()
	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	buf := h.svc.Buffer()
	for {
		changed := buf.Changed()
		res := h.svc.GetLogs(id, req)
		req.Since = "last"
		for _, w := range res.Warnings {
			h.sendSSEEvent(c, "warning", w)
		}
		for _, e := range res.Entries {
			h.sendSSEEvent(c, "entry", e)
		}
		if res.Truncated {
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case <-changed:
		case <-heartbeat.C:
			fmt.Fprint(c.Response(), ": ping\n\n")
			c.Response().Flush()
		}
	}
}

func (h *DebugHandlerImpl) sendSSEEvent(c echo.Context, event string, data interface{}) {
	jsonData, _ := json.Marshal(data)
	fmt.Fprintf(c.Response(), "event: %s\ndata: %s\n\n", event, jsonData)
	c.Response().Flush()
}
