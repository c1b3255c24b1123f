package debugtools

import (
	"context"
	"fmt"

	jsoniter "github.com/json-iterator/go"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/sirupsen/logrus"

	"github.com/ble-bridge/backend/internal/logbuffer"
	"github.com/ble-bridge/backend/internal/transport"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Tool names.
const (
	ToolGetLogs            = "get_logs"
	ToolSearchPackets      = "search_packets"
	ToolGetConnectionState = "get_connection_state"
	ToolStatus             = "status"
	ToolScanDevices        = "scan_devices"
)

// LocalClientID identifies callers that arrive without any session.
const LocalClientID = "local"

type ctxKey int

const remoteKey ctxKey = iota

// withRemote records the network peer for client identification.
func withRemote(ctx context.Context, remote string) context.Context {
	return context.WithValue(ctx, remoteKey, remote)
}

// ClientID derives the debug client identifier for a tool call: the MCP
// session when there is one, else the network peer, else LocalClientID.
func ClientID(ctx context.Context) string {
	if cs := server.ClientSessionFromContext(ctx); cs != nil && cs.SessionID() != "" {
		return "mcp:" + cs.SessionID()
	}
	if remote, ok := ctx.Value(remoteKey).(string); ok && remote != "" {
		return "remote:" + remote
	}
	return LocalClientID
}

func bindingFor(ctx context.Context) Binding {
	if cs := server.ClientSessionFromContext(ctx); cs != nil {
		return sessionBinding(cs)
	}
	return BindingMCP
}

// sessionBinding tells the stdio session apart from network sessions.
func sessionBinding(cs server.ClientSession) Binding {
	if cs.SessionID() == string(BindingStdio) {
		return BindingStdio
	}
	return BindingMCP
}

// Tools exposes the Service as MCP tool handlers.
type Tools struct {
	svc *Service
	log *logrus.Entry
}

func NewTools(svc *Service, log *logrus.Entry) *Tools {
	return &Tools{svc: svc, log: log}
}

// NewServer builds the MCP server with the five debug tools registered.
// Session hooks keep the client registry in step with MCP sessions.
func NewServer(svc *Service, version string, log *logrus.Entry) *server.MCPServer {
	t := NewTools(svc, log)

	hooks := &server.Hooks{}
	hooks.AddOnRegisterSession(func(ctx context.Context, cs server.ClientSession) {
		id := "mcp:" + cs.SessionID()
		svc.Clients().Register(id, sessionBinding(cs))
		log.WithField("client", id).Info("debug client connected")
	})
	hooks.AddOnUnregisterSession(func(ctx context.Context, cs server.ClientSession) {
		id := "mcp:" + cs.SessionID()
		svc.Clients().Unregister(id)
		log.WithField("client", id).Info("debug client disconnected")
	})

	s := server.NewMCPServer("ble-bridge", version,
		server.WithToolCapabilities(false),
		server.WithHooks(hooks),
		server.WithRecovery(),
		server.WithInstructions("Inspect traffic between the bridge and the BLE peripheral. These tools never write to the device."),
	)
	t.Register(s)
	return s
}

// Register adds the tools to s.
func (t *Tools) Register(s *server.MCPServer) {
	s.AddTool(mcp.NewTool(ToolGetLogs,
		mcp.WithDescription("Return logged packets in ascending order. since accepts \"last\" (new since your previous call), a duration such as \"30s\" or \"last 5 minutes\", or an RFC 3339 timestamp."),
		mcp.WithString("since", mcp.Description("last | all | <duration> | <timestamp>"), mcp.DefaultString("last")),
		mcp.WithString("direction", mcp.Description("Filter by direction"), mcp.Enum("all", "sent", "received")),
		mcp.WithNumber("limit", mcp.Description("Maximum entries (1-1000)"), mcp.DefaultNumber(logbuffer.DefaultLimit)),
		mcp.WithReadOnlyHintAnnotation(true),
	), t.GetLogs)

	s.AddTool(mcp.NewTool(ToolSearchPackets,
		mcp.WithDescription("Find packets whose payload contains a hex byte pattern, such as \"A7B3\" or \"a7 b3\"."),
		mcp.WithString("hexPattern", mcp.Required(), mcp.Description("Hex digits to look for")),
		mcp.WithNumber("limit", mcp.Description("Maximum entries (1-1000)"), mcp.DefaultNumber(logbuffer.DefaultLimit)),
		mcp.WithReadOnlyHintAnnotation(true),
	), t.SearchPackets)

	s.AddTool(mcp.NewTool(ToolGetConnectionState,
		mcp.WithDescription("Snapshot of the device connection: state, device, timestamps and frame counters."),
		mcp.WithReadOnlyHintAnnotation(true),
	), t.GetConnectionState)

	s.AddTool(mcp.NewTool(ToolStatus,
		mcp.WithDescription("Bridge health: uptime, buffer occupancy and active debug clients."),
		mcp.WithReadOnlyHintAnnotation(true),
	), t.Status)

	s.AddTool(mcp.NewTool(ToolScanDevices,
		mcp.WithDescription("Scan for advertising peripherals. Refused while a device connection is active."),
		mcp.WithNumber("timeoutMs", mcp.Description("Scan window in milliseconds (100-60000)")),
	), t.ScanDevices)
}

func (t *Tools) touch(ctx context.Context) string {
	id := ClientID(ctx)
	t.svc.Clients().Touch(id, bindingFor(ctx))
	return id
}

func jsonResult(v interface{}) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(data)), nil
}

// faultResult reports a transport fault as a tool error so the client sees
// it verbatim.
func faultResult(err error) *mcp.CallToolResult {
	code := transport.Code(err)
	if code == "" {
		code = "INTERNAL_ERROR"
	}
	return mcp.NewToolResultError(fmt.Sprintf("%s: %v", code, err))
}

func (t *Tools) GetLogs(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := t.touch(ctx)
	return jsonResult(t.svc.GetLogs(id, LogsRequest{
		Since:     req.GetString("since", "last"),
		Direction: req.GetString("direction", ""),
		Limit:     req.GetInt("limit", logbuffer.DefaultLimit),
	}))
}

func (t *Tools) SearchPackets(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	t.touch(ctx)
	return jsonResult(t.svc.SearchPackets(SearchRequest{
		Pattern: req.GetString("hexPattern", ""),
		Limit:   req.GetInt("limit", logbuffer.DefaultLimit),
	}))
}

func (t *Tools) GetConnectionState(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	t.touch(ctx)
	return jsonResult(t.svc.ConnectionState())
}

func (t *Tools) Status(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	t.touch(ctx)
	return jsonResult(t.svc.Status())
}

func (t *Tools) ScanDevices(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := t.touch(ctx)
	res, err := t.svc.ScanDevices(ctx, req.GetInt("timeoutMs", 0))
	if err != nil {
		t.log.WithError(err).WithField("client", id).Warn("scan_devices refused")
		return faultResult(err), nil
	}
	return jsonResult(res)
}
