package api

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/ble-bridge/backend/internal/config"
	"github.com/ble-bridge/backend/internal/debugtools"
	"github.com/ble-bridge/backend/internal/logbuffer"
	"github.com/ble-bridge/backend/internal/models"
	"github.com/ble-bridge/backend/internal/session"
	"github.com/ble-bridge/backend/internal/testutil"
	"github.com/ble-bridge/backend/internal/transport"
)

const (
	svcID    = "6e400001-b5a3-f393-e0a9-e50e24dcca9e"
	writeID  = "6e400002-b5a3-f393-e0a9-e50e24dcca9e"
	notifyID = "6e400003-b5a3-f393-e0a9-e50e24dcca9e"
)

type testEnv struct {
	e        *echo.Echo
	buf      *logbuffer.Buffer
	driver   *testutil.FakeDriver
	tr       *transport.Transport
	sessions *session.Manager
	svc      *debugtools.Service
}

func quietLog() *logrus.Entry {
	l := logrus.New()
	l.Out = io.Discard
	return logrus.NewEntry(l)
}

func newTestEnv(t *testing.T, token string) *testEnv {
	t.Helper()
	log := quietLog()
	buf := logbuffer.New(logbuffer.MinCapacity)
	driver := testutil.NewFakeDriver(
		models.DiscoveredDevice{ID: "aa:bb:cc:dd:ee:01", Name: "Heater-01", RSSI: -50, Connectable: true},
	)
	tr := transport.New(driver, buf, transport.Options{
		ConnectTimeout:    2 * time.Second,
		DisconnectTimeout: 500 * time.Millisecond,
	}, log)
	sessions := session.NewManager(tr, log)
	svc := debugtools.NewService(buf, tr, debugtools.NewRegistry(buf, time.Minute), debugtools.Options{Version: "test"}, log)

	cfg := config.DefaultConfig()
	cfg.Debug.Token = token
	cfg.Debug.RateLimit = 0

	e := NewServer(&Dependencies{
		Transport: tr,
		Sessions:  sessions,
		Debug:     svc,
		MCP:       debugtools.NewServer(svc, "test", log),
		Config:    cfg,
		Version:   "test",
		Log:       log,
	})
	t.Cleanup(func() { sessions.CloseAll(context.Background()) })
	return &testEnv{e: e, buf: buf, driver: driver, tr: tr, sessions: sessions, svc: svc}
}

func (env *testEnv) do(method, target string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	env.e.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, "secret")
	rec := env.do(http.MethodGet, "/api/health", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "test", body["version"])
	assert.Equal(t, "idle", body["connectionState"])
}

func TestDebugRoutesRequireBearerToken(t *testing.T) {
	env := newTestEnv(t, "secret")

	rec := env.do(http.MethodGet, "/api/debug/status", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	var apiErr APIError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &apiErr))
	assert.Equal(t, "UNAUTHORIZED", apiErr.Code)

	rec = env.do(http.MethodGet, "/api/debug/status", http.Header{"Authorization": {"Bearer wrong"}})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(http.MethodPost, "/mcp", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(http.MethodGet, "/api/debug/status", http.Header{"Authorization": {"Bearer secret"}})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"activeClients":1`)
}

func TestDebugRoutesOpenWithoutToken(t *testing.T) {
	env := newTestEnv(t, "")
	rec := env.do(http.MethodGet, "/api/debug/connection", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"state":"idle"`)
}

func TestGetLogsREST(t *testing.T) {
	env := newTestEnv(t, "")
	env.buf.Append(models.DirectionSent, []byte{0x0A, 0x0B})
	env.buf.Append(models.DirectionReceived, []byte{0xA7, 0xB3, 0x01})
	header := http.Header{"X-Debug-Client": {"ci"}}

	rec := env.do(http.MethodGet, "/api/debug/logs?limit=abc", header)
	require.Equal(t, http.StatusOK, rec.Code)
	var res debugtools.LogsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	require.Len(t, res.Entries, 2)
	assert.Equal(t, "A7 B3 01", res.Entries[1].Hex)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "limit")

	// The default since is the caller's cursor.
	rec = env.do(http.MethodGet, "/api/debug/logs", header)
	res = debugtools.LogsResponse{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Empty(t, res.Entries)
	assert.Equal(t, uint64(2), env.buf.CursorFor("rest:ci"))
}

func TestGetLogsMsgpack(t *testing.T) {
	env := newTestEnv(t, "")
	env.buf.Append(models.DirectionReceived, []byte{0xA7, 0xB3})

	rec := env.do(http.MethodGet, "/api/debug/logs/msgpack?since=all", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/msgpack", rec.Header().Get(echo.HeaderContentType))

	var res debugtools.LogsResponse
	require.NoError(t, msgpack.Unmarshal(rec.Body.Bytes(), &res))
	require.Len(t, res.Entries, 1)
	assert.Equal(t, "A7 B3", res.Entries[0].Hex)
	assert.Equal(t, models.DirectionReceived, res.Entries[0].Direction)
}

func TestSearchREST(t *testing.T) {
	env := newTestEnv(t, "")
	env.buf.Append(models.DirectionReceived, []byte{0xA7, 0xB3, 0x01})
	env.buf.Append(models.DirectionReceived, []byte{0x00, 0x01})

	rec := env.do(http.MethodGet, "/api/debug/search?hexPattern=a7%20b3", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var res debugtools.LogsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	require.Len(t, res.Entries, 1)
	assert.Equal(t, uint64(1), res.Entries[0].SequenceID)
}

func TestScanREST(t *testing.T) {
	env := newTestEnv(t, "")

	rec := env.do(http.MethodPost, "/api/debug/scan?timeoutMs=200", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var res debugtools.ScanResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	require.Len(t, res.Devices, 1)
	assert.Equal(t, int64(200), res.TimeoutMs)

	_, err := env.tr.Connect(context.Background(), models.Selector{NamePrefix: "Heater"})
	require.NoError(t, err)

	rec = env.do(http.MethodPost, "/api/debug/scan", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	var apiErr APIError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &apiErr))
	assert.Equal(t, transport.CodeConflict, apiErr.Code)
	assert.Equal(t, models.StateConnected, env.tr.State())
}

func TestListClients(t *testing.T) {
	env := newTestEnv(t, "")
	env.do(http.MethodGet, "/api/debug/status", http.Header{"X-Debug-Client": {"a"}})

	rec := env.do(http.MethodGet, "/api/debug/clients", http.Header{"X-Debug-Client": {"b"}})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "rest:a")
	assert.Contains(t, rec.Body.String(), "rest:b")
}

func TestRateLimit(t *testing.T) {
	e := echo.New()
	e.HTTPErrorHandler = NewErrorHandler(quietLog())
	e.GET("/x", func(c echo.Context) error { return c.NoContent(http.StatusOK) }, RateLimit(1))

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, http.StatusOK, codes[0])
	assert.Equal(t, http.StatusTooManyRequests, codes[2])
}

func TestFromFault(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{&transport.ConflictError{Op: "scan", State: models.StateConnected}, http.StatusConflict, "CONFLICT"},
		{&transport.BusyError{Op: "connect", State: models.StateConnecting}, http.StatusConflict, "BUSY"},
		{&transport.StateError{Op: "write", State: models.StateIdle}, http.StatusConflict, "INVALID_STATE"},
		{&transport.AdapterError{Phase: "write", Err: errors.New("gatt failure")}, http.StatusBadGateway, "ADAPTER_ERROR"},
		{errors.New("boom"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}
	for _, tt := range tests {
		apiErr := FromFault(tt.err)
		assert.Equal(t, tt.status, apiErr.Status, tt.code)
		assert.Equal(t, tt.code, apiErr.Code)
	}
	assert.Equal(t, "phase: write", FromFault(tests[3].err).Details)
}
