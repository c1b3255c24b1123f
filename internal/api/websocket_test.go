package api

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ble-bridge/backend/internal/models"
	"github.com/ble-bridge/backend/internal/session"
)

func dialBridge(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws/bridge" + query
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readMessage(t *testing.T, ws *websocket.Conn, want string) WSMessage {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	var msg WSMessage
	require.NoError(t, json.Unmarshal(data, &msg), string(data))
	require.Equal(t, want, msg.Type, "payload: %s", string(msg.Payload))
	return msg
}

func sendMessage(t *testing.T, ws *websocket.Conn, msgType, id string, payload interface{}) {
	t.Helper()
	data, err := json.Marshal(newMessage(msgType, id, payload))
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, data))
}

func sendRaw(t *testing.T, ws *websocket.Conn, frame string) {
	t.Helper()
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(frame)))
}

func readRaw(t *testing.T, ws *websocket.Conn) string {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	return string(data)
}

func TestBridgeRoundTrip(t *testing.T) {
	env := newTestEnv(t, "secret")
	srv := httptest.NewServer(env.e)
	defer srv.Close()

	ws := dialBridge(t, srv, "")
	readMessage(t, ws, MsgTypeReady)

	sendMessage(t, ws, MsgTypePing, "p1", nil)
	pong := readMessage(t, ws, MsgTypePong)
	assert.Equal(t, "p1", pong.ID)

	sendMessage(t, ws, MsgTypeConnect, "c1", map[string]string{
		"namePrefix": "Heater", "service": svcID, "write": writeID, "notify": notifyID,
	})
	msg := readMessage(t, ws, MsgTypeConnected)
	var connected ConnectedPayload
	require.NoError(t, json.Unmarshal(msg.Payload, &connected))
	assert.Equal(t, "Heater-01", connected.Device.Name)

	sendMessage(t, ws, MsgTypeWrite, "w1", map[string]interface{}{"data": []int{1, 2, 255}})
	msg = readMessage(t, ws, MsgTypeAck)
	var ack AckPayload
	require.NoError(t, json.Unmarshal(msg.Payload, &ack))
	assert.Equal(t, "w1", ack.ID)
	assert.Equal(t, uint64(1), ack.SequenceID)

	link := env.driver.Link()
	require.NotNil(t, link)
	assert.Equal(t, []byte{1, 2, 255}, link.Writes()[0].Data)

	require.Eventually(t, func() bool { return link.Subscribed(svcID, notifyID) }, time.Second, 5*time.Millisecond)
	require.True(t, link.Notify(svcID, notifyID, []byte{0xA7, 0xB3}))
	require.True(t, link.Notify(svcID, notifyID, []byte{0x01}))
	for _, want := range [][]byte{{0xA7, 0xB3}, {0x01}} {
		msg = readMessage(t, ws, MsgTypeNotification)
		var n NotificationPayload
		require.NoError(t, json.Unmarshal(msg.Payload, &n))
		assert.Equal(t, want, []byte(n.Data))
	}

	// Every frame reached the log with its direction.
	entries := env.buf.Snapshot()
	require.Len(t, entries, 3)
	assert.Equal(t, models.DirectionSent, entries[0].Direction)
	assert.Equal(t, models.DirectionReceived, entries[1].Direction)

	sendMessage(t, ws, MsgTypeDisconnect, "d1", nil)
	msg = readMessage(t, ws, MsgTypeDisconnected)
	assert.Equal(t, "d1", msg.ID)
	assert.Equal(t, models.StateIdle, env.tr.State())
}

// A browser client sends and reads plain JSON text; payloads must be
// objects on the wire in both directions.
func TestBridgeWireFormat(t *testing.T) {
	env := newTestEnv(t, "")
	srv := httptest.NewServer(env.e)
	defer srv.Close()

	ws := dialBridge(t, srv, "")
	ready := readRaw(t, ws)
	assert.Contains(t, ready, `"type":"ready"`)
	assert.Contains(t, ready, `"payload":{"sessionId":`)

	sendRaw(t, ws, `{"type":"connect","id":"c1","payload":{"namePrefix":"Heater","service":"`+svcID+`","write":"`+writeID+`"}}`)
	connected := readRaw(t, ws)
	assert.Contains(t, connected, `"type":"connected"`)
	assert.Contains(t, connected, `"payload":{"device":{`)
	assert.Contains(t, connected, `"Heater-01"`)
	assert.Equal(t, models.StateConnected, env.tr.State())

	sendRaw(t, ws, `{"type":"write","id":"w1","payload":{"data":[1,2,3]}}`)
	ack := readRaw(t, ws)
	assert.Contains(t, ack, `"type":"ack"`)
	assert.Contains(t, ack, `"sequenceId":1`)
	assert.Equal(t, []byte{1, 2, 3}, env.driver.Link().Writes()[0].Data)

	// A frame that is not JSON is answered and the socket stays open.
	sendRaw(t, ws, `not json`)
	assert.Contains(t, readRaw(t, ws), `"code":"`+CodeInvalidPayload+`"`)
	sendRaw(t, ws, `{"type":"ping","id":"p1"}`)
	assert.Contains(t, readRaw(t, ws), `"type":"pong"`)
}

func TestBridgeConnectFromQuery(t *testing.T) {
	env := newTestEnv(t, "")
	srv := httptest.NewServer(env.e)
	defer srv.Close()

	ws := dialBridge(t, srv, "?namePrefix=Heater&service="+svcID+"&write="+writeID)
	readMessage(t, ws, MsgTypeReady)
	readMessage(t, ws, MsgTypeConnected)
	assert.Equal(t, models.StateConnected, env.tr.State())

	// Closing the channel releases the device.
	ws.Close()
	require.Eventually(t, func() bool {
		return env.tr.State() == models.StateIdle && env.sessions.Count() == 0
	}, 3*time.Second, 10*time.Millisecond)
}

func TestBridgeReportsFaults(t *testing.T) {
	env := newTestEnv(t, "")
	srv := httptest.NewServer(env.e)
	defer srv.Close()

	ws := dialBridge(t, srv, "")
	readMessage(t, ws, MsgTypeReady)

	sendMessage(t, ws, MsgTypeWrite, "w1", map[string]interface{}{"data": "0a0b"})
	msg := readMessage(t, ws, MsgTypeError)
	var e ErrorPayload
	require.NoError(t, json.Unmarshal(msg.Payload, &e))
	assert.Equal(t, "INVALID_STATE", e.Code)

	sendMessage(t, ws, "launch", "x", nil)
	msg = readMessage(t, ws, MsgTypeError)
	require.NoError(t, json.Unmarshal(msg.Payload, &e))
	assert.Equal(t, CodeInvalidType, e.Code)

	sendMessage(t, ws, MsgTypeConnect, "c1", map[string]string{"service": svcID})
	msg = readMessage(t, ws, MsgTypeError)
	require.NoError(t, json.Unmarshal(msg.Payload, &e))
	assert.Equal(t, CodeInvalidPayload, e.Code)
}

func TestBridgePeripheralDrop(t *testing.T) {
	env := newTestEnv(t, "")
	srv := httptest.NewServer(env.e)
	defer srv.Close()

	ws := dialBridge(t, srv, "?namePrefix=Heater&service="+svcID+"&write="+writeID+"&notify="+notifyID)
	readMessage(t, ws, MsgTypeReady)
	readMessage(t, ws, MsgTypeConnected)

	env.driver.Link().Drop()
	msg := readMessage(t, ws, MsgTypeDisconnected)
	var d DisconnectedPayload
	require.NoError(t, json.Unmarshal(msg.Payload, &d))
	assert.Contains(t, d.Reason, "disconnected")
	assert.Equal(t, models.StateIdle, env.tr.State())
}

func TestByteArray(t *testing.T) {
	var b ByteArray
	require.NoError(t, json.Unmarshal([]byte(`[10, 11, 255]`), &b))
	assert.Equal(t, ByteArray{0x0A, 0x0B, 0xFF}, b)

	require.NoError(t, json.Unmarshal([]byte(`"0A 0b ff"`), &b))
	assert.Equal(t, ByteArray{0x0A, 0x0B, 0xFF}, b)

	assert.Error(t, json.Unmarshal([]byte(`[256]`), &b))
	assert.Error(t, json.Unmarshal([]byte(`"abc"`), &b))
	assert.Error(t, json.Unmarshal([]byte(`"zz"`), &b))

	out, err := json.Marshal(ByteArray{1, 2})
	require.NoError(t, err)
	assert.JSONEq(t, `[1,2]`, string(out))
}

func TestLogStream(t *testing.T) {
	env := newTestEnv(t, "")
	srv := httptest.NewServer(env.e)
	defer srv.Close()
	env.buf.Append(models.DirectionSent, []byte{0x01})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/debug/logs/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	lines := make(chan string, 32)
	go func() {
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			if strings.HasPrefix(sc.Text(), "data: ") {
				lines <- strings.TrimPrefix(sc.Text(), "data: ")
			}
		}
		close(lines)
	}()

	next := func() models.LogRecord {
		select {
		case line := <-lines:
			var rec models.LogRecord
			require.NoError(t, json.Unmarshal([]byte(line), &rec))
			return rec
		case <-time.After(3 * time.Second):
			t.Fatal("no event")
		}
		return models.LogRecord{}
	}

	assert.Equal(t, uint64(1), next().SequenceID)
	require.Eventually(t, func() bool { return env.svc.Clients().Count() == 1 }, time.Second, 5*time.Millisecond)

	env.buf.Append(models.DirectionReceived, []byte{0xA7})
	rec := next()
	assert.Equal(t, uint64(2), rec.SequenceID)
	assert.Equal(t, "A7", rec.Hex)

	// Closing the stream releases the tail's cursor and registration.
	cancel()
	require.Eventually(t, func() bool {
		return env.svc.Clients().Count() == 0 && env.buf.CursorCount() == 0
	}, 3*time.Second, 10*time.Millisecond)
}

func TestListBridges(t *testing.T) {
	env := newTestEnv(t, "secret")
	srv := httptest.NewServer(env.e)
	defer srv.Close()

	ws := dialBridge(t, srv, "?namePrefix=Heater&service="+svcID+"&write="+writeID)
	msg := readMessage(t, ws, MsgTypeReady)
	var ready ReadyPayload
	require.NoError(t, json.Unmarshal(msg.Payload, &ready))
	readMessage(t, ws, MsgTypeConnected)

	rec := env.do(http.MethodGet, "/api/debug/bridges", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(http.MethodGet, "/api/debug/bridges", http.Header{"Authorization": {"Bearer secret"}})
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Sessions []session.Info `json:"sessions"`
		Owner    string         `json:"owner"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Sessions, 1)
	assert.Equal(t, ready.SessionID, body.Sessions[0].ID)
	assert.True(t, body.Sessions[0].Connected)
	require.NotNil(t, body.Sessions[0].Device)
	assert.Equal(t, "Heater-01", body.Sessions[0].Device.Name)
	assert.Equal(t, ready.SessionID, body.Owner)
}
