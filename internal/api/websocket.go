package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/ble-bridge/backend/internal/session"
	"github.com/ble-bridge/backend/internal/transport"
)

const (
	// outboxSize bounds messages queued for the writer goroutine.
	outboxSize = 128
	writeWait  = 10 * time.Second
	// closeWait bounds the disconnect issued when a client goes away.
	closeWait = 5 * time.Second
)

// BridgeHandler serves the mock-client channel. Each websocket gets its
// own bridge session.
type BridgeHandler struct {
	sessions *session.Manager
	upgrader websocket.Upgrader
	log      *logrus.Entry
}

// NewBridgeHandler creates a websocket handler backed by sessions.
func NewBridgeHandler(sessions *session.Manager, log *logrus.Entry) *BridgeHandler {
	return &BridgeHandler{
		sessions: sessions,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// The mock runs inside test pages served from anywhere.
				return true
			},
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 16 * 1024,
		},
		log: log,
	}
}

// paramsFromQuery reads connection parameters from the upgrade URL. ok is
// false when none were supplied.
func paramsFromQuery(c echo.Context) (session.Params, bool) {
	p := session.Params{
		NamePrefix:   c.QueryParam("namePrefix"),
		DeviceID:     c.QueryParam("deviceId"),
		ServiceID:    c.QueryParam("service"),
		WriteCharID:  c.QueryParam("write"),
		NotifyCharID: c.QueryParam("notify"),
	}
	return p, p != (session.Params{})
}

// HandleBridge upgrades the request and runs the bridge protocol until the
// client goes away. When the URL carries connection parameters the device
// is connected right after the ready message.
func (h *BridgeHandler) HandleBridge(c echo.Context) error {
	params, hasParams := paramsFromQuery(c)

	ws, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		h.log.WithError(err).Debug("websocket upgrade failed")
		return nil
	}
	defer ws.Close()

	sess, err := h.sessions.Open()
	if err != nil {
		writeFrame(ws, newMessage(MsgTypeError, "", ErrorPayload{Code: CodeInternal, Message: err.Error()}))
		return nil
	}

	conn := newBridgeConn(ws, sess, h.log.WithField("session", sess.ID[:8]))
	go conn.writeLoop()
	defer conn.stop()
	conn.log.WithField("remote", c.RealIP()).Info("bridge client connected")

	events := make(chan struct{})
	go func() {
		defer close(events)
		conn.pumpEvents()
	}()

	conn.send(newMessage(MsgTypeReady, "", ReadyPayload{SessionID: sess.ID}))
	if hasParams {
		conn.connect("", params)
	}
	conn.readLoop()

	ctx, cancel := context.WithTimeout(context.Background(), closeWait)
	defer cancel()
	sess.Close(ctx)
	<-events
	conn.log.Info("bridge client disconnected")
	return nil
}

// HandleListBridges reports the open bridge sessions and which one holds
// the device.
func (h *BridgeHandler) HandleListBridges(c echo.Context) error {
	owner, _ := h.sessions.Owner()
	return c.JSON(http.StatusOK, map[string]interface{}{
		"sessions": h.sessions.List(),
		"owner":    owner,
	})
}

// bridgeConn is one websocket. All writes to the socket happen on the
// writer goroutine; everything else queues through send.
type bridgeConn struct {
	ws   *websocket.Conn
	sess *session.Session
	log  *logrus.Entry

	out      chan WSMessage
	done     chan struct{}
	stopOnce sync.Once
}

func newBridgeConn(ws *websocket.Conn, sess *session.Session, log *logrus.Entry) *bridgeConn {
	return &bridgeConn{
		ws:   ws,
		sess: sess,
		log:  log,
		out:  make(chan WSMessage, outboxSize),
		done: make(chan struct{}),
	}
}

func (b *bridgeConn) send(msg WSMessage) {
	select {
	case b.out <- msg:
	case <-b.done:
	}
}

func (b *bridgeConn) sendError(id, code, message string) {
	b.send(newMessage(MsgTypeError, id, ErrorPayload{Code: code, Message: message}))
}

func (b *bridgeConn) sendFault(id string, err error) {
	code := transport.Code(err)
	if code == "" {
		code = CodeInternal
	}
	b.sendError(id, code, err.Error())
}

func (b *bridgeConn) writeLoop() {
	for {
		select {
		case msg := <-b.out:
			if err := writeFrame(b.ws, msg); err != nil {
				b.log.WithError(err).Debug("websocket write failed")
				b.stop()
				return
			}
		case <-b.done:
			return
		}
	}
}

// writeFrame encodes msg as one text frame. Payloads are raw JSON, so
// the frame goes through the package codec rather than ws.WriteJSON.
func writeFrame(ws *websocket.Conn, msg WSMessage) error {
	ws.SetWriteDeadline(time.Now().Add(writeWait))
	w, err := ws.NextWriter(websocket.TextMessage)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(w).Encode(msg); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

// readFrame decodes the next frame. A frame that is not a message is
// reported through bad and the socket stays usable.
func readFrame(ws *websocket.Conn) (msg WSMessage, bad error, err error) {
	_, r, err := ws.NextReader()
	if err != nil {
		return msg, nil, err
	}
	if err := json.NewDecoder(r).Decode(&msg); err != nil {
		return msg, err, nil
	}
	return msg, nil, nil
}

func (b *bridgeConn) stop() {
	b.stopOnce.Do(func() { close(b.done) })
}

// pumpEvents relays session events in order until the session is closed.
func (b *bridgeConn) pumpEvents() {
	for ev := range b.sess.Events() {
		switch ev.Kind {
		case session.EventNotification:
			n := ev.Notification
			b.send(newMessage(MsgTypeNotification, "", NotificationPayload{
				Data:       ByteArray(n.Payload),
				SequenceID: n.SequenceID,
				Timestamp:  n.Timestamp.UnixMilli(),
			}))
		case session.EventDisconnected:
			b.send(newMessage(MsgTypeDisconnected, "", DisconnectedPayload{Reason: ev.Reason}))
		}
	}
}

func (b *bridgeConn) readLoop() {
	for {
		msg, bad, err := readFrame(b.ws)
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				b.log.WithError(err).Warn("bridge connection error")
			}
			return
		}
		if bad != nil {
			b.sendError("", CodeInvalidPayload, "malformed message: "+bad.Error())
			continue
		}

		switch msg.Type {
		case MsgTypePing:
			b.send(newMessage(MsgTypePong, msg.ID, nil))
		case MsgTypeConnect:
			var p session.Params
			if err := json.Unmarshal(msg.Payload, &p); err != nil {
				b.sendError(msg.ID, CodeInvalidPayload, "invalid connect payload: "+err.Error())
				continue
			}
			b.connect(msg.ID, p)
		case MsgTypeWrite:
			b.write(msg)
		case MsgTypeDisconnect:
			b.disconnect(msg.ID)
		default:
			b.sendError(msg.ID, CodeInvalidType, "unknown message type: "+msg.Type)
		}
	}
}

func (b *bridgeConn) connect(id string, p session.Params) {
	if err := p.Validate(); err != nil {
		b.sendError(id, CodeInvalidPayload, err.Error())
		return
	}
	dev, err := b.sess.Connect(context.Background(), p)
	if err != nil {
		b.log.WithError(err).Warn("connect failed")
		b.sendFault(id, err)
		return
	}
	b.send(newMessage(MsgTypeConnected, id, ConnectedPayload{Device: dev}))
}

func (b *bridgeConn) write(msg WSMessage) {
	var p WritePayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		b.sendError(msg.ID, CodeInvalidPayload, "invalid write payload: "+err.Error())
		return
	}
	seq, err := b.sess.Write(context.Background(), p.Data)
	if err != nil {
		b.sendFault(msg.ID, err)
		return
	}
	b.send(newMessage(MsgTypeAck, msg.ID, AckPayload{ID: msg.ID, SequenceID: seq}))
}

func (b *bridgeConn) disconnect(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), closeWait)
	defer cancel()
	ended, err := b.sess.Disconnect(ctx)
	if err != nil {
		b.sendFault(id, err)
		return
	}
	reason := "not connected"
	if ended != nil {
		reason = ended.EndReason
	}
	b.send(newMessage(MsgTypeDisconnected, id, DisconnectedPayload{Reason: reason}))
}
