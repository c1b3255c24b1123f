// protocol.go - Mock-client wire protocol carried over /api/ws/bridge
package api

import (
	"encoding/hex"
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/ble-bridge/backend/internal/logbuffer"
	"github.com/ble-bridge/backend/internal/models"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Bridge message types
const (
	// Client -> Server messages
	MsgTypeConnect    = "connect"
	MsgTypeWrite      = "write"
	MsgTypeDisconnect = "disconnect"
	MsgTypePing       = "ping"

	// Server -> Client messages
	MsgTypeReady        = "ready"
	MsgTypeConnected    = "connected"
	MsgTypeAck          = "ack"
	MsgTypeNotification = "notification"
	MsgTypeDisconnected = "disconnected"
	MsgTypeError        = "error"
	MsgTypePong         = "pong"
)

// Protocol error codes that do not come from the transport.
const (
	CodeInvalidType    = "INVALID_TYPE"
	CodeInvalidPayload = "INVALID_PAYLOAD"
	CodeInternal       = "INTERNAL_ERROR"
)

// WSMessage is the envelope for every bridge message.
type WSMessage struct {
	Type      string              `json:"type"`
	ID        string              `json:"id,omitempty"`
	Payload   jsoniter.RawMessage `json:"payload,omitempty"`
	Timestamp int64               `json:"timestamp"`
}

// ByteArray is a byte slice that travels as a JSON array of numbers. A hex
// string ("0a0b", "0A 0B") is also accepted on input.
type ByteArray []byte

func (b ByteArray) MarshalJSON() ([]byte, error) {
	ints := make([]int, len(b))
	for i, v := range b {
		ints[i] = int(v)
	}
	return json.Marshal(ints)
}

func (b *ByteArray) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		norm, ok := logbuffer.NormalizePattern(s)
		if !ok && s != "" {
			return fmt.Errorf("data %q is not a hex string", s)
		}
		raw, err := hex.DecodeString(norm)
		if err != nil {
			return err
		}
		*b = raw
		return nil
	}

	var ints []int
	if err := json.Unmarshal(data, &ints); err != nil {
		return fmt.Errorf("data must be an array of byte values or a hex string")
	}
	out := make([]byte, len(ints))
	for i, v := range ints {
		if v < 0 || v > 255 {
			return fmt.Errorf("data[%d] = %d is not a byte", i, v)
		}
		out[i] = byte(v)
	}
	*b = out
	return nil
}

// WritePayload is the payload of a write request.
type WritePayload struct {
	Data ByteArray `json:"data"`
}

// ReadyPayload greets a new bridge client.
type ReadyPayload struct {
	SessionID string `json:"sessionId"`
}

// ConnectedPayload confirms the device connection.
type ConnectedPayload struct {
	Device models.DeviceIdentity `json:"device"`
}

// AckPayload confirms that a write was handed to the adapter.
type AckPayload struct {
	ID         string `json:"id,omitempty"`
	SequenceID uint64 `json:"sequenceId"`
}

// NotificationPayload carries one inbound frame.
type NotificationPayload struct {
	Data       ByteArray `json:"data"`
	SequenceID uint64    `json:"sequenceId"`
	Timestamp  int64     `json:"timestamp"`
}

// DisconnectedPayload reports the end of the device connection.
type DisconnectedPayload struct {
	Reason string `json:"reason"`
}

// ErrorPayload reports a failed request.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func newMessage(msgType, id string, payload interface{}) WSMessage {
	msg := WSMessage{Type: msgType, ID: id, Timestamp: time.Now().UnixMilli()}
	if payload != nil {
		msg.Payload = mustJSON(payload)
	}
	return msg
}

func mustJSON(v interface{}) jsoniter.RawMessage {
	data, _ := json.Marshal(v)
	return data
}
