package server

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/luckyim/delivery/interfaces"
)

// Control frame types sent to clients as JSON text messages. Application
// payloads travel as binary frames and are opaque to the node.
const (
	frameForceLogout = "FORCE_LOGOUT"
)

type controlFrame struct {
	Type   string `json:"type"`
	Reason string `json:"reason,omitempty"`
}

// wsTransport is the write side of one websocket connection. All writes
// share one mutex; gorilla/websocket allows a single concurrent writer.
type wsTransport struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	mu     sync.Mutex
	closed bool
}

func newTransport(conn *websocket.Conn, writeTimeout time.Duration) *wsTransport {
	return &wsTransport{conn: conn, writeTimeout: writeTimeout}
}

func (t *wsTransport) write(messageType int, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return interfaces.ErrTransportClosed
	}
	if t.writeTimeout > 0 {
		t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	}
	return t.conn.WriteMessage(messageType, data)
}

// Push writes an application payload as a binary frame.
func (t *wsTransport) Push(payload []byte) error {
	return t.write(websocket.BinaryMessage, payload)
}

// Kick sends the forced-disconnect control frame. The caller closes the
// transport afterwards.
func (t *wsTransport) Kick(reason string) error {
	data, err := json.Marshal(controlFrame{Type: frameForceLogout, Reason: reason})
	if err != nil {
		return err
	}
	return t.write(websocket.TextMessage, data)
}

func (t *wsTransport) ping() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return interfaces.ErrTransportClosed
	}
	deadline := time.Now().Add(t.writeTimeout)
	return t.conn.WriteControl(websocket.PingMessage, nil, deadline)
}

// Close tears the connection down. Idempotent.
func (t *wsTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	deadline := time.Now().Add(time.Second)
	t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return t.conn.Close()
}
