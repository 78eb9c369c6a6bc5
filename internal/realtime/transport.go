package realtime

import (
	"context"
	"errors"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is a single message-oriented, bidirectional connection. The Manager
// is the only writer; implementations do not need to support concurrent
// writes.
type Conn interface {
	// ReadMessage blocks until the next inbound message or a transport
	// error. A normal peer close is reported as an error recognized by
	// isNormalClose.
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	// Close tears down the connection. When normal is true a close
	// handshake with the normal status code is attempted first.
	Close(normal bool) error
}

// Dialer opens event channel connections. Injected so tests can substitute
// an in-memory transport.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WebsocketDialer dials real WebSocket connections.
type WebsocketDialer struct{}

func (WebsocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	return data, err
}

func (c *wsConn) WriteMessage(data []byte) error {
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Close(normal bool) error {
	if normal {
		deadline := time.Now().Add(time.Second)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, deadline)
	}
	return c.conn.Close()
}

// isNormalClose reports whether a read error corresponds to a clean peer
// shutdown, which must not trigger reconnection.
func isNormalClose(err error) bool {
	var closeErr *websocket.CloseError
	return errors.As(err, &closeErr) && closeErr.Code == websocket.CloseNormalClosure
}
