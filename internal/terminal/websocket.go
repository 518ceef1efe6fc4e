package terminal

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

// WSClient adapts a gorilla WebSocket connection to Client. Writes are
// serialised; one reader at a time is assumed.
type WSClient struct {
	conn *websocket.Conn

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    atomic.Bool
}

// NewWSClient wraps conn.
func NewWSClient(conn *websocket.Conn) *WSClient {
	return &WSClient{conn: conn}
}

// ReadText returns the next text or binary message as a string.
func (c *WSClient) ReadText(_ context.Context) (string, error) {
	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			if c.closed.Load() || websocket.IsCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			) {
				return "", ErrClosed
			}
			return "", err
		}
		if mt == websocket.TextMessage || mt == websocket.BinaryMessage {
			return string(data), nil
		}
	}
}

// WriteText sends a text frame.
func (c *WSClient) WriteText(_ context.Context, text string) error {
	if c.closed.Load() {
		return ErrClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, []byte(text))
}

// Close sends a close frame with code and reason, then closes the socket.
// Only the first call has any effect.
func (c *WSClient) Close(code int, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}
