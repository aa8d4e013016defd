package clientapp

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeDeadline = 5 * time.Second

// controlConn serializes writes to the control socket across the read loop
// and the many per-request dispatcher goroutines that answer it, mirroring
// the "only the owning task writes, responses arrive through an async
// send interface" rule of §5 on the client side.
type controlConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func newControlConn(conn *websocket.Conn) *controlConn {
	return &controlConn{conn: conn}
}

func (c *controlConn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	return c.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (c *controlConn) Close(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(2*time.Second))
	return c.conn.Close()
}
