package serverapp

import (
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// sendRequest is one envelope queued for the control socket's single writer
// goroutine, together with the channel its outcome is reported back on.
type sendRequest struct {
	data   []byte
	result chan error
}

// wsControlConn wraps a control connection's *websocket.Conn so that all
// writes are serialized through one goroutine while still letting many
// forwarder goroutines call Send concurrently. Send waits at most sendWindow
// to queue its write and at most sendWindow more for the write's result, and
// fails when either wait runs out — the backpressure rule of §5: a
// control socket that cannot drain its queue within the window fails the
// request that tried to use it rather than buffering without bound.
type wsControlConn struct {
	conn       *websocket.Conn
	sendWindow time.Duration

	writeCh chan sendRequest
	closed  chan struct{}

	closeOnce sync.Once
	mu        sync.Mutex
	open      bool
}

func newWSControlConn(conn *websocket.Conn, sendWindow time.Duration) *wsControlConn {
	c := &wsControlConn{
		conn:       conn,
		sendWindow: sendWindow,
		writeCh:    make(chan sendRequest, 64),
		closed:     make(chan struct{}),
		open:       true,
	}
	go c.writeLoop()
	return c
}

func (c *wsControlConn) writeLoop() {
	for {
		select {
		case req, ok := <-c.writeCh:
			if !ok {
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.sendWindow))
			err := c.conn.WriteMessage(websocket.BinaryMessage, req.data)
			req.result <- err
			if err != nil {
				c.markClosed()
				return
			}
		case <-c.closed:
			return
		}
	}
}

// Send enqueues data for the write goroutine and waits up to sendWindow for
// the result, satisfying registry.ControlSender.
func (c *wsControlConn) Send(data []byte) error {
	req := sendRequest{data: data, result: make(chan error, 1)}

	select {
	case c.writeCh <- req:
	case <-c.closed:
		return fmt.Errorf("control: connection closed")
	case <-time.After(c.sendWindow):
		return fmt.Errorf("control: send window exceeded queuing write")
	}

	select {
	case err := <-req.result:
		return err
	case <-time.After(c.sendWindow):
		return fmt.Errorf("control: send window exceeded writing")
	}
}

// Close closes the underlying socket with the given close code/reason,
// satisfying registry.ControlSender. Safe to call more than once.
func (c *wsControlConn) Close(code int, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		_ = c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason),
			time.Now().Add(2*time.Second),
		)
		err = c.conn.Close()
		c.markClosed()
	})
	return err
}

func (c *wsControlConn) markClosed() {
	c.mu.Lock()
	wasOpen := c.open
	c.open = false
	c.mu.Unlock()
	if wasOpen {
		close(c.closed)
	}
}

// IsOpen satisfies registry.ControlSender.
func (c *wsControlConn) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}
