package wsproxy

import (
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/duskrelay/duskrelay/internal/envelope"
)

// ClientSend is how a ClientProxy pushes a frame back to the server: a
// RESPONSE envelope carrying a WebSocketFramePayload under the original
// upgrade correlation id, per §4.7 step 3.
type ClientSend func(cid string, frame *envelope.WebSocketFramePayload) error

// ClientProxy bridges a tunnel's frame-carrier channel for one correlation
// id to a real WebSocket connection dialed against the local application.
type ClientProxy struct {
	CID string

	local *websocket.Conn
	send  ClientSend

	closeOnce sync.Once
	closed    chan struct{}
}

var clientDialer = websocket.Dialer{HandshakeTimeout: 10 * time.Second}

// DialLocal establishes the local WebSocket connection requested by an
// upgrade REQUEST envelope and wraps it in a ClientProxy. headers carries
// the original request headers (less hop-by-hop) so the local app sees the
// same handshake metadata the external client sent.
func DialLocal(cid, localURL string, headers http.Header, send ClientSend) (*ClientProxy, *http.Response, error) {
	conn, resp, err := clientDialer.Dial(localURL, headers)
	if err != nil {
		return nil, resp, fmt.Errorf("wsproxy: dialing local app: %w", err)
	}
	return &ClientProxy{
		CID:    cid,
		local:  conn,
		send:   send,
		closed: make(chan struct{}),
	}, resp, nil
}

// Run reads frames from the local connection until it closes or errors,
// forwarding each to the server as a frame-carrier RESPONSE envelope. Like
// ServerProxy.Run, it blocks until the bridge is torn down.
func (p *ClientProxy) Run() {
	defer p.Close(websocket.CloseNormalClosure, "local connection closed")

	for {
		messageType, data, err := p.local.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("ws proxy: local read error", "cid", p.CID, "error", err)
			}
			code, reason := closeCodeFromError(err)
			_ = p.send(p.CID, closeFramePayload(code, reason))
			return
		}

		frame := toFramePayload(messageType, data)
		if err := p.send(p.CID, frame); err != nil {
			slog.Debug("ws proxy: forwarding frame to server failed", "cid", p.CID, "error", err)
			return
		}
	}
}

// HandleServerFrame applies a frame relayed from the external connection
// (a REQUEST envelope carrying a WebSocketFramePayload) to the local
// connection. A CLOSE frame tears the bridge down after being relayed.
func (p *ClientProxy) HandleServerFrame(f *envelope.WebSocketFramePayload) {
	select {
	case <-p.closed:
		return
	default:
	}

	isClose, err := writeFrame(p.local, f)
	if err != nil {
		slog.Debug("ws proxy: writing frame to local connection failed", "cid", p.CID, "error", err)
		p.Close(websocket.CloseAbnormalClosure, "write to local connection failed")
		return
	}
	if isClose {
		p.Close(f.CloseCode, f.CloseReason)
	}
}

// Close tears down the local connection. Safe to call more than once; only
// the first call has effect.
func (p *ClientProxy) Close(code int, reason string) {
	p.closeOnce.Do(func() {
		close(p.closed)
		_ = p.local.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason),
			deadlineNow(),
		)
		_ = p.local.Close()
	})
}
