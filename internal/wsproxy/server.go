package wsproxy

import (
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/duskrelay/duskrelay/internal/envelope"
)

// ServerSend is how a ServerProxy pushes a frame to the tunneled client: a
// REQUEST envelope carrying a WebSocketFramePayload under the original
// upgrade correlation id, per §4.7 step 3.
type ServerSend func(cid string, frame *envelope.WebSocketFramePayload) error

// ServerProxy bridges one external WebSocket connection to the frame-
// carrier channel of a single correlation id on a tunnel's control
// connection. It is created once the client has accepted a WS upgrade
// (RESPONSE status 101) and destroyed when either side closes.
type ServerProxy struct {
	CID       string
	Subdomain string

	external *websocket.Conn
	send     ServerSend
	onClose  func()

	closeOnce sync.Once
	closed    chan struct{}
}

// NewServerProxy creates a proxy bridging external to the tunnel's control
// channel via send. onClose is invoked exactly once, on the first Close,
// so the owning Tunnel can drop its reference.
func NewServerProxy(cid, subdomain string, external *websocket.Conn, send ServerSend, onClose func()) *ServerProxy {
	return &ServerProxy{
		CID:       cid,
		Subdomain: subdomain,
		external:  external,
		send:      send,
		onClose:   onClose,
		closed:    make(chan struct{}),
	}
}

// Run reads frames from the external WebSocket until it closes or errors,
// translating each into a frame-carrier envelope sent over the tunnel. It
// blocks until the bridge is torn down and does not return until Close has
// run, so callers typically invoke it in its own goroutine.
func (p *ServerProxy) Run() {
	defer p.Close(websocket.CloseNormalClosure, "external connection closed")

	for {
		messageType, data, err := p.external.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("ws proxy: external read error", "cid", p.CID, "subdomain", p.Subdomain, "error", err)
			}
			code, reason := closeCodeFromError(err)
			_ = p.send(p.CID, closeFramePayload(code, reason))
			return
		}

		frame := toFramePayload(messageType, data)
		if err := p.send(p.CID, frame); err != nil {
			slog.Debug("ws proxy: forwarding frame to client failed", "cid", p.CID, "error", err)
			return
		}
	}
}

// HandleClientFrame applies a frame that arrived from the tunneled client
// (a RESPONSE envelope carrying a WebSocketFramePayload) to the external
// connection. A CLOSE frame tears the bridge down after being relayed.
func (p *ServerProxy) HandleClientFrame(f *envelope.WebSocketFramePayload) {
	select {
	case <-p.closed:
		return
	default:
	}

	isClose, err := writeFrame(p.external, f)
	if err != nil {
		slog.Debug("ws proxy: writing frame to external connection failed", "cid", p.CID, "error", err)
		p.Close(websocket.CloseAbnormalClosure, "write to external connection failed")
		return
	}
	if isClose {
		p.Close(f.CloseCode, f.CloseReason)
	}
}

// Close tears down the external connection and notifies the owner. Safe to
// call more than once; only the first call has effect.
func (p *ServerProxy) Close(code int, reason string) {
	p.closeOnce.Do(func() {
		close(p.closed)
		_ = p.external.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason),
			deadlineNow(),
		)
		_ = p.external.Close()
		if p.onClose != nil {
			p.onClose()
		}
	})
}
