// Package wsproxy bridges an external WebSocket connection to the per-
// correlation frame-carrier envelopes that traverse a tunnel's control
// channel, on both the server side (external client ↔ tunnel) and the
// client side (tunnel ↔ local application).
package wsproxy

import (
	"github.com/gorilla/websocket"

	"github.com/duskrelay/duskrelay/internal/envelope"
)

// toFramePayload converts a message read off a *websocket.Conn into the
// wire representation carried inside a REQUEST/RESPONSE envelope.
func toFramePayload(messageType int, data []byte) *envelope.WebSocketFramePayload {
	switch messageType {
	case websocket.TextMessage:
		return &envelope.WebSocketFramePayload{Type: envelope.FrameText, Data: data}
	case websocket.BinaryMessage:
		return &envelope.WebSocketFramePayload{Type: envelope.FrameBinary, Data: data}
	case websocket.PingMessage:
		return &envelope.WebSocketFramePayload{Type: envelope.FramePing, Data: data}
	case websocket.PongMessage:
		return &envelope.WebSocketFramePayload{Type: envelope.FramePong, Data: data}
	default:
		return &envelope.WebSocketFramePayload{Type: envelope.FrameBinary, Data: data}
	}
}

// closeFramePayload builds the CLOSE frame payload sent when a side of the
// bridge closes, carrying the close code and reason it observed.
func closeFramePayload(code int, reason string) *envelope.WebSocketFramePayload {
	return &envelope.WebSocketFramePayload{
		Type:        envelope.FrameClose,
		CloseCode:   code,
		CloseReason: reason,
	}
}

// writeFrame applies a frame received over the tunnel to a local
// *websocket.Conn, returning whether the frame was a CLOSE (after which the
// caller should tear the bridge down).
func writeFrame(conn *websocket.Conn, f *envelope.WebSocketFramePayload) (isClose bool, err error) {
	switch f.Type {
	case envelope.FrameText:
		return false, conn.WriteMessage(websocket.TextMessage, f.Data)
	case envelope.FrameBinary:
		return false, conn.WriteMessage(websocket.BinaryMessage, f.Data)
	case envelope.FramePing:
		return false, conn.WriteMessage(websocket.PingMessage, f.Data)
	case envelope.FramePong:
		return false, conn.WriteMessage(websocket.PongMessage, f.Data)
	case envelope.FrameClose:
		code := f.CloseCode
		if code == 0 {
			code = websocket.CloseNormalClosure
		}
		msg := websocket.FormatCloseMessage(code, f.CloseReason)
		return true, conn.WriteMessage(websocket.CloseMessage, msg)
	default:
		return false, nil
	}
}

// closeCodeFromError extracts a WebSocket close code from a read error, or
// a sensible default if the error does not carry one.
func closeCodeFromError(err error) (code int, reason string) {
	if ce, ok := err.(*websocket.CloseError); ok {
		return ce.Code, ce.Text
	}
	return websocket.CloseAbnormalClosure, err.Error()
}
