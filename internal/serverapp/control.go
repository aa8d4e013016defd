package serverapp

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/duskrelay/duskrelay/internal/envelope"
	"github.com/duskrelay/duskrelay/internal/pending"
	"github.com/duskrelay/duskrelay/internal/registry"
	"github.com/duskrelay/duskrelay/internal/subdomain"
)

var controlUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// controlState is the per-connection state machine of §4.5: CONNECTING →
// AUTHENTICATING → REGISTERED → CLOSED.
type controlState int

const (
	stateConnecting controlState = iota
	stateAuthenticating
	stateRegistered
	stateClosed
)

// handleControl upgrades a /ws request to the control channel and drives it
// until the socket closes.
func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	remote := clientAddr(r)
	if !s.admission.Allow(remote) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		s.tel.Count("control.rejected", 1, "reason", "rate_limited")
		return
	}

	secret := r.URL.Query().Get("secret")
	requested := r.URL.Query().Get("subdomain")

	if !s.cfg.AcceptsSecret(secret) {
		slog.Warn("control: rejecting connection with bad secret", "remote", remote)
		s.tel.Count("control.rejected", 1, "reason", "bad_secret")
		conn, err := controlUpgrader.Upgrade(w, r, nil)
		if err != nil {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "invalid secret"),
			time.Now().Add(2*time.Second))
		_ = conn.Close()
		return
	}

	if requested != "" && !subdomain.ValidateRequested(requested) {
		http.Error(w, "invalid subdomain", http.StatusBadRequest)
		return
	}

	conn, err := controlUpgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Debug("control: upgrade failed", "remote", remote, "error", err)
		return
	}

	label, err := s.resolveSubdomain(requested)
	if err != nil {
		slog.Error("control: subdomain allocation failed", "remote", remote, "error", err)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "allocation failed"),
			time.Now().Add(2*time.Second))
		_ = conn.Close()
		return
	}

	control := newWSControlConn(conn, s.cfg.SendWindow)
	tun, displaced := s.registry.Register(label, control)
	if displaced != nil {
		// displaced no longer holds label, so Unregister would skip it as
		// stale; drain and close it directly.
		displaced.Pending.Drain(&pending.LocalFailure{Status: 503, Reason: "tunnel replaced"})
		_ = displaced.Control.Close(websocket.CloseGoingAway, "replaced by a newer connection")
	}

	publicURL := "https://" + label + "." + s.cfg.TunnelDomain
	reg := &envelope.Envelope{
		CorrelationID: "control-" + label,
		Type:          envelope.TypeControl,
		Timestamp:     time.Now().Unix(),
		Control: &envelope.ControlPayload{
			Action:    envelope.ActionRegistered,
			Subdomain: label,
			PublicURL: publicURL,
		},
	}
	data, err := envelope.Encode(reg)
	if err != nil || control.Send(data) != nil {
		slog.Error("control: failed to send REGISTERED envelope", "subdomain", label)
		s.registry.Unregister(label, tun)
		return
	}

	slog.Info("control: tunnel registered", "subdomain", label, "remote", remote)
	s.tel.Count("control.registered", 1)

	s.readLoop(conn, tun)

	s.registry.Unregister(label, tun)
	slog.Info("control: tunnel unregistered", "subdomain", label, "remote", remote)
}

// readLoop consumes envelopes from the control socket until it closes,
// dispatching each per §4.5.
func (s *Server) readLoop(conn *websocket.Conn, tun *registry.Tunnel) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("control: read error", "subdomain", tun.Subdomain, "error", err)
			}
			return
		}

		env, err := envelope.Decode(data)
		if err != nil {
			slog.Warn("control: dropping malformed envelope", "subdomain", tun.Subdomain, "error", err)
			continue
		}

		s.dispatchFromClient(tun, env)
	}
}

func (s *Server) dispatchFromClient(tun *registry.Tunnel, env *envelope.Envelope) {
	switch env.Type {
	case envelope.TypeResponse:
		if proxy, ok := tun.WSProxy(env.CorrelationID); ok {
			frame, err := envelope.DecodeFrame(env.Response.Body)
			if err != nil {
				slog.Warn("control: malformed frame carrier", "cid", env.CorrelationID, "error", err)
				return
			}
			proxy.(serverWSProxy).HandleClientFrame(frame)
			return
		}
		tun.Pending.Complete(env.CorrelationID, env.Response)

	case envelope.TypeError:
		tun.Pending.FailWire(env.CorrelationID, env.Err)

	case envelope.TypeControl:
		switch env.Control.Action {
		case envelope.ActionHeartbeat, envelope.ActionStatus:
			s.tel.Count("control.heartbeat", 1, "subdomain", tun.Subdomain)
		case envelope.ActionUnregister:
			slog.Info("control: client requested unregister", "subdomain", tun.Subdomain)
			s.registry.Unregister(tun.Subdomain, tun)
		}

	case envelope.TypeRequest:
		slog.Debug("control: ignoring unexpected REQUEST from client", "subdomain", tun.Subdomain)
	}
}

// resolveSubdomain allocates a fresh label, or honors requested as-is: a
// requested label already live is a reconnect under the same name, and
// Register displaces the prior tunnel rather than failing here.
func (s *Server) resolveSubdomain(requested string) (string, error) {
	if requested == "" {
		return s.allocator.Allocate()
	}
	return requested, nil
}

func clientAddr(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	return r.RemoteAddr
}

// serverWSProxy is the subset of *wsproxy.ServerProxy the dispatcher needs;
// declared locally so this file does not import wsproxy just for a type
// assertion target.
type serverWSProxy interface {
	HandleClientFrame(f *envelope.WebSocketFramePayload)
}
