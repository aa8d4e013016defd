package serverapp

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/duskrelay/duskrelay/internal/envelope"
	"github.com/duskrelay/duskrelay/internal/httpx"
	"github.com/duskrelay/duskrelay/internal/wsproxy"
)

var publicUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// subdomainFor derives the target subdomain from the Host header, or from
// X-Relay-Subdomain when present (the test-only override named in §6).
func (s *Server) subdomainFor(r *http.Request) string {
	if override := r.Header.Get("X-Relay-Subdomain"); override != "" {
		return override
	}
	host := r.Host
	if i := strings.IndexByte(host, ':'); i >= 0 {
		host = host[:i]
	}
	suffix := "." + s.cfg.TunnelDomain
	if !strings.HasSuffix(host, suffix) {
		return ""
	}
	return strings.TrimSuffix(host, suffix)
}

// handlePublic is the public HTTP(S)/WebSocket ingress (§6): it serves every
// external request destined for <subdomain>.<tunnel-domain>.
func (s *Server) handlePublic(w http.ResponseWriter, r *http.Request) {
	sub := s.subdomainFor(r)
	if sub == "" {
		http.Error(w, "unknown host", http.StatusNotFound)
		return
	}

	if websocket.IsWebSocketUpgrade(r) {
		s.handlePublicUpgrade(w, r, sub)
		return
	}

	body, err := readLimitedBody(r, s.cfg.MaxBodySize)
	if err != nil {
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}

	headers := r.Header.Clone()
	httpx.StripHopByHop(headers)

	req := &envelope.RequestPayload{
		Method:  r.Method,
		Path:    r.URL.Path,
		Query:   httpx.QueryToKV(r.URL.Query()),
		Headers: httpx.HeaderToKV(headers),
		Body:    body,
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()

	_, resp, err := s.forwarder.Forward(ctx, sub, req, s.cfg.RequestTimeout)
	if err != nil {
		writeForwardError(w, err)
		return
	}

	out := httpx.KVToHeader(resp.Headers)
	for name, values := range out {
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(resp.Body)
}

func readLimitedBody(r *http.Request, limit int64) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()
	limited := io.LimitReader(r.Body, limit+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > limit {
		return nil, errBodyTooLarge
	}
	return body, nil
}

func writeForwardError(w http.ResponseWriter, err error) {
	status := 502
	msg := err.Error()
	if fe, ok := err.(*ForwardError); ok {
		status = fe.Status
		msg = fe.Message
	}
	http.Error(w, msg, status)
}

// handlePublicUpgrade implements the WebSocket proxy manager's server side
// (C7): it forwards the upgrade as a REQUEST, and on a 101 response bridges
// the now-upgraded external connection to frame-carrier envelopes.
func (s *Server) handlePublicUpgrade(w http.ResponseWriter, r *http.Request, sub string) {
	headers := r.Header.Clone()
	httpx.StripHopByHop(headers)

	req := &envelope.RequestPayload{
		Method:           r.Method,
		Path:             r.URL.Path,
		Query:            httpx.QueryToKV(r.URL.Query()),
		Headers:          httpx.HeaderToKV(headers),
		WebSocketUpgrade: true,
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()

	cid, resp, err := s.forwarder.Forward(ctx, sub, req, s.cfg.RequestTimeout)
	if err != nil {
		writeForwardError(w, err)
		return
	}
	if resp.StatusCode != http.StatusSwitchingProtocols {
		out := httpx.KVToHeader(resp.Headers)
		for name, values := range out {
			for _, v := range values {
				w.Header().Add(name, v)
			}
		}
		w.WriteHeader(resp.StatusCode)
		_, _ = w.Write(resp.Body)
		return
	}

	tun, ok := s.registry.Lookup(sub)
	if !ok {
		http.Error(w, "tunnel gone", http.StatusServiceUnavailable)
		return
	}

	external, err := publicUpgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Debug("ingress: upgrading external connection failed", "subdomain", sub, "error", err)
		return
	}

	send := func(cid string, frame *envelope.WebSocketFramePayload) error {
		env := &envelope.Envelope{
			CorrelationID: cid,
			Type:          envelope.TypeRequest,
			Timestamp:     time.Now().Unix(),
			Request: &envelope.RequestPayload{
				WebSocketUpgrade: true,
				Body:             envelope.EncodeFrame(frame),
			},
		}
		data, err := envelope.Encode(env)
		if err != nil {
			return err
		}
		return tun.Control.Send(data)
	}

	proxy := wsproxy.NewServerProxy(cid, sub, external, send, func() {
		tun.RemoveWSProxy(cid)
	})
	tun.AddWSProxy(cid, proxy)
	proxy.Run()
}

var errBodyTooLarge = &ForwardError{Status: http.StatusRequestEntityTooLarge, Message: "request body exceeds configured limit"}
