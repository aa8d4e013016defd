package clientapp

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/duskrelay/duskrelay/internal/envelope"
	"github.com/duskrelay/duskrelay/internal/httpx"
	"github.com/duskrelay/duskrelay/internal/wsproxy"
)

// dispatcher applies REQUEST envelopes against the local application (C9),
// either as a plain HTTP round trip or, for upgrade requests, by bridging a
// dialed local WebSocket connection through the WS proxy manager (C7,
// client side).
type dispatcher struct {
	localURL   string
	httpClient *http.Client
	send       func(data []byte) error

	mu      sync.Mutex
	proxies map[string]*wsproxy.ClientProxy
}

func newDispatcher(localURL string, timeout time.Duration, send func([]byte) error) *dispatcher {
	return &dispatcher{
		localURL:   strings.TrimSuffix(localURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		send:       send,
		proxies:    make(map[string]*wsproxy.ClientProxy),
	}
}

// Handle applies env, a REQUEST from the server. HTTP and upgrade requests
// run on their own goroutines so they do not block the control socket's
// read loop; a frame carrier for an open proxy is written to the local
// connection in the caller's goroutine.
func (d *dispatcher) Handle(env *envelope.Envelope) {
	req := env.Request
	if proxy, ok := d.proxyFor(env.CorrelationID); ok {
		frame, err := envelope.DecodeFrame(req.Body)
		if err != nil {
			slog.Warn("dispatcher: malformed frame carrier", "cid", env.CorrelationID, "error", err)
			return
		}
		proxy.HandleServerFrame(frame)
		return
	}

	if req.WebSocketUpgrade {
		go d.handleUpgrade(env.CorrelationID, req)
		return
	}

	go d.handleHTTP(env.CorrelationID, req)
}

func (d *dispatcher) handleHTTP(cid string, req *envelope.RequestPayload) {
	url := d.localURL + req.Path
	if q := httpx.KVToQuery(req.Query); len(q) > 0 {
		url += "?" + q.Encode()
	}

	httpReq, err := http.NewRequest(req.Method, url, bytes.NewReader(req.Body))
	if err != nil {
		d.sendError(cid, envelope.ErrInvalidRequest, fmt.Sprintf("building local request: %v", err))
		return
	}
	httpReq.Header = httpx.KVToHeader(req.Headers)

	resp, err := d.httpClient.Do(httpReq)
	if err != nil {
		d.sendError(cid, envelope.ErrUpstreamError, fmt.Sprintf("local app unreachable: %v", err))
		return
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		d.sendError(cid, envelope.ErrUpstreamError, fmt.Sprintf("reading local response: %v", err))
		return
	}

	headers := resp.Header.Clone()
	httpx.StripHopByHop(headers)

	d.sendResponse(cid, &envelope.ResponsePayload{
		StatusCode: resp.StatusCode,
		Headers:    httpx.HeaderToKV(headers),
		Body:       body,
	})
}

func (d *dispatcher) handleUpgrade(cid string, req *envelope.RequestPayload) {
	localURL := toWSURL(d.localURL) + req.Path
	if q := httpx.KVToQuery(req.Query); len(q) > 0 {
		localURL += "?" + q.Encode()
	}
	headers := httpx.KVToHeader(req.Headers)

	send := func(cid string, frame *envelope.WebSocketFramePayload) error {
		env := &envelope.Envelope{
			CorrelationID: cid,
			Type:          envelope.TypeResponse,
			Timestamp:     time.Now().Unix(),
			Response: &envelope.ResponsePayload{
				StatusCode: http.StatusSwitchingProtocols,
				Body:       envelope.EncodeFrame(frame),
			},
		}
		data, err := envelope.Encode(env)
		if err != nil {
			return err
		}
		return d.send(data)
	}

	proxy, resp, err := wsproxy.DialLocal(cid, localURL, headers, send)
	if err != nil {
		status := 502
		if resp != nil {
			status = resp.StatusCode
		}
		d.sendResponse(cid, &envelope.ResponsePayload{StatusCode: status, Body: []byte(err.Error())})
		return
	}

	d.mu.Lock()
	d.proxies[cid] = proxy
	d.mu.Unlock()

	d.sendResponse(cid, &envelope.ResponsePayload{StatusCode: http.StatusSwitchingProtocols})

	proxy.Run()

	d.mu.Lock()
	delete(d.proxies, cid)
	d.mu.Unlock()
}

func (d *dispatcher) proxyFor(cid string) (*wsproxy.ClientProxy, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.proxies[cid]
	return p, ok
}

func (d *dispatcher) sendResponse(cid string, resp *envelope.ResponsePayload) {
	env := &envelope.Envelope{
		CorrelationID: cid,
		Type:          envelope.TypeResponse,
		Timestamp:     time.Now().Unix(),
		Response:      resp,
	}
	data, err := envelope.Encode(env)
	if err != nil {
		slog.Error("dispatcher: encoding response failed", "cid", cid, "error", err)
		return
	}
	if err := d.send(data); err != nil {
		slog.Debug("dispatcher: sending response failed", "cid", cid, "error", err)
	}
}

func (d *dispatcher) sendError(cid string, code envelope.ErrorCode, msg string) {
	env := &envelope.Envelope{
		CorrelationID: cid,
		Type:          envelope.TypeError,
		Timestamp:     time.Now().Unix(),
		Err:           &envelope.ErrorPayload{Code: code, Message: msg},
	}
	data, err := envelope.Encode(env)
	if err != nil {
		slog.Error("dispatcher: encoding error failed", "cid", cid, "error", err)
		return
	}
	if err := d.send(data); err != nil {
		slog.Debug("dispatcher: sending error failed", "cid", cid, "error", err)
	}
}

func toWSURL(httpURL string) string {
	switch {
	case strings.HasPrefix(httpURL, "https://"):
		return "wss://" + strings.TrimPrefix(httpURL, "https://")
	case strings.HasPrefix(httpURL, "http://"):
		return "ws://" + strings.TrimPrefix(httpURL, "http://")
	default:
		return httpURL
	}
}
