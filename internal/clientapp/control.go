// Package clientapp implements the relay client: the control-channel
// endpoint (C8) that dials relayd and holds a reconnecting tunnel open, and
// the local HTTP/WS dispatcher (C9) that applies incoming requests against
// the tunneled local application.
package clientapp

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"github.com/duskrelay/duskrelay/internal/config"
	"github.com/duskrelay/duskrelay/internal/envelope"
	"github.com/duskrelay/duskrelay/internal/telemetry"
)

// AuthError is returned by Run when the server rejects credentials; per
// §4.8 this is terminal and the caller must not reconnect.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string { return "relay: authentication failed: " + e.Reason }

// RegisteredInfo is delivered once per successful registration, carrying
// the subdomain and public URL the server assigned.
type RegisteredInfo struct {
	Subdomain string
	PublicURL string
}

// Client drives the client-side control channel against a single relayd
// deployment, reconnecting according to cfg.Reconnect until ctx is
// cancelled or a terminal auth failure occurs.
type Client struct {
	cfg *config.ClientConfig
	tel telemetry.Sink

	// OnRegistered, if set, is invoked (from the read loop's goroutine)
	// each time the server confirms registration, including re-registration
	// after a reconnect.
	OnRegistered func(RegisteredInfo)
}

// NewClient builds a Client from cfg. tel may be nil.
func NewClient(cfg *config.ClientConfig, tel telemetry.Sink) *Client {
	if tel == nil {
		tel = telemetry.Noop{}
	}
	return &Client{cfg: cfg, tel: tel}
}

// Run dials and redials the control endpoint until ctx is cancelled or
// authentication fails terminally. It blocks for the lifetime of the
// tunnel.
func (c *Client) Run(ctx context.Context) error {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		registered, err := c.runSession(ctx)
		if authErr, ok := err.(*AuthError); ok {
			return authErr
		}
		if registered {
			attempt = 0
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		delay := calculateBackoff(attempt, c.cfg.Reconnect)
		attempt++
		slog.Warn("control: session ended, reconnecting", "delay", delay, "attempt", attempt, "error", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (c *Client) dialURL() (string, error) {
	u, err := url.Parse(c.cfg.ServerURL)
	if err != nil {
		return "", fmt.Errorf("relay: parsing server_url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("relay: unsupported server_url scheme %q", u.Scheme)
	}
	u.Path = "/ws"
	q := u.Query()
	q.Set("secret", c.cfg.SecretKey)
	if c.cfg.RequestedSubdomain != "" {
		q.Set("subdomain", c.cfg.RequestedSubdomain)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// runSession dials once and drives the connection until it closes,
// returning whether registration was ever confirmed during this session.
func (c *Client) runSession(ctx context.Context) (registered bool, err error) {
	target, err := c.dialURL()
	if err != nil {
		return false, err
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 15 * time.Second,
		TLSClientConfig:  tlsConfig(c.cfg.InsecureSkipVerify),
	}

	conn, resp, err := dialer.DialContext(ctx, target, nil)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return false, &AuthError{Reason: resp.Status}
		}
		return false, fmt.Errorf("relay: dial failed: %w", err)
	}
	defer conn.Close()

	cc := newControlConn(conn)
	disp := newDispatcher(c.cfg.LocalURL, 30*time.Second, cc.Send)

	_, data, err := conn.ReadMessage()
	if err != nil {
		if ce, ok := err.(*websocket.CloseError); ok && ce.Code == websocket.ClosePolicyViolation {
			return false, &AuthError{Reason: ce.Text}
		}
		return false, fmt.Errorf("relay: reading registration: %w", err)
	}
	env, err := envelope.Decode(data)
	if err != nil {
		return false, fmt.Errorf("relay: malformed registration envelope: %w", err)
	}
	if env.Type != envelope.TypeControl || env.Control.Action != envelope.ActionRegistered {
		_ = cc.Close(websocket.CloseProtocolError, "expected REGISTERED")
		return false, fmt.Errorf("relay: protocol error: expected CONTROL REGISTERED, got %s", env.Type)
	}

	registered = true
	c.tel.Count("client.registered", 1)
	if c.OnRegistered != nil {
		c.OnRegistered(RegisteredInfo{Subdomain: env.Control.Subdomain, PublicURL: env.Control.PublicURL})
	}
	slog.Info("control: registered", "subdomain", env.Control.Subdomain, "public_url", env.Control.PublicURL)

	return registered, c.readLoop(ctx, conn, disp)
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn, disp *dispatcher) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("relay: control read error: %w", err)
		}

		env, err := envelope.Decode(data)
		if err != nil {
			slog.Warn("control: dropping malformed envelope", "error", err)
			continue
		}

		switch env.Type {
		case envelope.TypeRequest:
			disp.Handle(env)
		case envelope.TypeControl:
			// HEARTBEAT/STATUS acknowledgements; nothing to do beyond
			// bookkeeping since the client does not emit its own on a timer.
			c.tel.Count("client.heartbeat", 1)
		default:
			slog.Debug("control: ignoring unexpected envelope", "type", env.Type.String())
		}
	}
}

func tlsConfig(insecureSkipVerify bool) *tls.Config {
	if !insecureSkipVerify {
		return nil
	}
	return &tls.Config{InsecureSkipVerify: true}
}
