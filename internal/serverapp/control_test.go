package serverapp

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duskrelay/duskrelay/internal/config"
	"github.com/duskrelay/duskrelay/internal/envelope"
	"github.com/duskrelay/duskrelay/internal/telemetry"
)

func testServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	cfg := config.DefaultServerConfig()
	cfg.TunnelDomain = "tun.test"
	cfg.SecretKeys = []string{"good-secret"}
	cfg.RequestTimeout = 2 * time.Second
	cfg.SendWindow = 2 * time.Second

	s := NewServer(cfg, telemetry.Noop{})
	hs := httptest.NewServer(s.Router())
	t.Cleanup(hs.Close)
	return s, hs
}

func dialControl(t *testing.T, hs *httptest.Server, secret, subdomain string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(hs.URL, "http") + "/ws?secret=" + secret
	if subdomain != "" {
		url += "&subdomain=" + subdomain
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return conn
}

func TestControlRejectsBadSecret(t *testing.T) {
	_, hs := testServer(t)

	url := "ws" + strings.TrimPrefix(hs.URL, "http") + "/ws?secret=wrong"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	closeErr, ok := err.(*websocket.CloseError)
	require.True(t, ok)
	assert.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)
}

func TestControlRegistersAndSendsRegisteredEnvelope(t *testing.T) {
	s, hs := testServer(t)
	conn := dialControl(t, hs, "good-secret", "myapp")
	defer conn.Close()

	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	env, err := envelope.Decode(data)
	require.NoError(t, err)
	require.Equal(t, envelope.TypeControl, env.Type)
	assert.Equal(t, envelope.ActionRegistered, env.Control.Action)
	assert.Equal(t, "myapp", env.Control.Subdomain)
	assert.Equal(t, 1, s.registry.Size())
}

func TestPublicIngressRoundTripsThroughTunnel(t *testing.T) {
	_, hs := testServer(t)
	conn := dialControl(t, hs, "good-secret", "roundtrip")
	defer conn.Close()

	_, _, err := conn.ReadMessage() // REGISTERED
	require.NoError(t, err)

	// Simulate the client side: read one REQUEST, answer with a RESPONSE.
	go func() {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		env, err := envelope.Decode(data)
		if err != nil {
			return
		}
		resp := &envelope.Envelope{
			CorrelationID: env.CorrelationID,
			Type:          envelope.TypeResponse,
			Timestamp:     time.Now().Unix(),
			Response: &envelope.ResponsePayload{
				StatusCode: 200,
				Body:       []byte("hello from local app"),
			},
		}
		out, err := envelope.Encode(resp)
		if err != nil {
			return
		}
		_ = conn.WriteMessage(websocket.BinaryMessage, out)
	}()

	req, err := http.NewRequest(http.MethodGet, hs.URL+"/anything", nil)
	require.NoError(t, err)
	req.Header.Set("X-Relay-Subdomain", "roundtrip")

	httpResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	require.NoError(t, err)
	assert.Equal(t, 200, httpResp.StatusCode)
	assert.Equal(t, "hello from local app", string(body))
}

func TestPublicIngressReturns503WhenNoTunnel(t *testing.T) {
	_, hs := testServer(t)

	req, err := http.NewRequest(http.MethodGet, hs.URL+"/anything", nil)
	require.NoError(t, err)
	req.Header.Set("X-Relay-Subdomain", "no-such-app")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, 503, resp.StatusCode)
}
