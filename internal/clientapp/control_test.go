package clientapp

import (
	"context"
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

var testUpgrader = websocket.Upgrader{}

func TestClientRegistersAgainstFakeServer(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "s3cr3t", r.URL.Query().Get("secret"))
		conn, err := testUpgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		reg := &envelope.Envelope{
			CorrelationID: "control-myapp",
			Type:          envelope.TypeControl,
			Control: &envelope.ControlPayload{
				Action:    envelope.ActionRegistered,
				Subdomain: "myapp",
				PublicURL: "https://myapp.tun.test",
			},
		}
		data, err := envelope.Encode(reg)
		require.NoError(t, err)
		require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, data))

		// Keep the connection open briefly so the client's read loop has
		// time to observe registration before the test tears it down.
		time.Sleep(100 * time.Millisecond)
	})
	hs := httptest.NewServer(mux)
	defer hs.Close()

	cfg := config.DefaultClientConfig()
	cfg.ServerURL = "http" + strings.TrimPrefix(hs.URL, "http")
	cfg.SecretKey = "s3cr3t"
	cfg.LocalURL = "http://127.0.0.1:1"

	c := NewClient(cfg, telemetry.Noop{})
	registered := make(chan RegisteredInfo, 1)
	c.OnRegistered = func(info RegisteredInfo) { registered <- info }

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	go c.Run(ctx)

	select {
	case info := <-registered:
		assert.Equal(t, "myapp", info.Subdomain)
		assert.Equal(t, "https://myapp.tun.test", info.PublicURL)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for registration")
	}
}

func TestClientAuthFailureIsTerminal(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "bad secret"),
			time.Now().Add(time.Second))
	})
	hs := httptest.NewServer(mux)
	defer hs.Close()

	cfg := config.DefaultClientConfig()
	cfg.ServerURL = "http" + strings.TrimPrefix(hs.URL, "http")
	cfg.SecretKey = "wrong"
	cfg.LocalURL = "http://127.0.0.1:1"

	c := NewClient(cfg, telemetry.Noop{})

	err := c.Run(context.Background())
	require.Error(t, err)
	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
}
