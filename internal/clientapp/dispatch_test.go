package clientapp

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duskrelay/duskrelay/internal/envelope"
)

func TestDispatcherHandleHTTPSendsResponse(t *testing.T) {
	local := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/greet", r.URL.Path)
		w.Header().Set("X-Reply", "yes")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte("created"))
	}))
	defer local.Close()

	sent := make(chan []byte, 1)
	d := newDispatcher(local.URL, time.Second, func(data []byte) error {
		sent <- data
		return nil
	})

	env := &envelope.Envelope{
		CorrelationID: "cid-1",
		Type:          envelope.TypeRequest,
		Request: &envelope.RequestPayload{
			Method: "GET",
			Path:   "/greet",
		},
	}
	d.Handle(env)

	select {
	case data := <-sent:
		out, err := envelope.Decode(data)
		require.NoError(t, err)
		require.Equal(t, envelope.TypeResponse, out.Type)
		assert.Equal(t, http.StatusCreated, out.Response.StatusCode)
		assert.Equal(t, "created", string(out.Response.Body))
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for dispatched response")
	}
}

func TestDispatcherHandleHTTPUnreachableSendsUpstreamError(t *testing.T) {
	sent := make(chan []byte, 1)
	d := newDispatcher("http://127.0.0.1:1", time.Second, func(data []byte) error {
		sent <- data
		return nil
	})

	env := &envelope.Envelope{
		CorrelationID: "cid-2",
		Type:          envelope.TypeRequest,
		Request: &envelope.RequestPayload{
			Method: "GET",
			Path:   "/",
		},
	}
	d.Handle(env)

	select {
	case data := <-sent:
		out, err := envelope.Decode(data)
		require.NoError(t, err)
		require.Equal(t, envelope.TypeError, out.Type)
		assert.Equal(t, envelope.ErrUpstreamError, out.Err.Code)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dispatched error")
	}
}
