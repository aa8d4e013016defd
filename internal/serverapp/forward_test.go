package serverapp

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duskrelay/duskrelay/internal/envelope"
	"github.com/duskrelay/duskrelay/internal/registry"
	"github.com/duskrelay/duskrelay/internal/telemetry"
)

type fakeControl struct {
	open    bool
	sendErr error
	sent    chan []byte
}

func newFakeControl() *fakeControl {
	return &fakeControl{open: true, sent: make(chan []byte, 8)}
}

func (f *fakeControl) Send(data []byte) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent <- data
	return nil
}

func (f *fakeControl) Close(code int, reason string) error {
	f.open = false
	return nil
}

func (f *fakeControl) IsOpen() bool { return f.open }

func TestForwardMissingTunnelReturns503(t *testing.T) {
	reg := registry.New()
	fwd := NewForwarder(reg, telemetry.Noop{})

	_, _, err := fwd.Forward(context.Background(), "ghost", &envelope.RequestPayload{Method: "GET", Path: "/"}, time.Second)
	require.Error(t, err)
	assert.Equal(t, 503, err.(*ForwardError).Status)
}

func TestForwardSendFailureReturns502(t *testing.T) {
	reg := registry.New()
	c := newFakeControl()
	c.sendErr = assert.AnError
	tun, _ := reg.Register("alpha", c)

	fwd := NewForwarder(reg, telemetry.Noop{})
	_, _, err := fwd.Forward(context.Background(), "alpha", &envelope.RequestPayload{Method: "GET", Path: "/"}, time.Second)
	require.Error(t, err)
	assert.Equal(t, 502, err.(*ForwardError).Status)
	assert.Equal(t, 0, tun.Pending.Len())
}

func TestForwardSuccessRoundTrip(t *testing.T) {
	reg := registry.New()
	c := newFakeControl()
	tun, _ := reg.Register("beta", c)

	fwd := NewForwarder(reg, telemetry.Noop{})

	done := make(chan struct{})
	go func() {
		data := <-c.sent
		env, err := envelope.Decode(data)
		require.NoError(t, err)
		tun.Pending.Complete(env.CorrelationID, &envelope.ResponsePayload{StatusCode: 200, Body: []byte("ok")})
		close(done)
	}()

	cid, resp, err := fwd.Forward(context.Background(), "beta", &envelope.RequestPayload{Method: "GET", Path: "/"}, time.Second)
	require.NoError(t, err)
	assert.NotEmpty(t, cid)
	assert.Equal(t, 200, resp.StatusCode)
	<-done
}

func TestForwardTimeoutReturns504(t *testing.T) {
	reg := registry.New()
	c := newFakeControl()
	reg.Register("gamma", c)

	fwd := NewForwarder(reg, telemetry.Noop{})
	_, _, err := fwd.Forward(context.Background(), "gamma", &envelope.RequestPayload{Method: "GET", Path: "/"}, 10*time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, 504, err.(*ForwardError).Status)
}

func TestForwardWireErrorMapsToStatus(t *testing.T) {
	reg := registry.New()
	c := newFakeControl()
	tun, _ := reg.Register("delta", c)

	fwd := NewForwarder(reg, telemetry.Noop{})

	go func() {
		data := <-c.sent
		env, err := envelope.Decode(data)
		require.NoError(t, err)
		tun.Pending.FailWire(env.CorrelationID, &envelope.ErrorPayload{Code: envelope.ErrInvalidRequest, Message: "bad"})
	}()

	_, _, err := fwd.Forward(context.Background(), "delta", &envelope.RequestPayload{Method: "GET", Path: "/"}, time.Second)
	require.Error(t, err)
	assert.Equal(t, 400, err.(*ForwardError).Status)
}
