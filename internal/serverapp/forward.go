package serverapp

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/duskrelay/duskrelay/internal/envelope"
	"github.com/duskrelay/duskrelay/internal/pending"
	"github.com/duskrelay/duskrelay/internal/registry"
	"github.com/duskrelay/duskrelay/internal/telemetry"
)

// ForwardError is a forwarding failure carrying the HTTP status the public
// ingress should answer external callers with.
type ForwardError struct {
	Status  int
	Message string
}

func (e *ForwardError) Error() string { return e.Message }

// Forwarder implements the request forwarder (C6): it correlates one
// external request with the REQUEST/RESPONSE round trip over a tunnel's
// control socket.
type Forwarder struct {
	registry *registry.Registry
	tel      telemetry.Sink
}

// NewForwarder builds a Forwarder against reg, reporting request outcomes to
// tel (telemetry.Noop{} is a valid tel when metrics are not wanted).
func NewForwarder(reg *registry.Registry, tel telemetry.Sink) *Forwarder {
	if tel == nil {
		tel = telemetry.Noop{}
	}
	return &Forwarder{registry: reg, tel: tel}
}

// Forward generates a correlation id, resolves subdomain's tunnel, and
// relays req over it, waiting up to timeout for a RESPONSE envelope. It
// returns the correlation id alongside the response so a caller upgrading
// to a WebSocket can key its WSProxy by the same id used for the handshake
// (§4.7 step 2). See §4.6 for the step-by-step forwarding contract.
func (f *Forwarder) Forward(ctx context.Context, subdomain string, req *envelope.RequestPayload, timeout time.Duration) (cid string, resp *envelope.ResponsePayload, err error) {
	cid = uuid.NewString()
	start := time.Now()
	resp, err = f.forward(ctx, cid, subdomain, req, timeout)
	f.tel.Observe("forward.duration", time.Since(start), "subdomain", subdomain)
	if err != nil {
		f.tel.Count("forward.error", 1, "subdomain", subdomain)
	} else {
		f.tel.Count("forward.ok", 1, "subdomain", subdomain)
	}
	return cid, resp, err
}

func (f *Forwarder) forward(ctx context.Context, cid, subdomain string, req *envelope.RequestPayload, timeout time.Duration) (*envelope.ResponsePayload, error) {
	tun, ok := f.registry.Lookup(subdomain)
	if !ok || !tun.Control.IsOpen() {
		return nil, &ForwardError{Status: 503, Message: "no tunnel for subdomain"}
	}

	slot, err := tun.Pending.Put(cid)
	if err != nil {
		// A colliding uuid is astronomically unlikely; treat it the same as
		// any other server-side failure to admit the request.
		return nil, &ForwardError{Status: 500, Message: "duplicate correlation id"}
	}

	env := &envelope.Envelope{
		CorrelationID: cid,
		Type:          envelope.TypeRequest,
		Timestamp:     time.Now().Unix(),
		Request:       req,
	}
	data, err := envelope.Encode(env)
	if err != nil {
		tun.Pending.Remove(cid)
		return nil, &ForwardError{Status: 500, Message: fmt.Sprintf("encoding request: %v", err)}
	}

	if err := tun.Control.Send(data); err != nil {
		tun.Pending.Remove(cid)
		return nil, &ForwardError{Status: 502, Message: fmt.Sprintf("sending request: %v", err)}
	}

	timer := time.AfterFunc(timeout, func() {
		tun.Pending.FailLocal(cid, &pending.LocalFailure{Status: 504, Reason: "upstream timed out"})
	})
	defer timer.Stop()

	result, resolved := slot.Wait(ctx.Done())
	if !resolved {
		tun.Pending.Remove(cid)
		if ctx.Err() == context.DeadlineExceeded {
			return nil, &ForwardError{Status: 504, Message: "upstream timed out"}
		}
		return nil, &ForwardError{Status: 499, Message: "external client disconnected"}
	}

	switch {
	case result.Response != nil:
		return result.Response, nil
	case result.WireErr != nil:
		return nil, &ForwardError{Status: errorCodeStatus(result.WireErr.Code), Message: result.WireErr.Message}
	case result.Local != nil:
		return nil, &ForwardError{Status: result.Local.Status, Message: result.Local.Reason}
	default:
		return nil, &ForwardError{Status: 500, Message: "empty pending result"}
	}
}

// errorCodeStatus maps a client-originated ERROR envelope's code to the
// public HTTP status the external caller sees, per §7.
func errorCodeStatus(code envelope.ErrorCode) int {
	switch code {
	case envelope.ErrTimeout:
		return 504
	case envelope.ErrUpstreamError:
		return 502
	case envelope.ErrInvalidRequest:
		return 400
	case envelope.ErrRateLimited:
		return 429
	case envelope.ErrServerError:
		return 500
	default:
		return 502
	}
}
