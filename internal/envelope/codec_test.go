package envelope

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		e    *Envelope
	}{
		{
			name: "request",
			e: &Envelope{
				CorrelationID: "cid-1",
				Type:          TypeRequest,
				Timestamp:     1234567,
				Request: &RequestPayload{
					Method:  "POST",
					Path:    "/api/x",
					Query:   []KV{{Key: "y", Value: "1"}},
					Headers: []KV{{Key: "A", Value: "a"}},
					Body:    []byte(`{"k":"v"}`),
				},
			},
		},
		{
			name: "response",
			e: &Envelope{
				CorrelationID: "cid-2",
				Type:          TypeResponse,
				Timestamp:     42,
				Response: &ResponsePayload{
					StatusCode: 201,
					Headers:    []KV{{Key: "Content-Type", Value: "text/plain"}},
					Body:       []byte("Created"),
				},
			},
		},
		{
			name: "response no body",
			e: &Envelope{
				CorrelationID: "cid-3",
				Type:          TypeResponse,
				Response:      &ResponsePayload{StatusCode: 204},
			},
		},
		{
			name: "error",
			e: &Envelope{
				CorrelationID: "cid-4",
				Type:          TypeError,
				Err:           &ErrorPayload{Code: ErrTimeout, Message: "request timed out"},
			},
		},
		{
			name: "control registered",
			e: &Envelope{
				CorrelationID: "cid-5",
				Type:          TypeControl,
				Control:       &ControlPayload{Action: ActionRegistered, Subdomain: "abc123def456", PublicURL: "https://abc123def456.example.com"},
			},
		},
		{
			name: "negative timestamp round-trips via zigzag",
			e: &Envelope{
				CorrelationID: "cid-6",
				Type:          TypeControl,
				Timestamp:     -7,
				Control:       &ControlPayload{Action: ActionHeartbeat},
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			data, err := Encode(tc.e)
			require.NoError(t, err)

			got, err := Decode(data)
			require.NoError(t, err)
			assert.Equal(t, tc.e, got)
		})
	}
}

func TestDecodeRejectsEmptyInput(t *testing.T) {
	_, err := Decode(nil)
	require.Error(t, err)
	var pe *ParseError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "envelope", pe.Field)
}

func TestDecodeSkipsUnknownTags(t *testing.T) {
	e := &Envelope{
		CorrelationID: "cid-7",
		Type:          TypeControl,
		Control:       &ControlPayload{Action: ActionStatus},
	}
	data, err := Encode(e)
	require.NoError(t, err)

	// Append a field with a tag number no current variant recognizes,
	// simulating a newer peer that has added a field.
	var extra []byte
	extra = append(extra, data...)
	extra = append(extra, 0x7f, wireVarint, 0x01)

	got, err := Decode(extra)
	require.NoError(t, err)
	assert.Equal(t, e.CorrelationID, got.CorrelationID)
}

func TestDecodeRejectsMissingCorrelationID(t *testing.T) {
	e := &Envelope{
		CorrelationID: "placeholder",
		Type:          TypeControl,
		Control:       &ControlPayload{Action: ActionStatus},
	}
	data, err := Encode(e)
	require.NoError(t, err)

	// Encode itself refuses an empty correlation id.
	e.CorrelationID = ""
	_, encErr := Encode(e)
	require.Error(t, encErr)

	// Strip the leading correlation id field (tag, wire type, length byte,
	// then the 11 bytes of "placeholder") by hand to bypass Encode's own
	// validation and exercise Decode's check directly.
	stripped := data[3+len("placeholder"):]
	_, err = Decode(stripped)
	require.Error(t, err)
	var pe *ParseError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "correlationId", pe.Field)
}

func TestDecodeRejectsEmptyMethodUnlessUpgrade(t *testing.T) {
	noMethod, err := Encode(&Envelope{
		CorrelationID: "cid-3",
		Type:          TypeRequest,
		Request:       &RequestPayload{Path: "/x"},
	})
	require.NoError(t, err)
	_, err = Decode(noMethod)
	require.Error(t, err, "a non-upgrade request with no method should fail to decode")

	data, err := Encode(&Envelope{
		CorrelationID: "cid-4",
		Type:          TypeRequest,
		Request: &RequestPayload{
			WebSocketUpgrade: true,
			Body:             EncodeFrame(&WebSocketFramePayload{Type: FrameText, Data: []byte("hi")}),
		},
	})
	require.NoError(t, err)

	out, err := Decode(data)
	require.NoError(t, err)
	assert.True(t, out.Request.WebSocketUpgrade)
}

func TestDecodeRejectsBadFieldHeader(t *testing.T) {
	_, err := Decode([]byte{0xff, 0xff, 0xff})
	require.Error(t, err)
}

func TestFrameEncodeDecodeRoundTrip(t *testing.T) {
	f := &WebSocketFramePayload{
		Type: FrameClose,
		Data: nil,
		CloseCode:   1000,
		CloseReason: "bye",
	}
	data := EncodeFrame(f)
	got, err := DecodeFrame(data)
	require.NoError(t, err)
	assert.Equal(t, f, got)
}

func TestFrameTextRoundTrip(t *testing.T) {
	f := &WebSocketFramePayload{Type: FrameText, Data: []byte("hello")}
	data := EncodeFrame(f)
	got, err := DecodeFrame(data)
	require.NoError(t, err)
	assert.Equal(t, f, got)
}
