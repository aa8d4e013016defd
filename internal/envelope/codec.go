package envelope

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// Wire layout: a message is a sequence of fields. Each field is:
//
//	tag      uvarint  (field number, protocol contract — never renumber)
//	wireType byte     (wireVarint | wireBytes | wireMessage)
//	length   uvarint  (only for wireBytes / wireMessage)
//	payload  N bytes  (uvarint-encoded for wireVarint, raw for the rest)
//
// Decoders read the tag + wire type, and for tags they don't recognize,
// consume exactly `length` bytes (or the varint) and move on. This is what
// lets a v2 peer add a new field without breaking an older decoder.
const (
	wireVarint  byte = 0
	wireBytes   byte = 1
	wireMessage byte = 2
)

// Top-level envelope field tags.
const (
	tagCorrelationID = 1
	tagType          = 2
	tagTimestamp     = 3
	tagPayload       = 4
)

// RequestPayload field tags.
const (
	tagReqMethod  = 1
	tagReqPath    = 2
	tagReqQuery   = 3
	tagReqHeaders = 4
	tagReqBody    = 5
	tagReqUpgrade = 6
)

// ResponsePayload field tags.
const (
	tagRespStatus  = 1
	tagRespHeaders = 2
	tagRespBody    = 3
)

// ErrorPayload field tags.
const (
	tagErrCode    = 1
	tagErrMessage = 2
)

// ControlPayload field tags.
const (
	tagCtrlAction    = 1
	tagCtrlSubdomain = 2
	tagCtrlPublicURL = 3
)

// WebSocketFramePayload field tags.
const (
	tagFrameType        = 1
	tagFrameData        = 2
	tagFrameCloseCode   = 3
	tagFrameCloseReason = 4
)

// KV submessage field tags, reused across Query and Headers.
const (
	tagKVKey   = 1
	tagKVValue = 2
)

// Encode serializes an Envelope into the tagged binary wire format.
func Encode(e *Envelope) ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	writeStringField(&buf, tagCorrelationID, e.CorrelationID)
	writeVarintField(&buf, tagType, uint64(e.Type))
	writeVarintField(&buf, tagTimestamp, zigzagEncode(e.Timestamp))

	payload, err := encodePayload(e)
	if err != nil {
		return nil, err
	}
	writeBytesField(&buf, tagPayload, wireMessage, payload)

	return buf.Bytes(), nil
}

func encodePayload(e *Envelope) ([]byte, error) {
	var buf bytes.Buffer
	switch e.Type {
	case TypeRequest:
		r := e.Request
		writeStringField(&buf, tagReqMethod, r.Method)
		writeStringField(&buf, tagReqPath, r.Path)
		for _, kv := range r.Query {
			writeBytesField(&buf, tagReqQuery, wireMessage, encodeKV(kv))
		}
		for _, kv := range r.Headers {
			writeBytesField(&buf, tagReqHeaders, wireMessage, encodeKV(kv))
		}
		if r.Body != nil {
			writeBytesField(&buf, tagReqBody, wireBytes, r.Body)
		}
		writeVarintField(&buf, tagReqUpgrade, boolToUint(r.WebSocketUpgrade))
	case TypeResponse:
		r := e.Response
		writeVarintField(&buf, tagRespStatus, uint64(r.StatusCode))
		for _, kv := range r.Headers {
			writeBytesField(&buf, tagRespHeaders, wireMessage, encodeKV(kv))
		}
		if r.Body != nil {
			writeBytesField(&buf, tagRespBody, wireBytes, r.Body)
		}
	case TypeError:
		r := e.Err
		writeStringField(&buf, tagErrCode, string(r.Code))
		writeStringField(&buf, tagErrMessage, r.Message)
	case TypeControl:
		r := e.Control
		writeStringField(&buf, tagCtrlAction, string(r.Action))
		if r.Subdomain != "" {
			writeStringField(&buf, tagCtrlSubdomain, r.Subdomain)
		}
		if r.PublicURL != "" {
			writeStringField(&buf, tagCtrlPublicURL, r.PublicURL)
		}
	default:
		return nil, fmt.Errorf("envelope: unknown type %d", uint8(e.Type))
	}
	return buf.Bytes(), nil
}

func encodeKV(kv KV) []byte {
	var buf bytes.Buffer
	writeStringField(&buf, tagKVKey, kv.Key)
	writeStringField(&buf, tagKVValue, kv.Value)
	return buf.Bytes()
}

// EncodeFrame serializes a WebSocketFramePayload on its own, for embedding
// inside a REQUEST/RESPONSE body per §4.7.
func EncodeFrame(f *WebSocketFramePayload) []byte {
	var buf bytes.Buffer
	writeStringField(&buf, tagFrameType, string(f.Type))
	if f.Data != nil {
		writeBytesField(&buf, tagFrameData, wireBytes, f.Data)
	}
	if f.CloseCode != 0 {
		writeVarintField(&buf, tagFrameCloseCode, uint64(f.CloseCode))
	}
	if f.CloseReason != "" {
		writeStringField(&buf, tagFrameCloseReason, f.CloseReason)
	}
	return buf.Bytes()
}

// DecodeFrame parses a WebSocketFramePayload encoded by EncodeFrame.
func DecodeFrame(data []byte) (*WebSocketFramePayload, error) {
	f := &WebSocketFramePayload{}
	r := bytes.NewReader(data)
	for r.Len() > 0 {
		tag, wt, err := readTagAndWireType(r)
		if err != nil {
			return nil, &ParseError{Field: "frame", Reason: "reading field header", Err: err}
		}
		switch tag {
		case tagFrameType:
			s, err := readStringValue(r, wt)
			if err != nil {
				return nil, &ParseError{Field: "frame.type", Err: err}
			}
			f.Type = FrameType(s)
		case tagFrameData:
			b, err := readBytesValue(r, wt)
			if err != nil {
				return nil, &ParseError{Field: "frame.data", Err: err}
			}
			f.Data = b
		case tagFrameCloseCode:
			n, err := readVarintValue(r, wt)
			if err != nil {
				return nil, &ParseError{Field: "frame.closeCode", Err: err}
			}
			f.CloseCode = int(n)
		case tagFrameCloseReason:
			s, err := readStringValue(r, wt)
			if err != nil {
				return nil, &ParseError{Field: "frame.closeReason", Err: err}
			}
			f.CloseReason = s
		default:
			if err := skipValue(r, wt); err != nil {
				return nil, &ParseError{Field: "frame", Reason: "skipping unknown tag", Err: err}
			}
		}
	}
	return f, nil
}

// Decode parses the tagged binary wire format into an Envelope. Empty input
// and malformed frames are rejected with a structured ParseError.
func Decode(data []byte) (*Envelope, error) {
	if len(data) == 0 {
		return nil, &ParseError{Field: "envelope", Reason: "empty input"}
	}

	r := bytes.NewReader(data)
	e := &Envelope{}
	var payloadBytes []byte
	var haveType bool

	for r.Len() > 0 {
		tag, wt, err := readTagAndWireType(r)
		if err != nil {
			return nil, &ParseError{Field: "envelope", Reason: "reading field header", Err: err}
		}
		switch tag {
		case tagCorrelationID:
			s, err := readStringValue(r, wt)
			if err != nil {
				return nil, &ParseError{Field: "correlationId", Err: err}
			}
			e.CorrelationID = s
		case tagType:
			n, err := readVarintValue(r, wt)
			if err != nil {
				return nil, &ParseError{Field: "type", Err: err}
			}
			e.Type = Type(n)
			haveType = true
		case tagTimestamp:
			n, err := readVarintValue(r, wt)
			if err != nil {
				return nil, &ParseError{Field: "timestamp", Err: err}
			}
			e.Timestamp = zigzagDecode(n)
		case tagPayload:
			b, err := readBytesValue(r, wt)
			if err != nil {
				return nil, &ParseError{Field: "payload", Err: err}
			}
			payloadBytes = b
		default:
			if err := skipValue(r, wt); err != nil {
				return nil, &ParseError{Field: "envelope", Reason: "skipping unknown tag", Err: err}
			}
		}
	}

	if e.CorrelationID == "" {
		return nil, &ParseError{Field: "correlationId", Reason: "missing or empty"}
	}
	if !haveType {
		return nil, &ParseError{Field: "type", Reason: "missing"}
	}

	if err := decodePayload(e, payloadBytes); err != nil {
		return nil, err
	}

	if err := e.Validate(); err != nil {
		return nil, err
	}
	return e, nil
}

func decodePayload(e *Envelope, data []byte) error {
	r := bytes.NewReader(data)

	switch e.Type {
	case TypeRequest:
		req := &RequestPayload{}
		for r.Len() > 0 {
			tag, wt, err := readTagAndWireType(r)
			if err != nil {
				return &ParseError{Field: "request", Reason: "reading field header", Err: err}
			}
			switch tag {
			case tagReqMethod:
				req.Method, err = readStringValue(r, wt)
			case tagReqPath:
				req.Path, err = readStringValue(r, wt)
			case tagReqQuery:
				var b []byte
				b, err = readBytesValue(r, wt)
				if err == nil {
					var kv KV
					kv, err = decodeKV(b)
					req.Query = append(req.Query, kv)
				}
			case tagReqHeaders:
				var b []byte
				b, err = readBytesValue(r, wt)
				if err == nil {
					var kv KV
					kv, err = decodeKV(b)
					req.Headers = append(req.Headers, kv)
				}
			case tagReqBody:
				req.Body, err = readBytesValue(r, wt)
			case tagReqUpgrade:
				var n uint64
				n, err = readVarintValue(r, wt)
				req.WebSocketUpgrade = n != 0
			default:
				err = skipValue(r, wt)
			}
			if err != nil {
				return &ParseError{Field: "request", Err: err}
			}
		}
		// A frame-carrier request (WebSocketUpgrade true, sent after the initial
		// handshake already completed) has no HTTP method of its own; only the
		// handshake request itself must name one.
		if req.Method == "" && !req.WebSocketUpgrade {
			return &ParseError{Field: "request.method", Reason: "must not be empty"}
		}
		e.Request = req

	case TypeResponse:
		resp := &ResponsePayload{}
		for r.Len() > 0 {
			tag, wt, err := readTagAndWireType(r)
			if err != nil {
				return &ParseError{Field: "response", Reason: "reading field header", Err: err}
			}
			switch tag {
			case tagRespStatus:
				var n uint64
				n, err = readVarintValue(r, wt)
				resp.StatusCode = int(n)
			case tagRespHeaders:
				var b []byte
				b, err = readBytesValue(r, wt)
				if err == nil {
					var kv KV
					kv, err = decodeKV(b)
					resp.Headers = append(resp.Headers, kv)
				}
			case tagRespBody:
				resp.Body, err = readBytesValue(r, wt)
			default:
				err = skipValue(r, wt)
			}
			if err != nil {
				return &ParseError{Field: "response", Err: err}
			}
		}
		e.Response = resp

	case TypeError:
		errp := &ErrorPayload{}
		for r.Len() > 0 {
			tag, wt, err := readTagAndWireType(r)
			if err != nil {
				return &ParseError{Field: "error", Reason: "reading field header", Err: err}
			}
			switch tag {
			case tagErrCode:
				var s string
				s, err = readStringValue(r, wt)
				errp.Code = ErrorCode(s)
			case tagErrMessage:
				errp.Message, err = readStringValue(r, wt)
			default:
				err = skipValue(r, wt)
			}
			if err != nil {
				return &ParseError{Field: "error", Err: err}
			}
		}
		e.Err = errp

	case TypeControl:
		ctl := &ControlPayload{}
		for r.Len() > 0 {
			tag, wt, err := readTagAndWireType(r)
			if err != nil {
				return &ParseError{Field: "control", Reason: "reading field header", Err: err}
			}
			switch tag {
			case tagCtrlAction:
				var s string
				s, err = readStringValue(r, wt)
				ctl.Action = ControlAction(s)
			case tagCtrlSubdomain:
				ctl.Subdomain, err = readStringValue(r, wt)
			case tagCtrlPublicURL:
				ctl.PublicURL, err = readStringValue(r, wt)
			default:
				err = skipValue(r, wt)
			}
			if err != nil {
				return &ParseError{Field: "control", Err: err}
			}
		}
		e.Control = ctl

	default:
		return &ParseError{Field: "type", Reason: fmt.Sprintf("unrecognized type %d", uint8(e.Type))}
	}
	return nil
}

func decodeKV(data []byte) (KV, error) {
	r := bytes.NewReader(data)
	var kv KV
	for r.Len() > 0 {
		tag, wt, err := readTagAndWireType(r)
		if err != nil {
			return kv, err
		}
		switch tag {
		case tagKVKey:
			kv.Key, err = readStringValue(r, wt)
		case tagKVValue:
			kv.Value, err = readStringValue(r, wt)
		default:
			err = skipValue(r, wt)
		}
		if err != nil {
			return kv, err
		}
	}
	return kv, nil
}

// --- low-level TLV primitives ---

func writeVarintField(buf *bytes.Buffer, tag int, v uint64) {
	writeTagAndWireType(buf, tag, wireVarint)
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	buf.Write(tmp[:n])
}

func writeStringField(buf *bytes.Buffer, tag int, s string) {
	writeBytesField(buf, tag, wireBytes, []byte(s))
}

func writeBytesField(buf *bytes.Buffer, tag int, wt byte, b []byte) {
	writeTagAndWireType(buf, tag, wt)
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], uint64(len(b)))
	buf.Write(tmp[:n])
	buf.Write(b)
}

func writeTagAndWireType(buf *bytes.Buffer, tag int, wt byte) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], uint64(tag))
	buf.Write(tmp[:n])
	buf.WriteByte(wt)
}

func readTagAndWireType(r *bytes.Reader) (tag int, wt byte, err error) {
	tagU, err := binary.ReadUvarint(r)
	if err != nil {
		return 0, 0, err
	}
	wt, err = r.ReadByte()
	if err != nil {
		return 0, 0, err
	}
	return int(tagU), wt, nil
}

func readVarintValue(r *bytes.Reader, wt byte) (uint64, error) {
	if wt != wireVarint {
		return 0, fmt.Errorf("expected varint wire type, got %d", wt)
	}
	return binary.ReadUvarint(r)
}

func readBytesValue(r *bytes.Reader, wt byte) ([]byte, error) {
	if wt != wireBytes && wt != wireMessage {
		return nil, fmt.Errorf("expected bytes/message wire type, got %d", wt)
	}
	length, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	b := make([]byte, length)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}

func readStringValue(r *bytes.Reader, wt byte) (string, error) {
	b, err := readBytesValue(r, wt)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func skipValue(r *bytes.Reader, wt byte) error {
	switch wt {
	case wireVarint:
		_, err := binary.ReadUvarint(r)
		return err
	case wireBytes, wireMessage:
		length, err := binary.ReadUvarint(r)
		if err != nil {
			return err
		}
		_, err = r.Seek(int64(length), io.SeekCurrent)
		return err
	default:
		return fmt.Errorf("unknown wire type %d", wt)
	}
}

func boolToUint(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

// zigzagEncode/zigzagDecode let a signed timestamp ride on an unsigned
// varint field without wasting ten bytes on small negative numbers, which
// in practice never occur but keeps the field honestly signed.
func zigzagEncode(n int64) uint64 {
	return uint64((n << 1) ^ (n >> 63))
}

func zigzagDecode(n uint64) int64 {
	return int64(n>>1) ^ -int64(n&1)
}
