// Package httpx holds small HTTP helpers shared by the server-side
// forwarder and the client-side local dispatcher: hop-by-hop header
// stripping and header/query conversion to and from the envelope wire
// types.
package httpx

import (
	"net/http"
	"net/url"

	"github.com/duskrelay/duskrelay/internal/envelope"
)

// hopByHopHeaders are meaningful only for a single transport hop and must
// be stripped before a request or response crosses the tunnel, per §4.6.
var hopByHopHeaders = []string{
	"Host",
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"TE",
	"Transfer-Encoding",
	"Upgrade",
}

// StripHopByHop removes hop-by-hop headers from h in place, along with any
// header named by a Connection header's comma-separated value (the
// standard mechanism for a peer to name additional per-hop headers).
func StripHopByHop(h http.Header) {
	if conn := h.Get("Connection"); conn != "" {
		for _, name := range splitComma(conn) {
			h.Del(name)
		}
	}
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}

func splitComma(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			field := trimSpace(s[start:i])
			if field != "" {
				out = append(out, field)
			}
			start = i + 1
		}
	}
	return out
}

func trimSpace(s string) string {
	for len(s) > 0 && (s[0] == ' ' || s[0] == '\t') {
		s = s[1:]
	}
	for len(s) > 0 && (s[len(s)-1] == ' ' || s[len(s)-1] == '\t') {
		s = s[:len(s)-1]
	}
	return s
}

// HeaderToKV flattens an http.Header into the envelope's ordered KV slice.
func HeaderToKV(h http.Header) []envelope.KV {
	var out []envelope.KV
	for name, values := range h {
		for _, v := range values {
			out = append(out, envelope.KV{Key: name, Value: v})
		}
	}
	return out
}

// KVToHeader expands an envelope KV slice back into an http.Header.
func KVToHeader(kvs []envelope.KV) http.Header {
	h := make(http.Header, len(kvs))
	for _, kv := range kvs {
		h.Add(kv.Key, kv.Value)
	}
	return h
}

// QueryToKV flattens url.Values into the envelope's ordered KV slice.
func QueryToKV(q url.Values) []envelope.KV {
	var out []envelope.KV
	for name, values := range q {
		for _, v := range values {
			out = append(out, envelope.KV{Key: name, Value: v})
		}
	}
	return out
}

// KVToQuery expands an envelope KV slice back into url.Values.
func KVToQuery(kvs []envelope.KV) url.Values {
	q := make(url.Values, len(kvs))
	for _, kv := range kvs {
		q.Add(kv.Key, kv.Value)
	}
	return q
}
