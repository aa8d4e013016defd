// Package registry implements the server-side tunnel registry: the single
// source of truth mapping a subdomain to its live control connection, owning
// that tunnel's pending-request table and WebSocket proxies.
package registry

import (
	"fmt"
	"sync"
	"time"

	"github.com/duskrelay/duskrelay/internal/pending"
)

// ControlSender abstracts the control socket a Tunnel writes envelopes to.
// It is satisfied by a thin wrapper around *websocket.Conn so this package
// never imports gorilla/websocket directly.
type ControlSender interface {
	// Send writes an encoded envelope to the peer. Implementations must be
	// safe to call concurrently with Close and must respect the deadline
	// encoded in ctx-less callers via their own internal send window.
	Send(data []byte) error
	// Close closes the underlying socket with the given close code/reason.
	Close(code int, reason string) error
	// IsOpen reports whether the socket is still usable.
	IsOpen() bool
}

// WSProxy is the subset of a WebSocket proxy's lifecycle the registry needs
// in order to tear tunnels down cleanly. Satisfied by *wsproxy.ServerProxy.
type WSProxy interface {
	Close(code int, reason string)
}

// Tunnel is a single registered control connection, identified by its
// subdomain. The registry uniquely owns Tunnels; a Tunnel uniquely owns its
// Pending table and WSProxies map.
type Tunnel struct {
	Subdomain string
	Control   ControlSender
	CreatedAt time.Time

	Pending *pending.Table

	mu       sync.Mutex
	wsProxies map[string]WSProxy
}

func newTunnel(subdomain string, control ControlSender) *Tunnel {
	return &Tunnel{
		Subdomain: subdomain,
		Control:   control,
		CreatedAt: time.Now(),
		Pending:   pending.New(),
		wsProxies: make(map[string]WSProxy),
	}
}

// AddWSProxy registers a WebSocket proxy under cid, owned by this tunnel.
func (t *Tunnel) AddWSProxy(cid string, p WSProxy) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.wsProxies[cid] = p
}

// WSProxy returns the proxy registered under cid, if any.
func (t *Tunnel) WSProxy(cid string) (WSProxy, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.wsProxies[cid]
	return p, ok
}

// RemoveWSProxy drops cid from the proxy table without closing it; callers
// that already closed the proxy use this to avoid a double-close.
func (t *Tunnel) RemoveWSProxy(cid string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.wsProxies, cid)
}

// closeAllWSProxies closes and clears every proxy owned by this tunnel.
func (t *Tunnel) closeAllWSProxies(code int, reason string) {
	t.mu.Lock()
	proxies := t.wsProxies
	t.wsProxies = make(map[string]WSProxy)
	t.mu.Unlock()

	for _, p := range proxies {
		p.Close(code, reason)
	}
}

// Registry maps subdomain to live Tunnel. At any instant the mapping is
// injective: lookup(t.Subdomain) == t for every live tunnel t, and every
// live tunnel has an open control socket.
type Registry struct {
	mu      sync.RWMutex
	tunnels map[string]*Tunnel
}

// New creates an empty tunnel registry.
func New() *Registry {
	return &Registry{tunnels: make(map[string]*Tunnel)}
}

// Register installs a new tunnel for subdomain, atomically replacing
// whatever tunnel (if any) previously held that subdomain. A reconnecting
// client that is handed the same subdomain therefore displaces its own
// stale prior connection rather than being rejected — see SPEC_FULL.md §9
// open-question resolution #1. The displaced tunnel, if present, is
// returned so the caller can drain and close it outside the registry lock.
func (r *Registry) Register(subdomain string, control ControlSender) (tunnel *Tunnel, displaced *Tunnel) {
	r.mu.Lock()
	defer r.mu.Unlock()

	displaced = r.tunnels[subdomain]
	tunnel = newTunnel(subdomain, control)
	r.tunnels[subdomain] = tunnel
	return tunnel, displaced
}

// Lookup returns the tunnel registered for subdomain, if any.
func (r *Registry) Lookup(subdomain string) (*Tunnel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tunnels[subdomain]
	return t, ok
}

// HasTunnel reports whether subdomain currently has a live tunnel. It
// satisfies subdomain.Registry for collision checking during allocation.
func (r *Registry) HasTunnel(subdomain string) bool {
	_, ok := r.Lookup(subdomain)
	return ok
}

// Unregister removes subdomain from the registry (if t is still the
// current holder of that subdomain — a stale reference from an already
// displaced tunnel is a no-op), drains its pending requests with
// SERVICE_UNAVAILABLE, and closes its WebSocket proxies with 1001 going
// away. Repeated unregistration of the same tunnel after the first is a
// no-op, matching the idempotence law of §8.
func (r *Registry) Unregister(subdomain string, t *Tunnel) {
	r.mu.Lock()
	current, ok := r.tunnels[subdomain]
	if ok && current == t {
		delete(r.tunnels, subdomain)
	} else {
		ok = false
	}
	r.mu.Unlock()

	if !ok {
		return
	}

	t.Pending.Drain(&pending.LocalFailure{Status: 503, Reason: "tunnel closed"})
	t.closeAllWSProxies(1001, "tunnel closed")
}

// Size returns the number of currently live tunnels.
func (r *Registry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tunnels)
}

// Clear removes every tunnel without draining or closing them; intended
// for tests only.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tunnels = make(map[string]*Tunnel)
}

// Shutdown closes every live tunnel's control socket with a going-away
// indication and drains all pending requests. Safe to call once during
// process shutdown.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	tunnels := r.tunnels
	r.tunnels = make(map[string]*Tunnel)
	r.mu.Unlock()

	for sub, t := range tunnels {
		t.Pending.Drain(&pending.LocalFailure{Status: 503, Reason: "server shutting down"})
		t.closeAllWSProxies(1001, "server shutting down")
		if err := t.Control.Close(1001, "server shutting down"); err != nil {
			// Best-effort; the socket may already be gone.
			_ = fmt.Errorf("registry: closing tunnel %s: %w", sub, err)
		}
	}
}
