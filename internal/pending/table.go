// Package pending implements the per-tunnel correlation table that pairs an
// outstanding REQUEST with its eventual RESPONSE, ERROR, or cancellation.
package pending

import (
	"fmt"
	"sync"

	"github.com/duskrelay/duskrelay/internal/envelope"
)

// LocalFailure is a forwarder-synthesized outcome that never touched the
// wire: a request timeout, a control-socket send that could not make
// progress within the send window, or a tunnel torn down mid-request.
// Status is the HTTP status the public ingress should answer with.
type LocalFailure struct {
	Status  int
	Reason  string
}

// Result is what a pending request resolves to: exactly one of Response,
// WireErr, or Local is populated. WireErr is an ERROR envelope the client
// itself sent; Local is a failure the forwarder produced without ever
// hearing back from the client.
type Result struct {
	Response *envelope.ResponsePayload
	WireErr  *envelope.ErrorPayload
	Local    *LocalFailure
}

// Slot is a single outstanding request's completion channel. It is
// completed exactly once; every call after the first is a no-op, matching
// the idempotence law of §8.
type Slot struct {
	ch        chan Result
	once      sync.Once
	cid       string
}

// Wait blocks until the slot is completed or done fires, whichever comes
// first. A zero Result with false means done fired first (typically the
// caller's own context ended); the slot is not considered completed in that case, and
// whichever completion is eventually attempted still lands, but will find
// no reader.
func (s *Slot) Wait(done <-chan struct{}) (Result, bool) {
	select {
	case r := <-s.ch:
		return r, true
	case <-done:
		return Result{}, false
	}
}

// Table is a per-tunnel mapping from correlation id to awaited slot.
type Table struct {
	mu   sync.Mutex
	cids map[string]*Slot
}

// New creates an empty pending-request table.
func New() *Table {
	return &Table{cids: make(map[string]*Slot)}
}

// Put registers a new awaitable slot for cid. It returns an error if cid is
// already present, matching the duplicate-correlation-id → INVALID_REQUEST
// rule of §4.3.
func (t *Table) Put(cid string) (*Slot, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.cids[cid]; exists {
		return nil, fmt.Errorf("pending: duplicate correlation id %q", cid)
	}
	slot := &Slot{ch: make(chan Result, 1), cid: cid}
	t.cids[cid] = slot
	return slot, nil
}

// Complete wakes the slot for cid with a response. Unknown ids are dropped
// silently (the caller is expected to log); repeated completions after the
// first are no-ops.
func (t *Table) Complete(cid string, resp *envelope.ResponsePayload) {
	t.resolve(cid, Result{Response: resp})
}

// FailWire wakes the slot for cid with an ERROR envelope the client sent.
// Unknown ids are dropped silently; repeated failures after the first
// completion are no-ops.
func (t *Table) FailWire(cid string, errp *envelope.ErrorPayload) {
	t.resolve(cid, Result{WireErr: errp})
}

// FailLocal wakes the slot for cid with a failure the forwarder produced
// itself: a timeout, a send-window exhaustion, or a cancelled wait.
func (t *Table) FailLocal(cid string, f *LocalFailure) {
	t.resolve(cid, Result{Local: f})
}

func (t *Table) resolve(cid string, r Result) {
	t.mu.Lock()
	slot, exists := t.cids[cid]
	if exists {
		delete(t.cids, cid)
	}
	t.mu.Unlock()

	if !exists {
		return
	}
	slot.once.Do(func() {
		slot.ch <- r
	})
}

// Drain completes every currently outstanding slot with reason, used on
// tunnel teardown. After Drain, the table is empty.
func (t *Table) Drain(reason *LocalFailure) {
	t.mu.Lock()
	slots := t.cids
	t.cids = make(map[string]*Slot)
	t.mu.Unlock()

	for _, slot := range slots {
		slot.once.Do(func() {
			slot.ch <- Result{Local: reason}
		})
	}
}

// Remove deletes cid from the table without resolving its slot, used when a
// caller cancels its own wait (e.g. the external HTTP client disconnected)
// and no longer cares about the outcome.
func (t *Table) Remove(cid string) {
	t.mu.Lock()
	delete(t.cids, cid)
	t.mu.Unlock()
}

// Len reports the number of currently outstanding correlation ids.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.cids)
}
