package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeControl struct {
	open   bool
	closed bool
	code   int
	reason string
	sent   [][]byte
}

func newFakeControl() *fakeControl { return &fakeControl{open: true} }

func (f *fakeControl) Send(data []byte) error {
	f.sent = append(f.sent, data)
	return nil
}

func (f *fakeControl) Close(code int, reason string) error {
	f.open = false
	f.closed = true
	f.code = code
	f.reason = reason
	return nil
}

func (f *fakeControl) IsOpen() bool { return f.open }

type fakeWSProxy struct {
	closed bool
	code   int
	reason string
}

func (f *fakeWSProxy) Close(code int, reason string) {
	f.closed = true
	f.code = code
	f.reason = reason
}

func TestRegisterLookupInjective(t *testing.T) {
	r := New()
	c := newFakeControl()
	tun, displaced := r.Register("alpha", c)
	assert.Nil(t, displaced)

	got, ok := r.Lookup("alpha")
	require.True(t, ok)
	assert.Same(t, tun, got)
	assert.True(t, r.HasTunnel("alpha"))
	assert.Equal(t, 1, r.Size())
}

func TestRegisterReplacesPriorTunnelOnSameSubdomain(t *testing.T) {
	r := New()
	first := newFakeControl()
	firstTunnel, _ := r.Register("dup", first)

	second := newFakeControl()
	secondTunnel, displaced := r.Register("dup", second)

	require.NotNil(t, displaced)
	assert.Same(t, firstTunnel, displaced)

	got, ok := r.Lookup("dup")
	require.True(t, ok)
	assert.Same(t, secondTunnel, got)
	assert.Equal(t, 1, r.Size())
}

func TestUnregisterDrainsAndCloses(t *testing.T) {
	r := New()
	c := newFakeControl()
	tun, _ := r.Register("beta", c)

	slot, err := tun.Pending.Put("cid-1")
	require.NoError(t, err)

	proxy := &fakeWSProxy{}
	tun.AddWSProxy("cid-2", proxy)

	r.Unregister("beta", tun)

	_, ok := r.Lookup("beta")
	assert.False(t, ok)

	result, resolved := slot.Wait(nil)
	require.True(t, resolved)
	require.NotNil(t, result.Local)

	assert.True(t, proxy.closed)
	assert.Equal(t, 1001, proxy.code)
}

func TestUnregisterIsNoOpAfterFirst(t *testing.T) {
	r := New()
	c := newFakeControl()
	tun, _ := r.Register("gamma", c)

	r.Unregister("gamma", tun)
	// Second call must not panic, even though the tunnel is already gone.
	r.Unregister("gamma", tun)

	assert.Equal(t, 0, r.Size())
}

func TestUnregisterStaleTunnelIsNoOp(t *testing.T) {
	r := New()
	first := newFakeControl()
	firstTunnel, _ := r.Register("delta", first)

	second := newFakeControl()
	r.Register("delta", second)

	// firstTunnel no longer holds "delta"; unregistering it must not evict
	// the second tunnel that replaced it.
	r.Unregister("delta", firstTunnel)

	got, ok := r.Lookup("delta")
	require.True(t, ok)
	assert.Equal(t, second, got.Control)
}

func TestShutdownClosesAllTunnels(t *testing.T) {
	r := New()
	c1 := newFakeControl()
	c2 := newFakeControl()
	r.Register("one", c1)
	r.Register("two", c2)

	r.Shutdown()

	assert.Equal(t, 0, r.Size())
	assert.True(t, c1.closed)
	assert.True(t, c2.closed)
	assert.Equal(t, 1001, c1.code)
}
