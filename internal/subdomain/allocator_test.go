package subdomain

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRegistry struct {
	taken map[string]bool
}

func (f *fakeRegistry) HasTunnel(subdomain string) bool { return f.taken[subdomain] }

func TestAllocateProducesValidLabel(t *testing.T) {
	a := New(&fakeRegistry{taken: map[string]bool{}}, 0)
	label, err := a.Allocate()
	require.NoError(t, err)
	assert.Len(t, label, 12)
	for _, r := range label {
		assert.True(t, strings.ContainsRune(alphabet, r), "unexpected rune %q", r)
	}
}

func TestAllocateRetriesOnCollisionThenFails(t *testing.T) {
	reg := &fakeRegistry{taken: map[string]bool{}}
	a := New(reg, 0)

	// Force every candidate to appear taken by wrapping HasTunnel.
	reg.taken = nil
	alwaysTaken := &alwaysTakenRegistry{}
	a2 := New(alwaysTaken, 3)

	_, err := a2.Allocate()
	require.Error(t, err)

	// Sanity: normal allocator still succeeds.
	label, err := a.Allocate()
	require.NoError(t, err)
	assert.NotEmpty(t, label)
}

type alwaysTakenRegistry struct{}

func (alwaysTakenRegistry) HasTunnel(string) bool { return true }

func TestValidateRequested(t *testing.T) {
	cases := []struct {
		label string
		want  bool
	}{
		{"myapp", true},
		{"my-app", true},
		{"a", true},
		{"", false},
		{"-leading", false},
		{"trailing-", false},
		{"Has-Upper", false},
		{strings.Repeat("a", 63), true},
		{strings.Repeat("a", 64), false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ValidateRequested(tc.label), "label=%q", tc.label)
	}
}
