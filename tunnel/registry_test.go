package tunnel

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRegistryBindLookupUnbind(t *testing.T) {
	r := NewRegistry()

	_, ok := r.Lookup("a.example")
	assert.False(t, ok)

	p1, _ := newTestPeer(t, "a.example")
	assert.Nil(t, r.Bind("a.example", p1))
	assert.Equal(t, 1, r.Len())

	got, ok := r.Lookup("a.example")
	assert.True(t, ok)
	assert.Same(t, p1, got)

	assert.True(t, r.Unbind("a.example", p1))
	_, ok = r.Lookup("a.example")
	assert.False(t, ok)
}

func TestRegistryBindEvictsAndClosesPrior(t *testing.T) {
	r := NewRegistry()

	p1, _ := newTestPeer(t, "a.example")
	p2, _ := newTestPeer(t, "a.example")

	assert.Nil(t, r.Bind("a.example", p1))
	evicted := r.Bind("a.example", p2)

	assert.Same(t, p1, evicted)
	assert.True(t, p1.IsClosed(), "evicted peer must be closed")
	assert.False(t, p2.IsClosed())

	got, ok := r.Lookup("a.example")
	assert.True(t, ok)
	assert.Same(t, p2, got)
}

func TestRegistryUnbindGuardsAgainstRacingReconnect(t *testing.T) {
	r := NewRegistry()

	p1, _ := newTestPeer(t, "a.example")
	p2, _ := newTestPeer(t, "a.example")

	r.Bind("a.example", p1)
	r.Bind("a.example", p2)

	// The stale disconnect handler of p1 must not tear down p2's binding.
	assert.False(t, r.Unbind("a.example", p1))

	got, ok := r.Lookup("a.example")
	assert.True(t, ok)
	assert.Same(t, p2, got)
}
