package bus

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLockBusyObservation(t *testing.T) {
	var l Lock
	assert.False(t, l.Busy())
	l.Lock()
	assert.True(t, l.Busy())
	l.Unlock()
	assert.False(t, l.Busy())
}

func TestCANCachePerInterface(t *testing.T) {
	a := NewArbiter()
	a.StoreCAN("can0", []CachedDevice{{ID: "aabbccddeeff"}})
	a.StoreCAN("can1", []CachedDevice{{ID: "112233445566"}})

	got, ok := a.CANCached("can0")
	assert.True(t, ok)
	assert.Equal(t, "aabbccddeeff", got[0].ID)

	a.InvalidateCAN("can0")
	_, ok = a.CANCached("can0")
	assert.False(t, ok)
	_, ok = a.CANCached("can1")
	assert.True(t, ok, "invalidation is per interface")
}

func TestDFUCache(t *testing.T) {
	a := NewArbiter()
	_, ok := a.DFUCached()
	assert.False(t, ok)
	a.StoreDFU([]CachedDevice{{ID: "357236543131", Serial: "357236543131"}})
	got, ok := a.DFUCached()
	assert.True(t, ok)
	assert.Len(t, got, 1)
	a.InvalidateDFU()
	_, ok = a.DFUCached()
	assert.False(t, ok)
}
