package server

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryRegisterLookupUnregister(t *testing.T) {
	registry := NewRegistry()
	now := time.Now()

	record := registry.Register("h1", "ST1", "G1", "dev-A", now)
	assert.Equal(t, "h1", record.Handle)
	assert.Equal(t, now, record.ConnectedAt)

	found, ok := registry.Lookup("h1")
	require.True(t, ok)
	assert.Same(t, record, found)

	removed, ok := registry.Unregister("h1")
	require.True(t, ok)
	assert.Same(t, record, removed)

	_, ok = registry.Lookup("h1")
	assert.False(t, ok)
	_, ok = registry.Unregister("h1")
	assert.False(t, ok)
}

func TestRegistryRepeatedAnnouncementKeepsConnectTime(t *testing.T) {
	registry := NewRegistry()
	first := time.Now()

	registry.Register("h1", "ST1", "G1", "dev-A", first)
	record := registry.Register("h1", "ST1", "G2", "dev-A", first.Add(time.Minute))

	assert.Equal(t, first, record.ConnectedAt)
	assert.Equal(t, "G2", record.GunId)
	assert.Equal(t, 1, registry.Count())
}

func TestRegistryClaimed(t *testing.T) {
	registry := NewRegistry()
	now := time.Now()
	registry.Register("h1", "ST1", "G1", "dev-A", now)

	assert.True(t, registry.Claimed("ST1", "G1", "h2"))
	assert.False(t, registry.Claimed("ST1", "G1", "h1"))
	assert.False(t, registry.Claimed("ST1", "G2", "h2"))
}

func TestRegistryConcurrentAccess(t *testing.T) {
	registry := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			handle := fmt.Sprintf("h%d", i)
			registry.Register(handle, "ST1", fmt.Sprintf("G%d", i), "dev", time.Now())
			_, ok := registry.Lookup(handle)
			assert.True(t, ok)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 100, registry.Count())
}
