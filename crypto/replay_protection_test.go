package crypto

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type steppingClock struct {
	now time.Time
}

func (c *steppingClock) Now() time.Time { return c.now }

func TestReplayGuardDetectsDuplicates(t *testing.T) {
	g := NewReplayGuard(time.Hour, nil)
	id := [32]byte{0x01}

	assert.True(t, g.CheckAndStore(id), "first sighting is fresh")
	assert.False(t, g.CheckAndStore(id), "second sighting is a duplicate")
	assert.True(t, g.CheckAndStore([32]byte{0x02}))
	assert.Equal(t, 2, g.Size())
}

func TestReplayGuardExpiry(t *testing.T) {
	clock := &steppingClock{now: time.Unix(1_700_000_000, 0)}
	g := NewReplayGuard(time.Minute, clock)
	id := [32]byte{0xaa}

	require.True(t, g.CheckAndStore(id))

	clock.now = clock.now.Add(2 * time.Minute)
	assert.Equal(t, 1, g.Prune())
	assert.True(t, g.CheckAndStore(id), "expired ids are fresh again")
}

func TestReplayGuardPersistence(t *testing.T) {
	dir := t.TempDir()
	clock := &steppingClock{now: time.Unix(1_700_000_000, 0)}

	g, err := NewPersistentReplayGuard(dir, time.Hour, clock)
	require.NoError(t, err)
	require.True(t, g.CheckAndStore([32]byte{0x01}))
	require.NoError(t, g.Close())

	reloaded, err := NewPersistentReplayGuard(dir, time.Hour, clock)
	require.NoError(t, err)
	assert.False(t, reloaded.CheckAndStore([32]byte{0x01}), "id should be loaded from disk")
}
