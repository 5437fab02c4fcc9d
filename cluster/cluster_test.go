package cluster

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bfffs/bfffs/common"
	"github.com/bfffs/bfffs/mirror"
	"github.com/bfffs/bfffs/raid"
	"github.com/bfffs/bfffs/vdev"
)

// newTestCluster builds a single-disk null-RAID Cluster over a freshly
// sized, sparse backing file: small enough to exercise the zone lifecycle
// in a handful of LBAs, large enough that the label/spacemap reservation
// doesn't eat an entire zone.
func newTestCluster(t *testing.T, zones int, lbasPerZone uint64) *Cluster {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vdev0")
	size := int64(zones) * int64(lbasPerZone) * common.BytesPerLba
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(size))
	require.NoError(t, f.Close())

	vf, err := vdev.Create(path, vdev.Config{LbasPerZone: lbasPerZone})
	require.NoError(t, err)
	t.Cleanup(func() { vf.Close() })

	m, err := mirror.Open(nil, vf)
	require.NoError(t, err)
	r := raid.NewNull(m)
	return Open(r)
}

func TestZoneLifecycleEmptyOpenFullClosedEmpty(t *testing.T) {
	ctx := context.Background()
	c := newTestCluster(t, 3, 256)

	start, end := c.raid.ZoneLimits(0)
	capacity := uint64(end - start)

	pba, _, err := c.Allocate(ctx, capacity*common.BytesPerLba, 1)
	require.NoError(t, err)
	assert.Equal(t, common.LbaT(start), pba.Lba)

	// A single allocation that exactly fills zone 0 must flip it straight
	// to Full without a separate Close call.
	c.mu.Lock()
	state := c.fsm.zones[0].state
	c.mu.Unlock()
	assert.Equal(t, common.ZoneFull, state)

	// Not yet visible to the cleaner: Full, not Closed.
	cz, _ := c.FindClosedZone(0)
	assert.Nil(t, cz)

	require.NoError(t, c.CloseFullZones(ctx))
	c.mu.Lock()
	state = c.fsm.zones[0].state
	c.mu.Unlock()
	assert.Equal(t, common.ZoneClosed, state)

	cz, _ = c.FindClosedZone(0)
	require.NotNil(t, cz)
	assert.Equal(t, uint32(0), cz.Zid)
	assert.Equal(t, capacity, cz.TotalBlocks)
	assert.Equal(t, uint64(0), cz.FreedBlocks)
	assert.Equal(t, float64(0), cz.Reward())

	// Freeing every allocated block in a Closed zone reclaims it to Empty.
	require.NoError(t, c.Free(ctx, pba, common.LbaT(capacity)))
	c.mu.Lock()
	state = c.fsm.zones[0].state
	c.mu.Unlock()
	assert.Equal(t, common.ZoneEmpty, state)

	cz, _ = c.FindClosedZone(0)
	assert.Nil(t, cz)
}

func TestCloseFullZonesOnlyClosesFull(t *testing.T) {
	ctx := context.Background()
	c := newTestCluster(t, 2, 256)

	// Opening but not filling zone 0 must not close it.
	_, _, err := c.Allocate(ctx, common.BytesPerLba, 1)
	require.NoError(t, err)

	require.NoError(t, c.CloseFullZones(ctx))
	c.mu.Lock()
	state := c.fsm.zones[0].state
	c.mu.Unlock()
	assert.Equal(t, common.ZoneOpen, state)
}

func TestRewardReflectsPartialFree(t *testing.T) {
	ctx := context.Background()
	c := newTestCluster(t, 2, 256)

	start, end := c.raid.ZoneLimits(0)
	capacity := uint64(end - start)
	pba, _, err := c.Allocate(ctx, capacity*common.BytesPerLba, 1)
	require.NoError(t, err)
	require.NoError(t, c.CloseFullZones(ctx))

	half := common.LbaT(capacity / 2)
	require.NoError(t, c.Free(ctx, pba, half))

	cz, _ := c.FindClosedZone(0)
	require.NotNil(t, cz)
	assert.InDelta(t, 0.5, cz.Reward(), 0.05)
}
