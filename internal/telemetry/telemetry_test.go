package telemetry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"usenet-gateway/pkg/types"
)

func TestSnapshotMergesObservedBreakdowns(t *testing.T) {
	tel := New()

	tel.ObservePool(types.PoolSnapshot{Provider: "secondary", Max: 10, Live: 4, Idle: 1, Borrowed: 3})
	tel.ObservePool(types.PoolSnapshot{Provider: "primary", Max: 30, Live: 12, Idle: 5, Borrowed: 7})
	tel.ObserveUsage([]types.ClassUsage{
		{Class: "queue", Held: 2, Capacity: 10},
		{Class: "streaming", Held: 9, Capacity: 44},
	})
	tel.ObserveStreaming(9, 1)

	snap := tel.Snapshot()
	require.Len(t, snap.Pools, 2)
	assert.Equal(t, "primary", snap.Pools[0].Provider, "pools sorted by provider name")
	assert.Equal(t, 7, snap.Pools[0].Borrowed)
	assert.Equal(t, "secondary", snap.Pools[1].Provider)

	require.Len(t, snap.Classes, 2)
	assert.Equal(t, 2, snap.Classes[0].Held)
	assert.Equal(t, int64(9), snap.StreamInUse)
	assert.Equal(t, int64(1), snap.ForcedReleases)
}

func TestSnapshotTracksLatestObservation(t *testing.T) {
	tel := New()

	tel.ObservePool(types.PoolSnapshot{Provider: "primary", Live: 3, Borrowed: 3})
	tel.ObservePool(types.PoolSnapshot{Provider: "primary", Live: 3, Idle: 3, Borrowed: 0})
	tel.ObserveStreaming(5, 0)
	tel.ObserveStreaming(2, 4)

	snap := tel.Snapshot()
	require.Len(t, snap.Pools, 1)
	assert.Equal(t, 0, snap.Pools[0].Borrowed, "re-observation replaces, never accumulates")
	assert.Equal(t, 3, snap.Pools[0].Idle)
	assert.Equal(t, int64(2), snap.StreamInUse)
	assert.Equal(t, int64(4), snap.ForcedReleases)
}

func TestSnapshotIsACopy(t *testing.T) {
	tel := New()
	tel.ObservePool(types.PoolSnapshot{Provider: "primary", Live: 1})
	tel.ObserveUsage([]types.ClassUsage{{Class: "queue", Held: 1, Capacity: 2}})

	snap := tel.Snapshot()
	snap.Pools[0].Live = 99
	snap.Classes[0].Held = 99

	again := tel.Snapshot()
	assert.Equal(t, 1, again.Pools[0].Live)
	assert.Equal(t, 1, again.Classes[0].Held)
}
