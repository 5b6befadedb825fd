package planner_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/objectfs/reconstructord/pkg/eccodec"
	"github.com/objectfs/reconstructord/pkg/job"
	"github.com/objectfs/reconstructord/pkg/planner"
)

type fakeRing struct {
	primaries map[int][]job.Device
}

func (f fakeRing) Primaries(partition int) []job.Device { return f.primaries[partition] }

func (f fakeRing) MoreNodes(partition int) func() (job.Device, bool) {
	return func() (job.Device, bool) { return job.Device{}, false }
}

type fakeHashSource struct {
	manifest job.Manifest
}

func (f fakeHashSource) GetSuffixHashes(
	context.Context, string, string, int, map[string]bool,
) (job.Manifest, error) {
	return f.manifest, nil
}

func TestPlanS1ThreePartitionSetup(t *testing.T) {
	t.Parallel()

	codec, err := eccodec.New(10, 4, 1, 1<<20)
	require.NoError(t, err)

	local := job.Device{ID: 1, ReplicationIP: "10.0.0.1", ReplicationPort: 6000, Device: "sdb1"}
	partner0 := job.Device{ID: 2, ReplicationIP: "10.0.0.2", ReplicationPort: 6000, Device: "sdb1"}
	partner2 := job.Device{ID: 3, ReplicationIP: "10.0.0.3", ReplicationPort: 6000, Device: "sdb1"}
	stray := job.Device{ID: 4, ReplicationIP: "10.0.0.4", ReplicationPort: 6000, Device: "sdb1"}

	primaries := []job.Device{
		{ID: partner0.ID, ReplicationIP: partner0.ReplicationIP, ReplicationPort: partner0.ReplicationPort, Device: partner0.Device, Index: 0},
		{ID: local.ID, ReplicationIP: local.ReplicationIP, ReplicationPort: local.ReplicationPort, Device: local.Device, Index: 1},
		{ID: partner2.ID, ReplicationIP: partner2.ReplicationIP, ReplicationPort: partner2.ReplicationPort, Device: partner2.Device, Index: 2},
	}
	_ = stray

	ring := fakeRing{primaries: map[int][]job.Device{0: primaries}}

	manifest := job.Manifest{
		"abc": job.SuffixHashes{job.FragIndexKey(1): "h1"},
		"def": job.SuffixHashes{job.FragIndexKey(2): "h2"},
	}

	p := planner.New(codec, ring, fakeHashSource{manifest: manifest})

	jobs, err := p.Plan(context.Background(), job.PartInfo{
		LocalDev:  primaries[1],
		Policy:    "ec",
		Partition: 0,
	}, nil, nil)
	require.NoError(t, err)
	require.Len(t, jobs, 2)

	var sync, revert *job.Job

	for i := range jobs {
		j := jobs[i]
		switch j.Kind {
		case job.SYNC:
			sync = &jobs[i]
		case job.REVERT:
			revert = &jobs[i]
		}
	}

	require.NotNil(t, sync)
	require.Equal(t, 1, sync.FragIndex)
	require.Len(t, sync.SyncTo, 2)

	require.NotNil(t, revert)
	require.Equal(t, 2, revert.FragIndex)
	require.Len(t, revert.SyncTo, 1)
	require.Equal(t, primaries[2].String(), revert.SyncTo[0].String())

	// Invariant: REVERT precedes SYNC within a partition.
	require.Equal(t, job.REVERT, jobs[0].Kind)
	require.Equal(t, job.SYNC, jobs[1].Kind)
}

func TestPlanS2TombstoneOnlyHandoff(t *testing.T) {
	t.Parallel()

	codec, err := eccodec.New(10, 4, 1, 1<<20)
	require.NoError(t, err)

	primaries := []job.Device{
		{ID: 1, ReplicationIP: "10.0.0.1", ReplicationPort: 6000, Device: "sdb1", Index: 0},
		{ID: 2, ReplicationIP: "10.0.0.2", ReplicationPort: 6000, Device: "sdb1", Index: 1},
	}

	handoff := job.Device{ID: 9, ReplicationIP: "10.0.0.9", ReplicationPort: 6000, Device: "sdb1"}

	ring := fakeRing{primaries: map[int][]job.Device{0: primaries}}

	manifest := job.Manifest{
		"abc": job.SuffixHashes{job.DurableKey(): "d1"},
	}

	p := planner.New(codec, ring, fakeHashSource{manifest: manifest})

	jobs, err := p.Plan(context.Background(), job.PartInfo{
		LocalDev:  handoff,
		Policy:    "ec",
		Partition: 0,
	}, nil, nil)
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	require.Equal(t, job.REVERT, jobs[0].Kind)
	require.Equal(t, job.NoFragIndex, jobs[0].FragIndex)
	require.Equal(t, []string{"abc"}, jobs[0].Suffixes)
	require.Len(t, jobs[0].SyncTo, 2)
}
