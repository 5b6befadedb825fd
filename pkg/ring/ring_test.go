package ring_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/objectfs/reconstructord/pkg/job"
	"github.com/objectfs/reconstructord/pkg/ring"
)

func writeRingFile(t *testing.T, dir string) string {
	t.Helper()

	path := filepath.Join(dir, "object.ring")
	require.NoError(t, os.WriteFile(path, []byte("fake-ring"), 0o600))

	return path
}

func fixedLoader(policy ring.Policy) ring.Loader {
	return func(string) (ring.Policy, time.Time, error) {
		return policy, time.Now(), nil
	}
}

func TestViewPrimaries(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := writeRingFile(t, dir)

	policy := ring.Policy{
		Name:     "ec",
		Replicas: 3,
		Partitions: map[int][]job.Device{
			0: {
				{ID: 1, ReplicationIP: "10.0.0.1", ReplicationPort: 6000, Index: 0},
				{ID: 2, ReplicationIP: "10.0.0.2", ReplicationPort: 6000, Index: 1},
				{ID: 3, ReplicationIP: "10.0.0.3", ReplicationPort: 6000, Index: 2},
			},
		},
	}

	v, err := ring.New(context.Background(), ring.Options{
		Path:      path,
		BindIP:    "10.0.0.1",
		BindPort:  6000,
		Freshness: time.Minute,
		Load:      fixedLoader(policy),
	})
	require.NoError(t, err)

	primaries := v.Primaries(0)
	require.Len(t, primaries, 3)

	require.True(t, v.IsLocal(primaries[0]))
	require.False(t, v.IsLocal(primaries[1]))
}

func TestViewMoreNodesExcludesPrimaries(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := writeRingFile(t, dir)

	policy := ring.Policy{
		Name:     "ec",
		Replicas: 2,
		Partitions: map[int][]job.Device{
			0: {
				{ID: 1, ReplicationIP: "10.0.0.1", ReplicationPort: 6000},
				{ID: 2, ReplicationIP: "10.0.0.2", ReplicationPort: 6000},
			},
			1: {
				{ID: 3, ReplicationIP: "10.0.0.3", ReplicationPort: 6000},
			},
		},
	}

	v, err := ring.New(context.Background(), ring.Options{
		Path: path, Freshness: time.Minute, Load: fixedLoader(policy),
	})
	require.NoError(t, err)

	next := v.MoreNodes(0)

	var got []job.Device

	for {
		d, ok := next()
		if !ok {
			break
		}

		got = append(got, d)
	}

	require.Len(t, got, 1)
	require.Equal(t, 3, got[0].ID)
}

func TestCheckRingStale(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := writeRingFile(t, dir)

	loadCount := 0

	loader := func(string) (ring.Policy, time.Time, error) {
		loadCount++

		return ring.Policy{}, time.Now().Add(-time.Hour), nil
	}

	v, err := ring.New(context.Background(), ring.Options{
		Path: path, Freshness: time.Minute, Load: loader,
	})
	require.NoError(t, err)

	err = v.CheckRing(context.Background())
	require.ErrorIs(t, err, ring.ErrRingStale)
}
