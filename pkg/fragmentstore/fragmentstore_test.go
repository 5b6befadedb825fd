package fragmentstore_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/objectfs/reconstructord/pkg/fragmentstore"
	"github.com/objectfs/reconstructord/pkg/lock/local"
)

func TestListPartitionsSkipsNonIntegerAndStatusFiles(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	policyDir := filepath.Join(root, "sdb1", "ec")
	require.NoError(t, os.MkdirAll(filepath.Join(policyDir, "0"), 0o700))
	require.NoError(t, os.MkdirAll(filepath.Join(policyDir, "12"), 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(policyDir, "auditor_status_ec.json"), []byte("{}"), 0o600))

	// A partition entry that is a file, not a directory: removed with a warning.
	require.NoError(t, os.WriteFile(filepath.Join(policyDir, "7"), []byte(""), 0o600))

	s, err := fragmentstore.New(context.Background(), root, local.NewRWLocker())
	require.NoError(t, err)

	parts, err := s.ListPartitions(context.Background(), "sdb1", "ec")
	require.NoError(t, err)
	require.Equal(t, []int{0, 12}, parts)

	_, statErr := os.Stat(filepath.Join(policyDir, "7"))
	require.True(t, os.IsNotExist(statErr))
}

func TestGetSuffixHashesWarmStart(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	partPath := filepath.Join(root, "sdb1", "ec", "0")
	suffixPath := filepath.Join(partPath, "abc", "deadbeef")
	require.NoError(t, os.MkdirAll(suffixPath, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(suffixPath, "1234#1.data"), []byte("payload"), 0o600))

	s, err := fragmentstore.New(context.Background(), root, local.NewRWLocker())
	require.NoError(t, err)

	m1, err := s.GetSuffixHashes(context.Background(), "sdb1", "ec", 0, nil)
	require.NoError(t, err)
	require.Contains(t, m1, "abc")

	// Second call with no recalc should return identical hashes from the
	// warm-started cache.
	m2, err := s.GetSuffixHashes(context.Background(), "sdb1", "ec", 0, nil)
	require.NoError(t, err)
	require.Equal(t, m1, m2)
}

func TestQuarantineMovesFragmentAside(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	partPath := filepath.Join(root, "sdb1", "ec", "0")
	suffixPath := filepath.Join(partPath, "abc", "deadbeef")
	require.NoError(t, os.MkdirAll(suffixPath, 0o700))

	fragPath := filepath.Join(suffixPath, "1234#1.data")
	require.NoError(t, os.WriteFile(fragPath, []byte("payload"), 0o600))

	s, err := fragmentstore.New(context.Background(), root, local.NewRWLocker())
	require.NoError(t, err)

	require.NoError(t, s.Quarantine(context.Background(), "sdb1", "ec", 0, fragPath))

	_, statErr := os.Stat(fragPath)
	require.True(t, os.IsNotExist(statErr))

	entries, err := os.ReadDir(filepath.Join(partPath, "quarantined"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestMissingFragmentsFindsObjectsWithoutFragIndex(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	partPath := filepath.Join(root, "sdb1", "ec", "0")

	hasFrag := filepath.Join(partPath, "abc", "hash1")
	require.NoError(t, os.MkdirAll(hasFrag, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(hasFrag, "1234#1.data"), []byte("payload"), 0o600))

	missingFrag := filepath.Join(partPath, "abc", "hash2")
	require.NoError(t, os.MkdirAll(missingFrag, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(missingFrag, "1235#2.data"), []byte("payload"), 0o600))

	s, err := fragmentstore.New(context.Background(), root, local.NewRWLocker())
	require.NoError(t, err)

	missing, err := s.MissingFragments(context.Background(), "sdb1", "ec", 0, "abc", 1)
	require.NoError(t, err)
	require.Len(t, missing, 1)
	require.Equal(t, "hash2", missing[0].Hash)
	require.Equal(t, "hash2", missing[0].Name)
	require.Equal(t, "abc", missing[0].Suffix)
	require.Equal(t, "1235", missing[0].Timestamp)
}
