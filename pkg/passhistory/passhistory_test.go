package passhistory_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/objectfs/reconstructord/pkg/passhistory"
)

func TestStartFinishAndRecent(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "passhistory.db")

	s, err := passhistory.Open(dbPath)
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	started := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)

	id, err := s.StartPass(ctx, started, passhistory.Pass{PartCount: 10, SuffixCount: 100})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	require.NoError(t, s.FinishPass(ctx, id, started.Add(5*time.Minute)))

	recent, err := s.Recent(ctx, 5)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	require.Equal(t, id, recent[0].ID)
	require.True(t, recent[0].FinishedAt.Valid)
	require.Equal(t, 10, recent[0].PartCount)
}
