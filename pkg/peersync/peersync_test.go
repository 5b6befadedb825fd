package peersync_test

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/objectfs/reconstructord/internal/testhelper"
	"github.com/objectfs/reconstructord/pkg/job"
	"github.com/objectfs/reconstructord/pkg/peersync"
)

func TestSendSuccess(t *testing.T) {
	t.Parallel()

	srv, peer := testhelper.NewPeerServer(t, "sdb1", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPut, r.Method)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"available": map[string]any{
				"deadbeef": map[string]string{"ts_data": "1700000000.00000"},
			},
		})
	})
	defer srv.Close()

	c := peersync.New(peersync.Options{})

	ok, avail, err := c.Send(context.Background(), job.Job{Partition: 0, FragIndex: 1}, peer, []string{"abc"})
	require.NoError(t, err)
	require.True(t, ok)
	require.Contains(t, avail, "deadbeef")
}

func TestSendFailureIsNotAnError(t *testing.T) {
	t.Parallel()

	srv, peer := testhelper.NewPeerServer(t, "sdb1", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	defer srv.Close()

	c := peersync.New(peersync.Options{})

	ok, avail, err := c.Send(context.Background(), job.Job{Partition: 0, FragIndex: 1}, peer, nil)
	require.NoError(t, err)
	require.False(t, ok)
	require.Nil(t, avail)
}
