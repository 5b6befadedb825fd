package peersync

import (
	"context"
	"time"

	"github.com/objectfs/reconstructord/pkg/fragmentstore"
	"github.com/objectfs/reconstructord/pkg/job"
)

// PerJobSender adapts Store into an executor.Sender: each call binds a
// fresh Client to the (device, policy, partition) named by the job being
// executed, since a Client's ObjectSource is fixed to one partition at
// construction.
type PerJobSender struct {
	Store         *fragmentstore.Store
	LockupTimeout time.Duration
}

// Send implements the executor package's Sender interface.
func (p PerJobSender) Send(
	ctx context.Context, j job.Job, peer job.Device, suffixes []string,
) (bool, fragmentstore.AvailableMap, error) {
	client := New(Options{
		LockupTimeout: p.LockupTimeout,
		Source: PartitionSource{
			Store:     p.Store,
			Device:    j.LocalDev.Device,
			Policy:    j.Policy,
			Partition: j.Partition,
		},
	})

	return client.Send(ctx, j, peer, suffixes)
}
