package peersync

import (
	"context"

	"github.com/objectfs/reconstructord/pkg/fragmentstore"
)

// PartitionSource adapts a fragmentstore.Store, bound to one
// (device, policy, partition), into an ObjectSource for Send.
type PartitionSource struct {
	Store     *fragmentstore.Store
	Device    string
	Policy    string
	Partition int
}

// YieldFragments implements ObjectSource.
func (p PartitionSource) YieldFragments(ctx context.Context, suffix string, fragIndex int) ([]FragmentEntry, error) {
	handles, err := p.Store.YieldFragments(ctx, p.Device, p.Policy, p.Partition, suffix, fragIndex)
	if err != nil {
		return nil, err
	}

	out := make([]FragmentEntry, 0, len(handles))
	for _, h := range handles {
		out = append(out, FragmentEntry{ObjectHash: h.ObjectHash, Body: h.Body})
	}

	return out, nil
}
