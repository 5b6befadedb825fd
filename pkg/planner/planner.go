// Package planner implements JobPlanner (C7), the center of the
// reconstructor's design: turning one PartInfo into zero or more SYNC and
// REVERT Jobs by comparing the partition's suffix-hash manifest against
// what the ring says this device should hold.
package planner

import (
	"context"
	"sort"

	"github.com/objectfs/reconstructord/pkg/eccodec"
	"github.com/objectfs/reconstructord/pkg/job"
)

// RingView is the subset of ring.View the planner needs.
type RingView interface {
	Primaries(partition int) []jobDevice
	MoreNodes(partition int) func() (jobDevice, bool)
}

// HashSource is the subset of fragmentstore.Store the planner needs.
type HashSource interface {
	GetSuffixHashes(ctx context.Context, device, policy string, partition int, recalc map[string]bool) (job.Manifest, error)
}

// jobDevice is a local alias so this file can be read top-to-bottom
// without jumping to the job package for the single type it needs from the
// ring interface; it is job.Device under the hood.
type jobDevice = job.Device

// Planner implements JobPlanner.
type Planner struct {
	codec *eccodec.Codec
	ring  RingView
	store HashSource
}

// New constructs a Planner.
func New(codec *eccodec.Codec, ring RingView, store HashSource) *Planner {
	return &Planner{codec: codec, ring: ring, store: store}
}

// Plan turns a PartInfo into the jobs for this pass, in execution order:
// REVERT jobs before SYNC jobs for the same partition (I2, I3, §4.7
// tie-breaking), as slices ready for the executor.
func (p *Planner) Plan(ctx context.Context, part job.PartInfo, recalc map[string]bool, rebuildFn job.RebuildFunc) ([]job.Job, error) {
	primaries := p.ring.Primaries(part.Partition)

	localFis := p.localFragIndices(primaries, part.LocalDev)

	manifest, err := p.store.GetSuffixHashes(ctx, part.LocalDev.Device, part.Policy, part.Partition, recalc)
	if err != nil {
		return nil, err
	}

	presentIndices := presentFragIndices(manifest)

	var jobs []job.Job

	isHandoff := len(localFis) == 0

	if f, ok := singlePrimaryIndex(localFis); ok {
		jobs = append(jobs, p.planSync(part, primaries, manifest, f, rebuildFn))
	}

	for k := range presentIndices {
		if !isHandoff && localFis[k] {
			continue // this is the SYNC index, not a REVERT candidate
		}

		jobs = append(jobs, p.planRevert(part, primaries, manifest, k))
	}

	if isHandoff && tombstoneOnly(manifest, presentIndices) {
		jobs = append(jobs, p.planTombstoneRevert(part, primaries, manifest))
	}

	// REVERT before SYNC within a partition.
	sort.SliceStable(jobs, func(i, j int) bool {
		return jobs[i].Kind == job.REVERT && jobs[j].Kind == job.SYNC
	})

	return jobs, nil
}

func (p *Planner) localFragIndices(primaries []job.Device, local job.Device) map[int]bool {
	out := map[int]bool{}

	for _, d := range primaries {
		if d.String() == local.String() {
			out[p.codec.GetBackendIndex(d.Index)] = true
		}
	}

	return out
}

func singlePrimaryIndex(localFis map[int]bool) (int, bool) {
	for k := range localFis {
		return k, true
	}

	return 0, false
}

func presentFragIndices(m job.Manifest) map[int]bool {
	out := map[int]bool{}

	for _, sh := range m {
		for k := range sh {
			if !k.Durable {
				out[k.Index] = true
			}
		}
	}

	return out
}

func tombstoneOnly(m job.Manifest, present map[int]bool) bool {
	if len(present) > 0 {
		return false
	}

	for _, sh := range m {
		if len(sh) > 0 {
			return true
		}
	}

	return false
}

// planSync emits the SYNC job for the local primary fragment index f: every
// suffix whose submap contains f, or whose submap contains only the
// Durable key (a missing-durable anomaly where the peer may be ahead).
func (p *Planner) planSync(part job.PartInfo, primaries []job.Device, m job.Manifest, f int, rebuildFn job.RebuildFunc) job.Job {
	var suffixes []string

	for _, suffix := range m.Suffixes() {
		sh := m[suffix]

		if _, ok := sh[job.FragIndexKey(f)]; ok {
			suffixes = append(suffixes, suffix)

			continue
		}

		if durableOnly(sh) {
			suffixes = append(suffixes, suffix)
		}
	}

	return job.Job{
		Kind:      job.SYNC,
		Policy:    part.Policy,
		Partition: part.Partition,
		PartPath:  part.PartPath,
		LocalDev:  part.LocalDev,
		Suffixes:  suffixes,
		Hashes:    m,
		FragIndex: f,
		SyncTo:    ringPartners(primaries, part.LocalDev, p.codec),
		RebuildFn: rebuildFn,
		State:     job.Planned,
	}
}

func durableOnly(sh job.SuffixHashes) bool {
	if len(sh) == 0 {
		return false
	}

	for k := range sh {
		if !k.Durable {
			return false
		}
	}

	return true
}

// planRevert emits the REVERT job for fragment index k: every suffix whose
// submap contains k, sync_to the duplication_factor devices on the primary
// list whose backend index equals k.
func (p *Planner) planRevert(part job.PartInfo, primaries []job.Device, m job.Manifest, k int) job.Job {
	var suffixes []string

	for _, suffix := range m.Suffixes() {
		if _, ok := m[suffix][job.FragIndexKey(k)]; ok {
			suffixes = append(suffixes, suffix)
		}
	}

	return job.Job{
		Kind:      job.REVERT,
		Policy:    part.Policy,
		Partition: part.Partition,
		PartPath:  part.PartPath,
		LocalDev:  part.LocalDev,
		Suffixes:  suffixes,
		Hashes:    m,
		FragIndex: k,
		SyncTo:    devicesForBackendIndex(primaries, k, p.codec),
		State:     job.Planned,
	}
}

// planTombstoneRevert emits the single REVERT job for a handoff partition
// holding only tombstones: frag_index = NoFragIndex, suffixes = all
// suffixes, sync_to = the full primary list.
func (p *Planner) planTombstoneRevert(part job.PartInfo, primaries []job.Device, m job.Manifest) job.Job {
	return job.Job{
		Kind:      job.REVERT,
		Policy:    part.Policy,
		Partition: part.Partition,
		PartPath:  part.PartPath,
		LocalDev:  part.LocalDev,
		Suffixes:  m.Suffixes(),
		Hashes:    m,
		FragIndex: job.NoFragIndex,
		SyncTo:    append([]job.Device{}, primaries...),
		State:     job.Planned,
	}
}

// ringPartners returns the two ring "partners" of the local device for this
// partition: the devices at (local_ring_index ± 1) mod replicas.
func ringPartners(primaries []job.Device, local job.Device, codec *eccodec.Codec) []job.Device {
	replicas := len(primaries)
	if replicas == 0 {
		return nil
	}

	localIdx := -1

	for i, d := range primaries {
		if d.String() == local.String() {
			localIdx = i

			break
		}
	}

	if localIdx < 0 {
		return nil
	}

	prev := primaries[(localIdx-1+replicas)%replicas]
	next := primaries[(localIdx+1)%replicas]

	_ = codec

	if prev.String() == next.String() {
		return []job.Device{prev}
	}

	return []job.Device{prev, next}
}

func devicesForBackendIndex(primaries []job.Device, k int, codec *eccodec.Codec) []job.Device {
	var out []job.Device

	for _, d := range primaries {
		if codec.GetBackendIndex(d.Index) == k {
			out = append(out, d)
		}
	}

	return out
}
