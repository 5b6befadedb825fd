// Package job holds the data types shared by the planner, executor and
// rebuilder: the ring device record, PartInfo, the SYNC/REVERT Job variant,
// and the suffix-hash manifest used to compare partition state across nodes.
package job

import (
	"cmp"
	"fmt"
	"slices"
)

// Device is a single entry from the placement ring: a storage node's address
// plus, for a given partition, the fragment index it holds.
type Device struct {
	ID               int
	Region           int
	Zone             int
	IP               string
	Port             int
	ReplicationIP    string
	ReplicationPort  int
	Device           string
	Index            int // fragment index for the partition this record was returned for
}

func (d Device) String() string {
	return fmt.Sprintf("%s:%d/%s", d.ReplicationIP, d.ReplicationPort, d.Device)
}

// FragKey is the suffix-hash manifest submap key: either a concrete fragment
// index or the Durable sentinel, matching the "integer or durable marker"
// dynamic type from the source policy. Durable sorts before any fragment
// index so manifests have a total, deterministic order.
type FragKey struct {
	Index   int
	Durable bool
}

// DurableKey is the sentinel submap key meaning "the durable-set hash at
// this suffix", as opposed to a specific fragment index.
func DurableKey() FragKey { return FragKey{Durable: true} }

// FragIndexKey wraps a concrete fragment index as a submap key.
func FragIndexKey(i int) FragKey { return FragKey{Index: i} }

func (k FragKey) String() string {
	if k.Durable {
		return "durable"
	}

	return fmt.Sprintf("%d", k.Index)
}

// Compare gives FragKey a total order: Durable sorts first, then fragment
// indices in ascending order.
func (k FragKey) Compare(o FragKey) int {
	if k.Durable != o.Durable {
		if k.Durable {
			return -1
		}

		return 1
	}

	return cmp.Compare(k.Index, o.Index)
}

// SuffixHashes is one suffix's submap: key (fragment index or durable) to
// content hash, hex-encoded.
type SuffixHashes map[FragKey]string

// Manifest is the per-suffix hash manifest used to compare partition state
// with a peer without transferring data. Two nodes agree on a suffix iff
// both manifests contain identical submaps for that suffix.
type Manifest map[string]SuffixHashes

// Suffixes returns the manifest's suffix keys in sorted order.
func (m Manifest) Suffixes() []string {
	out := make([]string, 0, len(m))
	for s := range m {
		out = append(out, s)
	}

	slices.Sort(out)

	return out
}

// Equal reports whether two suffix submaps are identical.
func (h SuffixHashes) Equal(o SuffixHashes) bool {
	if len(h) != len(o) {
		return false
	}

	for k, v := range h {
		if ov, ok := o[k]; !ok || ov != v {
			return false
		}
	}

	return true
}

// PartInfo describes one local partition directory discovered by the
// scanner: which device and policy it belongs to, and its on-disk path.
type PartInfo struct {
	LocalDev  Device
	Policy    string
	Partition int
	PartPath  string
}

// Kind distinguishes the two job variants the planner emits.
type Kind int

const (
	// SYNC refreshes peers with a fragment the local device legitimately owns.
	SYNC Kind = iota
	// REVERT moves a fragment off a device that should not hold it, then
	// deletes it locally once the peer has acknowledged receipt.
	REVERT
)

func (k Kind) String() string {
	if k == SYNC {
		return "sync"
	}

	return "revert"
}

// State is a Job's position in its per-job state machine.
type State int

const (
	Planned State = iota
	Comparing
	Transferring
	Cleaning
	Done
	Failed
	Deferred
)

func (s State) String() string {
	switch s {
	case Planned:
		return "planned"
	case Comparing:
		return "comparing"
	case Transferring:
		return "transferring"
	case Cleaning:
		return "cleaning"
	case Done:
		return "done"
	case Failed:
		return "failed"
	case Deferred:
		return "deferred"
	default:
		return "unknown"
	}
}

// RebuildFunc materializes a missing fragment archive locally for the named
// object during SYNC execution. The planner stores it on Job as a plain
// closure value (Job.RebuildFn), so Job holds no reference back into the
// executor.
type RebuildFunc func(meta ObjectMeta) error

// ObjectMeta is the subset of an object's metadata the rebuilder and
// executor need to identify and request a reconstruction.
type ObjectMeta struct {
	Name      string
	Suffix    string
	Hash      string
	Timestamp string
}

// NoFragIndex is the sentinel frag_index for tombstone-only REVERT jobs,
// where no fragment index can be inferred from the partition's contents.
const NoFragIndex = -1

// Job is one unit of reconstruction work: either SYNC (push the local
// fragment the device legitimately owns to its two ring partners) or REVERT
// (move a fragment off a device that should not hold it, to the primaries
// that should).
type Job struct {
	Kind      Kind
	Policy    string
	Partition int
	PartPath  string
	LocalDev  Device
	Device    Device
	Suffixes  []string
	Hashes    Manifest
	FragIndex int // NoFragIndex for tombstone-only REVERT
	SyncTo    []Device

	RebuildFn RebuildFunc // SYNC only

	State State
}

// Key identifies a job's (partition, frag_index) pair for invariant I1:
// at most one SYNC job per (partition, frag_index) per pass.
type Key struct {
	Partition int
	FragIndex int
}

func (j Job) Key() Key { return Key{Partition: j.Partition, FragIndex: j.FragIndex} }
