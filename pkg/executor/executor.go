// Package executor implements JobExecutor (C8): drives a single Job through
// its Comparing -> Transferring -> Cleaning -> Done|Failed|Deferred state
// machine, computing suffix deltas against each sync_to peer, streaming
// them with PeerSync, deleting reverted fragments locally on acknowledged
// REVERT, and invoking the Rebuilder when a SYNC object's local fragment is
// missing or disagrees with the peer.
//
// Grounded on pkg/cache/upstream/cache.go's retry-over-candidates shape for
// SYNC's backup-node fallback, and pkg/storage/chunk's commit-on-ack pattern
// for REVERT's delete-after-send.
package executor

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/objectfs/reconstructord/pkg/fragmentstore"
	"github.com/objectfs/reconstructord/pkg/job"
	"github.com/objectfs/reconstructord/pkg/peercontrol"
)

const otelPackageName = "github.com/objectfs/reconstructord/pkg/executor"

// defaultBackupLimit bounds how many handoff candidates a failed SYNC peer
// tries before giving up for this pass.
const defaultBackupLimit = 3

//nolint:gochecknoglobals
var tracer = otel.Tracer(otelPackageName)

// ErrNoRebuildFunc is returned when a SYNC object needs rebuilding but the
// job carries no RebuildFn.
var ErrNoRebuildFunc = errors.New("executor: object needs rebuilding but no RebuildFn is set")

// HashFetcher fetches a peer's suffix-hash manifest, and can force a
// recalculation of specific suffixes.
type HashFetcher interface {
	FetchSuffixHashes(ctx context.Context, peer job.Device, partition int, policy string, suffixes []string) (job.Manifest, error)
}

// Sender streams objects under suffixes to a peer.
type Sender interface {
	Send(ctx context.Context, j job.Job, peer job.Device, suffixes []string) (bool, fragmentstore.AvailableMap, error)
}

// Deleter removes local fragments once a peer has acknowledged them.
type Deleter interface {
	DeleteObjects(ctx context.Context, device, policy string, partition int, suffix string, avail fragmentstore.AvailableMap, fragIndex int) error
}

// FragmentLister enumerates the local objects under a suffix that are
// missing a specific fragment index, so rebuildMissing can invoke RebuildFn
// once per object rather than once per suffix.
type FragmentLister interface {
	MissingFragments(ctx context.Context, device, policy string, partition int, suffix string, fragIndex int) ([]job.ObjectMeta, error)
}

// Store is the subset of FragmentStore the executor needs.
type Store interface {
	Deleter
	FragmentLister
}

// MoreNodes yields the ring's deterministic handoff-candidate sequence for a
// partition, used by SYNC to find a backup peer when a primary sync_to
// target fails.
type MoreNodes func(partition int) func() (job.Device, bool)

// Stats accumulates the pass-wide counters the reconstructor reports at
// each pass boundary. Callers must serialize access across jobs within a
// pass, per the concurrency model's "writes ... must be serialized per
// pass" rule.
type Stats struct {
	PartCount         int
	SuffixCount       int
	SuffixSync        int
	HandoffsRemaining int
	HashMatchCount    int
	RebuiltCount      int
}

// Executor drives Jobs through their state machine.
type Executor struct {
	hashes      HashFetcher
	sender      Sender
	store       Store
	moreNodes   MoreNodes
	backupLimit int
}

// Options configures a new Executor.
type Options struct {
	Hashes      HashFetcher
	Sender      Sender
	Store       Store
	MoreNodes   MoreNodes
	BackupLimit int
}

// New constructs an Executor.
func New(opts Options) *Executor {
	limit := opts.BackupLimit
	if limit <= 0 {
		limit = defaultBackupLimit
	}

	return &Executor{
		hashes:      opts.Hashes,
		sender:      opts.Sender,
		store:       opts.Store,
		moreNodes:   opts.MoreNodes,
		backupLimit: limit,
	}
}

// Execute runs one Job to completion and returns it with its final State.
func (e *Executor) Execute(ctx context.Context, j job.Job, stats *Stats) job.Job {
	ctx, span := tracer.Start(ctx, "executor.Execute",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("kind", j.Kind.String()),
			attribute.Int("partition", j.Partition),
			attribute.Int("frag_index", j.FragIndex),
		),
	)
	defer span.End()

	j.State = job.Comparing

	switch j.Kind {
	case job.SYNC:
		return e.executeSync(ctx, j, stats)
	default:
		return e.executeRevert(ctx, j, stats)
	}
}

func (e *Executor) executeSync(ctx context.Context, j job.Job, stats *Stats) job.Job {
	if len(j.Suffixes) == 0 {
		// No suffixes: no peer is contacted and nothing is transferred.
		j.State = job.Done

		return j
	}

	j.State = job.Transferring

	anyFailure := false

	for _, primary := range j.SyncTo {
		if primary.String() == j.LocalDev.String() {
			continue
		}

		peer := e.resolvePeer(ctx, j, primary, stats)
		if peer == nil {
			anyFailure = true

			continue
		}
	}

	if anyFailure {
		j.State = job.Deferred

		return j
	}

	j.State = job.Done

	return j
}

// resolvePeer computes the delta against one SYNC target, sends it, and on
// failure walks backup candidates from the ring up to the configured limit.
// Returns the device actually synced to, or nil if every candidate failed.
func (e *Executor) resolvePeer(ctx context.Context, j job.Job, target job.Device, stats *Stats) *job.Device {
	candidates := []job.Device{target}

	if e.moreNodes != nil {
		next := e.moreNodes(j.Partition)

		for i := 0; i < e.backupLimit; i++ {
			d, ok := next()
			if !ok {
				break
			}

			if d.String() == j.LocalDev.String() {
				continue
			}

			candidates = append(candidates, d)
		}
	}

	for _, peer := range candidates {
		if e.syncToPeer(ctx, j, peer, stats) {
			return &peer
		}
	}

	return nil
}

func (e *Executor) syncToPeer(ctx context.Context, j job.Job, peer job.Device, stats *Stats) bool {
	peerManifest, err := e.hashes.FetchSuffixHashes(ctx, peer, j.Partition, j.Policy, nil)
	if err != nil {
		if !isNotFoundPeer(err) {
			zerolog.Ctx(ctx).Warn().Err(err).Str("peer", peer.String()).Msg("error fetching peer manifest")
		}

		return false
	}

	keys := []job.FragKey{job.FragIndexKey(j.FragIndex), job.DurableKey()}

	local := job.Manifest{}
	for _, s := range j.Suffixes {
		local[s] = j.Hashes[s]
	}

	delta := job.SuffixDelta(local, peerManifest, keys)

	stats.SuffixCount += len(j.Suffixes)

	if len(delta) == 0 {
		stats.HashMatchCount += len(j.Suffixes)

		return true
	}

	if err := e.rebuildMissing(ctx, j, delta, stats); err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("error rebuilding missing local fragment before sync")

		return false
	}

	ok, _, err := e.sender.Send(ctx, j, peer, delta)
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("peer", peer.String()).Msg("error sending sync delta")

		return false
	}

	if !ok {
		return false
	}

	stats.SuffixSync += len(delta)

	if _, err := e.hashes.FetchSuffixHashes(ctx, peer, j.Partition, j.Policy, delta); err != nil && !isNotFoundPeer(err) {
		zerolog.Ctx(ctx).Warn().Err(err).Str("peer", peer.String()).Msg("error requesting peer re-hash")
	}

	return true
}

// isNotFoundPeer reports whether err is a peercontrol 404: per B3, a 404
// during suffix-hash fetch is routine (the peer has no data for this
// partition yet) and must not be logged.
func isNotFoundPeer(err error) bool {
	var pcErr *peercontrol.Error

	return errors.As(err, &pcErr) && pcErr.Kind == peercontrol.NotFoundPeer
}

// rebuildMissing invokes the job's RebuildFn once per object under a
// mismatched suffix where the local manifest has no entry for this job's
// fragment index: the local archive is missing even though this device is
// the primary for it, so each such object must be reconstructed from peers
// before the suffix can be synced.
func (e *Executor) rebuildMissing(ctx context.Context, j job.Job, delta []string, stats *Stats) error {
	if j.Kind != job.SYNC {
		return nil
	}

	for _, suffix := range delta {
		if _, ok := j.Hashes[suffix][job.FragIndexKey(j.FragIndex)]; ok {
			continue
		}

		if j.RebuildFn == nil {
			return ErrNoRebuildFunc
		}

		missing, err := e.store.MissingFragments(ctx, j.LocalDev.Device, j.Policy, j.Partition, suffix, j.FragIndex)
		if err != nil {
			return fmt.Errorf("error listing objects missing fragment %d under suffix %q: %w", j.FragIndex, suffix, err)
		}

		for _, meta := range missing {
			if err := j.RebuildFn(meta); err != nil {
				return err
			}

			stats.RebuiltCount++
		}
	}

	return nil
}

func (e *Executor) executeRevert(ctx context.Context, j job.Job, stats *Stats) job.Job {
	if len(j.Suffixes) == 0 {
		j.State = job.Done

		return j
	}

	j.State = job.Transferring

	anyFailure := false

	for _, peer := range j.SyncTo {
		ok, avail, err := e.sender.Send(ctx, j, peer, j.Suffixes)
		if err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Str("peer", peer.String()).Msg("error sending revert")

			anyFailure = true
			stats.HandoffsRemaining++

			continue
		}

		if !ok {
			anyFailure = true
			stats.HandoffsRemaining++

			continue
		}

		j.State = job.Cleaning

		for _, suffix := range j.Suffixes {
			if err := e.store.DeleteObjects(ctx, j.LocalDev.Device, j.Policy, j.Partition, suffix, avail, j.FragIndex); err != nil {
				zerolog.Ctx(ctx).Error().Err(err).Str("suffix", suffix).Msg("error deleting reverted objects")
			}
		}
	}

	if anyFailure {
		j.State = job.Deferred

		return j
	}

	j.State = job.Done

	return j
}
