// Package reconstructor implements ReconstructorLoop (C10), the top-level
// driver: Scanner -> Planner -> Executor over every local partition, once
// per pass, with pass-wide stats and handoffs_only/handoffs_first mode
// handling.
//
// Grounded on cmd/serve.go's run-loop shape (check preconditions, do the
// work, sleep, repeat) adapted from an HTTP server's accept loop to a
// partition-scanning pass loop.
package reconstructor

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/objectfs/reconstructord/pkg/eccodec"
	"github.com/objectfs/reconstructord/pkg/executor"
	"github.com/objectfs/reconstructord/pkg/fragmentstore"
	"github.com/objectfs/reconstructord/pkg/job"
	"github.com/objectfs/reconstructord/pkg/passhistory"
	"github.com/objectfs/reconstructord/pkg/planner"
	"github.com/objectfs/reconstructord/pkg/rebuilder"
	"github.com/objectfs/reconstructord/pkg/scanner"
)

// RingChecker is the subset of ring.View needed to gate a pass on ring
// freshness and to supply a partition's primary device list to the
// rebuild hook.
type RingChecker interface {
	CheckRing(ctx context.Context) error
	Primaries(partition int) []job.Device
}

// Options configures a Loop.
type Options struct {
	Scanner   *scanner.Scanner
	Planner   *planner.Planner
	Executor  *executor.Executor
	Ring      RingChecker
	Rebuilder *rebuilder.Rebuilder
	Store     *fragmentstore.Store
	History   *passhistory.Store
	Codec     *eccodec.Codec

	LocalDev func(device string) job.Device

	// HandoffsOnly, when non-nil, explicitly sets handoffs-only mode,
	// overriding HandoffsFirst.
	HandoffsOnly *bool
	// HandoffsFirst is the deprecated alias: true alone enables
	// handoffs-only with a deprecation warning.
	HandoffsFirst bool

	StatsInterval time.Duration

	// Schedule, when set, drives RunForever off a cron expression instead
	// of a fixed StatsInterval ticker — an operator running a policy with
	// a predictable low-traffic window can pin passes to it instead of
	// running continuously.
	Schedule         cron.Schedule
	ScheduleTimezone *time.Location
}

// Loop is the top-level reconstruction driver.
type Loop struct {
	opts         Options
	handoffsOnly bool
}

// New constructs a Loop, resolving the handoffs_only/handoffs_first
// deprecation precedence once up front.
func New(opts Options) *Loop {
	return &Loop{opts: opts, handoffsOnly: resolveHandoffsOnly(opts.HandoffsOnly, opts.HandoffsFirst)}
}

func resolveHandoffsOnly(explicit *bool, handoffsFirst bool) bool {
	if explicit != nil {
		return *explicit
	}

	return handoffsFirst
}

// RunOnce performs a single pass over every local partition matching the
// given overrides, returning the pass-wide stats.
func (l *Loop) RunOnce(ctx context.Context, overrideDevices map[string]bool, overridePartitions map[int]bool) (executor.Stats, error) {
	logger := zerolog.Ctx(ctx)

	if l.handoffsOnly && l.opts.HandoffsOnly == nil && l.opts.HandoffsFirst {
		logger.Warn().Msg("handoffs_first is deprecated, use handoffs_only instead")
	}

	if l.handoffsOnly {
		logger.Warn().Msg("running in handoffs_only mode, this is not for normal operation")
	}

	if err := l.opts.Ring.CheckRing(ctx); err != nil {
		logger.Error().Err(err).Msg("ring is stale, skipping pass")

		return executor.Stats{}, fmt.Errorf("error checking ring: %w", err)
	}

	s := l.opts.Scanner
	if overrideDevices != nil || overridePartitions != nil {
		s = s.WithOverrides(overrideDevices, overridePartitions)
	}

	parts, err := s.Scan(ctx, l.opts.LocalDev)
	if err != nil {
		return executor.Stats{}, fmt.Errorf("error scanning partitions: %w", err)
	}

	var passID string

	if l.opts.History != nil {
		passID, err = l.opts.History.StartPass(ctx, time.Now(), passhistory.Pass{})
		if err != nil {
			logger.Warn().Err(err).Msg("error starting pass history record")
		}
	}

	stats := executor.Stats{}

	for _, part := range parts {
		stats.PartCount++

		l.runPartition(ctx, part, &stats)
	}

	if l.handoffsOnly && stats.HandoffsRemaining == 0 {
		logger.Info().Msg("no handoffs remain, recommend leaving handoffs_only mode")
	}

	if l.opts.History != nil && passID != "" {
		if err := l.opts.History.FinishPass(ctx, passID, time.Now()); err != nil {
			logger.Warn().Err(err).Msg("error finishing pass history record")
		}
	}

	logger.Info().
		Int("part_count", stats.PartCount).
		Int("suffix_count", stats.SuffixCount).
		Int("suffix_sync", stats.SuffixSync).
		Int("handoffs_remaining", stats.HandoffsRemaining).
		Int("hashmatch_count", stats.HashMatchCount).
		Int("rebuilt_count", stats.RebuiltCount).
		Msg("reconstruction pass complete")

	return stats, nil
}

func (l *Loop) runPartition(ctx context.Context, part job.PartInfo, stats *executor.Stats) {
	jobs, err := l.opts.Planner.Plan(ctx, part, nil, l.rebuildFuncFor(part))
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Int("partition", part.Partition).Msg("error planning partition")

		return
	}

	for _, j := range jobs {
		if l.handoffsOnly && j.Kind == job.SYNC {
			continue
		}

		l.opts.Executor.Execute(ctx, j, stats)
	}
}

// rebuildFuncFor binds a RebuildFunc for one partition's SYNC jobs: it asks
// Rebuilder to reconstruct the object from peers, then persists the
// resulting archive via FragmentStore.
func (l *Loop) rebuildFuncFor(part job.PartInfo) job.RebuildFunc {
	if l.opts.Rebuilder == nil {
		return nil
	}

	primaries := l.opts.Ring.Primaries(part.Partition)

	return func(meta job.ObjectMeta) error {
		archive, err := l.opts.Rebuilder.Reconstruct(context.Background(), part.Partition, part.Policy, part.LocalDev, meta, primaries)
		if err != nil {
			return fmt.Errorf("error reconstructing object for suffix %q: %w", meta.Suffix, err)
		}

		fragIndex := l.opts.Codec.GetBackendIndex(part.LocalDev.Index)
		name := fmt.Sprintf("%s#%d.data", meta.Timestamp, fragIndex)

		return l.opts.Store.WriteFragment(context.Background(), part.LocalDev.Device, part.Policy, part.Partition, meta.Suffix, meta.Hash, name, archive)
	}
}

// RunForever runs RunOnce repeatedly until ctx is canceled, sleeping
// StatsInterval between passes.
func (l *Loop) RunForever(ctx context.Context) error {
	if l.opts.Schedule != nil {
		return l.runOnSchedule(ctx)
	}

	interval := l.opts.StatsInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	for {
		if _, err := l.RunOnce(ctx, nil, nil); err != nil {
			zerolog.Ctx(ctx).Error().Err(err).Msg("reconstruction pass failed")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

// runOnSchedule drives passes off a cron schedule instead of a fixed
// interval, grounded on pkg/cache.SetupCron/AddLRUCronJob/StartCron: a
// dedicated cron.Cron instance, one scheduled cron.FuncJob, stopped and
// drained on context cancellation.
func (l *Loop) runOnSchedule(ctx context.Context) error {
	var opts []cron.Option
	if l.opts.ScheduleTimezone != nil {
		opts = append(opts, cron.WithLocation(l.opts.ScheduleTimezone))
	}

	c := cron.New(opts...)

	logger := zerolog.Ctx(ctx)
	logger.Info().Time("next_run", l.opts.Schedule.Next(time.Now())).Msg("scheduling reconstruction passes")

	c.Schedule(l.opts.Schedule, cron.FuncJob(func() {
		if _, err := l.RunOnce(ctx, nil, nil); err != nil {
			logger.Error().Err(err).Msg("reconstruction pass failed")
		}
	}))

	c.Start()

	<-ctx.Done()

	<-c.Stop().Done()

	return ctx.Err()
}

