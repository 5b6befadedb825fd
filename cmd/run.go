package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/objectfs/reconstructord/pkg/eccodec"
	"github.com/objectfs/reconstructord/pkg/executor"
	"github.com/objectfs/reconstructord/pkg/fragmentstore"
	"github.com/objectfs/reconstructord/pkg/helper"
	"github.com/objectfs/reconstructord/pkg/job"
	"github.com/objectfs/reconstructord/pkg/lock/local"
	"github.com/objectfs/reconstructord/pkg/passhistory"
	"github.com/objectfs/reconstructord/pkg/peercontrol"
	"github.com/objectfs/reconstructord/pkg/peersync"
	"github.com/objectfs/reconstructord/pkg/planner"
	"github.com/objectfs/reconstructord/pkg/rebuilder"
	"github.com/objectfs/reconstructord/pkg/reconstructor"
	"github.com/objectfs/reconstructord/pkg/ring"
	"github.com/objectfs/reconstructord/pkg/scanner"
	"github.com/objectfs/reconstructord/pkg/server"
)

// sharedFlags returns the flags common to run-once and run-forever: device
// layout, ring/policy shape, peer auth, and handoffs mode. Grounded on
// cmd/serve.go's flag list shape (flagSources-wrapped, env-var fallback,
// validators where the value must parse before use).
func sharedFlags(flagSources flagSourcesFn) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:     "devices",
			Usage:    "Root path under which each local device is a subdirectory",
			Sources:  flagSources("reconstructor.devices", "RECONSTRUCTOR_DEVICES"),
			Required: true,
		},
		&cli.BoolFlag{
			Name:    "mount-check",
			Usage:   "Require each device directory to be a mount point",
			Sources: flagSources("reconstructor.mount-check", "RECONSTRUCTOR_MOUNT_CHECK"),
			Value:   true,
		},
		&cli.StringFlag{
			Name:     "policy",
			Usage:    "Name of the erasure-coded storage policy this process reconstructs",
			Sources:  flagSources("reconstructor.policy.name", "RECONSTRUCTOR_POLICY_NAME"),
			Required: true,
		},
		&cli.StringFlag{
			Name:     "ring-path",
			Usage:    "Path to the policy's ring file",
			Sources:  flagSources("reconstructor.policy.ring-path", "RECONSTRUCTOR_RING_PATH"),
			Required: true,
		},
		&cli.IntFlag{
			Name:     "ec-data-shards",
			Usage:    "Number of erasure-coded data shards for this policy",
			Sources:  flagSources("reconstructor.policy.ec-data-shards", "RECONSTRUCTOR_EC_DATA_SHARDS"),
			Required: true,
		},
		&cli.IntFlag{
			Name:     "ec-parity-shards",
			Usage:    "Number of erasure-coded parity shards for this policy",
			Sources:  flagSources("reconstructor.policy.ec-parity-shards", "RECONSTRUCTOR_EC_PARITY_SHARDS"),
			Required: true,
		},
		&cli.IntFlag{
			Name:    "ec-duplication-factor",
			Usage:   "Number of devices each unique fragment index is additionally replicated across",
			Sources: flagSources("reconstructor.policy.ec-duplication-factor", "RECONSTRUCTOR_EC_DUPLICATION_FACTOR"),
			Value:   1,
		},
		&cli.IntFlag{
			Name:    "ec-segment-size",
			Usage:   "Erasure-code segment size in bytes",
			Sources: flagSources("reconstructor.policy.ec-segment-size", "RECONSTRUCTOR_EC_SEGMENT_SIZE"),
			Value:   1 << 20,
		},
		&cli.StringFlag{
			Name:     "bind-ip",
			Usage:    "IP this device's ring records are matched against for locality",
			Sources:  flagSources("reconstructor.bind-ip", "RECONSTRUCTOR_BIND_IP"),
			Required: true,
		},
		&cli.IntFlag{
			Name:     "bind-port",
			Usage:    "Replication port this device's ring records are matched against for locality",
			Sources:  flagSources("reconstructor.bind-port", "RECONSTRUCTOR_BIND_PORT"),
			Required: true,
		},
		&cli.BoolFlag{
			Name:    "servers-per-port",
			Usage:   "Treat any port on the bound IP as local, ring ports notwithstanding",
			Sources: flagSources("reconstructor.servers-per-port", "RECONSTRUCTOR_SERVERS_PER_PORT"),
		},
		&cli.DurationFlag{
			Name:    "ring-freshness",
			Usage:   "Maximum age of the last successful ring load before a pass is skipped",
			Sources: flagSources("reconstructor.ring-freshness", "RECONSTRUCTOR_RING_FRESHNESS"),
			Value:   30 * time.Second,
		},
		&cli.DurationFlag{
			Name:    "reclaim-age",
			Usage:   "Age after which orphaned tmp files are reclaimed",
			Sources: flagSources("reconstructor.reclaim-age", "RECONSTRUCTOR_RECLAIM_AGE"),
			Value:   24 * time.Hour,
		},
		&cli.BoolFlag{
			Name:    "handoffs-only",
			Usage:   "Only execute REVERT jobs in a pass; SYNC jobs are skipped. Not for normal operation.",
			Sources: flagSources("reconstructor.handoffs-only", "RECONSTRUCTOR_HANDOFFS_ONLY"),
		},
		&cli.BoolFlag{
			Name:    "handoffs-first",
			Usage:   "Deprecated alias for --handoffs-only; ignored if --handoffs-only is explicitly set",
			Sources: flagSources("reconstructor.handoffs-first", "RECONSTRUCTOR_HANDOFFS_FIRST"),
		},
		&cli.StringFlag{
			Name:    "netrc-file",
			Usage:   "Path to a netrc file carrying the shared inter-node credential",
			Sources: flagSources("reconstructor.netrc-file", "RECONSTRUCTOR_NETRC_FILE"),
		},
		&cli.StringFlag{
			Name:    "netrc-machine",
			Usage:   "netrc machine name to look up for the inter-node credential",
			Sources: flagSources("reconstructor.netrc-machine", "RECONSTRUCTOR_NETRC_MACHINE"),
			Value:   "reconstructor-peer",
		},
		&cli.StringFlag{
			Name:    "pass-history-db",
			Usage:   "Path to the sqlite database recording pass history; empty disables history",
			Sources: flagSources("reconstructor.pass-history-db", "RECONSTRUCTOR_PASS_HISTORY_DB"),
		},
		&cli.StringFlag{
			Name:    "admin-addr",
			Usage:   "Address the admin HTTP surface (health, metrics) listens on",
			Sources: flagSources("reconstructor.admin-addr", "RECONSTRUCTOR_ADMIN_ADDR"),
			Value:   ":8502",
		},
	}
}

// components bundles everything built from flags that both subcommands need.
type components struct {
	loop    *reconstructor.Loop
	cleanup func()
}

func buildComponents(ctx context.Context, cmd *cli.Command) (*components, error) {
	logger := zerolog.Ctx(ctx)

	devicesPath := cmd.String("devices")
	policyName := cmd.String("policy")

	locker := local.NewRWLocker()

	store, err := fragmentstore.New(ctx, devicesPath, locker)
	if err != nil {
		return nil, fmt.Errorf("error constructing fragment store: %w", err)
	}

	codec, err := eccodec.New(
		int(cmd.Int("ec-data-shards")),
		int(cmd.Int("ec-parity-shards")),
		int(cmd.Int("ec-duplication-factor")),
		int(cmd.Int("ec-segment-size")),
	)
	if err != nil {
		return nil, fmt.Errorf("error constructing erasure codec: %w", err)
	}

	ringView, err := ring.New(ctx, ring.Options{
		Path:           cmd.String("ring-path"),
		PolicyName:     policyName,
		BindIP:         cmd.String("bind-ip"),
		BindPort:       int(cmd.Int("bind-port")),
		ServersPerPort: cmd.Bool("servers-per-port"),
		Freshness:      cmd.Duration("ring-freshness"),
		Load:           ring.JSONLoader(policyName),
	})
	if err != nil {
		return nil, fmt.Errorf("error constructing ring view: %w", err)
	}

	var creds *peercontrol.NetrcCredentials

	if netrcPath := cmd.String("netrc-file"); netrcPath != "" {
		creds, err = helper.LoadNetrcCredentials(netrcPath, cmd.String("netrc-machine"))
		if err != nil {
			logger.Warn().Err(err).Msg("failed to load netrc credentials, proceeding without peer authentication")
		}
	}

	peerClient := peercontrol.New(peercontrol.Options{Creds: creds})

	sc := scanner.New(store, scanner.Options{
		DevicesPath: devicesPath,
		Policies:    []string{policyName},
		MountCheck:  cmd.Bool("mount-check"),
		ReclaimAge:  cmd.Duration("reclaim-age"),
	})

	pl := planner.New(codec, ringView, store)

	exec := executor.New(executor.Options{
		Hashes: peerClient,
		Sender: peersync.PerJobSender{Store: store},
		Store:  store,
		MoreNodes: func(partition int) func() (job.Device, bool) {
			return ringView.MoreNodes(partition)
		},
	})

	rb := rebuilder.New(codec, peerClient)

	var history *passhistory.Store

	if dbPath := cmd.String("pass-history-db"); dbPath != "" {
		history, err = passhistory.Open(dbPath)
		if err != nil {
			return nil, fmt.Errorf("error opening pass history database: %w", err)
		}
	}

	handoffsOnly := cmd.Bool("handoffs-only")

	var schedule cron.Schedule

	var scheduleTZ *time.Location

	if spec := cmd.String("pass-schedule"); spec != "" {
		schedule, err = cron.ParseStandard(spec)
		if err != nil {
			return nil, fmt.Errorf("error parsing the pass-schedule cron spec %q: %w", spec, err)
		}

		if tz := cmd.String("pass-schedule-timezone"); tz != "" {
			scheduleTZ, err = time.LoadLocation(tz)
			if err != nil {
				return nil, fmt.Errorf("error parsing the pass-schedule-timezone %q: %w", tz, err)
			}
		}
	}

	loop := reconstructor.New(reconstructor.Options{
		Scanner:   sc,
		Planner:   pl,
		Executor:  exec,
		Ring:      ringView,
		Rebuilder: rb,
		Store:     store,
		History:   history,
		Codec:     codec,
		LocalDev: func(device string) job.Device {
			return job.Device{Device: device, ReplicationIP: cmd.String("bind-ip"), ReplicationPort: int(cmd.Int("bind-port"))}
		},
		HandoffsOnly:     &handoffsOnly,
		HandoffsFirst:    cmd.Bool("handoffs-first"),
		StatsInterval:    cmd.Duration("stats-interval"),
		Schedule:         schedule,
		ScheduleTimezone: scheduleTZ,
	})

	cleanup := func() {
		if history != nil {
			history.Close() //nolint:errcheck
		}
	}

	return &components{loop: loop, cleanup: cleanup}, nil
}

func runOnceCommand(flagSources flagSourcesFn) *cli.Command {
	flags := append(sharedFlags(flagSources), //nolint:gocritic
		&cli.StringSliceFlag{
			Name:  "override-device",
			Usage: "Limit this pass to the named device(s); repeatable",
		},
		&cli.IntSliceFlag{
			Name:  "override-partition",
			Usage: "Limit this pass to the named partition(s); repeatable",
		},
	)

	return &cli.Command{
		Name:  "run-once",
		Usage: "Perform a single reconstruction pass and exit",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			comps, err := buildComponents(ctx, cmd)
			if err != nil {
				return err
			}
			defer comps.cleanup()

			var overrideDevices map[string]bool

			if devs := cmd.StringSlice("override-device"); len(devs) > 0 {
				overrideDevices = make(map[string]bool, len(devs))
				for _, d := range devs {
					overrideDevices[d] = true
				}
			}

			var overridePartitions map[int]bool

			if parts := cmd.IntSlice("override-partition"); len(parts) > 0 {
				overridePartitions = make(map[int]bool, len(parts))
				for _, p := range parts {
					overridePartitions[int(p)] = true
				}
			}

			stats, err := comps.loop.RunOnce(ctx, overrideDevices, overridePartitions)
			if err != nil {
				return fmt.Errorf("error running reconstruction pass: %w", err)
			}

			zerolog.Ctx(ctx).Info().
				Int("part_count", stats.PartCount).
				Int("suffix_sync", stats.SuffixSync).
				Int("handoffs_remaining", stats.HandoffsRemaining).
				Msg("run-once complete")

			return nil
		},
	}
}

func runForeverCommand(flagSources flagSourcesFn) *cli.Command {
	flags := append(sharedFlags(flagSources), //nolint:gocritic
		&cli.DurationFlag{
			Name:    "stats-interval",
			Usage:   "Interval between reconstruction passes, used when pass-schedule is not set",
			Sources: flagSources("reconstructor.stats-interval", "RECONSTRUCTOR_STATS_INTERVAL"),
			Value:   5 * time.Minute,
		},
		&cli.StringFlag{
			Name:    "pass-schedule",
			Usage:   "Cron spec for reconstruction passes; overrides stats-interval when set. Refer to https://pkg.go.dev/github.com/robfig/cron/v3#hdr-Usage",
			Sources: flagSources("reconstructor.pass-schedule", "RECONSTRUCTOR_PASS_SCHEDULE"),
			Validator: func(s string) error {
				if s == "" {
					return nil
				}

				_, err := cron.ParseStandard(s)

				return err
			},
		},
		&cli.StringFlag{
			Name:    "pass-schedule-timezone",
			Usage:   "Timezone name for pass-schedule",
			Sources: flagSources("reconstructor.pass-schedule-timezone", "RECONSTRUCTOR_PASS_SCHEDULE_TIMEZONE"),
		},
	)

	return &cli.Command{
		Name:  "run-forever",
		Usage: "Run the reconstruction loop continuously, serving an admin HTTP surface",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			comps, err := buildComponents(ctx, cmd)
			if err != nil {
				return err
			}
			defer comps.cleanup()

			logger := zerolog.Ctx(ctx)

			g, ctx := errgroup.WithContext(ctx)

			g.Go(func() error {
				return autoMaxProcs(ctx, 30*time.Second)
			})

			health := loopHealth{}

			srv := server.New(health)

			httpSrv := &http.Server{
				BaseContext:       func(net.Listener) context.Context { return ctx },
				Addr:              cmd.String("admin-addr"),
				Handler:           srv,
				ReadHeaderTimeout: 10 * time.Second,
			}

			g.Go(func() error {
				logger.Info().Str("admin_addr", cmd.String("admin-addr")).Msg("admin HTTP surface started")

				if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("error starting the admin HTTP listener: %w", err)
				}

				return nil
			})

			g.Go(func() error {
				defer httpSrv.Close() //nolint:errcheck

				return comps.loop.RunForever(ctx)
			})

			if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}

			return nil
		},
	}
}

// loopHealth reports the reconstructor healthy unconditionally: RunForever
// logs and continues past per-pass errors (stale ring, skipped partitions)
// rather than treating them as fatal, so there is no failure mode here that
// should flip the admin surface unhealthy.
type loopHealth struct{}

func (loopHealth) Healthy() error { return nil }
