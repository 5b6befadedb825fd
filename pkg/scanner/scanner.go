// Package scanner walks each local device's erasure-coded policy
// directories and emits one PartInfo per partition directory found,
// honoring device/partition overrides and mount-check configuration.
//
// Grounded on pkg/storage/local.go's directory enumeration style
// (Walk-based, tolerant of missing intermediate directories) combined with
// FragmentStore's ListPartitions for the actual partition listing.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/objectfs/reconstructord/pkg/fragmentstore"
	"github.com/objectfs/reconstructord/pkg/job"
)

// ErrNotMounted is returned when mount_check is enabled and a device path
// is not a mount point.
var ErrNotMounted = errors.New("scanner: device is not a mount point")

// Options configures a Scan pass.
type Options struct {
	DevicesPath       string
	Policies          []string
	MountCheck        bool
	ReclaimAge        time.Duration
	OverrideDevices   map[string]bool
	OverridePartitions map[int]bool
}

// Scanner enumerates local partitions for one or more erasure-coded
// policies.
type Scanner struct {
	store *fragmentstore.Store
	opts  Options
}

// New constructs a Scanner.
func New(store *fragmentstore.Store, opts Options) *Scanner {
	return &Scanner{store: store, opts: opts}
}

// WithOverrides returns a copy of the Scanner with its device/partition
// overrides replaced, for a single run_once call carrying its own
// override_devices/override_partitions arguments.
func (s *Scanner) WithOverrides(devices map[string]bool, partitions map[int]bool) *Scanner {
	opts := s.opts
	opts.OverrideDevices = devices
	opts.OverridePartitions = partitions

	return &Scanner{store: s.store, opts: opts}
}

// Scan returns the PartInfo records for every local device and policy,
// after cleaning each device's tmp directory. Devices failing the mount
// check, or the override filter, are skipped.
func (s *Scanner) Scan(ctx context.Context, localDev func(device string) job.Device) ([]job.PartInfo, error) {
	devices, err := s.listDevices(ctx)
	if err != nil {
		return nil, fmt.Errorf("error listing devices: %w", err)
	}

	var parts []job.PartInfo

	for _, device := range devices {
		if len(s.opts.OverrideDevices) > 0 && !s.opts.OverrideDevices[device] {
			continue
		}

		devicePath := filepath.Join(s.opts.DevicesPath, device)

		if s.opts.MountCheck {
			mounted, err := isMountPoint(devicePath)
			if err != nil {
				zerolog.Ctx(ctx).Error().Err(err).Str("device", device).Msg("error checking mount point")

				continue
			}

			if !mounted {
				zerolog.Ctx(ctx).Error().Str("device", device).Msg("device is not mounted, skipping")

				continue
			}
		}

		if err := s.store.CleanupTmp(ctx, device, s.opts.ReclaimAge); err != nil {
			zerolog.Ctx(ctx).Error().Err(err).Str("device", device).Msg("error cleaning tmp directory")
		}

		for _, policy := range s.opts.Policies {
			partitions, err := s.store.ListPartitions(ctx, device, policy)
			if err != nil {
				zerolog.Ctx(ctx).Error().Err(err).Str("device", device).Str("policy", policy).
					Msg("error listing partitions")

				continue
			}

			for _, p := range partitions {
				if len(s.opts.OverridePartitions) > 0 && !s.opts.OverridePartitions[p] {
					continue
				}

				parts = append(parts, job.PartInfo{
					LocalDev:  localDev(device),
					Policy:    policy,
					Partition: p,
					PartPath:  filepath.Join(s.opts.DevicesPath, device, policy, fmt.Sprint(p)),
				})
			}
		}
	}

	return parts, nil
}

func (s *Scanner) listDevices(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.opts.DevicesPath)
	if err != nil {
		return nil, err
	}

	var devices []string

	for _, e := range entries {
		if !e.IsDir() {
			continue
		}

		devices = append(devices, e.Name())
	}

	sort.Strings(devices)

	_ = ctx

	return devices, nil
}

func isMountPoint(path string) (bool, error) {
	var pathStat, parentStat unix.Stat_t

	if err := unix.Stat(path, &pathStat); err != nil {
		return false, err
	}

	if err := unix.Stat(filepath.Dir(path), &parentStat); err != nil {
		return false, err
	}

	return pathStat.Dev != parentStat.Dev, nil
}
