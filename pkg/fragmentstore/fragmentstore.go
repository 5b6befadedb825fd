// Package fragmentstore manages the on-disk fragment archive tree for the
// storage devices under one devices root: partition discovery, per-suffix hash computation with a
// warm-start cache, fragment deletion, and tmp-directory cleanup.
//
// Grounded on pkg/storage/local/local.go's path validation, directory setup,
// and Walk-based enumeration, adapted from a Nix store layout
// (store/narinfo, store/nar) to a Swift-style object-server layout
// (device/policy/partition/suffix/hash/fragment).
package fragmentstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/zeebo/blake3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/objectfs/reconstructord/pkg/job"
	"github.com/objectfs/reconstructord/pkg/lock"
)

const (
	otelPackageName = "github.com/objectfs/reconstructord/pkg/fragmentstore"

	hashesFileName = "hashes.zst"
	quarantineDir  = "quarantined"
	tmpDir         = "tmp"

	dirMode  = 0o700
	fileMode = 0o600
)

var (
	// ErrPathMustBeAbsolute is returned if the given devices root is not absolute.
	ErrPathMustBeAbsolute = errors.New("fragmentstore: devices root must be absolute")

	// ErrPathMustExist is returned if the given devices root does not exist.
	ErrPathMustExist = errors.New("fragmentstore: devices root must exist")

	// ErrCorruptPartitionDir is returned when a partition entry is a file, not a directory.
	ErrCorruptPartitionDir = errors.New("fragmentstore: partition entry is not a directory")

	//nolint:gochecknoglobals
	tracer = otel.Tracer(otelPackageName)
)

// Timestamps is one object's available-map entry.
type Timestamps struct {
	TSData  string
	TSMeta  string
	TSCtype string
}

// AvailableMap is returned by a successful peer sync: which objects the
// peer now has, keyed by object hash.
type AvailableMap map[string]Timestamps

// Store manages the fragment archive tree rooted at devicesPath, where each
// device is a subdirectory: devicesPath/device/policy/partition/suffix/hash/….
type Store struct {
	devicesPath string
	locker      lock.RWLocker
}

// New validates devicesPath and returns a Store.
func New(ctx context.Context, devicesPath string, locker lock.RWLocker) (*Store, error) {
	if !filepath.IsAbs(devicesPath) {
		return nil, ErrPathMustBeAbsolute
	}

	if _, err := os.Stat(devicesPath); errors.Is(err, fs.ErrNotExist) {
		return nil, ErrPathMustExist
	}

	return &Store{devicesPath: devicesPath, locker: locker}, nil
}

func (s *Store) policyPath(device, policy string) string {
	return filepath.Join(s.devicesPath, device, policy)
}

func (s *Store) partPath(device, policy string, partition int) string {
	return filepath.Join(s.policyPath(device, policy), strconv.Itoa(partition))
}

// ListPartitions returns the partition ids under device/policy, skipping
// non-directory entries, ancillary status files, and names that aren't
// base-10 integers. A partition entry that is a file rather than a
// directory is removed and a warning logged (CorruptPartitionDir).
func (s *Store) ListPartitions(ctx context.Context, device, policy string) ([]int, error) {
	ctx, span := tracer.Start(ctx, "fragmentstore.ListPartitions",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("device", device), attribute.String("policy", policy)),
	)
	defer span.End()

	root := s.policyPath(device, policy)

	entries, err := os.ReadDir(root)
	if errors.Is(err, fs.ErrNotExist) {
		if mkErr := os.MkdirAll(root, dirMode); mkErr != nil {
			return nil, fmt.Errorf("error creating policy data directory %q: %w", root, mkErr)
		}

		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("error reading policy data directory %q: %w", root, err)
	}

	var parts []int

	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "auditor_status_") {
			continue
		}

		n, convErr := strconv.Atoi(e.Name())
		if convErr != nil {
			continue
		}

		if !e.IsDir() {
			zerolog.Ctx(ctx).Warn().
				Str("path", filepath.Join(root, e.Name())).
				Msg("partition entry is not a directory, removing")

			if rmErr := os.Remove(filepath.Join(root, e.Name())); rmErr != nil {
				zerolog.Ctx(ctx).Error().Err(rmErr).Msg("error removing corrupt partition entry")
			}

			continue
		}

		parts = append(parts, n)
	}

	sort.Ints(parts)

	return parts, nil
}

// GetSuffixHashes returns the manifest for a partition, recalculating the
// requested suffixes and any suffix with no cached entry, and persists the
// merged result for next-pass warm start.
func (s *Store) GetSuffixHashes(
	ctx context.Context, device, policy string, partition int, recalc map[string]bool,
) (job.Manifest, error) {
	ctx, span := tracer.Start(ctx, "fragmentstore.GetSuffixHashes",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("device", device),
			attribute.String("policy", policy),
			attribute.Int("partition", partition),
		),
	)
	defer span.End()

	partPath := s.partPath(device, policy, partition)
	hashesPath := filepath.Join(partPath, hashesFileName)

	cached, err := job.ReadManifestFile(hashesPath)
	if err != nil && !errors.Is(err, fs.ErrNotExist) && !os.IsNotExist(err) {
		zerolog.Ctx(ctx).Warn().Err(err).Str("path", hashesPath).Msg("error reading cached hashes file, recomputing")
	}

	if cached == nil {
		cached = job.Manifest{}
	}

	onDiskSuffixes, err := s.listSuffixes(partPath)
	if err != nil {
		return nil, fmt.Errorf("error listing suffixes under %q: %w", partPath, err)
	}

	merged := job.Manifest{}

	for _, suffix := range onDiskSuffixes {
		if !recalc[suffix] {
			if h, ok := cached[suffix]; ok {
				merged[suffix] = h

				continue
			}
		}

		h, err := s.hashSuffix(ctx, device, policy, partition, filepath.Join(partPath, suffix))
		if err != nil {
			zerolog.Ctx(ctx).Error().Err(err).Str("suffix", suffix).Msg("error hashing suffix, skipping")

			continue
		}

		merged[suffix] = h
	}

	if err := job.WriteManifestFile(hashesPath, merged); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("path", hashesPath).Msg("error persisting hashes file")
	}

	return merged, nil
}

func (s *Store) listSuffixes(partPath string) ([]string, error) {
	entries, err := os.ReadDir(partPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	var suffixes []string

	for _, e := range entries {
		if !e.IsDir() || e.Name() == tmpDir || e.Name() == quarantineDir {
			continue
		}

		suffixes = append(suffixes, e.Name())
	}

	sort.Strings(suffixes)

	return suffixes, nil
}

// hashSuffix computes a submap for one suffix directory: one entry per
// fragment index (or Durable) inferred from the fragment archive filenames,
// whose value is a BLAKE3 hash over every hash-directory child's archive
// hash for that key, in directory order. A fragment file
// that matches a known archive name but fails to hash (truncated,
// unreadable) is proven corrupt rather than simply missing, so it is
// quarantined instead of silently left in place for the next pass to trip
// over again.
func (s *Store) hashSuffix(
	ctx context.Context, device, policy string, partition int, suffixPath string,
) (job.SuffixHashes, error) {
	entries, err := os.ReadDir(suffixPath)
	if errors.Is(err, fs.ErrNotExist) {
		return job.SuffixHashes{}, nil
	}

	if err != nil {
		return nil, err
	}

	perKey := map[job.FragKey]*blake3.Hasher{}

	for _, hashDir := range entries {
		if !hashDir.IsDir() {
			continue
		}

		hashDirPath := filepath.Join(suffixPath, hashDir.Name())

		frags, err := os.ReadDir(hashDirPath)
		if err != nil {
			continue
		}

		for _, f := range frags {
			if f.IsDir() {
				continue
			}

			key, ok := fragKeyFromName(f.Name())
			if !ok {
				continue
			}

			fragPath := filepath.Join(hashDirPath, f.Name())

			h, err := blake3FileHash(fragPath)
			if err != nil {
				if qErr := s.Quarantine(ctx, device, policy, partition, fragPath); qErr != nil {
					zerolog.Ctx(ctx).Error().Err(qErr).Str("path", fragPath).Msg("error quarantining corrupt fragment")
				}

				continue
			}

			kh, ok := perKey[key]
			if !ok {
				kh = blake3.New()
				perKey[key] = kh
			}

			kh.Write([]byte(hashDir.Name() + "/" + f.Name() + ":" + h + "\n")) //nolint:errcheck
		}
	}

	out := job.SuffixHashes{}
	for key, kh := range perKey {
		out[key] = fmt.Sprintf("%x", kh.Sum(nil))
	}

	return out, nil
}

// fragKeyFromName infers a job.FragKey from a fragment archive's filename,
// of the form "<timestamp>#<frag_index>.data", "<timestamp>.ts" (tombstone,
// Durable), or "<timestamp>.durable".
func fragKeyFromName(name string) (job.FragKey, bool) {
	if strings.HasSuffix(name, ".ts") || strings.HasSuffix(name, ".durable") {
		return job.DurableKey(), true
	}

	i := strings.IndexByte(name, '#')
	if i < 0 {
		return job.FragKey{}, false
	}

	j := strings.IndexByte(name[i+1:], '.')
	if j < 0 {
		j = len(name) - i - 1
	}

	idx, err := strconv.Atoi(name[i+1 : i+1+j])
	if err != nil {
		return job.FragKey{}, false
	}

	return job.FragIndexKey(idx), true
}

func blake3FileHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := blake3.New()
	if _, err := copyInto(h, f); err != nil {
		return "", err
	}

	return fmt.Sprintf("%x", h.Sum(nil)), nil
}

func copyInto(h *blake3.Hasher, f *os.File) (int64, error) {
	buf := make([]byte, 64*1024)

	var total int64

	for {
		n, err := f.Read(buf)
		if n > 0 {
			h.Write(buf[:n]) //nolint:errcheck

			total += int64(n)
		}

		if err != nil {
			if errors.Is(err, io.EOF) {
				return total, nil
			}

			return total, err
		}
	}
}

// DeleteObjects deletes the local fragment matching fragIndex for every
// object in the available map; tombstones are deleted unconditionally.
func (s *Store) DeleteObjects(
	ctx context.Context, device, policy string, partition int, suffix string, avail AvailableMap, fragIndex int,
) error {
	ctx, span := tracer.Start(ctx, "fragmentstore.DeleteObjects",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("device", device),
			attribute.String("policy", policy),
			attribute.Int("partition", partition),
			attribute.String("suffix", suffix),
			attribute.Int("frag_index", fragIndex),
		),
	)
	defer span.End()

	suffixPath := filepath.Join(s.partPath(device, policy, partition), suffix)

	for objHash := range avail {
		hashDir := filepath.Join(suffixPath, objHash)

		if err := s.deleteFragment(ctx, hashDir, fragIndex); err != nil {
			zerolog.Ctx(ctx).Error().Err(err).Str("hash_dir", hashDir).Msg("error deleting fragment")
		}
	}

	return nil
}

func (s *Store) deleteFragment(ctx context.Context, hashDir string, fragIndex int) error {
	lockKey := hashDir

	if err := s.locker.Lock(ctx, lockKey, 0); err != nil {
		return fmt.Errorf("error locking %q: %w", lockKey, err)
	}
	defer s.locker.Unlock(ctx, lockKey) //nolint:errcheck

	entries, err := os.ReadDir(hashDir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}

	if err != nil {
		return err
	}

	for _, e := range entries {
		key, ok := fragKeyFromName(e.Name())
		if !ok {
			continue
		}

		if key.Durable || key.Index == fragIndex {
			if err := os.Remove(filepath.Join(hashDir, e.Name())); err != nil && !os.IsNotExist(err) {
				return err
			}
		}
	}

	remaining, err := os.ReadDir(hashDir)
	if err == nil && len(remaining) == 0 {
		os.Remove(hashDir) //nolint:errcheck
	}

	return nil
}

// FragmentHandle is one on-disk fragment ready to be streamed to a peer.
type FragmentHandle struct {
	ObjectHash string
	Body       io.ReadCloser
}

// YieldFragments returns an open handle to every local fragment archive
// under suffix whose fragment index equals fragIndex. Grounded on
// FragmentStore's yield_hashes operation (§4.2), narrowed to the objects a
// single SYNC or REVERT job needs to ship.
func (s *Store) YieldFragments(
	ctx context.Context, device, policy string, partition int, suffix string, fragIndex int,
) ([]FragmentHandle, error) {
	suffixPath := filepath.Join(s.partPath(device, policy, partition), suffix)

	entries, err := os.ReadDir(suffixPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("error reading suffix directory %q: %w", suffixPath, err)
	}

	var out []FragmentHandle

	for _, hashDir := range entries {
		if !hashDir.IsDir() {
			continue
		}

		hashDirPath := filepath.Join(suffixPath, hashDir.Name())

		frags, err := os.ReadDir(hashDirPath)
		if err != nil {
			continue
		}

		for _, f := range frags {
			key, ok := fragKeyFromName(f.Name())
			if !ok || key.Durable || key.Index != fragIndex {
				continue
			}

			fp := filepath.Join(hashDirPath, f.Name())

			r, err := os.Open(fp)
			if err != nil {
				zerolog.Ctx(ctx).Warn().Err(err).Str("path", fp).Msg("error opening fragment for yield")

				continue
			}

			out = append(out, FragmentHandle{ObjectHash: hashDir.Name(), Body: r})
		}
	}

	return out, nil
}

// MissingFragments returns one ObjectMeta per object hash directory under
// suffix that holds at least one fragment archive but none for fragIndex:
// the object is known locally but this device's fragment of it is gone, so
// it is a rebuild candidate. Grounded on YieldFragments' own hash-directory
// walk, narrowed to the negative case the rebuild hook needs.
func (s *Store) MissingFragments(
	ctx context.Context, device, policy string, partition int, suffix string, fragIndex int,
) ([]job.ObjectMeta, error) {
	suffixPath := filepath.Join(s.partPath(device, policy, partition), suffix)

	entries, err := os.ReadDir(suffixPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("error reading suffix directory %q: %w", suffixPath, err)
	}

	var out []job.ObjectMeta

	for _, hashDir := range entries {
		if !hashDir.IsDir() {
			continue
		}

		hashDirPath := filepath.Join(suffixPath, hashDir.Name())

		frags, err := os.ReadDir(hashDirPath)
		if err != nil {
			continue
		}

		have := false
		latestTS := ""

		for _, f := range frags {
			key, ok := fragKeyFromName(f.Name())
			if !ok {
				continue
			}

			if !key.Durable && key.Index == fragIndex {
				have = true

				break
			}

			if ts := timestampFromName(f.Name()); ts > latestTS {
				latestTS = ts
			}
		}

		if have || latestTS == "" {
			continue
		}

		out = append(out, job.ObjectMeta{
			Name:      hashDir.Name(),
			Suffix:    suffix,
			Hash:      hashDir.Name(),
			Timestamp: latestTS,
		})
	}

	return out, nil
}

// timestampFromName extracts the leading timestamp from a fragment archive
// filename, stripping the "#<frag_index>" or ".ts"/".durable" suffix.
func timestampFromName(name string) string {
	if i := strings.IndexByte(name, '#'); i >= 0 {
		return name[:i]
	}

	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		return name[:i]
	}

	return ""
}

// WriteFragment writes a reconstructed fragment archive to its canonical
// path under suffix/objectHash, via a tmp-directory write and atomic
// rename, so a concurrent reader never observes a partial file. Used by the
// rebuild hook to materialize an archive Rebuilder produced from peers.
func (s *Store) WriteFragment(
	ctx context.Context, device, policy string, partition int, suffix, objectHash, name string, archive []byte,
) error {
	destDir := filepath.Join(s.partPath(device, policy, partition), suffix, objectHash)
	if err := os.MkdirAll(destDir, dirMode); err != nil {
		return fmt.Errorf("error creating hash directory %q: %w", destDir, err)
	}

	lockKey := destDir

	if err := s.locker.Lock(ctx, lockKey, 0); err != nil {
		return fmt.Errorf("error locking %q: %w", lockKey, err)
	}
	defer s.locker.Unlock(ctx, lockKey) //nolint:errcheck

	tmpRoot := filepath.Join(s.devicesPath, device, tmpDir)
	if err := os.MkdirAll(tmpRoot, dirMode); err != nil {
		return fmt.Errorf("error creating tmp directory %q: %w", tmpRoot, err)
	}

	tmpFile, err := os.CreateTemp(tmpRoot, "rebuild-*")
	if err != nil {
		return fmt.Errorf("error creating tmp fragment file: %w", err)
	}

	if _, err := tmpFile.Write(archive); err != nil {
		tmpFile.Close()
		os.Remove(tmpFile.Name())

		return fmt.Errorf("error writing tmp fragment file: %w", err)
	}

	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpFile.Name())

		return fmt.Errorf("error closing tmp fragment file: %w", err)
	}

	dest := filepath.Join(destDir, name)
	if err := os.Rename(tmpFile.Name(), dest); err != nil {
		os.Remove(tmpFile.Name())

		return fmt.Errorf("error renaming fragment into place: %w", err)
	}

	zerolog.Ctx(ctx).Debug().Str("path", dest).Msg("wrote rebuilt fragment")

	return nil
}

// Quarantine moves a corrupt fragment archive aside so it no longer
// participates in hashing or sync, instead of deleting it outright.
func (s *Store) Quarantine(ctx context.Context, device, policy string, partition int, fragPath string) error {
	qDir := filepath.Join(s.partPath(device, policy, partition), quarantineDir)

	if err := os.MkdirAll(qDir, dirMode); err != nil {
		return fmt.Errorf("error creating quarantine directory: %w", err)
	}

	dst := filepath.Join(qDir, filepath.Base(fragPath)+"-"+strconv.FormatInt(time.Now().UnixNano(), 10))

	if err := os.Rename(fragPath, dst); err != nil {
		return fmt.Errorf("error quarantining %q: %w", fragPath, err)
	}

	zerolog.Ctx(ctx).Warn().Str("path", fragPath).Str("quarantined_to", dst).Msg("quarantined corrupt fragment")

	return nil
}

// CleanupTmp removes temp-directory entries under device older than
// reclaimAge.
func (s *Store) CleanupTmp(ctx context.Context, device string, reclaimAge time.Duration) error {
	root := filepath.Join(s.devicesPath, device, tmpDir)

	entries, err := os.ReadDir(root)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}

	if err != nil {
		return fmt.Errorf("error reading tmp directory %q: %w", root, err)
	}

	cutoff := time.Now().Add(-reclaimAge)

	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}

		if info.ModTime().Before(cutoff) {
			p := filepath.Join(root, e.Name())
			if err := os.RemoveAll(p); err != nil {
				zerolog.Ctx(ctx).Error().Err(err).Str("path", p).Msg("error reclaiming stale tmp entry")
			}
		}
	}

	return nil
}
