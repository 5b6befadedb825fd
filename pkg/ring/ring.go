// Package ring provides a read-only view of the placement ring: for a given
// partition, the ordered list of primary devices, a deterministic overflow
// sequence of handoff candidates, and whether a device record refers to this
// host. It reloads the on-disk ring atomically and exposes a freshness
// check so callers can skip a pass when the ring file has gone stale.
package ring

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/objectfs/reconstructord/pkg/job"
)

const otelPackageName = "github.com/objectfs/reconstructord/pkg/ring"

// ErrRingStale is returned by CheckRing when the on-disk ring file is older
// than the configured freshness window.
var ErrRingStale = errors.New("ring: file is stale")

//nolint:gochecknoglobals
var tracer = otel.Tracer(otelPackageName)

// Policy describes one storage policy's ring: its replica count and the
// partition-to-device-list assignment.
type Policy struct {
	Name       string
	Replicas   int
	Partitions map[int][]job.Device // device records, Index already resolved
}

// Loader reads a policy ring from its on-disk representation. Supplied by
// the caller so RingView stays agnostic of the ring's wire format.
type Loader func(path string) (Policy, time.Time, error)

// View is a read-only, periodically-reloaded view of one policy's ring.
type View struct {
	path         string
	policyName   string
	bindIP       string
	bindPort     int
	serversPerPort bool
	freshness    time.Duration
	load         Loader

	mu       sync.RWMutex
	policy   Policy
	loadedAt time.Time
}

// Options configures a new View.
type Options struct {
	Path           string
	PolicyName     string
	BindIP         string
	BindPort       int
	ServersPerPort bool
	Freshness      time.Duration
	Load           Loader
}

// New creates a View and performs the initial load.
func New(ctx context.Context, opts Options) (*View, error) {
	if opts.Freshness <= 0 {
		opts.Freshness = 30 * time.Second
	}

	v := &View{
		path:           opts.Path,
		policyName:     opts.PolicyName,
		bindIP:         opts.BindIP,
		bindPort:       opts.BindPort,
		serversPerPort: opts.ServersPerPort,
		freshness:      opts.Freshness,
		load:           opts.Load,
	}

	if err := v.reload(ctx); err != nil {
		return nil, err
	}

	return v, nil
}

// CheckRing reloads the ring from disk if its mtime changed, and returns
// ErrRingStale if the time the Loader reported for the last successful load
// (for JSONLoader, the ring file's modification time) is older than the
// freshness window. Callers are expected to call this before each pass and skip the
// pass on error.
func (v *View) CheckRing(ctx context.Context) error {
	_, span := tracer.Start(ctx, "ring.CheckRing",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("policy", v.policyName)),
	)
	defer span.End()

	if err := v.reload(ctx); err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Str("policy", v.policyName).Msg("error reloading the ring")
	}

	v.mu.RLock()
	age := time.Since(v.loadedAt)
	v.mu.RUnlock()

	if age > v.freshness {
		return fmt.Errorf("%w: last loaded %s ago (freshness window %s)", ErrRingStale, age, v.freshness)
	}

	return nil
}

func (v *View) reload(ctx context.Context) error {
	info, err := os.Stat(v.path)
	if err != nil {
		return fmt.Errorf("error stat'ing ring file: %w", err)
	}

	v.mu.RLock()
	current := v.loadedAt
	v.mu.RUnlock()

	if !current.IsZero() && !info.ModTime().After(current) {
		return nil
	}

	policy, loadedAt, err := v.load(v.path)
	if err != nil {
		return fmt.Errorf("error loading ring from %q: %w", v.path, err)
	}

	v.mu.Lock()
	v.policy = policy
	v.loadedAt = loadedAt
	v.mu.Unlock()

	zerolog.Ctx(ctx).Debug().Str("policy", v.policyName).Str("ring_path", v.path).Msg("reloaded ring")

	return nil
}

// Primaries returns the ordered device list for a partition; its length
// equals the policy's replica count.
func (v *View) Primaries(partition int) []job.Device {
	v.mu.RLock()
	defer v.mu.RUnlock()

	devs := v.policy.Partitions[partition]
	out := make([]job.Device, len(devs))
	copy(out, devs)

	return out
}

// MoreNodes returns a lazy, deterministic sequence of handoff candidates for
// a partition: every device record known to the ring, in a fixed order,
// excluding primaries. The returned function yields one device per call and
// reports false once exhausted.
func (v *View) MoreNodes(partition int) func() (job.Device, bool) {
	v.mu.RLock()
	primaries := v.policy.Partitions[partition]
	all := v.allDevicesSorted()
	v.mu.RUnlock()

	primarySet := make(map[string]bool, len(primaries))
	for _, d := range primaries {
		primarySet[d.String()] = true
	}

	idx := 0

	return func() (job.Device, bool) {
		for idx < len(all) {
			d := all[idx]
			idx++

			if !primarySet[d.String()] {
				return d, true
			}
		}

		return job.Device{}, false
	}
}

func (v *View) allDevicesSorted() []job.Device {
	seen := make(map[int]job.Device)

	var order []int

	for _, devs := range v.policy.Partitions {
		for _, d := range devs {
			if _, ok := seen[d.ID]; !ok {
				seen[d.ID] = d
				order = append(order, d.ID)
			}
		}
	}

	// Deterministic by device ID, independent of map iteration order.
	for i := 1; i < len(order); i++ {
		for j := i; j > 0 && order[j-1] > order[j]; j-- {
			order[j-1], order[j] = order[j], order[j-1]
		}
	}

	out := make([]job.Device, len(order))
	for i, id := range order {
		out[i] = seen[id]
	}

	return out
}

// IsLocal reports whether a device record refers to this host: its
// replication IP matches one of the host's bound IPs and its replication
// port matches the daemon's port, or — under servers-per-port mode — any
// bound port on that IP counts as local.
func (v *View) IsLocal(d job.Device) bool {
	if !ipMatchesHost(d.ReplicationIP, v.bindIP) {
		return false
	}

	if v.serversPerPort {
		return true
	}

	return d.ReplicationPort == v.bindPort
}

func ipMatchesHost(ip, bindIP string) bool {
	if bindIP == "0.0.0.0" || bindIP == "" {
		return isLocalAddr(ip)
	}

	return ip == bindIP
}

func isLocalAddr(ip string) bool {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return false
	}

	for _, a := range addrs {
		var host string

		switch v := a.(type) {
		case *net.IPNet:
			host = v.IP.String()
		case *net.IPAddr:
			host = v.IP.String()
		}

		if host == ip {
			return true
		}
	}

	return false
}
