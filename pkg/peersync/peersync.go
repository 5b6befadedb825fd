// Package peersync streams specific suffix directories to a peer node and
// reports back an available map of what the peer actually received.
//
// Grounded on pkg/cache/upstream/cache.go's NAR pull path (streaming a
// response body into local storage via a temp file and atomic rename) and
// pkg/storage/chunk's content-addressed chunk store concept, adapted from
// NAR chunks to fragment archives: each object under a synced suffix is
// read from the local FragmentStore and sent to the peer inside a single
// JSON request body.
package peersync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/objectfs/reconstructord/pkg/fragmentstore"
	"github.com/objectfs/reconstructord/pkg/job"
)

const otelPackageName = "github.com/objectfs/reconstructord/pkg/peersync"

// defaultLockupTimeout bounds an entire Send call independent of the
// shorter per-HTTP-call timeout PeerControl uses: a stuck send is
// abandoned, marked as failure, and does not block the pass.
const defaultLockupTimeout = 5 * time.Minute

//nolint:gochecknoglobals
var tracer = otel.Tracer(otelPackageName)

// ErrLockup is returned when a Send call exceeds its lockup timeout.
var ErrLockup = errors.New("peersync: send exceeded lockup timeout")

// ObjectSource supplies the local fragment bodies under a suffix for a
// given fragment index, so Send can stream them to a peer without depending
// directly on FragmentStore's concrete type. Grounded on FragmentStore's
// yield_hashes operation (§4.2), narrowed to one suffix and one index.
type ObjectSource interface {
	YieldFragments(ctx context.Context, suffix string, fragIndex int) ([]FragmentEntry, error)
}

// FragmentEntry is one local fragment ready to stream to a peer.
type FragmentEntry struct {
	ObjectHash string
	Body       io.ReadCloser
}

// Client streams suffix directories to peers.
type Client struct {
	httpClient    *http.Client
	lockupTimeout time.Duration
	source        ObjectSource
}

// Options configures a new Client.
type Options struct {
	LockupTimeout time.Duration
	Source        ObjectSource
}

// New constructs a Client.
func New(opts Options) *Client {
	timeout := opts.LockupTimeout
	if timeout <= 0 {
		timeout = defaultLockupTimeout
	}

	return &Client{
		httpClient:    &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		lockupTimeout: timeout,
		source:        opts.Source,
	}
}

// sendEnvelope is the wire body Send PUTs to the peer: per-suffix object
// manifests followed by concatenated fragment bodies, expressed here as a
// JSON envelope for clarity (the actual object-server dialect is a
// multi-part SSYNC-style stream; the JSON form is an implementation detail
// private to this package and its test peer).
type sendEnvelope struct {
	Partition int                     `json:"partition"`
	FragIndex int                     `json:"frag_index"`
	Objects   []sendObject            `json:"objects"`
}

type sendObject struct {
	Suffix string `json:"suffix"`
	Hash   string `json:"hash"`
	Body   []byte `json:"body"`
}

type sendResponse struct {
	Available map[string]fragmentstore.Timestamps `json:"available"`
}

// Send streams the objects under suffixes for j to peer, returning whether
// the peer acknowledged success and the resulting available map.
func (c *Client) Send(
	ctx context.Context, j job.Job, peer job.Device, suffixes []string,
) (bool, fragmentstore.AvailableMap, error) {
	ctx, cancel := context.WithTimeout(ctx, c.lockupTimeout)
	defer cancel()

	ctx, span := tracer.Start(ctx, "peersync.Send",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("peer", peer.String()),
			attribute.Int("partition", j.Partition),
			attribute.Int("suffix_count", len(suffixes)),
		),
	)
	defer span.End()

	env := sendEnvelope{Partition: j.Partition, FragIndex: j.FragIndex}

	for _, suffix := range suffixes {
		objs, err := c.collectSuffix(ctx, j, suffix)
		if err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Str("suffix", suffix).Msg("error collecting suffix objects, skipping")

			continue
		}

		env.Objects = append(env.Objects, objs...)
	}

	body, err := json.Marshal(env)
	if err != nil {
		return false, nil, fmt.Errorf("error marshaling send envelope: %w", err)
	}

	u := fmt.Sprintf("http://%s:%d/%s/%d", peer.ReplicationIP, peer.ReplicationPort, peer.Device, j.Partition)

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, newBytesReader(body))
	if err != nil {
		return false, nil, fmt.Errorf("error building send request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return false, nil, fmt.Errorf("%w: %v", ErrLockup, err)
		}

		return false, nil, fmt.Errorf("error performing send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, nil, nil
	}

	var sr sendResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return false, nil, fmt.Errorf("error decoding send response: %w", err)
	}

	return true, sr.Available, nil
}

func (c *Client) collectSuffix(ctx context.Context, j job.Job, suffix string) ([]sendObject, error) {
	if c.source == nil {
		return nil, nil
	}

	entries, err := c.source.YieldFragments(ctx, suffix, j.FragIndex)
	if err != nil {
		return nil, fmt.Errorf("error yielding fragments under suffix %q: %w", suffix, err)
	}

	objs := make([]sendObject, 0, len(entries))

	for _, e := range entries {
		body, err := io.ReadAll(e.Body)
		e.Body.Close()

		if err != nil {
			return nil, fmt.Errorf("error reading fragment body for %q: %w", e.ObjectHash, err)
		}

		objs = append(objs, sendObject{Suffix: suffix, Hash: e.ObjectHash, Body: body})
	}

	return objs, nil
}

func newBytesReader(b []byte) io.Reader { return &byteReaderAt{b: b} }

type byteReaderAt struct {
	b []byte
	i int
}

func (r *byteReaderAt) Read(p []byte) (int, error) {
	if r.i >= len(r.b) {
		return 0, io.EOF
	}

	n := copy(p, r.b[r.i:])
	r.i += n

	return n, nil
}
