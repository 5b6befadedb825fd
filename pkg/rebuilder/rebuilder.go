// Package rebuilder implements Rebuilder (C9): given a target node and an
// object's metadata, fetch the object's surviving fragments from every other
// primary in parallel, validate and group the responses, and hand the
// chosen group to ECCodec.Decode to materialize the missing fragment
// archive.
//
// Grounded on pkg/cache/upstream/cache.go's parallel-fetch-then-pick-best
// shape (there: first healthy upstream; here: most-recent, largest
// agreeing group) and on ECCodec for the actual reconstruction.
package rebuilder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/objectfs/reconstructord/pkg/eccodec"
	"github.com/objectfs/reconstructord/pkg/job"
	"github.com/objectfs/reconstructord/pkg/peercontrol"
)

const otelPackageName = "github.com/objectfs/reconstructord/pkg/rebuilder"

//nolint:gochecknoglobals
var tracer = otel.Tracer(otelPackageName)

// ErrInsufficientFragments is returned when fewer than NData distinct
// fragment indices survive validation and grouping.
var ErrInsufficientFragments = errors.New("rebuilder: insufficient fragments to reconstruct")

// FragmentFetcher is the subset of peercontrol.Client the rebuilder needs.
type FragmentFetcher interface {
	FetchFragment(
		ctx context.Context, peer job.Device, partition int, policy, objectPath string,
		preferences []peercontrol.FragmentPreference,
	) (*peercontrol.FragmentResponse, error)
}

// Rebuilder reconstructs a missing fragment archive from peer responses.
type Rebuilder struct {
	codec *eccodec.Codec
	peers FragmentFetcher
}

// New constructs a Rebuilder.
func New(codec *eccodec.Codec, peers FragmentFetcher) *Rebuilder {
	return &Rebuilder{codec: codec, peers: peers}
}

type response struct {
	peer job.Device
	resp *peercontrol.FragmentResponse
	body []byte
}

// Reconstruct fetches meta.Name from every primary device except the local
// one, validates and groups the responses, and decodes the fragment archive
// for target.Index (reduced by GetBackendIndex, modulo the number of unique
// fragments).
func (r *Rebuilder) Reconstruct(
	ctx context.Context, partition int, policy string, target job.Device, meta job.ObjectMeta, primaries []job.Device,
) ([]byte, error) {
	wantIndex := r.codec.GetBackendIndex(target.Index)

	ctx, span := tracer.Start(ctx, "rebuilder.Reconstruct",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.Int("partition", partition),
			attribute.String("policy", policy),
			attribute.Int("want_index", wantIndex),
			attribute.String("object", meta.Name),
		),
	)
	defer span.End()

	responses := r.fetchAll(ctx, partition, policy, target, meta, primaries)

	valid := r.validate(ctx, responses, meta.Name)
	if len(valid) == 0 {
		return nil, fmt.Errorf("%w: no valid peer responses for %q", ErrInsufficientFragments, meta.Name)
	}

	chosen := selectGroup(valid)

	fragments := dedupeExcluding(chosen, wantIndex)
	if len(fragments) < r.codec.NData() {
		zerolog.Ctx(ctx).Warn().
			Int("have", len(fragments)).Int("need", r.codec.NData()).Str("object", meta.Name).
			Msg("insufficient fragments to reconstruct object")

		return nil, fmt.Errorf("%w: have %d, need %d", ErrInsufficientFragments, len(fragments), r.codec.NData())
	}

	archive, err := r.codec.Decode(fragments, wantIndex)
	if err != nil {
		return nil, fmt.Errorf("error decoding reconstructed fragment: %w", err)
	}

	return archive, nil
}

// logPeerFetchFailure logs a FetchFragment failure at the level §7's error
// taxonomy calls for: a warning naming the peer and the invalidity for
// InvalidPeerResponse, debug for everything else (ordinary transient
// network failures expected during normal operation).
func logPeerFetchFailure(ctx context.Context, err error, peer job.Device, objectName string) {
	var pcErr *peercontrol.Error

	if errors.As(err, &pcErr) && pcErr.Kind == peercontrol.InvalidPeerResponse {
		zerolog.Ctx(ctx).Warn().Err(err).Str("peer", peer.String()).Str("object", objectName).
			Msg("peer returned invalid fragment response")

		return
	}

	zerolog.Ctx(ctx).Debug().Err(err).Str("peer", peer.String()).Str("object", objectName).
		Msg("peer fragment fetch failed")
}

func (r *Rebuilder) fetchAll(
	ctx context.Context, partition int, policy string, target job.Device, meta job.ObjectMeta, primaries []job.Device,
) []response {
	prefs := []peercontrol.FragmentPreference{{Timestamp: meta.Timestamp}}

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		out []response
	)

	for _, peer := range primaries {
		if peer.String() == target.String() {
			continue
		}

		peer := peer

		wg.Add(1)

		go func() {
			defer wg.Done()

			resp, err := r.peers.FetchFragment(ctx, peer, partition, policy, meta.Name, prefs)
			if err != nil {
				logPeerFetchFailure(ctx, err, peer, meta.Name)

				return
			}

			body, readErr := io.ReadAll(resp.Body)
			resp.Body.Close()

			if readErr != nil {
				zerolog.Ctx(ctx).Warn().Err(readErr).Str("peer", peer.String()).Msg("error reading fragment body")

				return
			}

			mu.Lock()
			out = append(out, response{peer: peer, resp: resp, body: body})
			mu.Unlock()
		}()
	}

	wg.Wait()

	return out
}

// validate drops any response missing a required field. Everything needed
// (ETag, FragIndex, BackendTimestamp) is already enforced by
// peercontrol.FetchFragment's own validation; this pass exists so a future
// relaxation of that contract still gets checked here, at the point the
// spec actually requires it.
func (r *Rebuilder) validate(ctx context.Context, responses []response, objectName string) []response {
	var out []response

	dropped := 0

	for _, resp := range responses {
		if resp.resp.ETag == "" || resp.resp.BackendTimestamp == "" {
			dropped++

			continue
		}

		out = append(out, resp)
	}

	if dropped > 0 {
		zerolog.Ctx(ctx).Warn().Int("dropped", dropped).Str("object", objectName).
			Msg("dropped invalid peer fragment responses")
	}

	return out
}

type groupKey struct {
	etag      string
	timestamp string
}

// selectGroup picks the group with the most recent backend_timestamp;
// within equal timestamps, the largest group.
func selectGroup(responses []response) []response {
	groups := map[groupKey][]response{}

	for _, resp := range responses {
		k := groupKey{etag: resp.resp.ETag, timestamp: resp.resp.BackendTimestamp}
		groups[k] = append(groups[k], resp)
	}

	var (
		bestKey   groupKey
		bestGroup []response
	)

	for k, g := range groups {
		switch {
		case bestGroup == nil:
			bestKey, bestGroup = k, g
		case k.timestamp > bestKey.timestamp:
			bestKey, bestGroup = k, g
		case k.timestamp == bestKey.timestamp && len(g) > len(bestGroup):
			bestKey, bestGroup = k, g
		}
	}

	return bestGroup
}

// dedupeExcluding drops any response whose fragment index equals wantIndex
// (found one's own fragment among peers) and deduplicates by fragment
// index, keeping the first occurrence.
func dedupeExcluding(responses []response, wantIndex int) []eccodec.Fragment {
	seen := map[int]bool{}

	var out []eccodec.Fragment

	for _, resp := range responses {
		if resp.resp.FragIndex == wantIndex {
			continue
		}

		if seen[resp.resp.FragIndex] {
			continue
		}

		seen[resp.resp.FragIndex] = true

		out = append(out, eccodec.Fragment{Index: resp.resp.FragIndex, Archive: resp.body})
	}

	return out
}
