package rebuilder_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/objectfs/reconstructord/pkg/eccodec"
	"github.com/objectfs/reconstructord/pkg/job"
	"github.com/objectfs/reconstructord/pkg/peercontrol"
	"github.com/objectfs/reconstructord/pkg/rebuilder"
)

type fakeFetcher struct {
	byPeer  map[string]*peercontrol.FragmentResponse
	errPeer map[string]error
}

func (f fakeFetcher) FetchFragment(
	_ context.Context, peer job.Device, _ int, _, _ string, _ []peercontrol.FragmentPreference,
) (*peercontrol.FragmentResponse, error) {
	if err, ok := f.errPeer[peer.String()]; ok {
		return nil, err
	}

	r, ok := f.byPeer[peer.String()]
	if !ok {
		return nil, io.ErrUnexpectedEOF
	}

	return r, nil
}

func devAt(i int) job.Device {
	return job.Device{ID: i, ReplicationIP: "10.0.0.9", ReplicationPort: 6000 + i, Device: "sdb1", Index: i}
}

func body(s string) io.ReadCloser { return io.NopCloser(stringsReader{s}) }

type stringsReader struct{ s string }

func (r stringsReader) Read(p []byte) (int, error) {
	n := copy(p, r.s)
	if n < len(r.s) {
		return n, nil
	}

	return n, io.EOF
}

func TestReconstructRebuildsTargetIndex(t *testing.T) {
	t.Parallel()

	codec, err := eccodec.New(4, 2, 1, 1<<20)
	require.NoError(t, err)

	shards, err := codec.Encode([]byte("hello world, this is a payload long enough to split"))
	require.NoError(t, err)

	target := devAt(3)
	primaries := []job.Device{devAt(0), devAt(1), devAt(2), target, devAt(4), devAt(5)}

	byPeer := map[string]*peercontrol.FragmentResponse{}

	for i, d := range primaries {
		if d.String() == target.String() {
			continue
		}

		shardIdx := i
		if shardIdx >= len(shards) {
			continue
		}

		byPeer[d.String()] = &peercontrol.FragmentResponse{
			Body:             body(string(shards[shardIdx])),
			ETag:             "etag-1",
			FragIndex:        shardIdx,
			BackendTimestamp: "1700000000.00000",
		}
	}

	r := rebuilder.New(codec, fakeFetcher{byPeer: byPeer})

	archive, err := r.Reconstruct(context.Background(), 0, "ec", target,
		job.ObjectMeta{Name: "abc/deadbeef", Timestamp: "1700000000.00000"}, primaries)
	require.NoError(t, err)

	idx, err := eccodec.ParseFragIndex(archive)
	require.NoError(t, err)
	require.Equal(t, 3, idx)
}

func TestReconstructWarnsOnceOnInvalidPeerResponse(t *testing.T) {
	t.Parallel()

	codec, err := eccodec.New(4, 2, 1, 1<<20)
	require.NoError(t, err)

	shards, err := codec.Encode([]byte("hello world, this is a payload long enough to split"))
	require.NoError(t, err)

	target := devAt(3)
	bad := devAt(0)
	primaries := []job.Device{bad, devAt(1), devAt(2), target, devAt(4), devAt(5)}

	byPeer := map[string]*peercontrol.FragmentResponse{}

	for i, d := range primaries {
		if d.String() == target.String() || d.String() == bad.String() {
			continue
		}

		shardIdx := i
		if shardIdx >= len(shards) {
			continue
		}

		byPeer[d.String()] = &peercontrol.FragmentResponse{
			Body:             body(string(shards[shardIdx])),
			ETag:             "etag-1",
			FragIndex:        shardIdx,
			BackendTimestamp: "1700000000.00000",
		}
	}

	fetcher := fakeFetcher{
		byPeer: byPeer,
		errPeer: map[string]error{
			bad.String(): &peercontrol.Error{Kind: peercontrol.InvalidPeerResponse, Err: errors.New("frag index not an integer")},
		},
	}

	r := rebuilder.New(codec, fetcher)

	var buf bytes.Buffer

	ctx := zerolog.New(&buf).WithContext(context.Background())

	_, err = r.Reconstruct(ctx, 0, "ec", target,
		job.ObjectMeta{Name: "abc/deadbeef", Timestamp: "1700000000.00000"}, primaries)
	require.NoError(t, err)

	require.Equal(t, 1, strings.Count(buf.String(), `"level":"warn"`))
	require.Contains(t, buf.String(), bad.String())
}

func TestReconstructInsufficientFragments(t *testing.T) {
	t.Parallel()

	codec, err := eccodec.New(4, 2, 1, 1<<20)
	require.NoError(t, err)

	target := devAt(3)
	primaries := []job.Device{devAt(0), devAt(1), target}

	r := rebuilder.New(codec, fakeFetcher{byPeer: map[string]*peercontrol.FragmentResponse{}})

	_, err = r.Reconstruct(context.Background(), 0, "ec", target,
		job.ObjectMeta{Name: "abc/deadbeef", Timestamp: "1700000000.00000"}, primaries)
	require.ErrorIs(t, err, rebuilder.ErrInsufficientFragments)
}
