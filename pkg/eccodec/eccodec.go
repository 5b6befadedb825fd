// Package eccodec wraps github.com/klauspost/reedsolomon behind the narrow
// domain interface the reconstructor needs: fixed data/parity shard counts
// per storage policy, decode-by-reconstruction, and the small archive
// header every fragment archive carries (its fragment index).
//
// Each unique fragment index may additionally be stored on duplication_factor
// devices (small-object policies replicate rather than split further), which
// ECCodec exposes via GetBackendIndex so callers can map a ring position
// down to a reedsolomon shard number.
package eccodec

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/klauspost/reedsolomon"
)

var (
	// ErrInsufficientFragments is returned by Decode when fewer than NData
	// distinct-index fragments were supplied.
	ErrInsufficientFragments = errors.New("eccodec: insufficient fragments to reconstruct")

	// ErrShortArchive is returned by ParseFragIndex when the archive is too
	// small to contain a header.
	ErrShortArchive = errors.New("eccodec: archive too short to contain a fragment header")
)

// headerSize is the fixed-width header every fragment archive carries ahead
// of its erasure-coded payload: a 2-byte fragment index.
const headerSize = 2

// Codec exposes a storage policy's erasure-code shape and performs
// encode/decode against it.
type Codec struct {
	nData             int
	nParity           int
	duplicationFactor int
	segmentSize       int

	enc reedsolomon.Encoder
}

// New constructs a Codec for a policy with the given data/parity shard
// counts. duplicationFactor must be >= 1; when > 1, each unique fragment
// index is additionally replicated across that many devices.
func New(nData, nParity, duplicationFactor, segmentSize int) (*Codec, error) {
	if duplicationFactor < 1 {
		duplicationFactor = 1
	}

	enc, err := reedsolomon.New(nData, nParity)
	if err != nil {
		return nil, fmt.Errorf("error constructing reed-solomon encoder: %w", err)
	}

	return &Codec{
		nData:             nData,
		nParity:           nParity,
		duplicationFactor: duplicationFactor,
		segmentSize:       segmentSize,
		enc:               enc,
	}, nil
}

// NData is the number of data shards.
func (c *Codec) NData() int { return c.nData }

// NParity is the number of parity shards.
func (c *Codec) NParity() int { return c.nParity }

// NUniqueFragments is n_data + n_parity.
func (c *Codec) NUniqueFragments() int { return c.nData + c.nParity }

// DuplicationFactor is the number of devices each unique fragment index is
// additionally stored on.
func (c *Codec) DuplicationFactor() int { return c.duplicationFactor }

// SegmentSize is the erasure code's segment size in bytes.
func (c *Codec) SegmentSize() int { return c.segmentSize }

// GetBackendIndex maps a ring-level device index (0..replicas-1) down to a
// fragment index (0..NUniqueFragments-1) by reducing modulo
// NUniqueFragments, so the duplication-factor copies of one fragment index
// share a backend index.
func (c *Codec) GetBackendIndex(ringIndex int) int {
	return ringIndex % c.NUniqueFragments()
}

// ParseFragIndex reads the fragment index out of an archive's header.
func ParseFragIndex(archive []byte) (int, error) {
	if len(archive) < headerSize {
		return 0, ErrShortArchive
	}

	return int(binary.BigEndian.Uint16(archive[:headerSize])), nil
}

// EncodeHeader prepends a fragment-index header to a shard's payload,
// producing the on-disk fragment archive format ParseFragIndex reads back.
func EncodeHeader(fragIndex int, payload []byte) []byte {
	out := make([]byte, headerSize+len(payload))
	binary.BigEndian.PutUint16(out[:headerSize], uint16(fragIndex)) //nolint:gosec

	copy(out[headerSize:], payload)

	return out
}

// Fragment is one peer-supplied fragment archive, already known to belong
// to the same object at the same backend index.
type Fragment struct {
	Index   int
	Archive []byte
}

// Decode reconstructs the fragment archive at wantIndex from a set of
// surviving fragments. At least NData distinct indices must be present.
// Two calls with the same fragments (including their order) must yield the
// same bytes: reedsolomon.Reconstruct is a pure function of its shard
// inputs, so determinism follows directly from deterministic input
// assembly by the caller (see pkg/rebuilder).
func (c *Codec) Decode(fragments []Fragment, wantIndex int) ([]byte, error) {
	distinct := map[int][]byte{}

	var payloadLen int

	for _, f := range fragments {
		idx, err := ParseFragIndex(f.Archive)
		if err != nil {
			return nil, fmt.Errorf("error parsing fragment header: %w", err)
		}

		payload := f.Archive[headerSize:]
		if _, ok := distinct[idx]; !ok {
			distinct[idx] = payload

			if len(payload) > payloadLen {
				payloadLen = len(payload)
			}
		}
	}

	if len(distinct) < c.nData {
		return nil, fmt.Errorf("%w: have %d, need %d", ErrInsufficientFragments, len(distinct), c.nData)
	}

	shards := make([][]byte, c.NUniqueFragments())

	for idx, payload := range distinct {
		if idx < 0 || idx >= len(shards) {
			continue
		}

		padded := make([]byte, payloadLen)
		copy(padded, payload)
		shards[idx] = padded
	}

	if err := c.enc.Reconstruct(shards); err != nil {
		return nil, fmt.Errorf("error reconstructing shards: %w", err)
	}

	if shards[wantIndex] == nil {
		return nil, fmt.Errorf("%w: reconstruction did not produce index %d", ErrInsufficientFragments, wantIndex)
	}

	return EncodeHeader(wantIndex, shards[wantIndex]), nil
}

// Encode splits payload into NUniqueFragments fragment archives (data
// shards followed by parity shards), each carrying its own header.
func (c *Codec) Encode(payload []byte) ([][]byte, error) {
	shards, err := c.enc.Split(payload)
	if err != nil {
		return nil, fmt.Errorf("error splitting payload into shards: %w", err)
	}

	if err := c.enc.Encode(shards); err != nil {
		return nil, fmt.Errorf("error encoding parity shards: %w", err)
	}

	out := make([][]byte, len(shards))
	for i, s := range shards {
		out[i] = EncodeHeader(i, s)
	}

	return out, nil
}
