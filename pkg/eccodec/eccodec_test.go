package eccodec_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/objectfs/reconstructord/pkg/eccodec"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	t.Parallel()

	c, err := eccodec.New(4, 2, 1, 1<<20)
	require.NoError(t, err)

	payload := []byte("the quick brown fox jumps over the lazy dog, repeated for padding purposes")

	archives, err := c.Encode(payload)
	require.NoError(t, err)
	require.Len(t, archives, 6)

	dropped := archives[2]

	var fragments []eccodec.Fragment

	for i, a := range archives {
		if i == 2 {
			continue
		}

		fragments = append(fragments, eccodec.Fragment{Index: i, Archive: a})
	}

	got, err := c.Decode(fragments, 2)
	require.NoError(t, err)
	require.Equal(t, dropped, got)
}

func TestDecodeInsufficientFragments(t *testing.T) {
	t.Parallel()

	c, err := eccodec.New(10, 4, 1, 1<<20)
	require.NoError(t, err)

	payload := make([]byte, 4096)

	archives, err := c.Encode(payload)
	require.NoError(t, err)

	var fragments []eccodec.Fragment
	for i := 0; i < 5; i++ {
		fragments = append(fragments, eccodec.Fragment{Index: i, Archive: archives[i]})
	}

	_, err = c.Decode(fragments, 7)
	require.ErrorIs(t, err, eccodec.ErrInsufficientFragments)
}

func TestGetBackendIndex(t *testing.T) {
	t.Parallel()

	c, err := eccodec.New(10, 4, 2, 1<<20)
	require.NoError(t, err)

	require.Equal(t, 14, c.NUniqueFragments())
	require.Equal(t, 0, c.GetBackendIndex(0))
	require.Equal(t, 13, c.GetBackendIndex(13))
	require.Equal(t, 0, c.GetBackendIndex(14))
}
