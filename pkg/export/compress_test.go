package export

import (
	"bytes"
	"io"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/require"
)

func TestCompressor_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	comp := NewCompressor(&buf)

	input := []byte("time;value\n1970-01-01T00:00:00.000000Z;25.5\n")
	// Write in several pieces to exercise incremental compression.
	for _, piece := range [][]byte{input[:10], input[10:20], input[20:]} {
		n, err := comp.Write(piece)
		require.NoError(t, err)
		require.Equal(t, len(piece), n)
	}
	require.NoError(t, comp.Close())

	r, err := gzip.NewReader(&buf)
	require.NoError(t, err)
	out, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, input, out)
}

func TestCompressor_EmptyStream(t *testing.T) {
	var buf bytes.Buffer
	comp := NewCompressor(&buf)
	require.NoError(t, comp.Close())

	r, err := gzip.NewReader(&buf)
	require.NoError(t, err)
	out, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Empty(t, out)
}
