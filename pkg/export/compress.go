package export

import (
	"io"

	"github.com/klauspost/compress/gzip"
)

// compressionLevel trades CPU for size; exports are written once and read
// rarely, so a mid-range level is enough.
const compressionLevel = 4

// Compressor incrementally gzip-compresses everything written to it and
// forwards the compressed stream to the underlying writer. Close must be
// called to flush the trailing gzip frame.
type Compressor struct {
	gz *gzip.Writer
}

// NewCompressor wraps w in an incremental gzip stream.
func NewCompressor(w io.Writer) *Compressor {
	gz, err := gzip.NewWriterLevel(w, compressionLevel)
	if err != nil {
		// Only reachable with an invalid constant level.
		panic(err)
	}
	return &Compressor{gz: gz}
}

// Write compresses p and writes it through.
func (c *Compressor) Write(p []byte) (int, error) {
	return c.gz.Write(p)
}

// Close flushes pending compressed data and terminates the gzip stream.
// It does not close the underlying writer.
func (c *Compressor) Close() error {
	return c.gz.Close()
}
