package wire

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
)

// Compressor compresses and decompresses a payload. Like Serializer, no
// third-party compression library appears in the pack's go.mod set, so this
// wraps the standard library's gzip behind the same pluggable-by-id seam.
type Compressor interface {
	ID() byte
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte) ([]byte, error)
}

// GzipCompressor is compress id 1 (CompressGzip).
type GzipCompressor struct{}

func (GzipCompressor) ID() byte { return CompressGzip }

func (GzipCompressor) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer

	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}

	if err := w.Close(); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// Decompress bounds the decompressed size at MaxFrameLength, guarding
// against a decompression bomb (spec.md §4.4).
func (GzipCompressor) Decompress(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()

	limited := io.LimitReader(r, MaxFrameLength+1)

	out, err := io.ReadAll(limited)
	if err != nil {
		return nil, err
	}

	if len(out) > MaxFrameLength {
		return nil, fmt.Errorf("wire: decompressed payload exceeds max %d bytes", MaxFrameLength)
	}

	return out, nil
}

var compressors = map[byte]Compressor{
	GzipCompressor{}.ID(): GzipCompressor{},
}

// RegisterCompressor adds or replaces a compressor by its id byte.
func RegisterCompressor(c Compressor) { compressors[c.ID()] = c }

// CompressorByID looks up a registered compressor. CompressNone never
// resolves here — callers check for it before looking up a Compressor.
func CompressorByID(id byte) (Compressor, error) {
	c, ok := compressors[id]
	if !ok {
		return nil, fmt.Errorf("wire: unknown compressor id %d", id)
	}

	return c, nil
}
