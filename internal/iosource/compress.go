package iosource

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// ZstdCompressor implements snapshot.Compressor with a reusable zstd
// encoder, the same library the corpus already reaches for to compress
// sealed chunk files at rest.
type ZstdCompressor struct {
	enc *zstd.Encoder
}

// NewZstdCompressor creates a compressor at the given level (e.g.
// zstd.SpeedDefault); level 0 selects the library default.
func NewZstdCompressor(level zstd.EncoderLevel) (*ZstdCompressor, error) {
	opts := []zstd.EOption{}
	if level != 0 {
		opts = append(opts, zstd.WithEncoderLevel(level))
	}
	enc, err := zstd.NewWriter(nil, opts...)
	if err != nil {
		return nil, fmt.Errorf("iosource: new zstd encoder: %w", err)
	}
	return &ZstdCompressor{enc: enc}, nil
}

// Compress implements snapshot.Compressor: a single-shot frame over
// page, skipped by the caller (see block.go's nextPageCopyBlock) if the
// result isn't actually smaller.
func (c *ZstdCompressor) Compress(page []byte) ([]byte, error) {
	return c.enc.EncodeAll(page, nil), nil
}

// Close releases the encoder's background resources.
func (c *ZstdCompressor) Close() error {
	return c.enc.Close()
}
