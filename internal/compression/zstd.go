// Package compression wraps zstd for the state cache and for compressed
// HTTP response bodies.
package compression

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

// Levels accepted by NewCompressor.
const (
	LevelFastest = 1
	LevelDefault = 2
	LevelBetter  = 3
)

// minCompressSize is the size below which payloads are stored raw.
const minCompressSize = 128

var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

type Compressor struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	enabled bool
}

func NewCompressor(level int, enabled bool) (*Compressor, error) {
	decoder, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, err
	}
	if !enabled {
		return &Compressor{decoder: decoder}, nil
	}

	var encoderLevel zstd.EncoderLevel
	switch level {
	case LevelFastest:
		encoderLevel = zstd.SpeedFastest
	case LevelBetter:
		encoderLevel = zstd.SpeedBetterCompression
	default:
		encoderLevel = zstd.SpeedDefault
	}

	encoder, err := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(encoderLevel),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		decoder.Close()
		return nil, err
	}

	return &Compressor{
		encoder: encoder,
		decoder: decoder,
		enabled: true,
	}, nil
}

// Compress returns data zstd-encoded, or unchanged when it is small or
// does not shrink.
func (c *Compressor) Compress(data []byte) []byte {
	if !c.enabled || len(data) < minCompressSize {
		return data
	}

	compressed := c.encoder.EncodeAll(data, make([]byte, 0, len(data)))
	if len(compressed) >= len(data) {
		return data
	}
	return compressed
}

// Decompress reverses Compress. Payloads without a zstd frame header are
// returned as is, so a store written with compression disabled stays
// readable.
func (c *Compressor) Decompress(data []byte) ([]byte, error) {
	if !bytes.HasPrefix(data, zstdMagic) {
		return data, nil
	}
	out, err := c.decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decode: %w", err)
	}
	return out, nil
}

func (c *Compressor) Close() error {
	if c.encoder != nil {
		c.encoder.Close()
	}
	if c.decoder != nil {
		c.decoder.Close()
	}
	return nil
}

// NewReader decodes a zstd stream from r. Closing the returned reader
// releases the decoder and closes r.
func NewReader(r io.ReadCloser) (io.ReadCloser, error) {
	dec, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, err
	}
	return &readCloser{dec: dec, src: r}, nil
}

type readCloser struct {
	dec *zstd.Decoder
	src io.Closer
}

func (rc *readCloser) Read(p []byte) (int, error) { return rc.dec.Read(p) }

func (rc *readCloser) Close() error {
	rc.dec.Close()
	return rc.src.Close()
}
