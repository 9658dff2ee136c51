// Package codec provides block compression for sealed segments.
//
// Codecs are stateless, lossless, and deterministic. Decompression
// failure is always surfaced as a corruption error, never as silently
// wrong data.
package codec

import (
	"fmt"

	"github.com/klauspost/compress/zstd"

	verrors "github.com/avessar/vitaldb/internal/errors"
)

// Codec identifiers stored in segment headers.
const (
	IDNone byte = 0
	IDZstd byte = 1
)

// Codec compresses and decompresses byte blocks.
type Codec interface {
	// Compress compresses a block.
	Compress(data []byte) ([]byte, error)

	// Decompress decompresses a block. expectedLen is the uncompressed
	// size recorded at seal time; a mismatch is a corruption error.
	Decompress(data []byte, expectedLen int) ([]byte, error)

	// ID returns the codec identifier for segment headers.
	ID() byte
}

// New creates a codec by algorithm name.
func New(algorithm string, level int) (Codec, error) {
	switch algorithm {
	case "zstd", "":
		return NewZstd(level)
	case "none":
		return None{}, nil
	default:
		return nil, fmt.Errorf("unknown compression algorithm %q: %w",
			algorithm, verrors.ErrInvalidConfig)
	}
}

// ByID creates a codec from a segment header identifier.
func ByID(id byte) (Codec, error) {
	switch id {
	case IDNone:
		return None{}, nil
	case IDZstd:
		return NewZstd(0)
	default:
		return nil, fmt.Errorf("unknown codec id %d: %w", id, verrors.ErrCorruption)
	}
}

// None is the identity codec.
type None struct{}

// Compress returns the input unchanged.
func (None) Compress(data []byte) ([]byte, error) {
	return data, nil
}

// Decompress returns the input unchanged after a length check.
func (None) Decompress(data []byte, expectedLen int) ([]byte, error) {
	if len(data) != expectedLen {
		return nil, fmt.Errorf("block length %d, expected %d: %w",
			len(data), expectedLen, verrors.ErrCorruption)
	}
	return data, nil
}

// ID returns the codec identifier.
func (None) ID() byte { return IDNone }

// Zstd compresses blocks with zstandard.
//
// Encoder and decoder are reused across calls; both are safe for
// concurrent use via EncodeAll/DecodeAll.
type Zstd struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// NewZstd creates a zstd codec. Level 0 selects the default level.
func NewZstd(level int) (*Zstd, error) {
	opts := []zstd.EOption{}
	if level > 0 {
		opts = append(opts, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
	}

	enc, err := zstd.NewWriter(nil, opts...)
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}

	return &Zstd{enc: enc, dec: dec}, nil
}

// Compress compresses a block.
func (z *Zstd) Compress(data []byte) ([]byte, error) {
	return z.enc.EncodeAll(data, make([]byte, 0, len(data)/2)), nil
}

// Decompress decompresses a block and verifies the expected length.
func (z *Zstd) Decompress(data []byte, expectedLen int) ([]byte, error) {
	out, err := z.dec.DecodeAll(data, make([]byte, 0, expectedLen))
	if err != nil {
		return nil, fmt.Errorf("zstd decode: %v: %w", err, verrors.ErrCorruption)
	}
	if len(out) != expectedLen {
		return nil, fmt.Errorf("decompressed length %d, expected %d: %w",
			len(out), expectedLen, verrors.ErrCorruption)
	}
	return out, nil
}

// ID returns the codec identifier.
func (z *Zstd) ID() byte { return IDZstd }
