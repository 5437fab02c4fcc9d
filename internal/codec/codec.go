// Package codec implements the DDML's pluggable compressors (spec.md §4.6,
// §6). BLOSC-family LZ4/Zstd are named in spec.md §1 as black-box codecs
// assumed available; BFFFS wires github.com/golang/snappy as a concretely
// available, pack-grounded codec alongside stub black-box variants so the
// Mode enum has a real implementation to exercise in tests. No typesize
// or shuffle setting reaches any codec.
package codec

import (
	"github.com/golang/snappy"
)

// Mode selects a DDML compressor.
type Mode int

const (
	ModeNone Mode = iota
	ModeSnappy
	ModeLZ4  // black-box BLOSC/LZ4, bytes assumed compatible (spec.md §1)
	ModeZstd // black-box BLOSC/Zstd, bytes assumed compatible (spec.md §1)
)

func (m Mode) String() string {
	switch m {
	case ModeNone:
		return "none"
	case ModeSnappy:
		return "snappy"
	case ModeLZ4:
		return "lz4"
	case ModeZstd:
		return "zstd"
	default:
		return "unknown"
	}
}

// Options carries a Mode and a BLOSC-style typesize (spec.md §6). It has
// no shuffle setting, and no Codec or DDML call takes an Options, so the
// typesize is not passed to any compressor.
type Options struct {
	Mode     Mode
	Typesize int
}

// Codec is implemented by every compressor variant.
type Codec interface {
	Compress(dst, src []byte) []byte
	Decompress(dst, src []byte) ([]byte, error)
}

type noneCodec struct{}

func (noneCodec) Compress(dst, src []byte) []byte { return append(dst[:0], src...) }
func (noneCodec) Decompress(dst, src []byte) ([]byte, error) {
	return append(dst[:0], src...), nil
}

type snappyCodec struct{}

func (snappyCodec) Compress(dst, src []byte) []byte {
	return snappy.Encode(nil, src)
}

func (snappyCodec) Decompress(dst, src []byte) ([]byte, error) {
	return snappy.Decode(dst, src)
}

// blackBoxCodec models a codec whose concrete bytes are specified as
// "assumed available... producing byte-for-byte compatible output"
// (spec.md §1); it is not itself vendored here. Plugging in the real
// BLOSC/LZ4 or BLOSC/Zstd C library bindings is a deployment concern, not
// a DDML concern: DDML only needs the Codec interface.
type blackBoxCodec struct {
	impl Codec
}

func (b blackBoxCodec) Compress(dst, src []byte) []byte {
	if b.impl != nil {
		return b.impl.Compress(dst, src)
	}
	// No black-box implementation registered: behave as a no-op so callers
	// fall back to storing the record uncompressed, per spec.md's "if the
	// compressed form does not save at least one whole LBA, discard it".
	return append(dst[:0], src...)
}

func (b blackBoxCodec) Decompress(dst, src []byte) ([]byte, error) {
	if b.impl != nil {
		return b.impl.Decompress(dst, src)
	}
	return append(dst[:0], src...), nil
}

var registry = map[Mode]Codec{
	ModeNone:   noneCodec{},
	ModeSnappy: snappyCodec{},
	ModeLZ4:    blackBoxCodec{},
	ModeZstd:   blackBoxCodec{},
}

// Register installs a concrete implementation for a black-box mode (LZ4 or
// Zstd), e.g. a cgo binding to the real BLOSC library.
func Register(m Mode, c Codec) { registry[m] = c }

// For returns the Codec implementing the given mode.
func For(m Mode) Codec {
	if c, ok := registry[m]; ok {
		return c
	}
	return noneCodec{}
}
