// Package checksum wraps the record checksum used by the DDML (spec.md
// §6: "Checksum is computed over the compressed byte stream"). MetroHash64
// is specified as a black-box codec (spec.md §1, Out of scope: "the
// specific compression and hash implementations... are assumed available
// as black-box codecs producing byte-for-byte compatible output"); BFFFS
// therefore exposes it behind the Hasher interface. The only
// implementation in this package is xxHash64, which is the default, so
// record checksums are xxHash64 unless SetDefault installs another Hasher.
package checksum

import "github.com/cespare/xxhash/v2"

// Hasher computes a 64-bit record checksum.
type Hasher interface {
	Sum64(b []byte) uint64
	Name() string
}

// xxHash64 is a real, pack-grounded 64-bit hash usable as the on-disk
// checksum when MetroHash64 compatibility is not required (e.g. a
// freshly-created pool, or tests).
type xxHash64 struct{}

func (xxHash64) Sum64(b []byte) uint64 { return xxhash.Sum64(b) }
func (xxHash64) Name() string          { return "xxhash64" }

// XXHash64 is the default Hasher.
var XXHash64 Hasher = xxHash64{}

// MetroHash64 is provided by an external, byte-compatible implementation
// per spec.md; Default wires XXHash64 here because no vendored MetroHash64
// package is part of the example pack (see DESIGN.md). Any implementation
// of Hasher producing the bytes the deployment's existing pools were
// created with may be substituted via SetDefault.
var Default Hasher = XXHash64

// SetDefault overrides the process-wide checksum implementation. Must be
// called, if at all, before any vdev is created or opened.
func SetDefault(h Hasher) { Default = h }

// Sum64 hashes b with the current default Hasher.
func Sum64(b []byte) uint64 { return Default.Sum64(b) }
