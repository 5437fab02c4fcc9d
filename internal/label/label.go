// Package label implements the on-disk label framing described in
// spec.md §6: a fixed magic string, an 8-byte checksum over the label
// body, an 8-byte big-endian body length, then the concatenation of
// per-layer serialized label sections in bottom-up order. Two rotating
// copies are kept per vdev; the active copy alternates on every sync.
package label

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/bfffs/bfffs/bfffserr"
	"github.com/bfffs/bfffs/internal/checksum"
)

// Magic is the fixed 16-byte label magic string (spec.md §6).
var Magic = [16]byte{'B', 'F', 'F', 'F', 'S', ' ', 'V', 'd', 'e', 'v', 0, 0, 0, 0, 0, 0}

// Builder accumulates per-layer sections bottom-up: the Pool's sections
// first, then the IDML's, then the Database's Forest section. VdevFile,
// Mirror, RAID and Cluster add no section of their own. A Builder is used
// exactly once per sync, threaded through every layer as raw (unframed)
// section bytes; only the topmost layer calls Bytes to add the magic and
// checksum wrapper before the result is ever written to disk.
type Builder struct {
	body bytes.Buffer
}

// NewBuilder returns an empty label Builder.
func NewBuilder() *Builder { return &Builder{} }

// Section appends one layer's length-prefixed serialized section.
func (b *Builder) Section(data []byte) {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
	b.body.Write(lenBuf[:])
	b.body.Write(data)
}

// Raw returns the sections accumulated so far, unframed (no magic or
// checksum) — the form every layer but the last passes as the next
// layer's "upstream" argument.
func (b *Builder) Raw() []byte {
	return append([]byte(nil), b.body.Bytes()...)
}

// AppendRaw appends a byte stream produced by an earlier layer's
// Raw (or the running accumulation of one) onto b's own section stream.
// It is the identity operation on the outer framing: Builder.Raw output
// is already a sequence of length-prefixed sections, so it's written
// through unchanged rather than re-wrapped as a single opaque section.
func (b *Builder) AppendRaw(raw []byte) {
	b.body.Write(raw)
}

// Bytes returns the fully framed label: magic, checksum, body length, body.
// Call this exactly once, in the topmost layer, once every layer below
// has appended its section via AppendRaw/Section.
func (b *Builder) Bytes() []byte {
	body := b.body.Bytes()
	sum := checksum.Sum64(body)

	var out bytes.Buffer
	out.Write(Magic[:])
	var sumBuf [8]byte
	binary.BigEndian.PutUint64(sumBuf[:], sum)
	out.Write(sumBuf[:])
	var lenBuf [8]byte
	binary.BigEndian.PutUint64(lenBuf[:], uint64(len(body)))
	out.Write(lenBuf[:])
	out.Write(body)
	return out.Bytes()
}

// Reader parses a framed label back into its per-layer sections.
type Reader struct {
	body []byte
	off  int
}

// Parse validates the magic and checksum and returns a Reader positioned
// at the first section.
func Parse(buf []byte) (*Reader, error) {
	if len(buf) < 16+8+8 {
		return nil, bfffserr.New(bfffserr.KindCorruption, bfffserr.EPIPE, "label too short")
	}
	if !bytes.Equal(buf[:16], Magic[:]) {
		return nil, bfffserr.New(bfffserr.KindCorruption, bfffserr.EPIPE, "bad label magic")
	}
	wantSum := binary.BigEndian.Uint64(buf[16:24])
	bodyLen := binary.BigEndian.Uint64(buf[24:32])
	if uint64(len(buf)-32) < bodyLen {
		return nil, bfffserr.New(bfffserr.KindCorruption, bfffserr.EPIPE, "label body truncated")
	}
	body := buf[32 : 32+bodyLen]
	gotSum := checksum.Sum64(body)
	if gotSum != wantSum {
		return nil, bfffserr.Wrap(bfffserr.KindCorruption, bfffserr.EPIPE,
			"label checksum mismatch", fmt.Errorf("want %#x got %#x", wantSum, gotSum))
	}
	return &Reader{body: body}, nil
}

// Section returns the next layer's section bytes.
func (r *Reader) Section() ([]byte, error) {
	if r.off+4 > len(r.body) {
		return nil, bfffserr.New(bfffserr.KindCorruption, bfffserr.EPIPE, "label section underrun")
	}
	n := binary.BigEndian.Uint32(r.body[r.off : r.off+4])
	r.off += 4
	if r.off+int(n) > len(r.body) {
		return nil, bfffserr.New(bfffserr.KindCorruption, bfffserr.EPIPE, "label section truncated")
	}
	out := r.body[r.off : r.off+int(n)]
	r.off += int(n)
	return out, nil
}

// Done reports whether every section has been consumed.
func (r *Reader) Done() bool { return r.off >= len(r.body) }
