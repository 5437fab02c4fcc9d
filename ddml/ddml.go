// Package ddml implements the Direct Data Management Layer of spec.md
// §4.6: compression + checksum + Pool write/read, backed by a shared
// Cache keyed by PBA.
package ddml

import (
	"context"

	"github.com/bfffs/bfffs/bfffserr"
	"github.com/bfffs/bfffs/common"
	"github.com/bfffs/bfffs/internal/cache"
	"github.com/bfffs/bfffs/internal/checksum"
	"github.com/bfffs/bfffs/internal/codec"
	"github.com/bfffs/bfffs/pool"
)

// Codec serializes/deserializes a cached value. DML in the original is
// generic over the value type per-call (see original_source's dml.rs);
// since Go forbids additional type parameters on interface methods, BFFFS
// takes an explicit Codec[T] argument on every DDML/IDML call instead,
// preserving the per-call generic shape (SPEC_FULL.md).
type Codec[T any] interface {
	Marshal(v T) ([]byte, error)
	Unmarshal(b []byte) (T, error)
}

// Cacheable wraps any value as a cache.Cacheable so the shared Cache can
// hold arbitrary DDML/IDML payloads.
type Cacheable[T any] struct {
	Value T
	Bytes int
}

func (c Cacheable[T]) Size() int { return c.Bytes }

// Credit is the WriteBack accounting token (spec.md §4.10). DDML.Repay
// asserts it is always Null: DDML writes never borrow, per spec.md §4.6.
type Credit struct {
	bytes int64
}

// NullCredit is the zero-byte credit.
var NullCredit = Credit{}

func (c Credit) IsNull() bool { return c.bytes == 0 }

// DDML couples a Pool with a shared Cache.
type DDML struct {
	pool  *pool.Pool
	cache *cache.Cache
}

// New constructs a DDML over p, sharing c for cached records.
func New(p *pool.Pool, c *cache.Cache) *DDML {
	return &DDML{pool: p, cache: c}
}

// Put serializes value, compresses it (unless the savings are below one
// LBA, or the buffer is already <= one LBA), checksums the on-disk bytes,
// writes via Pool, and inserts the cached reference keyed by PBA(pba)
// (spec.md §4.6).
func Put[T any](ctx context.Context, d *DDML, value T, c Codec[T], mode codec.Mode, txg common.TxgT) (common.Drp, error) {
	raw, err := c.Marshal(value)
	if err != nil {
		return common.Drp{}, bfffserr.Wrap(bfffserr.KindIoError, bfffserr.EAGAIN, "ddml marshal", err)
	}
	onDisk, compressed := compress(raw, mode)

	sum := checksum.Sum64(onDisk)
	pba, err := d.pool.Write(ctx, padToLba(onDisk), txg)
	if err != nil {
		return common.Drp{}, err
	}
	drp := common.Drp{
		Pba:        pba,
		Compressed: compressed,
		Lsize:      uint32(len(raw)),
		Csize:      uint32(len(onDisk)),
		Checksum:   sum,
	}
	d.cache.Insert(cache.PbaKey(pba), Cacheable[T]{Value: value, Bytes: len(raw)})
	return drp, nil
}

// compress applies mode to raw, returning the stored bytes and whether
// compression was actually used. Never attempted on buffers <= one LBA;
// rejected if the savings are below one whole LBA (spec.md §4.6, §6, §8).
// The returned bytes are tagged with a leading mode byte when compressed,
// so the record is self-describing the way a real BLOSC frame is: Drp
// itself only ever carries the `Compressed bool` spec.md §3 specifies,
// with the mode living inside the on-disk payload instead of a second DRP
// field, so readVerifyDecompress can dispatch to whichever codec actually
// wrote the record rather than assuming one.
func compress(raw []byte, mode codec.Mode) ([]byte, bool) {
	if mode == codec.ModeNone || len(raw) <= common.BytesPerLba {
		return raw, false
	}
	compressed := codec.For(mode).Compress(nil, raw)
	tagged := append([]byte{byte(mode)}, compressed...)
	savedLbas := (len(raw) - len(tagged)) / common.BytesPerLba
	if savedLbas < 1 {
		return raw, false
	}
	return tagged, true
}

func padToLba(b []byte) []byte {
	rem := len(b) % common.BytesPerLba
	if rem == 0 {
		return b
	}
	out := make([]byte, len(b)+(common.BytesPerLba-rem))
	copy(out, b)
	return out
}

// Get resolves drp: a cache hit returns the weak reference immediately;
// otherwise it reads, verifies, decompresses, materializes, caches, and
// returns it. Concurrent misses for the same key collapse into a single
// read via the Cache's in-flight-read registry (spec.md §4.6, §5, §9).
func Get[T any](ctx context.Context, d *DDML, drp common.Drp, c Codec[T]) (T, error) {
	key := cache.PbaKey(drp.Pba)
	if ref, ok := d.cache.Get(key); ok {
		return ref.Value().(Cacheable[T]).Value, nil
	}

	owner, wait, result := d.cache.BeginRead(key)
	if !owner {
		<-wait
		v, err := result()
		if err != nil {
			return zero[T](), err
		}
		return v.(Cacheable[T]).Value, nil
	}

	raw, err := readVerifyDecompress(ctx, d, drp)
	if err != nil {
		d.cache.Finish(key, nil, err)
		return zero[T](), err
	}
	value, err := c.Unmarshal(raw)
	if err != nil {
		werr := bfffserr.Wrap(bfffserr.KindIoError, bfffserr.EAGAIN, "ddml unmarshal", err)
		d.cache.Finish(key, nil, werr)
		return zero[T](), werr
	}
	boxed := Cacheable[T]{Value: value, Bytes: len(raw)}
	d.cache.Finish(key, boxed, nil)
	return value, nil
}

func zero[T any]() T {
	var z T
	return z
}

// readVerifyDecompress is DDML.read (spec.md §4.6 internal): consult the
// Cache's byte-budgeted blob tier before touching the Pool at all (a
// second Get/GetDirect of the same PBA, e.g. during cleaner relocation
// scanning or a re-read racing the hot tier's eviction, skips the disk
// read); on a miss, allocate an asize*LBA buffer, Pool-read into it, and
// truncate to csize. Either way, verify checksum (EINTEGRITY on mismatch,
// cache untouched); bytes read from the Pool populate the blob tier for
// the next caller only once they verify. Then decompress if flagged.
func readVerifyDecompress(ctx context.Context, d *DDML, drp common.Drp) ([]byte, error) {
	key := cache.PbaKey(drp.Pba)
	onDisk, cached := d.cache.GetBlob(key)
	if !cached {
		buf := make([]byte, uint64(drp.Asize())*common.BytesPerLba)
		if err := d.pool.Read(ctx, buf, drp.Pba); err != nil {
			return nil, err
		}
		onDisk = buf[:drp.Csize]
	}
	if checksum.Sum64(onDisk) != drp.Checksum {
		return nil, bfffserr.ErrIntegrity
	}
	if !cached {
		d.cache.InsertBlob(key, onDisk)
	}
	if !drp.Compressed {
		return onDisk, nil
	}
	if len(onDisk) < 1 {
		return nil, bfffserr.New(bfffserr.KindCorruption, bfffserr.EPIPE, "ddml: compressed record missing mode tag")
	}
	mode := codec.Mode(onDisk[0])
	out, err := codec.For(mode).Decompress(nil, onDisk[1:])
	if err != nil {
		return nil, bfffserr.Wrap(bfffserr.KindIntegrityFailure, bfffserr.EINTEGRITY, "ddml decompress", err)
	}
	return out[:drp.Lsize], nil
}

// Pop is like Get but evicts the cache entry and immediately frees the
// DRP's storage.
func Pop[T any](ctx context.Context, d *DDML, drp common.Drp, c Codec[T], txg common.TxgT) (T, error) {
	v, err := Get(ctx, d, drp, c)
	if err != nil {
		return zero[T](), err
	}
	d.cache.Remove(cache.PbaKey(drp.Pba))
	if err := d.pool.Free(ctx, drp.Pba, drp.Asize()); err != nil {
		return zero[T](), err
	}
	return v, nil
}

// Delete is like Pop but never materializes the value.
func Delete(ctx context.Context, d *DDML, drp common.Drp, txg common.TxgT) error {
	d.cache.Remove(cache.PbaKey(drp.Pba))
	return d.pool.Free(ctx, drp.Pba, drp.Asize())
}

// GetDirect/PutDirect/PopDirect/DeleteDirect bypass the cache, used by the
// IDML cleaner to avoid polluting it (spec.md §4.6).
func GetDirect[T any](ctx context.Context, d *DDML, drp common.Drp, c Codec[T]) (T, error) {
	raw, err := readVerifyDecompress(ctx, d, drp)
	if err != nil {
		return zero[T](), err
	}
	return c.Unmarshal(raw)
}

func PutDirect[T any](ctx context.Context, d *DDML, value T, c Codec[T], mode codec.Mode, txg common.TxgT) (common.Drp, error) {
	raw, err := c.Marshal(value)
	if err != nil {
		return common.Drp{}, bfffserr.Wrap(bfffserr.KindIoError, bfffserr.EAGAIN, "ddml marshal", err)
	}
	onDisk, compressed := compress(raw, mode)
	sum := checksum.Sum64(onDisk)
	pba, err := d.pool.Write(ctx, padToLba(onDisk), txg)
	if err != nil {
		return common.Drp{}, err
	}
	return common.Drp{Pba: pba, Compressed: compressed, Lsize: uint32(len(raw)), Csize: uint32(len(onDisk)), Checksum: sum}, nil
}

func PopDirect[T any](ctx context.Context, d *DDML, drp common.Drp, c Codec[T]) (T, error) {
	v, err := GetDirect(ctx, d, drp, c)
	if err != nil {
		return zero[T](), err
	}
	if err := d.pool.Free(ctx, drp.Pba, drp.Asize()); err != nil {
		return zero[T](), err
	}
	return v, nil
}

func DeleteDirect(ctx context.Context, d *DDML, drp common.Drp) error {
	return d.pool.Free(ctx, drp.Pba, drp.Asize())
}

// Repay asserts credit is null: DDML writes never borrow WriteBack
// credit, that accounting lives above IDML (spec.md §4.6, §9).
func (d *DDML) Repay(c Credit) {
	if !c.IsNull() {
		panic("ddml: repay called with non-null credit")
	}
}

// SyncAll is a barrier delegating to the underlying Pool.
func (d *DDML) SyncAll() error { return d.pool.SyncAll() }

// WriteLabel computes (without touching disk) this DDML's contribution
// to the label chain: the Pool's sections layered on upstream. DDML adds
// no section of its own — all of its state is reconstructible from the
// Pool label plus the IDML label above it.
func (d *DDML) WriteLabel(upstream []byte) []byte {
	return d.pool.LabelSections(upstream)
}

// Persist writes the fully-assembled body (computed by the topmost
// layer, Database) down through the Pool to every leaf.
func (d *DDML) Persist(ctx context.Context, body []byte) error {
	return d.pool.Persist(ctx, body)
}

// ListClosedZones exposes the Pool's cleaning-candidate iterator.
func (d *DDML) ListClosedZones(startCluster common.ClusterT, startZone uint32) (*common.ClosedZone, *common.ClusterT, *uint32) {
	return d.pool.FindClosedZone(startCluster, startZone)
}

// Flush persists the FreeSpaceMap of cluster clusterIdx.
func (d *DDML) Flush(ctx context.Context, clusterIdx int) error {
	return d.pool.Flush(ctx, clusterIdx)
}

// CloseFullZones closes every Full zone pool-wide, making them visible to
// ListClosedZones. The cleaner step calls this before selecting a
// candidate (spec.md §4.4).
func (d *DDML) CloseFullZones(ctx context.Context) error {
	return d.pool.CloseFullZones(ctx)
}

// Pool exposes the underlying Pool, e.g. for IDML's direct PBA bookkeeping.
func (d *DDML) Pool() *pool.Pool { return d.pool }

// Evict drops drp's cached value, if any, without freeing its storage —
// the DDML half of IDML's memory-pressure "evict" (spec.md §4.8).
func (d *DDML) Evict(drp common.Drp) {
	d.cache.Remove(cache.PbaKey(drp.Pba))
}
