// Package idml implements the Indirect Data Management Layer of spec.md
// §4.8: an RID-indirected DML sitting atop the DDML, backed by two
// generic trees (the RIDT record-indirection table and the AllocT
// reverse-allocation map used by the cleaner), with a transaction-group
// lease and a next-RID counter.
package idml

import (
	"context"
	"sync"
	"sync/atomic"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/bfffs/bfffs/bfffserr"
	"github.com/bfffs/bfffs/common"
	"github.com/bfffs/bfffs/ddml"
	"github.com/bfffs/bfffs/internal/codec"
	"github.com/bfffs/bfffs/tree"
)

// Credit mirrors ddml.Credit: the WriteBack accounting token a caller
// owes for IDML-resident dirty bytes (spec.md §4.8, §4.10).
type Credit struct {
	bytes int64
}

func NewCredit(bytes int64) Credit { return Credit{bytes: bytes} }
func (c Credit) Bytes() int64      { return c.bytes }
func (c Credit) IsNull() bool      { return c.bytes == 0 }

// Codec marshals/unmarshals an indirectly-addressed value for the RIDT's
// Drp-backed storage, the same per-call generic workaround as ddml.Codec
// (spec.md §9 "generic DML trait").
type Codec[T any] interface {
	Marshal(v T) ([]byte, error)
	Unmarshal(b []byte) (T, error)
}

// IDML couples a DDML with the RIDT and AllocT trees, a next-RID counter,
// and a transaction-group lease.
type IDML struct {
	ddml *ddml.DDML
	mode codec.Mode

	ridt  *tree.Tree[common.Rid, common.RidtEntry]
	alloc *tree.Tree[common.Pba, common.RidValue]

	nextRid atomic.Uint64

	txgMu sync.RWMutex
	txg   common.TxgT
}

// New creates an empty IDML over d, starting at transaction group txg.
func New(d *ddml.DDML, mode codec.Mode, txg common.TxgT) *IDML {
	return &IDML{
		ddml:  d,
		mode:  mode,
		ridt:  tree.New[common.Rid, common.RidtEntry](d, mode, txg),
		alloc: tree.New[common.Pba, common.RidValue](d, mode, txg),
		txg:   txg,
	}
}

// Open reconstructs an IDML whose RIDT/AllocT roots were previously
// flushed, and whose next-RID counter was persisted in the label.
func Open(d *ddml.DDML, mode codec.Mode, txg common.TxgT, ridtRoot, allocRoot common.Drp, ridtTxgs, allocTxgs common.TxgRange, nextRid uint64) *IDML {
	idml := &IDML{
		ddml:  d,
		mode:  mode,
		ridt:  tree.Open[common.Rid, common.RidtEntry](d, mode, txg, ridtRoot, ridtTxgs),
		alloc: tree.Open[common.Pba, common.RidValue](d, mode, txg, allocRoot, allocTxgs),
		txg:   txg,
	}
	idml.nextRid.Store(nextRid)
	return idml
}

// Txg returns the transaction group new writes are stamped with — the
// Go equivalent of the original's RwLock<TxgT> read lease (spec.md §4.8
// "txg"). Holding the returned value across a write is safe: AdvanceTxg
// only ever increases it, so a writer that read an older txg merely gets
// attributed to the group it observed, never a future one.
func (m *IDML) Txg() common.TxgT {
	m.txgMu.RLock()
	defer m.txgMu.RUnlock()
	return m.txg
}

// AdvanceTxg bumps the transaction-group lease at a sync_transaction
// boundary (spec.md §4.8 "advance_transaction"), called by Database.
func (m *IDML) AdvanceTxg() common.TxgT {
	m.txgMu.Lock()
	defer m.txgMu.Unlock()
	m.txg++
	m.ridt.SetTxg(m.txg)
	m.alloc.SetTxg(m.txg)
	return m.txg
}

// Put allocates a fresh RID, stores value through the DDML, and records
// the mapping (plus a reverse AllocT entry) in a single logical step
// (spec.md §4.8 "put"). Returns the new RID and the WriteBack credit the
// caller now owes for the AllocT/RIDT dirty bytes.
func Put[T any](ctx context.Context, m *IDML, value T, c Codec[T], mode codec.Mode) (common.Rid, Credit, error) {
	drp, err := ddml.Put(ctx, m.ddml, value, ddmlAdapter[T]{c}, mode, m.Txg())
	if err != nil {
		return 0, Credit{}, err
	}
	rid := common.Rid(m.nextRid.Add(1) - 1)
	entry := common.RidtEntry{Drp: drp, Refcount: 1}
	if err := m.ridt.Insert(ctx, rid, entry, ridtCodec{}); err != nil {
		return 0, Credit{}, err
	}
	if err := m.alloc.Insert(ctx, drp.Pba, common.RidValue{Rid: rid}, allocCodec{}); err != nil {
		return 0, Credit{}, err
	}
	return rid, NewCredit(int64(entry.Size())), nil
}

// ddmlAdapter adapts idml.Codec[T] to ddml.Codec[T] (identical method
// set; kept as a distinct type so IDML and DDML codecs aren't
// accidentally interchangeable across layers).
type ddmlAdapter[T any] struct{ c Codec[T] }

func (a ddmlAdapter[T]) Marshal(v T) ([]byte, error)    { return a.c.Marshal(v) }
func (a ddmlAdapter[T]) Unmarshal(b []byte) (T, error) { return a.c.Unmarshal(b) }

// Get resolves rid through the RIDT, then the DDML, using the DDML's own
// cache and duplicate-request collapsing for the direct record (spec.md
// §4.8 "get").
func Get[T any](ctx context.Context, m *IDML, rid common.Rid, c Codec[T]) (T, error) {
	var zero T
	entry, found, err := m.ridt.Get(ctx, rid, ridtCodec{})
	if err != nil {
		return zero, err
	}
	if !found {
		return zero, bfffserr.ErrNotFound
	}
	return ddml.Get(ctx, m.ddml, entry.Drp, ddmlAdapter[T]{c})
}

// Pop decrements rid's refcount; at zero it frees the underlying DDML
// record and removes both the RIDT entry and its AllocT reverse mapping
// (spec.md §4.8 "pop").
func Pop[T any](ctx context.Context, m *IDML, rid common.Rid, c Codec[T]) (T, error) {
	var zero T
	entry, found, err := m.ridt.Get(ctx, rid, ridtCodec{})
	if err != nil {
		return zero, err
	}
	if !found {
		return zero, bfffserr.ErrNotFound
	}
	if entry.Refcount > 1 {
		entry.Refcount--
		if err := m.ridt.Insert(ctx, rid, entry, ridtCodec{}); err != nil {
			return zero, err
		}
		return ddml.Get(ctx, m.ddml, entry.Drp, ddmlAdapter[T]{c})
	}
	value, err := ddml.Pop(ctx, m.ddml, entry.Drp, ddmlAdapter[T]{c}, m.Txg())
	if err != nil {
		return zero, err
	}
	if _, err := m.ridt.Remove(ctx, rid, ridtCodec{}); err != nil {
		return zero, err
	}
	if _, err := m.alloc.Remove(ctx, entry.Drp.Pba, allocCodec{}); err != nil {
		return zero, err
	}
	return value, nil
}

// Delete is Pop without materializing the value.
func Delete(ctx context.Context, m *IDML, rid common.Rid) error {
	entry, found, err := m.ridt.Get(ctx, rid, ridtCodec{})
	if err != nil {
		return err
	}
	if !found {
		return bfffserr.ErrNotFound
	}
	if entry.Refcount > 1 {
		entry.Refcount--
		return m.ridt.Insert(ctx, rid, entry, ridtCodec{})
	}
	if err := ddml.Delete(ctx, m.ddml, entry.Drp, m.Txg()); err != nil {
		return err
	}
	if _, err := m.ridt.Remove(ctx, rid, ridtCodec{}); err != nil {
		return err
	}
	_, err = m.alloc.Remove(ctx, entry.Drp.Pba, allocCodec{})
	return err
}

// Evict drops rid's value from the shared Cache without altering
// refcounts or freeing storage (spec.md §4.8 "evict": a pure cache hint,
// used by memory-pressure eviction rather than record lifecycle).
func Evict(ctx context.Context, m *IDML, rid common.Rid) error {
	entry, found, err := m.ridt.Get(ctx, rid, ridtCodec{})
	if err != nil || !found {
		return err
	}
	m.ddml.Evict(entry.Drp)
	return nil
}

// SyncAll flushes both trees and the underlying DDML/Pool (spec.md §4.8
// "sync_all").
func (m *IDML) SyncAll(ctx context.Context) (ridtRoot, allocRoot common.Drp, ridtTxgs, allocTxgs common.TxgRange, err error) {
	ridtRoot, ridtTxgs, err = m.ridt.Flush(ctx, ridtCodec{})
	if err != nil {
		return
	}
	allocRoot, allocTxgs, err = m.alloc.Flush(ctx, allocCodec{})
	if err != nil {
		return
	}
	err = m.ddml.SyncAll()
	return
}

// Repay is a bookkeeping no-op at the IDML layer: credit for IDML-owned
// bytes is repaid by the caller returning it to WriteBack once its own
// Database-level dirty-byte accounting is updated (spec.md §4.8, §4.10).
func (m *IDML) Repay(c Credit) {}

// NextRid reports the IDML's next-RID counter, for label persistence.
func (m *IDML) NextRid() uint64 { return m.nextRid.Load() }

// bytesCodec is the identity Codec[[]byte]: CleanZone doesn't know the
// concrete domain type of an arbitrary direct record, so it relocates
// records as opaque bytes. This is safe because compress/checksum/Pool
// I/O in the DDML operate on the marshaled bytes regardless of what
// produced them; round-tripping through []byte reproduces the same bytes
// a typed Codec[T] would have written.
type bytesCodec struct{}

func (bytesCodec) Marshal(v []byte) ([]byte, error)   { return v, nil }
func (bytesCodec) Unmarshal(b []byte) ([]byte, error) { return b, nil }

// CleanZone relocates every RIDT/AllocT node, and every direct record
// referenced through them, that lives in the zone described by
// zoneTxgs/zoneLo/zoneHi/inZone (spec.md §4.4 "clean_zone" lifted to the
// IDML: the AllocT's reverse mapping is what lets the cleaner find the
// owning RID for each live record in the zone without a full RIDT scan).
// zoneLo/zoneHi are the zone's PBA bounds (common.Pba.Less orders by
// cluster then LBA, so a contiguous zone is a contiguous AllocT key
// range) used to enumerate exactly the AllocT entries relocation must
// touch, rather than walking every entry in the tree.
func (m *IDML) CleanZone(ctx context.Context, zoneTxgs common.TxgRange, zoneLo, zoneHi common.Pba, inZone func(common.Pba) bool, mode codec.Mode) error {
	if err := m.ridt.CleanZone(ctx, zoneTxgs, inZone, ridtCodec{}); err != nil {
		return err
	}
	if err := m.alloc.CleanZone(ctx, zoneTxgs, inZone, allocCodec{}); err != nil {
		return err
	}

	pbas, _, err := m.alloc.RangeEntries(ctx, zoneLo, zoneHi, allocCodec{})
	if err != nil {
		return err
	}
	live := mapset.NewThreadUnsafeSet[common.Pba]()
	for _, pba := range pbas {
		if inZone(pba) {
			live.Add(pba)
		}
	}
	for _, pba := range live.ToSlice() {
		if err := RelocateRecord[[]byte](ctx, m, pba, bytesCodec{}, mode); err != nil {
			return err
		}
	}
	return nil
}

// RelocateRecord rewrites the direct record owning pba (found via the
// AllocT reverse map) to a fresh location and updates the RIDT entry in
// place, the per-record half of CleanZone for records the DDML itself
// doesn't relocate as part of a tree flush.
func RelocateRecord[T any](ctx context.Context, m *IDML, pba common.Pba, c Codec[T], mode codec.Mode) error {
	rv, found, err := m.alloc.Get(ctx, pba, allocCodec{})
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	entry, found, err := m.ridt.Get(ctx, rv.Rid, ridtCodec{})
	if err != nil {
		return err
	}
	if !found {
		return bfffserr.New(bfffserr.KindCorruption, bfffserr.EPIPE, "idml: alloct entry with no ridt backing")
	}
	value, err := ddml.GetDirect(ctx, m.ddml, entry.Drp, ddmlAdapter[T]{c})
	if err != nil {
		return err
	}
	newDrp, err := ddml.PutDirect(ctx, m.ddml, value, ddmlAdapter[T]{c}, mode, m.Txg())
	if err != nil {
		return err
	}
	if err := ddml.DeleteDirect(ctx, m.ddml, entry.Drp); err != nil {
		return err
	}
	entry.Drp = newDrp
	if err := m.ridt.Insert(ctx, rv.Rid, entry, ridtCodec{}); err != nil {
		return err
	}
	if _, err := m.alloc.Remove(ctx, pba, allocCodec{}); err != nil {
		return err
	}
	return m.alloc.Insert(ctx, newDrp.Pba, common.RidValue{Rid: rv.Rid}, allocCodec{})
}
