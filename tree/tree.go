// Package tree implements the generic copy-on-write B+-tree of spec.md
// §4.7: the structure underlying the RIDT, AllocT, and every filesystem
// tree in the Forest. Because Go forbids additional type parameters on
// interface methods, Tree is a concrete generic struct (legal in Go)
// rather than a generic interface, and is parameterized directly over
// its key and value types.
package tree

import (
	"context"
	"sort"
	"sync"

	"github.com/bfffs/bfffs/bfffserr"
	"github.com/bfffs/bfffs/common"
	"github.com/bfffs/bfffs/ddml"
	"github.com/bfffs/bfffs/internal/codec"
)

// Key is any ordered, comparable tree key (RID, inode/offset pair,
// directory-entry hash, …).
type Key interface {
	comparable
	Less(other any) bool
}

// Value is any tree payload. Dirty accounting charges by Size() bytes,
// matching spec.md §4.10's WriteBack credit model.
type Value interface {
	Size() int
}

// Addr is the on-disk pointer type the tree is indirected through. Tree
// writes and reads its nodes through the DDML, so every address it stores
// or resolves is a common.Drp; fetch rejects any other Addr value.
type Addr any

const (
	minFanout = 4  // spec.md §4.7 "B" (order) default — kept small to exercise
	maxFanout = 8  // split/merge logic without huge nodes in tests
)

// ptrKind tags the three states of a child reference (spec.md §3's Ptr
// enum: Mem | Addr | None -- None only ever appears transiently while a
// node is being constructed).
type ptrKind int

const (
	ptrNone ptrKind = iota
	ptrMem
	ptrAddr
)

// ptr is a child pointer: either a dirty in-memory node (Mem) or a clean
// on-disk address (Addr) awaiting a fetch.
type ptr[K Key, V Value] struct {
	kind ptrKind
	mem  *node[K, V]
	addr Addr
	txgs common.TxgRange
}

// LeafEntry is one key/value pair in a leaf node.
type LeafEntry[K Key, V Value] struct {
	Key K
	Val V
}

// intEntry is one key/child pair in an internal node: child covers keys
// in [key, nextSiblingKey).
type intEntry[K Key, V Value] struct {
	key K
	ptr ptr[K, V]
}

// node is either a leaf (holds values directly) or an internal node
// (holds child pointers), matching spec.md §4.7's Node enum.
type node[K Key, V Value] struct {
	leaf     bool
	leaves   []LeafEntry[K, V]
	children []intEntry[K, V]
	dirty    bool
}

func less[K Key](a, b K) bool { return a.Less(b) }

func (n *node[K, V]) findChild(key K) int {
	i := sort.Search(len(n.children), func(i int) bool {
		return less(key, n.children[i].key)
	})
	if i > 0 {
		i--
	}
	return i
}

func (n *node[K, V]) findLeaf(key K) (int, bool) {
	i := sort.Search(len(n.leaves), func(i int) bool {
		return !less(n.leaves[i].Key, key)
	})
	if i < len(n.leaves) && n.leaves[i].Key == key {
		return i, true
	}
	return i, false
}

// Codec marshals K/V/Addr for on-disk node storage (mirrors ddml.Codec
// but covers the three tree-specific types at once, since a node holds
// all three).
type Codec[K Key, V Value] interface {
	MarshalNode(n *SerialNode[K, V]) ([]byte, error)
	UnmarshalNode(b []byte) (*SerialNode[K, V], error)
}

// SerialNode is the wire form of a node: addr-resolved children only
// (every Mem pointer must be flushed before a node is serialized).
type SerialNode[K Key, V Value] struct {
	Leaf     bool
	Leaves   []LeafEntry[K, V]
	Children []SerialChild[K]
}

type SerialChild[K Key] struct {
	Key  K
	Addr common.Drp
	Txgs common.TxgRange
}

func (s *SerialNode[K, V]) Size() int {
	return len(s.Leaves)*32 + len(s.Children)*48
}

// Tree is the generic copy-on-write B+-tree of spec.md §4.7.
type Tree[K Key, V Value] struct {
	mu   sync.RWMutex
	root ptr[K, V]
	ddml *ddml.DDML
	mode codec.Mode
	txg  common.TxgT
}

// New creates an empty Tree backed by d, writing dirty nodes through
// compression mode at the tree's current transaction group txg.
func New[K Key, V Value](d *ddml.DDML, mode codec.Mode, txg common.TxgT) *Tree[K, V] {
	return &Tree[K, V]{
		root: ptr[K, V]{kind: ptrMem, mem: &node[K, V]{leaf: true}},
		ddml: d,
		mode: mode,
		txg:  txg,
	}
}

// Open reconstructs a Tree whose root was previously flushed to rootAddr.
func Open[K Key, V Value](d *ddml.DDML, mode codec.Mode, txg common.TxgT, rootAddr Addr, rootTxgs common.TxgRange) *Tree[K, V] {
	return &Tree[K, V]{
		root: ptr[K, V]{kind: ptrAddr, addr: rootAddr, txgs: rootTxgs},
		ddml: d,
		mode: mode,
		txg:  txg,
	}
}

// nodeCodec adapts Codec[K,V] to ddml.Codec[*SerialNode[K,V]].
type nodeCodec[K Key, V Value] struct{ c Codec[K, V] }

func (nc nodeCodec[K, V]) Marshal(v *SerialNode[K, V]) ([]byte, error) { return nc.c.MarshalNode(v) }
func (nc nodeCodec[K, V]) Unmarshal(b []byte) (*SerialNode[K, V], error) {
	return nc.c.UnmarshalNode(b)
}

// fetch resolves p to an in-memory node, reading it through the DDML if
// it is currently only an on-disk Addr (lock-coupling traversal per
// spec.md §4.7; the caller holds whatever lock protects p).
func (t *Tree[K, V]) fetch(ctx context.Context, p *ptr[K, V], c Codec[K, V]) (*node[K, V], error) {
	if p.kind == ptrMem {
		return p.mem, nil
	}
	drp, ok := p.addr.(common.Drp)
	if !ok {
		return nil, bfffserr.New(bfffserr.KindCorruption, bfffserr.EPIPE, "tree: root address is not a DRP")
	}
	sn, err := ddml.Get(ctx, t.ddml, drp, nodeCodec[K, V]{c})
	if err != nil {
		return nil, err
	}
	n := &node[K, V]{leaf: sn.Leaf, leaves: sn.Leaves}
	for _, ch := range sn.Children {
		n.children = append(n.children, intEntry[K, V]{key: ch.Key, ptr: ptr[K, V]{kind: ptrAddr, addr: ch.Addr, txgs: ch.Txgs}})
	}
	p.kind = ptrMem
	p.mem = n
	return n, nil
}

// Get performs a point lookup (spec.md §4.7 "get").
func (t *Tree[K, V]) Get(ctx context.Context, key K, c Codec[K, V]) (V, bool, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var zero V
	n, err := t.fetch(ctx, &t.root, c)
	if err != nil {
		return zero, false, err
	}
	for !n.leaf {
		idx := n.findChild(key)
		if idx >= len(n.children) {
			return zero, false, nil
		}
		n, err = t.fetch(ctx, &n.children[idx].ptr, c)
		if err != nil {
			return zero, false, err
		}
	}
	idx, found := n.findLeaf(key)
	if !found {
		return zero, false, nil
	}
	return n.leaves[idx].Val, true, nil
}

// Range collects every entry with lo <= key < hi, in key order (spec.md
// §4.7 "range").
func (t *Tree[K, V]) Range(ctx context.Context, lo, hi K, c Codec[K, V]) ([]V, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []V
	var walk func(p *ptr[K, V]) error
	walk = func(p *ptr[K, V]) error {
		n, err := t.fetch(ctx, p, c)
		if err != nil {
			return err
		}
		if n.leaf {
			for _, e := range n.leaves {
				if !less(e.Key, lo) && less(e.Key, hi) {
					out = append(out, e.Val)
				}
			}
			return nil
		}
		for i := range n.children {
			if i+1 < len(n.children) && less(n.children[i+1].key, lo) {
				continue
			}
			if less(hi, n.children[i].key) {
				break
			}
			if err := walk(&n.children[i].ptr); err != nil {
				return err
			}
		}
		return nil
	}
	return out, walk(&t.root)
}

// RangeEntries is Range but also returns each matching entry's key,
// needed by callers (e.g. the IDML cleaner) that must act on the key
// itself rather than just the value.
func (t *Tree[K, V]) RangeEntries(ctx context.Context, lo, hi K, c Codec[K, V]) ([]K, []V, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var keys []K
	var vals []V
	var walk func(p *ptr[K, V]) error
	walk = func(p *ptr[K, V]) error {
		n, err := t.fetch(ctx, p, c)
		if err != nil {
			return err
		}
		if n.leaf {
			for _, e := range n.leaves {
				if !less(e.Key, lo) && less(e.Key, hi) {
					keys = append(keys, e.Key)
					vals = append(vals, e.Val)
				}
			}
			return nil
		}
		for i := range n.children {
			if i+1 < len(n.children) && less(n.children[i+1].key, lo) {
				continue
			}
			if less(hi, n.children[i].key) {
				break
			}
			if err := walk(&n.children[i].ptr); err != nil {
				return err
			}
		}
		return nil
	}
	return keys, vals, walk(&t.root)
}

// LastKey returns the maximum key in the tree.
func (t *Tree[K, V]) LastKey(ctx context.Context, c Codec[K, V]) (K, bool, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var zero K
	n, err := t.fetch(ctx, &t.root, c)
	if err != nil {
		return zero, false, err
	}
	for !n.leaf {
		if len(n.children) == 0 {
			return zero, false, nil
		}
		n, err = t.fetch(ctx, &n.children[len(n.children)-1].ptr, c)
		if err != nil {
			return zero, false, err
		}
	}
	if len(n.leaves) == 0 {
		return zero, false, nil
	}
	return n.leaves[len(n.leaves)-1].Key, true, nil
}

// Insert adds or overwrites key->val, splitting any node that overflows
// maxFanout on the way back up, after the insertion (spec.md §4.7
// "insert"); nodes are not split ahead of the descent.
func (t *Tree[K, V]) Insert(ctx context.Context, key K, val V, c Codec[K, V]) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, promoted, err := t.insert(ctx, &t.root, key, val, c)
	if err != nil {
		return err
	}
	if promoted != nil {
		newRoot := &node[K, V]{children: []intEntry[K, V]{
			{key: promoted.leftmost, ptr: ptr[K, V]{kind: ptrMem, mem: promoted.left}},
			{key: promoted.splitKey, ptr: ptr[K, V]{kind: ptrMem, mem: promoted.right}},
		}}
		t.root = ptr[K, V]{kind: ptrMem, mem: newRoot}
	}
	return nil
}

// splitResult carries a node split one level up to its parent.
type splitResult[K Key, V Value] struct {
	leftmost K
	splitKey K
	left     *node[K, V]
	right    *node[K, V]
}

func (t *Tree[K, V]) insert(ctx context.Context, p *ptr[K, V], key K, val V, c Codec[K, V]) (bool, *splitResult[K, V], error) {
	n, err := t.fetch(ctx, p, c)
	if err != nil {
		return false, nil, err
	}
	n.dirty = true

	if n.leaf {
		idx, found := n.findLeaf(key)
		if found {
			n.leaves[idx].Val = val
		} else {
			n.leaves = append(n.leaves, LeafEntry[K, V]{})
			copy(n.leaves[idx+1:], n.leaves[idx:])
			n.leaves[idx] = LeafEntry[K, V]{Key: key, Val: val}
		}
		if len(n.leaves) <= maxFanout {
			return true, nil, nil
		}
		mid := len(n.leaves) / 2
		left := &node[K, V]{leaf: true, leaves: append([]LeafEntry[K, V]{}, n.leaves[:mid]...), dirty: true}
		right := &node[K, V]{leaf: true, leaves: append([]LeafEntry[K, V]{}, n.leaves[mid:]...), dirty: true}
		return true, &splitResult[K, V]{leftmost: left.leaves[0].Key, splitKey: right.leaves[0].Key, left: left, right: right}, nil
	}

	idx := n.findChild(key)
	if idx >= len(n.children) {
		idx = len(n.children) - 1
	}
	_, split, err := t.insert(ctx, &n.children[idx].ptr, key, val, c)
	if err != nil {
		return false, nil, err
	}
	if split != nil {
		n.children[idx] = intEntry[K, V]{key: split.leftmost, ptr: ptr[K, V]{kind: ptrMem, mem: split.left}}
		newEntry := intEntry[K, V]{key: split.splitKey, ptr: ptr[K, V]{kind: ptrMem, mem: split.right}}
		n.children = append(n.children, intEntry[K, V]{})
		copy(n.children[idx+2:], n.children[idx+1:])
		n.children[idx+1] = newEntry
	}
	if len(n.children) <= maxFanout {
		return true, nil, nil
	}
	mid := len(n.children) / 2
	left := &node[K, V]{children: append([]intEntry[K, V]{}, n.children[:mid]...), dirty: true}
	right := &node[K, V]{children: append([]intEntry[K, V]{}, n.children[mid:]...), dirty: true}
	return true, &splitResult[K, V]{leftmost: left.children[0].key, splitKey: right.children[0].key, left: left, right: right}, nil
}

// Remove deletes key, merging/stealing underflowing nodes with a sibling
// where possible (spec.md §4.7 "remove"). Underflow below minFanout is
// tolerated rather than forcing a merge when no sibling has room, matching
// typical B+-tree implementations that bound but don't guarantee exact
// occupancy after deletion storms.
func (t *Tree[K, V]) Remove(ctx context.Context, key K, c Codec[K, V]) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, err := t.fetch(ctx, &t.root, c)
	if err != nil {
		return false, err
	}
	return t.remove(ctx, n, key, c)
}

func (t *Tree[K, V]) remove(ctx context.Context, n *node[K, V], key K, c Codec[K, V]) (bool, error) {
	if n.leaf {
		idx, found := n.findLeaf(key)
		if !found {
			return false, nil
		}
		n.leaves = append(n.leaves[:idx], n.leaves[idx+1:]...)
		n.dirty = true
		return true, nil
	}
	idx := n.findChild(key)
	if idx >= len(n.children) {
		return false, nil
	}
	child, err := t.fetch(ctx, &n.children[idx].ptr, c)
	if err != nil {
		return false, err
	}
	removed, err := t.remove(ctx, child, key, c)
	if err != nil || !removed {
		return removed, err
	}
	n.dirty = true
	if err := t.mergeOrSteal(ctx, n, idx, c); err != nil {
		return false, err
	}
	return true, nil
}

// mergeOrSteal rebalances n.children[idx] against a sibling if it has
// underflowed below minFanout, trying the right sibling before the left:
// the two are merged whenever their combined entries fit in maxFanout,
// and one entry is stolen from the larger only otherwise. Both the child
// and whichever sibling
// is chosen are fetched through the DML first (mirroring the Rust
// implementation's fix_int, which xlocks the sibling before inspecting
// it) since after a flush a sibling is ordinarily sitting on disk as a
// clean Addr, not resident in memory.
func (t *Tree[K, V]) mergeOrSteal(ctx context.Context, n *node[K, V], idx int, c Codec[K, V]) error {
	child, err := t.fetch(ctx, &n.children[idx].ptr, c)
	if err != nil {
		return err
	}
	size := childSize(child)
	if size >= minFanout || len(n.children) < 2 {
		return nil
	}
	if idx+1 < len(n.children) {
		sib, err := t.fetch(ctx, &n.children[idx+1].ptr, c)
		if err != nil {
			return err
		}
		mergeInto(n, idx, idx+1, child, sib)
		return nil
	}
	if idx > 0 {
		sib, err := t.fetch(ctx, &n.children[idx-1].ptr, c)
		if err != nil {
			return err
		}
		mergeInto(n, idx-1, idx, sib, child)
	}
	return nil
}

func childSize[K Key, V Value](n *node[K, V]) int {
	if n.leaf {
		return len(n.leaves)
	}
	return len(n.children)
}

// mergeInto folds the node at rightIdx into leftIdx's node when their
// combined size still fits within maxFanout, removing the now-empty
// right entry; otherwise it steals one entry across the boundary.
func mergeInto[K Key, V Value](n *node[K, V], leftIdx, rightIdx int, left, right *node[K, V]) {
	if left.leaf {
		if len(left.leaves)+len(right.leaves) <= maxFanout {
			left.leaves = append(left.leaves, right.leaves...)
			left.dirty = true
			n.children = append(n.children[:rightIdx], n.children[rightIdx+1:]...)
			return
		}
		if len(right.leaves) > len(left.leaves) {
			left.leaves = append(left.leaves, right.leaves[0])
			right.leaves = right.leaves[1:]
		} else if len(left.leaves) > 0 {
			right.leaves = append([]LeafEntry[K, V]{left.leaves[len(left.leaves)-1]}, right.leaves...)
			left.leaves = left.leaves[:len(left.leaves)-1]
		}
		left.dirty, right.dirty = true, true
		n.children[rightIdx].key = right.leaves[0].Key
		return
	}
	if len(left.children)+len(right.children) <= maxFanout {
		left.children = append(left.children, right.children...)
		left.dirty = true
		n.children = append(n.children[:rightIdx], n.children[rightIdx+1:]...)
		return
	}
	if len(right.children) > len(left.children) {
		left.children = append(left.children, right.children[0])
		right.children = right.children[1:]
	} else if len(left.children) > 0 {
		right.children = append([]intEntry[K, V]{left.children[len(left.children)-1]}, right.children...)
		left.children = left.children[:len(left.children)-1]
	}
	left.dirty, right.dirty = true, true
	n.children[rightIdx].key = right.children[0].key
}

// RangeDelete removes every key in [lo, hi) in two passes: collect then
// delete, avoiding iterator invalidation (spec.md §4.7 "range_delete").
func (t *Tree[K, V]) RangeDelete(ctx context.Context, lo, hi K, c Codec[K, V]) error {
	victims, err := t.Range(ctx, lo, hi, c)
	_ = victims // values aren't needed, only their keys
	if err != nil {
		return err
	}
	var keys []K
	t.mu.RLock()
	var walk func(p *ptr[K, V]) error
	walk = func(p *ptr[K, V]) error {
		n, err := t.fetch(ctx, p, c)
		if err != nil {
			return err
		}
		if n.leaf {
			for _, e := range n.leaves {
				if !less(e.Key, lo) && less(e.Key, hi) {
					keys = append(keys, e.Key)
				}
			}
			return nil
		}
		for i := range n.children {
			if err := walk(&n.children[i].ptr); err != nil {
				return err
			}
		}
		return nil
	}
	err = walk(&t.root)
	t.mu.RUnlock()
	if err != nil {
		return err
	}
	for _, k := range keys {
		if _, err := t.Remove(ctx, k, c); err != nil {
			return err
		}
	}
	return nil
}

// Flush performs a postorder copy-on-write traversal, writing every
// dirty node through the DDML bottom-up and replacing each Mem pointer
// with the resulting Addr, then returns the new root's address and
// transaction-group range (spec.md §4.7 "flush").
func (t *Tree[K, V]) Flush(ctx context.Context, c Codec[K, V]) (common.Drp, common.TxgRange, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.flushPtr(ctx, &t.root, c)
}

func (t *Tree[K, V]) flushPtr(ctx context.Context, p *ptr[K, V], c Codec[K, V]) (common.Drp, common.TxgRange, error) {
	if p.kind == ptrAddr {
		drp, _ := p.addr.(common.Drp)
		return drp, p.txgs, nil
	}
	n := p.mem
	txgs := common.TxgRange{Start: t.txg, End: t.txg + 1}
	sn := &SerialNode[K, V]{Leaf: n.leaf, Leaves: n.leaves}
	if !n.leaf {
		for i := range n.children {
			childAddr, childTxgs, err := t.flushPtr(ctx, &n.children[i].ptr, c)
			if err != nil {
				return common.Drp{}, common.TxgRange{}, err
			}
			sn.Children = append(sn.Children, SerialChild[K]{Key: n.children[i].key, Addr: childAddr, Txgs: childTxgs})
			txgs = common.Union(txgs, childTxgs)
		}
	}
	if !n.dirty && p.kind == ptrMem && n.leaf && len(n.leaves) == 0 {
		return common.Drp{}, txgs, nil
	}
	drp, err := ddml.Put(ctx, t.ddml, sn, nodeCodec[K, V]{c}, t.mode, t.txg)
	if err != nil {
		return common.Drp{}, common.TxgRange{}, err
	}
	*p = ptr[K, V]{kind: ptrAddr, addr: drp, txgs: txgs}
	return drp, txgs, nil
}

// SetTxg advances the transaction group new nodes will be stamped with,
// called once per transaction-group boundary by the owning Database.
func (t *Tree[K, V]) SetTxg(txg common.TxgT) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.txg = txg
}

// CleanZone relocates every on-disk node whose address falls in the
// zone identified by inZone, so the cleaner can reclaim it (spec.md
// §4.4/§4.7 "clean_zone"). Pass 1 walks the tree pruning by txg-range
// overlap against zoneTxgs (every node's stamped TxgRange is a superset
// of its subtree's, so a subtree whose range misses the zone's
// allocation window cannot contain an address written into it) and
// dirties the on-disk nodes whose address is actually in the zone; pass
// 2 is an ordinary Flush, which copy-on-writes every dirtied node out to
// a fresh zone. Splitting rewrite from discovery keeps the tree's
// lock-coupling traversal invariant intact: a node is never mutated
// while its parent's pointer to it is still being resolved.
func (t *Tree[K, V]) CleanZone(ctx context.Context, zoneTxgs common.TxgRange, inZone func(common.Pba) bool, c Codec[K, V]) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var walk func(p *ptr[K, V]) error
	walk = func(p *ptr[K, V]) error {
		if p.kind == ptrAddr && !overlaps(p.txgs, zoneTxgs) {
			return nil
		}
		if p.kind == ptrAddr {
			drp, ok := p.addr.(common.Drp)
			if ok && inZone(drp.Pba) {
				if _, err := t.fetch(ctx, p, c); err != nil {
					return err
				}
				p.mem.dirty = true
			}
		}
		if p.kind != ptrMem {
			// Address-resident, overlapping range, but not itself in the
			// zone: still worth descending into, since children can be
			// older relocated nodes whose range widened the parent's.
			if _, err := t.fetch(ctx, p, c); err != nil {
				return err
			}
		}
		n := p.mem
		if n == nil || n.leaf {
			return nil
		}
		for i := range n.children {
			if err := walk(&n.children[i].ptr); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(&t.root); err != nil {
		return err
	}
	_, _, err := t.flushPtr(ctx, &t.root, c)
	return err
}

func overlaps(a, b common.TxgRange) bool {
	return a.Start < b.End && b.Start < a.End
}
