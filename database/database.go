// Package database implements the Database of spec.md §4.9: the Forest
// of per-filesystem trees keyed by TreeID, the transaction-group flush
// barrier, and alternating label-slot persistence.
package database

import (
	"context"
	"encoding/binary"
	"sync"

	"github.com/bfffs/bfffs/bfffserr"
	"github.com/bfffs/bfffs/common"
	"github.com/bfffs/bfffs/ddml"
	"github.com/bfffs/bfffs/idml"
	"github.com/bfffs/bfffs/internal/codec"
	"github.com/bfffs/bfffs/internal/label"
)

// TreeID names one filesystem tree within the Forest.
type TreeID uint32

// FsTree is the minimal surface a filesystem tree must expose to
// participate in a transaction-group flush. tree.Tree[K,V] does not
// satisfy it as is, since its Flush also takes the node codec; a
// filesystem tree is registered through a wrapper that supplies one.
type FsTree interface {
	Flush(ctx context.Context) (common.Drp, common.TxgRange, error)
}

// treeOnDisk is the Forest's directory entry for one filesystem: its
// name and its most recently flushed root (spec.md §4.9 "TreeOnDisk").
type treeOnDisk struct {
	name string
	tree FsTree
	root common.Drp
	txgs common.TxgRange
}

// Database owns the IDML plus the Forest: every filesystem tree's
// TreeID -> TreeOnDisk mapping, and orchestrates transaction-group
// flushes across the whole stack.
type Database struct {
	idml *idml.IDML
	ddml *ddml.DDML
	mode codec.Mode

	mu     sync.Mutex
	forest map[TreeID]*treeOnDisk
	nextID uint32

	labelSlot int
}

// New creates an empty Database over an already-open IDML/DDML pair.
func New(d *ddml.DDML, m *idml.IDML, mode codec.Mode) *Database {
	return &Database{ddml: d, idml: m, mode: mode, forest: make(map[TreeID]*treeOnDisk)}
}

// NewFs registers a fresh, empty filesystem tree under name and returns
// its TreeID (spec.md §4.9 "new_fs"). Callers build the tree itself
// (e.g. tree.New[InodeKey, Inode](...), wrapped so that its Flush binds
// the node codec) and hand it in, since Database
// is not itself generic over every filesystem tree's key/value types.
func (db *Database) NewFs(name string, t FsTree) TreeID {
	db.mu.Lock()
	defer db.mu.Unlock()
	id := TreeID(db.nextID)
	db.nextID++
	db.forest[id] = &treeOnDisk{name: name, tree: t}
	return id
}

// FsRead looks up a filesystem tree for reading (spec.md §4.9 "fsread").
// The caller performs the actual Get/Range against the returned tree
// handle; Database's role here is purely Forest lookup + liveness.
func (db *Database) FsRead(id TreeID) (FsTree, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	e, ok := db.forest[id]
	if !ok {
		return nil, bfffserr.ErrNotFound
	}
	return e.tree, nil
}

// FsWrite is FsRead's write-intent counterpart: spec.md §4.9 distinguishes
// them so a future reader/writer lock split has a seam, even though both
// currently just resolve the same Forest entry.
func (db *Database) FsWrite(id TreeID) (FsTree, error) {
	return db.FsRead(id)
}

// DestroyFs removes a filesystem from the Forest. The tree's own storage
// is not reclaimed: neither DestroyFs nor a later SyncTransaction frees
// its nodes or deletes its RIDT/AllocT entries.
func (db *Database) DestroyFs(id TreeID) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if _, ok := db.forest[id]; !ok {
		return bfffserr.ErrNotFound
	}
	delete(db.forest, id)
	return nil
}

// SyncTransaction performs the five-step transaction-group flush barrier
// of spec.md §4.9:
//  1. flush every live filesystem tree, collecting its new root/txg range
//  2. run one cleaner pass (cleanOneZone)
//  3. flush the IDML's RIDT and AllocT trees and sync the storage beneath
//     them (idml.SyncAll)
//  4. assemble the full label body bottom-up (Pool sections, then IDML's
//     RIDT/AllocT roots and next-RID counter, then the Forest directory)
//  5. persist that body to the alternating label slot and advance the
//     transaction group
//
// Only step 1 runs with the Database lock held so no new tree can
// register mid-flush; step 2 onward release it.
func (db *Database) SyncTransaction(ctx context.Context) (common.TxgT, error) {
	db.mu.Lock()
	type flushed struct {
		id   TreeID
		e    *treeOnDisk
		root common.Drp
		txgs common.TxgRange
	}
	var results []flushed
	for id, e := range db.forest {
		root, txgs, err := e.tree.Flush(ctx)
		if err != nil {
			db.mu.Unlock()
			return 0, err
		}
		results = append(results, flushed{id: id, e: e, root: root, txgs: txgs})
	}
	for _, r := range results {
		r.e.root, r.e.txgs = r.root, r.txgs
	}
	db.mu.Unlock()

	if err := db.cleanOneZone(ctx); err != nil {
		return 0, err
	}

	ridtRoot, allocRoot, ridtTxgs, allocTxgs, err := db.idml.SyncAll(ctx)
	if err != nil {
		return 0, err
	}

	// Assemble the full label bottom-up: Pool's (and everything beneath
	// it: cluster/raid/mirror/vdev) raw sections via DDML.WriteLabel,
	// then IDML's RIDT/AllocT root section, then the Forest directory
	// section — and only now, at the very top, wrap the accumulation in
	// the magic/checksum frame that VdevFile.WriteLabel expects.
	raw := db.ddml.WriteLabel(nil)
	raw = appendIdmlSection(raw, ridtRoot, allocRoot, ridtTxgs, allocTxgs, db.idml.NextRid())
	body := db.finalizeWithForest(raw)

	db.mu.Lock()
	slot := db.labelSlot
	db.labelSlot = (db.labelSlot + 1) % common.LabelCount
	db.mu.Unlock()
	_ = slot // the alternating slot lives inside VdevFile.WriteLabel's own counter

	if err := db.ddml.Persist(ctx, body); err != nil {
		return 0, err
	}
	return db.idml.AdvanceTxg(), nil
}

// cleanOneZone is the cleaner step of spec.md §4.4/§8 scenario S5, run once
// per transaction-group flush: close every zone that filled since the last
// flush, then scan every cluster's Closed-zone list for the one with the
// highest Reward() (the largest fraction of already-garbage space) and
// relocate its still-live RIDT/AllocT nodes and direct records out of it.
// Once CleanZone's relocation frees the zone's last live record,
// Cluster.Free's own bookkeeping (driven by the DeleteDirect calls inside
// idml.RelocateRecord) transitions it from Closed back to Empty — no
// explicit Cluster.Close call is needed here, since FindClosedZone only
// ever surfaces zones already in that state.
func (db *Database) cleanOneZone(ctx context.Context) error {
	if err := db.ddml.CloseFullZones(ctx); err != nil {
		return err
	}

	var best *common.ClosedZone
	cluster, zone := common.ClusterT(0), uint32(0)
	for {
		cz, nextCluster, nextZone := db.ddml.ListClosedZones(cluster, zone)
		if cz == nil {
			break
		}
		if best == nil || cz.Reward() > best.Reward() {
			best = cz
		}
		if nextCluster == nil || nextZone == nil {
			break
		}
		cluster, zone = *nextCluster, *nextZone
	}
	if best == nil {
		return nil
	}

	clusters := db.ddml.Pool().Clusters()
	bestCluster := best.Pba.Cluster
	if int(bestCluster) >= len(clusters) {
		return nil
	}
	start, end := clusters[bestCluster].Raid().ZoneLimits(best.Zid)
	zoneLo := common.Pba{Cluster: bestCluster, Lba: start}
	zoneHi := common.Pba{Cluster: bestCluster, Lba: end}
	inZone := func(p common.Pba) bool {
		return p.Cluster == bestCluster && p.Lba >= start && p.Lba < end
	}
	return db.idml.CleanZone(ctx, best.Txgs, zoneLo, zoneHi, inZone, db.mode)
}

// finalizeWithForest appends the Forest directory as the outermost
// section onto raw and wraps the result in the magic/checksum frame —
// Database is the topmost layer in the label chain, so this is the one
// place Builder.Bytes is ever called.
func (db *Database) finalizeWithForest(raw []byte) []byte {
	db.mu.Lock()
	defer db.mu.Unlock()
	b := label.NewBuilder()
	b.AppendRaw(raw)

	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(db.forest)))
	entries := hdr[:]
	for id, e := range db.forest {
		var idBuf [4]byte
		binary.BigEndian.PutUint32(idBuf[:], uint32(id))
		entries = append(entries, idBuf[:]...)
		nameBuf := make([]byte, 4+len(e.name))
		binary.BigEndian.PutUint32(nameBuf, uint32(len(e.name)))
		copy(nameBuf[4:], e.name)
		entries = append(entries, nameBuf...)
		entries = appendDrp(entries, e.root)
		entries = appendU64(entries, uint64(e.txgs.Start))
		entries = appendU64(entries, uint64(e.txgs.End))
	}
	b.Section(entries)
	return b.Bytes()
}

// appendIdmlSection appends the IDML's RIDT/AllocT root/txg-range/next-RID
// section onto raw, returning the extended raw (still-unframed) section
// stream.
func appendIdmlSection(raw []byte, ridtRoot, allocRoot common.Drp, ridtTxgs, allocTxgs common.TxgRange, nextRid uint64) []byte {
	b := label.NewBuilder()
	b.AppendRaw(raw)
	var buf []byte
	buf = appendDrp(buf, ridtRoot)
	buf = appendU64(buf, uint64(ridtTxgs.Start))
	buf = appendU64(buf, uint64(ridtTxgs.End))
	buf = appendDrp(buf, allocRoot)
	buf = appendU64(buf, uint64(allocTxgs.Start))
	buf = appendU64(buf, uint64(allocTxgs.End))
	buf = appendU64(buf, nextRid)
	b.Section(buf)
	return b.Raw()
}

func appendU64(buf []byte, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return append(buf, b[:]...)
}

func appendDrp(buf []byte, d common.Drp) []byte {
	var cl [2]byte
	binary.BigEndian.PutUint16(cl[:], uint16(d.Pba.Cluster))
	buf = append(buf, cl[:]...)
	buf = appendU64(buf, uint64(d.Pba.Lba))
	if d.Compressed {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	var sz [8]byte
	binary.BigEndian.PutUint32(sz[0:4], d.Lsize)
	binary.BigEndian.PutUint32(sz[4:8], d.Csize)
	buf = append(buf, sz[:]...)
	buf = appendU64(buf, d.Checksum)
	return buf
}
