// Package devmgr implements the DeviceManager of spec.md §4.11: tasting
// leaf vdevs for an importable pool label, listing what's importable, and
// assembling a Pool/DDML/IDML stack from a named or UUID-identified set
// of previously tasted leaves. It does not build a Database.
package devmgr

import (
	"context"
	"encoding/binary"
	"sync"

	"github.com/google/uuid"

	"github.com/bfffs/bfffs/bfffserr"
	"github.com/bfffs/bfffs/cluster"
	"github.com/bfffs/bfffs/common"
	"github.com/bfffs/bfffs/ddml"
	"github.com/bfffs/bfffs/idml"
	"github.com/bfffs/bfffs/internal/cache"
	"github.com/bfffs/bfffs/internal/codec"
	"github.com/bfffs/bfffs/log"
	"github.com/bfffs/bfffs/mirror"
	"github.com/bfffs/bfffs/pool"
	"github.com/bfffs/bfffs/raid"
	"github.com/bfffs/bfffs/vdev"
)

// LeafInfo is what Taste learns about one on-disk leaf: its own vdev
// UUID plus the pool identity recorded in its label.
type LeafInfo struct {
	Path     string
	VdevUUID uuid.UUID
	PoolName string
	PoolUUID uuid.UUID
}

// ImportablePool summarizes one pool DevManager has tasted enough leaves
// to offer for import.
type ImportablePool struct {
	Name  string
	UUID  uuid.UUID
	Paths []string
}

// DevManager tastes leaf vdevs, groups them by the pool UUID recorded in
// their label, and builds a full storage stack for whichever pool the
// caller chooses to import (spec.md §4.11). It does not itself keep
// leaves open between Taste and Import — Taste closes each leaf again
// once its label is read, and Import reopens the leaves it actually
// needs.
type DevManager struct {
	mu     sync.Mutex
	leaves map[string]LeafInfo // path -> what Taste found there
}

// New returns an empty DevManager.
func New() *DevManager {
	return &DevManager{leaves: make(map[string]LeafInfo)}
}

// Taste opens path, reads the first label slot that parses (slot 0, else
// slot 1; slots are not compared by age), and records
// the pool identity it advertises. The file is closed again before
// Taste returns; only Import reopens leaves for actual use.
func (dm *DevManager) Taste(path string) (LeafInfo, error) {
	v, err := vdev.Create(path, vdev.Config{})
	if err != nil {
		return LeafInfo{}, err
	}
	defer v.Close()

	name, poolUUID, err := readPoolIdentity(v)
	if err != nil {
		return LeafInfo{}, err
	}

	info := LeafInfo{Path: path, VdevUUID: v.UUID, PoolName: name, PoolUUID: poolUUID}
	dm.mu.Lock()
	dm.leaves[path] = info
	dm.mu.Unlock()
	return info, nil
}

// readPoolIdentity reads whichever of the two label slots parses and
// checksums correctly (preferring slot 0, falling back to slot 1 since a
// crash mid-sync can leave one slot stale or torn) and returns the Pool
// section's name and UUID — sections 0 and 1 in write order, since Pool
// is the first layer to append a section onto the (initially empty)
// label (see database.Database.SyncTransaction and pool.LabelSections).
func readPoolIdentity(v *vdev.VdevFile) (string, uuid.UUID, error) {
	var lastErr error
	for _, slot := range []int{0, 1} {
		r, err := v.ReadLabel(context.Background(), slot)
		if err != nil {
			lastErr = err
			continue
		}
		nameSec, err := r.Section()
		if err != nil {
			lastErr = err
			continue
		}
		uuidSec, err := r.Section()
		if err != nil {
			lastErr = err
			continue
		}
		var id uuid.UUID
		if err := id.UnmarshalBinary(uuidSec); err != nil {
			lastErr = err
			continue
		}
		return string(nameSec), id, nil
	}
	if lastErr == nil {
		lastErr = bfffserr.New(bfffserr.KindCorruption, bfffserr.EPIPE, "devmgr: no valid label found")
	}
	return "", uuid.UUID{}, lastErr
}

// ImportablePools groups every tasted leaf by the pool it belongs to.
// A pool with only some of its leaves tasted is still listed — it is
// ImportByUUID/ImportByName's job to decide whether enough leaves are
// present to actually open it (spec.md §9: degraded-but-importable is a
// DevManager-level decision, not a Taste-level one).
func (dm *DevManager) ImportablePools() []ImportablePool {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	byUUID := make(map[uuid.UUID]*ImportablePool)
	var order []uuid.UUID
	for _, leaf := range dm.leaves {
		p, ok := byUUID[leaf.PoolUUID]
		if !ok {
			p = &ImportablePool{Name: leaf.PoolName, UUID: leaf.PoolUUID}
			byUUID[leaf.PoolUUID] = p
			order = append(order, leaf.PoolUUID)
		}
		p.Paths = append(p.Paths, leaf.Path)
	}
	out := make([]ImportablePool, 0, len(order))
	for _, id := range order {
		out = append(out, *byUUID[id])
	}
	return out
}

// Stack is everything ImportByUUID/ImportByName hands back: the wired
// Pool, DDML and IDML. It holds no Database; a caller that wants
// NewFs/FsRead/FsWrite/SyncTransaction builds one with database.New.
type Stack struct {
	Pool     *pool.Pool
	DDML     *ddml.DDML
	IDML     *idml.IDML
	CacheSize int
}

// ImportByName resolves name against the tasted leaves and imports it.
func (dm *DevManager) ImportByName(ctx context.Context, name string, cacheBytes int, mode codec.Mode) (*Stack, error) {
	for _, p := range dm.ImportablePools() {
		if p.Name == name {
			return dm.ImportByUUID(ctx, p.UUID, cacheBytes, mode)
		}
	}
	return nil, bfffserr.ErrNotFound
}

// ImportByUUID opens every tasted leaf belonging to poolUUID, each as its
// own single-disk Null-RAID cluster (spec.md §9: the label records a
// pool's cluster UUIDs but not RAID topology/width, so a leaf-per-cluster
// layout is the degraded-but-correct reconstruction devmgr can make
// without an accompanying config file; cmd/bfffs's "pool create" reads
// the real topology from a TOML file but does not store it), reads back
// each cluster's FreeSpaceMap,
// and wires the full Pool/DDML/IDML stack.
func (dm *DevManager) ImportByUUID(ctx context.Context, poolUUID uuid.UUID, cacheBytes int, mode codec.Mode) (*Stack, error) {
	dm.mu.Lock()
	var paths []string
	var poolName string
	for _, leaf := range dm.leaves {
		if leaf.PoolUUID == poolUUID {
			paths = append(paths, leaf.Path)
			poolName = leaf.PoolName
		}
	}
	dm.mu.Unlock()
	if len(paths) == 0 {
		return nil, bfffserr.ErrNotFound
	}

	clusters := make([]*cluster.Cluster, 0, len(paths))
	for _, path := range paths {
		c, err := importLeafAsCluster(ctx, path)
		if err != nil {
			return nil, err
		}
		clusters = append(clusters, c)
	}

	p := pool.New(poolName, clusters)
	p.UUID = poolUUID

	idmlState, err := readIdmlState(ctx, paths[0], len(clusters))
	if err != nil {
		log.Warn("devmgr: idml state unreadable, importing with an empty RIDT/AllocT", "uuid", poolUUID, "err", err)
		idmlState = idmlSnapshot{}
	}

	c := cache.New(cacheBytes, 0)
	d := ddml.New(p, c)
	m := idml.Open(d, mode, idmlState.txg, idmlState.ridtRoot, idmlState.allocRoot,
		idmlState.ridtTxgs, idmlState.allocTxgs, idmlState.nextRid)

	log.Info("devmgr: imported pool", "name", poolName, "uuid", poolUUID, "leaves", len(paths))
	return &Stack{Pool: p, DDML: d, IDML: m, CacheSize: cacheBytes}, nil
}

// idmlSnapshot is the decoded form of the IDML section every pool label
// carries (see database.Database.SyncTransaction/appendIdmlSection):
// the RIDT and AllocT roots, their txg ranges, and the next-RID counter.
type idmlSnapshot struct {
	ridtRoot, allocRoot common.Drp
	ridtTxgs, allocTxgs common.TxgRange
	nextRid             uint64
	txg                 common.TxgT
}

// readIdmlState reads the label from one representative leaf (every leaf
// of a pool carries an identical label body, since Database.Persist fans
// the same assembled bytes out to every cluster) and decodes the IDML
// section, which immediately follows the Pool's own name/UUID/
// nClusters-cluster-UUID sections in write order.
func readIdmlState(ctx context.Context, path string, nClusters int) (idmlSnapshot, error) {
	v, err := vdev.Create(path, vdev.Config{})
	if err != nil {
		return idmlSnapshot{}, err
	}
	defer v.Close()

	var lastErr error
	for _, slot := range []int{0, 1} {
		r, err := v.ReadLabel(ctx, slot)
		if err != nil {
			lastErr = err
			continue
		}
		// Pool's sections: name, UUID, then one per cluster.
		for i := 0; i < 2+nClusters; i++ {
			if _, err := r.Section(); err != nil {
				lastErr = err
				break
			}
		}
		if lastErr != nil {
			lastErr = nil
			continue
		}
		idmlSec, err := r.Section()
		if err != nil {
			lastErr = err
			continue
		}
		snap, err := decodeIdmlSection(idmlSec)
		if err != nil {
			lastErr = err
			continue
		}
		return snap, nil
	}
	if lastErr == nil {
		lastErr = bfffserr.New(bfffserr.KindCorruption, bfffserr.EPIPE, "devmgr: no valid label found")
	}
	return idmlSnapshot{}, lastErr
}

// decodeIdmlSection parses the fixed-width BigEndian record written by
// database.appendIdmlSection: ridtRoot Drp, ridtTxgs (2x uint64),
// allocRoot Drp, allocTxgs (2x uint64), nextRid uint64.
func decodeIdmlSection(b []byte) (idmlSnapshot, error) {
	const drpSize = 2 + 8 + 1 + 4 + 4 + 8 // cluster, lba, compressed, lsize, csize, checksum
	want := drpSize + 16 + drpSize + 16 + 8
	if len(b) < want {
		return idmlSnapshot{}, bfffserr.New(bfffserr.KindCorruption, bfffserr.EPIPE, "devmgr: truncated idml section")
	}
	off := 0
	ridtRoot := decodeDrp(b[off:])
	off += drpSize
	ridtStart := common.TxgT(binary.BigEndian.Uint64(b[off:]))
	off += 8
	ridtEnd := common.TxgT(binary.BigEndian.Uint64(b[off:]))
	off += 8
	allocRoot := decodeDrp(b[off:])
	off += drpSize
	allocStart := common.TxgT(binary.BigEndian.Uint64(b[off:]))
	off += 8
	allocEnd := common.TxgT(binary.BigEndian.Uint64(b[off:]))
	off += 8
	nextRid := binary.BigEndian.Uint64(b[off:])

	ridtTxgs := common.TxgRange{Start: ridtStart, End: ridtEnd}
	allocTxgs := common.TxgRange{Start: allocStart, End: allocEnd}
	txg := ridtEnd
	if allocEnd > txg {
		txg = allocEnd
	}
	return idmlSnapshot{
		ridtRoot: ridtRoot, allocRoot: allocRoot,
		ridtTxgs: ridtTxgs, allocTxgs: allocTxgs,
		nextRid: nextRid, txg: txg,
	}, nil
}

func decodeDrp(b []byte) common.Drp {
	cluster := common.ClusterT(binary.BigEndian.Uint16(b[0:2]))
	lba := common.LbaT(binary.BigEndian.Uint64(b[2:10]))
	compressed := b[10] != 0
	lsize := binary.BigEndian.Uint32(b[11:15])
	csize := binary.BigEndian.Uint32(b[15:19])
	checksum := binary.BigEndian.Uint64(b[19:27])
	return common.Drp{
		Pba:        common.Pba{Cluster: cluster, Lba: lba},
		Compressed: compressed,
		Lsize:      lsize,
		Csize:      csize,
		Checksum:   checksum,
	}
}

// importLeafAsCluster opens a single leaf file as a Null-RAID, single-
// child-Mirror Cluster, reading back whichever spacemap slot parses so
// the imported cluster's allocator starts from the on-disk truth rather
// than an empty map.
func importLeafAsCluster(ctx context.Context, path string) (*cluster.Cluster, error) {
	v, err := vdev.Create(path, vdev.Config{})
	if err != nil {
		return nil, err
	}
	m, err := mirror.Open(&v.UUID, v)
	if err != nil {
		return nil, err
	}
	r := raid.NewNull(m)

	fsm, err := readSpacemap(ctx, r)
	if err != nil {
		log.Warn("devmgr: spacemap unreadable, starting empty", "path", path, "err", err)
		return cluster.Open(r), nil
	}
	// The leaf's own vdev UUID becomes the cluster UUID. It is not
	// compared against the cluster UUIDs recorded in the pool label, and
	// it generally differs from them: both the vdev UUID and the UUID a
	// cluster got at creation are freshly generated.
	return cluster.OpenWithSpacemap(v.UUID, r, fsm), nil
}

func readSpacemap(ctx context.Context, r *raid.Raid) (*cluster.FreeSpaceMap, error) {
	buf := make([]byte, common.BytesPerLba*32)
	for _, idx := range []int{0, 1} {
		n, err := r.ReadSpacemap(ctx, buf, idx).Wait(ctx)
		if err != nil || n == 0 {
			continue
		}
		fsm, err := cluster.DeserializeFreeSpaceMap(buf[:n])
		if err == nil {
			return fsm, nil
		}
	}
	return nil, bfffserr.New(bfffserr.KindCorruption, bfffserr.EPIPE, "devmgr: no valid spacemap found")
}
