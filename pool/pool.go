// Package pool implements the Pool of spec.md §4.5: a set of Clusters,
// capacity-weighted round-robin write selection, and label/sync fan-out.
package pool

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/bfffs/bfffs/bfffserr"
	"github.com/bfffs/bfffs/cluster"
	"github.com/bfffs/bfffs/common"
	"github.com/bfffs/bfffs/internal/label"
)

// Pool owns a set of Clusters and selects one for each write using a
// capacity-weighted round-robin (smooth WRR) so clusters fill
// proportionally to their size.
type Pool struct {
	Name string
	UUID uuid.UUID

	clusters []*cluster.Cluster

	mu      sync.Mutex
	weights []int64 // each cluster's capacity, the WRR weight
	credits []int64 // smooth-WRR running credit per cluster
}

// New wires a Pool around already-open clusters.
func New(name string, clusters []*cluster.Cluster) *Pool {
	p := &Pool{Name: name, UUID: uuid.New(), clusters: clusters}
	p.weights = make([]int64, len(clusters))
	p.credits = make([]int64, len(clusters))
	for i, c := range clusters {
		w := int64(c.Size())
		if w <= 0 {
			w = 1
		}
		p.weights[i] = w
	}
	return p
}

// selectCluster implements smooth weighted round-robin: every cluster's
// credit is incremented by its weight each round; the cluster with the
// highest credit is chosen and has the total weight subtracted. Over many
// calls each cluster is picked proportionally to weights[i]/sum(weights),
// i.e. proportionally to its capacity, matching spec.md §4.5.
func (p *Pool) selectCluster() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	var total int64
	best := 0
	for i, w := range p.weights {
		p.credits[i] += w
		total += w
		if p.credits[i] > p.credits[best] {
			best = i
		}
	}
	p.credits[best] -= total
	return best
}

// Write chooses a cluster, allocates bytes worth of space at txg, and
// issues the write.
func (p *Pool) Write(ctx context.Context, data []byte, txg common.TxgT) (common.Pba, error) {
	idx := p.selectCluster()
	c := p.clusters[idx]
	pba, _, err := c.Allocate(ctx, uint64(len(data)), txg)
	if err != nil {
		return common.Pba{}, err
	}
	pba.Cluster = common.ClusterT(idx)

	raw := c.Raid()
	if _, err := raw.WriteAt(ctx, data, zoneOf(raw, pba.Lba), pba.Lba).Wait(ctx); err != nil {
		return common.Pba{}, bfffserr.Wrap(bfffserr.KindIoError, bfffserr.EAGAIN, "pool write", err)
	}
	return pba, nil
}

func zoneOf(r interface {
	Zones() uint32
	ZoneLimits(uint32) (common.LbaT, common.LbaT)
}, lba common.LbaT) uint32 {
	for zid := uint32(0); zid < r.Zones(); zid++ {
		start, end := r.ZoneLimits(zid)
		if lba >= start && lba < end {
			return zid
		}
	}
	return 0
}

// Read dispatches to the cluster owning pba.Cluster.
func (p *Pool) Read(ctx context.Context, buf []byte, pba common.Pba) error {
	if int(pba.Cluster) >= len(p.clusters) {
		return bfffserr.New(bfffserr.KindNotFound, bfffserr.ENOENT, "pool: no such cluster")
	}
	_, err := p.clusters[pba.Cluster].Raid().ReadAt(ctx, buf, pba.Lba).Wait(ctx)
	if err != nil {
		return bfffserr.Wrap(bfffserr.KindIoError, bfffserr.EAGAIN, "pool read", err)
	}
	return nil
}

// Free frees lbas at pba within its owning cluster.
func (p *Pool) Free(ctx context.Context, pba common.Pba, lbas common.LbaT) error {
	if int(pba.Cluster) >= len(p.clusters) {
		return bfffserr.New(bfffserr.KindNotFound, bfffserr.ENOENT, "pool: no such cluster")
	}
	return p.clusters[pba.Cluster].Free(ctx, pba, lbas)
}

// SyncAll is a fan-out barrier across every cluster.
func (p *Pool) SyncAll() error {
	var firstErr error
	for _, c := range p.clusters {
		if err := c.SyncAll(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// FindClosedZone scans clusters starting at (cluster, startZone), matching
// spec.md §4.4's iterator protocol lifted to the pool level.
func (p *Pool) FindClosedZone(startCluster common.ClusterT, startZone uint32) (*common.ClosedZone, *common.ClusterT, *uint32) {
	for ci := int(startCluster); ci < len(p.clusters); ci++ {
		sz := uint32(0)
		if ci == int(startCluster) {
			sz = startZone
		}
		cz, next := p.clusters[ci].FindClosedZone(sz)
		if cz != nil {
			cz.Pba.Cluster = common.ClusterT(ci)
			c := common.ClusterT(ci)
			if next != nil {
				return cz, &c, next
			}
			if ci+1 < len(p.clusters) {
				nc := common.ClusterT(ci + 1)
				nz := uint32(0)
				return cz, &nc, &nz
			}
			return cz, nil, nil
		}
	}
	return nil, nil, nil
}

// Flush persists every cluster's FreeSpaceMap to spacemap slot idx, in
// parallel since clusters share no state during a spacemap flush.
func (p *Pool) Flush(ctx context.Context, idx int) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, c := range p.clusters {
		c := c
		g.Go(func() error { return c.Flush(ctx, idx) })
	}
	return g.Wait()
}

// CloseFullZones closes every cluster's Full zones in parallel, ahead of
// cleaner candidate selection (spec.md §4.4).
func (p *Pool) CloseFullZones(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, c := range p.clusters {
		c := c
		g.Go(func() error { return c.CloseFullZones(ctx) })
	}
	return g.Wait()
}

// LabelSections computes (without writing to disk) this pool's
// contribution to the label chain: upstream's already-accumulated raw
// sections, then the pool's own name/UUID/cluster-UUID sections (spec.md
// §4.5, §6). The result is itself raw (unframed) section bytes — layers
// above Pool (IDML, Database) append their own sections the same way,
// and only Database, the topmost layer, calls Builder.Bytes to add the
// magic/checksum wrapper before the fully-assembled body is persisted.
func (p *Pool) LabelSections(upstream []byte) []byte {
	b := label.NewBuilder()
	b.AppendRaw(upstream)
	b.Section([]byte(p.Name))
	uuidBytes, _ := p.UUID.MarshalBinary()
	b.Section(uuidBytes)
	for _, c := range p.clusters {
		cb, _ := c.UUID.MarshalBinary()
		b.Section(cb)
	}
	return b.Raw()
}

// Persist fans the fully-assembled label body out to every cluster (and,
// beneath it, every mirror/vdev leaf) in parallel, the write half of
// spec.md §4.5's "two rotating label copies per vdev".
func (p *Pool) Persist(ctx context.Context, body []byte) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, c := range p.clusters {
		c := c
		g.Go(func() error { return c.WriteLabel(ctx, body) })
	}
	return g.Wait()
}

// ClusterUUIDs returns the UUIDs of every cluster in pool order. DevManager
// does not call it: an import does not check the label's recorded cluster
// list against the clusters assembled from tasted leaves.
func (p *Pool) ClusterUUIDs() []uuid.UUID {
	out := make([]uuid.UUID, len(p.clusters))
	for i, c := range p.clusters {
		out[i] = c.UUID
	}
	return out
}

// Clusters exposes the underlying cluster set, e.g. for DevManager's
// post-import wiring into a fresh DDML/IDML/Database stack.
func (p *Pool) Clusters() []*cluster.Cluster { return p.clusters }

// Size is the sum of every cluster's usable capacity.
func (p *Pool) Size() common.LbaT {
	var total common.LbaT
	for _, c := range p.clusters {
		total += c.Size()
	}
	return total
}

// Allocated is the sum of every cluster's currently allocated LBAs.
func (p *Pool) Allocated() uint64 {
	var total uint64
	for _, c := range p.clusters {
		total += c.Allocated()
	}
	return total
}
