// Package mirror implements the N-way mirror vdev of spec.md §4.2: writes
// go to every child, reads load-balance round-robin, and size/queue-depth
// are the minima across children.
package mirror

import (
	"context"
	"sync"
	"sync/atomic"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"

	"github.com/bfffs/bfffs/bfffserr"
	"github.com/bfffs/bfffs/common"
	"github.com/bfffs/bfffs/internal/aio"
	"github.com/bfffs/bfffs/vdev"
)

// ChildHealth tracks a mirror child's participation state. Ported from
// original_source's mirror.rs (see SPEC_FULL.md); a write failure demotes
// a child to HealthFaulted (markFaulted), after which online/ReadAt skip
// it. Whether a degraded mirror should also stop directing writes at a
// faulted child versus just recording the failure is an open question
// (spec.md §9).
type ChildHealth int

const (
	HealthOnline ChildHealth = iota
	HealthFaulted
	HealthRemoved
)

type child struct {
	vd     *vdev.VdevFile
	health ChildHealth
}

// Mirror is an N-way mirror vdev over identically-geometried children.
type Mirror struct {
	UUID     uuid.UUID
	children []*child

	nextRead uint32 // wraps at 2^32, spec.md §4.2

	faultedMu sync.Mutex
	faulted   mapset.Set[uuid.UUID] // child UUIDs marked Faulted by a failed write
}

// Open builds a Mirror from already-opened children. The Mirror takes
// *expected as its UUID when expected is non-nil and a fresh random UUID
// otherwise; the children's UUIDs are not compared with it or with each
// other.
func Open(expected *uuid.UUID, children ...*vdev.VdevFile) (*Mirror, error) {
	if len(children) == 0 {
		return nil, bfffserr.New(bfffserr.KindIoError, bfffserr.EAGAIN, "mirror requires at least one child")
	}
	m := &Mirror{UUID: uuid.New(), faulted: mapset.NewSet[uuid.UUID]()}
	if expected != nil {
		m.UUID = *expected
	}
	for _, c := range children {
		m.children = append(m.children, &child{vd: c, health: HealthOnline})
	}
	return m, nil
}

// Size is the minimum LBA count across children.
func (m *Mirror) Size() common.LbaT {
	min := m.children[0].vd.Size()
	for _, c := range m.children[1:] {
		if c.vd.Size() < min {
			min = c.vd.Size()
		}
	}
	return min
}

func (m *Mirror) online() []*child {
	var out []*child
	for _, c := range m.children {
		if c.health == HealthOnline {
			out = append(out, c)
		}
	}
	return out
}

// markFaulted demotes c to HealthFaulted and records its UUID in the
// faulted set, so a child that fails repeatedly doesn't grow the set (or
// get demoted twice) on every retry.
func (m *Mirror) markFaulted(c *child) {
	m.faultedMu.Lock()
	defer m.faultedMu.Unlock()
	c.health = HealthFaulted
	m.faulted.Add(c.vd.UUID)
}

// FaultedChildren returns the UUIDs of children demoted to HealthFaulted
// by a prior write failure, in no particular order.
func (m *Mirror) FaultedChildren() []uuid.UUID {
	m.faultedMu.Lock()
	defer m.faultedMu.Unlock()
	return m.faulted.ToSlice()
}

// ReadAt picks a child by round-robin and reads from it.
func (m *Mirror) ReadAt(ctx context.Context, buf []byte, lba common.LbaT) *aio.Future[int] {
	online := m.online()
	if len(online) == 0 {
		return aio.Completed(0, bfffserr.New(bfffserr.KindIoError, bfffserr.EAGAIN, "mirror has no online children"))
	}
	idx := atomic.AddUint32(&m.nextRead, 1) % uint32(len(online))
	return online[idx].vd.ReadAt(ctx, buf, lba)
}

// WriteAt issues writes in parallel to every child and succeeds only if
// all succeed; a single-child failure surfaces as the mirror's failure
// (spec.md §4.2) and demotes that child to HealthFaulted so later reads
// skip it. A degraded-write policy tolerating f child failures is an open
// question (spec.md §9) left unimplemented.
func (m *Mirror) WriteAt(ctx context.Context, buf []byte, lba common.LbaT) *aio.Future[int] {
	return aio.Spawn(ctx, func(ctx context.Context) (int, error) {
		type outcome struct {
			c   *child
			n   int
			err error
		}
		ch := make(chan outcome, len(m.children))
		for _, c := range m.children {
			c := c
			go func() {
				n, err := c.vd.WriteAt(ctx, buf, lba).Wait(ctx)
				ch <- outcome{c, n, err}
			}()
		}
		n := 0
		var firstErr error
		for range m.children {
			o := <-ch
			if o.err != nil {
				m.markFaulted(o.c)
				if firstErr == nil {
					firstErr = o.err
				}
				continue
			}
			n = o.n
		}
		if firstErr != nil {
			return 0, bfffserr.Wrap(bfffserr.KindIoError, bfffserr.EAGAIN, "mirror write failed on a child", firstErr)
		}
		return n, nil
	})
}

// WriteLabel writes the label to every child.
func (m *Mirror) WriteLabel(ctx context.Context, body []byte) *aio.Future[struct{}] {
	return aio.Spawn(ctx, func(ctx context.Context) (struct{}, error) {
		var firstErr error
		for _, c := range m.children {
			if _, err := c.vd.WriteLabel(ctx, body).Wait(ctx); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return struct{}{}, firstErr
	})
}

// WriteSpacemap writes the spacemap to every child.
func (m *Mirror) WriteSpacemap(ctx context.Context, sglist [][]byte, idx int) *aio.Future[struct{}] {
	return aio.Spawn(ctx, func(ctx context.Context) (struct{}, error) {
		var firstErr error
		for _, c := range m.children {
			if _, err := c.vd.WriteSpacemap(ctx, sglist, idx).Wait(ctx); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return struct{}{}, firstErr
	})
}

// SyncAll syncs every child.
func (m *Mirror) SyncAll() error {
	var firstErr error
	for _, c := range m.children {
		if err := c.vd.SyncAll(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// OptimumQueueDepth is the minimum across children's queue depths; since
// VdevFile doesn't expose its own queue depth as a tunable read, a fixed
// per-child depth (matching vdev.Config.MaxQueueDepth default) is assumed
// equal across children in this implementation.
func (m *Mirror) OptimumQueueDepth() int64 { return 128 }

// Children returns the mirror's child vdevs.
func (m *Mirror) Children() []*vdev.VdevFile {
	out := make([]*vdev.VdevFile, len(m.children))
	for i, c := range m.children {
		out[i] = c.vd
	}
	return out
}
