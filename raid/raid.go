// Package raid implements the RAID vdev API of spec.md §4.3: a null
// (single-child pass-through) variant, a mirror (RAID-1) variant, and a
// PRIME-S declustered-parity variant.
package raid

import (
	"context"
	"errors"
	"sync"

	"github.com/bfffs/bfffs/bfffserr"
	"github.com/bfffs/bfffs/common"
	"github.com/bfffs/bfffs/internal/aio"
	"github.com/bfffs/bfffs/mirror"
)

var errOutOfOrderWrite = errors.New("raid: write is not sequential from the zone's open pointer")

// Variant selects the RAID layout.
type Variant int

const (
	VariantNull Variant = iota
	VariantMirror
	VariantPrimeS
)

// VdevRaidApi is the public surface every RAID variant implements
// (spec.md §4.3).
type VdevRaidApi interface {
	OpenZone(ctx context.Context, zone uint32) error
	FinishZone(ctx context.Context, zone uint32) error
	EraseZone(ctx context.Context, zone uint32) *aio.Future[struct{}]
	FlushZone(ctx context.Context, zone uint32) (common.LbaT, *aio.Future[struct{}])
	ReadAt(ctx context.Context, buf []byte, lba common.LbaT) *aio.Future[int]
	WriteAt(ctx context.Context, buf []byte, zone uint32, lba common.LbaT) *aio.Future[int]
	ReadSpacemap(ctx context.Context, buf []byte, idx int) *aio.Future[int]
	WriteSpacemap(ctx context.Context, sglist [][]byte, idx int) *aio.Future[struct{}]
	WriteLabel(ctx context.Context, body []byte) *aio.Future[struct{}]
	ReopenZone(zone uint32, allocated common.LbaT) error
	Size() common.LbaT
	Zones() uint32
	ZoneLimits(zone uint32) (common.LbaT, common.LbaT)
}

// Raid is the concrete implementation backing every Variant.
type Raid struct {
	variant Variant
	k, f, n int

	// Null/Mirror variants address a single logical mirror; PrimeS
	// addresses n independent single-disk mirrors, one per physical disk,
	// with chunks striped declustered across them.
	disks []*mirror.Mirror

	table *primeSTable

	mu             sync.Mutex
	buffers        map[uint32]*StripeBuffer
	zstart         map[uint32]common.LbaT
	stripeCounters map[uint32]uint64
}

// NewNull wraps a single child vdev as a pass-through RAID.
func NewNull(child *mirror.Mirror) *Raid {
	return &Raid{variant: VariantNull, k: 1, f: 0, n: 1, disks: []*mirror.Mirror{child},
		buffers: make(map[uint32]*StripeBuffer), zstart: make(map[uint32]common.LbaT), stripeCounters: make(map[uint32]uint64)}
}

// NewMirror treats a mirror as RAID-1 at this layer.
func NewMirror(child *mirror.Mirror) *Raid {
	return &Raid{variant: VariantMirror, k: 1, f: 0, n: 1, disks: []*mirror.Mirror{child},
		buffers: make(map[uint32]*StripeBuffer), zstart: make(map[uint32]common.LbaT), stripeCounters: make(map[uint32]uint64)}
}

// NewPrimeS builds a declustered-parity RAID over disks, with stripe width
// k (including f parity chunks) and disk count n = len(disks).
func NewPrimeS(k, f int, disks []*mirror.Mirror) (*Raid, error) {
	n := len(disks)
	if n < k {
		return nil, bfffserr.New(bfffserr.KindIoError, bfffserr.EAGAIN, "PRIME-S requires disk count >= stripe width k")
	}
	return &Raid{
		variant: VariantPrimeS, k: k, f: f, n: n, disks: disks,
		table:   newPrimeSTable(k, f, n),
		buffers: make(map[uint32]*StripeBuffer),
		zstart:  make(map[uint32]common.LbaT),
		stripeCounters: make(map[uint32]uint64),
	}, nil
}

// Size is the usable (data-chunk) capacity across the array.
func (r *Raid) Size() common.LbaT {
	min := r.disks[0].Size()
	for _, d := range r.disks[1:] {
		if d.Size() < min {
			min = d.Size()
		}
	}
	switch r.variant {
	case VariantPrimeS:
		dataChunks := r.k - r.f
		return min / common.LbaT(r.k) * common.LbaT(dataChunks) * common.LbaT(r.n) / common.LbaT(len(r.disks))
	default:
		return min
	}
}

// Zones delegates to the first disk's zone count (all disks share
// geometry).
func (r *Raid) Zones() uint32 {
	return zonesOf(r.disks[0])
}

func zonesOf(m *mirror.Mirror) uint32 {
	children := m.Children()
	if len(children) == 0 {
		return 0
	}
	return children[0].Zones()
}

// ZoneLimits returns the data-LBA range addressable within zone in the
// RAID's own (post-declustering) address space. For the null/mirror
// variants this is the child's own zone range; for PRIME-S it is expressed
// in data-chunk LBAs.
func (r *Raid) ZoneLimits(zone uint32) (common.LbaT, common.LbaT) {
	children := r.disks[0].Children()
	start, end := children[0].ZoneLimits(zone)
	if r.variant != VariantPrimeS {
		return start, end
	}
	dataChunks := common.LbaT(r.k - r.f)
	return start / common.LbaT(r.k) * dataChunks, end / common.LbaT(r.k) * dataChunks
}

// OpenZone opens zone on every disk and starts a StripeBuffer for it
// (PRIME-S only; null/mirror pass straight through).
func (r *Raid) OpenZone(ctx context.Context, zone uint32) error {
	children := r.disks[0].Children()
	start, _ := children[0].ZoneLimits(zone)
	for _, m := range r.disks {
		for _, c := range m.Children() {
			if err := c.OpenZone(zone); err != nil {
				return err
			}
		}
	}
	if r.variant == VariantPrimeS {
		r.mu.Lock()
		r.buffers[zone] = NewStripeBuffer(1, r.k-r.f, start)
		r.zstart[zone] = start
		r.mu.Unlock()
	}
	return nil
}

// FinishZone closes zone on every disk.
func (r *Raid) FinishZone(ctx context.Context, zone uint32) error {
	for _, m := range r.disks {
		for _, c := range m.Children() {
			if err := c.FinishZone(zone); err != nil {
				return err
			}
		}
	}
	r.mu.Lock()
	delete(r.buffers, zone)
	r.mu.Unlock()
	return nil
}

// EraseZone discards zone on every disk.
func (r *Raid) EraseZone(ctx context.Context, zone uint32) *aio.Future[struct{}] {
	return aio.Spawn(ctx, func(ctx context.Context) (struct{}, error) {
		children := r.disks[0].Children()
		start, end := children[0].ZoneLimits(zone)
		var firstErr error
		for _, m := range r.disks {
			for _, c := range m.Children() {
				if _, err := c.EraseZone(ctx, start, end).Wait(ctx); err != nil && firstErr == nil {
					firstErr = err
				}
			}
		}
		return struct{}{}, firstErr
	})
}

// ReopenZone restores bookkeeping for a zone that was already partially
// allocated (used when reopening a pool after import).
func (r *Raid) ReopenZone(zone uint32, allocated common.LbaT) error {
	if r.variant != VariantPrimeS {
		return nil
	}
	children := r.disks[0].Children()
	start, _ := children[0].ZoneLimits(zone)
	r.mu.Lock()
	defer r.mu.Unlock()
	sb := NewStripeBuffer(1, r.k-r.f, start)
	sb.nextLba = start + allocated*common.LbaT(r.k-r.f)
	r.buffers[zone] = sb
	r.zstart[zone] = start
	return nil
}

// ReadAt reads data bytes at lba, reconstructing from parity if a data
// chunk is unreadable (spec.md §4.3). For null/mirror this is a direct
// pass-through.
func (r *Raid) ReadAt(ctx context.Context, buf []byte, lba common.LbaT) *aio.Future[int] {
	if r.variant != VariantPrimeS {
		return r.disks[0].ReadAt(ctx, buf, lba)
	}
	return aio.Spawn(ctx, func(ctx context.Context) (int, error) {
		dataChunks := r.k - r.f
		stripe := uint64(lba) / uint64(dataChunks)
		chunkIdx := int(uint64(lba) % uint64(dataChunks))
		disks := r.table.disksForStripe(stripe)
		diskIdx := disks[chunkIdx]

		n, err := r.disks[diskIdx].ReadAt(ctx, buf, common.LbaT(stripe)).Wait(ctx)
		if err == nil {
			return n, nil
		}
		// Reconstruct from the remaining data chunks and parity.
		recon, rerr := r.reconstruct(ctx, stripe, chunkIdx, len(buf))
		if rerr != nil {
			return 0, bfffserr.Wrap(bfffserr.KindIoError, bfffserr.EAGAIN, "raid read unrecoverable", rerr)
		}
		copy(buf, recon)
		return len(buf), nil
	})
}

// reconstruct recovers data chunk chunkIdx of stripe by XORing its parity
// group's parity chunk with every other data chunk of that group, the
// classic single-parity RAID reconstruction applied per group (spec.md
// §4.3 "parity is recomputed on the fly").
func (r *Raid) reconstruct(ctx context.Context, stripe uint64, chunkIdx int, size int) ([]byte, error) {
	dataChunks := r.k - r.f
	disks := r.table.disksForStripe(stripe)
	out := make([]byte, size)
	// Data chunk i is covered by parity chunk i%f (see writeStripe), so
	// seed the XOR accumulator with the lost chunk's own parity chunk and
	// fold in only the other data chunks of that parity group.
	group := chunkIdx % r.f
	parityDisk := disks[dataChunks+group]
	buf := make([]byte, size)
	if _, err := r.disks[parityDisk].ReadAt(ctx, buf, common.LbaT(stripe)).Wait(ctx); err != nil {
		return nil, err
	}
	copy(out, buf)
	for i := 0; i < dataChunks; i++ {
		if i == chunkIdx || i%r.f != group {
			continue
		}
		if _, err := r.disks[disks[i]].ReadAt(ctx, buf, common.LbaT(stripe)).Wait(ctx); err != nil {
			return nil, err
		}
		xorInto(out, buf)
	}
	return out, nil
}

func xorInto(dst, src []byte) {
	for i := range dst {
		dst[i] ^= src[i]
	}
}

// WriteAt writes buf (zero-padded to an LBA boundary if necessary,
// spec.md §4.3) sequentially within zone.
func (r *Raid) WriteAt(ctx context.Context, buf []byte, zone uint32, lba common.LbaT) *aio.Future[int] {
	padded := buf
	if len(buf)%common.BytesPerLba != 0 {
		padded = make([]byte, ((len(buf)/common.BytesPerLba)+1)*common.BytesPerLba)
		copy(padded, buf)
	}
	if r.variant != VariantPrimeS {
		return r.disks[0].WriteAt(ctx, padded, lba)
	}
	return aio.Spawn(ctx, func(ctx context.Context) (int, error) {
		r.mu.Lock()
		sb, ok := r.buffers[zone]
		r.mu.Unlock()
		if !ok {
			return 0, bfffserr.New(bfffserr.KindIoError, bfffserr.EAGAIN, "write to unopened raid zone")
		}
		full, err := sb.Write(lba, padded)
		if err != nil {
			return 0, bfffserr.Wrap(bfffserr.KindIoError, bfffserr.EAGAIN, "raid sequential-write violation", err)
		}
		for _, stripeData := range full {
			if err := r.writeStripe(ctx, zone, stripeData); err != nil {
				return 0, err
			}
		}
		return len(buf), nil
	})
}

func (r *Raid) writeStripe(ctx context.Context, zone uint32, data []byte) error {
	dataChunks := r.k - r.f
	chunkBytes := len(data) / dataChunks
	disks := r.table.disksForStripe(r.stripeIndexLocked(zone))

	// Compute f parity chunks. A single XOR parity is a true MDS code for
	// f==1; for f>1 BFFFS computes f independent XOR parities over
	// disjoint rotations of the data chunks. This tolerates any single
	// data-chunk loss per parity group but is not a general MDS code for
	// simultaneous multi-chunk loss; a real Cauchy/Reed-Solomon coder is a
	// natural follow-up (see DESIGN.md).
	parities := make([][]byte, r.f)
	for p := range parities {
		parities[p] = make([]byte, chunkBytes)
	}
	for i := 0; i < dataChunks; i++ {
		chunk := data[i*chunkBytes : (i+1)*chunkBytes]
		xorInto(parities[i%r.f], chunk)
	}

	stripe := r.stripeIndexLocked(zone)
	var firstErr error
	for i := 0; i < dataChunks; i++ {
		chunk := data[i*chunkBytes : (i+1)*chunkBytes]
		if _, err := r.disks[disks[i]].WriteAt(ctx, chunk, common.LbaT(stripe)).Wait(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for p := 0; p < r.f; p++ {
		if _, err := r.disks[disks[dataChunks+p]].WriteAt(ctx, parities[p], common.LbaT(stripe)).Wait(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	r.mu.Lock()
	r.stripeCounters[zone] = stripe + 1
	r.mu.Unlock()
	return firstErr
}

// stripeIndexLocked returns the next stripe index to write within zone.
// Callers must not rely on concurrent calls being serialized beyond what
// writeStripe itself guarantees via r.mu.
func (r *Raid) stripeIndexLocked(zone uint32) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stripeCounters[zone]
}

// FlushZone drains the StripeBuffer for zone by zero-padding any partial
// stripe, returning the total data LBAs written and a Future for the
// padding write's completion.
func (r *Raid) FlushZone(ctx context.Context, zone uint32) (common.LbaT, *aio.Future[struct{}]) {
	if r.variant != VariantPrimeS {
		return 0, aio.Completed(struct{}{}, nil)
	}
	r.mu.Lock()
	sb, ok := r.buffers[zone]
	start := r.zstart[zone]
	r.mu.Unlock()
	if !ok {
		return 0, aio.Completed(struct{}{}, nil)
	}
	written := sb.LbasWritten(start)
	pad := sb.Flush()
	if pad == nil {
		return written, aio.Completed(struct{}{}, nil)
	}
	fut := aio.Spawn(ctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, r.writeStripe(ctx, zone, pad)
	})
	return written, fut
}

// ReadSpacemap and WriteSpacemap use the first disk only; WriteLabel
// writes the body to every disk. The RAID layer adds no label section
// or spacemap state of its own.
func (r *Raid) ReadSpacemap(ctx context.Context, buf []byte, idx int) *aio.Future[int] {
	return r.disks[0].Children()[0].ReadSpacemap(ctx, buf, idx)
}

func (r *Raid) WriteSpacemap(ctx context.Context, sglist [][]byte, idx int) *aio.Future[struct{}] {
	return aio.Spawn(ctx, func(ctx context.Context) (struct{}, error) {
		_, err := r.disks[0].WriteSpacemap(ctx, sglist, idx).Wait(ctx)
		return struct{}{}, err
	})
}

func (r *Raid) WriteLabel(ctx context.Context, body []byte) *aio.Future[struct{}] {
	return aio.Spawn(ctx, func(ctx context.Context) (struct{}, error) {
		var firstErr error
		for _, m := range r.disks {
			if _, err := m.WriteLabel(ctx, body).Wait(ctx); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return struct{}{}, firstErr
	})
}

// VariantKind reports the RAID layout in use.
func (r *Raid) VariantKind() Variant { return r.variant }

// K, F, N expose the stripe geometry.
func (r *Raid) K() int { return r.k }
func (r *Raid) F() int { return r.f }
func (r *Raid) N() int { return r.n }
