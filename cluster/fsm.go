package cluster

import (
	"encoding/binary"

	"github.com/bfffs/bfffs/common"
)

// zoneEntry is the FreeSpaceMap's per-zone record (spec.md §4.4).
type zoneEntry struct {
	state           common.ZoneState
	allocatedBlocks uint64
	freedBlocks     uint64
	txgs            common.TxgRange
	writePointer    common.LbaT
}

// FreeSpaceMap tracks per-zone allocation state for one Cluster's RAID
// vdev (spec.md §4.4). It is persisted in two alternating slots so that a
// crash mid-flush retains the previous slot.
type FreeSpaceMap struct {
	zones []zoneEntry
}

// NewFreeSpaceMap creates an all-Empty map for nzones zones.
func NewFreeSpaceMap(nzones uint32) *FreeSpaceMap {
	return &FreeSpaceMap{zones: make([]zoneEntry, nzones)}
}

func (fsm *FreeSpaceMap) ensure(zid uint32) {
	for uint32(len(fsm.zones)) <= zid {
		fsm.zones = append(fsm.zones, zoneEntry{})
	}
}

// Serialize encodes the FreeSpaceMap for spacemap persistence: a simple
// fixed-width record per zone, matching spec.md §6 "a Vec<ZoneEntry>
// serialized in the same framing".
func (fsm *FreeSpaceMap) Serialize() []byte {
	const recLen = 1 + 8 + 8 + 8 + 8 + 8
	buf := make([]byte, 4+len(fsm.zones)*recLen)
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(fsm.zones)))
	off := 4
	for _, z := range fsm.zones {
		buf[off] = byte(z.state)
		binary.BigEndian.PutUint64(buf[off+1:], z.allocatedBlocks)
		binary.BigEndian.PutUint64(buf[off+9:], z.freedBlocks)
		binary.BigEndian.PutUint64(buf[off+17:], uint64(z.txgs.Start))
		binary.BigEndian.PutUint64(buf[off+25:], uint64(z.txgs.End))
		binary.BigEndian.PutUint64(buf[off+33:], uint64(z.writePointer))
		off += recLen
	}
	return buf
}

// DeserializeFreeSpaceMap decodes the bytes produced by Serialize.
func DeserializeFreeSpaceMap(buf []byte) (*FreeSpaceMap, error) {
	if len(buf) < 4 {
		return nil, errShortSpacemap
	}
	n := binary.BigEndian.Uint32(buf[0:4])
	const recLen = 1 + 8 + 8 + 8 + 8 + 8
	fsm := &FreeSpaceMap{zones: make([]zoneEntry, n)}
	off := 4
	for i := uint32(0); i < n; i++ {
		if off+recLen > len(buf) {
			return nil, errShortSpacemap
		}
		z := zoneEntry{
			state:           common.ZoneState(buf[off]),
			allocatedBlocks: binary.BigEndian.Uint64(buf[off+1:]),
			freedBlocks:     binary.BigEndian.Uint64(buf[off+9:]),
			txgs: common.TxgRange{
				Start: common.TxgT(binary.BigEndian.Uint64(buf[off+17:])),
				End:   common.TxgT(binary.BigEndian.Uint64(buf[off+25:])),
			},
			writePointer: common.LbaT(binary.BigEndian.Uint64(buf[off+33:])),
		}
		fsm.zones[i] = z
		off += recLen
	}
	return fsm, nil
}
