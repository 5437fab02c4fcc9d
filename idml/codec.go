package idml

import (
	"encoding/binary"

	"github.com/bfffs/bfffs/bfffserr"
	"github.com/bfffs/bfffs/common"
	"github.com/bfffs/bfffs/tree"
)

// ridtCodec encodes Tree[common.Rid, common.RidtEntry] nodes: the RIDT
// (spec.md §4.8). Fixed-width records, matching cluster/fsm.go's manual
// binary framing rather than pulling in a generic serialization library
// for what is a simple, append-mostly record shape.
type ridtCodec struct{}

func (ridtCodec) MarshalNode(n *tree.SerialNode[common.Rid, common.RidtEntry]) ([]byte, error) {
	buf := make([]byte, 0, 9+len(n.Leaves)*36+len(n.Children)*43)
	buf = appendBool(buf, n.Leaf)
	buf = appendU32(buf, uint32(len(n.Leaves)))
	for _, e := range n.Leaves {
		buf = appendU64(buf, uint64(e.Key))
		buf = appendDrp(buf, e.Val.Drp)
		buf = appendU64(buf, e.Val.Refcount)
	}
	buf = appendU32(buf, uint32(len(n.Children)))
	for _, c := range n.Children {
		buf = appendU64(buf, uint64(c.Key))
		buf = appendDrp(buf, c.Addr)
		buf = appendU64(buf, uint64(c.Txgs.Start))
		buf = appendU64(buf, uint64(c.Txgs.End))
	}
	return buf, nil
}

func (ridtCodec) UnmarshalNode(b []byte) (*tree.SerialNode[common.Rid, common.RidtEntry], error) {
	if len(b) < 9 {
		return nil, bfffserr.New(bfffserr.KindCorruption, bfffserr.EPIPE, "ridt: truncated node")
	}
	n := &tree.SerialNode[common.Rid, common.RidtEntry]{Leaf: b[0] == 1}
	off := 1
	nl := binary.BigEndian.Uint32(b[off:])
	off += 4
	for i := uint32(0); i < nl; i++ {
		key := common.Rid(binary.BigEndian.Uint64(b[off:]))
		off += 8
		drp, n2 := readDrp(b[off:])
		off += n2
		refcount := binary.BigEndian.Uint64(b[off:])
		off += 8
		n.Leaves = append(n.Leaves, tree.LeafEntry[common.Rid, common.RidtEntry]{
			Key: key, Val: common.RidtEntry{Drp: drp, Refcount: refcount},
		})
	}
	if off+4 > len(b) {
		return nil, bfffserr.New(bfffserr.KindCorruption, bfffserr.EPIPE, "ridt: truncated children count")
	}
	nc := binary.BigEndian.Uint32(b[off:])
	off += 4
	for i := uint32(0); i < nc; i++ {
		key := common.Rid(binary.BigEndian.Uint64(b[off:]))
		off += 8
		drp, n2 := readDrp(b[off:])
		off += n2
		start := common.TxgT(binary.BigEndian.Uint64(b[off:]))
		off += 8
		end := common.TxgT(binary.BigEndian.Uint64(b[off:]))
		off += 8
		n.Children = append(n.Children, tree.SerialChild[common.Rid]{
			Key: key, Addr: drp, Txgs: common.TxgRange{Start: start, End: end},
		})
	}
	return n, nil
}

// allocCodec encodes Tree[common.Pba, common.RidValue] nodes: the AllocT
// reverse-allocation map (spec.md §4.8) used by the cleaner to find which
// RID owns a given PBA.
type allocCodec struct{}

func (allocCodec) MarshalNode(n *tree.SerialNode[common.Pba, common.RidValue]) ([]byte, error) {
	buf := make([]byte, 0, 9+len(n.Leaves)*18+len(n.Children)*37)
	buf = appendBool(buf, n.Leaf)
	buf = appendU32(buf, uint32(len(n.Leaves)))
	for _, e := range n.Leaves {
		buf = appendPba(buf, e.Key)
		buf = appendU64(buf, uint64(e.Val.Rid))
	}
	buf = appendU32(buf, uint32(len(n.Children)))
	for _, c := range n.Children {
		buf = appendPba(buf, c.Key)
		buf = appendDrp(buf, c.Addr)
		buf = appendU64(buf, uint64(c.Txgs.Start))
		buf = appendU64(buf, uint64(c.Txgs.End))
	}
	return buf, nil
}

func (allocCodec) UnmarshalNode(b []byte) (*tree.SerialNode[common.Pba, common.RidValue], error) {
	if len(b) < 9 {
		return nil, bfffserr.New(bfffserr.KindCorruption, bfffserr.EPIPE, "alloct: truncated node")
	}
	n := &tree.SerialNode[common.Pba, common.RidValue]{Leaf: b[0] == 1}
	off := 1
	nl := binary.BigEndian.Uint32(b[off:])
	off += 4
	for i := uint32(0); i < nl; i++ {
		pba, n2 := readPba(b[off:])
		off += n2
		rid := common.Rid(binary.BigEndian.Uint64(b[off:]))
		off += 8
		n.Leaves = append(n.Leaves, tree.LeafEntry[common.Pba, common.RidValue]{Key: pba, Val: common.RidValue{Rid: rid}})
	}
	nc := binary.BigEndian.Uint32(b[off:])
	off += 4
	for i := uint32(0); i < nc; i++ {
		pba, n2 := readPba(b[off:])
		off += n2
		drp, n3 := readDrp(b[off:])
		off += n3
		start := common.TxgT(binary.BigEndian.Uint64(b[off:]))
		off += 8
		end := common.TxgT(binary.BigEndian.Uint64(b[off:]))
		off += 8
		n.Children = append(n.Children, tree.SerialChild[common.Pba]{
			Key: pba, Addr: drp, Txgs: common.TxgRange{Start: start, End: end},
		})
	}
	return n, nil
}

func appendBool(buf []byte, v bool) []byte {
	if v {
		return append(buf, 1)
	}
	return append(buf, 0)
}

func appendPba(buf []byte, p common.Pba) []byte {
	buf = appendU16(buf, uint16(p.Cluster))
	return appendU64(buf, uint64(p.Lba))
}

func readPba(b []byte) (common.Pba, int) {
	cluster := common.ClusterT(binary.BigEndian.Uint16(b))
	lba := common.LbaT(binary.BigEndian.Uint64(b[2:]))
	return common.Pba{Cluster: cluster, Lba: lba}, 10
}

func appendDrp(buf []byte, d common.Drp) []byte {
	buf = appendPba(buf, d.Pba)
	buf = appendBool(buf, d.Compressed)
	buf = appendU32(buf, d.Lsize)
	buf = appendU32(buf, d.Csize)
	buf = appendU64(buf, d.Checksum)
	return buf
}

func readDrp(b []byte) (common.Drp, int) {
	pba, n := readPba(b)
	compressed := b[n] == 1
	lsize := binary.BigEndian.Uint32(b[n+1:])
	csize := binary.BigEndian.Uint32(b[n+5:])
	checksum := binary.BigEndian.Uint64(b[n+9:])
	return common.Drp{Pba: pba, Compressed: compressed, Lsize: lsize, Csize: csize, Checksum: checksum}, n + 17
}

func appendU16(buf []byte, v uint16) []byte {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	return append(buf, b[:]...)
}

func appendU32(buf []byte, v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return append(buf, b[:]...)
}

func appendU64(buf []byte, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return append(buf, b[:]...)
}
