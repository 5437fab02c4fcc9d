package raid

import "github.com/bfffs/bfffs/common"

// StripeBuffer accumulates partial-stripe writes for one open zone until a
// full stripe is assembled, then the caller issues a single
// parity-computing stripe write (spec.md §4.3). Writes within a zone must
// be strictly sequential starting at the open pointer; StripeBuffer
// enforces that by tracking the next expected LBA.
type StripeBuffer struct {
	chunkLbas  common.LbaT // chunk size, in LBAs (one stripe unit)
	dataChunks int         // k - f

	nextLba common.LbaT // next LBA expected, i.e. the open pointer
	pending []byte       // bytes accumulated for the in-progress stripe
}

// NewStripeBuffer creates a StripeBuffer for a zone opening at startLba.
func NewStripeBuffer(chunkLbas common.LbaT, dataChunks int, startLba common.LbaT) *StripeBuffer {
	return &StripeBuffer{chunkLbas: chunkLbas, dataChunks: dataChunks, nextLba: startLba}
}

// stripeBytes is the number of data bytes (excluding parity) in one full
// stripe.
func (sb *StripeBuffer) stripeBytes() int {
	return int(sb.chunkLbas) * common.BytesPerLba * sb.dataChunks
}

// Write appends buf, which must start exactly at the StripeBuffer's
// current write pointer. It returns any full stripes now ready to be
// written (each exactly stripeBytes() long) and advances the pointer.
func (sb *StripeBuffer) Write(lba common.LbaT, buf []byte) ([][]byte, error) {
	if lba != sb.nextLba {
		return nil, errOutOfOrderWrite
	}
	sb.pending = append(sb.pending, buf...)
	sb.nextLba += common.LbaT(len(buf) / common.BytesPerLba)

	var full [][]byte
	sbytes := sb.stripeBytes()
	for len(sb.pending) >= sbytes {
		full = append(full, sb.pending[:sbytes])
		sb.pending = sb.pending[sbytes:]
	}
	return full, nil
}

// Flush drains the buffer by zero-padding any partial stripe still
// pending, returning it (or nil if nothing is pending).
func (sb *StripeBuffer) Flush() []byte {
	if len(sb.pending) == 0 {
		return nil
	}
	sbytes := sb.stripeBytes()
	out := make([]byte, sbytes)
	copy(out, sb.pending)
	sb.pending = nil
	return out
}

// LbasWritten returns how many data LBAs have been accepted so far
// (excluding the zero-padding added by Flush).
func (sb *StripeBuffer) LbasWritten(startLba common.LbaT) common.LbaT {
	return sb.nextLba - startLba
}
