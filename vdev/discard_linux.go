//go:build linux

package vdev

import (
	"os"

	"golang.org/x/sys/unix"
)

// detectDiscardMethod probes whether fallocate-style hole punching is
// supported on f's filesystem; VdevFile caches the result after the first
// call (spec.md §4.1).
func detectDiscardMethod(f *os.File) discardMethod {
	err := unix.Fallocate(int(f.Fd()), unix.FALLOC_FL_PUNCH_HOLE|unix.FALLOC_FL_KEEP_SIZE, 0, int64(common_BytesPerLba))
	if err != nil {
		return discardNone
	}
	return discardFallocate
}

func fallocatePunchHole(f *os.File, off, length int64) error {
	return unix.Fallocate(int(f.Fd()), unix.FALLOC_FL_PUNCH_HOLE|unix.FALLOC_FL_KEEP_SIZE, off, length)
}

const common_BytesPerLba = 4096
