//go:build !linux

package vdev

import "os"

// detectDiscardMethod has no portable hole-punch primitive outside Linux
// in this implementation; erase_zone degrades to a no-op there, per
// spec.md §4.1 ("or no-op").
func detectDiscardMethod(f *os.File) discardMethod {
	return discardNone
}

func fallocatePunchHole(f *os.File, off, length int64) error {
	return nil
}
