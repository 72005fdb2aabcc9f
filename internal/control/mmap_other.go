//go:build !unix

package control

import "fmt"

// MMapRegion is unavailable on this platform.
type MMapRegion struct{}

// OpenMMap always fails; shared control files need a unix mmap.
func OpenMMap(path string, writable bool) (*MMapRegion, error) {
	return nil, fmt.Errorf("%w: shared control files are not supported on this platform", ErrControlUnavailable)
}

func (r *MMapRegion) Path() string             { return "" }
func (r *MMapRegion) Load(int) (uint64, error) { return 0, ErrControlUnavailable }
func (r *MMapRegion) Store(int, uint64) error  { return ErrControlUnavailable }
func (r *MMapRegion) Close() error             { return nil }

// CreateFile always fails on this platform.
func CreateFile(path string, value uint64, enabled bool, overwrite bool) error {
	return fmt.Errorf("%w: shared control files are not supported on this platform", ErrControlUnavailable)
}
