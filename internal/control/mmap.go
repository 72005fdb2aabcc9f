//go:build unix

package control

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// MMapRegion maps a control file shared with an external controller process.
// Slots are stored in native byte order and accessed with atomic 64-bit
// operations; the mapping is page aligned so every slot is 8-byte aligned.
type MMapRegion struct {
	mu       sync.RWMutex
	path     string
	data     []byte
	writable bool
}

// OpenMMap maps the first RegionSize bytes of path. A read-only mapping
// rejects Store.
func OpenMMap(path string, writable bool) (*MMapRegion, error) {
	flags := os.O_RDONLY
	prot := unix.PROT_READ
	if writable {
		flags = os.O_RDWR
		prot |= unix.PROT_WRITE
	}

	f, err := os.OpenFile(path, flags, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrControlUnavailable, err)
	}
	// The mapping outlives the descriptor.
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("%w: stat %s: %w", ErrControlUnavailable, path, err)
	}
	if info.Size() < RegionSize {
		return nil, fmt.Errorf("%w: %s is %d bytes, want at least %d", ErrControlUnavailable, path, info.Size(), RegionSize)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, RegionSize, prot, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("%w: mmap %s: %w", ErrControlUnavailable, path, err)
	}

	return &MMapRegion{path: path, data: data, writable: writable}, nil
}

// Path returns the mapped file path.
func (r *MMapRegion) Path() string { return r.path }

func (r *MMapRegion) slot(i int) *uint64 {
	return (*uint64)(unsafe.Pointer(&r.data[i*8]))
}

// Load implements Region.
func (r *MMapRegion) Load(slot int) (uint64, error) {
	if err := checkSlot(slot); err != nil {
		return 0, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.data == nil {
		return 0, ErrControlUnavailable
	}
	return atomic.LoadUint64(r.slot(slot)), nil
}

// Store implements Region.
func (r *MMapRegion) Store(slot int, v uint64) error {
	if err := checkSlot(slot); err != nil {
		return err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.data == nil {
		return ErrControlUnavailable
	}
	if !r.writable {
		return fmt.Errorf("control file %s is mapped read-only", r.path)
	}
	atomic.StoreUint64(r.slot(slot), v)
	return nil
}

// Close unmaps the region. It is safe to call more than once.
func (r *MMapRegion) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.data == nil {
		return nil
	}
	err := unix.Munmap(r.data)
	r.data = nil
	if err != nil {
		return fmt.Errorf("munmap %s: %w", r.path, err)
	}
	return nil
}

// CreateFile writes a fresh control file holding value and enabled. It
// refuses to replace an existing file unless overwrite is set.
func CreateFile(path string, value uint64, enabled bool, overwrite bool) error {
	flags := os.O_WRONLY | os.O_CREATE
	if overwrite {
		flags |= os.O_TRUNC
	} else {
		flags |= os.O_EXCL
	}

	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return fmt.Errorf("create control file: %w", err)
	}

	var buf [RegionSize]byte
	binary.NativeEndian.PutUint64(buf[SlotValue*8:], value)
	binary.NativeEndian.PutUint64(buf[SlotEnabled*8:], FlagValue(enabled))

	if _, err := f.Write(buf[:]); err != nil {
		_ = f.Close()
		return fmt.Errorf("write control file %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("sync control file %s: %w", path, err)
	}
	return f.Close()
}
