//go:build linux || darwin || freebsd

package codecache

import (
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Mmap is a Provider that maps every blob separately so that it can be
// flipped to read+execute once installed.
type Mmap struct {
	mu       sync.Mutex
	capacity int
	used     int
	pageSize int
}

var _ Provider = (*Mmap)(nil)

func NewMmap(capacity int) *Mmap {
	return &Mmap{capacity: capacity, pageSize: unix.Getpagesize()}
}

func (m *Mmap) Capacity() int { return m.capacity }

func (m *Mmap) Used() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.used
}

func (m *Mmap) Acquire(size int) (*Blob, error) {
	if size <= 0 {
		return nil, fmt.Errorf("codecache: invalid size %d", size)
	}
	allocSize := alignUp(size, m.pageSize)

	m.mu.Lock()
	if m.used+allocSize > m.capacity {
		m.mu.Unlock()
		return nil, ErrCacheFull
	}
	m.used += allocSize
	m.mu.Unlock()

	mem, err := unix.Mmap(-1, 0, allocSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		m.mu.Lock()
		m.used -= allocSize
		m.mu.Unlock()
		return nil, fmt.Errorf("mmap code region: %w", err)
	}

	return &Blob{
		Base: uintptr(unsafe.Pointer(&mem[0])),
		Mem:  mem,
	}, nil
}

func (m *Mmap) Release(b *Blob) {
	if b == nil || len(b.Mem) == 0 {
		return
	}
	size := len(b.Mem)
	_ = unix.Munmap(b.Mem)
	b.Mem = nil

	m.mu.Lock()
	m.used -= size
	m.mu.Unlock()
}

// Seal makes the region read+execute.
func (m *Mmap) Seal(b *Blob) error {
	if err := unix.Mprotect(b.Mem, unix.PROT_READ|unix.PROT_EXEC); err != nil {
		return fmt.Errorf("mprotect code region: %w", err)
	}
	return nil
}
