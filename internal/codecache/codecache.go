// Package codecache hands out the executable memory regions code buffers are
// laid out in.
package codecache

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/btree"
)

// ErrCacheFull is returned when no region of the requested size is left. It
// is recoverable: the caller may retry once code has been freed.
var ErrCacheFull = errors.New("code cache full")

// Blob is one region of code memory. Base is the address the bytes will
// execute at; Mem is the writable view of the same bytes.
type Blob struct {
	Base uintptr
	Mem  []byte

	offset int
}

func (b *Blob) Size() int { return len(b.Mem) }

// Addr returns the absolute address of offset off in the blob.
func (b *Blob) Addr(off int) uintptr {
	return b.Base + uintptr(off)
}

func (b *Blob) String() string {
	return fmt.Sprintf("blob[%#x, %#x)", b.Base, b.Base+uintptr(len(b.Mem)))
}

// Provider is the executable memory provider. Implementations are safe for
// concurrent use.
type Provider interface {
	Acquire(size int) (*Blob, error)
	Release(b *Blob)
	// Seal makes the blob executable. The blob must not be written after.
	Seal(b *Blob) error
	Capacity() int
	Used() int
}

// Alignment of every blob start.
const Alignment = 64

func alignUp(v, a int) int {
	return (v + a - 1) &^ (a - 1)
}

type freeRange struct {
	off, size int
}

func freeRangeLess(a, b freeRange) bool { return a.off < b.off }

// Heap is a Provider backed by ordinary memory at a synthetic base address.
// The bytes are never executed; it serves as the code cache of the reference
// VM and of tests, where addresses must be deterministic.
type Heap struct {
	mu   sync.Mutex
	base uintptr
	mem  []byte
	free *btree.BTreeG[freeRange]
	used int
}

var _ Provider = (*Heap)(nil)

// NewHeap creates a heap provider of capacity bytes whose first byte lives at
// base.
func NewHeap(capacity int, base uintptr) *Heap {
	if capacity <= 0 {
		panic("codecache: capacity must be positive")
	}
	if base%Alignment != 0 {
		panic(fmt.Sprintf("codecache: base %#x not aligned to %d", base, Alignment))
	}
	h := &Heap{
		base: base,
		mem:  make([]byte, capacity),
		free: btree.NewG(8, freeRangeLess),
	}
	h.free.ReplaceOrInsert(freeRange{off: 0, size: capacity})
	return h
}

func (h *Heap) Capacity() int { return len(h.mem) }

func (h *Heap) Used() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.used
}

// Acquire returns the first free range that fits size, rounded up to
// Alignment.
func (h *Heap) Acquire(size int) (*Blob, error) {
	if size <= 0 {
		return nil, fmt.Errorf("codecache: invalid size %d", size)
	}
	size = alignUp(size, Alignment)

	h.mu.Lock()
	defer h.mu.Unlock()

	var found *freeRange
	h.free.Ascend(func(r freeRange) bool {
		if r.size >= size {
			found = &r
			return false
		}
		return true
	})
	if found == nil {
		return nil, ErrCacheFull
	}
	h.free.Delete(*found)
	if found.size > size {
		h.free.ReplaceOrInsert(freeRange{off: found.off + size, size: found.size - size})
	}
	h.used += size

	mem := h.mem[found.off : found.off+size : found.off+size]
	clear(mem)
	return &Blob{
		Base:   h.base + uintptr(found.off),
		Mem:    mem,
		offset: found.off,
	}, nil
}

// Release returns the blob's range and merges it with free neighbours.
func (h *Heap) Release(b *Blob) {
	if b == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	r := freeRange{off: b.offset, size: len(b.Mem)}
	h.used -= r.size

	h.free.DescendLessOrEqual(freeRange{off: r.off}, func(prev freeRange) bool {
		if prev.off+prev.size == r.off {
			h.free.Delete(prev)
			r = freeRange{off: prev.off, size: prev.size + r.size}
		}
		return false
	})
	if next, ok := h.free.Get(freeRange{off: r.off + r.size}); ok {
		h.free.Delete(next)
		r.size += next.size
	}
	h.free.ReplaceOrInsert(r)
}

func (h *Heap) Seal(*Blob) error { return nil }
