// Package allocator carves object buffers out of pre-created, memfd-backed
// mmap regions and answers the store's one load-bearing question: given a
// pointer this package handed out, which (fd, map_size, offset) does it
// belong to? A plain heap allocator cannot answer that, since its
// allocations have no kernel fd identity at all; every region here is
// backed by a file descriptor from memfd_create so the identity always
// exists.
package allocator

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// DefaultRegionSize is the size of a freshly carved mmap region when the
// caller doesn't request a specific size and no existing region has
// enough free space.
const DefaultRegionSize = 64 * 1024 * 1024

// region is one memfd-backed mmap mapping, sub-allocated by a simple bump
// pointer. The store never frees individual objects back into a region's
// free space mid-lifetime in a way that requires reuse inside a region;
// DELETE only needs to stop tracking the allocation, so a bump allocator
// with a counter of bytes still in use is sufficient.
type region struct {
	fd      int
	data    []byte
	size    int64
	offset  int64 // next free byte
	inUse   int64 // bytes currently attributed to live allocations
}

// Allocation identifies one carved-out buffer: which region it lives in
// and where.
type Allocation struct {
	RegionFD int
	MapSize  int64
	Offset   int64
	Size     int64
}

// Allocator owns a set of mmap regions and the bump cursor within each.
// It is guarded by a single mutex: object creation and deletion happen on
// the store's single-threaded dispatcher goroutine, and Close may be
// called from another goroutine.
type Allocator struct {
	mu         sync.Mutex
	regionSize int64
	regions    []*region
	byPointer  map[uintptr]*Allocation
	byFD       map[int]*region
}

// New creates an allocator that carves new mmap regions of regionSize
// bytes (or DefaultRegionSize if regionSize <= 0) on demand.
func New(regionSize int64) *Allocator {
	if regionSize <= 0 {
		regionSize = DefaultRegionSize
	}
	return &Allocator{
		regionSize: regionSize,
		byPointer:  make(map[uintptr]*Allocation),
		byFD:       make(map[int]*region),
	}
}

// Alloc reserves size bytes, creating a new mmap region if no existing
// region has enough remaining space. It returns the slice the caller
// should write into and the Allocation describing its backing region.
func (a *Allocator) Alloc(size int64) ([]byte, *Allocation, error) {
	if size <= 0 {
		return nil, nil, fmt.Errorf("allocator: alloc size must be positive, got %d", size)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	for _, r := range a.regions {
		if r.size-r.offset >= size {
			return a.carve(r, size), a.record(r, size), nil
		}
	}

	regionBytes := a.regionSize
	if size > regionBytes {
		regionBytes = size
	}
	r, err := newRegion(regionBytes)
	if err != nil {
		return nil, nil, fmt.Errorf("allocator: %w", err)
	}
	a.regions = append(a.regions, r)
	a.byFD[r.fd] = r

	return a.carve(r, size), a.record(r, size), nil
}

func (a *Allocator) carve(r *region, size int64) []byte {
	buf := r.data[r.offset : r.offset+size]
	r.offset += size
	r.inUse += size
	return buf
}

func (a *Allocator) record(r *region, size int64) *Allocation {
	alloc := &Allocation{
		RegionFD: r.fd,
		MapSize:  r.size,
		Offset:   r.offset - size,
		Size:     size,
	}
	a.byPointer[ptrKey(r, alloc.Offset)] = alloc
	return alloc
}

// Lookup resolves a previously returned Allocation's region identity
// again, by region fd and offset. This is the operation invariant 5 of
// the object table depends on: every live ObjectEntry's (fd, map_size,
// offset) must stay resolvable until it is deleted.
func (a *Allocator) Lookup(fd int, offset int64) (*Allocation, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	r, ok := a.byFD[fd]
	if !ok {
		return nil, false
	}
	alloc, ok := a.byPointer[ptrKey(r, offset)]
	return alloc, ok
}

// Free releases the bytes an Allocation described back to the region's
// accounting. It does not compact or reuse the bump region's address
// space; the store deletes objects far less often than it creates them,
// and a compacting allocator would need to invalidate client mappings
// that may still be pinned externally, which the store cannot observe.
func (a *Allocator) Free(alloc *Allocation) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	r, ok := a.byFD[alloc.RegionFD]
	if !ok {
		return fmt.Errorf("allocator: free of unknown region fd %d", alloc.RegionFD)
	}
	delete(a.byPointer, ptrKey(r, alloc.Offset))
	r.inUse -= alloc.Size
	return nil
}

// Close unmaps and closes every region. It is called once, at store
// shutdown.
func (a *Allocator) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var firstErr error
	for _, r := range a.regions {
		if err := unix.Munmap(r.data); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := unix.Close(r.fd); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	a.regions = nil
	a.byFD = make(map[int]*region)
	a.byPointer = make(map[uintptr]*Allocation)
	return firstErr
}

// newRegion creates a memfd-backed anonymous mapping of size bytes. Using
// memfd_create rather than a bare MAP_ANONYMOUS mapping is what resolves
// the allocator identity inversion: the region gets a real kernel fd that
// a client process can receive via SCM_RIGHTS and mmap itself, with no
// filesystem path ever created.
func newRegion(size int64) (*region, error) {
	fd, err := unix.MemfdCreate("plasma-region", 0)
	if err != nil {
		return nil, fmt.Errorf("memfd_create: %w", err)
	}
	if err := unix.Ftruncate(fd, size); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("ftruncate: %w", err)
	}
	data, err := unix.Mmap(fd, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("mmap: %w", err)
	}
	return &region{fd: fd, data: data, size: size}, nil
}

// ptrKey gives each (region, offset) pair a stable map key without
// exposing the region's real memory address as part of the allocator's
// public API.
func ptrKey(r *region, offset int64) uintptr {
	return uintptr(r.fd)<<32 | uintptr(offset)
}
