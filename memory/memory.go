// Package memory models guest physical memory. It is the only place that
// converts between guest physical addresses and the host byte slices backing
// them; everything else in the module passes physical addresses around and
// asks a [Space] for bounds-checked views.
package memory

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"unsafe"

	"gvisor.dev/gvisor/pkg/bitmap"
)

// PageSize is the granularity of guest memory allocations.
const PageSize = 4096

var (
	// ErrOutOfRange is returned when an address range is not fully backed by
	// a single region.
	ErrOutOfRange = errors.New("address range is not backed by guest memory")

	// ErrExhausted is returned when no region can satisfy an allocation.
	ErrExhausted = errors.New("guest memory exhausted")
)

// Region is one contiguous range of guest physical memory.
type Region struct {
	base  uint64
	mem   []byte
	pages bitmap.Bitmap
	unmap func() error
}

// NewRegion allocates a heap backed region of size bytes at the guest
// physical address base. Both must be multiples of [PageSize].
func NewRegion(base uint64, size int) (*Region, error) {
	if err := checkRegion(base, size); err != nil {
		return nil, err
	}

	// Over allocate to hand out page aligned memory.
	buf := make([]byte, size+PageSize)
	off := int(-uintptr(unsafe.Pointer(&buf[0])) & (PageSize - 1))
	return newRegion(base, buf[off:off+size:off+size], nil), nil
}

func newRegion(base uint64, mem []byte, unmap func() error) *Region {
	return &Region{
		base:  base,
		mem:   mem,
		pages: bitmap.New(uint32(len(mem) / PageSize)),
		unmap: unmap,
	}
}

func checkRegion(base uint64, size int) error {
	if size <= 0 || size%PageSize != 0 {
		return fmt.Errorf("region size %d is not a positive multiple of %d", size, PageSize)
	}
	if base%PageSize != 0 {
		return fmt.Errorf("region base %#x is not page aligned", base)
	}
	if base+uint64(size) < base {
		return fmt.Errorf("region at %#x with size %d overflows the address space", base, size)
	}
	return nil
}

// Base returns the guest physical address of the first byte of the region.
func (r *Region) Base() uint64 {
	return r.base
}

// Size returns the number of bytes in the region.
func (r *Region) Size() int {
	return len(r.mem)
}

func (r *Region) end() uint64 {
	return r.base + uint64(len(r.mem))
}

func (r *Region) contains(phys, length uint64) bool {
	return phys >= r.base && phys < r.end() && length <= r.end()-phys
}

// allocPages claims the lowest run of n free pages and returns the first.
func (r *Region) allocPages(n uint32) (uint32, bool) {
	total := uint32(len(r.mem) / PageSize)
	var start uint32
	for start+n <= total {
		first, err := r.pages.FirstZero(start)
		if err != nil || first+n > total {
			return 0, false
		}

		used, err := r.pages.FirstOne(first)
		if err != nil || used >= first+n {
			for p := first; p < first+n; p++ {
				r.pages.Add(p)
			}
			return first, true
		}
		start = used + 1
	}
	return 0, false
}

// Allocation is a page aligned block handed out by [Space.Alloc].
type Allocation struct {
	// Phys is the guest physical address of the block.
	Phys uint64
	// Buf is the host view of the block.
	Buf []byte
}

// Space is the guest physical address space made of non-overlapping regions.
// The region set is fixed at construction.
type Space struct {
	regions []*Region

	// mu guards the page bitmaps of all regions.
	mu sync.Mutex
}

// NewSpace creates an address space from the given regions.
func NewSpace(regions ...*Region) (*Space, error) {
	if len(regions) == 0 {
		return nil, errors.New("at least one memory region is required")
	}

	rs := slices.Clone(regions)
	slices.SortFunc(rs, func(a, b *Region) int {
		switch {
		case a.base < b.base:
			return -1
		case a.base > b.base:
			return 1
		}
		return 0
	})
	for i := 1; i < len(rs); i++ {
		if rs[i].base < rs[i-1].end() {
			return nil, fmt.Errorf("region at %#x overlaps region at %#x", rs[i].base, rs[i-1].base)
		}
	}

	return &Space{regions: rs}, nil
}

func (s *Space) find(phys, length uint64) *Region {
	for _, r := range s.regions {
		if r.contains(phys, length) {
			return r
		}
	}
	return nil
}

// Slice returns the host view of length bytes at the guest physical address
// phys. The returned slice has its capacity capped at length.
func (s *Space) Slice(phys uint64, length uint64) ([]byte, error) {
	if length == 0 {
		if s.find(phys, 0) == nil {
			return nil, fmt.Errorf("%w: %#x", ErrOutOfRange, phys)
		}
		return []byte{}, nil
	}

	r := s.find(phys, length)
	if r == nil {
		return nil, fmt.Errorf("%w: [%#x, %#x)", ErrOutOfRange, phys, phys+length)
	}
	off := phys - r.base
	return r.mem[off : off+length : off+length], nil
}

// PhysAddr returns the guest physical address of the first byte of b, which
// must lie entirely within one region of the space.
func (s *Space) PhysAddr(b []byte) (uint64, error) {
	if len(b) == 0 {
		return 0, fmt.Errorf("%w: empty slice", ErrOutOfRange)
	}

	p := uintptr(unsafe.Pointer(unsafe.SliceData(b)))
	for _, r := range s.regions {
		start := uintptr(unsafe.Pointer(unsafe.SliceData(r.mem)))
		if p >= start && p-start+uintptr(len(b)) <= uintptr(len(r.mem)) {
			return r.base + uint64(p-start), nil
		}
	}
	return 0, fmt.Errorf("%w: host slice at %#x", ErrOutOfRange, p)
}

// Alloc hands out a zeroed, page aligned block of at least size bytes.
func (s *Space) Alloc(size int) (Allocation, error) {
	if size <= 0 {
		return Allocation{}, fmt.Errorf("invalid allocation size %d", size)
	}
	pages := uint32((size + PageSize - 1) / PageSize)

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.regions {
		first, ok := r.allocPages(pages)
		if !ok {
			continue
		}
		off := int(first) * PageSize
		buf := r.mem[off : off+int(pages)*PageSize : off+int(pages)*PageSize]
		clear(buf)
		return Allocation{Phys: r.base + uint64(off), Buf: buf}, nil
	}

	return Allocation{}, fmt.Errorf("%w: no run of %d free pages", ErrExhausted, pages)
}

// Free returns an allocation to the space.
func (s *Space) Free(a Allocation) error {
	r := s.find(a.Phys, uint64(len(a.Buf)))
	if r == nil || len(a.Buf) == 0 {
		return fmt.Errorf("%w: allocation at %#x", ErrOutOfRange, a.Phys)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	first := uint32((a.Phys - r.base) / PageSize)
	for p := first; p < first+uint32(len(a.Buf)/PageSize); p++ {
		r.pages.Remove(p)
	}
	return nil
}

// Close releases the memory of every region. The space must not be used
// afterwards.
func (s *Space) Close() error {
	var errs []error
	for _, r := range s.regions {
		if r.unmap == nil {
			continue
		}
		if err := r.unmap(); err != nil {
			errs = append(errs, fmt.Errorf("unmap region at %#x: %w", r.base, err))
		}
		r.unmap = nil
	}
	return errors.Join(errs...)
}
