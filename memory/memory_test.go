package memory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSpace(t *testing.T, regions ...[2]uint64) *Space {
	t.Helper()
	var rs []*Region
	for _, r := range regions {
		region, err := NewRegion(r[0], int(r[1]))
		require.NoError(t, err)
		rs = append(rs, region)
	}
	s, err := NewSpace(rs...)
	require.NoError(t, err)
	return s
}

func TestNewRegion_Validation(t *testing.T) {
	_, err := NewRegion(0x1000, 100)
	assert.ErrorContains(t, err, "multiple")

	_, err = NewRegion(0x1001, PageSize)
	assert.ErrorContains(t, err, "page aligned")

	_, err = NewRegion(^uint64(0)-PageSize+1, 2*PageSize)
	assert.ErrorContains(t, err, "overflows")

	_, err = NewSpace()
	assert.Error(t, err)
}

func TestNewSpace_Overlap(t *testing.T) {
	a, err := NewRegion(0x10000, 4*PageSize)
	require.NoError(t, err)
	b, err := NewRegion(0x12000, 4*PageSize)
	require.NoError(t, err)

	_, err = NewSpace(b, a)
	assert.ErrorContains(t, err, "overlaps")
}

func TestSpace_Slice(t *testing.T) {
	s := newTestSpace(t, [2]uint64{0x100000, 4 * PageSize}, [2]uint64{0x10000, PageSize})

	b, err := s.Slice(0x100010, 16)
	require.NoError(t, err)
	assert.Len(t, b, 16)
	assert.Equal(t, 16, cap(b))

	b[0] = 0xaa
	again, err := s.Slice(0x100010, 1)
	require.NoError(t, err)
	assert.Equal(t, byte(0xaa), again[0])

	tests := []struct {
		name   string
		phys   uint64
		length uint64
	}{
		{name: "below", phys: 0x1000, length: 1},
		{name: "crosses end", phys: 0x100000 + 4*PageSize - 8, length: 16},
		{name: "between regions", phys: 0x11000, length: 1},
		{name: "wraps", phys: 0x100000, length: ^uint64(0)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Slice(tt.phys, tt.length)
			assert.ErrorIs(t, err, ErrOutOfRange)
		})
	}

	empty, err := s.Slice(0x10000, 0)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestSpace_PhysAddr(t *testing.T) {
	s := newTestSpace(t, [2]uint64{0x200000, 2 * PageSize})

	b, err := s.Slice(0x200123, 10)
	require.NoError(t, err)
	phys, err := s.PhysAddr(b)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x200123), phys)

	phys, err = s.PhysAddr(b[3:])
	require.NoError(t, err)
	assert.Equal(t, uint64(0x200126), phys)

	_, err = s.PhysAddr(make([]byte, 4))
	assert.ErrorIs(t, err, ErrOutOfRange)
	_, err = s.PhysAddr(nil)
	assert.ErrorIs(t, err, ErrOutOfRange)
}

func TestSpace_AllocFree(t *testing.T) {
	s := newTestSpace(t, [2]uint64{0x40000, 4 * PageSize})

	a, err := s.Alloc(1)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x40000), a.Phys)
	assert.Len(t, a.Buf, PageSize)

	b, err := s.Alloc(PageSize + 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x41000), b.Phys)
	assert.Len(t, b.Buf, 2*PageSize)

	c, err := s.Alloc(PageSize)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x43000), c.Phys)

	_, err = s.Alloc(1)
	assert.ErrorIs(t, err, ErrExhausted)

	// Freed memory is reused and handed out zeroed again.
	a.Buf[0] = 1
	require.NoError(t, s.Free(a))
	require.NoError(t, s.Free(c))
	_, err = s.Alloc(2 * PageSize)
	assert.ErrorIs(t, err, ErrExhausted, "free pages are not contiguous")

	d, err := s.Alloc(10)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x40000), d.Phys)
	assert.Equal(t, byte(0), d.Buf[0])

	phys, err := s.PhysAddr(b.Buf[PageSize:])
	require.NoError(t, err)
	assert.Equal(t, uint64(0x42000), phys)

	assert.ErrorIs(t, s.Free(Allocation{Phys: 0x90000, Buf: make([]byte, PageSize)}), ErrOutOfRange)
	assert.NoError(t, s.Close())
}

func TestMapRegion(t *testing.T) {
	r, err := MapRegion(0x80000, 2*PageSize)
	if err != nil {
		t.Skipf("mmap not available: %v", err)
	}
	s, err := NewSpace(r)
	require.NoError(t, err)

	a, err := s.Alloc(PageSize)
	require.NoError(t, err)
	a.Buf[10] = 7

	b, err := s.Slice(a.Phys+10, 1)
	require.NoError(t, err)
	assert.Equal(t, byte(7), b[0])
	assert.NoError(t, s.Close())
}
