package virtqueue

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"unsafe"
)

// ringHeader is the {flags u16, idx u16} pair at the start of both rings.
//
// Each header has exactly one writer. Loading and storing both fields as one
// aligned 32-bit word makes the index publish atomic and orders every ring
// entry and descriptor written before it, which is the write barrier the
// protocol asks for.
type ringHeader struct {
	word *uint32
}

func newRingHeader(mem []byte) ringHeader {
	if len(mem) < 4 {
		panic(fmt.Sprintf("ring header needs 4 bytes, got %d", len(mem)))
	}
	p := unsafe.Pointer(&mem[0])
	if uintptr(p)%4 != 0 {
		panic(fmt.Sprintf("ring header at %p is not 4 byte aligned", p))
	}
	return ringHeader{word: (*uint32)(p)}
}

func (h ringHeader) load() (flags, idx uint16) {
	// Reinterpret the native word as the little-endian bytes it was loaded
	// from, so the result is correct on any host byte order.
	var b [4]byte
	binary.NativeEndian.PutUint32(b[:], atomic.LoadUint32(h.word))
	return binary.LittleEndian.Uint16(b[0:]), binary.LittleEndian.Uint16(b[2:])
}

func (h ringHeader) store(flags, idx uint16) {
	var b [4]byte
	binary.LittleEndian.PutUint16(b[0:], flags)
	binary.LittleEndian.PutUint16(b[2:], idx)
	atomic.StoreUint32(h.word, binary.NativeEndian.Uint32(b[:]))
}
