package virtqueue

import (
	"encoding/binary"
	"fmt"
)

// UsedRingFlagNoNotify is used by the device to advise the driver to not kick
// it when adding a buffer. It's only a hint.
const UsedRingFlagNoNotify uint16 = 1

// usedRingSize is the number of bytes needed to store a [UsedRing] with the
// given queue size in memory. The trailing avail_event word is reserved but
// never used.
func usedRingSize(queueSize int) int {
	return 6 + usedElementSize*queueSize
}

// UsedRing is where the device returns descriptor chains once it is done with
// them. Each ring entry is a [UsedElement]. It is only written to by the
// device and read by the driver.
type UsedRing struct {
	header ringHeader
	ring   []byte
	mask   uint16
}

// newUsedRing creates a used ring that uses the given underlying memory. The
// length of the memory slice must match the size needed for the ring (see
// [usedRingSize]) for the given queue size.
func newUsedRing(queueSize int, mem []byte) *UsedRing {
	ringSize := usedRingSize(queueSize)
	if len(mem) != ringSize {
		panic(fmt.Sprintf("memory size (%v) does not match required size "+
			"for used ring: %v", len(mem), ringSize))
	}

	return &UsedRing{
		header: newRingHeader(mem),
		ring:   mem[4 : 4+usedElementSize*queueSize],
		mask:   uint16(queueSize - 1),
	}
}

// Load atomically reads the flags and the published index.
func (r *UsedRing) Load() (flags, idx uint16) {
	return r.header.load()
}

// Index returns the published ring index.
func (r *UsedRing) Index() uint16 {
	_, idx := r.header.load()
	return idx
}

// Publish atomically stores the flags and the ring index. Every element
// written with [UsedRing.SetElement] before the call becomes visible to a
// reader that observes idx.
func (r *UsedRing) Publish(flags, idx uint16) {
	r.header.store(flags, idx)
}

// Element returns the element in the slot for the ring index idx.
func (r *UsedRing) Element(idx uint16) UsedElement {
	b := r.ring[int(idx&r.mask)*usedElementSize:][:usedElementSize]
	return UsedElement{
		DescriptorIndex: binary.LittleEndian.Uint32(b[0:]),
		Length:          binary.LittleEndian.Uint32(b[4:]),
	}
}

// SetElement stores an element in the slot for the ring index idx.
func (r *UsedRing) SetElement(idx uint16, e UsedElement) {
	b := r.ring[int(idx&r.mask)*usedElementSize:][:usedElementSize]
	binary.LittleEndian.PutUint32(b[0:], e.DescriptorIndex)
	binary.LittleEndian.PutUint32(b[4:], e.Length)
}
