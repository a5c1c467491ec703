package virtqueue

import (
	"encoding/binary"
	"fmt"
)

// AvailableRingFlagNoInterrupt is used by the driver to advise the device to
// not interrupt it when consuming a buffer. It's only a hint.
const AvailableRingFlagNoInterrupt uint16 = 1

// availableRingSize is the number of bytes needed to store an [AvailableRing]
// with the given queue size in memory. The trailing used_event word is
// reserved but never used.
func availableRingSize(queueSize int) int {
	return 6 + 2*queueSize
}

// availableRingAlignment keeps the ring header word aligned for atomic access.
const availableRingAlignment = 4

// AvailableRing is used by the driver to offer descriptor chains to the
// device. Each ring entry refers to the head of a descriptor chain. It is only
// written to by the driver and read by the device.
type AvailableRing struct {
	header ringHeader
	ring   []byte
	mask   uint16
}

// newAvailableRing creates an available ring that uses the given underlying
// memory. The length of the memory slice must match the size needed for the
// ring (see [availableRingSize]) for the given queue size.
func newAvailableRing(queueSize int, mem []byte) *AvailableRing {
	ringSize := availableRingSize(queueSize)
	if len(mem) != ringSize {
		panic(fmt.Sprintf("memory size (%v) does not match required size "+
			"for available ring: %v", len(mem), ringSize))
	}

	return &AvailableRing{
		header: newRingHeader(mem),
		ring:   mem[4 : 4+2*queueSize],
		mask:   uint16(queueSize - 1),
	}
}

// Load atomically reads the flags and the published index.
func (r *AvailableRing) Load() (flags, idx uint16) {
	return r.header.load()
}

// Index returns the published ring index.
func (r *AvailableRing) Index() uint16 {
	_, idx := r.header.load()
	return idx
}

// Publish atomically stores the flags and the ring index. Every slot written
// with [AvailableRing.SetHead] before the call becomes visible to a reader
// that observes idx.
func (r *AvailableRing) Publish(flags, idx uint16) {
	r.header.store(flags, idx)
}

// Head returns the chain head stored in the slot for the ring index idx.
// The 16-bit ring index may overflow, the slot is idx modulo the queue size.
func (r *AvailableRing) Head(idx uint16) uint16 {
	return binary.LittleEndian.Uint16(r.ring[int(idx&r.mask)*2:])
}

// SetHead stores a chain head in the slot for the ring index idx.
func (r *AvailableRing) SetHead(idx uint16, head uint16) {
	binary.LittleEndian.PutUint16(r.ring[int(idx&r.mask)*2:], head)
}
