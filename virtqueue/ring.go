package virtqueue

import (
	"fmt"
	"unsafe"
)

// Ring bundles the views over the three parts of one queue. It is shared by
// the driver and the device engines; each of them only writes the parts it
// owns.
type Ring struct {
	layout Layout
	mem    []byte

	descriptorTable *DescriptorTable
	availableRing   *AvailableRing
	usedRing        *UsedRing
}

// NewRing creates the views for a queue of the given size over mem, which
// must be at least [RingSize] bytes long and 16 byte aligned. The memory is
// not modified.
func NewRing(mem []byte, queueSize int) (*Ring, error) {
	layout, err := NewLayout(queueSize)
	if err != nil {
		return nil, err
	}
	if len(mem) < layout.Size {
		return nil, fmt.Errorf("queue memory of %d bytes is too small for %d entries, need %d",
			len(mem), queueSize, layout.Size)
	}
	if uintptr(unsafe.Pointer(&mem[0]))%descriptorTableAlignment != 0 {
		return nil, fmt.Errorf("queue memory is not %d byte aligned", descriptorTableAlignment)
	}

	mem = mem[:layout.Size]
	return &Ring{
		layout:          layout,
		mem:             mem,
		descriptorTable: newDescriptorTable(queueSize, layout.descriptorTable(mem)),
		availableRing:   newAvailableRing(queueSize, layout.availableRing(mem)),
		usedRing:        newUsedRing(queueSize, layout.usedRing(mem)),
	}, nil
}

// Size returns the number of entries of the queue.
func (r *Ring) Size() int {
	return r.layout.QueueSize
}

// Layout returns the memory layout of the queue.
func (r *Ring) Layout() Layout {
	return r.layout
}

// DescriptorTable returns the [DescriptorTable] behind this queue.
func (r *Ring) DescriptorTable() *DescriptorTable {
	return r.descriptorTable
}

// AvailableRing returns the [AvailableRing] behind this queue.
func (r *Ring) AvailableRing() *AvailableRing {
	return r.availableRing
}

// UsedRing returns the [UsedRing] behind this queue.
func (r *Ring) UsedRing() *UsedRing {
	return r.usedRing
}
