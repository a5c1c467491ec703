package virtqueue

import "fmt"

// PageSize is the alignment of the used ring within the queue memory.
const PageSize = 4096

// descriptorTableAlignment is the minimum alignment of the descriptor table.
// Queue memory is always handed out page aligned, so this only matters for
// validation of externally provided memory.
const descriptorTableAlignment = 16

func descriptorTableSize(queueSize int) int {
	return descriptorSize * queueSize
}

// Layout describes where the parts of a split virtqueue live inside one
// contiguous block of memory. All offsets are relative to the queue base.
type Layout struct {
	QueueSize int

	DescriptorTable int
	AvailableRing   int
	UsedRing        int

	// Size is the total number of bytes needed for the queue.
	Size int
}

// NewLayout calculates the [Layout] for a queue of the given size.
func NewLayout(queueSize int) (Layout, error) {
	if err := CheckQueueSize(queueSize); err != nil {
		return Layout{}, err
	}

	l := Layout{QueueSize: queueSize}
	l.DescriptorTable = 0
	l.AvailableRing = align(l.DescriptorTable+descriptorTableSize(queueSize), availableRingAlignment)
	l.UsedRing = align(l.AvailableRing+availableRingSize(queueSize), PageSize)
	l.Size = l.UsedRing + usedRingSize(queueSize)
	return l, nil
}

// RingSize returns the number of bytes needed for a queue of the given size.
// It panics when the size is invalid.
func RingSize(queueSize int) int {
	l, err := NewLayout(queueSize)
	if err != nil {
		panic(fmt.Sprintf("ring size: %v", err))
	}
	return l.Size
}

func (l Layout) descriptorTable(mem []byte) []byte {
	return mem[l.DescriptorTable : l.DescriptorTable+descriptorTableSize(l.QueueSize)]
}

func (l Layout) availableRing(mem []byte) []byte {
	return mem[l.AvailableRing : l.AvailableRing+availableRingSize(l.QueueSize)]
}

func (l Layout) usedRing(mem []byte) []byte {
	return mem[l.UsedRing : l.UsedRing+usedRingSize(l.QueueSize)]
}

// align rounds x up to the next multiple of alignment, which must be a power
// of 2.
func align(x, alignment int) int {
	return (x + alignment - 1) &^ (alignment - 1)
}
