package virtqueue

import "fmt"

// DescriptorFlag is a flag that describes a [Descriptor].
type DescriptorFlag uint16

const (
	// DescriptorFlagNext marks a descriptor chain as continuing via the next
	// field.
	DescriptorFlagNext DescriptorFlag = 1 << iota
	// DescriptorFlagWrite marks a buffer as device write-only (otherwise
	// device read-only).
	DescriptorFlagWrite
	// DescriptorFlagIndirect means the buffer contains a table of descriptors.
	// Neither engine in this module produces or accepts indirect descriptors.
	DescriptorFlagIndirect
)

// descriptorSize is the number of bytes needed to store a [Descriptor] in
// memory.
const descriptorSize = 16

// Descriptor describes one guest physical buffer region. Multiple descriptors
// are chained to form one logical scatter/gather buffer. Device-readable
// descriptors always come first in a chain.
type Descriptor struct {
	// Addr is the guest physical address of the buffer.
	Addr uint64
	// Len is the number of bytes at Addr.
	Len uint32
	// Flags that describe this descriptor.
	Flags DescriptorFlag
	// Next is the index of the following descriptor when DescriptorFlagNext
	// is set.
	Next uint16
}

func (d Descriptor) HasNext() bool {
	return d.Flags&DescriptorFlagNext != 0
}

func (d Descriptor) Writable() bool {
	return d.Flags&DescriptorFlagWrite != 0
}

func (d Descriptor) String() string {
	return fmt.Sprintf("{addr: %#x, len: %d, flags: %#x, next: %d}", d.Addr, d.Len, uint16(d.Flags), d.Next)
}
