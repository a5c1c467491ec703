package virtqueue

import (
	"encoding/binary"
	"fmt"
)

// DescriptorTable is a bounds-checked view over the descriptor table of a
// queue. It is written by the driver and read by the device.
type DescriptorTable struct {
	mem  []byte
	size int
}

// newDescriptorTable creates a descriptor table that uses the given
// underlying memory. The length of the memory slice must match the size
// needed for the table for the given queue size.
func newDescriptorTable(queueSize int, mem []byte) *DescriptorTable {
	if len(mem) != descriptorTableSize(queueSize) {
		panic(fmt.Sprintf("memory size (%v) does not match required size "+
			"for descriptor table: %v", len(mem), descriptorTableSize(queueSize)))
	}
	return &DescriptorTable{mem: mem, size: queueSize}
}

// Len returns the number of descriptors in the table.
func (dt *DescriptorTable) Len() int {
	return dt.size
}

// Get reads the descriptor at index i.
func (dt *DescriptorTable) Get(i uint16) (Descriptor, error) {
	if int(i) >= dt.size {
		return Descriptor{}, fmt.Errorf("%w: descriptor index %d out of range [0, %d)", ErrMalformed, i, dt.size)
	}
	b := dt.mem[int(i)*descriptorSize:][:descriptorSize]
	return Descriptor{
		Addr:  binary.LittleEndian.Uint64(b[0:]),
		Len:   binary.LittleEndian.Uint32(b[8:]),
		Flags: DescriptorFlag(binary.LittleEndian.Uint16(b[12:])),
		Next:  binary.LittleEndian.Uint16(b[14:]),
	}, nil
}

// Set writes the descriptor at index i.
func (dt *DescriptorTable) Set(i uint16, d Descriptor) error {
	if int(i) >= dt.size {
		return fmt.Errorf("%w: descriptor index %d out of range [0, %d)", ErrMalformed, i, dt.size)
	}
	b := dt.mem[int(i)*descriptorSize:][:descriptorSize]
	binary.LittleEndian.PutUint64(b[0:], d.Addr)
	binary.LittleEndian.PutUint32(b[8:], d.Len)
	binary.LittleEndian.PutUint16(b[12:], uint16(d.Flags))
	binary.LittleEndian.PutUint16(b[14:], d.Next)
	return nil
}

// Walk calls fn for every descriptor of the chain starting at head, in chain
// order. The walk never follows more links than the table has entries, so a
// cyclic or overlong chain written by an untrusted peer ends with
// [ErrMalformed] instead of looping. An error returned by fn stops the walk
// and is returned as is.
func (dt *DescriptorTable) Walk(head uint16, fn func(index uint16, d Descriptor) error) error {
	index := head
	for links := 0; ; links++ {
		if links >= dt.size {
			return fmt.Errorf("%w: chain starting at %d is longer than %d descriptors", ErrMalformed, head, dt.size)
		}

		d, err := dt.Get(index)
		if err != nil {
			return err
		}
		if err = fn(index, d); err != nil {
			return err
		}
		if !d.HasNext() {
			return nil
		}
		index = d.Next
	}
}
