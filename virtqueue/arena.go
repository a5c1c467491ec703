package virtqueue

import (
	"fmt"

	"gvisor.dev/gvisor/pkg/bitmap"
)

// transaction is the driver-local record of one posted descriptor chain. It
// is indexed by the chain head.
type transaction struct {
	inUse  bool
	token  Token
	length uint32
	// chain lists the descriptor indexes in chain order. It is kept locally so
	// freeing never depends on descriptor contents in shared memory.
	chain []uint16
}

// descriptorArena tracks descriptor ownership. Every index is either set in
// free or listed in the chain of exactly one in-use transaction.
type descriptorArena struct {
	size         uint32
	free         bitmap.Bitmap
	transactions []transaction
}

func newDescriptorArena(queueSize int) *descriptorArena {
	a := &descriptorArena{
		size:         uint32(queueSize),
		free:         bitmap.New(uint32(queueSize)),
		transactions: make([]transaction, queueSize),
	}
	for i := uint32(0); i < a.size; i++ {
		a.free.Add(i)
	}
	return a
}

// freeCount returns the number of free descriptors.
func (a *descriptorArena) freeCount() int {
	return int(a.free.GetNumOnes())
}

// find returns the lowest n free descriptor indexes without claiming them.
// It returns false when there are fewer than n free descriptors.
func (a *descriptorArena) find(n int) ([]uint16, bool) {
	if n > a.freeCount() {
		return nil, false
	}

	found := make([]uint16, 0, n)
	var start uint32
	for len(found) < n {
		i, err := a.free.FirstOne(start)
		if err != nil || i >= a.size {
			return nil, false
		}
		found = append(found, uint16(i))
		start = i + 1
	}
	return found, true
}

// claim marks the chain as owned by a new transaction headed by chain[0].
func (a *descriptorArena) claim(chain []uint16, token Token, length uint32) {
	for _, i := range chain {
		a.free.Remove(uint32(i))
	}
	a.transactions[chain[0]] = transaction{
		inUse:  true,
		token:  token,
		length: length,
		chain:  chain,
	}
}

// release frees the chain headed by head and returns its transaction.
func (a *descriptorArena) release(head uint16) (transaction, error) {
	if uint32(head) >= a.size {
		return transaction{}, fmt.Errorf("%w: head %d out of range [0, %d)", ErrMalformed, head, a.size)
	}

	t := a.transactions[head]
	if !t.inUse {
		return transaction{}, fmt.Errorf("%w: descriptor %d is not the head of an in-flight chain", ErrMalformed, head)
	}

	for _, i := range t.chain {
		a.free.Add(uint32(i))
	}
	a.transactions[head] = transaction{}
	return t, nil
}

// owned returns the number of descriptors held by in-use transactions.
func (a *descriptorArena) owned() int {
	n := 0
	for _, t := range a.transactions {
		if t.inUse {
			n += len(t.chain)
		}
	}
	return n
}
