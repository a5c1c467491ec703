package virtqueue

import (
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// ErrInvalidBuffers is returned by [DriverQueue.AddBuf] when the scatter list
// does not match the requested descriptor counts.
var ErrInvalidBuffers = errors.New("invalid buffer list")

// Token is an opaque, caller supplied handle that is returned unchanged when
// the buffer it was posted with completes. [DriverQueue.DetachBuf] only finds
// tokens that are comparable with ==; use [DriverQueue.DetachAll] for others.
type Token any

// Buffer is one guest physical region of a scatter/gather list.
type Buffer struct {
	Addr uint64
	Len  uint32
}

// Completion is a buffer returned by the device.
type Completion struct {
	Token Token
	// Length is the number of bytes the device reported as written.
	Length uint32
}

// Notifier rings the doorbell of the device for a queue.
type Notifier interface {
	Notify(queue uint16) error
}

// NotifierFunc adapts a function to the [Notifier] interface.
type NotifierFunc func(queue uint16) error

func (f NotifierFunc) Notify(queue uint16) error {
	return f(queue)
}

// DriverQueue is the driver side engine of one split virtqueue.
//
// The ring protocol itself is not locked. Callers must keep to these
// operation groups:
//
//   - A: [DriverQueue.GetBuf], [DriverQueue.DetachBuf]
//   - B: [DriverQueue.AddBuf]
//   - C: [DriverQueue.Sync], [DriverQueue.Processing], [DriverQueue.Completed]
//
// Group C may run concurrently with anything and an A call may run
// concurrently with a B call. Two A calls or two B calls must never overlap;
// each queue has a single producer and a single consumer.
type DriverQueue struct {
	id   uint16
	ring *Ring
	l    *logrus.Logger

	notifier        Notifier
	zeroLengthQuirk bool
	metrics         *queueMetrics

	// arenaMu guards the descriptor arena, which is touched by both group A
	// (freeing) and group B (claiming).
	arenaMu sync.Mutex
	arena   *descriptorArena

	// availIdx is the local avail index, only advanced by AddBuf.
	availIdx atomic.Uint32

	// syncMu serializes publishers of the avail ring header.
	syncMu     sync.Mutex
	availFlags uint16
	lastSynced atomic.Uint32

	// nextUsed is the used index of the next completion to read, only
	// advanced by GetBuf.
	nextUsed atomic.Uint32
}

// NewDriverQueue creates the driver side engine for the queue with the given
// id on top of ring. The notifier is rung by [DriverQueue.Sync]. The ring
// memory is expected to be zeroed or left over from a previous engine of the
// same queue; the cursors start at the indexes currently stored in the ring.
func NewDriverQueue(l *logrus.Logger, id uint16, ring *Ring, notifier Notifier, options ...Option) (*DriverQueue, error) {
	if ring == nil {
		return nil, errors.New("ring is required")
	}
	opts := optionDefaults
	opts.apply(options)

	dq := &DriverQueue{
		id:              id,
		ring:            ring,
		l:               l,
		notifier:        notifier,
		zeroLengthQuirk: opts.zeroLengthQuirk,
		metrics:         newQueueMetrics(opts.registry, id),
		arena:           newDescriptorArena(ring.Size()),
	}

	flags, availIdx := ring.AvailableRing().Load()
	dq.availFlags = flags
	dq.availIdx.Store(uint32(availIdx))
	dq.lastSynced.Store(uint32(availIdx))
	dq.nextUsed.Store(uint32(ring.UsedRing().Index()))

	return dq, nil
}

// ID returns the queue id, which is also the value written to the doorbell.
func (dq *DriverQueue) ID() uint16 {
	return dq.id
}

// Size returns the number of descriptors of the queue.
func (dq *DriverQueue) Size() int {
	return dq.ring.Size()
}

// Ring returns the ring views behind this queue.
func (dq *DriverQueue) Ring() *Ring {
	return dq.ring
}

// AddBuf posts a descriptor chain made of the first outCount+inCount entries
// of sg. The first outCount buffers are device readable, the following
// inCount buffers are device writable. Descriptors are taken from the lowest
// free indexes. The buffer is not visible to the device before
// [DriverQueue.Sync].
//
// AddBuf is all or nothing: when there are not enough free descriptors it
// returns [ErrResourceExhausted] and no descriptor changes owner.
func (dq *DriverQueue) AddBuf(sg []Buffer, outCount, inCount int, token Token) error {
	total := outCount + inCount
	if outCount < 0 || inCount < 0 || total == 0 || total > len(sg) {
		return &QueueError{Queue: dq.id, Op: "add buffer", Err: fmt.Errorf("%w: %d out and %d in buffers for a list of %d",
			ErrInvalidBuffers, outCount, inCount, len(sg))}
	}

	dq.arenaMu.Lock()
	defer dq.arenaMu.Unlock()

	chain, ok := dq.arena.find(total)
	if !ok {
		dq.metrics.exhausted.Inc(1)
		return &QueueError{Queue: dq.id, Op: "add buffer", Err: fmt.Errorf("%w: need %d, have %d",
			ErrResourceExhausted, total, dq.arena.freeCount())}
	}

	dt := dq.ring.DescriptorTable()
	var length uint32
	for k, index := range chain {
		d := Descriptor{Addr: sg[k].Addr, Len: sg[k].Len}
		if k < total-1 {
			d.Flags |= DescriptorFlagNext
			d.Next = chain[k+1]
		}
		if k >= outCount {
			d.Flags |= DescriptorFlagWrite
		}
		// Indexes come from the arena and are always in range.
		_ = dt.Set(index, d)
		length += sg[k].Len
	}
	dq.arena.claim(chain, token, length)

	idx := uint16(dq.availIdx.Load())
	dq.ring.AvailableRing().SetHead(idx, chain[0])
	dq.availIdx.Store(uint32(idx + 1))

	dq.metrics.posted.Inc(1)
	return nil
}

// Sync publishes all buffers added since the last call and rings the
// doorbell, unless the device asked not to be kicked through the used ring
// flags. It does nothing when no buffer was added in between.
func (dq *DriverQueue) Sync() error {
	dq.syncMu.Lock()
	defer dq.syncMu.Unlock()

	idx := uint16(dq.availIdx.Load())
	if idx == uint16(dq.lastSynced.Load()) {
		return nil
	}

	dq.ring.AvailableRing().Publish(dq.availFlags, idx)
	dq.lastSynced.Store(uint32(idx))

	if flags, _ := dq.ring.UsedRing().Load(); flags&UsedRingFlagNoNotify != 0 {
		dq.metrics.kicksSuppressed.Inc(1)
		return nil
	}

	dq.metrics.kicks.Inc(1)
	if dq.notifier == nil {
		return nil
	}
	if err := dq.notifier.Notify(dq.id); err != nil {
		return &QueueError{Queue: dq.id, Op: "notify", Err: err}
	}
	return nil
}

// SuppressInterrupts sets or clears the no-interrupt hint in the available
// ring. The device may still interrupt, for example when the queue drains.
func (dq *DriverQueue) SuppressInterrupts(suppress bool) {
	dq.syncMu.Lock()
	defer dq.syncMu.Unlock()

	if suppress {
		dq.availFlags |= AvailableRingFlagNoInterrupt
	} else {
		dq.availFlags &^= AvailableRingFlagNoInterrupt
	}
	dq.ring.AvailableRing().Publish(dq.availFlags, uint16(dq.lastSynced.Load()))
}

// GetBuf returns the next completion published by the device. The boolean is
// false, without any side effects, when there is nothing to read.
//
// A used entry that does not name the head of an in-flight chain is skipped
// and reported as [ErrMalformed]; the next call reads the entry after it. A
// used index that ran away is reported as [ErrIndexJump] without consuming
// anything.
func (dq *DriverQueue) GetBuf() (Completion, bool, error) {
	next := uint16(dq.nextUsed.Load())
	usedIdx := dq.ring.UsedRing().Index()
	if next == usedIdx {
		return Completion{}, false, nil
	}

	if pending := usedIdx - next; int(pending) > dq.ring.Size() {
		dq.metrics.malformed.Inc(1)
		return Completion{}, false, &QueueError{Queue: dq.id, Op: "get buffer", Err: fmt.Errorf(
			"%w: %d is %d entries ahead of %d", ErrIndexJump, usedIdx, pending, next)}
	}

	e := dq.ring.UsedRing().Element(next)
	dq.nextUsed.Store(uint32(next + 1))

	head, err := e.Head()
	if err != nil {
		dq.metrics.malformed.Inc(1)
		return Completion{}, false, &QueueError{Queue: dq.id, Op: "get buffer", Err: err}
	}

	dq.arenaMu.Lock()
	t, err := dq.arena.release(head)
	dq.arenaMu.Unlock()
	if err != nil {
		dq.metrics.malformed.Inc(1)
		return Completion{}, false, &QueueError{Queue: dq.id, Op: "get buffer", Err: err}
	}

	length := e.Length
	if length == 0 && dq.zeroLengthQuirk {
		length = t.length
	}

	dq.metrics.completed.Inc(1)
	return Completion{Token: t.token, Length: length}, true, nil
}

// DetachBuf reclaims the descriptors of a posted buffer that the device has
// not completed yet. It is meant for shutdown, after the device stopped
// consuming the available ring. It returns [ErrNotFound] when no pending
// buffer was posted with token, or when token can not be compared.
func (dq *DriverQueue) DetachBuf(token Token) error {
	dq.arenaMu.Lock()
	defer dq.arenaMu.Unlock()

	end := uint16(dq.availIdx.Load())
	pending := end - dq.ring.UsedRing().Index()
	if int(pending) > dq.ring.Size() {
		pending = uint16(dq.ring.Size())
	}

	ar := dq.ring.AvailableRing()
	for idx := end - pending; idx != end; idx++ {
		head := ar.Head(idx)
		if int(head) >= dq.ring.Size() {
			continue
		}

		t := dq.arena.transactions[head]
		if !t.inUse || !sameToken(t.token, token) {
			continue
		}

		if _, err := dq.arena.release(head); err != nil {
			return &QueueError{Queue: dq.id, Op: "detach buffer", Err: err}
		}
		dq.metrics.detached.Inc(1)
		dq.l.WithField("queue", dq.id).WithField("head", head).Debug("Detached pending buffer")
		return nil
	}

	return &QueueError{Queue: dq.id, Op: "detach buffer", Err: ErrNotFound}
}

// DetachAll reclaims every buffer that was added and not returned, wherever
// it is in its life cycle, and returns their tokens ordered by chain head. It
// must only be used once the device was reset.
func (dq *DriverQueue) DetachAll() []Token {
	dq.arenaMu.Lock()
	defer dq.arenaMu.Unlock()

	var tokens []Token
	for head, t := range dq.arena.transactions {
		if !t.inUse {
			continue
		}
		// In use transactions always have a valid head.
		_, _ = dq.arena.release(uint16(head))
		tokens = append(tokens, t.token)
		dq.metrics.detached.Inc(1)
	}
	return tokens
}

// sameToken compares tokens without panicking on types that do not support ==.
func sameToken(a, b Token) bool {
	ta := reflect.TypeOf(a)
	if ta != reflect.TypeOf(b) {
		return false
	}
	if ta != nil && !ta.Comparable() {
		return false
	}
	return a == b
}

// Processing returns the number of published buffers the device has not
// completed yet.
func (dq *DriverQueue) Processing() uint16 {
	return uint16(dq.lastSynced.Load()) - dq.ring.UsedRing().Index()
}

// Completed returns the number of completions published by the device that
// were not read with [DriverQueue.GetBuf] yet.
func (dq *DriverQueue) Completed() uint16 {
	return dq.ring.UsedRing().Index() - uint16(dq.nextUsed.Load())
}

// FreeDescriptors returns the number of descriptors available to AddBuf.
func (dq *DriverQueue) FreeDescriptors() int {
	dq.arenaMu.Lock()
	defer dq.arenaMu.Unlock()
	return dq.arena.freeCount()
}

// InFlight returns the tokens of all buffers that were added but not
// returned yet, ordered by chain head.
func (dq *DriverQueue) InFlight() []Token {
	dq.arenaMu.Lock()
	defer dq.arenaMu.Unlock()

	var tokens []Token
	for _, t := range dq.arena.transactions {
		if t.inUse {
			tokens = append(tokens, t.token)
		}
	}
	return tokens
}
