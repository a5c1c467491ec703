package device

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/vring/memory"
	"github.com/slackhq/vring/mmio"
	"github.com/slackhq/vring/util/virtio"
	"github.com/slackhq/vring/virtqueue"
)

var (
	// ErrQueueFaulted is returned by every operation on a queue that saw a
	// protocol violation, until the device is reset.
	ErrQueueFaulted = errors.New("queue is faulted")

	// ErrQueueInactive is returned when the driver has not set up the queue.
	ErrQueueInactive = errors.New("queue is not set up")
)

// Handler is invoked when the driver rings the doorbell of a queue. Kicks for
// the same queue are never delivered concurrently.
type Handler interface {
	HandleKick(q *Queue)
}

// HandlerFunc adapts a function to the [Handler] interface.
type HandlerFunc func(q *Queue)

func (f HandlerFunc) HandleKick(q *Queue) {
	f(q)
}

// Queue is the device side engine of one split virtqueue. All methods are
// safe for concurrent use.
type Queue struct {
	id      uint16
	size    int
	dev     *Device
	mem     *memory.Space
	l       *logrus.Logger
	handler Handler
	metrics *queueMetrics

	kickMu sync.Mutex

	mu        sync.Mutex
	ring      *virtqueue.Ring
	base      uint32
	lastAvail uint16
	usedIdx   uint16
	inFlight  int
	fault     error
}

// ID returns the queue number.
func (q *Queue) ID() uint16 {
	return q.id
}

// Size returns the number of entries the device offers for this queue.
func (q *Queue) Size() int {
	return q.size
}

// Active reports whether the driver has set up the queue.
func (q *Queue) Active() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ring != nil
}

// Fault returns the protocol violation that faulted the queue, if any.
func (q *Queue) Fault() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.fault
}

// InFlight returns the number of popped elements not flushed yet.
func (q *Queue) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.inFlight
}

func (q *Queue) activate(base uint32) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.resetLocked()
	if base == 0 {
		return nil
	}

	mem, err := q.mem.Slice(uint64(base), uint64(virtqueue.RingSize(q.size)))
	if err != nil {
		return fmt.Errorf("queue %d: %w", q.id, err)
	}
	ring, err := virtqueue.NewRing(mem, q.size)
	if err != nil {
		return fmt.Errorf("queue %d: %w", q.id, err)
	}

	q.ring = ring
	q.base = base
	// Everything up to the used index has been consumed already.
	q.usedIdx = ring.UsedRing().Index()
	q.lastAvail = q.usedIdx
	return nil
}

func (q *Queue) resetLocked() {
	q.ring = nil
	q.base = 0
	q.lastAvail = 0
	q.usedIdx = 0
	q.inFlight = 0
	q.fault = nil
}

func (q *Queue) usableLocked() error {
	if q.fault != nil {
		return fmt.Errorf("queue %d: %w: %w", q.id, ErrQueueFaulted, q.fault)
	}
	if q.ring == nil {
		return fmt.Errorf("queue %d: %w", q.id, ErrQueueInactive)
	}
	return nil
}

// faultLocked stops the queue after a protocol violation. The returned error
// wraps err, which itself wraps [virtqueue.ErrMalformed].
func (q *Queue) faultLocked(err error) error {
	q.fault = err
	q.metrics.faults.Inc(1)
	q.l.WithError(err).WithField("queue", q.id).Error("Queue faulted")
	return fmt.Errorf("queue %d: %w", q.id, err)
}

func (q *Queue) pendingLocked() (uint16, error) {
	avail := q.ring.AvailableRing().Index()
	pending := avail - q.lastAvail
	if int(pending) > q.size {
		return 0, fmt.Errorf("%w: available index moved from %d to %d", virtqueue.ErrMalformed, q.lastAvail, avail)
	}
	return pending, nil
}

// Pop takes the next available chain off the queue. It returns nil when the
// driver has not made anything available.
//
// A malformed chain faults the queue: it never returns an element again
// until the device is reset.
func (q *Queue) Pop() (*Element, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.usableLocked(); err != nil {
		return nil, err
	}

	pending, err := q.pendingLocked()
	if err != nil {
		return nil, q.faultLocked(err)
	}
	if pending == 0 {
		return nil, nil
	}

	head := q.ring.AvailableRing().Head(q.lastAvail)
	elem, err := q.readChainLocked(head)
	if err != nil {
		return nil, q.faultLocked(err)
	}

	q.lastAvail++
	q.inFlight++
	q.metrics.popped.Inc(1)
	return elem, nil
}

func (q *Queue) readChainLocked(head uint16) (*Element, error) {
	elem := &Element{Head: head}
	err := q.ring.DescriptorTable().Walk(head, func(index uint16, d virtqueue.Descriptor) error {
		if d.Flags&virtqueue.DescriptorFlagIndirect != 0 {
			return fmt.Errorf("%w: indirect descriptor %d is not supported", virtqueue.ErrMalformed, index)
		}

		buf, err := q.mem.Slice(d.Addr, uint64(d.Len))
		if err != nil {
			return fmt.Errorf("%w: descriptor %d: %w", virtqueue.ErrMalformed, index, err)
		}

		if d.Writable() {
			elem.In = append(elem.In, buf)
			elem.InLen += d.Len
			return nil
		}
		if len(elem.In) > 0 {
			return fmt.Errorf("%w: readable descriptor %d after a writable one", virtqueue.ErrMalformed, index)
		}
		elem.Out = append(elem.Out, buf)
		elem.OutLen += d.Len
		return nil
	})
	if err != nil {
		return nil, err
	}
	return elem, nil
}

// AvailBytes reports whether the chains already made available, but not
// popped yet, add up to at least in device writable and out device readable
// bytes. Nothing is consumed.
func (q *Queue) AvailBytes(in, out uint32) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.usableLocked(); err != nil {
		return false, err
	}

	pending, err := q.pendingLocked()
	if err != nil {
		return false, q.faultLocked(err)
	}

	var inTotal, outTotal uint64
	for i := uint16(0); i < pending; i++ {
		head := q.ring.AvailableRing().Head(q.lastAvail + i)
		err := q.ring.DescriptorTable().Walk(head, func(_ uint16, d virtqueue.Descriptor) error {
			if d.Writable() {
				inTotal += uint64(d.Len)
			} else {
				outTotal += uint64(d.Len)
			}
			return nil
		})
		if err != nil {
			return false, q.faultLocked(err)
		}
		if inTotal >= uint64(in) && outTotal >= uint64(out) {
			return true, nil
		}
	}
	return inTotal >= uint64(in) && outTotal >= uint64(out), nil
}

// Fill writes the used entry for elem into the used slot offset entries past
// the current used index. The entry is not visible to the driver before
// [Queue.Flush].
func (q *Queue) Fill(elem *Element, length uint32, offset uint16) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.usableLocked(); err != nil {
		return err
	}
	if length > elem.InLen {
		return fmt.Errorf("queue %d: used length %d exceeds the %d writable bytes of chain %d",
			q.id, length, elem.InLen, elem.Head)
	}
	if int(offset) >= q.inFlight {
		return fmt.Errorf("queue %d: used slot offset %d with only %d elements in flight", q.id, offset, q.inFlight)
	}

	q.ring.UsedRing().SetElement(q.usedIdx+offset, virtqueue.UsedElement{
		DescriptorIndex: uint32(elem.Head),
		Length:          length,
	})
	return nil
}

// Flush publishes count filled used entries to the driver.
func (q *Queue) Flush(count uint16) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.usableLocked(); err != nil {
		return err
	}
	if int(count) > q.inFlight {
		return fmt.Errorf("queue %d: flushing %d entries with only %d elements in flight", q.id, count, q.inFlight)
	}

	q.usedIdx += count
	flags, _ := q.ring.UsedRing().Load()
	q.ring.UsedRing().Publish(flags, q.usedIdx)
	q.inFlight -= int(count)
	q.metrics.pushed.Inc(int64(count))
	return nil
}

// Push returns a single element to the driver, the common case of
// [Queue.Fill] followed by [Queue.Flush].
func (q *Queue) Push(elem *Element, length uint32) error {
	if err := q.Fill(elem, length, 0); err != nil {
		return err
	}
	return q.Flush(1)
}

// Notify raises the queue interrupt. The driver may suppress it through the
// available ring. When notify on empty was negotiated the suppression is
// honoured only while work is still outstanding: once the queue runs empty
// the interrupt is always raised so the driver never misses the final
// completions.
func (q *Queue) Notify() error {
	onEmpty := q.dev.Features().Has(virtio.FeatureNotifyOnEmpty)

	q.mu.Lock()
	if err := q.usableLocked(); err != nil {
		q.mu.Unlock()
		return err
	}

	flags, avail := q.ring.AvailableRing().Load()
	outstanding := q.inFlight > 0 || avail != q.lastAvail
	suppress := flags&virtqueue.AvailableRingFlagNoInterrupt != 0 && (outstanding || !onEmpty)
	q.mu.Unlock()

	if suppress {
		q.metrics.suppressed.Inc(1)
		return nil
	}
	q.metrics.interrupts.Inc(1)
	return q.dev.raiseInterrupt(mmio.InterruptQueue)
}

func (q *Queue) kick() {
	q.kickMu.Lock()
	defer q.kickMu.Unlock()

	q.metrics.kicks.Inc(1)
	if q.handler != nil {
		q.handler.HandleKick(q)
	}
}
