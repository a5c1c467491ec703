// Package vring brings up a virtio device over its memory mapped registers
// and drives its split virtqueues.
package vring

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/vring/bridge"
	"github.com/slackhq/vring/mmio"
	"github.com/slackhq/vring/notify"
	"github.com/slackhq/vring/util/virtio"
	"github.com/slackhq/vring/virtqueue"
)

type queueSetOptions struct {
	features      virtio.Feature
	maxQueues     int
	queueOptions  []virtqueue.Option
	bridgeOptions []bridge.Option
}

// QueueSetOption can be passed to [NewQueueSet].
type QueueSetOption func(*queueSetOptions)

// WithFeatures sets the features the driver asks for. Only those the device
// offers are accepted.
func WithFeatures(f virtio.Feature) QueueSetOption {
	return func(o *queueSetOptions) { o.features = f }
}

// WithMaxQueues limits how many queues are set up. 0 sets up every queue the
// device has.
func WithMaxQueues(n int) QueueSetOption {
	return func(o *queueSetOptions) { o.maxQueues = n }
}

func WithQueueOptions(options ...virtqueue.Option) QueueSetOption {
	return func(o *queueSetOptions) { o.queueOptions = append(o.queueOptions, options...) }
}

func WithBridgeOptions(options ...bridge.Option) QueueSetOption {
	return func(o *queueSetOptions) { o.bridgeOptions = append(o.bridgeOptions, options...) }
}

// QueueSet is an initialised device with a driver queue per ring and the
// bridge delivering their completions.
type QueueSet struct {
	l         *logrus.Logger
	transport *mmio.Transport
	queues    []*virtqueue.DriverQueue
	worker    *notify.Worker
	bridge    *bridge.Bridge
}

// NewQueueSet initialises the device behind regs. Ring memory comes from mem
// and line is the interrupt line the device raises. Interrupts are enabled
// once everything is in place.
func NewQueueSet(l *logrus.Logger, regs mmio.Registers, mem mmio.Allocator, line notify.Line, options ...QueueSetOption) (*QueueSet, error) {
	var o queueSetOptions
	for _, option := range options {
		option(&o)
	}

	tr, err := mmio.BringUp(l, regs, mem, o.features, o.maxQueues)
	if err != nil {
		return nil, err
	}

	qs := &QueueSet{l: l, transport: tr}
	bqs := make([]bridge.Queue, 0, len(tr.Rings()))
	for i, ring := range tr.Rings() {
		dq, err := virtqueue.NewDriverQueue(l, uint16(i), ring, tr, o.queueOptions...)
		if err != nil {
			return nil, errors.Join(fmt.Errorf("queue %d: %w", i, err), tr.Close())
		}
		qs.queues = append(qs.queues, dq)
		bqs = append(bqs, dq)
	}

	qs.worker = notify.NewWorker(l)
	irq := mmio.NewInterrupt(regs, line)
	qs.bridge, err = bridge.New(l, irq, qs.worker, bqs, o.bridgeOptions...)
	if err != nil {
		return nil, errors.Join(err, qs.worker.Close(), tr.Close())
	}
	irq.Enable()

	return qs, nil
}

// Queue returns the driver queue with the given index.
func (qs *QueueSet) Queue(i int) *virtqueue.DriverQueue {
	return qs.queues[i]
}

// Queues returns every driver queue, ordered by queue index.
func (qs *QueueSet) Queues() []*virtqueue.DriverQueue {
	return qs.queues
}

func (qs *QueueSet) Len() int {
	return len(qs.queues)
}

func (qs *QueueSet) Bridge() *bridge.Bridge {
	return qs.bridge
}

func (qs *QueueSet) Transport() *mmio.Transport {
	return qs.transport
}

// Close shuts the bridge down, resets the device and releases the rings.
// Completions that were not delivered yet are discarded and buffers still
// posted are detached. Memory referenced by detached buffers can be reused
// once Close returns, even when the bridge timed out, since the device was
// reset.
func (qs *QueueSet) Close(ctx context.Context) error {
	var errs []error
	if err := qs.bridge.Close(ctx); err != nil {
		errs = append(errs, err)
	}

	qs.transport.Reset()

	for _, q := range qs.queues {
		discarded := 0
		for {
			_, ok, err := q.GetBuf()
			if errors.Is(err, virtqueue.ErrIndexJump) {
				errs = append(errs, err)
				break
			}
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if !ok {
				break
			}
			discarded++
		}

		detached := len(q.DetachAll())

		if discarded > 0 || detached > 0 {
			qs.l.WithField("queue", q.ID()).
				WithField("discarded", discarded).
				WithField("detached", detached).
				Debug("Released leftover buffers")
		}
	}

	if err := qs.worker.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := qs.transport.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
