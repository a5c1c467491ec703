package mmio

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/vring/memory"
	"github.com/slackhq/vring/util/virtio"
	"github.com/slackhq/vring/virtqueue"
)

// ErrNoDevice is returned when the register file does not identify as a
// device.
var ErrNoDevice = errors.New("no device present")

// Allocator hands out guest memory for rings.
type Allocator interface {
	Alloc(size int) (memory.Allocation, error)
	Free(a memory.Allocation) error
}

// Transport is the driver side view of a device after bring-up. It owns the
// rings and the guest memory backing them.
type Transport struct {
	l    *logrus.Logger
	regs Registers
	mem  Allocator

	deviceType virtio.DeviceType
	features   virtio.Feature
	rings      []*virtqueue.Ring
	allocs     []memory.Allocation
}

// BringUp runs the driver bring-up sequence against a device: identify it,
// acknowledge it, negotiate features, set up the device's queues and finally
// mark the driver as initialised. At most maxQueues queues are set up, all of
// them when maxQueues is 0. Interrupts are left disabled.
//
// Only the lower 32 feature bits can be negotiated through the registers.
// When any step fails the device is marked as failed and everything
// allocated so far is released.
func BringUp(l *logrus.Logger, regs Registers, mem Allocator, wanted virtio.Feature, maxQueues int) (*Transport, error) {
	if id := regs.Read32(RegisterID); id != MagicID {
		return nil, fmt.Errorf("%w: unexpected id %#x", ErrNoDevice, id)
	}

	t := &Transport{
		l:          l,
		regs:       regs,
		mem:        mem,
		deviceType: virtio.DeviceType(regs.Read32(RegisterDeviceType)),
	}

	regs.Write32(RegisterIntEnable, 0)
	regs.Write32(RegisterStatus, uint32(virtio.StatusAcknowledge|virtio.StatusDriverFound))

	host := virtio.Feature(regs.Read32(RegisterHostFeatures))
	t.features = host & wanted & 0xffffffff
	regs.Write32(RegisterGuestFeatures, uint32(t.features))

	if err := t.setupQueues(maxQueues); err != nil {
		regs.Write32(RegisterStatus, uint32(virtio.StatusFailed))
		return nil, errors.Join(err, t.release())
	}

	regs.Write32(RegisterStatus, regs.Read32(RegisterStatus)|uint32(virtio.StatusDriverInitialised))

	l.WithField("deviceType", t.deviceType).
		WithField("hostFeatures", host).
		WithField("features", t.features).
		WithField("queues", len(t.rings)).
		Info("Device initialised")

	return t, nil
}

func (t *Transport) setupQueues(maxQueues int) error {
	// Queue ids are 16 bit wide.
	if maxQueues <= 0 || maxQueues > 1<<16 {
		maxQueues = 1 << 16
	}
	for i := 0; i < maxQueues; i++ {
		t.regs.Write32(RegisterQueueSelect, uint32(i))
		num := t.regs.Read32(RegisterQueueNum)
		if num == 0 {
			break
		}
		if err := virtqueue.CheckQueueSize(int(num)); err != nil {
			return fmt.Errorf("queue %d: %w", i, err)
		}

		a, err := t.mem.Alloc(virtqueue.RingSize(int(num)))
		if err != nil {
			return fmt.Errorf("allocate queue %d: %w", i, err)
		}
		t.allocs = append(t.allocs, a)

		if a.Phys > 0xffffffff {
			return fmt.Errorf("queue %d memory at %#x is not addressable by the device", i, a.Phys)
		}

		ring, err := virtqueue.NewRing(a.Buf, int(num))
		if err != nil {
			return fmt.Errorf("queue %d: %w", i, err)
		}

		t.regs.Write32(RegisterQueueBase, uint32(a.Phys))
		t.rings = append(t.rings, ring)

		t.l.WithField("queue", i).
			WithField("size", num).
			WithField("base", fmt.Sprintf("%#x", a.Phys)).
			Debug("Queue set up")
	}

	if len(t.rings) == 0 {
		return errors.New("device has no queues")
	}
	return nil
}

func (t *Transport) release() error {
	var errs []error
	for _, a := range t.allocs {
		if err := t.mem.Free(a); err != nil {
			errs = append(errs, err)
		}
	}
	t.allocs = nil
	t.rings = nil
	return errors.Join(errs...)
}

// DeviceType returns the type reported by the device.
func (t *Transport) DeviceType() virtio.DeviceType {
	return t.deviceType
}

// Features returns the negotiated feature set.
func (t *Transport) Features() virtio.Feature {
	return t.features
}

// Rings returns the rings of every queue that was set up, indexed by queue
// number.
func (t *Transport) Rings() []*virtqueue.Ring {
	return t.rings
}

// Notify tells the device new buffers are available on a queue.
func (t *Transport) Notify(queue uint16) error {
	if int(queue) >= len(t.rings) {
		return fmt.Errorf("notify: queue %d does not exist", queue)
	}
	t.regs.Write32(RegisterQueueNotify, uint32(queue))
	return nil
}

// ReadConfig reads a word of the device configuration space.
func (t *Transport) ReadConfig(offset uint32) uint32 {
	return t.regs.Read32(ConfigOffset + offset)
}

// Reset resets the device. The device stops using every queue, after which
// the transport must be closed or brought up again.
func (t *Transport) Reset() {
	t.regs.Write32(RegisterIntEnable, 0)
	t.regs.Write32(RegisterStatus, 0)
}

// Close resets the device and releases the ring memory.
func (t *Transport) Close() error {
	t.Reset()
	return t.release()
}
