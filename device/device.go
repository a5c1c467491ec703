// Package device implements the device side of the split virtqueue transport:
// a register file a driver brings the device up through, and one queue engine
// per queue that pops chains the driver made available and returns them
// through the used ring.
package device

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"github.com/slackhq/vring/memory"
	"github.com/slackhq/vring/mmio"
	"github.com/slackhq/vring/util/virtio"
	"github.com/slackhq/vring/virtqueue"
)

// Raiser asserts the interrupt line towards the driver.
type Raiser interface {
	Raise() error
}

// QueueConfig describes one queue the device offers.
type QueueConfig struct {
	Size    int
	Handler Handler
}

// Config describes the device.
type Config struct {
	Type     virtio.DeviceType
	Features virtio.Feature
	Queues   []QueueConfig
	// ConfigSpace is the initial content of the device configuration space.
	ConfigSpace []byte
}

// Device is a virtio device backend. It implements [mmio.Registers].
type Device struct {
	l   *logrus.Logger
	mem *memory.Space
	irq Raiser

	typ      virtio.DeviceType
	features virtio.Feature
	queues   []*Queue

	mu            sync.Mutex
	configSpace   []byte
	selected      uint32
	guestFeatures uint32
	status        uint32
	intEnable     uint32
	intStatus     uint32
}

func New(l *logrus.Logger, mem *memory.Space, irq Raiser, c Config, options ...Option) (*Device, error) {
	if len(c.Queues) == 0 {
		return nil, errors.New("device needs at least one queue")
	}
	if len(c.Queues) > 0xffff {
		return nil, fmt.Errorf("device cannot have %d queues", len(c.Queues))
	}

	var opts optionValues
	opts.apply(options)
	if opts.registry == nil {
		opts.registry = metrics.DefaultRegistry
	}

	d := &Device{
		l:           l,
		mem:         mem,
		irq:         irq,
		typ:         c.Type,
		features:    c.Features,
		configSpace: append([]byte(nil), c.ConfigSpace...),
	}

	for i, qc := range c.Queues {
		if err := virtqueue.CheckQueueSize(qc.Size); err != nil {
			return nil, fmt.Errorf("queue %d: %w", i, err)
		}
		d.queues = append(d.queues, &Queue{
			id:      uint16(i),
			size:    qc.Size,
			dev:     d,
			mem:     mem,
			l:       l,
			handler: qc.Handler,
			metrics: newQueueMetrics(opts.registry, uint16(i)),
		})
	}

	return d, nil
}

// Queue returns the queue with the given id or nil.
func (d *Device) Queue(id uint16) *Queue {
	if int(id) >= len(d.queues) {
		return nil
	}
	return d.queues[id]
}

// NumQueues returns the number of queues the device offers.
func (d *Device) NumQueues() int {
	return len(d.queues)
}

// Status returns the status the driver last wrote.
func (d *Device) Status() virtio.Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return virtio.Status(d.status)
}

// Features returns the features the driver accepted.
func (d *Device) Features() virtio.Feature {
	d.mu.Lock()
	defer d.mu.Unlock()
	return virtio.Feature(d.guestFeatures)
}

func (d *Device) Read32(offset uint32) uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()

	if offset >= mmio.ConfigOffset {
		return d.readConfigLocked(offset - mmio.ConfigOffset)
	}

	switch offset {
	case mmio.RegisterID:
		return mmio.MagicID
	case mmio.RegisterDeviceType:
		return uint32(d.typ)
	case mmio.RegisterHostFeatures:
		return uint32(d.features)
	case mmio.RegisterGuestFeatures:
		return d.guestFeatures
	case mmio.RegisterQueueBase:
		if q := d.selectedLocked(); q != nil {
			q.mu.Lock()
			defer q.mu.Unlock()
			return q.base
		}
	case mmio.RegisterQueueNum:
		if q := d.selectedLocked(); q != nil {
			return uint32(q.size)
		}
	case mmio.RegisterQueueSelect:
		return d.selected
	case mmio.RegisterStatus:
		return d.status
	case mmio.RegisterIntEnable:
		return d.intEnable
	case mmio.RegisterIntStatus:
		return d.intStatus
	default:
		d.l.WithField("offset", fmt.Sprintf("%#x", offset)).Debug("Read of unknown register")
	}
	return 0
}

func (d *Device) Write32(offset uint32, value uint32) {
	d.mu.Lock()

	if offset >= mmio.ConfigOffset {
		d.writeConfigLocked(offset-mmio.ConfigOffset, value)
		d.mu.Unlock()
		return
	}

	// Queue activation, kicks and resets take queue locks and call into
	// handlers, so they run after the register lock is released.
	var action func()

	switch offset {
	case mmio.RegisterGuestFeatures:
		d.guestFeatures = value & uint32(d.features)
	case mmio.RegisterQueueBase:
		if q := d.selectedLocked(); q != nil {
			action = func() {
				if err := q.activate(value); err != nil {
					d.l.WithError(err).WithField("queue", q.id).Error("Failed to set up queue")
				}
			}
		}
	case mmio.RegisterQueueSelect:
		d.selected = value
	case mmio.RegisterQueueNotify:
		action = func() {
			if err := d.Kick(uint16(value)); err != nil {
				d.l.WithError(err).Warn("Dropped queue notification")
			}
		}
	case mmio.RegisterStatus:
		d.status = value
		switch {
		case value == 0:
			action = d.reset
		case value&uint32(virtio.StatusFailed) != 0:
			d.l.WithField("status", virtio.Status(value)).Warn("Driver failed to initialise the device")
		default:
			d.l.WithField("status", virtio.Status(value)).Debug("Device status changed")
		}
	case mmio.RegisterIntEnable:
		d.intEnable = value
		if d.intStatus&d.intEnable != 0 {
			action = d.raiseLine
		}
	case mmio.RegisterIntStatus:
		d.intStatus &^= value
	default:
		d.l.WithField("offset", fmt.Sprintf("%#x", offset)).Debug("Write of read only or unknown register")
	}
	d.mu.Unlock()

	if action != nil {
		action()
	}
}

func (d *Device) selectedLocked() *Queue {
	if d.selected >= uint32(len(d.queues)) {
		return nil
	}
	return d.queues[d.selected]
}

func (d *Device) readConfigLocked(offset uint32) uint32 {
	var b [4]byte
	if int(offset) < len(d.configSpace) {
		copy(b[:], d.configSpace[offset:])
	}
	return binary.LittleEndian.Uint32(b[:])
}

func (d *Device) writeConfigLocked(offset uint32, value uint32) {
	if int(offset) >= len(d.configSpace) {
		return
	}
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], value)
	copy(d.configSpace[offset:], b[:])
}

// SetConfig updates the configuration space and tells the driver about it.
func (d *Device) SetConfig(offset int, b []byte) error {
	d.mu.Lock()
	if offset < 0 || offset+len(b) > len(d.configSpace) {
		d.mu.Unlock()
		return fmt.Errorf("config write of %d bytes at %d exceeds the %d byte config space", len(b), offset, len(d.configSpace))
	}
	copy(d.configSpace[offset:], b)
	d.mu.Unlock()

	return d.raiseInterrupt(mmio.InterruptConfig)
}

// Kick delivers a doorbell for a queue to its handler.
func (d *Device) Kick(id uint16) error {
	q := d.Queue(id)
	if q == nil {
		return fmt.Errorf("kick for queue %d, the device has %d queues", id, len(d.queues))
	}
	if !q.Active() {
		return fmt.Errorf("kick for queue %d: %w", id, ErrQueueInactive)
	}
	q.kick()
	return nil
}

func (d *Device) raiseInterrupt(bits uint32) error {
	d.mu.Lock()
	d.intStatus |= bits
	level := d.intStatus & d.intEnable
	d.mu.Unlock()

	if level == 0 {
		return nil
	}
	return d.irq.Raise()
}

func (d *Device) raiseLine() {
	if err := d.irq.Raise(); err != nil {
		d.l.WithError(err).Warn("Failed to raise interrupt")
	}
}

// Reset puts the device back into its initial state, as a driver does by
// writing 0 to the status register. Queue faults are cleared.
func (d *Device) Reset() {
	d.mu.Lock()
	d.status = 0
	d.mu.Unlock()
	d.reset()
}

func (d *Device) reset() {
	d.mu.Lock()
	d.guestFeatures = 0
	d.intEnable = 0
	d.intStatus = 0
	d.selected = 0
	d.mu.Unlock()

	for _, q := range d.queues {
		q.kickMu.Lock()
		q.mu.Lock()
		q.resetLocked()
		q.mu.Unlock()
		q.kickMu.Unlock()
	}

	d.l.Debug("Device reset")
}
