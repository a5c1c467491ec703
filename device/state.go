package device

import (
	"fmt"
)

// QueueState is the part of a queue that is not stored in guest memory.
type QueueState struct {
	Base      uint32 `yaml:"base"`
	LastAvail uint16 `yaml:"last_avail"`
	UsedIdx   uint16 `yaml:"used_idx"`
	Faulted   bool   `yaml:"faulted,omitempty"`
}

// State is a snapshot of the device registers and queue cursors. Together
// with guest memory it is enough to resume a device.
type State struct {
	Status        uint32       `yaml:"status"`
	GuestFeatures uint32       `yaml:"guest_features"`
	IntEnable     uint32       `yaml:"int_enable"`
	IntStatus     uint32       `yaml:"int_status"`
	QueueSelect   uint32       `yaml:"queue_select"`
	ConfigSpace   []byte       `yaml:"config_space,flow"`
	Queues        []QueueState `yaml:"queues"`
}

// SaveState snapshots the device. Queues must not have elements in flight.
func (d *Device) SaveState() (State, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	s := State{
		Status:        d.status,
		GuestFeatures: d.guestFeatures,
		IntEnable:     d.intEnable,
		IntStatus:     d.intStatus,
		QueueSelect:   d.selected,
		ConfigSpace:   append([]byte(nil), d.configSpace...),
	}

	for _, q := range d.queues {
		q.mu.Lock()
		qs := QueueState{
			Base:      q.base,
			LastAvail: q.lastAvail,
			UsedIdx:   q.usedIdx,
			Faulted:   q.fault != nil,
		}
		inFlight := q.inFlight
		q.mu.Unlock()

		if inFlight != 0 {
			return State{}, fmt.Errorf("queue %d has %d elements in flight", q.id, inFlight)
		}
		s.Queues = append(s.Queues, qs)
	}

	return s, nil
}

// RestoreState resumes the device from a snapshot taken by
// [Device.SaveState] over the same guest memory.
func (d *Device) RestoreState(s State) error {
	if len(s.Queues) != len(d.queues) {
		return fmt.Errorf("state has %d queues, the device has %d", len(s.Queues), len(d.queues))
	}

	for i, qs := range s.Queues {
		q := d.queues[i]
		if err := q.activate(qs.Base); err != nil {
			return err
		}

		q.mu.Lock()
		if q.ring != nil {
			q.lastAvail = qs.LastAvail
			q.usedIdx = qs.UsedIdx
			if qs.Faulted {
				q.fault = fmt.Errorf("%w: restored faulted queue", ErrQueueFaulted)
			}
		}
		q.mu.Unlock()
	}

	d.mu.Lock()
	d.status = s.Status
	d.guestFeatures = s.GuestFeatures & uint32(d.features)
	d.intEnable = s.IntEnable
	d.intStatus = s.IntStatus
	d.selected = s.QueueSelect
	if len(s.ConfigSpace) == len(d.configSpace) {
		copy(d.configSpace, s.ConfigSpace)
	}
	d.mu.Unlock()

	return nil
}
