// Package mmio implements the register interface a device exposes to its
// driver for bring-up: identification, feature negotiation, queue setup,
// queue notification and interrupt control.
package mmio

// Register byte offsets.
const (
	RegisterID            uint32 = 0x00
	RegisterDeviceType    uint32 = 0x04
	RegisterHostFeatures  uint32 = 0x08
	RegisterGuestFeatures uint32 = 0x0c
	RegisterQueueBase     uint32 = 0x10
	RegisterQueueNum      uint32 = 0x14
	RegisterQueueSelect   uint32 = 0x18
	RegisterQueueNotify   uint32 = 0x1c
	RegisterStatus        uint32 = 0x20
	RegisterIntEnable     uint32 = 0x24
	RegisterIntStatus     uint32 = 0x28

	// ConfigOffset is where the device specific configuration space starts.
	ConfigOffset uint32 = 0x100
)

// MagicID is read from [RegisterID] on every device.
const MagicID uint32 = 0xc600f000

// Interrupt status bits.
const (
	InterruptQueue  uint32 = 1 << 0
	InterruptConfig uint32 = 1 << 1
)

// Registers is a device register file, accessed in 32 bit words.
type Registers interface {
	Read32(offset uint32) uint32
	Write32(offset uint32, value uint32)
}
